package cli

import (
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// NewStepsCmd создаёт команду steps.
func NewStepsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "steps",
		Short: "List pipeline steps in execution order",
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := clientFn().ListSteps()
			if err != nil {
				return err
			}

			headers := []string{"#", "NAME", "OPTIONAL", "TIMEOUT", "COMMAND"}
			rows := make([][]string, len(list))
			for i, s := range list {
				command := strings.TrimSpace(s.Command + " " + strings.Join(s.Args, " "))
				if s.InProcess {
					command = "(in-process)"
				}
				rows[i] = []string{strconv.Itoa(s.Ordinal), s.Name, strconv.FormatBool(s.Optional), s.Timeout, command}
			}

			outputFn().Print(headers, rows, list)
			return nil
		},
	}
}
