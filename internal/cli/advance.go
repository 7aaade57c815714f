package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// NewAdvanceCmd создаёт команду advance.
func NewAdvanceCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "advance",
		Short: "Ask the scheduler to enqueue a run if one is due",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			res, err := client.Advance()
			if err != nil {
				return err
			}

			runID := ""
			if res.Run != nil {
				runID = res.Run.ID
				out.Success(fmt.Sprintf("Run queued: %s", runID))
			}
			out.Print(
				[]string{"ENQUEUED", "REASON", "RUN_ID", "NEXT_RUN_AT"},
				[][]string{{strconv.FormatBool(res.Enqueued), res.Reason, runID, res.NextRunAt}},
				res,
			)
			return nil
		},
	}
}
