package cli

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"
)

// NewRunCmd создаёт группу команд для управления runs.
func NewRunCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Manage pipeline runs",
	}

	cmd.AddCommand(
		newRunTriggerCmd(clientFn, outputFn),
		newRunListCmd(clientFn, outputFn),
		newRunGetCmd(clientFn, outputFn),
		newRunCancelCmd(clientFn, outputFn),
	)

	return cmd
}

var runHeaders = []string{"ID", "STATUS", "CURRENT_STEP", "TRIGGERED_BY", "INSTAGRAM", "CREATED"}

func runRow(r RunResponse) []string {
	return []string{r.ID, r.Status, r.CurrentStep, r.TriggeredBy, strconv.FormatBool(r.IncludeInstagram), r.CreatedAt}
}

func newRunTriggerCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var triggeredBy string
	var instagram bool

	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Start a run outside the schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			req := TriggerRunRequest{TriggeredBy: triggeredBy}
			if cmd.Flags().Changed("instagram") {
				req.IncludeInstagram = &instagram
			}

			run, err := client.TriggerRun(req)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Run queued: %s", run.ID))
			out.Print(runHeaders, [][]string{runRow(*run)}, run)
			return nil
		},
	}

	cmd.Flags().StringVar(&triggeredBy, "triggered-by", "", "Trigger source recorded on the run (default \"manual\")")
	cmd.Flags().BoolVar(&instagram, "instagram", false, "Include the instagram_scrape step (settings value if not specified)")

	return cmd
}

func newRunListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			runs, err := client.ListRuns(limit)
			if err != nil {
				return err
			}

			rows := make([][]string, len(runs))
			for i, r := range runs {
				rows[i] = runRow(r)
			}

			out.Print(runHeaders, rows, runs)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of results")

	return cmd
}

func newRunGetCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "get ID",
		Short: "Show run details and step states",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			run, err := client.GetRun(args[0])
			if err != nil {
				return err
			}

			out.Detail(run,
				Section{
					Headers: []string{"ID", "STATUS", "CURRENT_STEP", "RESUMES", "ERROR"},
					Rows:    [][]string{{run.ID, run.Status, run.CurrentStep, strconv.Itoa(run.ResumeCount), run.Error}},
				},
				Section{
					Headers: []string{"STEP", "STATUS", "ATTEMPT", "EXIT_CODE", "ERROR"},
					Rows:    stepStateRows(run.StepStates),
				},
			)
			return nil
		},
	}
}

// stepStateRows сортирует шаги по времени старта, затем по имени.
func stepStateRows(states map[string]StepStateResponse) [][]string {
	names := make([]string, 0, len(states))
	for name := range states {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := states[names[i]], states[names[j]]
		if a.StartedAt != b.StartedAt {
			return a.StartedAt < b.StartedAt
		}
		return names[i] < names[j]
	})

	rows := make([][]string, len(names))
	for i, name := range names {
		s := states[name]
		exit := ""
		if s.ExitCode != nil {
			exit = strconv.Itoa(*s.ExitCode)
		}
		rows[i] = []string{name, s.Status, strconv.Itoa(s.Attempt), exit, s.Error}
	}
	return rows
}

func newRunCancelCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a queued or running run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			run, err := client.CancelRun(args[0])
			if err != nil {
				return err
			}

			if run.Status == "cancelled" {
				out.Success(fmt.Sprintf("Run cancelled: %s", run.ID))
			} else {
				out.Success(fmt.Sprintf("Cancel requested, run stops at the next step boundary: %s", run.ID))
			}
			return nil
		},
	}
}
