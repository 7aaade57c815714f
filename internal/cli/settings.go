package cli

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// NewSettingsCmd создаёт группу команд для настроек пайплайна.
func NewSettingsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "View and change pipeline settings",
	}

	cmd.AddCommand(
		newSettingsGetCmd(clientFn, outputFn),
		newSettingsSetCmd(clientFn, outputFn),
	)

	return cmd
}

func printSettings(out *Output, s *SettingsResponse) {
	rows := [][]string{
		{"is_enabled", strconv.FormatBool(s.IsEnabled)},
		{"run_interval_hours", strconv.Itoa(s.RunIntervalHours)},
		{"next_run_at", s.NextRunAt},
		{"include_instagram", strconv.FormatBool(s.IncludeInstagram)},
	}
	keys := make([]string, 0, len(s.Limits))
	for k := range s.Limits {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		rows = append(rows, []string{"limits." + k, strconv.Itoa(s.Limits[k])})
	}
	out.Print([]string{"KEY", "VALUE"}, rows, s)
}

func newSettingsGetCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "get",
		Short: "Show pipeline settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := clientFn().GetSettings()
			if err != nil {
				return err
			}
			printSettings(outputFn(), settings)
			return nil
		},
	}
}

func newSettingsSetCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var enabled bool
	var intervalHours int
	var instagram bool
	var nextRunAt string
	var clearNextRunAt bool
	var limits []string

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Update pipeline settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			patch, err := buildSettingsPatch(cmd, enabled, intervalHours, instagram, nextRunAt, clearNextRunAt, limits)
			if err != nil {
				return err
			}

			client := clientFn()
			out := outputFn()

			settings, err := client.UpdateSettings(patch)
			if err != nil {
				return err
			}

			out.Success("Settings updated")
			printSettings(out, settings)
			return nil
		},
	}

	cmd.Flags().BoolVar(&enabled, "enabled", false, "Enable or disable scheduled runs")
	cmd.Flags().IntVar(&intervalHours, "interval-hours", 0, "Hours between scheduled runs")
	cmd.Flags().BoolVar(&instagram, "instagram", false, "Include instagram_scrape in new runs")
	cmd.Flags().StringVar(&nextRunAt, "next-run-at", "", "Next scheduled run (RFC 3339)")
	cmd.Flags().BoolVar(&clearNextRunAt, "clear-next-run-at", false, "Reset next scheduled run so the next tick is due")
	cmd.MarkFlagsMutuallyExclusive("next-run-at", "clear-next-run-at")
	cmd.Flags().StringSliceVar(&limits, "limit", nil, "Limit as KEY=VALUE (repeatable)")

	return cmd
}

func buildSettingsPatch(cmd *cobra.Command, enabled bool, intervalHours int, instagram bool, nextRunAt string, clearNextRunAt bool, limits []string) (SettingsPatch, error) {
	var patch SettingsPatch
	flags := cmd.Flags()

	if flags.Changed("enabled") {
		patch.IsEnabled = &enabled
	}
	if flags.Changed("interval-hours") {
		patch.RunIntervalHours = &intervalHours
	}
	if flags.Changed("instagram") {
		patch.IncludeInstagram = &instagram
	}
	if flags.Changed("next-run-at") {
		t, err := time.Parse(time.RFC3339, nextRunAt)
		if err != nil {
			return SettingsPatch{}, fmt.Errorf("invalid --next-run-at %q: %w", nextRunAt, err)
		}
		patch.NextRunAt = &t
	}
	patch.ClearNextRunAt = clearNextRunAt
	if len(limits) > 0 {
		patch.Limits = make(map[string]int, len(limits))
		for _, kv := range limits {
			key, value, ok := strings.Cut(kv, "=")
			if !ok {
				return SettingsPatch{}, fmt.Errorf("invalid limit format %q, expected KEY=VALUE", kv)
			}
			n, err := strconv.Atoi(value)
			if err != nil {
				return SettingsPatch{}, fmt.Errorf("invalid limit %q: value must be an integer", kv)
			}
			patch.Limits[key] = n
		}
	}

	if patch.IsEnabled == nil && patch.RunIntervalHours == nil && patch.IncludeInstagram == nil &&
		patch.NextRunAt == nil && !patch.ClearNextRunAt && patch.Limits == nil {
		return SettingsPatch{}, fmt.Errorf("nothing to update: pass at least one flag")
	}
	return patch, nil
}
