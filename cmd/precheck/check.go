package main

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"github.com/precheck/monitor/internal/app"
	"github.com/precheck/monitor/internal/monitor"
)

// Exit codes of the check command.
const (
	exitHealthy   = 0
	exitDegraded  = 1
	exitUnhealthy = 2
)

func newCheckCommand(root *rootOptions) *cobra.Command {
	var (
		timeout time.Duration
		compact bool
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run one health cycle and print the snapshot as JSON",
		Long: `Run one health cycle and print the snapshot as JSON.

Exit status is 0 when every service is healthy or nothing is configured,
1 when fewer than half of the services failed and 2 when half or more
failed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			monitorApp, err := app.Build(cmd.Context(), app.Options{
				ConfigPath:     root.configPath,
				DisableMetrics: true,
				Logger:         root.logger(cmd),
			})
			if err != nil {
				return &exitError{code: exitUnhealthy, err: err}
			}
			defer monitorApp.Close()

			snap := monitorApp.Monitor.GetHealthWithin(cmd.Context(), timeout)

			enc := json.NewEncoder(cmd.OutOrStdout())
			if !compact {
				enc.SetIndent("", "  ")
			}
			if err := enc.Encode(snap); err != nil {
				return err
			}

			if code := exitCode(snap.Status); code != exitHealthy {
				return &exitError{code: code}
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "Maximum time to wait for the cycle")
	cmd.Flags().BoolVar(&compact, "compact", false, "Print the snapshot on one line")

	return cmd
}

func exitCode(status monitor.Status) int {
	switch status {
	case monitor.StatusHealthy, monitor.StatusNoConfig:
		return exitHealthy
	case monitor.StatusDegraded:
		return exitDegraded
	default:
		return exitUnhealthy
	}
}
