package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/precheck/monitor/internal/config"
)

func newConfigCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the monitor configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(config.DefaultCandidates(root.configPath)...)
			if err != nil {
				return &exitError{code: 1, err: err}
			}

			source := cfg.Source
			if source == "" {
				source = "defaults (no configuration file found)"
			}
			endpoints := 0
			for _, env := range cfg.Environments {
				endpoints += len(env.APIURLs)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "configuration valid: %s\n", source)
			fmt.Fprintf(out, "environments: %d\n", len(cfg.Environments))
			fmt.Fprintf(out, "endpoints: %d\n", endpoints)
			fmt.Fprintf(out, "history backend: %s\n", cfg.History.Backend)
			fmt.Fprintf(out, "webhook enabled: %t\n", cfg.Webhook.Enabled && cfg.Webhook.URL != "")
			return nil
		},
	})

	return cmd
}
