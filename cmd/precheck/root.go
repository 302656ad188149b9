package main

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/precheck/monitor/internal/app"
)

type rootOptions struct {
	configPath string
	verbose    bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "precheck",
		Short: "Check the health of the monitored services",
		Long: `precheck probes every configured service health endpoint with
client-credentials tokens and reports the aggregate verdict.`,
		Version:       fmt.Sprintf("%s (built %s)", Version, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to configuration file (default: PRECHECK_CONFIG, then the standard locations)")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log progress to stderr")

	cmd.AddCommand(
		newCheckCommand(opts),
		newConfigCommand(opts),
		newTokenCommand(),
	)

	return cmd
}

// logger writes to stderr so stdout stays machine readable.
func (o *rootOptions) logger(cmd *cobra.Command) zerolog.Logger {
	if !o.verbose {
		return zerolog.Nop()
	}
	return app.NewLoggerTo(cmd.ErrOrStderr(), "precheck", Version)
}
