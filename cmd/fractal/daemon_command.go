package main

import (
	"github.com/spf13/cobra"

	"fractal/internal/daemon"
)

func newDaemonCommand(ctx *commandContext) *cobra.Command {
	var simulate bool
	var logLevel string

	cmd := &cobra.Command{
		Use:         "daemon",
		Short:       "Run the training daemon in the foreground",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return daemon.RunForeground(cmd.Context(), daemon.RunOptions{
				ConfigPath: ctx.configPath(),
				LogLevel:   logLevel,
				Simulate:   simulate,
			})
		},
	}

	cmd.Flags().BoolVar(&simulate, "simulate", false, "Use favourable simulated device conditions")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override logging.level")
	return cmd
}
