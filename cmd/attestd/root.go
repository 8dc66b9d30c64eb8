package main

import (
	"github.com/spf13/cobra"

	"AttestGate/internal/logger"
)

const logLevelKey = "log-level"

// rootCommand builds the attestd command tree.
func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "attestd",
		Short:         "Consensus-gated attestation submission node",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(c *cobra.Command, _ []string) error {
			s, err := c.Flags().GetString(logLevelKey)
			if err != nil {
				return err
			}

			level, err := logger.ParseLevel(s)
			if err != nil {
				return err
			}

			logger.SetLevel(level)
			return nil
		},
	}

	root.PersistentFlags().String(logLevelKey, "info", "Minimum log level (debug, info, warn, error)")

	root.AddCommand(
		serveCommand(),
		keygenCommand(),
		fingerprintCommand(),
		submitCommand(),
	)

	return root
}
