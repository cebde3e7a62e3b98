package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"carrier/internal/config"
	"carrier/internal/format"
)

func newRootCmd(cfg *config.Config) *cobra.Command {
	var jsonOutput bool
	var pretty bool
	var logLevel string

	cmd := &cobra.Command{
		Use:           "carrier",
		Short:         "Carrier attaches, processes and stores files for records",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			warning, err := configureLoggerForCLI(logLevel, cfg.LogLevel)
			if err != nil {
				return err
			}
			if warning != "" {
				fmt.Fprintln(os.Stderr, warning)
			}
			if pretty {
				outputFormatter = format.JSONFormatter{Indent: "  "}
			}
			return nil
		},
	}

	cmd.Version = version
	cmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output JSON")
	cmd.PersistentFlags().BoolVar(&pretty, "pretty", false, "indent JSON output")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	cmd.AddCommand(
		newAttachCmd(cfg, &jsonOutput),
		newShowCmd(cfg, &jsonOutput),
		newDetachCmd(cfg, &jsonOutput),
		newPurgeCmd(cfg, &jsonOutput),
		newCacheCmd(cfg, &jsonOutput),
		newUploadersCmd(cfg, &jsonOutput),
		newInfoCmd(cfg, &jsonOutput),
		newMigrateCmd(cfg, &jsonOutput),
		newConfigCmd(cfg, &jsonOutput),
	)

	return cmd
}
