package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"carrier/internal/config"
	"carrier/internal/format"
)

func newConfigCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or change configuration",
	}
	cmd.AddCommand(
		newConfigGetCmd(cfg, jsonOutput),
		newConfigSetCmd(),
		newConfigMountsCmd(cfg, jsonOutput),
	)
	return cmd
}

func newConfigGetCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "get [key]",
		Short: "Print one config value, or every value without a key",
		Args:  requireArgsBetween(0, 1, "config get takes at most one key"),
		RunE: func(cmd *cobra.Command, args []string) error {
			keys := config.AllowedKeys()
			if len(args) == 1 {
				if !config.IsAllowedKey(args[0]) {
					return fmt.Errorf("unknown key: %s (allowed: %s)", args[0], strings.Join(keys, ", "))
				}
				keys = args[:1]
			}

			values := make(map[string]string, len(keys))
			fields := make(format.Fields, 0, len(keys))
			for _, key := range keys {
				value, err := cfg.Get(key)
				if err != nil {
					return err
				}
				values[key] = value
				fields = append(fields, format.Field{Key: key, Value: value})
			}

			switch {
			case *jsonOutput:
				return writeJSON(values)
			case len(args) == 1:
				return writePlain("%s\n", values[args[0]])
			default:
				return writeFields(fields)
			}
		},
	}
}

func newConfigSetCmd() *cobra.Command {
	var global bool

	cmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Write a config value to the project or global file",
		Args:  requireExactlyArgs(2, "config set takes a key and a value"),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := config.ProjectPath
			if global {
				target = config.GlobalPath
			}
			path, err := target()
			if err != nil {
				return err
			}
			if err := config.SetKey(path, args[0], args[1]); err != nil {
				return err
			}
			return writePlain("%s updated in %s\n", args[0], path)
		},
	}

	cmd.Flags().BoolVar(&global, "global", false, "write to ~/.carrier.toml instead of ./.carrier.toml")
	return cmd
}

func newConfigMountsCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "mounts",
		Short: "List declared slot mounts",
		Args:  requireExactlyArgs(0, "config mounts takes no arguments"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if *jsonOutput {
				return writeJSON(mountSummaries(cfg.Mounts))
			}
			if len(cfg.Mounts) == 0 {
				return writePlain("no mounts declared\n")
			}
			fields := make(format.Fields, 0, len(cfg.Mounts))
			for _, m := range mountSummaries(cfg.Mounts) {
				value := fmt.Sprintf("uploader=%s %s", m.Uploader, m.Mode)
				if len(m.Raise) > 0 {
					value += " raise=" + strings.Join(m.Raise, ",")
				}
				fields = append(fields, format.Field{Key: m.Kind + "/" + m.Slot, Value: value})
			}
			return writeFields(fields)
		},
	}
}

type mountSummary struct {
	Kind     string   `json:"kind"`
	Slot     string   `json:"slot"`
	Uploader string   `json:"uploader"`
	Mode     string   `json:"mode"`
	Raise    []string `json:"raise"`
}

func mountSummaries(mounts []config.MountConfig) []mountSummary {
	out := make([]mountSummary, 0, len(mounts))
	for _, m := range mounts {
		s := mountSummary{Kind: m.Kind, Slot: m.Slot, Uploader: m.Uploader, Mode: "single", Raise: []string{}}
		if m.Multiple {
			s.Mode = "multiple"
		}
		for _, class := range []struct {
			name  string
			raise bool
		}{
			{"integrity", m.RaiseIntegrityErrors},
			{"processing", m.RaiseProcessingErrors},
			{"download", m.RaiseDownloadErrors},
		} {
			if class.raise {
				s.Raise = append(s.Raise, class.name)
			}
		}
		out = append(out, s)
	}
	return out
}
