package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"carrier/internal/config"
	"carrier/internal/mount"
)

func newShowCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var version string
	var sizes bool

	cmd := &cobra.Command{
		Use:   "show <kind> <id> [slot]",
		Short: "Show stored files and URLs of a record",
		Args:  requireRecord(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cfg, func(a *app) error {
				h, err := a.host(args[0], args[1])
				if err != nil {
					return err
				}
				names := h.Slots()
				if len(args) == 3 {
					names = []string{args[2]}
				}

				reports := make([]slotReport, 0, len(names))
				for _, name := range names {
					slot, ok := h.Slot(name)
					if !ok {
						return fmt.Errorf("slot %q is not mounted on %s (available: %v)", name, args[0], h.Slots())
					}
					report, err := buildSlotReport(cmd.Context(), args[0], args[1], slot, version)
					if err != nil {
						return err
					}
					if sizes {
						if report.Sizes, err = slotSizes(cmd.Context(), slot, version); err != nil {
							return err
						}
					}
					reports = append(reports, report)
				}

				if *jsonOutput {
					return writeJSON(reports)
				}
				for i, report := range reports {
					if i > 0 {
						_ = writePlain("\n")
					}
					if err := writeSlotReport(report); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&version, "version", "", "show URLs of a version (nested versions joined with _)")
	cmd.Flags().BoolVar(&sizes, "size", false, "read each stored file to report its size")
	return cmd
}

func slotSizes(ctx context.Context, slot *mount.Slot, version string) ([]string, error) {
	current, err := slot.Read(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(current))
	for _, u := range current {
		target := u
		if version != "" {
			child, ok := mount.VersionOf(u, version)
			if !ok {
				continue
			}
			target = child
		}
		rc, err := target.Open(ctx)
		if err != nil {
			out = append(out, "missing")
			continue
		}
		n, err := io.Copy(io.Discard, rc)
		_ = rc.Close()
		if err != nil {
			return nil, err
		}
		out = append(out, formatBytes(n))
	}
	return out, nil
}
