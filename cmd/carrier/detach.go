package main

import (
	"context"

	"github.com/spf13/cobra"

	"carrier/internal/config"
)

func newDetachCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "detach <kind> <id> <slot>",
		Short: "Remove every file from a record slot",
		Args:  requireSlotOnly,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cfg, func(a *app) error {
				return runDetach(cmd.Context(), a, args[0], args[1], args[2], *jsonOutput)
			})
		},
	}
	return cmd
}

func runDetach(ctx context.Context, a *app, kind, id, name string, jsonOutput bool) error {
	h, slot, err := a.slot(kind, id, name)
	if err != nil {
		return err
	}
	slot.SetRemoveFlag(true)
	if err := h.Save(ctx); err != nil {
		return err
	}
	report, err := buildSlotReport(ctx, kind, id, slot, "")
	if err != nil {
		return err
	}
	if jsonOutput {
		return writeJSON(report)
	}
	return writeSlotReport(report)
}

func newPurgeCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge <kind> <id>",
		Short: "Delete every file of a record and forget the record",
		Args:  requireRecord(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cfg, func(a *app) error {
				return runPurge(cmd.Context(), a, args[0], args[1], *jsonOutput)
			})
		},
	}
	return cmd
}

func runPurge(ctx context.Context, a *app, kind, id string, jsonOutput bool) error {
	h, err := a.host(kind, id)
	if err != nil {
		return err
	}
	if err := h.Destroy(ctx); err != nil {
		return err
	}
	if err := a.store.DeleteRecord(ctx, kind, id); err != nil {
		return err
	}
	if jsonOutput {
		return writeJSON(map[string]any{"kind": kind, "id": id, "purged": true, "slots": h.Slots()})
	}
	return writePlain("purged %s/%s (%d slots)\n", kind, id, len(h.Slots()))
}
