package main

import (
	"database/sql"
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"carrier/internal/config"
	"carrier/internal/format"
	"carrier/internal/store"

	_ "modernc.org/sqlite"
)

func newMigrateCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or preview attribute store schema migrations",
		Args:  requireExactlyArgs(0, "migrate takes no arguments"),
		RunE: func(cmd *cobra.Command, args []string) error {
			before, err := inspectMigrations(cfg.DBPath)
			if err != nil {
				return err
			}
			if dryRun {
				return writeMigrationPlan(before, *jsonOutput)
			}

			// Opening the store applies pending migrations.
			st, err := store.Open(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			defer st.Close()

			after, err := st.MigrationPlan()
			if err != nil {
				return err
			}
			after.Pending = nil
			if *jsonOutput {
				return writeJSON(map[string]any{"applied": before.Pending, "status": after})
			}
			if len(before.Pending) == 0 {
				return writePlain("Schema is up to date (version %d).\n", after.CurrentVersion)
			}
			for _, m := range before.Pending {
				if err := writePlain("applied %d: %s\n", m.Version, m.Description); err != nil {
					return err
				}
			}
			return writePlain("Schema version %d.\n", after.CurrentVersion)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show pending migrations without applying")
	return cmd
}

func inspectMigrations(path string) (*store.MigrationStatus, error) {
	if path == "" {
		return nil, fmt.Errorf("db path is required")
	}
	u := url.URL{Scheme: "file", Path: path}
	db, err := sql.Open("sqlite", u.String())
	if err != nil {
		return nil, err
	}
	defer db.Close()

	plan, err := store.MigrationPlan(db)
	if err != nil {
		return nil, fmt.Errorf("inspect migrations: %w", err)
	}
	return plan, nil
}

func writeMigrationPlan(plan *store.MigrationStatus, jsonOutput bool) error {
	if jsonOutput {
		return writeJSON(plan)
	}
	fields := format.Fields{
		{Key: "current", Value: plan.CurrentVersion},
		{Key: "available", Value: plan.AvailableVersion},
	}
	for _, m := range plan.Applied {
		fields = append(fields, format.Field{Key: "applied", Value: fmt.Sprintf("%d %s (%s)", m.Version, m.Description, m.AppliedAt)})
	}
	for _, m := range plan.Pending {
		fields = append(fields, format.Field{Key: "pending", Value: fmt.Sprintf("%d %s", m.Version, m.Description)})
	}
	if len(plan.Pending) == 0 {
		fields = append(fields, format.Field{Key: "pending", Value: "none"})
	}
	return writeFields(fields)
}
