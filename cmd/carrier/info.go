package main

import (
	"github.com/spf13/cobra"

	"carrier/internal/config"
	"carrier/internal/format"
	"carrier/internal/store"
)

type infoResponse struct {
	*store.Info
	CacheDir     string `json:"cache_dir"`
	ManifestPath string `json:"manifest_path"`
	Backend      string `json:"backend"`
	Mounts       int    `json:"mounts"`
}

func newInfoCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show database, cache and storage info",
		Args:  requireExactlyArgs(0, "info takes no arguments"),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.Open(cfg.DBPath)
			if err != nil {
				return err
			}
			defer st.Close()

			info, err := st.StoreInfo(cmd.Context())
			if err != nil {
				return err
			}
			resp := infoResponse{
				Info:         info,
				CacheDir:     cfg.CacheDir,
				ManifestPath: cfg.ManifestPath,
				Backend:      cfg.Storage.Backend,
				Mounts:       len(cfg.Mounts),
			}
			if *jsonOutput {
				return writeJSON(resp)
			}

			return writeFields(format.Fields{
				{Key: "db_path", Value: info.Path},
				{Key: "schema_version", Value: info.SchemaVersion},
				{Key: "records", Value: info.RecordCount},
				{Key: "attributes", Value: info.AttributeCount},
				{Key: "cache_dir", Value: resp.CacheDir},
				{Key: "manifest_path", Value: resp.ManifestPath},
				{Key: "backend", Value: resp.Backend},
				{Key: "mounts", Value: resp.Mounts},
			})
		},
	}
	return cmd
}
