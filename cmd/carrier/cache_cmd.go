package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"carrier/internal/config"
	"carrier/internal/format"
	"carrier/internal/uploader"
)

const defaultCacheMaxAge = 24 * time.Hour

func newCacheCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the upload cache",
	}
	cmd.AddCommand(newCacheCleanCmd(cfg, jsonOutput))
	return cmd
}

func newCacheCleanCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var olderThan time.Duration
	var apply bool

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove cached uploads older than a cutoff",
		Args:  requireExactlyArgs(0, "cache clean takes no arguments"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan < 0 {
				return fmt.Errorf("--older-than must not be negative")
			}
			cache, err := uploader.NewCacheArea(cfg.CacheDir)
			if err != nil {
				return err
			}
			result, err := cache.Clean(cmd.Context(), olderThan, apply)
			if err != nil {
				return err
			}
			if *jsonOutput {
				return writeJSON(result)
			}

			verb := "would remove"
			if apply {
				verb = "removed"
			}
			fields := format.Fields{
				{Key: "cache_dir", Value: cache.Root()},
				{Key: verb, Value: fmt.Sprintf("%d of %d token(s)", countFor(result), result.CandidateCount)},
				{Key: "reclaimed", Value: formatBytes(result.ReclaimedBytes)},
			}
			if result.FailedCount > 0 {
				fields = append(fields, format.Field{Key: "failed", Value: result.FailedCount})
			}
			for _, token := range result.Tokens {
				created, _ := uploader.TokenTime(token)
				fields = append(fields, format.Field{Key: "token", Value: token + "  " + formatAge(created)})
			}
			return writeFields(fields)
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", defaultCacheMaxAge, "only tokens created before this age")
	cmd.Flags().BoolVar(&apply, "apply", false, "delete instead of reporting")
	return cmd
}

func countFor(r uploader.CleanResult) int {
	if r.DryRun {
		return r.CandidateCount
	}
	return r.DeletedCount
}
