package main

import (
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"carrier/internal/config"
	"carrier/internal/uploader"
)

type uploaderSummary struct {
	Name     string   `json:"name"`
	StoreDir string   `json:"store_dir"`
	Steps    []string `json:"steps"`
	Versions []string `json:"versions"`
}

func newUploadersCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "uploaders",
		Short: "List uploader definitions from the manifest",
		Args:  requireExactlyArgs(0, "uploaders takes no arguments"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cfg, func(a *app) error {
				names := make([]string, 0, len(a.defs))
				for name := range a.defs {
					names = append(names, name)
				}
				slices.Sort(names)

				summaries := make([]uploaderSummary, 0, len(names))
				for _, name := range names {
					summaries = append(summaries, summarize(a.defs[name]))
				}
				if *jsonOutput {
					return writeJSON(summaries)
				}
				for _, s := range summaries {
					line := s.Name + "  dir=" + s.StoreDir
					if len(s.Steps) > 0 {
						line += "  steps=" + strings.Join(s.Steps, ",")
					}
					if len(s.Versions) > 0 {
						line += "  versions=" + strings.Join(s.Versions, ",")
					}
					if err := writePlain("%s\n", line); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	return cmd
}

func summarize(def *uploader.Definition) uploaderSummary {
	s := uploaderSummary{
		Name:     def.Name(),
		StoreDir: def.StoreDir(),
		Steps:    []string{},
		Versions: versionPaths(def, ""),
	}
	for _, step := range def.Steps() {
		s.Steps = append(s.Steps, step.Name)
	}
	return s
}

// versionPaths flattens the version tree into "_"-joined names.
func versionPaths(def *uploader.Definition, prefix string) []string {
	out := []string{}
	for _, name := range def.VersionNames() {
		child, _ := def.Version(name)
		full := prefix + name
		out = append(out, full)
		out = append(out, versionPaths(child, full+"_")...)
	}
	return out
}
