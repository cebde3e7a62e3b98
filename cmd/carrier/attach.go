package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"carrier/internal/config"
	"carrier/internal/format"
	"carrier/internal/mount"
)

type attachOptions struct {
	keeps      []string
	cacheNames []string
	urls       []string
	headers    []string
	cacheOnly  bool
}

func newAttachCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var opts attachOptions

	cmd := &cobra.Command{
		Use:   "attach <kind> <id> <slot> [path...]",
		Short: "Attach files to a record slot",
		Long: "Attach files to a record slot. Inputs are assigned in order: kept identifiers, " +
			"cache names, local paths, then URLs. The assignment replaces the slot contents.",
		Args: requireRecordAndSlot,
		RunE: func(cmd *cobra.Command, args []string) error {
			inputs, err := opts.inputs(args[3:])
			if err != nil {
				return err
			}
			return withApp(cfg, func(a *app) error {
				return runAttach(cmd.Context(), a, args[0], args[1], args[2], inputs, opts.cacheOnly, *jsonOutput)
			})
		},
	}

	cmd.Flags().StringArrayVar(&opts.keeps, "keep", nil, "keep a stored identifier (repeatable)")
	cmd.Flags().StringArrayVar(&opts.cacheNames, "cache-name", nil, "re-attach a cached file by <token>/<name> (repeatable)")
	cmd.Flags().StringArrayVar(&opts.urls, "url", nil, "download and attach a remote URL (repeatable)")
	cmd.Flags().StringArrayVar(&opts.headers, "header", nil, "request header for --url, \"Name: value\" (repeatable)")
	cmd.Flags().BoolVar(&opts.cacheOnly, "cache-only", false, "cache and process without storing; prints cache names")
	return cmd
}

func (o attachOptions) inputs(paths []string) ([]mount.Input, error) {
	header, err := parseHeaders(o.headers)
	if err != nil {
		return nil, err
	}
	var inputs []mount.Input
	for _, id := range o.keeps {
		inputs = append(inputs, mount.IdentifierInput{Identifier: id})
	}
	for _, name := range o.cacheNames {
		inputs = append(inputs, mount.CacheNameInput{Name: name})
	}
	for _, p := range paths {
		inputs = append(inputs, mount.PathInput{Path: p})
	}
	for _, u := range o.urls {
		inputs = append(inputs, mount.URLInput{URL: u, Header: header})
	}
	if len(inputs) == 0 {
		return nil, fmt.Errorf("nothing to attach: pass paths, --url, --keep or --cache-name")
	}
	return inputs, nil
}

func runAttach(ctx context.Context, a *app, kind, id, name string, inputs []mount.Input, cacheOnly, jsonOutput bool) error {
	h, slot, err := a.slot(kind, id, name)
	if err != nil {
		return err
	}
	if err := slot.Assign(ctx, inputs...); err != nil {
		return err
	}
	if !cacheOnly {
		if err := h.Save(ctx); err != nil {
			return err
		}
	}

	report, err := buildSlotReport(ctx, kind, id, slot, "")
	if err != nil {
		return err
	}
	if jsonOutput {
		if err := writeJSON(report); err != nil {
			return err
		}
	} else if err := writeSlotReport(report); err != nil {
		return err
	}

	if n := report.rejected(); n > 0 {
		return fmt.Errorf("%d input(s) rejected", n)
	}
	return nil
}

func parseHeaders(raw []string) (http.Header, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	header := http.Header{}
	for _, line := range raw {
		name, value, ok := strings.Cut(line, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid header %q: expected \"Name: value\"", line)
		}
		header.Add(name, strings.TrimSpace(value))
	}
	return header, nil
}

// slotReport is the printable state of one slot.
type slotReport struct {
	Kind              string   `json:"kind"`
	ID                string   `json:"id"`
	Slot              string   `json:"slot"`
	Version           string   `json:"version,omitempty"`
	Identifiers       []string `json:"identifiers"`
	URLs              []string `json:"urls"`
	Sizes             []string `json:"sizes,omitempty"`
	CacheNames        string   `json:"cache_names,omitempty"`
	IntegrityErrors   []string `json:"integrity_errors,omitempty"`
	ProcessingErrors  []string `json:"processing_errors,omitempty"`
	DownloadErrors    []string `json:"download_errors,omitempty"`
	MissingFileErrors []string `json:"missing_file_errors,omitempty"`
}

func (r slotReport) rejected() int {
	return len(r.IntegrityErrors) + len(r.ProcessingErrors) + len(r.DownloadErrors) + len(r.MissingFileErrors)
}

func buildSlotReport(ctx context.Context, kind, id string, slot *mount.Slot, version string) (slotReport, error) {
	report := slotReport{Kind: kind, ID: id, Slot: slot.Name, Version: version}
	ids, err := slot.Identifiers(ctx)
	if err != nil {
		return report, err
	}
	urls, err := slot.URLs(ctx, version)
	if err != nil {
		return report, err
	}
	cacheNames, err := slot.CacheNames()
	if err != nil {
		return report, err
	}
	report.Identifiers = append([]string{}, ids...)
	report.URLs = append([]string{}, urls...)
	report.CacheNames = cacheNames
	report.IntegrityErrors = errorStrings(slot.IntegrityErrors())
	report.ProcessingErrors = errorStrings(slot.ProcessingErrors())
	report.DownloadErrors = errorStrings(slot.DownloadErrors())
	report.MissingFileErrors = errorStrings(slot.MissingFileErrors())
	return report, nil
}

func writeSlotReport(r slotReport) error {
	fields := format.Fields{
		{Key: "record", Value: r.Kind + "/" + r.ID},
		{Key: "slot", Value: r.Slot},
	}
	if r.Version != "" {
		fields = append(fields, format.Field{Key: "version", Value: r.Version})
	}
	if len(r.Identifiers) == 0 {
		fields = append(fields, format.Field{Key: "files", Value: "(none)"})
	}
	for i, id := range r.Identifiers {
		value := id
		if i < len(r.URLs) {
			value += "  " + r.URLs[i]
		}
		if i < len(r.Sizes) {
			value += "  " + r.Sizes[i]
		}
		fields = append(fields, format.Field{Key: "file", Value: value})
	}
	if r.CacheNames != "" {
		fields = append(fields, format.Field{Key: "cache_names", Value: r.CacheNames})
	}
	for _, group := range []struct {
		key  string
		errs []string
	}{
		{"integrity_error", r.IntegrityErrors},
		{"processing_error", r.ProcessingErrors},
		{"download_error", r.DownloadErrors},
		{"missing_file", r.MissingFileErrors},
	} {
		for _, e := range group.errs {
			fields = append(fields, format.Field{Key: group.key, Value: e})
		}
	}
	return writeFields(fields)
}
