package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"carrier/internal/format"
)

var (
	outputWriter    io.Writer        = os.Stdout
	outputFormatter format.Formatter = format.JSONFormatter{}
	plainFormatter  format.Formatter = format.TextFormatter{}
)

func writeJSON(payload any) error {
	return outputFormatter.Write(outputWriter, payload)
}

func writePlain(format string, args ...any) error {
	_, err := fmt.Fprintf(outputWriter, format, args...)
	return err
}

func writeFields(fields format.Fields) error {
	return plainFormatter.Write(outputWriter, fields)
}

func formatBytes(n int64) string {
	if n < 0 {
		return "-"
	}
	return humanize.IBytes(uint64(n))
}

func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

func errorStrings(errs []error) []string {
	out := make([]string, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			out = append(out, err.Error())
		}
	}
	return out
}
