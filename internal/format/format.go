package format

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
)

// Formatter abstracts output formatting.
type Formatter interface {
	Write(w io.Writer, payload any) error
}

// JSONFormatter writes JSON output, one document per call.
type JSONFormatter struct {
	Indent string
}

// Write writes JSON payload to a writer.
func (f JSONFormatter) Write(w io.Writer, payload any) error {
	enc := json.NewEncoder(w)
	if f.Indent != "" {
		enc.SetIndent("", f.Indent)
	}
	return enc.Encode(payload)
}

// Field is one labelled value of plain output.
type Field struct {
	Key   string
	Value any
}

// Fields renders as aligned "key: value" lines in order.
type Fields []Field

// TextFormatter writes Fields as aligned columns and anything else with fmt.
type TextFormatter struct{}

// Write writes a plain-text payload.
func (TextFormatter) Write(w io.Writer, payload any) error {
	fields, ok := payload.(Fields)
	if !ok {
		_, err := fmt.Fprintln(w, payload)
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 1, ' ', 0)
	for _, f := range fields {
		if _, err := fmt.Fprintf(tw, "%s:\t%v\n", f.Key, f.Value); err != nil {
			return err
		}
	}
	return tw.Flush()
}
