package format

import (
	"bytes"
	"testing"
)

func TestJSONFormatter(t *testing.T) {
	var buf bytes.Buffer
	if err := (JSONFormatter{}).Write(&buf, map[string]int{"a": 1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := buf.String(); got != "{\"a\":1}\n" {
		t.Fatalf("unexpected output %q", got)
	}

	buf.Reset()
	if err := (JSONFormatter{Indent: "  "}).Write(&buf, []string{"x"}); err != nil {
		t.Fatalf("write indented: %v", err)
	}
	if got := buf.String(); got != "[\n  \"x\"\n]\n" {
		t.Fatalf("unexpected indented output %q", got)
	}
}

func TestTextFormatterAlignsFields(t *testing.T) {
	var buf bytes.Buffer
	err := (TextFormatter{}).Write(&buf, Fields{
		{Key: "slot", Value: "avatar"},
		{Key: "identifiers", Value: 2},
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	want := "slot:        avatar\nidentifiers: 2\n"
	if got := buf.String(); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestTextFormatterFallsBackToPrint(t *testing.T) {
	var buf bytes.Buffer
	if err := (TextFormatter{}).Write(&buf, "done"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if buf.String() != "done\n" {
		t.Fatalf("unexpected output %q", buf.String())
	}
}
