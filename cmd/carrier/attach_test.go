package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"carrier/internal/config"
	"carrier/internal/idcodec"
)

const testManifest = `
uploaders:
  - name: document
    extension_allowlist: [txt]
    versions:
      - name: copy
`

type cliEnv struct {
	cfg  *config.Config
	dir  string
	root string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	t.Setenv(logLevelEnvKey, "")
	dir := t.TempDir()

	manifestPath := filepath.Join(dir, "carrier.yaml")
	if err := os.WriteFile(manifestPath, []byte(testManifest), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	cfg := config.Default()
	cfg.DBPath = filepath.Join(dir, ".carrier.db")
	cfg.CacheDir = filepath.Join(dir, "cache")
	cfg.ManifestPath = manifestPath
	cfg.Storage.Root = filepath.Join(dir, "files")
	cfg.Mounts = []config.MountConfig{
		{Kind: "post", Slot: "files", Uploader: "document", Multiple: true},
		{Kind: "post", Slot: "cover", Uploader: "document"},
	}
	return &cliEnv{cfg: &cfg, dir: dir, root: cfg.Storage.Root}
}

func (e *cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	prev := outputWriter
	outputWriter = &buf
	defer func() { outputWriter = prev }()

	root := newRootCmd(e.cfg)
	root.SetArgs(args)
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	err := root.ExecuteContext(context.Background())
	return buf.String(), err
}

func (e *cliEnv) writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(e.dir, "in", name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func (e *cliEnv) stored(key string) bool {
	_, err := os.Stat(filepath.Join(e.root, filepath.FromSlash(key)))
	return err == nil
}

func decodeReport(t *testing.T, out string) slotReport {
	t.Helper()
	var report slotReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("decode report %q: %v", out, err)
	}
	return report
}

func TestAttachShowDetachLifecycle(t *testing.T) {
	env := newCLIEnv(t)
	a := env.writeFile(t, "a.txt", "alpha")
	b := env.writeFile(t, "b.txt", "bravo!")

	out, err := env.run(t, "--json", "attach", "post", "1", "files", a, b)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	report := decodeReport(t, out)
	if !slices.Equal(report.Identifiers, []string{"a.txt", "b.txt"}) {
		t.Fatalf("unexpected identifiers %v", report.Identifiers)
	}
	wantURLs := []string{"/files/uploads/post/files/1/a.txt", "/files/uploads/post/files/1/b.txt"}
	if !slices.Equal(report.URLs, wantURLs) {
		t.Fatalf("unexpected urls %v", report.URLs)
	}
	for _, key := range []string{"uploads/post/files/1/a.txt", "uploads/post/files/1/copy_b.txt"} {
		if !env.stored(key) {
			t.Fatalf("expected %s stored", key)
		}
	}

	out, err = env.run(t, "--json", "show", "post", "1", "files", "--version", "copy", "--size")
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	var reports []slotReport
	if err := json.Unmarshal([]byte(out), &reports); err != nil {
		t.Fatalf("decode show: %v", err)
	}
	if len(reports) != 1 {
		t.Fatalf("expected one slot, got %d", len(reports))
	}
	if got := reports[0].URLs; !slices.Equal(got, []string{"/files/uploads/post/files/1/copy_a.txt", "/files/uploads/post/files/1/copy_b.txt"}) {
		t.Fatalf("unexpected version urls %v", got)
	}
	if got := reports[0].Sizes; !slices.Equal(got, []string{"5 B", "6 B"}) {
		t.Fatalf("unexpected sizes %v", got)
	}

	bad := env.writeFile(t, "run.exe", "MZ")
	out, err = env.run(t, "--json", "attach", "--keep", "a.txt", "post", "1", "files", bad)
	if err == nil || !strings.Contains(err.Error(), "1 input(s) rejected") {
		t.Fatalf("expected rejected input error, got %v", err)
	}
	report = decodeReport(t, out)
	if !slices.Equal(report.Identifiers, []string{"a.txt"}) {
		t.Fatalf("unexpected identifiers after keep %v", report.Identifiers)
	}
	if len(report.IntegrityErrors) != 1 {
		t.Fatalf("expected one integrity error, got %v", report.IntegrityErrors)
	}
	if env.stored("uploads/post/files/1/b.txt") || env.stored("uploads/post/files/1/copy_b.txt") {
		t.Fatalf("expected b.txt removed after reassignment")
	}

	out, err = env.run(t, "--json", "detach", "post", "1", "files")
	if err != nil {
		t.Fatalf("detach: %v", err)
	}
	if report = decodeReport(t, out); len(report.Identifiers) != 0 {
		t.Fatalf("expected empty slot, got %v", report.Identifiers)
	}
	if env.stored("uploads/post/files/1/a.txt") {
		t.Fatalf("expected a.txt removed after detach")
	}
}

func TestAttachCacheOnlyRoundTrip(t *testing.T) {
	env := newCLIEnv(t)
	c := env.writeFile(t, "c.txt", "charlie")

	out, err := env.run(t, "--json", "attach", "--cache-only", "post", "2", "cover", c)
	if err != nil {
		t.Fatalf("cache-only attach: %v", err)
	}
	report := decodeReport(t, out)
	names := idcodec.DecodeCacheNames(report.CacheNames)
	if len(names) != 1 || !strings.HasSuffix(names[0], "/c.txt") {
		t.Fatalf("unexpected cache names %q", report.CacheNames)
	}
	if len(report.Identifiers) != 0 || env.stored("uploads/post/cover/2/c.txt") {
		t.Fatalf("expected nothing stored for cache-only attach")
	}

	out, err = env.run(t, "--json", "attach", "--cache-name", names[0], "post", "2", "cover")
	if err != nil {
		t.Fatalf("attach cache name: %v", err)
	}
	if report = decodeReport(t, out); !slices.Equal(report.Identifiers, []string{"c.txt"}) {
		t.Fatalf("unexpected identifiers %v", report.Identifiers)
	}
	if !env.stored("uploads/post/cover/2/c.txt") {
		t.Fatalf("expected cached file stored")
	}

	out, err = env.run(t, "--json", "attach", "--cache-name", "../escape/c.txt", "post", "2", "cover")
	if err != nil {
		t.Fatalf("invalid cache names are dropped, got %v", err)
	}
	if report = decodeReport(t, out); len(report.Identifiers) != 0 || report.rejected() != 0 {
		t.Fatalf("expected empty slot without errors, got %+v", report)
	}
	if env.stored("uploads/post/cover/2/c.txt") {
		t.Fatalf("expected replaced file removed")
	}
}

func TestPurgeRemovesFilesAndRecord(t *testing.T) {
	env := newCLIEnv(t)
	a := env.writeFile(t, "a.txt", "alpha")
	d := env.writeFile(t, "d.txt", "delta")

	if _, err := env.run(t, "attach", "post", "3", "files", a); err != nil {
		t.Fatalf("attach files: %v", err)
	}
	if _, err := env.run(t, "attach", "post", "3", "cover", d); err != nil {
		t.Fatalf("attach cover: %v", err)
	}

	out, err := env.run(t, "--json", "info")
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	var info map[string]any
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("decode info: %v", err)
	}
	if info["record_count"] != float64(1) || info["attribute_count"] != float64(2) {
		t.Fatalf("unexpected info %v", info)
	}

	if _, err := env.run(t, "purge", "post", "3"); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if env.stored("uploads/post/files/3/a.txt") || env.stored("uploads/post/cover/3/d.txt") {
		t.Fatalf("expected files removed by purge")
	}

	out, err = env.run(t, "--json", "info")
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	info = nil
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("decode info: %v", err)
	}
	if info["record_count"] != float64(0) {
		t.Fatalf("expected record deleted, got %v", info)
	}
}

func TestCommandErrors(t *testing.T) {
	env := newCLIEnv(t)

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "unmounted slot", args: []string{"show", "post", "1", "gallery"}, wantErr: `slot "gallery" is not mounted`},
		{name: "unknown kind", args: []string{"show", "page", "1"}, wantErr: `no mounts declared for kind "page"`},
		{name: "nothing to attach", args: []string{"attach", "post", "1", "files"}, wantErr: "nothing to attach"},
		{name: "bad header", args: []string{"attach", "--url", "http://example.test/a.txt", "--header", "nocolon", "post", "1", "files"}, wantErr: "invalid header"},
		{name: "missing args", args: []string{"detach", "post"}, wantErr: "kind, id and slot are required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.run(t, tt.args...)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}

	env.cfg.ManifestPath = filepath.Join(env.dir, "missing.yaml")
	if _, err := env.run(t, "uploaders"); err == nil || !strings.Contains(err.Error(), errManifestMissing.Error()) {
		t.Fatalf("expected missing manifest error, got %v", err)
	}
}

func TestUploadersAndCacheClean(t *testing.T) {
	env := newCLIEnv(t)

	out, err := env.run(t, "--json", "uploaders")
	if err != nil {
		t.Fatalf("uploaders: %v", err)
	}
	var summaries []uploaderSummary
	if err := json.Unmarshal([]byte(out), &summaries); err != nil {
		t.Fatalf("decode uploaders: %v", err)
	}
	if len(summaries) != 1 || summaries[0].Name != "document" || !slices.Equal(summaries[0].Versions, []string{"copy"}) {
		t.Fatalf("unexpected summaries %+v", summaries)
	}

	c := env.writeFile(t, "c.txt", "charlie")
	if _, err := env.run(t, "attach", "--cache-only", "post", "9", "cover", c); err != nil {
		t.Fatalf("cache-only attach: %v", err)
	}

	out, err = env.run(t, "--json", "cache", "clean", "--older-than", "0s")
	if err != nil {
		t.Fatalf("cache clean: %v", err)
	}
	var result map[string]any
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("decode clean result: %v", err)
	}
	if result["dry_run"] != true {
		t.Fatalf("expected dry run, got %v", result)
	}
}

func TestRecordArgsRejectPathSegments(t *testing.T) {
	env := newCLIEnv(t)
	for _, args := range [][]string{
		{"show", "post", "../1"},
		{"detach", "post", "1", "a/b"},
		{"purge", "..", "1"},
		{"attach", "post", "1", `files\x`, "a.txt"},
	} {
		_, err := env.run(t, args...)
		if err == nil || !strings.Contains(err.Error(), "single path segment") {
			t.Fatalf("%v: expected segment error, got %v", args, err)
		}
	}
}
