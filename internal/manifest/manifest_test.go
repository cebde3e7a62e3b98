package manifest

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"carrier/internal/uploader"
)

func testRegistry() *uploader.Registry {
	r := uploader.NewRegistry()
	noop := func(context.Context, *uploader.File, []any) error { return nil }
	for _, name := range []string{"a", "b", "c"} {
		r.Register(name, noop, nil)
	}
	r.Register("sized", noop, func(args []any) error {
		if len(args) != 2 {
			return os.ErrInvalid
		}
		return nil
	})
	return r
}

func stepNames(def *uploader.Definition) []string {
	var out []string
	for _, s := range def.Steps() {
		out = append(out, s.Name)
	}
	return out
}

const sampleManifest = `
uploaders:
  - name: avatar
    parent: image
    process:
      - step: b
    versions:
      - name: thumb
        process:
          - step: c
  - name: image
    extension_allowlist: [PNG, .jpg]
    content_type_allowlist: ["image/*"]
    min_size: 1KB
    max_size: 2MiB
    store_dir: /images/
    process:
      - step: a
      - step: sized
        args: [100, 100]
        except: [small]
    versions:
      - name: small
        versions:
          - name: tiny
`

func TestParseResolvesParentsOutOfOrder(t *testing.T) {
	defs, err := Parse([]byte(sampleManifest), testRegistry())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("expected 2 definitions, got %d", len(defs))
	}

	image := defs["image"]
	if got := stepNames(image); !slices.Equal(got, []string{"a", "sized"}) {
		t.Fatalf("unexpected image steps %v", got)
	}
	policy := image.Policy()
	if !slices.Equal(policy.ExtensionAllowlist, []string{"png", "jpg"}) {
		t.Fatalf("unexpected extensions %v", policy.ExtensionAllowlist)
	}
	if policy.MinSize != 1000 || policy.MaxSize != 2*1024*1024 {
		t.Fatalf("unexpected size range %d..%d", policy.MinSize, policy.MaxSize)
	}
	if image.StoreDir() != "images" {
		t.Fatalf("unexpected store dir %q", image.StoreDir())
	}

	small, ok := image.Version("small")
	if !ok {
		t.Fatalf("expected small version")
	}
	if got := stepNames(small); !slices.Equal(got, []string{"a", "sized"}) {
		t.Fatalf("unexpected small steps %v", got)
	}
	if small.Steps()[1].AppliesTo("small") {
		t.Fatalf("expected sized skipped for small")
	}
	if _, ok := small.Version("tiny"); !ok {
		t.Fatalf("expected nested tiny version")
	}

	avatar := defs["avatar"]
	if got := stepNames(avatar); !slices.Equal(got, []string{"a", "sized", "b"}) {
		t.Fatalf("unexpected avatar steps %v", got)
	}
	if got := avatar.VersionNames(); !slices.Equal(got, []string{"small", "thumb"}) {
		t.Fatalf("unexpected avatar versions %v", got)
	}
	if got := image.VersionNames(); !slices.Equal(got, []string{"small"}) {
		t.Fatalf("parent gained child versions: %v", got)
	}
	if avatar.Policy().MaxSize != policy.MaxSize {
		t.Fatalf("expected inherited policy")
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{
			name:    "unknown parent",
			doc:     "uploaders:\n  - name: a\n    parent: missing\n",
			wantErr: "unknown parent",
		},
		{
			name:    "cycle",
			doc:     "uploaders:\n  - name: x\n    parent: y\n  - name: y\n    parent: x\n",
			wantErr: "cycle",
		},
		{
			name:    "duplicate",
			doc:     "uploaders:\n  - name: x\n  - name: x\n",
			wantErr: "declared twice",
		},
		{
			name:    "missing name",
			doc:     "uploaders:\n  - parent: x\n",
			wantErr: "name is required",
		},
		{
			name:    "unknown step",
			doc:     "uploaders:\n  - name: x\n    process:\n      - step: nope\n",
			wantErr: "nope",
		},
		{
			name:    "bad args",
			doc:     "uploaders:\n  - name: x\n    process:\n      - step: sized\n        args: [1]\n",
			wantErr: "step sized",
		},
		{
			name:    "bad version name",
			doc:     "uploaders:\n  - name: x\n    versions:\n      - name: \"bad name\"\n",
			wantErr: "version",
		},
		{
			name:    "bad size",
			doc:     "uploaders:\n  - name: x\n    max_size: lots\n",
			wantErr: "max_size",
		},
		{
			name:    "invalid yaml",
			doc:     "uploaders: [",
			wantErr: "decode manifest",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc), testRegistry())
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestLoadReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uploaders.yaml")
	if err := os.WriteFile(path, []byte("uploaders:\n  - name: doc\n    extension_denylist: [exe]\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	defs, err := Load(path, testRegistry())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := defs["doc"].Policy().ExtensionDenylist; !slices.Equal(got, []string{"exe"}) {
		t.Fatalf("unexpected denylist %v", got)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), testRegistry()); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
