// Package manifest loads uploader definitions from a YAML file.
package manifest

import (
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"carrier/internal/uploader"
)

// File is the top-level manifest document.
type File struct {
	Uploaders []UploaderSpec `yaml:"uploaders"`
}

// UploaderSpec declares one uploader definition, optionally derived from a parent.
type UploaderSpec struct {
	Name                 string        `yaml:"name"`
	Parent               string        `yaml:"parent,omitempty"`
	ExtensionAllowlist   []string      `yaml:"extension_allowlist,omitempty"`
	ExtensionDenylist    []string      `yaml:"extension_denylist,omitempty"`
	ContentTypeAllowlist []string      `yaml:"content_type_allowlist,omitempty"`
	ContentTypeDenylist  []string      `yaml:"content_type_denylist,omitempty"`
	MinSize              string        `yaml:"min_size,omitempty"`
	MaxSize              string        `yaml:"max_size,omitempty"`
	StoreDir             string        `yaml:"store_dir,omitempty"`
	Process              []StepSpec    `yaml:"process,omitempty"`
	Versions             []VersionSpec `yaml:"versions,omitempty"`
}

// StepSpec is one processing step.
type StepSpec struct {
	Step   string   `yaml:"step"`
	Args   []any    `yaml:"args,omitempty"`
	Only   []string `yaml:"only,omitempty"`
	Except []string `yaml:"except,omitempty"`
}

// VersionSpec declares a named version with its own steps and nested versions.
type VersionSpec struct {
	Name     string        `yaml:"name"`
	Process  []StepSpec    `yaml:"process,omitempty"`
	Versions []VersionSpec `yaml:"versions,omitempty"`
}

// Load reads path and builds its definitions.
func Load(path string, registry *uploader.Registry) (map[string]*uploader.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	defs, err := Parse(data, registry)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return defs, nil
}

// Parse builds definitions from manifest bytes. Parents are resolved before
// the uploaders deriving from them, regardless of declaration order.
func Parse(data []byte, registry *uploader.Registry) (map[string]*uploader.Definition, error) {
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}

	specs := map[string]UploaderSpec{}
	for i, spec := range file.Uploaders {
		spec.Name = strings.TrimSpace(spec.Name)
		spec.Parent = strings.TrimSpace(spec.Parent)
		if spec.Name == "" {
			return nil, fmt.Errorf("uploader #%d: name is required", i+1)
		}
		if _, dup := specs[spec.Name]; dup {
			return nil, fmt.Errorf("uploader %s declared twice", spec.Name)
		}
		specs[spec.Name] = spec
	}

	r := &resolver{
		specs:    specs,
		registry: registry,
		built:    map[string]*uploader.Definition{},
		visiting: map[string]bool{},
	}
	for _, spec := range file.Uploaders {
		if _, err := r.resolve(strings.TrimSpace(spec.Name)); err != nil {
			return nil, err
		}
	}
	return r.built, nil
}

type resolver struct {
	specs    map[string]UploaderSpec
	registry *uploader.Registry
	built    map[string]*uploader.Definition
	visiting map[string]bool
}

func (r *resolver) resolve(name string) (*uploader.Definition, error) {
	if def, ok := r.built[name]; ok {
		return def, nil
	}
	spec, ok := r.specs[name]
	if !ok {
		return nil, fmt.Errorf("unknown uploader %q", name)
	}
	if r.visiting[name] {
		return nil, fmt.Errorf("uploader %s: parent cycle", name)
	}
	r.visiting[name] = true
	defer delete(r.visiting, name)

	var b *uploader.Builder
	if spec.Parent != "" {
		if _, ok := r.specs[spec.Parent]; !ok {
			return nil, fmt.Errorf("uploader %s: unknown parent %q", name, spec.Parent)
		}
		parent, err := r.resolve(spec.Parent)
		if err != nil {
			return nil, err
		}
		b = uploader.Derive(parent, name, r.registry)
	} else {
		b = uploader.NewBuilder(name, r.registry)
	}

	if err := applyUploader(b, spec); err != nil {
		return nil, fmt.Errorf("uploader %s: %w", name, err)
	}
	def, err := b.Build()
	if err != nil {
		return nil, err
	}
	r.built[name] = def
	return def, nil
}

func applyUploader(b *uploader.Builder, spec UploaderSpec) error {
	if spec.ExtensionAllowlist != nil {
		b.ExtensionAllowlist(spec.ExtensionAllowlist...)
	}
	if spec.ExtensionDenylist != nil {
		b.ExtensionDenylist(spec.ExtensionDenylist...)
	}
	if spec.ContentTypeAllowlist != nil {
		b.ContentTypeAllowlist(spec.ContentTypeAllowlist...)
	}
	if spec.ContentTypeDenylist != nil {
		b.ContentTypeDenylist(spec.ContentTypeDenylist...)
	}
	if spec.MinSize != "" || spec.MaxSize != "" {
		current := b.Policy()
		min, err := parseSize(spec.MinSize, current.MinSize)
		if err != nil {
			return fmt.Errorf("min_size: %w", err)
		}
		max, err := parseSize(spec.MaxSize, current.MaxSize)
		if err != nil {
			return fmt.Errorf("max_size: %w", err)
		}
		b.SizeRange(min, max)
	}
	if spec.StoreDir != "" {
		b.StoreDir(spec.StoreDir)
	}
	return applyTree(b, spec.Process, spec.Versions)
}

func applyTree(b *uploader.Builder, steps []StepSpec, versions []VersionSpec) error {
	for _, step := range steps {
		b.AddStep(uploader.Step{
			Name:   step.Step,
			Args:   step.Args,
			Only:   step.Only,
			Except: step.Except,
		})
	}
	for _, v := range versions {
		v := v
		b.Version(v.Name, func(child *uploader.Builder) error {
			return applyTree(child, v.Process, v.Versions)
		})
	}
	return b.Err()
}

// parseSize accepts byte counts with optional units ("512", "10MB", "2MiB").
func parseSize(raw string, fallback int64) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}
