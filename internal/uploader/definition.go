package uploader

import (
	"fmt"
	"slices"
	"strings"
)

const defaultStoreDir = "uploads"

// Step is one entry of a processing chain.
type Step struct {
	Name   string
	Args   []any
	Only   []string
	Except []string
}

// AppliesTo reports whether the step runs for the named version ("" is the root).
func (s Step) AppliesTo(version string) bool {
	if len(s.Only) > 0 && !slices.Contains(s.Only, version) {
		return false
	}
	return !slices.Contains(s.Except, version)
}

func (s Step) clone() Step {
	return Step{
		Name:   s.Name,
		Args:   slices.Clone(s.Args),
		Only:   slices.Clone(s.Only),
		Except: slices.Clone(s.Except),
	}
}

// Policy is the integrity policy applied before a file is cached.
type Policy struct {
	ExtensionAllowlist   []string
	ExtensionDenylist    []string
	ContentTypeAllowlist []string
	ContentTypeDenylist  []string
	MinSize              int64
	MaxSize              int64
}

func (p Policy) clone() Policy {
	return Policy{
		ExtensionAllowlist:   slices.Clone(p.ExtensionAllowlist),
		ExtensionDenylist:    slices.Clone(p.ExtensionDenylist),
		ContentTypeAllowlist: slices.Clone(p.ContentTypeAllowlist),
		ContentTypeDenylist:  slices.Clone(p.ContentTypeDenylist),
		MinSize:              p.MinSize,
		MaxSize:              p.MaxSize,
	}
}

type versionDef struct {
	name string
	def  *Definition
}

// Definition is an immutable uploader type: its processing chain, its
// versions, and its integrity policy. Build one with a Builder.
type Definition struct {
	name     string
	steps    []Step
	versions []versionDef
	policy   Policy
	storeDir string
}

// Name returns the definition name.
func (d *Definition) Name() string {
	return d.name
}

// Steps returns a copy of the processing chain.
func (d *Definition) Steps() []Step {
	out := make([]Step, len(d.steps))
	for i, s := range d.steps {
		out[i] = s.clone()
	}
	return out
}

// VersionNames lists version names in declaration order.
func (d *Definition) VersionNames() []string {
	out := make([]string, len(d.versions))
	for i, v := range d.versions {
		out[i] = v.name
	}
	return out
}

// Version returns the child definition registered under name.
func (d *Definition) Version(name string) (*Definition, bool) {
	for _, v := range d.versions {
		if v.name == name {
			return v.def, true
		}
	}
	return nil, false
}

// Policy returns a copy of the integrity policy.
func (d *Definition) Policy() Policy {
	return d.policy.clone()
}

// StoreDir returns the backend directory stored files are placed under.
func (d *Definition) StoreDir() string {
	return d.storeDir
}

func (d *Definition) clone() *Definition {
	out := &Definition{
		name:     d.name,
		steps:    make([]Step, len(d.steps)),
		versions: make([]versionDef, len(d.versions)),
		policy:   d.policy.clone(),
		storeDir: d.storeDir,
	}
	for i, s := range d.steps {
		out.steps[i] = s.clone()
	}
	for i, v := range d.versions {
		out.versions[i] = versionDef{name: v.name, def: v.def.clone()}
	}
	return out
}

// Builder assembles a Definition. Builders are not safe for concurrent use.
type Builder struct {
	def      *Definition
	registry *Registry
	err      error
}

// NewBuilder starts an empty definition.
func NewBuilder(name string, registry *Registry) *Builder {
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Builder{
		def:      &Definition{name: name, storeDir: defaultStoreDir},
		registry: registry,
	}
}

// Derive starts a definition that inherits a deep copy of parent's steps,
// versions, and policy. Later changes to either side stay independent.
func Derive(parent *Definition, name string, registry *Registry) *Builder {
	if parent == nil {
		return NewBuilder(name, registry)
	}
	if registry == nil {
		registry = DefaultRegistry()
	}
	def := parent.clone()
	def.name = name
	return &Builder{def: def, registry: registry}
}

// Process appends a step applied at this level of the tree.
func (b *Builder) Process(name string, args ...any) *Builder {
	return b.addStep(Step{Name: name, Args: args})
}

// ProcessOnly appends a step restricted to the named versions.
func (b *Builder) ProcessOnly(only []string, name string, args ...any) *Builder {
	return b.addStep(Step{Name: name, Args: args, Only: slices.Clone(only)})
}

// ProcessExcept appends a step skipped for the named versions.
func (b *Builder) ProcessExcept(except []string, name string, args ...any) *Builder {
	return b.addStep(Step{Name: name, Args: args, Except: slices.Clone(except)})
}

// AddStep appends a fully specified step.
func (b *Builder) AddStep(step Step) *Builder {
	return b.addStep(step.clone())
}

func (b *Builder) addStep(step Step) *Builder {
	if b.err != nil {
		return b
	}
	step.Name = strings.TrimSpace(step.Name)
	if err := b.registry.Validate(step.Name, step.Args); err != nil {
		b.err = fmt.Errorf("%s: %w", b.def.name, err)
		return b
	}
	b.def.steps = append(b.def.steps, step)

	// Filtered steps also reach versions declared before them.
	if len(step.Only) > 0 || len(step.Except) > 0 {
		for _, v := range b.def.versions {
			if step.AppliesTo(v.name) {
				v.def.steps = append(v.def.steps, step.clone())
			}
		}
	}
	return b
}

// Version registers (or reconfigures) a named child definition. The child
// inherits this builder's current steps and policy; configure may add steps
// and nested versions.
func (b *Builder) Version(name string, configure func(*Builder) error) *Builder {
	if b.err != nil {
		return b
	}
	name = strings.TrimSpace(name)
	if err := validateVersionName(name); err != nil {
		b.err = fmt.Errorf("%s: %w", b.def.name, err)
		return b
	}

	var child *Builder
	idx := -1
	for i, v := range b.def.versions {
		if v.name == name {
			idx = i
			child = &Builder{def: v.def.clone(), registry: b.registry}
			break
		}
	}
	if child == nil {
		base := b.def.clone()
		base.versions = nil
		base.name = name
		child = &Builder{def: base, registry: b.registry}
	}

	if configure != nil {
		if err := configure(child); err != nil {
			b.err = fmt.Errorf("%s: version %s: %w", b.def.name, name, err)
			return b
		}
	}
	if child.err != nil {
		b.err = fmt.Errorf("%s: version %s: %w", b.def.name, name, child.err)
		return b
	}

	entry := versionDef{name: name, def: child.def}
	if idx >= 0 {
		b.def.versions[idx] = entry
	} else {
		b.def.versions = append(b.def.versions, entry)
	}
	return b
}

// ExtensionAllowlist restricts accepted extensions (case-insensitive, no dot).
func (b *Builder) ExtensionAllowlist(exts ...string) *Builder {
	b.def.policy.ExtensionAllowlist = normalizeExtensions(exts)
	return b
}

// ExtensionDenylist rejects the given extensions.
func (b *Builder) ExtensionDenylist(exts ...string) *Builder {
	b.def.policy.ExtensionDenylist = normalizeExtensions(exts)
	return b
}

// ContentTypeAllowlist restricts sniffed content types; "image/*" style wildcards are allowed.
func (b *Builder) ContentTypeAllowlist(types ...string) *Builder {
	b.def.policy.ContentTypeAllowlist = normalizeContentTypes(types)
	return b
}

// ContentTypeDenylist rejects sniffed content types.
func (b *Builder) ContentTypeDenylist(types ...string) *Builder {
	b.def.policy.ContentTypeDenylist = normalizeContentTypes(types)
	return b
}

// SizeRange bounds accepted file sizes in bytes; zero disables a bound.
func (b *Builder) SizeRange(min, max int64) *Builder {
	if b.err != nil {
		return b
	}
	if min < 0 || max < 0 || (max > 0 && min > max) {
		b.err = fmt.Errorf("%s: invalid size range %d..%d", b.def.name, min, max)
		return b
	}
	b.def.policy.MinSize = min
	b.def.policy.MaxSize = max
	return b
}

// StoreDir sets the backend directory for stored files.
func (b *Builder) StoreDir(dir string) *Builder {
	dir = strings.Trim(strings.TrimSpace(dir), "/")
	if dir == "" {
		dir = defaultStoreDir
	}
	b.def.storeDir = dir
	return b
}

// Policy returns the integrity policy configured so far.
func (b *Builder) Policy() Policy {
	return b.def.policy.clone()
}

// Err returns the first configuration error.
func (b *Builder) Err() error {
	return b.err
}

// Build returns an immutable snapshot of the definition.
func (b *Builder) Build() (*Definition, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.def.clone(), nil
}

func validateVersionName(name string) error {
	if name == "" {
		return fmt.Errorf("version name is required")
	}
	for _, r := range name {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-') {
			return fmt.Errorf("invalid version name %q", name)
		}
	}
	return nil
}

func normalizeExtensions(exts []string) []string {
	out := make([]string, 0, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
		if ext == "" || slices.Contains(out, ext) {
			continue
		}
		out = append(out, ext)
	}
	return out
}

func normalizeContentTypes(types []string) []string {
	out := make([]string, 0, len(types))
	for _, ct := range types {
		ct = strings.ToLower(strings.TrimSpace(ct))
		if ct == "" || slices.Contains(out, ct) {
			continue
		}
		out = append(out, ct)
	}
	return out
}
