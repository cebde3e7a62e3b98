package uploader

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
)

// File is the cached file handed to a processing step. Steps rewrite Path in place.
type File struct {
	Path     string
	Filename string
	Version  string
}

// ProcessFunc transforms a cached file.
type ProcessFunc func(ctx context.Context, f *File, args []any) error

// ArgsValidator checks step arguments at definition time.
type ArgsValidator func(args []any) error

type processor struct {
	run      ProcessFunc
	validate ArgsValidator
}

// Registry maps step names to processors.
type Registry struct {
	mu         sync.RWMutex
	processors map[string]processor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{processors: map[string]processor{}}
}

// DefaultRegistry returns a registry preloaded with the image steps.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("resize_to_fit", resizeToFit, requireDimensions)
	r.Register("resize_to_fill", resizeToFill, requireDimensions)
	r.Register("resize_to_limit", resizeToLimit, requireDimensions)
	r.Register("convert", convertFormat, requireFormat)
	r.Register("grayscale", grayscale, requireNoArgs)
	r.Register("strip", strip, requireNoArgs)
	return r
}

// Register adds or replaces a processor. validate may be nil.
func (r *Registry) Register(name string, run ProcessFunc, validate ArgsValidator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processors[name] = processor{run: run, validate: validate}
}

// Validate checks that name is registered and its args are acceptable.
func (r *Registry) Validate(name string, args []any) error {
	p, ok := r.lookup(name)
	if !ok {
		return fmt.Errorf("unknown processing step %q", name)
	}
	if p.validate == nil {
		return nil
	}
	if err := p.validate(args); err != nil {
		return fmt.Errorf("step %s: %w", name, err)
	}
	return nil
}

// Run executes a step against f.
func (r *Registry) Run(ctx context.Context, name string, f *File, args []any) error {
	p, ok := r.lookup(name)
	if !ok {
		return fmt.Errorf("unknown processing step %q", name)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.run(ctx, f, args)
}

func (r *Registry) lookup(name string) (processor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.processors[name]
	return p, ok
}

func requireDimensions(args []any) error {
	if len(args) != 2 {
		return fmt.Errorf("expected width and height, got %d args", len(args))
	}
	for i := range args {
		v, err := IntArg(args, i)
		if err != nil {
			return err
		}
		if v < 0 {
			return fmt.Errorf("dimension must be >= 0, got %d", v)
		}
	}
	return nil
}

func requireFormat(args []any) error {
	if len(args) != 1 {
		return fmt.Errorf("expected one format argument, got %d", len(args))
	}
	format, ok := args[0].(string)
	if !ok {
		return fmt.Errorf("format must be a string")
	}
	if _, err := imaging.FormatFromExtension(strings.TrimPrefix(format, ".")); err != nil {
		return fmt.Errorf("unsupported format %q", format)
	}
	return nil
}

func requireNoArgs(args []any) error {
	if len(args) != 0 {
		return fmt.Errorf("expected no arguments, got %d", len(args))
	}
	return nil
}

// IntArg reads args[i] as an int, accepting the numeric forms YAML and JSON decoders produce.
func IntArg(args []any, i int) (int, error) {
	if i >= len(args) {
		return 0, fmt.Errorf("missing argument %d", i)
	}
	switch v := args[i].(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case uint64:
		return int(v), nil
	case float64:
		return int(v), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("argument %d: %q is not an integer", i, v)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("argument %d: unsupported type %T", i, args[i])
	}
}

func resizeToFit(_ context.Context, f *File, args []any) error {
	w, h, err := dimensions(args)
	if err != nil {
		return err
	}
	return transform(f, func(img image.Image) image.Image {
		return imaging.Fit(img, w, h, imaging.Lanczos)
	})
}

func resizeToFill(_ context.Context, f *File, args []any) error {
	w, h, err := dimensions(args)
	if err != nil {
		return err
	}
	return transform(f, func(img image.Image) image.Image {
		return imaging.Fill(img, w, h, imaging.Center, imaging.Lanczos)
	})
}

// resizeToLimit only shrinks images larger than the bounds.
func resizeToLimit(_ context.Context, f *File, args []any) error {
	w, h, err := dimensions(args)
	if err != nil {
		return err
	}
	return transform(f, func(img image.Image) image.Image {
		b := img.Bounds()
		if b.Dx() <= w && b.Dy() <= h {
			return img
		}
		return imaging.Fit(img, w, h, imaging.Lanczos)
	})
}

func grayscale(_ context.Context, f *File, _ []any) error {
	return transform(f, func(img image.Image) image.Image {
		return imaging.Grayscale(img)
	})
}

func strip(_ context.Context, f *File, _ []any) error {
	return transform(f, func(img image.Image) image.Image { return img })
}

func convertFormat(_ context.Context, f *File, args []any) error {
	name, _ := args[0].(string)
	format, err := imaging.FormatFromExtension(strings.TrimPrefix(name, "."))
	if err != nil {
		return err
	}
	img, err := imaging.Open(f.Path, imaging.AutoOrientation(true))
	if err != nil {
		return err
	}
	return writeImage(f.Path, func(out *os.File) error {
		return imaging.Encode(out, img, format)
	})
}

func transform(f *File, fn func(image.Image) image.Image) error {
	format, err := imaging.FormatFromFilename(f.Filename)
	if err != nil {
		return err
	}
	img, err := imaging.Open(f.Path, imaging.AutoOrientation(true))
	if err != nil {
		return err
	}
	result := fn(img)
	return writeImage(f.Path, func(out *os.File) error {
		return imaging.Encode(out, result, format)
	})
}

func writeImage(path string, encode func(*os.File) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".process-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if err := encode(tmp); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

func dimensions(args []any) (int, int, error) {
	w, err := IntArg(args, 0)
	if err != nil {
		return 0, 0, err
	}
	h, err := IntArg(args, 1)
	if err != nil {
		return 0, 0, err
	}
	return w, h, nil
}
