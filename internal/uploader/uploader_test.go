package uploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"carrier/internal/blobstore"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func suffixRegistry() *Registry {
	r := NewRegistry()
	r.Register("suffix", func(_ context.Context, f *File, args []any) error {
		data, err := os.ReadFile(f.Path)
		if err != nil {
			return err
		}
		return os.WriteFile(f.Path, append(data, []byte(fmt.Sprint(args[0]))...), 0o644)
	}, nil)
	r.Register("fail", func(context.Context, *File, []any) error {
		return errors.New("step exploded")
	}, nil)
	return r
}

type testEnvironment struct {
	env     *Env
	backend *blobstore.Local
}

func newTestEnv(t *testing.T, reg *Registry) testEnvironment {
	t.Helper()
	area, err := NewCacheArea(t.TempDir())
	if err != nil {
		t.Fatalf("new cache area: %v", err)
	}
	backend, err := blobstore.NewLocal(t.TempDir(), "/files")
	if err != nil {
		t.Fatalf("new local backend: %v", err)
	}
	return testEnvironment{
		env:     &Env{Cache: area, Backend: backend, Registry: reg, StorePrefix: "user/avatar/1"},
		backend: backend,
	}
}

func mustBuild(t *testing.T, b *Builder) *Definition {
	t.Helper()
	def, err := b.Build()
	if err != nil {
		t.Fatalf("build definition: %v", err)
	}
	return def
}

func cacheString(t *testing.T, u *Uploader, name, content, token string) {
	t.Helper()
	if err := u.Cache(context.Background(), FileSource{Name: name, Reader: strings.NewReader(content)}, token); err != nil {
		t.Fatalf("cache %s: %v", name, err)
	}
}

func TestCacheStoreRemove(t *testing.T) {
	te := newTestEnv(t, nil)
	def := mustBuild(t, NewBuilder("avatar", nil))
	ctx := context.Background()

	u := New(def, te.env)
	cacheString(t, u, "../hello world.txt", "hello", "")
	if u.State() != StateCached {
		t.Fatalf("expected cached, got %s", u.State())
	}
	if u.Filename() != "hello_world.txt" {
		t.Fatalf("unexpected sanitized name %q", u.Filename())
	}
	if !strings.HasSuffix(u.CacheName(), "/hello_world.txt") || !ValidToken(u.CacheToken()) {
		t.Fatalf("unexpected cache name %q", u.CacheName())
	}
	if u.URL() != "" {
		t.Fatalf("cached uploader must not expose a url")
	}

	if err := u.Store(ctx, ""); err != nil {
		t.Fatalf("store: %v", err)
	}
	if u.State() != StateStored || u.Identifier() != "hello_world.txt" {
		t.Fatalf("unexpected stored state %s %q", u.State(), u.Identifier())
	}
	if u.Path() != "uploads/user/avatar/1/hello_world.txt" {
		t.Fatalf("unexpected store path %q", u.Path())
	}
	if u.URL() != "/files/uploads/user/avatar/1/hello_world.txt" {
		t.Fatalf("unexpected url %q", u.URL())
	}
	if err := u.Store(ctx, ""); !errors.Is(err, ErrNotCached) {
		t.Fatalf("expected ErrNotCached on second store, got %v", err)
	}

	rc, err := u.Open(ctx)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "hello" {
		t.Fatalf("unexpected content %q", string(data))
	}

	if err := u.Remove(ctx); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if exists, _ := te.backend.Exists(ctx, "uploads/user/avatar/1/hello_world.txt"); exists {
		t.Fatalf("expected stored file removed")
	}
	if err := u.Remove(ctx); err != nil {
		t.Fatalf("second remove should be a no-op: %v", err)
	}
}

func TestCacheCollisionWithinToken(t *testing.T) {
	te := newTestEnv(t, nil)
	def := mustBuild(t, NewBuilder("doc", nil))
	token := NewToken()

	first := New(def, te.env)
	cacheString(t, first, "bork.txt", "one", token)
	second := New(def, te.env)
	cacheString(t, second, "bork.txt", "two", token)
	same := New(def, te.env)
	cacheString(t, same, "bork.txt", "one", token)

	if first.CacheName() == second.CacheName() {
		t.Fatalf("expected distinct cache names, both %q", first.CacheName())
	}
	if second.Filename() != "bork(2).txt" {
		t.Fatalf("expected bork(2).txt, got %q", second.Filename())
	}
	if readFile(t, first.Path()) != "one" || readFile(t, second.Path()) != "two" {
		t.Fatalf("collision must keep both contents")
	}
	if same.CacheName() != first.CacheName() {
		t.Fatalf("identical content should reuse %q, got %q", first.CacheName(), same.CacheName())
	}
}

func TestCacheCollisionComparesRawInput(t *testing.T) {
	reg := suffixRegistry()
	te := newTestEnv(t, reg)
	def := mustBuild(t, NewBuilder("doc", reg).Process("suffix", "!"))
	token := NewToken()

	first := New(def, te.env)
	cacheString(t, first, "bork.txt", "same", token)
	again := New(def, te.env)
	cacheString(t, again, "bork.txt", "same", token)
	if again.CacheName() != first.CacheName() {
		t.Fatalf("identical input should reuse %q, got %q", first.CacheName(), again.CacheName())
	}
	if got := readFile(t, first.Path()); got != "same!" {
		t.Fatalf("reuse must not reprocess, got %q", got)
	}

	// Raw bytes equal to another entry's processed output are a new file.
	lookalike := New(def, te.env)
	cacheString(t, lookalike, "bork.txt", "same!", token)
	if lookalike.Filename() != "bork(2).txt" {
		t.Fatalf("expected bork(2).txt, got %q", lookalike.Filename())
	}
	if got := readFile(t, lookalike.Path()); got != "same!!" {
		t.Fatalf("expected processed lookalike, got %q", got)
	}
}

func TestFailedReuseKeepsSharedFile(t *testing.T) {
	reg := NewRegistry()
	failing := false
	reg.Register("flaky", func(context.Context, *File, []any) error {
		if failing {
			return errors.New("step exploded")
		}
		return nil
	}, nil)
	te := newTestEnv(t, reg)
	def := mustBuild(t, NewBuilder("doc", reg).Version("thumb", func(b *Builder) error {
		b.Process("flaky")
		return b.Err()
	}))
	token := NewToken()

	first := New(def, te.env)
	cacheString(t, first, "bork.txt", "one", token)
	thumb := filepath.Join(filepath.Dir(first.Path()), "thumb_bork.txt")
	if err := os.Remove(thumb); err != nil {
		t.Fatalf("remove thumb: %v", err)
	}

	failing = true
	second := New(def, te.env)
	err := second.Cache(context.Background(), FileSource{Name: "bork.txt", Reader: strings.NewReader("one")}, token)
	var perr *ProcessingError
	if !errors.As(err, &perr) || perr.Version != "thumb" {
		t.Fatalf("expected thumb processing error, got %v", err)
	}
	if second.State() != StateUnset {
		t.Fatalf("expected failed uploader unset, got %s", second.State())
	}
	if got := readFile(t, first.Path()); got != "one" {
		t.Fatalf("shared cached file must survive, got %q", got)
	}
	if _, err := os.Stat(thumb); !os.IsNotExist(err) {
		t.Fatalf("expected rebuilt thumb removed, stat err %v", err)
	}
}

func TestVersionsStartFromRawBytes(t *testing.T) {
	reg := suffixRegistry()
	te := newTestEnv(t, reg)
	def := mustBuild(t, NewBuilder("photo", reg).
		Version("thumb", func(b *Builder) error {
			b.Process("suffix", "-thumb").Version("small", func(nb *Builder) error {
				nb.Process("suffix", "-small")
				return nil
			})
			return b.Err()
		}).
		ProcessExcept([]string{"thumb"}, "suffix", "-root"))
	ctx := context.Background()

	u := New(def, te.env)
	cacheString(t, u, "a.txt", "bytes", "")
	dir := filepath.Dir(u.Path())
	checks := map[string]string{
		"a.txt":             "bytes-root",
		"thumb_a.txt":       "bytes-thumb",
		"thumb_small_a.txt": "bytes-thumb-small",
	}
	for name, want := range checks {
		if got := readFile(t, filepath.Join(dir, name)); got != want {
			t.Fatalf("%s: expected %q, got %q", name, want, got)
		}
	}

	if err := u.Store(ctx, ""); err != nil {
		t.Fatalf("store: %v", err)
	}
	for name := range checks {
		key := "uploads/user/avatar/1/" + name
		if exists, err := te.backend.Exists(ctx, key); err != nil || !exists {
			t.Fatalf("expected %s stored, exists=%v err=%v", key, exists, err)
		}
	}

	hydrated := RetrieveFromStore(def, te.env, "a.txt")
	thumb, ok := hydrated.Version("thumb")
	if !ok {
		t.Fatalf("expected thumb version")
	}
	small, ok := thumb.Version("small")
	if !ok {
		t.Fatalf("expected small version")
	}
	if small.URL() != "/files/uploads/user/avatar/1/thumb_small_a.txt" {
		t.Fatalf("unexpected nested url %q", small.URL())
	}
	if again, _ := hydrated.Version("thumb"); again != thumb {
		t.Fatalf("versions must be memoized")
	}

	if err := hydrated.Remove(ctx); err != nil {
		t.Fatalf("remove: %v", err)
	}
	for name := range checks {
		if exists, _ := te.backend.Exists(ctx, "uploads/user/avatar/1/"+name); exists {
			t.Fatalf("expected %s removed", name)
		}
	}
}

func TestProcessingFailureLeavesNothingCached(t *testing.T) {
	reg := suffixRegistry()
	te := newTestEnv(t, reg)
	def := mustBuild(t, NewBuilder("photo", reg).Version("thumb", func(b *Builder) error {
		b.Process("fail")
		return nil
	}))

	u := New(def, te.env)
	token := NewToken()
	err := u.Cache(context.Background(), FileSource{Name: "a.txt", Reader: strings.NewReader("x")}, token)
	var perr *ProcessingError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProcessingError, got %v", err)
	}
	if perr.Step != "fail" || perr.Version != "thumb" {
		t.Fatalf("unexpected processing error %+v", perr)
	}
	if u.State() != StateUnset || len(u.ProcessingErrors()) != 1 {
		t.Fatalf("expected unset with one processing error, got %s %v", u.State(), u.ProcessingErrors())
	}
	entries, _ := os.ReadDir(filepath.Join(te.env.Cache.Root(), token))
	if len(entries) != 0 {
		t.Fatalf("expected cache dir emptied, found %d entries", len(entries))
	}
}

func TestIntegrityFailureRecorded(t *testing.T) {
	te := newTestEnv(t, nil)
	def := mustBuild(t, NewBuilder("doc", nil).ExtensionDenylist("exe"))
	u := New(def, te.env)
	err := u.Cache(context.Background(), FileSource{Name: "virus.exe", Reader: strings.NewReader("MZ")}, "")
	var ierr *IntegrityError
	if !errors.As(err, &ierr) {
		t.Fatalf("expected IntegrityError, got %v", err)
	}
	if u.State() != StateUnset || len(u.IntegrityErrors()) != 1 {
		t.Fatalf("expected unset with one integrity error")
	}
}

func TestCacheNameRoundTrip(t *testing.T) {
	reg := suffixRegistry()
	te := newTestEnv(t, reg)
	def := mustBuild(t, NewBuilder("photo", reg).Version("thumb", nil))

	u := New(def, te.env)
	cacheString(t, u, "a.txt", "bytes", "")

	again := New(def, te.env)
	if err := again.Cache(context.Background(), CacheNameSource{Name: u.CacheName()}, ""); err != nil {
		t.Fatalf("cache by name: %v", err)
	}
	if again.Path() != u.Path() || again.State() != StateCached {
		t.Fatalf("expected same cached path, got %q", again.Path())
	}
	thumb, _ := again.Version("thumb")
	if readFile(t, thumb.Path()) != "bytes" {
		t.Fatalf("expected thumb re-attached")
	}

	for _, bad := range []string{"", "nope", "123/a.txt", u.CacheToken() + "/../a.txt", u.CacheToken() + "/missing.txt"} {
		other := New(def, te.env)
		if err := other.Cache(context.Background(), CacheNameSource{Name: bad}, ""); !errors.Is(err, ErrInvalidCacheName) {
			t.Fatalf("expected ErrInvalidCacheName for %q, got %v", bad, err)
		}
	}
}

func TestCacheFromAnotherUploader(t *testing.T) {
	te := newTestEnv(t, nil)
	def := mustBuild(t, NewBuilder("doc", nil))
	ctx := context.Background()

	src := New(def, te.env)
	cacheString(t, src, "a.txt", "shared", "")
	if err := src.Store(ctx, ""); err != nil {
		t.Fatalf("store: %v", err)
	}

	copyU := New(def, te.env)
	if err := copyU.Cache(ctx, UploaderSource{Uploader: src}, ""); err != nil {
		t.Fatalf("cache from uploader: %v", err)
	}
	if copyU.Filename() != "a.txt" || readFile(t, copyU.Path()) != "shared" {
		t.Fatalf("unexpected copy %q", copyU.Path())
	}
	if err := copyU.Cache(ctx, UploaderSource{Uploader: src}, ""); !errors.Is(err, ErrOccupied) {
		t.Fatalf("expected ErrOccupied, got %v", err)
	}
}
