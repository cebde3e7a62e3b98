package store

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestPoolSettingsFromEnv(t *testing.T) {
	intCases := []struct {
		raw  string
		want int
	}{
		{raw: "", want: defaultMaxOpenConns},
		{raw: " 4 ", want: 4},
		{raw: "bad", want: defaultMaxOpenConns},
		{raw: "0", want: defaultMaxOpenConns},
		{raw: "-2", want: defaultMaxOpenConns},
	}
	for _, tc := range intCases {
		t.Setenv(maxOpenConnsEnvKey, tc.raw)
		if got := intFromEnv(maxOpenConnsEnvKey, defaultMaxOpenConns); got != tc.want {
			t.Fatalf("%s=%q: expected %d, got %d", maxOpenConnsEnvKey, tc.raw, tc.want, got)
		}
	}

	durationCases := []struct {
		raw  string
		want time.Duration
	}{
		{raw: "", want: defaultConnMaxLifetime},
		{raw: "45s", want: 45 * time.Second},
		{raw: "30", want: 30 * time.Second},
		{raw: "0", want: defaultConnMaxLifetime},
		{raw: "-1m", want: defaultConnMaxLifetime},
		{raw: "invalid", want: defaultConnMaxLifetime},
	}
	for _, tc := range durationCases {
		t.Setenv(connMaxLifetimeEnvKey, tc.raw)
		if got := durationFromEnv(connMaxLifetimeEnvKey, defaultConnMaxLifetime); got != tc.want {
			t.Fatalf("%s=%q: expected %v, got %v", connMaxLifetimeEnvKey, tc.raw, tc.want, got)
		}
	}
}

func TestOpenHonorsPoolEnv(t *testing.T) {
	t.Setenv(maxOpenConnsEnvKey, "3")
	st, err := Open(filepath.Join(t.TempDir(), "pool.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()

	if got := st.db.Stats().MaxOpenConnections; got != 3 {
		t.Fatalf("expected 3 max open connections, got %d", got)
	}
}

func TestSQLiteDSN(t *testing.T) {
	if _, err := sqliteDSN(""); err == nil {
		t.Fatal("expected error for empty path")
	}
	dsn, err := sqliteDSN("/tmp/with space/carrier.db")
	if err != nil {
		t.Fatalf("dsn: %v", err)
	}
	if !strings.HasPrefix(dsn, "file://") || !strings.Contains(dsn, "with%20space") {
		t.Fatalf("unexpected dsn %q", dsn)
	}
}
