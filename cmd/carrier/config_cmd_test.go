package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestConfigGet(t *testing.T) {
	env := newCLIEnv(t)
	env.cfg.Storage.S3SecretKey = "hunter2"

	out, err := env.run(t, "config", "get", "storage.backend")
	if err != nil {
		t.Fatalf("config get: %v", err)
	}
	if out != "local\n" {
		t.Fatalf("unexpected value %q", out)
	}

	out, err = env.run(t, "--json", "config", "get")
	if err != nil {
		t.Fatalf("config get all: %v", err)
	}
	var values map[string]string
	if err := json.Unmarshal([]byte(out), &values); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if values["remote.max_bytes"] != "100MiB" || values["storage.s3_secret_key"] != "********" {
		t.Fatalf("unexpected values %v", values)
	}

	if _, err := env.run(t, "config", "get", "nope"); err == nil || !strings.Contains(err.Error(), "unknown key") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestConfigSetWritesOverrideFile(t *testing.T) {
	env := newCLIEnv(t)
	dir := t.TempDir()
	t.Setenv("CARRIER_CONFIG_DIR", dir)

	out, err := env.run(t, "config", "set", "remote.timeout", "45s")
	if err != nil {
		t.Fatalf("config set: %v", err)
	}
	path := filepath.Join(dir, ".carrier.toml")
	if !strings.Contains(out, path) {
		t.Fatalf("expected written path in output, got %q", out)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if !strings.Contains(string(data), `timeout = "45s"`) {
		t.Fatalf("unexpected config file:\n%s", data)
	}

	if _, err := env.run(t, "config", "set", "remote.timeout", "soon"); err == nil {
		t.Fatal("expected invalid duration error")
	}
}

func TestConfigMounts(t *testing.T) {
	env := newCLIEnv(t)
	env.cfg.Mounts[1].RaiseDownloadErrors = true

	out, err := env.run(t, "config", "mounts")
	if err != nil {
		t.Fatalf("config mounts: %v", err)
	}
	if !strings.Contains(out, "post/files:") || !strings.Contains(out, "uploader=document multiple") {
		t.Fatalf("unexpected mounts output %q", out)
	}

	out, err = env.run(t, "--json", "config", "mounts")
	if err != nil {
		t.Fatalf("config mounts json: %v", err)
	}
	var mounts []mountSummary
	if err := json.Unmarshal([]byte(out), &mounts); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(mounts) != 2 || mounts[1].Mode != "single" || len(mounts[1].Raise) != 1 || mounts[1].Raise[0] != "download" {
		t.Fatalf("unexpected mounts %+v", mounts)
	}
}

func TestMigrateDryRunThenApply(t *testing.T) {
	env := newCLIEnv(t)

	out, err := env.run(t, "migrate", "--dry-run")
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if !strings.Contains(out, "pending:") || !strings.Contains(out, "1 records and attributes") {
		t.Fatalf("unexpected dry run output %q", out)
	}

	out, err = env.run(t, "migrate")
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if !strings.Contains(out, "applied 2: attribute indexes") {
		t.Fatalf("unexpected migrate output %q", out)
	}

	out, err = env.run(t, "migrate")
	if err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if !strings.Contains(out, "up to date (version 2)") {
		t.Fatalf("expected up to date, got %q", out)
	}
}
