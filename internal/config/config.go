package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
)

const (
	DefaultLogLevel     = "info"
	DefaultDBFileName   = ".carrier.db"
	DefaultDataDirName  = ".carrier"
	DefaultManifestName = "carrier.yaml"
	DefaultConcurrency  = 4

	DefaultStorageBackend = "local"
	DefaultStorageBaseURL = "/files"

	DefaultRemoteTimeout   = "30s"
	DefaultRemoteMaxBytes  = "100MiB"
	DefaultRemoteUserAgent = "carrier"

	configFileName           = ".carrier.toml"
	configDirEnvKey          = "CARRIER_CONFIG_DIR"
	trustProjectConfigEnvKey = "CARRIER_TRUST_PROJECT_CONFIG"

	dbEnvKey            = "CARRIER_DB"
	logLevelEnvKey      = "CARRIER_LOG_LEVEL"
	cacheDirEnvKey      = "CARRIER_CACHE_DIR"
	manifestEnvKey      = "CARRIER_MANIFEST"
	storageRootEnvKey   = "CARRIER_STORAGE_ROOT"
	remoteTimeoutEnvKey = "CARRIER_REMOTE_TIMEOUT"
)

// StorageConfig selects and configures the blob backend.
type StorageConfig struct {
	Backend          string `toml:"backend"`
	Root             string `toml:"root"`
	BaseURL          string `toml:"base_url"`
	S3Endpoint       string `toml:"s3_endpoint"`
	S3Region         string `toml:"s3_region"`
	S3Bucket         string `toml:"s3_bucket"`
	S3Prefix         string `toml:"s3_prefix"`
	S3AccessKey      string `toml:"s3_access_key"`
	S3SecretKey      string `toml:"s3_secret_key"`
	S3Insecure       bool   `toml:"s3_insecure"`
	S3ForcePathStyle bool   `toml:"s3_force_path_style"`
}

// RemoteConfig tunes remote URL downloads.
type RemoteConfig struct {
	Timeout   string `toml:"timeout"`
	MaxBytes  string `toml:"max_bytes"`
	UserAgent string `toml:"user_agent"`
}

// MountConfig binds an uploader definition to one slot of a record kind.
type MountConfig struct {
	Kind                  string `toml:"kind"`
	Slot                  string `toml:"slot"`
	Uploader              string `toml:"uploader"`
	Multiple              bool   `toml:"multiple"`
	RaiseIntegrityErrors  bool   `toml:"raise_integrity_errors"`
	RaiseProcessingErrors bool   `toml:"raise_processing_errors"`
	RaiseDownloadErrors   bool   `toml:"raise_download_errors"`
}

// Config defines runtime configuration for carrier.
type Config struct {
	DBPath                   string        `toml:"db_path"`
	LogLevel                 string        `toml:"log_level"`
	CacheDir                 string        `toml:"cache_dir"`
	ManifestPath             string        `toml:"manifest_path"`
	Concurrency              int           `toml:"concurrency"`
	Storage                  StorageConfig `toml:"storage"`
	Remote                   RemoteConfig  `toml:"remote"`
	Mounts                   []MountConfig `toml:"mounts"`
	TrustedProjectConfigPath string        `toml:"-"`
}

// Default returns default configuration values.
func Default() Config {
	return Config{
		LogLevel:    DefaultLogLevel,
		Concurrency: DefaultConcurrency,
		Storage: StorageConfig{
			Backend: DefaultStorageBackend,
			BaseURL: DefaultStorageBaseURL,
		},
		Remote: RemoteConfig{
			Timeout:   DefaultRemoteTimeout,
			MaxBytes:  DefaultRemoteMaxBytes,
			UserAgent: DefaultRemoteUserAgent,
		},
	}
}

// RemoteTimeout parses remote.timeout.
func (c *Config) RemoteTimeout() (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(c.Remote.Timeout))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("remote.timeout must be a positive duration, got %q", c.Remote.Timeout)
	}
	return d, nil
}

// RemoteMaxBytes parses remote.max_bytes ("100MiB", "5000000").
func (c *Config) RemoteMaxBytes() (int64, error) {
	n, err := humanize.ParseBytes(strings.TrimSpace(c.Remote.MaxBytes))
	if err != nil || n == 0 {
		return 0, fmt.Errorf("remote.max_bytes must be a positive size, got %q", c.Remote.MaxBytes)
	}
	return int64(n), nil
}

// FindMount returns the mount declared for kind and slot.
func (c *Config) FindMount(kind, slot string) (MountConfig, bool) {
	for _, m := range c.Mounts {
		if m.Kind == kind && m.Slot == slot {
			return m, true
		}
	}
	return MountConfig{}, false
}

// MountsFor lists the mounts declared for a record kind in file order.
func (c *Config) MountsFor(kind string) []MountConfig {
	var out []MountConfig
	for _, m := range c.Mounts {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

// Validate checks cross-field constraints after loading.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "local", "s3":
	default:
		return fmt.Errorf("storage.backend must be local or s3, got %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "s3" && strings.TrimSpace(c.Storage.S3Bucket) == "" {
		return fmt.Errorf("storage.s3_bucket is required for the s3 backend")
	}
	if _, err := c.RemoteTimeout(); err != nil {
		return err
	}
	if _, err := c.RemoteMaxBytes(); err != nil {
		return err
	}
	seen := map[string]struct{}{}
	for i, m := range c.Mounts {
		if strings.TrimSpace(m.Kind) == "" || strings.TrimSpace(m.Slot) == "" || strings.TrimSpace(m.Uploader) == "" {
			return fmt.Errorf("mounts[%d]: kind, slot and uploader are required", i)
		}
		key := m.Kind + "/" + m.Slot
		if _, dup := seen[key]; dup {
			return fmt.Errorf("mounts[%d]: %s is declared twice", i, key)
		}
		seen[key] = struct{}{}
	}
	return nil
}

func loadFile(path string, cfg *Config) error {
	_, err := loadFileIfExists(path, cfg)
	return err
}

func loadFileIfExists(path string, cfg *Config) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if info.IsDir() {
		return false, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return false, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return true, nil
}

func overrideConfigPath() (string, bool) {
	dir := strings.TrimSpace(os.Getenv(configDirEnvKey))
	if dir == "" {
		return "", false
	}
	return filepath.Join(dir, configFileName), true
}

func trustProjectConfig() bool {
	raw := strings.TrimSpace(os.Getenv(trustProjectConfigEnvKey))
	if raw == "" {
		return false
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false
	}
	return value
}

var allowedKeys = []string{
	"db_path",
	"log_level",
	"cache_dir",
	"manifest_path",
	"concurrency",
	"storage.backend",
	"storage.root",
	"storage.base_url",
	"storage.s3_endpoint",
	"storage.s3_region",
	"storage.s3_bucket",
	"storage.s3_prefix",
	"storage.s3_access_key",
	"storage.s3_secret_key",
	"storage.s3_insecure",
	"storage.s3_force_path_style",
	"remote.timeout",
	"remote.max_bytes",
	"remote.user_agent",
}

// AllowedKeys returns the set of valid config keys.
func AllowedKeys() []string {
	return allowedKeys
}

// IsAllowedKey checks if a key is a valid config key.
func IsAllowedKey(key string) bool {
	for _, k := range allowedKeys {
		if k == key {
			return true
		}
	}
	return false
}

// Get returns the value of a config key.
func (c *Config) Get(key string) (string, error) {
	switch key {
	case "db_path":
		return c.DBPath, nil
	case "log_level":
		return c.LogLevel, nil
	case "cache_dir":
		return c.CacheDir, nil
	case "manifest_path":
		return c.ManifestPath, nil
	case "concurrency":
		return strconv.Itoa(c.Concurrency), nil
	case "storage.backend":
		return c.Storage.Backend, nil
	case "storage.root":
		return c.Storage.Root, nil
	case "storage.base_url":
		return c.Storage.BaseURL, nil
	case "storage.s3_endpoint":
		return c.Storage.S3Endpoint, nil
	case "storage.s3_region":
		return c.Storage.S3Region, nil
	case "storage.s3_bucket":
		return c.Storage.S3Bucket, nil
	case "storage.s3_prefix":
		return c.Storage.S3Prefix, nil
	case "storage.s3_access_key":
		return c.Storage.S3AccessKey, nil
	case "storage.s3_secret_key":
		if c.Storage.S3SecretKey == "" {
			return "", nil
		}
		return "********", nil
	case "storage.s3_insecure":
		return strconv.FormatBool(c.Storage.S3Insecure), nil
	case "storage.s3_force_path_style":
		return strconv.FormatBool(c.Storage.S3ForcePathStyle), nil
	case "remote.timeout":
		return c.Remote.Timeout, nil
	case "remote.max_bytes":
		return c.Remote.MaxBytes, nil
	case "remote.user_agent":
		return c.Remote.UserAgent, nil
	default:
		return "", fmt.Errorf("unknown key: %s", key)
	}
}

// GlobalPath returns the path to the global config file.
func GlobalPath() (string, error) {
	if path, ok := overrideConfigPath(); ok {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, configFileName), nil
}

// ProjectPath returns the path to the project config file.
func ProjectPath() (string, error) {
	if path, ok := overrideConfigPath(); ok {
		return path, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(cwd, configFileName), nil
}

// SetKey reads the TOML file at path, sets key=value, and writes it back.
func SetKey(path, key, value string) error {
	if !IsAllowedKey(key) {
		return fmt.Errorf("unknown key: %s", key)
	}

	data := make(map[string]any)
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &data); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	}

	parsedValue, err := parseSetValue(key, value)
	if err != nil {
		return err
	}
	if err := setNestedKey(data, strings.Split(key, "."), parsedValue); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(data)
}

// Load reads config from trusted files and applies env overrides.
func Load() (*Config, error) {
	cfg := Default()

	if overridePath, ok := overrideConfigPath(); ok {
		if err := loadFile(overridePath, &cfg); err != nil {
			return nil, err
		}
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			if err := loadFile(filepath.Join(home, configFileName), &cfg); err != nil {
				return nil, err
			}
		}

		if trustProjectConfig() {
			if cwd, err := os.Getwd(); err == nil {
				projectPath := filepath.Join(cwd, configFileName)
				info, statErr := os.Stat(projectPath)
				switch {
				case statErr == nil && !info.IsDir():
					if err := loadFile(projectPath, &cfg); err != nil {
						return nil, err
					}
					cfg.TrustedProjectConfigPath = projectPath
				case statErr != nil && !os.IsNotExist(statErr):
					return nil, statErr
				}
			}
		}
	}

	if dbPath := os.Getenv(dbEnvKey); dbPath != "" {
		cfg.DBPath = dbPath
	}
	if level := strings.TrimSpace(os.Getenv(logLevelEnvKey)); level != "" {
		cfg.LogLevel = level
	}
	if dir := os.Getenv(cacheDirEnvKey); dir != "" {
		cfg.CacheDir = dir
	}
	if manifest := os.Getenv(manifestEnvKey); manifest != "" {
		cfg.ManifestPath = manifest
	}
	if root := os.Getenv(storageRootEnvKey); root != "" {
		cfg.Storage.Root = root
	}
	if timeout := strings.TrimSpace(os.Getenv(remoteTimeoutEnvKey)); timeout != "" {
		cfg.Remote.Timeout = timeout
	}

	cfg.normalizeDefaults()

	return &cfg, nil
}

func (c *Config) normalizeDefaults() {
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if strings.TrimSpace(c.Storage.Backend) == "" {
		c.Storage.Backend = DefaultStorageBackend
	}
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	if strings.TrimSpace(c.Remote.Timeout) == "" {
		c.Remote.Timeout = DefaultRemoteTimeout
	}
	if strings.TrimSpace(c.Remote.MaxBytes) == "" {
		c.Remote.MaxBytes = DefaultRemoteMaxBytes
	}
	if strings.TrimSpace(c.Remote.UserAgent) == "" {
		c.Remote.UserAgent = DefaultRemoteUserAgent
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}
	dataDir := filepath.Join(cwd, DefaultDataDirName)
	if c.DBPath == "" {
		c.DBPath = filepath.Join(cwd, DefaultDBFileName)
	}
	if c.CacheDir == "" {
		c.CacheDir = filepath.Join(dataDir, "cache")
	}
	if c.Storage.Root == "" {
		c.Storage.Root = filepath.Join(dataDir, "files")
	}
	if c.ManifestPath == "" {
		c.ManifestPath = filepath.Join(cwd, DefaultManifestName)
	}
}

func parseSetValue(key, value string) (any, error) {
	value = strings.TrimSpace(value)
	switch key {
	case "concurrency":
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("%s must be a positive integer", key)
		}
		return parsed, nil
	case "storage.s3_insecure", "storage.s3_force_path_style":
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("%s must be true or false", key)
		}
		return parsed, nil
	case "storage.backend":
		value = strings.ToLower(value)
		if value != "local" && value != "s3" {
			return nil, fmt.Errorf("%s must be local or s3", key)
		}
		return value, nil
	case "remote.timeout":
		if d, err := time.ParseDuration(value); err != nil || d <= 0 {
			return nil, fmt.Errorf("%s must be a positive duration", key)
		}
		return value, nil
	case "remote.max_bytes":
		if n, err := humanize.ParseBytes(value); err != nil || n == 0 {
			return nil, fmt.Errorf("%s must be a positive size such as 50MB", key)
		}
		return value, nil
	default:
		return value, nil
	}
}

func setNestedKey(data map[string]any, parts []string, value any) error {
	if len(parts) == 0 {
		return fmt.Errorf("invalid config key")
	}
	if len(parts) == 1 {
		data[parts[0]] = value
		return nil
	}
	childRaw, ok := data[parts[0]]
	if !ok {
		child := map[string]any{}
		data[parts[0]] = child
		return setNestedKey(child, parts[1:], value)
	}
	child, ok := childRaw.(map[string]any)
	if !ok {
		return fmt.Errorf("cannot set nested key %q", strings.Join(parts, "."))
	}
	return setNestedKey(child, parts[1:], value)
}
