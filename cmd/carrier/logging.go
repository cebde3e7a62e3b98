package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"carrier/internal/config"
)

const (
	logLevelEnvKey  = "CARRIER_LOG_LEVEL"
	logFormatEnvKey = "CARRIER_LOG_FORMAT"
)

// logSource records where the effective log level came from.
type logSource string

const (
	sourceFlag    logSource = "flag"
	sourceEnv     logSource = "env"
	sourceConfig  logSource = "config"
	sourceDefault logSource = "default"
)

var logOutput io.Writer = os.Stderr

// configureLoggerForCLI installs the default slog logger. An invalid --log-level
// is an error; invalid env or config levels fall back to info with a warning.
func configureLoggerForCLI(flagLevel, configLevel string) (string, error) {
	raw, source := selectedLogLevel(flagLevel, os.Getenv(logLevelEnvKey), configLevel)
	level, err := parseLogLevel(raw)

	var warning string
	if err != nil {
		switch source {
		case sourceFlag:
			return "", fmt.Errorf("invalid --log-level %q", flagLevel)
		case sourceEnv:
			warning = fmt.Sprintf("warning: invalid %s=%q; defaulting to %s", logLevelEnvKey, raw, config.DefaultLogLevel)
		case sourceConfig:
			warning = fmt.Sprintf("warning: invalid log_level=%q; defaulting to %s", raw, config.DefaultLogLevel)
		}
		level = slog.LevelInfo
	}

	handler, formatWarning := newLogHandler(os.Getenv(logFormatEnvKey), level)
	slog.SetDefault(slog.New(handler))
	if warning == "" {
		warning = formatWarning
	}
	return warning, nil
}

func selectedLogLevel(flagLevel, envLevel, configLevel string) (string, logSource) {
	for _, candidate := range []struct {
		raw    string
		source logSource
	}{
		{flagLevel, sourceFlag},
		{envLevel, sourceEnv},
		{configLevel, sourceConfig},
	} {
		if strings.TrimSpace(candidate.raw) != "" {
			return candidate.raw, candidate.source
		}
	}
	return "", sourceDefault
}

func parseLogLevel(raw string) (slog.Level, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case "":
		value = config.DefaultLogLevel
	case "warning":
		value = "warn"
	}

	if numeric, err := strconv.Atoi(value); err == nil {
		return slog.Level(numeric), nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(value)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", raw)
	}
	return level, nil
}

// newLogHandler builds a text handler, or JSON when format is "json".
func newLogHandler(format string, level slog.Level) (slog.Handler, string) {
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		return slog.NewTextHandler(logOutput, opts), ""
	case "json":
		return slog.NewJSONHandler(logOutput, opts), ""
	default:
		warning := fmt.Sprintf("warning: invalid %s=%q; using text", logFormatEnvKey, format)
		return slog.NewTextHandler(logOutput, opts), warning
	}
}
