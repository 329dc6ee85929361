package cliutil

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

type LogOptions struct {
	// info|debug|warn|error
	LogLevel string

	// text|json
	LogFormat string

	// path to write to; "" or "-" for stdout
	LogPath string
}

func firstenv(env_var_names ...string) string {
	for _, env_var_name := range env_var_names {
		val := os.Getenv(env_var_name)
		if val != "" {
			return val
		}
	}
	return ""
}

func ParseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level: %#v", level)
	}
}

// SetupSlog integrates passed in options and env vars, and installs the result as the default logger.
//
// passing default cliutil.LogOptions{} is ok.
//
// FLUSHES_LOG_LEVEL=info|debug|warn|error
//
// FLUSHES_LOG_FMT=text|json
//
// FLUSHES_LOG_FILE=path (or "-" or "" for stdout)
func SetupSlog(options LogOptions) (*slog.Logger, error) {
	var hopts slog.HandlerOptions
	if options.LogLevel == "" {
		options.LogLevel = firstenv("FLUSHES_LOG_LEVEL", "LOG_LEVEL")
	}
	level, err := ParseLogLevel(options.LogLevel)
	if err != nil {
		return nil, err
	}
	hopts.Level = level

	if options.LogFormat == "" {
		options.LogFormat = firstenv("FLUSHES_LOG_FMT")
	}
	format := strings.ToLower(options.LogFormat)
	if format == "" {
		format = "text"
	}
	if format != "text" && format != "json" {
		return nil, fmt.Errorf("invalid log format: %#v", options.LogFormat)
	}

	if options.LogPath == "" {
		options.LogPath = firstenv("FLUSHES_LOG_FILE")
	}
	var out io.Writer
	if options.LogPath == "" || options.LogPath == "-" {
		out = os.Stdout
	} else {
		f, err := os.OpenFile(options.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", options.LogPath, err)
		}
		out = f
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = slog.NewTextHandler(out, &hopts)
	case "json":
		handler = slog.NewJSONHandler(out, &hopts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}
