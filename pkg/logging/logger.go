// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging configures structured logging for Aleutian components.
//
// # Description
//
// Logging is built on the standard library slog package. Setup installs
// the process-wide default logger; components then log through the plain
// slog package functions, so no logger handle threads through the
// codebase.
//
// Output format follows the destination: a terminal gets human-readable
// text, anything else (container logs, pipes, files) gets JSON for
// machine ingestion. The FormatAuto default detects this with isatty.
//
// # Usage
//
//	closeFn, err := logging.Setup(logging.Config{
//	    Service: "assist-orchestrator",
//	    Level:   "info",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer closeFn()
//
//	slog.Info("request completed", "request_id", id)
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
)

// Format selects the log output encoding.
type Format string

const (
	// FormatAuto picks text on a terminal, JSON otherwise.
	FormatAuto Format = "auto"
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Config tunes the process logger. The zero value logs Info and above to
// stderr, format chosen by terminal detection.
type Config struct {
	// Service is attached to every record as the "service" attribute.
	Service string

	// Level is the minimum severity: debug, info, warn, or error.
	// Unrecognized values fall back to info.
	Level string

	// Format overrides the output encoding. Default FormatAuto.
	Format Format

	// LogDir additionally writes JSON logs to
	// {LogDir}/{Service}_{YYYY-MM-DD}.log. Empty disables file output.
	LogDir string
}

// Setup installs the process-wide slog default. The returned function
// closes the log file, if any; call it on shutdown.
func Setup(cfg Config) (func() error, error) {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var stderrHandler slog.Handler
	if useJSON(cfg.Format) {
		stderrHandler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		stderrHandler = slog.NewTextHandler(os.Stderr, opts)
	}
	handlers := []slog.Handler{stderrHandler}

	closeFn := func() error { return nil }
	if cfg.LogDir != "" {
		file, err := openLogFile(cfg.LogDir, cfg.Service)
		if err != nil {
			return nil, err
		}
		// File logs are always JSON regardless of the stderr format.
		handlers = append(handlers, slog.NewJSONHandler(file, opts))
		closeFn = file.Close
	}

	var handler slog.Handler
	if len(handlers) == 1 {
		handler = handlers[0]
	} else {
		handler = &multiHandler{handlers: handlers}
	}
	if cfg.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", cfg.Service)})
	}

	slog.SetDefault(slog.New(handler))
	return closeFn, nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func useJSON(f Format) bool {
	switch f {
	case FormatJSON:
		return true
	case FormatText:
		return false
	default:
		fd := os.Stderr.Fd()
		return !isatty.IsTerminal(fd) && !isatty.IsCygwinTerminal(fd)
	}
}

func openLogFile(dir, service string) (*os.File, error) {
	dir = expandPath(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}
	if service == "" {
		service = "aleutian"
	}
	name := fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02"))
	file, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return file, nil
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// =============================================================================
// Multi-Handler
// =============================================================================

// multiHandler fans records out to stderr and the log file, which may
// use different encodings.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

var _ slog.Handler = (*multiHandler)(nil)
