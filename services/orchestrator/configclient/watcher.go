// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package configclient

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// overridesFile is the on-disk shape of the local flag override file.
//
//	flags:
//	  enable_response_cache: false
//	  enable_search_duckduckgo: true
type overridesFile struct {
	Flags map[string]bool `yaml:"flags"`
}

// OverrideWatcher applies a local YAML flag override file and reapplies it
// whenever the file changes on disk.
//
// # Description
//
// Overrides sit in front of the control plane in flag resolution, so an
// operator can flip behavior on a single node without touching the admin
// plane. The watcher follows the parent directory rather than the file
// itself so editor rename-and-replace writes are picked up.
type OverrideWatcher struct {
	path    string
	client  *Client
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewOverrideWatcher loads the file once, applies it, and starts watching.
// A missing file is not an error; the watcher applies it when it appears.
func NewOverrideWatcher(path string, client *Client) (*OverrideWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create override watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch override directory: %w", err)
	}

	ow := &OverrideWatcher{
		path:    path,
		client:  client,
		watcher: w,
		done:    make(chan struct{}),
	}
	ow.reload()
	go ow.run()

	slog.Info("Watching flag override file", "path", path)
	return ow, nil
}

func (ow *OverrideWatcher) run() {
	defer close(ow.done)
	for {
		select {
		case ev, ok := <-ow.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != ow.path {
				continue
			}
			switch {
			case ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create):
				ow.reload()
			case ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename):
				slog.Info("Flag override file removed, clearing overrides", "path", ow.path)
				ow.client.SetOverrides(nil)
			}
		case err, ok := <-ow.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Override watcher error", "error", err)
		}
	}
}

// reload parses the file and swaps the override set. A malformed file
// keeps the previous overrides in place.
func (ow *OverrideWatcher) reload() {
	raw, err := os.ReadFile(ow.path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("Could not read flag override file", "path", ow.path, "error", err)
		}
		return
	}

	var parsed overridesFile
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		slog.Warn("Malformed flag override file, keeping previous overrides",
			"path", ow.path, "error", err)
		return
	}

	ow.client.SetOverrides(parsed.Flags)
	slog.Info("Applied flag overrides", "path", ow.path, "count", len(parsed.Flags))
}

// Close stops the watcher.
func (ow *OverrideWatcher) Close() error {
	err := ow.watcher.Close()
	<-ow.done
	return err
}
