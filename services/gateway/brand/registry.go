// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package brand

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// registryFile is the on-disk shape of the brand configuration.
type registryFile struct {
	Brands []Brand `yaml:"brands"`
}

// Registry serves brand lookups from an in-memory map and hot-reloads
// it when the backing YAML file changes. Lookups never block on a
// reload; a failed reload keeps the previous map.
type Registry struct {
	path    string
	watcher *fsnotify.Watcher

	mu     sync.RWMutex
	brands map[string]Brand
}

// NewRegistry loads the brand file at path and starts watching it for
// changes. An empty path or a missing file yields a registry with only
// the built-in default brand, so the gateway stays usable without any
// configuration.
func NewRegistry(path string) (*Registry, error) {
	r := &Registry{path: path}

	brands, err := loadBrandFile(path)
	if err != nil {
		return nil, err
	}
	r.brands = brands

	if path != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("creating brand file watcher: %w", err)
		}
		// Watch the directory rather than the file: editors that
		// rename-and-replace would otherwise detach the watch.
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("watching brand config directory: %w", err)
		}
		r.watcher = watcher
		go r.watchLoop()
	}

	slog.Info("Brand registry loaded", "path", path, "brands", len(r.brands))
	return r, nil
}

// Close stops the file watcher. Lookups keep working on the last map.
func (r *Registry) Close() error {
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}

// GetBrand returns the brand for id, or ErrBrandNotFound /
// ErrBrandInactive.
func (r *Registry) GetBrand(id string) (Brand, error) {
	r.mu.RLock()
	b, ok := r.brands[id]
	r.mu.RUnlock()
	if !ok {
		return Brand{}, fmt.Errorf("brand %q: %w", id, ErrBrandNotFound)
	}
	if !b.Active {
		return Brand{}, fmt.Errorf("brand %q: %w", id, ErrBrandInactive)
	}
	return b, nil
}

// BrandIDs lists the ids of all loaded brands, active or not.
func (r *Registry) BrandIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.brands))
	for id := range r.brands {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) watchLoop() {
	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(r.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			r.reload()

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Brand file watcher error", "error", err)
		}
	}
}

// reload swaps in a freshly-parsed brand map. On any error the current
// map stays in place so a half-written file cannot take brands offline.
func (r *Registry) reload() {
	brands, err := loadBrandFile(r.path)
	if err != nil {
		slog.Error("Brand config reload failed, keeping previous config",
			"path", r.path, "error", err)
		return
	}
	r.mu.Lock()
	r.brands = brands
	r.mu.Unlock()
	slog.Info("Brand config reloaded", "path", r.path, "brands", len(brands))
}

func loadBrandFile(path string) (map[string]Brand, error) {
	if path == "" {
		return defaultBrands(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("Brand config file not found, using default brand", "path", path)
			return defaultBrands(), nil
		}
		return nil, fmt.Errorf("reading brand config %s: %w", path, err)
	}

	var file registryFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parsing brand config %s: %w", path, err)
	}
	if len(file.Brands) == 0 {
		return nil, fmt.Errorf("brand config %s declares no brands", path)
	}

	brands := make(map[string]Brand, len(file.Brands))
	for i := range file.Brands {
		b := file.Brands[i]
		if err := b.Validate(); err != nil {
			return nil, fmt.Errorf("brand config %s: %w", path, err)
		}
		if _, dup := brands[b.ID]; dup {
			return nil, fmt.Errorf("brand config %s: duplicate brand id %q", path, b.ID)
		}
		brands[b.ID] = b
	}
	return brands, nil
}

// defaultBrands provides the built-in demo tenant used when no config
// file is present.
func defaultBrands() map[string]Brand {
	b := Brand{
		ID:   "techpro",
		Name: "TechPro Solutions",
		SystemPrompt: "You are a helpful customer service assistant for " +
			"TechPro Solutions, a technology retailer. Answer questions " +
			"about our products accurately and concisely. If you do not " +
			"know something, say so.",
		PersonaPrompt: "Be friendly and professional. Keep answers short " +
			"and practical.",
		WelcomeMessage: "Hello! Welcome to TechPro Solutions. How can I " +
			"help you today?",
		Active: true,
	}
	return map[string]Brand{b.ID: b}
}
