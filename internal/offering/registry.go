// Stall is a seller-side runtime for the Agent Commerce Protocol.
// Copyright (C) 2025 The Stall Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package offering

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"stall/internal/delivery"
)

// Offering is a loaded offering: its config plus a fresh Handlers
// instance bound to the config's handler key.
type Offering struct {
	Config   *Config
	Handlers Handlers
}

// Registry resolves offering names to directories under a single root.
type Registry struct {
	root   string
	logger *slog.Logger
}

// NewRegistry returns a registry over the given offerings root. An
// empty root means DefaultRoot().
func NewRegistry(root string, logger *slog.Logger) *Registry {
	if root == "" {
		root = DefaultRoot()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		root:   root,
		logger: logger.With("component", "offering"),
	}
}

// DefaultRoot computes <workspace>/offerings.
func DefaultRoot() string {
	return filepath.Join(delivery.WorkspaceDir(), "offerings")
}

// Root returns the offerings root the registry scans.
func (r *Registry) Root() string {
	return r.root
}

// List enumerates the immediate subdirectories of the offerings root.
// Files and nested directories are ignored.
func (r *Registry) List() ([]string, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		return nil, fmt.Errorf("list offerings root %s: %w", r.root, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// Load resolves name to an offering directory and binds its handler.
// Resolution first tries a direct directory name match, then scans
// every subdirectory's config for a matching name field. A name that
// resolves to nothing yields a NotFoundError.
func (r *Registry) Load(name string) (*Offering, error) {
	cfg, err := r.resolve(name)
	if err != nil {
		return nil, err
	}

	key := cfg.HandlerKey()
	factory, ok := handlerFor(key)
	if !ok {
		return nil, fmt.Errorf("offering %q: no handler registered for key %q", cfg.Name, key)
	}
	return &Offering{Config: cfg, Handlers: factory()}, nil
}

// Discover loads every offering under the root, skipping any directory
// whose config is invalid or whose handler is not registered. It
// returns the names that are sellable.
func (r *Registry) Discover() ([]string, error) {
	dirs, err := r.List()
	if err != nil {
		return nil, err
	}
	var names []string
	for _, dir := range dirs {
		cfg, err := LoadConfig(filepath.Join(r.root, dir))
		if err != nil {
			r.logger.Warn("skipping offering with invalid config", "dir", dir, "error", err)
			continue
		}
		if _, ok := handlerFor(cfg.HandlerKey()); !ok {
			r.logger.Warn("skipping offering with no registered handler",
				"dir", dir, "offering", cfg.Name, "handler", cfg.HandlerKey())
			continue
		}
		names = append(names, cfg.Name)
	}
	return names, nil
}

func (r *Registry) resolve(name string) (*Config, error) {
	direct := filepath.Join(r.root, name)
	if info, err := os.Stat(direct); err == nil && info.IsDir() {
		cfg, err := LoadConfig(direct)
		if err != nil {
			return nil, err
		}
		return cfg, nil
	}

	dirs, err := r.List()
	if err != nil {
		return nil, err
	}
	for _, dir := range dirs {
		cfg, err := LoadConfig(filepath.Join(r.root, dir))
		if err != nil {
			// Broken sibling configs must not mask the lookup.
			r.logger.Debug("unreadable offering config during scan", "dir", dir, "error", err)
			continue
		}
		if cfg.Name == name {
			return cfg, nil
		}
	}
	return nil, &NotFoundError{Name: name}
}
