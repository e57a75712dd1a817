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
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"stall/pkg/acp"
)

type echoHandler struct{}

func (echoHandler) ExecuteJob(_ context.Context, req map[string]any, _ *JobContext) (*ExecuteResult, error) {
	msg, _ := req["msg"].(string)
	return &ExecuteResult{Deliverable: acp.TextDeliverable(msg)}, nil
}

func init() {
	Register("echo", func() Handlers { return echoHandler{} })
}

func writeOffering(t *testing.T, root, dir string, cfg map[string]any) {
	t.Helper()
	path := filepath.Join(root, dir)
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(path, ConfigFile), data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestRegisterRejectsBadInput(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		factory func() Handlers
	}{
		{name: "empty key", key: "", factory: func() Handlers { return echoHandler{} }},
		{name: "nil factory", key: "unique-key", factory: nil},
		{name: "duplicate key", key: "echo", factory: func() Handlers { return echoHandler{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Fatal("expected panic")
				}
			}()
			Register(tt.key, tt.factory)
		})
	}
}

func TestRegisteredHandlers(t *testing.T) {
	keys := RegisteredHandlers()
	found := false
	for _, k := range keys {
		if k == "echo" {
			found = true
		}
	}
	if !found {
		t.Fatalf("RegisteredHandlers() = %v, want to contain %q", keys, "echo")
	}
}

func TestListSkipsFiles(t *testing.T) {
	root := t.TempDir()
	writeOffering(t, root, "alpha", map[string]any{"name": "alpha"})
	writeOffering(t, root, "beta", map[string]any{"name": "beta"})
	if err := os.WriteFile(filepath.Join(root, "README.md"), []byte("notes\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := NewRegistry(root, nil).List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	want := []string{"alpha", "beta"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("List() = %v, want %v", got, want)
	}
}

func TestListMissingRoot(t *testing.T) {
	r := NewRegistry(filepath.Join(t.TempDir(), "absent"), nil)
	if _, err := r.List(); err == nil {
		t.Error("expected error for missing offerings root")
	}
}

func TestLoadDirectDirectoryMatch(t *testing.T) {
	root := t.TempDir()
	writeOffering(t, root, "echo-suite", map[string]any{
		"name":    "Echo Suite",
		"handler": "echo",
		"jobFee":  2.5,
	})

	off, err := NewRegistry(root, nil).Load("echo-suite")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if off.Config.Name != "Echo Suite" {
		t.Errorf("Config.Name = %q, want %q", off.Config.Name, "Echo Suite")
	}
	if off.Config.Dir != filepath.Join(root, "echo-suite") {
		t.Errorf("Config.Dir = %q", off.Config.Dir)
	}
	if off.Handlers == nil {
		t.Error("Handlers is nil")
	}
}

func TestLoadByConfigName(t *testing.T) {
	root := t.TempDir()
	writeOffering(t, root, "dir-one", map[string]any{"name": "published-name", "handler": "echo"})
	// A broken sibling must not mask the scan.
	dir := filepath.Join(root, "broken")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ConfigFile), []byte("{nope"), 0o644); err != nil {
		t.Fatal(err)
	}

	off, err := NewRegistry(root, nil).Load("published-name")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if off.Config.Dir != filepath.Join(root, "dir-one") {
		t.Errorf("Config.Dir = %q, want dir-one", off.Config.Dir)
	}
}

func TestLoadNotFound(t *testing.T) {
	root := t.TempDir()
	writeOffering(t, root, "present", map[string]any{"name": "present", "handler": "echo"})

	_, err := NewRegistry(root, nil).Load("absent")
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("Load() error = %v, want NotFoundError", err)
	}
	if nf.Name != "absent" {
		t.Errorf("NotFoundError.Name = %q, want %q", nf.Name, "absent")
	}
}

func TestLoadUnregisteredHandler(t *testing.T) {
	root := t.TempDir()
	writeOffering(t, root, "orphan", map[string]any{"name": "orphan", "handler": "no-such-handler"})

	_, err := NewRegistry(root, nil).Load("orphan")
	if err == nil || !strings.Contains(err.Error(), "no handler registered") {
		t.Errorf("Load() error = %v, want handler registration failure", err)
	}
}

func TestLoadConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     map[string]any
		raw     string
		wantErr bool
		check   func(t *testing.T, cfg *Config)
	}{
		{
			name: "full config with extras",
			cfg: map[string]any{
				"name":           "report_writing",
				"description":    "Writes reports",
				"jobFee":         10,
				"jobFeeType":     "fixed",
				"requiredFunds":  true,
				"requiredFields": []string{"topic", "audience"},
				"fundsAmount":    5,
			},
			check: func(t *testing.T, cfg *Config) {
				if cfg.Name != "report_writing" || cfg.JobFee != 10 || !cfg.RequiredFunds {
					t.Errorf("unexpected config: %+v", cfg)
				}
				if !reflect.DeepEqual(cfg.RequiredFields, []string{"topic", "audience"}) {
					t.Errorf("RequiredFields = %v", cfg.RequiredFields)
				}
				if got := cfg.Extra["fundsAmount"]; got != float64(5) {
					t.Errorf("Extra[fundsAmount] = %v, want 5", got)
				}
				if _, ok := cfg.Extra["name"]; ok {
					t.Error("known field leaked into Extra")
				}
			},
		},
		{
			name: "handler key defaults to name",
			cfg:  map[string]any{"name": "plain"},
			check: func(t *testing.T, cfg *Config) {
				if got := cfg.HandlerKey(); got != "plain" {
					t.Errorf("HandlerKey() = %q, want %q", got, "plain")
				}
			},
		},
		{
			name: "explicit handler key wins",
			cfg:  map[string]any{"name": "fancy", "handler": "shared"},
			check: func(t *testing.T, cfg *Config) {
				if got := cfg.HandlerKey(); got != "shared" {
					t.Errorf("HandlerKey() = %q, want %q", got, "shared")
				}
			},
		},
		{
			name:    "missing name",
			cfg:     map[string]any{"description": "anonymous"},
			wantErr: true,
		},
		{
			name:    "blank name",
			cfg:     map[string]any{"name": "   "},
			wantErr: true,
		},
		{
			name:    "unknown fee type",
			cfg:     map[string]any{"name": "x", "jobFeeType": "hourly"},
			wantErr: true,
		},
		{
			name:    "negative fee",
			cfg:     map[string]any{"name": "x", "jobFee": -1},
			wantErr: true,
		},
		{
			name:    "malformed json",
			raw:     "{not json",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if tt.raw != "" {
				if err := os.WriteFile(filepath.Join(dir, ConfigFile), []byte(tt.raw), 0o644); err != nil {
					t.Fatal(err)
				}
			} else {
				data, err := json.Marshal(tt.cfg)
				if err != nil {
					t.Fatal(err)
				}
				if err := os.WriteFile(filepath.Join(dir, ConfigFile), data, 0o644); err != nil {
					t.Fatal(err)
				}
			}

			cfg, err := LoadConfig(dir)
			if (err != nil) != tt.wantErr {
				t.Fatalf("LoadConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(t.TempDir()); err == nil {
		t.Error("expected error for missing offering.json")
	}
}

func TestDiscoverSkipsBrokenOfferings(t *testing.T) {
	root := t.TempDir()
	writeOffering(t, root, "good", map[string]any{"name": "good", "handler": "echo"})
	writeOffering(t, root, "orphan", map[string]any{"name": "orphan", "handler": "missing"})
	dir := filepath.Join(root, "broken")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ConfigFile), []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := NewRegistry(root, nil).Discover()
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if !reflect.DeepEqual(got, []string{"good"}) {
		t.Errorf("Discover() = %v, want [good]", got)
	}
}
