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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ConfigFile is the per-offering definition file name.
const ConfigFile = "offering.json"

// Fee types accepted in offering configs.
const (
	FeeFixed      = "fixed"
	FeePercentage = "percentage"
)

// Config is the parsed offering.json definition. Unknown fields are
// preserved in Extra so offerings can carry handler-specific settings.
type Config struct {
	Name           string   `json:"name"`
	Description    string   `json:"description,omitempty"`
	JobFee         float64  `json:"jobFee,omitempty"`
	JobFeeType     string   `json:"jobFeeType,omitempty"`
	RequiredFunds  bool     `json:"requiredFunds,omitempty"`
	Handler        string   `json:"handler,omitempty"`
	RequiredFields []string `json:"requiredFields,omitempty"`

	Extra map[string]any `json:"-"`
	Dir   string         `json:"-"`
}

// HandlerKey returns the registry key the config binds to: the explicit
// handler field when set, otherwise the offering name.
func (c *Config) HandlerKey() string {
	if c.Handler != "" {
		return c.Handler
	}
	return c.Name
}

var configFields = []string{
	"name", "description", "jobFee", "jobFeeType",
	"requiredFunds", "handler", "requiredFields",
}

// LoadConfig reads and validates dir/offering.json. Local configs are
// authored by the operator, so malformed ones fail loudly instead of
// being coerced the way remote payloads are.
func LoadConfig(dir string) (*Config, error) {
	path := filepath.Join(dir, ConfigFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read offering config %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse offering config %s: %w", path, err)
	}

	var all map[string]any
	if err := json.Unmarshal(data, &all); err == nil {
		for _, k := range configFields {
			delete(all, k)
		}
		if len(all) > 0 {
			cfg.Extra = all
		}
	}

	if strings.TrimSpace(cfg.Name) == "" {
		return nil, fmt.Errorf("offering config %s: missing name", path)
	}
	if cfg.JobFee < 0 {
		return nil, fmt.Errorf("offering config %s: negative jobFee", path)
	}
	switch cfg.JobFeeType {
	case "", FeeFixed, FeePercentage:
	default:
		return nil, fmt.Errorf("offering config %s: unknown jobFeeType %q", path, cfg.JobFeeType)
	}

	cfg.Dir = dir
	return &cfg, nil
}
