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

package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Poll timing bounds. Values outside the bounds are clamped, not
// rejected, so a fat-fingered deployment still runs.
const (
	DefaultPollInterval = 15 * time.Second
	MinPollInterval     = 2 * time.Second
	MaxPollPageSize     = 200
	DefaultPollPageSize = 50
)

// DefaultBaseURL is the production backend.
const DefaultBaseURL = "https://acpx.virtuals.io"

// SellerConfig holds configuration for the seller runtime.
type SellerConfig struct {
	// BaseURL is the backend base URL.
	BaseURL string

	// APIKey is sent as the x-api-key header on every backend call.
	APIKey string

	// WalletAddress overrides the agent-info lookup when set.
	WalletAddress string

	// PollEnabled determines whether the poll reconciler runs.
	PollEnabled bool

	// PollInterval is the reconciler's steady-state interval.
	PollInterval time.Duration

	// PollPageSize is the page size for active-job listings.
	PollPageSize int

	// DeliveryRoot overrides the deliverable artifact root when set.
	DeliveryRoot string

	// OfferingsRoot overrides the offerings directory when set.
	OfferingsRoot string

	// ConfigDir overrides the persistent config store directory
	// (PID file, agent.json, journal) when set.
	ConfigDir string

	// MetricsAddr is the Prometheus listen address; empty disables the
	// metrics server.
	MetricsAddr string

	// JournalPath is the job-event journal location. Empty means
	// <config dir>/journal.db; "off" disables the journal.
	JournalPath string

	// PagerDutyRoutingKey enables socket-outage alerting when set.
	PagerDutyRoutingKey string

	// LogLevel is the minimum log level (debug, info, warn, error).
	LogLevel string
}

// DefaultSellerConfig returns the default seller configuration.
func DefaultSellerConfig() SellerConfig {
	return SellerConfig{
		BaseURL:      DefaultBaseURL,
		PollEnabled:  true,
		PollInterval: DefaultPollInterval,
		PollPageSize: DefaultPollPageSize,
		LogLevel:     "info",
	}
}

// LoadSellerConfigFromEnv loads seller configuration from environment
// variables.
func LoadSellerConfigFromEnv() (SellerConfig, error) {
	cfg := DefaultSellerConfig()

	// ACP_URL
	if val := os.Getenv("ACP_URL"); val != "" {
		cfg.BaseURL = val
	}

	// ACP_API_KEY
	if val := os.Getenv("ACP_API_KEY"); val != "" {
		cfg.APIKey = val
	}

	// ACP_WALLET_ADDRESS
	if val := os.Getenv("ACP_WALLET_ADDRESS"); val != "" {
		cfg.WalletAddress = val
	}

	// ACP_SELLER_POLL ("0" disables)
	if val := os.Getenv("ACP_SELLER_POLL"); val == "0" {
		cfg.PollEnabled = false
	}

	// ACP_SELLER_POLL_INTERVAL_MS
	if val := os.Getenv("ACP_SELLER_POLL_INTERVAL_MS"); val != "" {
		ms, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid ACP_SELLER_POLL_INTERVAL_MS value: %w", err)
		}
		cfg.PollInterval = time.Duration(ms) * time.Millisecond
		if cfg.PollInterval < MinPollInterval {
			cfg.PollInterval = MinPollInterval
		}
	}

	// ACP_SELLER_POLL_PAGE_SIZE
	if val := os.Getenv("ACP_SELLER_POLL_PAGE_SIZE"); val != "" {
		num, err := strconv.Atoi(val)
		if err != nil {
			return cfg, fmt.Errorf("invalid ACP_SELLER_POLL_PAGE_SIZE value: %w", err)
		}
		if num < 1 {
			num = 1
		}
		if num > MaxPollPageSize {
			num = MaxPollPageSize
		}
		cfg.PollPageSize = num
	}

	// ACP_DELIVERY_ROOT
	if val := os.Getenv("ACP_DELIVERY_ROOT"); val != "" {
		cfg.DeliveryRoot = val
	}

	// ACP_OFFERINGS_ROOT
	if val := os.Getenv("ACP_OFFERINGS_ROOT"); val != "" {
		cfg.OfferingsRoot = val
	}

	// ACP_CONFIG_DIR
	if val := os.Getenv("ACP_CONFIG_DIR"); val != "" {
		cfg.ConfigDir = val
	}

	// ACP_METRICS_ADDR
	if val := os.Getenv("ACP_METRICS_ADDR"); val != "" {
		cfg.MetricsAddr = val
	}

	// ACP_JOURNAL_PATH
	if val := os.Getenv("ACP_JOURNAL_PATH"); val != "" {
		cfg.JournalPath = val
	}

	// PAGERDUTY_ROUTING_KEY
	if val := os.Getenv("PAGERDUTY_ROUTING_KEY"); val != "" {
		cfg.PagerDutyRoutingKey = val
	}

	// STALL_LOG_LEVEL
	if val := os.Getenv("STALL_LOG_LEVEL"); val != "" {
		cfg.LogLevel = val
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *SellerConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("ACP_URL cannot be empty")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid ACP_URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("ACP_URL must be http or https, got %q", c.BaseURL)
	}

	if c.PollEnabled && c.PollInterval < MinPollInterval {
		return fmt.Errorf("poll interval must be at least %v", MinPollInterval)
	}

	if c.PollPageSize < 1 || c.PollPageSize > MaxPollPageSize {
		return fmt.Errorf("poll page size must be between 1 and %d", MaxPollPageSize)
	}

	return nil
}

// ResolveConfigDir returns the persistent config store directory,
// creating it if needed.
func (c *SellerConfig) ResolveConfigDir() (string, error) {
	dir := c.ConfigDir
	if dir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("resolve user config dir: %w", err)
		}
		dir = filepath.Join(base, "stall")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	return dir, nil
}

// agentInfo is the identity file the seller shares with the wallet
// tooling that provisions the agent.
type agentInfo struct {
	WalletAddress string `json:"walletAddress"`
}

// ResolveWallet returns the seller's wallet address as configured: the
// ACP_WALLET_ADDRESS override when set, otherwise the walletAddress
// recorded in <configDir>/agent.json. Case is preserved so the caller
// can verify an EIP-55 checksum before normalizing.
func (c *SellerConfig) ResolveWallet(configDir string) (string, error) {
	if addr := strings.TrimSpace(c.WalletAddress); addr != "" {
		return addr, nil
	}
	path := filepath.Join(configDir, "agent.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("no ACP_WALLET_ADDRESS set and agent info unreadable: %w", err)
	}
	var info agentInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return "", fmt.Errorf("parse %s: %w", path, err)
	}
	addr := strings.TrimSpace(info.WalletAddress)
	if addr == "" {
		return "", fmt.Errorf("%s carries no walletAddress", path)
	}
	return addr, nil
}

// ResolveJournalPath returns the journal database location, or "" when
// the journal is disabled.
func (c *SellerConfig) ResolveJournalPath(configDir string) string {
	switch c.JournalPath {
	case "off", "0":
		return ""
	case "":
		return filepath.Join(configDir, "journal.db")
	default:
		return c.JournalPath
	}
}
