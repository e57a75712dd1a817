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

package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"stall/internal/alert"
	"stall/internal/backend"
	"stall/internal/config"
	"stall/internal/journal"
	"stall/internal/logging"
	"stall/internal/metrics"
	"stall/internal/offering"
	"stall/internal/pidfile"
	"stall/internal/poll"
	"stall/internal/seller"
	"stall/internal/socket"
	"stall/pkg/acp"
	"stall/pkg/crypto"

	// Offering handlers register themselves the way database/sql
	// drivers do.
	_ "stall/internal/offering/report"
)

func main() {
	var (
		logLevel  = flag.String("log-level", "", "Log level (debug, info, warn, error); overrides STALL_LOG_LEVEL")
		configDir = flag.String("config-dir", "", "Config store directory; overrides ACP_CONFIG_DIR")
	)
	flag.Parse()

	if err := run(*logLevel, *configDir); err != nil {
		slog.Error("seller runtime failed", "error", err)
		os.Exit(1)
	}
}

func run(logLevelFlag, configDirFlag string) error {
	cfg, err := config.LoadSellerConfigFromEnv()
	if err != nil {
		return err
	}
	if logLevelFlag != "" {
		cfg.LogLevel = logLevelFlag
	}
	if configDirFlag != "" {
		cfg.ConfigDir = configDirFlag
	}

	logger := logging.New(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		return err
	}

	configDir, err := cfg.ResolveConfigDir()
	if err != nil {
		return err
	}

	pidPath := filepath.Join(configDir, "seller.pid")
	if err := pidfile.Write(pidPath); err != nil {
		return err
	}
	defer pidfile.Remove(pidPath)

	rawWallet, err := cfg.ResolveWallet(configDir)
	if err != nil {
		return err
	}
	if !acp.VerifyChecksum(rawWallet) {
		logger.Warn("wallet address fails EIP-55 checksum, check for typos", "wallet", rawWallet)
	}
	wallet := acp.NormalizeAddress(rawWallet)

	logger.Info("starting stall seller",
		"backendURL", crypto.RedactURL(cfg.BaseURL),
		"wallet", wallet,
		"apiKey", crypto.RedactSecret(cfg.APIKey),
		"pollEnabled", cfg.PollEnabled,
		"pollIntervalMs", cfg.PollInterval.Milliseconds(),
		"configDir", configDir,
		"pid", os.Getpid())

	registry := offering.NewRegistry(cfg.OfferingsRoot, logger)
	if names, derr := registry.Discover(); derr != nil {
		logger.Warn("offering discovery failed, jobs will be rejected until offerings load",
			"root", registry.Root(), "error", derr)
	} else {
		logger.Info("offerings discovered", "root", registry.Root(), "count", len(names), "names", names)
	}

	var jrnl *journal.Journal
	if path := cfg.ResolveJournalPath(configDir); path != "" {
		jrnl, err = journal.Open(context.Background(), path)
		if err != nil {
			logger.Warn("journal unavailable, continuing without", "path", path, "error", err)
			jrnl = nil
		} else {
			logger.Info("journal open", "path", path)
			defer func() { _ = jrnl.Close() }()
		}
	}

	client, err := backend.NewClient(cfg.BaseURL, cfg.APIKey, logger)
	if err != nil {
		return err
	}

	alerter := alert.New(cfg.PagerDutyRoutingKey, logger)
	if !alerter.Enabled() {
		logger.Info("pagerduty alerting disabled, no routing key configured")
	}

	ledger := seller.NewStageLedger()
	exec := seller.NewExecutor(client, registry, ledger, cfg.DeliveryRoot, logger)
	disp := seller.NewDispatcher(exec, ledger, wallet, jrnl, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	listener, err := socket.New(socket.Config{
		BaseURL:       cfg.BaseURL,
		WalletAddress: wallet,
		APIKey:        cfg.APIKey,
		OnNewTask: func(payload map[string]any) {
			disp.HandleJob(ctx, payload, "socket")
		},
		OnEvaluate: func(payload map[string]any) {
			disp.HandleJob(ctx, payload, "socket")
		},
		Logger:  logger,
		Alerter: alerter,
	})
	if err != nil {
		return err
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metrics.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", "addr", cfg.MetricsAddr)
			if serr := metricsSrv.ListenAndServe(); serr != nil && serr != http.ErrServerClosed {
				logger.Error("metrics server failed", "error", serr)
			}
		}()
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		listener.Run(ctx)
	}()

	if cfg.PollEnabled {
		reconciler := poll.New(poll.Config{
			Backend:       client,
			Dispatcher:    disp,
			WalletAddress: wallet,
			Interval:      cfg.PollInterval,
			PageSize:      cfg.PollPageSize,
			Logger:        logger,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			reconciler.Run(ctx)
		}()
	} else {
		logger.Info("poll reconciler disabled")
	}

	<-ctx.Done()
	// Restore default signal handling so a second SIGINT kills the
	// process even if a producer is slow to wind down.
	stop()
	logger.Info("shutdown signal received")

	wg.Wait()
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	logger.Info("seller stopped")
	return nil
}
