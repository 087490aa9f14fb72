package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/melosync/melosync/internal/backup"
	"github.com/melosync/melosync/internal/config"
	"github.com/melosync/melosync/internal/logging"
	"github.com/melosync/melosync/internal/server"
	"github.com/melosync/melosync/internal/state"
	"github.com/melosync/melosync/internal/user"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("melosync starting",
		slog.String("version", Version),
		slog.String("bind", cfg.BindAddr),
		slog.String("data_dir", cfg.DataDir),
		slog.Bool("user_path", cfg.EnableUserPath),
		slog.Bool("root_path", cfg.EnableRootPath),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appState, err := state.LoadAt(cfg.StateFile)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	registry, err := user.NewRegistry(user.RegistryConfig{
		DataDir:        cfg.DataDir,
		UsersFile:      cfg.UsersFile,
		MaxSnapshotNum: cfg.MaxSnapshotNum,
	}, logger)
	if err != nil {
		return fmt.Errorf("loading users: %w", err)
	}

	hub := server.NewHub(registry, logger)
	srv := server.New(cfg, registry, hub, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return hub.RunHeartbeat(gctx)
	})

	g.Go(func() error {
		return registry.Watch(gctx)
	})

	if cfg.WebDAVConfigured() {
		engine := backup.New(
			backup.Dial(cfg.WebDAVURL, cfg.WebDAVUsername, cfg.WebDAVPassword),
			backup.Config{
				DataPath:       cfg.DataDir,
				ScanInterval:   cfg.SyncInterval,
				BackupInterval: cfg.BackupInterval,
				MaxBackups:     cfg.MaxBackups,
			},
			appState, logger,
		)
		if ok, msg := engine.TestConnection(); !ok {
			logger.Warn("remote backup store not reachable", slog.String("reason", msg))
		}
		g.Go(func() error {
			return engine.Run(gctx)
		})
	} else {
		logger.Info("remote backup disabled, no WebDAV settings")
	}

	httpServer := &http.Server{
		Addr:        cfg.BindAddr,
		Handler:     srv.Mux(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		logger.Info("listening", slog.String("addr", cfg.BindAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	err = g.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}
