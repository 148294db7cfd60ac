package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dkeye/Teleroom/internal/adapters/auth"
	router "github.com/dkeye/Teleroom/internal/adapters/http"
	"github.com/dkeye/Teleroom/internal/adapters/notify"
	"github.com/dkeye/Teleroom/internal/adapters/roster"
	"github.com/dkeye/Teleroom/internal/adapters/rtc"
	sig "github.com/dkeye/Teleroom/internal/adapters/signal"
	"github.com/dkeye/Teleroom/internal/adapters/storage"
	"github.com/dkeye/Teleroom/internal/adapters/store"
	"github.com/dkeye/Teleroom/internal/app"
	"github.com/dkeye/Teleroom/internal/app/orch"
	"github.com/dkeye/Teleroom/internal/app/recording"
	"github.com/dkeye/Teleroom/internal/config"
	"github.com/dkeye/Teleroom/internal/core"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 15 * time.Second

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	engine, err := rtc.NewEngine(rtc.EngineConfig{
		PortMin:  cfg.Media.PortMin,
		PortMax:  cfg.Media.PortMax,
		STUNURLs: cfg.Media.STUNURLs,
		TapDir:   filepath.Join(cfg.Recording.Dir, "taps"),
	})
	if err != nil {
		return fmt.Errorf("media engine: %w", err)
	}
	defer engine.Close()

	sessions, err := openStore(cfg.Database)
	if err != nil {
		return err
	}
	blobs, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	notifier, closeNotifier, err := openNotifier(ctx, cfg.Notify)
	if err != nil {
		return err
	}
	defer closeNotifier()

	pipeline := recording.NewPipeline(sessions, blobs, &recording.FFmpegEncoder{
		Path:      cfg.Recording.FFmpegPath,
		StopGrace: cfg.Recording.StopGrace,
	}, cfg.Recording.Dir)
	cleaner := recording.NewCleaner(cfg.Recording.Dir, cfg.Recording.Retention, cfg.Recording.CleanupInterval,
		pipeline.Live, log.Logger)
	cleaner.Start(ctx)
	defer cleaner.Stop()

	tokens := auth.NewTokens(cfg.Auth.Secret, cfg.Auth.TokenTTL)
	hub := sig.NewHub(app.SimplePolicy{MaxDrops: cfg.Signal.MaxDrops})
	registry := app.NewSessionRegistry()

	o, err := orch.New(orch.Deps{
		Engine:   engine,
		Store:    sessions,
		Roster:   openRoster(cfg.Roster),
		Notifier: notifier,
		Relay:    hub,
		Recorder: pipeline,
		Tokens:   tokens,
		Archiver: openArchiver(cfg.Archive),
		Registry: registry,
	}, orch.Config{
		ListenIPs: []core.ListenIP{{IP: cfg.Media.ListenIP, AnnouncedIP: cfg.Media.AnnouncedIP}},
		EnableUDP: cfg.Media.EnableUDP,
		EnableTCP: cfg.Media.EnableTCP,
		PreferUDP: cfg.Media.PreferUDP,
	})
	if err != nil {
		return err
	}
	if _, err := o.ReapOrphans(ctx); err != nil {
		log.Warn().Err(err).Str("module", "cmd").Msg("reap orphaned sessions")
	}

	ctl := sig.NewController(hub, o, tokens, cfg.Signal)
	r := router.SetupRouter(cfg, o, tokens, ctl)
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{Addr: addr, Handler: r}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("module", "cmd").Str("addr", addr).Msg("Teleroom server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	log.Info().Str("module", "cmd").Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Str("module", "cmd").Msg("Server forced to shutdown")
	}
	o.Shutdown(shutdownCtx)
	if err := pipeline.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Str("module", "cmd").Msg("recording pipeline shutdown")
	}
	log.Info().Str("module", "cmd").Msg("Server exited gracefully")
	return nil
}

func openStore(cfg config.DatabaseConfig) (core.SessionStore, error) {
	switch cfg.Driver {
	case "postgres":
		db, err := store.Open(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		if err := store.Migrate(db); err != nil {
			return nil, fmt.Errorf("migrate database: %w", err)
		}
		return store.NewGormStore(db), nil
	case "memory", "":
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

func openStorage(ctx context.Context, cfg config.StorageConfig) (core.Storage, error) {
	switch cfg.Driver {
	case "s3":
		return storage.NewS3Storage(ctx, cfg)
	case "local", "":
		return storage.NewLocalStorage(cfg.LocalDir, cfg.PublicBaseURL)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func openNotifier(ctx context.Context, cfg config.NotifyConfig) (core.Notifier, func(), error) {
	switch cfg.Driver {
	case "redis":
		n, err := notify.NewRedisNotifier(ctx, cfg.RedisAddr, cfg.ChannelPrefix)
		if err != nil {
			return nil, nil, err
		}
		return n, func() { _ = n.Close() }, nil
	case "http":
		return notify.NewHTTPNotifier(cfg.BaseURL), func() {}, nil
	case "log", "":
		return notify.Log{}, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown notify driver %q", cfg.Driver)
	}
}

func openRoster(cfg config.RosterConfig) core.Roster {
	if cfg.BaseURL == "" {
		log.Warn().Str("module", "cmd").Msg("no roster configured, every user is admitted")
		return roster.Static{}
	}
	return roster.NewHTTPRoster(cfg.BaseURL, cfg.Timeout)
}

func openArchiver(cfg config.ArchiveConfig) core.ChatArchiver {
	if cfg.BaseURL == "" {
		return notify.NoopArchiver{}
	}
	return notify.NewHTTPArchiver(cfg.BaseURL)
}
