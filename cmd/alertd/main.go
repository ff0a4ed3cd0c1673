package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nazarbodak221/courtalerts/internal/config"
	"github.com/nazarbodak221/courtalerts/internal/digest"
	"github.com/nazarbodak221/courtalerts/internal/feedingest"
	"github.com/nazarbodak221/courtalerts/internal/httpapi"
	"github.com/nazarbodak221/courtalerts/internal/match"
	"github.com/nazarbodak221/courtalerts/internal/rate"
	"github.com/nazarbodak221/courtalerts/internal/scheduler"
	"github.com/nazarbodak221/courtalerts/internal/storage"
	"github.com/nazarbodak221/courtalerts/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			log.Error("create data directory", "path", dir, "error", err)
			os.Exit(1)
		}
	}

	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		log.Error("open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	engine := match.New(store, cfg.AlertCacheTTL, log)
	dispatcher := webhook.NewDispatcher(&http.Client{Timeout: 30 * time.Second}, store, cfg.WebhookMaxRetries, log)
	outbox := digest.NewOutbox(cfg.OutboxPath)

	sched := scheduler.New(store, engine, dispatcher, outbox, rate.AllowAll{}, scheduler.Config{
		HitsLimit:         cfg.HitsLimit,
		RealTimeInterval:  cfg.RealTimeInterval,
		SweepTimezone:     cfg.SweepTimezone,
		DeliveryRetention: cfg.DeliveryRetention,
	}, log)

	handler := httpapi.NewHandler(httpapi.Deps{
		Store:   store,
		Cache:   engine,
		Buffers: sched,
		Config:  cfg,
		Log:     log,
	})
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info("starting alert engine", "addr", cfg.ListenAddr, "feeds", len(cfg.CourtFeeds))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(ctx)
	})
	if len(cfg.CourtFeeds) > 0 {
		feeds := make([]feedingest.Feed, 0, len(cfg.CourtFeeds))
		for _, f := range cfg.CourtFeeds {
			feeds = append(feeds, feedingest.Feed{Court: f.Court, URL: f.URL})
		}
		poller := feedingest.NewPoller(&http.Client{Timeout: 30 * time.Second}, feeds, sched, cfg.FeedPollInterval, log)
		g.Go(func() error {
			if err := poller.Run(ctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("shutdown", "error", err)
		os.Exit(1)
	}

	log.Info("alert engine stopped")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
