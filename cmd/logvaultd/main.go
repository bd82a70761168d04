package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/logvault/logvault/pkg/config"
	"github.com/logvault/logvault/pkg/ingest"
	"github.com/logvault/logvault/pkg/provider"
	"github.com/logvault/logvault/pkg/segment"
	"github.com/logvault/logvault/pkg/segwriter"
	"github.com/logvault/logvault/pkg/server"
	"github.com/logvault/logvault/pkg/summary"
	"github.com/logvault/logvault/pkg/timerange"
)

const (
	serverReadTimeout = 10 * time.Second
	shutdownTimeout   = 30 * time.Second
)

func main() {
	serve := flag.Bool("serve", false, "run the HTTP server instead of a one-shot ingestion")
	entity := flag.String("entity", "", "log key to ingest (defaults to LOGVAULT_LOG_KEY)")
	from := flag.String("from", "", "range start, RFC3339 or epoch milliseconds")
	to := flag.String("to", "", "range end, RFC3339 or epoch milliseconds")
	flag.Parse()

	cfg := config.FromEnv()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err.Error())
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.CacheRoot, 0o755); err != nil {
		logger.Error("creating cache root", "dir", cfg.CacheRoot, "error", err.Error())
		os.Exit(1)
	}

	ix := segment.NewIndex(cfg.CacheRoot, cfg.BypassCache, logger)

	metaCache, err := summary.OpenMetaCache(summary.CacheConfig{Path: cfg.MetaCacheDir})
	if err != nil {
		// The cache only saves footer reads; run without it.
		logger.Warn("metadata cache unavailable", "error", err.Error())
		metaCache = nil
	} else {
		defer metaCache.Close()
	}
	sum := summary.New(ix, metaCache, logger)

	client := provider.New(provider.Config{
		BaseURL:              cfg.APIBaseURL,
		APIKey:               cfg.APIKey,
		PerPage:              cfg.PerPage,
		PollInitialBackoff:   cfg.PollInitialBackoff,
		PollMaxBackoff:       cfg.PollMaxBackoff,
		PollMaxAttempts:      cfg.PollMaxAttempts,
		RetryAttempts:        cfg.RetryAttempts,
		RateLimitMaxRetries:  cfg.RateLimitMaxRetries,
		RateLimitDefaultWait: cfg.RateLimitDefaultWait,
		RateLimitMaxWait:     cfg.RateLimitMaxWait,
		RequestTimeout:       cfg.RequestTimeout,
	}, logger)

	svcCfg := ingest.Config{
		Filter: cfg.Filter,
		Dedupe: cfg.Dedupe,
		Writer: segwriter.Config{
			MaxBufferRows:  cfg.MaxBufferRows,
			MaxBufferBytes: cfg.MaxBufferBytes,
			Compression:    cfg.Compression,
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *serve {
		runServer(ctx, cfg, svcCfg, ix, client, sum, logger)
		return
	}
	runOnce(ctx, cfg, svcCfg, ix, client, sum, logger, *entity, *from, *to)
}

func runServer(ctx context.Context, cfg config.Config, svcCfg ingest.Config, ix *segment.Index, client *provider.Client, sum *summary.Summarizer, logger *slog.Logger) {
	hub := server.NewHub(logger)
	go hub.Run(ctx)

	svc := ingest.New(svcCfg, ix, client, sum, logger, hub)
	srv := server.New(svc, ix, sum, hub, logger)

	httpSrv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     srv.Routes(),
		ReadTimeout: serverReadTimeout,
		// No write timeout: a run request stays open for the whole fetch.
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", "error", err.Error())
		}
	}()

	logger.Info("listening", "port", cfg.Port, "cache_root", cfg.CacheRoot)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err.Error())
		os.Exit(1)
	}
}

func runOnce(ctx context.Context, cfg config.Config, svcCfg ingest.Config, ix *segment.Index, client *provider.Client, sum *summary.Summarizer, logger *slog.Logger, entity, from, to string) {
	if entity == "" {
		entity = cfg.LogKey
	}
	if entity == "" {
		logger.Error("no entity: pass -entity or set LOGVAULT_LOG_KEY")
		os.Exit(1)
	}

	requested, err := parseRange(from, to)
	if err != nil {
		logger.Error("invalid range", "error", err.Error())
		os.Exit(1)
	}

	svc := ingest.New(svcCfg, ix, client, sum, logger, nil)
	run, err := svc.Run(ctx, entity, requested)
	if err != nil {
		logger.Error("run failed", "entity_id", entity, "error", err.Error())
		os.Exit(1)
	}

	logger.Info("run_complete",
		"entity_id", run.EntityID,
		"decision", string(run.Decision),
		"rows_written", run.RowsWritten,
		"duplicates_dropped", run.DuplicatesDropped,
		"dataset_rows", run.Dataset.Rows,
	)
}

func parseRange(from, to string) (timerange.Range, error) {
	if from == "" || to == "" {
		return timerange.Range{}, errors.New("both -from and -to are required")
	}
	start, err := parseTimeMs(from)
	if err != nil {
		return timerange.Range{}, fmt.Errorf("parsing -from: %w", err)
	}
	end, err := parseTimeMs(to)
	if err != nil {
		return timerange.Range{}, fmt.Errorf("parsing -to: %w", err)
	}
	return timerange.New(start, end)
}

// parseTimeMs accepts epoch milliseconds or an RFC3339 timestamp.
func parseTimeMs(s string) (int64, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ms, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, err
	}
	return t.UnixMilli(), nil
}
