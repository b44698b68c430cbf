// Package main wires together the feedsentry service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	gstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/feedsentry/feedsentry/internal/browser"
	"github.com/feedsentry/feedsentry/internal/clock/system"
	"github.com/feedsentry/feedsentry/internal/config"
	"github.com/feedsentry/feedsentry/internal/dedup"
	"github.com/feedsentry/feedsentry/internal/events"
	"github.com/feedsentry/feedsentry/internal/events/sinks"
	collyextract "github.com/feedsentry/feedsentry/internal/extract/colly"
	domextract "github.com/feedsentry/feedsentry/internal/extract/dom"
	"github.com/feedsentry/feedsentry/internal/id/uuid"
	"github.com/feedsentry/feedsentry/internal/logging"
	"github.com/feedsentry/feedsentry/internal/metrics"
	"github.com/feedsentry/feedsentry/internal/ops"
	"github.com/feedsentry/feedsentry/internal/paginate"
	"github.com/feedsentry/feedsentry/internal/proxy"
	memorypublisher "github.com/feedsentry/feedsentry/internal/publisher/memory"
	pubsubpublisher "github.com/feedsentry/feedsentry/internal/publisher/pubsub"
	"github.com/feedsentry/feedsentry/internal/retry"
	"github.com/feedsentry/feedsentry/internal/scrape"
	gcsstorage "github.com/feedsentry/feedsentry/internal/storage/gcs"
	localstorage "github.com/feedsentry/feedsentry/internal/storage/local"
	memorystorage "github.com/feedsentry/feedsentry/internal/storage/memory"
	postgresstorage "github.com/feedsentry/feedsentry/internal/storage/postgres"
	"github.com/feedsentry/feedsentry/internal/store"
	"github.com/feedsentry/feedsentry/internal/stream"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Init()
	clock := system.New()
	idGen := uuid.New()

	var (
		kv     store.KV
		locker store.Locker
	)
	switch cfg.Store.Provider {
	case "postgres":
		pgKV, err := postgresstorage.NewKV(ctx, postgresstorage.Config{
			DSN:      cfg.Store.DSN,
			MaxConns: int32(cfg.Store.MaxConns),
		})
		if err != nil {
			logger.Fatal("postgres store init failed", zap.Error(err))
		}
		defer pgKV.Close()
		kv = pgKV
		locker = postgresstorage.NewLocker(pgKV)
	default:
		kv = memorystorage.NewKV(clock)
		locker = memorystorage.NewLocker(clock)
	}

	var blobs paginate.BlobStore
	switch cfg.Checkpoints.Provider {
	case "gcs":
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			logger.Fatal("gcs client init failed", zap.Error(err))
		}
		blobs, err = gcsstorage.New(client, gcsstorage.Config{
			Bucket: cfg.Checkpoints.Bucket,
			Prefix: cfg.Checkpoints.Prefix,
		})
		if err != nil {
			logger.Fatal("gcs checkpoint store init failed", zap.Error(err))
		}
	default:
		blobs, err = localstorage.New(localstorage.Config{BaseDir: cfg.Checkpoints.BaseDir})
		if err != nil {
			logger.Fatal("local checkpoint store init failed", zap.Error(err))
		}
	}

	var (
		pub      scrape.Publisher
		closePub func() error
	)
	switch cfg.Publisher.Provider {
	case "pubsub":
		p, err := pubsubpublisher.New(ctx, cfg.Publisher.ProjectID)
		if err != nil {
			logger.Fatal("pubsub publisher init failed", zap.Error(err))
		}
		pub = p
		closePub = p.Close
	default:
		pub = memorypublisher.New()
	}

	hubSinks := []events.Sink{sinks.NewLogSink(logger.Named("events"))}
	promSink, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		logger.Warn("prometheus sink init failed", zap.Error(err))
	} else {
		hubSinks = append(hubSinks, promSink)
	}
	pubSink, err := sinks.NewPublisherSink(pub, cfg.Publisher.Topic, logger.Named("publisher"))
	if err != nil {
		logger.Warn("publisher sink init failed", zap.Error(err))
	} else {
		hubSinks = append(hubSinks, pubSink)
	}
	hub := events.NewHub(events.Config{
		BufferSize: cfg.Events.BufferSize,
		MaxBatch:   cfg.Events.MaxBatch,
		MaxWait:    cfg.Events.MaxWait(),
		Logger:     logger,
	}, hubSinks...)

	proxyPool := proxy.NewPool(proxy.Config{
		BlacklistThreshold: cfg.Proxy.BlacklistThreshold,
		BlacklistFor:       cfg.Proxy.BlacklistFor(),
		ProbeURL:           cfg.Proxy.ProbeURL,
		ProbeTimeout:       cfg.Proxy.ProbeTimeout(),
	}, clock, logger.Named("proxy"))
	for _, uri := range cfg.Proxy.URIs {
		if err := proxyPool.Register(uri); err != nil {
			logger.Warn("proxy register failed", zap.String("uri", uri), zap.Error(err))
		}
	}
	if cfg.Proxy.ProbeURL != "" && proxyPool.Size() > 0 {
		results, err := proxyPool.TestAll(ctx)
		if err != nil {
			logger.Warn("proxy probe sweep failed", zap.Error(err))
		} else {
			healthy := 0
			for _, r := range results {
				if r.OK {
					healthy++
				}
			}
			logger.Info("proxy probe sweep complete",
				zap.Int("healthy", healthy), zap.Int("total", len(results)))
		}
	}

	browserPool := browser.New(cfg.Browser, clock, logger.Named("browser"))

	exec := retry.New(retry.Config{
		MaxRetries: cfg.Retry.MaxRetries,
		BaseDelay:  cfg.Retry.BaseDelay(),
		MaxDelay:   cfg.Retry.MaxDelay(),
		Multiplier: cfg.Retry.Multiplier,
	}, logger.Named("retry"))

	deduper := dedup.New(kv, cfg.Dedup.TTL())

	orc := stream.New(stream.Config{
		LockTTL:             cfg.Stream.LockTTL(),
		PollTimeout:         cfg.Stream.PollTimeout(),
		AllowDirectFallback: cfg.Proxy.AllowDirectFallback,
	}, kv, locker, stream.PoolAdapter{Pool: browserPool}, proxyPool, deduper, exec, hub, clock, idGen, logger)

	for name, pc := range cfg.Pollers {
		var (
			poller scrape.Poller
			err    error
		)
		switch pc.Mode {
		case config.PollerModeBrowser:
			poller, err = domextract.NewPoller(pc.Browser, blobs, clock, idGen, logger)
		default:
			poller, err = collyextract.New(pc.Static)
		}
		if err != nil {
			logger.Fatal("poller init failed", zap.String("type", name), zap.Error(err))
		}
		orc.RegisterPoller(scrape.StreamType(name), poller)
	}

	restored, err := orc.Restore(ctx)
	if err != nil {
		logger.Error("stream restore failed", zap.Error(err))
	} else {
		logger.Info("streams restored", zap.Int("count", restored))
	}
	seedStreams(ctx, orc, cfg.Streams, logger)

	opsServer := ops.NewServer(orc, proxyPool, ops.Config{APIKey: cfg.Server.APIKey}, logger)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           opsServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	// Shutdown cancels runners without touching persisted statuses, so the
	// next boot's Restore resumes the same streams.
	orc.Shutdown()
	browserPool.CloseAll()
	if err := hub.Close(shutdownCtx); err != nil {
		logger.Error("event hub close error", zap.Error(err))
	}
	if closePub != nil {
		if err := closePub(); err != nil {
			logger.Error("publisher close error", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
}

// seedStreams creates and starts the configured boot streams, skipping any
// type+target pair that already exists.
func seedStreams(ctx context.Context, orc *stream.Orchestrator, seeds []config.StreamSeed, logger *zap.Logger) {
	if len(seeds) == 0 {
		return
	}
	existing, err := orc.List(ctx)
	if err != nil {
		logger.Error("seed stream listing failed", zap.Error(err))
		return
	}
	present := make(map[string]bool, len(existing))
	for _, d := range existing {
		present[string(d.Type)+"\x00"+d.Target] = true
	}
	for _, seed := range seeds {
		target := strings.TrimSpace(seed.Target)
		if present[seed.Type+"\x00"+target] {
			continue
		}
		d, err := orc.CreateStream(ctx, stream.CreateInput{
			Type:     scrape.StreamType(seed.Type),
			Target:   target,
			Interval: seed.Interval(),
			UseProxy: seed.UseProxy,
		})
		if err != nil {
			logger.Error("seed stream create failed",
				zap.String("type", seed.Type), zap.String("target", target), zap.Error(err))
			continue
		}
		if err := orc.Start(ctx, d.ID); err != nil {
			logger.Error("seed stream start failed", zap.String("stream_id", d.ID), zap.Error(err))
			continue
		}
		logger.Info("seed stream started",
			zap.String("stream_id", d.ID), zap.String("type", seed.Type), zap.String("target", target))
	}
}
