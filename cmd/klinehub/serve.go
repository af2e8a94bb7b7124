package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/klinehub/internal/auth"
	"github.com/sawpanic/klinehub/internal/cache"
	"github.com/sawpanic/klinehub/internal/config"
	"github.com/sawpanic/klinehub/internal/engine"
	"github.com/sawpanic/klinehub/internal/httpapi"
	"github.com/sawpanic/klinehub/internal/normalize"
	"github.com/sawpanic/klinehub/internal/perf"
	"github.com/sawpanic/klinehub/internal/quality"
	"github.com/sawpanic/klinehub/internal/recovery"
	"github.com/sawpanic/klinehub/internal/sink"
	"github.com/sawpanic/klinehub/internal/source"
	"github.com/sawpanic/klinehub/internal/subs"
	"github.com/sawpanic/klinehub/internal/telemetry"
	"github.com/sawpanic/klinehub/internal/ws"
)

func runServe(cmd *cobra.Command, _ []string) error {
	yamlPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(yamlPath)
	if err != nil {
		return err
	}

	closeLog, err := setupLogging(cfg.Log.Level, cfg.Log.FilePath)
	if err != nil {
		return err
	}
	if closeLog != nil {
		defer closeLog()
	}

	log.Info().
		Str("version", version).
		Str("addr", cfg.ListenAddr()).
		Str("data_source", cfg.Engine.DataSource).
		Str("discovery", cfg.Server.ServiceDiscoveryBackend).
		Str("balancing", cfg.Server.LoadBalancingStrategy).
		Int("min_instances", cfg.Scaling.MinInstances).
		Int("max_instances", cfg.Scaling.MaxInstances).
		Msg("starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Observability and error recovery first; everything else reports
	// into them.
	metrics := telemetry.NewMetricsRegistry()
	recov := recovery.NewHandler(recovery.Config{})
	if cfg.Sink.ErrorLogPath != "" {
		lw, err := recovery.NewLogWriter(cfg.Sink.ErrorLogPath, int64(cfg.Sink.ErrorLogMaxMB)<<20)
		if err != nil {
			return fmt.Errorf("error log: %w", err)
		}
		defer lw.Close()
		recov.SetLogWriter(lw)
	}
	detector := telemetry.NewPatternDetector(telemetry.PatternConfig{}, recov, metrics)
	recov.SetEscalator(detector)
	detector.Start()
	defer detector.Stop()

	// Historical pipeline.
	tiered := cache.New(cache.Config{
		L1MaxEntries:  cfg.Cache.L1MaxEntries,
		L2MaxEntries:  cfg.Cache.L2MaxEntries,
		MemoryCeiling: int64(cfg.Cache.MemoryMB * (1 << 20)),
	})
	var rdb *redis.Client
	if cfg.Redis.Enabled() {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr(), Password: cfg.Redis.Password})
		tiered.SetRedis(rdb)
		defer rdb.Close()
		log.Info().Str("addr", cfg.Redis.Addr()).Msg("redis tier attached")
	}
	tiered.Start()
	defer tiered.Stop()

	norm := normalize.New(normalize.Config{})
	monitor := quality.NewMonitor(quality.Config{})

	src, err := buildSource(cfg.Engine.DataSource, norm)
	if err != nil {
		return err
	}

	eng := engine.New(engine.Config{
		FetchTimeout:      cfg.Engine.FetchTimeout,
		BatchConcurrency:  cfg.Engine.BatchConcurrency,
		DropInvalidBars:   cfg.Quality.DropInvalidBars,
		QualityEventBelow: float64(cfg.Quality.QualityEventBelow),
	}, src, tiered, norm, monitor, recov)
	eng.SetRecorder(metrics)

	if events, closer := buildEventSink(cfg.Sink); events != nil {
		eng.SetEventSink(events)
		defer closer()
	}

	strategy := cache.NewStrategy(cache.StrategyConfig{Concurrency: cfg.Engine.PrewarmWorkers}, eng, recov.Degraded)
	tiered.SetObserver(strategy)
	tiered.SetTTLAdjuster(strategy)
	strategy.Start()
	defer strategy.Stop()

	// Realtime fan-out.
	index := subs.NewIndex(cfg.Server.MaxSubscriptionsPerConn)
	mgr := ws.NewManager(ws.ManagerConfig{
		MaxConnections:    cfg.Server.MaxConnections,
		HeartbeatInterval: cfg.Server.HeartbeatInterval,
		MaxSubscriptions:  cfg.Server.MaxSubscriptionsPerConn,
	}, index, ws.NewCodec(), buildValidator(cfg.Auth))
	sup := ws.NewSupervisor(ws.SupervisorConfig{
		Interval:        cfg.Server.HeartbeatInterval,
		ReconnectWindow: cfg.Server.ReconnectRetentionWindow,
	}, mgr.Disconnect)
	mgr.SetSupervisor(sup)

	quotes, ok := src.(source.QuoteSource)
	if !ok {
		return fmt.Errorf("data source %q cannot serve realtime quotes", cfg.Engine.DataSource)
	}
	pub := ws.NewPublisher(ws.PublisherConfig{Interval: cfg.Server.PublishInterval}, index, quotes, mgr, recov)

	router := ws.NewRouter(mgr, index, sup, func() map[string]any {
		return map[string]any{"cache": tiered.Stats()}
	}, recov)
	mgr.SetRouter(router.Handle)

	sup.Start()
	defer sup.Stop()
	pub.Start(ctx)
	defer pub.Stop()

	// Shared performance plumbing.
	pool := perf.NewPool(cfg.Perf.WorkerPoolSize, 0)
	pool.Start()
	defer pool.Stop()
	eng.SetPool(pool)
	gc := perf.NewGCTicker(perf.GCConfig{Interval: cfg.Perf.GCInterval, Threshold: cfg.Perf.GCThreshold})
	gc.Start()
	defer gc.Stop()

	// HTTP surfaces.
	health := telemetry.NewHealthChecker(metrics, tiered, mgr.Count, telemetry.Thresholds{})
	metricsHandler := metrics.Handler()
	srv := httpapi.NewServer(httpapi.ServerConfig{
		Addr:            cfg.ListenAddr(),
		RateLimitRPM:    cfg.Server.RateLimitRPM,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, eng, tiered, mgr, health, metricsHandler, cfg.Scaling)
	srv.Start()

	var metricsSrv *http.Server
	if cfg.Telemetry.Enabled && cfg.Telemetry.MetricsPort != cfg.Server.Port {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr(), Handler: mux}
		go func() {
			log.Info().Str("addr", cfg.MetricsAddr()).Msg("metrics listening")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx := context.Background()
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("metrics server shutdown")
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown")
	}
	log.Info().Msg("stopped")
	return nil
}

func buildSource(name string, norm *normalize.Normalizer) (source.BarSource, error) {
	switch strings.ToLower(name) {
	case "mock":
		return source.NewMockSource(), nil
	case "bridge":
		// The bridge adapter needs the native market-data binding, which
		// is linked in downstream builds only.
		return nil, fmt.Errorf("DATA_SOURCE=bridge requires the native market-data binding, not present in this build")
	default:
		return nil, fmt.Errorf("unknown DATA_SOURCE %q", name)
	}
}

func buildValidator(cfg config.AuthConfig) auth.TokenValidator {
	switch {
	case !cfg.Enabled:
		return auth.NoAuth()
	case cfg.JWTSecret != "":
		return auth.JWT([]byte(cfg.JWTSecret))
	default:
		return auth.Static(map[string]string{cfg.Token: "api-client"})
	}
}

// buildEventSink picks the quality-event backend: Postgres when a DSN is
// set, else the NDJSON file, else none. The returned closer drains the
// async wrapper.
func buildEventSink(cfg config.SinkConfig) (sink.Sink, func()) {
	var inner sink.Sink
	switch {
	case cfg.PostgresDSN != "":
		pg, err := sink.NewPGSink(cfg.PostgresDSN)
		if err != nil {
			log.Warn().Err(err).Msg("postgres sink unavailable, quality events disabled")
			return nil, nil
		}
		inner = pg
	case cfg.QualityLogPath != "":
		fs, err := sink.NewFileSink(cfg.QualityLogPath)
		if err != nil {
			log.Warn().Err(err).Msg("file sink unavailable, quality events disabled")
			return nil, nil
		}
		inner = fs
	default:
		return nil, nil
	}

	async := sink.NewAsync(inner, 0)
	async.Start()
	return async, func() {
		if err := async.Close(); err != nil {
			log.Warn().Err(err).Msg("event sink close")
		}
	}
}
