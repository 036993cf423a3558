// cmd/dashboard runs the live market dashboard backend: it consumes the
// exchange combined trade stream, keeps the live state and historical bar
// cache, and serves REST and WebSocket feeds.
//
// Config: config.yaml in the working directory or ./config, overridden by
// DASH_* environment variables (e.g. DASH_LISTEN_ADDR, DASH_REDIS_ADDR,
// DASH_BINANCE_STREAM_URL).
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Engibee/crypto-dashboard/config"
	"github.com/Engibee/crypto-dashboard/internal/api"
	"github.com/Engibee/crypto-dashboard/internal/circuitbreaker"
	"github.com/Engibee/crypto-dashboard/internal/gateway"
	"github.com/Engibee/crypto-dashboard/internal/history"
	"github.com/Engibee/crypto-dashboard/internal/indicator"
	"github.com/Engibee/crypto-dashboard/internal/livestate"
	"github.com/Engibee/crypto-dashboard/internal/logger"
	"github.com/Engibee/crypto-dashboard/internal/marketdata/binance"
	"github.com/Engibee/crypto-dashboard/internal/marketdata/stream"
	"github.com/Engibee/crypto-dashboard/internal/metrics"
	"github.com/Engibee/crypto-dashboard/internal/model"
	redisstore "github.com/Engibee/crypto-dashboard/internal/store/redis"
)

func main() {
	configDir := flag.String("config", "", "directory containing config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configDir)
	if err != nil {
		// The logger is not configured yet.
		zap.NewExample().Fatal("config load failed", zap.Error(err))
	}

	log, err := logger.Init("dashboard", logger.Options{Level: cfg.Log.Level, File: cfg.Log.File})
	if err != nil {
		zap.NewExample().Fatal("logger init failed", zap.Error(err))
	}
	defer log.Sync()
	log.Info("starting",
		zap.Strings("streams", cfg.Streams()),
		zap.String("listen_addr", cfg.ListenAddr),
		zap.Duration("cache_ttl", cfg.Cache.TTL))

	// ---- Metrics & health ----
	prom := metrics.NewMetrics(nil)
	health := metrics.NewHealthStatus()

	onBreaker := func(name string, from, to circuitbreaker.State) {
		prom.BreakerState.WithLabelValues(name).Set(float64(to))
		log.Warn("circuit breaker state change",
			zap.String("breaker", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()))
	}

	// ---- Context for graceful shutdown ----
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- Historical bars ----
	restBreaker := circuitbreaker.New("binance_rest", cfg.Binance.BreakerFailures, cfg.Binance.BreakerReset)
	restBreaker.OnStateChange = onBreaker
	client := binance.NewClient(cfg.Binance.RESTURL, cfg.Binance.RequestTimeout, restBreaker, log)
	cache := history.New(client, history.Options{TTL: cfg.Cache.TTL, Size: cfg.Cache.Size}, log, prom)

	// ---- Live state, indicators, fan-out ----
	live := livestate.New(cfg.Pairs()...)
	engine := indicator.NewEngine(cache, live, indicator.Options{MaxDeviation: cfg.Indicator.MaxPriceDeviation}, log, prom)
	registry := gateway.NewRegistry(cfg.QuoteAsset, log, prom)
	dispatcher := gateway.NewDispatcher(registry, engine, gateway.DispatcherOptions{
		Quote:              cfg.QuoteAsset,
		SendInterval:       cfg.Stream.SendInterval,
		SendTimeout:        cfg.Stream.SendTimeout,
		MaxConcurrentSends: cfg.Stream.MaxConcurrentSends,
		LookbackDays:       cfg.Stream.LookbackDays,
		Params:             indicator.DefaultParams(),
	}, log, prom)

	health.SetSources(metrics.HealthSources{
		Prices:      live.NonZeroPrices,
		Volumes:     live.NonZeroVolumes,
		CacheStats:  func() any { return cache.Stats() },
		Subscribers: registry.Len,
	})

	// ---- Optional Redis tick mirror ----
	var mirror model.TickPublisher
	if cfg.Redis.Addr != "" {
		health.SetRedisEnabled(true)
		redisBreaker := circuitbreaker.New("redis", 5, 10*time.Second)
		redisBreaker.OnStateChange = onBreaker
		pub, err := redisstore.New(redisstore.Config{
			Addr:          cfg.Redis.Addr,
			Password:      cfg.Redis.Password,
			DB:            cfg.Redis.DB,
			ChannelPrefix: cfg.Redis.ChannelPrefix,
		}, redisBreaker, log)
		if err != nil {
			log.Warn("redis init failed, continuing without tick mirror", zap.Error(err))
		} else {
			defer pub.Close()
			mirror = pub
			health.StartLivenessChecker(ctx, pub.Client(), 10*time.Second)
			log.Info("redis tick mirror ready", zap.String("addr", cfg.Redis.Addr))
		}
	}

	// ---- Servers ----
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health, nil, log)
	metricsSrv.Start()

	apiSrv := api.NewServer(api.Options{
		Addr:           cfg.ListenAddr,
		DefaultDays:    cfg.API.DefaultDays,
		Quote:          cfg.QuoteAsset,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Symbols:        cfg.Symbols,
		Params:         indicator.DefaultParams(),
		Debug:          cfg.Log.Level == "debug",
	}, api.Deps{
		History:    cache,
		Indicators: engine,
		Subs:       registry,
		Health:     health,
		Log:        log,
	})
	apiSrv.Start()

	// ---- Upstream consumer ----
	consumer := stream.New(stream.Options{
		URL:                    binance.StreamURL(cfg.Binance.StreamURL, cfg.Streams()),
		BackoffMin:             cfg.Stream.BackoffMin,
		BackoffMax:             cfg.Stream.BackoffMax,
		MaxConsecutiveFailures: cfg.Stream.MaxConsecutiveFailures,
	}, stream.Deps{
		Live:       live,
		Dispatcher: dispatcher,
		Mirror:     mirror,
		Metrics:    prom,
		Health:     health,
		Log:        log,
	})

	consumerErr := make(chan error, 1)
	go func() { consumerErr <- consumer.Run(ctx) }()

	// ---- Wait for shutdown ----
	exitCode := 0
	select {
	case sig := <-sigCh:
		log.Info("received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-consumerErr:
		if errors.Is(err, stream.ErrRetriesExhausted) {
			log.Error("upstream unavailable, shutting down", zap.Error(err))
		} else if err != nil {
			log.Error("consumer stopped", zap.Error(err))
		}
		exitCode = 1
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := apiSrv.Stop(shutdownCtx); err != nil {
		log.Warn("api shutdown", zap.Error(err))
	}
	if err := metricsSrv.Stop(shutdownCtx); err != nil {
		log.Warn("metrics shutdown", zap.Error(err))
	}

	lat := dispatcher.Latency()
	log.Info("stopped",
		zap.Int("subscribers", registry.Len()),
		zap.Int("latency_samples", lat.Samples),
		zap.Float64("latency_p99_ms", lat.P99Ms))
	if exitCode != 0 {
		log.Sync()
		os.Exit(exitCode)
	}
}
