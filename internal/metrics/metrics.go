package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds all Prometheus metrics for the dashboard engine.
type Metrics struct {
	// Upstream consumer
	TicksTotal        *prometheus.CounterVec // labels: symbol
	MalformedMessages prometheus.Counter
	WSReconnects      prometheus.Counter
	UpstreamState     prometheus.Gauge // 0=disconnected, 1=connecting, 2=streaming

	// Historical cache
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
	CacheItems       prometheus.Gauge
	ProviderFetchDur prometheus.Histogram
	ProviderErrors   prometheus.Counter

	// Indicator engine
	IndicatorComputeDur prometheus.Histogram
	SuspiciousPrices    *prometheus.CounterVec // labels: symbol

	// Fan-out
	Subscribers      prometheus.Gauge
	DispatchSent     *prometheus.CounterVec // labels: feed
	DispatchLimited  prometheus.Counter
	DispatchFailed   *prometheus.CounterVec // labels: feed
	DispatchDuration prometheus.Histogram

	// Circuit breakers
	BreakerState *prometheus.GaugeVec // labels: name; 0=closed, 1=open, 2=half-open

	// Tick mirror
	MirrorPublished prometheus.Counter
	MirrorErrors    prometheus.Counter
}

// NewMetrics creates all metrics and registers them with reg. A nil reg
// registers with the default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	latencyBuckets := []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05}

	m := &Metrics{
		TicksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dashboard_ticks_total",
			Help: "Total trade ticks received from the upstream stream",
		}, []string{"symbol"}),
		MalformedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dashboard_malformed_messages_total",
			Help: "Upstream messages dropped because they failed to parse",
		}),
		WSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dashboard_ws_reconnects_total",
			Help: "Total upstream WebSocket reconnection attempts",
		}),
		UpstreamState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dashboard_upstream_state",
			Help: "Upstream consumer state (0=disconnected, 1=connecting, 2=streaming)",
		}),

		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dashboard_cache_hits_total",
			Help: "Historical cache lookups served from a fresh entry",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dashboard_cache_misses_total",
			Help: "Historical cache lookups that required a provider fetch",
		}),
		CacheItems: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dashboard_cache_items",
			Help: "Entries currently held by the historical cache",
		}),
		ProviderFetchDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dashboard_provider_fetch_duration_seconds",
			Help:    "Historical data provider fetch latency",
			Buckets: prometheus.DefBuckets,
		}),
		ProviderErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dashboard_provider_errors_total",
			Help: "Historical data provider fetch failures",
		}),

		IndicatorComputeDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dashboard_indicator_compute_duration_seconds",
			Help:    "Indicator computation latency, excluding cache fetch",
			Buckets: latencyBuckets,
		}),
		SuspiciousPrices: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dashboard_suspicious_prices_total",
			Help: "Live prices rejected by the deviation guard",
		}, []string{"symbol"}),

		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dashboard_subscribers",
			Help: "Currently registered subscriber connections",
		}),
		DispatchSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dashboard_dispatch_sent_total",
			Help: "Payloads delivered to subscribers",
		}, []string{"feed"}),
		DispatchLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dashboard_dispatch_rate_limited_total",
			Help: "Deliveries skipped by the per-subscriber rate gate",
		}),
		DispatchFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dashboard_dispatch_failed_total",
			Help: "Deliveries that failed and removed the subscriber",
		}, []string{"feed"}),
		DispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dashboard_dispatch_duration_seconds",
			Help:    "Time to fan out a single tick to all eligible subscribers",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5},
		}),

		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dashboard_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),

		MirrorPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dashboard_mirror_published_total",
			Help: "Ticks published to the Redis mirror",
		}),
		MirrorErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dashboard_mirror_errors_total",
			Help: "Tick mirror publish failures",
		}),
	}

	reg.MustRegister(
		m.TicksTotal,
		m.MalformedMessages,
		m.WSReconnects,
		m.UpstreamState,
		m.CacheHits,
		m.CacheMisses,
		m.CacheItems,
		m.ProviderFetchDur,
		m.ProviderErrors,
		m.IndicatorComputeDur,
		m.SuspiciousPrices,
		m.Subscribers,
		m.DispatchSent,
		m.DispatchLimited,
		m.DispatchFailed,
		m.DispatchDuration,
		m.BreakerState,
		m.MirrorPublished,
		m.MirrorErrors,
	)

	return m
}

// HealthSources are read-only snapshot functions supplied by the core.
// Any of them may be nil.
type HealthSources struct {
	Prices      func() map[string]float64
	Volumes     func() map[string]float64
	CacheStats  func() any
	Subscribers func() int
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	UpstreamState  string    `json:"upstream_state"`
	WSConnected    bool      `json:"ws_connected"`
	LastTickTime   time.Time `json:"last_tick_time"`
	RedisEnabled   bool      `json:"redis_enabled"`
	RedisConnected bool      `json:"redis_connected"`
	RedisLatencyMs float64   `json:"redis_latency_ms"`
	LastCheckAt    time.Time `json:"last_check_at"`
	StartedAt      time.Time `json:"started_at"`

	sources HealthSources
	now     func() time.Time
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		UpstreamState: "disconnected",
		StartedAt:     time.Now(),
		now:           time.Now,
	}
}

// SetSources attaches the core snapshot functions.
func (h *HealthStatus) SetSources(s HealthSources) {
	h.mu.Lock()
	h.sources = s
	h.mu.Unlock()
}

func (h *HealthStatus) SetUpstreamState(state string, connected bool) {
	h.mu.Lock()
	h.UpstreamState = state
	h.WSConnected = connected
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisEnabled(v bool) {
	h.mu.Lock()
	h.RedisEnabled = v
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency and connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks until ctx is done.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, interval time.Duration) {
	if rdb == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				h.CheckRedis(probeCtx, rdb)
				cancel()
			}
		}
	}()
}

// Payload is the JSON health document.
type Payload struct {
	Status         string             `json:"status"`
	Uptime         string             `json:"uptime"`
	UpstreamState  string             `json:"upstream_state"`
	WSConnected    bool               `json:"ws_connected"`
	LastTickTime   string             `json:"last_tick_time,omitempty"`
	TickAge        string             `json:"tick_age,omitempty"`
	LivePrices     map[string]float64 `json:"live_prices"`
	LiveVolumes    map[string]float64 `json:"live_volumes"`
	Cache          any                `json:"cache,omitempty"`
	Subscribers    int                `json:"subscribers"`
	RedisEnabled   bool               `json:"redis_enabled"`
	RedisConnected bool               `json:"redis_connected"`
	RedisLatencyMs float64            `json:"redis_latency_ms,omitempty"`
	LastCheckAt    string             `json:"last_check_at,omitempty"`
}

// Snapshot assembles the health payload and the matching HTTP status code.
// The service is "healthy" while streaming, "degraded" otherwise or when an
// enabled Redis mirror is unreachable.
func (h *HealthStatus) Snapshot() (Payload, int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	now := h.now()
	p := Payload{
		Status:         "healthy",
		Uptime:         now.Sub(h.StartedAt).Round(time.Second).String(),
		UpstreamState:  h.UpstreamState,
		WSConnected:    h.WSConnected,
		RedisEnabled:   h.RedisEnabled,
		RedisConnected: h.RedisConnected,
		RedisLatencyMs: h.RedisLatencyMs,
		LivePrices:     map[string]float64{},
		LiveVolumes:    map[string]float64{},
	}
	code := http.StatusOK
	if !h.WSConnected || (h.RedisEnabled && !h.RedisConnected) {
		p.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	if !h.LastTickTime.IsZero() {
		p.LastTickTime = h.LastTickTime.Format(time.RFC3339)
		p.TickAge = now.Sub(h.LastTickTime).Round(time.Millisecond).String()
	}
	if !h.LastCheckAt.IsZero() {
		p.LastCheckAt = h.LastCheckAt.Format(time.RFC3339)
	}

	s := h.sources
	if s.Prices != nil {
		p.LivePrices = s.Prices()
	}
	if s.Volumes != nil {
		p.LiveVolumes = s.Volumes()
	}
	if s.CacheStats != nil {
		p.Cache = s.CacheStats()
	}
	if s.Subscribers != nil {
		p.Subscribers = s.Subscribers()
	}
	return p, code
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p, code := h.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	if code != http.StatusOK {
		w.WriteHeader(code)
	}
	json.NewEncoder(w).Encode(p)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
	log    *zap.Logger
}

// NewServer creates a metrics and health server. gatherer may be nil for
// the default Prometheus registry.
func NewServer(addr string, health *HealthStatus, gatherer prometheus.Gatherer, log *zap.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health)

	return &Server{
		health: health,
		addr:   addr,
		log:    log.Named("metrics"),
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		s.log.Info("server listening", zap.String("addr", s.addr))
		if err := s.srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("server error", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
