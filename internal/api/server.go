// Package api is the HTTP and WebSocket boundary of the dashboard: REST
// reads over the history cache and indicator engine, cache administration,
// and the three streaming feeds.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Engibee/crypto-dashboard/config"
	"github.com/Engibee/crypto-dashboard/internal/gateway"
	"github.com/Engibee/crypto-dashboard/internal/history"
	"github.com/Engibee/crypto-dashboard/internal/indicator"
	"github.com/Engibee/crypto-dashboard/internal/metrics"
	"github.com/Engibee/crypto-dashboard/internal/model"
)

// History is the slice of the history cache the API needs.
type History interface {
	Get(ctx context.Context, symbol string, days int) (model.BarSeries, error)
	Invalidate(symbol string, days int) error
	Stats() history.Stats
}

// Indicators computes indicator rows without consuming live volume.
type Indicators interface {
	Preview(ctx context.Context, symbol string, days int, p indicator.Params) (model.IndicatorRow, error)
}

// Subscriptions registers streaming connections.
type Subscriptions interface {
	Add(conn gateway.Conn, symbol string, kind model.FeedKind)
	Remove(conn gateway.Conn) bool
}

// Options configures the server.
type Options struct {
	Addr           string
	DefaultDays    int    // default 90
	Quote          string // default "USDT"
	AllowedOrigins []string
	Symbols        []config.SymbolConfig
	Params         indicator.Params
	Debug          bool
}

// Deps are the collaborators the handlers call into.
type Deps struct {
	History    History
	Indicators Indicators
	Subs       Subscriptions
	Health     *metrics.HealthStatus
	Log        *zap.Logger
}

// Server owns the gin engine and the HTTP listener.
type Server struct {
	opts     Options
	deps     Deps
	log      *zap.Logger
	engine   *gin.Engine
	srv      *http.Server
	upgrader websocket.Upgrader
	origins  originPolicy
	connSeq  atomic.Uint64

	// ctx bounds hijacked WebSocket connections, which http.Server.Shutdown
	// does not track.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer builds the router.
func NewServer(opts Options, deps Deps) *Server {
	if opts.DefaultDays <= 0 {
		opts.DefaultDays = 90
	}
	if opts.Quote == "" {
		opts.Quote = "USDT"
	}
	if opts.Params == (indicator.Params{}) {
		opts.Params = indicator.DefaultParams()
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if !opts.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:    opts,
		deps:    deps,
		log:     deps.Log.Named("api"),
		engine:  gin.New(),
		origins: newOriginPolicy(opts.AllowedOrigins),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return s.origins.allows(r.Header.Get("Origin"))
		},
	}

	s.engine.Use(gin.Recovery(), s.accessLog(), s.cors())
	s.setupRoutes()

	s.srv = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/", s.home)
	s.engine.GET("/health", s.health)

	api := s.engine.Group("/api")
	api.GET("/symbols", s.symbols)
	api.GET("/data/:symbol", s.indicatorData)
	api.GET("/raw-data/:symbol", s.rawData)
	api.GET("/cache/stats", s.cacheStats)
	api.POST("/cache/invalidate", s.cacheInvalidate)

	ws := s.engine.Group("/ws")
	ws.GET("/data", s.serveFeed(model.FeedIndicators))
	ws.GET("/raw-data", s.serveFeed(model.FeedRawBars))
	ws.GET("/live-price", s.serveFeed(model.FeedLivePrice))
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// Start serves in the background. Listener errors other than a clean
// shutdown are logged.
func (s *Server) Start() {
	go func() {
		s.log.Info("listening", zap.String("addr", s.opts.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("server error", zap.Error(err))
		}
	}()
}

// Stop closes streaming connections and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()
	return s.srv.Shutdown(ctx)
}

// accessLog logs one line per request at debug level, errors at warn.
func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			s.log.Warn("request failed", fields...)
			return
		}
		s.log.Debug("request", fields...)
	}
}

// originPolicy is a prefix allowlist. An empty list allows everything.
type originPolicy struct {
	prefixes []string
}

func newOriginPolicy(origins []string) originPolicy {
	var p originPolicy
	for _, o := range origins {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			p.prefixes = append(p.prefixes, o)
		}
	}
	return p
}

func (p originPolicy) open() bool { return len(p.prefixes) == 0 }

func (p originPolicy) allows(origin string) bool {
	if origin == "" || p.open() {
		return true
	}
	for _, pre := range p.prefixes {
		if strings.HasPrefix(origin, pre) {
			return true
		}
	}
	return false
}

// cors applies the origin allowlist. Requests from a disallowed origin are
// refused; /health stays reachable for monitors.
func (s *Server) cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin != "" {
			if !s.origins.allows(origin) {
				if c.Request.URL.Path != "/health" {
					c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"detail": "Origin not allowed"})
					return
				}
			} else {
				h := c.Writer.Header()
				if s.origins.open() {
					h.Set("Access-Control-Allow-Origin", "*")
				} else {
					h.Set("Access-Control-Allow-Origin", origin)
					h.Set("Access-Control-Allow-Credentials", "true")
					h.Add("Vary", "Origin")
				}
				h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Accept, Origin, Cache-Control, X-Requested-With")
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			}
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
