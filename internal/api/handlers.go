package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Engibee/crypto-dashboard/internal/gateway"
	"github.com/Engibee/crypto-dashboard/internal/history"
	"github.com/Engibee/crypto-dashboard/internal/logger"
	"github.com/Engibee/crypto-dashboard/internal/model"
)

func (s *Server) home(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "API is online!"})
}

func (s *Server) health(c *gin.Context) {
	if s.deps.Health == nil {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
		return
	}
	p, code := s.deps.Health.Snapshot()
	c.JSON(code, p)
}

func (s *Server) symbols(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"symbols": s.opts.Symbols})
}

// indicatorData returns a one-element array holding the latest indicator row.
func (s *Server) indicatorData(c *gin.Context) {
	days, ok := s.days(c)
	if !ok {
		return
	}
	symbol := model.PairSymbol(c.Param("symbol"), s.opts.Quote)
	row, err := s.deps.Indicators.Preview(c.Request.Context(), symbol, days, s.opts.Params)
	if err != nil {
		s.fail(c, "indicator computation failed", symbol, err)
		return
	}
	c.JSON(http.StatusOK, []model.IndicatorRow{row})
}

// rawData returns the cached daily bars without the live overlay.
func (s *Server) rawData(c *gin.Context) {
	days, ok := s.days(c)
	if !ok {
		return
	}
	symbol := model.PairSymbol(c.Param("symbol"), s.opts.Quote)
	bars, err := s.deps.History.Get(c.Request.Context(), symbol, days)
	if err != nil {
		s.fail(c, "raw data retrieval failed", symbol, err)
		return
	}
	if bars == nil {
		bars = model.BarSeries{}
	}
	c.JSON(http.StatusOK, bars)
}

func (s *Server) cacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.History.Stats())
}

// cacheInvalidate clears one entry (symbol and days), every lookback of a
// symbol (symbol only) or the whole cache (no parameters).
func (s *Server) cacheInvalidate(c *gin.Context) {
	symbol := c.Query("symbol")
	days := 0
	if raw := c.Query("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "days must be a positive integer"})
			return
		}
		days = n
	}
	if symbol != "" {
		symbol = model.PairSymbol(symbol, s.opts.Quote)
	}

	if err := s.deps.History.Invalidate(symbol, days); err != nil {
		if errors.Is(err, history.ErrPartialKey) {
			c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
			return
		}
		s.fail(c, "cache invalidation failed", symbol, err)
		return
	}

	var msg string
	switch {
	case symbol != "" && days > 0:
		msg = fmt.Sprintf("Cache cleared for %s", history.Key{Symbol: symbol, Days: days})
	case symbol != "":
		msg = "Cache cleared for " + symbol
	default:
		msg = "All cache cleared"
	}
	s.log.Info("cache invalidated", zap.String("symbol", symbol), zap.Int("days", days))
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

// serveFeed upgrades the request and keeps the subscriber registered until
// the peer disconnects or the server stops.
func (s *Server) serveFeed(kind model.FeedKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		ticker := c.DefaultQuery("ticker", "BTC"+s.opts.Quote)

		ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// Upgrade has already written the HTTP error.
			s.log.Warn("websocket upgrade failed", zap.String("feed", string(kind)), zap.Error(err))
			return
		}

		id := fmt.Sprintf("%s-%d", kind, s.connSeq.Add(1))
		ctx := logger.WithTraceID(s.ctx, id)
		log := logger.FromContext(ctx, s.log)
		conn := gateway.NewWSConn(ws, id, log)

		s.deps.Subs.Add(conn, ticker, kind)
		defer s.deps.Subs.Remove(conn)

		log.Info("websocket connected",
			zap.String("feed", string(kind)),
			zap.String("ticker", ticker),
			zap.String("remote", c.Request.RemoteAddr))
		if err := conn.Serve(ctx); err != nil {
			log.Debug("websocket closed", zap.Error(err))
		}
	}
}

// days parses ?days=, falling back to the configured default.
func (s *Server) days(c *gin.Context) (int, bool) {
	raw := c.Query("days")
	if raw == "" {
		return s.opts.DefaultDays, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "days must be a positive integer"})
		return 0, false
	}
	return n, true
}

func (s *Server) fail(c *gin.Context, msg, symbol string, err error) {
	s.log.Error(msg, zap.String("symbol", symbol), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"detail": msg})
}
