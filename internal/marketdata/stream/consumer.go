// Package stream consumes the exchange's combined trade stream, feeding the
// live state store, the optional tick mirror and the fan-out dispatcher.
package stream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Engibee/crypto-dashboard/internal/logger"
	"github.com/Engibee/crypto-dashboard/internal/marketdata/binance"
	"github.com/Engibee/crypto-dashboard/internal/metrics"
	"github.com/Engibee/crypto-dashboard/internal/model"
)

// State is the consumer's connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// ErrRetriesExhausted is returned by Run after MaxConsecutiveFailures
// connection attempts in a row failed to stream anything.
var ErrRetriesExhausted = errors.New("stream: reconnect attempts exhausted")

// Dialer opens the upstream WebSocket. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, url string, header http.Header) (*websocket.Conn, *http.Response, error)
}

// Observer receives every parsed trade.
type Observer interface {
	Observe(symbol string, price, volume float64)
}

// Options configures a Consumer. Zero values take defaults.
type Options struct {
	URL                    string        // full combined-stream URL
	BackoffMin             time.Duration // default 1s
	BackoffMax             time.Duration // default 30s
	MaxConsecutiveFailures int           // 0 retries forever
	ReadTimeout            time.Duration // silence before the session is dropped, default 5m
}

// Deps are the consumer's collaborators. Mirror, Metrics and Health may be nil.
type Deps struct {
	Live       Observer
	Dispatcher model.TickDispatcher
	Mirror     model.TickPublisher
	Dialer     Dialer
	Metrics    *metrics.Metrics
	Health     *metrics.HealthStatus
	Log        *zap.Logger
}

// Consumer owns the write side of the live state.
type Consumer struct {
	opts  Options
	deps  Deps
	log   *zap.Logger
	state atomic.Int32
}

// New creates a consumer.
func New(opts Options, deps Deps) *Consumer {
	if opts.BackoffMin <= 0 {
		opts.BackoffMin = time.Second
	}
	if opts.BackoffMax < opts.BackoffMin {
		opts.BackoffMax = 30 * time.Second
		if opts.BackoffMax < opts.BackoffMin {
			opts.BackoffMax = opts.BackoffMin
		}
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 5 * time.Minute
	}
	if deps.Dialer == nil {
		deps.Dialer = websocket.DefaultDialer
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	return &Consumer{opts: opts, deps: deps, log: deps.Log.Named("stream")}
}

// State returns the current connection state.
func (c *Consumer) State() State { return State(c.state.Load()) }

func (c *Consumer) setState(s State) {
	c.state.Store(int32(s))
	if c.deps.Metrics != nil {
		c.deps.Metrics.UpstreamState.Set(float64(s))
	}
	if c.deps.Health != nil {
		c.deps.Health.SetUpstreamState(s.String(), s == StateStreaming)
	}
}

// Run streams until ctx is cancelled (returning nil) or reconnection gives
// up (returning ErrRetriesExhausted). Failed attempts back off exponentially
// between BackoffMin and BackoffMax; a session that delivered at least one
// message resets the backoff and the failure count.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := c.opts.BackoffMin
	failures := 0

	for {
		if ctx.Err() != nil {
			return nil
		}
		progressed, err := c.session(ctx)
		c.setState(StateDisconnected)
		if ctx.Err() != nil {
			return nil
		}

		if progressed {
			failures = 0
			backoff = c.opts.BackoffMin
		} else {
			failures++
		}
		if c.opts.MaxConsecutiveFailures > 0 && failures >= c.opts.MaxConsecutiveFailures {
			return fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, failures, err)
		}

		c.log.Warn("upstream session ended, reconnecting",
			zap.Error(err),
			zap.Duration("backoff", backoff),
			zap.Int("consecutive_failures", failures))
		if c.deps.Metrics != nil {
			c.deps.Metrics.WSReconnects.Inc()
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil
		}
		if !progressed {
			backoff *= 2
			if backoff > c.opts.BackoffMax {
				backoff = c.opts.BackoffMax
			}
		}
	}
}

// session runs one connection until it fails. progressed reports whether any
// message was received.
func (c *Consumer) session(ctx context.Context) (progressed bool, err error) {
	c.setState(StateConnecting)
	conn, _, err := c.deps.Dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	})
	defer stop()

	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(10*time.Second))
		var ne net.Error
		if errors.Is(err, websocket.ErrCloseSent) || (errors.As(err, &ne) && ne.Timeout()) {
			return nil
		}
		return err
	})

	c.setState(StateStreaming)
	c.log.Info("upstream connected", zap.String("url", c.opts.URL))

	for {
		conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return progressed, nil
			}
			return progressed, fmt.Errorf("read: %w", err)
		}
		progressed = true
		c.handle(ctx, msg)
	}
}

// handle processes one message. Parse failures and panics are contained to
// the message.
func (c *Consumer) handle(ctx context.Context, msg []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("panic while handling upstream message",
				zap.Any("panic", r),
				zap.ByteString("msg", truncate(msg, 256)),
				zap.Stack("stack"))
		}
	}()

	tick, err := binance.ParseTrade(msg)
	if err != nil {
		if c.deps.Metrics != nil {
			c.deps.Metrics.MalformedMessages.Inc()
		}
		c.log.Warn("dropping malformed message", zap.Error(err), zap.ByteString("msg", truncate(msg, 256)))
		return
	}

	c.deps.Live.Observe(tick.Symbol, tick.Price, tick.Volume)
	if c.deps.Metrics != nil {
		c.deps.Metrics.TicksTotal.WithLabelValues(tick.Symbol).Inc()
	}
	if c.deps.Health != nil {
		c.deps.Health.SetLastTickTime(time.Now())
	}

	if c.deps.Mirror != nil {
		if err := c.deps.Mirror.PublishTick(ctx, tick); err != nil {
			if c.deps.Metrics != nil {
				c.deps.Metrics.MirrorErrors.Inc()
			}
			c.log.Debug("tick mirror publish failed", zap.String("symbol", tick.Symbol), zap.Error(err))
		} else if c.deps.Metrics != nil {
			c.deps.Metrics.MirrorPublished.Inc()
		}
	}

	if c.deps.Dispatcher != nil {
		tctx := logger.WithTraceID(ctx, logger.GenerateTraceID(tick.Symbol, tick.Time))
		c.deps.Dispatcher.Dispatch(tctx, tick)
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
