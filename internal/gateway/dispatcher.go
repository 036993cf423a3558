package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Engibee/crypto-dashboard/internal/indicator"
	"github.com/Engibee/crypto-dashboard/internal/logger"
	"github.com/Engibee/crypto-dashboard/internal/metrics"
	"github.com/Engibee/crypto-dashboard/internal/model"
)

// IndicatorSource produces the indicators and rawBars payloads.
type IndicatorSource interface {
	ComputeLatest(ctx context.Context, symbol string, days int, p indicator.Params) (model.IndicatorRow, error)
	LiveSeries(ctx context.Context, symbol string, days int) (model.BarSeries, error)
}

// DispatcherOptions configures a Dispatcher. Zero values take defaults.
type DispatcherOptions struct {
	Quote              string        // quote asset, default "USDT"
	SendInterval       time.Duration // per-subscriber rate gate, default 1s
	SendTimeout        time.Duration // bound on a single send, default 2s
	MaxConcurrentSends int           // default 32
	LookbackDays       int           // history window for payloads, default 30
	Params             indicator.Params
	Now                func() time.Time
}

// Dispatcher fans each tick out to the matching subscribers.
type Dispatcher struct {
	reg     *Registry
	src     IndicatorSource
	opts    DispatcherOptions
	log     *zap.Logger
	m       *metrics.Metrics
	latency *LatencyTracker
}

// NewDispatcher creates a dispatcher. m may be nil.
func NewDispatcher(reg *Registry, src IndicatorSource, opts DispatcherOptions, log *zap.Logger, m *metrics.Metrics) *Dispatcher {
	if opts.Quote == "" {
		opts.Quote = "USDT"
	}
	if opts.SendInterval <= 0 {
		opts.SendInterval = time.Second
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 2 * time.Second
	}
	if opts.MaxConcurrentSends <= 0 {
		opts.MaxConcurrentSends = 32
	}
	if opts.LookbackDays <= 0 {
		opts.LookbackDays = 30
	}
	if opts.Params == (indicator.Params{}) {
		opts.Params = indicator.DefaultParams()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		reg:     reg,
		src:     src,
		opts:    opts,
		log:     log.Named("dispatcher"),
		m:       m,
		latency: NewLatencyTracker(4096),
	}
}

// Latency returns tick-to-delivery latency percentiles.
func (d *Dispatcher) Latency() LatencySummary { return d.latency.Summary() }

// Dispatch delivers tick to every live subscriber of its symbol that is not
// rate limited. Each payload kind is computed at most once per tick. Sends
// run concurrently, each bounded by SendTimeout; a failed send removes that
// subscriber only. A panic in one delivery is logged and contained to it.
// Dispatch returns when every attempt has finished.
func (d *Dispatcher) Dispatch(ctx context.Context, tick model.Tick) {
	now := d.opts.Now()
	base := model.BaseSymbol(tick.Symbol, d.opts.Quote)

	var targets []Subscriber
	for _, s := range d.reg.Live() {
		if s.Symbol != base {
			continue
		}
		if s.Conn.Closed() {
			d.reg.Remove(s.Conn)
			continue
		}
		if !s.LastSentAt.IsZero() && now.Sub(s.LastSentAt) < d.opts.SendInterval {
			if d.m != nil {
				d.m.DispatchLimited.Inc()
			}
			continue
		}
		targets = append(targets, s)
	}
	if len(targets) == 0 {
		return
	}

	start := time.Now()
	payloads := newPayloadSet(d, tick, base, now)

	var g errgroup.Group
	g.SetLimit(d.opts.MaxConcurrentSends)
	for _, s := range targets {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					logger.FromContext(ctx, d.log).Error("panic delivering to subscriber",
						zap.Any("panic", r),
						zap.String("conn", s.Conn.ID()),
						zap.String("feed", string(s.Kind)),
						zap.Stack("stack"))
				}
			}()
			d.deliver(ctx, s, payloads, tick, now)
			return nil
		})
	}
	g.Wait()

	if d.m != nil {
		d.m.DispatchDuration.Observe(time.Since(start).Seconds())
	}
}

func (d *Dispatcher) deliver(ctx context.Context, s Subscriber, payloads *payloadSet, tick model.Tick, now time.Time) {
	log := logger.FromContext(ctx, d.log)
	data, err := payloads.get(ctx, s.Kind)
	if err != nil {
		log.Warn("payload unavailable",
			zap.String("conn", s.Conn.ID()),
			zap.String("symbol", s.Symbol),
			zap.String("feed", string(s.Kind)),
			zap.Error(err))
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
	defer cancel()
	if err := s.Conn.Send(sendCtx, data); err != nil {
		d.reg.Remove(s.Conn)
		if d.m != nil {
			d.m.DispatchFailed.WithLabelValues(string(s.Kind)).Inc()
		}
		log.Info("send failed, subscriber dropped",
			zap.String("conn", s.Conn.ID()),
			zap.String("feed", string(s.Kind)),
			zap.Error(err))
		return
	}

	d.reg.MarkSent(s.Conn, now)
	if d.m != nil {
		d.m.DispatchSent.WithLabelValues(string(s.Kind)).Inc()
	}
	if !tick.Time.IsZero() {
		d.latency.Observe(d.opts.Now().Sub(tick.Time))
	}
}

// payloadSet lazily builds one serialized payload per feed kind for a tick.
type payloadSet struct {
	d    *Dispatcher
	tick model.Tick
	base string
	now  time.Time

	mu    sync.Mutex
	kinds map[model.FeedKind]*lazyPayload
}

type lazyPayload struct {
	once sync.Once
	data []byte
	err  error
}

func newPayloadSet(d *Dispatcher, tick model.Tick, base string, now time.Time) *payloadSet {
	return &payloadSet{d: d, tick: tick, base: base, now: now, kinds: make(map[model.FeedKind]*lazyPayload, 3)}
}

func (p *payloadSet) get(ctx context.Context, kind model.FeedKind) ([]byte, error) {
	p.mu.Lock()
	lp, ok := p.kinds[kind]
	if !ok {
		lp = &lazyPayload{}
		p.kinds[kind] = lp
	}
	p.mu.Unlock()

	lp.once.Do(func() {
		defer func() {
			if r := recover(); r != nil {
				lp.data, lp.err = nil, fmt.Errorf("gateway: building %s payload: panic: %v", kind, r)
			}
		}()
		lp.data, lp.err = p.build(ctx, kind)
	})
	return lp.data, lp.err
}

func (p *payloadSet) build(ctx context.Context, kind model.FeedKind) ([]byte, error) {
	pair := model.PairSymbol(p.base, p.d.opts.Quote)
	switch kind {
	case model.FeedIndicators:
		row, err := p.d.src.ComputeLatest(ctx, pair, p.d.opts.LookbackDays, p.d.opts.Params)
		if err != nil {
			return nil, err
		}
		return json.Marshal([]model.IndicatorRow{row})
	case model.FeedRawBars:
		bars, err := p.d.src.LiveSeries(ctx, pair, p.d.opts.LookbackDays)
		if err != nil {
			return nil, err
		}
		return json.Marshal(bars)
	case model.FeedLivePrice:
		return json.Marshal(model.NewLivePrice(p.base, p.tick.Price, p.now))
	}
	return nil, fmt.Errorf("gateway: unknown feed kind %q", kind)
}
