package indicator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Engibee/crypto-dashboard/internal/metrics"
	"github.com/Engibee/crypto-dashboard/internal/model"
)

// ErrEmptySeries is returned when the bar source has no bars for a symbol.
var ErrEmptySeries = errors.New("indicator: empty bar series")

// DefaultMaxDeviation is the largest accepted relative move of a live price
// away from the last cached close.
const DefaultMaxDeviation = 0.20

// Params are the indicator periods.
type Params struct {
	SMAPeriod  int
	EMAPeriod  int
	RSIPeriod  int
	MACDFast   int
	MACDSlow   int
	MACDSignal int
}

// DefaultParams returns 14/14/14 and MACD 12/26/9.
func DefaultParams() Params {
	return Params{SMAPeriod: 14, EMAPeriod: 14, RSIPeriod: 14, MACDFast: 12, MACDSlow: 26, MACDSignal: 9}
}

// Validate rejects non-positive periods.
func (p Params) Validate() error {
	periods := []struct {
		name string
		v    int
	}{
		{"sma", p.SMAPeriod}, {"ema", p.EMAPeriod}, {"rsi", p.RSIPeriod},
		{"macd fast", p.MACDFast}, {"macd slow", p.MACDSlow}, {"macd signal", p.MACDSignal},
	}
	for _, pp := range periods {
		if pp.v <= 0 {
			return fmt.Errorf("indicator: %s period must be positive, got %d", pp.name, pp.v)
		}
	}
	return nil
}

// LiveSource is the read side of the live state store.
type LiveSource interface {
	Price(symbol string) (float64, bool)
	DrainVolume(symbol string) float64
}

// Options configures an Engine.
type Options struct {
	MaxDeviation float64
}

// Engine merges live trades into cached daily bars and computes indicators.
// It is safe for concurrent use; every call works on its own copy of the bars.
type Engine struct {
	bars   model.BarSource
	live   LiveSource
	maxDev float64
	log    *zap.Logger
	m      *metrics.Metrics
}

// NewEngine creates an engine. m may be nil.
func NewEngine(bars model.BarSource, live LiveSource, opts Options, log *zap.Logger, m *metrics.Metrics) *Engine {
	if opts.MaxDeviation <= 0 {
		opts.MaxDeviation = DefaultMaxDeviation
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		bars:   bars,
		live:   live,
		maxDev: opts.MaxDeviation,
		log:    log.Named("indicator"),
		m:      m,
	}
}

// ComputeLatest returns the indicator row for the most recent bar of symbol
// ("BTCUSDT") over lookbackDays, with the live price and the volume traded
// since the last call overlaid on the last bar.
func (e *Engine) ComputeLatest(ctx context.Context, symbol string, days int, p Params) (model.IndicatorRow, error) {
	return e.compute(ctx, symbol, days, p, true)
}

// Preview is ComputeLatest without draining the accumulated live volume.
// Request/response callers use it so they do not steal volume from the
// streaming feed.
func (e *Engine) Preview(ctx context.Context, symbol string, days int, p Params) (model.IndicatorRow, error) {
	return e.compute(ctx, symbol, days, p, false)
}

func (e *Engine) compute(ctx context.Context, symbol string, days int, p Params, drain bool) (model.IndicatorRow, error) {
	if err := p.Validate(); err != nil {
		return model.IndicatorRow{}, err
	}
	bars, err := e.load(ctx, symbol, days)
	if err != nil {
		return model.IndicatorRow{}, err
	}
	e.overlay(symbol, bars, drain)

	start := time.Now()
	row := Compute(bars, p)
	if e.m != nil {
		e.m.IndicatorComputeDur.Observe(time.Since(start).Seconds())
	}
	return row, nil
}

// LiveSeries returns the bar series with the live price overlaid on the last
// bar. Accumulated live volume is left for ComputeLatest.
func (e *Engine) LiveSeries(ctx context.Context, symbol string, days int) (model.BarSeries, error) {
	bars, err := e.load(ctx, symbol, days)
	if err != nil {
		return nil, err
	}
	e.overlay(symbol, bars, false)
	return bars, nil
}

func (e *Engine) load(ctx context.Context, symbol string, days int) (model.BarSeries, error) {
	bars, err := e.bars.Get(ctx, symbol, days)
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptySeries, symbol)
	}
	return bars, nil
}

// overlay applies the live price to the last bar of the caller's copy.
func (e *Engine) overlay(symbol string, bars model.BarSeries, drainVolume bool) {
	if e.live == nil {
		return
	}
	key := strings.ToLower(symbol)
	price, ok := e.live.Price(key)
	if !ok || price <= 0 {
		return
	}
	last := bars.Last()
	if !Overlay(last, price, e.maxDev) {
		e.log.Warn("suspicious live price rejected",
			zap.String("symbol", symbol),
			zap.Float64("price", price),
			zap.Float64("last_close", last.Close),
			zap.Float64("max_deviation", e.maxDev))
		if e.m != nil {
			e.m.SuspiciousPrices.WithLabelValues(key).Inc()
		}
		return
	}
	if drainVolume {
		last.Volume += e.live.DrainVolume(key)
	}
}

// Overlay merges price into bar when it is within maxDev of bar.Close:
// High is raised, Low is lowered and Close is replaced. It reports whether
// the price was accepted. A non-positive Close never accepts.
func Overlay(bar *model.Bar, price, maxDev float64) bool {
	if bar == nil || bar.Close <= 0 {
		return false
	}
	if math.Abs(price-bar.Close)/bar.Close > maxDev {
		return false
	}
	if price > bar.High {
		bar.High = price
	}
	if price < bar.Low {
		bar.Low = price
	}
	bar.Close = price
	return true
}

// Compute runs every indicator over the closes of bars and returns the row
// for the last bar. Indicators without enough history are nil.
func Compute(bars model.BarSeries, p Params) model.IndicatorRow {
	sma := NewSMA(p.SMAPeriod)
	ema := NewEMA(p.EMAPeriod)
	rsi := NewRSI(p.RSIPeriod)
	macd := NewMACD(p.MACDFast, p.MACDSlow, p.MACDSignal)

	all := []Indicator{sma, ema, rsi, macd}
	for _, b := range bars {
		for _, ind := range all {
			ind.Update(b.Close)
		}
	}

	var row model.IndicatorRow
	if last := bars.Last(); last != nil {
		row.Timestamp = last.Timestamp
	}
	if len(bars) == 0 {
		return row
	}
	if sma.Ready() {
		row.SMA = model.Value(sma.Value())
	}
	row.EMA = model.Value(ema.Value())
	if rsi.Ready() {
		row.RSI = model.Value(rsi.Value())
	}
	row.MACD = model.Value(macd.Value())
	row.MACDSignal = model.Value(macd.Signal())
	row.Signal = row.SMA != nil && row.EMA != nil && *row.SMA > *row.EMA
	return row
}
