package model

import (
	"context"
	"time"
)

// ── Port interfaces ──
// These decouple the engine from the exchange client, the cache and the
// transports. Each concrete package satisfies one or more of them.

// KlineProvider fetches raw daily klines for a pair starting at start (UTC).
type KlineProvider interface {
	FetchDailyBars(ctx context.Context, symbol string, start time.Time) ([]Kline, error)
}

// BarSource returns a caller-owned copy of a symbol's daily bar series.
type BarSource interface {
	Get(ctx context.Context, symbol string, lookbackDays int) (BarSeries, error)
}

// TickDispatcher fans a tick out to subscribers.
type TickDispatcher interface {
	Dispatch(ctx context.Context, tick Tick)
}

// TickPublisher mirrors ticks to an external sink.
type TickPublisher interface {
	PublishTick(ctx context.Context, tick Tick) error
}
