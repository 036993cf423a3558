// Package history is a TTL cache of daily bar series keyed by
// (symbol, lookback days), backed by a KlineProvider.
package history

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Engibee/crypto-dashboard/internal/metrics"
	"github.com/Engibee/crypto-dashboard/internal/model"
)

// ErrPartialKey is returned by Invalidate when only the lookback is given.
var ErrPartialKey = errors.New("history: invalidate needs a symbol when days is set")

// Key identifies one cached series.
type Key struct {
	Symbol string
	Days   int
}

// String renders the key as SYMBOL_DAYS.
func (k Key) String() string { return k.Symbol + "_" + strconv.Itoa(k.Days) }

type entry struct {
	bars      model.BarSeries
	fetchedAt time.Time
}

// Options configures a Cache.
type Options struct {
	TTL  time.Duration
	Size int
	// FetchTimeout bounds one provider fetch. Defaults to 30s.
	FetchTimeout time.Duration
	// Now is the clock used for freshness checks. Defaults to time.Now.
	Now func() time.Time
}

// Stats is the cache diagnostics document.
type Stats struct {
	CachedItems     int        `json:"cachedItems"`
	CacheKeys       []string   `json:"cacheKeys"`
	OldestFetchedAt *time.Time `json:"oldestFetchedAt"`
	NewestFetchedAt *time.Time `json:"newestFetchedAt"`
}

// Cache holds normalized bar series. Reads return caller-owned copies.
type Cache struct {
	provider     model.KlineProvider
	ttl          time.Duration
	fetchTimeout time.Duration
	now          func() time.Time
	log          *zap.Logger
	m            *metrics.Metrics

	mu      sync.Mutex // serializes store/invalidate against each other
	entries *expirable.LRU[Key, entry]
	group   singleflight.Group
}

// New creates a cache. m may be nil.
func New(p model.KlineProvider, opts Options, log *zap.Logger, m *metrics.Metrics) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	if opts.Size <= 0 {
		opts.Size = 256
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{
		provider:     p,
		ttl:          opts.TTL,
		fetchTimeout: opts.FetchTimeout,
		now:          opts.Now,
		log:          log.Named("history"),
		m:            m,
		entries:      expirable.NewLRU[Key, entry](opts.Size, nil, opts.TTL),
	}
}

// NormalizeSymbol upper-cases and trims a symbol for use as a key.
func NormalizeSymbol(s string) string { return strings.ToUpper(strings.TrimSpace(s)) }

// Get returns the series for (symbol, days), fetching from the provider on
// a miss or when the entry is older than the TTL. Concurrent misses for the
// same key share one provider call, which runs detached from any single
// caller's cancellation; each caller stops waiting when its own ctx ends.
// Provider errors are returned and nothing is cached.
func (c *Cache) Get(ctx context.Context, symbol string, days int) (model.BarSeries, error) {
	if days <= 0 {
		return nil, fmt.Errorf("history: lookback days must be positive, got %d", days)
	}
	key := Key{Symbol: NormalizeSymbol(symbol), Days: days}

	if bars, ok := c.lookup(key); ok {
		if c.m != nil {
			c.m.CacheHits.Inc()
		}
		return bars.Clone(), nil
	}
	if c.m != nil {
		c.m.CacheMisses.Inc()
	}

	ch := c.group.DoChan(key.String(), func() (any, error) {
		// Another caller may have filled the entry while we waited.
		if bars, ok := c.lookup(key); ok {
			return bars, nil
		}
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()
		return c.fetch(fctx, key)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			c.log.Debug("shared provider fetch", zap.String("key", key.String()))
		}
		return res.Val.(model.BarSeries).Clone(), nil
	}
}

func (c *Cache) lookup(key Key) (model.BarSeries, bool) {
	e, ok := c.entries.Get(key)
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.fetchedAt) >= c.ttl {
		return nil, false
	}
	return e.bars, true
}

func (c *Cache) fetch(ctx context.Context, key Key) (model.BarSeries, error) {
	now := c.now().UTC()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, -key.Days)

	began := time.Now()
	rows, err := c.provider.FetchDailyBars(ctx, key.Symbol, start)
	if c.m != nil {
		c.m.ProviderFetchDur.Observe(time.Since(began).Seconds())
	}
	if err != nil {
		if c.m != nil {
			c.m.ProviderErrors.Inc()
		}
		c.log.Warn("provider fetch failed", zap.String("key", key.String()), zap.Error(err))
		return nil, fmt.Errorf("history: fetch %s: %w", key, err)
	}

	bars := make(model.BarSeries, 0, len(rows))
	for _, r := range rows {
		b, err := r.Bar()
		if err != nil {
			return nil, fmt.Errorf("history: normalize %s: %w", key, err)
		}
		bars = append(bars, b)
	}
	if err := bars.Validate(); err != nil {
		return nil, fmt.Errorf("history: %s: %w", key, err)
	}

	c.mu.Lock()
	c.entries.Add(key, entry{bars: bars, fetchedAt: c.now()})
	n := c.entries.Len()
	c.mu.Unlock()
	if c.m != nil {
		c.m.CacheItems.Set(float64(n))
	}

	c.log.Info("cached series",
		zap.String("key", key.String()),
		zap.Int("bars", len(bars)),
		zap.Time("start", start))
	return bars, nil
}

// Invalidate drops cached entries. With both arguments it drops one key;
// with neither it purges everything; with only a symbol it drops every
// lookback for that symbol. days without a symbol returns ErrPartialKey.
func (c *Cache) Invalidate(symbol string, days int) error {
	symbol = NormalizeSymbol(symbol)
	if symbol == "" && days > 0 {
		return ErrPartialKey
	}

	c.mu.Lock()
	switch {
	case symbol == "":
		c.entries.Purge()
	case days > 0:
		c.entries.Remove(Key{Symbol: symbol, Days: days})
	default:
		for _, k := range c.entries.Keys() {
			if k.Symbol == symbol {
				c.entries.Remove(k)
			}
		}
	}
	n := c.entries.Len()
	c.mu.Unlock()

	if c.m != nil {
		c.m.CacheItems.Set(float64(n))
	}
	c.log.Info("cache invalidated", zap.String("symbol", symbol), zap.Int("days", days), zap.Int("remaining", n))
	return nil
}

// Stats reports the fresh cache entries, using the same TTL check as Get.
func (c *Cache) Stats() Stats {
	now := c.now()
	c.mu.Lock()
	keys := c.entries.Keys()
	fresh := make([]Key, 0, len(keys))
	fetched := make([]time.Time, 0, len(keys))
	for _, k := range keys {
		e, ok := c.entries.Peek(k)
		if !ok || now.Sub(e.fetchedAt) >= c.ttl {
			continue
		}
		fresh = append(fresh, k)
		fetched = append(fetched, e.fetchedAt)
	}
	c.mu.Unlock()

	s := Stats{CachedItems: len(fresh), CacheKeys: make([]string, 0, len(fresh))}
	for _, k := range fresh {
		s.CacheKeys = append(s.CacheKeys, k.String())
	}
	sort.Strings(s.CacheKeys)

	for _, t := range fetched {
		if s.OldestFetchedAt == nil || t.Before(*s.OldestFetchedAt) {
			s.OldestFetchedAt = &t
		}
		if s.NewestFetchedAt == nil || t.After(*s.NewestFetchedAt) {
			s.NewestFetchedAt = &t
		}
	}
	return s
}
