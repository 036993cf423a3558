// Package gateway holds the subscriber registry, the per-tick fan-out
// dispatcher and the WebSocket connection adapter.
package gateway

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Engibee/crypto-dashboard/internal/metrics"
	"github.com/Engibee/crypto-dashboard/internal/model"
)

// Conn is one downstream push connection.
type Conn interface {
	ID() string
	Send(ctx context.Context, msg []byte) error
	Closed() bool
}

// Subscriber is a snapshot of one registry entry.
type Subscriber struct {
	Conn       Conn
	Symbol     string // base symbol, e.g. "BTC"
	Kind       model.FeedKind
	LastSentAt time.Time // zero until the first successful send
}

type subEntry struct {
	Subscriber
	seq uint64
}

// Registry tracks active subscribers. Safe for concurrent use.
type Registry struct {
	quote string
	log   *zap.Logger
	m     *metrics.Metrics

	mu   sync.Mutex
	subs map[Conn]*subEntry
	seq  uint64
}

// NewRegistry creates an empty registry. quote is the quote asset stripped
// from requested symbols ("BTCUSDT" -> "BTC"). m may be nil.
func NewRegistry(quote string, log *zap.Logger, m *metrics.Metrics) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		quote: quote,
		log:   log.Named("registry"),
		m:     m,
		subs:  make(map[Conn]*subEntry),
	}
}

// Add registers conn for symbol and kind, first purging connections that
// are already closed. A re-added connection replaces its old entry.
func (r *Registry) Add(conn Conn, symbol string, kind model.FeedKind) {
	base := model.BaseSymbol(symbol, r.quote)

	r.mu.Lock()
	purged := r.purgeClosedLocked()
	r.seq++
	r.subs[conn] = &subEntry{
		Subscriber: Subscriber{Conn: conn, Symbol: base, Kind: kind},
		seq:        r.seq,
	}
	n := len(r.subs)
	r.mu.Unlock()

	r.setGauge(n)
	r.log.Info("subscriber added",
		zap.String("conn", conn.ID()),
		zap.String("symbol", base),
		zap.String("feed", string(kind)),
		zap.Int("purged", purged),
		zap.Int("total", n))
}

// Remove drops conn. It reports whether conn was registered; removing an
// absent connection is a no-op.
func (r *Registry) Remove(conn Conn) bool {
	r.mu.Lock()
	e, ok := r.subs[conn]
	if ok {
		delete(r.subs, conn)
	}
	n := len(r.subs)
	r.mu.Unlock()

	if !ok {
		r.log.Debug("remove of unknown subscriber ignored", zap.String("conn", conn.ID()))
		return false
	}
	r.setGauge(n)
	r.log.Info("subscriber removed",
		zap.String("conn", conn.ID()),
		zap.String("symbol", e.Symbol),
		zap.String("feed", string(e.Kind)),
		zap.Int("total", n))
	return true
}

// Live prunes closed connections and returns a snapshot of the remaining
// subscribers in registration order. The snapshot is safe to iterate while
// the registry changes.
func (r *Registry) Live() []Subscriber {
	r.mu.Lock()
	r.purgeClosedLocked()
	entries := make([]*subEntry, 0, len(r.subs))
	for _, e := range r.subs {
		entries = append(entries, e)
	}
	n := len(r.subs)
	r.mu.Unlock()

	r.setGauge(n)
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]Subscriber, len(entries))
	for i, e := range entries {
		out[i] = e.Subscriber
	}
	return out
}

// MarkSent records a successful delivery to conn at t.
func (r *Registry) MarkSent(conn Conn, t time.Time) {
	r.mu.Lock()
	if e, ok := r.subs[conn]; ok {
		e.LastSentAt = t
	}
	r.mu.Unlock()
}

// Len returns the number of registered subscribers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

func (r *Registry) purgeClosedLocked() int {
	purged := 0
	for c := range r.subs {
		if c.Closed() {
			delete(r.subs, c)
			purged++
		}
	}
	return purged
}

func (r *Registry) setGauge(n int) {
	if r.m != nil {
		r.m.Subscribers.Set(float64(n))
	}
}
