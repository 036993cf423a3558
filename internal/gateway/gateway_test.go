package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/Engibee/crypto-dashboard/internal/indicator"
	"github.com/Engibee/crypto-dashboard/internal/metrics"
	"github.com/Engibee/crypto-dashboard/internal/model"
)

// fakeConn records sent messages and can be made to fail or close.
type fakeConn struct {
	id      string
	mu      sync.Mutex
	sent    [][]byte
	failErr error
	closed  atomic.Bool
	block   chan struct{} // when non-nil, Send waits on it or ctx
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string   { return c.id }
func (c *fakeConn) Closed() bool { return c.closed.Load() }

func (c *fakeConn) Send(ctx context.Context, msg []byte) error {
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failErr != nil {
		return c.failErr
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *fakeConn) last() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return nil
	}
	return c.sent[len(c.sent)-1]
}

// fakeSource counts payload computations.
type fakeSource struct {
	computeCalls atomic.Int32
	seriesCalls  atomic.Int32
	err          error
	panicMsg     string // when set, ComputeLatest panics with it
	lastSymbol   atomic.Value
}

func (s *fakeSource) ComputeLatest(ctx context.Context, symbol string, days int, p indicator.Params) (model.IndicatorRow, error) {
	s.computeCalls.Add(1)
	s.lastSymbol.Store(symbol)
	if s.panicMsg != "" {
		panic(s.panicMsg)
	}
	if s.err != nil {
		return model.IndicatorRow{}, s.err
	}
	return model.IndicatorRow{Timestamp: "2024-01-01 00:00:00", SMA: model.Value(1), EMA: model.Value(2), Signal: false}, nil
}

func (s *fakeSource) LiveSeries(ctx context.Context, symbol string, days int) (model.BarSeries, error) {
	s.seriesCalls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return model.BarSeries{{Timestamp: "2024-01-01 00:00:00", Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10}}, nil
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestDispatcher(src IndicatorSource) (*Registry, *Dispatcher, *testClock) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	reg := NewRegistry("USDT", zap.NewNop(), m)
	clk := &testClock{t: time.Unix(1_700_000_000, 0)}
	d := NewDispatcher(reg, src, DispatcherOptions{
		SendInterval: time.Second,
		SendTimeout:  100 * time.Millisecond,
		Now:          clk.Now,
	}, zap.NewNop(), m)
	return reg, d, clk
}

func tick(symbol string, price float64) model.Tick {
	return model.Tick{Symbol: symbol, Price: price, Volume: 1}
}

// ── Registry ──

func TestRegistry_AddNormalizesSymbol(t *testing.T) {
	reg := NewRegistry("USDT", zap.NewNop(), nil)
	reg.Add(newFakeConn("a"), "BTCUSDT", model.FeedLivePrice)
	reg.Add(newFakeConn("b"), "eth", model.FeedIndicators)

	live := reg.Live()
	if len(live) != 2 {
		t.Fatalf("len = %d, want 2", len(live))
	}
	if live[0].Symbol != "BTC" || live[1].Symbol != "ETH" {
		t.Errorf("symbols = %s, %s", live[0].Symbol, live[1].Symbol)
	}
	if !live[0].LastSentAt.IsZero() {
		t.Error("new subscriber has non-zero LastSentAt")
	}
}

func TestRegistry_AddPurgesClosed(t *testing.T) {
	reg := NewRegistry("USDT", zap.NewNop(), nil)
	dead := newFakeConn("dead")
	reg.Add(dead, "BTC", model.FeedLivePrice)
	dead.closed.Store(true)

	reg.Add(newFakeConn("new"), "BTC", model.FeedLivePrice)
	if reg.Len() != 1 {
		t.Errorf("Len = %d, want 1 after purge", reg.Len())
	}
}

func TestRegistry_RemoveIdempotent(t *testing.T) {
	reg := NewRegistry("USDT", zap.NewNop(), nil)
	a := newFakeConn("a")
	reg.Add(a, "BTC", model.FeedLivePrice)
	reg.Add(newFakeConn("b"), "BTC", model.FeedLivePrice)

	if !reg.Remove(a) {
		t.Error("first Remove returned false")
	}
	if reg.Remove(a) {
		t.Error("second Remove returned true")
	}
	if reg.Len() != 1 {
		t.Errorf("Len = %d, want 1", reg.Len())
	}
}

func TestRegistry_LiveInsertionOrder(t *testing.T) {
	reg := NewRegistry("USDT", zap.NewNop(), nil)
	for i := 0; i < 20; i++ {
		reg.Add(newFakeConn(fmt.Sprintf("c%02d", i)), "BTC", model.FeedLivePrice)
	}
	live := reg.Live()
	for i, s := range live {
		if want := fmt.Sprintf("c%02d", i); s.Conn.ID() != want {
			t.Fatalf("live[%d] = %s, want %s", i, s.Conn.ID(), want)
		}
	}
}

func TestRegistry_MarkSent(t *testing.T) {
	reg := NewRegistry("USDT", zap.NewNop(), nil)
	a := newFakeConn("a")
	reg.Add(a, "BTC", model.FeedLivePrice)
	at := time.Unix(100, 0)
	reg.MarkSent(a, at)
	if got := reg.Live()[0].LastSentAt; !got.Equal(at) {
		t.Errorf("LastSentAt = %v, want %v", got, at)
	}
	reg.MarkSent(newFakeConn("ghost"), at) // no panic, no insert
	if reg.Len() != 1 {
		t.Error("MarkSent inserted an unknown connection")
	}
}

// ── Dispatcher ──

func TestDispatch_RateGate(t *testing.T) {
	reg, d, clk := newTestDispatcher(&fakeSource{})
	c := newFakeConn("a")
	reg.Add(c, "BTCUSDT", model.FeedLivePrice)
	ctx := context.Background()

	d.Dispatch(ctx, tick("btcusdt", 100))
	if c.count() != 1 {
		t.Fatalf("first tick: sent %d, want 1", c.count())
	}

	clk.Advance(500 * time.Millisecond)
	d.Dispatch(ctx, tick("btcusdt", 101))
	if c.count() != 1 {
		t.Fatalf("tick at +0.5s: sent %d, want 1 (rate limited)", c.count())
	}

	clk.Advance(600 * time.Millisecond)
	d.Dispatch(ctx, tick("btcusdt", 102))
	if c.count() != 2 {
		t.Fatalf("tick at +1.1s: sent %d, want 2", c.count())
	}
}

func TestDispatch_LivePricePayload(t *testing.T) {
	reg, d, clk := newTestDispatcher(&fakeSource{})
	c := newFakeConn("a")
	reg.Add(c, "BTCUSDT", model.FeedLivePrice)

	d.Dispatch(context.Background(), tick("btcusdt", 50123.5))

	var got model.LivePrice
	if err := json.Unmarshal(c.last(), &got); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if got.Symbol != "BTC" || got.Price != 50123.5 {
		t.Errorf("payload = %+v", got)
	}
	if want := float64(clk.Now().Unix()); got.Timestamp != want {
		t.Errorf("timestamp = %v, want %v", got.Timestamp, want)
	}
}

func TestDispatch_FiltersBySymbol(t *testing.T) {
	reg, d, _ := newTestDispatcher(&fakeSource{})
	btc := newFakeConn("btc")
	eth := newFakeConn("eth")
	reg.Add(btc, "BTCUSDT", model.FeedLivePrice)
	reg.Add(eth, "ETHUSDT", model.FeedLivePrice)

	d.Dispatch(context.Background(), tick("ethusdt", 2000))
	if btc.count() != 0 || eth.count() != 1 {
		t.Errorf("btc=%d eth=%d, want 0/1", btc.count(), eth.count())
	}
}

func TestDispatch_FailureIsolation(t *testing.T) {
	reg, d, _ := newTestDispatcher(&fakeSource{})
	a := newFakeConn("a")
	a.failErr = errors.New("broken pipe")
	b := newFakeConn("b")
	reg.Add(a, "BTC", model.FeedLivePrice)
	reg.Add(b, "BTC", model.FeedLivePrice)

	d.Dispatch(context.Background(), tick("btcusdt", 100))

	if b.count() != 1 {
		t.Errorf("b received %d messages, want 1", b.count())
	}
	if reg.Len() != 1 || reg.Live()[0].Conn != Conn(b) {
		t.Errorf("failed subscriber not removed: len=%d", reg.Len())
	}
}

func TestDispatch_SlowSubscriberBounded(t *testing.T) {
	reg, d, _ := newTestDispatcher(&fakeSource{})
	slow := newFakeConn("slow")
	slow.block = make(chan struct{})
	fast := newFakeConn("fast")
	reg.Add(slow, "BTC", model.FeedLivePrice)
	reg.Add(fast, "BTC", model.FeedLivePrice)

	done := make(chan struct{})
	go func() {
		d.Dispatch(context.Background(), tick("btcusdt", 100))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Dispatch blocked on a stuck subscriber")
	}
	if fast.count() != 1 {
		t.Errorf("fast received %d, want 1", fast.count())
	}
	if reg.Len() != 1 {
		t.Errorf("stuck subscriber not removed: len=%d", reg.Len())
	}
}

func TestDispatch_ClosedConnPruned(t *testing.T) {
	reg, d, _ := newTestDispatcher(&fakeSource{})
	c := newFakeConn("a")
	reg.Add(c, "BTC", model.FeedLivePrice)
	c.closed.Store(true)

	d.Dispatch(context.Background(), tick("btcusdt", 100))
	if c.count() != 0 || reg.Len() != 0 {
		t.Errorf("closed conn: sent=%d len=%d", c.count(), reg.Len())
	}
}

func TestDispatch_PayloadComputedOncePerKind(t *testing.T) {
	src := &fakeSource{}
	reg, d, _ := newTestDispatcher(src)
	var conns []*fakeConn
	for i := 0; i < 5; i++ {
		c := newFakeConn(fmt.Sprintf("ind%d", i))
		conns = append(conns, c)
		reg.Add(c, "BTC", model.FeedIndicators)
	}
	for i := 0; i < 3; i++ {
		reg.Add(newFakeConn(fmt.Sprintf("raw%d", i)), "BTC", model.FeedRawBars)
	}

	d.Dispatch(context.Background(), tick("btcusdt", 100))

	if n := src.computeCalls.Load(); n != 1 {
		t.Errorf("ComputeLatest calls = %d, want 1", n)
	}
	if n := src.seriesCalls.Load(); n != 1 {
		t.Errorf("LiveSeries calls = %d, want 1", n)
	}
	if sym, _ := src.lastSymbol.Load().(string); sym != "BTCUSDT" {
		t.Errorf("engine symbol = %q, want BTCUSDT", sym)
	}

	var rows []model.IndicatorRow
	if err := json.Unmarshal(conns[0].last(), &rows); err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Timestamp != "2024-01-01 00:00:00" {
		t.Errorf("indicators payload = %s", conns[0].last())
	}
}

func TestDispatch_PayloadErrorKeepsSubscriber(t *testing.T) {
	reg, d, _ := newTestDispatcher(&fakeSource{err: errors.New("exchange down")})
	c := newFakeConn("a")
	reg.Add(c, "BTC", model.FeedIndicators)

	d.Dispatch(context.Background(), tick("btcusdt", 100))
	if c.count() != 0 {
		t.Errorf("sent %d on payload error", c.count())
	}
	if reg.Len() != 1 {
		t.Error("subscriber removed on payload error")
	}
	if !reg.Live()[0].LastSentAt.IsZero() {
		t.Error("LastSentAt stamped without a send")
	}
}

// panicConn panics on Send.
type panicConn struct{ fakeConn }

func (c *panicConn) Send(ctx context.Context, msg []byte) error { panic("send exploded") }

func TestDispatch_PayloadPanicContained(t *testing.T) {
	src := &fakeSource{panicMsg: "nil row"}
	reg, d, _ := newTestDispatcher(src)
	ind1 := newFakeConn("ind1")
	ind2 := newFakeConn("ind2")
	live := newFakeConn("live")
	reg.Add(ind1, "BTC", model.FeedIndicators)
	reg.Add(ind2, "BTC", model.FeedIndicators)
	reg.Add(live, "BTC", model.FeedLivePrice)

	d.Dispatch(context.Background(), tick("btcusdt", 100))

	if ind1.count() != 0 || ind2.count() != 0 {
		t.Errorf("indicators sent after panic: %d, %d", ind1.count(), ind2.count())
	}
	if live.count() != 1 {
		t.Errorf("livePrice sent = %d, want 1", live.count())
	}
	if n := src.computeCalls.Load(); n != 1 {
		t.Errorf("ComputeLatest calls = %d, want 1", n)
	}
	if reg.Len() != 3 {
		t.Errorf("len = %d, want 3 (payload failure keeps subscribers)", reg.Len())
	}
	for _, s := range reg.Live() {
		if s.Kind == model.FeedIndicators && !s.LastSentAt.IsZero() {
			t.Errorf("%s: LastSentAt stamped after panic", s.Conn.ID())
		}
	}
}

func TestDispatch_SendPanicContained(t *testing.T) {
	reg, d, _ := newTestDispatcher(&fakeSource{})
	bad := &panicConn{fakeConn{id: "bad"}}
	good := newFakeConn("good")
	reg.Add(bad, "BTC", model.FeedLivePrice)
	reg.Add(good, "BTC", model.FeedLivePrice)

	d.Dispatch(context.Background(), tick("btcusdt", 100))

	if good.count() != 1 {
		t.Errorf("healthy subscriber sent = %d, want 1", good.count())
	}
	for _, s := range reg.Live() {
		if s.Conn.ID() == "bad" && !s.LastSentAt.IsZero() {
			t.Error("LastSentAt stamped for a send that panicked")
		}
	}
}
