// cmd/tickserver serves a simulated exchange combined trade stream so the
// dashboard can run without reaching the real exchange.
//
// Clients connect to /stream?streams=btcusdt@trade/ethusdt@trade and receive
// envelopes shaped like the real feed:
//
//	{"stream":"btcusdt@trade","data":{"e":"trade","s":"BTCUSDT","p":"50010.12","q":"0.013","T":1715350000000}}
//
// Config (env vars):
//
//	TICK_SERVER_ADDR  listen address (default ":9001")
//	TICK_SYMBOLS      comma-separated PAIR:PRICE seeds (default "BTCUSDT:65000,ETHUSDT:3000,ADAUSDT:0.45")
//	TICK_INTERVAL_MS  broadcast interval in milliseconds (default "250")
//
// Point the dashboard at it with DASH_BINANCE_STREAM_URL=ws://localhost:9001/stream.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Engibee/crypto-dashboard/internal/logger"
)

// tradeData mirrors the exchange trade event payload.
type tradeData struct {
	Event    string `json:"e"`
	Symbol   string `json:"s"`
	Price    string `json:"p"`
	Quantity string `json:"q"`
	Time     int64  `json:"T"` // trade time, unix ms
}

type envelope struct {
	Stream string    `json:"stream"`
	Data   tradeData `json:"data"`
}

// instrument holds per-symbol simulation state.
type instrument struct {
	Pair  string // upper-case pair, e.g. "BTCUSDT"
	Price float64
}

func (in instrument) stream() string { return strings.ToLower(in.Pair) + "@trade" }

// ─── Hub ──────────────────────────────────────────────────────────────────────

type client struct {
	streams map[string]bool
	ch      chan []byte
}

type hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]*client
}

func newHub() *hub {
	return &hub{clients: make(map[*websocket.Conn]*client)}
}

func (h *hub) register(conn *websocket.Conn, streams []string) *client {
	c := &client{streams: make(map[string]bool, len(streams)), ch: make(chan []byte, 256)}
	for _, s := range streams {
		c.streams[s] = true
	}
	h.mu.Lock()
	h.clients[conn] = c
	h.mu.Unlock()
	return c
}

func (h *hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if c, ok := h.clients[conn]; ok {
		close(c.ch)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

func (h *hub) broadcast(stream string, msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if !c.streams[stream] {
			continue
		}
		select {
		case c.ch <- msg:
		default: // slow client, drop the trade
		}
	}
}

// ─── WebSocket handler ────────────────────────────────────────────────────────

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// parseStreams splits the ?streams= query value ("a@trade/b@trade").
func parseStreams(q string) []string {
	var out []string
	for _, s := range strings.Split(q, "/") {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func streamHandler(h *hub, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		streams := parseStreams(r.URL.Query().Get("streams"))
		if len(streams) == 0 {
			http.Error(w, `{"error":"streams query parameter required"}`, http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("upgrade error", zap.Error(err))
			return
		}
		log.Info("client connected", zap.String("remote", r.RemoteAddr), zap.Strings("streams", streams))

		c := h.register(conn, streams)
		defer func() {
			h.unregister(conn)
			conn.Close()
			log.Info("client disconnected", zap.String("remote", r.RemoteAddr))
		}()

		// Drain reads so a client close unblocks the write pump.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					h.unregister(conn)
					return
				}
			}
		}()

		for msg := range c.ch {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// ─── Trade generator ─────────────────────────────────────────────────────────

// walkPrice applies a small random walk (at most ±0.1%) to price.
func walkPrice(rng *rand.Rand, price float64) float64 {
	pct := (rng.Float64()*0.2 - 0.1) / 100.0
	next := price * (1 + pct)
	if next < 1e-8 {
		next = 1e-8
	}
	return next
}

// tradeMessage encodes one simulated trade for in.
func tradeMessage(in instrument, qty float64, ts time.Time) ([]byte, error) {
	return json.Marshal(envelope{
		Stream: in.stream(),
		Data: tradeData{
			Event:    "trade",
			Symbol:   in.Pair,
			Price:    strconv.FormatFloat(in.Price, 'f', -1, 64),
			Quantity: strconv.FormatFloat(qty, 'f', 6, 64),
			Time:     ts.UnixMilli(),
		},
	})
}

func runGenerator(ctx context.Context, h *hub, instruments []instrument, interval time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for i := range instruments {
			instruments[i].Price = walkPrice(rng, instruments[i].Price)
			b, err := tradeMessage(instruments[i], rng.Float64(), time.Now().UTC())
			if err != nil {
				log.Warn("encode trade", zap.Error(err))
				continue
			}
			h.broadcast(instruments[i].stream(), b)
		}
	}
}

// ─── main ─────────────────────────────────────────────────────────────────────

func main() {
	log, err := logger.Init("tickserver", logger.Options{Level: envOrDefault("TICK_LOG_LEVEL", "info")})
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	addr := envOrDefault("TICK_SERVER_ADDR", ":9001")
	interval := time.Duration(envIntOrDefault("TICK_INTERVAL_MS", 250)) * time.Millisecond
	instruments := parseInstruments(envOrDefault("TICK_SYMBOLS", "BTCUSDT:65000,ETHUSDT:3000,ADAUSDT:0.45"), log)
	if len(instruments) == 0 {
		log.Fatal("no instruments configured via TICK_SYMBOLS")
	}
	log.Info("starting simulated trade stream",
		zap.Any("instruments", instruments),
		zap.Duration("interval", interval))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	h := newHub()
	go runGenerator(ctx, h, instruments, interval, log)

	mux := http.NewServeMux()
	mux.HandleFunc("/stream", streamHandler(h, log))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"tickserver"}`))
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("listening", zap.String("addr", addr), zap.String("url", "ws://localhost"+addr+"/stream"))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("server error", zap.Error(err))
	}
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func parseInstruments(s string, log *zap.Logger) []instrument {
	var result []instrument
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		seg := strings.SplitN(part, ":", 2)
		if len(seg) != 2 {
			log.Warn("skipping invalid symbol spec", zap.String("spec", part))
			continue
		}
		price, err := strconv.ParseFloat(strings.TrimSpace(seg[1]), 64)
		if err != nil || price <= 0 {
			log.Warn("skipping invalid seed price", zap.String("spec", part))
			continue
		}
		result = append(result, instrument{Pair: strings.ToUpper(strings.TrimSpace(seg[0])), Price: price})
	}
	return result
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
