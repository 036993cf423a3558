package binance

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Engibee/crypto-dashboard/internal/model"
)

// DefaultStreamURL is the combined-stream endpoint.
const DefaultStreamURL = "wss://stream.binance.com:9443/stream"

// ErrMalformedMessage is returned for stream messages that cannot be decoded
// into a trade.
var ErrMalformedMessage = errors.New("binance: malformed stream message")

// StreamURL joins stream names into a single combined-stream subscription:
// base?streams=btcusdt@trade/ethusdt@trade.
func StreamURL(base string, streams []string) string {
	if base == "" {
		base = DefaultStreamURL
	}
	names := make([]string, 0, len(streams))
	for _, s := range streams {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			names = append(names, s)
		}
	}
	return base + "?streams=" + strings.Join(names, "/")
}

type envelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type tradeEvent struct {
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	TradeTime int64  `json:"T"`
}

// ParseTrade decodes one combined-stream trade message into a Tick with a
// lowercase pair symbol. Errors wrap ErrMalformedMessage.
func ParseTrade(msg []byte) (model.Tick, error) {
	var env envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return model.Tick{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if len(env.Data) == 0 {
		return model.Tick{}, fmt.Errorf("%w: missing data", ErrMalformedMessage)
	}

	var ev tradeEvent
	if err := json.Unmarshal(env.Data, &ev); err != nil {
		return model.Tick{}, fmt.Errorf("%w: data: %v", ErrMalformedMessage, err)
	}
	symbol := strings.ToLower(ev.Symbol)
	if symbol == "" {
		// Fall back to the stream name ("btcusdt@trade").
		symbol, _, _ = strings.Cut(strings.ToLower(env.Stream), "@")
	}
	if symbol == "" {
		return model.Tick{}, fmt.Errorf("%w: missing symbol", ErrMalformedMessage)
	}

	price, err := strconv.ParseFloat(ev.Price, 64)
	if err != nil || price <= 0 {
		return model.Tick{}, fmt.Errorf("%w: price %q", ErrMalformedMessage, ev.Price)
	}
	var qty float64
	if ev.Quantity != "" {
		qty, err = strconv.ParseFloat(ev.Quantity, 64)
		if err != nil || qty < 0 {
			return model.Tick{}, fmt.Errorf("%w: quantity %q", ErrMalformedMessage, ev.Quantity)
		}
	}

	t := time.Now().UTC()
	if ev.TradeTime > 0 {
		t = time.UnixMilli(ev.TradeTime).UTC()
	}
	return model.Tick{Symbol: symbol, Price: price, Volume: qty, Time: t}, nil
}
