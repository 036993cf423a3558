package model

import "time"

// Tick represents a single trade event from the upstream combined stream.
// Symbol is the lowercase exchange pair ("btcusdt"), which is also the key
// used by the live state store.
type Tick struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	Volume float64   `json:"volume"` // traded quantity of this trade
	Time   time.Time `json:"time"`   // trade time (UTC)
}

// LivePrice is the livePrice feed payload.
type LivePrice struct {
	Symbol    string  `json:"symbol"` // base symbol, e.g. "BTC"
	Price     float64 `json:"price"`
	Timestamp float64 `json:"timestamp"` // unix seconds with fraction
}

// NewLivePrice builds the livePrice payload for a tick observed at ts.
func NewLivePrice(base string, price float64, ts time.Time) LivePrice {
	return LivePrice{
		Symbol:    base,
		Price:     price,
		Timestamp: float64(ts.UnixNano()) / 1e9,
	}
}
