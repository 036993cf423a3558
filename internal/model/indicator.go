package model

import "math"

// IndicatorRow holds the indicator values of the most recent bar.
// A nil field means "no value" (not enough history, NaN or Inf) and is
// serialized as null.
type IndicatorRow struct {
	Timestamp  string   `json:"timestamp"`
	SMA        *float64 `json:"SMA"`
	EMA        *float64 `json:"EMA"`
	RSI        *float64 `json:"RSI"`
	MACD       *float64 `json:"MACD"`
	MACDSignal *float64 `json:"MACDSignal"`
	Signal     bool     `json:"Signal"`
}

// Value wraps v as an optional indicator value; NaN and ±Inf become nil.
func Value(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
