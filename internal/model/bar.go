package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// BarTimeLayout is the canonical string form of a bar timestamp.
const BarTimeLayout = "2006-01-02 15:04:05"

// Bar is one daily OHLCV record for a single symbol.
type Bar struct {
	Timestamp string    `json:"timestamp"`
	Open      float64   `json:"Open"`
	High      float64   `json:"High"`
	Low       float64   `json:"Low"`
	Close     float64   `json:"Close"`
	Volume    float64   `json:"Volume"`
	Time      time.Time `json:"-"` // parsed open time, used for ordering checks
}

// BarSeries is a chronological sequence of bars; the last element is "today".
type BarSeries []Bar

// Clone returns an independent copy of the series.
func (s BarSeries) Clone() BarSeries {
	if s == nil {
		return nil
	}
	out := make(BarSeries, len(s))
	copy(out, s)
	return out
}

// Last returns a pointer to the last bar, or nil for an empty series.
// The pointer aliases the series' backing array.
func (s BarSeries) Last() *Bar {
	if len(s) == 0 {
		return nil
	}
	return &s[len(s)-1]
}

// Closes returns the close prices in order.
func (s BarSeries) Closes() []float64 {
	out := make([]float64, len(s))
	for i, b := range s {
		out[i] = b.Close
	}
	return out
}

// Validate checks that timestamps are strictly increasing.
func (s BarSeries) Validate() error {
	for i := 1; i < len(s); i++ {
		if !s[i].Time.After(s[i-1].Time) {
			return fmt.Errorf("bar %d (%s) not after bar %d (%s)", i, s[i].Timestamp, i-1, s[i-1].Timestamp)
		}
	}
	return nil
}

// Kline is one raw daily row as returned by the exchange klines endpoint.
// Only the first seven positions are kept; the rest (quote volume, trade
// count, taker volumes) are not decoded.
//
//	[0] open time (unix ms)   [4] close
//	[1] open                  [5] volume
//	[2] high                  [6] close time (unix ms)
//	[3] low
type Kline struct {
	OpenTime  int64
	Open      string
	High      string
	Low       string
	Close     string
	Volume    string
	CloseTime int64
}

// Bar normalizes the raw row: unused fields are dropped, the open time is
// rendered in BarTimeLayout (UTC) and OHLCV strings are coerced to float64.
func (k Kline) Bar() (Bar, error) {
	fields := [5]string{k.Open, k.High, k.Low, k.Close, k.Volume}
	var vals [5]float64
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return Bar{}, fmt.Errorf("kline %d: field %d: %w", k.OpenTime, i+1, err)
		}
		vals[i] = v
	}
	ts := time.UnixMilli(k.OpenTime).UTC()
	return Bar{
		Timestamp: ts.Format(BarTimeLayout),
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		Volume:    vals[4],
		Time:      ts,
	}, nil
}

// UnmarshalJSON decodes the positional array form of a kline. Positions
// past the seventh are ignored.
func (k *Kline) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) < 7 {
		return fmt.Errorf("kline has %d fields, want >= 7", len(raw))
	}
	if err := json.Unmarshal(raw[0], &k.OpenTime); err != nil {
		return fmt.Errorf("open time: %w", err)
	}
	if err := json.Unmarshal(raw[6], &k.CloseTime); err != nil {
		return fmt.Errorf("close time: %w", err)
	}
	strs := []*string{&k.Open, &k.High, &k.Low, &k.Close, &k.Volume}
	for i, dst := range strs {
		if err := json.Unmarshal(raw[i+1], dst); err != nil {
			return fmt.Errorf("field %d: %w", i+1, err)
		}
	}
	return nil
}
