package model

import (
	"fmt"
	"strings"
)

// FeedKind is the payload variant a subscriber asked for.
type FeedKind string

const (
	FeedIndicators FeedKind = "indicators"
	FeedRawBars    FeedKind = "rawBars"
	FeedLivePrice  FeedKind = "livePrice"
)

// ParseFeedKind accepts the canonical names plus the URL path forms
// ("data", "raw-data", "live-price").
func ParseFeedKind(s string) (FeedKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "indicators", "data":
		return FeedIndicators, nil
	case "rawbars", "raw-data":
		return FeedRawBars, nil
	case "liveprice", "live-price":
		return FeedLivePrice, nil
	}
	return "", fmt.Errorf("unknown feed kind %q", s)
}

// BaseSymbol upper-cases an exchange pair and strips the quote suffix:
// "btcusdt" -> "BTC". Symbols without the suffix are returned upper-cased.
func BaseSymbol(pair, quote string) string {
	s := strings.ToUpper(strings.TrimSpace(pair))
	q := strings.ToUpper(quote)
	if q != "" && len(s) > len(q) && strings.HasSuffix(s, q) {
		return s[:len(s)-len(q)]
	}
	return s
}

// PairSymbol returns the upper-case exchange pair for a base symbol:
// "BTC" -> "BTCUSDT". An argument that already carries the quote suffix is
// returned upper-cased.
func PairSymbol(symbol, quote string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	q := strings.ToUpper(quote)
	if q == "" || strings.HasSuffix(s, q) {
		return s
	}
	return s + q
}
