// Package binance talks to the Binance spot REST API (daily klines) and
// decodes messages from its combined trade stream.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Engibee/crypto-dashboard/internal/circuitbreaker"
	"github.com/Engibee/crypto-dashboard/internal/model"
)

const (
	DefaultRESTURL = "https://api.binance.com"
	klinePath      = "/api/v3/klines"
	dailyInterval  = "1d"
	maxLimit       = 1000
)

// Client fetches historical klines. It satisfies model.KlineProvider.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *circuitbreaker.Breaker
	log     *zap.Logger

	// Now is used to compute the end of the requested range.
	Now func() time.Time
}

// NewClient creates a REST client. A nil breaker disables circuit breaking.
func NewClient(baseURL string, timeout time.Duration, breaker *circuitbreaker.Breaker, log *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultRESTURL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		breaker: breaker,
		log:     log.Named("binance"),
		Now:     time.Now,
	}
}

// FetchDailyBars returns the daily klines for symbol ("BTCUSDT") from start
// up to now, paginating until the range is covered.
func (c *Client) FetchDailyBars(ctx context.Context, symbol string, start time.Time) ([]model.Kline, error) {
	symbol = strings.ToUpper(symbol)
	startMs := start.UnixMilli()
	endMs := c.Now().UnixMilli()

	var out []model.Kline
	for {
		var batch []model.Kline
		fetch := func() error {
			var err error
			batch, err = c.fetchBatch(ctx, symbol, startMs, endMs)
			return err
		}
		var err error
		if c.breaker != nil {
			err = c.breaker.Execute(fetch)
		} else {
			err = fetch()
		}
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)

		if len(batch) < maxLimit {
			break
		}
		startMs = batch[len(batch)-1].OpenTime + 1
		if startMs > endMs {
			break
		}
	}

	c.log.Debug("fetched klines",
		zap.String("symbol", symbol),
		zap.Time("start", start),
		zap.Int("rows", len(out)))
	return out, nil
}

func (c *Client) fetchBatch(ctx context.Context, symbol string, startMs, endMs int64) ([]model.Kline, error) {
	u, err := url.Parse(c.baseURL + klinePath)
	if err != nil {
		return nil, fmt.Errorf("binance: parse url: %w", err)
	}

	q := u.Query()
	q.Set("symbol", symbol)
	q.Set("interval", dailyInterval)
	q.Set("startTime", strconv.FormatInt(startMs, 10))
	q.Set("endTime", strconv.FormatInt(endMs, 10))
	q.Set("limit", strconv.Itoa(maxLimit))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("binance: build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("binance: http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("binance: unexpected status %s", resp.Status)
	}

	var rows []model.Kline
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("binance: decode response: %w", err)
	}
	return rows, nil
}
