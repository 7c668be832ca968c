// Package price fetches the BTC/USD market price.
package price

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/xtrntr/papertrade/internal/config"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrPriceUnavailable is returned when no usable price could be obtained
var ErrPriceUnavailable = errors.New("price unavailable")

const maxBackoff = 30 * time.Second

// Source supplies the current BTC/USD price
type Source interface {
	Price(ctx context.Context) (decimal.Decimal, error)
}

// Cache stores the most recent fresh quote
type Cache interface {
	Get(ctx context.Context) (decimal.Decimal, bool)
	Set(ctx context.Context, price decimal.Decimal)
}

// coinGeckoResponse is the simple/price payload for ids=bitcoin&vs_currencies=usd
type coinGeckoResponse struct {
	Bitcoin struct {
		USD json.Number `json:"usd"`
	} `json:"bitcoin"`
}

// Client fetches the price over HTTP with retries
type Client struct {
	url        string
	httpClient *http.Client
	maxRetries int
	retryDelay time.Duration
	cache      Cache
}

// NewClient creates a price client. cache may be nil.
func NewClient(cfg config.PriceConfig, cache Cache) *Client {
	maxRetries := cfg.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Client{
		url:        cfg.URL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		maxRetries: maxRetries,
		retryDelay: cfg.RetryDelay,
		cache:      cache,
	}
}

// Price returns the cached quote if still fresh, otherwise fetches a new one.
// All failures are reported as ErrPriceUnavailable.
func (c *Client) Price(ctx context.Context) (decimal.Decimal, error) {
	if c.cache != nil {
		if p, ok := c.cache.Get(ctx); ok {
			return p, nil
		}
	}

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := Backoff(c.retryDelay, attempt-1)
			zap.L().Debug("Retrying price fetch", zap.Int("attempt", attempt), zap.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return decimal.Zero, fmt.Errorf("%w: %v", ErrPriceUnavailable, ctx.Err())
			case <-time.After(delay):
			}
		}

		p, err := c.fetch(ctx)
		if err == nil {
			if c.cache != nil {
				c.cache.Set(ctx, p)
			}
			return p, nil
		}
		lastErr = err
		zap.L().Warn("Price fetch attempt failed", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return decimal.Zero, fmt.Errorf("%w: %v", ErrPriceUnavailable, lastErr)
}

func (c *Client) fetch(ctx context.Context) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return decimal.Zero, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return decimal.Zero, err
	}

	var data coinGeckoResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode price response: %w", err)
	}
	if data.Bitcoin.USD == "" {
		return decimal.Zero, errors.New("price missing from response")
	}

	p, err := decimal.NewFromString(data.Bitcoin.USD.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid price %q: %w", data.Bitcoin.USD, err)
	}
	if !p.IsPositive() {
		return decimal.Zero, fmt.Errorf("non-positive price %s", p)
	}
	return p, nil
}

// Backoff returns base * 2^retry, capped at 30s
func Backoff(base time.Duration, retry int) time.Duration {
	if retry < 0 {
		return base
	}
	if retry > 30 {
		return maxBackoff
	}
	d := base * time.Duration(1<<retry)
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}

type fallback struct {
	src   Source
	value decimal.Decimal
}

// WithFallback wraps src so that a failure yields value instead of an error
func WithFallback(src Source, value decimal.Decimal) Source {
	return &fallback{src: src, value: value}
}

func (f *fallback) Price(ctx context.Context) (decimal.Decimal, error) {
	p, err := f.src.Price(ctx)
	if err != nil {
		zap.L().Warn("Using fallback price", zap.String("price_usd", f.value.String()), zap.Error(err))
		return f.value, nil
	}
	return p, nil
}
