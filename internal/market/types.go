// Package market provides a uniform quote/series interface over per-class
// data adapters with ordered failover, rate limiting and staleness tagging.
package market

import (
	"context"
	"errors"
	"time"

	"github.com/Superandyfre/Openclaw-stock/internal/asset"
)

var (
	// ErrSourceUnavailable means every adapter for the asset failed and no
	// acceptable last-known-good quote exists.
	ErrSourceUnavailable = errors.New("market data source unavailable")

	// ErrStale marks data older than the adapter's freshness bound.
	ErrStale = errors.New("stale market data")

	// ErrRateLimited means the token bucket could not admit the request
	// before the deadline. Callers treat it as a normal adapter failure.
	ErrRateLimited = errors.New("adapter rate limit exceeded")

	// ErrSchema marks an upstream payload that did not parse.
	ErrSchema = errors.New("adapter schema error")
)

// BarWidth is the bar interval of a series.
type BarWidth string

const (
	Width1m  BarWidth = "1m"
	Width5m  BarWidth = "5m"
	Width15m BarWidth = "15m"
	Width1h  BarWidth = "1h"
	Width1d  BarWidth = "1d"
)

// Duration returns the wall-clock span of one bar.
func (w BarWidth) Duration() time.Duration {
	switch w {
	case Width1m:
		return time.Minute
	case Width5m:
		return 5 * time.Minute
	case Width15m:
		return 15 * time.Minute
	case Width1h:
		return time.Hour
	case Width1d:
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

// Quote is a point-in-time price observation. Age is zero when the quote was
// served live and positive when it came from the last-known-good cache.
type Quote struct {
	Asset        asset.Asset   `json:"asset"`
	Timestamp    time.Time     `json:"timestamp"`
	Price        float64       `json:"price"`
	Volume       float64       `json:"volume"`         // volume over the adapter's window
	ChangePct24h float64       `json:"change_pct_24h"` // decimal, 0.05 = +5%
	Currency     string        `json:"currency"`
	Adapter      string        `json:"adapter"`
	Age          time.Duration `json:"age,omitempty"`
}

// Bar is one OHLCV candle.
type Bar struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Series is an ordered, finite sequence of bars at a stated width.
type Series struct {
	Asset asset.Asset `json:"asset"`
	Width BarWidth    `json:"width"`
	Bars  []Bar       `json:"bars"`
}

// Tail returns the last n bars (or all of them when fewer exist).
func (s Series) Tail(n int) []Bar {
	if len(s.Bars) <= n {
		return s.Bars
	}
	return s.Bars[len(s.Bars)-n:]
}

// Append adds a bar and trims to the cap, keeping memory bounded.
func (s *Series) Append(b Bar, maxBars int) {
	s.Bars = append(s.Bars, b)
	if maxBars > 0 && len(s.Bars) > maxBars {
		s.Bars = s.Bars[len(s.Bars)-maxBars:]
	}
}

// OrderBook is an optional top-N depth snapshot for imbalance indicators.
type OrderBook struct {
	BidDepth float64
	AskDepth float64
}

// Adapter is one upstream market data source. Adapters declare their native
// currency, freshness bound and documented per-minute quota.
type Adapter interface {
	Name() string
	Quote(ctx context.Context, a asset.Asset) (Quote, error)
	Series(ctx context.Context, a asset.Asset, width BarWidth, count int) (Series, error)
	Currency() string
	StalenessBound() time.Duration
	QuotaPerMinute() int
}

// StreamAdapter is implemented by adapters with push support.
type StreamAdapter interface {
	Adapter
	Subscribe(ctx context.Context, a asset.Asset, fn func(Quote)) error
}

// BookAdapter is implemented by adapters that can snapshot order-book depth.
type BookAdapter interface {
	Book(ctx context.Context, a asset.Asset, topN int) (OrderBook, error)
}

// Fetcher is the interface the rest of the system consumes.
type Fetcher interface {
	Quote(ctx context.Context, a asset.Asset) (Quote, error)
	Series(ctx context.Context, a asset.Asset, width BarWidth, count int) (Series, error)
	Subscribe(ctx context.Context, a asset.Asset, fn func(Quote)) error
}
