package market

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Superandyfre/Openclaw-stock/internal/asset"
)

// QuoteCache is an optional external cache for last-known-good quotes so
// they survive restarts. The Redis store implements it; absence degrades to
// in-memory only.
type QuoteCache interface {
	PutQuote(ctx context.Context, q Quote) error
	GetQuote(ctx context.Context, key string) (Quote, bool, error)
}

// FanInConfig tunes failover behaviour.
type FanInConfig struct {
	// RequestTimeout bounds each adapter call. Default 10s.
	RequestTimeout time.Duration
	// RateLimitWait bounds how long a call may block on a token bucket
	// before failing with ErrRateLimited. Default 2s.
	RateLimitWait time.Duration
	// ServeStaleFor is how old a last-known-good quote may be and still be
	// served (with its age tag) when all adapters fail. Default 5m.
	ServeStaleFor time.Duration
	// QuotaSafetyMargin is the fraction of each adapter's documented quota
	// left unused. Default 0.2.
	QuotaSafetyMargin float64
}

func (c *FanInConfig) fill() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.RateLimitWait <= 0 {
		c.RateLimitWait = 2 * time.Second
	}
	if c.ServeStaleFor <= 0 {
		c.ServeStaleFor = 5 * time.Minute
	}
	if c.QuotaSafetyMargin <= 0 {
		c.QuotaSafetyMargin = 0.2
	}
}

// FanIn dispatches quote/series calls to an ordered adapter list per
// instrument scope, applying per-adapter token buckets and failover.
type FanIn struct {
	cfg      FanInConfig
	logger   zerolog.Logger
	adapters map[asset.Scope][]Adapter
	limiters map[string]*rate.Limiter
	cache    QuoteCache

	mu       sync.RWMutex
	lastGood map[string]Quote
}

// NewFanIn builds a fan-in over the given scope → ordered adapter lists.
func NewFanIn(cfg FanInConfig, adapters map[asset.Scope][]Adapter, cache QuoteCache, logger zerolog.Logger) *FanIn {
	cfg.fill()
	f := &FanIn{
		cfg:      cfg,
		logger:   logger.With().Str("component", "market").Logger(),
		adapters: adapters,
		limiters: make(map[string]*rate.Limiter),
		cache:    cache,
		lastGood: make(map[string]Quote),
	}
	for _, list := range adapters {
		for _, a := range list {
			if _, ok := f.limiters[a.Name()]; ok {
				continue
			}
			quota := float64(a.QuotaPerMinute()) * (1 - cfg.QuotaSafetyMargin)
			if quota < 1 {
				quota = 1
			}
			perSec := quota / 60
			burst := int(quota / 10)
			if burst < 1 {
				burst = 1
			}
			f.limiters[a.Name()] = rate.NewLimiter(rate.Limit(perSec), burst)
		}
	}
	return f
}

// Quote fetches a quote with failover. When every adapter fails, a
// last-known-good quote within ServeStaleFor is returned with its age set;
// otherwise the call fails with ErrSourceUnavailable.
func (f *FanIn) Quote(ctx context.Context, a asset.Asset) (Quote, error) {
	scope := asset.ScopeOf(a)
	var lastErr error
	for _, ad := range f.adapters[scope] {
		q, err := f.tryQuote(ctx, ad, a)
		if err != nil {
			lastErr = err
			f.logger.Warn().
				Str("asset", a.ID).
				Str("adapter", ad.Name()).
				Err(err).
				Msg("adapter failed, trying next")
			continue
		}
		f.remember(ctx, q)
		return q, nil
	}

	if q, ok := f.recall(ctx, a); ok {
		age := time.Since(q.Timestamp)
		if age <= f.cfg.ServeStaleFor {
			q.Age = age
			f.logger.Warn().
				Str("asset", a.ID).
				Dur("age", age).
				Msg("all adapters failed, serving last known good quote")
			return q, nil
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no adapters configured for scope %s", scope)
	}
	return Quote{}, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, a.ID, lastErr)
}

func (f *FanIn) tryQuote(ctx context.Context, ad Adapter, a asset.Asset) (Quote, error) {
	if err := f.admit(ctx, ad.Name()); err != nil {
		return Quote{}, err
	}
	cctx, cancel := context.WithTimeout(ctx, f.cfg.RequestTimeout)
	defer cancel()

	q, err := ad.Quote(cctx, a)
	if err != nil {
		return Quote{}, err
	}
	if q.Price <= 0 {
		return Quote{}, fmt.Errorf("%w: non-positive price from %s", ErrSchema, ad.Name())
	}
	if age := time.Since(q.Timestamp); age > ad.StalenessBound() {
		return Quote{}, fmt.Errorf("%w: %s quote is %s old", ErrStale, ad.Name(), age.Round(time.Second))
	}
	q.Adapter = ad.Name()
	if q.Currency == "" {
		q.Currency = ad.Currency()
	}
	return q, nil
}

// Series fetches a bar series with the same failover order as Quote.
func (f *FanIn) Series(ctx context.Context, a asset.Asset, width BarWidth, count int) (Series, error) {
	scope := asset.ScopeOf(a)
	var lastErr error
	for _, ad := range f.adapters[scope] {
		if err := f.admit(ctx, ad.Name()); err != nil {
			lastErr = err
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, f.cfg.RequestTimeout)
		s, err := ad.Series(cctx, a, width, count)
		cancel()
		if err != nil {
			lastErr = err
			f.logger.Warn().
				Str("asset", a.ID).
				Str("adapter", ad.Name()).
				Err(err).
				Msg("series fetch failed, trying next")
			continue
		}
		if len(s.Bars) == 0 {
			lastErr = fmt.Errorf("%w: empty series from %s", ErrSchema, ad.Name())
			continue
		}
		return s, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no adapters configured for scope %s", scope)
	}
	return Series{}, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, a.ID, lastErr)
}

// Subscribe attaches to the first adapter in the scope order that supports
// streaming; scopes without a streaming adapter poll via Quote instead.
func (f *FanIn) Subscribe(ctx context.Context, a asset.Asset, fn func(Quote)) error {
	for _, ad := range f.adapters[asset.ScopeOf(a)] {
		if sa, ok := ad.(StreamAdapter); ok {
			return sa.Subscribe(ctx, a, fn)
		}
	}
	return fmt.Errorf("%w: no streaming adapter for %s", ErrSourceUnavailable, a.ID)
}

// Book returns a depth snapshot from the first adapter able to serve one.
// Absence is reported as ok=false, not an error: the imbalance indicator is
// optional.
func (f *FanIn) Book(ctx context.Context, a asset.Asset, topN int) (OrderBook, bool) {
	for _, ad := range f.adapters[asset.ScopeOf(a)] {
		ba, ok := ad.(BookAdapter)
		if !ok {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, f.cfg.RequestTimeout)
		book, err := ba.Book(cctx, a, topN)
		cancel()
		if err == nil {
			return book, true
		}
	}
	return OrderBook{}, false
}

// admit blocks on the adapter's token bucket up to RateLimitWait.
func (f *FanIn) admit(ctx context.Context, adapterName string) error {
	lim, ok := f.limiters[adapterName]
	if !ok {
		return nil
	}
	wctx, cancel := context.WithTimeout(ctx, f.cfg.RateLimitWait)
	defer cancel()
	if err := lim.Wait(wctx); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s", ErrRateLimited, adapterName)
	}
	return nil
}

func (f *FanIn) remember(ctx context.Context, q Quote) {
	f.mu.Lock()
	f.lastGood[q.Asset.Key()] = q
	f.mu.Unlock()
	if f.cache != nil {
		if err := f.cache.PutQuote(ctx, q); err != nil {
			f.logger.Debug().Err(err).Str("asset", q.Asset.ID).Msg("quote cache write failed")
		}
	}
}

func (f *FanIn) recall(ctx context.Context, a asset.Asset) (Quote, bool) {
	f.mu.RLock()
	q, ok := f.lastGood[a.Key()]
	f.mu.RUnlock()
	if ok {
		return q, true
	}
	if f.cache != nil {
		if cq, found, err := f.cache.GetQuote(ctx, a.Key()); err == nil && found {
			return cq, true
		}
	}
	return Quote{}, false
}
