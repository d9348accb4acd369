// Package news aggregates headline feeds and flags sentiment-relevant bursts
// for the analysis pipeline.
package news

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Superandyfre/Openclaw-stock/internal/asset"
)

// Item is one headline tied to zero or more assets.
type Item struct {
	Title       string
	Source      string
	URL         string
	PublishedAt time.Time
	AssetIDs    []string
}

// Source is a pull-based headline feed.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]Item, error)
}

// escalateCount is the relevant-headline volume that upgrades the asset's
// next analysis to the complex task tier.
const escalateCount = 50

// Aggregator polls sources, keeps a rolling window of items and answers
// relevance queries per asset.
type Aggregator struct {
	sources []Source
	window  time.Duration
	logger  zerolog.Logger

	mu    sync.RWMutex
	items []Item
	seen  map[string]struct{}
}

// NewAggregator keeps items within window (default 6h).
func NewAggregator(sources []Source, window time.Duration, logger zerolog.Logger) *Aggregator {
	if window <= 0 {
		window = 6 * time.Hour
	}
	return &Aggregator{
		sources: sources,
		window:  window,
		logger:  logger.With().Str("component", "news").Logger(),
		seen:    make(map[string]struct{}),
	}
}

// Poll fetches every source once, deduplicating by URL. Source failures are
// logged and skipped so one dead feed cannot starve the rest.
func (a *Aggregator) Poll(ctx context.Context) {
	for _, src := range a.sources {
		items, err := src.Fetch(ctx)
		if err != nil {
			a.logger.Warn().Err(err).Str("source", src.Name()).Msg("news fetch failed")
			continue
		}
		a.add(items)
	}
	a.prune(time.Now())
}

// Run polls on the interval until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = 5 * time.Minute
	}
	a.Poll(ctx)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.Poll(ctx)
		}
	}
}

func (a *Aggregator) add(items []Item) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, it := range items {
		key := it.URL
		if key == "" {
			key = it.Source + "|" + it.Title
		}
		if _, dup := a.seen[key]; dup {
			continue
		}
		a.seen[key] = struct{}{}
		a.items = append(a.items, it)
	}
}

func (a *Aggregator) prune(now time.Time) {
	cutoff := now.Add(-a.window)
	a.mu.Lock()
	defer a.mu.Unlock()
	kept := a.items[:0]
	for _, it := range a.items {
		if it.PublishedAt.After(cutoff) {
			kept = append(kept, it)
		}
	}
	a.items = kept
}

// Relevant returns the window's headlines mentioning the asset, newest first.
func (a *Aggregator) Relevant(as asset.Asset) []Item {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var out []Item
	for _, it := range a.items {
		if mentions(it, as) {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PublishedAt.After(out[j].PublishedAt) })
	return out
}

// ShouldEscalate reports whether headline volume for the asset crosses the
// complex-analysis threshold.
func (a *Aggregator) ShouldEscalate(as asset.Asset) bool {
	return len(a.Relevant(as)) >= escalateCount
}

// Headlines returns up to n relevant titles for prompt context.
func (a *Aggregator) Headlines(as asset.Asset, n int) []string {
	items := a.Relevant(as)
	if len(items) > n {
		items = items[:n]
	}
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Title
	}
	return out
}

func mentions(it Item, as asset.Asset) bool {
	for _, id := range it.AssetIDs {
		if id == as.ID {
			return true
		}
	}
	if as.Name != "" && strings.Contains(strings.ToLower(it.Title), strings.ToLower(as.Name)) {
		return true
	}
	return false
}
