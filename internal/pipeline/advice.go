// Package pipeline runs the tiered per-asset analysis loop: indicators and
// anomaly scoring on every tick, language-model reasoning only when the
// anomaly ladder or news volume warrants it.
package pipeline

import (
	"sync"
	"time"

	"github.com/Superandyfre/Openclaw-stock/internal/asset"
	"github.com/Superandyfre/Openclaw-stock/internal/position"
)

// Action of an advice entry.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
	ActionHold Action = "hold"
)

// Advice is one trade recommendation. Confidence is a monotone derived
// score, not a probability.
type Advice struct {
	Asset           asset.Asset
	Action          Action
	Confidence      float64
	Entry           float64
	StopLoss        float64
	TakeProfitTiers []float64
	Reasoning       string
	Source          string // rules | llm
	Strategy        string
	GeneratedAt     time.Time

	// Carried from the winning strategy for position opening.
	StopPct float64
	TPPct   float64
	MaxHold time.Duration
	Tiers   []position.Tier
}

// History is the capped per-asset advice ring: entries older than the age
// bound fall off, reads are many, writes come from the owning pipeline task.
type History struct {
	maxAge time.Duration
	now    func() time.Time

	mu      sync.RWMutex
	byAsset map[string][]Advice
}

// NewHistory keeps advice entries for maxAge (default 24h).
func NewHistory(maxAge time.Duration, now func() time.Time) *History {
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	if now == nil {
		now = time.Now
	}
	return &History{maxAge: maxAge, now: now, byAsset: make(map[string][]Advice)}
}

// Add appends an advice entry and prunes expired ones for the asset.
func (h *History) Add(a Advice) {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := a.Asset.Key()
	cutoff := h.now().Add(-h.maxAge)
	kept := h.byAsset[key][:0]
	for _, old := range h.byAsset[key] {
		if old.GeneratedAt.After(cutoff) {
			kept = append(kept, old)
		}
	}
	h.byAsset[key] = append(kept, a)
}

// Latest returns the most recent entry for the asset.
func (h *History) Latest(a asset.Asset) (Advice, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	entries := h.byAsset[a.Key()]
	if len(entries) == 0 {
		return Advice{}, false
	}
	latest := entries[len(entries)-1]
	if latest.GeneratedAt.Before(h.now().Add(-h.maxAge)) {
		return Advice{}, false
	}
	return latest, true
}

// Since returns entries newer than t, oldest first.
func (h *History) Since(a asset.Asset, t time.Time) []Advice {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []Advice
	for _, e := range h.byAsset[a.Key()] {
		if e.GeneratedAt.After(t) {
			out = append(out, e)
		}
	}
	return out
}
