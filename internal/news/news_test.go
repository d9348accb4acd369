package news

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Superandyfre/Openclaw-stock/internal/asset"
)

var samsung = asset.Asset{ID: "005930", Class: asset.ClassEquity, Name: "Samsung"}

type stubSource struct {
	name  string
	items []Item
	err   error
}

func (s *stubSource) Name() string { return s.name }
func (s *stubSource) Fetch(ctx context.Context) ([]Item, error) {
	return s.items, s.err
}

func TestPollDeduplicatesByURL(t *testing.T) {
	it := Item{Title: "Samsung beats estimates", Source: "wire", URL: "https://example.com/1",
		PublishedAt: time.Now(), AssetIDs: []string{"005930"}}
	src := &stubSource{name: "wire", items: []Item{it, it}}
	agg := NewAggregator([]Source{src}, time.Hour, zerolog.Nop())

	agg.Poll(context.Background())
	agg.Poll(context.Background())

	if got := len(agg.Relevant(samsung)); got != 1 {
		t.Errorf("relevant items = %d, want 1 after dedupe", got)
	}
}

func TestDedupeFallsBackToSourceTitle(t *testing.T) {
	it := Item{Title: "Chip demand surges", Source: "wire", PublishedAt: time.Now(), AssetIDs: []string{"005930"}}
	src := &stubSource{name: "wire", items: []Item{it, it}}
	agg := NewAggregator([]Source{src}, time.Hour, zerolog.Nop())

	agg.Poll(context.Background())

	if got := len(agg.Relevant(samsung)); got != 1 {
		t.Errorf("relevant items = %d, want 1", got)
	}
}

func TestWindowPrune(t *testing.T) {
	now := time.Now()
	src := &stubSource{name: "wire", items: []Item{
		{Title: "old", Source: "wire", URL: "u1", PublishedAt: now.Add(-2 * time.Hour), AssetIDs: []string{"005930"}},
		{Title: "fresh", Source: "wire", URL: "u2", PublishedAt: now, AssetIDs: []string{"005930"}},
	}}
	agg := NewAggregator([]Source{src}, time.Hour, zerolog.Nop())

	agg.Poll(context.Background())

	items := agg.Relevant(samsung)
	if len(items) != 1 || items[0].Title != "fresh" {
		t.Errorf("items = %+v, want only the fresh headline", items)
	}
}

func TestFailingSourceDoesNotStarveOthers(t *testing.T) {
	dead := &stubSource{name: "dead", err: errors.New("timeout")}
	live := &stubSource{name: "live", items: []Item{
		{Title: "Samsung news", Source: "live", URL: "u1", PublishedAt: time.Now(), AssetIDs: []string{"005930"}},
	}}
	agg := NewAggregator([]Source{dead, live}, time.Hour, zerolog.Nop())

	agg.Poll(context.Background())

	if got := len(agg.Relevant(samsung)); got != 1 {
		t.Errorf("relevant items = %d, want 1 from the live source", got)
	}
}

func TestShouldEscalateAtThreshold(t *testing.T) {
	now := time.Now()
	items := make([]Item, escalateCount)
	for i := range items {
		items[i] = Item{Title: "Samsung headline", Source: "wire",
			URL: fmt.Sprintf("https://example.com/%d", i), PublishedAt: now, AssetIDs: []string{"005930"}}
	}
	src := &stubSource{name: "wire", items: items[:escalateCount-1]}
	agg := NewAggregator([]Source{src}, time.Hour, zerolog.Nop())
	agg.Poll(context.Background())
	if agg.ShouldEscalate(samsung) {
		t.Error("one below the threshold must not escalate")
	}

	src.items = items
	agg.Poll(context.Background())
	if !agg.ShouldEscalate(samsung) {
		t.Error("reaching the threshold must escalate")
	}
}

func TestMentionMatchesByName(t *testing.T) {
	src := &stubSource{name: "wire", items: []Item{
		{Title: "samsung unveils new fab", Source: "wire", URL: "u1", PublishedAt: time.Now()},
	}}
	agg := NewAggregator([]Source{src}, time.Hour, zerolog.Nop())
	agg.Poll(context.Background())

	if got := len(agg.Relevant(samsung)); got != 1 {
		t.Errorf("name-based mention should match, got %d items", got)
	}
}

func TestHeadlinesCapped(t *testing.T) {
	now := time.Now()
	var items []Item
	for i := 0; i < 10; i++ {
		items = append(items, Item{Title: fmt.Sprintf("headline %d", i), Source: "wire",
			URL: fmt.Sprintf("u%d", i), PublishedAt: now.Add(time.Duration(i) * time.Minute),
			AssetIDs: []string{"005930"}})
	}
	agg := NewAggregator([]Source{&stubSource{name: "wire", items: items}}, time.Hour, zerolog.Nop())
	agg.Poll(context.Background())

	heads := agg.Headlines(samsung, 3)
	if len(heads) != 3 {
		t.Fatalf("headlines = %d, want 3", len(heads))
	}
	if heads[0] != "headline 9" {
		t.Errorf("newest first, got %q", heads[0])
	}
}
