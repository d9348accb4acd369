package market

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Superandyfre/Openclaw-stock/internal/asset"
)

// fakeAdapter scripts quote results for failover tests.
type fakeAdapter struct {
	name   string
	quotes []fakeResult
	calls  int
	bound  time.Duration
}

type fakeResult struct {
	quote Quote
	err   error
}

func (f *fakeAdapter) Name() string     { return f.name }
func (f *fakeAdapter) Currency() string { return "USD" }
func (f *fakeAdapter) StalenessBound() time.Duration {
	if f.bound > 0 {
		return f.bound
	}
	return time.Minute
}
func (f *fakeAdapter) QuotaPerMinute() int { return 600 }

func (f *fakeAdapter) Quote(ctx context.Context, a asset.Asset) (Quote, error) {
	if f.calls >= len(f.quotes) {
		return Quote{}, errors.New("no scripted result")
	}
	r := f.quotes[f.calls]
	f.calls++
	return r.quote, r.err
}

func (f *fakeAdapter) Series(ctx context.Context, a asset.Asset, w BarWidth, n int) (Series, error) {
	return Series{Asset: a, Width: w, Bars: []Bar{{Close: 100}}}, nil
}

var testAsset = asset.Asset{ID: "AAPL", Class: asset.ClassEquity}

func goodQuote(price float64) Quote {
	return Quote{Asset: testAsset, Timestamp: time.Now(), Price: price, Currency: "USD"}
}

func newTestFanIn(adapters ...Adapter) *FanIn {
	return NewFanIn(FanInConfig{}, map[asset.Scope][]Adapter{
		asset.ScopeUSEquity: adapters,
	}, nil, zerolog.Nop())
}

func TestQuoteFailoverToSecondAdapter(t *testing.T) {
	primary := &fakeAdapter{name: "primary", quotes: []fakeResult{{err: errors.New("network down")}}}
	backup := &fakeAdapter{name: "backup", quotes: []fakeResult{{quote: goodQuote(187.5)}}}

	f := newTestFanIn(primary, backup)
	q, err := f.Quote(context.Background(), testAsset)
	if err != nil {
		t.Fatalf("Quote returned error: %v", err)
	}
	if q.Adapter != "backup" {
		t.Errorf("expected quote served by backup, got %q", q.Adapter)
	}
	if q.Price != 187.5 {
		t.Errorf("expected price 187.5, got %f", q.Price)
	}
}

func TestQuoteRejectsStaleAdapterData(t *testing.T) {
	stale := goodQuote(100)
	stale.Timestamp = time.Now().Add(-10 * time.Minute)

	primary := &fakeAdapter{name: "primary", quotes: []fakeResult{{quote: stale}}, bound: time.Minute}
	backup := &fakeAdapter{name: "backup", quotes: []fakeResult{{quote: goodQuote(101)}}}

	f := newTestFanIn(primary, backup)
	q, err := f.Quote(context.Background(), testAsset)
	if err != nil {
		t.Fatalf("Quote returned error: %v", err)
	}
	if q.Adapter != "backup" {
		t.Errorf("stale primary should be skipped, served by %q", q.Adapter)
	}
}

func TestQuoteServesLastKnownGoodWithAge(t *testing.T) {
	primary := &fakeAdapter{name: "primary", quotes: []fakeResult{
		{quote: goodQuote(100)},
		{err: errors.New("network down")},
	}}

	f := newTestFanIn(primary)
	if _, err := f.Quote(context.Background(), testAsset); err != nil {
		t.Fatalf("first quote failed: %v", err)
	}

	q, err := f.Quote(context.Background(), testAsset)
	if err != nil {
		t.Fatalf("expected last-known-good quote, got error: %v", err)
	}
	if q.Age <= 0 {
		t.Error("last-known-good quote must carry a positive age tag")
	}
	if q.Price != 100 {
		t.Errorf("expected cached price 100, got %f", q.Price)
	}
}

func TestQuoteSourceUnavailableWhenNothingWorks(t *testing.T) {
	primary := &fakeAdapter{name: "primary", quotes: []fakeResult{{err: errors.New("down")}}}

	f := newTestFanIn(primary)
	_, err := f.Quote(context.Background(), testAsset)
	if !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("expected ErrSourceUnavailable, got %v", err)
	}
}

func TestSeriesTailAndAppendCap(t *testing.T) {
	s := Series{Asset: testAsset, Width: Width1m}
	for i := 0; i < 10; i++ {
		s.Append(Bar{Close: float64(i)}, 5)
	}
	if len(s.Bars) != 5 {
		t.Fatalf("expected capped length 5, got %d", len(s.Bars))
	}
	if s.Bars[0].Close != 5 {
		t.Errorf("expected oldest retained bar close 5, got %f", s.Bars[0].Close)
	}
	tail := s.Tail(3)
	if len(tail) != 3 || tail[2].Close != 9 {
		t.Errorf("unexpected tail: %+v", tail)
	}
}
