package chat

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Superandyfre/Openclaw-stock/config"
	"github.com/Superandyfre/Openclaw-stock/internal/asset"
	"github.com/Superandyfre/Openclaw-stock/internal/market"
	"github.com/Superandyfre/Openclaw-stock/internal/position"
)

type fixedFetcher struct {
	price float64
}

func (f *fixedFetcher) Quote(ctx context.Context, a asset.Asset) (market.Quote, error) {
	return market.Quote{Asset: a, Timestamp: time.Now(), Price: f.price, Currency: "KRW"}, nil
}

func (f *fixedFetcher) Series(ctx context.Context, a asset.Asset, w market.BarWidth, n int) (market.Series, error) {
	return market.Series{Asset: a, Width: w}, nil
}

func (f *fixedFetcher) Subscribe(ctx context.Context, a asset.Asset, fn func(market.Quote)) error {
	return nil
}

func riskConfig() config.RiskConfig {
	return config.RiskConfig{
		StopLossPct:    -0.10,
		StopWarningPct: -0.08,
		TakeProfitPct:  0.20,
		MajorGainPct:   0.15,
		MaxHold:        10 * time.Hour,
		FeeRate:        0.001,
	}
}

func newTestService(t *testing.T) (*Service, *position.Tracker) {
	t.Helper()
	tracker := position.NewTracker(riskConfig(), zerolog.Nop())
	router := NewRouter(asset.NewAliases(nil), nil, 0.7, zerolog.Nop())
	svc := NewService(ServiceDeps{
		Router:  router,
		Tracker: tracker,
		Fetcher: &fixedFetcher{price: 75000},
		Risk:    riskConfig(),
		Users:   []string{"alice"},
	}, zerolog.Nop())
	return svc, tracker
}

func TestChineseBuyCommandEndToEnd(t *testing.T) {
	svc, tracker := newTestService(t)

	reply := svc.HandleMessage(context.Background(), Inbound{
		UserID: "alice",
		Text:   "买入三星电子 10股 价格75000",
	})

	views := tracker.Query(nil)
	if len(views) != 1 {
		t.Fatalf("expected one open position, got %d (reply %q)", len(views), reply)
	}
	v := views[0]
	if v.Asset.ID != "005930" {
		t.Errorf("asset = %s, want 005930", v.Asset.ID)
	}
	if v.QuantityRem != 10 {
		t.Errorf("quantity = %g, want 10", v.QuantityRem)
	}
	if v.EntryPrice != 75000 {
		t.Errorf("entry = %g, want 75000", v.EntryPrice)
	}
	if !strings.Contains(reply, "position opened") {
		t.Errorf("reply should confirm the trade: %q", reply)
	}
}

func TestRuleConfidenceForBuyWithAllSlots(t *testing.T) {
	router := NewRouter(asset.NewAliases(nil), nil, 0.7, zerolog.Nop())
	intent := router.Classify(context.Background(), "buy samsung 10 shares at 75000")
	if intent.Kind != IntentBuy {
		t.Fatalf("intent = %s, want buy", intent.Kind)
	}
	if intent.Confidence < 0.7 {
		t.Errorf("verb+asset+quantity must reach 0.7 by rules alone, got %f", intent.Confidence)
	}
	if intent.Via != "rules" {
		t.Errorf("classification via %s, want rules", intent.Via)
	}
	if intent.Slots.Asset == nil || intent.Slots.Asset.ID != "005930" {
		t.Errorf("asset slot = %+v", intent.Slots.Asset)
	}
	if intent.Slots.Quantity != 10 || intent.Slots.Price != 75000 {
		t.Errorf("slots = %+v", intent.Slots)
	}
}

func TestUnauthorizedUserGetsFixedRefusal(t *testing.T) {
	svc, tracker := newTestService(t)

	reply := svc.HandleMessage(context.Background(), Inbound{
		UserID: "mallory",
		Text:   "buy BTC 1",
	})
	if reply != refusalMessage {
		t.Errorf("reply = %q, want the fixed refusal", reply)
	}
	if tracker.OpenCount() != 0 {
		t.Error("unauthorized commands must not mutate state")
	}
}

func TestEmptyAllowListDeniesEveryone(t *testing.T) {
	tracker := position.NewTracker(riskConfig(), zerolog.Nop())
	router := NewRouter(asset.NewAliases(nil), nil, 0.7, zerolog.Nop())
	svc := NewService(ServiceDeps{
		Router: router, Tracker: tracker,
		Fetcher: &fixedFetcher{price: 100}, Risk: riskConfig(),
	}, zerolog.Nop())

	if reply := svc.HandleMessage(context.Background(), Inbound{UserID: "anyone", Text: "hello"}); reply != refusalMessage {
		t.Errorf("empty allow-list must deny all users, got %q", reply)
	}
}

func TestMissingQuantityAsksForClarification(t *testing.T) {
	svc, tracker := newTestService(t)

	reply := svc.HandleMessage(context.Background(), Inbound{
		UserID: "alice",
		Text:   "buy bitcoin",
	})
	if tracker.OpenCount() != 0 {
		t.Fatal("missing quantity must not execute a trade")
	}
	if !strings.Contains(strings.ToLower(reply), "how many") {
		t.Errorf("expected a clarification question, got %q", reply)
	}
}

func TestMissingPriceFallsBackToQuote(t *testing.T) {
	svc, tracker := newTestService(t)

	svc.HandleMessage(context.Background(), Inbound{
		UserID: "alice",
		Text:   "buy bitcoin 2 coins",
	})
	views := tracker.Query(nil)
	if len(views) != 1 {
		t.Fatal("trade with fetched price should execute")
	}
	if views[0].EntryPrice != 75000 {
		t.Errorf("entry should come from the live quote, got %g", views[0].EntryPrice)
	}
}

func TestSellRoundTrip(t *testing.T) {
	svc, tracker := newTestService(t)

	svc.HandleMessage(context.Background(), Inbound{UserID: "alice", Text: "buy bitcoin 2 coins"})
	if tracker.OpenCount() != 1 {
		t.Fatal("open failed")
	}
	reply := svc.HandleMessage(context.Background(), Inbound{UserID: "alice", Text: "sell bitcoin"})
	if tracker.OpenCount() != 0 {
		t.Fatalf("sell should close the position (reply %q)", reply)
	}
	if !strings.Contains(reply, "Realized P&L") {
		t.Errorf("sell reply should carry the P&L block: %q", reply)
	}
}

func TestPositionQueryRendering(t *testing.T) {
	svc, _ := newTestService(t)

	svc.HandleMessage(context.Background(), Inbound{UserID: "alice", Text: "buy bitcoin 2 coins"})
	reply := svc.HandleMessage(context.Background(), Inbound{UserID: "alice", Text: "show my positions"})
	if !strings.Contains(reply, "BTCUSDT") {
		t.Errorf("position listing should name the symbol: %q", reply)
	}
	if !strings.Contains(reply, "Risk:") {
		t.Errorf("replies must end with the risk footer: %q", reply)
	}
}
