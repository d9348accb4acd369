package chat

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Superandyfre/Openclaw-stock/config"
	"github.com/Superandyfre/Openclaw-stock/internal/asset"
	"github.com/Superandyfre/Openclaw-stock/internal/llm"
)

type cannedProvider struct{ reply string }

func (cannedProvider) Name() string { return "gemini" }
func (c cannedProvider) Complete(ctx context.Context, model, sys, user string) (string, error) {
	return c.reply, nil
}

func lightweightRouter(reply string) *llm.Router {
	cfg := config.LLMConfig{
		TaskMap: map[string][]config.ModelRef{
			llm.TaskLightweight: {{Provider: "gemini", Model: "gemini-2.0-flash"}},
		},
		CallBudget:  time.Second,
		WorkerCount: 1,
	}
	return llm.NewRouter(cfg, map[string]llm.Provider{"gemini": cannedProvider{reply: reply}}, zerolog.Nop())
}

func TestKoreanSellClassifiesByRules(t *testing.T) {
	r := NewRouter(asset.NewAliases(nil), nil, 0.7, zerolog.Nop())
	intent := r.Classify(context.Background(), "삼성전자 10주 매도")
	if intent.Kind != IntentSell {
		t.Fatalf("intent = %s, want sell", intent.Kind)
	}
	if intent.Slots.Asset == nil || intent.Slots.Asset.ID != "005930" {
		t.Errorf("asset slot = %+v", intent.Slots.Asset)
	}
	if intent.Slots.Quantity != 10 {
		t.Errorf("quantity = %g, want 10", intent.Slots.Quantity)
	}
	if intent.Confidence < 0.7 || intent.Via != "rules" {
		t.Errorf("want rule-pass confidence >= 0.7, got %f via %s", intent.Confidence, intent.Via)
	}
}

func TestBacktestSlots(t *testing.T) {
	r := NewRouter(asset.NewAliases(nil), nil, 0.7, zerolog.Nop())
	intent := r.Classify(context.Background(), "backtest BTC over the last 30 days")
	if intent.Kind != IntentRunBacktest {
		t.Fatalf("intent = %s, want run_backtest", intent.Kind)
	}
	if intent.Slots.Days != 30 {
		t.Errorf("days = %d, want 30", intent.Slots.Days)
	}
	if intent.Slots.Asset == nil || intent.Slots.Asset.ID != "BTCUSDT" {
		t.Errorf("asset slot = %+v", intent.Slots.Asset)
	}
}

func TestAmbiguousMessageFallsToLLM(t *testing.T) {
	r := NewRouter(asset.NewAliases(nil),
		lightweightRouter(`{"intent":"market_analysis","confidence":0.85,"asset":"BTC"}`),
		0.7, zerolog.Nop())

	intent := r.Classify(context.Background(), "what's going on today")
	if intent.Via != "llm" {
		t.Fatalf("low rule confidence must defer to the LLM pass, got via %s", intent.Via)
	}
	if intent.Kind != IntentMarketAnalysis {
		t.Errorf("intent = %s, want market_analysis", intent.Kind)
	}
	if intent.Slots.Asset == nil || intent.Slots.Asset.ID != "BTCUSDT" {
		t.Errorf("asset slot = %+v", intent.Slots.Asset)
	}
}

func TestInvalidLLMIntentCoercedToChat(t *testing.T) {
	r := NewRouter(asset.NewAliases(nil),
		lightweightRouter(`{"intent":"liquidate_everything","confidence":0.95}`),
		0.7, zerolog.Nop())

	intent := r.Classify(context.Background(), "hmm")
	if intent.Kind != IntentChat {
		t.Errorf("out-of-set intents must coerce to chat, got %s", intent.Kind)
	}
}

func TestBareSymbolLeansTowardAdvice(t *testing.T) {
	r := NewRouter(asset.NewAliases(nil), nil, 0.7, zerolog.Nop())
	intent := r.Classify(context.Background(), "TSLA?")
	if intent.Kind != IntentAskAdvice {
		t.Errorf("bare symbol should classify as ask_advice, got %s", intent.Kind)
	}
	if intent.Slots.Asset == nil || intent.Slots.Asset.ID != "TSLA" {
		t.Errorf("asset slot = %+v", intent.Slots.Asset)
	}
}

func TestDateRangeDefaultsToThirtyDays(t *testing.T) {
	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	from, to := Slots{}.DateRange(now)
	if to != now || from != now.AddDate(0, 0, -30) {
		t.Errorf("range = %s..%s", from, to)
	}
}
