package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Superandyfre/Openclaw-stock/internal/asset"
	"github.com/Superandyfre/Openclaw-stock/internal/backtest"
	"github.com/Superandyfre/Openclaw-stock/internal/position"
)

func TestWriteBacktestPair(t *testing.T) {
	dir := t.TempDir()
	w := NewReportWriter(dir, zerolog.Nop())
	w.now = func() time.Time { return time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC) }

	res := backtest.Result{
		InitialCapital: 10000,
		FinalEquity:    11234.5,
		TotalReturn:    0.12345,
		WinRate:        0.6,
		TradeCount:     10,
		Sharpe:         1.2,
		MaxDrawdown:    0.08,
		ExitCauses:     map[position.Cause]int{position.CauseStopLoss: 4, position.CauseTakeProfit: 6},
		Start:          time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC),
		End:            time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	}

	jsonPath, err := w.WriteBacktest("BTCUSDT intraday", res)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if filepath.Base(jsonPath) != "backtest_BTCUSDT_intraday_20250602_093000.json" {
		t.Errorf("json path = %s", jsonPath)
	}

	data, err := os.ReadFile(jsonPath)
	if err != nil {
		t.Fatalf("read json: %v", err)
	}
	var back backtest.Result
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.FinalEquity != res.FinalEquity || back.TradeCount != res.TradeCount {
		t.Errorf("round trip mismatch: %+v", back)
	}

	txt, err := os.ReadFile(strings.TrimSuffix(jsonPath, ".json") + ".txt")
	if err != nil {
		t.Fatalf("read txt: %v", err)
	}
	for _, want := range []string{"12.35%", "win rate 60.0%", "stop_loss"} {
		if !strings.Contains(string(txt), want) {
			t.Errorf("text report missing %q:\n%s", want, txt)
		}
	}
}

func TestWritePortfolioPair(t *testing.T) {
	w := NewReportWriter(t.TempDir(), zerolog.Nop())

	snap := position.PortfolioSnapshot{
		ByClass: map[asset.Class]position.ClassSummary{
			asset.ClassCrypto: {OpenCount: 2, Notional: 5000, UnrealizedPnL: 120},
		},
		TotalPnL:    340.5,
		WinRate:     0.75,
		ClosedCount: 8,
	}
	jsonPath, err := w.WritePortfolio(snap)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	txt, err := os.ReadFile(strings.TrimSuffix(jsonPath, ".json") + ".txt")
	if err != nil {
		t.Fatalf("read txt: %v", err)
	}
	for _, want := range []string{"crypto", "340.50", "75.0%"} {
		if !strings.Contains(string(txt), want) {
			t.Errorf("text report missing %q:\n%s", want, txt)
		}
	}
}
