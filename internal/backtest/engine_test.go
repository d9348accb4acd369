package backtest

import (
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Superandyfre/Openclaw-stock/config"
	"github.com/Superandyfre/Openclaw-stock/internal/asset"
	"github.com/Superandyfre/Openclaw-stock/internal/market"
	"github.com/Superandyfre/Openclaw-stock/internal/position"
)

var btc = asset.Asset{ID: "BTCUSDT", Class: asset.ClassCrypto}

func riskConfig() config.RiskConfig {
	return config.RiskConfig{
		MaxPositionPct: 0.15,
		StopLossPct:    -0.10,
		StopWarningPct: -0.08,
		TakeProfitPct:  0.20,
		MajorGainPct:   0.15,
		MaxHold:        10 * time.Hour,
		FeeRate:        0.001,
		SlippageRate:   0, // zero for exact-equivalence assertions
	}
}

func barSeries(a asset.Asset, start time.Time, closes []float64) market.Series {
	s := market.Series{Asset: a, Width: market.Width1m}
	for i, c := range closes {
		s.Bars = append(s.Bars, market.Bar{
			Timestamp: start.Add(time.Duration(i) * time.Minute),
			Open:      c, High: c, Low: c, Close: c, Volume: 1000,
		})
	}
	return s
}

func TestStopLossEquivalenceWithLiveTracker(t *testing.T) {
	start := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	closes := []float64{100, 99, 96, 93, 90, 89}
	cfg := riskConfig()

	// Backtest run.
	eng := NewEngine(zerolog.Nop())
	res, err := eng.Run(Input{
		InitialCapital: 10000,
		Series:         map[string]market.Series{btc.Key(): barSeries(btc, start, closes)},
		Signals:        []Signal{{At: start, Asset: btc, Action: "buy", Entry: 100}},
		Risk:           cfg,
	})
	if err != nil {
		t.Fatalf("backtest failed: %v", err)
	}
	if len(res.Trades) != 1 {
		t.Fatalf("expected one closed trade, got %d", len(res.Trades))
	}
	bt := res.Trades[0]
	if bt.Cause != position.CauseStopLoss {
		t.Errorf("backtest exit cause = %s, want stop_loss", bt.Cause)
	}
	if bt.Exit != 90 {
		t.Errorf("backtest exit price = %f, want 90 (first bar at -10%%)", bt.Exit)
	}

	// Simulated live replay through a plain tracker with the same config.
	clock := start
	live := position.NewTracker(cfg, zerolog.Nop(),
		position.WithClock(func() time.Time { return clock }),
		position.WithCapital(10000),
	)
	if _, err := live.Open(btc, bt.Quantity, 100, position.SideLong, position.OpenParams{}); err != nil {
		t.Fatalf("live open failed: %v", err)
	}
	for i, c := range closes {
		clock = start.Add(time.Duration(i) * time.Minute)
		live.Mark(btc, market.Quote{Asset: btc, Timestamp: clock, Price: c})
	}

	var liveClose position.TradeRecord
	for _, r := range live.Trades() {
		if r.Kind == "close" {
			liveClose = r
		}
	}
	if liveClose.Cause != bt.Cause {
		t.Errorf("cause mismatch: live %s vs backtest %s", liveClose.Cause, bt.Cause)
	}
	if liveClose.Price != bt.Exit {
		t.Errorf("exit price mismatch: live %f vs backtest %f", liveClose.Price, bt.Exit)
	}
	if math.Abs(liveClose.RealizedPnL-bt.PnL) > 1e-9 {
		t.Errorf("pnl mismatch: live %f vs backtest %f", liveClose.RealizedPnL, bt.PnL)
	}
	if res.ExitCauses[position.CauseStopLoss] != 1 {
		t.Errorf("exit cause counts = %v", res.ExitCauses)
	}
}

func TestOpenPositionForceClosedAtEnd(t *testing.T) {
	start := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	closes := []float64{100, 101, 102}

	eng := NewEngine(zerolog.Nop())
	res, err := eng.Run(Input{
		InitialCapital: 10000,
		Series:         map[string]market.Series{btc.Key(): barSeries(btc, start, closes)},
		Signals:        []Signal{{At: start, Asset: btc, Action: "buy"}},
		Risk:           riskConfig(),
	})
	if err != nil {
		t.Fatalf("backtest failed: %v", err)
	}
	if res.ExitCauses[position.CauseBacktestEnd] != 1 {
		t.Errorf("surviving position must close with cause backtest_end: %v", res.ExitCauses)
	}
	if res.TotalReturn <= 0 {
		t.Errorf("rising series should profit, return = %f", res.TotalReturn)
	}
}

func TestMaxDrawdownAndEquity(t *testing.T) {
	start := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	// Rise then fall within the stop: drawdown without an exit.
	closes := []float64{100, 110, 104, 108}

	eng := NewEngine(zerolog.Nop())
	res, err := eng.Run(Input{
		InitialCapital: 10000,
		Series:         map[string]market.Series{btc.Key(): barSeries(btc, start, closes)},
		Signals:        []Signal{{At: start, Asset: btc, Action: "buy", Entry: 100}},
		Risk:           riskConfig(),
	})
	if err != nil {
		t.Fatalf("backtest failed: %v", err)
	}
	if res.MaxDrawdown <= 0 {
		t.Error("dip from the equity peak must register as drawdown")
	}
	if res.MaxDrawdown > 0.05 {
		t.Errorf("drawdown on a 15%% position cannot exceed a few percent of equity, got %f", res.MaxDrawdown)
	}
}

func TestSellSignalClosesWithStrategyCause(t *testing.T) {
	start := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	closes := []float64{100, 102, 104, 106}

	eng := NewEngine(zerolog.Nop())
	res, err := eng.Run(Input{
		InitialCapital: 10000,
		Series:         map[string]market.Series{btc.Key(): barSeries(btc, start, closes)},
		Signals: []Signal{
			{At: start, Asset: btc, Action: "buy", Entry: 100},
			{At: start.Add(2 * time.Minute), Asset: btc, Action: "sell"},
		},
		Risk: riskConfig(),
	})
	if err != nil {
		t.Fatalf("backtest failed: %v", err)
	}
	if res.ExitCauses[position.CauseStrategy] != 1 {
		t.Errorf("sell signal must close with cause strategy_signal: %v", res.ExitCauses)
	}
	if res.WinRate != 1 {
		t.Errorf("win rate = %f, want 1", res.WinRate)
	}
}

func TestSharpeNeedsTwoTrades(t *testing.T) {
	if s := sharpe([]float64{0.05}); s != 0 {
		t.Errorf("sharpe of one return = %f, want 0", s)
	}
	if s := sharpe([]float64{0.05, 0.05, 0.05}); s != 0 {
		t.Errorf("sharpe of zero-variance returns = %f, want 0", s)
	}
	if s := sharpe([]float64{0.05, 0.01, 0.03}); s <= 0 {
		t.Errorf("positive returns should yield positive sharpe, got %f", s)
	}
}
