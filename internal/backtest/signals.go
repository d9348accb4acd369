package backtest

import (
	"github.com/Superandyfre/Openclaw-stock/internal/indicator"
	"github.com/Superandyfre/Openclaw-stock/internal/market"
	"github.com/Superandyfre/Openclaw-stock/internal/pipeline"
)

// warmupBars before a strategy sees its first snapshot.
const warmupBars = 20

// StrategySignals walks the series bar by bar and turns one strategy's votes
// into a replayable signal stream: buy on the first buy vote while flat,
// sell on the first sell vote while holding.
func StrategySignals(series market.Series, st pipeline.Strategy) []Signal {
	var signals []Signal
	holding := false

	for i := warmupBars; i < len(series.Bars); i++ {
		prefix := market.Series{Asset: series.Asset, Width: series.Width, Bars: series.Bars[:i+1]}
		snap := indicator.Compute(prefix, nil)
		bar := series.Bars[i]

		changePct := 0.0
		if prev := series.Bars[i-1].Close; prev > 0 {
			changePct = (bar.Close - prev) / prev
		}
		vote := st.Signal(pipeline.SignalContext{
			Quote: market.Quote{
				Asset:        series.Asset,
				Timestamp:    bar.Timestamp,
				Price:        bar.Close,
				Volume:       bar.Volume,
				ChangePct24h: changePct,
			},
			Snapshot: snap,
		})
		if vote == nil {
			continue
		}

		switch vote.Action {
		case pipeline.ActionBuy:
			if !holding {
				signals = append(signals, Signal{
					At:      bar.Timestamp,
					Asset:   series.Asset,
					Action:  "buy",
					Entry:   bar.Close,
					StopPct: st.StopPct,
					TPPct:   st.TPPct,
					MaxHold: st.MaxHold,
					Tiers:   st.Tiers,
				})
				holding = true
			}
		case pipeline.ActionSell:
			if holding {
				signals = append(signals, Signal{
					At:     bar.Timestamp,
					Asset:  series.Asset,
					Action: "sell",
					Entry:  bar.Close,
				})
				holding = false
			}
		}
	}
	return signals
}
