// Package backtest replays historical series through the live position
// tracker so simulated runs exercise exactly the risk rules production uses.
package backtest

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/Superandyfre/Openclaw-stock/config"
	"github.com/Superandyfre/Openclaw-stock/internal/asset"
	"github.com/Superandyfre/Openclaw-stock/internal/market"
	"github.com/Superandyfre/Openclaw-stock/internal/position"
)

// tradeLogCap bounds engine memory on long replays.
const tradeLogCap = 10000

// Signal is one timestamped instruction from the replayed signal source.
type Signal struct {
	At     time.Time
	Asset  asset.Asset
	Action string // buy | sell
	// Entry of zero means "at the bar's close". Stop/TP of zero fall back
	// to the risk config; tiers apply only when declared.
	Entry   float64
	StopPct float64
	TPPct   float64
	MaxHold time.Duration
	Tiers   []position.Tier
}

// Input is a full backtest request.
type Input struct {
	InitialCapital float64
	Series         map[string]market.Series // keyed by asset.Key()
	Signals        []Signal
	Risk           config.RiskConfig
}

// ClosedTrade is one entry of the capped per-trade log.
type ClosedTrade struct {
	Asset     asset.Asset
	Side      position.Side
	EntryTime time.Time
	ExitTime  time.Time
	Entry     float64
	Exit      float64
	Quantity  float64
	PnL       float64
	Cause     position.Cause
	Held      time.Duration
}

// Result carries the performance metrics of one run.
type Result struct {
	InitialCapital float64
	FinalEquity    float64
	TotalReturn    float64 // fraction of initial capital
	WinRate        float64
	TradeCount     int
	AvgHold        time.Duration
	MedianHold     time.Duration
	ExitCauses     map[position.Cause]int
	Sharpe         float64
	MaxDrawdown    float64 // fraction, positive
	Trades         []ClosedTrade
	DroppedTrades  int
	Start          time.Time
	End            time.Time
}

// Engine replays one Input. Build a fresh engine per run.
type Engine struct {
	logger zerolog.Logger
}

func NewEngine(logger zerolog.Logger) *Engine {
	return &Engine{logger: logger.With().Str("component", "backtest").Logger()}
}

// timeline entry: one bar of one asset.
type step struct {
	at  time.Time
	a   asset.Asset
	bar market.Bar
}

// Run replays the series through a dedicated tracker and aggregates metrics.
func (e *Engine) Run(in Input) (Result, error) {
	if in.InitialCapital <= 0 {
		return Result{}, errors.New("initial capital must be positive")
	}
	steps := buildTimeline(in.Series)
	if len(steps) == 0 {
		return Result{}, errors.New("no bars to replay")
	}

	clock := steps[0].at
	tracker := position.NewTracker(in.Risk, e.logger,
		position.WithClock(func() time.Time { return clock }),
		position.WithCapital(in.InitialCapital),
	)

	signals := append([]Signal(nil), in.Signals...)
	sort.SliceStable(signals, func(i, j int) bool { return signals[i].At.Before(signals[j].At) })

	openMeta := make(map[string]openInfo) // position id → entry info
	var closed []ClosedTrade
	dropped := 0

	lastPrice := make(map[string]float64)
	equityCurve := make([]float64, 0, len(steps))
	peak := in.InitialCapital
	maxDD := 0.0
	tradeSeen := 0

	si := 0
	for _, st := range steps {
		clock = st.at
		lastPrice[st.a.Key()] = st.bar.Close

		// Apply due signals before marking so a same-bar stop still fires.
		for si < len(signals) && !signals[si].At.After(st.at) {
			sig := signals[si]
			si++
			e.applySignal(tracker, sig, lastPrice, in)
		}

		tracker.Mark(st.a, market.Quote{Asset: st.a, Timestamp: st.at, Price: st.bar.Close})

		// Fold any new full closes into the capped trade log.
		tradeSeen, closed, dropped = e.collectCloses(tracker, tradeSeen, closed, dropped, openMeta)

		equity := in.InitialCapital + realized(tracker) + unrealized(tracker)
		equityCurve = append(equityCurve, equity)
		if equity > peak {
			peak = equity
		}
		if peak > 0 {
			if dd := (peak - equity) / peak; dd > maxDD {
				maxDD = dd
			}
		}
	}

	// Force-close whatever is still open at the end.
	tracker.CloseAll(lastPrice, position.CauseBacktestEnd)
	tradeSeen, closed, dropped = e.collectCloses(tracker, tradeSeen, closed, dropped, openMeta)

	finalEquity := in.InitialCapital + realized(tracker)
	res := Result{
		InitialCapital: in.InitialCapital,
		FinalEquity:    finalEquity,
		TotalReturn:    (finalEquity - in.InitialCapital) / in.InitialCapital,
		ExitCauses:     make(map[position.Cause]int),
		Trades:         closed,
		DroppedTrades:  dropped,
		MaxDrawdown:    maxDD,
		Start:          steps[0].at,
		End:            steps[len(steps)-1].at,
	}

	wins := 0
	holds := make([]time.Duration, 0, len(closed))
	returns := make([]float64, 0, len(closed))
	for _, tr := range closed {
		res.ExitCauses[tr.Cause]++
		if tr.PnL > 0 {
			wins++
		}
		holds = append(holds, tr.Held)
		if notional := tr.Entry * tr.Quantity; notional > 0 {
			returns = append(returns, tr.PnL/notional)
		}
	}
	res.TradeCount = len(closed) + dropped
	if len(closed) > 0 {
		res.WinRate = float64(wins) / float64(len(closed))
		res.AvgHold = avgDuration(holds)
		res.MedianHold = medianDuration(holds)
	}
	res.Sharpe = sharpe(returns)

	e.logger.Info().
		Int("trades", res.TradeCount).
		Float64("return_pct", res.TotalReturn*100).
		Float64("win_rate", res.WinRate).
		Float64("max_drawdown", res.MaxDrawdown).
		Msg("backtest finished")
	return res, nil
}

type openInfo struct {
	entryTime time.Time
	entry     float64
}

// applySignal sizes and executes one signal with slippage on the fill.
func (e *Engine) applySignal(tracker *position.Tracker, sig Signal, lastPrice map[string]float64, in Input) {
	price := sig.Entry
	if price <= 0 {
		price = lastPrice[sig.Asset.Key()]
	}
	if price <= 0 {
		e.logger.Warn().Str("asset", sig.Asset.ID).Msg("signal before any bar, skipped")
		return
	}

	switch sig.Action {
	case "buy":
		fill := price * (1 + in.Risk.SlippageRate)
		share := in.Risk.MaxPositionPct
		if share <= 0 {
			share = 1
		}
		qty := in.InitialCapital * share / fill
		if sig.Asset.Class == asset.ClassEquity {
			qty = math.Floor(qty)
		}
		if qty <= 0 {
			return
		}
		params := position.OpenParams{
			StopPct: sig.StopPct,
			TPPct:   sig.TPPct,
			MaxHold: sig.MaxHold,
			Tiers:   sig.Tiers,
		}
		if _, err := tracker.Open(sig.Asset, qty, fill, position.SideLong, params); err != nil {
			e.logger.Debug().Err(err).Str("asset", sig.Asset.ID).Msg("signal open refused")
		}
	case "sell":
		views := tracker.Query(&sig.Asset)
		for _, v := range views {
			if v.Side != position.SideLong {
				continue
			}
			fill := price * (1 - in.Risk.SlippageRate)
			if _, err := tracker.Close(sig.Asset, v.Side, v.QuantityRem, fill, position.CauseStrategy); err != nil {
				e.logger.Debug().Err(err).Str("asset", sig.Asset.ID).Msg("signal close refused")
			}
		}
	default:
		e.logger.Warn().Str("action", sig.Action).Msg("unknown signal action, skipped")
	}
}

// collectCloses folds newly appended trade records into the capped log.
func (e *Engine) collectCloses(tracker *position.Tracker, seen int, closed []ClosedTrade, dropped int, meta map[string]openInfo) (int, []ClosedTrade, int) {
	records := tracker.Trades()
	for ; seen < len(records); seen++ {
		r := records[seen]
		switch r.Kind {
		case "open":
			meta[r.PositionID] = openInfo{entryTime: r.Time, entry: r.Price}
		case "close", "adjust":
			if r.Kind == "adjust" {
				continue
			}
			info := meta[r.PositionID]
			ct := ClosedTrade{
				Asset:     r.Asset,
				Side:      r.Side,
				EntryTime: info.entryTime,
				ExitTime:  r.Time,
				Entry:     info.entry,
				Exit:      r.Price,
				Quantity:  r.Quantity,
				PnL:       totalPnL(records, r.PositionID),
				Cause:     r.Cause,
				Held:      r.Time.Sub(info.entryTime),
			}
			if len(closed) >= tradeLogCap {
				closed = closed[1:]
				dropped++
			}
			closed = append(closed, ct)
		}
	}
	return seen, closed, dropped
}

func totalPnL(records []position.TradeRecord, id string) float64 {
	var sum float64
	for _, r := range records {
		if r.PositionID == id {
			sum += r.RealizedPnL
		}
	}
	return sum
}

func realized(tracker *position.Tracker) float64 {
	var sum float64
	for _, r := range tracker.Trades() {
		sum += r.RealizedPnL
	}
	return sum
}

func unrealized(tracker *position.Tracker) float64 {
	var sum float64
	for _, v := range tracker.Query(nil) {
		sum += v.UnrealizedPnL
	}
	return sum
}

func buildTimeline(series map[string]market.Series) []step {
	var steps []step
	for _, s := range series {
		for _, b := range s.Bars {
			steps = append(steps, step{at: b.Timestamp, a: s.Asset, bar: b})
		}
	}
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].at.Before(steps[j].at) })
	return steps
}

func avgDuration(ds []time.Duration) time.Duration {
	var sum time.Duration
	for _, d := range ds {
		sum += d
	}
	return sum / time.Duration(len(ds))
}

func medianDuration(ds []time.Duration) time.Duration {
	sorted := append([]time.Duration(nil), ds...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// sharpe computes the annualization-free Sharpe ratio of closed-trade
// returns. Fewer than two trades yield zero.
func sharpe(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))
	var variance float64
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	sd := math.Sqrt(variance / float64(len(returns)-1))
	// Identical returns leave float residue in the variance; treat anything
	// below the noise floor as degenerate.
	if sd < 1e-12 {
		return 0
	}
	return mean / sd
}

// Describe renders a result for chat replies and reports.
func Describe(r Result) string {
	return fmt.Sprintf(
		"period %s – %s | trades %d | return %.2f%% | win rate %.0f%% | max drawdown %.2f%% | sharpe %.2f",
		r.Start.Format("2006-01-02"), r.End.Format("2006-01-02"),
		r.TradeCount, r.TotalReturn*100, r.WinRate*100, r.MaxDrawdown*100, r.Sharpe,
	)
}
