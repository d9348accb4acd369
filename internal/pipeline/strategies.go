package pipeline

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/Superandyfre/Openclaw-stock/internal/anomaly"
	"github.com/Superandyfre/Openclaw-stock/internal/indicator"
	"github.com/Superandyfre/Openclaw-stock/internal/market"
	"github.com/Superandyfre/Openclaw-stock/internal/position"
)

// SignalContext is everything a strategy may look at for one tick.
type SignalContext struct {
	Quote     market.Quote
	Snapshot  indicator.Snapshot
	Anomaly   *anomaly.Event
	NewsCount int
}

// Vote is one strategy's opinion. Strength scales the strategy weight.
type Vote struct {
	Action   Action
	Strength float64 // (0, 1]
	Reason   string
}

// Strategy is a capability record registered at startup. Risk fields travel
// with the winning action so the tracker opens with the strategy's own
// stop, targets and hold limit.
type Strategy struct {
	Name    string
	Weight  float64
	StopPct float64 // negative
	TPPct   float64
	MaxHold time.Duration
	Tiers   []position.Tier
	Signal  func(SignalContext) *Vote
}

// DefaultStrategies returns the built-in set. weights overrides per name.
func DefaultStrategies(weights map[string]float64) []Strategy {
	strategies := []Strategy{
		{
			Name: "intraday_breakout", Weight: 1.0,
			StopPct: -0.03, TPPct: 0.05, MaxHold: 6 * time.Hour,
			Tiers:  position.DefaultTiers,
			Signal: intradayBreakout,
		},
		{
			Name: "ma_cross_rsi", Weight: 1.0,
			StopPct: -0.05, TPPct: 0.08, MaxHold: 10 * time.Hour,
			Signal: maCrossWithRSIFilter,
		},
		{
			Name: "momentum_reversal", Weight: 0.8,
			StopPct: -0.04, TPPct: 0.06, MaxHold: 4 * time.Hour,
			Signal: momentumReversal,
		},
		{
			Name: "order_flow_anomaly", Weight: 0.9,
			StopPct: -0.02, TPPct: 0.03, MaxHold: 2 * time.Hour,
			Tiers:  position.DefaultTiers,
			Signal: orderFlowAnomaly,
		},
		{
			Name: "news_momentum", Weight: 0.7,
			StopPct: -0.05, TPPct: 0.10, MaxHold: 10 * time.Hour,
			Signal: newsMomentum,
		},
	}
	for i := range strategies {
		if w, ok := weights[strategies[i].Name]; ok {
			strategies[i].Weight = w
		}
	}
	return strategies
}

// intradayBreakout buys closes above the session high on elevated volume and
// sells breaks of the session low.
func intradayBreakout(c SignalContext) *Vote {
	s := c.Snapshot
	if s.BrokeSessionHigh && s.VolumeZ.Valid && s.VolumeZ.Value > 1 {
		return &Vote{Action: ActionBuy, Strength: 0.8, Reason: "session high break on elevated volume"}
	}
	if s.BrokeSessionLow && s.VolumeZ.Valid && s.VolumeZ.Value > 1 {
		return &Vote{Action: ActionSell, Strength: 0.8, Reason: "session low break on elevated volume"}
	}
	return nil
}

// maCrossWithRSIFilter follows the fast MACD (5/10) sign, filtered by RSI so
// it never buys overbought or sells oversold.
func maCrossWithRSIFilter(c SignalContext) *Vote {
	s := c.Snapshot
	if !s.MACDFastHist.Valid || !s.RSI14.Valid {
		return nil
	}
	if s.MACDFastHist.Value > 0 && s.MACDFast.Valid && s.MACDFast.Value > 0 {
		if s.RSI14.Value < 70 {
			return &Vote{Action: ActionBuy, Strength: 0.6, Reason: "fast MA cross up, RSI below overbought"}
		}
		return nil
	}
	if s.MACDFastHist.Value < 0 && s.MACDFast.Valid && s.MACDFast.Value < 0 {
		if s.RSI14.Value > 30 {
			return &Vote{Action: ActionSell, Strength: 0.6, Reason: "fast MA cross down, RSI above oversold"}
		}
	}
	return nil
}

// momentumReversal buys an oversold bounce backed by a volume surge.
func momentumReversal(c SignalContext) *Vote {
	s := c.Snapshot
	if !s.RSI5.Valid || !s.VolumeZ.Valid {
		return nil
	}
	if s.RSI5.Value < 30 && s.VolumeZ.Value > 2 {
		return &Vote{Action: ActionBuy, Strength: 0.7, Reason: "oversold bounce on volume surge"}
	}
	if s.RSI5.Value > 70 && s.VolumeZ.Value > 2 {
		return &Vote{Action: ActionSell, Strength: 0.7, Reason: "overbought exhaustion on volume surge"}
	}
	return nil
}

// orderFlowAnomaly trades in the direction of a high-severity order-flow
// event or a strong book imbalance.
func orderFlowAnomaly(c SignalContext) *Vote {
	if c.Anomaly != nil && c.Anomaly.Kind == anomaly.KindOrderFlow && c.Anomaly.Severity >= anomaly.SeverityHigh {
		if c.Anomaly.Value >= 0 {
			return &Vote{Action: ActionBuy, Strength: 0.7, Reason: c.Anomaly.Detail}
		}
		return &Vote{Action: ActionSell, Strength: 0.7, Reason: c.Anomaly.Detail}
	}
	s := c.Snapshot
	if s.BookImbalance.Valid {
		if s.BookImbalance.Value > 0.4 {
			return &Vote{Action: ActionBuy, Strength: 0.5, Reason: "bid-heavy order book"}
		}
		if s.BookImbalance.Value < -0.4 {
			return &Vote{Action: ActionSell, Strength: 0.5, Reason: "ask-heavy order book"}
		}
	}
	return nil
}

// newsMomentum rides headline-driven moves when news volume is elevated.
func newsMomentum(c SignalContext) *Vote {
	if c.NewsCount < 10 {
		return nil
	}
	change := c.Quote.ChangePct24h
	if change > 0.02 {
		return &Vote{Action: ActionBuy, Strength: math.Min(1, 0.4+change*10), Reason: fmt.Sprintf("%d headlines with +%.1f%% move", c.NewsCount, change*100)}
	}
	if change < -0.02 {
		return &Vote{Action: ActionSell, Strength: math.Min(1, 0.4-change*10), Reason: fmt.Sprintf("%d headlines with %.1f%% move", c.NewsCount, change*100)}
	}
	return nil
}

// Aggregate folds the strategy votes into one rules-sourced advice. The
// weighted winner must clear the hold floor or the result is hold;
// confidence is the clamped weighted-vote margin.
func Aggregate(strategies []Strategy, c SignalContext, holdFloor float64, now time.Time) Advice {
	if holdFloor <= 0 {
		holdFloor = 0.6
	}

	scores := map[Action]float64{}
	reasons := map[Action][]string{}
	best := map[Action]*Strategy{}      // strongest contributor per action
	bestScore := map[Action]float64{}
	var totalWeight float64

	for i := range strategies {
		st := &strategies[i]
		vote := st.Signal(c)
		if vote == nil {
			continue
		}
		totalWeight += st.Weight
		w := st.Weight * vote.Strength
		scores[vote.Action] += w
		reasons[vote.Action] = append(reasons[vote.Action], fmt.Sprintf("%s: %s", st.Name, vote.Reason))
		if w > bestScore[vote.Action] {
			bestScore[vote.Action] = w
			best[vote.Action] = st
		}
	}

	advice := Advice{
		Asset:       c.Quote.Asset,
		Action:      ActionHold,
		Entry:       c.Quote.Price,
		Source:      "rules",
		GeneratedAt: now,
		Reasoning:   "no strategy consensus",
	}
	if totalWeight == 0 {
		return advice
	}

	actions := make([]Action, 0, len(scores))
	for a := range scores {
		actions = append(actions, a)
	}
	sort.Slice(actions, func(i, j int) bool { return scores[actions[i]] > scores[actions[j]] })

	winner := actions[0]
	margin := scores[winner]
	if len(actions) > 1 {
		margin -= scores[actions[1]]
	}
	confidence := math.Max(0, math.Min(1, margin/totalWeight))
	share := scores[winner] / totalWeight

	if winner == ActionHold || share < holdFloor {
		advice.Confidence = confidence
		advice.Reasoning = fmt.Sprintf("winning vote share %.2f below hold floor %.2f", share, holdFloor)
		return advice
	}

	st := best[winner]
	advice.Action = winner
	advice.Confidence = confidence
	advice.Reasoning = joinReasons(reasons[winner])
	if st != nil {
		advice.Strategy = st.Name
		advice.StopPct = st.StopPct
		advice.TPPct = st.TPPct
		advice.MaxHold = st.MaxHold
		advice.Tiers = st.Tiers
		advice.StopLoss = c.Quote.Price * (1 + st.StopPct)
		for _, tier := range st.Tiers {
			advice.TakeProfitTiers = append(advice.TakeProfitTiers, c.Quote.Price*(1+tier.GainPct))
		}
		if len(advice.TakeProfitTiers) == 0 {
			advice.TakeProfitTiers = []float64{c.Quote.Price * (1 + st.TPPct)}
		}
	}
	return advice
}

func joinReasons(rs []string) string {
	out := ""
	for i, r := range rs {
		if i > 0 {
			out += "; "
		}
		out += r
	}
	return out
}
