package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Superandyfre/Openclaw-stock/internal/anomaly"
	"github.com/Superandyfre/Openclaw-stock/internal/asset"
	"github.com/Superandyfre/Openclaw-stock/internal/events"
	"github.com/Superandyfre/Openclaw-stock/internal/indicator"
	"github.com/Superandyfre/Openclaw-stock/internal/llm"
	"github.com/Superandyfre/Openclaw-stock/internal/market"
	"github.com/Superandyfre/Openclaw-stock/internal/news"
	"github.com/Superandyfre/Openclaw-stock/internal/position"
)

// seriesDepth bounds the per-asset bar tail.
const seriesDepth = 500

// newsEscalateCount upgrades the analysis to the complex model tier.
const newsEscalateCount = 50

// Config tunes one pipeline instance.
type Config struct {
	TickInterval time.Duration
	HoldFloor    float64
	QuoteTimeout time.Duration // default 10s
}

// Deps are the collaborators a pipeline drives. News and LLM router are
// optional; without them the pipeline is rules-only.
type Deps struct {
	Fetcher    market.Fetcher
	Detector   *anomaly.Detector
	LLM        *llm.Router
	News       *news.Aggregator
	History    *History
	Tracker    *position.Tracker
	Bus        *events.EventBus
	Strategies []Strategy
}

// Pipeline runs the tiered analysis loop for one set of assets. Each asset
// gets its own serial loop; a slow tick skips the overdue ones rather than
// letting analyses overlap.
type Pipeline struct {
	cfg    Config
	deps   Deps
	logger zerolog.Logger
	now    func() time.Time

	tailMu sync.Mutex
	tails  map[string]*market.Series
}

// New builds a pipeline.
func New(cfg Config, deps Deps, logger zerolog.Logger) *Pipeline {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Second
	}
	if cfg.HoldFloor <= 0 {
		cfg.HoldFloor = 0.6
	}
	if cfg.QuoteTimeout <= 0 {
		cfg.QuoteTimeout = 10 * time.Second
	}
	return &Pipeline{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With().Str("component", "pipeline").Logger(),
		now:    time.Now,
		tails:  make(map[string]*market.Series),
	}
}

// Run drives the tick loop for one asset until ctx is cancelled. Call it in
// its own goroutine per asset; the series tail is owned by this loop alone.
func (p *Pipeline) Run(ctx context.Context, a asset.Asset) error {
	logger := p.logger.With().Str("asset", a.ID).Logger()
	logger.Info().Dur("interval", p.cfg.TickInterval).Msg("pipeline started")

	ticker := time.NewTicker(p.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("pipeline stopped")
			return ctx.Err()
		case <-ticker.C:
			start := time.Now()
			p.Tick(ctx, a)
			if elapsed := time.Since(start); elapsed > p.cfg.TickInterval {
				logger.Warn().
					Dur("elapsed", elapsed).
					Dur("interval", p.cfg.TickInterval).
					Msg("pipeline overrun, skipping overdue ticks")
				// Drain whatever queued while we were busy.
				for drained := true; drained; {
					select {
					case <-ticker.C:
					default:
						drained = false
					}
				}
			}
		}
	}
}

// Tick executes one analysis round: fetch, mark, indicators, anomaly
// scoring, and — when warranted — advice generation.
func (p *Pipeline) Tick(ctx context.Context, a asset.Asset) {
	qctx, cancel := context.WithTimeout(ctx, p.cfg.QuoteTimeout)
	quote, err := p.deps.Fetcher.Quote(qctx, a)
	cancel()
	if err != nil {
		p.logger.Warn().Err(err).Str("asset", a.ID).Msg("quote fetch failed, tick skipped")
		return
	}

	if p.deps.Tracker != nil {
		p.deps.Tracker.Mark(a, quote)
	}
	if p.deps.Bus != nil {
		p.deps.Bus.Publish(events.Event{Type: events.EventQuoteUpdate, Data: map[string]interface{}{
			"asset": a.ID, "price": quote.Price, "adapter": quote.Adapter,
		}})
	}

	tail := p.appendTail(a, quote)
	snap := indicator.Compute(tail, nil)

	ev := p.observe(a, quote, tail, snap)
	if ev == nil {
		return
	}
	if p.deps.Bus != nil {
		p.deps.Bus.PublishAnomaly(a.ID, string(ev.Kind), ev.Severity.String(), ev.Detail)
	}
	if ev.Severity < anomaly.SeverityWarn {
		return
	}

	advice := p.Advise(ctx, a, quote, snap, ev)
	p.record(advice)
}

// Advise generates one advice entry. The language-model tier applies when a
// router is configured; on any model failure the rules aggregate stands in
// with source "rules".
func (p *Pipeline) Advise(ctx context.Context, a asset.Asset, quote market.Quote, snap indicator.Snapshot, ev *anomaly.Event) Advice {
	sctx := SignalContext{Quote: quote, Snapshot: snap, Anomaly: ev}
	if p.deps.News != nil {
		sctx.NewsCount = len(p.deps.News.Relevant(a))
	}
	rules := Aggregate(p.deps.Strategies, sctx, p.cfg.HoldFloor, p.now())

	if p.deps.LLM == nil {
		return rules
	}

	task := llm.TaskStandard
	if (ev != nil && ev.Severity >= anomaly.SeverityCritical) || sctx.NewsCount >= newsEscalateCount {
		task = llm.TaskComplex
	}

	prompt := llm.RenderAdvicePrompt(p.adviceContext(a, quote, snap, ev, sctx.NewsCount))
	var out struct {
		Action          string    `json:"action"`
		Confidence      float64   `json:"confidence"`
		EntryPrice      *float64  `json:"entry_price"`
		StopLoss        *float64  `json:"stop_loss"`
		TakeProfitTiers []float64 `json:"take_profit_tiers"`
		Reasoning       string    `json:"reasoning"`
	}
	if _, err := p.deps.LLM.CompleteJSON(ctx, task, llm.SystemPromptTradeAdvice, prompt, &out); err != nil {
		p.logger.Warn().Err(err).Str("asset", a.ID).Msg("model advice failed, serving rules fallback")
		return rules
	}

	action := Action(out.Action)
	if action != ActionBuy && action != ActionSell && action != ActionHold {
		p.logger.Warn().Str("asset", a.ID).Str("action", out.Action).Msg("model returned unknown action, serving rules fallback")
		return rules
	}

	advice := Advice{
		Asset:           a,
		Action:          action,
		Confidence:      clamp01(out.Confidence),
		Entry:           quote.Price,
		TakeProfitTiers: out.TakeProfitTiers,
		Reasoning:       out.Reasoning,
		Source:          "llm",
		GeneratedAt:     p.now(),
		StopPct:         rules.StopPct,
		TPPct:           rules.TPPct,
		MaxHold:         rules.MaxHold,
		Tiers:           rules.Tiers,
		Strategy:        rules.Strategy,
	}
	if out.EntryPrice != nil && *out.EntryPrice > 0 {
		advice.Entry = *out.EntryPrice
	}
	if out.StopLoss != nil && *out.StopLoss > 0 {
		advice.StopLoss = *out.StopLoss
	}
	return advice
}

// AdviseNow serves on-demand advice for the chat front end, bypassing the
// anomaly gate.
func (p *Pipeline) AdviseNow(ctx context.Context, a asset.Asset) (Advice, error) {
	qctx, cancel := context.WithTimeout(ctx, p.cfg.QuoteTimeout)
	quote, err := p.deps.Fetcher.Quote(qctx, a)
	cancel()
	if err != nil {
		return Advice{}, fmt.Errorf("quote unavailable for %s: %w", a.ID, err)
	}

	tail, ok := p.tailSnapshot(a)
	var snap indicator.Snapshot
	if ok {
		snap = indicator.Compute(tail, nil)
	} else {
		sctx, scancel := context.WithTimeout(ctx, p.cfg.QuoteTimeout)
		series, serr := p.deps.Fetcher.Series(sctx, a, market.Width1m, seriesDepth)
		scancel()
		if serr == nil {
			snap = indicator.Compute(series, nil)
		}
	}

	advice := p.Advise(ctx, a, quote, snap, nil)
	p.record(advice)
	return advice, nil
}

func (p *Pipeline) record(advice Advice) {
	if p.deps.History != nil {
		p.deps.History.Add(advice)
	}
	if p.deps.Bus != nil {
		p.deps.Bus.PublishAdvice(advice.Asset.ID, string(advice.Action), advice.Source, advice.Confidence)
	}
	p.logger.Info().
		Str("asset", advice.Asset.ID).
		Str("action", string(advice.Action)).
		Str("source", advice.Source).
		Float64("confidence", advice.Confidence).
		Msg("advice generated")
}

// observe feeds the tick's metrics into the anomaly detector and returns
// the most severe event, if any.
func (p *Pipeline) observe(a asset.Asset, quote market.Quote, tail market.Series, snap indicator.Snapshot) *anomaly.Event {
	var barChange float64
	if n := len(tail.Bars); n >= 2 && tail.Bars[n-2].Close > 0 {
		barChange = (tail.Bars[n-1].Close - tail.Bars[n-2].Close) / tail.Bars[n-2].Close
	}

	best := p.deps.Detector.ObserveBarMove(a, barChange, quote.Timestamp)

	if quote.Volume > 0 {
		ev := p.deps.Detector.Observe(anomaly.Observation{
			Asset: a, Kind: anomaly.KindVolumeSpike, Metric: "volume",
			Value: quote.Volume, At: quote.Timestamp,
		})
		best = moreSevere(best, ev)
	}

	ev := p.deps.Detector.Observe(anomaly.Observation{
		Asset: a, Kind: anomaly.KindVolatility, Metric: "abs_bar_change",
		Value: abs(barChange), At: quote.Timestamp,
	})
	best = moreSevere(best, ev)

	if snap.VolumeZ.Valid && snap.VolumeZ.Value > 3 && barChange != 0 {
		dir := 1
		if barChange < 0 {
			dir = -1
		}
		ev = p.deps.Detector.ObserveLargePrint(a, dir, quote.Timestamp)
		best = moreSevere(best, ev)
	}
	return best
}

// appendTail folds the quote into the asset's bar tail as a tick-width bar
// and returns a snapshot copy for lock-free downstream computation.
func (p *Pipeline) appendTail(a asset.Asset, quote market.Quote) market.Series {
	p.tailMu.Lock()
	defer p.tailMu.Unlock()

	tail, ok := p.tails[a.Key()]
	if !ok {
		tail = &market.Series{Asset: a, Width: market.Width1m}
		p.tails[a.Key()] = tail
	}
	tail.Append(market.Bar{
		Timestamp: quote.Timestamp,
		Open:      quote.Price,
		High:      quote.Price,
		Low:       quote.Price,
		Close:     quote.Price,
		Volume:    quote.Volume,
	}, seriesDepth)

	snap := *tail
	snap.Bars = append([]market.Bar(nil), tail.Bars...)
	return snap
}

func (p *Pipeline) tailSnapshot(a asset.Asset) (market.Series, bool) {
	p.tailMu.Lock()
	defer p.tailMu.Unlock()

	tail, ok := p.tails[a.Key()]
	if !ok || len(tail.Bars) == 0 {
		return market.Series{}, false
	}
	snap := *tail
	snap.Bars = append([]market.Bar(nil), tail.Bars...)
	return snap, true
}

func (p *Pipeline) adviceContext(a asset.Asset, quote market.Quote, snap indicator.Snapshot, ev *anomaly.Event, newsCount int) llm.AdviceContext {
	indicators := map[string]float64{}
	if snap.RSI14.Valid {
		indicators["rsi_14"] = snap.RSI14.Value
	}
	if snap.RSI5.Valid {
		indicators["rsi_5"] = snap.RSI5.Value
	}
	if snap.MACDHist.Valid {
		indicators["macd_hist"] = snap.MACDHist.Value
	}
	if v, ok := snap.SMA[20]; ok && v.Valid {
		indicators["sma_20"] = v.Value
	}
	if snap.VolumeZ.Valid {
		indicators["volume_z"] = snap.VolumeZ.Value
	}

	c := llm.AdviceContext{
		AssetID:    a.ID,
		AssetName:  a.Name,
		Class:      string(a.Class),
		Price:      quote.Price,
		ChangePct:  quote.ChangePct24h,
		Indicators: indicators,
	}
	if ev != nil {
		c.Anomalies = []string{fmt.Sprintf("[%s] %s", ev.Severity, ev.Detail)}
	}
	if p.deps.News != nil && newsCount > 0 {
		c.NewsHeads = p.deps.News.Headlines(a, 5)
	}
	if p.deps.Tracker != nil {
		for _, v := range p.deps.Tracker.Query(&a) {
			c.OpenSummary = fmt.Sprintf("%s %g @ %.6g (%.2f%%)", v.Side, v.QuantityRem, v.EntryPrice, v.UnrealizedPct*100)
		}
	}
	return c
}

func moreSevere(a, b *anomaly.Event) *anomaly.Event {
	if a == nil {
		return b
	}
	if b == nil || a.Severity >= b.Severity {
		return a
	}
	return b
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
