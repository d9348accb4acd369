package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Superandyfre/Openclaw-stock/config"
	"github.com/Superandyfre/Openclaw-stock/internal/asset"
	"github.com/Superandyfre/Openclaw-stock/internal/backtest"
	"github.com/Superandyfre/Openclaw-stock/internal/currency"
	"github.com/Superandyfre/Openclaw-stock/internal/llm"
	"github.com/Superandyfre/Openclaw-stock/internal/market"
	"github.com/Superandyfre/Openclaw-stock/internal/pipeline"
	"github.com/Superandyfre/Openclaw-stock/internal/position"
)

const refusalMessage = "You are not authorized to use this assistant."

// Advisor serves on-demand advice. Satisfied by the analysis pipeline.
type Advisor interface {
	AdviseNow(ctx context.Context, a asset.Asset) (pipeline.Advice, error)
}

// Service receives inbound messages, classifies them and dispatches typed
// commands to the trading subsystems.
type Service struct {
	transport Transport
	router    *Router
	tracker   *position.Tracker
	advisor   Advisor
	history   *pipeline.History
	fetcher   market.Fetcher
	backtester *backtest.Engine
	converter *currency.Converter
	llm       *llm.Router
	risk      config.RiskConfig
	allowed   map[string]bool
	logger    zerolog.Logger
	now       func() time.Time
}

// ServiceDeps wires a Service. Transport, router and tracker are required;
// the rest degrade gracefully when absent.
type ServiceDeps struct {
	Transport  Transport
	Router     *Router
	Tracker    *position.Tracker
	Advisor    Advisor
	History    *pipeline.History
	Fetcher    market.Fetcher
	Backtester *backtest.Engine
	Converter  *currency.Converter
	LLM        *llm.Router
	Risk       config.RiskConfig
	Users      []string
	Now        func() time.Time
}

// NewService builds the front end. An empty user allow-list denies everyone.
func NewService(deps ServiceDeps, logger zerolog.Logger) *Service {
	allowed := make(map[string]bool, len(deps.Users))
	for _, u := range deps.Users {
		allowed[strings.TrimSpace(u)] = true
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		transport:  deps.Transport,
		router:     deps.Router,
		tracker:    deps.Tracker,
		advisor:    deps.Advisor,
		history:    deps.History,
		fetcher:    deps.Fetcher,
		backtester: deps.Backtester,
		converter:  deps.Converter,
		llm:        deps.LLM,
		risk:       deps.Risk,
		allowed:    allowed,
		logger:     logger.With().Str("component", "chat").Logger(),
		now:        now,
	}
}

// Run attaches the message handler and drives the transport until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	s.transport.OnMessage(func(in Inbound) {
		reply := s.HandleMessage(ctx, in)
		if reply == "" {
			return
		}
		if err := s.transport.Send(ctx, in.UserID, reply); err != nil {
			s.logger.Error().Err(err).Str("user", in.UserID).Msg("reply send failed")
		}
	})
	return s.transport.Run(ctx)
}

// HandleMessage classifies and dispatches one message, returning the reply
// text. Unauthorized senders get a fixed refusal and the attempt is logged.
func (s *Service) HandleMessage(ctx context.Context, in Inbound) string {
	if !s.allowed[in.UserID] {
		s.logger.Warn().Str("user", in.UserID).Msg("unauthorized message rejected")
		return refusalMessage
	}

	intent := s.router.Classify(ctx, in.Text)
	s.logger.Info().
		Str("user", in.UserID).
		Str("intent", string(intent.Kind)).
		Str("via", intent.Via).
		Float64("confidence", intent.Confidence).
		Msg("message classified")

	switch intent.Kind {
	case IntentBuy:
		return s.handleTrade(ctx, intent, position.SideLong)
	case IntentSell:
		return s.handleSell(ctx, intent)
	case IntentAskAdvice:
		return s.handleAdvice(ctx, intent)
	case IntentCheckPosition:
		return s.handlePositions(intent)
	case IntentPortfolioAdjust:
		return s.handlePortfolio()
	case IntentMarketAnalysis:
		return s.handleMarketAnalysis(ctx, intent)
	case IntentRunBacktest:
		return s.handleBacktest(ctx, intent)
	default:
		return s.handleChat(ctx, in.Text)
	}
}

// handleTrade executes a buy. Missing slots trigger clarification instead of
// a guessed execution.
func (s *Service) handleTrade(ctx context.Context, intent Intent, side position.Side) string {
	slots := intent.Slots
	if slots.Asset == nil {
		return "Which asset would you like to buy? Name or symbol, please."
	}
	if slots.Quantity <= 0 {
		return fmt.Sprintf("How many units of %s should I buy?", slots.Asset.String())
	}

	price := slots.Price
	if price <= 0 {
		quote, err := s.currentQuote(ctx, *slots.Asset)
		if err != nil {
			return fmt.Sprintf("I could not fetch a current price for %s: %v. Please retry or state a price.", slots.Asset.ID, err)
		}
		price = quote.Price
	}

	pos, err := s.tracker.Open(*slots.Asset, slots.Quantity, price, side, position.OpenParams{})
	if err != nil {
		return s.explainTradeError(err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "*%s* — position opened\n\n", slots.Asset.String())
	fmt.Fprintf(&b, "Side: %s\nQuantity: %g\nEntry: %s\n", pos.Side, pos.OriginalQty, s.money(price, *slots.Asset))
	fmt.Fprintf(&b, "Stop loss: %s\nTake profit: %s\n", s.money(pos.StopLossPrice, *slots.Asset), s.money(pos.TakeProfitPrice, *slots.Asset))
	b.WriteString(s.riskFooter())
	return b.String()
}

func (s *Service) handleSell(ctx context.Context, intent Intent) string {
	slots := intent.Slots
	if slots.Asset == nil {
		return "Which asset would you like to sell?"
	}
	views := s.tracker.Query(slots.Asset)
	if len(views) == 0 {
		return fmt.Sprintf("No open position on %s.", slots.Asset.String())
	}
	v := views[0]

	qty := slots.Quantity
	if qty <= 0 {
		qty = v.QuantityRem
	}
	price := slots.Price
	if price <= 0 {
		quote, err := s.currentQuote(ctx, *slots.Asset)
		if err != nil {
			return fmt.Sprintf("I could not fetch a current price for %s: %v.", slots.Asset.ID, err)
		}
		price = quote.Price
	}

	pnl, err := s.tracker.Close(*slots.Asset, v.Side, qty, price, position.CauseUser)
	if err != nil {
		return s.explainTradeError(err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "*%s* — sold %g @ %s\n\n", slots.Asset.String(), qty, s.money(price, *slots.Asset))
	fmt.Fprintf(&b, "Realized P&L: %s\n", s.money(pnl, *slots.Asset))
	b.WriteString(s.riskFooter())
	return b.String()
}

func (s *Service) handleAdvice(ctx context.Context, intent Intent) string {
	if intent.Slots.Asset == nil {
		return "Which asset should I look at?"
	}
	a := *intent.Slots.Asset

	if s.history != nil {
		if advice, ok := s.history.Latest(a); ok && s.now().Sub(advice.GeneratedAt) < 5*time.Minute {
			return s.renderAdvice(advice)
		}
	}
	if s.advisor == nil {
		return "Advice generation is not available right now."
	}
	advice, err := s.advisor.AdviseNow(ctx, a)
	if err != nil {
		return fmt.Sprintf("Analysis failed for %s: %v", a.ID, err)
	}
	return s.renderAdvice(advice)
}

func (s *Service) renderAdvice(a pipeline.Advice) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*%s* — %s\n\n", a.Asset.String(), strings.ToUpper(string(a.Action)))
	fmt.Fprintf(&b, "Confidence: %.0f%%  (source: %s)\n", a.Confidence*100, a.Source)
	if a.Entry > 0 {
		fmt.Fprintf(&b, "Entry: %s\n", s.money(a.Entry, a.Asset))
	}
	if a.StopLoss > 0 {
		fmt.Fprintf(&b, "Stop loss: %s\n", s.money(a.StopLoss, a.Asset))
	}
	if len(a.TakeProfitTiers) > 0 {
		tiers := make([]string, len(a.TakeProfitTiers))
		for i, t := range a.TakeProfitTiers {
			tiers[i] = s.money(t, a.Asset)
		}
		fmt.Fprintf(&b, "Take profit: %s\n", strings.Join(tiers, " / "))
	}
	if a.Reasoning != "" {
		fmt.Fprintf(&b, "\n%s\n", a.Reasoning)
	}
	b.WriteString(s.riskFooter())
	return b.String()
}

func (s *Service) handlePositions(intent Intent) string {
	views := s.tracker.Query(intent.Slots.Asset)
	if len(views) == 0 {
		return "No open positions."
	}
	var b strings.Builder
	b.WriteString("*Open positions*\n\n")
	for _, v := range views {
		fmt.Fprintf(&b, "%s — %s %g @ %s\n", v.Asset.String(), v.Side, v.QuantityRem, s.money(v.EntryPrice, v.Asset))
		fmt.Fprintf(&b, "  mark %s, P&L %s (%.2f%%), held %s\n",
			s.money(v.MarkPrice, v.Asset), s.money(v.UnrealizedPnL, v.Asset),
			v.UnrealizedPct*100, v.HeldFor.Round(time.Minute))
	}
	b.WriteString(s.riskFooter())
	return b.String()
}

func (s *Service) handlePortfolio() string {
	snap := s.tracker.Portfolio()
	var b strings.Builder
	b.WriteString("*Portfolio*\n\n")
	if len(snap.ByClass) == 0 {
		b.WriteString("No open positions.\n")
	}
	for class, sum := range snap.ByClass {
		fmt.Fprintf(&b, "%s: %d open, notional %.2f, unrealized %.2f\n",
			class, sum.OpenCount, sum.Notional, sum.UnrealizedPnL)
	}
	fmt.Fprintf(&b, "\nRealized P&L: %.2f\nClosed trades: %d, win rate %.0f%%\n",
		snap.TotalPnL, snap.ClosedCount, snap.WinRate*100)
	b.WriteString(s.riskFooter())
	return b.String()
}

func (s *Service) handleMarketAnalysis(ctx context.Context, intent Intent) string {
	if intent.Slots.Asset == nil {
		return "Which market or asset should I analyze?"
	}
	a := *intent.Slots.Asset
	quote, err := s.currentQuote(ctx, a)
	if err != nil {
		return fmt.Sprintf("Market data unavailable for %s: %v", a.ID, err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "*%s*\n\n", a.String())
	fmt.Fprintf(&b, "Price: %s (%+.2f%% / 24h)\n", s.money(quote.Price, a), quote.ChangePct24h*100)
	fmt.Fprintf(&b, "Volume: %.4g\nSource: %s\n", quote.Volume, quote.Adapter)
	if quote.Age > 0 {
		fmt.Fprintf(&b, "_Data is %s old (upstream degraded)._\n", quote.Age.Round(time.Second))
	}

	if s.llm != nil {
		summary, err := s.llm.Complete(ctx, llm.TaskStandard, llm.SystemPromptMarketSummary,
			fmt.Sprintf("%s price %.6g, 24h change %.2f%%, volume %.4g", a.String(), quote.Price, quote.ChangePct24h*100, quote.Volume))
		if err == nil {
			fmt.Fprintf(&b, "\n%s\n", summary.Text)
		}
	}
	b.WriteString(s.riskFooter())
	return b.String()
}

func (s *Service) handleBacktest(ctx context.Context, intent Intent) string {
	if s.backtester == nil || s.fetcher == nil {
		return "Backtesting is not available right now."
	}
	if intent.Slots.Asset == nil {
		return "Which asset should I backtest? You can also state a range, e.g. \"last 30 days\"."
	}
	a := *intent.Slots.Asset

	days := intent.Slots.Days
	if days <= 0 {
		days = 30
	}
	capital := intent.Slots.Capital
	if capital <= 0 {
		capital = 10000
	}

	sctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	series, err := s.fetcher.Series(sctx, a, market.Width1h, days*24)
	cancel()
	if err != nil {
		return fmt.Sprintf("Historical data unavailable for %s: %v", a.ID, err)
	}

	strategy := s.pickStrategy(intent.Slots.Strategy)
	signals := backtest.StrategySignals(series, strategy)
	res, err := s.backtester.Run(backtest.Input{
		InitialCapital: capital,
		Series:         map[string]market.Series{a.Key(): series},
		Signals:        signals,
		Risk:           s.risk,
	})
	if err != nil {
		return fmt.Sprintf("Backtest failed: %v", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "*%s* — backtest (%s, %d days)\n\n", a.String(), strategy.Name, days)
	fmt.Fprintf(&b, "%s\n", backtest.Describe(res))
	fmt.Fprintf(&b, "Final equity: %.2f (from %.2f)\n", res.FinalEquity, res.InitialCapital)
	if len(res.ExitCauses) > 0 {
		b.WriteString("Exits:")
		for cause, n := range res.ExitCauses {
			fmt.Fprintf(&b, " %s×%d", cause, n)
		}
		b.WriteString("\n")
	}
	b.WriteString(s.riskFooter())
	return b.String()
}

func (s *Service) pickStrategy(name string) pipeline.Strategy {
	strategies := pipeline.DefaultStrategies(nil)
	for _, st := range strategies {
		if strings.EqualFold(st.Name, name) {
			return st
		}
	}
	return strategies[0]
}

func (s *Service) handleChat(ctx context.Context, text string) string {
	if s.llm != nil {
		res, err := s.llm.Complete(ctx, llm.TaskLightweight,
			"You are a friendly trading assistant. Reply briefly and helpfully.", text)
		if err == nil {
			return res.Text
		}
		s.logger.Warn().Err(err).Msg("chat completion failed")
	}
	return "I track markets, positions and backtests. Ask me for advice on an asset, or tell me to buy or sell."
}

func (s *Service) currentQuote(ctx context.Context, a asset.Asset) (market.Quote, error) {
	qctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.fetcher.Quote(qctx, a)
}

// money renders an amount in the display currency when a converter is set.
func (s *Service) money(v float64, a asset.Asset) string {
	if s.converter == nil {
		return fmt.Sprintf("%.6g", v)
	}
	return currency.Format(s.converter.Convert(v, asset.NativeCurrency(a)))
}

func (s *Service) explainTradeError(err error) string {
	switch {
	case errors.Is(err, position.ErrValidation):
		return fmt.Sprintf("I can't do that: %v", err)
	case errors.Is(err, position.ErrRiskViolation):
		return fmt.Sprintf("Refused by risk limits: %v", err)
	default:
		return fmt.Sprintf("Trade failed: %v", err)
	}
}

func (s *Service) riskFooter() string {
	return fmt.Sprintf("\n_Risk: stop %.0f%%, target %.0f%%, max hold %s. Simulated positions only._",
		s.risk.StopLossPct*100, s.risk.TakeProfitPct*100, s.risk.MaxHold)
}
