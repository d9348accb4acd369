// Package position is the stateful heart of the assistant: it owns every
// simulated position, enforces the risk rules on each mark and feeds the
// append-only trade log. Backtests replay through the same tracker so live
// and simulated runs share one rule implementation.
package position

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Superandyfre/Openclaw-stock/config"
	"github.com/Superandyfre/Openclaw-stock/internal/asset"
	"github.com/Superandyfre/Openclaw-stock/internal/events"
	"github.com/Superandyfre/Openclaw-stock/internal/market"
)

var (
	// ErrValidation covers malformed operations: bad quantity, unknown
	// position, sells exceeding the remaining quantity.
	ErrValidation = errors.New("validation error")
	// ErrRiskViolation covers opens refused by sizing or intraday limits.
	ErrRiskViolation = errors.New("risk violation")
)

// Side of a position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Cause of a trade-log entry.
type Cause string

const (
	CauseUser         Cause = "user"
	CauseStopLoss     Cause = "stop_loss"
	CauseTakeProfit   Cause = "take_profit"
	CauseTimeout      Cause = "timeout"
	CauseStrategy     Cause = "strategy_signal"
	CauseBacktestEnd  Cause = "backtest_end"
	CauseTieredTarget Cause = "take_profit" // tier exits log as take_profit adjusts
)

// Tier is one rung of a per-strategy tiered exit plan.
type Tier struct {
	GainPct  float64 // trigger, e.g. 0.015
	Fraction float64 // share of the original quantity; 0 means "remainder"
}

// DefaultTiers is the standard three-rung ladder strategies may declare.
var DefaultTiers = []Tier{
	{GainPct: 0.015, Fraction: 0.33},
	{GainPct: 0.025, Fraction: 0.33},
	{GainPct: 0.05, Fraction: 0},
}

// Position is one open or closed holding. Stop and target prices are fixed
// at open time and never recomputed.
type Position struct {
	ID             string
	Asset          asset.Asset
	Side           Side
	QuantityRem    float64
	OriginalQty    float64
	EntryPrice     float64
	EntryTime      time.Time
	StopLossPrice  float64
	TakeProfitPrice float64
	MaxHold        time.Duration
	Tiers          []Tier
	RealizedPnL    float64
	FeesPaid       float64
	Closed         bool

	lastMarkAt    time.Time
	lastMarkPrice float64
	tiersTaken    int
	warnedStop    bool
	warnedGain    bool
}

// UnrealizedPct is the signed return of the remaining quantity at price.
func (p *Position) UnrealizedPct(price float64) float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	r := (price - p.EntryPrice) / p.EntryPrice
	if p.Side == SideShort {
		r = -r
	}
	return r
}

// TradeRecord is one immutable entry of the append-only log.
type TradeRecord struct {
	Time        time.Time
	PositionID  string
	Asset       asset.Asset
	Side        Side
	Kind        string // open | adjust | close
	Quantity    float64
	Price       float64
	Cause       Cause
	RealizedPnL float64
	Fees        float64
}

// Alert is a once-per-(position, threshold) risk notification.
type Alert struct {
	PositionID string
	Asset      asset.Asset
	Rule       string // stop_loss_warning | major_gain
	PnLPct     float64
	At         time.Time
}

// Store persists positions and trades across restarts. Absence means
// in-memory only; write failures degrade to logging.
type Store interface {
	SavePosition(p Position) error
	RemovePosition(id string) error
	AppendTrade(r TradeRecord) error
}

// View is a read-only snapshot with mark-to-market P&L.
type View struct {
	Position
	MarkPrice     float64
	UnrealizedPnL float64
	UnrealizedPct float64
	HeldFor       time.Duration
}

// PortfolioSnapshot groups positions by asset class.
type PortfolioSnapshot struct {
	ByClass     map[asset.Class]ClassSummary
	TotalPnL    float64 // realized, from the trade log
	WinRate     float64
	ClosedCount int
}

type ClassSummary struct {
	OpenCount     int
	Notional      float64 // at mark
	UnrealizedPnL float64
}

// Tracker owns all position state. All mutations serialize through its lock;
// reads return copies.
type Tracker struct {
	cfg     config.RiskConfig
	now     func() time.Time
	logger  zerolog.Logger
	bus     *events.EventBus
	store   Store
	alertFn func(Alert)
	capital float64

	mu        sync.Mutex
	open      map[string]*Position // key: asset.Key()|side
	trades    []TradeRecord
	dayKey    string
	dayClosed int
	lossRun   int
	lockedOut bool
	lastOpen  map[string]time.Time // per asset.Key()
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock injects a deterministic clock.
func WithClock(now func() time.Time) Option { return func(t *Tracker) { t.now = now } }

// WithBus publishes position and alert events.
func WithBus(bus *events.EventBus) Option { return func(t *Tracker) { t.bus = bus } }

// WithStore persists positions and trades.
func WithStore(s Store) Option { return func(t *Tracker) { t.store = s } }

// WithAlertFunc receives risk alerts synchronously.
func WithAlertFunc(fn func(Alert)) Option { return func(t *Tracker) { t.alertFn = fn } }

// WithCapital enables the max-position-share sizing check.
func WithCapital(c float64) Option { return func(t *Tracker) { t.capital = c } }

// NewTracker builds a tracker with the given risk configuration.
func NewTracker(cfg config.RiskConfig, logger zerolog.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		cfg:      cfg,
		now:      time.Now,
		logger:   logger.With().Str("component", "position").Logger(),
		open:     make(map[string]*Position),
		lastOpen: make(map[string]time.Time),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// OpenParams carries the optional per-strategy overrides of an open.
type OpenParams struct {
	StopPct float64 // overrides cfg.StopLossPct when non-zero (negative)
	TPPct   float64 // overrides cfg.TakeProfitPct when non-zero
	MaxHold time.Duration
	Tiers   []Tier // tier exits apply only when declared
}

func key(a asset.Asset, side Side) string { return a.Key() + "|" + string(side) }

// Open creates a new position. It rejects duplicates per (asset, side),
// invalid quantities and opens that violate sizing or intraday limits.
func (t *Tracker) Open(a asset.Asset, quantity, entryPrice float64, side Side, params OpenParams) (Position, error) {
	if quantity <= 0 {
		return Position{}, fmt.Errorf("%w: quantity must be positive, got %g", ErrValidation, quantity)
	}
	if entryPrice <= 0 {
		return Position{}, fmt.Errorf("%w: entry price must be positive, got %g", ErrValidation, entryPrice)
	}
	if side != SideLong && side != SideShort {
		return Position{}, fmt.Errorf("%w: unknown side %q", ErrValidation, side)
	}
	if !asset.ValidQuantity(a.Class, quantity) {
		return Position{}, fmt.Errorf("%w: %s requires whole-unit quantities", ErrValidation, a.ID)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.rollDayLocked(now)

	if _, exists := t.open[key(a, side)]; exists {
		return Position{}, fmt.Errorf("%w: an open %s position on %s already exists", ErrValidation, side, a.ID)
	}
	if t.capital > 0 && t.cfg.MaxPositionPct > 0 {
		if notional := quantity * entryPrice; notional > t.capital*t.cfg.MaxPositionPct {
			return Position{}, fmt.Errorf("%w: notional %.2f exceeds %.0f%% of capital",
				ErrRiskViolation, notional, t.cfg.MaxPositionPct*100)
		}
	}
	if t.cfg.MaxTradesPerDay > 0 && t.dayClosed >= t.cfg.MaxTradesPerDay {
		return Position{}, fmt.Errorf("%w: daily trade limit of %d reached", ErrRiskViolation, t.cfg.MaxTradesPerDay)
	}
	if t.lockedOut {
		return Position{}, fmt.Errorf("%w: %d consecutive losses, no new positions until tomorrow",
			ErrRiskViolation, t.cfg.MaxConsecutiveLoss)
	}
	if t.cfg.MinOpenGap > 0 {
		if last, ok := t.lastOpen[a.Key()]; ok && now.Sub(last) < t.cfg.MinOpenGap {
			return Position{}, fmt.Errorf("%w: minimum gap between opens on %s is %s",
				ErrRiskViolation, a.ID, t.cfg.MinOpenGap)
		}
	}

	stopPct := t.cfg.StopLossPct
	if params.StopPct != 0 {
		stopPct = params.StopPct
	}
	tpPct := t.cfg.TakeProfitPct
	if params.TPPct != 0 {
		tpPct = params.TPPct
	}
	maxHold := t.cfg.MaxHold
	if params.MaxHold > 0 {
		maxHold = params.MaxHold
	}

	sign := 1.0
	if side == SideShort {
		sign = -1.0
	}
	p := &Position{
		ID:              uuid.New().String(),
		Asset:           a,
		Side:            side,
		QuantityRem:     quantity,
		OriginalQty:     quantity,
		EntryPrice:      entryPrice,
		EntryTime:       now,
		StopLossPrice:   entryPrice * (1 + sign*stopPct),
		TakeProfitPrice: entryPrice * (1 + sign*tpPct),
		MaxHold:         maxHold,
		Tiers:           params.Tiers,
		FeesPaid:        t.fee(quantity, entryPrice),
	}
	t.open[key(a, side)] = p
	t.lastOpen[a.Key()] = now

	t.appendTradeLocked(TradeRecord{
		Time: now, PositionID: p.ID, Asset: a, Side: side,
		Kind: "open", Quantity: quantity, Price: entryPrice,
		Cause: CauseUser, Fees: p.FeesPaid,
	})
	t.persistLocked(p)

	t.logger.Info().
		Str("asset", a.ID).
		Str("side", string(side)).
		Float64("qty", quantity).
		Float64("entry", entryPrice).
		Float64("stop", p.StopLossPrice).
		Float64("target", p.TakeProfitPrice).
		Msg("position opened")
	if t.bus != nil {
		t.bus.Publish(events.Event{Type: events.EventPositionOpened, Data: map[string]interface{}{
			"id": p.ID, "asset": a.ID, "side": string(side), "qty": quantity, "entry": entryPrice,
		}})
	}
	return *p, nil
}

// Close realizes P&L on up to the remaining quantity. A quantity above the
// remainder is a validation error, never a silent clamp.
func (t *Tracker) Close(a asset.Asset, side Side, quantity, exitPrice float64, cause Cause) (float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeLocked(a, side, quantity, exitPrice, cause, t.now())
}

func (t *Tracker) closeLocked(a asset.Asset, side Side, quantity, exitPrice float64, cause Cause, at time.Time) (float64, error) {
	p, ok := t.open[key(a, side)]
	if !ok {
		return 0, fmt.Errorf("%w: no open %s position on %s", ErrValidation, side, a.ID)
	}
	if quantity <= 0 {
		return 0, fmt.Errorf("%w: close quantity must be positive, got %g", ErrValidation, quantity)
	}
	if quantity > p.QuantityRem+1e-12 {
		return 0, fmt.Errorf("%w: close quantity %g exceeds remaining %g", ErrValidation, quantity, p.QuantityRem)
	}

	sign := 1.0
	if p.Side == SideShort {
		sign = -1.0
	}
	exitFee := t.fee(quantity, exitPrice)
	entryFeeShare := t.fee(quantity, p.EntryPrice)
	pnl := sign*(exitPrice-p.EntryPrice)*quantity - exitFee - entryFeeShare

	p.QuantityRem -= quantity
	if p.QuantityRem < 1e-12 {
		p.QuantityRem = 0
	}
	p.RealizedPnL += pnl
	p.FeesPaid += exitFee
	full := p.QuantityRem == 0

	kind := "adjust"
	if full {
		kind = "close"
		p.Closed = true
		delete(t.open, key(a, side))
	}
	t.appendTradeLocked(TradeRecord{
		Time: at, PositionID: p.ID, Asset: a, Side: side,
		Kind: kind, Quantity: quantity, Price: exitPrice,
		Cause: cause, RealizedPnL: pnl, Fees: exitFee,
	})

	if full {
		t.rollDayLocked(at)
		t.dayClosed++
		if p.RealizedPnL < 0 {
			t.lossRun++
			if t.cfg.MaxConsecutiveLoss > 0 && t.lossRun >= t.cfg.MaxConsecutiveLoss {
				t.lockedOut = true
				t.logger.Warn().Int("losses", t.lossRun).Msg("consecutive-loss lockout engaged")
			}
		} else {
			t.lossRun = 0
		}
		if t.store != nil {
			if err := t.store.RemovePosition(p.ID); err != nil {
				t.logger.Warn().Err(err).Msg("failed to remove persisted position")
			}
		}
	} else {
		t.persistLocked(p)
	}

	t.logger.Info().
		Str("asset", a.ID).
		Str("cause", string(cause)).
		Float64("qty", quantity).
		Float64("exit", exitPrice).
		Float64("pnl", pnl).
		Bool("full", full).
		Msg("position closed")
	if t.bus != nil {
		typ := events.EventPositionUpdate
		if full {
			typ = events.EventPositionClosed
		}
		t.bus.Publish(events.Event{Type: typ, Data: map[string]interface{}{
			"id": p.ID, "asset": a.ID, "cause": string(cause), "pnl": pnl,
		}})
	}
	return pnl, nil
}

// Mark updates the position's mark and enforces the exit rules. Idempotent
// within a single quote timestamp.
func (t *Tracker) Mark(a asset.Asset, q market.Quote) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, side := range []Side{SideLong, SideShort} {
		p, ok := t.open[key(a, side)]
		if !ok {
			continue
		}
		if !p.lastMarkAt.IsZero() && !q.Timestamp.After(p.lastMarkAt) {
			continue
		}
		p.lastMarkAt = q.Timestamp
		p.lastMarkPrice = q.Price
		t.enforceLocked(p, q.Price, q.Timestamp)
	}
}

// enforceLocked applies the risk ladder to one position. Order: timeout,
// hard stop, take-profit, tier exits, then the informational alerts.
// Caller holds t.mu.
func (t *Tracker) enforceLocked(p *Position, price float64, at time.Time) {
	if p.MaxHold > 0 && at.Sub(p.EntryTime) >= p.MaxHold {
		if _, err := t.closeLocked(p.Asset, p.Side, p.QuantityRem, price, CauseTimeout, at); err != nil {
			t.logger.Error().Err(err).Str("asset", p.Asset.ID).Msg("timeout close failed")
		}
		return
	}

	ret := p.UnrealizedPct(price)

	// Stop and target compare against the prices fixed at open, so
	// per-signal overrides bind here, not the global thresholds.
	stopHit := price <= p.StopLossPrice
	targetHit := price >= p.TakeProfitPrice
	if p.Side == SideShort {
		stopHit = price >= p.StopLossPrice
		targetHit = price <= p.TakeProfitPrice
	}

	if stopHit {
		if _, err := t.closeLocked(p.Asset, p.Side, p.QuantityRem, price, CauseStopLoss, at); err != nil {
			t.logger.Error().Err(err).Str("asset", p.Asset.ID).Msg("stop-loss close failed")
		}
		return
	}
	if targetHit {
		if _, err := t.closeLocked(p.Asset, p.Side, p.QuantityRem, price, CauseTakeProfit, at); err != nil {
			t.logger.Error().Err(err).Str("asset", p.Asset.ID).Msg("take-profit close failed")
		}
		return
	}

	// Tier exits only when the opening signal declared them.
	for p.tiersTaken < len(p.Tiers) {
		tier := p.Tiers[p.tiersTaken]
		if ret < tier.GainPct {
			break
		}
		qty := p.QuantityRem
		if tier.Fraction > 0 {
			qty = p.OriginalQty * tier.Fraction
			if qty > p.QuantityRem {
				qty = p.QuantityRem
			}
		}
		// Equities cannot split below whole units.
		if p.Asset.Class == asset.ClassEquity {
			qty = float64(int64(qty))
			if qty < 1 {
				qty = p.QuantityRem
			}
		}
		p.tiersTaken++
		if _, err := t.closeLocked(p.Asset, p.Side, qty, price, CauseTieredTarget, at); err != nil {
			t.logger.Error().Err(err).Str("asset", p.Asset.ID).Msg("tier exit failed")
			break
		}
		if p.QuantityRem == 0 {
			return
		}
	}

	if !p.warnedStop && t.cfg.StopWarningPct < 0 && ret <= t.cfg.StopWarningPct {
		p.warnedStop = true
		t.alertLocked(Alert{PositionID: p.ID, Asset: p.Asset, Rule: "stop_loss_warning", PnLPct: ret, At: at})
	}
	if !p.warnedGain && t.cfg.MajorGainPct > 0 && ret >= t.cfg.MajorGainPct {
		p.warnedGain = true
		t.alertLocked(Alert{PositionID: p.ID, Asset: p.Asset, Rule: "major_gain", PnLPct: ret, At: at})
	}
}

func (t *Tracker) alertLocked(a Alert) {
	t.logger.Warn().
		Str("asset", a.Asset.ID).
		Str("rule", a.Rule).
		Float64("pnl_pct", a.PnLPct).
		Msg("risk alert")
	if t.bus != nil {
		t.bus.PublishRiskAlert(a.Asset.ID, a.Rule, a.PnLPct)
	}
	if t.alertFn != nil {
		t.alertFn(a)
	}
}

// Query returns open positions, optionally filtered by asset, with
// mark-to-market P&L from the last seen quote.
func (t *Tracker) Query(filter *asset.Asset) []View {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var out []View
	for _, p := range t.open {
		if filter != nil && p.Asset.Key() != filter.Key() {
			continue
		}
		out = append(out, t.viewLocked(p, now))
	}
	return out
}

func (t *Tracker) viewLocked(p *Position, now time.Time) View {
	mark := p.lastMarkPrice
	if mark == 0 {
		mark = p.EntryPrice
	}
	ret := p.UnrealizedPct(mark)
	sign := 1.0
	if p.Side == SideShort {
		sign = -1.0
	}
	return View{
		Position:      *p,
		MarkPrice:     mark,
		UnrealizedPnL: sign * (mark - p.EntryPrice) * p.QuantityRem,
		UnrealizedPct: ret,
		HeldFor:       now.Sub(p.EntryTime),
	}
}

// Portfolio returns the grouped snapshot by asset class plus trade-log
// derived realized totals.
func (t *Tracker) Portfolio() PortfolioSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := PortfolioSnapshot{ByClass: make(map[asset.Class]ClassSummary)}
	now := t.now()
	for _, p := range t.open {
		v := t.viewLocked(p, now)
		s := snap.ByClass[p.Asset.Class]
		s.OpenCount++
		s.Notional += v.MarkPrice * p.QuantityRem
		s.UnrealizedPnL += v.UnrealizedPnL
		snap.ByClass[p.Asset.Class] = s
	}

	wins, closes := 0, 0
	perPosition := make(map[string]float64)
	for _, r := range t.trades {
		perPosition[r.PositionID] += r.RealizedPnL
		if r.Kind == "close" {
			closes++
			if perPosition[r.PositionID] > 0 {
				wins++
			}
			snap.TotalPnL += perPosition[r.PositionID]
		}
	}
	snap.ClosedCount = closes
	if closes > 0 {
		snap.WinRate = float64(wins) / float64(closes)
	}
	return snap
}

// Trades returns a copy of the append-only log.
func (t *Tracker) Trades() []TradeRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TradeRecord, len(t.trades))
	copy(out, t.trades)
	return out
}

// OpenCount reports the number of open positions.
func (t *Tracker) OpenCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.open)
}

// CloseAll force-closes everything at the given exit prices, used at
// backtest end. Missing prices fall back to the last mark.
func (t *Tracker) CloseAll(prices map[string]float64, cause Cause) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for _, p := range t.open {
		price, ok := prices[p.Asset.Key()]
		if !ok {
			price = p.lastMarkPrice
			if price == 0 {
				price = p.EntryPrice
			}
		}
		if _, err := t.closeLocked(p.Asset, p.Side, p.QuantityRem, price, cause, now); err != nil {
			t.logger.Error().Err(err).Str("asset", p.Asset.ID).Msg("force close failed")
		}
	}
}

// Restore re-seats positions loaded from the persistence layer after a
// restart. Only non-closed positions are accepted.
func (t *Tracker) Restore(positions []Position) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range positions {
		p := positions[i]
		if p.Closed || p.QuantityRem <= 0 {
			continue
		}
		cp := p
		t.open[key(p.Asset, p.Side)] = &cp
	}
}

func (t *Tracker) fee(quantity, price float64) float64 {
	return quantity * price * t.cfg.FeeRate
}

func (t *Tracker) appendTradeLocked(r TradeRecord) {
	t.trades = append(t.trades, r)
	if t.store != nil {
		if err := t.store.AppendTrade(r); err != nil {
			t.logger.Warn().Err(err).Msg("failed to persist trade record")
		}
	}
}

func (t *Tracker) persistLocked(p *Position) {
	if t.store == nil {
		return
	}
	if err := t.store.SavePosition(*p); err != nil {
		t.logger.Warn().Err(err).Str("asset", p.Asset.ID).Msg("failed to persist position")
	}
}

// rollDayLocked resets the intraday counters at calendar-day boundaries.
func (t *Tracker) rollDayLocked(now time.Time) {
	day := now.Format("2006-01-02")
	if day != t.dayKey {
		t.dayKey = day
		t.dayClosed = 0
		t.lossRun = 0
		t.lockedOut = false
	}
}
