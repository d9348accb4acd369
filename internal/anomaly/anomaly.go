// Package anomaly maintains rolling per-metric baselines and turns unusual
// readings into debounced, severity-ranked events.
package anomaly

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Superandyfre/Openclaw-stock/internal/asset"
)

// Severity ranks an anomaly event. Ordering matters: escalation comparisons
// rely on the numeric values.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityWarn
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityWarn:
		return "warn"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "none"
	}
}

// Kind identifies what an event is about.
type Kind string

const (
	KindPriceMove      Kind = "price_move"
	KindVolumeSpike    Kind = "volume_spike"
	KindVolatility     Kind = "volatility"
	KindOrderFlow      Kind = "order_flow"
	KindSentimentShift Kind = "sentiment_shift"
)

// Event is one detected anomaly after debouncing.
type Event struct {
	Asset      asset.Asset
	Kind       Kind
	Severity   Severity
	Metric     string
	Value      float64
	ZScore     float64
	Observed   time.Time
	Escalation bool // re-fired inside the debounce window at a higher severity
	Detail     string
}

// Thresholds of the z-score ladder.
const (
	zWarn     = 2.0
	zHigh     = 3.0
	zCritical = 4.5
)

// severityForZ maps |z| onto the ladder.
func severityForZ(z float64) Severity {
	az := math.Abs(z)
	switch {
	case az >= zCritical:
		return SeverityCritical
	case az >= zHigh:
		return SeverityHigh
	case az >= zWarn:
		return SeverityWarn
	default:
		return SeverityNone
	}
}

// sample is one observation inside a rolling baseline window.
type sample struct {
	at    time.Time
	value float64
}

// baseline keeps a horizon-bounded window of samples per metric.
type baseline struct {
	horizon time.Duration
	samples []sample
}

func (b *baseline) add(at time.Time, v float64) {
	b.samples = append(b.samples, sample{at: at, value: v})
	cutoff := at.Add(-b.horizon)
	i := 0
	for i < len(b.samples) && b.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.samples = b.samples[i:]
	}
}

// stats returns mean and sigma of the window, ok=false while the window is
// too small or flat to score against.
func (b *baseline) stats() (mean, sigma float64, ok bool) {
	const minSamples = 10
	if len(b.samples) < minSamples {
		return 0, 0, false
	}
	var sum float64
	for _, s := range b.samples {
		sum += s.value
	}
	mean = sum / float64(len(b.samples))
	var variance float64
	for _, s := range b.samples {
		d := s.value - mean
		variance += d * d
	}
	sigma = math.Sqrt(variance / float64(len(b.samples)))
	if sigma == 0 {
		return mean, 0, false
	}
	return mean, sigma, true
}

// DetectorConfig tunes baselines and debouncing.
type DetectorConfig struct {
	BaselineHorizon time.Duration
	DebounceDefault time.Duration
	DebouncePerKind map[Kind]time.Duration
	MetricHorizons  map[string]time.Duration
}

func (c *DetectorConfig) applyDefaults() {
	if c.BaselineHorizon <= 0 {
		c.BaselineHorizon = time.Hour
	}
	if c.DebounceDefault <= 0 {
		c.DebounceDefault = 300 * time.Second
	}
}

// Detector scores metric observations against rolling baselines. All methods
// are safe for concurrent use by per-asset pipelines.
type Detector struct {
	cfg    DetectorConfig
	logger zerolog.Logger
	now    func() time.Time

	mu        sync.Mutex
	baselines map[string]*baseline      // key: asset|metric
	lastFired map[string]firedState     // key: asset|kind
	largeRuns map[string]directionalRun // key: asset
}

type firedState struct {
	at       time.Time
	severity Severity
}

// directionalRun tracks consecutive same-direction large-volume prints.
type directionalRun struct {
	direction int // +1 buys, -1 sells
	count     int
	last      time.Time
}

// NewDetector builds a detector with an injectable clock for tests.
func NewDetector(cfg DetectorConfig, logger zerolog.Logger, now func() time.Time) *Detector {
	cfg.applyDefaults()
	if now == nil {
		now = time.Now
	}
	return &Detector{
		cfg:       cfg,
		logger:    logger.With().Str("component", "anomaly").Logger(),
		now:       now,
		baselines: make(map[string]*baseline),
		lastFired: make(map[string]firedState),
		largeRuns: make(map[string]directionalRun),
	}
}

// Observation is one metric reading to score.
type Observation struct {
	Asset  asset.Asset
	Kind   Kind
	Metric string
	Value  float64
	At     time.Time
}

// Observe folds the reading into its baseline and returns a debounced event
// when the ladder fires, or nil.
func (d *Detector) Observe(obs Observation) *Event {
	d.mu.Lock()
	defer d.mu.Unlock()

	ev := d.score(obs)
	if ev == nil {
		return nil
	}
	return d.emit(*ev)
}

// score updates the baseline and builds the candidate event without
// debouncing. Caller holds d.mu.
func (d *Detector) score(obs Observation) *Event {
	at := obs.At
	if at.IsZero() {
		at = d.now()
	}

	bkey := obs.Asset.Key() + "|" + obs.Metric
	b := d.baselines[bkey]
	if b == nil {
		b = &baseline{horizon: d.metricHorizon(obs.Metric)}
		d.baselines[bkey] = b
	}

	mean, sigma, ok := b.stats()
	b.add(at, obs.Value)
	if !ok {
		return nil
	}

	z := (obs.Value - mean) / sigma
	sev := severityForZ(z)
	if sev == SeverityNone {
		return nil
	}
	return &Event{
		Asset:    obs.Asset,
		Kind:     obs.Kind,
		Severity: sev,
		Metric:   obs.Metric,
		Value:    obs.Value,
		ZScore:   z,
		Observed: at,
		Detail:   fmt.Sprintf("%s z=%.2f (mean %.4f, sigma %.4f)", obs.Metric, z, mean, sigma),
	}
}

// ObserveBarMove applies the rule trigger for single-bar moves: a move of at
// least 5% is high regardless of what the baseline says.
func (d *Detector) ObserveBarMove(a asset.Asset, changePct float64, at time.Time) *Event {
	d.mu.Lock()
	defer d.mu.Unlock()

	if at.IsZero() {
		at = d.now()
	}
	scored := d.score(Observation{Asset: a, Kind: KindPriceMove, Metric: "bar_change_pct", Value: changePct, At: at})

	if math.Abs(changePct) < 0.05 {
		if scored == nil {
			return nil
		}
		return d.emit(*scored)
	}

	ev := Event{
		Asset:    a,
		Kind:     KindPriceMove,
		Severity: SeverityHigh,
		Metric:   "bar_change_pct",
		Value:    changePct,
		Observed: at,
		Detail:   fmt.Sprintf("single-bar move %.2f%%", changePct*100),
	}
	if scored != nil && scored.Severity > ev.Severity {
		ev.Severity = scored.Severity
		ev.ZScore = scored.ZScore
	}
	return d.emit(ev)
}

// ObserveLargePrint feeds directional large-volume prints; three or more
// consecutive prints in the same direction fire an order-flow event at high.
func (d *Detector) ObserveLargePrint(a asset.Asset, direction int, at time.Time) *Event {
	if direction == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if at.IsZero() {
		at = d.now()
	}
	run := d.largeRuns[a.Key()]
	if run.direction == direction && at.Sub(run.last) < 5*time.Minute {
		run.count++
	} else {
		run = directionalRun{direction: direction, count: 1}
	}
	run.last = at
	d.largeRuns[a.Key()] = run

	if run.count < 3 {
		return nil
	}
	side := "buy"
	if direction < 0 {
		side = "sell"
	}
	return d.emit(Event{
		Asset:    a,
		Kind:     KindOrderFlow,
		Severity: SeverityHigh,
		Metric:   "large_prints",
		Value:    float64(run.count),
		Observed: at,
		Detail:   fmt.Sprintf("%d consecutive large %s prints", run.count, side),
	})
}

// emit applies per-(asset, kind) debouncing. Within the window an event only
// passes when it strictly escalates, and it carries the Escalation flag.
// Caller holds d.mu.
func (d *Detector) emit(ev Event) *Event {
	key := ev.Asset.Key() + "|" + string(ev.Kind)
	window := d.debounceFor(ev.Kind)

	prev, seen := d.lastFired[key]
	if seen && ev.Observed.Sub(prev.at) < window {
		if ev.Severity <= prev.severity {
			d.logger.Debug().
				Str("asset", ev.Asset.ID).
				Str("kind", string(ev.Kind)).
				Str("severity", ev.Severity.String()).
				Msg("anomaly suppressed by debounce")
			return nil
		}
		ev.Escalation = true
	}
	d.lastFired[key] = firedState{at: ev.Observed, severity: ev.Severity}

	d.logger.Info().
		Str("asset", ev.Asset.ID).
		Str("kind", string(ev.Kind)).
		Str("severity", ev.Severity.String()).
		Float64("z", ev.ZScore).
		Bool("escalation", ev.Escalation).
		Msg("anomaly detected")
	return &ev
}

func (d *Detector) debounceFor(k Kind) time.Duration {
	if w, ok := d.cfg.DebouncePerKind[k]; ok && w > 0 {
		return w
	}
	return d.cfg.DebounceDefault
}

func (d *Detector) metricHorizon(metric string) time.Duration {
	if h, ok := d.cfg.MetricHorizons[metric]; ok && h > 0 {
		return h
	}
	return d.cfg.BaselineHorizon
}
