package anomaly

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Superandyfre/Openclaw-stock/internal/asset"
)

var testAsset = asset.Asset{ID: "BTCUSDT", Class: asset.ClassCrypto}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time               { return c.t }
func (c *fakeClock) advance(d time.Duration) time.Time { c.t = c.t.Add(d); return c.t }

func newTestDetector(clock *fakeClock) *Detector {
	return NewDetector(DetectorConfig{
		BaselineHorizon: time.Hour,
		DebounceDefault: 300 * time.Second,
	}, zerolog.Nop(), clock.now)
}

// seed feeds enough quiet samples to make the baseline scoreable.
func seed(d *Detector, clock *fakeClock, metric string, n int) {
	for i := 0; i < n; i++ {
		v := 100.0 + float64(i%3) // jitter keeps sigma non-zero
		d.Observe(Observation{Asset: testAsset, Kind: KindVolumeSpike, Metric: metric, Value: v, At: clock.advance(time.Second)})
	}
}

func TestNoEventBeforeBaselineWarmup(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)}
	d := newTestDetector(clock)

	for i := 0; i < 5; i++ {
		if ev := d.Observe(Observation{Asset: testAsset, Kind: KindVolumeSpike, Metric: "volume", Value: 1e9, At: clock.advance(time.Second)}); ev != nil {
			t.Fatalf("event fired with only %d samples", i+1)
		}
	}
}

func TestZLadderSeverities(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)}
	d := newTestDetector(clock)
	seed(d, clock, "volume", 30)

	// Baseline mean ~101, sigma ~0.8; 105 lands beyond 4.5 sigma.
	ev := d.Observe(Observation{Asset: testAsset, Kind: KindVolumeSpike, Metric: "volume", Value: 105, At: clock.advance(time.Second)})
	if ev == nil {
		t.Fatal("expected an event for a far outlier")
	}
	if ev.Severity != SeverityCritical {
		t.Errorf("expected critical, got %s (z=%.2f)", ev.Severity, ev.ZScore)
	}
}

func TestDebounceFiresExactlyOnce(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)}
	d := newTestDetector(clock)
	seed(d, clock, "volume", 30)

	fired := 0
	for i := 0; i < 10; i++ {
		ev := d.Observe(Observation{Asset: testAsset, Kind: KindVolumeSpike, Metric: "volume", Value: 106, At: clock.advance(time.Second)})
		if ev != nil {
			fired++
		}
	}
	if fired != 1 {
		t.Errorf("burst inside the debounce window fired %d events, want 1", fired)
	}

	// The burst itself widened the baseline, so push well past it.
	clock.advance(301 * time.Second)
	if ev := d.Observe(Observation{Asset: testAsset, Kind: KindVolumeSpike, Metric: "volume", Value: 115, At: clock.t}); ev == nil {
		t.Error("event should fire again after the debounce window expires")
	}
}

func TestDebounceReleasesEscalation(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)}
	d := newTestDetector(clock)
	seed(d, clock, "volume", 30)

	warn := d.Observe(Observation{Asset: testAsset, Kind: KindVolumeSpike, Metric: "volume", Value: 102.8, At: clock.advance(time.Second)})
	if warn == nil || warn.Severity != SeverityWarn {
		t.Fatalf("expected a warn event first, got %+v", warn)
	}

	crit := d.Observe(Observation{Asset: testAsset, Kind: KindVolumeSpike, Metric: "volume", Value: 106, At: clock.advance(time.Second)})
	if crit == nil {
		t.Fatal("escalation inside the debounce window must not be suppressed")
	}
	if crit.Severity != SeverityCritical || !crit.Escalation {
		t.Errorf("expected critical escalation, got %s escalation=%v", crit.Severity, crit.Escalation)
	}
}

func TestSingleBarRuleTrigger(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)}
	d := newTestDetector(clock)

	// No baseline yet: the 5% rule must still fire at high.
	ev := d.ObserveBarMove(testAsset, -0.06, clock.advance(time.Second))
	if ev == nil {
		t.Fatal("6% single-bar move must fire without baseline warm-up")
	}
	if ev.Severity != SeverityHigh {
		t.Errorf("rule trigger severity = %s, want high", ev.Severity)
	}
}

func TestConsecutiveLargePrints(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)}
	d := newTestDetector(clock)

	if ev := d.ObserveLargePrint(testAsset, 1, clock.advance(time.Second)); ev != nil {
		t.Fatal("one print must not fire")
	}
	if ev := d.ObserveLargePrint(testAsset, 1, clock.advance(time.Second)); ev != nil {
		t.Fatal("two prints must not fire")
	}
	ev := d.ObserveLargePrint(testAsset, 1, clock.advance(time.Second))
	if ev == nil || ev.Kind != KindOrderFlow || ev.Severity != SeverityHigh {
		t.Fatalf("three consecutive buys should fire a high order-flow event, got %+v", ev)
	}

	// Direction flip resets the run.
	clock.advance(301 * time.Second)
	if ev := d.ObserveLargePrint(testAsset, -1, clock.advance(time.Second)); ev != nil {
		t.Error("direction flip must reset the run")
	}
}

func TestPerAssetIsolation(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)}
	d := newTestDetector(clock)
	seed(d, clock, "volume", 30)

	other := asset.Asset{ID: "ETHUSDT", Class: asset.ClassCrypto}
	// The other asset has no baseline, so the same outlier stays silent.
	if ev := d.Observe(Observation{Asset: other, Kind: KindVolumeSpike, Metric: "volume", Value: 105, At: clock.advance(time.Second)}); ev != nil {
		t.Error("baselines must be per-asset")
	}
}
