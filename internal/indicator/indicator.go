// Package indicator computes the technical snapshot the analysis pipeline
// feeds into anomaly scoring and strategy signals.
package indicator

import (
	"math"

	talib "github.com/markcheno/go-talib"

	"github.com/Superandyfre/Openclaw-stock/internal/market"
)

// Value is a single indicator reading. Valid is false when the series is
// still inside the indicator's warm-up window; consumers must treat such
// readings as absent rather than zero.
type Value struct {
	Value float64
	Valid bool
}

// MAPeriods are the moving-average windows included in every snapshot.
var MAPeriods = []int{5, 10, 15, 20, 30, 50}

// Snapshot is the full indicator state for one asset at one tick.
type Snapshot struct {
	Close  float64
	Volume float64

	SMA map[int]Value
	EMA map[int]Value

	RSI5  Value
	RSI14 Value

	// Fast MACD (5/10/5) reacts to short-term swings; the classic 12/26/9
	// set anchors the longer view.
	MACDFast       Value
	MACDFastSignal Value
	MACDFastHist   Value
	MACD           Value
	MACDSignal     Value
	MACDHist       Value

	VolumeZ Value

	SessionHigh      float64
	SessionLow       float64
	BrokeSessionHigh bool
	BrokeSessionLow  bool

	BookImbalance Value
}

// breakEpsilon keeps float noise at the exact session boundary from
// registering as a break.
const breakEpsilon = 1e-9

// Compute builds a snapshot from the bar series, optionally folding in order
// book depth when the feeding adapter exposes it.
func Compute(s market.Series, book *market.OrderBook) Snapshot {
	closes := make([]float64, len(s.Bars))
	volumes := make([]float64, len(s.Bars))
	for i, b := range s.Bars {
		closes[i] = b.Close
		volumes[i] = b.Volume
	}

	snap := Snapshot{
		SMA: make(map[int]Value, len(MAPeriods)),
		EMA: make(map[int]Value, len(MAPeriods)),
	}
	if len(s.Bars) == 0 {
		return snap
	}
	last := s.Bars[len(s.Bars)-1]
	snap.Close = last.Close
	snap.Volume = last.Volume

	for _, p := range MAPeriods {
		snap.SMA[p] = lastOf(talibSafe(closes, p, p, talib.Sma), p, len(closes))
		snap.EMA[p] = lastOf(talibSafe(closes, p, p, talib.Ema), p, len(closes))
	}

	// RSI consumes one extra bar for the first delta, so its warm-up is
	// period+1, not period.
	snap.RSI5 = lastOf(talibSafe(closes, 5, 5+1, talib.Rsi), 5+1, len(closes))
	snap.RSI14 = lastOf(talibSafe(closes, 14, 14+1, talib.Rsi), 14+1, len(closes))

	snap.MACDFast, snap.MACDFastSignal, snap.MACDFastHist = macdOf(closes, 5, 10, 5)
	snap.MACD, snap.MACDSignal, snap.MACDHist = macdOf(closes, 12, 26, 9)

	snap.VolumeZ = volumeZ(volumes)

	snap.SessionHigh, snap.SessionLow = sessionRange(s.Bars)
	if len(s.Bars) > 1 {
		snap.BrokeSessionHigh = last.Close > snap.SessionHigh+breakEpsilon
		snap.BrokeSessionLow = last.Close < snap.SessionLow-breakEpsilon
	}

	if book != nil {
		snap.BookImbalance = bookImbalance(*book)
	}
	return snap
}

// talibSafe guards the talib call against series still inside the warm-up
// window, which would index past the end inside the C-port.
func talibSafe(xs []float64, period, warmup int, fn func([]float64, int) []float64) []float64 {
	if period < 1 || len(xs) < warmup {
		return nil
	}
	return fn(xs, period)
}

// lastOf pulls the final reading, invalid when the series has not covered
// the warm-up window.
func lastOf(out []float64, warmup, n int) Value {
	if len(out) == 0 || n < warmup {
		return Value{}
	}
	v := out[len(out)-1]
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Value{}
	}
	return Value{Value: v, Valid: true}
}

func macdOf(closes []float64, fast, slow, signal int) (Value, Value, Value) {
	warmup := slow + signal
	if len(closes) < warmup {
		return Value{}, Value{}, Value{}
	}
	macd, sig, hist := talib.Macd(closes, fast, slow, signal)
	return lastOf(macd, warmup, len(closes)),
		lastOf(sig, warmup, len(closes)),
		lastOf(hist, warmup, len(closes))
}

// volumeZ scores the latest volume against the rest of the window. Flat or
// too-short windows yield an absent value instead of dividing by zero.
func volumeZ(volumes []float64) Value {
	if len(volumes) < 10 {
		return Value{}
	}
	hist := volumes[:len(volumes)-1]
	var sum float64
	for _, v := range hist {
		sum += v
	}
	mean := sum / float64(len(hist))
	var variance float64
	for _, v := range hist {
		d := v - mean
		variance += d * d
	}
	sigma := math.Sqrt(variance / float64(len(hist)))
	if sigma == 0 {
		return Value{}
	}
	return Value{Value: (volumes[len(volumes)-1] - mean) / sigma, Valid: true}
}

// sessionRange excludes the live bar so a new extreme counts as a break.
func sessionRange(bars []market.Bar) (high, low float64) {
	prior := bars
	if len(bars) > 1 {
		prior = bars[:len(bars)-1]
	}
	high = prior[0].High
	low = prior[0].Low
	for _, b := range prior[1:] {
		if b.High > high {
			high = b.High
		}
		if b.Low < low {
			low = b.Low
		}
	}
	return high, low
}

// bookImbalance returns (bid-ask)/(bid+ask) depth in [-1, 1].
func bookImbalance(book market.OrderBook) Value {
	total := book.BidDepth + book.AskDepth
	if total <= 0 {
		return Value{}
	}
	return Value{Value: (book.BidDepth - book.AskDepth) / total, Valid: true}
}
