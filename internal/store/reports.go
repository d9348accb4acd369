package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Superandyfre/Openclaw-stock/internal/backtest"
	"github.com/Superandyfre/Openclaw-stock/internal/position"
)

// ReportWriter persists analysis artifacts as timestamped pairs: a JSON file
// for machines and a .txt rendering for operators.
type ReportWriter struct {
	dir    string
	logger zerolog.Logger
	now    func() time.Time
}

func NewReportWriter(dir string, logger zerolog.Logger) *ReportWriter {
	if dir == "" {
		dir = "reports"
	}
	return &ReportWriter{
		dir:    dir,
		logger: logger.With().Str("component", "reports").Logger(),
		now:    time.Now,
	}
}

// WriteBacktest saves one backtest result pair and returns the JSON path.
func (w *ReportWriter) WriteBacktest(name string, res backtest.Result) (string, error) {
	stamp := w.now().Format("20060102_150405")
	base := fmt.Sprintf("backtest_%s_%s", sanitize(name), stamp)

	var b strings.Builder
	fmt.Fprintf(&b, "Backtest report: %s\n", name)
	fmt.Fprintf(&b, "Generated: %s\n\n", w.now().Format(time.RFC3339))
	fmt.Fprintf(&b, "Period: %s .. %s\n", res.Start.Format("2006-01-02"), res.End.Format("2006-01-02"))
	fmt.Fprintf(&b, "Initial capital: %.2f\nFinal equity:    %.2f\n", res.InitialCapital, res.FinalEquity)
	fmt.Fprintf(&b, "Total return:    %.2f%%\n", res.TotalReturn*100)
	fmt.Fprintf(&b, "Trades:          %d (win rate %.1f%%)\n", res.TradeCount, res.WinRate*100)
	fmt.Fprintf(&b, "Sharpe:          %.3f\nMax drawdown:    %.2f%%\n", res.Sharpe, res.MaxDrawdown*100)
	fmt.Fprintf(&b, "Avg hold:        %s\n", res.AvgHold.Round(time.Minute))
	if len(res.ExitCauses) > 0 {
		b.WriteString("\nExit causes:\n")
		for cause, n := range res.ExitCauses {
			fmt.Fprintf(&b, "  %-16s %d\n", cause, n)
		}
	}
	if res.DroppedTrades > 0 {
		fmt.Fprintf(&b, "\nNote: trade log capped, %d oldest trades dropped.\n", res.DroppedTrades)
	}

	return w.writePair(base, res, b.String())
}

// WritePortfolio saves a portfolio snapshot pair.
func (w *ReportWriter) WritePortfolio(snap position.PortfolioSnapshot) (string, error) {
	stamp := w.now().Format("20060102_150405")
	base := "portfolio_" + stamp

	var b strings.Builder
	fmt.Fprintf(&b, "Portfolio report\nGenerated: %s\n\n", w.now().Format(time.RFC3339))
	for class, sum := range snap.ByClass {
		fmt.Fprintf(&b, "%-8s open %d, notional %.2f, unrealized %.2f\n",
			class, sum.OpenCount, sum.Notional, sum.UnrealizedPnL)
	}
	fmt.Fprintf(&b, "\nRealized P&L: %.2f\nClosed trades: %d (win rate %.1f%%)\n",
		snap.TotalPnL, snap.ClosedCount, snap.WinRate*100)

	return w.writePair(base, snap, b.String())
}

func (w *ReportWriter) writePair(base string, payload any, text string) (string, error) {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", fmt.Errorf("creating report dir: %w", err)
	}

	jsonPath := filepath.Join(w.dir, base+".json")
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling report: %w", err)
	}
	if err := os.WriteFile(jsonPath, data, 0o644); err != nil {
		return "", fmt.Errorf("writing %s: %w", jsonPath, err)
	}

	txtPath := filepath.Join(w.dir, base+".txt")
	if err := os.WriteFile(txtPath, []byte(text), 0o644); err != nil {
		return "", fmt.Errorf("writing %s: %w", txtPath, err)
	}

	w.logger.Info().Str("report", jsonPath).Msg("report written")
	return jsonPath, nil
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, s)
}
