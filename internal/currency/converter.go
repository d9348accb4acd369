// Package currency normalizes native-currency amounts into the configured
// display currency using periodically refreshed rates with a static fallback.
package currency

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Amount is a converted value. Approximate is set when the conversion used
// the static fallback table instead of a fresh rate.
type Amount struct {
	Value       float64
	Currency    string
	Approximate bool
}

// Converter caches display-currency rates and refreshes them hourly.
type Converter struct {
	display      string
	refreshEvery time.Duration
	staleAfter   time.Duration
	fallback     map[string]float64
	baseURL      string
	client       *http.Client
	logger       zerolog.Logger

	mu          sync.RWMutex
	rates       map[string]float64
	lastRefresh time.Time
}

// New builds a converter targeting the display currency. fallback maps one
// unit of a native currency to display units.
func New(display string, refreshEvery, staleAfter time.Duration, fallback map[string]float64, logger zerolog.Logger) *Converter {
	return &Converter{
		display:      strings.ToUpper(display),
		refreshEvery: refreshEvery,
		staleAfter:   staleAfter,
		fallback:     fallback,
		baseURL:      "https://open.er-api.com/v6/latest",
		client:       &http.Client{Timeout: 10 * time.Second},
		logger:       logger.With().Str("component", "currency").Logger(),
		rates:        make(map[string]float64),
	}
}

// Display returns the configured display currency.
func (c *Converter) Display() string { return c.display }

// Convert turns an amount in native currency into display currency. When no
// fresh rate is available the static fallback applies and the result is
// tagged approximate.
func (c *Converter) Convert(value float64, native string) Amount {
	native = strings.ToUpper(native)
	if native == "USDT" {
		native = "USD"
	}
	if native == c.display {
		return Amount{Value: value, Currency: c.display}
	}

	c.mu.RLock()
	rate, ok := c.rates[native]
	fresh := time.Since(c.lastRefresh) <= c.staleAfter
	c.mu.RUnlock()

	if ok && rate > 0 && fresh {
		return Amount{Value: value * rate, Currency: c.display}
	}

	if fb, ok := c.fallback[native]; ok && fb > 0 {
		return Amount{Value: value * fb, Currency: c.display, Approximate: true}
	}
	// Unknown currency: pass through untouched but flagged.
	return Amount{Value: value, Currency: native, Approximate: true}
}

// Refresh fetches current rates. Failures keep the previous cache; the
// caller's loop retries on the next interval.
func (c *Converter) Refresh(ctx context.Context) error {
	url := fmt.Sprintf("%s/%s", c.baseURL, c.display)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("rate refresh failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rate API returned status %d", resp.StatusCode)
	}

	var body struct {
		Result string             `json:"result"`
		Rates  map[string]float64 `json:"rates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("rate API schema error: %w", err)
	}
	if body.Result != "success" || len(body.Rates) == 0 {
		return fmt.Errorf("rate API returned %q with %d rates", body.Result, len(body.Rates))
	}

	// The API quotes display→native; invert to native→display.
	inverted := make(map[string]float64, len(body.Rates))
	for cur, r := range body.Rates {
		if r > 0 {
			inverted[strings.ToUpper(cur)] = 1 / r
		}
	}

	c.mu.Lock()
	c.rates = inverted
	c.lastRefresh = time.Now()
	c.mu.Unlock()

	c.logger.Info().Int("rates", len(inverted)).Msg("exchange rates refreshed")
	return nil
}

// RunRefresher refreshes immediately and then on the configured interval
// until ctx is cancelled.
func (c *Converter) RunRefresher(ctx context.Context) error {
	if err := c.Refresh(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("initial rate refresh failed, fallback rates in effect")
	}
	ticker := time.NewTicker(c.refreshEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				c.logger.Warn().Err(err).Msg("rate refresh failed, serving cached rates")
			}
		}
	}
}

// SetRate overrides one rate. Used by tests and by adapters that learn a
// rate out of band.
func (c *Converter) SetRate(native string, rate float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rates[strings.ToUpper(native)] = rate
	c.lastRefresh = time.Now()
}

// Format renders an amount with thousands separators in Korean-market style.
func Format(a Amount) string {
	sym := map[string]string{"KRW": "₩", "USD": "$", "JPY": "¥"}[a.Currency]
	s := group(a.Value)
	if a.Approximate {
		return fmt.Sprintf("≈%s%s", sym, s)
	}
	return sym + s
}

func group(v float64) string {
	neg := v < 0
	if neg {
		v = -v
	}
	whole := int64(v)
	frac := v - float64(whole)

	digits := fmt.Sprintf("%d", whole)
	var b strings.Builder
	for i, d := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(d)
	}
	out := b.String()
	if frac >= 0.005 {
		out += strings.TrimPrefix(fmt.Sprintf("%.2f", frac), "0")
	}
	if neg {
		return "-" + out
	}
	return out
}
