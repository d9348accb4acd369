package currency

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestConverter(fallback map[string]float64) *Converter {
	return New("USD", time.Hour, 2*time.Hour, fallback, zerolog.Nop())
}

func TestFreshRateConversion(t *testing.T) {
	c := newTestConverter(nil)
	c.SetRate("KRW", 1.0/1400)

	got := c.Convert(1400000, "KRW")
	if got.Currency != "USD" || got.Approximate {
		t.Fatalf("amount = %+v, want exact USD", got)
	}
	if got.Value < 999.99 || got.Value > 1000.01 {
		t.Errorf("value = %f, want ~1000", got.Value)
	}
}

func TestFallbackIsTaggedApproximate(t *testing.T) {
	c := newTestConverter(map[string]float64{"KRW": 1.0 / 1400})

	got := c.Convert(1400, "KRW")
	if !got.Approximate {
		t.Error("fallback conversions must be flagged approximate")
	}
	if got.Currency != "USD" {
		t.Errorf("currency = %s, want USD", got.Currency)
	}
}

func TestUnknownCurrencyPassesThroughFlagged(t *testing.T) {
	c := newTestConverter(nil)
	got := c.Convert(42, "CHF")
	if got.Value != 42 || got.Currency != "CHF" || !got.Approximate {
		t.Errorf("amount = %+v, want flagged pass-through", got)
	}
}

func TestUSDTTreatedAsUSD(t *testing.T) {
	c := newTestConverter(nil)
	got := c.Convert(250, "USDT")
	if got.Value != 250 || got.Currency != "USD" || got.Approximate {
		t.Errorf("amount = %+v, want exact $250", got)
	}
}

func TestRefreshInvertsRates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":"success","rates":{"KRW":1400,"JPY":150}}`))
	}))
	defer srv.Close()

	c := newTestConverter(nil)
	c.baseURL = srv.URL
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	got := c.Convert(1400, "KRW")
	if got.Approximate {
		t.Error("refreshed rates must produce exact conversions")
	}
	if got.Value < 0.999 || got.Value > 1.001 {
		t.Errorf("value = %f, want ~1", got.Value)
	}
}

func TestRefreshFailureKeepsCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestConverter(nil)
	c.baseURL = srv.URL
	c.SetRate("KRW", 1.0/1400)

	if err := c.Refresh(context.Background()); err == nil {
		t.Fatal("expected an error from a 502 upstream")
	}
	if got := c.Convert(1400, "KRW"); got.Approximate {
		t.Error("a failed refresh must not invalidate the existing cache")
	}
}

func TestFormat(t *testing.T) {
	cases := []struct {
		in   Amount
		want string
	}{
		{Amount{Value: 75000, Currency: "KRW"}, "₩75,000"},
		{Amount{Value: 1234567, Currency: "KRW"}, "₩1,234,567"},
		{Amount{Value: 1234.5, Currency: "USD"}, "$1,234.50"},
		{Amount{Value: 1000, Currency: "USD", Approximate: true}, "≈$1,000"},
		{Amount{Value: -2500, Currency: "USD"}, "$-2,500"},
	}
	for _, tc := range cases {
		if got := Format(tc.in); got != tc.want {
			t.Errorf("Format(%+v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
