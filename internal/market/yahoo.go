package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Superandyfre/Openclaw-stock/internal/asset"
)

// YahooAdapter serves US equities (and acts as a KRX fallback using the .KS
// suffix) from the Yahoo chart API.
type YahooAdapter struct {
	baseURL string
	client  *http.Client
}

// NewYahooAdapter builds the adapter; baseURL defaults to the public API.
func NewYahooAdapter(baseURL string) *YahooAdapter {
	if baseURL == "" {
		baseURL = "https://query1.finance.yahoo.com"
	}
	return &YahooAdapter{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (y *YahooAdapter) Name() string                  { return "yahoo" }
func (y *YahooAdapter) Currency() string              { return "USD" }
func (y *YahooAdapter) StalenessBound() time.Duration { return 15 * time.Minute }
func (y *YahooAdapter) QuotaPerMinute() int           { return 100 }

// symbol maps an asset ID to Yahoo's naming: KRX codes get the .KS suffix.
func (y *YahooAdapter) symbol(a asset.Asset) string {
	if asset.ScopeOf(a) == asset.ScopeKoreanEquity {
		return a.ID + ".KS"
	}
	return a.ID
}

type yahooChart struct {
	Chart struct {
		Result []struct {
			Meta struct {
				Currency           string  `json:"currency"`
				RegularMarketPrice float64 `json:"regularMarketPrice"`
				RegularMarketTime  int64   `json:"regularMarketTime"`
				PreviousClose      float64 `json:"chartPreviousClose"`
			} `json:"meta"`
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []float64 `json:"open"`
					High   []float64 `json:"high"`
					Low    []float64 `json:"low"`
					Close  []float64 `json:"close"`
					Volume []float64 `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// Quote derives a quote from a 1-day 1m chart request.
func (y *YahooAdapter) Quote(ctx context.Context, a asset.Asset) (Quote, error) {
	chart, err := y.fetchChart(ctx, a, "1m", "1d")
	if err != nil {
		return Quote{}, err
	}
	meta := chart.Chart.Result[0].Meta
	if meta.RegularMarketPrice <= 0 {
		return Quote{}, fmt.Errorf("%w: missing market price for %s", ErrSchema, a.ID)
	}

	changePct := 0.0
	if meta.PreviousClose > 0 {
		changePct = (meta.RegularMarketPrice - meta.PreviousClose) / meta.PreviousClose
	}
	volume := 0.0
	if qs := chart.Chart.Result[0].Indicators.Quote; len(qs) > 0 {
		for _, v := range qs[0].Volume {
			volume += v
		}
	}
	currency := meta.Currency
	if currency == "" {
		currency = y.Currency()
	}
	return Quote{
		Asset:        a,
		Timestamp:    time.Unix(meta.RegularMarketTime, 0),
		Price:        meta.RegularMarketPrice,
		Volume:       volume,
		ChangePct24h: changePct,
		Currency:     currency,
	}, nil
}

var yahooRanges = map[BarWidth]string{
	Width1m:  "1d",
	Width5m:  "5d",
	Width15m: "5d",
	Width1h:  "1mo",
	Width1d:  "6mo",
}

// Series fetches candles at the requested width.
func (y *YahooAdapter) Series(ctx context.Context, a asset.Asset, width BarWidth, count int) (Series, error) {
	rng, ok := yahooRanges[width]
	if !ok {
		rng = "1mo"
	}
	chart, err := y.fetchChart(ctx, a, string(width), rng)
	if err != nil {
		return Series{}, err
	}

	result := chart.Chart.Result[0]
	if len(result.Indicators.Quote) == 0 {
		return Series{}, fmt.Errorf("%w: missing quote indicators for %s", ErrSchema, a.ID)
	}
	q := result.Indicators.Quote[0]

	s := Series{Asset: a, Width: width, Bars: make([]Bar, 0, len(result.Timestamp))}
	for i, ts := range result.Timestamp {
		if i >= len(q.Close) || q.Close[i] <= 0 {
			continue
		}
		s.Bars = append(s.Bars, Bar{
			Timestamp: time.Unix(ts, 0),
			Open:      at(q.Open, i),
			High:      at(q.High, i),
			Low:       at(q.Low, i),
			Close:     q.Close[i],
			Volume:    at(q.Volume, i),
		})
	}
	if count > 0 && len(s.Bars) > count {
		s.Bars = s.Bars[len(s.Bars)-count:]
	}
	if len(s.Bars) == 0 {
		return Series{}, fmt.Errorf("%w: empty yahoo chart for %s", ErrSchema, a.ID)
	}
	return s, nil
}

func (y *YahooAdapter) fetchChart(ctx context.Context, a asset.Asset, interval, rng string) (*yahooChart, error) {
	url := fmt.Sprintf("%s/v8/finance/chart/%s?interval=%s&range=%s",
		y.baseURL, y.symbol(a), interval, rng)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; openclaw)")

	resp, err := y.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("yahoo request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: yahoo returned 429", ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("yahoo returned status %d", resp.StatusCode)
	}

	var chart yahooChart
	if err := json.NewDecoder(resp.Body).Decode(&chart); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	if chart.Chart.Error != nil {
		return nil, fmt.Errorf("yahoo error: %s %s", chart.Chart.Error.Code, chart.Chart.Error.Description)
	}
	if len(chart.Chart.Result) == 0 {
		return nil, fmt.Errorf("%w: empty yahoo result for %s", ErrSchema, a.ID)
	}
	return &chart, nil
}

func at(xs []float64, i int) float64 {
	if i < len(xs) {
		return xs[i]
	}
	return 0
}
