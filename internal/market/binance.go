package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/Superandyfre/Openclaw-stock/internal/asset"
)

// BinanceAdapter serves spot crypto quotes and klines from the Binance
// public REST API. Quotes are USDT-denominated, treated as USD.
type BinanceAdapter struct {
	baseURL string
	client  *http.Client
}

// NewBinanceAdapter builds the adapter; baseURL defaults to the public API.
func NewBinanceAdapter(baseURL string) *BinanceAdapter {
	if baseURL == "" {
		baseURL = "https://api.binance.com"
	}
	return &BinanceAdapter{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (b *BinanceAdapter) Name() string                  { return "binance" }
func (b *BinanceAdapter) Currency() string              { return "USD" }
func (b *BinanceAdapter) StalenessBound() time.Duration { return 30 * time.Second }

// QuotaPerMinute reflects the documented 1200 request-weight/min budget;
// ticker and kline calls cost 1-5 weight each.
func (b *BinanceAdapter) QuotaPerMinute() int { return 600 }

type binanceTicker struct {
	Symbol             string `json:"symbol"`
	LastPrice          string `json:"lastPrice"`
	Volume             string `json:"volume"`
	PriceChangePercent string `json:"priceChangePercent"`
	CloseTime          int64  `json:"closeTime"`
}

// Quote fetches the 24h ticker for the pair.
func (b *BinanceAdapter) Quote(ctx context.Context, a asset.Asset) (Quote, error) {
	url := fmt.Sprintf("%s/api/v3/ticker/24hr?symbol=%s", b.baseURL, a.ID)

	var t binanceTicker
	if err := b.getJSON(ctx, url, &t); err != nil {
		return Quote{}, err
	}

	price, err := strconv.ParseFloat(t.LastPrice, 64)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: lastPrice %q", ErrSchema, t.LastPrice)
	}
	volume, _ := strconv.ParseFloat(t.Volume, 64)
	changePct, _ := strconv.ParseFloat(t.PriceChangePercent, 64)

	return Quote{
		Asset:        a,
		Timestamp:    time.UnixMilli(t.CloseTime),
		Price:        price,
		Volume:       volume,
		ChangePct24h: changePct / 100,
		Currency:     b.Currency(),
	}, nil
}

// Series fetches klines at the requested width.
func (b *BinanceAdapter) Series(ctx context.Context, a asset.Asset, width BarWidth, count int) (Series, error) {
	if count <= 0 {
		count = 100
	}
	url := fmt.Sprintf("%s/api/v3/klines?symbol=%s&interval=%s&limit=%d",
		b.baseURL, a.ID, string(width), count)

	var raw [][]json.RawMessage
	if err := b.getJSON(ctx, url, &raw); err != nil {
		return Series{}, err
	}

	s := Series{Asset: a, Width: width, Bars: make([]Bar, 0, len(raw))}
	for _, k := range raw {
		// Kline layout: openTime, open, high, low, close, volume, ...
		if len(k) < 6 {
			return Series{}, fmt.Errorf("%w: short kline row", ErrSchema)
		}
		var openTime int64
		if err := json.Unmarshal(k[0], &openTime); err != nil {
			return Series{}, fmt.Errorf("%w: kline open time: %v", ErrSchema, err)
		}
		bar := Bar{Timestamp: time.UnixMilli(openTime)}
		fields := []*float64{&bar.Open, &bar.High, &bar.Low, &bar.Close, &bar.Volume}
		for i, dst := range fields {
			var s string
			if err := json.Unmarshal(k[i+1], &s); err != nil {
				return Series{}, fmt.Errorf("%w: kline field %d: %v", ErrSchema, i+1, err)
			}
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return Series{}, fmt.Errorf("%w: kline field %d: %v", ErrSchema, i+1, err)
			}
			*dst = v
		}
		s.Bars = append(s.Bars, bar)
	}
	return s, nil
}

type binanceDepth struct {
	Bids [][]string `json:"bids"`
	Asks [][]string `json:"asks"`
}

// Book snapshots top-N depth for the order-book imbalance indicator.
func (b *BinanceAdapter) Book(ctx context.Context, a asset.Asset, topN int) (OrderBook, error) {
	if topN <= 0 {
		topN = 10
	}
	url := fmt.Sprintf("%s/api/v3/depth?symbol=%s&limit=%d", b.baseURL, a.ID, topN)

	var d binanceDepth
	if err := b.getJSON(ctx, url, &d); err != nil {
		return OrderBook{}, err
	}

	sum := func(levels [][]string) float64 {
		total := 0.0
		for _, lvl := range levels {
			if len(lvl) < 2 {
				continue
			}
			qty, err := strconv.ParseFloat(lvl[1], 64)
			if err == nil {
				total += qty
			}
		}
		return total
	}
	return OrderBook{BidDepth: sum(d.Bids), AskDepth: sum(d.Asks)}, nil
}

func (b *BinanceAdapter) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("binance request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot {
		return fmt.Errorf("%w: binance returned %d", ErrRateLimited, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("binance returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrSchema, err)
	}
	return nil
}
