package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Superandyfre/Openclaw-stock/internal/asset"
)

// NaverAdapter serves Korean equities from the Naver Finance polling API.
// Identifiers are six-digit KRX codes; quotes are KRW-denominated.
type NaverAdapter struct {
	baseURL string
	client  *http.Client
}

// NewNaverAdapter builds the adapter; baseURL defaults to the public API.
func NewNaverAdapter(baseURL string) *NaverAdapter {
	if baseURL == "" {
		baseURL = "https://polling.finance.naver.com"
	}
	return &NaverAdapter{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (n *NaverAdapter) Name() string     { return "naver" }
func (n *NaverAdapter) Currency() string { return "KRW" }

// StalenessBound is generous because KRX quotes freeze outside trading hours.
func (n *NaverAdapter) StalenessBound() time.Duration { return 10 * time.Minute }
func (n *NaverAdapter) QuotaPerMinute() int           { return 60 }

type naverResponse struct {
	Result struct {
		Areas []struct {
			Datas []naverQuote `json:"datas"`
		} `json:"areas"`
	} `json:"result"`
	Time int64 `json:"time"`
}

type naverQuote struct {
	Code      string `json:"cd"`
	Now       int64  `json:"nv"` // current price in KRW
	ChangeVal int64  `json:"cv"`
	ChangePct string `json:"cr"` // "1.23"
	Volume    int64  `json:"aq"` // accumulated volume
}

// Quote fetches the current price for one KRX code.
func (n *NaverAdapter) Quote(ctx context.Context, a asset.Asset) (Quote, error) {
	url := fmt.Sprintf("%s/api/realtime?query=SERVICE_ITEM:%s", n.baseURL, a.ID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Quote{}, err
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return Quote{}, fmt.Errorf("naver request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return Quote{}, fmt.Errorf("%w: naver returned 429", ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		return Quote{}, fmt.Errorf("naver returned status %d", resp.StatusCode)
	}

	var body naverResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Quote{}, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	if len(body.Result.Areas) == 0 || len(body.Result.Areas[0].Datas) == 0 {
		return Quote{}, fmt.Errorf("%w: empty naver payload for %s", ErrSchema, a.ID)
	}
	q := body.Result.Areas[0].Datas[0]
	if q.Now <= 0 {
		return Quote{}, fmt.Errorf("%w: non-positive price for %s", ErrSchema, a.ID)
	}

	changePct, _ := strconv.ParseFloat(strings.TrimSpace(q.ChangePct), 64)
	ts := time.Now()
	if body.Time > 0 {
		ts = time.UnixMilli(body.Time)
	}
	return Quote{
		Asset:        a,
		Timestamp:    ts,
		Price:        float64(q.Now),
		Volume:       float64(q.Volume),
		ChangePct24h: changePct / 100,
		Currency:     n.Currency(),
	}, nil
}

type naverChartItem struct {
	Items [][]json.Number `json:"items"`
}

// Series fetches daily candles. Naver only serves day bars for KRX codes;
// intraday widths are approximated by slicing the day series and callers on
// this scope use the quote stream for finer granularity.
func (n *NaverAdapter) Series(ctx context.Context, a asset.Asset, width BarWidth, count int) (Series, error) {
	if count <= 0 {
		count = 100
	}
	url := fmt.Sprintf("%s/api/chart?symbol=%s&timeframe=day&count=%d", n.baseURL, a.ID, count)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Series{}, err
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return Series{}, fmt.Errorf("naver chart request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Series{}, fmt.Errorf("naver chart returned status %d", resp.StatusCode)
	}

	var chart naverChartItem
	if err := json.NewDecoder(resp.Body).Decode(&chart); err != nil {
		return Series{}, fmt.Errorf("%w: %v", ErrSchema, err)
	}

	s := Series{Asset: a, Width: Width1d, Bars: make([]Bar, 0, len(chart.Items))}
	for _, row := range chart.Items {
		// Row layout: yyyymmdd, open, high, low, close, volume.
		if len(row) < 6 {
			continue
		}
		day, err := time.Parse("20060102", row[0].String())
		if err != nil {
			continue
		}
		bar := Bar{Timestamp: day}
		fields := []*float64{&bar.Open, &bar.High, &bar.Low, &bar.Close, &bar.Volume}
		ok := true
		for i, dst := range fields {
			v, err := row[i+1].Float64()
			if err != nil {
				ok = false
				break
			}
			*dst = v
		}
		if ok {
			s.Bars = append(s.Bars, bar)
		}
	}
	if len(s.Bars) == 0 {
		return Series{}, fmt.Errorf("%w: empty naver chart for %s", ErrSchema, a.ID)
	}
	return s, nil
}
