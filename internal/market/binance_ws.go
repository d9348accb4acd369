package market

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Superandyfre/Openclaw-stock/internal/asset"
)

// BinanceStream layers websocket miniTicker subscriptions on top of the REST
// adapter so the fan-in can offer push updates for crypto.
type BinanceStream struct {
	*BinanceAdapter
	wsURL  string
	logger zerolog.Logger
}

// NewBinanceStream wraps rest with a websocket subscriber.
func NewBinanceStream(rest *BinanceAdapter, wsURL string, logger zerolog.Logger) *BinanceStream {
	if wsURL == "" {
		wsURL = "wss://stream.binance.com:9443/ws"
	}
	return &BinanceStream{
		BinanceAdapter: rest,
		wsURL:          wsURL,
		logger:         logger.With().Str("component", "binance-ws").Logger(),
	}
}

type miniTickerEvent struct {
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Close     string `json:"c"`
	Open      string `json:"o"`
	Volume    string `json:"v"`
}

// Subscribe opens a miniTicker stream and invokes fn for every update until
// ctx is cancelled. Connection drops reconnect with a short delay; the
// subscription only ends with the context.
func (b *BinanceStream) Subscribe(ctx context.Context, a asset.Asset, fn func(Quote)) error {
	stream := fmt.Sprintf("%s/%s@miniTicker", b.wsURL, strings.ToLower(a.ID))

	go func() {
		for ctx.Err() == nil {
			if err := b.readLoop(ctx, stream, a, fn); err != nil && ctx.Err() == nil {
				b.logger.Warn().Err(err).Str("asset", a.ID).Msg("stream dropped, reconnecting")
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(3 * time.Second):
			}
		}
	}()
	return nil
}

func (b *BinanceStream) readLoop(ctx context.Context, stream string, a asset.Asset, fn func(Quote)) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, stream, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", stream, err)
	}
	defer conn.Close()

	// Close the socket when the context ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	b.logger.Info().Str("asset", a.ID).Msg("subscribed to miniTicker stream")
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var ev miniTickerEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			b.logger.Debug().Err(err).Msg("skipping unparseable stream message")
			continue
		}
		price, err := strconv.ParseFloat(ev.Close, 64)
		if err != nil || price <= 0 {
			continue
		}
		open, _ := strconv.ParseFloat(ev.Open, 64)
		volume, _ := strconv.ParseFloat(ev.Volume, 64)
		changePct := 0.0
		if open > 0 {
			changePct = (price - open) / open
		}
		fn(Quote{
			Asset:        a,
			Timestamp:    time.UnixMilli(ev.EventTime),
			Price:        price,
			Volume:       volume,
			ChangePct24h: changePct,
			Currency:     b.Currency(),
			Adapter:      b.Name() + "-ws",
		})
	}
}
