// Package notification fans risk alerts, anomaly hits and trade lifecycle
// events out to external channels (Telegram, Discord webhooks).
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/Superandyfre/Openclaw-stock/internal/events"
)

// Kind classifies a notification for channel-side formatting.
type Kind string

const (
	KindRiskAlert  Kind = "risk_alert"
	KindAnomaly    Kind = "anomaly"
	KindTradeOpen  Kind = "trade_open"
	KindTradeClose Kind = "trade_close"
	KindError      Kind = "error"
	KindInfo       Kind = "info"
)

// Message is one outbound notification.
type Message struct {
	Kind      Kind
	Title     string
	Body      string
	AssetID   string
	PnL       float64
	PnLPct    float64
	Timestamp time.Time
}

// Sender delivers a message over one channel.
type Sender interface {
	Name() string
	Enabled() bool
	Send(ctx context.Context, m Message) error
}

// Manager dispatches messages to every enabled sender. Delivery failures on
// one channel never block the others.
type Manager struct {
	senders []Sender
	logger  zerolog.Logger
}

func NewManager(logger zerolog.Logger, senders ...Sender) *Manager {
	return &Manager{
		senders: senders,
		logger:  logger.With().Str("component", "notification").Logger(),
	}
}

// Send delivers m to all enabled senders, returning the last error.
func (m *Manager) Send(ctx context.Context, msg Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	var lastErr error
	for _, s := range m.senders {
		if !s.Enabled() {
			continue
		}
		if err := s.Send(ctx, msg); err != nil {
			m.logger.Warn().Err(err).Str("channel", s.Name()).Msg("notification delivery failed")
			lastErr = err
		}
	}
	return lastErr
}

// Attach subscribes the manager to the bus events operators care about.
func (m *Manager) Attach(ctx context.Context, bus *events.EventBus) {
	bus.Subscribe(events.EventRiskAlert, func(e events.Event) {
		m.Send(ctx, Message{
			Kind:    KindRiskAlert,
			Title:   fmt.Sprintf("Risk alert: %v", e.Data["asset"]),
			Body:    fmt.Sprintf("Rule %v fired at %.2f%% P&L", e.Data["rule"], floatField(e, "pnl_pct")*100),
			AssetID: stringField(e, "asset"),
			PnLPct:  floatField(e, "pnl_pct"),
		})
	})
	bus.Subscribe(events.EventAnomalyDetected, func(e events.Event) {
		m.Send(ctx, Message{
			Kind:    KindAnomaly,
			Title:   fmt.Sprintf("Anomaly on %v: %v", e.Data["asset"], e.Data["kind"]),
			Body:    fmt.Sprintf("Severity %v. %v", e.Data["severity"], e.Data["detail"]),
			AssetID: stringField(e, "asset"),
		})
	})
	bus.Subscribe(events.EventPositionOpened, func(e events.Event) {
		m.Send(ctx, Message{
			Kind:    KindTradeOpen,
			Title:   fmt.Sprintf("Position opened: %v", e.Data["asset"]),
			Body:    fmt.Sprintf("%v %v @ %v", e.Data["side"], e.Data["qty"], e.Data["entry"]),
			AssetID: stringField(e, "asset"),
		})
	})
	bus.Subscribe(events.EventPositionClosed, func(e events.Event) {
		m.Send(ctx, Message{
			Kind:    KindTradeClose,
			Title:   fmt.Sprintf("Position closed: %v", e.Data["asset"]),
			Body:    fmt.Sprintf("Cause %v, P&L %.4f", e.Data["cause"], floatField(e, "pnl")),
			AssetID: stringField(e, "asset"),
			PnL:     floatField(e, "pnl"),
		})
	})
	bus.Subscribe(events.EventError, func(e events.Event) {
		m.Send(ctx, Message{
			Kind:  KindError,
			Title: fmt.Sprintf("Error in %v", e.Data["unit"]),
			Body:  stringField(e, "detail"),
		})
	})
}

func stringField(e events.Event, key string) string {
	s, _ := e.Data[key].(string)
	return s
}

func floatField(e events.Event, key string) float64 {
	f, _ := e.Data[key].(float64)
	return f
}

// TelegramSender pushes messages to one chat via the bot API.
type TelegramSender struct {
	botToken string
	chatID   string
	baseURL  string
	enabled  bool
	client   *http.Client
}

func NewTelegramSender(botToken, chatID string, enabled bool) *TelegramSender {
	return &TelegramSender{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  "https://api.telegram.org",
		enabled:  enabled && botToken != "" && chatID != "",
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramSender) Name() string  { return "telegram" }
func (t *TelegramSender) Enabled() bool { return t.enabled }

func (t *TelegramSender) Send(ctx context.Context, m Message) error {
	payload, err := json.Marshal(map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       fmt.Sprintf("*%s*\n\n%s", m.Title, m.Body),
		"parse_mode": "Markdown",
	})
	if err != nil {
		return fmt.Errorf("marshaling telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	return nil
}

// DiscordSender posts embeds to a webhook.
type DiscordSender struct {
	webhookURL string
	enabled    bool
	client     *http.Client
}

func NewDiscordSender(webhookURL string, enabled bool) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		enabled:    enabled && webhookURL != "",
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordSender) Name() string  { return "discord" }
func (d *DiscordSender) Enabled() bool { return d.enabled }

func (d *DiscordSender) Send(ctx context.Context, m Message) error {
	color := 0x2ECC71
	switch {
	case m.Kind == KindError, m.Kind == KindRiskAlert:
		color = 0xE74C3C
	case m.Kind == KindTradeClose && m.PnL < 0:
		color = 0xE74C3C
	case m.Kind == KindAnomaly:
		color = 0xF39C12
	}

	embed := map[string]interface{}{
		"title":       m.Title,
		"description": m.Body,
		"color":       color,
		"timestamp":   m.Timestamp.Format(time.RFC3339),
	}
	if m.AssetID != "" {
		fields := []map[string]interface{}{
			{"name": "Asset", "value": m.AssetID, "inline": true},
		}
		if m.PnL != 0 {
			fields = append(fields, map[string]interface{}{
				"name": "P&L", "value": fmt.Sprintf("%.4f (%.2f%%)", m.PnL, m.PnLPct*100), "inline": true,
			})
		}
		embed["fields"] = fields
	}

	payload, err := json.Marshal(map[string]interface{}{
		"embeds": []map[string]interface{}{embed},
	})
	if err != nil {
		return fmt.Errorf("marshaling discord payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending discord message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("discord API returned status %d", resp.StatusCode)
	}
	return nil
}
