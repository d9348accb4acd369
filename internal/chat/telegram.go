package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// TelegramTransport long-polls the Bot API for updates and sends replies
// with Markdown emphasis.
type TelegramTransport struct {
	token      string
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
	handler    func(Inbound)
	offset     int64
}

// NewTelegramTransport builds the transport; baseURL defaults to the public
// Bot API.
func NewTelegramTransport(token, baseURL string, logger zerolog.Logger) *TelegramTransport {
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	return &TelegramTransport{
		token:   token,
		baseURL: baseURL,
		// Long polling holds the request up to 30s server-side.
		httpClient: &http.Client{Timeout: 40 * time.Second},
		logger:     logger.With().Str("component", "telegram").Logger(),
	}
}

// OnMessage registers the inbound handler. Must be called before Run.
func (t *TelegramTransport) OnMessage(handler func(Inbound)) {
	t.handler = handler
}

type tgUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		Date int64  `json:"date"`
		Text string `json:"text"`
		From struct {
			ID       int64  `json:"id"`
			Username string `json:"username"`
		} `json:"from"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
	} `json:"message"`
}

type tgResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

// Run long-polls getUpdates until ctx is cancelled. Poll errors back off
// briefly and retry; the loop only ends with the context.
func (t *TelegramTransport) Run(ctx context.Context) error {
	t.logger.Info().Msg("telegram long-poll started")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		updates, err := t.poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			t.logger.Warn().Err(err).Msg("getUpdates failed, retrying")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
			continue
		}
		for _, u := range updates {
			if u.UpdateID >= t.offset {
				t.offset = u.UpdateID + 1
			}
			if u.Message == nil || u.Message.Text == "" {
				continue
			}
			if t.handler != nil {
				t.handler(Inbound{
					UserID: strconv.FormatInt(u.Message.From.ID, 10),
					Text:   u.Message.Text,
					At:     time.Unix(u.Message.Date, 0),
				})
			}
		}
	}
}

func (t *TelegramTransport) poll(ctx context.Context) ([]tgUpdate, error) {
	url := fmt.Sprintf("%s/bot%s/getUpdates?timeout=30&offset=%d", t.baseURL, t.token, t.offset)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body tgResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("getUpdates decode: %w", err)
	}
	if !body.OK {
		return nil, fmt.Errorf("getUpdates: %s", body.Description)
	}
	var updates []tgUpdate
	if err := json.Unmarshal(body.Result, &updates); err != nil {
		return nil, fmt.Errorf("getUpdates result decode: %w", err)
	}
	return updates, nil
}

// Send posts one Markdown message to the recipient chat id.
func (t *TelegramTransport) Send(ctx context.Context, recipient, text string) error {
	payload := map[string]interface{}{
		"chat_id":    recipient,
		"text":       text,
		"parse_mode": "Markdown",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sendMessage failed: %w", err)
	}
	defer resp.Body.Close()

	var tgResp tgResponse
	if err := json.NewDecoder(resp.Body).Decode(&tgResp); err != nil {
		return fmt.Errorf("sendMessage decode: %w", err)
	}
	if !tgResp.OK {
		return fmt.Errorf("sendMessage: %s", tgResp.Description)
	}
	return nil
}
