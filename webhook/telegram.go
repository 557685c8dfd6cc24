package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/paymux/usdtsettle/logger"
)

// Alerter carries operator-facing alerts for conditions that need a human:
// exhausted webhook delivery, unrecoverable settlement states. Alerts are
// best effort and never influence payment processing.
type Alerter interface {
	Alert(ctx context.Context, message string)
}

type NoopAlerter struct{}

func (NoopAlerter) Alert(context.Context, string) {}

// TelegramAlerter posts alerts to a Telegram chat through the Bot API.
type TelegramAlerter struct {
	token  string
	chatID string
	client *http.Client
	log    logger.Logger
}

func NewTelegramAlerter(token, chatID string, log logger.Logger) *TelegramAlerter {
	if log == nil {
		log = logger.NoopLogger{}
	}
	return &TelegramAlerter{
		token:  token,
		chatID: chatID,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}
}

func (t *TelegramAlerter) Alert(ctx context.Context, message string) {
	payload, err := json.Marshal(map[string]string{
		"chat_id": t.chatID,
		"text":    message,
	})
	if err != nil {
		return
	}
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		t.log.Warn("telegram alert failed", map[string]any{"error": err.Error()})
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.log.Warn("telegram alert rejected", map[string]any{"status": resp.StatusCode})
	}
}
