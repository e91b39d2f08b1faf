package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"

	"topup-ladder/internal/config"
)

// telegramMaxText is the Bot API limit for one message.
const telegramMaxText = 4096

type TelegramNotifier struct {
	enabled     bool
	botToken    string
	chatID      string
	baseURL     string
	client      *http.Client
	retryWindow time.Duration
}

func NewTelegramNotifier(enabled bool, botToken, chatID, baseURL string, timeout time.Duration) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TelegramNotifier{
		enabled:     enabled,
		botToken:    botToken,
		chatID:      chatID,
		baseURL:     strings.TrimRight(baseURL, "/"),
		client:      &http.Client{Timeout: timeout},
		retryWindow: 15 * time.Second,
	}
}

// NewTelegramFromConfig returns nil when alerts are disabled, which makes
// NewManager return a nil (no-op) manager.
func NewTelegramFromConfig(cfg config.TelegramConfig) Notifier {
	if !cfg.Enabled {
		return nil
	}
	return NewTelegramNotifier(true, cfg.BotToken, cfg.ChatID, cfg.APIBaseURL, time.Duration(cfg.TimeoutSec)*time.Second)
}

// Notify sends msg, retrying rate-limited and 5xx answers within a short window.
func (t *TelegramNotifier) Notify(ctx context.Context, msg string) error {
	if t == nil || !t.enabled {
		return nil
	}
	body, err := json.Marshal(telegramSendMessageRequest{
		ChatID:                t.chatID,
		Text:                  truncateText(msg, telegramMaxText),
		DisableWebPagePreview: true,
	})
	if err != nil {
		return err
	}
	strategy := backoff.NewExponentialBackOff()
	strategy.InitialInterval = 500 * time.Millisecond
	strategy.MaxElapsedTime = t.retryWindow
	return backoff.Retry(func() error {
		return t.send(ctx, body)
	}, backoff.WithContext(strategy, ctx))
}

func (t *TelegramNotifier) send(ctx context.Context, body []byte) error {
	endpoint := t.baseURL + "/bot" + t.botToken + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := fmt.Errorf("telegram status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return statusErr
		}
		return backoff.Permanent(statusErr)
	}
	if len(respBody) == 0 {
		return nil
	}
	var parsed telegramSendMessageResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil
	}
	if !parsed.OK {
		return backoff.Permanent(fmt.Errorf("telegram api error: %s", strings.TrimSpace(parsed.Description)))
	}
	return nil
}

func truncateText(msg string, limit int) string {
	if utf8.RuneCountInString(msg) <= limit {
		return msg
	}
	runes := []rune(msg)
	return string(runes[:limit-1]) + "…"
}

type telegramSendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview,omitempty"`
}

type telegramSendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}
