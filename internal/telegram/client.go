package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const defaultBaseURL = "https://api.telegram.org"

// Client posts messages to one Telegram chat.
type Client struct {
	token   string
	chatID  string
	prefix  string
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

// NewClient returns a client for the bot token and chat. Messages are
// prefixed with "[prefix] " when prefix is set.
func NewClient(token, chatID, prefix string, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		token:   token,
		chatID:  chatID,
		prefix:  prefix,
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		log:     log,
	}
}

// Enabled reports whether credentials are present.
func (c *Client) Enabled() bool {
	return c != nil && c.token != "" && c.chatID != ""
}

// Notify sends text to the configured chat. Missing credentials make it a
// no-op; delivery failures are logged and never returned to the caller.
func (c *Client) Notify(ctx context.Context, text string) {
	if !c.Enabled() {
		if c != nil {
			c.log.Debug("telegram credentials missing, skipping notification")
		}
		return
	}
	if err := c.send(ctx, text); err != nil {
		c.log.Warn("telegram notification failed", zap.Error(err))
	}
}

func (c *Client) send(ctx context.Context, text string) error {
	if c.prefix != "" {
		text = fmt.Sprintf("[%s] %s", c.prefix, text)
	}
	payload := map[string]string{
		"chat_id":    c.chatID,
		"text":       text,
		"parse_mode": "Markdown",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", c.baseURL, c.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	c.log.Debug("telegram notify", zap.String("text", text))
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("telegram api status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}
