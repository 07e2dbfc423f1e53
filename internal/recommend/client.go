// Package recommend pulls candidate codes for the buy scan from the remote
// selection service.
package recommend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

var ErrNotConfigured = errors.New("recommend host not configured")

type Client struct {
	host  string
	token string
	http  *http.Client
	log   *zap.Logger
}

func NewClient(host, token string, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if host == "" {
		log.Warn("RECOMMEND_HOST not set, buy scan will have no candidates")
	}
	return &Client{
		host:  strings.TrimRight(host, "/"),
		token: token,
		http:  &http.Client{Timeout: 5 * time.Second},
		log:   log,
	}
}

// PullCodes fetches the codes currently selected under selectionID. A
// response with ok=false is an error carrying the service message.
func (c *Client) PullCodes(ctx context.Context, selectionID string) ([]string, error) {
	if c.host == "" {
		return nil, ErrNotConfigured
	}

	endpoint := fmt.Sprintf("%s/stocks/%s", c.host, url.PathEscape(selectionID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pull codes: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("recommend api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var sel Selection
	if err := json.NewDecoder(resp.Body).Decode(&sel); err != nil {
		return nil, fmt.Errorf("decode selection: %w", err)
	}
	if !sel.OK {
		return nil, fmt.Errorf("recommend rejected selection %s: %s", selectionID, sel.Message)
	}

	codes := make([]string, 0, len(sel.Codes))
	for _, code := range sel.Codes {
		if code = strings.TrimSpace(code); code != "" {
			codes = append(codes, code)
		}
	}
	c.log.Debug("pulled codes", zap.String("selection_id", selectionID), zap.Strings("codes", codes))
	return codes, nil
}
