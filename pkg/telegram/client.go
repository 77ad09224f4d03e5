// Package telegram is a minimal Telegram Bot API client covering what the
// bot needs: long-polling updates and sending messages.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

const defaultAPIBase = "https://api.telegram.org"

type APIResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
}

type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// NewClient creates a Bot API client authenticated with the given bot token.
func NewClient(httpClient *http.Client, token string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    defaultAPIBase,
		token:      token,
	}
}

// SetBaseURL points the client at a different API server. Used by tests.
func (c *Client) SetBaseURL(baseURL string) {
	c.baseURL = baseURL
}

type GetUpdatesRequest struct {
	Offset  int64 `json:"offset,omitempty"`
	Timeout int   `json:"timeout,omitempty"`
	Limit   int   `json:"limit,omitempty"`
}

// GetUpdates long-polls for new updates. Timeout is the server-side hold in
// seconds; the call returns earlier as soon as an update arrives.
func (c *Client) GetUpdates(ctx context.Context, req *GetUpdatesRequest) ([]Update, error) {
	var updates []Update
	if err := c.call(ctx, "getUpdates", req, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

type ParseMode string

const (
	ParseModeMarkdown ParseMode = "MarkdownV2"
	ParseModeHTML     ParseMode = "HTML"
)

type SendMessageRequest struct {
	ChatID                int64     `json:"chat_id"`
	Text                  string    `json:"text"`
	ParseMode             ParseMode `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool      `json:"disable_web_page_preview,omitempty"`
	ReplyToMessageID      int64     `json:"reply_to_message_id,omitempty"`
}

// SendMessage posts a text message to a chat.
func (c *Client) SendMessage(ctx context.Context, req *SendMessageRequest) (*Message, error) {
	msg := &Message{}
	if err := c.call(ctx, "sendMessage", req, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// GetMe returns the bot's own user record. Used as a startup probe.
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	me := &User{}
	if err := c.call(ctx, "getMe", nil, me); err != nil {
		return nil, err
	}
	return me, nil
}

func (c *Client) call(ctx context.Context, method string, params, out any) error {
	body := &bytes.Buffer{}
	if params != nil {
		if err := json.NewEncoder(body).Encode(params); err != nil {
			return fmt.Errorf("encode %s request: %w", method, err)
		}
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("error", err))
		}
	}()

	var apiResp APIResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if !apiResp.OK {
		return fmt.Errorf("telegram %s failed: %s (code %d)", method, apiResp.Description, apiResp.ErrorCode)
	}
	if out != nil && len(apiResp.Result) > 0 {
		if err := json.Unmarshal(apiResp.Result, out); err != nil {
			return fmt.Errorf("unmarshal %s result: %w", method, err)
		}
	}
	return nil
}
