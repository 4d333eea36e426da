package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/peerbot/peerbot/internal/common/errors"
	"github.com/peerbot/peerbot/internal/common/logger"
)

// APIClient talks to the chat platform's web API. Endpoints follow the
// Slack-compatible shape: POST JSON, bearer token, `ok`/`error` envelope.
type APIClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewAPIClient creates a web API client. baseURL defaults to the public
// Slack endpoint when empty.
func NewAPIClient(baseURL, token string, log *logger.Logger) *APIClient {
	if baseURL == "" {
		baseURL = "https://slack.com/api"
	}
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: log.WithFields(zap.String("component", "chat-api")),
	}
}

type apiResponse struct {
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
	Channel  string `json:"channel,omitempty"`
	Ts       string `json:"ts,omitempty"`
	Messages []struct {
		User  string `json:"user,omitempty"`
		BotID string `json:"bot_id,omitempty"`
		Text  string `json:"text"`
		Ts    string `json:"ts"`
	} `json:"messages,omitempty"`
}

// call posts one API method and decodes the envelope. A platform-level
// rejection comes back as *APIError.
func (c *APIClient) call(ctx context.Context, method string, payload map[string]any) (*apiResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to marshal chat api payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to build chat api request")
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.Transient("chat api request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &APIError{Code: ErrCodeRateLimited}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.Transient(fmt.Sprintf("chat api returned status %d", resp.StatusCode), nil)
	}

	var decoded apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, apperrors.Transient("failed to decode chat api response", err)
	}
	if !decoded.OK {
		return nil, &APIError{Code: decoded.Error}
	}
	return &decoded, nil
}

func (c *APIClient) PostMessage(ctx context.Context, channelID, threadTs, text string) (*PostedMessage, error) {
	payload := map[string]any{
		"channel": channelID,
		"text":    text,
	}
	if threadTs != "" {
		payload["thread_ts"] = threadTs
	}
	resp, err := c.call(ctx, "chat.postMessage", payload)
	if err != nil {
		return nil, err
	}
	return &PostedMessage{ChannelID: resp.Channel, Ts: resp.Ts}, nil
}

func (c *APIClient) UpdateMessage(ctx context.Context, channelID, ts, text string) error {
	_, err := c.call(ctx, "chat.update", map[string]any{
		"channel": channelID,
		"ts":      ts,
		"text":    text,
	})
	return err
}

func (c *APIClient) AddReaction(ctx context.Context, channelID, ts, name string) error {
	_, err := c.call(ctx, "reactions.add", map[string]any{
		"channel":   channelID,
		"timestamp": ts,
		"name":      name,
	})
	if apiErr, ok := err.(*APIError); ok && apiErr.Code == "already_reacted" {
		return nil
	}
	return err
}

func (c *APIClient) RemoveReaction(ctx context.Context, channelID, ts, name string) error {
	_, err := c.call(ctx, "reactions.remove", map[string]any{
		"channel":   channelID,
		"timestamp": ts,
		"name":      name,
	})
	if apiErr, ok := err.(*APIError); ok && apiErr.Code == "no_reaction" {
		return nil
	}
	return err
}

func (c *APIClient) FetchThreadMessages(ctx context.Context, channelID, threadTs string) ([]ThreadMessage, error) {
	// conversations.replies is a GET-style method; parameters travel in the
	// query string.
	params := url.Values{}
	params.Set("channel", channelID)
	params.Set("ts", threadTs)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/conversations.replies?"+params.Encode(), nil)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to build chat api request")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.Transient("chat api request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var decoded apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, apperrors.Transient("failed to decode chat api response", err)
	}
	if !decoded.OK {
		return nil, &APIError{Code: decoded.Error}
	}

	msgs := make([]ThreadMessage, 0, len(decoded.Messages))
	for _, m := range decoded.Messages {
		msgs = append(msgs, ThreadMessage{
			UserID: m.User,
			BotID:  m.BotID,
			Text:   m.Text,
			Ts:     m.Ts,
		})
	}
	return msgs, nil
}

var _ Client = (*APIClient)(nil)
