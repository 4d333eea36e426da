// Package chat is the boundary to the chat platform: a typed client for the
// message API plus a socket-mode gateway that streams events over a
// websocket. The platform's HTTP API itself stays behind the Client
// interface.
package chat

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/peerbot/peerbot/internal/common/errors"
)

// Platform error codes that cannot be fixed by retrying the same call.
const (
	ErrCodeMessageNotFound = "message_not_found"
	ErrCodeChannelNotFound = "channel_not_found"
	ErrCodeNotInChannel    = "not_in_channel"
	ErrCodeRateLimited     = "ratelimited"
)

// APIError is a typed platform API failure.
type APIError struct {
	Code string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chat api error: %s", e.Code)
}

// ClassifyError maps a platform error onto the retry taxonomy: permanent
// codes are logged and dropped, everything else re-raises for queue retry.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	if apiErr, ok := err.(*APIError); ok {
		switch apiErr.Code {
		case ErrCodeMessageNotFound, ErrCodeChannelNotFound, ErrCodeNotInChannel:
			return apperrors.Permanent("chat api rejected the target", err)
		case ErrCodeRateLimited:
			return apperrors.Transient("chat api rate limited", err)
		}
	}
	return apperrors.Transient("chat api call failed", err)
}

// PostedMessage identifies a message created by PostMessage.
type PostedMessage struct {
	ChannelID string `json:"channel_id"`
	Ts        string `json:"ts"`
}

// ThreadMessage is one message fetched from a thread.
type ThreadMessage struct {
	UserID string `json:"user_id"`
	BotID  string `json:"bot_id,omitempty"`
	Text   string `json:"text"`
	Ts     string `json:"ts"`
}

// Client is the outbound chat API used by the dispatcher egress and workers.
type Client interface {
	// PostMessage creates a message; threadTs scopes it to a thread.
	PostMessage(ctx context.Context, channelID, threadTs, text string) (*PostedMessage, error)

	// UpdateMessage replaces the text of an existing message.
	UpdateMessage(ctx context.Context, channelID, ts, text string) error

	// AddReaction adds a named reaction to a message.
	AddReaction(ctx context.Context, channelID, ts, name string) error

	// RemoveReaction removes a named reaction from a message.
	RemoveReaction(ctx context.Context, channelID, ts, name string) error

	// FetchThreadMessages returns the messages of a thread, oldest first.
	FetchThreadMessages(ctx context.Context, channelID, threadTs string) ([]ThreadMessage, error)
}

// MessageEvent is one inbound chat event delivered by the gateway.
type MessageEvent struct {
	Platform    string    `json:"platform"`
	WorkspaceID string    `json:"workspace_id"`
	ChannelID   string    `json:"channel_id"`
	UserID      string    `json:"user_id"`
	Username    string    `json:"username,omitempty"`
	BotID       string    `json:"bot_id,omitempty"`
	ThreadID    string    `json:"thread_id,omitempty"`
	MessageID   string    `json:"message_id"`
	Text        string    `json:"text"`
	Subtype     string    `json:"subtype,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}
