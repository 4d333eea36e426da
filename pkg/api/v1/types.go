// Package v1 contains the wire types shared between the dispatcher, the
// orchestrator, and the per-thread workers. Everything here crosses a queue
// boundary and must stay JSON round-trip stable.
package v1

import "time"

// SessionStatus tracks the lifecycle of a thread session.
type SessionStatus string

const (
	SessionStatusPending   SessionStatus = "pending"
	SessionStatusStarting  SessionStatus = "starting"
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusEnqueued  SessionStatus = "enqueued"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusError     SessionStatus = "error"
	SessionStatusTimeout   SessionStatus = "timeout"
)

// IsTerminal returns true when the status is a terminal state.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionStatusCompleted, SessionStatusError, SessionStatusTimeout:
		return true
	}
	return false
}

// PlatformMetadata carries chat-platform coordinates needed to stream
// responses back to the originating thread.
type PlatformMetadata struct {
	TeamID               string `json:"team_id"`
	UserDisplayName      string `json:"user_display_name"`
	RepositoryURL        string `json:"repository_url"`
	SlackResponseChannel string `json:"slack_response_channel"`
	SlackResponseTs      string `json:"slack_response_ts"`
	OriginalMessageTs    string `json:"original_message_ts"`
}

// ClaudeOptions configures a single agent invocation.
type ClaudeOptions struct {
	AllowedTools    []string `json:"allowed_tools,omitempty"`
	Model           string   `json:"model,omitempty"`
	TimeoutMinutes  int      `json:"timeout_minutes,omitempty"`
	ResumeSessionID string   `json:"resume_session_id,omitempty"`
}

// RoutingMetadata marks a message as targeting an existing thread. Its
// presence tells the orchestrator to scale the existing deployment instead
// of creating a new one.
type RoutingMetadata struct {
	TargetThreadID string `json:"target_thread_id"`
	AgentSessionID string `json:"agent_session_id,omitempty"`
	UserID         string `json:"user_id"`
}

// WorkerDeploymentRequest is the ingress payload on the `messages` queue and,
// with RoutingMetadata required, the ThreadMessage payload on thread queues.
type WorkerDeploymentRequest struct {
	UserID         string           `json:"user_id"`
	BotID          string           `json:"bot_id"`
	AgentSessionID string           `json:"agent_session_id,omitempty"`
	ThreadID       string           `json:"thread_id"`
	Platform       string           `json:"platform"`
	PlatformUserID string           `json:"platform_user_id"`
	MessageID      string           `json:"message_id"`
	MessageText    string           `json:"message_text"`
	ChannelID      string           `json:"channel_id"`
	Username       string           `json:"username"`
	Metadata       PlatformMetadata `json:"platform_metadata"`
	ClaudeOptions  ClaudeOptions    `json:"claude_options"`
	Routing        *RoutingMetadata `json:"routing_metadata,omitempty"`
}

// Validate checks the required fields of an ingress request.
func (r *WorkerDeploymentRequest) Validate() error {
	switch {
	case r.UserID == "":
		return errMissing("user_id")
	case r.ThreadID == "":
		return errMissing("thread_id")
	case r.Platform == "":
		return errMissing("platform")
	case r.MessageID == "":
		return errMissing("message_id")
	case r.ChannelID == "":
		return errMissing("channel_id")
	case r.MessageText == "":
		return errMissing("message_text")
	}
	return nil
}

type missingFieldError struct{ field string }

func (e *missingFieldError) Error() string { return "missing required field: " + e.field }

func errMissing(field string) error { return &missingFieldError{field: field} }

// Reaction names used on the originating user message.
const (
	ReactionWorking = "hourglass_flowing_sand"
	ReactionSuccess = "white_check_mark"
	ReactionFailure = "x"
)

// ThreadResponse is the egress payload on the `thread_response` queue.
// Workers produce one per streamed update; the egress throttles and applies
// them to the chat platform.
type ThreadResponse struct {
	MessageID         string    `json:"message_id"`
	ChannelID         string    `json:"channel_id"`
	ThreadTs          string    `json:"thread_ts"`
	UserID            string    `json:"user_id"`
	Content           string    `json:"content,omitempty"`
	IsDone            bool      `json:"is_done"`
	Reaction          string    `json:"reaction,omitempty"`
	Error             string    `json:"error,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
	OriginalMessageTs string    `json:"original_message_ts,omitempty"`
}

// ConversationRecord is the persisted per-session state. Uniqueness is
// (SessionKey, TenantID).
type ConversationRecord struct {
	ID               string         `json:"id"`
	SessionKey       string         `json:"session_key"`
	AgentSessionID   string         `json:"agent_session_id,omitempty"`
	TenantID         string         `json:"tenant_id"`
	FromUserID       string         `json:"from_user_id"`
	BotID            string         `json:"bot_id,omitempty"`
	Status           SessionStatus  `json:"status"`
	ConversationData map[string]any `json:"conversation_data,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}
