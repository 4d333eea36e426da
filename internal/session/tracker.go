package session

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/peerbot/peerbot/internal/common/logger"
	v1 "github.com/peerbot/peerbot/pkg/api/v1"
)

// ThreadSession is the dispatcher's in-memory view of one conversation
// thread. It is advisory: the authoritative state lives in the queue, the
// cluster, and the conversation store, so losing it on restart is safe.
type ThreadSession struct {
	SessionKey     string
	ChannelID      string
	UserID         string
	Username       string
	RepositoryURL  string
	AgentSessionID string
	Status         v1.SessionStatus
	CreatedAt      time.Time
	LastActivity   time.Time
}

// Tracker maintains ThreadSession records for a dispatcher instance.
type Tracker struct {
	sessions map[string]*ThreadSession
	mu       sync.RWMutex
	logger   *logger.Logger
}

// NewTracker creates a new session tracker.
func NewTracker(log *logger.Logger) *Tracker {
	return &Tracker{
		sessions: make(map[string]*ThreadSession),
		logger:   log.WithFields(zap.String("component", "session-tracker")),
	}
}

// Begin records a new session in pending state, or refreshes activity on an
// existing one.
func (t *Tracker) Begin(sessionKey, channelID, userID, username, repositoryURL string) *ThreadSession {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.sessions[sessionKey]; ok {
		existing.LastActivity = time.Now()
		return existing
	}

	now := time.Now()
	s := &ThreadSession{
		SessionKey:    sessionKey,
		ChannelID:     channelID,
		UserID:        userID,
		Username:      username,
		RepositoryURL: repositoryURL,
		Status:        v1.SessionStatusPending,
		CreatedAt:     now,
		LastActivity:  now,
	}
	t.sessions[sessionKey] = s

	t.logger.Debug("session started",
		zap.String("session_key", sessionKey),
		zap.String("user_id", userID))
	return s
}

// SetStatus advances the session lifecycle. Terminal statuses discard the
// record.
func (t *Tracker) SetStatus(sessionKey string, status v1.SessionStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[sessionKey]
	if !ok {
		return
	}
	s.Status = status
	s.LastActivity = time.Now()

	if status.IsTerminal() {
		delete(t.sessions, sessionKey)
		t.logger.Debug("session discarded",
			zap.String("session_key", sessionKey),
			zap.String("status", string(status)))
	}
}

// SetAgentSessionID records the agent-assigned session id.
func (t *Tracker) SetAgentSessionID(sessionKey, agentSessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.sessions[sessionKey]; ok {
		s.AgentSessionID = agentSessionID
	}
}

// Get returns a copy of the session record.
func (t *Tracker) Get(sessionKey string) (ThreadSession, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.sessions[sessionKey]
	if !ok {
		return ThreadSession{}, false
	}
	return *s, true
}

// Len returns the number of live sessions.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}
