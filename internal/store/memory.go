package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/peerbot/peerbot/internal/common/errors"
	v1 "github.com/peerbot/peerbot/pkg/api/v1"
)

// MemoryStore is an in-memory ConversationStore for tests and single-node
// development without PostgreSQL.
type MemoryStore struct {
	mu            sync.Mutex
	workspaces    map[string]string // tenant id -> platform
	conversations map[convKey]*v1.ConversationRecord
}

type convKey struct {
	sessionKey string
	tenantID   string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workspaces:    make(map[string]string),
		conversations: make(map[convKey]*v1.ConversationRecord),
	}
}

func (m *MemoryStore) EnsureWorkspace(_ context.Context, tenantID, tenantType, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workspaces[tenantID]; !ok {
		m.workspaces[tenantID] = tenantType
	}
	return nil
}

func copyRecord(rec *v1.ConversationRecord) *v1.ConversationRecord {
	out := *rec
	if rec.ConversationData != nil {
		out.ConversationData = make(map[string]any, len(rec.ConversationData))
		for k, v := range rec.ConversationData {
			out.ConversationData[k] = v
		}
	}
	return &out
}

func (m *MemoryStore) UpsertConversation(_ context.Context, rec *v1.ConversationRecord) (*v1.ConversationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := convKey{rec.SessionKey, rec.TenantID}
	now := time.Now()

	if existing, ok := m.conversations[key]; ok {
		if rec.AgentSessionID != "" {
			existing.AgentSessionID = rec.AgentSessionID
		}
		if rec.Status != "" {
			existing.Status = rec.Status
		}
		for k, v := range rec.ConversationData {
			if existing.ConversationData == nil {
				existing.ConversationData = map[string]any{}
			}
			existing.ConversationData[k] = v
		}
		existing.UpdatedAt = now
		return copyRecord(existing), nil
	}

	stored := copyRecord(rec)
	stored.ID = uuid.New().String()
	if stored.Status == "" {
		stored.Status = v1.SessionStatusPending
	}
	if stored.ConversationData == nil {
		stored.ConversationData = map[string]any{}
	}
	stored.CreatedAt = now
	stored.UpdatedAt = now
	m.conversations[key] = stored
	return copyRecord(stored), nil
}

func (m *MemoryStore) GetConversation(_ context.Context, sessionKey, tenantID string) (*v1.ConversationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.conversations[convKey{sessionKey, tenantID}]
	if !ok {
		return nil, apperrors.NotFound("conversation", sessionKey)
	}
	return copyRecord(rec), nil
}

func (m *MemoryStore) GetAgentSessionID(_ context.Context, sessionKey, tenantID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.conversations[convKey{sessionKey, tenantID}]
	if !ok {
		return "", nil
	}
	return rec.AgentSessionID, nil
}

func (m *MemoryStore) SetAgentSessionID(_ context.Context, sessionKey, tenantID, agentSessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.conversations[convKey{sessionKey, tenantID}]
	if !ok {
		return apperrors.NotFound("conversation", sessionKey)
	}
	rec.AgentSessionID = agentSessionID
	rec.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) SetStatus(_ context.Context, sessionKey, tenantID string, status v1.SessionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.conversations[convKey{sessionKey, tenantID}]
	if !ok {
		return apperrors.NotFound("conversation", sessionKey)
	}
	rec.Status = status
	rec.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, tenantID string, status v1.SessionStatus) ([]*v1.ConversationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*v1.ConversationRecord
	for _, rec := range m.conversations {
		if rec.TenantID == tenantID && rec.Status == status {
			result = append(result, copyRecord(rec))
		}
	}
	return result, nil
}

var _ ConversationStore = (*MemoryStore)(nil)
