// Package store persists conversation state in PostgreSQL. Conversations are
// keyed by (session_key, tenant_id) and carry the agent session id workers
// need to resume an earlier agent conversation.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/peerbot/peerbot/internal/common/database"
	apperrors "github.com/peerbot/peerbot/internal/common/errors"
	"github.com/peerbot/peerbot/internal/common/logger"
	v1 "github.com/peerbot/peerbot/pkg/api/v1"
)

// ConversationStore is the persistence contract shared by the orchestrator
// and the workers.
type ConversationStore interface {
	// EnsureWorkspace registers a tenant on first contact. Idempotent.
	EnsureWorkspace(ctx context.Context, tenantID, tenantType, displayName string) error

	// UpsertConversation inserts a conversation or refreshes an existing one
	// identified by (SessionKey, TenantID).
	UpsertConversation(ctx context.Context, rec *v1.ConversationRecord) (*v1.ConversationRecord, error)

	// GetConversation returns the conversation for a session key.
	GetConversation(ctx context.Context, sessionKey, tenantID string) (*v1.ConversationRecord, error)

	// GetAgentSessionID returns the stored agent session id, or empty when
	// the conversation has none yet.
	GetAgentSessionID(ctx context.Context, sessionKey, tenantID string) (string, error)

	// SetAgentSessionID records the agent-assigned session id.
	SetAgentSessionID(ctx context.Context, sessionKey, tenantID, agentSessionID string) error

	// SetStatus advances the conversation status.
	SetStatus(ctx context.Context, sessionKey, tenantID string, status v1.SessionStatus) error

	// ListByStatus returns conversations in the given status for a tenant.
	ListByStatus(ctx context.Context, tenantID string, status v1.SessionStatus) ([]*v1.ConversationRecord, error)
}

// txRunner is the slice of database.DB the store needs. Narrow so tests can
// substitute a recording transaction.
type txRunner interface {
	WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error
}

// PostgresStore implements ConversationStore on pgx. Every statement runs in
// a transaction with the RLS session variable set first, so the
// conversations_owner policy scopes rows when the connecting role is a
// provisioned per-user role.
type PostgresStore struct {
	db     txRunner
	userID string // RLS scope for every statement; empty on admin services
	logger *logger.Logger
}

// NewPostgresStore creates a conversation store backed by the shared pool.
func NewPostgresStore(db *database.DB, log *logger.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: log.WithFields(zap.String("component", "conversation-store")),
	}
}

// ForUser returns a store whose statements carry userID as the RLS session
// variable. Workers scope themselves to their own user; the dispatcher and
// orchestrator connect as the owning role and stay unscoped.
func (s *PostgresStore) ForUser(userID string) *PostgresStore {
	scoped := *s
	scoped.userID = userID
	return &scoped
}

// run executes fn inside a transaction, setting app.current_user_id first.
// An explicit userID wins over the store scope.
func (s *PostgresStore) run(ctx context.Context, userID string, fn func(tx pgx.Tx) error) error {
	if userID == "" {
		userID = s.userID
	}
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if userID != "" {
			if err := database.SetCurrentUser(ctx, tx, userID); err != nil {
				return err
			}
		}
		return fn(tx)
	})
}

func (s *PostgresStore) EnsureWorkspace(ctx context.Context, tenantID, tenantType, displayName string) error {
	err := s.run(ctx, "", func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO workspaces (tenant_id, tenant_type, display_name)
			VALUES ($1, $2, $3)
			ON CONFLICT (tenant_id) DO NOTHING`,
			tenantID, tenantType, displayName)
		return err
	})
	if err != nil {
		return apperrors.Transient("failed to ensure workspace", err)
	}
	return nil
}

const conversationColumns = `
	id, session_key, COALESCE(agent_session_id, ''), tenant_id, from_user_id,
	COALESCE(bot_id, ''), status, conversation_data, created_at, updated_at`

func scanConversation(row pgx.Row) (*v1.ConversationRecord, error) {
	var rec v1.ConversationRecord
	err := row.Scan(
		&rec.ID,
		&rec.SessionKey,
		&rec.AgentSessionID,
		&rec.TenantID,
		&rec.FromUserID,
		&rec.BotID,
		&rec.Status,
		&rec.ConversationData,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *PostgresStore) UpsertConversation(ctx context.Context, rec *v1.ConversationRecord) (*v1.ConversationRecord, error) {
	if rec.Status == "" {
		rec.Status = v1.SessionStatusPending
	}
	if rec.ConversationData == nil {
		rec.ConversationData = map[string]any{}
	}

	var stored *v1.ConversationRecord
	err := s.run(ctx, rec.FromUserID, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO conversations
				(session_key, agent_session_id, tenant_id, from_user_id, bot_id, status, conversation_data)
			VALUES ($1, NULLIF($2, ''), $3, $4, NULLIF($5, ''), $6, $7)
			ON CONFLICT (session_key, tenant_id) DO UPDATE SET
				agent_session_id = COALESCE(NULLIF(EXCLUDED.agent_session_id, ''), conversations.agent_session_id),
				status = EXCLUDED.status,
				conversation_data = conversations.conversation_data || EXCLUDED.conversation_data,
				updated_at = now()
			RETURNING `+conversationColumns,
			rec.SessionKey, rec.AgentSessionID, rec.TenantID, rec.FromUserID,
			rec.BotID, rec.Status, rec.ConversationData)

		var scanErr error
		stored, scanErr = scanConversation(row)
		return scanErr
	})
	if err != nil {
		return nil, apperrors.Transient("failed to upsert conversation", err)
	}
	return stored, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, sessionKey, tenantID string) (*v1.ConversationRecord, error) {
	var rec *v1.ConversationRecord
	err := s.run(ctx, "", func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT `+conversationColumns+`
			FROM conversations
			WHERE session_key = $1 AND tenant_id = $2`,
			sessionKey, tenantID)

		var scanErr error
		rec, scanErr = scanConversation(row)
		return scanErr
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("conversation", sessionKey)
		}
		return nil, apperrors.Transient("failed to get conversation", err)
	}
	return rec, nil
}

func (s *PostgresStore) GetAgentSessionID(ctx context.Context, sessionKey, tenantID string) (string, error) {
	var agentSessionID string
	err := s.run(ctx, "", func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			SELECT COALESCE(agent_session_id, '')
			FROM conversations
			WHERE session_key = $1 AND tenant_id = $2`,
			sessionKey, tenantID).Scan(&agentSessionID)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", apperrors.Transient("failed to get agent session id", err)
	}
	return agentSessionID, nil
}

func (s *PostgresStore) SetAgentSessionID(ctx context.Context, sessionKey, tenantID, agentSessionID string) error {
	var affected int64
	err := s.run(ctx, "", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE conversations
			SET agent_session_id = $3, updated_at = now()
			WHERE session_key = $1 AND tenant_id = $2`,
			sessionKey, tenantID, agentSessionID)
		affected = tag.RowsAffected()
		return err
	})
	if err != nil {
		return apperrors.Transient("failed to set agent session id", err)
	}
	if affected == 0 {
		return apperrors.NotFound("conversation", sessionKey)
	}
	return nil
}

func (s *PostgresStore) SetStatus(ctx context.Context, sessionKey, tenantID string, status v1.SessionStatus) error {
	var affected int64
	err := s.run(ctx, "", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE conversations
			SET status = $3, updated_at = now()
			WHERE session_key = $1 AND tenant_id = $2`,
			sessionKey, tenantID, status)
		affected = tag.RowsAffected()
		return err
	})
	if err != nil {
		return apperrors.Transient("failed to set conversation status", err)
	}
	if affected == 0 {
		return apperrors.NotFound("conversation", sessionKey)
	}
	return nil
}

func (s *PostgresStore) ListByStatus(ctx context.Context, tenantID string, status v1.SessionStatus) ([]*v1.ConversationRecord, error) {
	var result []*v1.ConversationRecord
	err := s.run(ctx, "", func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT `+conversationColumns+`
			FROM conversations
			WHERE tenant_id = $1 AND status = $2
			ORDER BY updated_at DESC`,
			tenantID, status)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			rec, err := scanConversation(rows)
			if err != nil {
				return err
			}
			result = append(result, rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, apperrors.Transient("failed to list conversations", err)
	}
	return result, nil
}

var _ ConversationStore = (*PostgresStore)(nil)

// touchTimeout bounds maintenance statements issued outside request paths.
const touchTimeout = 5 * time.Second

// Touch refreshes updated_at without changing anything else. Used by the
// orchestrator's activity tracking.
func (s *PostgresStore) Touch(ctx context.Context, sessionKey, tenantID string) error {
	ctx, cancel := context.WithTimeout(ctx, touchTimeout)
	defer cancel()

	err := s.run(ctx, "", func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE conversations SET updated_at = now()
			WHERE session_key = $1 AND tenant_id = $2`,
			sessionKey, tenantID)
		return err
	})
	if err != nil {
		return apperrors.Transient("failed to touch conversation", err)
	}
	return nil
}
