// Package dispatcher turns inbound chat events into ingress queue jobs and
// streams worker responses back to the chat platform. It touches the chat
// API, the conversation store, and the queue, but never the cluster; cluster
// mutations belong to the orchestrator.
package dispatcher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/peerbot/peerbot/internal/chat"
	"github.com/peerbot/peerbot/internal/common/config"
	apperrors "github.com/peerbot/peerbot/internal/common/errors"
	"github.com/peerbot/peerbot/internal/common/logger"
	"github.com/peerbot/peerbot/internal/githosting"
	"github.com/peerbot/peerbot/internal/queue"
	"github.com/peerbot/peerbot/internal/ratelimit"
	"github.com/peerbot/peerbot/internal/session"
	v1 "github.com/peerbot/peerbot/pkg/api/v1"
)

const placeholderText = "On it. Setting things up..."

const rateLimitText = "You have hit the message limit. Please wait a few minutes before sending more requests."

// ConversationLookup is the slice of the store the dispatcher needs.
type ConversationLookup interface {
	EnsureWorkspace(ctx context.Context, tenantID, tenantType, displayName string) error
	GetAgentSessionID(ctx context.Context, sessionKey, tenantID string) (string, error)
	UpsertConversation(ctx context.Context, rec *v1.ConversationRecord) (*v1.ConversationRecord, error)
}

// Dispatcher is the ingress pipeline.
type Dispatcher struct {
	chatClient chat.Client
	q          queue.Queue
	limiter    *ratelimit.Limiter
	resolver   githosting.RepositoryResolver
	store      ConversationLookup
	tracker    *session.Tracker
	chatCfg    config.ChatConfig
	cfg        config.DispatcherConfig
	agentCfg   config.AgentConfig
	logger     *logger.Logger
}

// New creates a dispatcher.
func New(
	chatClient chat.Client,
	q queue.Queue,
	limiter *ratelimit.Limiter,
	resolver githosting.RepositoryResolver,
	store ConversationLookup,
	tracker *session.Tracker,
	chatCfg config.ChatConfig,
	cfg config.DispatcherConfig,
	agentCfg config.AgentConfig,
	log *logger.Logger,
) *Dispatcher {
	return &Dispatcher{
		chatClient: chatClient,
		q:          q,
		limiter:    limiter,
		resolver:   resolver,
		store:      store,
		tracker:    tracker,
		chatCfg:    chatCfg,
		cfg:        cfg,
		agentCfg:   agentCfg,
		logger:     log.WithFields(zap.String("component", "dispatcher")),
	}
}

// ignoredSubtypes are event subtypes that never start or continue a session.
var ignoredSubtypes = map[string]bool{
	"message_changed":  true,
	"message_deleted":  true,
	"channel_join":     true,
	"channel_leave":    true,
	"thread_broadcast": true,
	"bot_message":      true,
}

// HandleEvent runs one chat event through the ingress pipeline. Filtered
// events return nil; rejections are surfaced to the user, not the queue.
func (d *Dispatcher) HandleEvent(ctx context.Context, event chat.MessageEvent) error {
	log := d.logger.WithFields(
		zap.String("channel_id", event.ChannelID),
		zap.String("user_id", event.UserID),
		zap.String("message_id", event.MessageID))

	// 1. Never react to our own messages.
	if event.UserID == d.chatCfg.BotUserID || (event.BotID != "" && event.BotID == d.chatCfg.BotID) {
		return nil
	}

	// 2. Edits, deletes, joins, leaves, broadcasts.
	if ignoredSubtypes[event.Subtype] {
		return nil
	}

	// 3. Context must be complete enough to route.
	if event.ChannelID == "" || event.UserID == "" || event.MessageID == "" || strings.TrimSpace(event.Text) == "" {
		log.Debug("ignoring event with incomplete context")
		return nil
	}

	// 4. Allow/deny lists.
	if err := d.checkAccess(event.UserID); err != nil {
		log.Info("user rejected by access lists", zap.Error(err))
		return nil
	}

	// 5. Session identity. A top-level message seeds its own thread, so its
	// id doubles as the thread id and later replies land on the same key.
	threadID := event.ThreadID
	if threadID == "" {
		threadID = event.MessageID
	}
	sessionKey := session.GenerateKey(event.Platform, event.WorkspaceID,
		event.ChannelID, event.UserID, threadID, event.MessageID)
	log = log.WithFields(zap.String("session_key", sessionKey))

	// 6. Rate limit; the rejection is user-visible, not an error.
	if !d.limiter.Admit(event.UserID) {
		if _, err := d.chatClient.PostMessage(ctx, event.ChannelID, event.ThreadID, rateLimitText); err != nil {
			log.Warn("failed to post rate limit notice", zap.Error(err))
		}
		return nil
	}

	// 7. Hosting username.
	username := githosting.NormalizeUsername(event.Username)
	if event.Username == "" {
		username = githosting.NormalizeUsername(event.UserID)
	}

	// 8. Repository, cached inside the resolver.
	repositoryURL, err := d.resolver.ResolveRepository(ctx, username)
	if err != nil {
		return apperrors.Transient("failed to resolve repository", err)
	}

	// 9. Resume id from the conversation store.
	if err := d.store.EnsureWorkspace(ctx, event.WorkspaceID, event.Platform, ""); err != nil {
		return err
	}
	agentSessionID, err := d.store.GetAgentSessionID(ctx, sessionKey, event.WorkspaceID)
	if err != nil {
		return err
	}

	// 10. Placeholder the worker will stream into.
	placeholder, err := d.chatClient.PostMessage(ctx, event.ChannelID, threadID, placeholderText)
	if err != nil {
		return chat.ClassifyError(err)
	}

	// 11. One ingress job. The singleton key spans sessionKey and messageID
	// so platform redeliveries of the same event collapse into one job.
	req := d.buildRequest(event, sessionKey, username, repositoryURL, agentSessionID, placeholder)
	opts := queue.DefaultSendOptions()
	opts.SingletonKey = sessionKey + ":" + event.MessageID
	if _, err := d.q.Send(ctx, session.IngressQueue, req, opts); err != nil {
		return err
	}

	// 12. Track the session; the record is advisory.
	d.tracker.Begin(sessionKey, event.ChannelID, event.UserID, username, repositoryURL)
	d.tracker.SetStatus(sessionKey, v1.SessionStatusEnqueued)
	if _, err := d.store.UpsertConversation(ctx, &v1.ConversationRecord{
		SessionKey: sessionKey,
		TenantID:   event.WorkspaceID,
		FromUserID: event.UserID,
		BotID:      d.chatCfg.BotID,
		Status:     v1.SessionStatusEnqueued,
	}); err != nil {
		log.Warn("failed to record conversation", zap.Error(err))
	}

	log.Info("event enqueued", zap.String("username", username))
	return nil
}

func (d *Dispatcher) checkAccess(userID string) error {
	for _, denied := range d.cfg.DeniedUsers {
		if denied == userID {
			return apperrors.Permission(fmt.Sprintf("user %s is denied", userID))
		}
	}
	if len(d.cfg.AllowedUsers) == 0 {
		return nil
	}
	for _, allowed := range d.cfg.AllowedUsers {
		if allowed == userID {
			return nil
		}
	}
	return apperrors.Permission(fmt.Sprintf("user %s is not on the allow list", userID))
}

func (d *Dispatcher) buildRequest(event chat.MessageEvent, sessionKey, username, repositoryURL, agentSessionID string, placeholder *chat.PostedMessage) *v1.WorkerDeploymentRequest {
	threadID := event.ThreadID
	var routing *v1.RoutingMetadata
	if event.ThreadID != "" {
		routing = &v1.RoutingMetadata{
			TargetThreadID: event.ThreadID,
			AgentSessionID: agentSessionID,
			UserID:         event.UserID,
		}
	} else {
		// A top-level message seeds its own thread.
		threadID = event.MessageID
	}

	return &v1.WorkerDeploymentRequest{
		UserID:         event.UserID,
		BotID:          d.chatCfg.BotID,
		AgentSessionID: agentSessionID,
		ThreadID:       threadID,
		Platform:       event.Platform,
		PlatformUserID: event.UserID,
		MessageID:      event.MessageID,
		MessageText:    event.Text,
		ChannelID:      event.ChannelID,
		Username:       username,
		Metadata: v1.PlatformMetadata{
			TeamID:               event.WorkspaceID,
			UserDisplayName:      event.Username,
			RepositoryURL:        repositoryURL,
			SlackResponseChannel: placeholder.ChannelID,
			SlackResponseTs:      placeholder.Ts,
			OriginalMessageTs:    event.MessageID,
		},
		ClaudeOptions: v1.ClaudeOptions{
			Model:           d.agentCfg.Model,
			AllowedTools:    d.agentCfg.AllowedTools,
			TimeoutMinutes:  d.agentCfg.TimeoutMinutes,
			ResumeSessionID: agentSessionID,
		},
		Routing: routing,
	}
}

// Run consumes gateway events until the context ends.
func (d *Dispatcher) Run(ctx context.Context, events <-chan chat.MessageEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			// Events are independent; a failure on one must not stall the
			// stream.
			go func(event chat.MessageEvent) {
				handleCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
				defer cancel()
				if err := d.HandleEvent(handleCtx, event); err != nil {
					d.logger.Error("event handling failed",
						zap.String("message_id", event.MessageID),
						zap.Error(err))
				}
			}(event)
		}
	}
}
