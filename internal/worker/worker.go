// Package worker is the per-thread consumer that runs inside a worker
// deployment: it claims one message at a time from its thread queue, runs the
// coding agent against the user's repository, streams progress envelopes to
// the response queue, and exits after an idle window.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/peerbot/peerbot/internal/chat"
	"github.com/peerbot/peerbot/internal/cluster"
	apperrors "github.com/peerbot/peerbot/internal/common/errors"
	"github.com/peerbot/peerbot/internal/common/logger"
	"github.com/peerbot/peerbot/internal/queue"
	"github.com/peerbot/peerbot/internal/session"
	"github.com/peerbot/peerbot/internal/store"
	"github.com/peerbot/peerbot/internal/worker/agent"
	v1 "github.com/peerbot/peerbot/pkg/api/v1"
)

const defaultDoneText = "Done! The changes are pushed to the session branch."

// AgentRunner launches one agent invocation and streams its events.
type AgentRunner interface {
	Run(ctx context.Context, prompt string, opts agent.Options) (<-chan agent.Event, error)
}

// GitWorkspace is the slice of gitops the worker drives.
type GitWorkspace interface {
	Prepare(ctx context.Context) error
	StartAutoPush(ctx context.Context) (stop func())
	CommitAndPush(ctx context.Context, message string) error
	Branch() string
	Dir() string
}

// Worker consumes the thread queue for one deployment.
type Worker struct {
	cfg           Config
	q             queue.Queue
	store         store.ConversationStore
	git           GitWorkspace
	agent         AgentRunner
	clusterClient cluster.Client // optional: enables idle self-delete
	chatClient    chat.Client    // optional: enables prior-turn context
	logger        *logger.Logger

	// Exactly one message is processed at a time.
	busy sync.Mutex

	activity chan struct{}
}

// New creates a worker.
func New(cfg Config, q queue.Queue, st store.ConversationStore, git GitWorkspace, runner AgentRunner, log *logger.Logger) *Worker {
	return &Worker{
		cfg:      cfg,
		q:        q,
		store:    st,
		git:      git,
		agent:    runner,
		logger:   log.WithFields(zap.String("component", "worker"), zap.String("session_key", cfg.SessionKey)),
		activity: make(chan struct{}, 1),
	}
}

// WithClusterClient enables the best-effort self-delete on idle exit.
func (w *Worker) WithClusterClient(c cluster.Client) *Worker {
	w.clusterClient = c
	return w
}

// WithChatClient enables fetching prior thread turns for agent context.
func (w *Worker) WithChatClient(c chat.Client) *Worker {
	w.chatClient = c
	return w
}

// Run subscribes to the thread queue and blocks until the idle window
// elapses or the context ends. Returns nil on a voluntary idle exit.
func (w *Worker) Run(ctx context.Context) error {
	threadQueue := session.ThreadQueueName(w.cfg.DeploymentName)
	if err := w.q.CreateQueue(ctx, threadQueue); err != nil {
		return err
	}

	sub, err := w.q.Work(ctx, threadQueue, w.handleJob, queue.WorkOptions{
		TeamSize:        1,
		TeamConcurrency: 1,
	})
	if err != nil {
		return err
	}
	defer func() { _ = sub.Unsubscribe() }()

	w.logger.Info("worker started",
		zap.String("queue", threadQueue),
		zap.Duration("exit_on_idle", w.cfg.ExitOnIdle))

	idle := time.NewTimer(w.cfg.ExitOnIdle)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker shutting down")
			return nil
		case <-w.activity:
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(w.cfg.ExitOnIdle)
		case <-idle.C:
			w.logger.Info("idle window elapsed, exiting")
			w.selfDelete()
			return nil
		}
	}
}

// selfDelete removes the worker's own deployment. Best effort: on failure the
// reconciler garbage-collects eventually.
func (w *Worker) selfDelete() {
	if w.clusterClient == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := w.clusterClient.DeleteDeployment(ctx, w.cfg.DeploymentName); err != nil && !errors.Is(err, cluster.ErrNotFound) {
		w.logger.Warn("failed to delete own deployment", zap.Error(err))
	}
}

func (w *Worker) touch() {
	select {
	case w.activity <- struct{}{}:
	default:
	}
}

func (w *Worker) handleJob(ctx context.Context, job *queue.Job) error {
	if !w.busy.TryLock() {
		// Single-message contract; let the queue redeliver.
		return apperrors.Transient("worker is busy with another message", nil)
	}
	defer w.busy.Unlock()

	w.touch()
	defer w.touch()

	var req v1.WorkerDeploymentRequest
	if err := job.Unmarshal(&req); err != nil {
		return apperrors.Permanent("malformed thread message", err)
	}
	if err := req.Validate(); err != nil {
		return apperrors.Permanent("invalid thread message", err)
	}

	log := w.logger.WithFields(zap.String("message_id", req.MessageID))
	log.Info("processing message")

	if err := w.process(ctx, &req, log); err != nil {
		log.Error("message processing failed", zap.Error(err))
		w.respondError(ctx, &req, err)
		return err
	}
	return nil
}

// process runs the full lifecycle for one message: workspace, agent stream,
// final commit, bookkeeping.
func (w *Worker) process(ctx context.Context, req *v1.WorkerDeploymentRequest, log *logger.Logger) error {
	w.respond(ctx, req, "Setting up the workspace...", false)

	if err := w.git.Prepare(ctx); err != nil {
		return err
	}

	stopAutoPush := w.git.StartAutoPush(ctx)
	defer stopAutoPush()

	prompt := w.buildPrompt(ctx, req)

	resume := req.ClaudeOptions.ResumeSessionID
	if resume == "" {
		stored, err := w.store.GetAgentSessionID(ctx, w.cfg.SessionKey, req.Metadata.TeamID)
		if err != nil {
			log.Warn("failed to look up stored agent session", zap.Error(err))
		} else {
			resume = stored
		}
	}

	events, err := w.agent.Run(ctx, prompt, agent.Options{
		Command:         w.cfg.AgentCommand,
		Token:           w.cfg.AgentToken,
		Model:           req.ClaudeOptions.Model,
		AllowedTools:    req.ClaudeOptions.AllowedTools,
		ResumeSessionID: resume,
		TimeoutMinutes:  req.ClaudeOptions.TimeoutMinutes,
		WorkspaceDir:    w.git.Dir(),
	})
	if err != nil {
		return err
	}

	var (
		agentSessionID string
		finalText      string
		agentErr       string
	)
	for event := range events {
		if event.SessionID != "" {
			agentSessionID = event.SessionID
		}
		switch event.Type {
		case agent.EventTypeOutput:
			if len(event.Tasks) > 0 {
				w.respond(ctx, req, agent.RenderTaskList(event.Tasks), false)
			} else if event.Content != "" {
				w.respond(ctx, req, event.Content, false)
			}
		case agent.EventTypeResult:
			if event.IsError {
				agentErr = event.Text()
			} else if event.Text() != "" {
				finalText = event.Text()
			}
		}
	}

	// The agent is done either way; capture its edits before reporting.
	stopAutoPush()
	commitMsg := fmt.Sprintf("Session %s: apply agent changes", w.cfg.SessionKey)
	if err := w.git.CommitAndPush(ctx, commitMsg); err != nil {
		log.Warn("final commit failed", zap.Error(err))
	}

	if agentErr != "" {
		return apperrors.Transient("agent run failed: "+agentErr, nil)
	}

	if finalText == "" {
		finalText = defaultDoneText
	}
	w.respond(ctx, req, finalText, true)

	w.persistSession(ctx, req, agentSessionID, log)
	log.Info("message completed", zap.Bool("session_assigned", agentSessionID != ""))
	return nil
}

// buildPrompt prepends prior thread turns to the user's message when the chat
// API is reachable.
func (w *Worker) buildPrompt(ctx context.Context, req *v1.WorkerDeploymentRequest) string {
	if w.chatClient == nil || req.ThreadID == "" {
		return req.MessageText
	}

	msgs, err := w.chatClient.FetchThreadMessages(ctx, req.ChannelID, req.ThreadID)
	if err != nil {
		w.logger.Warn("failed to fetch thread context", zap.Error(err))
		return req.MessageText
	}

	var turns []string
	for _, m := range msgs {
		if m.Ts == req.MessageID || strings.TrimSpace(m.Text) == "" {
			continue
		}
		role := "user"
		if m.BotID != "" || m.UserID == req.BotID {
			role = "assistant"
		}
		turns = append(turns, fmt.Sprintf("[%s] %s", role, m.Text))
	}
	if len(turns) == 0 {
		return req.MessageText
	}
	return "Previous conversation:\n" + strings.Join(turns, "\n") + "\n\nCurrent request:\n" + req.MessageText
}

// persistSession records the agent session id and terminal status.
func (w *Worker) persistSession(ctx context.Context, req *v1.WorkerDeploymentRequest, agentSessionID string, log *logger.Logger) {
	if _, err := w.store.UpsertConversation(ctx, &v1.ConversationRecord{
		SessionKey:     w.cfg.SessionKey,
		TenantID:       req.Metadata.TeamID,
		FromUserID:     req.UserID,
		BotID:          req.BotID,
		AgentSessionID: agentSessionID,
		Status:         v1.SessionStatusCompleted,
	}); err != nil {
		log.Warn("failed to persist conversation", zap.Error(err))
	}
}

// respond sends one egress envelope to the response queue.
func (w *Worker) respond(ctx context.Context, req *v1.WorkerDeploymentRequest, content string, done bool) {
	w.sendResponse(ctx, &v1.ThreadResponse{
		MessageID:         req.Metadata.SlackResponseTs,
		ChannelID:         req.Metadata.SlackResponseChannel,
		ThreadTs:          req.ThreadID,
		UserID:            req.UserID,
		Content:           content,
		IsDone:            done,
		Timestamp:         time.Now().UTC(),
		OriginalMessageTs: req.Metadata.OriginalMessageTs,
	})
}

func (w *Worker) respondError(ctx context.Context, req *v1.WorkerDeploymentRequest, err error) {
	w.sendResponse(ctx, &v1.ThreadResponse{
		MessageID:         req.Metadata.SlackResponseTs,
		ChannelID:         req.Metadata.SlackResponseChannel,
		ThreadTs:          req.ThreadID,
		UserID:            req.UserID,
		Error:             err.Error(),
		Timestamp:         time.Now().UTC(),
		OriginalMessageTs: req.Metadata.OriginalMessageTs,
	})
}

func (w *Worker) sendResponse(ctx context.Context, resp *v1.ThreadResponse) {
	if _, err := w.q.Send(ctx, session.ResponseQueue, resp, queue.DefaultSendOptions()); err != nil {
		w.logger.Warn("failed to send response envelope", zap.Error(err))
	}
}
