// Package orchestrator consumes the ingress queue and turns each request into
// cluster state: a worker deployment plus a thread queue carrying the message
// to it. It owns no cluster logic itself; the reconciler does the mutations.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/peerbot/peerbot/internal/cluster"
	"github.com/peerbot/peerbot/internal/common/config"
	apperrors "github.com/peerbot/peerbot/internal/common/errors"
	"github.com/peerbot/peerbot/internal/common/logger"
	"github.com/peerbot/peerbot/internal/queue"
	"github.com/peerbot/peerbot/internal/reconciler"
	"github.com/peerbot/peerbot/internal/session"
	"github.com/peerbot/peerbot/internal/store"
	v1 "github.com/peerbot/peerbot/pkg/api/v1"
)

// Thread-queue messages outrank fresh ingress work.
const threadMessagePriority = 10

const cleanupInterval = 10 * time.Minute

// Consumer routes ingress jobs to worker deployments.
type Consumer struct {
	q          queue.Queue
	reconciler *reconciler.Reconciler
	store      store.ConversationStore
	cfg        config.OrchestratorConfig
	logger     *logger.Logger

	sub      queue.Subscription
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewConsumer creates the ingress consumer.
func NewConsumer(q queue.Queue, rec *reconciler.Reconciler, st store.ConversationStore, cfg config.OrchestratorConfig, log *logger.Logger) *Consumer {
	return &Consumer{
		q:          q,
		reconciler: rec,
		store:      st,
		cfg:        cfg,
		logger:     log.WithFields(zap.String("component", "orchestrator")),
		stopCh:     make(chan struct{}),
	}
}

// Start subscribes to the ingress queue and launches the cleanup timer.
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.q.CreateQueue(ctx, session.IngressQueue); err != nil {
		return err
	}

	sub, err := c.q.Work(ctx, session.IngressQueue, c.handleJob, queue.WorkOptions{
		TeamSize:        c.cfg.TeamSize,
		TeamConcurrency: c.cfg.TeamConcurrency,
	})
	if err != nil {
		return err
	}
	c.sub = sub

	c.wg.Add(1)
	go c.cleanupLoop()

	c.logger.Info("ingress consumer started",
		zap.Int("team_size", c.cfg.TeamSize),
		zap.Int("team_concurrency", c.cfg.TeamConcurrency))
	return nil
}

// Stop unsubscribes and waits for background tasks.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() {
		if c.sub != nil {
			_ = c.sub.Unsubscribe()
		}
		close(c.stopCh)
		c.wg.Wait()
	})
}

func (c *Consumer) handleJob(ctx context.Context, job *queue.Job) error {
	var req v1.WorkerDeploymentRequest
	if err := job.Unmarshal(&req); err != nil {
		return apperrors.Permanent("malformed worker deployment request", err)
	}
	if err := req.Validate(); err != nil {
		return apperrors.Permanent("invalid worker deployment request", err)
	}

	sessionKey := session.GenerateKey(req.Platform, req.Metadata.TeamID,
		req.ChannelID, req.UserID, req.ThreadID, req.MessageID)
	log := c.logger.WithFields(
		zap.String("session_key", sessionKey),
		zap.String("job_id", job.ID))

	err := c.route(ctx, &req, sessionKey, log)
	if err != nil && apperrors.IsRetryable(err) && job.RetryCount >= job.RetryLimit {
		// Last attempt; the queue will fail the job, so the conversation
		// record must reflect it.
		if storeErr := c.store.SetStatus(ctx, sessionKey, req.Metadata.TeamID, v1.SessionStatusError); storeErr != nil {
			log.Warn("failed to mark conversation errored", zap.Error(storeErr))
		}
	}
	return err
}

// route ensures the worker deployment exists and forwards the payload to its
// thread queue.
func (c *Consumer) route(ctx context.Context, req *v1.WorkerDeploymentRequest, sessionKey string, log *logger.Logger) error {
	var (
		name string
		err  error
	)

	if req.Routing != nil && req.Routing.TargetThreadID != "" {
		// Existing thread: the deployment should already be there, possibly
		// scaled to zero.
		name = session.DeploymentName(sessionKey)
		err = c.reconciler.ScaleDeployment(ctx, name, 1)
		if errors.Is(err, cluster.ErrNotFound) {
			// Orphaned conversation state; rebuild the deployment.
			log.Info("deployment missing for existing thread, recreating",
				zap.String("deployment", name))
			name, err = c.reconciler.EnsureWorkerDeployment(ctx, req, sessionKey)
		}
	} else {
		name, err = c.reconciler.EnsureWorkerDeployment(ctx, req, sessionKey)
	}
	if err != nil {
		return err
	}
	c.reconciler.Touch(name)

	threadQueue := session.ThreadQueueName(name)
	if err := c.q.CreateQueue(ctx, threadQueue); err != nil {
		return err
	}

	opts := queue.DefaultSendOptions()
	opts.Priority = threadMessagePriority
	// Redeliveries of a half-routed job must not duplicate the message.
	opts.SingletonKey = sessionKey + ":" + req.MessageID
	if _, err := c.q.Send(ctx, threadQueue, req, opts); err != nil {
		return err
	}

	log.Info("message routed",
		zap.String("deployment", name),
		zap.String("queue", threadQueue))
	return nil
}

// cleanupLoop periodically reports queue depth. Advisory only: queue and
// cluster state are authoritative and self-heal via retries and the
// reconciler's recovery loop.
func (c *Consumer) cleanupLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			size, err := c.q.GetQueueSize(ctx, session.IngressQueue)
			cancel()
			if err != nil {
				c.logger.Warn("failed to read ingress queue size", zap.Error(err))
				continue
			}
			c.logger.Info("ingress queue state",
				zap.Int("waiting", size.Waiting),
				zap.Int("active", size.Active),
				zap.Int("failed", size.Failed))
		}
	}
}
