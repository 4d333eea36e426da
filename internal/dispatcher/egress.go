package dispatcher

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/peerbot/peerbot/internal/chat"
	apperrors "github.com/peerbot/peerbot/internal/common/errors"
	"github.com/peerbot/peerbot/internal/common/logger"
	"github.com/peerbot/peerbot/internal/queue"
	"github.com/peerbot/peerbot/internal/session"
	v1 "github.com/peerbot/peerbot/pkg/api/v1"
)

// Egress applies worker response envelopes to the chat platform. Updates per
// target message are throttled; when throttled only the most recent content
// survives and is flushed when the window closes.
type Egress struct {
	chatClient chat.Client
	q          queue.Queue
	throttle   time.Duration
	logger     *logger.Logger

	mu      sync.Mutex
	targets map[string]*targetState

	sub      queue.Subscription
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// targetState tracks throttling for one chat message ts.
type targetState struct {
	lastFlush    time.Time
	pending      *v1.ThreadResponse
	timer        *time.Timer
	workingAdded bool
}

// NewEgress creates the response egress. throttleMs at or below zero
// defaults to two seconds.
func NewEgress(chatClient chat.Client, q queue.Queue, throttleMs int, log *logger.Logger) *Egress {
	throttle := time.Duration(throttleMs) * time.Millisecond
	if throttle <= 0 {
		throttle = 2 * time.Second
	}
	return &Egress{
		chatClient: chatClient,
		q:          q,
		throttle:   throttle,
		logger:     log.WithFields(zap.String("component", "egress")),
		targets:    make(map[string]*targetState),
	}
}

// Start subscribes to the thread_response queue.
func (e *Egress) Start(ctx context.Context) error {
	if err := e.q.CreateQueue(ctx, session.ResponseQueue); err != nil {
		return err
	}
	sub, err := e.q.Work(ctx, session.ResponseQueue, e.handleJob, queue.WorkOptions{
		TeamSize:        1,
		TeamConcurrency: 4,
	})
	if err != nil {
		return err
	}
	e.sub = sub
	return nil
}

// Stop unsubscribes and flushes pending updates.
func (e *Egress) Stop() {
	e.stopOnce.Do(func() {
		if e.sub != nil {
			_ = e.sub.Unsubscribe()
		}
		e.Flush()
		e.wg.Wait()
	})
}

// Flush immediately applies every pending coalesced update.
func (e *Egress) Flush() {
	e.mu.Lock()
	var pending []*v1.ThreadResponse
	for _, t := range e.targets {
		if t.pending != nil {
			pending = append(pending, t.pending)
			t.pending = nil
			t.lastFlush = time.Now()
		}
		if t.timer != nil {
			if t.timer.Stop() {
				e.wg.Done()
			}
			t.timer = nil
		}
	}
	e.mu.Unlock()

	for _, resp := range pending {
		e.applyContent(context.Background(), resp)
	}
}

func (e *Egress) handleJob(ctx context.Context, job *queue.Job) error {
	var resp v1.ThreadResponse
	if err := job.Unmarshal(&resp); err != nil {
		// Malformed envelopes cannot succeed later.
		return apperrors.Permanent("malformed thread response", err)
	}

	if resp.Content != "" || resp.Error != "" {
		if err := e.submitContent(ctx, &resp); err != nil {
			return err
		}
	}
	return e.applyReactions(ctx, &resp)
}

// submitContent applies the update now or coalesces it into the pending slot
// for the target message.
func (e *Egress) submitContent(ctx context.Context, resp *v1.ThreadResponse) error {
	key := resp.ChannelID + "/" + resp.MessageID

	e.mu.Lock()
	t, ok := e.targets[key]
	if !ok {
		t = &targetState{}
		e.targets[key] = t
	}

	now := time.Now()
	elapsed := now.Sub(t.lastFlush)
	if elapsed < e.throttle {
		// Coalesce: the most recent content wins.
		t.pending = resp
		if t.timer == nil {
			delay := e.throttle - elapsed
			e.wg.Add(1)
			t.timer = time.AfterFunc(delay, func() { e.flushTarget(key) })
		}
		e.mu.Unlock()
		return nil
	}

	t.lastFlush = now
	e.mu.Unlock()

	return e.applyContent(ctx, resp)
}

func (e *Egress) flushTarget(key string) {
	defer e.wg.Done()

	e.mu.Lock()
	t, ok := e.targets[key]
	if !ok || t.pending == nil {
		if ok {
			t.timer = nil
		}
		e.mu.Unlock()
		return
	}
	resp := t.pending
	t.pending = nil
	t.timer = nil
	t.lastFlush = time.Now()
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e.applyContent(ctx, resp)
}

// applyContent performs the chat update. Permanent platform errors are
// logged and dropped; transient ones re-raise for queue retry.
func (e *Egress) applyContent(ctx context.Context, resp *v1.ThreadResponse) error {
	text := resp.Content
	if resp.Error != "" {
		text = "Something went wrong: " + resp.Error
	}

	err := e.chatClient.UpdateMessage(ctx, resp.ChannelID, resp.MessageID, text)
	if err == nil {
		return nil
	}

	classified := chat.ClassifyError(err)
	if apperrors.IsPermanent(classified) {
		e.logger.Warn("dropping update for unreachable message",
			zap.String("channel_id", resp.ChannelID),
			zap.String("message_id", resp.MessageID),
			zap.Error(err))
		return nil
	}
	return classified
}

// applyReactions advances the reaction state machine on the originating user
// message: working while streaming, success or failure at the end.
func (e *Egress) applyReactions(ctx context.Context, resp *v1.ThreadResponse) error {
	target := resp.OriginalMessageTs
	if target == "" {
		return nil
	}

	var calls []func(context.Context) error
	switch {
	case resp.Error != "":
		calls = append(calls,
			func(ctx context.Context) error {
				return e.chatClient.RemoveReaction(ctx, resp.ChannelID, target, v1.ReactionWorking)
			},
			func(ctx context.Context) error {
				return e.chatClient.AddReaction(ctx, resp.ChannelID, target, v1.ReactionFailure)
			})
	case resp.IsDone:
		calls = append(calls,
			func(ctx context.Context) error {
				return e.chatClient.RemoveReaction(ctx, resp.ChannelID, target, v1.ReactionWorking)
			},
			func(ctx context.Context) error {
				return e.chatClient.AddReaction(ctx, resp.ChannelID, target, v1.ReactionSuccess)
			})
	case resp.Content != "":
		// Add the working reaction once per target; later stream updates
		// keep it.
		key := resp.ChannelID + "/" + target
		e.mu.Lock()
		t, ok := e.targets[key]
		if !ok {
			t = &targetState{}
			e.targets[key] = t
		}
		added := t.workingAdded
		t.workingAdded = true
		e.mu.Unlock()
		if !added {
			calls = append(calls, func(ctx context.Context) error {
				return e.chatClient.AddReaction(ctx, resp.ChannelID, target, v1.ReactionWorking)
			})
		}
	}

	for _, call := range calls {
		if err := call(ctx); err != nil {
			classified := chat.ClassifyError(err)
			if apperrors.IsPermanent(classified) {
				e.logger.Debug("dropping reaction for unreachable message",
					zap.String("message_ts", target),
					zap.Error(err))
				continue
			}
			return classified
		}
	}
	return nil
}
