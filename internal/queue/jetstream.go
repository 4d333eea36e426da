package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	apperrors "github.com/peerbot/peerbot/internal/common/errors"
	"github.com/peerbot/peerbot/internal/common/logger"
)

const (
	subjectPrefix = "peerbot.queue."
	streamPrefix  = "PEERBOT_"
	fetchWait     = 2 * time.Second
)

// JetStreamQueue backs the Queue contract with NATS JetStream work-queue
// streams. Singleton dedup maps onto Nats-Msg-Id, retry limits onto
// MaxDeliver, and the expiry window onto stream MaxAge.
type JetStreamQueue struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	logger *logger.Logger

	// jobs holds envelopes of jobs published by this process so GetJobByID
	// and Cancel can resolve ids; JetStream itself is keyed by sequence.
	jobs      map[string]*Job
	cancelled map[string]bool
	counters  map[string]*jsCounters
	mu        sync.Mutex

	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type jsCounters struct {
	completed int
	failed    int
}

// NewJetStreamQueue connects to NATS and initializes the JetStream context.
func NewJetStreamQueue(url string, log *logger.Logger) (*JetStreamQueue, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to connect to NATS")
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, apperrors.Wrap(err, "failed to create JetStream context")
	}

	return &JetStreamQueue{
		nc:        nc,
		js:        js,
		logger:    log.WithFields(zap.String("component", "jetstream-queue")),
		jobs:      make(map[string]*Job),
		cancelled: make(map[string]bool),
		counters:  make(map[string]*jsCounters),
		stopCh:    make(chan struct{}),
	}, nil
}

// streamName maps a queue name onto a valid JetStream stream name.
func streamName(queue string) string {
	s := strings.ToUpper(queue)
	s = strings.NewReplacer(".", "_", "*", "_", ">", "_", "/", "_", " ", "_").Replace(s)
	return streamPrefix + s
}

func subjectName(queue string) string {
	return subjectPrefix + strings.ReplaceAll(queue, ".", "_")
}

// CreateQueue ensures a work-queue stream exists for the name.
func (q *JetStreamQueue) CreateQueue(_ context.Context, name string) error {
	opts := DefaultSendOptions()
	cfg := &nats.StreamConfig{
		Name:       streamName(name),
		Subjects:   []string{subjectName(name)},
		Retention:  nats.WorkQueuePolicy,
		Storage:    nats.FileStorage,
		MaxAge:     opts.ExpireIn,
		Duplicates: opts.ExpireIn,
	}

	_, err := q.js.AddStream(cfg)
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil
		}
		// Re-creating with identical config is fine; anything else is real.
		if _, infoErr := q.js.StreamInfo(cfg.Name); infoErr == nil {
			return nil
		}
		return apperrors.Wrap(err, "failed to create stream")
	}
	return nil
}

// Send publishes a job envelope. SingletonKey becomes the Nats-Msg-Id so the
// stream's duplicate window drops replays server-side.
func (q *JetStreamQueue) Send(ctx context.Context, name string, payload any, opts SendOptions) (string, error) {
	opts = opts.withDefaults()

	if err := q.CreateQueue(ctx, name); err != nil {
		return "", err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", apperrors.Wrap(err, "failed to marshal job payload")
	}

	now := time.Now()
	job := &Job{
		ID:           uuid.New().String(),
		Name:         name,
		Data:         data,
		State:        JobStateCreated,
		RetryLimit:   opts.RetryLimit,
		RetryDelay:   opts.RetryDelay,
		Priority:     opts.Priority,
		CreatedAt:    now,
		StartAfter:   now.Add(opts.StartAfter),
		SingletonKey: opts.SingletonKey,
	}

	envelope, err := json.Marshal(job)
	if err != nil {
		return "", apperrors.Wrap(err, "failed to marshal job envelope")
	}

	msg := nats.NewMsg(subjectName(name))
	msg.Data = envelope
	if opts.SingletonKey != "" {
		msg.Header.Set(nats.MsgIdHdr, opts.SingletonKey)
	}

	ack, err := q.js.PublishMsg(msg, nats.Context(ctx))
	if err != nil {
		return "", apperrors.Transient("failed to publish job", err)
	}
	if ack.Duplicate {
		q.logger.Debug("duplicate singleton job dropped",
			zap.String("queue", name),
			zap.String("singleton_key", opts.SingletonKey))
		// The original job id is unknown across processes; callers treat the
		// returned id as opaque either way.
		return job.ID, nil
	}

	q.mu.Lock()
	q.jobs[job.ID] = job
	q.mu.Unlock()

	return job.ID, nil
}

// Work creates a durable pull consumer and fans fetched jobs across TeamSize
// goroutines, each fetching up to TeamConcurrency messages per pull.
func (q *JetStreamQueue) Work(ctx context.Context, name string, handler Handler, opts WorkOptions) (Subscription, error) {
	opts = opts.withDefaults()

	if err := q.CreateQueue(ctx, name); err != nil {
		return nil, err
	}

	def := DefaultSendOptions()
	durable := "worker_" + strings.ReplaceAll(name, ".", "_")

	sub, err := q.js.PullSubscribe(subjectName(name), durable,
		nats.BindStream(streamName(name)),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(2*time.Minute),
		nats.MaxDeliver(def.RetryLimit+1),
	)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to create pull consumer")
	}

	jsSub := &jetstreamSubscription{sub: sub, stopCh: make(chan struct{})}

	for i := 0; i < opts.TeamSize; i++ {
		q.wg.Add(1)
		jsSub.wg.Add(1)
		go q.fetchLoop(ctx, name, sub, handler, opts.TeamConcurrency, jsSub)
	}

	return jsSub, nil
}

type jetstreamSubscription struct {
	sub      *nats.Subscription
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func (s *jetstreamSubscription) Unsubscribe() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	return s.sub.Drain()
}

func (q *JetStreamQueue) fetchLoop(ctx context.Context, name string, sub *nats.Subscription, handler Handler, batch int, jsSub *jetstreamSubscription) {
	defer q.wg.Done()
	defer jsSub.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-jsSub.stopCh:
			return
		case <-q.stopCh:
			return
		default:
		}

		msgs, err := sub.Fetch(batch, nats.MaxWait(fetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
				return
			}
			q.logger.Warn("fetch failed", zap.String("queue", name), zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		for _, msg := range msgs {
			q.handleMessage(ctx, name, msg, handler)
		}
	}
}

func (q *JetStreamQueue) handleMessage(ctx context.Context, name string, msg *nats.Msg, handler Handler) {
	var job Job
	if err := json.Unmarshal(msg.Data, &job); err != nil {
		q.logger.Error("discarding malformed job envelope",
			zap.String("queue", name), zap.Error(err))
		_ = msg.Term()
		return
	}

	q.mu.Lock()
	cancelled := q.cancelled[job.ID]
	if cancelled {
		delete(q.cancelled, job.ID)
	}
	q.mu.Unlock()
	if cancelled {
		_ = msg.Term()
		q.finish(name, job.ID, false)
		return
	}

	// Delivery count from the server drives retry accounting.
	if meta, err := msg.Metadata(); err == nil {
		job.RetryCount = int(meta.NumDelivered) - 1
	}
	job.State = JobStateActive

	err := handler(ctx, &job)
	if err == nil {
		if ackErr := msg.Ack(); ackErr != nil {
			q.logger.Warn("ack failed", zap.String("job_id", job.ID), zap.Error(ackErr))
		}
		q.finish(name, job.ID, true)
		return
	}

	if !apperrors.IsRetryable(err) || job.RetryCount >= job.RetryLimit {
		q.logger.Warn("job failed",
			zap.String("queue", name),
			zap.String("job_id", job.ID),
			zap.Int("retry_count", job.RetryCount),
			zap.Error(err))
		_ = msg.Term()
		q.finish(name, job.ID, false)
		return
	}

	q.logger.Debug("job scheduled for retry",
		zap.String("queue", name),
		zap.String("job_id", job.ID),
		zap.Int("retry_count", job.RetryCount),
		zap.Error(err))
	if nakErr := msg.NakWithDelay(job.RetryDelay); nakErr != nil {
		q.logger.Warn("nak failed", zap.String("job_id", job.ID), zap.Error(nakErr))
	}
}

func (q *JetStreamQueue) finish(name, jobID string, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.jobs, jobID)
	c := q.counters[name]
	if c == nil {
		c = &jsCounters{}
		q.counters[name] = c
	}
	if ok {
		c.completed++
	} else {
		c.failed++
	}
}

// Cancel marks a job so it is terminated on next delivery. JetStream has no
// per-message delete on work queues short of consuming them.
func (q *JetStreamQueue) Cancel(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancelled[jobID] = true
	return nil
}

// GetJobByID returns the locally known envelope for a job published by this
// process.
func (q *JetStreamQueue) GetJobByID(_ context.Context, jobID string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	snapshot := *job
	return &snapshot, nil
}

// GetQueueSize reports stream depth plus in-flight count from the consumer.
func (q *JetStreamQueue) GetQueueSize(_ context.Context, name string) (Size, error) {
	info, err := q.js.StreamInfo(streamName(name))
	if err != nil {
		if errors.Is(err, nats.ErrStreamNotFound) {
			return Size{}, ErrQueueNotFound
		}
		return Size{}, apperrors.Wrap(err, "failed to get stream info")
	}

	size := Size{Waiting: int(info.State.Msgs)}

	durable := "worker_" + strings.ReplaceAll(name, ".", "_")
	if ci, err := q.js.ConsumerInfo(streamName(name), durable); err == nil {
		size.Active = ci.NumAckPending
		if size.Waiting >= size.Active {
			size.Waiting -= size.Active
		}
	}

	q.mu.Lock()
	if c := q.counters[name]; c != nil {
		size.Completed = c.completed
		size.Failed = c.failed
	}
	q.mu.Unlock()

	return size, nil
}

// Close drains the connection.
func (q *JetStreamQueue) Close() {
	q.closeOnce.Do(func() {
		close(q.stopCh)
		q.wg.Wait()
		if err := q.nc.Drain(); err != nil {
			q.nc.Close()
		}
	})
}
