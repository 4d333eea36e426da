package queue

import (
	"container/heap"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/peerbot/peerbot/internal/common/errors"
	"github.com/peerbot/peerbot/internal/common/logger"
)

// dispatch poll interval for delayed (retrying) jobs
const memoryPollInterval = 50 * time.Millisecond

// sweep interval for expired singleton keys
const singletonJanitorInterval = time.Minute

// queuedJob wraps a Job for the priority heap.
type queuedJob struct {
	job   *Job
	index int // index in the heap (used by container/heap)
}

// jobHeap implements heap.Interface ordered by priority, then enqueue time.
type jobHeap []*queuedJob

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	// Higher priority first, then earlier queued time
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority > h[j].job.Priority
	}
	return h[i].job.CreatedAt.Before(h[j].job.CreatedAt)
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x interface{}) {
	n := len(*h)
	item := x.(*queuedJob)
	item.index = n
	*h = append(*h, item)
}

func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // avoid memory leak
	item.index = -1 // for safety
	*h = old[0 : n-1]
	return item
}

// singletonEntry dedups one key for the full ExpireIn window, not just while
// the job is live. Matches the JetStream backend's Duplicates window, so a
// platform redelivery arriving after the first job completed is still dropped.
type singletonEntry struct {
	jobID     string
	expiresAt time.Time
}

// memQueue is the per-name state inside MemoryQueue.
type memQueue struct {
	heap       jobHeap
	jobMap     map[string]*queuedJob     // waiting jobs by id
	singletons map[string]singletonEntry // singleton key -> dedup window
	active     int
	completed  int
	failed     int
}

func newMemQueue() *memQueue {
	q := &memQueue{
		heap:       make(jobHeap, 0),
		jobMap:     make(map[string]*queuedJob),
		singletons: make(map[string]singletonEntry),
	}
	heap.Init(&q.heap)
	return q
}

// MemoryQueue is an in-process Queue. It honors the full contract including
// priority ordering, retry with delay, and singleton-key dedup, and is the
// backend used when no NATS URL is configured.
type MemoryQueue struct {
	queues    map[string]*memQueue
	cancelled map[string]bool
	mu        sync.Mutex
	logger    *logger.Logger

	closed   bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMemoryQueue creates an in-process queue backend.
func NewMemoryQueue(log *logger.Logger) *MemoryQueue {
	m := &MemoryQueue{
		queues:    make(map[string]*memQueue),
		cancelled: make(map[string]bool),
		logger:    log.WithFields(zap.String("component", "memory-queue")),
		stopCh:    make(chan struct{}),
	}
	m.wg.Add(1)
	go m.janitorLoop()
	return m
}

// CreateQueue ensures the named queue exists.
func (m *MemoryQueue) CreateQueue(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrQueueClosed
	}
	if _, ok := m.queues[name]; !ok {
		m.queues[name] = newMemQueue()
	}
	return nil
}

// Send enqueues a payload on the named queue.
func (m *MemoryQueue) Send(_ context.Context, name string, payload any, opts SendOptions) (string, error) {
	opts = opts.withDefaults()

	data, err := json.Marshal(payload)
	if err != nil {
		return "", apperrors.Wrap(err, "failed to marshal job payload")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return "", ErrQueueClosed
	}

	q, ok := m.queues[name]
	if !ok {
		q = newMemQueue()
		m.queues[name] = q
	}

	now := time.Now()
	if opts.SingletonKey != "" {
		if entry, dup := q.singletons[opts.SingletonKey]; dup && now.Before(entry.expiresAt) {
			m.logger.Debug("duplicate singleton job dropped",
				zap.String("queue", name),
				zap.String("singleton_key", opts.SingletonKey))
			return entry.jobID, nil
		}
	}

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

	qj := &queuedJob{job: job}
	heap.Push(&q.heap, qj)
	q.jobMap[job.ID] = qj
	if opts.SingletonKey != "" {
		q.singletons[opts.SingletonKey] = singletonEntry{
			jobID:     job.ID,
			expiresAt: now.Add(opts.ExpireIn),
		}
	}

	return job.ID, nil
}

// Work subscribes a handler to the named queue. Each of TeamSize workers
// processes up to TeamConcurrency jobs concurrently.
func (m *MemoryQueue) Work(ctx context.Context, name string, handler Handler, opts WorkOptions) (Subscription, error) {
	opts = opts.withDefaults()

	if err := m.CreateQueue(ctx, name); err != nil {
		return nil, err
	}

	sub := &memorySubscription{stopCh: make(chan struct{})}

	for i := 0; i < opts.TeamSize; i++ {
		m.wg.Add(1)
		sub.wg.Add(1)
		go m.workLoop(ctx, name, handler, opts.TeamConcurrency, sub)
	}

	return sub, nil
}

type memorySubscription struct {
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func (s *memorySubscription) Unsubscribe() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	return nil
}

func (m *MemoryQueue) workLoop(ctx context.Context, name string, handler Handler, concurrency int, sub *memorySubscription) {
	defer m.wg.Done()
	defer sub.wg.Done()

	sem := make(chan struct{}, concurrency)
	ticker := time.NewTicker(memoryPollInterval)
	defer ticker.Stop()

	var inFlight sync.WaitGroup
	defer inFlight.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-sub.stopCh:
			return
		case <-ticker.C:
		}

		for {
			job := m.dequeue(name)
			if job == nil {
				break
			}

			sem <- struct{}{}
			inFlight.Add(1)
			go func(job *Job) {
				defer inFlight.Done()
				defer func() { <-sem }()
				m.process(ctx, name, job, handler)
			}(job)
		}
	}
}

// dequeue pops the next runnable job, skipping cancelled and delayed entries.
func (m *MemoryQueue) dequeue(name string) *Job {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[name]
	if !ok {
		return nil
	}

	for len(q.heap) > 0 {
		top := q.heap[0]
		if m.cancelled[top.job.ID] {
			heap.Pop(&q.heap)
			delete(q.jobMap, top.job.ID)
			delete(m.cancelled, top.job.ID)
			continue
		}
		if top.job.StartAfter.After(now) {
			// Delayed retries sit at the top only when nothing runnable
			// outranks them; skip this tick.
			runnable := m.popRunnable(q, now)
			if runnable == nil {
				return nil
			}
			return runnable
		}
		heap.Pop(&q.heap)
		delete(q.jobMap, top.job.ID)
		top.job.State = JobStateActive
		q.active++
		return top.job
	}
	return nil
}

// popRunnable scans for the best job whose StartAfter has passed. Linear, but
// delayed jobs are rare and queues are short.
func (m *MemoryQueue) popRunnable(q *memQueue, now time.Time) *Job {
	best := -1
	for i, qj := range q.heap {
		if m.cancelled[qj.job.ID] || qj.job.StartAfter.After(now) {
			continue
		}
		if best == -1 || jobLess(qj.job, q.heap[best].job) {
			best = i
		}
	}
	if best == -1 {
		return nil
	}
	qj := heap.Remove(&q.heap, best).(*queuedJob)
	delete(q.jobMap, qj.job.ID)
	qj.job.State = JobStateActive
	q.active++
	return qj.job
}

func jobLess(a, b *Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// process runs the handler and applies the retry policy on failure.
func (m *MemoryQueue) process(ctx context.Context, name string, job *Job, handler Handler) {
	err := handler(ctx, job)

	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[name]
	if !ok {
		return
	}
	q.active--

	if err == nil {
		job.State = JobStateCompleted
		q.completed++
		return
	}

	if apperrors.IsRetryable(err) && job.RetryCount < job.RetryLimit {
		job.RetryCount++
		job.State = JobStateRetry
		job.StartAfter = time.Now().Add(job.RetryDelay)

		qj := &queuedJob{job: job}
		heap.Push(&q.heap, qj)
		q.jobMap[job.ID] = qj

		m.logger.Debug("job scheduled for retry",
			zap.String("queue", name),
			zap.String("job_id", job.ID),
			zap.Int("retry_count", job.RetryCount),
			zap.Error(err))
		return
	}

	job.State = JobStateFailed
	q.failed++
	m.logger.Warn("job failed",
		zap.String("queue", name),
		zap.String("job_id", job.ID),
		zap.Int("retry_count", job.RetryCount),
		zap.Error(err))
}

// janitorLoop evicts singleton entries whose dedup window has passed. The
// entries outlive their jobs on purpose, so eviction cannot piggyback on job
// completion.
func (m *MemoryQueue) janitorLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(singletonJanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
		}

		now := time.Now()
		m.mu.Lock()
		for _, q := range m.queues {
			for key, entry := range q.singletons {
				if now.After(entry.expiresAt) {
					delete(q.singletons, key)
				}
			}
		}
		m.mu.Unlock()
	}
}

// Cancel prevents a pending job from being delivered.
func (m *MemoryQueue) Cancel(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, q := range m.queues {
		if qj, ok := q.jobMap[jobID]; ok {
			heap.Remove(&q.heap, qj.index)
			delete(q.jobMap, jobID)
			return nil
		}
	}
	// In flight or unknown; mark so it is dropped if re-queued.
	m.cancelled[jobID] = true
	return nil
}

// GetJobByID returns a snapshot of a waiting job.
func (m *MemoryQueue) GetJobByID(_ context.Context, jobID string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, q := range m.queues {
		if qj, ok := q.jobMap[jobID]; ok {
			snapshot := *qj.job
			return &snapshot, nil
		}
	}
	return nil, ErrJobNotFound
}

// GetQueueSize returns statistics for the named queue.
func (m *MemoryQueue) GetQueueSize(_ context.Context, name string) (Size, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[name]
	if !ok {
		return Size{}, ErrQueueNotFound
	}
	return Size{
		Waiting:   len(q.heap),
		Active:    q.active,
		Completed: q.completed,
		Failed:    q.failed,
	}, nil
}

// Close stops all workers and rejects further sends.
func (m *MemoryQueue) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}
