// Package queue provides named durable FIFO queues with priority, retry
// policy, and singleton-key deduplication. Two implementations exist: a NATS
// JetStream backend for deployments and an in-process backend used by tests
// and single-node development.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Common errors
var (
	ErrQueueNotFound = errors.New("queue not found")
	ErrJobNotFound   = errors.New("job not found")
	ErrQueueClosed   = errors.New("queue is closed")
)

// JobState tracks a job through the queue.
type JobState string

const (
	JobStateCreated   JobState = "created"
	JobStateActive    JobState = "active"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateRetry     JobState = "retry"
)

// Job is the envelope carried on every queue. The envelope, not the payload,
// owns retry accounting so handlers stay idempotent.
type Job struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Data         json.RawMessage `json:"data"`
	State        JobState        `json:"state"`
	RetryCount   int             `json:"retry_count"`
	RetryLimit   int             `json:"retry_limit"`
	RetryDelay   time.Duration   `json:"retry_delay"`
	Priority     int             `json:"priority"`
	CreatedAt    time.Time       `json:"created_at"`
	StartAfter   time.Time       `json:"start_after"`
	SingletonKey string          `json:"singleton_key,omitempty"`
}

// Unmarshal decodes the job payload into target.
func (j *Job) Unmarshal(target any) error {
	return json.Unmarshal(j.Data, target)
}

// SendOptions control delivery of a single job.
type SendOptions struct {
	Priority     int
	RetryLimit   int
	RetryDelay   time.Duration
	ExpireIn     time.Duration
	SingletonKey string
	StartAfter   time.Duration
}

// DefaultSendOptions returns the retry policy used across the system.
func DefaultSendOptions() SendOptions {
	return SendOptions{
		Priority:   0,
		RetryLimit: 3,
		RetryDelay: 30 * time.Second,
		ExpireIn:   22 * time.Hour,
	}
}

// withDefaults fills zero fields from the default policy.
func (o SendOptions) withDefaults() SendOptions {
	def := DefaultSendOptions()
	if o.RetryLimit == 0 {
		o.RetryLimit = def.RetryLimit
	}
	if o.RetryDelay == 0 {
		o.RetryDelay = def.RetryDelay
	}
	if o.ExpireIn == 0 {
		o.ExpireIn = def.ExpireIn
	}
	return o
}

// WorkOptions control a subscriber's concurrency.
type WorkOptions struct {
	TeamSize        int // number of worker goroutines
	TeamConcurrency int // max in-flight jobs per worker
}

func (o WorkOptions) withDefaults() WorkOptions {
	if o.TeamSize <= 0 {
		o.TeamSize = 1
	}
	if o.TeamConcurrency <= 0 {
		o.TeamConcurrency = 1
	}
	return o
}

// Handler processes one job. Returning an error triggers the retry policy;
// handlers must be idempotent because delivery is at-least-once.
type Handler func(ctx context.Context, job *Job) error

// Size contains queue statistics.
type Size struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Subscription represents an active Work registration.
type Subscription interface {
	Unsubscribe() error
}

// Queue is the durable queue contract shared by all components.
type Queue interface {
	// CreateQueue ensures the named queue exists. Idempotent.
	CreateQueue(ctx context.Context, name string) error

	// Send enqueues a payload. Jobs sharing a SingletonKey within the expiry
	// window are deduplicated: duplicates are silently dropped and the
	// original job id returned.
	Send(ctx context.Context, name string, payload any, opts SendOptions) (string, error)

	// Work subscribes a handler to the named queue.
	Work(ctx context.Context, name string, handler Handler, opts WorkOptions) (Subscription, error)

	// Cancel prevents a pending job from being delivered. Best-effort for
	// jobs already in flight.
	Cancel(ctx context.Context, jobID string) error

	// GetJobByID returns a snapshot of the job.
	GetJobByID(ctx context.Context, jobID string) (*Job, error)

	// GetQueueSize returns queue statistics.
	GetQueueSize(ctx context.Context, name string) (Size, error)

	// Close releases the backend connection.
	Close()
}
