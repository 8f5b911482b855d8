// Package queue is the durable, at-least-once job queue behind the
// dispatcher. Producers call Queue.Enqueue; a Consumer drains one named queue
// with bounded concurrency and a retry/backoff policy.
//
// A claimed job is leased to exactly one handler invocation. If that handler
// fails the job is redelivered later, so handlers must be idempotent.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Named queues used by the dispatcher.
const (
	WebhookProcessing = "webhook-processing"
	MessageSend       = "message-send"
	CampaignExecute   = "campaign-execute"
)

const (
	DefaultPriority    = 10
	DefaultMaxAttempts = 3
	// DefaultMaxThrottles bounds how often a job may be pushed back by a
	// rate limit without spending one of its attempts.
	DefaultMaxThrottles = 20
)

type State string

const (
	StateWaiting State = "waiting"
	StateDelayed State = "delayed"
	StateActive  State = "active"
	StateDead    State = "dead"
)

// IsPending reports whether a job in state s still counts for de-duplication.
func (s State) IsPending() bool {
	return s == StateWaiting || s == StateDelayed || s == StateActive
}

type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"maxAttempts"`
	State       State           `json:"state"`
	EnqueuedAt  time.Time       `json:"enqueuedAt"`
	RunAt       time.Time       `json:"runAt"`
	LastError   string          `json:"lastError,omitempty"`
	DeadAt      *time.Time      `json:"deadAt,omitempty"`

	// Throttles counts redeliveries caused by rate limiting. They do not
	// consume attempts until MaxThrottles is reached.
	Throttles    int `json:"throttles"`
	MaxThrottles int `json:"maxThrottles"`
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s job %s: %w", j.Queue, j.ID, err)
	}
	return nil
}

// CanDefer reports whether a throttled run may still be pushed back
// without counting as an attempt.
func (j *Job) CanDefer() bool {
	return j.Throttles < j.MaxThrottles
}

// Options tune a single Enqueue call.
type Options struct {
	// Priority orders waiting jobs; lower values are served first.
	Priority int
	Delay    time.Duration
	// StableID coalesces enqueues: while a job with this id is pending, a
	// second Enqueue returns the existing job instead of adding another.
	StableID     string
	MaxAttempts  int
	MaxThrottles int
}

// Handle identifies an enqueued job.
type Handle struct {
	ID    string `json:"id"`
	Queue string `json:"queue"`
	// Duplicate is set when the call was coalesced into an existing job.
	Duplicate bool `json:"duplicate"`
}

type Stats struct {
	Queue   string `json:"queue"`
	Waiting int64  `json:"waiting"`
	Delayed int64  `json:"delayed"`
	Active  int64  `json:"active"`
	Dead    int64  `json:"dead"`
}

// Backend stores jobs. Every method must be safe for concurrent use by many
// processes (valkey) or goroutines (memory).
type Backend interface {
	// Enqueue stores job; it returns false when a pending job with the same
	// id already exists.
	Enqueue(ctx context.Context, job *Job) (bool, error)
	// Claim leases the next due job, or returns nil when none is ready.
	Claim(ctx context.Context, queue string, lease time.Duration) (*Job, error)
	Ack(ctx context.Context, job *Job) error
	Retry(ctx context.Context, job *Job, runAt time.Time, cause string) error
	DeadLetter(ctx context.Context, job *Job, cause string) error
	// Defer puts a throttled job back to delayed, refunding the attempt
	// its claim consumed and counting one throttle.
	Defer(ctx context.Context, job *Job, runAt time.Time, cause string) error
	Stats(ctx context.Context, queue string) (Stats, error)
	DeadLetters(ctx context.Context, queue string, limit int) ([]*Job, error)
	PruneDead(ctx context.Context, queue string, olderThan time.Time) (int, error)
}

// Queue is the producer side.
type Queue struct {
	backend            Backend
	defaultMaxAttempts int
	now                func() time.Time
}

func New(backend Backend, defaultMaxAttempts int) *Queue {
	if defaultMaxAttempts <= 0 {
		defaultMaxAttempts = DefaultMaxAttempts
	}
	return &Queue{
		backend:            backend,
		defaultMaxAttempts: defaultMaxAttempts,
		now:                time.Now,
	}
}

func (q *Queue) Enqueue(ctx context.Context, queueName string, payload any, opts Options) (Handle, error) {
	queueName = strings.TrimSpace(queueName)
	if queueName == "" {
		return Handle{}, ErrEmptyQueue
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Handle{}, fmt.Errorf("failed to marshal %s payload: %w", queueName, err)
	}

	id := strings.TrimSpace(opts.StableID)
	if id == "" {
		id = uuid.NewString()
	}

	priority := opts.Priority
	if priority <= 0 {
		priority = DefaultPriority
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.defaultMaxAttempts
	}
	maxThrottles := opts.MaxThrottles
	if maxThrottles <= 0 {
		maxThrottles = DefaultMaxThrottles
	}

	now := q.now()
	job := &Job{
		ID:           id,
		Queue:        queueName,
		Payload:      raw,
		Priority:     priority,
		MaxAttempts:  maxAttempts,
		MaxThrottles: maxThrottles,
		EnqueuedAt:   now,
		RunAt:        now.Add(opts.Delay),
	}

	created, err := q.backend.Enqueue(ctx, job)
	if err != nil {
		return Handle{}, fmt.Errorf("failed to enqueue %s job %s: %w", queueName, id, err)
	}

	return Handle{ID: id, Queue: queueName, Duplicate: !created}, nil
}

func (q *Queue) Stats(ctx context.Context, queueName string) (Stats, error) {
	return q.backend.Stats(ctx, queueName)
}

func (q *Queue) DeadLetters(ctx context.Context, queueName string, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	return q.backend.DeadLetters(ctx, queueName, limit)
}
