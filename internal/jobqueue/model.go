// Package jobqueue is a durable, SQLite-backed task runner. Jobs are
// delivered at least once, never before their run time, and retried with
// backoff until they succeed or exhaust their attempts. Jobs left running
// by a crashed process are returned to the queue by Recover.
package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Job statuses.
const (
	StatusPending = "pending"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// ErrUnknownHandler is recorded on jobs whose handler is not registered.
var ErrUnknownHandler = errors.New("unknown job handler")

// Handler runs one job. A returned error schedules a retry.
type Handler func(ctx context.Context, args json.RawMessage) error

// FailHandler is called once a job of its handler has failed for good.
type FailHandler func(ctx context.Context, job Job, err error)

// Job is one scheduled unit of work.
type Job struct {
	ID         string          `json:"id"`
	Handler    string          `json:"handler"`
	DedupeKey  string          `json:"dedupe_key"`
	Args       json.RawMessage `json:"args"`
	RunAt      time.Time       `json:"run_at"`
	Status     string          `json:"status"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"last_error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// Options tunes the queue.
type Options struct {
	// PollInterval is how long the worker sleeps when nothing is due.
	PollInterval time.Duration
	// MaxAttempts bounds deliveries per job before it is marked failed.
	MaxAttempts int
	// RatePerSecond paces job starts. Zero disables pacing.
	RatePerSecond float64
	// TaskTimeout bounds a single handler run. Zero means no limit.
	TaskTimeout time.Duration
	// Backoff returns the delay before retry n (1-based).
	Backoff func(attempt int) time.Duration
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.Backoff == nil {
		o.Backoff = ExponentialBackoff(2*time.Second, 5*time.Minute)
	}
	return o
}

// ExponentialBackoff doubles base per attempt, capped at limit.
func ExponentialBackoff(base, limit time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		d := base
		for i := 1; i < attempt; i++ {
			d *= 2
			if d >= limit {
				return limit
			}
		}
		return d
	}
}
