package jobqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/sydlexius/mediasweep/internal/database"
	"github.com/sydlexius/mediasweep/internal/metrics"
)

// Queue stores jobs in the jobs table and runs them one at a time.
type Queue struct {
	db      *sql.DB
	opts    Options
	limiter *rate.Limiter
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.RWMutex
	handlers map[string]Handler
	onFail   map[string]FailHandler

	wake chan struct{}
}

// New creates a queue. Handlers must be registered before Start.
func New(db *sql.DB, opts Options, logger *slog.Logger) *Queue {
	opts = opts.withDefaults()
	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	return &Queue{
		db:       db,
		opts:     opts,
		limiter:  rate.NewLimiter(limit, 1),
		logger:   logger.With(slog.String("component", "jobqueue")),
		now:      time.Now,
		handlers: make(map[string]Handler),
		onFail:   make(map[string]FailHandler),
		wake:     make(chan struct{}, 1),
	}
}

// Register binds a handler name to fn.
func (q *Queue) Register(name string, fn Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[name] = fn
}

// OnFail sets the function called when a job for handler name exhausts its
// attempts or fails permanently.
func (q *Queue) OnFail(name string, fn FailHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onFail[name] = fn
}

func (q *Queue) handler(name string) (Handler, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	fn, ok := q.handlers[name]
	return fn, ok
}

func (q *Queue) failHandler(name string) FailHandler {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.onFail[name]
}

// Schedule enqueues a job to run no earlier than runAt (zero means now).
// A pending, running or done job with the same dedupe key is left untouched
// and Schedule reports false. A failed job with the key is re-armed with the
// new arguments and a fresh attempt count.
func (q *Queue) Schedule(ctx context.Context, runAt time.Time, handler, dedupeKey string, args any) (bool, error) {
	payload, err := json.Marshal(args)
	if err != nil {
		return false, fmt.Errorf("encoding job args: %w", err)
	}
	if runAt.IsZero() {
		runAt = q.now()
	}
	id := uuid.New().String()
	if dedupeKey == "" {
		dedupeKey = id
	}

	res, err := q.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO jobs (id, handler, dedupe_key, args, run_at, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id, handler, dedupeKey, string(payload), formatTime(runAt), StatusPending, formatTime(q.now()))
	if err != nil {
		return false, fmt.Errorf("scheduling %s: %w", handler, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		res, err = q.db.ExecContext(ctx, `
			UPDATE jobs SET handler = ?, args = ?, run_at = ?, status = ?, attempts = 0,
				last_error = NULL, started_at = NULL, finished_at = NULL
			WHERE dedupe_key = ? AND status = ?
		`, handler, string(payload), formatTime(runAt), StatusPending, dedupeKey, StatusFailed)
		if err != nil {
			return false, fmt.Errorf("re-arming %s: %w", handler, err)
		}
		n, _ = res.RowsAffected()
		if n > 0 {
			q.logger.Info("re-armed failed job", "handler", handler, "dedupe_key", dedupeKey)
		}
	}
	if n > 0 {
		q.notify()
		metrics.JobsPending.Inc()
	}
	return n > 0, nil
}

// UnscheduleAll removes pending jobs for the given handlers and returns how
// many were removed. Running jobs are left to finish.
func (q *Queue) UnscheduleAll(ctx context.Context, handlers ...string) (int64, error) {
	if len(handlers) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(handlers)), ",")
	args := []any{StatusPending}
	for _, h := range handlers {
		args = append(args, h)
	}
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE status = ? AND handler IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("unscheduling jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	metrics.JobsPending.Sub(float64(n))
	return n, nil
}

// Recover returns jobs left running by a previous process to the queue.
func (q *Queue) Recover(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, started_at = NULL WHERE status = ?`, StatusPending, StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("recovering jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		q.logger.Warn("requeued interrupted jobs", "count", n)
	}
	if pending, err := q.Pending(ctx); err == nil {
		metrics.JobsPending.Set(float64(pending))
	}
	return n, nil
}

// RunOnce claims and runs the next due job. It reports whether a job ran.
func (q *Queue) RunOnce(ctx context.Context) (bool, error) {
	job, err := q.claim(ctx)
	if err != nil || job == nil {
		return false, err
	}
	metrics.JobsPending.Dec()

	fn, ok := q.handler(job.Handler)
	if !ok {
		return true, q.finish(ctx, job, fmt.Errorf("%w: %s", ErrUnknownHandler, job.Handler), true)
	}

	runCtx := ctx
	if q.opts.TaskTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, q.opts.TaskTimeout)
		defer cancel()
	}

	start := q.now()
	runErr := runHandler(runCtx, fn, job.Args)
	metrics.JobDuration.WithLabelValues(job.Handler).Observe(time.Since(start).Seconds())

	// The outcome is recorded even when ctx was cancelled mid-run.
	return true, q.finish(context.WithoutCancel(ctx), job, runErr, false)
}

func runHandler(ctx context.Context, fn Handler, args json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(ctx, args)
}

func (q *Queue) claim(ctx context.Context) (*Job, error) {
	now := formatTime(q.now())
	row := q.db.QueryRowContext(ctx, `
		UPDATE jobs SET status = ?, attempts = attempts + 1, started_at = ?
		WHERE id = (
			SELECT id FROM jobs WHERE status = ? AND run_at <= ?
			ORDER BY run_at, created_at, rowid LIMIT 1
		)
		RETURNING id, handler, dedupe_key, args, attempts
	`, StatusRunning, now, StatusPending, now)

	var j Job
	var args string
	err := row.Scan(&j.ID, &j.Handler, &j.DedupeKey, &args, &j.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming job: %w", err)
	}
	j.Args = json.RawMessage(args)
	j.Status = StatusRunning
	return &j, nil
}

func (q *Queue) finish(ctx context.Context, job *Job, runErr error, permanent bool) error {
	now := q.now()
	if runErr == nil {
		metrics.JobsTotal.WithLabelValues(job.Handler, "done").Inc()
		_, err := q.db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, finished_at = ?, last_error = NULL WHERE id = ?`,
			StatusDone, formatTime(now), job.ID)
		if err != nil {
			return fmt.Errorf("completing job %s: %w", job.ID, err)
		}
		return nil
	}

	if permanent || job.Attempts >= q.opts.MaxAttempts {
		metrics.JobsTotal.WithLabelValues(job.Handler, "failed").Inc()
		q.logger.Error("job failed", "job_id", job.ID, "handler", job.Handler,
			"attempts", job.Attempts, "error", runErr)
		_, err := q.db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, finished_at = ?, last_error = ? WHERE id = ?`,
			StatusFailed, formatTime(now), runErr.Error(), job.ID)
		if err != nil {
			return fmt.Errorf("failing job %s: %w", job.ID, err)
		}
		if fn := q.failHandler(job.Handler); fn != nil {
			job.Status = StatusFailed
			job.LastError = runErr.Error()
			fn(ctx, *job, runErr)
		}
		return nil
	}

	delay := q.opts.Backoff(job.Attempts)
	metrics.JobsTotal.WithLabelValues(job.Handler, "retry").Inc()
	metrics.JobsPending.Inc()
	q.logger.Warn("job will be retried", "job_id", job.ID, "handler", job.Handler,
		"attempt", job.Attempts, "delay", delay.String(), "error", runErr)
	_, err := q.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, run_at = ?, started_at = NULL, last_error = ? WHERE id = ?`,
		StatusPending, formatTime(now.Add(delay)), runErr.Error(), job.ID)
	if err != nil {
		return fmt.Errorf("rescheduling job %s: %w", job.ID, err)
	}
	return nil
}

// Start runs jobs until ctx is canceled. Job starts are paced by the rate
// limiter; when nothing is due the worker sleeps for the poll interval or
// until a job is scheduled.
func (q *Queue) Start(ctx context.Context) {
	q.logger.Info("job queue started", "poll_interval", q.opts.PollInterval.String())
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			q.logger.Info("job queue stopped")
			return
		case <-timer.C:
		case <-q.wake:
		}

		for {
			if err := q.limiter.Wait(ctx); err != nil {
				break
			}
			ran, err := q.RunOnce(ctx)
			if err != nil {
				q.logger.Error("running job", "error", err)
				break
			}
			if !ran {
				break
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(q.opts.PollInterval)
	}
}

// Drain runs jobs inline until none are pending, waiting out retry delays.
func (q *Queue) Drain(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ran, err := q.RunOnce(ctx)
		if err != nil {
			return err
		}
		if ran {
			continue
		}

		next, ok, err := q.nextRunAt(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		wait := min(max(next.Sub(q.now()), 10*time.Millisecond), q.opts.PollInterval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (q *Queue) nextRunAt(ctx context.Context) (time.Time, bool, error) {
	var runAt sql.NullString
	err := q.db.QueryRowContext(ctx,
		`SELECT MIN(run_at) FROM jobs WHERE status = ?`, StatusPending).Scan(&runAt)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("reading next job time: %w", err)
	}
	if !runAt.Valid {
		return time.Time{}, false, nil
	}
	return database.ParseTime(runAt.String), true, nil
}

// Pending returns the number of pending jobs for handlers, or all pending
// jobs when none are given.
func (q *Queue) Pending(ctx context.Context, handlers ...string) (int, error) {
	query := `SELECT COUNT(*) FROM jobs WHERE status = ?`
	args := []any{StatusPending}
	if len(handlers) > 0 {
		query += ` AND handler IN (` + strings.TrimSuffix(strings.Repeat("?,", len(handlers)), ",") + `)`
		for _, h := range handlers {
			args = append(args, h)
		}
	}
	var n int
	if err := q.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting pending jobs: %w", err)
	}
	return n, nil
}

// List returns the most recent jobs, optionally filtered by status.
func (q *Queue) List(ctx context.Context, status string, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, handler, dedupe_key, args, run_at, status, attempts, last_error,
		created_at, started_at, finished_at FROM jobs`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []Job
	for rows.Next() {
		var j Job
		var argsText, runAt, createdAt string
		var lastErr, startedAt, finishedAt sql.NullString
		if err := rows.Scan(&j.ID, &j.Handler, &j.DedupeKey, &argsText, &runAt, &j.Status,
			&j.Attempts, &lastErr, &createdAt, &startedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("scanning job: %w", err)
		}
		j.Args = json.RawMessage(argsText)
		j.RunAt = database.ParseTime(runAt)
		j.CreatedAt = database.ParseTime(createdAt)
		j.LastError = lastErr.String
		j.StartedAt = optionalTime(startedAt)
		j.FinishedAt = optionalTime(finishedAt)
		out = append(out, j)
	}
	return out, rows.Err()
}

// Purge deletes finished jobs older than cutoff.
func (q *Queue) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE status IN (?, ?) AND finished_at < ?`,
		StatusDone, StatusFailed, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purging jobs: %w", err)
	}
	return res.RowsAffected()
}

func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func optionalTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := database.ParseTime(s.String)
	return &t
}
