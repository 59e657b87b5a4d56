package jobqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/sydlexius/mediasweep/internal/database"
	"github.com/sydlexius/mediasweep/internal/logging"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// database/sql keeps a connection opener goroutine per *sql.DB.
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
	)
}

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("running migrations: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newQueue(t *testing.T, opts Options) *Queue {
	t.Helper()
	if opts.Backoff == nil {
		opts.Backoff = func(int) time.Duration { return 0 }
	}
	return New(setupTestDB(t), opts, logging.Discard())
}

type batchArgs struct {
	Offset int `json:"offset"`
}

func TestScheduleDedupes(t *testing.T) {
	q := newQueue(t, Options{})
	ctx := context.Background()

	ok, err := q.Schedule(ctx, time.Time{}, "h", "k1", batchArgs{Offset: 1})
	if err != nil || !ok {
		t.Fatalf("first Schedule = %v, %v", ok, err)
	}
	ok, err = q.Schedule(ctx, time.Time{}, "h", "k1", batchArgs{Offset: 2})
	if err != nil || ok {
		t.Fatalf("duplicate Schedule = %v, %v; want false", ok, err)
	}
	if n, _ := q.Pending(ctx); n != 1 {
		t.Errorf("Pending = %d, want 1", n)
	}
}

func TestRunOnceDeliversArgs(t *testing.T) {
	q := newQueue(t, Options{})
	ctx := context.Background()

	var got batchArgs
	q.Register("h", func(_ context.Context, raw json.RawMessage) error {
		return json.Unmarshal(raw, &got)
	})
	if _, err := q.Schedule(ctx, time.Time{}, "h", "", batchArgs{Offset: 400}); err != nil {
		t.Fatal(err)
	}

	ran, err := q.RunOnce(ctx)
	if err != nil || !ran {
		t.Fatalf("RunOnce = %v, %v", ran, err)
	}
	if got.Offset != 400 {
		t.Errorf("offset = %d, want 400", got.Offset)
	}
	ran, _ = q.RunOnce(ctx)
	if ran {
		t.Error("second RunOnce should find nothing due")
	}

	jobs, err := q.List(ctx, StatusDone, 10)
	if err != nil || len(jobs) != 1 || jobs[0].FinishedAt == nil {
		t.Errorf("done jobs = %+v, %v", jobs, err)
	}
}

func TestNotBeforeRunAt(t *testing.T) {
	q := newQueue(t, Options{})
	ctx := context.Background()
	q.Register("h", func(context.Context, json.RawMessage) error { return nil })

	if _, err := q.Schedule(ctx, time.Now().Add(time.Hour), "h", "", nil); err != nil {
		t.Fatal(err)
	}
	if ran, _ := q.RunOnce(ctx); ran {
		t.Fatal("job ran before its run time")
	}

	q.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if ran, _ := q.RunOnce(ctx); !ran {
		t.Fatal("job did not run once due")
	}
}

func TestRetryThenFail(t *testing.T) {
	q := newQueue(t, Options{MaxAttempts: 3})
	ctx := context.Background()

	var calls int
	q.Register("flaky", func(context.Context, json.RawMessage) error {
		calls++
		return errors.New("storage unavailable")
	})
	if _, err := q.Schedule(ctx, time.Time{}, "flaky", "", nil); err != nil {
		t.Fatal(err)
	}
	if err := q.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	failed, err := q.List(ctx, StatusFailed, 10)
	if err != nil || len(failed) != 1 {
		t.Fatalf("failed jobs = %v, %v", failed, err)
	}
	if failed[0].Attempts != 3 || failed[0].LastError != "storage unavailable" {
		t.Errorf("failed job = %+v", failed[0])
	}
}

func TestOnFailCalledOnce(t *testing.T) {
	q := newQueue(t, Options{MaxAttempts: 2})
	ctx := context.Background()

	q.Register("flaky", func(context.Context, json.RawMessage) error {
		return errors.New("storage unavailable")
	})
	var failed []Job
	q.OnFail("flaky", func(_ context.Context, job Job, err error) {
		if err == nil {
			t.Error("OnFail called with nil error")
		}
		failed = append(failed, job)
	})
	if _, err := q.Schedule(ctx, time.Time{}, "flaky", "k", batchArgs{Offset: 7}); err != nil {
		t.Fatal(err)
	}
	if err := q.Drain(ctx); err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 {
		t.Fatalf("OnFail calls = %d, want 1", len(failed))
	}
	var args batchArgs
	if err := json.Unmarshal(failed[0].Args, &args); err != nil || args.Offset != 7 {
		t.Errorf("failed job args = %s, %v", failed[0].Args, err)
	}
	if failed[0].Status != StatusFailed || failed[0].Attempts != 2 {
		t.Errorf("failed job = %+v", failed[0])
	}
}

func TestScheduleRearmsFailedKey(t *testing.T) {
	q := newQueue(t, Options{MaxAttempts: 1})
	ctx := context.Background()

	var fail atomic.Bool
	fail.Store(true)
	var got []int
	q.Register("h", func(_ context.Context, raw json.RawMessage) error {
		if fail.Load() {
			return errors.New("boom")
		}
		var a batchArgs
		if err := json.Unmarshal(raw, &a); err != nil {
			return err
		}
		got = append(got, a.Offset)
		return nil
	})
	if _, err := q.Schedule(ctx, time.Time{}, "h", "k", batchArgs{Offset: 1}); err != nil {
		t.Fatal(err)
	}
	if err := q.Drain(ctx); err != nil {
		t.Fatal(err)
	}

	fail.Store(false)
	ok, err := q.Schedule(ctx, time.Time{}, "h", "k", batchArgs{Offset: 2})
	if err != nil || !ok {
		t.Fatalf("Schedule over failed key = %v, %v; want true", ok, err)
	}
	if err := q.Drain(ctx); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != 2 {
		t.Errorf("handled offsets = %v, want [2]", got)
	}

	// A done job still dedupes.
	ok, err = q.Schedule(ctx, time.Time{}, "h", "k", batchArgs{Offset: 3})
	if err != nil || ok {
		t.Errorf("Schedule over done key = %v, %v; want false", ok, err)
	}
}

func TestRetrySucceeds(t *testing.T) {
	q := newQueue(t, Options{MaxAttempts: 5})
	ctx := context.Background()

	var calls int
	q.Register("h", func(context.Context, json.RawMessage) error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if _, err := q.Schedule(ctx, time.Time{}, "h", "", nil); err != nil {
		t.Fatal(err)
	}
	if err := q.Drain(ctx); err != nil {
		t.Fatal(err)
	}
	if done, _ := q.List(ctx, StatusDone, 10); len(done) != 1 {
		t.Errorf("done = %d, want 1", len(done))
	}
}

func TestUnknownHandlerFails(t *testing.T) {
	q := newQueue(t, Options{})
	ctx := context.Background()
	if _, err := q.Schedule(ctx, time.Time{}, "missing", "", nil); err != nil {
		t.Fatal(err)
	}
	if err := q.Drain(ctx); err != nil {
		t.Fatal(err)
	}
	failed, _ := q.List(ctx, StatusFailed, 10)
	if len(failed) != 1 || failed[0].Attempts != 1 {
		t.Errorf("failed = %+v", failed)
	}
}

func TestPanicFailsJob(t *testing.T) {
	q := newQueue(t, Options{MaxAttempts: 1})
	ctx := context.Background()
	q.Register("boom", func(context.Context, json.RawMessage) error { panic("nil map") })
	if _, err := q.Schedule(ctx, time.Time{}, "boom", "", nil); err != nil {
		t.Fatal(err)
	}
	if err := q.Drain(ctx); err != nil {
		t.Fatal(err)
	}
	failed, _ := q.List(ctx, StatusFailed, 10)
	if len(failed) != 1 {
		t.Fatalf("failed = %d, want 1", len(failed))
	}
}

func TestUnscheduleAll(t *testing.T) {
	q := newQueue(t, Options{})
	ctx := context.Background()
	for _, h := range []string{"a", "a", "b", "c"} {
		if _, err := q.Schedule(ctx, time.Time{}, h, "", nil); err != nil {
			t.Fatal(err)
		}
	}
	n, err := q.UnscheduleAll(ctx, "a", "b")
	if err != nil || n != 3 {
		t.Fatalf("UnscheduleAll = %d, %v; want 3", n, err)
	}
	if left, _ := q.Pending(ctx); left != 1 {
		t.Errorf("Pending = %d, want 1", left)
	}
}

func TestRecover(t *testing.T) {
	q := newQueue(t, Options{})
	ctx := context.Background()
	if _, err := q.Schedule(ctx, time.Time{}, "h", "", nil); err != nil {
		t.Fatal(err)
	}
	// Simulate a crash after the job was claimed.
	if _, err := q.claim(ctx); err != nil {
		t.Fatal(err)
	}
	if n, _ := q.Pending(ctx); n != 0 {
		t.Fatalf("Pending = %d after claim, want 0", n)
	}
	n, err := q.Recover(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Recover = %d, %v", n, err)
	}

	var runs int
	q.Register("h", func(context.Context, json.RawMessage) error { runs++; return nil })
	if err := q.Drain(ctx); err != nil {
		t.Fatal(err)
	}
	if runs != 1 {
		t.Errorf("runs = %d, want 1", runs)
	}
}

func TestTaskTimeout(t *testing.T) {
	q := newQueue(t, Options{MaxAttempts: 1, TaskTimeout: 20 * time.Millisecond})
	ctx := context.Background()
	q.Register("slow", func(ctx context.Context, _ json.RawMessage) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if _, err := q.Schedule(ctx, time.Time{}, "slow", "", nil); err != nil {
		t.Fatal(err)
	}
	if err := q.Drain(ctx); err != nil {
		t.Fatal(err)
	}
	failed, _ := q.List(ctx, StatusFailed, 10)
	if len(failed) != 1 {
		t.Errorf("failed = %d, want 1", len(failed))
	}
}

func TestStartRunsAndStops(t *testing.T) {
	q := newQueue(t, Options{PollInterval: 10 * time.Millisecond, RatePerSecond: 1000})
	var runs atomic.Int32
	q.Register("h", func(context.Context, json.RawMessage) error { runs.Add(1); return nil })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Start(ctx)
		close(done)
	}()

	for i := 0; i < 3; i++ {
		if _, err := q.Schedule(context.Background(), time.Time{}, "h", "", nil); err != nil {
			t.Fatal(err)
		}
	}
	deadline := time.Now().Add(5 * time.Second)
	for runs.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if runs.Load() != 3 {
		t.Errorf("runs = %d, want 3", runs.Load())
	}
}

func TestPurge(t *testing.T) {
	q := newQueue(t, Options{})
	ctx := context.Background()
	q.Register("h", func(context.Context, json.RawMessage) error { return nil })
	if _, err := q.Schedule(ctx, time.Time{}, "h", "", nil); err != nil {
		t.Fatal(err)
	}
	if err := q.Drain(ctx); err != nil {
		t.Fatal(err)
	}
	n, err := q.Purge(ctx, time.Now().Add(time.Hour))
	if err != nil || n != 1 {
		t.Errorf("Purge = %d, %v; want 1", n, err)
	}
}

func TestExponentialBackoff(t *testing.T) {
	b := ExponentialBackoff(time.Second, 5*time.Second)
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := b(i + 1); got != w {
			t.Errorf("attempt %d = %v, want %v", i+1, got, w)
		}
	}
}
