package scan

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sydlexius/mediasweep/internal/content"
	"github.com/sydlexius/mediasweep/internal/detector"
	"github.com/sydlexius/mediasweep/internal/event"
	"github.com/sydlexius/mediasweep/internal/jobqueue"
	"github.com/sydlexius/mediasweep/internal/metrics"
	"github.com/sydlexius/mediasweep/internal/refindex"
	"github.com/sydlexius/mediasweep/internal/results"
)

// Content is the slice of the content store the orchestrator reads.
type Content interface {
	CountAttachments(ctx context.Context) (int, error)
	ListAttachmentIDs(ctx context.Context, offset, limit int) ([]int64, error)
	CountFlagged(ctx context.Context) (int, error)
	GetAttachment(ctx context.Context, id int64) (*content.Attachment, error)
	FilePath(a *content.Attachment) string
	URL(a *content.Attachment) string
}

// Index is the reference index.
type Index interface {
	Clear(ctx context.Context) error
	TotalItems(ctx context.Context) (int, error)
	BuildGlobalReferences(ctx context.Context) error
	BuildBatch(ctx context.Context, offset, batchSize int) (int, error)
	References(ctx context.Context, id int64) ([]refindex.Reference, error)
}

// Hasher populates the digest cache.
type Hasher interface {
	HashBatch(ctx context.Context, ids []int64, force bool) (int, error)
}

// Queue is the durable batch-task runner.
type Queue interface {
	Register(name string, fn jobqueue.Handler)
	OnFail(name string, fn jobqueue.FailHandler)
	Schedule(ctx context.Context, runAt time.Time, handler, dedupeKey string, args any) (bool, error)
	UnscheduleAll(ctx context.Context, handlers ...string) (int64, error)
	Pending(ctx context.Context, handlers ...string) (int, error)
	Drain(ctx context.Context) error
}

// BatchSizeFunc returns the configured batch size.
type BatchSizeFunc func(ctx context.Context) int

// Service is the scan orchestrator. Each phase runs as a chain of jobs, one
// batch per job; progress is persisted before the next job is scheduled so
// a crash loses at most the batch in flight.
type Service struct {
	db        *sql.DB
	content   Content
	index     Index
	hashes    Hasher
	detectors *detector.Registry
	results   *results.Store
	queue     Queue
	batchSize BatchSizeFunc
	defaults  []string
	bus       *event.Bus
	logger    *slog.Logger

	// mu serializes Start, Cancel and Reset within the process.
	mu sync.Mutex
}

// NewService creates the orchestrator and registers its handlers on queue.
func NewService(db *sql.DB, c Content, index Index, hashes Hasher, detectors *detector.Registry,
	store *results.Store, queue Queue, logger *slog.Logger) *Service {
	s := &Service{
		db:        db,
		content:   c,
		index:     index,
		hashes:    hashes,
		detectors: detectors,
		results:   store,
		queue:     queue,
		batchSize: func(context.Context) int { return DefaultBatchSize },
		defaults:  DefaultTypes(),
		logger:    logger.With(slog.String("component", "scan")),
	}
	queue.Register(HandlerIndexBatch, s.handle(PhaseIndexing, s.indexBatch))
	queue.Register(HandlerHashBatch, s.handle(PhaseHashing, s.hashBatch))
	queue.Register(HandlerDetectBatch, s.handle(PhaseDetecting, s.detectBatch))
	queue.Register(HandlerFinalize, s.handle(PhaseDetecting, s.finalize))
	for _, h := range Handlers {
		queue.OnFail(h, s.batchFailed)
	}
	return s
}

// SetEventBus sets the bus scan events are published on.
func (s *Service) SetEventBus(bus *event.Bus) {
	s.bus = bus
}

// SetBatchSizeFunc sets the source of the batch size used by new scans.
func (s *Service) SetBatchSizeFunc(fn BatchSizeFunc) {
	if fn != nil {
		s.batchSize = fn
	}
}

// SetDefaultTypes sets the types scanned when a request names none.
func (s *Service) SetDefaultTypes(types []string) {
	if len(types) > 0 {
		s.defaults = slices.Clone(types)
	}
}

// NormalizeTypes validates a requested type list against the registered
// detectors. An empty list means the default types. Duplicates are removed;
// the returned order follows the registry.
func (s *Service) NormalizeTypes(types []string) ([]string, error) {
	if len(types) == 0 {
		types = s.defaults
	}
	ds, err := s.detectors.Ordered(types)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTypes, err)
	}
	out := make([]string, 0, len(ds))
	for _, d := range ds {
		out = append(out, d.Type())
	}
	return out, nil
}

// Start begins a new scan. It fails with ErrInvalidTypes or
// ErrAlreadyRunning without changing any state.
func (s *Service) Start(ctx context.Context, types []string) (*Progress, error) {
	types, err := s.NormalizeTypes(types)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	if cur.Running() {
		return nil, ErrAlreadyRunning
	}

	batch := s.batchSize(ctx)
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	items, err := s.index.TotalItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting content items: %w", err)
	}
	attachments, err := s.content.CountAttachments(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting attachments: %w", err)
	}
	total := items + attachments
	for _, t := range types {
		if t == results.TypeDuplicate {
			total += attachments
		}
	}

	if err := s.results.DeleteAll(ctx); err != nil {
		return nil, err
	}
	if err := s.index.Clear(ctx); err != nil {
		return nil, fmt.Errorf("clearing reference index: %w", err)
	}
	if err := s.index.BuildGlobalReferences(ctx); err != nil {
		return nil, fmt.Errorf("building global references: %w", err)
	}

	now := time.Now().UTC()
	p := &Progress{
		ScanID:    uuid.New().String(),
		Status:    StatusRunning,
		Phase:     PhaseIndexing,
		Total:     total,
		Types:     types,
		BatchSize: batch,
		StartedAt: &now,
	}
	if err := s.save(ctx, p); err != nil {
		return nil, err
	}
	if _, err := s.scheduleCursor(ctx, p); err != nil {
		p.Status = StatusCancelled
		if saveErr := s.save(ctx, p); saveErr != nil {
			s.logger.Error("marking unscheduled scan cancelled", "scan_id", p.ScanID, "error", saveErr)
		}
		return nil, err
	}

	s.logger.Info("scan started", "scan_id", p.ScanID, "types", types, "total", total, "batch_size", batch)
	s.bus.Publish(event.Event{Type: event.ScanStarted, Data: map[string]any{
		"scan_id": p.ScanID,
		"types":   types,
		"total":   total,
	}})
	return s.load(ctx)
}

// Cancel stops the scan: pending batches are discarded and the status
// becomes cancelled. A batch already running finishes, but its progress
// update is rejected and it schedules nothing. Safe to call in any state.
func (s *Service) Cancel(ctx context.Context) (*Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelLocked(ctx)
}

func (s *Service) cancelLocked(ctx context.Context) (*Progress, error) {
	cur, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := s.queue.UnscheduleAll(ctx, Handlers...); err != nil {
		return nil, err
	}

	p := &Progress{ScanID: cur.ScanID, Status: StatusCancelled, Types: cur.Types}
	if err := s.save(ctx, p); err != nil {
		return nil, err
	}
	if cur.Running() {
		metrics.ScansTotal.WithLabelValues(StatusCancelled).Inc()
		s.logger.Info("scan cancelled", "scan_id", cur.ScanID, "phase", cur.Phase)
		s.bus.Publish(event.Event{Type: event.ScanCancelled, Data: map[string]any{
			"scan_id": cur.ScanID,
			"phase":   cur.Phase,
		}})
	}
	return s.load(ctx)
}

// Reset cancels any scan, deletes all findings and returns progress to
// idle.
func (s *Service) Reset(ctx context.Context) (*Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.cancelLocked(ctx); err != nil {
		return nil, err
	}
	if err := s.results.DeleteAll(ctx); err != nil {
		return nil, err
	}
	if err := s.save(ctx, idleProgress()); err != nil {
		return nil, err
	}
	return s.load(ctx)
}

// Resume reschedules the cursor batch of a running scan that has no pending
// job. That happens when the process stopped between persisting progress
// and scheduling the next batch, or before a failed batch could fail the
// scan. It reports whether a job was scheduled.
func (s *Service) Resume(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.load(ctx)
	if err != nil || !p.Running() {
		return false, err
	}
	pending, err := s.queue.Pending(ctx, Handlers...)
	if err != nil || pending > 0 {
		return false, err
	}
	s.logger.Warn("resuming scan with no pending batch", "scan_id", p.ScanID, "phase", p.Phase, "offset", p.Offset)
	return s.scheduleCursor(ctx, p)
}

// RunToCompletion starts a scan and runs its batches inline until the
// queue is empty.
func (s *Service) RunToCompletion(ctx context.Context, types []string) (*Progress, error) {
	if _, err := s.Start(ctx, types); err != nil {
		return nil, err
	}
	if err := s.queue.Drain(ctx); err != nil {
		return nil, fmt.Errorf("running scan: %w", err)
	}
	return s.Status(ctx)
}

// Status returns the current progress.
func (s *Service) Status(ctx context.Context) (*Progress, error) {
	return s.load(ctx)
}

// Stats summarizes the library and current findings. It never reads
// progress.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	total, err := s.content.CountAttachments(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := s.results.Counts(ctx)
	if err != nil {
		return nil, err
	}
	groups, err := s.results.DistinctDuplicateHashes(ctx)
	if err != nil {
		return nil, err
	}
	flagged, err := s.content.CountFlagged(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{
		TotalMedia:      total,
		UnusedCount:     counts[results.TypeUnused],
		DuplicateCount:  counts[results.TypeDuplicate],
		DuplicateGroups: groups,
		OversizedCount:  counts[results.TypeOversized],
		FlaggedCount:    flagged,
	}, nil
}

// Results returns one page of findings.
func (s *Service) Results(ctx context.Context, q results.Query) (*results.Page, error) {
	return s.results.List(ctx, q)
}

// DuplicateGroups returns one page of duplicate groups.
func (s *Service) DuplicateGroups(ctx context.Context, page, perPage int) (*results.GroupPage, error) {
	return s.results.Groups(ctx, page, perPage)
}

// Detail returns an attachment with its findings and references.
func (s *Service) Detail(ctx context.Context, id int64) (*Detail, error) {
	a, err := s.content.GetAttachment(ctx, id)
	if err != nil {
		return nil, err
	}
	d := &Detail{
		Attachment: a,
		URL:        s.content.URL(a),
		Findings:   []results.Finding{},
		IsFlagged:  a.FlaggedAt != nil,
		IsTrashed:  a.IsTrashed(),
	}
	d.FileSize = results.FromAttachment("", a, s.content.FilePath(a), "").FileSize

	types, err := s.results.TypesFor(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, t := range types {
		f, err := s.results.Get(ctx, t, id)
		if err != nil {
			return nil, err
		}
		if f != nil {
			f.IsFlagged = d.IsFlagged
			f.IsTrashed = d.IsTrashed
			d.Findings = append(d.Findings, *f)
		}
	}

	refs, err := s.index.References(ctx, id)
	if err != nil {
		return nil, err
	}
	d.References = refs
	return d, nil
}

// scheduleCursor enqueues the batch at p's cursor and reports whether a job
// was added. The dedupe key makes repeated calls for the same cursor
// schedule one job.
func (s *Service) scheduleCursor(ctx context.Context, p *Progress) (bool, error) {
	handler := map[string]string{
		PhaseIndexing:  HandlerIndexBatch,
		PhaseHashing:   HandlerHashBatch,
		PhaseDetecting: HandlerDetectBatch,
	}[p.Phase]
	if handler == "" {
		return false, fmt.Errorf("no batch handler for phase %q", p.Phase)
	}
	return s.schedule(ctx, handler, p)
}

func (s *Service) schedule(ctx context.Context, handler string, p *Progress) (bool, error) {
	key := fmt.Sprintf("%s:%s:%d", p.ScanID, handler, p.Offset)
	args := batchArgs{ScanID: p.ScanID, Offset: p.Offset, BatchSize: p.BatchSize}
	added, err := s.queue.Schedule(ctx, time.Time{}, handler, key, args)
	if err != nil {
		return false, fmt.Errorf("scheduling %s: %w", handler, err)
	}
	return added, nil
}

// batchFailed fails the scan a batch job belonged to once the queue gives up
// on it, so a new scan can be started.
func (s *Service) batchFailed(ctx context.Context, job jobqueue.Job, runErr error) {
	var args batchArgs
	if err := json.Unmarshal(job.Args, &args); err != nil {
		s.logger.Error("decoding failed scan job args", "job_id", job.ID, "error", err)
		return
	}
	ok, err := s.fail(ctx, args.ScanID, runErr.Error())
	if err != nil {
		s.logger.Error("marking scan failed", "scan_id", args.ScanID, "error", err)
		return
	}
	if !ok {
		return
	}
	metrics.ScansTotal.WithLabelValues(StatusFailed).Inc()
	s.logger.Error("scan failed", "scan_id", args.ScanID, "handler", job.Handler,
		"offset", args.Offset, "attempts", job.Attempts, "error", runErr)
	s.bus.Publish(event.Event{Type: event.ScanFailed, Data: map[string]any{
		"scan_id": args.ScanID,
		"handler": job.Handler,
		"error":   runErr.Error(),
	}})
}

// handle wraps a batch step with the checks every scan job shares: a job
// for another scan, a finished scan or another phase is dropped; a job
// behind the cursor is a replay and only re-enqueues the cursor batch.
func (s *Service) handle(phase string, step func(ctx context.Context, p *Progress) error) jobqueue.Handler {
	return func(ctx context.Context, raw json.RawMessage) error {
		var args batchArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return fmt.Errorf("decoding scan batch args: %w", err)
		}
		p, err := s.load(ctx)
		if err != nil {
			return err
		}
		if !p.Running() || p.ScanID != args.ScanID || p.Phase != phase {
			s.logger.Debug("dropping stale scan job", "scan_id", args.ScanID, "phase", phase, "offset", args.Offset)
			return nil
		}
		switch {
		case args.Offset < p.Offset:
			s.logger.Debug("replayed scan job, rescheduling cursor", "scan_id", p.ScanID, "offset", args.Offset, "cursor", p.Offset)
			_, err := s.scheduleCursor(ctx, p)
			return err
		case args.Offset > p.Offset:
			s.logger.Debug("dropping scan job ahead of cursor", "scan_id", p.ScanID, "offset", args.Offset, "cursor", p.Offset)
			return nil
		}
		if p.BatchSize <= 0 {
			p.BatchSize = DefaultBatchSize
		}
		return step(ctx, p)
	}
}

func (s *Service) indexBatch(ctx context.Context, p *Progress) error {
	n, err := s.index.BuildBatch(ctx, p.Offset, p.BatchSize)
	if err != nil {
		return fmt.Errorf("indexing batch at %d: %w", p.Offset, err)
	}
	metrics.BatchesTotal.WithLabelValues(PhaseIndexing).Inc()
	metrics.ItemsProcessed.WithLabelValues(PhaseIndexing).Add(float64(n))

	phase, offset := PhaseIndexing, p.Offset+p.BatchSize
	if n < p.BatchSize {
		phase, offset = PhaseDetecting, 0
		if p.HasType(results.TypeDuplicate) {
			phase = PhaseHashing
		}
	}
	return s.advanceAndSchedule(ctx, p, phase, offset, n)
}

func (s *Service) hashBatch(ctx context.Context, p *Progress) error {
	ids, err := s.content.ListAttachmentIDs(ctx, p.Offset, p.BatchSize)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return s.advanceAndSchedule(ctx, p, PhaseDetecting, 0, 0)
	}
	hashed, err := s.hashes.HashBatch(ctx, ids, false)
	if err != nil {
		return err
	}
	metrics.BatchesTotal.WithLabelValues(PhaseHashing).Inc()
	metrics.ItemsProcessed.WithLabelValues(PhaseHashing).Add(float64(len(ids)))
	metrics.HashesComputed.Add(float64(hashed))
	return s.advanceAndSchedule(ctx, p, PhaseHashing, p.Offset+p.BatchSize, len(ids))
}

func (s *Service) detectBatch(ctx context.Context, p *Progress) error {
	ids, err := s.content.ListAttachmentIDs(ctx, p.Offset, p.BatchSize)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		_, err := s.schedule(ctx, HandlerFinalize, p)
		return err
	}

	ds, err := s.detectors.Ordered(p.Types)
	if err != nil {
		return err
	}
	found := make(map[string]map[int64]results.Finding, len(ds))
	for _, d := range ds {
		findings, err := d.Detect(ctx, ids)
		if err != nil {
			return fmt.Errorf("running %s detector: %w", d.Type(), err)
		}
		found[d.Type()] = findings
	}

	// Findings and the cursor commit together, and only while this scan is
	// still the running one.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning detect batch: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, d := range ds {
		if err := s.results.MergeTx(ctx, tx, d.Type(), found[d.Type()]); err != nil {
			return err
		}
	}
	ok, err := s.advance(ctx, tx, p, PhaseDetecting, p.Offset+p.BatchSize, len(ids))
	if err != nil {
		return err
	}
	if !ok {
		s.logger.Info("scan no longer running, discarding detect batch", "scan_id", p.ScanID, "offset", p.Offset)
		return nil
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing detect batch: %w", err)
	}

	for _, d := range ds {
		metrics.FindingsTotal.WithLabelValues(d.Type()).Add(float64(len(found[d.Type()])))
	}
	metrics.BatchesTotal.WithLabelValues(PhaseDetecting).Inc()
	metrics.ItemsProcessed.WithLabelValues(PhaseDetecting).Add(float64(len(ids)))
	_, err = s.scheduleCursor(ctx, p)
	return err
}

func (s *Service) finalize(ctx context.Context, p *Progress) error {
	ok, err := s.complete(ctx, p)
	if err != nil || !ok {
		return err
	}
	counts, err := s.results.Counts(ctx)
	if err != nil {
		return err
	}

	var took time.Duration
	if p.StartedAt != nil {
		took = time.Since(*p.StartedAt)
	}
	metrics.ScansTotal.WithLabelValues(StatusComplete).Inc()
	s.logger.Info("scan complete", "scan_id", p.ScanID, "counts", counts, "duration", took.String())
	s.bus.Publish(event.Event{Type: event.ScanCompleted, Data: map[string]any{
		"scan_id":  p.ScanID,
		"types":    p.Types,
		"counts":   counts,
		"duration": took.Round(time.Second).String(),
	}})
	return nil
}

// advanceAndSchedule persists the new cursor and then schedules its batch.
// A rejected update means the scan was cancelled or restarted, so nothing
// is scheduled.
func (s *Service) advanceAndSchedule(ctx context.Context, p *Progress, phase string, offset, processed int) error {
	ok, err := s.advance(ctx, s.db, p, phase, offset, processed)
	if err != nil {
		return err
	}
	if !ok {
		s.logger.Info("scan no longer running, stopping batch chain", "scan_id", p.ScanID)
		return nil
	}
	_, err = s.scheduleCursor(ctx, p)
	return err
}
