// Package scan drives the resumable, batched scan pipeline: reference
// indexing, content hashing, detection and finalization, each phase a chain
// of small jobs on the durable queue.
package scan

import (
	"errors"
	"time"

	"github.com/sydlexius/mediasweep/internal/content"
	"github.com/sydlexius/mediasweep/internal/refindex"
	"github.com/sydlexius/mediasweep/internal/results"
)

// Scan statuses.
const (
	StatusIdle      = "idle"
	StatusRunning   = "running"
	StatusComplete  = "complete"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

// Phases of a running scan.
const (
	PhaseIndexing  = "indexing"
	PhaseHashing   = "hashing"
	PhaseDetecting = "detecting"
	PhaseDone      = "done"
)

// Job handler names registered on the queue.
const (
	HandlerIndexBatch  = "scan.index_batch"
	HandlerHashBatch   = "scan.hash_batch"
	HandlerDetectBatch = "scan.detect_batch"
	HandlerFinalize    = "scan.finalize"
)

// Handlers lists every scan job handler.
var Handlers = []string{HandlerIndexBatch, HandlerHashBatch, HandlerDetectBatch, HandlerFinalize}

// DefaultBatchSize applies when no batch size is configured.
const DefaultBatchSize = 200

var (
	// ErrAlreadyRunning is returned by Start while a scan is running.
	ErrAlreadyRunning = errors.New("a scan is already running")
	// ErrInvalidTypes is returned for scan type lists naming unknown detectors.
	ErrInvalidTypes = errors.New("invalid scan types")
)

// DefaultTypes are scanned when a start request names none.
func DefaultTypes() []string {
	return []string{results.TypeUnused, results.TypeDuplicate}
}

// Progress is the persisted state of the current or most recent scan,
// including the resumable cursor (phase, offset, batch size).
type Progress struct {
	ScanID      string     `json:"scan_id,omitempty"`
	Status      string     `json:"status"`
	Phase       string     `json:"phase"`
	Total       int        `json:"total"`
	Processed   int        `json:"processed"`
	Percent     int        `json:"percent"`
	Types       []string   `json:"types"`
	Offset      int        `json:"offset"`
	BatchSize   int        `json:"batch_size"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	// Error is the last error of the batch that failed the scan.
	Error string `json:"error,omitempty"`
}

// Running reports whether the scan is in progress.
func (p *Progress) Running() bool {
	return p.Status == StatusRunning
}

// HasType reports whether the scan requested typ.
func (p *Progress) HasType(typ string) bool {
	for _, t := range p.Types {
		if t == typ {
			return true
		}
	}
	return false
}

func idleProgress() *Progress {
	return &Progress{Status: StatusIdle, Types: []string{}}
}

// Stats summarizes the library and the current findings.
type Stats struct {
	TotalMedia      int `json:"total_media"`
	UnusedCount     int `json:"unused_count"`
	DuplicateCount  int `json:"duplicate_count"`
	DuplicateGroups int `json:"duplicate_groups"`
	OversizedCount  int `json:"oversized_count"`
	FlaggedCount    int `json:"flagged_count"`
}

// Detail is everything known about one attachment.
type Detail struct {
	Attachment *content.Attachment   `json:"attachment"`
	URL        string                `json:"url"`
	FileSize   int64                 `json:"file_size"`
	Findings   []results.Finding     `json:"findings"`
	References []refindex.Reference `json:"references"`
	IsFlagged  bool                  `json:"is_flagged"`
	IsTrashed  bool                  `json:"is_trashed"`
}

// batchArgs are the job arguments of every scan handler.
type batchArgs struct {
	ScanID    string `json:"scan_id"`
	Offset    int    `json:"offset"`
	BatchSize int    `json:"batch_size"`
}
