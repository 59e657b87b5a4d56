// Package actions applies operator decisions to attachments: archive,
// trash, restore, permanent delete, review flags and duplicate primaries.
package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sydlexius/mediasweep/internal/event"
	"github.com/sydlexius/mediasweep/internal/metrics"
)

// Action names.
const (
	Archive    = "archive"
	Trash      = "trash"
	Restore    = "restore"
	Delete     = "delete"
	Flag       = "flag"
	Unflag     = "unflag"
	SetPrimary = "set-primary"
)

// ChunkSize is how many attachments a bulk action processes between
// context checks.
const ChunkSize = 50

// DefaultArchiveFolder is used when no folder name is configured.
const DefaultArchiveFolder = "Archive"

var (
	// ErrNotConfirmed is returned by destructive actions called without
	// confirmation.
	ErrNotConfirmed = errors.New("action requires confirmation")
	// ErrNoIDs is returned when a request names no valid attachment.
	ErrNoIDs = errors.New("no attachment ids given")
)

// Store is the slice of the content store actions mutate.
type Store interface {
	Exists(ctx context.Context, id int64) (bool, error)
	SetFolder(ctx context.Context, id int64, folder string) error
	Trash(ctx context.Context, id int64) error
	Restore(ctx context.Context, id int64) error
	Delete(ctx context.Context, id int64) error
	Flag(ctx context.Context, id int64) error
	Unflag(ctx context.Context, id int64) error
	SetPrimary(ctx context.Context, primaryID int64, groupIDs []int64) error
}

// FolderFunc returns the archive folder name in effect.
type FolderFunc func(ctx context.Context) string

// Result summarizes a bulk action.
type Result struct {
	Action    string  `json:"action"`
	Success   int     `json:"success"`
	Failed    int     `json:"failed"`
	FailedIDs []int64 `json:"failed_ids,omitempty"`
	Folder    string  `json:"folder,omitempty"`
	PrimaryID int64   `json:"primary_id,omitempty"`
}

// Service runs media actions. Each action is synchronous and idempotent in
// effect; none of them touch the scan pipeline.
type Service struct {
	store  Store
	folder FolderFunc
	bus    *event.Bus
	logger *slog.Logger
}

// NewService creates an action service.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		folder: func(context.Context) string { return DefaultArchiveFolder },
		logger: logger.With(slog.String("component", "actions")),
	}
}

// SetEventBus sets the bus action events are published on.
func (s *Service) SetEventBus(bus *event.Bus) {
	s.bus = bus
}

// SetFolderFunc sets the source of the archive folder name.
func (s *Service) SetFolderFunc(fn FolderFunc) {
	if fn != nil {
		s.folder = fn
	}
}

// Archive moves attachments into the archive folder.
func (s *Service) Archive(ctx context.Context, ids []int64, confirm bool) (*Result, error) {
	folder := s.folder(ctx)
	if folder == "" {
		folder = DefaultArchiveFolder
	}
	res, err := s.bulk(ctx, Archive, ids, confirm, event.MediaArchived, func(ctx context.Context, id int64) error {
		return s.store.SetFolder(ctx, id, folder)
	}, map[string]any{"folder": folder})
	if res != nil {
		res.Folder = folder
	}
	return res, err
}

// Trash moves active attachments to the trash.
func (s *Service) Trash(ctx context.Context, ids []int64, confirm bool) (*Result, error) {
	return s.bulk(ctx, Trash, ids, confirm, event.MediaTrashed, s.store.Trash, nil)
}

// Delete permanently removes attachments and their files.
func (s *Service) Delete(ctx context.Context, ids []int64, confirm bool) (*Result, error) {
	return s.bulk(ctx, Delete, ids, confirm, event.MediaDeleted, s.store.Delete, nil)
}

// Restore takes trashed attachments out of the trash. It needs no
// confirmation.
func (s *Service) Restore(ctx context.Context, ids []int64) (*Result, error) {
	return s.each(ctx, Restore, ids, event.MediaRestored, s.store.Restore, nil)
}

// Flag marks existing attachments for review.
func (s *Service) Flag(ctx context.Context, ids []int64) (*Result, error) {
	return s.each(ctx, Flag, ids, event.MediaFlagged, func(ctx context.Context, id int64) error {
		ok, err := s.store.Exists(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("attachment %d does not exist", id)
		}
		return s.store.Flag(ctx, id)
	}, nil)
}

// Unflag clears review flags.
func (s *Service) Unflag(ctx context.Context, ids []int64) (*Result, error) {
	return s.each(ctx, Unflag, ids, "", s.store.Unflag, nil)
}

// SetPrimary marks primaryID as the primary of its duplicate group and
// clears the marker on the other members. The marker is honored by the
// next scan.
func (s *Service) SetPrimary(ctx context.Context, primaryID int64, groupIDs []int64) (*Result, error) {
	if primaryID <= 0 {
		return nil, ErrNoIDs
	}
	ok, err := s.store.Exists(ctx, primaryID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: attachment %d does not exist", ErrNoIDs, primaryID)
	}
	if err := s.store.SetPrimary(ctx, primaryID, sanitize(groupIDs)); err != nil {
		return nil, err
	}
	metrics.ActionsTotal.WithLabelValues(SetPrimary, "success").Inc()
	s.logger.Info("duplicate primary set", "primary_id", primaryID, "group_ids", groupIDs)
	return &Result{Action: SetPrimary, Success: 1, PrimaryID: primaryID}, nil
}

// bulk runs a confirmed destructive action. Subscribers of bulk.action run
// synchronously before any attachment is touched.
func (s *Service) bulk(ctx context.Context, action string, ids []int64, confirm bool, done event.Type,
	fn func(context.Context, int64) error, extra map[string]any) (*Result, error) {
	if !confirm {
		return nil, ErrNotConfirmed
	}
	ids = sanitize(ids)
	if len(ids) == 0 {
		return nil, ErrNoIDs
	}
	s.bus.PublishSync(event.Event{Type: event.BulkAction, Data: map[string]any{
		"action": action,
		"ids":    ids,
	}})
	return s.each(ctx, action, ids, done, fn, extra)
}

// each applies fn to every ID in chunks, counting successes and failures.
// A failure for one attachment does not stop the rest.
func (s *Service) each(ctx context.Context, action string, ids []int64, done event.Type,
	fn func(context.Context, int64) error, extra map[string]any) (*Result, error) {
	ids = sanitize(ids)
	if len(ids) == 0 {
		return nil, ErrNoIDs
	}

	res := &Result{Action: action}
	for start := 0; start < len(ids); start += ChunkSize {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		for _, id := range ids[start:min(start+ChunkSize, len(ids))] {
			if err := fn(ctx, id); err != nil {
				res.Failed++
				res.FailedIDs = append(res.FailedIDs, id)
				metrics.ActionsTotal.WithLabelValues(action, "failed").Inc()
				s.logger.Debug("media action failed", "action", action, "attachment_id", id, "error", err)
				continue
			}
			res.Success++
			metrics.ActionsTotal.WithLabelValues(action, "success").Inc()
			if done != "" {
				data := map[string]any{"attachment_id": id}
				for k, v := range extra {
					data[k] = v
				}
				s.bus.Publish(event.Event{Type: done, Data: data})
			}
		}
	}
	s.logger.Info("media action complete", "action", action, "success", res.Success, "failed", res.Failed)
	return res, nil
}

// sanitize drops non-positive IDs and repeats, keeping order.
func sanitize(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id > 0 && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
