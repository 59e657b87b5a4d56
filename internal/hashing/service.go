package hashing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/sydlexius/mediasweep/internal/content"
	"github.com/sydlexius/mediasweep/internal/database"
)

// Files resolves attachments to files on disk.
type Files interface {
	GetAttachment(ctx context.Context, id int64) (*content.Attachment, error)
	FilePath(a *content.Attachment) string
}

// AlgorithmFunc returns the algorithm new digests should use.
type AlgorithmFunc func(ctx context.Context) string

// Service computes content digests for attachment files and caches them in
// the attachment_hashes table. A cached digest is only valid while its
// algorithm matches the current one.
type Service struct {
	db        *sql.DB
	files     Files
	algorithm AlgorithmFunc
	workers   int
	logger    *slog.Logger
}

// NewService creates a hash service using the default algorithm.
func NewService(db *sql.DB, files Files, logger *slog.Logger) *Service {
	return &Service{
		db:        db,
		files:     files,
		algorithm: func(context.Context) string { return DefaultAlgorithm },
		workers:   1,
		logger:    logger.With(slog.String("component", "hashing")),
	}
}

// SetAlgorithmFunc sets the source of the current algorithm.
func (s *Service) SetAlgorithmFunc(fn AlgorithmFunc) {
	if fn != nil {
		s.algorithm = fn
	}
}

// SetWorkers sets how many files HashBatch reads concurrently.
func (s *Service) SetWorkers(n int) {
	if n < 1 {
		n = 1
	}
	s.workers = n
}

// Algorithm returns the algorithm currently in effect.
func (s *Service) Algorithm(ctx context.Context) string {
	if a := s.algorithm(ctx); Supported(a) {
		return a
	}
	return DefaultAlgorithm
}

// Get returns the cached digest for an attachment, computing and storing it
// when the cache is empty, stale, or force is set. A missing or unreadable
// file yields an empty digest and no error.
func (s *Service) Get(ctx context.Context, id int64, force bool) (string, error) {
	algo := s.Algorithm(ctx)

	if !force {
		var digest string
		err := s.db.QueryRowContext(ctx,
			`SELECT digest FROM attachment_hashes WHERE attachment_id = ? AND algorithm = ?`,
			id, algo).Scan(&digest)
		if err == nil && digest != "" {
			return digest, nil
		}
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("reading cached hash for %d: %w", id, err)
		}
	}

	digest, err := s.Compute(ctx, id, algo)
	if err != nil || digest == "" {
		return digest, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO attachment_hashes (attachment_id, digest, algorithm, computed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(attachment_id) DO UPDATE SET digest = excluded.digest,
			algorithm = excluded.algorithm, computed_at = excluded.computed_at
	`, id, digest, algo, database.Now())
	if err != nil {
		return "", fmt.Errorf("storing hash for %d: %w", id, err)
	}
	return digest, nil
}

// Compute hashes an attachment's file without touching the cache. An empty
// algorithm means the current one.
func (s *Service) Compute(ctx context.Context, id int64, algorithm string) (string, error) {
	if algorithm == "" {
		algorithm = s.Algorithm(ctx)
	}
	if !Supported(algorithm) {
		return "", fmt.Errorf("%w: %q", ErrUnknownAlgorithm, algorithm)
	}

	a, err := s.files.GetAttachment(ctx, id)
	if errors.Is(err, content.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	path := s.files.FilePath(a)
	if path == "" {
		return "", nil
	}

	digest, err := FileDigest(path, algorithm)
	if err != nil {
		s.logger.Debug("file not hashable", "attachment_id", id, "path", path, "error", err)
		return "", nil
	}
	return digest, nil
}

// HashBatch ensures every attachment in ids has a cached digest and returns
// how many produced a non-empty one.
func (s *Service) HashBatch(ctx context.Context, ids []int64, force bool) (int, error) {
	hashed := make([]bool, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, id := range ids {
		g.Go(func() error {
			digest, err := s.Get(gctx, id, force)
			if err != nil {
				return err
			}
			hashed[i] = digest != ""
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, fmt.Errorf("hashing batch: %w", err)
	}

	count := 0
	for _, ok := range hashed {
		if ok {
			count++
		}
	}
	return count, nil
}

// Clear drops the cached digest for an attachment.
func (s *Service) Clear(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM attachment_hashes WHERE attachment_id = ?`, id); err != nil {
		return fmt.Errorf("clearing hash for %d: %w", id, err)
	}
	return nil
}

// Siblings returns the active attachments whose cached digest equals
// digest under the current algorithm, in ascending ID order.
func (s *Service) Siblings(ctx context.Context, digest string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT h.attachment_id FROM attachment_hashes h
		JOIN attachments a ON a.id = h.attachment_id
		WHERE h.digest = ? AND h.algorithm = ? AND a.status = ?
		ORDER BY h.attachment_id
	`, digest, s.Algorithm(ctx), content.StatusActive)
	if err != nil {
		return nil, fmt.Errorf("listing hash siblings: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning hash sibling: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PruneStale removes cached digests computed with an algorithm other than
// the current one.
func (s *Service) PruneStale(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM attachment_hashes WHERE algorithm != ?`, s.Algorithm(ctx))
	if err != nil {
		return 0, fmt.Errorf("pruning stale hashes: %w", err)
	}
	return res.RowsAffected()
}
