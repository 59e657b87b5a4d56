package refindex

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sydlexius/mediasweep/internal/content"
	"github.com/sydlexius/mediasweep/internal/extension"
)

// Content is the slice of the content repository the index reads.
type Content interface {
	ListIndexableItems(ctx context.Context, offset, limit int) ([]content.Item, error)
	CountIndexableItems(ctx context.Context) (int, error)
	Meta(ctx context.Context, itemID int64, keys []string) (map[string]string, error)
	OptionID(ctx context.Context, name string) (int64, error)
	ActiveWidgets(ctx context.Context) ([]content.Widget, error)
	Exists(ctx context.Context, id int64) (bool, error)
	FindByFile(ctx context.Context, rel string) (int64, error)
}

// MetaKeysFunc returns the metadata keys to scan on every item.
type MetaKeysFunc func(ctx context.Context) []string

// Index maintains the attachment reference table.
type Index struct {
	db       *sql.DB
	content  Content
	registry *extension.Registry
	resolver *Resolver
	metaKeys MetaKeysFunc
	logger   *slog.Logger

	contentChain []Extractor
	metaChain    []Extractor
}

// NewIndex creates a reference index. marker is the upload path marker
// used to recognise media URLs in content.
func NewIndex(db *sql.DB, c Content, registry *extension.Registry, marker string, logger *slog.Logger) *Index {
	if registry == nil {
		registry = extension.NewRegistry()
	}
	idx := &Index{
		db:       db,
		content:  c,
		registry: registry,
		resolver: NewResolver(c, marker),
		metaKeys: func(context.Context) []string { return DefaultMetaKeys },
		logger:   logger.With(slog.String("component", "refindex")),
	}

	exists := ExistsFunc(c.Exists)
	idx.contentChain = []Extractor{
		structuralExtractor(),
		validatedExtractor(reGenericID, exists),
		urlExtractor(absoluteUploadURL(idx.resolver.Marker()), idx.resolver),
		htmlExtractor(idx.resolver),
	}
	idx.metaChain = []Extractor{
		validatedExtractor(reMetaID, exists),
		urlExtractor(uploadPath(idx.resolver.Marker()), idx.resolver),
	}
	return idx
}

// SetMetaKeysFunc sets the source of page-builder meta keys. The registry's
// meta key overrides are applied on top.
func (x *Index) SetMetaKeysFunc(fn MetaKeysFunc) {
	if fn != nil {
		x.metaKeys = fn
	}
}

// ExtractFromContent returns the attachment IDs referenced by a content
// body.
func (x *Index) ExtractFromContent(ctx context.Context, body string) ([]int64, error) {
	return runChain(ctx, x.contentChain, body)
}

// ExtractFromMeta returns the attachment IDs referenced by serialized
// metadata or widget settings. JSON-escaped slashes are unescaped first.
func (x *Index) ExtractFromMeta(ctx context.Context, value string) ([]int64, error) {
	return runChain(ctx, x.metaChain, strings.ReplaceAll(value, `\/`, "/"))
}

// Clear removes every reference record.
func (x *Index) Clear(ctx context.Context) error {
	if _, err := x.db.ExecContext(ctx, `DELETE FROM media_references`); err != nil {
		return fmt.Errorf("clearing reference index: %w", err)
	}
	x.resolver.Purge()
	return nil
}

// TotalItems returns how many content items a full build visits.
func (x *Index) TotalItems(ctx context.Context) (int, error) {
	return x.content.CountIndexableItems(ctx)
}

// BuildGlobalReferences records the site icon, custom logo and every
// widget in an active sidebar.
func (x *Index) BuildGlobalReferences(ctx context.Context) error {
	var records []Reference

	for opt, source := range map[string]string{
		content.OptionSiteIcon:   SourceSiteIcon,
		content.OptionCustomLogo: SourceCustomLogo,
	} {
		id, err := x.content.OptionID(ctx, opt)
		if err != nil {
			return fmt.Errorf("reading %s: %w", opt, err)
		}
		if id > 0 {
			records = append(records, Reference{AttachmentID: id, SourceType: source})
		}
	}

	widgets, err := x.content.ActiveWidgets(ctx)
	if err != nil {
		return err
	}
	for _, w := range widgets {
		ids, err := x.ExtractFromMeta(ctx, w.Instance)
		if err != nil {
			return fmt.Errorf("extracting from widget %s: %w", w.ID, err)
		}
		for _, id := range ids {
			records = append(records, Reference{AttachmentID: id, SourceType: SourceWidget})
		}
	}

	return x.insert(ctx, records)
}

// BuildBatch indexes one page of content items and returns how many items
// the page held. A page past the end returns 0 and writes nothing. Records
// are inserted idempotently so a retried batch yields the same set.
func (x *Index) BuildBatch(ctx context.Context, offset, batchSize int) (int, error) {
	items, err := x.content.ListIndexableItems(ctx, offset, batchSize)
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}

	metaKeys := x.registry.MetaKeys(x.metaKeys(ctx))
	sources := x.registry.ReferenceSources()

	var records []Reference
	for _, it := range items {
		recs, err := x.itemReferences(ctx, it, metaKeys, sources)
		if err != nil {
			return 0, fmt.Errorf("indexing item %d: %w", it.ID, err)
		}
		records = append(records, recs...)
	}

	if err := x.insert(ctx, records); err != nil {
		return 0, err
	}
	x.logger.Debug("indexed batch", "offset", offset, "items", len(items), "references", len(records))
	return len(items), nil
}

func (x *Index) itemReferences(ctx context.Context, it content.Item, metaKeys []string, sources []extension.ReferenceSource) ([]Reference, error) {
	var out []Reference
	add := func(source string, ids []int64) {
		for _, id := range ids {
			if id > 0 {
				out = append(out, Reference{AttachmentID: id, SourceType: source, SourceID: it.ID})
			}
		}
	}

	ids, err := x.ExtractFromContent(ctx, it.Body)
	if err != nil {
		return nil, err
	}
	add(SourcePostContent, ids)

	if it.FeaturedID > 0 {
		add(SourceFeaturedImage, []int64{it.FeaturedID})
	}

	meta, err := x.content.Meta(ctx, it.ID, metaKeys)
	if err != nil {
		return nil, err
	}
	for _, key := range metaKeys {
		v, ok := meta[key]
		if !ok {
			continue
		}
		ids, err := x.ExtractFromMeta(ctx, v)
		if err != nil {
			return nil, err
		}
		add(SourcePageBuilder, ids)
	}

	for _, src := range sources {
		ids, err := src.Resolve(ctx, it.ID)
		if err != nil {
			return nil, fmt.Errorf("reference source %s: %w", src.Type, err)
		}
		add(src.Type, ids)
	}
	return out, nil
}

func (x *Index) insert(ctx context.Context, records []Reference) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning reference insert: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO media_references (attachment_id, source_type, source_id) VALUES (?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("preparing reference insert: %w", err)
	}
	defer stmt.Close() //nolint:errcheck

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, r.AttachmentID, r.SourceType, r.SourceID); err != nil {
			return fmt.Errorf("inserting reference: %w", err)
		}
	}
	return tx.Commit()
}

// IsReferenced reports whether any record names the attachment.
func (x *Index) IsReferenced(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := x.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM media_references WHERE attachment_id = ?)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking references for %d: %w", id, err)
	}
	return exists, nil
}

// References lists every record naming the attachment.
func (x *Index) References(ctx context.Context, id int64) ([]Reference, error) {
	rows, err := x.db.QueryContext(ctx, `
		SELECT attachment_id, source_type, source_id FROM media_references
		WHERE attachment_id = ? ORDER BY source_type, source_id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("listing references for %d: %w", id, err)
	}
	defer rows.Close() //nolint:errcheck

	refs := []Reference{}
	for rows.Next() {
		var r Reference
		if err := rows.Scan(&r.AttachmentID, &r.SourceType, &r.SourceID); err != nil {
			return nil, fmt.Errorf("scanning reference: %w", err)
		}
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

// ReferenceCount returns how many records name the attachment.
func (x *Index) ReferenceCount(ctx context.Context, id int64) (int, error) {
	var n int
	err := x.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM media_references WHERE attachment_id = ?`, id).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting references for %d: %w", id, err)
	}
	return n, nil
}

// Size returns the total number of reference records.
func (x *Index) Size(ctx context.Context) (int, error) {
	var n int
	if err := x.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM media_references`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting references: %w", err)
	}
	return n, nil
}
