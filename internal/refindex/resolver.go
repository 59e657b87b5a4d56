package refindex

import (
	"context"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// sizeSuffix matches the "-300x200" thumbnail marker before the extension.
var sizeSuffix = regexp.MustCompile(`-\d+x\d+(\.\w+)$`)

// FileLookup finds the attachment stored at a relative upload path.
type FileLookup interface {
	FindByFile(ctx context.Context, rel string) (int64, error)
}

// Resolver maps upload URLs and paths to attachment IDs. Lookups, including
// misses, are memoized for the duration of an index build.
type Resolver struct {
	files  FileLookup
	marker string
	cache  *expirable.LRU[string, int64]
}

// NewResolver creates a resolver. marker is the path segment that precedes
// relative upload paths, e.g. "wp-content/uploads".
func NewResolver(files FileLookup, marker string) *Resolver {
	return &Resolver{
		files:  files,
		marker: strings.Trim(marker, "/"),
		cache:  expirable.NewLRU[string, int64](4096, nil, 30*time.Minute),
	}
}

// Marker returns the upload path marker.
func (r *Resolver) Marker() string {
	return r.marker
}

// RelativePath extracts the stored relative path from a URL or path that
// contains the upload marker. Query strings, fragments and thumbnail size
// suffixes are removed. The second return is false when ref does not point
// into the uploads directory.
func (r *Resolver) RelativePath(ref string) (string, bool) {
	idx := strings.Index(ref, r.marker+"/")
	if r.marker == "" || idx < 0 {
		return "", false
	}
	rel := ref[idx+len(r.marker)+1:]
	if i := strings.IndexAny(rel, "?#"); i >= 0 {
		rel = rel[:i]
	}
	if unescaped, err := url.PathUnescape(rel); err == nil {
		rel = unescaped
	}
	rel = sizeSuffix.ReplaceAllString(strings.TrimSuffix(rel, "/"), "$1")
	if rel == "" {
		return "", false
	}
	return rel, true
}

// Resolve returns the attachment ID for ref, or 0 when it does not match a
// known attachment.
func (r *Resolver) Resolve(ctx context.Context, ref string) (int64, error) {
	rel, ok := r.RelativePath(ref)
	if !ok {
		return 0, nil
	}
	if id, ok := r.cache.Get(rel); ok {
		return id, nil
	}
	id, err := r.files.FindByFile(ctx, rel)
	if err != nil {
		return 0, err
	}
	r.cache.Add(rel, id)
	return id, nil
}

// Purge drops every memoized lookup.
func (r *Resolver) Purge() {
	r.cache.Purge()
}
