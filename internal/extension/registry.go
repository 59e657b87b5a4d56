// Package extension holds the typed hook points third-party code uses to
// influence scanning: extra protected attachments, extra reference sources,
// final say on "unused", and overrides for thresholds, hash algorithm,
// page-builder meta keys and the archive folder name.
package extension

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"github.com/sydlexius/mediasweep/internal/settings"
)

// ProtectedIDsFunc returns attachment IDs that must never be reported as
// unused.
type ProtectedIDsFunc func(ctx context.Context) ([]int64, error)

// ReferenceSource contributes references the built-in extractors cannot see.
// Resolve is called once per indexed content item.
type ReferenceSource struct {
	Type    string
	Resolve func(ctx context.Context, itemID int64) ([]int64, error)
}

// UnusedOverride has the final say on an attachment the index considers
// unreferenced. Returning false marks it as used.
type UnusedOverride func(ctx context.Context, attachmentID int64) (bool, error)

// ThresholdOverride adjusts the oversized thresholds.
type ThresholdOverride func(settings.Thresholds) settings.Thresholds

// StringOverride adjusts a single string value such as the hash algorithm.
type StringOverride func(string) string

// MetaKeysOverride adjusts the list of page-builder meta keys.
type MetaKeysOverride func([]string) []string

// Registry is safe for concurrent use. Hooks run in registration order.
type Registry struct {
	mu             sync.RWMutex
	protected      []ProtectedIDsFunc
	sources        []ReferenceSource
	unused         []UnusedOverride
	thresholds     []ThresholdOverride
	hashAlgorithm  []StringOverride
	metaKeys       []MetaKeysOverride
	archiveFolders []StringOverride
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// AddProtectedIDs registers a source of protected attachment IDs.
func (r *Registry) AddProtectedIDs(fn ProtectedIDsFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.protected = append(r.protected, fn)
}

// AddReferenceSource registers a custom reference source. The type is
// sanitized to lowercase letters, digits, '-' and '_'; sources whose type
// sanitizes to nothing are ignored.
func (r *Registry) AddReferenceSource(src ReferenceSource) {
	src.Type = SanitizeType(src.Type)
	if src.Type == "" || src.Resolve == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources = append(r.sources, src)
}

// AddUnusedOverride registers an unused override.
func (r *Registry) AddUnusedOverride(fn UnusedOverride) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unused = append(r.unused, fn)
}

// AddThresholdOverride registers a threshold override.
func (r *Registry) AddThresholdOverride(fn ThresholdOverride) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.thresholds = append(r.thresholds, fn)
}

// AddHashAlgorithmOverride registers a hash algorithm override.
func (r *Registry) AddHashAlgorithmOverride(fn StringOverride) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hashAlgorithm = append(r.hashAlgorithm, fn)
}

// AddMetaKeysOverride registers a page-builder meta key override.
func (r *Registry) AddMetaKeysOverride(fn MetaKeysOverride) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metaKeys = append(r.metaKeys, fn)
}

// AddArchiveFolderOverride registers an archive folder name override.
func (r *Registry) AddArchiveFolderOverride(fn StringOverride) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.archiveFolders = append(r.archiveFolders, fn)
}

// ProtectedIDs collects the IDs from every registered source.
func (r *Registry) ProtectedIDs(ctx context.Context) (map[int64]bool, error) {
	r.mu.RLock()
	fns := append([]ProtectedIDsFunc(nil), r.protected...)
	r.mu.RUnlock()

	out := make(map[int64]bool)
	for _, fn := range fns {
		ids, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			if id > 0 {
				out[id] = true
			}
		}
	}
	return out, nil
}

// ReferenceSources returns the registered custom sources.
func (r *Registry) ReferenceSources() []ReferenceSource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ReferenceSource(nil), r.sources...)
}

// Unused runs every override; any override answering false wins.
func (r *Registry) Unused(ctx context.Context, id int64) (bool, error) {
	r.mu.RLock()
	fns := append([]UnusedOverride(nil), r.unused...)
	r.mu.RUnlock()

	for _, fn := range fns {
		unused, err := fn(ctx, id)
		if err != nil {
			return false, err
		}
		if !unused {
			return false, nil
		}
	}
	return true, nil
}

// Thresholds applies every threshold override to t.
func (r *Registry) Thresholds(t settings.Thresholds) settings.Thresholds {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, fn := range r.thresholds {
		t = fn(t)
	}
	return t
}

// HashAlgorithm applies every algorithm override to name.
func (r *Registry) HashAlgorithm(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, fn := range r.hashAlgorithm {
		name = fn(name)
	}
	return name
}

// MetaKeys applies every meta key override to keys.
func (r *Registry) MetaKeys(keys []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, fn := range r.metaKeys {
		keys = fn(keys)
	}
	return keys
}

// ArchiveFolder applies every archive folder override to name.
func (r *Registry) ArchiveFolder(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, fn := range r.archiveFolders {
		name = fn(name)
	}
	return name
}

var typeSanitizer = regexp.MustCompile(`[^a-z0-9_-]`)

// SanitizeType normalizes a custom reference source type.
func SanitizeType(s string) string {
	return typeSanitizer.ReplaceAllString(strings.ToLower(s), "")
}
