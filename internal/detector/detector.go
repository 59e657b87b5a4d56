// Package detector holds the pluggable strategies that turn a batch of
// attachment IDs into findings.
package detector

import (
	"context"
	"fmt"
	"sync"

	"github.com/sydlexius/mediasweep/internal/content"
	"github.com/sydlexius/mediasweep/internal/image"
	"github.com/sydlexius/mediasweep/internal/results"
)

// Detector inspects a batch of attachments for one kind of issue. Detect
// returns findings keyed by attachment ID; attachments without an issue, or
// that no longer exist, are absent from the map.
type Detector interface {
	Type() string
	Label() string
	Detect(ctx context.Context, ids []int64) (map[int64]results.Finding, error)
}

// Attachments is the slice of the content store detectors read.
type Attachments interface {
	GetAttachments(ctx context.Context, ids []int64) (map[int64]*content.Attachment, error)
	FilePath(a *content.Attachment) string
	URL(a *content.Attachment) string
}

// Registry keeps detectors in registration order.
type Registry struct {
	mu    sync.RWMutex
	order []string
	byKey map[string]Detector
}

// NewRegistry returns a registry holding ds in order.
func NewRegistry(ds ...Detector) *Registry {
	r := &Registry{byKey: make(map[string]Detector)}
	for _, d := range ds {
		r.Register(d)
	}
	return r
}

// Register adds d, replacing any detector of the same type in place.
func (r *Registry) Register(d Detector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byKey[d.Type()]; !ok {
		r.order = append(r.order, d.Type())
	}
	r.byKey[d.Type()] = d
}

// Get returns the detector for typ.
func (r *Registry) Get(typ string) (Detector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byKey[typ]
	return d, ok
}

// Types returns the registered types in registration order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Labels maps each registered type to its human-readable label.
func (r *Registry) Labels() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.byKey))
	for k, d := range r.byKey {
		out[k] = d.Label()
	}
	return out
}

// Ordered returns the detectors for the requested types in registration
// order. Unknown types are an error.
func (r *Registry) Ordered(types []string) ([]Detector, error) {
	want := make(map[string]bool, len(types))
	for _, t := range types {
		if _, ok := r.Get(t); !ok {
			return nil, fmt.Errorf("unknown detector type %q", t)
		}
		want[t] = true
	}
	var out []Detector
	for _, t := range r.Types() {
		if want[t] {
			d, _ := r.Get(t)
			out = append(out, d)
		}
	}
	return out, nil
}

// newFinding fills the common fields and falls back to probing image files
// when the stored dimensions are unknown.
func newFinding(typ string, a *content.Attachment, atts Attachments) results.Finding {
	path := atts.FilePath(a)
	f := results.FromAttachment(typ, a, path, atts.URL(a))
	if (f.Width == 0 || f.Height == 0) && path != "" && image.IsImageMIME(a.MimeType) {
		if w, h, err := image.Dimensions(path); err == nil {
			f.Width, f.Height = w, h
		}
	}
	return f
}
