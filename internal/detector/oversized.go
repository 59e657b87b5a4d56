package detector

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/sydlexius/mediasweep/internal/extension"
	"github.com/sydlexius/mediasweep/internal/results"
	"github.com/sydlexius/mediasweep/internal/settings"
)

// ThresholdsFunc returns the operator-configured oversized thresholds.
type ThresholdsFunc func(ctx context.Context) (settings.Thresholds, error)

// Oversized reports files larger than the threshold for their MIME category.
type Oversized struct {
	atts       Attachments
	thresholds ThresholdsFunc
	registry   *extension.Registry
}

// NewOversized creates the oversized detector.
func NewOversized(atts Attachments, thresholds ThresholdsFunc, registry *extension.Registry) *Oversized {
	return &Oversized{atts: atts, thresholds: thresholds, registry: registry}
}

func (d *Oversized) Type() string  { return results.TypeOversized }
func (d *Oversized) Label() string { return "Oversized media" }

// Detect flags attachments whose file size strictly exceeds the threshold.
// Missing files are skipped.
func (d *Oversized) Detect(ctx context.Context, ids []int64) (map[int64]results.Finding, error) {
	out := make(map[int64]results.Finding)
	if len(ids) == 0 {
		return out, nil
	}

	limits, err := d.thresholds(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading thresholds: %w", err)
	}
	limits = d.registry.Thresholds(limits)

	atts, err := d.atts.GetAttachments(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("loading attachments: %w", err)
	}

	for _, id := range ids {
		a, ok := atts[id]
		if !ok {
			continue
		}
		path := d.atts.FilePath(a)
		if path == "" {
			continue
		}
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		limit := limits.For(Category(a.MimeType))
		size := info.Size()
		if size <= limit {
			continue
		}
		f := newFinding(results.TypeOversized, a, d.atts)
		f.FileSize = size
		f.Threshold = limit
		f.OverBy = size - limit
		out[id] = f
	}
	return out, nil
}

// Category maps a MIME type to image, video, audio or document.
func Category(mime string) string {
	major, _, _ := strings.Cut(strings.ToLower(mime), "/")
	switch major {
	case "image", "video", "audio":
		return major
	}
	return "document"
}
