package extension

import (
	"context"
	"errors"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/sydlexius/mediasweep/internal/content"
)

// Attachments looks up attachment records.
type Attachments interface {
	GetAttachment(ctx context.Context, id int64) (*content.Attachment, error)
}

// PatternsFunc returns the current glob patterns.
type PatternsFunc func(ctx context.Context) ([]string, error)

// PathProtector returns an UnusedOverride that keeps attachments whose
// relative file path matches any of the glob patterns (doublestar syntax,
// e.g. "logos/**" or "**/*.svg") out of the unused results.
func PathProtector(atts Attachments, patterns PatternsFunc) UnusedOverride {
	return func(ctx context.Context, id int64) (bool, error) {
		pats, err := patterns(ctx)
		if err != nil || len(pats) == 0 {
			return true, err
		}
		a, err := atts.GetAttachment(ctx, id)
		if errors.Is(err, content.ErrNotFound) {
			return true, nil
		}
		if err != nil {
			return true, err
		}
		for _, p := range pats {
			if ok, _ := doublestar.Match(p, a.File); ok {
				return false, nil
			}
		}
		return true, nil
	}
}
