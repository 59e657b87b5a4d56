package detector

import (
	"context"
	"fmt"

	"github.com/sydlexius/mediasweep/internal/content"
	"github.com/sydlexius/mediasweep/internal/extension"
	"github.com/sydlexius/mediasweep/internal/results"
)

// ReferenceChecker answers whether the index holds any reference to an
// attachment.
type ReferenceChecker interface {
	IsReferenced(ctx context.Context, id int64) (bool, error)
}

// OptionReader reads site options that point at attachments.
type OptionReader interface {
	OptionID(ctx context.Context, name string) (int64, error)
}

// Unused reports attachments nothing references.
type Unused struct {
	atts     Attachments
	options  OptionReader
	refs     ReferenceChecker
	registry *extension.Registry
}

// NewUnused creates the unused detector.
func NewUnused(atts Attachments, options OptionReader, refs ReferenceChecker, registry *extension.Registry) *Unused {
	return &Unused{atts: atts, options: options, refs: refs, registry: registry}
}

func (d *Unused) Type() string  { return results.TypeUnused }
func (d *Unused) Label() string { return "Unused media" }

// Detect applies, in order, the protected set, the reference index and the
// registered overrides. An attachment is unused only when all three agree.
func (d *Unused) Detect(ctx context.Context, ids []int64) (map[int64]results.Finding, error) {
	out := make(map[int64]results.Finding)
	if len(ids) == 0 {
		return out, nil
	}

	protected, err := d.protected(ctx)
	if err != nil {
		return nil, err
	}
	atts, err := d.atts.GetAttachments(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("loading attachments: %w", err)
	}

	for _, id := range ids {
		a, ok := atts[id]
		if !ok || protected[id] {
			continue
		}
		referenced, err := d.refs.IsReferenced(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("checking references for %d: %w", id, err)
		}
		if referenced {
			continue
		}
		unused, err := d.registry.Unused(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("running unused overrides for %d: %w", id, err)
		}
		if !unused {
			continue
		}
		out[id] = newFinding(results.TypeUnused, a, d.atts)
	}
	return out, nil
}

func (d *Unused) protected(ctx context.Context) (map[int64]bool, error) {
	ids, err := d.registry.ProtectedIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("collecting protected IDs: %w", err)
	}
	for _, name := range []string{content.OptionSiteIcon, content.OptionCustomLogo} {
		id, err := d.options.OptionID(ctx, name)
		if err != nil {
			return nil, err
		}
		if id > 0 {
			ids[id] = true
		}
	}
	return ids, nil
}
