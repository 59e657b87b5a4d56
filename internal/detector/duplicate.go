package detector

import (
	"context"
	"fmt"
	"sort"

	"github.com/sydlexius/mediasweep/internal/results"
)

// Hasher provides cached digests and the attachments sharing one.
type Hasher interface {
	Get(ctx context.Context, id int64, force bool) (string, error)
	Siblings(ctx context.Context, digest string) ([]int64, error)
}

// PrimaryMarker reports operator-set duplicate primaries.
type PrimaryMarker interface {
	PrimaryMarked(ctx context.Context, ids []int64) (map[int64]bool, error)
}

// Duplicate reports attachments whose content digest matches another
// active attachment.
type Duplicate struct {
	atts    Attachments
	hashes  Hasher
	primary PrimaryMarker
}

// NewDuplicate creates the duplicate detector.
func NewDuplicate(atts Attachments, hashes Hasher, primary PrimaryMarker) *Duplicate {
	return &Duplicate{atts: atts, hashes: hashes, primary: primary}
}

func (d *Duplicate) Type() string  { return results.TypeDuplicate }
func (d *Duplicate) Label() string { return "Duplicate media" }

// Detect groups the batch by digest. Each group also includes active
// attachments outside the batch with the same stored digest, so every
// batch derives the same membership and primary for a given digest.
func (d *Duplicate) Detect(ctx context.Context, ids []int64) (map[int64]results.Finding, error) {
	out := make(map[int64]results.Finding)
	if len(ids) == 0 {
		return out, nil
	}

	atts, err := d.atts.GetAttachments(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("loading attachments: %w", err)
	}

	byDigest := make(map[string][]int64)
	var digests []string
	for _, id := range ids {
		a, ok := atts[id]
		if !ok || a.IsTrashed() {
			continue
		}
		digest, err := d.hashes.Get(ctx, id, false)
		if err != nil {
			return nil, fmt.Errorf("hashing %d: %w", id, err)
		}
		if digest == "" {
			continue
		}
		if _, seen := byDigest[digest]; !seen {
			digests = append(digests, digest)
		}
		byDigest[digest] = append(byDigest[digest], id)
	}

	for _, digest := range digests {
		inBatch := byDigest[digest]
		members, err := d.group(ctx, digest, inBatch)
		if err != nil {
			return nil, err
		}
		if len(members) < 2 {
			continue
		}
		primaryID, err := d.pickPrimary(ctx, members)
		if err != nil {
			return nil, err
		}
		for _, id := range inBatch {
			f := newFinding(results.TypeDuplicate, atts[id], d.atts)
			f.Hash = digest
			f.IsPrimary = id == primaryID
			f.GroupIDs = append([]int64(nil), members...)
			f.GroupCount = len(members)
			out[id] = f
		}
	}
	return out, nil
}

// group returns the sorted union of the batch members and their stored
// siblings.
func (d *Duplicate) group(ctx context.Context, digest string, inBatch []int64) ([]int64, error) {
	siblings, err := d.hashes.Siblings(ctx, digest)
	if err != nil {
		return nil, err
	}
	seen := make(map[int64]bool, len(siblings)+len(inBatch))
	var members []int64
	for _, id := range append(siblings, inBatch...) {
		if !seen[id] {
			seen[id] = true
			members = append(members, id)
		}
	}
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
	return members, nil
}

// pickPrimary prefers an operator-marked member, then the earliest created.
// Exact ties go to the lowest ID, not to the order of the input batch:
// members arrive sorted by ID and the sort is stable, so every batch that
// sees a digest picks the same primary.
func (d *Duplicate) pickPrimary(ctx context.Context, members []int64) (int64, error) {
	marked, err := d.primary.PrimaryMarked(ctx, members)
	if err != nil {
		return 0, err
	}
	for _, id := range members {
		if marked[id] {
			return id, nil
		}
	}

	atts, err := d.atts.GetAttachments(ctx, members)
	if err != nil {
		return 0, fmt.Errorf("loading group members: %w", err)
	}
	ordered := append([]int64(nil), members...)
	sort.SliceStable(ordered, func(i, j int) bool {
		ai, aj := atts[ordered[i]], atts[ordered[j]]
		if ai == nil || aj == nil {
			return ai != nil
		}
		return ai.CreatedAt.Before(aj.CreatedAt)
	})
	return ordered[0], nil
}
