package results

import (
	"errors"
	"time"
)

// Finding types produced by detectors.
const (
	TypeUnused    = "unused"
	TypeDuplicate = "duplicate"
	TypeOversized = "oversized"
)

// Listing-only types backed by attachment annotations rather than findings.
const (
	TypeFlagged = "flagged"
	TypeTrash   = "trash"
)

// Paging limits.
const (
	DefaultPerPage      = 20
	MaxPerPage          = 100
	DefaultGroupPerPage = 10
	MaxGroupPerPage     = 50
)

// Sort keys.
const (
	OrderByFileSize   = "file_size"
	OrderByUploadDate = "upload_date"
	OrderByTitle      = "title"
)

// ErrInvalidQuery is returned for unknown types, sort keys or directions.
var ErrInvalidQuery = errors.New("invalid results query")

// Finding describes one attachment a detector flagged.
type Finding struct {
	Type         string    `json:"type"`
	AttachmentID int64     `json:"attachment_id"`
	Title        string    `json:"title"`
	Filename     string    `json:"filename"`
	MimeType     string    `json:"mime_type"`
	FileSize     int64     `json:"file_size"`
	UploadDate   time.Time `json:"upload_date"`
	ThumbnailURL string    `json:"thumbnail_url"`
	Width        int       `json:"width"`
	Height       int       `json:"height"`

	// Duplicate findings.
	Hash       string  `json:"hash,omitempty"`
	IsPrimary  bool    `json:"is_primary,omitempty"`
	GroupIDs   []int64 `json:"group_ids,omitempty"`
	GroupCount int     `json:"group_count,omitempty"`

	// Oversized findings.
	Threshold int64 `json:"threshold,omitempty"`
	OverBy    int64 `json:"over_by,omitempty"`

	// Read-time enrichment; never persisted.
	IsFlagged      bool       `json:"is_flagged"`
	IsTrashed      bool       `json:"is_trashed"`
	FlaggedAt      *time.Time `json:"flagged_at,omitempty"`
	TrashedAt      *time.Time `json:"trashed_at,omitempty"`
	ReferenceCount *int       `json:"reference_count,omitempty"`
}

// Query selects one page of results.
type Query struct {
	Type    string `json:"type"`
	Page    int    `json:"page"`
	PerPage int    `json:"per_page"`
	OrderBy string `json:"orderby"`
	Order   string `json:"order"`
}

// Page is one page of findings.
type Page struct {
	Items      []Finding `json:"items"`
	Total      int       `json:"total"`
	Page       int       `json:"page"`
	PerPage    int       `json:"per_page"`
	TotalPages int       `json:"total_pages"`
}

// Group is a set of attachments with identical content.
type Group struct {
	Hash    string    `json:"hash"`
	Count   int       `json:"count"`
	Members []Finding `json:"members"`
}

// GroupPage is one page of duplicate groups.
type GroupPage struct {
	Groups     []Group `json:"groups"`
	Total      int     `json:"total"`
	Page       int     `json:"page"`
	PerPage    int     `json:"per_page"`
	TotalPages int     `json:"total_pages"`
}

// IsDetectorType reports whether t names a detector-produced finding type.
func IsDetectorType(t string) bool {
	switch t {
	case TypeUnused, TypeDuplicate, TypeOversized:
		return true
	}
	return false
}

func totalPages(total, perPage int) int {
	if perPage <= 0 {
		return 0
	}
	return (total + perPage - 1) / perPage
}
