package content

import (
	"errors"
	"path"
	"time"
)

// Attachment statuses. A permanently deleted attachment has no row.
const (
	StatusActive  = "active"
	StatusTrashed = "trashed"
)

// InactiveSidebar holds widgets that are not rendered anywhere.
const InactiveSidebar = "wp_inactive_widgets"

// Site options that point at attachments.
const (
	OptionSiteIcon   = "site_icon"
	OptionCustomLogo = "custom_logo"
)

// ErrNotFound is returned when an attachment does not exist.
var ErrNotFound = errors.New("attachment not found")

// indexableStatuses are the content item statuses whose references count.
var indexableStatuses = []string{"publish", "draft", "private", "pending"}

// Attachment is a media file registered in the content repository.
type Attachment struct {
	ID           int64      `json:"id"`
	Title        string     `json:"title"`
	File         string     `json:"file"`
	MimeType     string     `json:"mime_type"`
	Status       string     `json:"status"`
	Folder       string     `json:"folder,omitempty"`
	Width        int        `json:"width"`
	Height       int        `json:"height"`
	CreatedAt    time.Time  `json:"created_at"`
	TrashedAt    *time.Time `json:"trashed_at,omitempty"`
	TrashedByApp bool       `json:"trashed_by_app"`
	FlaggedAt    *time.Time `json:"flagged_at,omitempty"`
}

// Filename returns the base name of the attachment file.
func (a *Attachment) Filename() string {
	if a.File == "" {
		return ""
	}
	return path.Base(a.File)
}

// IsTrashed reports whether the attachment is in the trash.
func (a *Attachment) IsTrashed() bool {
	return a.Status == StatusTrashed
}

// Item is a piece of authored content (post, page, custom type) that may
// reference attachments.
type Item struct {
	ID         int64     `json:"id"`
	Type       string    `json:"type"`
	Status     string    `json:"status"`
	Title      string    `json:"title"`
	Body       string    `json:"body"`
	FeaturedID int64     `json:"featured_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// Widget is a configured widget instance inside a sidebar.
type Widget struct {
	ID       string `json:"id"`
	Sidebar  string `json:"sidebar"`
	Type     string `json:"type"`
	Instance string `json:"instance"`
}
