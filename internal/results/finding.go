package results

import (
	"os"

	"github.com/sydlexius/mediasweep/internal/content"
)

// FromAttachment builds a finding carrying the common attachment fields.
// File size is read from disk; a missing file reports 0.
func FromAttachment(typ string, a *content.Attachment, path, url string) Finding {
	f := Finding{
		Type:         typ,
		AttachmentID: a.ID,
		Title:        a.Title,
		Filename:     a.Filename(),
		MimeType:     a.MimeType,
		UploadDate:   a.CreatedAt,
		ThumbnailURL: url,
		Width:        a.Width,
		Height:       a.Height,
	}
	if path != "" {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			f.FileSize = info.Size()
		}
	}
	return f
}
