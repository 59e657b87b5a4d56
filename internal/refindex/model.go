package refindex

// Built-in reference source types.
const (
	SourcePostContent   = "post_content"
	SourceFeaturedImage = "featured_image"
	SourcePageBuilder   = "page_builder"
	SourceSiteIcon      = "site_icon"
	SourceCustomLogo    = "custom_logo"
	SourceWidget        = "widget"
)

// DefaultMetaKeys are the page-builder metadata fields scanned on every
// content item.
var DefaultMetaKeys = []string{
	"_elementor_data",
	"_fl_builder_data",
	"panels_data",
	"_fusion_builder_data",
}

// Reference records that a source uses an attachment. Global sources
// (site icon, custom logo, widgets) have SourceID 0.
type Reference struct {
	AttachmentID int64  `json:"attachment_id"`
	SourceType   string `json:"source_type"`
	SourceID     int64  `json:"source_id"`
	SourceTitle  string `json:"source_title,omitempty"`
}
