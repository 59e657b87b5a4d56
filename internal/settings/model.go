package settings

// Setting keys stored in the settings table.
const (
	KeyBatchSize         = "scan.batch_size"
	KeyHashAlgorithm     = "hash.algorithm"
	KeyImageThreshold    = "oversized.image"
	KeyVideoThreshold    = "oversized.video"
	KeyAudioThreshold    = "oversized.audio"
	KeyDocumentThreshold = "oversized.document"
	KeyArchiveFolder     = "archive.folder_name"
	KeyExtraMetaKeys     = "references.extra_meta_keys"
	KeyProtectedPatterns = "unused.protected_patterns"
)

// IsManaged reports whether key is an operator setting validated by this
// package.
func IsManaged(key string) bool {
	switch key {
	case KeyBatchSize, KeyHashAlgorithm, KeyImageThreshold, KeyVideoThreshold, KeyAudioThreshold,
		KeyDocumentThreshold, KeyArchiveFolder, KeyExtraMetaKeys, KeyProtectedPatterns:
		return true
	}
	return false
}

// Default oversized thresholds in bytes.
const (
	DefaultImageThreshold    int64 = 2 << 20
	DefaultVideoThreshold    int64 = 100 << 20
	DefaultAudioThreshold    int64 = 20 << 20
	DefaultDocumentThreshold int64 = 10 << 20
)

// MaxBatchSize bounds the scan batch size an operator can configure.
const MaxBatchSize = 1000

// Thresholds holds the per-category oversized limits in bytes.
type Thresholds struct {
	Image    int64 `json:"image"`
	Video    int64 `json:"video"`
	Audio    int64 `json:"audio"`
	Document int64 `json:"document"`
}

// For returns the threshold for a MIME category. Unknown categories use the
// document threshold.
func (t Thresholds) For(category string) int64 {
	switch category {
	case "image":
		return t.Image
	case "video":
		return t.Video
	case "audio":
		return t.Audio
	default:
		return t.Document
	}
}

// Settings is the operator-adjustable configuration of the scan pipeline.
type Settings struct {
	BatchSize         int        `json:"scan_batch_size"`
	HashAlgorithm     string     `json:"hash_algorithm"`
	Thresholds        Thresholds `json:"oversized_thresholds"`
	ArchiveFolderName string     `json:"archive_folder_name"`
	ExtraMetaKeys     []string   `json:"extra_meta_keys"`
	ProtectedPatterns []string   `json:"protected_patterns"`
}

// Defaults returns the built-in settings.
func Defaults() Settings {
	return Settings{
		BatchSize:     200,
		HashAlgorithm: "sha256",
		Thresholds: Thresholds{
			Image:    DefaultImageThreshold,
			Video:    DefaultVideoThreshold,
			Audio:    DefaultAudioThreshold,
			Document: DefaultDocumentThreshold,
		},
		ArchiveFolderName: "Archive",
		ExtraMetaKeys:     []string{},
		ProtectedPatterns: []string{},
	}
}
