package common

// Shared constants to enforce DRY and avoid magic strings/numbers.

// HTTP headers and content types
const (
	ContentTypeJSON = "application/json"
	ContentTypeSRT  = "application/x-subrip"
)

// API paths
const (
	PathHealthz   = "/healthz"
	PathJobs      = "/v1/jobs"
	PathBulkAbort = "/v1/jobs/abort"
)

// Multipart form field names
const (
	FormFieldFile        = "file"
	FormFieldTranscript  = "transcript"
	FormFieldTranslation = "translation"
)

// Defaults and limits
const (
	DefaultWorkerCount  = 2
	SQLiteBusyTimeoutMS = 5000
)

// Subdirectory names
const (
	UploadsDirName = "uploads"
	WorkDirName    = "work"
	OutputsDirName = "outputs"
)

// Artifact file extension for subtitle outputs
const SubtitleExt = ".srt"

// Fallback suffix when an uploaded filename carries no extension.
const DefaultMediaSuffix = ".wav"
