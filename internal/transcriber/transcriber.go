package transcriber

import (
	"context"

	"github.com/jo-hoe/subtitler/internal/subtitle"
)

// Mode selects what the transcriber produces for a media file.
type Mode string

const (
	// ModeTranscribe produces segments in the spoken language.
	ModeTranscribe Mode = "transcribe"
	// ModeTranslate produces segments translated to English.
	ModeTranslate Mode = "translate"
)

// Transcriber defines the capability to turn a media file into an ordered
// sequence of timestamped text segments. Implementations block for the full
// duration of the run and must honor context cancellation.
type Transcriber interface {
	Transcribe(ctx context.Context, mediaPath string, mode Mode) ([]subtitle.Segment, error)
}
