// Package mock provides a Transcriber that fabricates deterministic segments,
// useful for local runs and tests where no speech model is available.
package mock

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jo-hoe/subtitler/internal/config"
	"github.com/jo-hoe/subtitler/internal/subtitle"
	"github.com/jo-hoe/subtitler/internal/transcriber"
)

type Client struct {
	cfg config.MockSettings
	// Hook runs once per Transcribe call before the simulated work; tests use
	// it to interleave cancellation with a running stage.
	Hook func(mediaPath string, mode transcriber.Mode)
}

var _ transcriber.Transcriber = (*Client)(nil)

func New(cfg config.MockSettings) *Client {
	return &Client{cfg: cfg}
}

// Transcribe simulates a blocking model run and returns segments derived from
// the media file size so distinct inputs produce distinct output.
func (c *Client) Transcribe(ctx context.Context, mediaPath string, mode transcriber.Mode) ([]subtitle.Segment, error) {
	info, err := os.Stat(mediaPath)
	if err != nil {
		return nil, fmt.Errorf("stat media: %w", err)
	}

	if c.Hook != nil {
		c.Hook(mediaPath, mode)
	}

	if c.cfg.Delay > 0 {
		timer := time.NewTimer(c.cfg.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	count := c.cfg.Segments
	if count <= 0 {
		count = 3
	}
	segments := make([]subtitle.Segment, 0, count)
	for i := 0; i < count; i++ {
		start := float64(i) * 2.5
		segments = append(segments, subtitle.Segment{
			Start: start,
			End:   start + 2.5,
			Text:  fmt.Sprintf("%s segment %d (%d bytes)", mode, i+1, info.Size()),
		})
	}
	return segments, nil
}
