// Package subtitle serializes timestamped transcript segments to SubRip (SRT).
package subtitle

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
)

// Segment is one timestamped span of transcript text. Start and End are
// offsets in seconds from the beginning of the media.
type Segment struct {
	Start float64
	End   float64
	Text  string
}

// Write serializes segments as sequential 1-indexed SRT blocks:
//
//	<index>
//	<HH:MM:SS,mmm> --> <HH:MM:SS,mmm>
//	<trimmed text>
//	<blank line>
func Write(w io.Writer, segments []Segment) error {
	bw := bufio.NewWriter(w)
	for i, seg := range segments {
		if _, err := fmt.Fprintf(bw, "%d\n%s --> %s\n%s\n\n",
			i+1, FormatTimestamp(seg.Start), FormatTimestamp(seg.End), strings.TrimSpace(seg.Text)); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteFile writes segments to path, creating or truncating it.
func WriteFile(path string, segments []Segment) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create srt file: %w", err)
	}
	if err := Write(f, segments); err != nil {
		_ = f.Close()
		return fmt.Errorf("write srt: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close srt file: %w", err)
	}
	return nil
}

// FormatTimestamp renders seconds as zero-padded HH:MM:SS,mmm. Hours, minutes
// and seconds come from floor division; the millisecond remainder is
// truncated, not rounded, so 61.9999 renders as 00:01:01,999.
func FormatTimestamp(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	whole := math.Floor(seconds)
	hours := int(whole) / 3600
	minutes := (int(whole) % 3600) / 60
	secs := int(whole) % 60
	millis := int((seconds - whole) * 1000)
	return fmt.Sprintf("%02d:%02d:%02d,%03d", hours, minutes, secs, millis)
}
