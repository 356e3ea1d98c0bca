package storage

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"

	"github.com/jo-hoe/subtitler/internal/common"
)

// Uploader handles storing uploaded media files on disk until a worker
// materializes them for processing.
type Uploader struct {
	baseDir string
}

// NewUploader creates an uploader that stores to baseDir/uploads.
func NewUploader(baseDir string) *Uploader {
	return &Uploader{baseDir: filepath.Join(baseDir, common.UploadsDirName)}
}

// SaveMultipartMedia stores an uploaded media file to disk. It returns the
// absolute file path and a cleanup function to delete the file. The stored
// name is random; only the suffix is derived from the client filename, which
// is never used for path construction. Empty uploads are rejected.
func (u *Uploader) SaveMultipartMedia(fileHeader *multipart.FileHeader, maxBytes int64) (string, func() error, error) {
	if fileHeader == nil {
		return "", nil, fmt.Errorf("no file provided")
	}

	if err := os.MkdirAll(u.baseDir, 0o755); err != nil {
		return "", nil, fmt.Errorf("ensure uploads dir: %w", err)
	}

	src, err := fileHeader.Open()
	if err != nil {
		return "", nil, fmt.Errorf("open uploaded file: %w", err)
	}
	defer func() { _ = src.Close() }()

	filename := fmt.Sprintf("%s%s", randomHex(16), MediaSuffix(fileHeader.Filename))
	dstPath := filepath.Join(u.baseDir, filename)

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return "", nil, fmt.Errorf("create tmp file: %w", err)
	}
	defer func() {
		_ = dst.Close()
	}()

	limited := io.LimitReader(src, maxBytes)
	n, err := io.Copy(dst, limited)
	if err != nil {
		_ = os.Remove(dstPath)
		return "", nil, fmt.Errorf("copy upload: %w", err)
	}
	if n == 0 {
		_ = os.Remove(dstPath)
		return "", nil, fmt.Errorf("uploaded file is empty")
	}

	cleanup := func() error {
		return os.Remove(dstPath)
	}
	return dstPath, cleanup, nil
}

// MediaSuffix returns the extension of the client filename, or a wav fallback
// when it has none.
func MediaSuffix(original string) string {
	ext := strings.ToLower(filepath.Ext(original))
	if ext == "" {
		return common.DefaultMediaSuffix
	}
	return ext
}

// BaseName strips directory components and the extension from a client
// filename so it is safe to embed in a download name.
func BaseName(original string) string {
	base := filepath.Base(original)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
