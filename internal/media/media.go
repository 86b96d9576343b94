// Package media stores downloaded attachments and hands back stable URLs
// for persisted message rows.
package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// MaxUploadBytes is the per-attachment size cap. Larger attachments are
// recorded by kind only, without a stored copy.
const MaxUploadBytes = 10 * 1024 * 1024

// ErrTooLarge is returned for attachments over the size cap.
var ErrTooLarge = fmt.Errorf("media exceeds %d bytes", MaxUploadBytes)

// Store saves attachment bytes and returns a URL to reference them by.
type Store interface {
	Upload(ctx context.Context, name string, data []byte, contentType string) (string, error)
}

// DirStore writes attachments under a local directory, named by content
// hash so duplicate downloads dedupe naturally.
type DirStore struct {
	dir string
}

// NewDirStore creates the directory if needed.
func NewDirStore(dir string) (*DirStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	return &DirStore{dir: dir}, nil
}

func (d *DirStore) Upload(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	if len(data) > MaxUploadBytes {
		return "", ErrTooLarge
	}
	sum := sha256.Sum256(data)
	fname := hex.EncodeToString(sum[:16]) + extFor(name, contentType)
	path := filepath.Join(d.dir, fname)
	if _, err := os.Stat(path); err == nil {
		return "file://" + path, nil
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write media file: %w", err)
	}
	return "file://" + path, nil
}

func extFor(name, contentType string) string {
	if ext := filepath.Ext(name); ext != "" && len(ext) <= 8 {
		return ext
	}
	switch {
	case strings.HasPrefix(contentType, "image/jpeg"):
		return ".jpg"
	case strings.HasPrefix(contentType, "image/png"):
		return ".png"
	case strings.HasPrefix(contentType, "image/webp"):
		return ".webp"
	case strings.HasPrefix(contentType, "image/gif"):
		return ".gif"
	case strings.HasPrefix(contentType, "video/"):
		return ".mp4"
	case strings.HasPrefix(contentType, "audio/ogg"):
		return ".ogg"
	case strings.HasPrefix(contentType, "audio/"):
		return ".m4a"
	case strings.HasPrefix(contentType, "application/pdf"):
		return ".pdf"
	}
	return ".bin"
}
