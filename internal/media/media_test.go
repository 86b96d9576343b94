package media

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"
)

func TestDirStoreUploadAndDedupe(t *testing.T) {
	dir := t.TempDir()
	ds, err := NewDirStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()

	url, err := ds.Upload(ctx, "pic", []byte("image-bytes"), "image/jpeg")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if !strings.HasPrefix(url, "file://") || !strings.HasSuffix(url, ".jpg") {
		t.Errorf("unexpected url %q", url)
	}
	data, err := os.ReadFile(strings.TrimPrefix(url, "file://"))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if !bytes.Equal(data, []byte("image-bytes")) {
		t.Error("stored bytes differ")
	}

	again, err := ds.Upload(ctx, "other-name", []byte("image-bytes"), "image/jpeg")
	if err != nil {
		t.Fatalf("re-upload: %v", err)
	}
	if again != url {
		t.Errorf("identical content should dedupe to one file: %q vs %q", again, url)
	}
}

func TestDirStoreRejectsOversized(t *testing.T) {
	ds, err := NewDirStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	big := make([]byte, MaxUploadBytes+1)
	if _, err := ds.Upload(context.Background(), "big.bin", big, "application/octet-stream"); err != ErrTooLarge {
		t.Errorf("expected ErrTooLarge, got %v", err)
	}
}

func TestExtFor(t *testing.T) {
	cases := []struct {
		name        string
		contentType string
		want        string
	}{
		{"photo.png", "", ".png"},
		{"noext", "image/jpeg", ".jpg"},
		{"noext", "audio/ogg; codecs=opus", ".ogg"},
		{"noext", "video/mp4", ".mp4"},
		{"noext", "application/x-thing", ".bin"},
	}
	for _, tc := range cases {
		if got := extFor(tc.name, tc.contentType); got != tc.want {
			t.Errorf("extFor(%q, %q) = %q, want %q", tc.name, tc.contentType, got, tc.want)
		}
	}
}
