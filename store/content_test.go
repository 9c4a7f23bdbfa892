package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestMessagePathDistinctDirectories(t *testing.T) {
	p1 := MessagePath(1)
	p2 := MessagePath(1 << 13)
	if filepath.Dir(p1) == filepath.Dir(p2) {
		t.Errorf("expected contentIDs 8192 apart to shard into different directories, got %q and %q", p1, p2)
	}
}

func TestFileContentFetcherReadRange(t *testing.T) {
	dir := t.TempDir()
	contentID := int64(42)
	full := filepath.Join(dir, "msg", MessagePath(contentID))
	if err := os.MkdirAll(filepath.Dir(full), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte("Subject: hi\r\n\r\nbody text"), 0o600); err != nil {
		t.Fatal(err)
	}

	f := &FileContentFetcher{DataDir: dir}
	got, err := f.ReadRange(context.Background(), contentID, 15, 24)
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	if string(got) != "body text" {
		t.Errorf("ReadRange(15,24) = %q, want %q", got, "body text")
	}

	whole, err := f.ReadRange(context.Background(), contentID, 0, 0)
	if err != nil {
		t.Fatalf("ReadRange whole file: %v", err)
	}
	if string(whole) != "Subject: hi\r\n\r\nbody text" {
		t.Errorf("ReadRange(0,0) = %q, want whole file contents", whole)
	}
}
