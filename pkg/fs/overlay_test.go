package fs

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCloneFileProducesIdenticalContent(t *testing.T) {
	tmpDir := t.TempDir()

	src := filepath.Join(tmpDir, "base.ext4")
	content := []byte("pretend this is a disk image")
	if err := os.WriteFile(src, content, 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	dst := filepath.Join(tmpDir, "overlay.ext4")
	if err := CloneFile(src, dst); err != nil {
		t.Fatalf("clone failed: %v", err)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("read clone: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("clone content mismatch: got %q", got)
	}
}

func TestCloneFileWritesDoNotTouchSource(t *testing.T) {
	tmpDir := t.TempDir()

	src := filepath.Join(tmpDir, "base.ext4")
	if err := os.WriteFile(src, []byte("original"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	dst := filepath.Join(tmpDir, "overlay.ext4")
	if err := CloneFile(src, dst); err != nil {
		t.Fatalf("clone failed: %v", err)
	}

	if err := os.WriteFile(dst, []byte("scribbled"), 0o644); err != nil {
		t.Fatalf("write overlay: %v", err)
	}

	got, err := os.ReadFile(src)
	if err != nil {
		t.Fatalf("read source: %v", err)
	}
	if string(got) != "original" {
		t.Errorf("source modified through overlay: %q", got)
	}
}

func TestCloneFileMissingSource(t *testing.T) {
	tmpDir := t.TempDir()
	err := CloneFile(filepath.Join(tmpDir, "nope"), filepath.Join(tmpDir, "out"))
	if err == nil {
		t.Fatal("expected error for missing source")
	}
}
