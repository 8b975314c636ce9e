package pipeline

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

func TestMoveFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.png")
	dst := filepath.Join(dir, "dst.png")

	t.Run("moves", func(t *testing.T) {
		if err := os.WriteFile(src, []byte("source"), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := moveFile(src, dst); err != nil {
			t.Fatalf("moveFile() error = %v", err)
		}
		if _, err := os.Stat(src); !os.IsNotExist(err) {
			t.Errorf("source still present: %v", err)
		}
		if got, _ := os.ReadFile(dst); string(got) != "source" {
			t.Errorf("dst = %q", got)
		}
	})

	t.Run("never overwrites", func(t *testing.T) {
		if err := os.WriteFile(src, []byte("newer"), 0o644); err != nil {
			t.Fatal(err)
		}
		err := moveFile(src, dst)
		if !errors.Is(err, fs.ErrExist) {
			t.Fatalf("moveFile() error = %v, want fs.ErrExist", err)
		}
		if got, _ := os.ReadFile(dst); !bytes.Equal(got, []byte("source")) {
			t.Errorf("dst overwritten: %q", got)
		}
		if _, err := os.Stat(src); err != nil {
			t.Errorf("source should stay when the move is refused: %v", err)
		}
	})

	t.Run("missing source", func(t *testing.T) {
		err := moveFile(filepath.Join(dir, "gone.png"), filepath.Join(dir, "other.png"))
		if !errors.Is(err, fs.ErrNotExist) {
			t.Errorf("moveFile() error = %v, want fs.ErrNotExist", err)
		}
	})
}

func TestCopyAndRemove_Exclusive(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.png")
	dst := filepath.Join(dir, "dst.png")
	if err := os.WriteFile(src, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dst, []byte("kept"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := copyAndRemove(src, dst); !errors.Is(err, fs.ErrExist) {
		t.Fatalf("copyAndRemove() error = %v, want fs.ErrExist", err)
	}
	if got, _ := os.ReadFile(dst); string(got) != "kept" {
		t.Errorf("dst = %q", got)
	}

	if err := os.Remove(dst); err != nil {
		t.Fatal(err)
	}
	if err := copyAndRemove(src, dst); err != nil {
		t.Fatalf("copyAndRemove() error = %v", err)
	}
	if got, _ := os.ReadFile(dst); string(got) != "payload" {
		t.Errorf("dst = %q", got)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Errorf("source still present: %v", err)
	}
}
