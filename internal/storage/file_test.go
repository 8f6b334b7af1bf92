package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileStore_PutGet(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenFileStore(dir)
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	ctx := context.Background()

	if _, err := s.Get(ctx, "20250101_000000_abcdef01"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) = %v, want ErrNotFound", err)
	}
	if err := s.Put(ctx, "20250101_000000_abcdef01", []byte(`{"jobs":[]}`)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Get(ctx, "20250101_000000_abcdef01")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != `{"jobs":[]}` {
		t.Errorf("Get = %s", got)
	}

	if _, err := os.Stat(filepath.Join(dir, "batch_20250101_000000_abcdef01.json")); err != nil {
		t.Errorf("expected batch file on disk: %v", err)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("expected no leftover temp files, got %d entries", len(entries))
	}
}

func TestFileStore_RejectsTraversal(t *testing.T) {
	s, err := OpenFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Put(context.Background(), "../escape", []byte(`{}`)); err == nil {
		t.Error("expected error for path traversal id")
	}
	if _, err := s.Get(context.Background(), "../escape"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(../escape) = %v, want ErrNotFound", err)
	}
}

func TestFileStore_Keys(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if err := s.Put(ctx, id, []byte(`{}`)); err != nil {
			t.Fatal(err)
		}
	}
	old := time.Now().Add(-72 * time.Hour)
	if err := os.Chtimes(filepath.Join(dir, "batch_a.json"), old, old); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "batch_c.lock"), []byte("owner"), 0o644); err != nil {
		t.Fatal(err)
	}

	ids, err := s.Keys(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(ids) != 1 || ids[0] != "b" {
		t.Errorf("Keys = %v, want [b]", ids)
	}
}
