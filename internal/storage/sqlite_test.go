package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) || len(v1) == 0 {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestStore_PutGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) = %v, want ErrNotFound", err)
	}

	if err := s.Put(ctx, "b1", []byte(`{"v":1}`)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(ctx, "b1", []byte(`{"v":2}`)); err != nil {
		t.Fatalf("Put overwrite: %v", err)
	}

	got, err := s.Get(ctx, "b1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != `{"v":2}` {
		t.Errorf("Get = %s, want overwritten record", got)
	}
}

func TestStore_Keys(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, "old", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	old := time.Now().UTC().Add(-48 * time.Hour).UnixNano()
	if _, err := s.DB().Exec(`UPDATE batches SET created_at = ?, updated_at = ? WHERE id = 'old'`, old, old); err != nil {
		t.Fatal(err)
	}
	// A fresh write to an old batch does not pull it back into the window.
	if err := s.Put(ctx, "old", []byte(`{"v":2}`)); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, "new", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}

	ids, err := s.Keys(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(ids) != 1 || ids[0] != "new" {
		t.Errorf("Keys = %v, want [new]", ids)
	}

	all, err := s.Keys(ctx, time.Time{})
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(all) != 2 || all[0] != "old" {
		t.Errorf("Keys(all) = %v, want [old new]", all)
	}
}

func TestStore_ConcurrentPuts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := string(rune('a' + i))
			if err := s.Put(ctx, id, []byte(`{}`)); err != nil {
				t.Errorf("Put(%s): %v", id, err)
			}
		}()
	}
	wg.Wait()

	ids, err := s.Keys(ctx, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 20 {
		t.Errorf("got %d ids, want 20", len(ids))
	}
}

func TestOpenBackend(t *testing.T) {
	dir := t.TempDir()

	for _, kind := range []string{"", BackendSQLite, BackendFile} {
		b, err := OpenBackend(kind, dir)
		if err != nil {
			t.Fatalf("OpenBackend(%q): %v", kind, err)
		}
		b.Close()
	}

	if _, err := OpenBackend("redis", dir); err == nil {
		t.Error("expected error for unknown backend")
	}
}
