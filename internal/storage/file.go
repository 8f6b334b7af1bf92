package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	filePrefix = "batch_"
	fileSuffix = ".json"
	lockSuffix = ".lock"
)

// FileStore keeps one JSON file per batch, named batch_<id>.json.
type FileStore struct {
	dir      string
	leaseTTL time.Duration
}

// OpenFileStore creates dir if needed and returns a store rooted there.
func OpenFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("file store requires a directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return &FileStore{dir: dir, leaseTTL: DefaultLeaseTTL}, nil
}

func (f *FileStore) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return "", fmt.Errorf("invalid batch id %q", id)
	}
	return filepath.Join(f.dir, filePrefix+id+fileSuffix), nil
}

func (f *FileStore) lockPath(id string) (string, error) {
	p, err := f.path(id)
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(p, fileSuffix) + lockSuffix, nil
}

// Get returns the stored record for id or ErrNotFound.
func (f *FileStore) Get(ctx context.Context, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := f.path(id)
	if err != nil {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading batch %s: %w", id, err)
	}
	return data, nil
}

// Put writes to a temp file and renames it over the record, so readers see
// either the old or the new version.
func (f *FileStore) Put(ctx context.Context, id string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := f.path(id)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(f.dir, ".tmp-"+filePrefix+"*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing batch %s: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing batch %s: %w", id, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return fmt.Errorf("renaming batch %s: %w", id, err)
	}
	return nil
}

// Keys lists batch ids whose file was modified at or after since, oldest
// first. A file has no creation time, so this is a superset of the batches
// created since then and callers filter on the record itself.
func (f *FileStore) Keys(ctx context.Context, since time.Time) ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("listing batches: %w", err)
	}

	type keyed struct {
		id  string
		mod time.Time
	}
	var found []keyed
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(since) {
			continue
		}
		found = append(found, keyed{
			id:  strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix),
			mod: info.ModTime(),
		})
	}

	sort.Slice(found, func(i, j int) bool {
		if found[i].mod.Equal(found[j].mod) {
			return found[i].id < found[j].id
		}
		return found[i].mod.Before(found[j].mod)
	})

	ids := make([]string, len(found))
	for i, k := range found {
		ids[i] = k.id
	}
	return ids, nil
}

// Lock leases id to the caller until the returned func is called. The
// lease is a batch_<id>.lock file holding the owner token; its mtime is
// the last renewal.
func (f *FileStore) Lock(ctx context.Context, id string) (func(), error) {
	return acquireLease(ctx, f, id, f.leaseTTL)
}

func (f *FileStore) tryAcquire(_ context.Context, id, owner string, ttl time.Duration) (bool, error) {
	p, err := f.lockPath(id)
	if err != nil {
		return false, err
	}
	fh, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err == nil {
		_, werr := fh.WriteString(owner)
		if cerr := fh.Close(); werr == nil {
			werr = cerr
		}
		if werr != nil {
			os.Remove(p)
			return false, werr
		}
		return true, nil
	}
	if !errors.Is(err, fs.ErrExist) {
		return false, err
	}

	// Held. Clear it only if the holder stopped renewing, and only if it is
	// still the same holder we looked at.
	holder, info, err := readLock(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if time.Since(info.ModTime()) <= ttl {
		return false, nil
	}
	if current, _, err := readLock(p); err == nil && current == holder {
		os.Remove(p)
	}
	return false, nil
}

func (f *FileStore) renew(_ context.Context, id, owner string, _ time.Duration) error {
	p, err := f.lockPath(id)
	if err != nil {
		return err
	}
	holder, _, err := readLock(p)
	if err != nil {
		return err
	}
	if holder != owner {
		return fmt.Errorf("lease on %s taken over", id)
	}
	now := time.Now()
	return os.Chtimes(p, now, now)
}

func (f *FileStore) release(id, owner string) error {
	p, err := f.lockPath(id)
	if err != nil {
		return err
	}
	holder, _, err := readLock(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if holder != owner {
		return nil
	}
	return os.Remove(p)
}

func readLock(p string) (string, fs.FileInfo, error) {
	info, err := os.Stat(p)
	if err != nil {
		return "", nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return "", nil, err
	}
	return string(data), info, nil
}

// Close is a no-op; files are closed after each operation.
func (f *FileStore) Close() error {
	return nil
}
