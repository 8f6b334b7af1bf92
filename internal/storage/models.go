package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Backend names accepted by OpenBackend.
const (
	BackendSQLite = "sqlite"
	BackendFile   = "file"
)

// Backend is a durable key-value store for encoded batch records.
type Backend interface {
	Get(ctx context.Context, id string) ([]byte, error)
	Put(ctx context.Context, id string, data []byte) error
	// Keys lists ids of batches created at or after since, oldest first.
	// Backends that cannot tell creation from modification may also return
	// older ids, never fewer.
	Keys(ctx context.Context, since time.Time) ([]string, error)
	// Lock blocks until the caller holds the lease on id, across every
	// process sharing the backend, or ctx is done.
	Lock(ctx context.Context, id string) (unlock func(), err error)
	Close() error
}

// OpenBackend opens the named backend rooted at dataDir.
func OpenBackend(kind, dataDir string) (Backend, error) {
	switch kind {
	case "", BackendSQLite:
		return Open(dataDir)
	case BackendFile:
		return OpenFileStore(dataDir)
	default:
		return nil, fmt.Errorf("unknown storage backend %q (want %s or %s)", kind, BackendSQLite, BackendFile)
	}
}
