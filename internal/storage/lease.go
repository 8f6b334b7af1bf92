package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultLeaseTTL is how long a lease outlives a holder that stopped
// renewing it, e.g. after a crash.
const DefaultLeaseTTL = 2 * time.Minute

const leasePollInterval = 50 * time.Millisecond

// leaser is the backend half of a batch lease.
type leaser interface {
	tryAcquire(ctx context.Context, id, owner string, ttl time.Duration) (bool, error)
	renew(ctx context.Context, id, owner string, ttl time.Duration) error
	release(id, owner string) error
}

// acquireLease blocks until id is leased to a fresh owner or ctx is done.
// The lease is renewed every ttl/3 until the returned func is called.
func acquireLease(ctx context.Context, l leaser, id string, ttl time.Duration) (func(), error) {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	owner := uuid.NewString()

	for {
		ok, err := l.tryAcquire(ctx, id, owner, ttl)
		if err != nil {
			return nil, fmt.Errorf("acquiring lease on %s: %w", id, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for lease on %s: %w", id, ctx.Err())
		case <-time.After(leasePollInterval):
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := l.renew(context.Background(), id, owner, ttl); err != nil {
					slog.Warn("renewing batch lease", "batch_id", id, "error", err)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			if err := l.release(id, owner); err != nil {
				slog.Warn("releasing batch lease", "batch_id", id, "error", err)
			}
		})
	}, nil
}
