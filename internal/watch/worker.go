// Package watch refreshes open batches in the background so jobs advance
// even when no client is polling.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/veobatch/internal/batch"
	"github.com/kalambet/veobatch/internal/logging"
)

// KeyLister lists ids of batches created since a given time.
type KeyLister interface {
	Keys(ctx context.Context, since time.Time) ([]string, error)
}

// Batches loads and refreshes batches.
type Batches interface {
	Get(ctx context.Context, id string) (*batch.Batch, error)
	Refresh(ctx context.Context, id, credentialOverride string) (*batch.Batch, error)
}

// Worker periodically refreshes every open batch created within a window.
// A batch that is still open once it ages out is left for clients to poll.
type Worker struct {
	keys     KeyLister
	batches  Batches
	interval time.Duration
	window   time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewWorker creates a Worker. If interval is <= 0 it defaults to 30s and if
// window is <= 0 it defaults to 24h.
func NewWorker(keys KeyLister, batches Batches, interval, window time.Duration) *Worker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &Worker{
		keys:     keys,
		batches:  batches,
		interval: interval,
		window:   window,
		logger:   logging.WithComponent(slog.Default(), "watch"),
		now:      time.Now,
	}
}

// Run refreshes open batches every interval until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		n, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("watch iteration failed", "error", err)
		} else if n > 0 {
			w.logger.Debug("refreshed open batches", "count", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.interval):
		}
	}
}

// RunOnce refreshes each open batch created in the window once and returns
// how many were refreshed. Terminal batches are skipped without provider calls; a
// failure on one batch is logged and does not stop the others.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	cutoff := w.now().Add(-w.window)
	ids, err := w.keys.Keys(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("listing batches: %w", err)
	}

	refreshed := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return refreshed, ctx.Err()
		}

		b, err := w.batches.Get(ctx, id)
		if err != nil {
			w.logger.Warn("skipping unreadable batch", "batch_id", id, "error", err)
			continue
		}
		if !b.Outstanding() {
			continue
		}
		if b.CreatedAt.Before(cutoff) {
			w.logger.Debug("batch aged out of watch window", "batch_id", id, "created_at", b.CreatedAt)
			continue
		}

		if _, err := w.batches.Refresh(ctx, id, ""); err != nil {
			if errors.Is(err, batch.ErrMissingCredential) {
				w.logger.Debug("batch has no stored credential", "batch_id", id)
			} else {
				w.logger.Warn("batch refresh failed", "batch_id", id, "error", err)
			}
			continue
		}
		refreshed++
	}
	return refreshed, nil
}
