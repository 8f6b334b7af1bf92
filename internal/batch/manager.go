// Package batch owns the job lifecycle: it creates batches from script
// segments, advances each job through polling and bounded resubmission, and
// persists the result.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/veobatch/internal/classify"
	"github.com/kalambet/veobatch/internal/logging"
	"github.com/kalambet/veobatch/internal/script"
	"github.com/kalambet/veobatch/internal/storage"
	"github.com/kalambet/veobatch/internal/veo"
)

// NoProductAvatarMessage is the failure of a product segment submitted
// without a product avatar.
const NoProductAvatarMessage = "No product avatar uploaded"

const defaultConcurrency = 4

// Generator submits and polls provider tasks.
type Generator interface {
	Submit(ctx context.Context, credential, prompt, imageURL, aspectRatio string) (string, error)
	Poll(ctx context.Context, credential, taskID string) (veo.Status, error)
}

// Store persists encoded batches keyed by id. Get returns
// storage.ErrNotFound for unknown ids.
type Store interface {
	Get(ctx context.Context, id string) ([]byte, error)
	Put(ctx context.Context, id string, data []byte) error
	// Lock holds id against every other process sharing the store.
	Lock(ctx context.Context, id string) (unlock func(), err error)
}

// Options tunes a Manager.
type Options struct {
	AspectRatio string
	// Concurrency bounds parallel provider calls within one refresh.
	Concurrency int
	Logger      *slog.Logger
}

// Manager drives the job state machine.
type Manager struct {
	gen         Generator
	store       Store
	aspectRatio string
	concurrency int
	locks       keyedMutex
	logger      *slog.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

// NewManager creates a Manager.
func NewManager(gen Generator, store Store, opts Options) *Manager {
	if opts.AspectRatio == "" {
		opts.AspectRatio = veo.DefaultAspectRatio
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		gen:         gen,
		store:       store,
		aspectRatio: opts.AspectRatio,
		concurrency: opts.Concurrency,
		logger:      logging.WithComponent(opts.Logger, "batch"),
		tracer:      otel.Tracer("veobatch/batch"),
		now:         time.Now,
	}
}

// CreateRequest is the input of Create.
type CreateRequest struct {
	Credential       string
	Segments         []script.Segment
	NormalAvatarURL  string
	ProductAvatarURL string
}

// Create submits one job per segment, in order, and persists the batch.
// Submission failures are recorded on the job rather than returned.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Batch, error) {
	if strings.TrimSpace(req.Credential) == "" {
		return nil, ErrMissingCredential
	}
	if req.NormalAvatarURL == "" {
		return nil, fmt.Errorf("%w: normal avatar URL is required", ErrValidation)
	}
	if len(req.Segments) == 0 {
		return nil, fmt.Errorf("%w: no segments found in script; each segment must start with a label line (HOOK, Backend 1, ...)", ErrValidation)
	}

	b := &Batch{
		ID:         NewID(m.now()),
		Credential: req.Credential,
		CreatedAt:  m.now().UTC(),
		Jobs:       make([]Job, 0, len(req.Segments)),
	}

	ctx, span := m.tracer.Start(ctx, "batch.create", trace.WithAttributes(
		attribute.String("batch.id", b.ID),
		attribute.Int("batch.jobs", len(req.Segments)),
	))
	defer span.End()

	log := logging.WithBatch(m.logger, b.ID)
	for i, seg := range req.Segments {
		b.Jobs = append(b.Jobs, m.submitSegment(ctx, req, seg))
		job := &b.Jobs[i]
		log.Info("job created", "job", i, "label", job.Label, "status", job.State.Status())
	}

	if err := m.save(ctx, b); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return b, nil
}

func (m *Manager) submitSegment(ctx context.Context, req CreateRequest, seg script.Segment) Job {
	job := Job{
		Label:      seg.Label,
		Prompt:     seg.Prompt,
		AvatarURL:  req.NormalAvatarURL,
		MaxRetries: MaxRetries,
	}
	if seg.HoldingProduct {
		job.Label += ProductLabelSuffix
		if req.ProductAvatarURL == "" {
			job.AvatarURL = ""
			job.State = Failed{Message: NoProductAvatarMessage, Final: true}
			return job
		}
		job.AvatarURL = req.ProductAvatarURL
	}

	taskID, err := m.gen.Submit(ctx, req.Credential, job.Prompt, job.AvatarURL, m.aspectRatio)
	if err != nil {
		raw := providerMessage(err)
		job.State = Failed{Message: classify.Message(raw), Raw: raw, Final: true}
		return job
	}
	job.TaskID = taskID
	job.State = Queued{}
	return job
}

// Get loads a batch without changing it.
func (m *Manager) Get(ctx context.Context, id string) (*Batch, error) {
	if !ValidID(id) {
		return nil, ErrNotFound
	}
	data, err := m.store.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading batch %s: %w", id, err)
	}
	return Decode(data)
}

// Refresh polls every outstanding job, applies the retry policy and
// persists the outcome. A non-empty credentialOverride replaces the stored
// credential for this call only. A batch with nothing outstanding is
// returned unchanged.
func (m *Manager) Refresh(ctx context.Context, id, credentialOverride string) (*Batch, error) {
	if !ValidID(id) {
		return nil, ErrNotFound
	}
	unlock := m.locks.lock(id)
	defer unlock()

	// The whole read-poll-resubmit-write cycle runs under the store lease,
	// so a second process sees this refresh's resubmissions.
	release, err := m.store.Lock(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("locking batch %s: %w", id, err)
	}
	defer release()

	b, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	credential := b.Credential
	if strings.TrimSpace(credentialOverride) != "" {
		credential = credentialOverride
	}
	if credential == "" {
		return nil, ErrMissingCredential
	}
	m.logger.Debug("refreshing batch", "batch_id", id,
		"credential", logging.SanitizeToken(credential), "override", credential != b.Credential)

	if !b.Outstanding() {
		return b, nil
	}

	ctx, span := m.tracer.Start(ctx, "batch.refresh", trace.WithAttributes(attribute.String("batch.id", id)))
	defer span.End()

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for i := range b.Jobs {
		job := &b.Jobs[i]
		if job.Terminal() {
			continue
		}
		g.Go(func() error {
			before := job.State.Status()
			m.advance(gCtx, credential, job)
			if after := job.State.Status(); after != before {
				m.logger.Info("job transitioned", "batch_id", id, "job", i, "label", job.Label,
					"from", before, "to", after, "retry_count", job.RetryCount)
			}
			return nil
		})
	}
	// Per-job failures are recorded on the job; Wait only joins.
	_ = g.Wait()

	span.SetAttributes(attribute.Bool("batch.open", b.Outstanding()))
	if err := m.save(ctx, b); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return b, nil
}

// advance moves one job at most one step. It mutates only *job.
func (m *Manager) advance(ctx context.Context, credential string, job *Job) {
	switch s := job.State.(type) {
	case Queued, Generating:
		if job.TaskID == "" {
			return
		}
		st, err := m.gen.Poll(ctx, credential, job.TaskID)
		if err != nil {
			m.logger.Warn("status check failed, leaving job as-is", "label", job.Label, "task_id", job.TaskID, "error", err)
			return
		}
		switch st.State {
		case veo.StateGenerating:
			job.State = Generating{}
		case veo.StateCompleted:
			job.State = Completed{ResultURL: st.ResultURL}
		case veo.StateFailed:
			m.pollFailed(ctx, credential, job, st.Message)
		}
	case Failed:
		if !s.Final {
			m.resubmit(ctx, credential, job)
		}
	}
}

func (m *Manager) pollFailed(ctx context.Context, credential string, job *Job, raw string) {
	if job.RetryCount >= job.MaxRetries {
		job.State = Failed{Message: exhausted(job.MaxRetries, classify.Message(raw)), Raw: raw, Final: true}
		return
	}
	m.logger.Info("generation failed, resubmitting", "label", job.Label, "attempt", job.RetryCount+1, "error", raw)
	m.resubmit(ctx, credential, job)
}

// resubmit consumes one retry unit whether or not the submission succeeds.
func (m *Manager) resubmit(ctx context.Context, credential string, job *Job) {
	job.RetryCount++
	taskID, err := m.gen.Submit(ctx, credential, job.Prompt, job.AvatarURL, m.aspectRatio)
	if err == nil {
		job.TaskID = taskID
		job.State = Queued{}
		return
	}

	raw := providerMessage(err)
	msg := classify.Message(raw)
	if job.RetryCount >= job.MaxRetries {
		job.State = Failed{Message: exhausted(job.MaxRetries, msg), Raw: raw, Final: true}
		return
	}
	job.State = Failed{Message: msg, Raw: raw}
}

func exhausted(maxRetries int, msg string) string {
	return fmt.Sprintf("Failed after %d attempts: %s", maxRetries, msg)
}

func providerMessage(err error) string {
	var perr *veo.ProviderError
	if errors.As(err, &perr) {
		return perr.Message
	}
	return err.Error()
}

func (m *Manager) save(ctx context.Context, b *Batch) error {
	data, err := Encode(b)
	if err != nil {
		return fmt.Errorf("encoding batch %s: %w", b.ID, err)
	}
	if err := m.store.Put(ctx, b.ID, data); err != nil {
		return fmt.Errorf("saving batch %s: %w", b.ID, err)
	}
	return nil
}
