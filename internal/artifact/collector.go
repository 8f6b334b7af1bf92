// Package artifact fetches a batch's finished videos and bundles them into
// a single zip archive.
package artifact

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/veobatch/internal/batch"
	"github.com/kalambet/veobatch/internal/logging"
)

// ErrNoCompletedJobs means there was nothing to put in the archive.
var ErrNoCompletedJobs = errors.New("no completed videos to download")

const defaultConcurrency = 4

// Downloader streams one result URL into w.
type Downloader interface {
	Download(ctx context.Context, url string, w io.Writer) (int64, error)
}

// Options tunes a Collector.
type Options struct {
	Concurrency int
	Logger      *slog.Logger
}

// Collector builds archives under an output directory.
type Collector struct {
	dl          Downloader
	outputDir   string
	concurrency int
	logger      *slog.Logger
	tracer      trace.Tracer
}

// NewCollector creates a Collector writing archives into outputDir.
func NewCollector(dl Downloader, outputDir string, opts Options) *Collector {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Collector{
		dl:          dl,
		outputDir:   outputDir,
		concurrency: opts.Concurrency,
		logger:      logging.WithComponent(opts.Logger, "artifact"),
		tracer:      otel.Tracer("veobatch/artifact"),
	}
}

// Result describes a written archive.
type Result struct {
	// Path is the archive location on disk, under a directory per batch.
	// A later Collect for the same batch and name replaces it.
	Path string
	// Archive is this call's archive, open for reading from the start. It
	// stays valid after Path is replaced. Release it with Close.
	Archive *os.File
	// Name is the archive file name offered to the caller.
	Name string
	// Included lists the artifact names inside the archive.
	Included []string
	// Skipped lists the labels whose download failed.
	Skipped []string
}

// Close releases the open archive.
func (r Result) Close() error {
	if r.Archive == nil {
		return nil
	}
	return r.Archive.Close()
}

type pending struct {
	label string
	name  string
	url   string
	path  string
	err   error
}

// Collect downloads every completed job's result exactly once and zips them.
// A failed download is logged and skipped. When no job is completed, or none
// of the downloads succeeded, ErrNoCompletedJobs is returned and no archive
// is written. The caller must Close the returned Result.
func (c *Collector) Collect(ctx context.Context, b *batch.Batch, archiveName string) (Result, error) {
	var items []*pending
	for i := range b.Jobs {
		url, ok := b.Jobs[i].ResultURL()
		if !ok || url == "" {
			continue
		}
		items = append(items, &pending{label: b.Jobs[i].Label, name: FileName(b.Jobs[i].Label), url: url})
	}
	if len(items) == 0 {
		return Result{}, ErrNoCompletedJobs
	}

	ctx, span := c.tracer.Start(ctx, "artifact.collect", trace.WithAttributes(
		attribute.String("batch.id", b.ID),
		attribute.Int("artifact.candidates", len(items)),
	))
	defer span.End()

	if err := os.MkdirAll(c.outputDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("creating output directory: %w", err)
	}
	work, err := os.MkdirTemp(c.outputDir, ".collect-*")
	if err != nil {
		return Result{}, fmt.Errorf("creating work directory: %w", err)
	}
	defer os.RemoveAll(work)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, it := range items {
		it.path = filepath.Join(work, fmt.Sprintf("%03d.part", i))
		g.Go(func() error {
			it.err = c.fetch(gCtx, it.url, it.path)
			return nil
		})
	}
	_ = g.Wait()

	res := Result{Name: ArchiveName(archiveName, b.ID)}

	// Duplicate names: the last successful job wins.
	winner := make(map[string]*pending)
	var order []string
	for _, it := range items {
		if it.err != nil {
			c.logger.Warn("skipping artifact", "batch_id", b.ID, "label", it.label, "error", it.err)
			res.Skipped = append(res.Skipped, it.label)
			continue
		}
		if _, seen := winner[it.name]; !seen {
			order = append(order, it.name)
		}
		winner[it.name] = it
	}
	if len(order) == 0 {
		span.SetStatus(codes.Error, ErrNoCompletedJobs.Error())
		return Result{}, ErrNoCompletedJobs
	}

	dir := filepath.Join(c.outputDir, b.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Result{}, fmt.Errorf("creating batch output directory: %w", err)
	}
	res.Path = filepath.Join(dir, res.Name)
	files := make([]*pending, len(order))
	for i, name := range order {
		files[i] = winner[name]
	}
	archive, err := writeArchive(work, res.Path, files)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}
	res.Archive = archive
	res.Included = order

	span.SetAttributes(
		attribute.Int("artifact.included", len(res.Included)),
		attribute.Int("artifact.skipped", len(res.Skipped)),
	)
	c.logger.Info("archive written", "batch_id", b.ID, "path", res.Path, "included", len(res.Included), "skipped", len(res.Skipped))
	return res, nil
}

func (c *Collector) fetch(ctx context.Context, url, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := c.dl.Download(ctx, url, f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// writeArchive zips files into a temp file, renames it to dest once
// complete and returns it still open and rewound.
func writeArchive(work, dest string, files []*pending) (_ *os.File, err error) {
	tmp, err := os.CreateTemp(work, "archive-*.zip")
	if err != nil {
		return nil, fmt.Errorf("creating archive: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
		}
	}()

	zw := zip.NewWriter(tmp)
	for _, f := range files {
		if err := addFile(zw, f.name, f.path); err != nil {
			return nil, fmt.Errorf("adding %s: %w", f.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finishing archive: %w", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewinding archive: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return nil, fmt.Errorf("moving archive into place: %w", err)
	}
	return tmp, nil
}

func addFile(zw *zip.Writer, name, path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	// Videos are already compressed.
	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store})
	if err != nil {
		return err
	}
	_, err = io.Copy(w, src)
	return err
}
