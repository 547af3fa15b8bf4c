// Package export implements the staged archive-assembly pipeline: collect
// originals, render visualizations, emit annotations and metrics, and
// compress everything into a downloadable bundle.
package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/histoseg/platform/internal/domain"
	"github.com/histoseg/platform/internal/observability"
	"github.com/histoseg/platform/internal/reconcile"
)

// errCancelled aborts the pipeline when a status poll sees the job
// cancelled; it is internal to the package and never surfaces to callers.
var errCancelled = errors.New("export cancelled")

// Engine owns export jobs: admission, a small worker pool, cancellation,
// and download gating.
type Engine struct {
	store    domain.Store
	bus      domain.Publisher
	renderer domain.Renderer
	guard    *reconcile.Guard
	validate *validator.Validate

	uploadDir  string
	tmpDir     string
	fanout     int
	jobTimeout time.Duration

	jobs chan string
	wg   sync.WaitGroup
}

// NewEngine constructs the export engine. Bundles land next to the
// owning user's project data; in-progress assembly runs under a shared
// temp directory that the periodic sweeper also covers.
func NewEngine(store domain.Store, bus domain.Publisher, renderer domain.Renderer, guard *reconcile.Guard, uploadDir string, fanout int, jobTimeout time.Duration) *Engine {
	if fanout < 1 {
		fanout = 1
	}
	return &Engine{
		store:      store,
		bus:        bus,
		renderer:   renderer,
		guard:      guard,
		validate:   validator.New(),
		uploadDir:  uploadDir,
		tmpDir:     filepath.Join(uploadDir, "tmp"),
		fanout:     fanout,
		jobTimeout: jobTimeout,
		jobs:       make(chan string, 64),
	}
}

// Run starts workers consumers and blocks until ctx is cancelled and all
// in-flight jobs have stopped.
func (e *Engine) Run(ctx domain.Context, workers int) {
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case id := <-e.jobs:
					e.process(ctx, id)
				}
			}
		}()
	}
	<-ctx.Done()
	e.wg.Wait()
}

// Start validates the options, records the job, and hands it to the
// worker pool.
func (e *Engine) Start(ctx domain.Context, userID, projectID string, opts domain.ExportOptions) (domain.ExportJob, error) {
	if err := e.validate.Struct(opts); err != nil {
		return domain.ExportJob{}, fmt.Errorf("op=export.Start: %w: %w", domain.ErrInvalidArgument, err)
	}
	if !opts.IncludeOriginalImages && !opts.IncludeVisualizations &&
		len(opts.AnnotationFormats) == 0 && len(opts.MetricsFormats) == 0 {
		return domain.ExportJob{}, fmt.Errorf("op=export.Start: nothing selected for export: %w", domain.ErrInvalidArgument)
	}

	job := domain.ExportJob{ProjectID: projectID, UserID: userID, Options: opts}
	id, err := e.store.Exports().Create(ctx, job)
	if err != nil {
		return domain.ExportJob{}, fmt.Errorf("op=export.Start: %w", err)
	}
	job, err = e.store.Exports().Get(ctx, id)
	if err != nil {
		return domain.ExportJob{}, fmt.Errorf("op=export.Start: %w", err)
	}

	e.publish(job, domain.EvtExportStarted, nil)
	select {
	case e.jobs <- id:
	default:
		// Queue full; fail the job rather than blocking the request.
		_ = e.store.Exports().SetFailure(ctx, id, domain.CodeTransient, "export queue full")
		return domain.ExportJob{}, fmt.Errorf("op=export.Start: worker queue full: %w", domain.ErrTransient)
	}
	return job, nil
}

// Cancel marks the job cancelled. Cancelling an already-cancelled job is
// a no-op; cancelling a completed or failed job is a conflict. Partial
// outputs are removed by the pipeline when it observes the cancellation,
// or here when the job never started.
func (e *Engine) Cancel(ctx domain.Context, jobID string) error {
	defer e.guard.Lock(jobID)()

	err := e.store.Exports().Transition(ctx, jobID,
		[]domain.ExportStatus{domain.ExportPending, domain.ExportProcessing}, domain.ExportCancelled)
	if errors.Is(err, domain.ErrConflict) {
		status, serr := e.store.Exports().Status(ctx, jobID)
		if serr != nil {
			return fmt.Errorf("op=export.Cancel: %w", serr)
		}
		if status == domain.ExportCancelled {
			return nil
		}
		return fmt.Errorf("op=export.Cancel: job already %s: %w", status, domain.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("op=export.Cancel: %w", err)
	}

	job, err := e.store.Exports().Get(ctx, jobID)
	if err == nil {
		e.publish(job, domain.EvtExportCancelled, nil)
		e.removeArtifacts(job)
	}
	observability.ExportJobsTotal.WithLabelValues(string(domain.ExportCancelled)).Inc()
	return nil
}

// Status returns the job record.
func (e *Engine) Status(ctx domain.Context, jobID string) (domain.ExportJob, error) {
	job, err := e.store.Exports().Get(ctx, jobID)
	if err != nil {
		return domain.ExportJob{}, fmt.Errorf("op=export.Status: %w", err)
	}
	return job, nil
}

// List returns the project's jobs, newest first.
func (e *Engine) List(ctx domain.Context, projectID string) ([]domain.ExportJob, error) {
	jobs, err := e.store.Exports().ListByProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("op=export.List: %w", err)
	}
	return jobs, nil
}

// Download gates artifact access: the job must still be completed at the
// moment of the request. A cancel that won the race makes the artifact
// unavailable even if the file briefly existed.
func (e *Engine) Download(ctx domain.Context, jobID string) (domain.ExportJob, error) {
	status, err := e.guard.TerminalStatus(ctx, e.store, jobID)
	if err != nil {
		return domain.ExportJob{}, fmt.Errorf("op=export.Download: %w", err)
	}
	if status != domain.ExportCompleted {
		return domain.ExportJob{}, fmt.Errorf("op=export.Download: job is %s: %w", status, domain.ErrConflict)
	}
	job, err := e.store.Exports().Get(ctx, jobID)
	if err != nil {
		return domain.ExportJob{}, fmt.Errorf("op=export.Download: %w", err)
	}
	if job.ArtifactPath == "" {
		return domain.ExportJob{}, fmt.Errorf("op=export.Download: artifact missing: %w", domain.ErrNotFound)
	}
	return job, nil
}

// ArtifactPath is where the job's finished bundle lives on disk, under
// the requesting user's project tree.
func (e *Engine) ArtifactPath(job domain.ExportJob) string {
	return filepath.Join(e.uploadDir, job.UserID, job.ProjectID, "exports", job.ID+".zip")
}

func (e *Engine) process(ctx domain.Context, jobID string) {
	job, err := e.store.Exports().Get(ctx, jobID)
	if err != nil {
		slog.Error("export job load failed", slog.String("job_id", jobID), slog.Any("error", err))
		return
	}
	// A cancel may have landed between admission and pickup.
	if err := e.store.Exports().Transition(ctx, jobID,
		[]domain.ExportStatus{domain.ExportPending}, domain.ExportProcessing); err != nil {
		slog.Info("export job not startable, skipping", slog.String("job_id", jobID))
		return
	}
	job.Status = domain.ExportProcessing

	runCtx, cancel := context.WithTimeout(ctx, e.jobTimeout)
	defer cancel()

	err = e.runPipeline(runCtx, job)
	switch {
	case err == nil:
		observability.ExportJobsTotal.WithLabelValues(string(domain.ExportCompleted)).Inc()
	case errors.Is(err, errCancelled):
		slog.Info("export job cancelled mid-run", slog.String("job_id", jobID))
		e.removeArtifacts(job)
	case ctx.Err() != nil:
		// Shutting down; startup recovery marks the job interrupted.
		slog.Info("export job abandoned on shutdown", slog.String("job_id", jobID))
	default:
		slog.Error("export job failed", slog.String("job_id", jobID), slog.Any("error", err))
		code := domain.Classify(err)
		if ferr := e.store.Exports().SetFailure(ctx, jobID, code, err.Error()); ferr != nil {
			slog.Warn("export failure not recorded", slog.String("job_id", jobID), slog.Any("error", ferr))
			return
		}
		e.removeArtifacts(job)
		observability.ExportJobsTotal.WithLabelValues(string(domain.ExportFailed)).Inc()
		if j, gerr := e.store.Exports().Get(ctx, jobID); gerr == nil {
			e.publish(j, domain.EvtExportFailed, domain.NewEventError(err))
		}
	}
}

func (e *Engine) removeArtifacts(job domain.ExportJob) {
	_ = os.Remove(e.ArtifactPath(job))
	_ = os.RemoveAll(filepath.Join(e.tmpDir, "tmp-"+job.ID))
}

func (e *Engine) publish(job domain.ExportJob, name string, evtErr *domain.EventError) {
	payload := domain.ExportEventPayload{
		JobID:     job.ID,
		ProjectID: job.ProjectID,
		Status:    job.Status,
		Phase:     job.Phase,
		Progress:  job.Progress,
		Error:     evtErr,
	}
	e.bus.Publish(domain.ExportRoom(job.ID), name, payload)
	if name != domain.EvtExportProgress {
		e.bus.Publish(domain.ProjectRoom(job.ProjectID), name, payload)
	}
}
