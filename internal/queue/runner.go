package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/histoseg/platform/internal/domain"
	"github.com/histoseg/platform/internal/observability"
)

// Runner executes one claimed queue item end to end: inference, result
// persistence, thumbnail rendering, and event emission.
type Runner struct {
	store    domain.Store
	infer    domain.InferenceClient
	bus      domain.Publisher
	renderer domain.Renderer

	uploadDir    string
	inferTimeout time.Duration
	maxRetries   int
	retryBase    time.Duration
}

// NewRunner constructs a runner. renderer may be nil in tests; thumbnail
// rendering is then skipped.
func NewRunner(store domain.Store, infer domain.InferenceClient, bus domain.Publisher, renderer domain.Renderer, uploadDir string, inferTimeout time.Duration, maxRetries int) *Runner {
	return &Runner{
		store:        store,
		infer:        infer,
		bus:          bus,
		renderer:     renderer,
		uploadDir:    uploadDir,
		inferTimeout: inferTimeout,
		maxRetries:   maxRetries,
		retryBase:    time.Second,
	}
}

// Process runs one item to a terminal state or back to queued for retry.
// Terminal writes are conditional on the item still being in processing;
// losing that race means a cancellation won and the result is dropped.
func (r *Runner) Process(ctx domain.Context, item domain.QueueItem) {
	log := slog.With(
		slog.String("queue_id", item.ID),
		slog.String("image_id", item.ImageID),
		slog.String("user_id", item.UserID))

	img, err := r.store.Images().Get(ctx, item.ImageID)
	if err != nil {
		r.fail(ctx, item, fmt.Errorf("load image: %w", err))
		return
	}

	if err := r.store.Images().UpdateStatus(ctx, item.ImageID, domain.SegStatusProcessing); err != nil {
		log.Warn("image status update failed", slog.Any("error", err))
	}
	r.bus.Publish(domain.ProjectRoom(item.ProjectID), domain.EvtSegmentationUpdate, domain.SegmentationUpdatePayload{
		ImageID: item.ImageID, ProjectID: item.ProjectID, Status: domain.SegStatusProcessing, QueueID: item.ID,
	})

	observability.QueueItemsProcessing.Inc()
	defer observability.QueueItemsProcessing.Dec()

	runCtx, cancel := context.WithTimeout(ctx, r.inferTimeout)
	defer cancel()

	started := time.Now()
	result, err := r.infer.Run(runCtx, domain.InferenceRequest{
		ImageID:     item.ImageID,
		ImagePath:   filepath.Join(r.uploadDir, img.StoragePath),
		Model:       item.Model,
		Threshold:   item.Threshold,
		DetectHoles: item.DetectHoles,
	}, func(p domain.InferenceProgress) {
		r.bus.Publish(domain.ProjectRoom(item.ProjectID), domain.EvtSegmentationProgress, domain.SegmentationProgressPayload{
			ImageID: item.ImageID, ProjectID: item.ProjectID, QueueID: item.ID,
			Stage: p.Stage, Progress: p.Progress,
		})
	})
	observability.InferenceDuration.Observe(time.Since(started).Seconds())

	if err != nil {
		if ctx.Err() != nil {
			// Shutting down; startup recovery marks the item interrupted.
			log.Info("run abandoned on shutdown")
			return
		}
		if domain.Retryable(err) && item.RetryCount < r.maxRetries {
			r.retry(ctx, item, err, log)
			return
		}
		r.fail(ctx, item, err)
		return
	}

	r.complete(ctx, item, result, log)
}

func (r *Runner) complete(ctx domain.Context, item domain.QueueItem, result domain.InferenceResult, log *slog.Logger) {
	err := r.store.WithTxn(ctx, func(tx domain.Store) error {
		// Finish first: it carries the processing guard that makes a lost
		// cancellation race abort the whole transaction.
		if err := tx.Queue().Finish(ctx, item.ID, domain.QueueItemCompleted, "", ""); err != nil {
			return err
		}
		if _, err := tx.Segmentations().Replace(ctx, domain.Segmentation{
			ImageID:      item.ImageID,
			Polygons:     result.Polygons,
			Model:        item.Model,
			Threshold:    item.Threshold,
			DetectHoles:  item.DetectHoles,
			InferenceDur: result.Duration,
		}); err != nil {
			return err
		}
		return tx.Images().UpdateStatusFrom(ctx, item.ImageID,
			[]domain.SegmentationStatus{domain.SegStatusProcessing}, domain.SegStatusSegmented)
	})
	if errors.Is(err, domain.ErrConflict) {
		log.Info("completion dropped, item no longer processing")
		return
	}
	if err != nil {
		r.fail(ctx, item, fmt.Errorf("persist result: %w", err))
		return
	}

	observability.QueueItemsFinishedTotal.WithLabelValues(string(domain.QueueItemCompleted)).Inc()
	r.bus.Publish(domain.ProjectRoom(item.ProjectID), domain.EvtSegmentationCompleted, domain.SegmentationUpdatePayload{
		ImageID: item.ImageID, ProjectID: item.ProjectID, Status: domain.SegStatusSegmented, QueueID: item.ID,
	})
	r.publishStats(ctx, item.ProjectID)

	r.renderThumbnail(ctx, item, result.Polygons, log)
}

func (r *Runner) renderThumbnail(ctx domain.Context, item domain.QueueItem, polygons []domain.Polygon, log *slog.Logger) {
	if r.renderer == nil {
		return
	}
	img, err := r.store.Images().Get(ctx, item.ImageID)
	if err != nil {
		return
	}
	// StoragePath is {user}/{project}/images/<file>; the overlay thumbnail
	// sits beside it in the project tree.
	projectDir := filepath.Dir(filepath.Dir(img.StoragePath))
	rel := filepath.Join(projectDir, "segmentation_thumbnails", item.ImageID+".png")
	err = r.renderer.SegmentationThumbnail(ctx,
		filepath.Join(r.uploadDir, img.StoragePath),
		filepath.Join(r.uploadDir, rel),
		polygons, domain.DefaultExportOptions().Visualization, 256, 256)
	if err != nil {
		log.Warn("segmentation thumbnail failed", slog.Any("error", err))
		return
	}
	if err := r.store.Images().SetSegThumbnail(ctx, item.ImageID, rel); err != nil {
		log.Warn("segmentation thumbnail record failed", slog.Any("error", err))
	}
}

func (r *Runner) retry(ctx domain.Context, item domain.QueueItem, cause error, log *slog.Logger) {
	delay := r.retryBase
	for i := 0; i < item.RetryCount; i++ {
		delay *= 4
	}
	log.Warn("run failed, requeueing",
		slog.Int("retry", item.RetryCount+1),
		slog.Duration("delay", delay),
		slog.Any("error", cause))
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return
	}
	if err := r.store.Queue().MarkRetry(ctx, item.ID, cause.Error()); err != nil {
		log.Info("retry dropped, item no longer processing", slog.Any("error", err))
		return
	}
	if err := r.store.Images().UpdateStatusFrom(ctx, item.ImageID,
		[]domain.SegmentationStatus{domain.SegStatusProcessing}, domain.SegStatusQueued); err != nil {
		log.Warn("retry image status update failed", slog.Any("error", err))
	}
	r.bus.Publish(domain.ProjectRoom(item.ProjectID), domain.EvtSegmentationUpdate, domain.SegmentationUpdatePayload{
		ImageID: item.ImageID, ProjectID: item.ProjectID, Status: domain.SegStatusQueued, QueueID: item.ID,
	})
}

func (r *Runner) fail(ctx domain.Context, item domain.QueueItem, cause error) {
	code := domain.Classify(cause)
	err := r.store.WithTxn(ctx, func(tx domain.Store) error {
		if err := tx.Queue().Finish(ctx, item.ID, domain.QueueItemFailed, code, cause.Error()); err != nil {
			return err
		}
		return tx.Images().UpdateStatusFrom(ctx, item.ImageID,
			[]domain.SegmentationStatus{domain.SegStatusProcessing, domain.SegStatusQueued}, domain.SegStatusFailed)
	})
	if errors.Is(err, domain.ErrConflict) {
		slog.Info("failure dropped, item no longer processing", slog.String("queue_id", item.ID))
		return
	}
	if err != nil {
		slog.Error("queue item failure persist failed", slog.String("queue_id", item.ID), slog.Any("error", err))
		return
	}

	observability.QueueItemsFinishedTotal.WithLabelValues(string(domain.QueueItemFailed)).Inc()
	r.bus.Publish(domain.ProjectRoom(item.ProjectID), domain.EvtSegmentationFailed, domain.SegmentationUpdatePayload{
		ImageID: item.ImageID, ProjectID: item.ProjectID, Status: domain.SegStatusFailed, QueueID: item.ID,
		Error: domain.NewEventError(cause),
	})
	r.publishStats(ctx, item.ProjectID)
}

func (r *Runner) publishStats(ctx domain.Context, projectID string) {
	st, err := r.store.Queue().Stats(ctx, projectID)
	if err != nil {
		return
	}
	r.bus.Publish(domain.ProjectRoom(projectID), domain.EvtQueueStats, st)
}
