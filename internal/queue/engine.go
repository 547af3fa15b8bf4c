// Package queue implements the segmentation queue: batch admission,
// cancellation, fairness-aware dispatch, and the per-item inference
// runner.
package queue

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/histoseg/platform/internal/domain"
	"github.com/histoseg/platform/internal/observability"
)

// Waker nudges the dispatcher out of its poll sleep after an enqueue so
// fresh work starts without waiting a full interval.
type Waker interface {
	Wake()
}

// Engine is the request-facing side of the queue. The dispatcher consumes
// what it admits.
type Engine struct {
	store domain.Store
	bus   domain.Publisher
	waker Waker
}

// NewEngine constructs the queue engine. waker may be nil.
func NewEngine(store domain.Store, bus domain.Publisher, waker Waker) *Engine {
	return &Engine{store: store, bus: bus, waker: waker}
}

// EnqueueRequest admits a batch of images for segmentation with shared
// model parameters.
type EnqueueRequest struct {
	ImageIDs    []string `json:"imageIds" validate:"required,min=1,dive,required"`
	Model       string   `json:"model" validate:"required"`
	Threshold   float64  `json:"threshold" validate:"gte=0,lte=1"`
	DetectHoles bool     `json:"detectHoles"`
}

// SkippedImage reports why one image of a batch was not admitted.
type SkippedImage struct {
	ImageID string `json:"imageId"`
	Reason  string `json:"reason"`
}

// EnqueueResult is the per-image outcome of one admission batch.
type EnqueueResult struct {
	BatchID string         `json:"batchId"`
	Queued  []string       `json:"queued"`
	Skipped []SkippedImage `json:"skipped,omitempty"`
}

// Enqueue admits the batch atomically. Images that are missing, outside
// the project, or already active in the queue are skipped rather than
// failing the whole batch; admission of the rest proceeds. An empty
// admission with at least one skip is still a success at this layer, the
// HTTP handler decides the multi-status shape.
func (e *Engine) Enqueue(ctx domain.Context, userID, projectID string, req EnqueueRequest) (EnqueueResult, error) {
	if len(req.ImageIDs) == 0 {
		return EnqueueResult{}, fmt.Errorf("op=queue.Enqueue: empty batch: %w", domain.ErrInvalidArgument)
	}
	res := EnqueueResult{BatchID: uuid.New().String()}

	err := e.store.WithTxn(ctx, func(tx domain.Store) error {
		now := time.Now().UTC()
		var items []domain.QueueItem
		for _, imageID := range req.ImageIDs {
			img, err := tx.Images().Get(ctx, imageID)
			if err != nil {
				res.Skipped = append(res.Skipped, SkippedImage{ImageID: imageID, Reason: "not found"})
				continue
			}
			if img.ProjectID != projectID {
				res.Skipped = append(res.Skipped, SkippedImage{ImageID: imageID, Reason: "not in project"})
				continue
			}
			if _, err := tx.Queue().ActiveItemForImage(ctx, imageID); err == nil {
				res.Skipped = append(res.Skipped, SkippedImage{ImageID: imageID, Reason: "already queued"})
				continue
			}
			items = append(items, domain.QueueItem{
				UserID:      userID,
				ProjectID:   projectID,
				ImageID:     imageID,
				BatchID:     res.BatchID,
				Model:       req.Model,
				Threshold:   req.Threshold,
				DetectHoles: req.DetectHoles,
				EnqueuedAt:  now,
			})
		}
		if len(items) == 0 {
			return nil
		}
		if err := tx.Queue().CreateBatch(ctx, items); err != nil {
			return err
		}
		for _, it := range items {
			if err := tx.Images().UpdateStatus(ctx, it.ImageID, domain.SegStatusQueued); err != nil {
				return err
			}
			res.Queued = append(res.Queued, it.ImageID)
		}
		return nil
	})
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("op=queue.Enqueue: %w", err)
	}

	if len(res.Queued) > 0 {
		observability.QueueItemsEnqueuedTotal.Add(float64(len(res.Queued)))
		for _, imageID := range res.Queued {
			e.bus.Publish(domain.ProjectRoom(projectID), domain.EvtSegmentationUpdate, domain.SegmentationUpdatePayload{
				ImageID: imageID, ProjectID: projectID, Status: domain.SegStatusQueued,
			})
		}
		added := domain.QueueUpdatePayload{
			ProjectID: projectID, BatchID: res.BatchID, Added: res.Queued,
		}
		e.bus.Publish(domain.ProjectRoom(projectID), domain.EvtQueueUpdate, added)
		e.bus.Publish(domain.UserRoom(userID), domain.EvtQueueUpdate, added)
		e.publishStats(ctx, projectID)
		if e.waker != nil {
			e.waker.Wake()
		}
	}
	return res, nil
}

// CancelResult is the per-item outcome of one cancellation batch.
// Skipped items were already processing or terminal; cancellation never
// reaches into a running inference.
type CancelResult struct {
	Cancelled []string `json:"cancelled"`
	Skipped   []string `json:"skipped,omitempty"`
}

// Cancel cancels the given queued items. Items that raced into
// processing or a terminal status are reported as skipped.
func (e *Engine) Cancel(ctx domain.Context, userID string, ids []string) (CancelResult, error) {
	if len(ids) == 0 {
		return CancelResult{}, fmt.Errorf("op=queue.Cancel: empty id list: %w", domain.ErrInvalidArgument)
	}

	var res CancelResult
	byProject := map[string][]string{} // project id -> cancelled image ids
	err := e.store.WithTxn(ctx, func(tx domain.Store) error {
		cancelled, err := tx.Queue().CancelQueued(ctx, userID, ids)
		if err != nil {
			return err
		}
		res.Cancelled = cancelled
		res.Skipped = lo.Without(ids, cancelled...)
		items, err := tx.Queue().ListByIDs(ctx, cancelled)
		if err != nil {
			return err
		}
		for _, it := range items {
			if err := tx.Images().UpdateStatusFrom(ctx, it.ImageID,
				[]domain.SegmentationStatus{domain.SegStatusQueued}, domain.SegStatusNone); err != nil {
				slog.Warn("cancelled item image not in queued", slog.String("image_id", it.ImageID))
				continue
			}
			byProject[it.ProjectID] = append(byProject[it.ProjectID], it.ImageID)
		}
		return nil
	})
	if err != nil {
		return CancelResult{}, fmt.Errorf("op=queue.Cancel: %w", err)
	}

	for projectID, imageIDs := range byProject {
		for _, imageID := range imageIDs {
			e.bus.Publish(domain.ProjectRoom(projectID), domain.EvtSegmentationUpdate, domain.SegmentationUpdatePayload{
				ImageID: imageID, ProjectID: projectID, Status: domain.SegStatusNone,
			})
		}
		removed := domain.QueueUpdatePayload{ProjectID: projectID, Removed: imageIDs}
		e.bus.Publish(domain.ProjectRoom(projectID), domain.EvtQueueUpdate, removed)
		e.bus.Publish(domain.UserRoom(userID), domain.EvtQueueUpdate, removed)
		e.publishStats(ctx, projectID)
	}
	observability.QueueItemsFinishedTotal.WithLabelValues(string(domain.QueueItemCancelled)).
		Add(float64(len(res.Cancelled)))
	return res, nil
}

// CancelProject cancels every queued item the user holds in the project.
func (e *Engine) CancelProject(ctx domain.Context, userID, projectID string) (CancelResult, error) {
	pending, err := e.store.Queue().ListPending(ctx, projectID)
	if err != nil {
		return CancelResult{}, fmt.Errorf("op=queue.CancelProject: %w", err)
	}
	var ids []string
	for _, it := range pending {
		if it.UserID == userID {
			ids = append(ids, it.ID)
		}
	}
	if len(ids) == 0 {
		return CancelResult{}, nil
	}
	return e.Cancel(ctx, userID, ids)
}

// CancelAll cancels every queued item the user holds across all
// projects. Processing items are untouched, as with Cancel.
func (e *Engine) CancelAll(ctx domain.Context, userID string) (CancelResult, error) {
	queued, err := e.store.Queue().ListQueuedByUser(ctx, userID)
	if err != nil {
		return CancelResult{}, fmt.Errorf("op=queue.CancelAll: %w", err)
	}
	if len(queued) == 0 {
		return CancelResult{}, nil
	}
	ids := lo.Map(queued, func(it domain.QueueItem, _ int) string { return it.ID })
	return e.Cancel(ctx, userID, ids)
}

// Stats returns queue aggregates for a project.
func (e *Engine) Stats(ctx domain.Context, projectID string) (domain.QueueStats, error) {
	st, err := e.store.Queue().Stats(ctx, projectID)
	if err != nil {
		return domain.QueueStats{}, fmt.Errorf("op=queue.Stats: %w", err)
	}
	return st, nil
}

// StatsByUser returns queue aggregates across all of one user's projects.
func (e *Engine) StatsByUser(ctx domain.Context, userID string) (domain.QueueStats, error) {
	st, err := e.store.Queue().StatsByUser(ctx, userID)
	if err != nil {
		return domain.QueueStats{}, fmt.Errorf("op=queue.StatsByUser: %w", err)
	}
	return st, nil
}

// ListPending returns the project's queued and processing items in FIFO
// order, for queue position display.
func (e *Engine) ListPending(ctx domain.Context, projectID string) ([]domain.QueueItem, error) {
	items, err := e.store.Queue().ListPending(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("op=queue.ListPending: %w", err)
	}
	return items, nil
}

func (e *Engine) publishStats(ctx domain.Context, projectID string) {
	st, err := e.store.Queue().Stats(ctx, projectID)
	if err != nil {
		slog.Warn("queue stats publish failed", slog.String("project_id", projectID), slog.Any("error", err))
		return
	}
	e.bus.Publish(domain.ProjectRoom(projectID), domain.EvtQueueStats, st)
}
