package memory

import (
	"fmt"
	"sort"
	"time"

	"github.com/histoseg/platform/internal/domain"
)

type queueRepo Store

func (r *queueRepo) CreateBatch(_ domain.Context, items []domain.QueueItem) error {
	defer (*Store)(r).lock()()
	// Single in-flight per image, mirroring the partial unique index.
	for _, it := range items {
		for _, existing := range r.queue {
			if existing.ImageID == it.ImageID &&
				(existing.Status == domain.QueueItemQueued || existing.Status == domain.QueueItemProcessing) {
				return fmt.Errorf("op=queue.create_batch image=%s already active: %w", it.ImageID, domain.ErrConflict)
			}
		}
	}
	now := time.Now().UTC()
	for _, it := range items {
		it.ID = orNewID(it.ID)
		it.Status = domain.QueueItemQueued
		if it.EnqueuedAt.IsZero() {
			it.EnqueuedAt = now
		}
		r.queue[it.ID] = it
	}
	return nil
}

func (r *queueRepo) Get(_ domain.Context, id string) (domain.QueueItem, error) {
	defer (*Store)(r).rlock()()
	it, ok := r.queue[id]
	if !ok {
		return domain.QueueItem{}, fmt.Errorf("op=queue.get: %w", domain.ErrNotFound)
	}
	return it, nil
}

func (r *queueRepo) ListByIDs(_ domain.Context, ids []string) ([]domain.QueueItem, error) {
	defer (*Store)(r).rlock()()
	var out []domain.QueueItem
	for _, id := range ids {
		if it, ok := r.queue[id]; ok {
			out = append(out, it)
		}
	}
	sortFIFO(out)
	return out, nil
}

func (r *queueRepo) ListPending(_ domain.Context, projectID string) ([]domain.QueueItem, error) {
	defer (*Store)(r).rlock()()
	var out []domain.QueueItem
	for _, it := range r.queue {
		if it.ProjectID == projectID &&
			(it.Status == domain.QueueItemQueued || it.Status == domain.QueueItemProcessing) {
			out = append(out, it)
		}
	}
	sortFIFO(out)
	return out, nil
}

func (r *queueRepo) ListQueuedByUser(_ domain.Context, userID string) ([]domain.QueueItem, error) {
	defer (*Store)(r).rlock()()
	var out []domain.QueueItem
	for _, it := range r.queue {
		if it.UserID == userID && it.Status == domain.QueueItemQueued {
			out = append(out, it)
		}
	}
	sortFIFO(out)
	return out, nil
}

func (r *queueRepo) ActiveItemForImage(_ domain.Context, imageID string) (domain.QueueItem, error) {
	defer (*Store)(r).rlock()()
	for _, it := range r.queue {
		if it.ImageID == imageID &&
			(it.Status == domain.QueueItemQueued || it.Status == domain.QueueItemProcessing) {
			return it, nil
		}
	}
	return domain.QueueItem{}, fmt.Errorf("op=queue.active_for_image: %w", domain.ErrNotFound)
}

func (r *queueRepo) UsersWithQueued(_ domain.Context) ([]string, error) {
	defer (*Store)(r).rlock()()
	oldest := map[string]time.Time{}
	for _, it := range r.queue {
		if it.Status != domain.QueueItemQueued {
			continue
		}
		if t, ok := oldest[it.UserID]; !ok || it.EnqueuedAt.Before(t) {
			oldest[it.UserID] = it.EnqueuedAt
		}
	}
	users := make([]string, 0, len(oldest))
	for u := range oldest {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool {
		if !oldest[users[i]].Equal(oldest[users[j]]) {
			return oldest[users[i]].Before(oldest[users[j]])
		}
		return users[i] < users[j]
	})
	return users, nil
}

func (r *queueRepo) ClaimNext(_ domain.Context, userID string, limit int) ([]domain.QueueItem, error) {
	defer (*Store)(r).lock()()
	if limit <= 0 {
		return nil, nil
	}
	var queued []domain.QueueItem
	for _, it := range r.queue {
		if it.UserID == userID && it.Status == domain.QueueItemQueued {
			queued = append(queued, it)
		}
	}
	sortFIFO(queued)
	if len(queued) > limit {
		queued = queued[:limit]
	}
	now := time.Now().UTC()
	for i := range queued {
		it := queued[i]
		it.Status = domain.QueueItemProcessing
		it.StartedAt = &now
		r.queue[it.ID] = it
		queued[i] = it
	}
	return queued, nil
}

func (r *queueRepo) CountProcessing(_ domain.Context, userID string) (int, error) {
	defer (*Store)(r).rlock()()
	n := 0
	for _, it := range r.queue {
		if it.UserID == userID && it.Status == domain.QueueItemProcessing {
			n++
		}
	}
	return n, nil
}

func (r *queueRepo) CancelQueued(_ domain.Context, userID string, ids []string) ([]string, error) {
	defer (*Store)(r).lock()()
	now := time.Now().UTC()
	var cancelled []string
	for _, id := range ids {
		it, ok := r.queue[id]
		if !ok || it.UserID != userID || it.Status != domain.QueueItemQueued {
			continue
		}
		it.Status = domain.QueueItemCancelled
		it.CompletedAt = &now
		r.queue[id] = it
		cancelled = append(cancelled, id)
	}
	return cancelled, nil
}

func (r *queueRepo) Finish(_ domain.Context, id string, status domain.QueueItemStatus, code domain.ErrorCode, msg string) error {
	defer (*Store)(r).lock()()
	it, ok := r.queue[id]
	if !ok {
		return fmt.Errorf("op=queue.finish: %w", domain.ErrNotFound)
	}
	if it.Status != domain.QueueItemProcessing {
		return fmt.Errorf("op=queue.finish: item %s no longer processing: %w", id, domain.ErrConflict)
	}
	now := time.Now().UTC()
	it.Status = status
	it.ErrorCode = code
	it.Error = msg
	it.CompletedAt = &now
	r.queue[id] = it
	return nil
}

func (r *queueRepo) MarkRetry(_ domain.Context, id string, msg string) error {
	defer (*Store)(r).lock()()
	it, ok := r.queue[id]
	if !ok {
		return fmt.Errorf("op=queue.mark_retry: %w", domain.ErrNotFound)
	}
	if it.Status != domain.QueueItemProcessing {
		return fmt.Errorf("op=queue.mark_retry: item %s no longer processing: %w", id, domain.ErrConflict)
	}
	it.Status = domain.QueueItemQueued
	it.RetryCount++
	it.Error = msg
	it.StartedAt = nil
	r.queue[id] = it
	return nil
}

func (r *queueRepo) Stats(_ domain.Context, projectID string) (domain.QueueStats, error) {
	defer (*Store)(r).rlock()()
	st := domain.QueueStats{ProjectID: projectID}
	r.aggregate(&st, func(it domain.QueueItem) bool { return it.ProjectID == projectID })
	return st, nil
}

func (r *queueRepo) StatsByUser(_ domain.Context, userID string) (domain.QueueStats, error) {
	defer (*Store)(r).rlock()()
	st := domain.QueueStats{UserID: userID}
	r.aggregate(&st, func(it domain.QueueItem) bool { return it.UserID == userID })
	return st, nil
}

func (r *queueRepo) aggregate(st *domain.QueueStats, match func(domain.QueueItem) bool) {
	var totalMs, completed int64
	for _, it := range r.queue {
		if !match(it) {
			continue
		}
		switch it.Status {
		case domain.QueueItemQueued:
			st.Queued++
		case domain.QueueItemProcessing:
			st.Processing++
		case domain.QueueItemCompleted:
			if it.StartedAt != nil && it.CompletedAt != nil {
				totalMs += it.CompletedAt.Sub(*it.StartedAt).Milliseconds()
				completed++
			}
		}
	}
	if completed > 0 {
		st.AvgInferenceMs = totalMs / completed
	}
	st.EstimatedWait = time.Duration(st.Queued) * time.Duration(st.AvgInferenceMs) * time.Millisecond
}

func (r *queueRepo) MarkInterrupted(_ domain.Context) (int, error) {
	defer (*Store)(r).lock()()
	now := time.Now().UTC()
	n := 0
	for id, it := range r.queue {
		if it.Status == domain.QueueItemProcessing {
			it.Status = domain.QueueItemFailed
			it.ErrorCode = domain.CodeInterrupted
			it.Error = "process restarted mid-run"
			it.CompletedAt = &now
			r.queue[id] = it
			n++
		}
	}
	return n, nil
}

func (r *queueRepo) PurgeFinishedBefore(_ domain.Context, cutoff time.Time) (int, error) {
	defer (*Store)(r).lock()()
	n := 0
	for id, it := range r.queue {
		if it.Status.Terminal() && it.CompletedAt != nil && it.CompletedAt.Before(cutoff) {
			delete(r.queue, id)
			n++
		}
	}
	return n, nil
}

func sortFIFO(items []domain.QueueItem) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].EnqueuedAt.Equal(items[j].EnqueuedAt) {
			return items[i].EnqueuedAt.Before(items[j].EnqueuedAt)
		}
		return items[i].ID < items[j].ID
	})
}
