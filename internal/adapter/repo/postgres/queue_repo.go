package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/histoseg/platform/internal/domain"
)

// QueueRepo persists segmentation queue items. Claiming and finishing are
// the contended paths; both are single-statement and row-locked so the
// dispatcher can run at read-committed isolation without lost updates.
type QueueRepo struct{ DB DB }

const queueCols = `id, user_id, project_id, image_id, batch_id, model, threshold, detect_holes,
	status, retry_count, error_code, error, enqueued_at, started_at, completed_at`

func scanQueueItem(row interface{ Scan(...any) error }) (domain.QueueItem, error) {
	var it domain.QueueItem
	err := row.Scan(&it.ID, &it.UserID, &it.ProjectID, &it.ImageID, &it.BatchID, &it.Model,
		&it.Threshold, &it.DetectHoles, &it.Status, &it.RetryCount, &it.ErrorCode, &it.Error,
		&it.EnqueuedAt, &it.StartedAt, &it.CompletedAt)
	return it, err
}

// CreateBatch inserts the items of one enqueue call. The partial unique
// index on active image ids rejects a second in-flight item per image; the
// caller maps that onto ErrConflict before reaching here.
func (r *QueueRepo) CreateBatch(ctx domain.Context, items []domain.QueueItem) error {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.CreateBatch")
	defer span.End()
	q := `INSERT INTO queue_items (` + queueCols + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`
	for i := range items {
		it := &items[i]
		if it.ID == "" {
			it.ID = uuid.New().String()
		}
		if it.EnqueuedAt.IsZero() {
			it.EnqueuedAt = time.Now().UTC()
		}
		_, err := r.DB.Exec(ctx, q, it.ID, it.UserID, it.ProjectID, it.ImageID, it.BatchID,
			it.Model, it.Threshold, it.DetectHoles, domain.QueueItemQueued, 0, "", "",
			it.EnqueuedAt, nil, nil)
		if err != nil {
			return fmt.Errorf("op=queue.create_batch image=%s: %w", it.ImageID, err)
		}
	}
	return nil
}

// Get loads one item.
func (r *QueueRepo) Get(ctx domain.Context, id string) (domain.QueueItem, error) {
	it, err := scanQueueItem(r.DB.QueryRow(ctx, `SELECT `+queueCols+` FROM queue_items WHERE id=$1`, id))
	if err != nil {
		return domain.QueueItem{}, notFound("queue.get", err)
	}
	return it, nil
}

// ListByIDs loads the named items.
func (r *QueueRepo) ListByIDs(ctx domain.Context, ids []string) ([]domain.QueueItem, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.DB.Query(ctx, `SELECT `+queueCols+` FROM queue_items WHERE id = ANY($1) ORDER BY enqueued_at, id`, ids)
	if err != nil {
		return nil, fmt.Errorf("op=queue.list_ids: %w", err)
	}
	defer rows.Close()
	return collectQueueItems(rows)
}

// ListPending returns the project's queued and processing items in
// dispatch order.
func (r *QueueRepo) ListPending(ctx domain.Context, projectID string) ([]domain.QueueItem, error) {
	rows, err := r.DB.Query(ctx,
		`SELECT `+queueCols+` FROM queue_items WHERE project_id=$1 AND status IN ('queued','processing') ORDER BY enqueued_at, id`,
		projectID)
	if err != nil {
		return nil, fmt.Errorf("op=queue.list_pending: %w", err)
	}
	defer rows.Close()
	return collectQueueItems(rows)
}

// ListQueuedByUser returns the user's queued items across every project.
func (r *QueueRepo) ListQueuedByUser(ctx domain.Context, userID string) ([]domain.QueueItem, error) {
	rows, err := r.DB.Query(ctx,
		`SELECT `+queueCols+` FROM queue_items WHERE user_id=$1 AND status='queued' ORDER BY enqueued_at, id`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("op=queue.list_queued_by_user: %w", err)
	}
	defer rows.Close()
	return collectQueueItems(rows)
}

// ActiveItemForImage returns the single in-flight item for the image.
func (r *QueueRepo) ActiveItemForImage(ctx domain.Context, imageID string) (domain.QueueItem, error) {
	it, err := scanQueueItem(r.DB.QueryRow(ctx,
		`SELECT `+queueCols+` FROM queue_items WHERE image_id=$1 AND status IN ('queued','processing')`, imageID))
	if err != nil {
		return domain.QueueItem{}, notFound("queue.active_for_image", err)
	}
	return it, nil
}

// UsersWithQueued enumerates users holding queued work, oldest first so
// round-robin starts with the longest-waiting user.
func (r *QueueRepo) UsersWithQueued(ctx domain.Context) ([]string, error) {
	rows, err := r.DB.Query(ctx,
		`SELECT user_id FROM queue_items WHERE status='queued' GROUP BY user_id ORDER BY MIN(enqueued_at), user_id`)
	if err != nil {
		return nil, fmt.Errorf("op=queue.users_with_queued: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("op=queue.users_with_queued: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ClaimNext atomically moves up to limit of the user's oldest queued items
// to processing. SKIP LOCKED keeps concurrent dispatchers from claiming
// the same rows.
func (r *QueueRepo) ClaimNext(ctx domain.Context, userID string, limit int) ([]domain.QueueItem, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.ClaimNext")
	defer span.End()
	if limit <= 0 {
		return nil, nil
	}
	q := `UPDATE queue_items SET status='processing', started_at=$3
		WHERE id IN (
			SELECT id FROM queue_items
			WHERE user_id=$1 AND status='queued'
			ORDER BY enqueued_at, id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + queueCols
	rows, err := r.DB.Query(ctx, q, userID, limit, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("op=queue.claim_next: %w", err)
	}
	defer rows.Close()
	return collectQueueItems(rows)
}

// CountProcessing returns the user's in-flight count, used to enforce the
// per-user fairness cap.
func (r *QueueRepo) CountProcessing(ctx domain.Context, userID string) (int, error) {
	var n int
	err := r.DB.QueryRow(ctx,
		`SELECT COUNT(*) FROM queue_items WHERE user_id=$1 AND status='processing'`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("op=queue.count_processing: %w", err)
	}
	return n, nil
}

// CancelQueued cancels the given items if they are still queued and owned
// by the user, returning the ids actually cancelled. Items that advanced
// to processing are left alone; the caller reports them as skipped.
func (r *QueueRepo) CancelQueued(ctx domain.Context, userID string, ids []string) ([]string, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.CancelQueued")
	defer span.End()
	if len(ids) == 0 {
		return nil, nil
	}
	q := `UPDATE queue_items SET status='cancelled', completed_at=$3
		WHERE user_id=$1 AND id = ANY($2) AND status='queued'
		RETURNING id`
	rows, err := r.DB.Query(ctx, q, userID, ids, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("op=queue.cancel_queued: %w", err)
	}
	defer rows.Close()
	var cancelled []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("op=queue.cancel_queued: %w", err)
		}
		cancelled = append(cancelled, id)
	}
	return cancelled, rows.Err()
}

// Finish applies a terminal status conditional on the item still being in
// processing. A cancelled item stays cancelled; the guard failing is the
// no-resurrection invariant at the store level.
func (r *QueueRepo) Finish(ctx domain.Context, id string, status domain.QueueItemStatus, code domain.ErrorCode, msg string) error {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.Finish")
	defer span.End()
	q := `UPDATE queue_items SET status=$2, error_code=$3, error=$4, completed_at=$5
		WHERE id=$1 AND status='processing'`
	tag, err := r.DB.Exec(ctx, q, id, status, code, msg, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=queue.finish: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=queue.finish: item %s no longer processing: %w", id, domain.ErrConflict)
	}
	return nil
}

// MarkRetry returns a processing item to queued with an incremented retry
// counter. Conditional on processing for the same reason Finish is.
func (r *QueueRepo) MarkRetry(ctx domain.Context, id string, msg string) error {
	q := `UPDATE queue_items SET status='queued', retry_count=retry_count+1, error=$2, started_at=NULL
		WHERE id=$1 AND status='processing'`
	tag, err := r.DB.Exec(ctx, q, id, msg)
	if err != nil {
		return fmt.Errorf("op=queue.mark_retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=queue.mark_retry: item %s no longer processing: %w", id, domain.ErrConflict)
	}
	return nil
}

// Stats aggregates counts and a wait estimate for a project.
func (r *QueueRepo) Stats(ctx domain.Context, projectID string) (domain.QueueStats, error) {
	return r.stats(ctx, `project_id`, projectID)
}

// StatsByUser aggregates counts and a wait estimate for a user.
func (r *QueueRepo) StatsByUser(ctx domain.Context, userID string) (domain.QueueStats, error) {
	st, err := r.stats(ctx, `user_id`, userID)
	if err != nil {
		return st, err
	}
	st.UserID = userID
	st.ProjectID = ""
	return st, nil
}

func (r *QueueRepo) stats(ctx domain.Context, col, id string) (domain.QueueStats, error) {
	q := `SELECT
		COUNT(*) FILTER (WHERE status='queued'),
		COUNT(*) FILTER (WHERE status='processing'),
		COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - started_at)) * 1000)
			FILTER (WHERE status='completed' AND started_at IS NOT NULL AND completed_at IS NOT NULL), 0)
		FROM queue_items WHERE ` + col + `=$1`
	var st domain.QueueStats
	var avgMs float64
	if err := r.DB.QueryRow(ctx, q, id).Scan(&st.Queued, &st.Processing, &avgMs); err != nil {
		return domain.QueueStats{}, fmt.Errorf("op=queue.stats: %w", err)
	}
	if col == "project_id" {
		st.ProjectID = id
	}
	st.AvgInferenceMs = int64(avgMs)
	// Naive estimate: queued depth times the historical average run time.
	st.EstimatedWait = time.Duration(st.Queued) * time.Duration(st.AvgInferenceMs) * time.Millisecond
	return st, nil
}

// MarkInterrupted fails every processing item, used at startup after a
// crash so clients see a terminal state instead of a stuck spinner.
func (r *QueueRepo) MarkInterrupted(ctx domain.Context) (int, error) {
	q := `UPDATE queue_items SET status='failed', error_code=$1, error='process restarted mid-run', completed_at=$2
		WHERE status='processing'`
	tag, err := r.DB.Exec(ctx, q, domain.CodeInterrupted, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("op=queue.mark_interrupted: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// PurgeFinishedBefore removes terminal items older than the cutoff.
func (r *QueueRepo) PurgeFinishedBefore(ctx domain.Context, cutoff time.Time) (int, error) {
	q := `DELETE FROM queue_items WHERE status IN ('completed','failed','cancelled') AND completed_at < $1`
	tag, err := r.DB.Exec(ctx, q, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=queue.purge: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func collectQueueItems(rows interface {
	Next() bool
	Scan(...any) error
	Err() error
}) ([]domain.QueueItem, error) {
	var out []domain.QueueItem
	for rows.Next() {
		it, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("op=queue.scan: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}
