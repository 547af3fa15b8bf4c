package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/histoseg/platform/internal/domain"
)

// ExportRepo persists export jobs.
type ExportRepo struct{ DB DB }

const exportCols = `id, project_id, user_id, options, status, phase, progress, artifact_path,
	checksum, error_code, error, created_at, started_at, completed_at`

func scanExportJob(row interface{ Scan(...any) error }) (domain.ExportJob, error) {
	var j domain.ExportJob
	var opts []byte
	err := row.Scan(&j.ID, &j.ProjectID, &j.UserID, &opts, &j.Status, &j.Phase, &j.Progress,
		&j.ArtifactPath, &j.Checksum, &j.ErrorCode, &j.Error, &j.CreatedAt, &j.StartedAt, &j.CompletedAt)
	if err != nil {
		return domain.ExportJob{}, err
	}
	if err := json.Unmarshal(opts, &j.Options); err != nil {
		return domain.ExportJob{}, err
	}
	return j, nil
}

// Create inserts a pending export job and returns its id.
func (r *ExportRepo) Create(ctx domain.Context, j domain.ExportJob) (string, error) {
	tracer := otel.Tracer("repo.exports")
	ctx, span := tracer.Start(ctx, "exports.Create")
	defer span.End()
	id := j.ID
	if id == "" {
		id = uuid.New().String()
	}
	opts, err := json.Marshal(j.Options)
	if err != nil {
		return "", fmt.Errorf("op=export.create: %w", err)
	}
	q := `INSERT INTO export_jobs (id, project_id, user_id, options, status, phase, progress, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,0,$7)`
	_, err = r.DB.Exec(ctx, q, id, j.ProjectID, j.UserID, opts, domain.ExportPending, domain.PhaseQueued, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("op=export.create: %w", err)
	}
	return id, nil
}

// Get loads one export job.
func (r *ExportRepo) Get(ctx domain.Context, id string) (domain.ExportJob, error) {
	j, err := scanExportJob(r.DB.QueryRow(ctx, `SELECT `+exportCols+` FROM export_jobs WHERE id=$1`, id))
	if err != nil {
		return domain.ExportJob{}, notFound("export.get", err)
	}
	return j, nil
}

// ListByProject returns the project's export jobs, newest first.
func (r *ExportRepo) ListByProject(ctx domain.Context, projectID string) ([]domain.ExportJob, error) {
	rows, err := r.DB.Query(ctx,
		`SELECT `+exportCols+` FROM export_jobs WHERE project_id=$1 ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("op=export.list: %w", err)
	}
	defer rows.Close()
	var out []domain.ExportJob
	for rows.Next() {
		j, err := scanExportJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=export.list: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// Status re-reads only the status column. The pipeline calls this at every
// stage boundary, so it stays a single-column point read.
func (r *ExportRepo) Status(ctx domain.Context, id string) (domain.ExportStatus, error) {
	var st domain.ExportStatus
	if err := r.DB.QueryRow(ctx, `SELECT status FROM export_jobs WHERE id=$1`, id).Scan(&st); err != nil {
		return "", notFound("export.status", err)
	}
	return st, nil
}

// Transition applies next conditional on one of the prior statuses.
// Cancellation wins every race here: once cancelled, nothing moves the
// row again.
func (r *ExportRepo) Transition(ctx domain.Context, id string, prior []domain.ExportStatus, next domain.ExportStatus) error {
	tracer := otel.Tracer("repo.exports")
	ctx, span := tracer.Start(ctx, "exports.Transition")
	defer span.End()
	priorStr := make([]string, len(prior))
	for i, s := range prior {
		priorStr[i] = string(s)
	}
	var completedAt any
	if next.Terminal() {
		completedAt = time.Now().UTC()
	}
	var startedAt any
	if next == domain.ExportProcessing {
		startedAt = time.Now().UTC()
	}
	q := `UPDATE export_jobs SET status=$2,
		started_at=COALESCE($4, started_at),
		completed_at=COALESCE($5, completed_at)
		WHERE id=$1 AND status = ANY($3)`
	tag, err := r.DB.Exec(ctx, q, id, next, priorStr, startedAt, completedAt)
	if err != nil {
		return fmt.Errorf("op=export.transition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=export.transition: job %s not in %v: %w", id, prior, domain.ErrConflict)
	}
	return nil
}

// SetPhase records pipeline position and weighted progress. Guarded on
// processing so a cancelled job never reports progress again.
func (r *ExportRepo) SetPhase(ctx domain.Context, id string, phase domain.ExportPhase, progress float64) error {
	q := `UPDATE export_jobs SET phase=$2, progress=$3 WHERE id=$1 AND status='processing'`
	if _, err := r.DB.Exec(ctx, q, id, phase, progress); err != nil {
		return fmt.Errorf("op=export.set_phase: %w", err)
	}
	return nil
}

// SetArtifact stores the archive path and checksum and completes the job,
// conditional on it still processing.
func (r *ExportRepo) SetArtifact(ctx domain.Context, id, path, checksum string) error {
	q := `UPDATE export_jobs SET status='completed', phase='ready', progress=100,
		artifact_path=$2, checksum=$3, completed_at=$4
		WHERE id=$1 AND status='processing'`
	tag, err := r.DB.Exec(ctx, q, id, path, checksum, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=export.set_artifact: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=export.set_artifact: job %s no longer processing: %w", id, domain.ErrConflict)
	}
	return nil
}

// SetFailure records a terminal failure, conditional on non-terminal state.
func (r *ExportRepo) SetFailure(ctx domain.Context, id string, code domain.ErrorCode, msg string) error {
	q := `UPDATE export_jobs SET status='failed', error_code=$2, error=$3, completed_at=$4
		WHERE id=$1 AND status IN ('pending','processing')`
	tag, err := r.DB.Exec(ctx, q, id, code, msg, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=export.set_failure: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=export.set_failure: job %s already terminal: %w", id, domain.ErrConflict)
	}
	return nil
}

// MarkInterrupted fails every in-flight job at startup and returns them so
// the caller can delete partial artifacts.
func (r *ExportRepo) MarkInterrupted(ctx domain.Context) ([]domain.ExportJob, error) {
	q := `UPDATE export_jobs SET status='failed', error_code=$1, error='process restarted mid-run', completed_at=$2
		WHERE status IN ('pending','processing')
		RETURNING ` + exportCols
	rows, err := r.DB.Query(ctx, q, domain.CodeInterrupted, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("op=export.mark_interrupted: %w", err)
	}
	defer rows.Close()
	var out []domain.ExportJob
	for rows.Next() {
		j, err := scanExportJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=export.mark_interrupted: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// PurgeFinishedBefore removes terminal jobs older than the cutoff.
func (r *ExportRepo) PurgeFinishedBefore(ctx domain.Context, cutoff time.Time) (int, error) {
	q := `DELETE FROM export_jobs WHERE status IN ('completed','failed','cancelled') AND completed_at < $1`
	tag, err := r.DB.Exec(ctx, q, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=export.purge: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
