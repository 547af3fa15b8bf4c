package memory

import (
	"fmt"
	"sort"
	"time"

	"github.com/histoseg/platform/internal/domain"
)

type exportRepo Store

func (r *exportRepo) Create(_ domain.Context, j domain.ExportJob) (string, error) {
	defer (*Store)(r).lock()()
	j.ID = orNewID(j.ID)
	j.Status = domain.ExportPending
	j.Phase = domain.PhaseQueued
	j.Progress = 0
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	r.exports[j.ID] = j
	return j.ID, nil
}

func (r *exportRepo) Get(_ domain.Context, id string) (domain.ExportJob, error) {
	defer (*Store)(r).rlock()()
	j, ok := r.exports[id]
	if !ok {
		return domain.ExportJob{}, fmt.Errorf("op=export.get: %w", domain.ErrNotFound)
	}
	return j, nil
}

func (r *exportRepo) ListByProject(_ domain.Context, projectID string) ([]domain.ExportJob, error) {
	defer (*Store)(r).rlock()()
	var out []domain.ExportJob
	for _, j := range r.exports {
		if j.ProjectID == projectID {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *exportRepo) Status(_ domain.Context, id string) (domain.ExportStatus, error) {
	defer (*Store)(r).rlock()()
	j, ok := r.exports[id]
	if !ok {
		return "", fmt.Errorf("op=export.status: %w", domain.ErrNotFound)
	}
	return j.Status, nil
}

func (r *exportRepo) Transition(_ domain.Context, id string, prior []domain.ExportStatus, next domain.ExportStatus) error {
	defer (*Store)(r).lock()()
	j, ok := r.exports[id]
	if !ok {
		return fmt.Errorf("op=export.transition: %w", domain.ErrNotFound)
	}
	matched := false
	for _, p := range prior {
		if j.Status == p {
			matched = true
			break
		}
	}
	if !matched {
		return fmt.Errorf("op=export.transition: job %s not in %v: %w", id, prior, domain.ErrConflict)
	}
	now := time.Now().UTC()
	j.Status = next
	if next == domain.ExportProcessing && j.StartedAt == nil {
		j.StartedAt = &now
	}
	if next.Terminal() {
		j.CompletedAt = &now
	}
	r.exports[id] = j
	return nil
}

func (r *exportRepo) SetPhase(_ domain.Context, id string, phase domain.ExportPhase, progress float64) error {
	defer (*Store)(r).lock()()
	j, ok := r.exports[id]
	if !ok {
		return fmt.Errorf("op=export.set_phase: %w", domain.ErrNotFound)
	}
	if j.Status != domain.ExportProcessing {
		return nil
	}
	j.Phase = phase
	j.Progress = progress
	r.exports[id] = j
	return nil
}

func (r *exportRepo) SetArtifact(_ domain.Context, id, path, checksum string) error {
	defer (*Store)(r).lock()()
	j, ok := r.exports[id]
	if !ok {
		return fmt.Errorf("op=export.set_artifact: %w", domain.ErrNotFound)
	}
	if j.Status != domain.ExportProcessing {
		return fmt.Errorf("op=export.set_artifact: job %s no longer processing: %w", id, domain.ErrConflict)
	}
	now := time.Now().UTC()
	j.Status = domain.ExportCompleted
	j.Phase = domain.PhaseReady
	j.Progress = 100
	j.ArtifactPath = path
	j.Checksum = checksum
	j.CompletedAt = &now
	r.exports[id] = j
	return nil
}

func (r *exportRepo) SetFailure(_ domain.Context, id string, code domain.ErrorCode, msg string) error {
	defer (*Store)(r).lock()()
	j, ok := r.exports[id]
	if !ok {
		return fmt.Errorf("op=export.set_failure: %w", domain.ErrNotFound)
	}
	if j.Status.Terminal() {
		return fmt.Errorf("op=export.set_failure: job %s already terminal: %w", id, domain.ErrConflict)
	}
	now := time.Now().UTC()
	j.Status = domain.ExportFailed
	j.ErrorCode = code
	j.Error = msg
	j.CompletedAt = &now
	r.exports[id] = j
	return nil
}

func (r *exportRepo) MarkInterrupted(_ domain.Context) ([]domain.ExportJob, error) {
	defer (*Store)(r).lock()()
	now := time.Now().UTC()
	var out []domain.ExportJob
	for id, j := range r.exports {
		if j.Status == domain.ExportPending || j.Status == domain.ExportProcessing {
			j.Status = domain.ExportFailed
			j.ErrorCode = domain.CodeInterrupted
			j.Error = "process restarted mid-run"
			j.CompletedAt = &now
			r.exports[id] = j
			out = append(out, j)
		}
	}
	return out, nil
}

func (r *exportRepo) PurgeFinishedBefore(_ domain.Context, cutoff time.Time) (int, error) {
	defer (*Store)(r).lock()()
	n := 0
	for id, j := range r.exports {
		if j.Status.Terminal() && j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
			delete(r.exports, id)
			n++
		}
	}
	return n, nil
}
