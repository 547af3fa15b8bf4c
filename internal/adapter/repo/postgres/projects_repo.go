package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/histoseg/platform/internal/domain"
)

// ProjectRepo persists projects.
type ProjectRepo struct{ DB DB }

// Create inserts a project and returns its id.
func (r *ProjectRepo) Create(ctx domain.Context, p domain.Project) (string, error) {
	id := p.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	q := `INSERT INTO projects (id, user_id, title, description, created_at, updated_at) VALUES ($1,$2,$3,$4,$5,$6)`
	if _, err := r.DB.Exec(ctx, q, id, p.UserID, p.Title, p.Description, now, now); err != nil {
		return "", fmt.Errorf("op=project.create: %w", err)
	}
	return id, nil
}

// Get loads a project by id.
func (r *ProjectRepo) Get(ctx domain.Context, id string) (domain.Project, error) {
	q := `SELECT id, user_id, title, description, created_at, updated_at FROM projects WHERE id=$1`
	var p domain.Project
	if err := r.DB.QueryRow(ctx, q, id).Scan(&p.ID, &p.UserID, &p.Title, &p.Description, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return domain.Project{}, notFound("project.get", err)
	}
	return p, nil
}

// ListByUser returns projects owned by the user, newest first.
func (r *ProjectRepo) ListByUser(ctx domain.Context, userID string) ([]domain.Project, error) {
	q := `SELECT id, user_id, title, description, created_at, updated_at FROM projects WHERE user_id=$1 ORDER BY created_at DESC`
	rows, err := r.DB.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("op=project.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.UserID, &p.Title, &p.Description, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("op=project.list: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Delete removes a project; images and shares cascade.
func (r *ProjectRepo) Delete(ctx domain.Context, id string) error {
	tag, err := r.DB.Exec(ctx, `DELETE FROM projects WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("op=project.delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=project.delete: %w", domain.ErrNotFound)
	}
	return nil
}

// Accessible reports ownership or an accepted share in one query.
func (r *ProjectRepo) Accessible(ctx domain.Context, userID, projectID string) (bool, error) {
	q := `SELECT EXISTS (
		SELECT 1 FROM projects WHERE id=$1 AND user_id=$2
		UNION
		SELECT 1 FROM project_shares WHERE project_id=$1 AND shared_with_id=$2 AND status='accepted'
	)`
	var ok bool
	if err := r.DB.QueryRow(ctx, q, projectID, userID).Scan(&ok); err != nil {
		return false, fmt.Errorf("op=project.accessible: %w", err)
	}
	return ok, nil
}
