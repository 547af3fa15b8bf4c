package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/histoseg/platform/internal/domain"
)

// ShareRepo persists project shares.
type ShareRepo struct{ DB DB }

const shareCols = `id, project_id, shared_by_id, email, COALESCE(shared_with_id::text,''), share_token, token_expiry, status, created_at`

func scanShare(row interface{ Scan(...any) error }) (domain.ProjectShare, error) {
	var s domain.ProjectShare
	err := row.Scan(&s.ID, &s.ProjectID, &s.SharedByID, &s.Email, &s.SharedWithID,
		&s.ShareToken, &s.TokenExpiry, &s.Status, &s.CreatedAt)
	return s, err
}

// Create inserts a pending share and returns its id.
func (r *ShareRepo) Create(ctx domain.Context, s domain.ProjectShare) (string, error) {
	id := s.ID
	if id == "" {
		id = uuid.New().String()
	}
	var sharedWith any
	if s.SharedWithID != "" {
		sharedWith = s.SharedWithID
	}
	q := `INSERT INTO project_shares (id, project_id, shared_by_id, email, shared_with_id, share_token, token_expiry, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err := r.DB.Exec(ctx, q, id, s.ProjectID, s.SharedByID, s.Email, sharedWith,
		s.ShareToken, s.TokenExpiry, domain.SharePending, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("op=share.create: %w", err)
	}
	return id, nil
}

// Get loads one share.
func (r *ShareRepo) Get(ctx domain.Context, id string) (domain.ProjectShare, error) {
	s, err := scanShare(r.DB.QueryRow(ctx, `SELECT `+shareCols+` FROM project_shares WHERE id=$1`, id))
	if err != nil {
		return domain.ProjectShare{}, notFound("share.get", err)
	}
	return s, nil
}

// GetByToken loads a share by its invitation token.
func (r *ShareRepo) GetByToken(ctx domain.Context, token string) (domain.ProjectShare, error) {
	s, err := scanShare(r.DB.QueryRow(ctx, `SELECT `+shareCols+` FROM project_shares WHERE share_token=$1`, token))
	if err != nil {
		return domain.ProjectShare{}, notFound("share.get_by_token", err)
	}
	return s, nil
}

// ListByProject returns all shares of a project.
func (r *ShareRepo) ListByProject(ctx domain.Context, projectID string) ([]domain.ProjectShare, error) {
	rows, err := r.DB.Query(ctx, `SELECT `+shareCols+` FROM project_shares WHERE project_id=$1 ORDER BY created_at`, projectID)
	if err != nil {
		return nil, fmt.Errorf("op=share.list: %w", err)
	}
	defer rows.Close()
	var out []domain.ProjectShare
	for rows.Next() {
		s, err := scanShare(rows)
		if err != nil {
			return nil, fmt.Errorf("op=share.list: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// AcceptedUserIDs returns recipients with accepted shares for fanout.
func (r *ShareRepo) AcceptedUserIDs(ctx domain.Context, projectID string) ([]string, error) {
	rows, err := r.DB.Query(ctx,
		`SELECT shared_with_id FROM project_shares WHERE project_id=$1 AND status='accepted' AND shared_with_id IS NOT NULL`,
		projectID)
	if err != nil {
		return nil, fmt.Errorf("op=share.accepted_users: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("op=share.accepted_users: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Accept binds the share to the accepting user, conditional on it still
// being pending and unexpired.
func (r *ShareRepo) Accept(ctx domain.Context, id, userID string) error {
	q := `UPDATE project_shares SET status='accepted', shared_with_id=$2
		WHERE id=$1 AND status='pending' AND (token_expiry IS NULL OR token_expiry > now())`
	tag, err := r.DB.Exec(ctx, q, id, userID)
	if err != nil {
		return fmt.Errorf("op=share.accept: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=share.accept: share %s not pending or expired: %w", id, domain.ErrConflict)
	}
	return nil
}

// Revoke terminates a share in any state.
func (r *ShareRepo) Revoke(ctx domain.Context, id string) error {
	tag, err := r.DB.Exec(ctx, `UPDATE project_shares SET status='revoked' WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("op=share.revoke: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=share.revoke: %w", domain.ErrNotFound)
	}
	return nil
}
