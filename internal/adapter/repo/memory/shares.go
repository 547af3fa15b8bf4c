package memory

import (
	"fmt"
	"sort"
	"time"

	"github.com/histoseg/platform/internal/domain"
)

type shareRepo Store

func (r *shareRepo) Create(_ domain.Context, s domain.ProjectShare) (string, error) {
	defer (*Store)(r).lock()()
	s.ID = orNewID(s.ID)
	s.Status = domain.SharePending
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	r.shares[s.ID] = s
	return s.ID, nil
}

func (r *shareRepo) Get(_ domain.Context, id string) (domain.ProjectShare, error) {
	defer (*Store)(r).rlock()()
	s, ok := r.shares[id]
	if !ok {
		return domain.ProjectShare{}, fmt.Errorf("op=share.get: %w", domain.ErrNotFound)
	}
	return s, nil
}

func (r *shareRepo) GetByToken(_ domain.Context, token string) (domain.ProjectShare, error) {
	defer (*Store)(r).rlock()()
	for _, s := range r.shares {
		if s.ShareToken == token {
			return s, nil
		}
	}
	return domain.ProjectShare{}, fmt.Errorf("op=share.get_by_token: %w", domain.ErrNotFound)
}

func (r *shareRepo) ListByProject(_ domain.Context, projectID string) ([]domain.ProjectShare, error) {
	defer (*Store)(r).rlock()()
	var out []domain.ProjectShare
	for _, s := range r.shares {
		if s.ProjectID == projectID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *shareRepo) AcceptedUserIDs(_ domain.Context, projectID string) ([]string, error) {
	defer (*Store)(r).rlock()()
	var out []string
	for _, s := range r.shares {
		if s.ProjectID == projectID && s.Status == domain.ShareAccepted && s.SharedWithID != "" {
			out = append(out, s.SharedWithID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (r *shareRepo) Accept(_ domain.Context, id, userID string) error {
	defer (*Store)(r).lock()()
	s, ok := r.shares[id]
	if !ok {
		return fmt.Errorf("op=share.accept: %w", domain.ErrNotFound)
	}
	if s.Status != domain.SharePending {
		return fmt.Errorf("op=share.accept: share %s not pending: %w", id, domain.ErrConflict)
	}
	if s.TokenExpiry != nil && s.TokenExpiry.Before(time.Now()) {
		return fmt.Errorf("op=share.accept: share %s expired: %w", id, domain.ErrConflict)
	}
	s.Status = domain.ShareAccepted
	s.SharedWithID = userID
	r.shares[id] = s
	return nil
}

func (r *shareRepo) Revoke(_ domain.Context, id string) error {
	defer (*Store)(r).lock()()
	s, ok := r.shares[id]
	if !ok {
		return fmt.Errorf("op=share.revoke: %w", domain.ErrNotFound)
	}
	s.Status = domain.ShareRevoked
	r.shares[id] = s
	return nil
}
