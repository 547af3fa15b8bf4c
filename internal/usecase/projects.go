// Package usecase holds the request-level services between the HTTP
// adapters and the engines: project CRUD, uploads, image management, and
// project sharing.
package usecase

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/histoseg/platform/internal/domain"
)

// ProjectService owns project lifecycle and the access closure used by
// every project-scoped endpoint and the realtime hub.
type ProjectService struct {
	store     domain.Store
	uploadDir string
}

// NewProjectService constructs the service.
func NewProjectService(store domain.Store, uploadDir string) *ProjectService {
	return &ProjectService{store: store, uploadDir: uploadDir}
}

// Create records a new project for the user.
func (s *ProjectService) Create(ctx domain.Context, userID, title, description string) (domain.Project, error) {
	if title == "" {
		return domain.Project{}, fmt.Errorf("op=projects.Create: title required: %w", domain.ErrInvalidArgument)
	}
	id, err := s.store.Projects().Create(ctx, domain.Project{
		UserID: userID, Title: title, Description: description,
	})
	if err != nil {
		return domain.Project{}, fmt.Errorf("op=projects.Create: %w", err)
	}
	p, err := s.store.Projects().Get(ctx, id)
	if err != nil {
		return domain.Project{}, fmt.Errorf("op=projects.Create: %w", err)
	}
	return p, nil
}

// Get returns the project if the user may read it.
func (s *ProjectService) Get(ctx domain.Context, userID, projectID string) (domain.Project, error) {
	if err := s.Authorize(ctx, userID, projectID); err != nil {
		return domain.Project{}, err
	}
	p, err := s.store.Projects().Get(ctx, projectID)
	if err != nil {
		return domain.Project{}, fmt.Errorf("op=projects.Get: %w", err)
	}
	return p, nil
}

// List returns the user's own projects.
func (s *ProjectService) List(ctx domain.Context, userID string) ([]domain.Project, error) {
	ps, err := s.store.Projects().ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("op=projects.List: %w", err)
	}
	return ps, nil
}

// Delete removes the project and its files. Owner only.
func (s *ProjectService) Delete(ctx domain.Context, userID, projectID string) error {
	p, err := s.store.Projects().Get(ctx, projectID)
	if err != nil {
		return fmt.Errorf("op=projects.Delete: %w", err)
	}
	if p.UserID != userID {
		return fmt.Errorf("op=projects.Delete: not the owner: %w", domain.ErrForbidden)
	}
	if err := s.store.Projects().Delete(ctx, projectID); err != nil {
		return fmt.Errorf("op=projects.Delete: %w", err)
	}
	_ = os.RemoveAll(filepath.Join(s.uploadDir, p.UserID, p.ID))
	return nil
}

// Authorize returns nil when the user owns the project or holds an
// accepted share; ErrForbidden otherwise.
func (s *ProjectService) Authorize(ctx domain.Context, userID, projectID string) error {
	ok, err := s.store.Projects().Accessible(ctx, userID, projectID)
	if err != nil {
		return fmt.Errorf("op=projects.Authorize: %w", err)
	}
	if !ok {
		return fmt.Errorf("op=projects.Authorize: user %s project %s: %w", userID, projectID, domain.ErrForbidden)
	}
	return nil
}

// Accessible adapts Authorize to the realtime hub's checker signature.
func (s *ProjectService) Accessible(ctx domain.Context, userID, projectID string) (bool, error) {
	return s.store.Projects().Accessible(ctx, userID, projectID)
}
