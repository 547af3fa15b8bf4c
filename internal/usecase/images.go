package usecase

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/histoseg/platform/internal/domain"
)

// ImageService reads and removes images and their segmentations.
type ImageService struct {
	store     domain.Store
	uploadDir string
}

// NewImageService constructs the service.
func NewImageService(store domain.Store, uploadDir string) *ImageService {
	return &ImageService{store: store, uploadDir: uploadDir}
}

// Get returns one image.
func (s *ImageService) Get(ctx domain.Context, imageID string) (domain.Image, error) {
	img, err := s.store.Images().Get(ctx, imageID)
	if err != nil {
		return domain.Image{}, fmt.Errorf("op=images.Get: %w", err)
	}
	return img, nil
}

// ListByProject returns the project's images.
func (s *ImageService) ListByProject(ctx domain.Context, projectID string) ([]domain.Image, error) {
	imgs, err := s.store.Images().ListByProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("op=images.ListByProject: %w", err)
	}
	return imgs, nil
}

// Segmentation returns the image's polygon set.
func (s *ImageService) Segmentation(ctx domain.Context, imageID string) (domain.Segmentation, error) {
	seg, err := s.store.Segmentations().GetByImage(ctx, imageID)
	if err != nil {
		return domain.Segmentation{}, fmt.Errorf("op=images.Segmentation: %w", err)
	}
	return seg, nil
}

// Delete removes the image, its segmentation, and its files. An image
// with an active queue item cannot be deleted; cancel first.
func (s *ImageService) Delete(ctx domain.Context, imageID string) error {
	img, err := s.store.Images().Get(ctx, imageID)
	if err != nil {
		return fmt.Errorf("op=images.Delete: %w", err)
	}
	if _, err := s.store.Queue().ActiveItemForImage(ctx, imageID); err == nil {
		return fmt.Errorf("op=images.Delete: image has an active queue item: %w", domain.ErrConflict)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("op=images.Delete: %w", err)
	}

	if err := s.store.Images().Delete(ctx, imageID); err != nil {
		return fmt.Errorf("op=images.Delete: %w", err)
	}
	for _, rel := range []string{img.StoragePath, img.ThumbnailPath, img.SegThumbnailPath} {
		if rel != "" {
			_ = os.Remove(filepath.Join(s.uploadDir, rel))
		}
	}
	return nil
}
