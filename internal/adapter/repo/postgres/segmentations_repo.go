package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/histoseg/platform/internal/domain"
)

// SegmentationRepo persists polygon sets as JSONB.
type SegmentationRepo struct{ DB DB }

// Replace swaps any prior segmentation for the image in one statement.
// The unique constraint on image_id makes the upsert atomic.
func (r *SegmentationRepo) Replace(ctx domain.Context, s domain.Segmentation) (string, error) {
	id := s.ID
	if id == "" {
		id = uuid.New().String()
	}
	polys, err := json.Marshal(s.Polygons)
	if err != nil {
		return "", fmt.Errorf("op=segmentation.replace: %w", err)
	}
	q := `INSERT INTO segmentations (id, image_id, polygons, model, threshold, detect_holes, inference_ms, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (image_id) DO UPDATE SET
			id=EXCLUDED.id, polygons=EXCLUDED.polygons, model=EXCLUDED.model,
			threshold=EXCLUDED.threshold, detect_holes=EXCLUDED.detect_holes,
			inference_ms=EXCLUDED.inference_ms, created_at=EXCLUDED.created_at`
	_, err = r.DB.Exec(ctx, q, id, s.ImageID, polys, s.Model, s.Threshold, s.DetectHoles,
		s.InferenceDur.Milliseconds(), time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("op=segmentation.replace: %w", err)
	}
	return id, nil
}

// GetByImage loads the segmentation for an image.
func (r *SegmentationRepo) GetByImage(ctx domain.Context, imageID string) (domain.Segmentation, error) {
	q := `SELECT id, image_id, polygons, model, threshold, detect_holes, inference_ms, created_at
		FROM segmentations WHERE image_id=$1`
	var s domain.Segmentation
	var polys []byte
	var infMs int64
	err := r.DB.QueryRow(ctx, q, imageID).Scan(&s.ID, &s.ImageID, &polys, &s.Model, &s.Threshold,
		&s.DetectHoles, &infMs, &s.CreatedAt)
	if err != nil {
		return domain.Segmentation{}, notFound("segmentation.get_by_image", err)
	}
	if err := json.Unmarshal(polys, &s.Polygons); err != nil {
		return domain.Segmentation{}, fmt.Errorf("op=segmentation.get_by_image: %w", err)
	}
	s.InferenceDur = time.Duration(infMs) * time.Millisecond
	return s, nil
}

// DeleteByImage removes the segmentation for an image, if any.
func (r *SegmentationRepo) DeleteByImage(ctx domain.Context, imageID string) error {
	if _, err := r.DB.Exec(ctx, `DELETE FROM segmentations WHERE image_id=$1`, imageID); err != nil {
		return fmt.Errorf("op=segmentation.delete_by_image: %w", err)
	}
	return nil
}
