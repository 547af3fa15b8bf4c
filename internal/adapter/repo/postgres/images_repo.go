package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/histoseg/platform/internal/domain"
)

// ImageRepo persists images.
type ImageRepo struct{ DB DB }

const imageCols = `id, project_id, name, storage_path, thumbnail_path, seg_thumbnail_path,
	width, height, size_bytes, mime, segmentation_status, created_at, updated_at`

func scanImage(row interface{ Scan(...any) error }) (domain.Image, error) {
	var img domain.Image
	err := row.Scan(&img.ID, &img.ProjectID, &img.Name, &img.StoragePath, &img.ThumbnailPath,
		&img.SegThumbnailPath, &img.Width, &img.Height, &img.SizeBytes, &img.MIME,
		&img.SegmentationStatus, &img.CreatedAt, &img.UpdatedAt)
	return img, err
}

// Create inserts an image and returns its id.
func (r *ImageRepo) Create(ctx domain.Context, img domain.Image) (string, error) {
	id := img.ID
	if id == "" {
		id = uuid.New().String()
	}
	status := img.SegmentationStatus
	if status == "" {
		status = domain.SegStatusNone
	}
	now := time.Now().UTC()
	q := `INSERT INTO images (` + imageCols + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`
	_, err := r.DB.Exec(ctx, q, id, img.ProjectID, img.Name, img.StoragePath, img.ThumbnailPath,
		img.SegThumbnailPath, img.Width, img.Height, img.SizeBytes, img.MIME, status, now, now)
	if err != nil {
		return "", fmt.Errorf("op=image.create: %w", err)
	}
	return id, nil
}

// Get loads an image by id.
func (r *ImageRepo) Get(ctx domain.Context, id string) (domain.Image, error) {
	img, err := scanImage(r.DB.QueryRow(ctx, `SELECT `+imageCols+` FROM images WHERE id=$1`, id))
	if err != nil {
		return domain.Image{}, notFound("image.get", err)
	}
	return img, nil
}

// ListByProject returns the project's images ordered by id for stable
// export ordering.
func (r *ImageRepo) ListByProject(ctx domain.Context, projectID string) ([]domain.Image, error) {
	rows, err := r.DB.Query(ctx, `SELECT `+imageCols+` FROM images WHERE project_id=$1 ORDER BY id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("op=image.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, fmt.Errorf("op=image.list: %w", err)
		}
		out = append(out, img)
	}
	return out, rows.Err()
}

// ListByIDs returns the named images ordered by id.
func (r *ImageRepo) ListByIDs(ctx domain.Context, ids []string) ([]domain.Image, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.DB.Query(ctx, `SELECT `+imageCols+` FROM images WHERE id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return nil, fmt.Errorf("op=image.list_ids: %w", err)
	}
	defer rows.Close()
	var out []domain.Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, fmt.Errorf("op=image.list_ids: %w", err)
		}
		out = append(out, img)
	}
	return out, rows.Err()
}

// UpdateStatus moves the image status unconditionally.
func (r *ImageRepo) UpdateStatus(ctx domain.Context, id string, next domain.SegmentationStatus) error {
	tag, err := r.DB.Exec(ctx, `UPDATE images SET segmentation_status=$2, updated_at=$3 WHERE id=$1`,
		id, next, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=image.update_status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=image.update_status: %w", domain.ErrNotFound)
	}
	return nil
}

// UpdateStatusFrom moves the image status only from one of the prior
// statuses; a stale guard yields ErrConflict.
func (r *ImageRepo) UpdateStatusFrom(ctx domain.Context, id string, prior []domain.SegmentationStatus, next domain.SegmentationStatus) error {
	priorStr := make([]string, len(prior))
	for i, s := range prior {
		priorStr[i] = string(s)
	}
	q := `UPDATE images SET segmentation_status=$2, updated_at=$3 WHERE id=$1 AND segmentation_status = ANY($4)`
	tag, err := r.DB.Exec(ctx, q, id, next, time.Now().UTC(), priorStr)
	if err != nil {
		return fmt.Errorf("op=image.update_status_from: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=image.update_status_from: image %s not in %v: %w", id, prior, domain.ErrConflict)
	}
	return nil
}

// SetSegThumbnail records the segmentation-thumbnail path.
func (r *ImageRepo) SetSegThumbnail(ctx domain.Context, id, path string) error {
	if _, err := r.DB.Exec(ctx, `UPDATE images SET seg_thumbnail_path=$2, updated_at=$3 WHERE id=$1`,
		id, path, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=image.set_seg_thumbnail: %w", err)
	}
	return nil
}

// Delete removes an image; its segmentation cascades.
func (r *ImageRepo) Delete(ctx domain.Context, id string) error {
	tag, err := r.DB.Exec(ctx, `DELETE FROM images WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("op=image.delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=image.delete: %w", domain.ErrNotFound)
	}
	return nil
}

// CountByStatus aggregates segmentation statuses for one project.
func (r *ImageRepo) CountByStatus(ctx domain.Context, projectID string) (map[domain.SegmentationStatus]int, error) {
	rows, err := r.DB.Query(ctx,
		`SELECT segmentation_status, COUNT(*) FROM images WHERE project_id=$1 GROUP BY segmentation_status`, projectID)
	if err != nil {
		return nil, fmt.Errorf("op=image.count_by_status: %w", err)
	}
	defer rows.Close()
	out := map[domain.SegmentationStatus]int{}
	for rows.Next() {
		var st domain.SegmentationStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("op=image.count_by_status: %w", err)
		}
		out[st] = n
	}
	return out, rows.Err()
}
