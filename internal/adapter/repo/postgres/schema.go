package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is applied idempotently at startup. Schema migrations proper are
// an external collaborator; this bootstrap only guarantees a dev/test
// database is usable.
const schema = `
CREATE TABLE IF NOT EXISTS users (
	id UUID PRIMARY KEY,
	email TEXT NOT NULL UNIQUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS projects (
	id UUID PRIMARY KEY,
	user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS images (
	id UUID PRIMARY KEY,
	project_id UUID NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	storage_path TEXT NOT NULL,
	thumbnail_path TEXT NOT NULL DEFAULT '',
	seg_thumbnail_path TEXT NOT NULL DEFAULT '',
	width INT NOT NULL DEFAULT 0,
	height INT NOT NULL DEFAULT 0,
	size_bytes BIGINT NOT NULL DEFAULT 0,
	mime TEXT NOT NULL DEFAULT '',
	segmentation_status TEXT NOT NULL DEFAULT 'none',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_images_project ON images(project_id);

CREATE TABLE IF NOT EXISTS segmentations (
	id UUID PRIMARY KEY,
	image_id UUID NOT NULL UNIQUE REFERENCES images(id) ON DELETE CASCADE,
	polygons JSONB NOT NULL,
	model TEXT NOT NULL,
	threshold DOUBLE PRECISION NOT NULL,
	detect_holes BOOLEAN NOT NULL DEFAULT false,
	inference_ms BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS queue_items (
	id UUID PRIMARY KEY,
	user_id UUID NOT NULL,
	project_id UUID NOT NULL,
	image_id UUID NOT NULL,
	batch_id UUID NOT NULL,
	model TEXT NOT NULL,
	threshold DOUBLE PRECISION NOT NULL,
	detect_holes BOOLEAN NOT NULL DEFAULT false,
	status TEXT NOT NULL DEFAULT 'queued',
	retry_count INT NOT NULL DEFAULT 0,
	error_code TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	enqueued_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_queue_status ON queue_items(status, user_id, enqueued_at, id);
-- Single in-flight per image: enforced at the database, not just in code.
CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_active_image
	ON queue_items(image_id) WHERE status IN ('queued','processing');

CREATE TABLE IF NOT EXISTS export_jobs (
	id UUID PRIMARY KEY,
	project_id UUID NOT NULL,
	user_id UUID NOT NULL,
	options JSONB NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	phase TEXT NOT NULL DEFAULT 'queued',
	progress DOUBLE PRECISION NOT NULL DEFAULT 0,
	artifact_path TEXT NOT NULL DEFAULT '',
	checksum TEXT NOT NULL DEFAULT '',
	error_code TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_export_project ON export_jobs(project_id, created_at);

CREATE TABLE IF NOT EXISTS project_shares (
	id UUID PRIMARY KEY,
	project_id UUID NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	shared_by_id UUID NOT NULL,
	email TEXT NOT NULL DEFAULT '',
	shared_with_id UUID,
	share_token TEXT NOT NULL UNIQUE,
	token_expiry TIMESTAMPTZ,
	status TEXT NOT NULL DEFAULT 'pending',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_shares_project ON project_shares(project_id);
CREATE INDEX IF NOT EXISTS idx_shares_recipient ON project_shares(shared_with_id) WHERE status = 'accepted';
`

// Bootstrap applies the idempotent schema.
func Bootstrap(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("op=postgres.Bootstrap: %w", err)
	}
	return nil
}
