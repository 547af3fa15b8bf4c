package domain

import "time"

// Store is the transactional persistence boundary. WithTxn runs fn against
// a store view bound to one transaction; the postgres variant retries
// deadlock/serialization failures with backoff, the in-memory variant runs
// fn under a single lock. All other inter-component communication goes
// through the bus, never shared memory.
type Store interface {
	Users() UserRepository
	Projects() ProjectRepository
	Images() ImageRepository
	Segmentations() SegmentationRepository
	Queue() QueueRepository
	Exports() ExportRepository
	Shares() ShareRepository

	WithTxn(ctx Context, fn func(Store) error) error
}

// UserRepository persists users.
type UserRepository interface {
	Create(ctx Context, u User) (string, error)
	Get(ctx Context, id string) (User, error)
	GetByEmail(ctx Context, email string) (User, error)
}

// ProjectRepository persists projects and answers the access-closure
// question: owner or accepted share.
type ProjectRepository interface {
	Create(ctx Context, p Project) (string, error)
	Get(ctx Context, id string) (Project, error)
	ListByUser(ctx Context, userID string) ([]Project, error)
	Delete(ctx Context, id string) error
	// Accessible reports whether userID owns the project or holds an
	// accepted share for it.
	Accessible(ctx Context, userID, projectID string) (bool, error)
}

// ImageRepository persists images. Status updates are CAS-guarded: an
// update conditioned on a prior status returns ErrConflict when stale.
type ImageRepository interface {
	Create(ctx Context, img Image) (string, error)
	Get(ctx Context, id string) (Image, error)
	ListByProject(ctx Context, projectID string) ([]Image, error)
	ListByIDs(ctx Context, ids []string) ([]Image, error)
	// UpdateStatus moves the image to next unconditionally.
	UpdateStatus(ctx Context, id string, next SegmentationStatus) error
	// UpdateStatusFrom moves the image to next only if it currently has
	// one of the prior statuses; otherwise ErrConflict.
	UpdateStatusFrom(ctx Context, id string, prior []SegmentationStatus, next SegmentationStatus) error
	SetSegThumbnail(ctx Context, id, path string) error
	Delete(ctx Context, id string) error
	CountByStatus(ctx Context, projectID string) (map[SegmentationStatus]int, error)
}

// SegmentationRepository persists polygon sets. Replace swaps the prior
// segmentation for the image atomically.
type SegmentationRepository interface {
	Replace(ctx Context, s Segmentation) (string, error)
	GetByImage(ctx Context, imageID string) (Segmentation, error)
	DeleteByImage(ctx Context, imageID string) error
}

// QueueRepository persists queue items and implements the claim primitive
// the dispatcher fairness depends on.
type QueueRepository interface {
	CreateBatch(ctx Context, items []QueueItem) error
	Get(ctx Context, id string) (QueueItem, error)
	ListByIDs(ctx Context, ids []string) ([]QueueItem, error)
	ListPending(ctx Context, projectID string) ([]QueueItem, error)
	// ListQueuedByUser returns the user's queued items across all projects,
	// FIFO, for the cancel-everything operation.
	ListQueuedByUser(ctx Context, userID string) ([]QueueItem, error)
	// ActiveItemForImage returns the queue item for the image in
	// {queued, processing}, or ErrNotFound.
	ActiveItemForImage(ctx Context, imageID string) (QueueItem, error)
	// UsersWithQueued enumerates users that have at least one queued item,
	// ordered by their oldest enqueuedAt.
	UsersWithQueued(ctx Context) ([]string, error)
	// ClaimNext atomically moves up to limit of the user's oldest queued
	// items to processing and returns them. FIFO by enqueuedAt, ties
	// broken by id.
	ClaimNext(ctx Context, userID string, limit int) ([]QueueItem, error)
	// CountProcessing returns the user's in-flight item count.
	CountProcessing(ctx Context, userID string) (int, error)
	// CancelQueued marks the given items cancelled if still queued and
	// returns the ids actually cancelled.
	CancelQueued(ctx Context, userID string, ids []string) ([]string, error)
	// Finish applies a terminal status conditional on the item still being
	// in processing; returns ErrConflict when the guard fails.
	Finish(ctx Context, id string, status QueueItemStatus, code ErrorCode, msg string) error
	// MarkRetry increments the retry counter and returns the item to
	// queued, conditional on processing.
	MarkRetry(ctx Context, id string, msg string) error
	Stats(ctx Context, projectID string) (QueueStats, error)
	StatsByUser(ctx Context, userID string) (QueueStats, error)
	// MarkInterrupted fails every processing item at startup.
	MarkInterrupted(ctx Context) (int, error)
	PurgeFinishedBefore(ctx Context, cutoff time.Time) (int, error)
}

// ExportRepository persists export jobs. Terminal transitions are CAS
// guarded the same way queue items are.
type ExportRepository interface {
	Create(ctx Context, j ExportJob) (string, error)
	Get(ctx Context, id string) (ExportJob, error)
	ListByProject(ctx Context, projectID string) ([]ExportJob, error)
	// Status re-reads only the status column; the pipeline polls this at
	// every stage boundary.
	Status(ctx Context, id string) (ExportStatus, error)
	// Transition applies next conditional on the job having one of the
	// prior statuses; ErrConflict when stale.
	Transition(ctx Context, id string, prior []ExportStatus, next ExportStatus) error
	SetPhase(ctx Context, id string, phase ExportPhase, progress float64) error
	SetArtifact(ctx Context, id, path, checksum string) error
	SetFailure(ctx Context, id string, code ErrorCode, msg string) error
	MarkInterrupted(ctx Context) ([]ExportJob, error)
	PurgeFinishedBefore(ctx Context, cutoff time.Time) (int, error)
}

// ShareRepository persists project shares.
type ShareRepository interface {
	Create(ctx Context, s ProjectShare) (string, error)
	Get(ctx Context, id string) (ProjectShare, error)
	GetByToken(ctx Context, token string) (ProjectShare, error)
	ListByProject(ctx Context, projectID string) ([]ProjectShare, error)
	// AcceptedUserIDs returns recipients with accepted shares, used for
	// stats fanout and room membership.
	AcceptedUserIDs(ctx Context, projectID string) ([]string, error)
	Accept(ctx Context, id, userID string) error
	Revoke(ctx Context, id string) error
}

// InferenceClient is the thin retrying client to the external ML service.
// Run blocks until the model returns, streaming progress through
// onProgress from the same goroutine so per-image ordering holds.
type InferenceClient interface {
	Run(ctx Context, req InferenceRequest, onProgress func(InferenceProgress)) (InferenceResult, error)
	Health(ctx Context) error
}

// Publisher is the engine-facing side of the event bus. Publish is
// non-blocking; slow consumers are the bus's problem, never a worker's.
type Publisher interface {
	Publish(room Room, name string, payload any)
}

// Renderer rasterizes polygon overlays and thumbnails.
type Renderer interface {
	RenderOverlay(ctx Context, srcPath, dstPath string, polygons []Polygon, opts VisualizationOptions) error
	Thumbnail(ctx Context, srcPath, dstPath string, maxW, maxH int) error
	SegmentationThumbnail(ctx Context, srcPath, dstPath string, polygons []Polygon, opts VisualizationOptions, maxW, maxH int) error
}

// Mailer delivers share invitations. Variants: SMTP, logging no-op.
type Mailer interface {
	SendShareInvite(ctx Context, to, projectTitle, inviteURL string) error
}

// TokenCache caches share tokens with TTL so acceptance does not hit the
// store on every lookup. The Redis variant is optional; absent REDIS_URL a
// no-op variant is wired and lookups fall through to the store.
type TokenCache interface {
	SetToken(ctx Context, token, shareID string, ttl time.Duration) error
	GetToken(ctx Context, token string) (string, error)
	DeleteToken(ctx Context, token string) error
}
