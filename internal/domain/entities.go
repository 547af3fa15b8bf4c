// Package domain holds the entities, ports, and error taxonomy shared by
// every engine in the platform core. It has no dependencies beyond the
// standard library so adapters and engines can depend on it freely.
package domain

import (
	"context"
	"time"
)

// Context is an alias so ports read uniformly; adapters pass
// context.Context straight through.
type Context = context.Context

// User is the owner of projects, queue items, and export jobs. Identity and
// sessions are handled outside the core; only the id matters here.
type User struct {
	ID        string
	Email     string
	CreatedAt time.Time
}

// Project groups images under one owner.
type Project struct {
	ID          string
	UserID      string
	Title       string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SegmentationStatus is the per-image state machine:
//
//	none → queued → processing → segmented
//	                     └────→ failed (terminal after retries)
//
// A new enqueue from segmented/failed is allowed and replaces the prior
// segmentation atomically on success.
type SegmentationStatus string

const (
	SegStatusNone       SegmentationStatus = "none"
	SegStatusQueued     SegmentationStatus = "queued"
	SegStatusProcessing SegmentationStatus = "processing"
	SegStatusSegmented  SegmentationStatus = "segmented"
	SegStatusFailed     SegmentationStatus = "failed"
)

// Image is one uploaded micrograph. ThumbnailPath and SegThumbnailPath are
// relative to the uploads root. SegThumbnailPath is non-empty iff
// SegmentationStatus is segmented.
type Image struct {
	ID                 string
	ProjectID          string
	Name               string
	StoragePath        string
	ThumbnailPath      string
	SegThumbnailPath   string
	Width              int
	Height             int
	SizeBytes          int64
	MIME               string
	SegmentationStatus SegmentationStatus
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Point is a 2D vertex in original-image pixel space.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// PolygonType distinguishes object outlines from holes within them.
type PolygonType string

const (
	PolygonExternal PolygonType = "external"
	PolygonInternal PolygonType = "internal"
)

// Polygon is a closed ring of points. External rings define objects,
// internal rings define holes carved out of the enclosing external ring.
type Polygon struct {
	ID       string      `json:"id"`
	Type     PolygonType `json:"type"`
	Points   []Point     `json:"points"`
	ParentID string      `json:"parentId,omitempty"`
}

// Segmentation is the immutable polygon set produced by one successful
// inference run on one image. A re-run replaces it atomically.
type Segmentation struct {
	ID           string
	ImageID      string
	Polygons     []Polygon
	Model        string
	Threshold    float64
	DetectHoles  bool
	InferenceDur time.Duration
	CreatedAt    time.Time
}

// ShareStatus tracks the lifecycle of a project share invitation.
type ShareStatus string

const (
	SharePending  ShareStatus = "pending"
	ShareAccepted ShareStatus = "accepted"
	ShareExpired  ShareStatus = "expired"
	ShareRevoked  ShareStatus = "revoked"
)

// ProjectShare grants a non-owner read access to a project. A project is
// accessible to a user iff they own it or an accepted share links them.
// References are by id only; resolve through the Store, no back-pointers.
type ProjectShare struct {
	ID           string
	ProjectID    string
	SharedByID   string
	Email        string
	SharedWithID string
	ShareToken   string
	TokenExpiry  *time.Time
	Status       ShareStatus
	CreatedAt    time.Time
}
