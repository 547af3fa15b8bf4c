package domain

import "time"

// QueueItemStatus is the lifecycle of one unit of scheduled inference work.
type QueueItemStatus string

const (
	QueueItemQueued     QueueItemStatus = "queued"
	QueueItemProcessing QueueItemStatus = "processing"
	QueueItemCompleted  QueueItemStatus = "completed"
	QueueItemFailed     QueueItemStatus = "failed"
	QueueItemCancelled  QueueItemStatus = "cancelled"
)

// Terminal reports whether no further transition is legal from s.
func (s QueueItemStatus) Terminal() bool {
	return s == QueueItemCompleted || s == QueueItemFailed || s == QueueItemCancelled
}

// QueueItem is one scheduled segmentation run for one image.
// Invariants: at most one item per image is in {queued, processing};
// StartedAt <= CompletedAt; terminal writes are conditional on the item
// still being in processing (cancellation is authoritative).
type QueueItem struct {
	ID          string
	UserID      string
	ProjectID   string
	ImageID     string
	BatchID     string
	Model       string
	Threshold   float64
	DetectHoles bool
	Status      QueueItemStatus
	RetryCount  int
	ErrorCode   ErrorCode
	Error       string
	EnqueuedAt  time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// QueueStats aggregates queue counts for a project or a user.
type QueueStats struct {
	ProjectID      string        `json:"projectId,omitempty"`
	UserID         string        `json:"userId,omitempty"`
	Queued         int           `json:"queued"`
	Processing     int           `json:"processing"`
	EstimatedWait  time.Duration `json:"estimatedWait"`
	AvgInferenceMs int64         `json:"avgInferenceMs"`
}

// InferenceStage names the phases reported by the ML service while a single
// item runs. Progress within a run is monotonically non-decreasing.
type InferenceStage string

const (
	StagePreprocessing  InferenceStage = "preprocessing"
	StageInference      InferenceStage = "inference"
	StagePostprocessing InferenceStage = "postprocessing"
	StageSaving         InferenceStage = "saving"
)

// InferenceProgress is one progress callback from the ML service.
type InferenceProgress struct {
	Stage    InferenceStage
	Progress float64 // [0,100], non-decreasing per run
}

// InferenceRequest describes one run against the ML service.
type InferenceRequest struct {
	ImageID     string
	ImagePath   string
	Model       string
	Threshold   float64
	DetectHoles bool
}

// InferenceResult is the successful outcome of one run.
type InferenceResult struct {
	Polygons []Polygon
	Duration time.Duration
}
