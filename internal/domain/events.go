package domain

import "time"

// Room names the logical channels of the event bus. A session joins
// user:{self} on connect and project:{p} for every project it can read.
type Room string

func UserRoom(userID string) Room       { return Room("user:" + userID) }
func ProjectRoom(projectID string) Room { return Room("project:" + projectID) }
func BatchRoom(batchID string) Room     { return Room("batch:" + batchID) }
func ExportRoom(jobID string) Room      { return Room("export:" + jobID) }

// Event names (closed set). These are the wire identifiers clients switch
// on; changing one is a breaking protocol change.
const (
	EvtSegmentationStatus    = "segmentationStatus"
	EvtSegmentationUpdate    = "segmentationUpdate"
	EvtSegmentationProgress  = "segmentationProgress"
	EvtSegmentationCompleted = "segmentationCompleted"
	EvtSegmentationFailed    = "segmentationFailed"
	EvtQueueStats            = "queueStats"
	EvtQueueUpdate           = "queueUpdate"
	EvtQueuePosition         = "queuePosition"
	EvtUploadProgress        = "uploadProgress"
	EvtUploadCompleted       = "uploadCompleted"
	EvtUploadFailed          = "uploadFailed"
	EvtProjectUpdate         = "projectUpdate"
	EvtProjectStatsUpdate    = "projectStatsUpdate"
	EvtDashboardMetrics      = "dashboardMetricsUpdate"
	EvtSharedProjectUpdate   = "sharedProjectUpdate"
	EvtExportStarted         = "export:started"
	EvtExportProgress        = "export:progress"
	EvtExportPhaseChanged    = "export:phase-changed"
	EvtExportCompleted       = "export:completed"
	EvtExportFailed          = "export:failed"
	EvtExportCancelled       = "export:cancelled"
	EvtError                 = "error"
)

// Event is one fire-and-forget bus message. The bus preserves FIFO per
// room and never persists or retries; clients reconcile over REST on
// reconnect.
type Event struct {
	Name    string    `json:"event"`
	Payload any       `json:"payload"`
	At      time.Time `json:"timestamp"`
}

// SegmentationUpdatePayload reports an image status transition.
type SegmentationUpdatePayload struct {
	ImageID   string             `json:"imageId"`
	ProjectID string             `json:"projectId"`
	Status    SegmentationStatus `json:"status"`
	QueueID   string             `json:"queueId,omitempty"`
	Error     *EventError        `json:"error,omitempty"`
}

// SegmentationProgressPayload forwards an ML-service progress callback.
type SegmentationProgressPayload struct {
	ImageID   string         `json:"imageId"`
	ProjectID string         `json:"projectId"`
	QueueID   string         `json:"queueId"`
	Stage     InferenceStage `json:"stage"`
	Progress  float64        `json:"progress"`
}

// QueueUpdatePayload announces items added to or removed from a queue.
type QueueUpdatePayload struct {
	ProjectID string   `json:"projectId"`
	BatchID   string   `json:"batchId,omitempty"`
	Added     []string `json:"added,omitempty"`
	Removed   []string `json:"removed,omitempty"`
}

// ExportEventPayload covers every export:* event.
type ExportEventPayload struct {
	JobID         string      `json:"jobId"`
	ProjectID     string      `json:"projectId"`
	Status        ExportStatus `json:"status"`
	Phase         ExportPhase `json:"phase"`
	Progress      float64     `json:"progress"`
	Stage         string      `json:"stage,omitempty"`
	StageProgress float64     `json:"stageProgress,omitempty"`
	Error         *EventError `json:"error,omitempty"`
}

// UploadEventPayload covers upload lifecycle events. CanContinue tells the
// client a per-file failure does not abort the batch.
type UploadEventPayload struct {
	ProjectID   string      `json:"projectId"`
	FileName    string      `json:"fileName,omitempty"`
	ImageID     string      `json:"imageId,omitempty"`
	Done        int         `json:"done"`
	Total       int         `json:"total"`
	CanContinue bool        `json:"canContinue,omitempty"`
	Error       *EventError `json:"error,omitempty"`
}

// EventError is the structured failure payload clients render.
type EventError struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}

// NewEventError builds the wire error form from a taxonomy error.
func NewEventError(err error) *EventError {
	if err == nil {
		return nil
	}
	return &EventError{Code: Classify(err), Message: err.Error(), Retryable: Retryable(err)}
}
