package domain

import "time"

// ExportStatus is the lifecycle of one archive-assembly run.
type ExportStatus string

const (
	ExportPending    ExportStatus = "pending"
	ExportProcessing ExportStatus = "processing"
	ExportCompleted  ExportStatus = "completed"
	ExportFailed     ExportStatus = "failed"
	ExportCancelled  ExportStatus = "cancelled"
)

// Terminal reports whether no further transition is legal from s.
// cancelled is terminal and overrides any subsequent completed attempt.
func (s ExportStatus) Terminal() bool {
	return s == ExportCompleted || s == ExportFailed || s == ExportCancelled
}

// ExportPhase is the pipeline position of a running export job.
type ExportPhase string

const (
	PhaseQueued         ExportPhase = "queued"
	PhaseImages         ExportPhase = "images"
	PhaseVisualizations ExportPhase = "visualizations"
	PhaseAnnotations    ExportPhase = "annotations"
	PhaseMetrics        ExportPhase = "metrics"
	PhaseCompression    ExportPhase = "compression"
	PhaseReady          ExportPhase = "ready"
)

// Annotation and metrics formats accepted in export options.
const (
	AnnotationCOCO = "coco"
	AnnotationYOLO = "yolo"
	AnnotationJSON = "json"

	MetricsExcel = "excel"
	MetricsCSV   = "csv"
	MetricsJSON  = "json"
)

// VisualizationOptions controls overlay rendering during export.
type VisualizationOptions struct {
	ShowNumbers   bool    `json:"showNumbers"`
	ExternalColor string  `json:"externalColor" validate:"omitempty,hexcolor"`
	InternalColor string  `json:"internalColor" validate:"omitempty,hexcolor"`
	StrokeWidth   int     `json:"strokeWidth" validate:"min=1,max=10"`
	FontSize      int     `json:"fontSize" validate:"min=10,max=30"`
	Transparency  float64 `json:"transparency" validate:"min=0,max=1"`
}

// ExportOptions is the closed option schema for one export job.
type ExportOptions struct {
	IncludeOriginalImages  bool                 `json:"includeOriginalImages"`
	IncludeVisualizations  bool                 `json:"includeVisualizations"`
	Visualization          VisualizationOptions `json:"visualizationOptions"`
	AnnotationFormats      []string             `json:"annotationFormats" validate:"dive,oneof=coco yolo json"`
	MetricsFormats         []string             `json:"metricsFormats" validate:"dive,oneof=excel csv json"`
	IncludeDocumentation   bool                 `json:"includeDocumentation"`
	SelectedImageIDs       []string             `json:"selectedImageIds" validate:"dive,uuid4"`
	PixelToMicrometerScale *float64             `json:"pixelToMicrometerScale" validate:"omitempty,gt=0"`
}

// DefaultExportOptions returns the documented defaults; request decoding
// starts from these and overlays whatever the caller sent.
func DefaultExportOptions() ExportOptions {
	return ExportOptions{
		IncludeOriginalImages: true,
		IncludeVisualizations: true,
		Visualization: VisualizationOptions{
			ShowNumbers:   true,
			ExternalColor: "#FF0000",
			InternalColor: "#0000FF",
			StrokeWidth:   2,
			FontSize:      16,
			Transparency:  0.3,
		},
	}
}

// ExportJob is one run of the archive-assembly pipeline.
// Invariant: ArtifactPath is non-empty iff Status == completed.
type ExportJob struct {
	ID           string
	ProjectID    string
	UserID       string
	Options      ExportOptions
	Status       ExportStatus
	Phase        ExportPhase
	Progress     float64 // [0,100]
	ArtifactPath string
	Checksum     string
	ErrorCode    ErrorCode
	Error        string
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// PolygonMetrics are the per-polygon shape measurements emitted in the
// metrics phase. Area subtracts internal holes from the external ring.
type PolygonMetrics struct {
	ImageID       string  `json:"imageId"`
	ImageName     string  `json:"imageName"`
	PolygonIndex  int     `json:"polygonIndex"`
	Area          float64 `json:"area"`
	Perimeter     float64 `json:"perimeter"`
	Circularity   float64 `json:"circularity"`
	FeretMax      float64 `json:"feretMax"`
	FeretMin      float64 `json:"feretMin"`
	EquivDiameter float64 `json:"equivalentDiameter"`
}
