package inference

import (
	"time"

	"github.com/histoseg/platform/internal/domain"
)

// Stub is the test variant of the inference client. RunFunc, when set,
// fully controls the outcome; otherwise the stub reports the canonical
// stage sequence and returns a single square polygon.
type Stub struct {
	RunFunc    func(ctx domain.Context, req domain.InferenceRequest, onProgress func(domain.InferenceProgress)) (domain.InferenceResult, error)
	HealthFunc func(ctx domain.Context) error
}

// Run implements domain.InferenceClient.
func (s *Stub) Run(ctx domain.Context, req domain.InferenceRequest, onProgress func(domain.InferenceProgress)) (domain.InferenceResult, error) {
	if s.RunFunc != nil {
		return s.RunFunc(ctx, req, onProgress)
	}
	stages := []domain.InferenceStage{
		domain.StagePreprocessing, domain.StageInference,
		domain.StagePostprocessing, domain.StageSaving,
	}
	for i, st := range stages {
		if onProgress != nil {
			onProgress(domain.InferenceProgress{Stage: st, Progress: float64(i+1) * 25})
		}
	}
	return domain.InferenceResult{
		Polygons: []domain.Polygon{{
			ID:   "poly-1",
			Type: domain.PolygonExternal,
			Points: []domain.Point{
				{X: 10, Y: 10}, {X: 90, Y: 10}, {X: 90, Y: 90}, {X: 10, Y: 90},
			},
		}},
		Duration: 50 * time.Millisecond,
	}, nil
}

// Health implements domain.InferenceClient.
func (s *Stub) Health(ctx domain.Context) error {
	if s.HealthFunc != nil {
		return s.HealthFunc(ctx)
	}
	return nil
}
