package export

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/histoseg/platform/internal/adapter/archive"
	"github.com/histoseg/platform/internal/domain"
	"github.com/histoseg/platform/internal/observability"
)

// Phase weights sum to 100; overall progress is the sum of finished phase
// weights plus the running phase's weighted fraction. Skipped phases
// complete instantly at full weight.
var phaseWeights = []struct {
	Phase  domain.ExportPhase
	Weight float64
}{
	{domain.PhaseImages, 30},
	{domain.PhaseVisualizations, 30},
	{domain.PhaseAnnotations, 15},
	{domain.PhaseMetrics, 15},
	{domain.PhaseCompression, 10},
}

// progressMinInterval throttles export:progress events; phase changes and
// completion always go out.
const progressMinInterval = 200 * time.Millisecond

// tracker accumulates progress across phases and throttles emission.
// update is called from the fan-out goroutines, so it locks.
type tracker struct {
	engine   *Engine
	job      domain.ExportJob
	mu       sync.Mutex
	done     float64 // weight of completed phases
	weight   float64 // weight of the current phase
	phase    domain.ExportPhase
	lastEmit time.Time
}

func (t *tracker) beginPhase(ctx domain.Context, phase domain.ExportPhase) {
	if t.phase != "" {
		t.done += t.weight
	}
	t.phase = phase
	t.weight = 0
	for _, pw := range phaseWeights {
		if pw.Phase == phase {
			t.weight = pw.Weight
			break
		}
	}
	t.job.Phase = phase
	t.job.Progress = t.done
	_ = t.engine.store.Exports().SetPhase(ctx, t.job.ID, phase, t.done)
	t.engine.publish(t.job, domain.EvtExportPhaseChanged, nil)
	t.lastEmit = time.Now()
}

// update reports the running phase's fraction in [0,1].
func (t *tracker) update(ctx domain.Context, frac float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	overall := t.done + t.weight*frac
	if overall < t.job.Progress {
		overall = t.job.Progress
	}
	t.job.Progress = overall
	if time.Since(t.lastEmit) < progressMinInterval && frac < 1 {
		return
	}
	t.lastEmit = time.Now()
	_ = t.engine.store.Exports().SetPhase(ctx, t.job.ID, t.phase, overall)
	t.engine.bus.Publish(domain.ExportRoom(t.job.ID), domain.EvtExportProgress, domain.ExportEventPayload{
		JobID: t.job.ID, ProjectID: t.job.ProjectID, Status: domain.ExportProcessing,
		Phase: t.phase, Progress: overall,
	})
}

// checkCancelled polls the job status; pipelines call it at phase
// boundaries and between files so a cancel takes effect quickly.
func (e *Engine) checkCancelled(ctx domain.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	status, err := e.store.Exports().Status(ctx, jobID)
	if err != nil {
		return err
	}
	if status == domain.ExportCancelled {
		return errCancelled
	}
	return nil
}

func (e *Engine) runPipeline(ctx domain.Context, job domain.ExportJob) error {
	items, err := e.collectItems(ctx, job)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return fmt.Errorf("no segmented images to export: %w", domain.ErrInvalidArgument)
	}

	workDir := filepath.Join(e.tmpDir, "tmp-"+job.ID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fmt.Errorf("pipeline workdir: %w", err)
	}
	defer func() { _ = os.RemoveAll(workDir) }()

	t := &tracker{engine: e, job: job}
	phases := []struct {
		phase domain.ExportPhase
		run   func(domain.Context, *tracker, []exportItem, string) error
	}{
		{domain.PhaseImages, e.phaseImages},
		{domain.PhaseVisualizations, e.phaseVisualizations},
		{domain.PhaseAnnotations, e.phaseAnnotations},
		{domain.PhaseMetrics, e.phaseMetrics},
	}
	for _, p := range phases {
		if err := e.checkCancelled(ctx, job.ID); err != nil {
			return err
		}
		started := time.Now()
		t.beginPhase(ctx, p.phase)
		if err := p.run(ctx, t, items, workDir); err != nil {
			return err
		}
		t.update(ctx, 1)
		observability.ExportPhaseDuration.WithLabelValues(string(p.phase)).Observe(time.Since(started).Seconds())
	}

	if job.Options.IncludeDocumentation {
		if err := os.WriteFile(filepath.Join(workDir, "README.txt"), documentation(job, len(items)), 0o644); err != nil {
			return fmt.Errorf("pipeline docs: %w", err)
		}
	}

	if err := e.checkCancelled(ctx, job.ID); err != nil {
		return err
	}
	started := time.Now()
	t.beginPhase(ctx, domain.PhaseCompression)
	checksum, err := e.phaseCompress(ctx, t, workDir)
	if err != nil {
		return err
	}
	observability.ExportPhaseDuration.WithLabelValues(string(domain.PhaseCompression)).Observe(time.Since(started).Seconds())

	// The completed write is conditional; losing it means a cancel won and
	// the artifact must go.
	if err := e.store.Exports().SetArtifact(ctx, job.ID, e.ArtifactPath(job), checksum); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return errCancelled
		}
		return err
	}
	final, err := e.store.Exports().Get(ctx, job.ID)
	if err != nil {
		final = job
		final.Status = domain.ExportCompleted
		final.Phase = domain.PhaseReady
		final.Progress = 100
	}
	e.publish(final, domain.EvtExportCompleted, nil)
	return nil
}

// collectItems resolves the image set: the explicit selection, or every
// segmented image of the project. Unsegmented selections are skipped.
func (e *Engine) collectItems(ctx domain.Context, job domain.ExportJob) ([]exportItem, error) {
	var images []domain.Image
	var err error
	if len(job.Options.SelectedImageIDs) > 0 {
		images, err = e.store.Images().ListByIDs(ctx, job.Options.SelectedImageIDs)
	} else {
		images, err = e.store.Images().ListByProject(ctx, job.ProjectID)
	}
	if err != nil {
		return nil, fmt.Errorf("collect images: %w", err)
	}

	var items []exportItem
	for _, img := range images {
		if img.ProjectID != job.ProjectID || img.SegmentationStatus != domain.SegStatusSegmented {
			continue
		}
		seg, err := e.store.Segmentations().GetByImage(ctx, img.ID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("collect segmentation: %w", err)
		}
		items = append(items, exportItem{Image: img, Seg: seg})
	}
	// Output order is keyed by image id so bundles are deterministic, and
	// a duplicate display name gets an id suffix so entries never collide.
	sort.Slice(items, func(i, j int) bool { return items[i].Image.ID < items[j].Image.ID })
	seen := map[string]bool{}
	for i := range items {
		entry := items[i].Image.Name
		if seen[entry] {
			ext := extOf(entry)
			entry = entry[:len(entry)-len(ext)] + "_" + items[i].Image.ID + ext
		}
		seen[entry] = true
		items[i].Entry = entry
	}
	return items, nil
}

func (e *Engine) phaseImages(ctx domain.Context, t *tracker, items []exportItem, workDir string) error {
	if !t.job.Options.IncludeOriginalImages {
		return nil
	}
	dir := filepath.Join(workDir, "images")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("phase images: %w", err)
	}
	for i, it := range items {
		if err := e.checkCancelled(ctx, t.job.ID); err != nil {
			return err
		}
		src := filepath.Join(e.uploadDir, it.Image.StoragePath)
		if err := copyFile(src, filepath.Join(dir, it.Entry)); err != nil {
			return fmt.Errorf("phase images %s: %w", it.Entry, err)
		}
		t.update(ctx, float64(i+1)/float64(len(items)))
	}
	return nil
}

func (e *Engine) phaseVisualizations(ctx domain.Context, t *tracker, items []exportItem, workDir string) error {
	if !t.job.Options.IncludeVisualizations {
		return nil
	}
	dir := filepath.Join(workDir, "visualizations")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("phase visualizations: %w", err)
	}

	// A bad image must not sink the batch: render failures are logged and
	// skipped, and the job fails only when at least half the images fail.
	var done, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.fanout)
	for _, it := range items {
		it := it
		g.Go(func() error {
			if err := e.checkCancelled(gctx, t.job.ID); err != nil {
				return err
			}
			name := it.Entry
			if ext := extOf(name); ext != "" {
				name = name[:len(name)-len(ext)]
			}
			err := e.renderer.RenderOverlay(gctx,
				filepath.Join(e.uploadDir, it.Image.StoragePath),
				filepath.Join(dir, name+"_overlay.png"),
				it.Seg.Polygons, t.job.Options.Visualization)
			if err != nil {
				failed.Add(1)
				slog.Warn("overlay render failed, image skipped",
					slog.String("job_id", t.job.ID),
					slog.String("image_id", it.Image.ID),
					slog.Any("error", err))
			}
			t.update(ctx, float64(done.Add(1))/float64(len(items)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if n := failed.Load(); n*2 >= int64(len(items)) {
		return fmt.Errorf("phase visualizations: %d of %d overlays failed", n, len(items))
	}
	return nil
}

func (e *Engine) phaseAnnotations(ctx domain.Context, t *tracker, items []exportItem, workDir string) error {
	if len(t.job.Options.AnnotationFormats) == 0 {
		return nil
	}
	files, err := buildAnnotations(items, t.job.Options.AnnotationFormats)
	if err != nil {
		return err
	}
	return writeEntries(workDir, files)
}

func (e *Engine) phaseMetrics(ctx domain.Context, t *tracker, items []exportItem, workDir string) error {
	if len(t.job.Options.MetricsFormats) == 0 {
		return nil
	}
	scale := 1.0
	micrometers := false
	if s := t.job.Options.PixelToMicrometerScale; s != nil && *s > 0 {
		scale = *s
		micrometers = true
	}
	var all []domain.PolygonMetrics
	for i, it := range items {
		if err := e.checkCancelled(ctx, t.job.ID); err != nil {
			return err
		}
		all = append(all, computeMetrics(it.Image, it.Seg, scale)...)
		t.update(ctx, float64(i+1)/float64(len(items))*0.8)
	}
	files, err := buildMetricsFiles(all, t.job.Options.MetricsFormats, micrometers)
	if err != nil {
		return err
	}
	return writeEntries(workDir, files)
}

func (e *Engine) phaseCompress(ctx domain.Context, t *tracker, workDir string) (string, error) {
	var paths []string
	err := filepath.WalkDir(workDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("phase compression: %w", err)
	}
	sort.Strings(paths)

	b, err := archive.New(e.ArtifactPath(t.job))
	if err != nil {
		return "", err
	}
	for i, path := range paths {
		if err := e.checkCancelled(ctx, t.job.ID); err != nil {
			b.Abort()
			return "", err
		}
		rel, rerr := filepath.Rel(workDir, path)
		if rerr != nil {
			b.Abort()
			return "", fmt.Errorf("phase compression: %w", rerr)
		}
		if err := b.AddFile(filepath.ToSlash(rel), path); err != nil {
			b.Abort()
			return "", err
		}
		t.update(ctx, float64(i+1)/float64(len(paths)))
	}
	checksum, err := b.Close()
	if err != nil {
		return "", err
	}
	return checksum, nil
}

func writeEntries(workDir string, files map[string][]byte) error {
	for name, data := range files {
		path := filepath.Join(workDir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func documentation(job domain.ExportJob, imageCount int) []byte {
	return []byte(fmt.Sprintf(`Segmentation export
===================

Job:       %s
Project:   %s
Created:   %s
Images:    %d

Layout:
  images/          original micrographs (when selected)
  visualizations/  polygon overlays rendered per image
  annotations/     COCO / YOLO / native JSON annotation files
  metrics/         per-polygon shape measurements

Metrics columns: area, perimeter, circularity (4*pi*A/P^2), Feret
diameters (max and min caliper), and equivalent circular diameter.
`, job.ID, job.ProjectID, job.CreatedAt.UTC().Format(time.RFC3339), imageCount))
}
