package export

import (
	"archive/zip"
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/histoseg/platform/internal/adapter/repo/memory"
	"github.com/histoseg/platform/internal/domain"
	"github.com/histoseg/platform/internal/reconcile"
)

type pubEvent struct {
	Room domain.Room
	Name string
}

type recordPub struct {
	mu     sync.Mutex
	events []pubEvent
}

func (p *recordPub) Publish(room domain.Room, name string, _ any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, pubEvent{Room: room, Name: name})
}

func (p *recordPub) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Name
	}
	return out
}

// fakeRenderer writes marker files instead of rasterizing; onRender lets
// tests interleave actions mid-phase, failWhen injects per-file failures.
type fakeRenderer struct {
	onRender func()
	failWhen func(dstPath string) bool
}

func (r *fakeRenderer) RenderOverlay(_ domain.Context, _, dstPath string, _ []domain.Polygon, _ domain.VisualizationOptions) error {
	if r.onRender != nil {
		r.onRender()
	}
	if r.failWhen != nil && r.failWhen(dstPath) {
		return fmt.Errorf("render overlay: %w", domain.ErrInvalidArgument)
	}
	return os.WriteFile(dstPath, []byte("overlay"), 0o644)
}

func (r *fakeRenderer) Thumbnail(_ domain.Context, _, dstPath string, _, _ int) error {
	return os.WriteFile(dstPath, []byte("thumb"), 0o644)
}

func (r *fakeRenderer) SegmentationThumbnail(_ domain.Context, _, dstPath string, _ []domain.Polygon, _ domain.VisualizationOptions, _, _ int) error {
	return os.WriteFile(dstPath, []byte("segthumb"), 0o644)
}

func seedProject(t *testing.T, store domain.Store, uploadDir string, n int) []string {
	t.Helper()
	ctx := context.Background()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("slide_%02d.png", i)
		require.NoError(t, os.WriteFile(filepath.Join(uploadDir, name), []byte("png-"+name), 0o644))
		id, err := store.Images().Create(ctx, domain.Image{
			ProjectID: "p1", Name: name, StoragePath: name,
			Width: 100, Height: 100,
			SegmentationStatus: domain.SegStatusSegmented,
		})
		require.NoError(t, err)
		_, err = store.Segmentations().Replace(ctx, domain.Segmentation{
			ImageID: id, Model: "resunet", Threshold: 0.5,
			Polygons: []domain.Polygon{{
				ID: "poly-" + id, Type: domain.PolygonExternal,
				Points: []domain.Point{{X: 10, Y: 10}, {X: 60, Y: 10}, {X: 60, Y: 60}, {X: 10, Y: 60}},
			}},
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func newTestEngine(t *testing.T, store domain.Store, pub *recordPub, r domain.Renderer) *Engine {
	t.Helper()
	dir := t.TempDir()
	return NewEngine(store, pub, r, reconcile.NewGuard(), dir, 2, time.Minute)
}

func defaultOpts() domain.ExportOptions {
	opts := domain.DefaultExportOptions()
	opts.AnnotationFormats = []string{domain.AnnotationCOCO, domain.AnnotationYOLO}
	opts.MetricsFormats = []string{domain.MetricsCSV, domain.MetricsJSON}
	opts.IncludeDocumentation = true
	return opts
}

func TestPipeline_CompletesAndBundlesEverything(t *testing.T) {
	store := memory.New()
	pub := &recordPub{}
	eng := newTestEngine(t, store, pub, &fakeRenderer{})
	seedProject(t, store, eng.uploadDir, 2)
	ctx := context.Background()

	job, err := eng.Start(ctx, "u1", "p1", defaultOpts())
	require.NoError(t, err)
	eng.process(ctx, job.ID)

	final, err := store.Exports().Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ExportCompleted, final.Status)
	assert.Equal(t, domain.PhaseReady, final.Phase)
	assert.Equal(t, 100.0, final.Progress)
	assert.NotEmpty(t, final.Checksum)

	zr, err := zip.OpenReader(final.ArtifactPath)
	require.NoError(t, err)
	defer func() { _ = zr.Close() }()
	names := map[string]bool{}
	for _, f := range zr.File {
		names[f.Name] = true
	}
	assert.True(t, names["images/slide_00.png"])
	assert.True(t, names["visualizations/slide_00_overlay.png"])
	assert.True(t, names["annotations/annotations_coco.json"])
	assert.True(t, names["annotations/yolo/slide_01.txt"])
	assert.True(t, names["metrics/metrics.csv"])
	assert.True(t, names["metrics/metrics.json"])
	assert.True(t, names["README.txt"])

	evts := pub.names()
	assert.Contains(t, evts, domain.EvtExportStarted)
	assert.Contains(t, evts, domain.EvtExportPhaseChanged)
	assert.Contains(t, evts, domain.EvtExportCompleted)

	got, err := eng.Download(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, final.ArtifactPath, got.ArtifactPath)
}

func TestPipeline_SkipsMinorityOverlayFailures(t *testing.T) {
	store := memory.New()
	pub := &recordPub{}
	renderer := &fakeRenderer{failWhen: func(dst string) bool {
		return filepath.Base(dst) == "slide_00_overlay.png"
	}}
	eng := newTestEngine(t, store, pub, renderer)
	seedProject(t, store, eng.uploadDir, 3)
	ctx := context.Background()

	job, err := eng.Start(ctx, "u1", "p1", defaultOpts())
	require.NoError(t, err)
	eng.process(ctx, job.ID)

	// One bad image out of three is logged and left out, not fatal.
	final, err := store.Exports().Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ExportCompleted, final.Status)

	zr, err := zip.OpenReader(final.ArtifactPath)
	require.NoError(t, err)
	defer func() { _ = zr.Close() }()
	names := map[string]bool{}
	for _, f := range zr.File {
		names[f.Name] = true
	}
	assert.False(t, names["visualizations/slide_00_overlay.png"])
	assert.True(t, names["visualizations/slide_01_overlay.png"])
	assert.True(t, names["visualizations/slide_02_overlay.png"])
}

func TestPipeline_FailsWhenHalfOfOverlaysFail(t *testing.T) {
	store := memory.New()
	pub := &recordPub{}
	renderer := &fakeRenderer{failWhen: func(dst string) bool {
		base := filepath.Base(dst)
		return base == "slide_00_overlay.png" || base == "slide_01_overlay.png"
	}}
	eng := newTestEngine(t, store, pub, renderer)
	seedProject(t, store, eng.uploadDir, 3)
	ctx := context.Background()

	job, err := eng.Start(ctx, "u1", "p1", defaultOpts())
	require.NoError(t, err)
	eng.process(ctx, job.ID)

	final, err := store.Exports().Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExportFailed, final.Status)
	assert.Contains(t, pub.names(), domain.EvtExportFailed)
	_, statErr := os.Stat(eng.ArtifactPath(job))
	assert.True(t, os.IsNotExist(statErr))
}

func TestCollectItems_OrdersByIDAndDisambiguatesNames(t *testing.T) {
	store := memory.New()
	eng := newTestEngine(t, store, &recordPub{}, &fakeRenderer{})
	ctx := context.Background()

	// Two images share a display name; ids differ.
	for _, id := range []string{"b-late", "a-early"} {
		_, err := store.Images().Create(ctx, domain.Image{
			ID: id, ProjectID: "p1", Name: "dup.png", StoragePath: id + ".png",
			Width: 10, Height: 10, SegmentationStatus: domain.SegStatusSegmented,
		})
		require.NoError(t, err)
		_, err = store.Segmentations().Replace(ctx, domain.Segmentation{ImageID: id})
		require.NoError(t, err)
	}

	items, err := eng.collectItems(ctx, domain.ExportJob{ProjectID: "p1"})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "a-early", items[0].Image.ID)
	assert.Equal(t, "b-late", items[1].Image.ID)
	assert.Equal(t, "dup.png", items[0].Entry)
	assert.Equal(t, "dup_b-late.png", items[1].Entry)
}

func TestStart_RejectsEmptySelection(t *testing.T) {
	store := memory.New()
	eng := newTestEngine(t, store, &recordPub{}, &fakeRenderer{})
	_, err := eng.Start(context.Background(), "u1", "p1", domain.ExportOptions{})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestPipeline_FailsWithoutSegmentedImages(t *testing.T) {
	store := memory.New()
	pub := &recordPub{}
	eng := newTestEngine(t, store, pub, &fakeRenderer{})
	ctx := context.Background()

	job, err := eng.Start(ctx, "u1", "p1", defaultOpts())
	require.NoError(t, err)
	eng.process(ctx, job.ID)

	final, err := store.Exports().Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExportFailed, final.Status)
	assert.Equal(t, domain.CodeInvalidInput, final.ErrorCode)
	assert.Contains(t, pub.names(), domain.EvtExportFailed)
}

func TestCancel_BeforePickupSkipsRun(t *testing.T) {
	store := memory.New()
	pub := &recordPub{}
	eng := newTestEngine(t, store, pub, &fakeRenderer{})
	seedProject(t, store, eng.uploadDir, 1)
	ctx := context.Background()

	job, err := eng.Start(ctx, "u1", "p1", defaultOpts())
	require.NoError(t, err)
	require.NoError(t, eng.Cancel(ctx, job.ID))

	eng.process(ctx, job.ID)
	final, err := store.Exports().Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExportCancelled, final.Status)
	assert.Empty(t, final.ArtifactPath)
}

func TestCancel_MidRunAbortsAndDeletesPartialOutput(t *testing.T) {
	store := memory.New()
	pub := &recordPub{}
	var eng *Engine
	var jobID string
	var once sync.Once
	renderer := &fakeRenderer{onRender: func() {
		once.Do(func() {
			assert.NoError(t, eng.Cancel(context.Background(), jobID))
		})
	}}
	eng = newTestEngine(t, store, pub, renderer)
	seedProject(t, store, eng.uploadDir, 3)
	ctx := context.Background()

	job, err := eng.Start(ctx, "u1", "p1", defaultOpts())
	require.NoError(t, err)
	jobID = job.ID
	eng.process(ctx, job.ID)

	final, err := store.Exports().Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExportCancelled, final.Status)
	assert.Empty(t, final.ArtifactPath)
	_, statErr := os.Stat(eng.ArtifactPath(job))
	assert.True(t, os.IsNotExist(statErr), "partial artifact should be removed")
	assert.NotContains(t, pub.names(), domain.EvtExportCompleted)

	_, err = eng.Download(ctx, job.ID)
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestCancel_IdempotentAndTerminalConflict(t *testing.T) {
	store := memory.New()
	pub := &recordPub{}
	eng := newTestEngine(t, store, pub, &fakeRenderer{})
	seedProject(t, store, eng.uploadDir, 1)
	ctx := context.Background()

	job, err := eng.Start(ctx, "u1", "p1", defaultOpts())
	require.NoError(t, err)
	require.NoError(t, eng.Cancel(ctx, job.ID))
	require.NoError(t, eng.Cancel(ctx, job.ID), "second cancel is a no-op")

	done, err := eng.Start(ctx, "u1", "p1", defaultOpts())
	require.NoError(t, err)
	eng.process(ctx, done.ID)
	err = eng.Cancel(ctx, done.ID)
	require.ErrorIs(t, err, domain.ErrConflict, "cancelling a completed job conflicts")
}

func TestDownload_GatesOnCompletion(t *testing.T) {
	store := memory.New()
	eng := newTestEngine(t, store, &recordPub{}, &fakeRenderer{})
	seedProject(t, store, eng.uploadDir, 1)
	ctx := context.Background()

	job, err := eng.Start(ctx, "u1", "p1", defaultOpts())
	require.NoError(t, err)
	_, err = eng.Download(ctx, job.ID)
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestComputeMetrics_SquareWithHole(t *testing.T) {
	img := domain.Image{ID: "i1", Name: "a.png"}
	seg := domain.Segmentation{Polygons: []domain.Polygon{
		{ID: "e1", Type: domain.PolygonExternal, Points: []domain.Point{
			{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 10, Y: 10}, {X: 0, Y: 10},
		}},
		{ID: "h1", Type: domain.PolygonInternal, ParentID: "e1", Points: []domain.Point{
			{X: 4, Y: 4}, {X: 6, Y: 4}, {X: 6, Y: 6}, {X: 4, Y: 6},
		}},
	}}

	ms := computeMetrics(img, seg, 1)
	require.Len(t, ms, 1)
	m := ms[0]
	assert.InDelta(t, 96, m.Area, 1e-9, "hole area subtracted")
	assert.InDelta(t, 40, m.Perimeter, 1e-9)
	assert.InDelta(t, 4*math.Pi*96/1600, m.Circularity, 1e-9)
	assert.InDelta(t, 10*math.Sqrt2, m.FeretMax, 1e-9)
	assert.InDelta(t, 10, m.FeretMin, 1e-9)
	assert.InDelta(t, 2*math.Sqrt(96/math.Pi), m.EquivDiameter, 1e-9)
}

func TestComputeMetrics_MicrometerScale(t *testing.T) {
	img := domain.Image{ID: "i1", Name: "a.png"}
	seg := domain.Segmentation{Polygons: []domain.Polygon{
		{ID: "e1", Type: domain.PolygonExternal, Points: []domain.Point{
			{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 10, Y: 10}, {X: 0, Y: 10},
		}},
	}}
	px := computeMetrics(img, seg, 1)[0]
	um := computeMetrics(img, seg, 0.5)[0]
	assert.InDelta(t, px.Area*0.25, um.Area, 1e-9)
	assert.InDelta(t, px.Perimeter*0.5, um.Perimeter, 1e-9)
	assert.InDelta(t, px.Circularity, um.Circularity, 1e-9, "circularity is scale free")
}

func TestBuildYOLO_NormalizesCoordinates(t *testing.T) {
	it := exportItem{
		Image: domain.Image{Name: "a.png", Width: 200, Height: 100},
		Seg: domain.Segmentation{Polygons: []domain.Polygon{{
			Type: domain.PolygonExternal,
			Points: []domain.Point{{X: 0, Y: 0}, {X: 200, Y: 0}, {X: 200, Y: 100}},
		}}},
	}
	line := string(buildYOLO(it))
	assert.Equal(t, "0 0.000000 0.000000 1.000000 0.000000 1.000000 1.000000\n", line)
}
