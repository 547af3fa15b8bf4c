package queue

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/histoseg/platform/internal/adapter/inference"
	"github.com/histoseg/platform/internal/adapter/repo/memory"
	"github.com/histoseg/platform/internal/domain"
)

type pubEvent struct {
	Room    domain.Room
	Name    string
	Payload any
}

type recordPub struct {
	mu     sync.Mutex
	events []pubEvent
}

func (p *recordPub) Publish(room domain.Room, name string, payload any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, pubEvent{Room: room, Name: name, Payload: payload})
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

func (p *recordPub) roomsFor(name string) []domain.Room {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.Room
	for _, e := range p.events {
		if e.Name == name {
			out = append(out, e.Room)
		}
	}
	return out
}

func seedImage(t *testing.T, store domain.Store, projectID, imageID string) {
	t.Helper()
	_, err := store.Images().Create(context.Background(), domain.Image{
		ID: imageID, ProjectID: projectID, Name: imageID + ".png", StoragePath: imageID + ".png",
	})
	require.NoError(t, err)
}

func TestEnqueue_AdmitsAndSkips(t *testing.T) {
	store := memory.New()
	pub := &recordPub{}
	eng := NewEngine(store, pub, nil)
	ctx := context.Background()

	seedImage(t, store, "p1", "img-1")
	seedImage(t, store, "p1", "img-2")
	seedImage(t, store, "p2", "img-other")

	res, err := eng.Enqueue(ctx, "u1", "p1", EnqueueRequest{
		ImageIDs: []string{"img-1", "img-2", "img-other", "img-missing"},
		Model:    "resunet",
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"img-1", "img-2"}, res.Queued)
	require.Len(t, res.Skipped, 2)

	img, err := store.Images().Get(ctx, "img-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SegStatusQueued, img.SegmentationStatus)

	// Re-enqueueing an active image is skipped, not an error.
	res2, err := eng.Enqueue(ctx, "u1", "p1", EnqueueRequest{ImageIDs: []string{"img-1"}, Model: "resunet"})
	require.NoError(t, err)
	assert.Empty(t, res2.Queued)
	require.Len(t, res2.Skipped, 1)
	assert.Equal(t, "already queued", res2.Skipped[0].Reason)

	assert.Contains(t, pub.names(), domain.EvtQueueUpdate)
	assert.Contains(t, pub.names(), domain.EvtQueueStats)
}

func TestQueueUpdates_ReachProjectAndUserRooms(t *testing.T) {
	store := memory.New()
	pub := &recordPub{}
	eng := NewEngine(store, pub, nil)
	ctx := context.Background()

	seedImage(t, store, "p1", "img-1")
	_, err := eng.Enqueue(ctx, "u1", "p1", EnqueueRequest{ImageIDs: []string{"img-1"}, Model: "resunet"})
	require.NoError(t, err)

	rooms := pub.roomsFor(domain.EvtQueueUpdate)
	assert.Contains(t, rooms, domain.ProjectRoom("p1"))
	assert.Contains(t, rooms, domain.UserRoom("u1"))

	pending, err := store.Queue().ListPending(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	_, err = eng.Cancel(ctx, "u1", []string{pending[0].ID})
	require.NoError(t, err)

	// Both the batch admission and the removal land on both rooms.
	rooms = pub.roomsFor(domain.EvtQueueUpdate)
	require.Len(t, rooms, 4)
	assert.Equal(t, domain.ProjectRoom("p1"), rooms[2])
	assert.Equal(t, domain.UserRoom("u1"), rooms[3])
}

func TestCancel_SkipsProcessingItems(t *testing.T) {
	store := memory.New()
	pub := &recordPub{}
	eng := NewEngine(store, pub, nil)
	ctx := context.Background()

	seedImage(t, store, "p1", "img-1")
	seedImage(t, store, "p1", "img-2")
	_, err := eng.Enqueue(ctx, "u1", "p1", EnqueueRequest{ImageIDs: []string{"img-1", "img-2"}, Model: "resunet"})
	require.NoError(t, err)

	// img-1's item races into processing before the cancel arrives.
	claimed, err := store.Queue().ClaimNext(ctx, "u1", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	pending, err := store.Queue().ListPending(ctx, "p1")
	require.NoError(t, err)
	ids := make([]string, len(pending))
	for i, it := range pending {
		ids[i] = it.ID
	}

	res, err := eng.Cancel(ctx, "u1", ids)
	require.NoError(t, err)
	require.Len(t, res.Cancelled, 1)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, claimed[0].ID, res.Skipped[0])

	// The cancelled image falls back to none; the processing one is untouched.
	item, err := store.Queue().Get(ctx, res.Cancelled[0])
	require.NoError(t, err)
	img, err := store.Images().Get(ctx, item.ImageID)
	require.NoError(t, err)
	assert.Equal(t, domain.SegStatusNone, img.SegmentationStatus)
}

func TestDispatch_PerUserCap(t *testing.T) {
	store := memory.New()
	pub := &recordPub{}
	eng := NewEngine(store, pub, nil)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("img-%d", i)
		seedImage(t, store, "p1", id)
		ids = append(ids, id)
	}
	_, err := eng.Enqueue(ctx, "u1", "p1", EnqueueRequest{ImageIDs: ids, Model: "resunet"})
	require.NoError(t, err)

	release := make(chan struct{})
	stub := &inference.Stub{RunFunc: func(ctx domain.Context, _ domain.InferenceRequest, _ func(domain.InferenceProgress)) (domain.InferenceResult, error) {
		<-release
		return domain.InferenceResult{}, nil
	}}
	runner := NewRunner(store, stub, pub, nil, t.TempDir(), time.Minute, 2)
	d := NewDispatcher(store, runner, 5, 2, time.Hour)

	d.dispatch(ctx)
	// A lone user gets at most the per-user cap despite 5 free global slots.
	require.Eventually(t, func() bool {
		n, _ := store.Queue().CountProcessing(ctx, "u1")
		return n == 2
	}, time.Second, 10*time.Millisecond)

	d.dispatch(ctx)
	n, _ := store.Queue().CountProcessing(ctx, "u1")
	assert.Equal(t, 2, n)

	close(release)
	d.wg.Wait()
}

func TestDispatch_SharesBudgetAcrossUsers(t *testing.T) {
	store := memory.New()
	pub := &recordPub{}
	eng := NewEngine(store, pub, nil)
	ctx := context.Background()

	var aIDs, bIDs []string
	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("a-%d", i)
		seedImage(t, store, "pa", id)
		aIDs = append(aIDs, id)
	}
	for i := 0; i < 2; i++ {
		id := fmt.Sprintf("b-%d", i)
		seedImage(t, store, "pb", id)
		bIDs = append(bIDs, id)
	}
	_, err := eng.Enqueue(ctx, "alice", "pa", EnqueueRequest{ImageIDs: aIDs, Model: "resunet"})
	require.NoError(t, err)
	_, err = eng.Enqueue(ctx, "bob", "pb", EnqueueRequest{ImageIDs: bIDs, Model: "resunet"})
	require.NoError(t, err)

	release := make(chan struct{})
	stub := &inference.Stub{RunFunc: func(ctx domain.Context, _ domain.InferenceRequest, _ func(domain.InferenceProgress)) (domain.InferenceResult, error) {
		<-release
		return domain.InferenceResult{}, nil
	}}
	runner := NewRunner(store, stub, pub, nil, t.TempDir(), time.Minute, 2)
	d := NewDispatcher(store, runner, 5, 2, time.Hour)

	d.dispatch(ctx)
	require.Eventually(t, func() bool {
		na, _ := store.Queue().CountProcessing(ctx, "alice")
		nb, _ := store.Queue().CountProcessing(ctx, "bob")
		return na == 2 && nb == 2
	}, time.Second, 10*time.Millisecond)

	close(release)
	d.wg.Wait()
}

func TestRunner_CompletesAndStoresSegmentation(t *testing.T) {
	store := memory.New()
	pub := &recordPub{}
	ctx := context.Background()

	seedImage(t, store, "p1", "img-1")
	eng := NewEngine(store, pub, nil)
	_, err := eng.Enqueue(ctx, "u1", "p1", EnqueueRequest{ImageIDs: []string{"img-1"}, Model: "resunet", Threshold: 0.5})
	require.NoError(t, err)
	claimed, err := store.Queue().ClaimNext(ctx, "u1", 1)
	require.NoError(t, err)

	runner := NewRunner(store, &inference.Stub{}, pub, nil, t.TempDir(), time.Minute, 2)
	runner.Process(ctx, claimed[0])

	item, err := store.Queue().Get(ctx, claimed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueItemCompleted, item.Status)

	seg, err := store.Segmentations().GetByImage(ctx, "img-1")
	require.NoError(t, err)
	require.Len(t, seg.Polygons, 1)

	img, err := store.Images().Get(ctx, "img-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SegStatusSegmented, img.SegmentationStatus)

	names := pub.names()
	assert.Contains(t, names, domain.EvtSegmentationProgress)
	assert.Contains(t, names, domain.EvtSegmentationCompleted)
}

type markerRenderer struct{}

func (markerRenderer) RenderOverlay(_ domain.Context, _, dst string, _ []domain.Polygon, _ domain.VisualizationOptions) error {
	return writeMarker(dst)
}

func (markerRenderer) Thumbnail(_ domain.Context, _, dst string, _, _ int) error {
	return writeMarker(dst)
}

func (markerRenderer) SegmentationThumbnail(_ domain.Context, _, dst string, _ []domain.Polygon, _ domain.VisualizationOptions, _, _ int) error {
	return writeMarker(dst)
}

func writeMarker(dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dst, []byte("png"), 0o644)
}

func TestRunner_WritesSegThumbnailUnderProjectTree(t *testing.T) {
	store := memory.New()
	pub := &recordPub{}
	ctx := context.Background()
	dir := t.TempDir()

	_, err := store.Images().Create(ctx, domain.Image{
		ID: "img-1", ProjectID: "p1", Name: "a.png",
		StoragePath: filepath.Join("alice", "p1", "images", "img-1.png"),
	})
	require.NoError(t, err)

	eng := NewEngine(store, pub, nil)
	_, err = eng.Enqueue(ctx, "alice", "p1", EnqueueRequest{ImageIDs: []string{"img-1"}, Model: "resunet"})
	require.NoError(t, err)
	claimed, err := store.Queue().ClaimNext(ctx, "alice", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	runner := NewRunner(store, &inference.Stub{}, pub, markerRenderer{}, dir, time.Minute, 2)
	runner.Process(ctx, claimed[0])

	img, err := store.Images().Get(ctx, "img-1")
	require.NoError(t, err)
	want := filepath.Join("alice", "p1", "segmentation_thumbnails", "img-1.png")
	assert.Equal(t, want, img.SegThumbnailPath)
	_, statErr := os.Stat(filepath.Join(dir, want))
	require.NoError(t, statErr)
}

func TestRunner_DropsCompletionAfterCancellation(t *testing.T) {
	store := memory.New()
	pub := &recordPub{}
	ctx := context.Background()

	seedImage(t, store, "p1", "img-1")
	eng := NewEngine(store, pub, nil)
	_, err := eng.Enqueue(ctx, "u1", "p1", EnqueueRequest{ImageIDs: []string{"img-1"}, Model: "resunet"})
	require.NoError(t, err)
	claimed, err := store.Queue().ClaimNext(ctx, "u1", 1)
	require.NoError(t, err)

	stub := &inference.Stub{RunFunc: func(ctx domain.Context, _ domain.InferenceRequest, _ func(domain.InferenceProgress)) (domain.InferenceResult, error) {
		// The item reaches a terminal state while inference is in flight.
		err := store.Queue().Finish(context.Background(), claimed[0].ID, domain.QueueItemCancelled, "", "")
		require.NoError(t, err)
		return domain.InferenceResult{Polygons: []domain.Polygon{{ID: "late"}}}, nil
	}}
	runner := NewRunner(store, stub, pub, nil, t.TempDir(), time.Minute, 2)
	runner.Process(ctx, claimed[0])

	// Cancellation is authoritative: the late result must not resurrect it.
	item, err := store.Queue().Get(ctx, claimed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueItemCancelled, item.Status)
	_, err = store.Segmentations().GetByImage(ctx, "img-1")
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.NotContains(t, pub.names(), domain.EvtSegmentationCompleted)
}

func TestRunner_RetriesTransientThenFailsPermanent(t *testing.T) {
	store := memory.New()
	pub := &recordPub{}
	ctx := context.Background()

	seedImage(t, store, "p1", "img-1")
	eng := NewEngine(store, pub, nil)
	_, err := eng.Enqueue(ctx, "u1", "p1", EnqueueRequest{ImageIDs: []string{"img-1"}, Model: "resunet"})
	require.NoError(t, err)
	claimed, err := store.Queue().ClaimNext(ctx, "u1", 1)
	require.NoError(t, err)

	calls := 0
	stub := &inference.Stub{RunFunc: func(ctx domain.Context, _ domain.InferenceRequest, _ func(domain.InferenceProgress)) (domain.InferenceResult, error) {
		calls++
		return domain.InferenceResult{}, fmt.Errorf("ml unavailable: %w", domain.ErrTransient)
	}}
	runner := NewRunner(store, stub, pub, nil, t.TempDir(), time.Minute, 2)
	runner.retryBase = time.Millisecond

	for i := 0; i < 3; i++ {
		items, err := store.Queue().ClaimNext(ctx, "u1", 1)
		require.NoError(t, err)
		if i == 0 {
			items = claimed
		}
		require.NotEmpty(t, items)
		runner.Process(ctx, items[0])
	}

	assert.Equal(t, 3, calls)
	item, err := store.Queue().Get(ctx, claimed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueItemFailed, item.Status)
	assert.Equal(t, 2, item.RetryCount)
	assert.Equal(t, domain.CodeTransient, item.ErrorCode)

	img, err := store.Images().Get(ctx, "img-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SegStatusFailed, img.SegmentationStatus)
	assert.Contains(t, pub.names(), domain.EvtSegmentationFailed)
}

func TestRunner_PermanentErrorFailsImmediately(t *testing.T) {
	store := memory.New()
	pub := &recordPub{}
	ctx := context.Background()

	seedImage(t, store, "p1", "img-1")
	eng := NewEngine(store, pub, nil)
	_, err := eng.Enqueue(ctx, "u1", "p1", EnqueueRequest{ImageIDs: []string{"img-1"}, Model: "resunet"})
	require.NoError(t, err)
	claimed, err := store.Queue().ClaimNext(ctx, "u1", 1)
	require.NoError(t, err)

	calls := 0
	stub := &inference.Stub{RunFunc: func(ctx domain.Context, _ domain.InferenceRequest, _ func(domain.InferenceProgress)) (domain.InferenceResult, error) {
		calls++
		return domain.InferenceResult{}, fmt.Errorf("unreadable image: %w", domain.ErrInvalidArgument)
	}}
	runner := NewRunner(store, stub, pub, nil, t.TempDir(), time.Minute, 2)
	runner.Process(ctx, claimed[0])

	assert.Equal(t, 1, calls)
	item, err := store.Queue().Get(ctx, claimed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueItemFailed, item.Status)
	assert.Equal(t, domain.CodeInvalidInput, item.ErrorCode)
}

func TestCancelAll_SweepsQueuedAcrossProjects(t *testing.T) {
	store := memory.New()
	pub := &recordPub{}
	eng := NewEngine(store, pub, nil)
	ctx := context.Background()

	seedImage(t, store, "p1", "img-a")
	seedImage(t, store, "p2", "img-b")
	seedImage(t, store, "p1", "img-c")

	for project, ids := range map[string][]string{"p1": {"img-a", "img-c"}, "p2": {"img-b"}} {
		_, err := eng.Enqueue(ctx, "alice", project, EnqueueRequest{ImageIDs: ids, Model: "unet-v2"})
		require.NoError(t, err)
	}
	// A processing item survives the sweep.
	claimed, err := store.Queue().ClaimNext(ctx, "alice", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	res, err := eng.CancelAll(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, res.Cancelled, 2)
	assert.Empty(t, res.Skipped)

	left, err := store.Queue().ListQueuedByUser(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, left)
	item, err := store.Queue().Get(ctx, claimed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueItemProcessing, item.Status)

	// Nothing queued: an empty result, not an error.
	res, err = eng.CancelAll(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, res.Cancelled)
}
