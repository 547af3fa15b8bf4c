package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/histoseg/platform/internal/adapter/bus"
	"github.com/histoseg/platform/internal/adapter/cache"
	"github.com/histoseg/platform/internal/adapter/mail"
	"github.com/histoseg/platform/internal/adapter/repo/memory"
	"github.com/histoseg/platform/internal/domain"
	"github.com/histoseg/platform/internal/export"
	"github.com/histoseg/platform/internal/queue"
	"github.com/histoseg/platform/internal/reconcile"
	"github.com/histoseg/platform/internal/stats"
	"github.com/histoseg/platform/internal/usecase"
)

type testAPI struct {
	ts      *httptest.Server
	store   *memory.Store
	exports *export.Engine
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	store := memory.New()
	uploadDir := t.TempDir()

	projects := usecase.NewProjectService(store, uploadDir)
	hub := bus.NewHub(projects.Accessible, nil)
	images := usecase.NewImageService(store, uploadDir)
	uploads := usecase.NewUploadService(store, hub, nil, uploadDir, usecase.UploadLimits{
		MaxFilesPerChunk: 10, MaxTotalFiles: 100, MaxFileBytes: 8 << 20, Concurrency: 2,
	})
	shares := usecase.NewShareService(store, hub, mail.LogMailer{}, cache.NopTokenCache{}, "http://app.local")
	queueEngine := queue.NewEngine(store, hub, nil)
	guard := reconcile.NewGuard()
	exportEngine := export.NewEngine(store, hub, nil, guard, uploadDir, 1, time.Minute)
	aggregator := stats.NewAggregator(store, hub)
	t.Cleanup(aggregator.Close)

	srv := NewServer(projects, images, uploads, shares, queueEngine, exportEngine, aggregator, hub, 64<<20)

	r := chi.NewRouter()
	r.Use(RequestID, Recoverer, SecurityHeaders, Authenticate)
	srv.Register(r)

	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return &testAPI{ts: ts, store: store, exports: exportEngine}
}

func (a *testAPI) do(t *testing.T, method, path, user string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, a.ts.URL+path, rd)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.ts.Client().Do(req)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	return resp, raw
}

func (a *testAPI) createProject(t *testing.T, user, title string) string {
	t.Helper()
	resp, raw := a.do(t, http.MethodPost, "/projects", user, map[string]string{"title": title})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	var p struct {
		ID string `json:"ID"`
	}
	require.NoError(t, json.Unmarshal(raw, &p))
	require.NotEmpty(t, p.ID)
	return p.ID
}

func smallPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	img.Set(2, 2, color.White)
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func (a *testAPI) uploadImage(t *testing.T, user, projectID, name string) string {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("files", name)
	require.NoError(t, err)
	_, err = fw.Write(smallPNG(t))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, a.ts.URL+"/projects/"+projectID+"/images", &body)
	require.NoError(t, err)
	req.Header.Set("X-User-ID", user)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := a.ts.Client().Do(req)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))

	var out struct {
		Files []usecase.UploadOutcome `json:"files"`
	}
	require.NoError(t, json.Unmarshal(raw, &out))
	require.Len(t, out.Files, 1)
	require.Empty(t, out.Files[0].Error)
	return out.Files[0].ImageID
}

func TestAPI_RequiresIdentityHeader(t *testing.T) {
	api := newTestAPI(t)
	resp, raw := api.do(t, http.MethodGet, "/projects", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var body errorBody
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, domain.CodeUnauthorized, body.Error.Code)
	assert.NotEmpty(t, body.Error.RequestID)
}

func TestAPI_ProjectLifecycleAndIsolation(t *testing.T) {
	api := newTestAPI(t)
	id := api.createProject(t, "alice", "Liver biopsies")

	resp, _ := api.do(t, http.MethodGet, "/projects/"+id, "alice", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Another user sees neither the project nor its subresources.
	resp, raw := api.do(t, http.MethodGet, "/projects/"+id, "bob", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	var body errorBody
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, domain.CodeForbidden, body.Error.Code)

	resp, _ = api.do(t, http.MethodGet, "/projects/"+id+"/images", "bob", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = api.do(t, http.MethodGet, "/projects/missing", "alice", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = api.do(t, http.MethodDelete, "/projects/"+id, "alice", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = api.do(t, http.MethodGet, "/projects/"+id, "alice", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_UploadThenEnqueueStatuses(t *testing.T) {
	api := newTestAPI(t)
	pid := api.createProject(t, "alice", "Kidney")
	img1 := api.uploadImage(t, "alice", pid, "a.png")
	img2 := api.uploadImage(t, "alice", pid, "b.png")

	enqueue := func(ids []string) (*http.Response, queue.EnqueueResult) {
		resp, raw := api.do(t, http.MethodPost, "/projects/"+pid+"/segment", "alice", map[string]any{
			"imageIds": ids, "model": "unet-v2", "threshold": 0.5, "detectHoles": true,
		})
		var res queue.EnqueueResult
		require.NoError(t, json.Unmarshal(raw, &res))
		return resp, res
	}

	// Fresh batch: everything admitted.
	resp, res := enqueue([]string{img1, img2})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.ElementsMatch(t, []string{img1, img2}, res.Queued)

	// Re-submitting a queued image alongside nothing new: full conflict.
	resp, res = enqueue([]string{img1})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, "already queued", res.Skipped[0].Reason)

	// Mixed batch: multi-status.
	img3 := api.uploadImage(t, "alice", pid, "c.png")
	resp, res = enqueue([]string{img1, img3})
	assert.Equal(t, http.StatusMultiStatus, resp.StatusCode)
	assert.Equal(t, []string{img3}, res.Queued)
}

func TestAPI_QueueCancelStatuses(t *testing.T) {
	api := newTestAPI(t)
	pid := api.createProject(t, "alice", "Lung")
	img1 := api.uploadImage(t, "alice", pid, "a.png")
	img2 := api.uploadImage(t, "alice", pid, "b.png")

	resp, raw := api.do(t, http.MethodPost, "/projects/"+pid+"/segment", "alice", map[string]any{
		"imageIds": []string{img1, img2}, "model": "unet-v2",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(raw))

	items, err := api.store.Queue().ListPending(context.Background(), pid)
	require.NoError(t, err)
	require.Len(t, items, 2)

	// Claim one item so its cancellation is skipped.
	claimed, err := api.store.Queue().ClaimNext(context.Background(), "alice", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	var ids []string
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	resp, raw = api.do(t, http.MethodPost, "/queue/cancel", "alice", map[string]any{"ids": ids})
	assert.Equal(t, http.StatusMultiStatus, resp.StatusCode)
	var res queue.CancelResult
	require.NoError(t, json.Unmarshal(raw, &res))
	assert.Len(t, res.Cancelled, 1)
	assert.Equal(t, []string{claimed[0].ID}, res.Skipped)

	// Nothing cancellable left.
	resp, _ = api.do(t, http.MethodPost, "/queue/cancel", "alice", map[string]any{"ids": ids})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAPI_ExportStartStatusAndDownloadGate(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()
	pid := api.createProject(t, "alice", "Spleen")

	// Start records the job and returns 202 even though the pipeline runs
	// asynchronously.
	resp, raw := api.do(t, http.MethodPost, "/projects/"+pid+"/exports", "alice", map[string]any{
		"includeOriginalImages": true,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(raw))
	var view struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(raw, &view))
	assert.Equal(t, string(domain.ExportPending), view.Status)

	// A pending job cannot be downloaded.
	resp, _ = api.do(t, http.MethodGet, "/exports/"+view.ID+"/download", "alice", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Other users cannot even see the job.
	resp, _ = api.do(t, http.MethodGet, "/exports/"+view.ID, "bob", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Promote the job to completed with a real artifact on disk.
	job, err := api.store.Exports().Get(ctx, view.ID)
	require.NoError(t, err)
	artifact := api.exports.ArtifactPath(job)
	require.NoError(t, os.MkdirAll(filepath.Dir(artifact), 0o755))
	require.NoError(t, os.WriteFile(artifact, []byte("zip bytes"), 0o644))
	require.NoError(t, api.store.Exports().Transition(ctx, view.ID,
		[]domain.ExportStatus{domain.ExportPending}, domain.ExportProcessing))
	require.NoError(t, api.store.Exports().SetArtifact(ctx, view.ID, artifact, "deadbeef"))

	resp, raw = api.do(t, http.MethodGet, "/exports/"+view.ID+"/download", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "deadbeef", resp.Header.Get("X-Checksum-SHA256"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), view.ID)
	assert.Equal(t, []byte("zip bytes"), raw)

	// Cancelling a completed job is a conflict.
	resp, _ = api.do(t, http.MethodPost, "/exports/"+view.ID+"/cancel", "alice", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAPI_QueueSweepStatuses(t *testing.T) {
	api := newTestAPI(t)
	pid := api.createProject(t, "alice", "Colon")
	img1 := api.uploadImage(t, "alice", pid, "a.png")
	img2 := api.uploadImage(t, "alice", pid, "b.png")

	resp, raw := api.do(t, http.MethodPost, "/projects/"+pid+"/segment", "alice", map[string]any{
		"imageIds": []string{img1, img2}, "model": "unet-v2",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(raw))

	claimed, err := api.store.Queue().ClaimNext(context.Background(), "alice", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// One queued item cancels, the processing one is skipped: multi-status.
	resp, raw = api.do(t, http.MethodPost, "/projects/"+pid+"/queue/cancel", "alice", nil)
	assert.Equal(t, http.StatusMultiStatus, resp.StatusCode)
	var res queue.CancelResult
	require.NoError(t, json.Unmarshal(raw, &res))
	assert.Len(t, res.Cancelled, 1)
	assert.Equal(t, []string{claimed[0].ID}, res.Skipped)

	// Only the processing item remains: nothing cancellable.
	resp, _ = api.do(t, http.MethodPost, "/projects/"+pid+"/queue/cancel", "alice", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// The global sweep finds no queued items: idempotent success.
	resp, _ = api.do(t, http.MethodPost, "/queue/cancel-all", "alice", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPI_ExportCancelReturnsOK(t *testing.T) {
	api := newTestAPI(t)
	pid := api.createProject(t, "alice", "Thymus")

	resp, raw := api.do(t, http.MethodPost, "/projects/"+pid+"/exports", "alice", map[string]any{
		"includeOriginalImages": true,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(raw))
	var view struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(raw, &view))

	resp, raw = api.do(t, http.MethodPost, "/exports/"+view.ID+"/cancel", "alice", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, string(domain.ExportCancelled), out.Status)

	// Repeating the cancel is a no-op with the same status code.
	resp, _ = api.do(t, http.MethodPost, "/exports/"+view.ID+"/cancel", "alice", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPI_ExportRejectsEmptySelection(t *testing.T) {
	api := newTestAPI(t)
	pid := api.createProject(t, "alice", "Heart")

	resp, raw := api.do(t, http.MethodPost, "/projects/"+pid+"/exports", "alice", map[string]any{
		"includeOriginalImages": false,
		"includeVisualizations": false,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var body errorBody
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, domain.CodeInvalidInput, body.Error.Code)
	assert.False(t, body.Error.Retryable)
}

func TestAPI_ShareInviteAcceptGrantsAccess(t *testing.T) {
	api := newTestAPI(t)
	pid := api.createProject(t, "alice", "Pancreas")

	resp, raw := api.do(t, http.MethodPost, "/projects/"+pid+"/shares", "alice", map[string]string{
		"email": "peer@lab.test",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	var share domain.ProjectShare
	require.NoError(t, json.Unmarshal(raw, &share))
	require.NotEmpty(t, share.ShareToken)

	// Before accepting, the peer is locked out.
	resp, _ = api.do(t, http.MethodGet, "/projects/"+pid, "peer", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = api.do(t, http.MethodPost, "/shares/accept", "peer", map[string]string{"token": share.ShareToken})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = api.do(t, http.MethodGet, "/projects/"+pid, "peer", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Revocation closes the door again.
	resp, _ = api.do(t, http.MethodDelete, "/shares/"+share.ID, "alice", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = api.do(t, http.MethodGet, "/projects/"+pid, "peer", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAPI_RejectsUnknownJSONFields(t *testing.T) {
	api := newTestAPI(t)
	resp, raw := api.do(t, http.MethodPost, "/projects", "alice", map[string]string{
		"title": "ok", "bogus": "field",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var body errorBody
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, domain.CodeInvalidInput, body.Error.Code)
}
