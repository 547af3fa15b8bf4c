package usecase

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/histoseg/platform/internal/adapter/cache"
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

type fakeMailer struct {
	mu   sync.Mutex
	sent []string
}

func (m *fakeMailer) SendShareInvite(_ domain.Context, to, _, inviteURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, to+" "+inviteURL)
	return nil
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.Gray{Y: uint8(x + y)})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func testLimits() UploadLimits {
	return UploadLimits{MaxFilesPerChunk: 4, MaxTotalFiles: 10, MaxFileBytes: 1 << 20, Concurrency: 2}
}

func TestSaveChunk_PersistsValidAndSkipsBroken(t *testing.T) {
	store := memory.New()
	pub := &recordPub{}
	svc := NewUploadService(store, pub, nil, t.TempDir(), testLimits())
	ctx := context.Background()
	_, err := store.Projects().Create(ctx, domain.Project{ID: "p1", UserID: "u1"})
	require.NoError(t, err)

	outcomes, err := svc.SaveChunk(ctx, "p1", []UploadFile{
		{Name: "good.png", Data: pngBytes(t, 32, 24)},
		{Name: "bad.bin", Data: []byte("definitely not an image")},
	})
	require.NoError(t, err, "a broken file must not abort the chunk")
	require.Len(t, outcomes, 2)

	require.NotEmpty(t, outcomes[0].ImageID)
	assert.Empty(t, outcomes[0].Error)
	assert.Empty(t, outcomes[1].ImageID)
	assert.NotEmpty(t, outcomes[1].Error)

	img, err := store.Images().Get(ctx, outcomes[0].ImageID)
	require.NoError(t, err)
	assert.Equal(t, 32, img.Width)
	assert.Equal(t, 24, img.Height)
	assert.Equal(t, "image/png", img.MIME)
	assert.Equal(t, domain.SegStatusNone, img.SegmentationStatus)

	names := pub.names()
	assert.Contains(t, names, domain.EvtUploadProgress)
	assert.Contains(t, names, domain.EvtUploadFailed)
	assert.Contains(t, names, domain.EvtUploadCompleted)
}

func TestSaveChunk_LaysOutFilesPerUserAndProject(t *testing.T) {
	store := memory.New()
	dir := t.TempDir()
	svc := NewUploadService(store, &recordPub{}, nil, dir, testLimits())
	ctx := context.Background()
	_, err := store.Projects().Create(ctx, domain.Project{ID: "proj-1", UserID: "user-1"})
	require.NoError(t, err)

	outcomes, err := svc.SaveChunk(ctx, "proj-1", []UploadFile{{Name: "slide.png", Data: pngBytes(t, 8, 8)}})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.Empty(t, outcomes[0].Error)

	img, err := store.Images().Get(ctx, outcomes[0].ImageID)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("user-1", "proj-1", "images", img.ID+".png"), img.StoragePath)
	_, err = os.Stat(filepath.Join(dir, img.StoragePath))
	require.NoError(t, err)
}

func TestSaveChunk_EnforcesChunkAndTotalLimits(t *testing.T) {
	store := memory.New()
	svc := NewUploadService(store, &recordPub{}, nil, t.TempDir(), UploadLimits{
		MaxFilesPerChunk: 1, MaxTotalFiles: 1, MaxFileBytes: 1 << 20, Concurrency: 1,
	})
	ctx := context.Background()
	_, err := store.Projects().Create(ctx, domain.Project{ID: "p1", UserID: "u1"})
	require.NoError(t, err)

	_, err = svc.SaveChunk(ctx, "p1", []UploadFile{
		{Name: "a.png", Data: pngBytes(t, 4, 4)},
		{Name: "b.png", Data: pngBytes(t, 4, 4)},
	})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = svc.SaveChunk(ctx, "p1", []UploadFile{{Name: "a.png", Data: pngBytes(t, 4, 4)}})
	require.NoError(t, err)
	_, err = svc.SaveChunk(ctx, "p1", []UploadFile{{Name: "b.png", Data: pngBytes(t, 4, 4)}})
	require.ErrorIs(t, err, domain.ErrInvalidArgument, "total cap reached")
}

func TestShares_InviteAcceptRevoke(t *testing.T) {
	store := memory.New()
	pub := &recordPub{}
	mailer := &fakeMailer{}
	svc := NewShareService(store, pub, mailer, cache.NopTokenCache{}, "http://app.local")
	ctx := context.Background()

	_, err := store.Projects().Create(ctx, domain.Project{ID: "p1", UserID: "owner", Title: "Liver"})
	require.NoError(t, err)

	share, err := svc.Invite(ctx, "owner", "p1", "peer@lab.test")
	require.NoError(t, err)
	assert.Equal(t, domain.SharePending, share.Status)
	require.NotEmpty(t, share.ShareToken)
	require.Len(t, mailer.sent, 1)
	assert.Contains(t, mailer.sent[0], share.ShareToken)

	// Only the owner may invite.
	_, err = svc.Invite(ctx, "stranger", "p1", "x@lab.test")
	require.ErrorIs(t, err, domain.ErrForbidden)

	// Duplicate invite for the same address conflicts.
	_, err = svc.Invite(ctx, "owner", "p1", "peer@lab.test")
	require.ErrorIs(t, err, domain.ErrConflict)

	accepted, err := svc.Accept(ctx, "peer", share.ShareToken)
	require.NoError(t, err)
	assert.Equal(t, domain.ShareAccepted, accepted.Status)
	assert.Equal(t, "peer", accepted.SharedWithID)

	ok, err := store.Projects().Accessible(ctx, "peer", "p1")
	require.NoError(t, err)
	assert.True(t, ok)

	// Accepting twice conflicts.
	_, err = svc.Accept(ctx, "peer", share.ShareToken)
	require.ErrorIs(t, err, domain.ErrConflict)

	require.NoError(t, svc.Revoke(ctx, "owner", share.ID))
	ok, err = store.Projects().Accessible(ctx, "peer", "p1")
	require.NoError(t, err)
	assert.False(t, ok, "revocation removes access")
}

func TestProjects_AuthorizeAndDelete(t *testing.T) {
	store := memory.New()
	svc := NewProjectService(store, t.TempDir())
	ctx := context.Background()

	p, err := svc.Create(ctx, "owner", "Kidney", "")
	require.NoError(t, err)

	require.NoError(t, svc.Authorize(ctx, "owner", p.ID))
	err = svc.Authorize(ctx, "stranger", p.ID)
	require.ErrorIs(t, err, domain.ErrForbidden)

	err = svc.Delete(ctx, "stranger", p.ID)
	require.ErrorIs(t, err, domain.ErrForbidden)
	require.NoError(t, svc.Delete(ctx, "owner", p.ID))
	_, err = svc.Get(ctx, "owner", p.ID)
	require.Error(t, err)
}

func TestImages_DeleteBlockedWhileActive(t *testing.T) {
	store := memory.New()
	svc := NewImageService(store, t.TempDir())
	ctx := context.Background()

	id, err := store.Images().Create(ctx, domain.Image{ProjectID: "p1", Name: "a.png", StoragePath: "a.png"})
	require.NoError(t, err)
	require.NoError(t, store.Queue().CreateBatch(ctx, []domain.QueueItem{{
		UserID: "u1", ProjectID: "p1", ImageID: id,
	}}))

	err = svc.Delete(ctx, id)
	require.ErrorIs(t, err, domain.ErrConflict)

	items, err := store.Queue().ClaimNext(ctx, "u1", 1)
	require.NoError(t, err)
	require.NoError(t, store.Queue().Finish(ctx, items[0].ID, domain.QueueItemCompleted, "", ""))
	require.NoError(t, svc.Delete(ctx, id))
}
