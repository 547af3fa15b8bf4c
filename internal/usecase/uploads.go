package usecase

import (
	"bytes"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "image/jpeg"
	_ "image/png"

	"github.com/histoseg/platform/internal/domain"
)

// UploadLimits bounds one upload chunk and the per-project total.
type UploadLimits struct {
	MaxFilesPerChunk int
	MaxTotalFiles    int
	MaxFileBytes     int64
	Concurrency      int
}

// UploadService ingests image chunks: sniff, bound, persist, thumbnail,
// and report per-file progress over the bus.
type UploadService struct {
	store    domain.Store
	bus      domain.Publisher
	renderer domain.Renderer

	uploadDir string
	limits    UploadLimits
}

// NewUploadService constructs the service.
func NewUploadService(store domain.Store, bus domain.Publisher, renderer domain.Renderer, uploadDir string, limits UploadLimits) *UploadService {
	if limits.Concurrency < 1 {
		limits.Concurrency = 1
	}
	return &UploadService{store: store, bus: bus, renderer: renderer, uploadDir: uploadDir, limits: limits}
}

// UploadFile is one file of a chunk, already read into memory by the
// multipart handler (chunks are small by contract).
type UploadFile struct {
	Name string
	Data []byte
}

// UploadOutcome reports one file's fate within a chunk.
type UploadOutcome struct {
	FileName string `json:"fileName"`
	ImageID  string `json:"imageId,omitempty"`
	Error    string `json:"error,omitempty"`
}

var allowedMIME = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/tiff": ".tif",
	"image/bmp":  ".bmp",
}

// SaveChunk ingests one chunk. A bad file never aborts the chunk; its
// failure is reported and the rest proceed.
func (s *UploadService) SaveChunk(ctx domain.Context, projectID string, files []UploadFile) ([]UploadOutcome, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("op=uploads.SaveChunk: empty chunk: %w", domain.ErrInvalidArgument)
	}
	if len(files) > s.limits.MaxFilesPerChunk {
		return nil, fmt.Errorf("op=uploads.SaveChunk: chunk of %d exceeds limit %d: %w",
			len(files), s.limits.MaxFilesPerChunk, domain.ErrInvalidArgument)
	}
	project, err := s.store.Projects().Get(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("op=uploads.SaveChunk: %w", err)
	}
	existing, err := s.store.Images().ListByProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("op=uploads.SaveChunk: %w", err)
	}
	if len(existing)+len(files) > s.limits.MaxTotalFiles {
		return nil, fmt.Errorf("op=uploads.SaveChunk: project would exceed %d files: %w",
			s.limits.MaxTotalFiles, domain.ErrInvalidArgument)
	}

	outcomes := make([]UploadOutcome, len(files))
	var done int
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.limits.Concurrency)
	for i, f := range files {
		i, f := i, f
		g.Go(func() error {
			imageID, err := s.saveOne(gctx, project, f)
			mu.Lock()
			done++
			n := done
			mu.Unlock()

			outcomes[i] = UploadOutcome{FileName: f.Name, ImageID: imageID}
			if err != nil {
				outcomes[i].Error = err.Error()
				s.bus.Publish(domain.ProjectRoom(projectID), domain.EvtUploadFailed, domain.UploadEventPayload{
					ProjectID: projectID, FileName: f.Name, Done: n, Total: len(files),
					CanContinue: true, Error: domain.NewEventError(err),
				})
				return nil
			}
			s.bus.Publish(domain.ProjectRoom(projectID), domain.EvtUploadProgress, domain.UploadEventPayload{
				ProjectID: projectID, FileName: f.Name, ImageID: imageID, Done: n, Total: len(files),
			})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("op=uploads.SaveChunk: %w", err)
	}

	s.bus.Publish(domain.ProjectRoom(projectID), domain.EvtUploadCompleted, domain.UploadEventPayload{
		ProjectID: projectID, Done: len(files), Total: len(files),
	})
	return outcomes, nil
}

// saveOne persists the file under the owner's project tree, so every
// project keeps its originals and thumbnails side by side.
func (s *UploadService) saveOne(ctx domain.Context, project domain.Project, f UploadFile) (string, error) {
	if int64(len(f.Data)) > s.limits.MaxFileBytes {
		return "", fmt.Errorf("file exceeds %d bytes: %w", s.limits.MaxFileBytes, domain.ErrInvalidArgument)
	}
	mt := mimetype.Detect(f.Data)
	ext, ok := allowedMIME[mt.String()]
	if !ok {
		return "", fmt.Errorf("unsupported type %s: %w", mt.String(), domain.ErrInvalidArgument)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(f.Data))
	if err != nil {
		return "", fmt.Errorf("unreadable image: %w", domain.ErrInvalidArgument)
	}

	id := uuid.New().String()
	rel := filepath.Join(project.UserID, project.ID, "images", id+ext)
	abs := filepath.Join(s.uploadDir, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("store file: %w", err)
	}
	if err := os.WriteFile(abs, f.Data, 0o644); err != nil {
		return "", fmt.Errorf("store file: %w", err)
	}

	thumbRel := filepath.Join(project.UserID, project.ID, "thumbnails", id+".png")
	if s.renderer != nil {
		if err := s.renderer.Thumbnail(ctx, abs, filepath.Join(s.uploadDir, thumbRel), 256, 256); err != nil {
			thumbRel = ""
		}
	} else {
		thumbRel = ""
	}

	imageID, err := s.store.Images().Create(ctx, domain.Image{
		ID:            id,
		ProjectID:     project.ID,
		Name:          f.Name,
		StoragePath:   rel,
		ThumbnailPath: thumbRel,
		Width:         cfg.Width,
		Height:        cfg.Height,
		SizeBytes:     int64(len(f.Data)),
		MIME:          mt.String(),
	})
	if err != nil {
		_ = os.Remove(abs)
		return "", fmt.Errorf("record image: %w", err)
	}
	return imageID, nil
}
