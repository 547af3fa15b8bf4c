package httpserver

import (
	"fmt"
	"io"
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/histoseg/platform/internal/adapter/bus"
	"github.com/histoseg/platform/internal/domain"
	"github.com/histoseg/platform/internal/export"
	"github.com/histoseg/platform/internal/queue"
	"github.com/histoseg/platform/internal/stats"
	"github.com/histoseg/platform/internal/usecase"
)

// Server wires the usecase services and engines into HTTP handlers.
type Server struct {
	projects *usecase.ProjectService
	images   *usecase.ImageService
	uploads  *usecase.UploadService
	shares   *usecase.ShareService
	queue    *queue.Engine
	exports  *export.Engine
	stats    *stats.Aggregator
	hub      *bus.Hub

	validate       *validator.Validate
	maxUploadBytes int64
}

// NewServer constructs the handler set.
func NewServer(
	projects *usecase.ProjectService,
	images *usecase.ImageService,
	uploads *usecase.UploadService,
	shares *usecase.ShareService,
	queueEngine *queue.Engine,
	exportEngine *export.Engine,
	aggregator *stats.Aggregator,
	hub *bus.Hub,
	maxUploadBytes int64,
) *Server {
	return &Server{
		projects:       projects,
		images:         images,
		uploads:        uploads,
		shares:         shares,
		queue:          queueEngine,
		exports:        exportEngine,
		stats:          aggregator,
		hub:            hub,
		validate:       validator.New(validator.WithRequiredStructEnabled()),
		maxUploadBytes: maxUploadBytes,
	}
}

// Register mounts every authenticated route on r.
func (s *Server) Register(r chi.Router) {
	r.Route("/projects", func(r chi.Router) {
		r.Post("/", s.createProject)
		r.Get("/", s.listProjects)
		r.Route("/{projectID}", func(r chi.Router) {
			r.Get("/", s.getProject)
			r.Delete("/", s.deleteProject)
			r.Post("/images", s.uploadImages)
			r.Get("/images", s.listImages)
			r.Post("/segment", s.enqueueSegmentation)
			r.Get("/stats", s.projectStats)
			r.Get("/queue", s.listQueue)
			r.Get("/queue/stats", s.queueStats)
			r.Post("/queue/cancel", s.cancelProjectQueue)
			r.Post("/exports", s.startExport)
			r.Get("/exports", s.listExports)
			r.Post("/shares", s.inviteShare)
			r.Get("/shares", s.listShares)
		})
	})
	r.Route("/images/{imageID}", func(r chi.Router) {
		r.Get("/", s.getImage)
		r.Delete("/", s.deleteImage)
		r.Get("/segmentation", s.getSegmentation)
	})
	r.Post("/queue/cancel", s.cancelQueueItems)
	r.Post("/queue/cancel-all", s.cancelAllQueued)
	r.Delete("/queue/items/{itemID}", s.cancelQueueItem)
	r.Get("/queue/stats", s.userQueueStats)
	r.Get("/dashboard/stats", s.dashboardStats)
	r.Route("/exports/{jobID}", func(r chi.Router) {
		r.Get("/", s.exportStatus)
		r.Post("/cancel", s.cancelExport)
		r.Get("/download", s.downloadExport)
	})
	r.Post("/shares/accept", s.acceptShare)
	r.Delete("/shares/{shareID}", s.revokeShare)
	r.Get("/ws", s.serveWS)
}

// --- projects ---

func (s *Server) createProject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title       string `json:"title"`
		Description string `json:"description"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	p, err := s.projects.Create(r.Context(), userFrom(r.Context()), req.Title, req.Description)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	ps, err := s.projects.List(r.Context(), userFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": ps})
}

func (s *Server) getProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.projects.Get(r.Context(), userFrom(r.Context()), chi.URLParam(r, "projectID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) deleteProject(w http.ResponseWriter, r *http.Request) {
	if err := s.projects.Delete(r.Context(), userFrom(r.Context()), chi.URLParam(r, "projectID")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- images ---

func (s *Server) uploadImages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projectID := chi.URLParam(r, "projectID")
	if err := s.projects.Authorize(ctx, userFrom(ctx), projectID); err != nil {
		writeError(w, r, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, r, fmt.Errorf("multipart parse: %w", domain.ErrInvalidArgument))
		return
	}
	var files []usecase.UploadFile
	for _, fh := range r.MultipartForm.File["files"] {
		f, err := fh.Open()
		if err != nil {
			writeError(w, r, fmt.Errorf("open part %s: %w", fh.Filename, domain.ErrInvalidArgument))
			return
		}
		data, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			writeError(w, r, fmt.Errorf("read part %s: %w", fh.Filename, domain.ErrInvalidArgument))
			return
		}
		files = append(files, usecase.UploadFile{Name: fh.Filename, Data: data})
	}

	outcomes, err := s.uploads.SaveChunk(ctx, projectID, files)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.stats.Notify(projectID)
	writeJSON(w, http.StatusCreated, map[string]any{"files": outcomes})
}

func (s *Server) listImages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projectID := chi.URLParam(r, "projectID")
	if err := s.projects.Authorize(ctx, userFrom(ctx), projectID); err != nil {
		writeError(w, r, err)
		return
	}
	imgs, err := s.images.ListByProject(ctx, projectID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"images": imgs})
}

func (s *Server) getImage(w http.ResponseWriter, r *http.Request) {
	img, err := s.authorizedImage(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, img)
}

func (s *Server) deleteImage(w http.ResponseWriter, r *http.Request) {
	img, err := s.authorizedImage(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.images.Delete(r.Context(), img.ID); err != nil {
		writeError(w, r, err)
		return
	}
	s.stats.Notify(img.ProjectID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getSegmentation(w http.ResponseWriter, r *http.Request) {
	img, err := s.authorizedImage(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	seg, err := s.images.Segmentation(r.Context(), img.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, seg)
}

func (s *Server) authorizedImage(r *http.Request) (domain.Image, error) {
	ctx := r.Context()
	img, err := s.images.Get(ctx, chi.URLParam(r, "imageID"))
	if err != nil {
		return domain.Image{}, err
	}
	if err := s.projects.Authorize(ctx, userFrom(ctx), img.ProjectID); err != nil {
		return domain.Image{}, err
	}
	return img, nil
}

// --- queue ---

func (s *Server) enqueueSegmentation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projectID := chi.URLParam(r, "projectID")
	if err := s.projects.Authorize(ctx, userFrom(ctx), projectID); err != nil {
		writeError(w, r, err)
		return
	}
	var req queue.EnqueueRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, r, fmt.Errorf("%w: %w", domain.ErrInvalidArgument, err))
		return
	}
	res, err := s.queue.Enqueue(ctx, userFrom(ctx), projectID, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.stats.Notify(projectID)
	writeJSON(w, batchStatus(len(res.Queued), len(res.Skipped)), res)
}

func (s *Server) cancelQueueItems(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.queue.Cancel(r.Context(), userFrom(r.Context()), req.IDs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, batchStatus(len(res.Cancelled), len(res.Skipped)), res)
}

func (s *Server) cancelQueueItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "itemID")
	res, err := s.queue.Cancel(r.Context(), userFrom(r.Context()), []string{id})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if len(res.Cancelled) == 0 {
		writeError(w, r, fmt.Errorf("queue item %s is not cancellable: %w", id, domain.ErrConflict))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) cancelAllQueued(w http.ResponseWriter, r *http.Request) {
	res, err := s.queue.CancelAll(r.Context(), userFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, sweepStatus(res), res)
}

func (s *Server) cancelProjectQueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projectID := chi.URLParam(r, "projectID")
	if err := s.projects.Authorize(ctx, userFrom(ctx), projectID); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.queue.CancelProject(ctx, userFrom(ctx), projectID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.stats.Notify(projectID)
	writeJSON(w, sweepStatus(res), res)
}

func (s *Server) listQueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projectID := chi.URLParam(r, "projectID")
	if err := s.projects.Authorize(ctx, userFrom(ctx), projectID); err != nil {
		writeError(w, r, err)
		return
	}
	items, err := s.queue.ListPending(ctx, projectID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projectID := chi.URLParam(r, "projectID")
	if err := s.projects.Authorize(ctx, userFrom(ctx), projectID); err != nil {
		writeError(w, r, err)
		return
	}
	st, err := s.queue.Stats(ctx, projectID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) userQueueStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.queue.StatsByUser(r.Context(), userFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) projectStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projectID := chi.URLParam(r, "projectID")
	if err := s.projects.Authorize(ctx, userFrom(ctx), projectID); err != nil {
		writeError(w, r, err)
		return
	}
	st, err := s.stats.ProjectStats(ctx, projectID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) dashboardStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.stats.DashboardMetrics(r.Context(), userFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// batchStatus picks 202, 207, or 409 for partially honored batches.
func batchStatus(applied, skipped int) int {
	switch {
	case applied > 0 && skipped == 0:
		return http.StatusAccepted
	case applied > 0:
		return http.StatusMultiStatus
	default:
		return http.StatusConflict
	}
}

// sweepStatus is batchStatus for cancel sweeps, where an empty queue is
// an idempotent success rather than a conflict.
func sweepStatus(res queue.CancelResult) int {
	if len(res.Cancelled)+len(res.Skipped) == 0 {
		return http.StatusOK
	}
	return batchStatus(len(res.Cancelled), len(res.Skipped))
}

// --- exports ---

func (s *Server) startExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projectID := chi.URLParam(r, "projectID")
	if err := s.projects.Authorize(ctx, userFrom(ctx), projectID); err != nil {
		writeError(w, r, err)
		return
	}
	opts := domain.DefaultExportOptions()
	if err := decodeBody(r, &opts); err != nil {
		writeError(w, r, err)
		return
	}
	job, err := s.exports.Start(ctx, userFrom(ctx), projectID, opts)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, exportView(job))
}

func (s *Server) listExports(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projectID := chi.URLParam(r, "projectID")
	if err := s.projects.Authorize(ctx, userFrom(ctx), projectID); err != nil {
		writeError(w, r, err)
		return
	}
	jobs, err := s.exports.List(ctx, projectID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	views := make([]map[string]any, len(jobs))
	for i, j := range jobs {
		views[i] = exportView(j)
	}
	writeJSON(w, http.StatusOK, map[string]any{"exports": views})
}

func (s *Server) exportStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.authorizedExport(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exportView(job))
}

func (s *Server) cancelExport(w http.ResponseWriter, r *http.Request) {
	job, err := s.authorizedExport(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.exports.Cancel(r.Context(), job.ID); err != nil {
		writeError(w, r, err)
		return
	}
	job, err = s.exports.Status(r.Context(), job.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exportView(job))
}

func (s *Server) downloadExport(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authorizedExport(r); err != nil {
		writeError(w, r, err)
		return
	}
	job, err := s.exports.Download(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", "export_"+job.ID+".zip"))
	w.Header().Set("X-Checksum-SHA256", job.Checksum)
	http.ServeFile(w, r, filepath.Clean(job.ArtifactPath))
}

func (s *Server) authorizedExport(r *http.Request) (domain.ExportJob, error) {
	ctx := r.Context()
	job, err := s.exports.Status(ctx, chi.URLParam(r, "jobID"))
	if err != nil {
		return domain.ExportJob{}, err
	}
	if err := s.projects.Authorize(ctx, userFrom(ctx), job.ProjectID); err != nil {
		return domain.ExportJob{}, err
	}
	return job, nil
}

// exportView is the wire shape of a job; the artifact's disk path stays
// server-side.
func exportView(j domain.ExportJob) map[string]any {
	v := map[string]any{
		"id":        j.ID,
		"projectId": j.ProjectID,
		"status":    j.Status,
		"phase":     j.Phase,
		"progress":  j.Progress,
		"createdAt": j.CreatedAt,
	}
	if j.Checksum != "" {
		v["checksum"] = j.Checksum
	}
	if j.Error != "" {
		v["error"] = map[string]any{"code": j.ErrorCode, "message": j.Error}
	}
	if j.CompletedAt != nil {
		v["completedAt"] = j.CompletedAt
	}
	return v
}

// --- shares ---

func (s *Server) inviteShare(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	share, err := s.shares.Invite(r.Context(), userFrom(r.Context()), chi.URLParam(r, "projectID"), req.Email)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, share)
}

func (s *Server) listShares(w http.ResponseWriter, r *http.Request) {
	shares, err := s.shares.List(r.Context(), userFrom(r.Context()), chi.URLParam(r, "projectID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"shares": shares})
}

func (s *Server) acceptShare(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	share, err := s.shares.Accept(r.Context(), userFrom(r.Context()), req.Token)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, share)
}

func (s *Server) revokeShare(w http.ResponseWriter, r *http.Request) {
	if err := s.shares.Revoke(r.Context(), userFrom(r.Context()), chi.URLParam(r, "shareID")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
