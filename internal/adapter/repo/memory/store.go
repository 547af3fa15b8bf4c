// Package memory implements the Store ports in process memory. It is the
// test variant: engines run against it with the same CAS and claim
// semantics the postgres variant enforces in SQL.
package memory

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/histoseg/platform/internal/domain"
)

// Store holds every entity under one mutex. WithTxn runs fn under the
// write lock, which serializes transactions the way a database would.
type Store struct {
	mu sync.RWMutex

	users    map[string]domain.User
	projects map[string]domain.Project
	images   map[string]domain.Image
	segs     map[string]domain.Segmentation // keyed by image id
	queue    map[string]domain.QueueItem
	exports  map[string]domain.ExportJob
	shares   map[string]domain.ProjectShare

	inTxn bool // set only on txn-scoped views built by WithTxn
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		users:    map[string]domain.User{},
		projects: map[string]domain.Project{},
		images:   map[string]domain.Image{},
		segs:     map[string]domain.Segmentation{},
		queue:    map[string]domain.QueueItem{},
		exports:  map[string]domain.ExportJob{},
		shares:   map[string]domain.ProjectShare{},
	}
}

func (s *Store) Users() domain.UserRepository                 { return (*userRepo)(s) }
func (s *Store) Projects() domain.ProjectRepository           { return (*projectRepo)(s) }
func (s *Store) Images() domain.ImageRepository               { return (*imageRepo)(s) }
func (s *Store) Segmentations() domain.SegmentationRepository { return (*segRepo)(s) }
func (s *Store) Queue() domain.QueueRepository                { return (*queueRepo)(s) }
func (s *Store) Exports() domain.ExportRepository             { return (*exportRepo)(s) }
func (s *Store) Shares() domain.ShareRepository               { return (*shareRepo)(s) }

// WithTxn serializes fn against all other writers. Rollback on error is
// not simulated; tests assert on observable end states, and engine code
// only writes after its guards pass. fn receives a txn-scoped view that
// shares the maps but skips locking, so repo calls inside the txn never
// touch the mutex the txn already holds. The shared Store's inTxn field
// is never written after New, which keeps concurrent lock()/rlock()
// reads race-free.
func (s *Store) WithTxn(ctx domain.Context, fn func(domain.Store) error) error {
	if s.inTxn {
		return fn(s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	txn := &Store{
		users:    s.users,
		projects: s.projects,
		images:   s.images,
		segs:     s.segs,
		queue:    s.queue,
		exports:  s.exports,
		shares:   s.shares,
		inTxn:    true,
	}
	return fn(txn)
}

func (s *Store) lock() func() {
	if s.inTxn {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *Store) rlock() func() {
	if s.inTxn {
		return func() {}
	}
	s.mu.RLock()
	return s.mu.RUnlock
}

func orNewID(id string) string {
	if id == "" {
		return uuid.New().String()
	}
	return id
}

// --- users ---

type userRepo Store

func (r *userRepo) Create(_ domain.Context, u domain.User) (string, error) {
	defer (*Store)(r).lock()()
	u.ID = orNewID(u.ID)
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	r.users[u.ID] = u
	return u.ID, nil
}

func (r *userRepo) Get(_ domain.Context, id string) (domain.User, error) {
	defer (*Store)(r).rlock()()
	u, ok := r.users[id]
	if !ok {
		return domain.User{}, fmt.Errorf("op=user.get: %w", domain.ErrNotFound)
	}
	return u, nil
}

func (r *userRepo) GetByEmail(_ domain.Context, email string) (domain.User, error) {
	defer (*Store)(r).rlock()()
	for _, u := range r.users {
		if u.Email == email {
			return u, nil
		}
	}
	return domain.User{}, fmt.Errorf("op=user.get_by_email: %w", domain.ErrNotFound)
}

// --- projects ---

type projectRepo Store

func (r *projectRepo) Create(_ domain.Context, p domain.Project) (string, error) {
	defer (*Store)(r).lock()()
	p.ID = orNewID(p.ID)
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	r.projects[p.ID] = p
	return p.ID, nil
}

func (r *projectRepo) Get(_ domain.Context, id string) (domain.Project, error) {
	defer (*Store)(r).rlock()()
	p, ok := r.projects[id]
	if !ok {
		return domain.Project{}, fmt.Errorf("op=project.get: %w", domain.ErrNotFound)
	}
	return p, nil
}

func (r *projectRepo) ListByUser(_ domain.Context, userID string) ([]domain.Project, error) {
	defer (*Store)(r).rlock()()
	var out []domain.Project
	for _, p := range r.projects {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *projectRepo) Delete(_ domain.Context, id string) error {
	defer (*Store)(r).lock()()
	if _, ok := r.projects[id]; !ok {
		return fmt.Errorf("op=project.delete: %w", domain.ErrNotFound)
	}
	delete(r.projects, id)
	for iid, img := range r.images {
		if img.ProjectID == id {
			delete(r.images, iid)
			delete(r.segs, iid)
		}
	}
	for sid, sh := range r.shares {
		if sh.ProjectID == id {
			delete(r.shares, sid)
		}
	}
	return nil
}

func (r *projectRepo) Accessible(_ domain.Context, userID, projectID string) (bool, error) {
	defer (*Store)(r).rlock()()
	if p, ok := r.projects[projectID]; ok && p.UserID == userID {
		return true, nil
	}
	for _, sh := range r.shares {
		if sh.ProjectID == projectID && sh.SharedWithID == userID && sh.Status == domain.ShareAccepted {
			return true, nil
		}
	}
	return false, nil
}

// --- images ---

type imageRepo Store

func (r *imageRepo) Create(_ domain.Context, img domain.Image) (string, error) {
	defer (*Store)(r).lock()()
	img.ID = orNewID(img.ID)
	if img.SegmentationStatus == "" {
		img.SegmentationStatus = domain.SegStatusNone
	}
	now := time.Now().UTC()
	if img.CreatedAt.IsZero() {
		img.CreatedAt = now
	}
	img.UpdatedAt = now
	r.images[img.ID] = img
	return img.ID, nil
}

func (r *imageRepo) Get(_ domain.Context, id string) (domain.Image, error) {
	defer (*Store)(r).rlock()()
	img, ok := r.images[id]
	if !ok {
		return domain.Image{}, fmt.Errorf("op=image.get: %w", domain.ErrNotFound)
	}
	return img, nil
}

func (r *imageRepo) ListByProject(_ domain.Context, projectID string) ([]domain.Image, error) {
	defer (*Store)(r).rlock()()
	var out []domain.Image
	for _, img := range r.images {
		if img.ProjectID == projectID {
			out = append(out, img)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *imageRepo) ListByIDs(_ domain.Context, ids []string) ([]domain.Image, error) {
	defer (*Store)(r).rlock()()
	var out []domain.Image
	for _, id := range ids {
		if img, ok := r.images[id]; ok {
			out = append(out, img)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *imageRepo) UpdateStatus(_ domain.Context, id string, next domain.SegmentationStatus) error {
	defer (*Store)(r).lock()()
	img, ok := r.images[id]
	if !ok {
		return fmt.Errorf("op=image.update_status: %w", domain.ErrNotFound)
	}
	img.SegmentationStatus = next
	img.UpdatedAt = time.Now().UTC()
	r.images[id] = img
	return nil
}

func (r *imageRepo) UpdateStatusFrom(_ domain.Context, id string, prior []domain.SegmentationStatus, next domain.SegmentationStatus) error {
	defer (*Store)(r).lock()()
	img, ok := r.images[id]
	if !ok {
		return fmt.Errorf("op=image.update_status_from: %w", domain.ErrNotFound)
	}
	for _, p := range prior {
		if img.SegmentationStatus == p {
			img.SegmentationStatus = next
			img.UpdatedAt = time.Now().UTC()
			r.images[id] = img
			return nil
		}
	}
	return fmt.Errorf("op=image.update_status_from: image %s not in %v: %w", id, prior, domain.ErrConflict)
}

func (r *imageRepo) SetSegThumbnail(_ domain.Context, id, path string) error {
	defer (*Store)(r).lock()()
	img, ok := r.images[id]
	if !ok {
		return fmt.Errorf("op=image.set_seg_thumbnail: %w", domain.ErrNotFound)
	}
	img.SegThumbnailPath = path
	r.images[id] = img
	return nil
}

func (r *imageRepo) Delete(_ domain.Context, id string) error {
	defer (*Store)(r).lock()()
	if _, ok := r.images[id]; !ok {
		return fmt.Errorf("op=image.delete: %w", domain.ErrNotFound)
	}
	delete(r.images, id)
	delete(r.segs, id)
	return nil
}

func (r *imageRepo) CountByStatus(_ domain.Context, projectID string) (map[domain.SegmentationStatus]int, error) {
	defer (*Store)(r).rlock()()
	out := map[domain.SegmentationStatus]int{}
	for _, img := range r.images {
		if img.ProjectID == projectID {
			out[img.SegmentationStatus]++
		}
	}
	return out, nil
}

// --- segmentations ---

type segRepo Store

func (r *segRepo) Replace(_ domain.Context, s domain.Segmentation) (string, error) {
	defer (*Store)(r).lock()()
	s.ID = orNewID(s.ID)
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	r.segs[s.ImageID] = s
	return s.ID, nil
}

func (r *segRepo) GetByImage(_ domain.Context, imageID string) (domain.Segmentation, error) {
	defer (*Store)(r).rlock()()
	s, ok := r.segs[imageID]
	if !ok {
		return domain.Segmentation{}, fmt.Errorf("op=segmentation.get_by_image: %w", domain.ErrNotFound)
	}
	return s, nil
}

func (r *segRepo) DeleteByImage(_ domain.Context, imageID string) error {
	defer (*Store)(r).lock()()
	delete(r.segs, imageID)
	return nil
}
