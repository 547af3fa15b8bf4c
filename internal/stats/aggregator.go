// Package stats aggregates per-project progress counters and fans them
// out to everyone watching the project: the owner and accepted-share
// recipients.
package stats

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/histoseg/platform/internal/domain"
)

// debounceDefault coalesces bursts of notifications (batch enqueues,
// rapid completions) into one recompute.
const debounceDefault = 250 * time.Millisecond

// ProjectStats is the payload of projectStatsUpdate events.
type ProjectStats struct {
	ProjectID      string            `json:"projectId"`
	TotalImages    int               `json:"totalImages"`
	SegmentedCount int               `json:"segmentedCount"`
	FailedCount    int               `json:"failedCount"`
	PendingCount   int               `json:"pendingCount"`
	Queue          domain.QueueStats `json:"queue"`
	ByStatus       map[string]int    `json:"byStatus"`
	At             time.Time         `json:"timestamp"`
}

// DashboardStats is the payload of dashboardMetrics events: one user's
// totals across every project they own.
type DashboardStats struct {
	UserID         string            `json:"userId"`
	ProjectCount   int               `json:"projectCount"`
	TotalImages    int               `json:"totalImages"`
	SegmentedCount int               `json:"segmentedCount"`
	FailedCount    int               `json:"failedCount"`
	PendingCount   int               `json:"pendingCount"`
	Queue          domain.QueueStats `json:"queue"`
	At             time.Time         `json:"timestamp"`
}

// Aggregator debounces stat recomputes, keyed separately per project and
// per user so a busy project cannot starve or pile onto another's
// dashboard refresh.
type Aggregator struct {
	store    domain.Store
	bus      domain.Publisher
	debounce time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// NewAggregator constructs an aggregator with the default debounce.
func NewAggregator(store domain.Store, bus domain.Publisher) *Aggregator {
	return &Aggregator{
		store:    store,
		bus:      bus,
		debounce: debounceDefault,
		timers:   map[string]*time.Timer{},
	}
}

// Notify schedules a recompute for the project. Calls within the
// debounce window collapse into one.
func (a *Aggregator) Notify(projectID string) {
	a.schedule("project:"+projectID, func() { a.publishProject(projectID) })
}

// NotifyUser schedules a recompute of the user's dashboard aggregate.
func (a *Aggregator) NotifyUser(userID string) {
	a.schedule("user:"+userID, func() { a.publishUser(userID) })
}

func (a *Aggregator) schedule(key string, fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	if t, ok := a.timers[key]; ok {
		t.Reset(a.debounce)
		return
	}
	a.timers[key] = time.AfterFunc(a.debounce, func() {
		a.mu.Lock()
		delete(a.timers, key)
		a.mu.Unlock()
		fn()
	})
}

// Close stops pending timers; in-flight publishes finish on their own.
func (a *Aggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	for id, t := range a.timers {
		t.Stop()
		delete(a.timers, id)
	}
}

func (a *Aggregator) publishProject(projectID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, err := a.compute(ctx, projectID)
	if err != nil {
		slog.Warn("project stats compute failed", slog.String("project_id", projectID), slog.Any("error", err))
		return
	}
	a.bus.Publish(domain.ProjectRoom(projectID), domain.EvtProjectStatsUpdate, st)

	project, err := a.store.Projects().Get(ctx, projectID)
	if err != nil {
		return
	}
	a.NotifyUser(project.UserID)
	recipients, err := a.store.Shares().AcceptedUserIDs(ctx, projectID)
	if err != nil {
		return
	}
	for _, userID := range recipients {
		a.bus.Publish(domain.UserRoom(userID), domain.EvtSharedProjectUpdate, st)
	}
}

func (a *Aggregator) publishUser(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, err := a.computeUser(ctx, userID)
	if err != nil {
		slog.Warn("dashboard stats compute failed", slog.String("user_id", userID), slog.Any("error", err))
		return
	}
	a.bus.Publish(domain.UserRoom(userID), domain.EvtDashboardMetrics, st)
}

// ProjectStats computes the project's counters on demand, for the REST
// query path.
func (a *Aggregator) ProjectStats(ctx domain.Context, projectID string) (ProjectStats, error) {
	return a.compute(ctx, projectID)
}

// DashboardMetrics computes the user's cross-project aggregate on
// demand, for the REST query path.
func (a *Aggregator) DashboardMetrics(ctx domain.Context, userID string) (DashboardStats, error) {
	return a.computeUser(ctx, userID)
}

func (a *Aggregator) compute(ctx domain.Context, projectID string) (ProjectStats, error) {
	counts, err := a.store.Images().CountByStatus(ctx, projectID)
	if err != nil {
		return ProjectStats{}, err
	}
	queue, err := a.store.Queue().Stats(ctx, projectID)
	if err != nil {
		return ProjectStats{}, err
	}

	st := ProjectStats{
		ProjectID: projectID,
		Queue:     queue,
		ByStatus:  map[string]int{},
		At:        time.Now().UTC(),
	}
	for status, n := range counts {
		st.TotalImages += n
		st.ByStatus[string(status)] = n
		switch status {
		case domain.SegStatusSegmented:
			st.SegmentedCount += n
		case domain.SegStatusFailed:
			st.FailedCount += n
		case domain.SegStatusQueued, domain.SegStatusProcessing:
			st.PendingCount += n
		}
	}
	return st, nil
}

func (a *Aggregator) computeUser(ctx domain.Context, userID string) (DashboardStats, error) {
	projects, err := a.store.Projects().ListByUser(ctx, userID)
	if err != nil {
		return DashboardStats{}, err
	}
	queue, err := a.store.Queue().StatsByUser(ctx, userID)
	if err != nil {
		return DashboardStats{}, err
	}

	st := DashboardStats{
		UserID:       userID,
		ProjectCount: len(projects),
		Queue:        queue,
		At:           time.Now().UTC(),
	}
	for _, p := range projects {
		counts, err := a.store.Images().CountByStatus(ctx, p.ID)
		if err != nil {
			return DashboardStats{}, err
		}
		for status, n := range counts {
			st.TotalImages += n
			switch status {
			case domain.SegStatusSegmented:
				st.SegmentedCount += n
			case domain.SegStatusFailed:
				st.FailedCount += n
			case domain.SegStatusQueued, domain.SegStatusProcessing:
				st.PendingCount += n
			}
		}
	}
	return st, nil
}
