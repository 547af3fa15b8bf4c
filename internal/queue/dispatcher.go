package queue

import (
	"log/slog"
	"sync"
	"time"

	"github.com/histoseg/platform/internal/domain"
)

// Dispatcher drains the queue under two budgets: a global in-flight cap
// and a per-user cap. Capacity left by the per-user cap is offered to the
// next users in oldest-work order, so one user's backlog never starves
// another's fresh batch.
type Dispatcher struct {
	store  domain.Store
	runner *Runner

	concurrency int
	perUser     int
	poll        time.Duration

	slots chan struct{}
	wake  chan struct{}
	wg    sync.WaitGroup
}

// NewDispatcher constructs a dispatcher around a runner.
func NewDispatcher(store domain.Store, runner *Runner, concurrency, perUser int, poll time.Duration) *Dispatcher {
	if perUser > concurrency {
		perUser = concurrency
	}
	return &Dispatcher{
		store:       store,
		runner:      runner,
		concurrency: concurrency,
		perUser:     perUser,
		poll:        poll,
		slots:       make(chan struct{}, concurrency),
		wake:        make(chan struct{}, 1),
	}
}

// Wake implements Waker.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is cancelled, then waits for in-flight runs to
// finish.
func (d *Dispatcher) Run(ctx domain.Context) {
	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()
	for {
		d.dispatch(ctx)
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return
		case <-ticker.C:
		case <-d.wake:
		}
	}
}

// dispatch claims as much queued work as the budgets allow and hands each
// item to the runner.
func (d *Dispatcher) dispatch(ctx domain.Context) {
	free := d.concurrency - len(d.slots)
	if free <= 0 {
		return
	}
	users, err := d.store.Queue().UsersWithQueued(ctx)
	if err != nil {
		slog.Error("dispatch: list users failed", slog.Any("error", err))
		return
	}
	if len(users) == 0 {
		return
	}

	// Fair share per round, rounded up so small user counts still use the
	// whole budget.
	share := (free + len(users) - 1) / len(users)
	if share > d.perUser {
		share = d.perUser
	}

	for _, userID := range users {
		if free <= 0 {
			return
		}
		inflight, err := d.store.Queue().CountProcessing(ctx, userID)
		if err != nil {
			slog.Error("dispatch: count processing failed", slog.String("user_id", userID), slog.Any("error", err))
			continue
		}
		limit := d.perUser - inflight
		if limit > share {
			limit = share
		}
		if limit > free {
			limit = free
		}
		if limit <= 0 {
			continue
		}

		var claimed []domain.QueueItem
		err = d.store.WithTxn(ctx, func(tx domain.Store) error {
			var cerr error
			claimed, cerr = tx.Queue().ClaimNext(ctx, userID, limit)
			return cerr
		})
		if err != nil {
			slog.Error("dispatch: claim failed", slog.String("user_id", userID), slog.Any("error", err))
			continue
		}

		for _, item := range claimed {
			select {
			case d.slots <- struct{}{}:
			case <-ctx.Done():
				return
			}
			free--
			d.wg.Add(1)
			go func(it domain.QueueItem) {
				defer d.wg.Done()
				defer func() { <-d.slots }()
				d.runner.Process(ctx, it)
				d.Wake()
			}(item)
		}
	}
}
