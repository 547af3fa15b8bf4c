package reconcile

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/histoseg/platform/internal/adapter/repo/memory"
	"github.com/histoseg/platform/internal/domain"
)

func TestGuard_SerializesSameJob(t *testing.T) {
	g := NewGuard()
	var active, maxActive int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := g.Lock("job-1")
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()
			mu.Lock()
			active--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxActive)

	g.mu.Lock()
	assert.Empty(t, g.locks, "entries should be reclaimed after release")
	g.mu.Unlock()
}

func TestGuard_IndependentJobsDoNotBlock(t *testing.T) {
	g := NewGuard()
	unlockA := g.Lock("job-a")
	done := make(chan struct{})
	go func() {
		unlockB := g.Lock("job-b")
		unlockB()
		close(done)
	}()
	<-done
	unlockA()
}

func TestTerminalStatus_ReadsCurrentState(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	id, err := store.Exports().Create(ctx, domain.ExportJob{ProjectID: "p1", UserID: "u1"})
	require.NoError(t, err)

	g := NewGuard()
	status, err := g.TerminalStatus(ctx, store, id)
	require.NoError(t, err)
	assert.Equal(t, domain.ExportPending, status)

	require.NoError(t, store.Exports().Transition(ctx, id,
		[]domain.ExportStatus{domain.ExportPending}, domain.ExportCancelled))
	status, err = g.TerminalStatus(ctx, store, id)
	require.NoError(t, err)
	assert.Equal(t, domain.ExportCancelled, status)
}
