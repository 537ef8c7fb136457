package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/phasegate/internal/stage"
)

func TestMemoryTaskStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryTaskStore()
	ctx := context.Background()
	task := Task{
		ID:          "t1",
		Status:      StatusPending,
		Artifacts:   map[stage.Phase]json.RawMessage{stage.PhasePlan: json.RawMessage(`{}`)},
		RetryCounts: map[stage.Phase]int{},
		CreatedAt:   time.Now(),
	}
	require.NoError(t, s.CreateTask(ctx, task))
	assert.ErrorIs(t, s.CreateTask(ctx, task), ErrTaskExists)

	got, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	got.RetryCounts[stage.PhaseDesignReview] = 3
	got.Artifacts[stage.PhaseDesign] = json.RawMessage(`{}`)

	again, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, again.RetryCounts)
	assert.Len(t, again.Artifacts, 1)

	_, err = s.GetTask(ctx, "missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
	assert.ErrorIs(t, s.UpdateTask(ctx, Task{ID: "missing"}), ErrTaskNotFound)
}

func TestMemoryTaskStore_ListFilters(t *testing.T) {
	s := NewMemoryTaskStore()
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.CreateTask(ctx, Task{ID: "b", Status: StatusRunning, CreatedAt: base.Add(time.Minute)}))
	require.NoError(t, s.CreateTask(ctx, Task{ID: "a", Status: StatusSuspended, CreatedAt: base}))
	require.NoError(t, s.CreateTask(ctx, Task{ID: "c", Status: StatusRunning, CreatedAt: base.Add(2 * time.Minute)}))

	all, err := s.ListTasks(ctx, TaskFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].ID)

	running, err := s.ListTasks(ctx, TaskFilter{Statuses: []Status{StatusRunning}})
	require.NoError(t, err)
	require.Len(t, running, 2)
	assert.Equal(t, "b", running[0].ID)
	assert.Equal(t, "c", running[1].ID)
}

func TestTaskLocks_SerializeAndRelease(t *testing.T) {
	l := newTaskLocks()
	var mu sync.Mutex
	active, peak := 0, 0

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.lock("t1")
			defer unlock()
			mu.Lock()
			active++
			if active > peak {
				peak = active
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, peak)
	assert.Empty(t, l.locks)
}

func TestInvalidTaskError(t *testing.T) {
	err := &InvalidTaskError{TaskID: "t1", Reason: "requirements are empty"}
	assert.Equal(t, "invalid task t1: requirements are empty", err.Error())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusSuspended.Terminal())
}
