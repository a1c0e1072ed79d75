package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_WorkerPool_LifecycleGuards(t *testing.T) {
	pool := NewWorkerPool()
	assert.Error(t, pool.WakeupWorkers(), "cannot wake a pool that was never started")

	require.NoError(t, pool.Start())
	assert.Error(t, pool.Start(), "cannot start a pool twice")
	assert.Error(t, pool.PushWorker(New("late", func(Worker) (bool, error) { return false, nil })))

	pool.Close()
}

// A wakeup that lands while the worker is still running its task (not yet
// sleeping) must be latched so the worker re-checks for work instead of
// sleeping through the notification.
func Test_WakeupWorkers_SignalBeforeSleepIsNotLost(t *testing.T) {
	runs := make(chan struct{}, 16)
	w := New("latch-test", func(Worker) (bool, error) {
		runs <- struct{}{}
		return false, nil
	})

	pool := NewWorkerPool()
	require.NoError(t, pool.PushWorker(w))
	require.NoError(t, pool.Start())
	defer pool.Close()

	select {
	case <-runs:
	case <-time.After(time.Second):
		t.Fatal("worker never ran its task after starting")
	}

	// The worker has just finished a task run and may not have reached
	// its sleep yet; the wakeup must still cause another run.
	require.NoError(t, pool.WakeupWorkers())

	select {
	case <-runs:
	case <-time.After(time.Second):
		t.Fatal("wakeup was lost; worker never re-ran its task")
	}
}
