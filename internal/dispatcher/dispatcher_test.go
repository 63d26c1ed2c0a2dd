package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/llamagate/gateway/internal/gwerr"
	"github.com/stretchr/testify/require"
)

// handleID is a minimal stand-in for *worker.Handle in tests: the
// dispatcher never calls a method on H, it only threads it through.
type handleID int

func TestAcquireSameModelReusesAffinedWorker(t *testing.T) {
	d := New([]handleID{0, 1}, 1, time.Hour)

	l1, err := d.Acquire(context.Background(), "orca_mini_3b")
	require.NoError(t, err)
	first := l1.Handle
	l1.Release()

	l2, err := d.Acquire(context.Background(), "orca_mini_3b")
	require.NoError(t, err)
	require.Equal(t, first, l2.Handle, "a repeat request for the same model should reuse the affined worker")
	l2.Release()
}

func TestAcquireConcurrentDifferentModelsPicksIdleWorker(t *testing.T) {
	d := New([]handleID{0, 1}, 1, time.Hour)

	lA, err := d.Acquire(context.Background(), "model-a")
	require.NoError(t, err)
	defer lA.Release()

	lB, err := d.Acquire(context.Background(), "model-b")
	require.NoError(t, err)
	defer lB.Release()

	require.NotEqual(t, lA.Handle, lB.Handle, "a second model running concurrently must land on the other idle worker")
}

func TestAcquireNoAvailableWorkerWhenAllBusy(t *testing.T) {
	d := New([]handleID{0}, 1, time.Hour)

	l1, err := d.Acquire(context.Background(), "m")
	require.NoError(t, err)
	defer l1.Release()

	_, err = d.Acquire(context.Background(), "m")
	require.ErrorIs(t, err, gwerr.ErrNoAvailableWorker)
}

func TestAcquireReleaseRetainsAffinityForLaterReuse(t *testing.T) {
	d := New([]handleID{0, 1}, 2, time.Hour)

	l, err := d.Acquire(context.Background(), "m1")
	require.NoError(t, err)
	busyWorker := l.Handle
	l.Release()

	// After release the affined worker is idle again; the rank function
	// must prefer it (rank -2) over the never-used worker (rank -1).
	l2, err := d.Acquire(context.Background(), "m1")
	require.NoError(t, err)
	require.Equal(t, busyWorker, l2.Handle)
	l2.Release()
}

func TestAcquireRejectsAlreadyCancelledContext(t *testing.T) {
	d := New([]handleID{0}, 1, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Acquire(ctx, "m")
	require.ErrorIs(t, err, gwerr.ErrClientCancelled)

	// The permit must have been released despite the cancellation so a
	// subsequent request can still use the worker.
	l, err := d.Acquire(context.Background(), "m")
	require.NoError(t, err)
	l.Release()
}

func TestWatchDisconnectFiresOnDeath(t *testing.T) {
	d := New([]handleID{0}, 1, time.Hour)
	d.disconnectPoll = 5 * time.Millisecond

	var alive sync.Mutex
	isAlive := true
	var fired bool
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.WatchDisconnect(context.Background(), func() bool {
			alive.Lock()
			defer alive.Unlock()
			return isAlive
		}, func() {
			fired = true
		})
	}()

	time.Sleep(10 * time.Millisecond)
	alive.Lock()
	isAlive = false
	alive.Unlock()

	wg.Wait()
	require.True(t, fired)
}
