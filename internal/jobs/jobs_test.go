package jobs

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProjectLocks_SerializesSameProject(t *testing.T) {
	locks := NewProjectLocks()
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locks.Lock(ctx, "proj")
			if err != nil {
				t.Error(err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			release()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
}

func TestProjectLocks_IndependentProjects(t *testing.T) {
	locks := NewProjectLocks()
	releaseA, ok := locks.TryLock("a")
	require.True(t, ok)
	defer releaseA()

	releaseB, ok := locks.TryLock("b")
	require.True(t, ok, "a different project must not block")
	releaseB()

	_, ok = locks.TryLock("a")
	assert.False(t, ok)
}

func TestProjectLocks_LockHonoursContext(t *testing.T) {
	locks := NewProjectLocks()
	release, err := locks.Lock(context.Background(), "p")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locks.Lock(ctx, "p")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestProjectLocks_LockAllReleasesOnFailure(t *testing.T) {
	locks := NewProjectLocks()
	releaseB, err := locks.Lock(context.Background(), "b")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locks.LockAll(ctx, "b", "a", "a")
	require.Error(t, err)

	releaseA, ok := locks.TryLock("a")
	require.True(t, ok, "a must be released after LockAll failed on b")
	releaseA()
	releaseB()

	release, err := locks.LockAll(context.Background(), "b", "a")
	require.NoError(t, err)
	release()
	release() // idempotent
}

func testCheckpoints(t *testing.T, c Checkpoints) {
	ctx := context.Background()
	_, err := c.Load(ctx, "sensitivity", "proj")
	assert.ErrorIs(t, err, ErrNoCheckpoint)

	require.NoError(t, c.Save(ctx, Marker{Job: "sensitivity", Scope: "proj", Phase: 2, LastID: "n-17", Count: 17}))
	m, err := c.Load(ctx, "sensitivity", "proj")
	require.NoError(t, err)
	assert.Equal(t, 2, m.Phase)
	assert.Equal(t, "n-17", m.LastID)
	assert.False(t, m.Updated.IsZero())

	_, err = c.Load(ctx, "sensitivity", "other")
	assert.ErrorIs(t, err, ErrNoCheckpoint)

	require.NoError(t, c.Clear(ctx, "sensitivity", "proj"))
	_, err = c.Load(ctx, "sensitivity", "proj")
	assert.ErrorIs(t, err, ErrNoCheckpoint)
}

func TestMemoryCheckpoints(t *testing.T) {
	testCheckpoints(t, NewMemoryCheckpoints())
}

func TestBadgerCheckpoints(t *testing.T) {
	c, err := OpenBadgerCheckpoints("")
	require.NoError(t, err)
	defer func() { _ = c.Close() }()
	testCheckpoints(t, c)
}

func TestBadgerCheckpoints_SurviveReopen(t *testing.T) {
	dir := t.TempDir()
	c, err := OpenBadgerCheckpoints(dir)
	require.NoError(t, err)
	require.NoError(t, c.Save(context.Background(), Marker{Job: "merge", Scope: "keep", LastID: "x"}))
	require.NoError(t, c.Close())

	c, err = OpenBadgerCheckpoints(dir)
	require.NoError(t, err)
	defer func() { _ = c.Close() }()
	m, err := c.Load(context.Background(), "merge", "keep")
	require.NoError(t, err)
	assert.Equal(t, "x", m.LastID)
}
