package tracker

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type factory func(t *testing.T) Tracker

func backends(t *testing.T) map[string]factory {
	b := map[string]factory{
		"memory": func(t *testing.T) Tracker { return NewMemory(nil) },
		"dynamo": func(t *testing.T) Tracker { return NewDynamo(newFakeDynamo(), "chunk-sets", nil) },
	}
	if dsn := os.Getenv("TRACKER_TEST_DATABASE_URL"); dsn != "" {
		b["postgres"] = func(t *testing.T) Tracker {
			db, err := sql.Open("postgres", dsn)
			require.NoError(t, err)
			t.Cleanup(func() { db.Close() })
			tr, err := NewPostgres(context.Background(), db)
			require.NoError(t, err)
			return tr
		}
	}
	return b
}

func TestTracker_AddIsIdempotent(t *testing.T) {
	for name, newTracker := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tr := newTracker(t)
			id := uuid.NewString()

			res, err := tr.Add(ctx, id, 1, 3)
			require.NoError(t, err)
			assert.Equal(t, AddResult{Added: true, Received: 1, Total: 3}, res)

			res, err = tr.Add(ctx, id, 1, 3)
			require.NoError(t, err)
			assert.Equal(t, AddResult{Added: false, Received: 1, Total: 3}, res)

			ok, err := tr.Contains(ctx, id, 1)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = tr.Contains(ctx, id, 0)
			require.NoError(t, err)
			assert.False(t, ok)

			ok, err = tr.Contains(ctx, uuid.NewString(), 0)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestTracker_TotalMismatch(t *testing.T) {
	for name, newTracker := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tr := newTracker(t)
			id := uuid.NewString()

			_, err := tr.Add(ctx, id, 0, 2)
			require.NoError(t, err)

			_, err = tr.Add(ctx, id, 1, 5)
			assert.ErrorIs(t, err, ErrTotalMismatch)

			st, err := tr.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, 2, st.TotalChunks)
			assert.Equal(t, []int{0}, st.Received)
		})
	}
}

func TestTracker_ClaimRequiresCompleteSet(t *testing.T) {
	for name, newTracker := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tr := newTracker(t)
			id := uuid.NewString()

			ok, err := tr.Claim(ctx, id)
			require.NoError(t, err)
			assert.False(t, ok, "missing set cannot be claimed")

			for _, idx := range []int{2, 0} {
				_, err := tr.Add(ctx, id, idx, 3)
				require.NoError(t, err)
			}
			ok, err = tr.Claim(ctx, id)
			require.NoError(t, err)
			assert.False(t, ok, "incomplete set cannot be claimed")

			_, err = tr.Add(ctx, id, 1, 3)
			require.NoError(t, err)

			ok, err = tr.Claim(ctx, id)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = tr.Claim(ctx, id)
			require.NoError(t, err)
			assert.False(t, ok, "second claim must fail")

			st, err := tr.Get(ctx, id)
			require.NoError(t, err)
			assert.True(t, st.Claimed)
			assert.True(t, st.Complete())
			assert.Equal(t, []int{0, 1, 2}, st.Received)
		})
	}
}

func TestTracker_ConcurrentArrivalsClaimOnce(t *testing.T) {
	const total = 16

	for name, newTracker := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tr := newTracker(t)
			id := uuid.NewString()

			var winners atomic.Int32
			var wg sync.WaitGroup
			// every index is delivered twice
			for i := 0; i < total*2; i++ {
				wg.Add(1)
				go func(idx int) {
					defer wg.Done()
					res, err := tr.Add(ctx, id, idx, total)
					if !assert.NoError(t, err) {
						return
					}
					if res.Received < res.Total {
						return
					}
					ok, err := tr.Claim(ctx, id)
					if assert.NoError(t, err) && ok {
						winners.Add(1)
					}
				}(i % total)
			}
			wg.Wait()

			assert.Equal(t, int32(1), winners.Load())
			st, err := tr.Get(ctx, id)
			require.NoError(t, err)
			assert.Len(t, st.Received, total)
		})
	}
}

func TestTracker_ReleaseAllowsReclaim(t *testing.T) {
	for name, newTracker := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tr := newTracker(t)
			id := uuid.NewString()

			_, err := tr.Add(ctx, id, 0, 1)
			require.NoError(t, err)
			ok, err := tr.Claim(ctx, id)
			require.NoError(t, err)
			require.True(t, ok)

			require.NoError(t, tr.Release(ctx, id))
			st, err := tr.Get(ctx, id)
			require.NoError(t, err)
			assert.False(t, st.Claimed)
			assert.Equal(t, []int{0}, st.Received, "release keeps the received set")

			ok, err = tr.Claim(ctx, id)
			require.NoError(t, err)
			assert.True(t, ok)

			assert.NoError(t, tr.Release(ctx, uuid.NewString()), "releasing a missing set is fine")
		})
	}
}

func TestTracker_StaleAndClear(t *testing.T) {
	for name, newTracker := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tr := newTracker(t)
			id := uuid.NewString()

			_, err := tr.Add(ctx, id, 0, 2)
			require.NoError(t, err)

			past := time.Now().Add(-time.Hour)
			future := time.Now().Add(time.Hour)

			ok, err := tr.ClaimStale(ctx, id, past)
			require.NoError(t, err)
			assert.False(t, ok, "fresh set is not stale")

			stale, err := tr.Stale(ctx, future)
			require.NoError(t, err)
			assert.Contains(t, contentIDs(stale), id)

			ok, err = tr.ClaimStale(ctx, id, future)
			require.NoError(t, err)
			assert.True(t, ok)

			require.NoError(t, tr.Clear(ctx, id))
			require.NoError(t, tr.Clear(ctx, id), "clearing twice is fine")

			_, err = tr.Get(ctx, id)
			assert.ErrorIs(t, err, ErrNotFound)

			ok, err = tr.ClaimStale(ctx, id, future)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestMemory_StaleUsesLastArrival(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	now := start
	tr := NewMemory(func() time.Time { return now })

	_, err := tr.Add(ctx, "a", 0, 2)
	require.NoError(t, err)

	now = start.Add(4 * time.Minute)
	_, err = tr.Add(ctx, "a", 1, 2)
	require.NoError(t, err)

	// a duplicate does not refresh the set
	now = start.Add(6 * time.Minute)
	_, err = tr.Add(ctx, "a", 1, 2)
	require.NoError(t, err)

	stale, err := tr.Stale(ctx, now.Add(-5*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, stale)

	stale, err = tr.Stale(ctx, start.Add(5*time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, start, stale[0].CreatedAt)
	assert.Equal(t, start.Add(4*time.Minute), stale[0].UpdatedAt)
}

func TestMemory_ConcurrentSweepersClaimOnce(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	now := start
	tr := NewMemory(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	})
	_, err := tr.Add(ctx, "a", 0, 3)
	require.NoError(t, err)

	mu.Lock()
	now = start.Add(10 * time.Minute)
	mu.Unlock()
	cutoff := start.Add(5 * time.Minute)

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := tr.ClaimStale(ctx, "a", cutoff); ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load(), "claiming refreshes the set so later sweepers skip it")
}

func contentIDs(states []State) []string {
	ids := make([]string, len(states))
	for i, s := range states {
		ids[i] = s.ContentID
	}
	return ids
}
