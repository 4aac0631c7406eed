package content

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/chunked-content-pipeline/pkg/pipeline"
)

func newPostgres(t *testing.T) *Postgres {
	t.Helper()
	dsn := os.Getenv("CONTENT_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("CONTENT_TEST_DATABASE_URL not set")
	}
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	repo, err := NewPostgres(context.Background(), db)
	require.NoError(t, err)
	return repo
}

var walk = []pipeline.Status{
	pipeline.StatusUploaded, pipeline.StatusValidating, pipeline.StatusValidated,
	pipeline.StatusProcessing, pipeline.StatusProcessed, pipeline.StatusStoring,
	pipeline.StatusStored, pipeline.StatusCompleted,
}

// A reader polling while many items change concurrently must never skip a
// journal entry, so every item's events arrive complete and in order.
func TestPostgres_JournalReaderSeesCommitOrder(t *testing.T) {
	ctx := context.Background()
	repo := newPostgres(t)
	m := NewMachine(repo, nil, nil, zerolog.Nop())

	start, err := repo.LastSeq(ctx)
	require.NoError(t, err)

	ids := make(map[string]bool)
	for i := 0; i < 12; i++ {
		ids[uuid.NewString()] = true
	}

	done := make(chan struct{})
	seen := make(map[string][]pipeline.Status)
	var lastSeq int64
	read := func() {
		batch, err := repo.EventsSince(ctx, lastSeq, 50)
		if !assert.NoError(t, err) {
			return
		}
		for _, ev := range batch {
			assert.Greater(t, ev.Seq, lastSeq)
			lastSeq = ev.Seq
			if ids[ev.ContentID] {
				seen[ev.ContentID] = append(seen[ev.ContentID], ev.Status)
			}
		}
	}
	var reader sync.WaitGroup
	reader.Add(1)
	go func() {
		defer reader.Done()
		lastSeq = start
		for {
			select {
			case <-done:
				return
			default:
			}
			read()
		}
	}()

	var writers sync.WaitGroup
	for id := range ids {
		writers.Add(1)
		go func() {
			defer writers.Done()
			_, err := m.Start(ctx, newItem(id))
			assert.NoError(t, err)
			for _, s := range walk {
				_, err := m.Transition(ctx, id, s)
				assert.NoError(t, err)
			}
		}()
	}
	writers.Wait()
	close(done)
	reader.Wait()
	read()

	want := append([]pipeline.Status{pipeline.StatusUploading}, walk...)
	for id := range ids {
		assert.Equal(t, want, seen[id], id)
	}
}

func TestPostgres_IllegalTransitionIsNotJournaled(t *testing.T) {
	ctx := context.Background()
	repo := newPostgres(t)
	m := NewMachine(repo, nil, nil, zerolog.Nop())
	id := uuid.NewString()

	start, err := repo.LastSeq(ctx)
	require.NoError(t, err)
	_, err = m.Start(ctx, newItem(id))
	require.NoError(t, err)
	_, err = m.Start(ctx, newItem(id))
	require.NoError(t, err)
	_, err = m.Transition(ctx, id, pipeline.StatusStored)
	require.ErrorIs(t, err, pipeline.ErrIllegalTransition)

	batch, err := repo.EventsSince(ctx, start, 1000)
	require.NoError(t, err)
	var mine []pipeline.Status
	for _, ev := range batch {
		if ev.ContentID == id {
			mine = append(mine, ev.Status)
		}
	}
	assert.Equal(t, []pipeline.Status{pipeline.StatusUploading}, mine)
}

func TestPostgres_CursorsNeverMoveBack(t *testing.T) {
	ctx := context.Background()
	repo := newPostgres(t)
	name := "test-" + uuid.NewString()

	_, ok, err := repo.LoadCursor(ctx, name)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, repo.SaveCursor(ctx, name, 10))
	require.NoError(t, repo.SaveCursor(ctx, name, 5))
	seq, ok, err := repo.LoadCursor(ctx, name)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(10), seq)
}

func TestPostgres_PruneEvents(t *testing.T) {
	ctx := context.Background()
	repo := newPostgres(t)
	m := NewMachine(repo, nil, nil, zerolog.Nop())
	_, err := m.Start(ctx, newItem(uuid.NewString()))
	require.NoError(t, err)

	n, err := repo.PruneEvents(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Positive(t, n)

	batch, err := repo.EventsSince(ctx, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, batch)
}
