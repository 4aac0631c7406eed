package runner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/chunked-content-pipeline/internal/events"
	"github.com/tendant/chunked-content-pipeline/internal/storage"
	"github.com/tendant/chunked-content-pipeline/pkg/pipeline"
)

func newStandalone(t *testing.T, sinks ...events.Sink) (*Runner, *storage.MemoryStorage) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Storage.Backend = "memory"

	store := storage.NewMemoryStorage()
	r, err := NewStandalone(context.Background(), cfg, zerolog.Nop(), Options{
		Store:   store,
		Archive: storage.NewBlobArchive(store, "http://cdn.test"),
		Sinks:   sinks,
	})
	require.NoError(t, err)
	t.Cleanup(func() { r.Shutdown(time.Second) })
	require.NoError(t, r.Start(context.Background()))
	return r, store
}

func waitIdle(t *testing.T, r *Runner) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.WaitIdle(ctx))
}

func TestStandalone_CompletesUpload(t *testing.T) {
	statuses := make(events.ChannelSink, 32)
	r, store := newStandalone(t, statuses)
	ctx := context.Background()

	parts := []string{"hello ", "chunked ", "world"}
	var id string
	for i, p := range parts {
		res, err := r.SubmitChunk(ctx, pipeline.SubmitChunkRequest{
			ContentID:   id,
			ChunkIndex:  i,
			TotalChunks: len(parts),
			UserID:      "user-1",
			FileName:    "greeting.txt",
			ContentType: "text/plain",
			Payload:     []byte(p),
		})
		require.NoError(t, err)
		id = res.ContentID
	}
	waitIdle(t, r)

	item, err := r.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusCompleted, item.Status)
	assert.Equal(t, "http://cdn.test/"+item.DestinationKey, item.AccessURL)

	archived, err := storage.ReadAll(ctx, store, item.DestinationKey)
	require.NoError(t, err)
	assert.Equal(t, "hello chunked world", string(archived))

	// sinks run on their own goroutines
	var seen []pipeline.Status
	require.Eventually(t, func() bool {
		for len(statuses) > 0 {
			seen = append(seen, (<-statuses).Status)
		}
		return len(seen) > 0 && seen[len(seen)-1] == pipeline.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, pipeline.StatusUploading, seen[0])
	assert.Contains(t, seen, pipeline.StatusStored)
}

func TestStandalone_ClientPublishesThroughBus(t *testing.T) {
	r, _ := newStandalone(t)
	ctx := context.Background()
	client := r.Client()

	id, err := client.SubmitChunk(ctx, pipeline.SubmitChunkRequest{
		ChunkIndex:  0,
		TotalChunks: 2,
		UserID:      "user-1",
		FileName:    "a.txt",
		ContentType: "text/plain",
		Payload:     []byte("first "),
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	_, err = client.SubmitChunk(ctx, pipeline.SubmitChunkRequest{
		ContentID:   id,
		ChunkIndex:  1,
		TotalChunks: 2,
		UserID:      "user-1",
		FileName:    "a.txt",
		ContentType: "text/plain",
		Payload:     []byte("second"),
	})
	require.NoError(t, err)
	waitIdle(t, r)

	item, err := r.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusCompleted, item.Status)

	_, err = client.SubmitChunk(ctx, pipeline.SubmitChunkRequest{ChunkIndex: 1, TotalChunks: 2})
	assert.Error(t, err)
}

func TestStandalone_CancelWhileUploading(t *testing.T) {
	r, store := newStandalone(t)
	ctx := context.Background()

	res, err := r.SubmitChunk(ctx, pipeline.SubmitChunkRequest{
		ContentID:   "c1",
		ChunkIndex:  0,
		TotalChunks: 2,
		UserID:      "user-1",
		Payload:     []byte("part"),
	})
	require.NoError(t, err)
	assert.Equal(t, pipeline.OutcomeAccepted, res.Outcome)

	item, err := r.Cancel(ctx, "c1", "")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusCancelled, item.Status)
	assert.Empty(t, store.Keys("chunks/"))
}

func TestStandalone_Health(t *testing.T) {
	r, _ := newStandalone(t)
	ctx := context.Background()

	_, err := r.SubmitChunk(ctx, pipeline.SubmitChunkRequest{
		ContentID:   "c1",
		ChunkIndex:  0,
		TotalChunks: 2,
		UserID:      "user-1",
		Payload:     []byte("part"),
	})
	require.NoError(t, err)

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status     string         `json:"status"`
		Content    map[string]int `json:"content"`
		Standalone bool           `json:"standalone_mode"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body.Status)
	assert.True(t, body.Standalone)
	assert.Equal(t, 1, body.Content[string(pipeline.StatusUploading)])
}

func TestStart_Twice(t *testing.T) {
	r, _ := newStandalone(t)
	assert.Error(t, r.Start(context.Background()))
}

func TestNew_RejectsMemoryTracker(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "postgres", cfg.Tracker.Backend)

	cfg.Tracker.Backend = "memory"
	cfg.DatabaseURL = "postgres://unused:5432/none"
	r, err := New(context.Background(), cfg, zerolog.Nop(), Options{})
	assert.ErrorIs(t, err, ErrSharedTrackerRequired)
	assert.Nil(t, r)
}

func TestNewStandalone_DefaultTrackerRunsInProcess(t *testing.T) {
	r, _ := newStandalone(t)
	assert.Equal(t, "memory", r.cfg.Tracker.Backend)
	assert.NotNil(t, r.emitter)
	assert.Nil(t, r.tail)
}

func drain(sink events.ChannelSink, id string, seen *[]pipeline.Status) bool {
	for len(sink) > 0 {
		if ev := <-sink; ev.ContentID == id {
			*seen = append(*seen, ev.Status)
		}
	}
	n := len(*seen)
	return n > 0 && (*seen)[n-1].IsTerminal()
}

// Two workers on one database each observe the whole lifecycle in order,
// whichever of them ran the stages.
func TestNew_EveryWorkerSeesEveryStatus(t *testing.T) {
	dsn := os.Getenv("RUNNER_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("RUNNER_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	store := storage.NewMemoryStorage()

	worker := func(name string) (*Runner, events.ChannelSink) {
		cfg := DefaultConfig()
		cfg.DatabaseURL = dsn
		cfg.Storage.Backend = "memory"
		cfg.Events.Consumer = name + "-" + uuid.NewString()
		cfg.Events.PollInterval = 20 * time.Millisecond

		sink := make(events.ChannelSink, 64)
		r, err := New(ctx, cfg, zerolog.Nop(), Options{
			Store:   store,
			Archive: storage.NewBlobArchive(store, "http://cdn.test"),
			Sinks:   []events.Sink{sink},
		})
		require.NoError(t, err)
		t.Cleanup(func() { r.Shutdown(5 * time.Second) })
		require.NoError(t, r.Start(ctx))
		require.Nil(t, r.emitter)
		require.NotNil(t, r.tail)
		return r, sink
	}
	a, sinkA := worker("a")
	_, sinkB := worker("b")

	id := uuid.NewString()
	for i, p := range []string{"hello ", "fleet"} {
		_, err := a.SubmitChunk(ctx, pipeline.SubmitChunkRequest{
			ContentID:   id,
			ChunkIndex:  i,
			TotalChunks: 2,
			UserID:      "user-1",
			FileName:    "fleet.txt",
			ContentType: "text/plain",
			Payload:     []byte(p),
		})
		require.NoError(t, err)
	}

	want := []pipeline.Status{
		pipeline.StatusUploading, pipeline.StatusUploaded, pipeline.StatusValidating,
		pipeline.StatusValidated, pipeline.StatusProcessing, pipeline.StatusProcessed,
		pipeline.StatusStoring, pipeline.StatusStored, pipeline.StatusCompleted,
	}
	for _, sink := range []events.ChannelSink{sinkA, sinkB} {
		var seen []pipeline.Status
		require.Eventually(t, func() bool { return drain(sink, id, &seen) }, 30*time.Second, 20*time.Millisecond)
		assert.Equal(t, want, seen)
	}
}
