package client

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/chunked-content-pipeline/internal/storage"
	"github.com/tendant/chunked-content-pipeline/pkg/pipeline"
	"github.com/tendant/chunked-content-pipeline/pkg/runner"
)

func newServer(t *testing.T) (*Client, *runner.Runner) {
	t.Helper()
	cfg := runner.DefaultConfig()
	cfg.Storage.Backend = "memory"
	cfg.Ingest.MaxChunkBytes = 16

	store := storage.NewMemoryStorage()
	r, err := runner.NewStandalone(context.Background(), cfg, zerolog.Nop(), runner.Options{
		Store:   store,
		Archive: storage.NewBlobArchive(store, "http://cdn.test"),
	})
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))

	srv := httptest.NewServer(r.Handler())
	t.Cleanup(func() {
		srv.Close()
		r.Shutdown(time.Second)
	})
	return New(srv.URL + "/"), r
}

func TestUploadFile(t *testing.T) {
	c, r := newServer(t)
	ctx := context.Background()

	data := bytes.Repeat([]byte("0123456789"), 5)
	res, err := c.UploadFile(ctx, bytes.NewReader(data), int64(len(data)), UploadOptions{
		UserID:      "user-1",
		FileName:    "digits.txt",
		ContentType: "text/plain",
		Priority:    pipeline.PriorityNormal,
		ChunkSize:   16,
	})
	require.NoError(t, err)
	assert.Equal(t, pipeline.OutcomeAssemblyTriggered, res.Outcome)
	assert.Equal(t, 4, res.TotalChunks)
	assert.Equal(t, 4, res.ReceivedChunks)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, r.WaitIdle(waitCtx))

	item, err := c.WaitForTerminal(waitCtx, res.ContentID, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusCompleted, item.Status)
	assert.Equal(t, int64(len(data)), item.FileSize)
	assert.Equal(t, pipeline.PriorityNormal, item.Priority)

	items, err := c.ListByUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, res.ContentID, items[0].ContentID)

	var got bytes.Buffer
	n, err := c.Download(ctx, res.ContentID, &got)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)
	assert.Equal(t, data, got.Bytes())

	_, err = c.Download(ctx, "nope", &got)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUploadFile_ShortData(t *testing.T) {
	c, _ := newServer(t)

	_, err := c.UploadFile(context.Background(), bytes.NewReader([]byte("short")), 40, UploadOptions{
		UserID:    "user-1",
		ChunkSize: 16,
	})
	assert.ErrorContains(t, err, "data ended after 1 of 3 chunks")
}

func TestSubmitChunk_Rejected(t *testing.T) {
	c, _ := newServer(t)

	res, err := c.SubmitChunk(context.Background(), pipeline.SubmitChunkRequest{
		ContentID:   "c1",
		ChunkIndex:  0,
		TotalChunks: 1,
		UserID:      "user-1",
		Payload:     bytes.Repeat([]byte("x"), 17),
	})
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadRequest, se.Code)
	require.NotNil(t, res)
	assert.Equal(t, pipeline.OutcomeRejected, res.Outcome)
}

func TestGetStatus_NotFound(t *testing.T) {
	c, _ := newServer(t)
	_, err := c.GetStatus(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCancel(t *testing.T) {
	c, _ := newServer(t)
	ctx := context.Background()

	res, err := c.SubmitChunk(ctx, pipeline.SubmitChunkRequest{
		ChunkIndex:  0,
		TotalChunks: 2,
		UserID:      "user-1",
		Payload:     []byte("half"),
	})
	require.NoError(t, err)
	assert.Equal(t, pipeline.OutcomeAccepted, res.Outcome)

	item, err := c.Cancel(ctx, res.ContentID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusCancelled, item.Status)

	_, err = c.Cancel(ctx, res.ContentID)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusConflict, se.Code)
}
