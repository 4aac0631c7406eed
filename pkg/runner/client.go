package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tendant/chunked-content-pipeline/internal/bus"
	"github.com/tendant/chunked-content-pipeline/internal/dbosruntime"
	"github.com/tendant/chunked-content-pipeline/internal/ingest"
	"github.com/tendant/chunked-content-pipeline/pkg/pipeline"
)

// Client publishes chunks to the upload queue without consuming anything.
// Workers started with New record and assemble them.
type Client struct {
	runtime *dbosruntime.Runtime
	bus     bus.Bus
	log     zerolog.Logger
}

// NewClient connects to the DBOS database of a worker fleet in publish-only
// mode. cfg must name the same app and queue as the workers.
func NewClient(ctx context.Context, cfg Config, log zerolog.Logger) (*Client, error) {
	rt, err := dbosruntime.NewRuntime(ctx, dbosruntime.Config{
		DatabaseURL:        cfg.DatabaseURL,
		AppName:            cfg.AppName,
		QueueName:          cfg.QueueName,
		ApplicationVersion: cfg.ApplicationVersion,
		PublishOnly:        true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize DBOS: %w", err)
	}

	b := bus.NewDBOS(rt, bus.DefaultTopology(), log)
	if err := rt.Launch(); err != nil {
		rt.Shutdown(time.Second)
		return nil, fmt.Errorf("failed to launch DBOS: %w", err)
	}

	return &Client{runtime: rt, bus: b, log: log.With().Str("component", "runner-client").Logger()}, nil
}

// newClientOn publishes through an existing bus
func newClientOn(b bus.Bus, log zerolog.Logger) *Client {
	return &Client{bus: b, log: log}
}

// SubmitChunk enqueues one chunk and returns the content id it was
// published under. Chunk 0 without a content id gets a fresh one, which
// the caller must pass with every later chunk.
func (c *Client) SubmitChunk(ctx context.Context, req pipeline.SubmitChunkRequest) (string, error) {
	if req.ContentID == "" {
		if req.ChunkIndex != 0 {
			return "", errors.New("content id is required after the first chunk")
		}
		req.ContentID = uuid.NewString()
	}

	msg, err := ingest.EncodeChunk(req)
	if err != nil {
		return "", err
	}
	if err := c.bus.Publish(ctx, bus.ContentExchange, bus.UploadKey, msg); err != nil {
		return "", fmt.Errorf("failed to publish chunk %d of %s: %w", req.ChunkIndex, req.ContentID, err)
	}

	c.log.Debug().
		Str("content_id", req.ContentID).
		Int("chunk_index", req.ChunkIndex).
		Int("total_chunks", req.TotalChunks).
		Msg("chunk enqueued")
	return req.ContentID, nil
}

// Shutdown releases the DBOS runtime
func (c *Client) Shutdown(timeout time.Duration) {
	if c.runtime != nil {
		c.runtime.Shutdown(timeout)
	}
}
