package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/tendant/chunked-content-pipeline/internal/bus"
	"github.com/tendant/chunked-content-pipeline/internal/codec"
	"github.com/tendant/chunked-content-pipeline/internal/retry"
	"github.com/tendant/chunked-content-pipeline/pkg/pipeline"
)

// EncodeChunk builds the content.upload message for req. The message id
// is stable per (content id, chunk index) so a producer retry reuses it.
// req.ContentID must be set: a redelivered chunk 0 without one would start
// a second upload.
func EncodeChunk(req pipeline.SubmitChunkRequest) (bus.Message, error) {
	if req.ContentID == "" {
		return bus.Message{}, fmt.Errorf("%w: content id is required on the bus", ErrInvalidChunk)
	}
	msg := pipeline.ChunkMessage{
		ContentID:   req.ContentID,
		ChunkIndex:  req.ChunkIndex,
		TotalChunks: req.TotalChunks,
		UserID:      req.UserID,
		FileName:    req.FileName,
		ContentType: req.ContentType,
		FileSize:    req.FileSize,
		Priority:    req.Priority,
		Payload:     req.Payload,
		Digest:      Digest(req.Payload),
	}
	body, err := codec.Marshal(msg)
	if err != nil {
		return bus.Message{}, fmt.Errorf("failed to encode chunk message: %w", err)
	}

	id := fmt.Sprintf("%s-chunk-%d", req.ContentID, req.ChunkIndex)
	out := bus.Message{ID: id, Body: body, Priority: req.Priority.Weight()}
	out.SetHeader(bus.HeaderContentID, req.ContentID)
	return out, nil
}

// DecodeChunk parses and verifies a content.upload message body
func DecodeChunk(body []byte) (pipeline.ChunkMessage, error) {
	var msg pipeline.ChunkMessage
	if err := codec.Unmarshal(body, &msg); err != nil {
		return msg, fmt.Errorf("failed to decode chunk message: %w", err)
	}
	if msg.Digest != "" && Digest(msg.Payload) != msg.Digest {
		return msg, fmt.Errorf("%w: chunk %d of %s", ErrDigestMismatch, msg.ChunkIndex, msg.ContentID)
	}
	return msg, nil
}

// HandleUpload consumes content.upload.queue. Undecodable or corrupted
// messages and failed assemblies are permanent failures; rejected chunks
// are logged and dropped. A message must carry its content id: ids are
// only generated for HTTP submissions, where the client learns the id
// from the response.
func (s *Service) HandleUpload(ctx context.Context, d *bus.Delivery) error {
	msg, err := DecodeChunk(d.Body)
	if err != nil {
		return retry.Permanent(err)
	}
	if msg.ContentID == "" {
		return retry.Permanent(fmt.Errorf("%w: content id is required on the bus", ErrInvalidChunk))
	}

	res, err := s.SubmitChunk(ctx, msg.Request())
	switch {
	case errors.Is(err, ErrInvalidChunk):
		s.log.Warn().Err(err).Str("content_id", msg.ContentID).Int("chunk_index", msg.ChunkIndex).
			Msg("chunk rejected")
		return nil
	case errors.Is(err, ErrAssemblyFailed):
		return retry.Permanent(err)
	case err != nil:
		return err
	}

	s.log.Debug().
		Str("content_id", res.ContentID).
		Str("outcome", string(res.Outcome)).
		Int("received", res.ReceivedChunks).
		Int("total", res.TotalChunks).
		Msg("chunk consumed")
	return nil
}
