// Package lambdaingest records chunks delivered by an SQS-triggered Lambda.
//
// Each SQS message body is a base64 encoded content.upload message, the same
// CBOR document the bus carries. Failed records are returned as partial
// batch failures so SQS redelivers only those.
package lambdaingest

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-lambda-go/events"
	"github.com/rs/zerolog"

	"github.com/tendant/chunked-content-pipeline/internal/ingest"
	"github.com/tendant/chunked-content-pipeline/pkg/pipeline"
)

// DefaultMaxReceives matches the bus retry policy: one delivery plus three
// redeliveries.
const DefaultMaxReceives = 4

const receiveCountAttr = "ApproximateReceiveCount"

// Submitter records one chunk
type Submitter interface {
	SubmitChunk(ctx context.Context, req pipeline.SubmitChunkRequest) (*pipeline.SubmissionResult, error)
}

// Handler processes SQS batches of chunk messages
type Handler struct {
	submitter   Submitter
	maxReceives int
	log         zerolog.Logger
}

// NewHandler creates a handler. maxReceives <= 0 uses DefaultMaxReceives.
func NewHandler(s Submitter, maxReceives int, log zerolog.Logger) *Handler {
	if maxReceives <= 0 {
		maxReceives = DefaultMaxReceives
	}
	return &Handler{
		submitter:   s,
		maxReceives: maxReceives,
		log:         log.With().Str("component", "lambda-ingest").Logger(),
	}
}

// EncodeBody builds an SQS message body for req
func EncodeBody(req pipeline.SubmitChunkRequest) (string, error) {
	msg, err := ingest.EncodeChunk(req)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(msg.Body), nil
}

// Handle is the Lambda entry point
func (h *Handler) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, rec := range ev.Records {
		if err := h.record(ctx, rec); err != nil {
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{
				ItemIdentifier: rec.MessageId,
			})
		}
	}

	h.log.Info().
		Int("records", len(ev.Records)).
		Int("failed", len(resp.BatchItemFailures)).
		Msg("batch processed")
	return resp, nil
}

// record returns an error only when the message should be redelivered
func (h *Handler) record(ctx context.Context, rec events.SQSMessage) error {
	log := h.log.With().Str("message_id", rec.MessageId).Logger()

	raw, err := base64.StdEncoding.DecodeString(rec.Body)
	if err != nil {
		log.Error().Err(err).Msg("dropping message with invalid body encoding")
		return nil
	}
	msg, err := ingest.DecodeChunk(raw)
	if err != nil {
		log.Error().Err(err).Msg("dropping undecodable chunk message")
		return nil
	}
	if msg.ContentID == "" {
		log.Error().Int("chunk_index", msg.ChunkIndex).Msg("dropping chunk message without content id")
		return nil
	}
	log = log.With().Str("content_id", msg.ContentID).Int("chunk_index", msg.ChunkIndex).Logger()

	res, err := h.submitter.SubmitChunk(ctx, msg.Request())
	switch {
	case errors.Is(err, ingest.ErrInvalidChunk):
		log.Warn().Err(err).Msg("chunk rejected")
		return nil
	case errors.Is(err, ingest.ErrAssemblyFailed):
		log.Error().Err(err).Msg("upload failed during assembly")
		return nil
	case err != nil:
		receives := receiveCount(rec)
		if receives >= h.maxReceives {
			log.Error().Err(err).Int("receives", receives).Msg("giving up on chunk")
			return nil
		}
		log.Warn().Err(err).Int("receives", receives).Msg("chunk failed, will be redelivered")
		return fmt.Errorf("chunk %d of %s: %w", msg.ChunkIndex, msg.ContentID, err)
	}

	log.Debug().
		Str("outcome", string(res.Outcome)).
		Int("received", res.ReceivedChunks).
		Int("total", res.TotalChunks).
		Msg("chunk recorded")
	return nil
}

// receiveCount reads ApproximateReceiveCount; a missing attribute counts as
// the first receive
func receiveCount(rec events.SQSMessage) int {
	n, err := strconv.Atoi(rec.Attributes[receiveCountAttr])
	if err != nil || n < 1 {
		return 1
	}
	return n
}
