package lambdaingest

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/chunked-content-pipeline/internal/codec"
	"github.com/tendant/chunked-content-pipeline/internal/ingest"
	"github.com/tendant/chunked-content-pipeline/pkg/pipeline"
)

type fakeSubmitter struct {
	err  error
	seen []pipeline.SubmitChunkRequest
}

func (f *fakeSubmitter) SubmitChunk(_ context.Context, req pipeline.SubmitChunkRequest) (*pipeline.SubmissionResult, error) {
	f.seen = append(f.seen, req)
	if f.err != nil {
		return nil, f.err
	}
	return &pipeline.SubmissionResult{
		ContentID:      req.ContentID,
		Outcome:        pipeline.OutcomeAccepted,
		ReceivedChunks: 1,
		TotalChunks:    req.TotalChunks,
	}, nil
}

func chunkRecord(t *testing.T, id string, index int, receives string) events.SQSMessage {
	t.Helper()
	body, err := EncodeBody(pipeline.SubmitChunkRequest{
		ContentID:   "c1",
		ChunkIndex:  index,
		TotalChunks: 2,
		UserID:      "user-1",
		FileName:    "a.txt",
		Payload:     []byte(fmt.Sprintf("part-%d", index)),
	})
	require.NoError(t, err)
	rec := events.SQSMessage{MessageId: id, Body: body}
	if receives != "" {
		rec.Attributes = map[string]string{receiveCountAttr: receives}
	}
	return rec
}

func TestHandle_RecordsChunks(t *testing.T) {
	sub := &fakeSubmitter{}
	h := NewHandler(sub, 0, zerolog.Nop())

	resp, err := h.Handle(context.Background(), events.SQSEvent{Records: []events.SQSMessage{
		chunkRecord(t, "m1", 0, "1"),
		chunkRecord(t, "m2", 1, "1"),
	}})
	require.NoError(t, err)
	assert.Empty(t, resp.BatchItemFailures)

	require.Len(t, sub.seen, 2)
	assert.Equal(t, "c1", sub.seen[0].ContentID)
	assert.Equal(t, 1, sub.seen[1].ChunkIndex)
	assert.Equal(t, []byte("part-1"), sub.seen[1].Payload)
	assert.Equal(t, "user-1", sub.seen[1].UserID)
}

func TestHandle_DropsBadMessages(t *testing.T) {
	sub := &fakeSubmitter{}
	h := NewHandler(sub, 0, zerolog.Nop())

	anonymous, err := codec.Marshal(pipeline.ChunkMessage{ChunkIndex: 0, TotalChunks: 1, UserID: "user-1", Payload: []byte("x")})
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), events.SQSEvent{Records: []events.SQSMessage{
		{MessageId: "not-base64", Body: "%%%"},
		{MessageId: "not-cbor", Body: "aGVsbG8="},
		{MessageId: "no-content-id", Body: base64.StdEncoding.EncodeToString(anonymous)},
	}})
	require.NoError(t, err)
	assert.Empty(t, resp.BatchItemFailures)
	assert.Empty(t, sub.seen)
}

func TestHandle_RejectedChunkIsNotRetried(t *testing.T) {
	sub := &fakeSubmitter{err: fmt.Errorf("%w: empty payload", ingest.ErrInvalidChunk)}
	h := NewHandler(sub, 0, zerolog.Nop())

	resp, err := h.Handle(context.Background(), events.SQSEvent{Records: []events.SQSMessage{
		chunkRecord(t, "m1", 0, "1"),
	}})
	require.NoError(t, err)
	assert.Empty(t, resp.BatchItemFailures)
	assert.Len(t, sub.seen, 1)
}

func TestHandle_FailedAssemblyIsNotRetried(t *testing.T) {
	sub := &fakeSubmitter{err: fmt.Errorf("%w: %w", ingest.ErrAssemblyFailed, ingest.ErrMissingChunk)}
	h := NewHandler(sub, 0, zerolog.Nop())

	resp, err := h.Handle(context.Background(), events.SQSEvent{Records: []events.SQSMessage{
		chunkRecord(t, "m1", 1, "1"),
	}})
	require.NoError(t, err)
	assert.Empty(t, resp.BatchItemFailures)
}

func TestEncodeBody_RequiresContentID(t *testing.T) {
	_, err := EncodeBody(pipeline.SubmitChunkRequest{ChunkIndex: 0, TotalChunks: 1, UserID: "user-1", Payload: []byte("x")})
	assert.ErrorIs(t, err, ingest.ErrInvalidChunk)
}

func TestHandle_TransientFailures(t *testing.T) {
	sub := &fakeSubmitter{err: errors.New("tracker unavailable")}
	h := NewHandler(sub, 3, zerolog.Nop())

	tests := []struct {
		name     string
		receives string
		retried  bool
	}{
		{"first receive", "1", true},
		{"missing attribute", "", true},
		{"below limit", "2", true},
		{"at limit", "3", false},
		{"past limit", "7", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := h.Handle(context.Background(), events.SQSEvent{Records: []events.SQSMessage{
				chunkRecord(t, "m1", 0, tt.receives),
			}})
			require.NoError(t, err)
			if tt.retried {
				require.Len(t, resp.BatchItemFailures, 1)
				assert.Equal(t, "m1", resp.BatchItemFailures[0].ItemIdentifier)
			} else {
				assert.Empty(t, resp.BatchItemFailures)
			}
		})
	}
}

func TestHandle_PartialBatch(t *testing.T) {
	sub := &fakeSubmitter{}
	h := NewHandler(sub, 0, zerolog.Nop())

	failing := &flakySubmitter{fail: map[int]bool{1: true}, next: sub}
	h.submitter = failing

	resp, err := h.Handle(context.Background(), events.SQSEvent{Records: []events.SQSMessage{
		chunkRecord(t, "m0", 0, "1"),
		chunkRecord(t, "m1", 1, "1"),
	}})
	require.NoError(t, err)
	require.Len(t, resp.BatchItemFailures, 1)
	assert.Equal(t, "m1", resp.BatchItemFailures[0].ItemIdentifier)
	assert.Len(t, sub.seen, 1)
}

type flakySubmitter struct {
	fail map[int]bool
	next Submitter
}

func (f *flakySubmitter) SubmitChunk(ctx context.Context, req pipeline.SubmitChunkRequest) (*pipeline.SubmissionResult, error) {
	if f.fail[req.ChunkIndex] {
		return nil, errors.New("store timeout")
	}
	return f.next.SubmitChunk(ctx, req)
}
