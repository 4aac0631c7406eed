// Package ingest records uploaded chunks and assembles complete uploads.
//
// Each chunk is written to the blob store before it is added to the shared
// tracker, so a recorded index always has its data. When the received set
// is complete the tracker's conditional claim picks exactly one caller to
// assemble; everyone else returns without side effects.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tendant/chunked-content-pipeline/internal/bus"
	"github.com/tendant/chunked-content-pipeline/internal/content"
	"github.com/tendant/chunked-content-pipeline/internal/metrics"
	"github.com/tendant/chunked-content-pipeline/internal/storage"
	"github.com/tendant/chunked-content-pipeline/internal/tracker"
	"github.com/tendant/chunked-content-pipeline/pkg/pipeline"
)

// DefaultMaxChunkBytes caps a single chunk payload
const DefaultMaxChunkBytes = 32 << 20

// Receipt is the result of recording one chunk
type Receipt struct {
	Outcome  pipeline.ChunkOutcome
	Received int
	Total    int
}

// Config holds the collaborators of a Service
type Config struct {
	Store         storage.Store
	Tracker       tracker.Tracker
	Machine       *content.Machine
	Bus           bus.Bus
	Metrics       *metrics.Metrics
	Log           zerolog.Logger
	MaxChunkBytes int64
}

// Service accepts chunks and drives uploads to UPLOADED
type Service struct {
	store         storage.Store
	tracker       tracker.Tracker
	machine       *content.Machine
	assembler     *Assembler
	bus           bus.Bus
	metrics       *metrics.Metrics
	log           zerolog.Logger
	maxChunkBytes int64
}

// NewService creates an ingest service
func NewService(cfg Config) *Service {
	log := cfg.Log.With().Str("component", "ingest").Logger()
	if cfg.MaxChunkBytes <= 0 {
		cfg.MaxChunkBytes = DefaultMaxChunkBytes
	}
	return &Service{
		store:         cfg.Store,
		tracker:       cfg.Tracker,
		machine:       cfg.Machine,
		assembler:     NewAssembler(cfg.Store, cfg.Log),
		bus:           cfg.Bus,
		metrics:       cfg.Metrics,
		log:           log,
		maxChunkBytes: cfg.MaxChunkBytes,
	}
}

// SubmitChunk registers the upload on its first chunk and records the
// chunk. A request without a content id must be chunk 0; a fresh id is
// generated for it. When the chunk completes the set but assembly fails,
// the result describes the FAILED item and the error wraps
// ErrAssemblyFailed.
func (s *Service) SubmitChunk(ctx context.Context, req pipeline.SubmitChunkRequest) (*pipeline.SubmissionResult, error) {
	if req.ContentID == "" {
		if req.ChunkIndex != 0 {
			return s.rejected(req, fmt.Errorf("%w: content id is required after the first chunk", ErrInvalidChunk))
		}
		req.ContentID = uuid.NewString()
	}
	if req.UserID == "" {
		return s.rejected(req, fmt.Errorf("%w: user id is required", ErrInvalidChunk))
	}
	priority, err := pipeline.ParsePriority(string(req.Priority))
	if err != nil {
		return s.rejected(req, fmt.Errorf("%w: %v", ErrInvalidChunk, err))
	}
	rec := pipeline.ChunkRecord{
		ContentID:   req.ContentID,
		ChunkIndex:  req.ChunkIndex,
		TotalChunks: req.TotalChunks,
		Size:        int64(len(req.Payload)),
		Key:         ChunkKey(req.ContentID, req.ChunkIndex),
	}
	if err := s.validate(rec, req.Payload); err != nil {
		return s.rejected(req, err)
	}

	item, err := s.machine.Start(ctx, &pipeline.ContentItem{
		ContentID:   req.ContentID,
		UserID:      req.UserID,
		FileName:    req.FileName,
		ContentType: req.ContentType,
		FileType:    pipeline.InferFileType(req.ContentType),
		FileSize:    req.FileSize,
		TotalChunks: req.TotalChunks,
		Priority:    priority,
	})
	if err != nil {
		return nil, err
	}
	if item.UserID != req.UserID {
		return s.rejected(req, fmt.Errorf("%w: content %s belongs to another user", ErrInvalidChunk, req.ContentID))
	}

	receipt, err := s.RecordChunk(ctx, rec, req.Payload)
	if err != nil && !errors.Is(err, ErrAssemblyFailed) {
		if receipt.Outcome == pipeline.OutcomeRejected {
			return rejectedResult(req, err), err
		}
		return nil, err
	}

	result := &pipeline.SubmissionResult{
		ContentID:      req.ContentID,
		Outcome:        receipt.Outcome,
		ReceivedChunks: receipt.Received,
		TotalChunks:    receipt.Total,
	}
	if current, gerr := s.machine.Get(ctx, req.ContentID); gerr == nil {
		result.Status = current.Status
		result.Message = current.Status.Message()
		if current.ErrorMessage != "" {
			result.Message = current.ErrorMessage
		}
	}
	return result, err
}

func (s *Service) rejected(req pipeline.SubmitChunkRequest, err error) (*pipeline.SubmissionResult, error) {
	s.metrics.ChunkRecorded(string(pipeline.OutcomeRejected))
	return rejectedResult(req, err), err
}

func rejectedResult(req pipeline.SubmitChunkRequest, err error) *pipeline.SubmissionResult {
	return &pipeline.SubmissionResult{
		ContentID:   req.ContentID,
		Outcome:     pipeline.OutcomeRejected,
		TotalChunks: req.TotalChunks,
		Message:     err.Error(),
	}
}

func (s *Service) validate(rec pipeline.ChunkRecord, payload []byte) error {
	switch {
	case rec.ContentID == "":
		return fmt.Errorf("%w: content id is required", ErrInvalidChunk)
	case rec.TotalChunks < 1:
		return fmt.Errorf("%w: total chunks must be at least 1, got %d", ErrInvalidChunk, rec.TotalChunks)
	case rec.ChunkIndex < 0 || rec.ChunkIndex >= rec.TotalChunks:
		return fmt.Errorf("%w: chunk index %d out of range [0, %d)", ErrInvalidChunk, rec.ChunkIndex, rec.TotalChunks)
	case len(payload) == 0:
		return fmt.Errorf("%w: empty payload", ErrInvalidChunk)
	case int64(len(payload)) > s.maxChunkBytes:
		return fmt.Errorf("%w: payload of %d bytes exceeds %d", ErrInvalidChunk, len(payload), s.maxChunkBytes)
	}
	return nil
}

// RecordChunk stores one chunk of an upload that was already started. It
// is idempotent: recording an index again reports DUPLICATE and changes
// nothing. Invalid input reports REJECTED together with an error wrapping
// ErrInvalidChunk.
func (s *Service) RecordChunk(ctx context.Context, rec pipeline.ChunkRecord, payload []byte) (receipt Receipt, err error) {
	log := s.log.With().Str("content_id", rec.ContentID).Int("chunk_index", rec.ChunkIndex).Logger()
	defer func() {
		if receipt.Outcome != "" {
			s.metrics.ChunkRecorded(string(receipt.Outcome))
		}
	}()

	if err := s.validate(rec, payload); err != nil {
		return Receipt{Outcome: pipeline.OutcomeRejected, Total: rec.TotalChunks}, err
	}

	item, err := s.machine.Get(ctx, rec.ContentID)
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to load content %s: %w", rec.ContentID, err)
	}
	if item.TotalChunks != rec.TotalChunks {
		return Receipt{Outcome: pipeline.OutcomeRejected, Total: item.TotalChunks},
			fmt.Errorf("%w: %w", ErrInvalidChunk, tracker.ErrTotalMismatch)
	}

	// Redelivery after the upload moved on
	if item.Status != pipeline.StatusUploading {
		log.Debug().Str("status", string(item.Status)).Msg("chunk for finished upload")
		if item.Status == pipeline.StatusUploaded {
			if err := content.Forward(ctx, s.bus, bus.ValidationKey, item); err != nil {
				return Receipt{}, err
			}
		}
		return Receipt{Outcome: pipeline.OutcomeDuplicate, Received: item.TotalChunks, Total: item.TotalChunks}, nil
	}

	seen, err := s.tracker.Contains(ctx, rec.ContentID, rec.ChunkIndex)
	if err != nil {
		return Receipt{}, err
	}
	if seen {
		return s.duplicate(ctx, item)
	}

	if err := s.store.Put(ctx, ChunkKey(rec.ContentID, rec.ChunkIndex), bytes.NewReader(payload)); err != nil {
		return Receipt{}, fmt.Errorf("failed to store chunk %d of %s: %w", rec.ChunkIndex, rec.ContentID, err)
	}

	res, err := s.tracker.Add(ctx, rec.ContentID, rec.ChunkIndex, rec.TotalChunks)
	if errors.Is(err, tracker.ErrTotalMismatch) {
		return Receipt{Outcome: pipeline.OutcomeRejected, Total: rec.TotalChunks}, fmt.Errorf("%w: %w", ErrInvalidChunk, err)
	}
	if err != nil {
		return Receipt{}, err
	}

	receipt = Receipt{Outcome: pipeline.OutcomeAccepted, Received: res.Received, Total: res.Total}
	if !res.Added {
		receipt.Outcome = pipeline.OutcomeDuplicate
	}
	log.Debug().Int("received", res.Received).Int("total", res.Total).Msg("chunk recorded")

	if res.Received < res.Total {
		return receipt, nil
	}
	won, err := s.tracker.Claim(ctx, rec.ContentID)
	if err != nil {
		return Receipt{}, err
	}
	if !won {
		return receipt, nil
	}

	receipt.Outcome = pipeline.OutcomeAssemblyTriggered
	return receipt, s.assemble(ctx, item)
}

// duplicate handles an index already in the set. If the set is complete
// but nobody claimed it, for instance because the last recorder crashed
// between add and claim, this caller takes over the assembly.
func (s *Service) duplicate(ctx context.Context, item *pipeline.ContentItem) (Receipt, error) {
	st, err := s.tracker.Get(ctx, item.ContentID)
	if errors.Is(err, tracker.ErrNotFound) {
		return Receipt{Outcome: pipeline.OutcomeDuplicate, Received: item.TotalChunks, Total: item.TotalChunks}, nil
	}
	if err != nil {
		return Receipt{}, err
	}

	receipt := Receipt{Outcome: pipeline.OutcomeDuplicate, Received: len(st.Received), Total: st.TotalChunks}
	if !st.Complete() || st.Claimed {
		return receipt, nil
	}
	won, err := s.tracker.Claim(ctx, item.ContentID)
	if err != nil || !won {
		return receipt, err
	}
	receipt.Outcome = pipeline.OutcomeAssemblyTriggered
	return receipt, s.assemble(ctx, item)
}

// assemble runs once per upload, after a successful claim
func (s *Service) assemble(ctx context.Context, item *pipeline.ContentItem) error {
	start := time.Now()
	defer s.metrics.ObserveStage("assembly", start)
	log := s.log.With().Str("content_id", item.ContentID).Logger()

	asm, err := s.assembler.Assemble(ctx, item)
	if err != nil {
		s.metrics.Assembled(false)
		log.Error().Err(err).Msg("assembly failed")
		_, ferr := s.machine.Fail(ctx, item.ContentID, "assembly failed: "+err.Error())
		if ferr != nil && !errors.Is(ferr, pipeline.ErrIllegalTransition) {
			// keep the chunks and the claim; the stale sweep finishes the job
			return ferr
		}
		s.discard(ctx, item.ContentID, item.TotalChunks)
		return fmt.Errorf("%w: %w", ErrAssemblyFailed, err)
	}
	s.metrics.Assembled(true)

	updated, err := s.machine.Transition(ctx, item.ContentID, pipeline.StatusUploaded,
		content.WithSourceKey(asm.Key), content.WithChecksum(asm.Checksum))
	if err != nil && !errors.Is(err, pipeline.ErrIllegalTransition) {
		updated, err = s.settle(ctx, item.ContentID, asm, err)
	}
	if errors.Is(err, pipeline.ErrIllegalTransition) {
		// cancelled or expired while assembling
		log.Warn().Err(err).Msg("upload left UPLOADING during assembly")
		if derr := s.store.Delete(ctx, asm.Key); derr != nil {
			log.Warn().Err(derr).Str("key", asm.Key).Msg("failed to remove assembled object")
		}
		s.discard(ctx, item.ContentID, item.TotalChunks)
		return nil
	}
	if err != nil {
		return err
	}
	log.Info().Str("key", asm.Key).Int64("size", asm.Size).Str("checksum", asm.Checksum).Msg("upload assembled")

	s.discard(ctx, item.ContentID, item.TotalChunks)
	return content.Forward(ctx, s.bus, bus.ValidationKey, updated)
}

// settle resolves an UPLOADED transition that returned an error. If the
// write landed anyway the stored item is returned. Otherwise the assembled
// object is removed and the claim released, so the next delivery of any
// chunk of the set claims it and assembles again.
func (s *Service) settle(ctx context.Context, contentID string, asm *Assembly, cause error) (*pipeline.ContentItem, error) {
	log := s.log.With().Str("content_id", contentID).Str("key", asm.Key).Logger()

	current, err := s.machine.Get(ctx, contentID)
	switch {
	case err == nil && current.Status == pipeline.StatusUploaded && current.SourceKey == asm.Key:
		return current, nil
	case err == nil && current.Status != pipeline.StatusUploading:
		return nil, fmt.Errorf("%w: content %s is %s", pipeline.ErrIllegalTransition, contentID, current.Status)
	case err == nil:
		if derr := s.store.Delete(ctx, asm.Key); derr != nil {
			log.Warn().Err(derr).Msg("failed to remove assembled object")
		}
	default:
		// the write may have landed, so the object stays
		log.Warn().Err(err).Msg("keeping assembled object, item state unknown")
	}

	if rerr := s.tracker.Release(ctx, contentID); rerr != nil {
		log.Error().Err(rerr).Msg("failed to release claim, the stale sweep will expire the upload")
	}
	log.Warn().Err(cause).Msg("assembled upload not recorded, awaiting redelivery")
	return nil, fmt.Errorf("failed to mark %s uploaded: %w", contentID, cause)
}

// discard deletes chunk blobs and tracker state. Failures are logged; the
// sweeper removes whatever is left once the set goes stale.
func (s *Service) discard(ctx context.Context, contentID string, total int) {
	for i := 0; i < total; i++ {
		if err := s.store.Delete(ctx, ChunkKey(contentID, i)); err != nil {
			s.log.Warn().Err(err).Str("content_id", contentID).Int("chunk_index", i).Msg("failed to delete chunk")
		}
	}
	if err := s.tracker.Clear(ctx, contentID); err != nil {
		s.log.Warn().Err(err).Str("content_id", contentID).Msg("failed to clear chunk set")
	}
}

// GetStatus returns the current content item
func (s *Service) GetStatus(ctx context.Context, contentID string) (*pipeline.ContentItem, error) {
	return s.machine.Get(ctx, contentID)
}

// ListByUser returns every upload of a user, newest first
func (s *Service) ListByUser(ctx context.Context, userID string) ([]*pipeline.ContentItem, error) {
	return s.machine.Repository().ListByUser(ctx, userID)
}

// Cancel stops an upload. Chunks of an upload still in UPLOADING are removed.
func (s *Service) Cancel(ctx context.Context, contentID, reason string) (*pipeline.ContentItem, error) {
	return s.stop(ctx, contentID, func() (*pipeline.ContentItem, error) {
		return s.machine.Cancel(ctx, contentID, reason)
	})
}

// Expire marks an upload as expired
func (s *Service) Expire(ctx context.Context, contentID, reason string) (*pipeline.ContentItem, error) {
	return s.stop(ctx, contentID, func() (*pipeline.ContentItem, error) {
		return s.machine.Expire(ctx, contentID, reason)
	})
}

func (s *Service) stop(ctx context.Context, contentID string, transition func() (*pipeline.ContentItem, error)) (*pipeline.ContentItem, error) {
	before, err := s.machine.Get(ctx, contentID)
	if err != nil {
		return nil, err
	}
	item, err := transition()
	if err != nil {
		return item, err
	}
	if before.Status == pipeline.StatusUploading {
		s.discard(ctx, contentID, before.TotalChunks)
	}
	return item, nil
}
