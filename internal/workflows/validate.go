package workflows

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/tendant/chunked-content-pipeline/internal/bus"
	"github.com/tendant/chunked-content-pipeline/internal/codec"
	"github.com/tendant/chunked-content-pipeline/internal/content"
	"github.com/tendant/chunked-content-pipeline/internal/storage"
	"github.com/tendant/chunked-content-pipeline/internal/validation"
	"github.com/tendant/chunked-content-pipeline/pkg/pipeline"
)

var validateStep = step{
	from:    pipeline.StatusUploaded,
	working: pipeline.StatusValidating,
	done:    pipeline.StatusValidated,
	next:    bus.ProcessingKey,
}

// ValidateStage runs the validation table over the assembled object
type ValidateStage struct {
	Deps
	table *validation.Table
	// maxRead caps how much of the object is loaded; 0 reads everything
	maxRead int64
}

// NewValidateStage creates the validation stage. Objects larger than
// maxBytes are only read up to maxBytes+1 so the size check still fails them.
func NewValidateStage(deps Deps, table *validation.Table, maxBytes int64) *ValidateStage {
	deps.Log = deps.Log.With().Str("stage", "validate").Logger()
	s := &ValidateStage{Deps: deps, table: table}
	if maxBytes > 0 {
		s.maxRead = maxBytes + 1
	}
	return s
}

func (s *ValidateStage) Name() string  { return "validate" }
func (s *ValidateStage) Queue() string { return bus.ValidationQueue }

func (s *ValidateStage) Handle(ctx context.Context, d *bus.Delivery) error {
	item, err := s.enter(ctx, d, validateStep)
	if err != nil || item == nil {
		return err
	}

	data, err := s.load(ctx, item.SourceKey)
	if err != nil {
		return err
	}

	result, err := s.table.Validate(ctx, item, data)
	if err != nil {
		return err
	}
	if err := s.publishResult(ctx, item, result); err != nil {
		return err
	}

	if !result.Valid {
		failed, applied, err := s.finish(ctx, item, pipeline.StatusValidationFailed, content.WithError(result.ErrorMessage))
		if err != nil || !applied {
			return err
		}
		return content.Forward(ctx, s.Bus, bus.NotificationKey, failed)
	}

	validated, applied, err := s.finish(ctx, item, pipeline.StatusValidated)
	if err != nil || !applied {
		return err
	}
	return content.Forward(ctx, s.Bus, validateStep.next, validated)
}

// load reads the object at key. A missing object yields nil data, which the
// validators report as a fatal issue.
func (s *ValidateStage) load(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, nil
	}
	rc, err := s.Store.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var r io.Reader = rc
	if s.maxRead > 0 {
		r = io.LimitReader(rc, s.maxRead)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

func (s *ValidateStage) publishResult(ctx context.Context, item *pipeline.ContentItem, result *pipeline.ValidationResult) error {
	body, err := codec.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode validation result: %w", err)
	}
	msg := bus.Message{
		ID:          item.ContentID + "-validation",
		Body:        body,
		Priority:    item.Priority.Weight(),
		PublishedAt: time.Now().UTC(),
	}
	msg.SetHeader(bus.HeaderContentID, item.ContentID)
	if err := s.Bus.Publish(ctx, bus.ContentExchange, bus.ValidationResultKey, msg); err != nil {
		return fmt.Errorf("failed to publish validation result: %w", err)
	}
	return nil
}

// DecodeValidationResult parses a content.validation.result message body
func DecodeValidationResult(body []byte) (*pipeline.ValidationResult, error) {
	var res pipeline.ValidationResult
	if err := codec.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("failed to decode validation result: %w", err)
	}
	return &res, nil
}
