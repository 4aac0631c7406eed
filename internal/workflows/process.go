package workflows

import (
	"context"
	"errors"

	"github.com/tendant/chunked-content-pipeline/internal/bus"
	"github.com/tendant/chunked-content-pipeline/internal/content"
	"github.com/tendant/chunked-content-pipeline/internal/processing"
	"github.com/tendant/chunked-content-pipeline/internal/retry"
	"github.com/tendant/chunked-content-pipeline/internal/storage"
	"github.com/tendant/chunked-content-pipeline/pkg/pipeline"
)

var processStep = step{
	from:    pipeline.StatusValidated,
	working: pipeline.StatusProcessing,
	done:    pipeline.StatusProcessed,
	next:    bus.StorageKey,
}

// ProcessStage derives the processed variant of a validated item
type ProcessStage struct {
	Deps
	table *processing.Table
}

func NewProcessStage(deps Deps, table *processing.Table) *ProcessStage {
	deps.Log = deps.Log.With().Str("stage", "process").Logger()
	return &ProcessStage{Deps: deps, table: table}
}

func (s *ProcessStage) Name() string  { return "process" }
func (s *ProcessStage) Queue() string { return bus.ProcessingQueue }

func (s *ProcessStage) Handle(ctx context.Context, d *bus.Delivery) error {
	item, err := s.enter(ctx, d, processStep)
	if err != nil || item == nil {
		return err
	}

	out, err := s.table.Process(ctx, item)
	switch {
	case errors.Is(err, processing.ErrUnprocessable):
		return retry.Permanent(err)
	case errors.Is(err, storage.ErrNotFound):
		return retry.Permanent(errors.Join(ErrMissingSource, err))
	case err != nil:
		return err
	}

	var opts []content.Option
	if out != nil {
		opts = append(opts, content.WithProcessedKey(out.Key))
	}
	processed, applied, err := s.finish(ctx, item, pipeline.StatusProcessed, opts...)
	if err != nil || !applied {
		return err
	}
	return content.Forward(ctx, s.Bus, processStep.next, processed)
}
