package workflows

import (
	"context"

	"github.com/tendant/chunked-content-pipeline/internal/bus"
	"github.com/tendant/chunked-content-pipeline/internal/content"
	"github.com/tendant/chunked-content-pipeline/internal/storage"
	"github.com/tendant/chunked-content-pipeline/pkg/pipeline"
)

// ProcessedVariant names the derived object attached to an archived original
const ProcessedVariant = "processed"

var storeStep = step{
	from:    pipeline.StatusProcessed,
	working: pipeline.StatusStoring,
	done:    pipeline.StatusCompleted,
	next:    bus.NotificationKey,
	resume:  []pipeline.Status{pipeline.StatusStored},
}

// StoreStage publishes the original and its processed variant to the
// archive, then completes the item with the access URL
type StoreStage struct {
	Deps
	archive storage.Archive
}

func NewStoreStage(deps Deps, archive storage.Archive) *StoreStage {
	deps.Log = deps.Log.With().Str("stage", "store").Logger()
	return &StoreStage{Deps: deps, archive: archive}
}

func (s *StoreStage) Name() string  { return "store" }
func (s *StoreStage) Queue() string { return bus.StorageQueue }

func (s *StoreStage) Handle(ctx context.Context, d *bus.Delivery) error {
	item, err := s.enter(ctx, d, storeStep)
	if err != nil || item == nil {
		return err
	}

	if item.Status == pipeline.StatusStoring {
		ref, err := s.publish(ctx, item)
		if err != nil {
			return err
		}
		var applied bool
		item, applied, err = s.finish(ctx, item, pipeline.StatusStored,
			content.WithDestinationKey(ref.ID), content.WithAccessURL(ref.AccessURL))
		if err != nil || !applied {
			return err
		}
	}

	completed, applied, err := s.finish(ctx, item, pipeline.StatusCompleted)
	if err != nil || !applied {
		return err
	}
	s.Log.Info().
		Str("content_id", completed.ContentID).
		Str("destination", completed.DestinationKey).
		Str("access_url", completed.AccessURL).
		Msg("content stored")
	return content.Forward(ctx, s.Bus, storeStep.next, completed)
}

func (s *StoreStage) publish(ctx context.Context, item *pipeline.ContentItem) (*storage.ArchiveRef, error) {
	src, err := s.open(ctx, item.SourceKey)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	ref, err := s.archive.Publish(ctx, item, src)
	if err != nil {
		return nil, err
	}

	if item.ProcessedKey != "" {
		processed, err := s.open(ctx, item.ProcessedKey)
		if err != nil {
			return nil, err
		}
		defer processed.Close()

		name := ProcessedVariant + pipeline.FileExtension(item.ProcessedKey, "")
		derivedID, err := s.archive.PublishDerived(ctx, ref.ID, ProcessedVariant, name, processed)
		if err != nil {
			return nil, err
		}
		s.Log.Debug().Str("content_id", item.ContentID).Str("derived_id", derivedID).Msg("processed variant archived")
	}
	return ref, nil
}
