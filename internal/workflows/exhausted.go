package workflows

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/tendant/chunked-content-pipeline/internal/bus"
	"github.com/tendant/chunked-content-pipeline/internal/content"
	"github.com/tendant/chunked-content-pipeline/internal/retry"
	"github.com/tendant/chunked-content-pipeline/pkg/pipeline"
)

// FailOnExhausted returns the retry hook that forces the item of a
// dead-lettered delivery into FAILED with the triggering error
func FailOnExhausted(machine *content.Machine, log zerolog.Logger) retry.ExhaustedFunc {
	log = log.With().Str("component", "dead-letter").Logger()
	return func(ctx context.Context, d *bus.Delivery, cause error) {
		id := d.Header(bus.HeaderContentID)
		if id == "" {
			if msg, err := content.DecodeStage(d.Body); err == nil {
				id = msg.ContentID
			}
		}
		if id == "" {
			log.Warn().Str("message_id", d.ID).Str("queue", d.Queue).Msg("dead-lettered message names no content")
			return
		}

		// the item is failed even when the delivery context is done
		ctx = context.WithoutCancel(ctx)
		_, err := machine.Fail(ctx, id, "processing failed: "+cause.Error())
		switch {
		case err == nil:
		case errors.Is(err, pipeline.ErrIllegalTransition), errors.Is(err, content.ErrNotFound):
			log.Debug().Err(err).Str("content_id", id).Msg("content already finished")
		default:
			log.Error().Err(err).Str("content_id", id).Msg("failed to fail content")
		}
	}
}
