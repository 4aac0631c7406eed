package content

import (
	"context"
	"fmt"

	"github.com/tendant/chunked-content-pipeline/internal/bus"
	"github.com/tendant/chunked-content-pipeline/internal/codec"
	"github.com/tendant/chunked-content-pipeline/pkg/pipeline"
)

// Forward publishes item to the stage bound to routingKey. The message id
// is derived from the item's status so a repeated forward of the same step
// carries the same id.
func Forward(ctx context.Context, b bus.Bus, routingKey string, item *pipeline.ContentItem) error {
	body, err := codec.Marshal(pipeline.StageMessage{
		ContentID: item.ContentID,
		UserID:    item.UserID,
		Status:    item.Status,
		Priority:  item.Priority,
	})
	if err != nil {
		return fmt.Errorf("failed to encode stage message: %w", err)
	}

	msg := bus.Message{
		ID:       fmt.Sprintf("%s-%s", item.ContentID, item.Status),
		Body:     body,
		Priority: item.Priority.Weight(),
	}
	msg.SetHeader(bus.HeaderContentID, item.ContentID)

	if err := b.Publish(ctx, bus.ContentExchange, routingKey, msg); err != nil {
		return fmt.Errorf("failed to forward %s to %s: %w", item.ContentID, routingKey, err)
	}
	return nil
}

// DecodeStage parses a stage message body
func DecodeStage(body []byte) (pipeline.StageMessage, error) {
	var msg pipeline.StageMessage
	if err := codec.Unmarshal(body, &msg); err != nil {
		return msg, fmt.Errorf("failed to decode stage message: %w", err)
	}
	if msg.ContentID == "" {
		return msg, fmt.Errorf("stage message has no content id")
	}
	return msg, nil
}
