package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Gopher0727/ChatCore/internal/model"
)

// MessageExporter publishes persisted messages for downstream consumers,
// keyed by room so a room's messages share a partition.
type MessageExporter struct {
	producer *Producer
	topic    string
}

// NewMessageExporter exports messages to topic, keyed by room.
func NewMessageExporter(producer *Producer, topic string) *MessageExporter {
	return &MessageExporter{producer: producer, topic: topic}
}

// Export produces msg as JSON with retries.
func (e *MessageExporter) Export(ctx context.Context, msg *model.Message) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message %d: %w", msg.ID, err)
	}
	_, _, err = e.producer.Produce(ctx, e.topic, []byte(msg.Room), value)
	return err
}
