package processor

import (
	"context"

	cKafka "github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// BatchProcessor handles one batch of messages from a single partition.
// Messages are in offset order. A returned error fails the whole batch.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, batch []*cKafka.Message) error
}
