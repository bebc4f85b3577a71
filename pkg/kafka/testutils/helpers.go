package testutils

import (
	"testing"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

// NewTestLogger creates a test logger that writes to testing.T
func NewTestLogger(t *testing.T) *zap.SugaredLogger {
	return zaptest.NewLogger(t).Sugar()
}

// NewObservedLogger creates a logger whose entries at level and above are
// captured in memory.
func NewObservedLogger(level zapcore.Level) (*zap.SugaredLogger, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	return zap.New(core).Sugar(), logs
}

// NewTestMessage creates a test Kafka message with the given topic, partition, and offset
func NewTestMessage(topic string, partition int32, offset int64, key, value []byte) *kafka.Message {
	return &kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &topic,
			Partition: partition,
			Offset:    kafka.Offset(offset),
		},
		Key:   key,
		Value: value,
	}
}

// NewTestBatch creates consecutive messages on one partition starting at
// firstOffset, one per payload.
func NewTestBatch(topic string, partition int32, firstOffset int64, payloads ...string) []*kafka.Message {
	batch := make([]*kafka.Message, len(payloads))
	for i, p := range payloads {
		batch[i] = NewTestMessage(topic, partition, firstOffset+int64(i), nil, []byte(p))
	}
	return batch
}
