package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ava-labs/users-consumer/pkg/metrics"
	"go.uber.org/zap"

	cKafka "github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// ReceivedTemplate is the line logged for every consumed message.
const ReceivedTemplate = "Received message from Kafka: %s"

// PayloadFormat controls how a payload is rendered before logging.
type PayloadFormat string

const (
	// PayloadRaw logs the payload bytes verbatim.
	PayloadRaw PayloadFormat = "raw"
	// PayloadJSON requires a JSON payload and logs it compacted.
	PayloadJSON PayloadFormat = "json"
)

var ErrInvalidJSONPayload = errors.New("payload is not valid JSON")

// ParsePayloadFormat accepts "raw", "json", or "" (raw).
func ParsePayloadFormat(s string) (PayloadFormat, error) {
	switch PayloadFormat(s) {
	case "", PayloadRaw:
		return PayloadRaw, nil
	case PayloadJSON:
		return PayloadJSON, nil
	default:
		return "", fmt.Errorf("unknown payload format %q (want %q or %q)", s, PayloadRaw, PayloadJSON)
	}
}

// MessageLogger writes one Info line per message of a batch, in batch order.
// It keeps no state between batches and is safe for concurrent use.
type MessageLogger struct {
	log     *zap.SugaredLogger
	format  PayloadFormat
	metrics *metrics.Metrics
}

// NewMessageLogger creates a MessageLogger. metrics may be nil.
func NewMessageLogger(log *zap.SugaredLogger, format PayloadFormat, m *metrics.Metrics) *MessageLogger {
	if format == "" {
		format = PayloadRaw
	}
	return &MessageLogger{
		log:     log,
		format:  format,
		metrics: m,
	}
}

// ProcessBatch logs every message of batch. With the raw format it never
// fails. With the JSON format it stops at the first invalid payload; lines
// for the messages before it have already been written.
func (p *MessageLogger) ProcessBatch(_ context.Context, batch []*cKafka.Message) error {
	logged := 0
	defer func() { p.metrics.AddMessagesLogged(logged) }()

	for _, msg := range batch {
		if msg == nil {
			continue
		}
		payload, err := p.render(msg.Value)
		if err != nil {
			return fmt.Errorf("partition %d offset %d: %w",
				msg.TopicPartition.Partition, msg.TopicPartition.Offset, err)
		}
		p.log.Infof(ReceivedTemplate, payload)
		logged++
	}
	return nil
}

func (p *MessageLogger) render(value []byte) (string, error) {
	if p.format != PayloadJSON {
		return string(value), nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, value); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidJSONPayload, err)
	}
	return buf.String(), nil
}
