package kafka

import (
	"errors"
	"fmt"
	"time"
)

// Default values for the batching consumer
const (
	DefaultSessionTimeout       = 240 * time.Second
	DefaultMaxPollInterval      = 3400 * time.Second
	DefaultFlushTimeout         = 15 * time.Second
	DefaultGoroutineWaitTimeout = 30 * time.Second
	DefaultMaxBatchWait         = time.Second
	DefaultProcessingTimeout    = 60 * time.Second
	DefaultPollInterval         = 100 * time.Millisecond

	DefaultMaxBatchSize = 100
	DefaultConcurrency  = 1
)

// ConsumerConfig holds the configuration for a Kafka consumer. Nil durations
// and non-positive sizes are filled in by WithDefaults.
type ConsumerConfig struct {
	DLQTopic                    string         // Dead letter queue topic for failed batches
	Topic                       string         // Primary topic to consume from
	BootstrapServers            string         // Kafka broker addresses
	GroupID                     string         // Consumer group ID for offset management
	ClientID                    string         // client.id; generated when empty
	AutoOffsetReset             string         // Offset reset strategy: "earliest" or "latest"
	Concurrency                 int64          // Maximum batches processed at once across partitions
	MaxBatchSize                int            // Messages per batch before it is dispatched
	OffsetManagerCommitInterval time.Duration  // Interval for committing offsets
	MaxBatchWait                *time.Duration // Longest a partial batch waits before dispatch
	ProcessingTimeout           *time.Duration // Deadline for processing one batch
	SessionTimeout              *time.Duration // Session timeout for Kafka consumer
	MaxPollInterval             *time.Duration // Max poll interval for Kafka consumer
	FlushTimeout                *time.Duration // Flush timeout for the DLQ producer
	GoroutineWaitTimeout        *time.Duration // Worker wait timeout while closing the Kafka consumer
	PollInterval                *time.Duration // Poll timeout for each consumer poll
	EnableLogs                  bool           // Enable librdkafka client logs
	PublishToDLQ                bool           // If false, a failed batch stops the consumer
}

// WithDefaults returns a copy of the config with default values filled in for any nil pointer fields
// and non-positive sizes. This method does not mutate the original config.
func (c ConsumerConfig) WithDefaults() ConsumerConfig {
	if c.SessionTimeout == nil {
		timeout := DefaultSessionTimeout
		c.SessionTimeout = &timeout
	}
	if c.MaxPollInterval == nil {
		interval := DefaultMaxPollInterval
		c.MaxPollInterval = &interval
	}
	if c.FlushTimeout == nil {
		timeout := DefaultFlushTimeout
		c.FlushTimeout = &timeout
	}
	if c.GoroutineWaitTimeout == nil {
		timeout := DefaultGoroutineWaitTimeout
		c.GoroutineWaitTimeout = &timeout
	}
	if c.MaxBatchWait == nil {
		wait := DefaultMaxBatchWait
		c.MaxBatchWait = &wait
	}
	if c.ProcessingTimeout == nil {
		timeout := DefaultProcessingTimeout
		c.ProcessingTimeout = &timeout
	}
	if c.PollInterval == nil {
		interval := DefaultPollInterval
		c.PollInterval = &interval
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.OffsetManagerCommitInterval <= 0 {
		c.OffsetManagerCommitInterval = OffsetManagerCommitInterval
	}
	return c
}

// Validate reports missing or inconsistent settings.
func (c ConsumerConfig) Validate() error {
	var errs []error
	if c.BootstrapServers == "" {
		errs = append(errs, errors.New("bootstrap servers must be set"))
	}
	if c.GroupID == "" {
		errs = append(errs, errors.New("group id must be set"))
	}
	if c.Topic == "" {
		errs = append(errs, errors.New("topic must be set"))
	}
	if c.AutoOffsetReset != "earliest" && c.AutoOffsetReset != "latest" {
		errs = append(errs, fmt.Errorf("auto offset reset must be earliest or latest, got %q", c.AutoOffsetReset))
	}
	if c.PublishToDLQ && c.DLQTopic == "" {
		errs = append(errs, errors.New("dlq topic must be set when publishing to dlq"))
	}
	if c.PublishToDLQ && c.DLQTopic == c.Topic {
		errs = append(errs, errors.New("dlq topic must differ from the consumed topic"))
	}
	return errors.Join(errs...)
}
