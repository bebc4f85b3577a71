package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

const metadataTimeout = 10 * time.Second

// ErrTooManyPartitions means a topic already has more partitions than
// requested. Kafka never shrinks a topic, so this needs an operator.
var ErrTooManyPartitions = errors.New("topic has more partitions than configured")

// topicAdmin is the part of *kafka.AdminClient that topic provisioning needs.
type topicAdmin interface {
	GetMetadata(topic *string, allTopics bool, timeoutMs int) (*kafka.Metadata, error)
	CreateTopics(ctx context.Context, topics []kafka.TopicSpecification, options ...kafka.CreateTopicsAdminOption) ([]kafka.TopicResult, error)
	CreatePartitions(ctx context.Context, partitions []kafka.PartitionsSpecification, options ...kafka.CreatePartitionsAdminOption) ([]kafka.TopicResult, error)
}

// TopicConfig describes a topic the consumer expects to find on the cluster.
type TopicConfig struct {
	Name              string
	NumPartitions     int
	ReplicationFactor int
}

func (tc TopicConfig) Validate() error {
	var errs []error
	if tc.Name == "" {
		errs = append(errs, errors.New("topic name is required"))
	}
	if tc.NumPartitions < 1 {
		errs = append(errs, fmt.Errorf("partitions must be positive, got %d", tc.NumPartitions))
	}
	if tc.ReplicationFactor < 1 {
		errs = append(errs, fmt.Errorf("replication factor must be positive, got %d", tc.ReplicationFactor))
	}
	return errors.Join(errs...)
}

// EnsureTopics provisions the users topic and, when configured, its DLQ
// through a short-lived admin client. It stops at the first topic that fails.
func EnsureTopics(ctx context.Context, bootstrapServers string, topics []TopicConfig, log *zap.SugaredLogger) error {
	admin, err := kafka.NewAdminClient(&kafka.ConfigMap{"bootstrap.servers": bootstrapServers})
	if err != nil {
		return fmt.Errorf("failed to create kafka admin client: %w", err)
	}
	defer admin.Close()

	for _, tc := range topics {
		if err := EnsureTopic(ctx, admin, tc, log); err != nil {
			return fmt.Errorf("topic %q: %w", tc.Name, err)
		}
	}
	return nil
}

// LookupTopic returns the metadata of name, or nil when the cluster does not
// know the topic.
func LookupTopic(admin topicAdmin, name string) (*kafka.TopicMetadata, error) {
	md, err := admin.GetMetadata(&name, false, int(metadataTimeout.Milliseconds()))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch metadata: %w", err)
	}

	tm, ok := md.Topics[name]
	switch {
	case !ok, tm.Error.Code() == kafka.ErrUnknownTopicOrPart:
		return nil, nil
	case tm.Error.Code() != kafka.ErrNoError:
		return nil, fmt.Errorf("metadata for %q: %w", name, tm.Error)
	}
	return &tm, nil
}

// EnsureTopic makes the cluster match tc as far as Kafka allows: a missing
// topic is created and a smaller one is grown. A larger topic fails with
// ErrTooManyPartitions; a replication mismatch is only reported.
func EnsureTopic(ctx context.Context, admin topicAdmin, tc TopicConfig, log *zap.SugaredLogger) error {
	if err := tc.Validate(); err != nil {
		return fmt.Errorf("invalid topic config: %w", err)
	}

	tm, err := LookupTopic(admin, tc.Name)
	if err != nil {
		return fmt.Errorf("failed to look up topic: %w", err)
	}
	if tm == nil {
		return createTopic(ctx, admin, tc, log)
	}

	have := len(tm.Partitions)
	if rf := replicationFactor(tm); rf != tc.ReplicationFactor {
		log.Warnw("replication factor mismatch, leaving topic as is",
			"topic", tc.Name,
			"have", rf,
			"want", tc.ReplicationFactor,
		)
	}

	if have > tc.NumPartitions {
		return fmt.Errorf("%w: %q has %d, want %d", ErrTooManyPartitions, tc.Name, have, tc.NumPartitions)
	}
	if have < tc.NumPartitions {
		return growPartitions(ctx, admin, tc, have, log)
	}
	log.Debugw("topic up to date", "topic", tc.Name, "partitions", have)
	return nil
}

func createTopic(ctx context.Context, admin topicAdmin, tc TopicConfig, log *zap.SugaredLogger) error {
	results, err := admin.CreateTopics(ctx, []kafka.TopicSpecification{{
		Topic:             tc.Name,
		NumPartitions:     tc.NumPartitions,
		ReplicationFactor: tc.ReplicationFactor,
	}})
	if err != nil {
		return fmt.Errorf("create topics request: %w", err)
	}
	// another instance may have won the race
	if err := resultError(results, kafka.ErrTopicAlreadyExists); err != nil {
		return fmt.Errorf("failed to create topic: %w", err)
	}
	log.Infow("topic ready",
		"topic", tc.Name,
		"partitions", tc.NumPartitions,
		"replicationFactor", tc.ReplicationFactor,
	)
	return nil
}

func growPartitions(ctx context.Context, admin topicAdmin, tc TopicConfig, have int, log *zap.SugaredLogger) error {
	results, err := admin.CreatePartitions(ctx, []kafka.PartitionsSpecification{{
		Topic:      tc.Name,
		IncreaseTo: tc.NumPartitions,
	}})
	if err != nil {
		return fmt.Errorf("create partitions request: %w", err)
	}
	if err := resultError(results); err != nil {
		return fmt.Errorf("failed to add partitions: %w", err)
	}
	log.Infow("topic partitions added", "topic", tc.Name, "from", have, "to", tc.NumPartitions)
	return nil
}

// resultError returns the first per-topic error whose code is not in ok.
func resultError(results []kafka.TopicResult, ok ...kafka.ErrorCode) error {
	for _, r := range results {
		code := r.Error.Code()
		if code == kafka.ErrNoError {
			continue
		}
		accepted := false
		for _, c := range ok {
			accepted = accepted || code == c
		}
		if !accepted {
			return fmt.Errorf("%s: %w", r.Topic, r.Error)
		}
	}
	return nil
}

// replicationFactor reads the replica count of the first partition; 0 for a
// topic without partitions.
func replicationFactor(tm *kafka.TopicMetadata) int {
	if len(tm.Partitions) == 0 {
		return 0
	}
	return len(tm.Partitions[0].Replicas)
}
