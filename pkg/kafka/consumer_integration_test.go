//go:build integration

package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ava-labs/users-consumer/pkg/kafka/processor"
	"github.com/ava-labs/users-consumer/pkg/kafka/testutils"
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	testKafka "github.com/testcontainers/testcontainers-go/modules/kafka"
	"go.uber.org/zap/zapcore"
)

// setupKafka starts a Kafka container and returns the bootstrap servers
func setupKafka(t *testing.T, ctx context.Context) string {
	kafkaContainer, err := testKafka.Run(ctx,
		"confluentinc/confluent-local:7.5.0",
		testKafka.WithClusterID("test-cluster"),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(kafkaContainer); err != nil {
			t.Logf("failed to terminate kafka container: %s", err)
		}
	})

	bootstrapServers, err := kafkaContainer.Brokers(ctx)
	require.NoError(t, err)
	return bootstrapServers[0]
}

func createTopic(t *testing.T, bootstrapServers, topic string, partitions int) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := EnsureTopics(ctx, bootstrapServers, []TopicConfig{
		{Name: topic, NumPartitions: partitions, ReplicationFactor: 1},
	}, testutils.NewTestLogger(t))
	require.NoError(t, err)
}

func produceTestMessages(t *testing.T, bootstrapServers, topic string, payloads ...string) {
	config := &kafka.ConfigMap{
		"bootstrap.servers": bootstrapServers,
		"acks":              "all",
	}

	producer, err := NewProducer(context.Background(), config, testutils.NewTestLogger(t))
	require.NoError(t, err)
	defer producer.Close(5 * time.Second)

	msgs := make([]Msg, len(payloads))
	for i, p := range payloads {
		msgs[i] = Msg{Topic: topic, Key: []byte(fmt.Sprintf("key-%d", i)), Value: []byte(p)}
	}
	require.NoError(t, producer.ProduceAll(context.Background(), msgs))
}

func numberedPayloads(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("user-%d", i)
	}
	return out
}

// readMessages consumes count messages from topic with a fresh group.
func readMessages(t *testing.T, bootstrapServers, topic string, count int) []*kafka.Message {
	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers": bootstrapServers,
		"group.id":          "reader-" + topic,
		"auto.offset.reset": "earliest",
	})
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.SubscribeTopics([]string{topic}, nil))

	var out []*kafka.Message
	deadline := time.Now().Add(30 * time.Second)
	for len(out) < count && time.Now().Before(deadline) {
		msg, err := c.ReadMessage(time.Second)
		if err != nil {
			continue
		}
		out = append(out, msg)
	}
	require.Len(t, out, count)
	return out
}

func startConsumer(t *testing.T, ctx context.Context, cfg ConsumerConfig, proc processor.BatchProcessor) (context.CancelFunc, <-chan error) {
	consumer, err := NewConsumer(ctx, testutils.NewTestLogger(t), cfg, proc, nil)
	require.NoError(t, err)

	consumerCtx, consumerCancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() {
		errCh <- consumer.Start(consumerCtx)
	}()
	return consumerCancel, errCh
}

func integrationConfig(bootstrapServers, topic string) ConsumerConfig {
	return ConsumerConfig{
		BootstrapServers:            bootstrapServers,
		GroupID:                     topic + "-group",
		Topic:                       topic,
		DLQTopic:                    topic + "-dlq",
		Concurrency:                 2,
		MaxBatchSize:                5,
		MaxBatchWait:                durationPtr(200 * time.Millisecond),
		AutoOffsetReset:             "earliest",
		OffsetManagerCommitInterval: 500 * time.Millisecond,
	}
}

func TestConsumerIntegration_LogsEveryMessage(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	bootstrapServers := setupKafka(t, ctx)
	topic := "users-e2e"
	createTopic(t, bootstrapServers, topic, 1)

	payloads := numberedPayloads(12)
	produceTestMessages(t, bootstrapServers, topic, payloads...)

	log, logs := testutils.NewObservedLogger(zapcore.InfoLevel)
	proc := processor.NewMessageLogger(log, processor.PayloadRaw, nil)

	stop, errCh := startConsumer(t, ctx, integrationConfig(bootstrapServers, topic), proc)

	require.Eventually(t, func() bool {
		return logs.FilterMessageSnippet("Received message from Kafka: ").Len() == len(payloads)
	}, 30*time.Second, 100*time.Millisecond)

	stop()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(30 * time.Second):
		t.Fatal("consumer did not shut down within timeout")
	}

	entries := logs.FilterMessageSnippet("Received message from Kafka: ").AllUntimed()
	for i, entry := range entries {
		assert.Equal(t, "Received message from Kafka: "+payloads[i], entry.Message)
		assert.Equal(t, zapcore.InfoLevel, entry.Level)
	}
}

func TestConsumerIntegration_CommittedOffsetsSurviveRestart(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	bootstrapServers := setupKafka(t, ctx)
	topic := "users-restart"
	createTopic(t, bootstrapServers, topic, 1)
	cfg := integrationConfig(bootstrapServers, topic)

	produceTestMessages(t, bootstrapServers, topic, numberedPayloads(10)...)

	var firstRun atomic.Int32
	proc := &testutils.MockProcessor{}
	proc.On("ProcessBatch", mock.Anything, mock.Anything).Return(nil).Run(func(args mock.Arguments) {
		firstRun.Add(int32(len(args.Get(1).([]*kafka.Message))))
	})
	stop, errCh := startConsumer(t, ctx, cfg, proc)
	require.Eventually(t, func() bool { return firstRun.Load() == 10 }, 30*time.Second, 100*time.Millisecond)
	stop()
	require.NoError(t, <-errCh)

	// only the new messages are seen after a restart in the same group
	produceTestMessages(t, bootstrapServers, topic, "late-1", "late-2")

	var secondRun atomic.Int32
	proc2 := &testutils.MockProcessor{}
	proc2.On("ProcessBatch", mock.Anything, mock.Anything).Return(nil).Run(func(args mock.Arguments) {
		secondRun.Add(int32(len(args.Get(1).([]*kafka.Message))))
	})
	stop, errCh = startConsumer(t, ctx, cfg, proc2)
	require.Eventually(t, func() bool { return secondRun.Load() >= 2 }, 30*time.Second, 100*time.Millisecond)
	time.Sleep(time.Second)
	stop()
	require.NoError(t, <-errCh)
	assert.Equal(t, int32(2), secondRun.Load())
}

func TestConsumerIntegration_DLQ_ProcessingFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	bootstrapServers := setupKafka(t, ctx)
	topic := "users-dlq-test"
	cfg := integrationConfig(bootstrapServers, topic)
	cfg.PublishToDLQ = true
	createTopic(t, bootstrapServers, topic, 1)
	createTopic(t, bootstrapServers, cfg.DLQTopic, 1)

	produceTestMessages(t, bootstrapServers, topic, `{"id":1}`, `not json`, `{"id":3}`)

	log, _ := testutils.NewObservedLogger(zapcore.InfoLevel)
	proc := processor.NewMessageLogger(log, processor.PayloadJSON, nil)
	stop, errCh := startConsumer(t, ctx, cfg, proc)

	dlq := readMessages(t, bootstrapServers, cfg.DLQTopic, 3)
	stop()
	require.NoError(t, <-errCh)

	headers := map[string]string{}
	for _, h := range dlq[1].Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, topic, headers[HeaderOriginalTopic])
	assert.Equal(t, "0", headers[HeaderOriginalPartition])
	assert.Equal(t, "1", headers[HeaderOriginalOffset])
	assert.Contains(t, headers[HeaderError], "offset 1")
	assert.Equal(t, "not json", string(dlq[1].Value))
}

func TestConsumerIntegration_FailureWithoutDLQStopsConsumer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	bootstrapServers := setupKafka(t, ctx)
	topic := "users-fail"
	createTopic(t, bootstrapServers, topic, 1)
	produceTestMessages(t, bootstrapServers, topic, "a")

	proc := &testutils.MockProcessor{}
	proc.On("ProcessBatch", mock.Anything, mock.Anything).Return(errors.New("sink unavailable"))

	_, errCh := startConsumer(t, ctx, integrationConfig(bootstrapServers, topic), proc)

	select {
	case err := <-errCh:
		require.ErrorContains(t, err, "sink unavailable")
	case <-time.After(30 * time.Second):
		t.Fatal("consumer did not stop after a processing failure")
	}
}

func TestConsumerIntegration_MultiplePartitions(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	bootstrapServers := setupKafka(t, ctx)
	topic := "users-multipart"
	createTopic(t, bootstrapServers, topic, 4)

	messageCount := 40
	produceTestMessages(t, bootstrapServers, topic, numberedPayloads(messageCount)...)

	partitionCounts := make(map[int32]*atomic.Int32)
	for i := range 4 {
		partitionCounts[int32(i)] = &atomic.Int32{}
	}

	proc := &testutils.MockProcessor{}
	proc.On("ProcessBatch", mock.Anything, mock.Anything).Return(nil).Run(func(args mock.Arguments) {
		batch := args.Get(1).([]*kafka.Message)
		for _, msg := range batch {
			assert.Equal(t, batch[0].TopicPartition.Partition, msg.TopicPartition.Partition, "batch mixes partitions")
		}
		partitionCounts[batch[0].TopicPartition.Partition].Add(int32(len(batch)))
	})

	stop, errCh := startConsumer(t, ctx, integrationConfig(bootstrapServers, topic), proc)

	require.Eventually(t, func() bool {
		total := int32(0)
		for _, counter := range partitionCounts {
			total += counter.Load()
		}
		return total == int32(messageCount)
	}, 30*time.Second, 100*time.Millisecond, "expected all messages to be processed")

	stop()
	require.NoError(t, <-errCh)

	for partition, counter := range partitionCounts {
		assert.Greater(t, counter.Load(), int32(0), "partition %d should have processed messages", partition)
	}
}

func TestEnsureTopicsIntegration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	bootstrapServers := setupKafka(t, ctx)
	log := testutils.NewTestLogger(t)

	require.NoError(t, EnsureTopics(ctx, bootstrapServers, []TopicConfig{{Name: "users-admin", NumPartitions: 2, ReplicationFactor: 1}}, log))
	// idempotent, then grow
	require.NoError(t, EnsureTopics(ctx, bootstrapServers, []TopicConfig{{Name: "users-admin", NumPartitions: 2, ReplicationFactor: 1}}, log))
	require.NoError(t, EnsureTopics(ctx, bootstrapServers, []TopicConfig{{Name: "users-admin", NumPartitions: 3, ReplicationFactor: 1}}, log))

	err := EnsureTopics(ctx, bootstrapServers, []TopicConfig{{Name: "users-admin", NumPartitions: 1, ReplicationFactor: 1}}, log)
	require.ErrorIs(t, err, ErrTooManyPartitions)

	admin, err := kafka.NewAdminClient(&kafka.ConfigMap{"bootstrap.servers": bootstrapServers})
	require.NoError(t, err)
	defer admin.Close()
	md, err := LookupTopic(admin, "users-admin")
	require.NoError(t, err)
	require.NotNil(t, md)
	require.Len(t, md.Partitions, 3)
}

func TestProducerIntegration_HeadersRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	bootstrapServers := setupKafka(t, ctx)
	topic := "users-headers"
	createTopic(t, bootstrapServers, topic, 1)

	producer, err := NewProducer(ctx, &kafka.ConfigMap{"bootstrap.servers": bootstrapServers}, testutils.NewTestLogger(t))
	require.NoError(t, err)
	require.NoError(t, producer.Produce(ctx, Msg{
		Topic:   topic,
		Key:     []byte("k"),
		Value:   []byte("v"),
		Headers: map[string]string{"b": "2", "a": "1"},
	}))
	producer.Close(5 * time.Second)

	msgs := readMessages(t, bootstrapServers, topic, 1)
	require.Equal(t, []kafka.Header{{Key: "a", Value: []byte("1")}, {Key: "b", Value: []byte("2")}}, msgs[0].Headers)
	require.Equal(t, "v", string(msgs[0].Value))
}
