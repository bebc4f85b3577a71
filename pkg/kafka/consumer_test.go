package kafka

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ava-labs/users-consumer/pkg/kafka/processor"
	"github.com/ava-labs/users-consumer/pkg/kafka/testutils"
	"github.com/ava-labs/users-consumer/pkg/metrics"
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

const testTopic = "users"

func testConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		BootstrapServers:     "localhost:9092",
		GroupID:              "users-consumer-group",
		Topic:                testTopic,
		DLQTopic:             "users-dlq",
		AutoOffsetReset:      "earliest",
		Concurrency:          2,
		MaxBatchSize:         2,
		GoroutineWaitTimeout: durationPtr(2 * time.Second),
	}.WithDefaults()
}

// newTestConsumer builds a Consumer without a broker connection. Offsets go
// to the returned fake committer.
func newTestConsumer(t *testing.T, cfg ConsumerConfig, proc processor.BatchProcessor, m *metrics.Metrics) (*Consumer, *fakeCommitter) {
	t.Helper()
	log := testutils.NewTestLogger(t)
	fc := &fakeCommitter{}
	c := newConsumer(log, cfg, proc, m)
	c.offsetManager = NewOffsetManager(t.Context(), fc, time.Hour, cfg.AutoOffsetReset, log, m)
	return c, fc
}

func assignPartitions(t *testing.T, c *Consumer, partitions ...int32) {
	t.Helper()
	tps := make([]kafka.TopicPartition, len(partitions))
	for i, p := range partitions {
		topic := testTopic
		tps[i] = kafka.TopicPartition{Topic: &topic, Partition: p, Offset: 0}
	}
	require.NoError(t, c.handleRebalance(t.Context(), kafka.AssignedPartitions{Partitions: tps}))
}

func revokePartitions(t *testing.T, c *Consumer, partitions ...int32) {
	t.Helper()
	tps := make([]kafka.TopicPartition, len(partitions))
	for i, p := range partitions {
		tps[i] = kafka.TopicPartition{Partition: p}
	}
	require.NoError(t, c.handleRebalance(t.Context(), kafka.RevokedPartitions{Partitions: tps}))
}

// ============================================================================
// NewConsumer Tests
// ============================================================================

func TestNewConsumer_MinimalConfig(t *testing.T) {
	cfg := ConsumerConfig{
		BootstrapServers: "localhost:9092",
		GroupID:          "group",
		Topic:            "topic",
		AutoOffsetReset:  "earliest",
	}

	consumer, err := NewConsumer(t.Context(), testutils.NewTestLogger(t), cfg, &testutils.MockProcessor{}, nil)
	require.NoError(t, err)
	require.NotNil(t, consumer)
	defer consumer.consumer.Close()

	assert.Equal(t, "topic", consumer.cfg.Topic)
	assert.Equal(t, int64(DefaultConcurrency), consumer.cfg.Concurrency)
	assert.Equal(t, DefaultMaxBatchSize, consumer.cfg.MaxBatchSize)
	assert.Nil(t, consumer.dlqProducer, "no DLQ producer unless publishing to DLQ")
	assert.NotNil(t, consumer.offsetManager)
	assert.NotNil(t, consumer.workers)
	assert.Equal(t, 1, cap(consumer.errCh))
}

func TestNewConsumer_WithDLQ(t *testing.T) {
	cfg := testConsumerConfig()
	cfg.PublishToDLQ = true

	consumer, err := NewConsumer(t.Context(), testutils.NewTestLogger(t), cfg, &testutils.MockProcessor{}, nil)
	require.NoError(t, err)
	defer func() {
		consumer.dlqProducer.Close(time.Second)
		consumer.consumer.Close()
	}()

	require.NotNil(t, consumer.dlqProducer)
}

func TestNewConsumer_InvalidConfig(t *testing.T) {
	cfg := testConsumerConfig()
	cfg.PublishToDLQ = true
	cfg.DLQTopic = cfg.Topic

	_, err := NewConsumer(t.Context(), testutils.NewTestLogger(t), cfg, &testutils.MockProcessor{}, nil)
	require.ErrorContains(t, err, "invalid consumer config")
}

// ============================================================================
// Batch processing
// ============================================================================

func TestConsumer_ProcessBatch_Success(t *testing.T) {
	proc := &testutils.MockProcessor{}
	proc.On("ProcessBatch", mock.Anything, mock.Anything).Return(nil)

	c, fc := newTestConsumer(t, testConsumerConfig(), proc, nil)
	require.NoError(t, c.offsetManager.HandleRebalance(kafka.AssignedPartitions{
		Partitions: []kafka.TopicPartition{{Partition: 0, Offset: 0}},
	}))

	batch := testutils.NewTestBatch(testTopic, 0, 0, "a", "b", "c")
	c.processBatch(t.Context(), 0, batch)
	c.offsetManager.Flush()

	proc.AssertNumberOfCalls(t, "ProcessBatch", 1)
	commits := fc.Commits()
	require.Len(t, commits, 1)
	require.Equal(t, kafka.Offset(3), commits[0].Offset)
	require.Empty(t, c.errCh)
}

func TestConsumer_ProcessBatch_ErrorStopsWithoutDLQ(t *testing.T) {
	proc := &testutils.MockProcessor{}
	proc.On("ProcessBatch", mock.Anything, mock.Anything).Return(errors.New("invalid payload"))

	c, fc := newTestConsumer(t, testConsumerConfig(), proc, nil)
	require.NoError(t, c.offsetManager.HandleRebalance(kafka.AssignedPartitions{
		Partitions: []kafka.TopicPartition{{Partition: 3, Offset: 0}},
	}))

	c.processBatch(t.Context(), 3, testutils.NewTestBatch(testTopic, 3, 0, "a"))
	c.offsetManager.Flush()

	select {
	case err := <-c.errCh:
		require.ErrorContains(t, err, "failed to process batch for partition 3")
		require.ErrorContains(t, err, "invalid payload")
	default:
		t.Fatal("expected an error to be reported")
	}
	require.Empty(t, fc.Commits(), "failed batch must not be committed")
}

func TestConsumer_ProcessBatch_DLQNotConfigured(t *testing.T) {
	proc := &testutils.MockProcessor{}
	proc.On("ProcessBatch", mock.Anything, mock.Anything).Return(errors.New("boom"))

	cfg := testConsumerConfig()
	cfg.PublishToDLQ = true
	c, _ := newTestConsumer(t, cfg, proc, nil)

	c.processBatch(t.Context(), 0, testutils.NewTestBatch(testTopic, 0, 0, "a"))

	err := <-c.errCh
	require.ErrorContains(t, err, "DLQ topic not configured")
}

func TestConsumer_ProcessBatch_Deadline(t *testing.T) {
	var deadline time.Time
	var hasDeadline bool
	proc := &testutils.MockProcessor{}
	proc.On("ProcessBatch", mock.Anything, mock.Anything).Return(nil).Run(func(args mock.Arguments) {
		deadline, hasDeadline = args.Get(0).(context.Context).Deadline()
	})

	cfg := testConsumerConfig()
	cfg.ProcessingTimeout = durationPtr(30 * time.Second)
	c, _ := newTestConsumer(t, cfg, proc, nil)

	before := time.Now()
	c.processBatch(t.Context(), 0, testutils.NewTestBatch(testTopic, 0, 0, "a"))

	require.True(t, hasDeadline)
	require.WithinDuration(t, before.Add(30*time.Second), deadline, time.Second)
}

func TestConsumer_ProcessBatch_TimeoutFailsBatch(t *testing.T) {
	proc := &testutils.MockProcessor{}
	// returns nil only after the deadline has passed
	proc.On("ProcessBatch", mock.Anything, mock.Anything).Return(nil).Run(func(args mock.Arguments) {
		<-args.Get(0).(context.Context).Done()
	})

	cfg := testConsumerConfig()
	cfg.ProcessingTimeout = durationPtr(50 * time.Millisecond)
	c, fc := newTestConsumer(t, cfg, proc, nil)
	require.NoError(t, c.offsetManager.HandleRebalance(kafka.AssignedPartitions{
		Partitions: []kafka.TopicPartition{{Partition: 0, Offset: 0}},
	}))

	c.processBatch(t.Context(), 0, testutils.NewTestBatch(testTopic, 0, 0, "a"))
	c.offsetManager.Flush()

	select {
	case err := <-c.errCh:
		require.ErrorIs(t, err, context.DeadlineExceeded)
		require.ErrorContains(t, err, "exceeded processing timeout")
	default:
		t.Fatal("expected the timed out batch to be reported")
	}
	require.Empty(t, c.offsetManager.partitionStates[0].window)
	require.Empty(t, fc.Commits())
}

func TestConsumer_ProcessBatch_CanceledContextSkips(t *testing.T) {
	proc := &testutils.MockProcessor{}
	c, _ := newTestConsumer(t, testConsumerConfig(), proc, nil)

	// occupy every slot so Acquire has to wait on the canceled context
	require.NoError(t, c.sem.Acquire(t.Context(), c.cfg.Concurrency))
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	c.processBatch(ctx, 0, testutils.NewTestBatch(testTopic, 0, 0, "a"))
	proc.AssertNotCalled(t, "ProcessBatch", mock.Anything, mock.Anything)
}

func TestConsumer_ProcessBatch_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	proc := &testutils.MockProcessor{}
	proc.On("ProcessBatch", mock.Anything, mock.Anything).Return(nil).Once()
	proc.On("ProcessBatch", mock.Anything, mock.Anything).Return(errors.New("bad")).Once()

	c, _ := newTestConsumer(t, testConsumerConfig(), proc, m)
	c.processBatch(t.Context(), 0, testutils.NewTestBatch(testTopic, 0, 0, "a", "b"))
	c.processBatch(t.Context(), 0, testutils.NewTestBatch(testTopic, 0, 2, "c"))

	n, err := testutil.GatherAndCount(reg, "users_consumer_batches_processed_total")
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestConsumer_ReportError_KeepsFirst(t *testing.T) {
	c, _ := newTestConsumer(t, testConsumerConfig(), &testutils.MockProcessor{}, nil)

	c.reportError(errors.New("first"))
	c.reportError(errors.New("second"))

	require.EqualError(t, <-c.errCh, "first")
	require.Empty(t, c.errCh)
}

// ============================================================================
// Workers and rebalancing
// ============================================================================

func TestConsumer_BatchesOfPartitionAreLoggedInOrder(t *testing.T) {
	log, logs := testutils.NewObservedLogger(zapcore.InfoLevel)
	proc := processor.NewMessageLogger(log, processor.PayloadRaw, nil)

	cfg := testConsumerConfig()
	cfg.MaxBatchSize = 2
	c, fc := newTestConsumer(t, cfg, proc, nil)

	assignPartitions(t, c, 0)
	for _, msg := range testutils.NewTestBatch(testTopic, 0, 0, "a", "b", "c", "d", "e") {
		c.handleMessage(t.Context(), msg)
	}
	for _, rb := range c.batcher.Drain() {
		c.dispatch(t.Context(), rb)
	}

	require.Eventually(t, func() bool { return logs.Len() == 5 }, 2*time.Second, 5*time.Millisecond)

	var lines []string
	for _, entry := range logs.AllUntimed() {
		lines = append(lines, entry.Message)
	}
	require.Equal(t, []string{
		"Received message from Kafka: a",
		"Received message from Kafka: b",
		"Received message from Kafka: c",
		"Received message from Kafka: d",
		"Received message from Kafka: e",
	}, lines)

	require.Eventually(t, func() bool {
		c.offsetManager.Flush()
		last, _ := c.offsetManager.LastCommitted(0)
		return last == 5
	}, 2*time.Second, 5*time.Millisecond)
	commits := fc.Commits()
	require.Equal(t, kafka.Offset(5), commits[len(commits)-1].Offset)

	revokePartitions(t, c, 0)
}

func TestConsumer_UnassignedPartitionIsDropped(t *testing.T) {
	proc := &testutils.MockProcessor{}
	c, _ := newTestConsumer(t, testConsumerConfig(), proc, nil)

	c.handleMessage(t.Context(), testutils.NewTestMessage(testTopic, 7, 0, nil, []byte("x")))

	require.Zero(t, c.batcher.Pending())
	proc.AssertNotCalled(t, "ProcessBatch", mock.Anything, mock.Anything)
}

func TestConsumer_MessageWithErrorIsSkipped(t *testing.T) {
	c, _ := newTestConsumer(t, testConsumerConfig(), &testutils.MockProcessor{}, nil)
	assignPartitions(t, c, 0)
	defer revokePartitions(t, c, 0)

	msg := testutils.NewTestMessage(testTopic, 0, 0, nil, []byte("x"))
	msg.TopicPartition.Error = kafka.NewError(kafka.ErrPartitionEOF, "eof", false)
	c.handleMessage(t.Context(), msg)

	require.Zero(t, c.batcher.Pending())
}

func TestConsumer_RevokeDropsPendingBatchAndStopsWorker(t *testing.T) {
	proc := &testutils.MockProcessor{}
	cfg := testConsumerConfig()
	cfg.MaxBatchSize = 10
	c, _ := newTestConsumer(t, cfg, proc, nil)

	assignPartitions(t, c, 0, 1)
	require.Len(t, c.workers, 2)
	w0 := c.workers[0]

	c.handleMessage(t.Context(), testutils.NewTestMessage(testTopic, 0, 0, nil, []byte("a")))
	c.handleMessage(t.Context(), testutils.NewTestMessage(testTopic, 1, 0, nil, []byte("b")))
	require.Equal(t, 2, c.batcher.Pending())

	revokePartitions(t, c, 0)

	require.Len(t, c.workers, 1)
	require.Equal(t, 1, c.batcher.Pending())
	require.ErrorIs(t, w0.ctx.Err(), context.Canceled)
	select {
	case <-w0.done:
	default:
		t.Fatal("worker goroutine should have exited")
	}

	// dispatch to a revoked partition is a no-op
	c.dispatch(t.Context(), readyBatch{partition: 0, messages: testutils.NewTestBatch(testTopic, 0, 0, "a")})
	proc.AssertNotCalled(t, "ProcessBatch", mock.Anything, mock.Anything)

	revokePartitions(t, c, 1)
	require.Empty(t, c.workers)
}

func TestConsumer_ReassignKeepsExistingWorker(t *testing.T) {
	c, _ := newTestConsumer(t, testConsumerConfig(), &testutils.MockProcessor{}, nil)

	assignPartitions(t, c, 2)
	w := c.workers[2]
	assignPartitions(t, c, 2)
	require.Same(t, w, c.workers[2])

	revokePartitions(t, c, 2)
}

func TestConsumer_ConcurrencyIsBounded(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	var processed atomic.Int32
	release := make(chan struct{})

	proc := &testutils.MockProcessor{}
	proc.On("ProcessBatch", mock.Anything, mock.Anything).Return(nil).Run(func(mock.Arguments) {
		n := inFlight.Add(1)
		for {
			cur := maxInFlight.Load()
			if n <= cur || maxInFlight.CompareAndSwap(cur, n) {
				break
			}
		}
		<-release
		inFlight.Add(-1)
		processed.Add(1)
	})

	cfg := testConsumerConfig()
	cfg.Concurrency = 2
	cfg.MaxBatchSize = 1
	c, _ := newTestConsumer(t, cfg, proc, nil)

	assignPartitions(t, c, 0, 1, 2, 3)
	for p := int32(0); p < 4; p++ {
		c.handleMessage(t.Context(), testutils.NewTestMessage(testTopic, p, 0, nil, []byte("m")))
	}

	require.Eventually(t, func() bool { return inFlight.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	// give the other workers a chance to (incorrectly) start
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(2), maxInFlight.Load())

	close(release)
	require.Eventually(t, func() bool { return processed.Load() == 4 }, 2*time.Second, 5*time.Millisecond)

	revokePartitions(t, c, 0, 1, 2, 3)
}

func TestConsumer_PartitionsProcessConcurrently(t *testing.T) {
	var entered, overlapped atomic.Int32
	both := make(chan struct{})
	proc := &testutils.MockProcessor{}
	proc.On("ProcessBatch", mock.Anything, mock.Anything).Return(nil).Run(func(mock.Arguments) {
		if entered.Add(1) == 2 {
			close(both)
		}
		select {
		case <-both:
			overlapped.Add(1)
		case <-time.After(2 * time.Second):
		}
	})

	cfg := testConsumerConfig()
	cfg.Concurrency = 2
	cfg.MaxBatchSize = 1
	c, _ := newTestConsumer(t, cfg, proc, nil)

	assignPartitions(t, c, 0, 1)
	c.handleMessage(t.Context(), testutils.NewTestMessage(testTopic, 0, 0, nil, []byte("a")))
	c.handleMessage(t.Context(), testutils.NewTestMessage(testTopic, 1, 0, nil, []byte("b")))

	require.Eventually(t, func() bool {
		return overlapped.Load() == 2
	}, 3*time.Second, 5*time.Millisecond, "both partitions should be processed at the same time")

	revokePartitions(t, c, 0, 1)
}

func TestConsumer_AssignmentMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	c, _ := newTestConsumer(t, testConsumerConfig(), &testutils.MockProcessor{}, m)
	assignPartitions(t, c, 0, 1, 2)
	revokePartitions(t, c, 1)

	expected := `
# HELP users_consumer_kafka_consumer_assigned_partitions Current number of partitions assigned to this consumer
# TYPE users_consumer_kafka_consumer_assigned_partitions gauge
users_consumer_kafka_consumer_assigned_partitions 2
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "users_consumer_kafka_consumer_assigned_partitions"))

	revokePartitions(t, c, 0, 2)
}

func TestDLQHeaderNames(t *testing.T) {
	assert.Equal(t, "x-original-topic", HeaderOriginalTopic)
	assert.Equal(t, "x-original-partition", HeaderOriginalPartition)
	assert.Equal(t, "x-original-offset", HeaderOriginalOffset)
	assert.Equal(t, "x-error", HeaderError)
}
