package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ava-labs/users-consumer/pkg/kafka/processor"
	"github.com/ava-labs/users-consumer/pkg/metrics"
	cKafka "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// DLQ headers attached to every message republished after a failed batch.
const (
	HeaderOriginalTopic     = "x-original-topic"
	HeaderOriginalPartition = "x-original-partition"
	HeaderOriginalOffset    = "x-original-offset"
	HeaderError             = "x-error"

	workerQueueSize = 4
)

// Consumer polls one topic, groups messages into per-partition batches and
// hands each batch to a BatchProcessor. Batches of one partition are processed
// in order; batches of different partitions run concurrently up to
// cfg.Concurrency. Offsets are committed only after a batch has been
// processed (or published to the DLQ), so delivery is at least once.
type Consumer struct {
	processor     processor.BatchProcessor
	consumer      *cKafka.Consumer
	dlqProducer   *Producer
	log           *zap.SugaredLogger
	metrics       *metrics.Metrics
	workers       map[int32]*partitionWorker
	workersMutex  sync.RWMutex
	workersWG     sync.WaitGroup
	sem           *semaphore.Weighted
	offsetManager *OffsetManager
	batcher       *batcher
	logsDone      chan struct{}
	doneCh        chan struct{}
	errCh         chan error
	cfg           ConsumerConfig
}

// partitionWorker processes the batches of one assigned partition.
type partitionWorker struct {
	partition int32
	ctx       context.Context
	cancel    context.CancelFunc
	batches   chan []*cKafka.Message
	done      chan struct{}
}

// NewConsumer creates a new Consumer. m may be nil.
func NewConsumer(
	ctx context.Context,
	log *zap.SugaredLogger,
	cfg ConsumerConfig,
	proc processor.BatchProcessor,
	m *metrics.Metrics,
) (*Consumer, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid consumer config: %w", err)
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "users-consumer-" + uuid.NewString()
	}

	consumerConfig := cKafka.ConfigMap{
		"bootstrap.servers":             cfg.BootstrapServers,
		"group.id":                      cfg.GroupID,
		"client.id":                     clientID,
		"auto.offset.reset":             cfg.AutoOffsetReset,
		"enable.auto.commit":            false,
		"session.timeout.ms":            int(cfg.SessionTimeout.Milliseconds()),
		"max.poll.interval.ms":          int(cfg.MaxPollInterval.Milliseconds()),
		"partition.assignment.strategy": "roundrobin",
		"go.logs.channel.enable":        cfg.EnableLogs,
	}
	consumer, err := cKafka.NewConsumer(&consumerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	var dlqProducer *Producer
	if cfg.PublishToDLQ {
		dlqProducerConfig := cKafka.ConfigMap{
			"bootstrap.servers":      cfg.BootstrapServers,
			"client.id":              clientID + "-dlq",
			"acks":                   "all",
			"linger.ms":              5,
			"batch.size":             16384,
			"compression.type":       "lz4",
			"enable.idempotence":     true,
			"go.logs.channel.enable": cfg.EnableLogs,
		}
		dlqProducer, err = NewProducer(ctx, &dlqProducerConfig, log)
		if err != nil {
			consumer.Close()
			return nil, fmt.Errorf("failed to create dlq producer: %w", err)
		}
	}

	c := newConsumer(log, cfg, proc, m)
	c.consumer = consumer
	c.dlqProducer = dlqProducer
	c.offsetManager = NewOffsetManager(
		ctx,
		consumer,
		cfg.OffsetManagerCommitInterval,
		cfg.AutoOffsetReset,
		log,
		m,
	)
	return c, nil
}

// newConsumer builds the broker-independent part of a Consumer.
func newConsumer(
	log *zap.SugaredLogger,
	cfg ConsumerConfig,
	proc processor.BatchProcessor,
	m *metrics.Metrics,
) *Consumer {
	return &Consumer{
		processor: proc,
		log:       log,
		metrics:   m,
		cfg:       cfg,
		sem:       semaphore.NewWeighted(cfg.Concurrency),
		workers:   make(map[int32]*partitionWorker),
		batcher:   newBatcher(cfg.MaxBatchSize, *cfg.MaxBatchWait),
		logsDone:  make(chan struct{}),
		errCh:     make(chan error, 1),
		doneCh:    make(chan struct{}),
	}
}

// Start subscribes to the topic and runs the poll loop until ctx is done, a
// fatal Kafka error occurs, or a batch fails without a DLQ to absorb it.
// In-flight batches get cfg.GoroutineWaitTimeout to finish before shutdown.
// The returned error is the cause of an abnormal stop, if any.
func (c *Consumer) Start(ctx context.Context) error {
	// workers outlive ctx so in-flight batches can finish during shutdown
	workerParent, cancelWorkers := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWorkers()

	if c.cfg.EnableLogs {
		go c.printKafkaLogs(ctx)
	} else {
		close(c.logsDone)
	}

	if err := c.consumer.SubscribeTopics([]string{c.cfg.Topic}, c.getRebalanceCallback(workerParent)); err != nil {
		close(c.doneCh)
		<-c.logsDone
		return fmt.Errorf("failed to subscribe to topics: %w", err)
	}

	c.log.Infow("consumer started",
		"topic", c.cfg.Topic,
		"groupID", c.cfg.GroupID,
		"concurrency", c.cfg.Concurrency,
		"maxBatchSize", c.cfg.MaxBatchSize,
		"maxBatchWait", *c.cfg.MaxBatchWait,
		"publishToDLQ", c.cfg.PublishToDLQ,
	)

	var dlqErrors <-chan error
	if c.dlqProducer != nil {
		dlqErrors = c.dlqProducer.Errors()
	}
	pollMs := int(c.cfg.PollInterval.Milliseconds())

	var cause error
	run := true
	for run {
		select {
		case <-ctx.Done():
			c.log.Info("context done, shutting down consumer...")
			run = false
			continue
		case err := <-dlqErrors:
			c.log.Errorw("fatal error from DLQ producer, shutting down consumer", "error", err)
			cause = fmt.Errorf("dlq producer: %w", err)
			run = false
			continue
		case err := <-c.errCh:
			c.log.Errorw("error from consumer, shutting down consumer", "error", err)
			cause = err
			run = false
			continue
		default:
		}

		ev := c.consumer.Poll(pollMs)
		switch e := ev.(type) {
		case nil:
		case *cKafka.Message:
			c.handleMessage(ctx, e)
		case cKafka.Error:
			c.metrics.RecordKafkaError(e.IsFatal())
			if e.IsFatal() {
				c.log.Errorw("fatal kafka error", "error", e)
				cause = fmt.Errorf("fatal kafka error: %w", e)
				run = false
				continue
			}
			c.log.Warnw("kafka error (non-fatal)", "error", e)
		default:
			c.metrics.IncreaseUnknownEventCount()
			c.log.Debugw("ignoring kafka event", "event", e)
		}

		for _, rb := range c.batcher.Expired() {
			c.dispatch(ctx, rb)
		}
	}

	if dropped := c.batcher.Pending(); dropped > 0 {
		c.log.Infow("dropping buffered messages, they will be redelivered", "count", dropped)
	}
	c.batcher.Drain()

	err := c.close(cancelWorkers)
	if err != nil {
		c.log.Errorw("failed to close consumer", "error", err)
	}

	c.log.Info("consumer shutdown complete")
	return errors.Join(cause, err)
}

func (c *Consumer) handleMessage(ctx context.Context, msg *cKafka.Message) {
	partition := msg.TopicPartition.Partition
	if msg.TopicPartition.Error != nil {
		c.metrics.RecordKafkaError(false)
		c.log.Warnw("message with error", "partition", partition, "error", msg.TopicPartition.Error)
		return
	}
	c.metrics.RecordMessageReceived(partition)

	c.workersMutex.RLock()
	_, ok := c.workers[partition]
	c.workersMutex.RUnlock()
	if !ok {
		c.log.Errorw("partition not assigned, dropping message",
			"partition", partition,
			"offset", msg.TopicPartition.Offset,
		)
		return
	}

	if rb, ready := c.batcher.Add(msg); ready {
		c.dispatch(ctx, rb)
	}
}

// dispatch hands a ready batch to its partition worker, blocking while the
// worker queue is full.
func (c *Consumer) dispatch(ctx context.Context, rb readyBatch) {
	c.workersMutex.RLock()
	w, ok := c.workers[rb.partition]
	c.workersMutex.RUnlock()
	if !ok {
		c.log.Debugw("partition revoked before dispatch, dropping batch",
			"partition", rb.partition,
			"size", len(rb.messages),
		)
		return
	}

	select {
	case w.batches <- rb.messages:
	case <-ctx.Done():
	case <-w.ctx.Done():
	}
}

func (c *Consumer) startWorker(parent context.Context, partition int32) {
	w := &partitionWorker{
		partition: partition,
		batches:   make(chan []*cKafka.Message, workerQueueSize),
		done:      make(chan struct{}),
	}
	w.ctx, w.cancel = context.WithCancel(parent)
	c.workers[partition] = w

	c.workersWG.Add(1)
	go func() {
		defer c.workersWG.Done()
		defer close(w.done)
		for batch := range w.batches {
			c.processBatch(w.ctx, w.partition, batch)
		}
	}()
}

// stopWorker removes a worker, cancels its context and waits for it to exit.
// Callers hold workersMutex.
func (c *Consumer) stopWorker(partition int32) {
	w, ok := c.workers[partition]
	if !ok {
		return
	}
	delete(c.workers, partition)
	close(w.batches)
	w.cancel()

	select {
	case <-w.done:
	case <-time.After(*c.cfg.GoroutineWaitTimeout):
		c.log.Warnw("timed out waiting for partition worker", "partition", partition)
	}
}

// processBatch runs one batch through the processor and records its offsets.
func (c *Consumer) processBatch(ctx context.Context, partition int32, batch []*cKafka.Message) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		// partition revoked or shutdown forced; the batch will be redelivered
		c.log.Debugw("skipping batch", "partition", partition, "size", len(batch), "error", err)
		return
	}
	defer c.sem.Release(1)

	c.metrics.IncBatchesInFlight()
	defer c.metrics.DecBatchesInFlight()

	procCtx, cancel := context.WithTimeout(ctx, *c.cfg.ProcessingTimeout)
	defer cancel()

	start := time.Now()
	err := c.processor.ProcessBatch(procCtx, batch)
	if err == nil && ctx.Err() == nil && errors.Is(procCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("batch exceeded processing timeout of %s: %w", *c.cfg.ProcessingTimeout, procCtx.Err())
	}
	c.metrics.RecordBatchProcessed(len(batch), err, time.Since(start).Seconds())

	if err != nil {
		if !c.cfg.PublishToDLQ {
			c.reportError(fmt.Errorf("failed to process batch for partition %d: %w", partition, err))
			return
		}
		if publishErr := c.publishToDLQ(ctx, batch, err); publishErr != nil {
			c.log.Errorw("failed to publish to DLQ", "partition", partition, "error", publishErr)
			c.reportError(publishErr)
			return
		}
	}

	if err := c.offsetManager.InsertBatch(ctx, batch); err != nil {
		c.log.Debugw("offsets not recorded, batch will be redelivered",
			"partition", partition,
			"error", err,
		)
	}
}

// reportError hands err to the poll loop. Only the first error is kept.
func (c *Consumer) reportError(err error) {
	select {
	case c.errCh <- err:
	default:
		c.log.Warnw("consumer error dropped, shutdown already pending", "error", err)
	}
}

// publishToDLQ sends every message of a failed batch to the dead letter queue.
func (c *Consumer) publishToDLQ(ctx context.Context, batch []*cKafka.Message, cause error) error {
	if c.dlqProducer == nil || c.cfg.DLQTopic == "" {
		return errors.New("DLQ topic not configured")
	}

	msgs := make([]Msg, 0, len(batch))
	for _, msg := range batch {
		if msg == nil {
			continue
		}
		msgs = append(msgs, Msg{
			Topic: c.cfg.DLQTopic,
			Key:   msg.Key,
			Value: msg.Value,
			Headers: map[string]string{
				HeaderOriginalTopic:     topicName(msg.TopicPartition),
				HeaderOriginalPartition: strconv.Itoa(int(msg.TopicPartition.Partition)),
				HeaderOriginalOffset:    msg.TopicPartition.Offset.String(),
				HeaderError:             cause.Error(),
			},
		})
	}

	err := c.dlqProducer.ProduceAll(ctx, msgs)
	for range msgs {
		c.metrics.RecordDLQProduction(err)
	}
	if err != nil {
		return fmt.Errorf("failed to produce to DLQ: %w", err)
	}

	first := batch[0].TopicPartition
	c.log.Infow("published batch to DLQ",
		"originalTopic", topicName(first),
		"originalPartition", first.Partition,
		"firstOffset", first.Offset,
		"count", len(msgs),
		"dlqTopic", c.cfg.DLQTopic,
		"cause", cause,
	)
	return nil
}

// close stops the workers, commits processed offsets and shuts down the
// consumer and DLQ producer.
func (c *Consumer) close(cancelWorkers context.CancelFunc) error {
	c.workersMutex.Lock()
	workers := make([]*partitionWorker, 0, len(c.workers))
	for partition, w := range c.workers {
		close(w.batches)
		workers = append(workers, w)
		delete(c.workers, partition)
	}
	c.workersMutex.Unlock()

	waitDone := make(chan struct{})
	go func() {
		c.workersWG.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-time.After(*c.cfg.GoroutineWaitTimeout):
		c.log.Warnw("timed out waiting for partition workers", "workers", len(workers))
	}
	cancelWorkers()

	c.offsetManager.Flush()

	close(c.doneCh)
	<-c.logsDone
	if c.dlqProducer != nil {
		c.dlqProducer.Close(*c.cfg.FlushTimeout)
	}
	return c.consumer.Close()
}

// getRebalanceCallback handles partition assignment and revocation.
func (c *Consumer) getRebalanceCallback(parent context.Context) cKafka.RebalanceCb {
	return func(kc *cKafka.Consumer, event cKafka.Event) error {
		switch ev := event.(type) {
		case cKafka.AssignedPartitions:
			c.log.Infow("partitions assigned",
				"protocol", kc.GetRebalanceProtocol(),
				"count", len(ev.Partitions),
				"partitions", ev.Partitions,
			)
		case cKafka.RevokedPartitions:
			c.log.Infow("partitions revoked",
				"protocol", kc.GetRebalanceProtocol(),
				"count", len(ev.Partitions),
				"partitions", ev.Partitions,
			)
			if kc.AssignmentLost() {
				c.log.Error("assignment lost involuntarily, commit may fail")
			}
		}
		return c.handleRebalance(parent, event)
	}
}

// handleRebalance starts workers for assigned partitions and stops them for
// revoked ones, keeping the offset manager in step.
func (c *Consumer) handleRebalance(parent context.Context, event cKafka.Event) error {
	switch ev := event.(type) {
	case cKafka.AssignedPartitions:
		if err := c.offsetManager.HandleRebalance(event); err != nil {
			return err
		}
		partitions := make([]int32, 0, len(ev.Partitions))
		c.workersMutex.Lock()
		for _, tp := range ev.Partitions {
			if _, running := c.workers[tp.Partition]; running {
				continue
			}
			c.startWorker(parent, tp.Partition)
			partitions = append(partitions, tp.Partition)
		}
		c.workersMutex.Unlock()
		c.metrics.RecordPartitionAssignment(partitions)
		return nil

	case cKafka.RevokedPartitions:
		partitions := make([]int32, 0, len(ev.Partitions))
		c.workersMutex.Lock()
		for _, tp := range ev.Partitions {
			if dropped := c.batcher.Drop(tp.Partition); dropped > 0 {
				c.log.Debugw("dropped pending batch of revoked partition", "partition", tp.Partition, "count", dropped)
			}
			if _, running := c.workers[tp.Partition]; !running {
				continue
			}
			c.stopWorker(tp.Partition)
			partitions = append(partitions, tp.Partition)
		}
		c.workersMutex.Unlock()
		c.metrics.RecordPartitionRevocation(partitions)
		return c.offsetManager.HandleRebalance(event)

	default:
		c.log.Warnw("unexpected rebalance event", "event", event)
		return nil
	}
}

// printKafkaLogs forwards librdkafka logs to the logger.
func (c *Consumer) printKafkaLogs(ctx context.Context) {
	defer close(c.logsDone)
	for {
		select {
		case <-ctx.Done():
			c.log.Info("stopping kafka logs printing for consumer")
			return
		case <-c.doneCh:
			c.log.Info("stopping kafka logs printing for consumer, done channel closed")
			return
		case log, ok := <-c.consumer.Logs():
			if !ok {
				c.log.Info("kafka logs printing for consumer, event channel closed")
				return
			}
			c.log.Debugf("consumer level: %d tag: %s message: %s ", log.Level, log.Tag, log.Message)
		}
	}
}
