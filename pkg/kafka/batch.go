package kafka

import (
	"slices"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// readyBatch is a batch of one partition that is ready for processing.
type readyBatch struct {
	partition int32
	messages  []*kafka.Message
}

type pendingBatch struct {
	messages []*kafka.Message
	started  time.Time
}

// batcher accumulates polled messages per partition. A batch is ready when it
// holds maxSize messages or when maxWait has elapsed since its first message.
// It is not safe for concurrent use; the poll loop owns it.
type batcher struct {
	maxSize int
	maxWait time.Duration
	pending map[int32]*pendingBatch
	now     func() time.Time
}

func newBatcher(maxSize int, maxWait time.Duration) *batcher {
	if maxSize <= 0 {
		maxSize = DefaultMaxBatchSize
	}
	return &batcher{
		maxSize: maxSize,
		maxWait: maxWait,
		pending: make(map[int32]*pendingBatch),
		now:     time.Now,
	}
}

// Add appends msg to its partition's batch and returns the batch if it is now full.
func (b *batcher) Add(msg *kafka.Message) (readyBatch, bool) {
	partition := msg.TopicPartition.Partition
	pb, ok := b.pending[partition]
	if !ok {
		pb = &pendingBatch{
			messages: make([]*kafka.Message, 0, b.maxSize),
			started:  b.now(),
		}
		b.pending[partition] = pb
	}
	pb.messages = append(pb.messages, msg)

	if len(pb.messages) < b.maxSize {
		return readyBatch{}, false
	}
	delete(b.pending, partition)
	return readyBatch{partition: partition, messages: pb.messages}, true
}

// Expired removes and returns every batch older than maxWait, ordered by partition.
func (b *batcher) Expired() []readyBatch {
	now := b.now()
	var ready []readyBatch
	for partition, pb := range b.pending {
		if now.Sub(pb.started) < b.maxWait {
			continue
		}
		ready = append(ready, readyBatch{partition: partition, messages: pb.messages})
		delete(b.pending, partition)
	}
	slices.SortFunc(ready, func(a, b readyBatch) int { return int(a.partition) - int(b.partition) })
	return ready
}

// Drain removes and returns every pending batch regardless of age.
func (b *batcher) Drain() []readyBatch {
	ready := make([]readyBatch, 0, len(b.pending))
	for partition, pb := range b.pending {
		ready = append(ready, readyBatch{partition: partition, messages: pb.messages})
	}
	clear(b.pending)
	slices.SortFunc(ready, func(a, b readyBatch) int { return int(a.partition) - int(b.partition) })
	return ready
}

// Drop discards the pending batch of a partition and returns how many messages it held.
func (b *batcher) Drop(partition int32) int {
	pb, ok := b.pending[partition]
	if !ok {
		return 0
	}
	delete(b.pending, partition)
	return len(pb.messages)
}

// Pending returns the number of buffered messages across all partitions.
func (b *batcher) Pending() int {
	n := 0
	for _, pb := range b.pending {
		n += len(pb.messages)
	}
	return n
}
