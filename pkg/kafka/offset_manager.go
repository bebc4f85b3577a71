package kafka

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ava-labs/users-consumer/pkg/metrics"
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

const (
	// Default suggested Offset Manager parameters
	OffsetManagerCommitInterval  = 5 * time.Second
	OffsetManagerAutoOffsetReset = "latest"

	WindowLengthWarningThreshold = 10000

	brokerQueryTimeoutMs = 5000
)

// offsetCommitter is the subset of *kafka.Consumer the OffsetManager talks to.
type offsetCommitter interface {
	CommitOffsets(offsets []kafka.TopicPartition) ([]kafka.TopicPartition, error)
	Committed(partitions []kafka.TopicPartition, timeoutMs int) ([]kafka.TopicPartition, error)
	QueryWatermarkOffsets(topic string, partition int32, timeoutMs int) (low, high int64, err error)
}

type offsetState struct {
	window        []kafka.TopicPartition
	lastCommitted kafka.Offset
}

/*
OffsetManager is a thread-safe, in-memory sliding window offset manager that
tracks processed offsets for each assigned partition and ensures "at least
once" message processing. A single OffsetManager supports only one topic
subscription at a time.

At every commit interval, the OffsetManager analyzes the lastCommitted offset
and those in the window to determine the highest contiguous offset to commit
to Kafka brokers. Offsets past a gap stay in the window until the gap fills.

When workers are done processing a batch, they call InsertBatch() to add its
offsets to the window.

The window length is unbounded, meaning code bugs can lead to no offsets
committed and a continually growing window size. If the offset window length
goes above WindowLengthWarningThreshold, warning logs will be printed to help
diagnose.
*/
type OffsetManager struct {
	committer       offsetCommitter
	autoOffsetReset string                 // auto.offset.reset config: "earliest" or "latest"
	partitionStates map[int32]*offsetState // map of offset states for each assigned partition
	mutex           sync.Mutex
	log             *zap.SugaredLogger
	metrics         *metrics.Metrics
}

// NewOffsetManager creates an OffsetManager and starts its commit loop, which
// runs until ctx is done. m may be nil.
func NewOffsetManager(
	ctx context.Context,
	committer offsetCommitter,
	interval time.Duration,
	autoOffsetReset string,
	log *zap.SugaredLogger,
	m *metrics.Metrics,
) *OffsetManager {
	if interval <= 0 {
		interval = OffsetManagerCommitInterval
	}
	om := &OffsetManager{
		committer:       committer,
		autoOffsetReset: autoOffsetReset,
		partitionStates: make(map[int32]*offsetState),
		log:             log,
		metrics:         m,
	}
	go om.managerLoop(ctx, interval)
	return om
}

func (om *OffsetManager) managerLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			om.Flush()
		case <-ctx.Done():
			return
		}
	}
}

// Flush commits the latest contiguous offset of every assigned partition now.
func (om *OffsetManager) Flush() {
	om.mutex.Lock()
	defer om.mutex.Unlock()

	for partition := range om.partitionStates {
		om.commitPartition(partition)
	}
}

// commitPartition scans for a contiguous set of offsets in the current window
// starting from lastCommitted to find the latest valid offset to commit. After
// a successful commit the window is truncated accordingly. Callers hold the mutex.
func (om *OffsetManager) commitPartition(partition int32) {
	state := om.partitionStates[partition]
	window := state.window
	lastCommitted := state.lastCommitted
	if len(window) == 0 {
		return
	}

	if window[0].Offset <= lastCommitted+1 {
		end := 0
		for i := 1; i < len(window); i++ {
			// Commit any dangling offsets. This happens when a new consumer
			// group is formed with auto.offset.reset="latest" and there is no
			// strict consensus on what the "latest" offset is while the
			// producer is actively writing to the topic.
			if window[i].Offset <= lastCommitted {
				end = i
				continue
			}

			if window[i].Offset != window[i-1].Offset+1 {
				break
			}
			end = i
		}

		_, err := om.committer.CommitOffsets([]kafka.TopicPartition{window[end]})
		om.metrics.RecordOffsetCommit(partition, int64(window[end].Offset), err)
		if err != nil {
			om.log.Errorw("failed to commit offsets",
				"partition", partition,
				"offset", window[end].Offset,
				"error", err,
			)
			return
		}

		om.log.Debugw("committed offset", "partition", partition, "offset", window[end].Offset)
		state.lastCommitted = window[end].Offset
		if end == len(window)-1 {
			state.window = []kafka.TopicPartition{}
		} else {
			state.window = window[end+1:]
		}
	}

	om.metrics.UpdateOffsetWindow(partition, len(state.window))
	if len(state.window) > WindowLengthWarningThreshold {
		om.log.Warnw("partition window length is high",
			"partition", partition,
			"windowLength", len(state.window),
		)
	}
}

// InsertOffset inserts an offset to commit into the sliding window for
// partition `offset.Partition`. The argument `offset.Offset` should be one
// higher than the offset of the message processed. That is
// `message.TopicPartition.Offset+1`. This is an unclear semantic in Kafka
// client libraries. E.g.
// https://github.com/confluentinc/confluent-kafka-go/issues/350
//
// Topic, Partition, and Offset fields are required.
func (om *OffsetManager) InsertOffset(ctx context.Context, offset kafka.TopicPartition) error {
	om.mutex.Lock()
	defer om.mutex.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	om.insertLocked(offset)
	return nil
}

// InsertBatch marks every message of a processed batch as done.
func (om *OffsetManager) InsertBatch(ctx context.Context, batch []*kafka.Message) error {
	om.mutex.Lock()
	defer om.mutex.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	for _, msg := range batch {
		if msg == nil {
			continue
		}
		om.insertLocked(kafka.TopicPartition{
			Topic:     msg.TopicPartition.Topic,
			Partition: msg.TopicPartition.Partition,
			Offset:    msg.TopicPartition.Offset + 1,
		})
	}
	return nil
}

func (om *OffsetManager) insertLocked(offset kafka.TopicPartition) {
	state := om.partitionStates[offset.Partition]
	if state == nil {
		om.log.Warnw("partition not found in partition states, ignoring", "partition", offset.Partition)
		return
	}

	// If the lastCommitted offset is not initialized, we set it to the offset
	// of the actual message that has been processed to generate this offset
	// commit (offset.Offset-1). This first picked offset does not need to be
	// the absolute first one fetched from the broker.
	if state.lastCommitted < 0 {
		state.lastCommitted = offset.Offset - 1
		om.log.Infow("init partition lastCommitted", "partition", offset.Partition, "offset", state.lastCommitted)
	}

	window := state.window
	i := sort.Search(
		len(window),
		func(j int) bool { return window[j].Offset >= offset.Offset },
	)
	if i < len(window) && window[i].Offset == offset.Offset {
		return // already inserted
	}
	state.window = slices.Insert(window, i, offset)
}

// HandleRebalance resets or initializes partition states. The consumer's
// rebalance callback forwards every event here. Revoked partitions get a last
// commit attempt before their state is removed.
func (om *OffsetManager) HandleRebalance(event kafka.Event) error {
	om.mutex.Lock()
	defer om.mutex.Unlock()
	switch ev := event.(type) {
	case kafka.AssignedPartitions:
		// Rebalance events may provide offsets, but offsets seem to be
		// kafka.InvalidOffset (-1001) when a consumer is joining an idle, but
		// already existing, group. So we explicitly get the committed offsets
		// from the broker.
		committedOffsets, err := om.committer.Committed(ev.Partitions, brokerQueryTimeoutMs)
		if err != nil {
			return fmt.Errorf("failed to get committed offsets: %w", err)
		}

		logStr := make([]string, len(committedOffsets))
		for i, co := range committedOffsets {
			state := &offsetState{
				window:        []kafka.TopicPartition{},
				lastCommitted: co.Offset,
			}
			om.partitionStates[co.Partition] = state

			// If the group's stored offset is lower than the earliest offset of
			// the topic due to its retention policy, librdkafka will
			// immediately start fetching based off auto.offset.reset. We
			// invalidate any stored offset here and will have the OffsetManager
			// pick any first offset to initialize the window.
			topic := ""
			if co.Topic != nil {
				topic = *co.Topic
			}
			low, high, err := om.committer.QueryWatermarkOffsets(topic, co.Partition, brokerQueryTimeoutMs)
			if err != nil {
				return fmt.Errorf("failed to query watermark offsets for partition %d: %w", co.Partition, err)
			}

			om.log.Debugw("queried watermark offsets",
				"partition", co.Partition,
				"low", low,
				"high", high,
				"autoOffsetReset", om.autoOffsetReset,
			)

			if co.Offset < 0 || co.Offset < kafka.Offset(low) {
				// kafka.OffsetInvalid (-1001) marks a stored offset that does
				// not exist or is now out of range
				state.lastCommitted = kafka.OffsetInvalid
			}

			logStr[i] = fmt.Sprintf("(partition: %d, lastCommitted: %d)", co.Partition, state.lastCommitted)
		}

		om.log.Infof("rebalance event, adding partition states: %s", strings.Join(logStr, ","))
	case kafka.RevokedPartitions:
		logStr := make([]string, len(ev.Partitions))
		for i, partition := range ev.Partitions {
			logStr[i] = strconv.Itoa(int(partition.Partition))
			if _, ok := om.partitionStates[partition.Partition]; ok {
				om.commitPartition(partition.Partition)
			}
			delete(om.partitionStates, partition.Partition)
		}
		om.log.Infof("rebalance event, removing state for partitions: %s", strings.Join(logStr, ","))
	default:
		om.log.Warnf("unknown rebalance event: %v", event)
	}
	return nil
}

// LastCommitted returns the last committed offset of a partition.
func (om *OffsetManager) LastCommitted(partition int32) (kafka.Offset, bool) {
	om.mutex.Lock()
	defer om.mutex.Unlock()
	state, ok := om.partitionStates[partition]
	if !ok {
		return kafka.OffsetInvalid, false
	}
	return state.lastCommitted, true
}
