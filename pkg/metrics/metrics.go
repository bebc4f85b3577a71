package metrics

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	Namespace = "users_consumer"

	// Status label values for success/error metrics
	StatusSuccess = "success"
	StatusError   = "error"

	KafkaOffset   = "kafka_offset"
	KafkaConsumer = "kafka_consumer"
	Batches       = "batches"
	HTTP          = "http"
)

// Labels holds constant labels applied to all metrics.
// These are useful for distinguishing metrics from multiple consumer instances.
type Labels struct {
	Topic       string // Kafka topic consumed (e.g., "users")
	GroupID     string // Kafka consumer group
	Environment string // Deployment environment (e.g., "production", "staging")
	Region      string // Cloud region (e.g., "us-east-1")
}

// toPrometheusLabels converts Labels to prometheus.Labels map.
// Only non-empty labels are included to avoid empty label values.
func (l Labels) toPrometheusLabels() prometheus.Labels {
	labels := prometheus.Labels{}
	if l.Topic != "" {
		labels["topic"] = l.Topic
	}
	if l.GroupID != "" {
		labels["group_id"] = l.GroupID
	}
	if l.Environment != "" {
		labels["environment"] = l.Environment
	}
	if l.Region != "" {
		labels["region"] = l.Region
	}
	return labels
}

type Metrics struct {
	// Message logging
	messagesLogged prometheus.Counter

	// Batch processing
	batchesProcessed        *prometheus.CounterVec // by status
	batchSize               prometheus.Histogram
	batchProcessingDuration prometheus.Histogram
	batchesInFlight         prometheus.Gauge

	// Kafka offset manager
	lastCommittedOffset *prometheus.GaugeVec
	offsetWindowSize    *prometheus.GaugeVec
	offsetCommits       *prometheus.CounterVec // by partition, status

	// Kafka consumer
	messagesReceived     *prometheus.CounterVec // by partition
	partitionAssignments *prometheus.CounterVec
	partitionRevocations *prometheus.CounterVec
	assignedPartitions   prometheus.Gauge
	kafkaErrors          *prometheus.CounterVec // by severity (fatal/non_fatal)
	unknownEvents        prometheus.Counter

	// DLQ
	dlqProduced *prometheus.CounterVec // by status

	// HTTP
	httpRequests *prometheus.CounterVec // by path, code
}

// New creates a new Metrics instance and registers all metrics with the provided registerer.
// Returns an error if any metric registration fails.
// For metrics with constant labels (e.g., topic), use NewWithLabels instead.
func New(reg prometheus.Registerer) (*Metrics, error) {
	return NewWithLabels(reg, Labels{})
}

// NewWithLabels creates a new Metrics instance with constant labels applied to all metrics.
func NewWithLabels(reg prometheus.Registerer, labels Labels) (*Metrics, error) {
	promLabels := labels.toPrometheusLabels()
	if len(promLabels) > 0 {
		reg = prometheus.WrapRegistererWith(promLabels, reg)
	}

	return newMetrics(reg)
}

func newMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		messagesLogged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "messages_logged_total",
			Help:      "Total number of message payloads written to the log",
		}),
		batchesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Batches,
			Name:      "processed_total",
			Help:      "Total number of batches processed by status",
		}, []string{"status"}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Batches,
			Name:      "size",
			Help:      "Number of messages per dispatched batch",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		batchProcessingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Batches,
			Name:      "processing_duration_seconds",
			Help:      "Time spent in the batch processor",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		batchesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Batches,
			Name:      "in_flight",
			Help:      "Number of batches currently being processed",
		}),
		lastCommittedOffset: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: KafkaOffset,
			Name:      "last_committed",
			Help:      "Last offset successfully committed to Kafka for each partition",
		}, []string{"partition"}),
		offsetWindowSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: KafkaOffset,
			Name:      "window_size",
			Help:      "Number of processed offsets awaiting commit for each partition",
		}, []string{"partition"}),
		offsetCommits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: KafkaOffset,
			Name:      "commits_total",
			Help:      "Total number of offset commit attempts by partition and status",
		}, []string{"partition", "status"}),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: KafkaConsumer,
			Name:      "messages_received_total",
			Help:      "Total number of messages polled from Kafka by partition",
		}, []string{"partition"}),
		partitionAssignments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: KafkaConsumer,
			Name:      "partition_assignments_total",
			Help:      "Total number of times a partition has been assigned to this consumer",
		}, []string{"partition"}),
		partitionRevocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: KafkaConsumer,
			Name:      "partition_revocations_total",
			Help:      "Total number of times a partition has been revoked from this consumer",
		}, []string{"partition"}),
		assignedPartitions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: KafkaConsumer,
			Name:      "assigned_partitions",
			Help:      "Current number of partitions assigned to this consumer",
		}),
		kafkaErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: KafkaConsumer,
			Name:      "errors_total",
			Help:      "Total number of Kafka errors received by severity (fatal/non_fatal)",
		}, []string{"severity"}),
		unknownEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: KafkaConsumer,
			Name:      "unknown_events_total",
			Help:      "Total number of unknown events received by consumer",
		}),
		dlqProduced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: KafkaConsumer,
			Name:      "dlq_produced_total",
			Help:      "Total number of messages published to the dead letter queue by status",
		}, []string{"status"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: HTTP,
			Name:      "requests_total",
			Help:      "Total number of HTTP requests served by path and status code",
		}, []string{"path", "code"}),
	}

	err := errors.Join(
		reg.Register(m.messagesLogged),
		reg.Register(m.batchesProcessed),
		reg.Register(m.batchSize),
		reg.Register(m.batchProcessingDuration),
		reg.Register(m.batchesInFlight),
		reg.Register(m.lastCommittedOffset),
		reg.Register(m.offsetWindowSize),
		reg.Register(m.offsetCommits),
		reg.Register(m.messagesReceived),
		reg.Register(m.partitionAssignments),
		reg.Register(m.partitionRevocations),
		reg.Register(m.assignedPartitions),
		reg.Register(m.kafkaErrors),
		reg.Register(m.unknownEvents),
		reg.Register(m.dlqProduced),
		reg.Register(m.httpRequests),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func statusOf(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusSuccess
}

// AddMessagesLogged records payloads written to the log.
func (m *Metrics) AddMessagesLogged(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.messagesLogged.Add(float64(count))
}

// RecordBatchProcessed records the outcome of one batch.
func (m *Metrics) RecordBatchProcessed(size int, err error, durationSeconds float64) {
	if m == nil {
		return
	}
	m.batchesProcessed.WithLabelValues(statusOf(err)).Inc()
	m.batchSize.Observe(float64(size))
	m.batchProcessingDuration.Observe(durationSeconds)
}

// IncBatchesInFlight increments the in-flight batch gauge.
func (m *Metrics) IncBatchesInFlight() {
	if m == nil {
		return
	}
	m.batchesInFlight.Inc()
}

// DecBatchesInFlight decrements the in-flight batch gauge.
func (m *Metrics) DecBatchesInFlight() {
	if m == nil {
		return
	}
	m.batchesInFlight.Dec()
}

// UpdateOffsetWindow sets the pending window size of a partition.
func (m *Metrics) UpdateOffsetWindow(partition int32, windowSize int) {
	if m == nil {
		return
	}
	m.offsetWindowSize.WithLabelValues(strconv.Itoa(int(partition))).Set(float64(windowSize))
}

// RecordOffsetCommit records an offset commit attempt for a partition.
// Pass nil error for successful commits, non-nil for failures.
func (m *Metrics) RecordOffsetCommit(partition int32, offset int64, err error) {
	if m == nil {
		return
	}
	partitionLabel := strconv.Itoa(int(partition))
	m.offsetCommits.WithLabelValues(partitionLabel, statusOf(err)).Inc()
	if err == nil {
		m.lastCommittedOffset.WithLabelValues(partitionLabel).Set(float64(offset))
	}
}

// RecordMessageReceived records a message polled from a partition.
func (m *Metrics) RecordMessageReceived(partition int32) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(strconv.Itoa(int(partition))).Inc()
}

// RecordPartitionAssignment records newly assigned partitions.
func (m *Metrics) RecordPartitionAssignment(partitions []int32) {
	if m == nil {
		return
	}
	for _, p := range partitions {
		m.partitionAssignments.WithLabelValues(strconv.Itoa(int(p))).Inc()
	}
	m.assignedPartitions.Add(float64(len(partitions)))
}

// RecordPartitionRevocation records revoked partitions and drops their
// per-partition offset series.
func (m *Metrics) RecordPartitionRevocation(partitions []int32) {
	if m == nil {
		return
	}
	for _, p := range partitions {
		label := strconv.Itoa(int(p))
		m.partitionRevocations.WithLabelValues(label).Inc()
		m.offsetWindowSize.DeleteLabelValues(label)
	}
	m.assignedPartitions.Sub(float64(len(partitions)))
}

// RecordKafkaError records a Kafka error event.
func (m *Metrics) RecordKafkaError(fatal bool) {
	if m == nil {
		return
	}
	severity := "non_fatal"
	if fatal {
		severity = "fatal"
	}
	m.kafkaErrors.WithLabelValues(severity).Inc()
}

// IncreaseUnknownEventCount records an ignored consumer event.
func (m *Metrics) IncreaseUnknownEventCount() {
	if m == nil {
		return
	}
	m.unknownEvents.Inc()
}

// RecordDLQProduction records a message published (or not) to the DLQ.
func (m *Metrics) RecordDLQProduction(err error) {
	if m == nil {
		return
	}
	m.dlqProduced.WithLabelValues(statusOf(err)).Inc()
}

// RecordHTTPRequest records one served HTTP request.
func (m *Metrics) RecordHTTPRequest(path string, code int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(path, strconv.Itoa(code)).Inc()
}
