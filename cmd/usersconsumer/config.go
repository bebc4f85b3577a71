package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ava-labs/users-consumer/pkg/kafka"
	"github.com/ava-labs/users-consumer/pkg/kafka/processor"
	"github.com/ava-labs/users-consumer/pkg/metrics"
	"github.com/ava-labs/users-consumer/pkg/server"
)

// Config holds all configuration for the usersconsumer run command
type Config struct {
	// Application settings
	Verbose          bool
	ServerConfigPath string
	PayloadFormat    processor.PayloadFormat

	// Kafka consumer settings
	BootstrapServers     string
	GroupID              string
	ClientID             string
	Topic                string
	DLQTopic             string
	PublishToDLQ         bool
	AutoOffsetReset      string
	MaxBatchSize         int
	MaxBatchWait         time.Duration
	OffsetCommitInterval time.Duration
	EnableKafkaLogs      bool
	SessionTimeout       time.Duration
	MaxPollInterval      time.Duration
	FlushTimeout         time.Duration
	GoroutineWaitTimeout time.Duration
	PollInterval         time.Duration

	// Topic provisioning
	EnsureTopics           bool
	TopicNumPartitions     int
	TopicReplicationFactor int

	// Metrics labels
	Environment string
	Region      string
}

// buildConfig builds a Config from CLI context flags
func buildConfig(c *cli.Context) (*Config, error) {
	format, err := processor.ParsePayloadFormat(c.String("payload-format"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Verbose:                c.Bool("verbose"),
		ServerConfigPath:       c.String("server-config"),
		PayloadFormat:          format,
		BootstrapServers:       c.String("bootstrap-servers"),
		GroupID:                c.String("group-id"),
		ClientID:               c.String("client-id"),
		Topic:                  c.String("topic"),
		DLQTopic:               c.String("dlq-topic"),
		PublishToDLQ:           c.Bool("publish-to-dlq"),
		AutoOffsetReset:        c.String("auto-offset-reset"),
		MaxBatchSize:           c.Int("max-batch-size"),
		MaxBatchWait:           c.Duration("max-batch-wait"),
		OffsetCommitInterval:   c.Duration("offset-commit-interval"),
		EnableKafkaLogs:        c.Bool("enable-kafka-logs"),
		SessionTimeout:         c.Duration("session-timeout"),
		MaxPollInterval:        c.Duration("max-poll-interval"),
		FlushTimeout:           c.Duration("flush-timeout"),
		GoroutineWaitTimeout:   c.Duration("goroutine-wait-timeout"),
		PollInterval:           c.Duration("poll-interval"),
		EnsureTopics:           c.Bool("ensure-topics"),
		TopicNumPartitions:     c.Int("topic-num-partitions"),
		TopicReplicationFactor: c.Int("topic-replication-factor"),
		Environment:            c.String("environment"),
		Region:                 c.String("region"),
	}

	if cfg.PublishToDLQ && cfg.DLQTopic == "" {
		return nil, errors.New("dlq-topic is required when publish-to-dlq is set")
	}
	return cfg, nil
}

// ConsumerConfig maps the run configuration onto the consumer. The worker
// count and the timeout come from the server launch configuration.
func (c *Config) ConsumerConfig(srv *server.Config) kafka.ConsumerConfig {
	processingTimeout := srv.Timeout()
	return kafka.ConsumerConfig{
		DLQTopic:                    c.DLQTopic,
		Topic:                       c.Topic,
		BootstrapServers:            c.BootstrapServers,
		GroupID:                     c.GroupID,
		ClientID:                    c.ClientID,
		AutoOffsetReset:             c.AutoOffsetReset,
		Concurrency:                 int64(srv.WorkerProcesses),
		MaxBatchSize:                c.MaxBatchSize,
		OffsetManagerCommitInterval: c.OffsetCommitInterval,
		MaxBatchWait:                &c.MaxBatchWait,
		ProcessingTimeout:           &processingTimeout,
		SessionTimeout:              &c.SessionTimeout,
		MaxPollInterval:             &c.MaxPollInterval,
		FlushTimeout:                &c.FlushTimeout,
		GoroutineWaitTimeout:        &c.GoroutineWaitTimeout,
		PollInterval:                &c.PollInterval,
		EnableLogs:                  c.EnableKafkaLogs,
		PublishToDLQ:                c.PublishToDLQ,
	}
}

// Topics returns the topics to provision when EnsureTopics is set.
func (c *Config) Topics() []kafka.TopicConfig {
	topics := []kafka.TopicConfig{{
		Name:              c.Topic,
		NumPartitions:     c.TopicNumPartitions,
		ReplicationFactor: c.TopicReplicationFactor,
	}}
	if c.PublishToDLQ {
		topics = append(topics, kafka.TopicConfig{
			Name:              c.DLQTopic,
			NumPartitions:     c.TopicNumPartitions,
			ReplicationFactor: c.TopicReplicationFactor,
		})
	}
	return topics
}

// MetricsLabels returns the constant labels attached to every metric.
func (c *Config) MetricsLabels() metrics.Labels {
	return metrics.Labels{
		Topic:       c.Topic,
		GroupID:     c.GroupID,
		Environment: c.Environment,
		Region:      c.Region,
	}
}

// loadServerConfig loads, resolves and validates the server launch configuration.
func loadServerConfig(path string) (*server.Config, error) {
	srv, err := server.Load(path)
	if err != nil {
		return nil, err
	}
	resolved, err := srv.Resolve()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve server config: %w", err)
	}
	return resolved, nil
}
