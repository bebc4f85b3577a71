package main

import (
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ava-labs/users-consumer/pkg/kafka"
	"github.com/ava-labs/users-consumer/pkg/kafka/processor"
)

func serverConfigFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "server-config",
		Aliases: []string{"c"},
		Usage:   "Path to the server launch configuration (YAML); defaults apply when empty",
		EnvVars: []string{"SERVER_CONFIG"},
	}
}

// runFlags returns all CLI flags for the usersconsumer run command
func runFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"v"},
			Usage:   "Enable verbose logging",
		},
		serverConfigFlag(),
		// Kafka configuration flags
		&cli.StringFlag{
			Name:     "bootstrap-servers",
			Aliases:  []string{"b"},
			Usage:    "Kafka bootstrap servers (comma-separated)",
			EnvVars:  []string{"KAFKA_BOOTSTRAP_SERVERS"},
			Required: true,
		},
		&cli.StringFlag{
			Name:     "group-id",
			Aliases:  []string{"g"},
			Usage:    "Kafka consumer group ID",
			EnvVars:  []string{"KAFKA_GROUP_ID"},
			Required: true,
		},
		&cli.StringFlag{
			Name:    "topic",
			Aliases: []string{"t"},
			Usage:   "Kafka topic to consume from",
			EnvVars: []string{"KAFKA_TOPIC"},
			Value:   "users",
		},
		&cli.StringFlag{
			Name:    "dlq-topic",
			Usage:   "Dead letter queue topic for failed batches",
			EnvVars: []string{"KAFKA_DLQ_TOPIC"},
			Value:   "",
		},
		&cli.BoolFlag{
			Name:    "publish-to-dlq",
			Usage:   "Publish failed batches to the DLQ instead of stopping the consumer",
			EnvVars: []string{"KAFKA_PUBLISH_TO_DLQ"},
			Value:   false,
		},
		&cli.StringFlag{
			Name:    "client-id",
			Usage:   "Kafka client.id (generated when empty)",
			EnvVars: []string{"KAFKA_CLIENT_ID"},
		},
		&cli.StringFlag{
			Name:    "auto-offset-reset",
			Aliases: []string{"o"},
			Usage:   "Kafka auto offset reset policy (earliest, latest)",
			EnvVars: []string{"KAFKA_AUTO_OFFSET_RESET"},
			Value:   "earliest",
		},
		&cli.IntFlag{
			Name:    "max-batch-size",
			Usage:   "Messages per batch before it is handed to a worker",
			EnvVars: []string{"KAFKA_MAX_BATCH_SIZE"},
			Value:   kafka.DefaultMaxBatchSize,
		},
		&cli.DurationFlag{
			Name:    "max-batch-wait",
			Usage:   "Longest a partial batch waits before it is handed to a worker",
			EnvVars: []string{"KAFKA_MAX_BATCH_WAIT"},
			Value:   kafka.DefaultMaxBatchWait,
		},
		&cli.DurationFlag{
			Name:    "offset-commit-interval",
			Usage:   "Interval for committing offsets",
			EnvVars: []string{"KAFKA_OFFSET_COMMIT_INTERVAL"},
			Value:   10 * time.Second,
		},
		&cli.BoolFlag{
			Name:    "enable-kafka-logs",
			Usage:   "Enable librdkafka client logs",
			EnvVars: []string{"KAFKA_ENABLE_LOGS"},
			Value:   false,
		},
		&cli.DurationFlag{
			Name:    "session-timeout",
			Usage:   "Kafka consumer session timeout",
			EnvVars: []string{"KAFKA_SESSION_TIMEOUT"},
			Value:   kafka.DefaultSessionTimeout,
		},
		&cli.DurationFlag{
			Name:    "max-poll-interval",
			Usage:   "Kafka consumer max poll interval",
			EnvVars: []string{"KAFKA_MAX_POLL_INTERVAL"},
			Value:   kafka.DefaultMaxPollInterval,
		},
		&cli.DurationFlag{
			Name:    "flush-timeout",
			Usage:   "Kafka dlq producer flush timeout when closing",
			EnvVars: []string{"KAFKA_FLUSH_TIMEOUT"},
			Value:   kafka.DefaultFlushTimeout,
		},
		&cli.DurationFlag{
			Name:    "goroutine-wait-timeout",
			Usage:   "Timeout for waiting in-flight batches on shutdown",
			EnvVars: []string{"KAFKA_GOROUTINE_WAIT_TIMEOUT"},
			Value:   kafka.DefaultGoroutineWaitTimeout,
		},
		&cli.DurationFlag{
			Name:    "poll-interval",
			Usage:   "Poll interval for Kafka consumer",
			EnvVars: []string{"KAFKA_POLL_INTERVAL"},
			Value:   kafka.DefaultPollInterval,
		},
		&cli.StringFlag{
			Name:    "payload-format",
			Usage:   "How message payloads are rendered in the log (raw, json)",
			EnvVars: []string{"PAYLOAD_FORMAT"},
			Value:   string(processor.PayloadRaw),
		},
		// Topic provisioning
		&cli.BoolFlag{
			Name:    "ensure-topics",
			Usage:   "Create the topic (and the DLQ topic) at startup if missing",
			EnvVars: []string{"KAFKA_ENSURE_TOPICS"},
			Value:   false,
		},
		&cli.IntFlag{
			Name:    "topic-num-partitions",
			Usage:   "The number of partitions to use for ensured topics (must be greater than 0)",
			EnvVars: []string{"KAFKA_TOPIC_NUM_PARTITIONS"},
			Value:   1,
		},
		&cli.IntFlag{
			Name:    "topic-replication-factor",
			Usage:   "The replication factor to use for ensured topics (must be greater than 0)",
			EnvVars: []string{"KAFKA_TOPIC_REPLICATION_FACTOR"},
			Value:   1,
		},
		// Metrics labels
		&cli.StringFlag{
			Name:    "environment",
			Usage:   "Deployment environment label for metrics (e.g., production, staging)",
			EnvVars: []string{"ENVIRONMENT"},
		},
		&cli.StringFlag{
			Name:    "region",
			Usage:   "Cloud region label for metrics (e.g., us-east-1)",
			EnvVars: []string{"REGION"},
		},
	}
}

func checkConfigFlags() []cli.Flag {
	return []cli.Flag{
		serverConfigFlag(),
	}
}

func produceFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "bootstrap-servers",
			Aliases:  []string{"b"},
			Usage:    "Kafka bootstrap servers (comma-separated)",
			EnvVars:  []string{"KAFKA_BOOTSTRAP_SERVERS"},
			Required: true,
		},
		&cli.StringFlag{
			Name:    "topic",
			Aliases: []string{"t"},
			Usage:   "Kafka topic to publish to",
			EnvVars: []string{"KAFKA_TOPIC"},
			Value:   "users",
		},
		&cli.StringFlag{
			Name:     "payload",
			Aliases:  []string{"p"},
			Usage:    "Message payload",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "key",
			Usage: "Message key (a random UUID when empty)",
		},
		&cli.StringSliceFlag{
			Name:  "header",
			Usage: "Message header as key=value (repeatable)",
		},
		&cli.DurationFlag{
			Name:  "flush-timeout",
			Usage: "How long to wait for delivery before giving up",
			Value: kafka.DefaultFlushTimeout,
		},
	}
}
