package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	cKafka "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/ava-labs/users-consumer/pkg/kafka"
	"github.com/ava-labs/users-consumer/pkg/utils"
)

func produce(c *cli.Context) error {
	sugar, err := utils.NewSugaredLogger(false)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer sugar.Desugar().Sync() //nolint:errcheck // best-effort flush; ignore sync errors

	headers, err := parseHeaders(c.StringSlice("header"))
	if err != nil {
		return err
	}
	key := c.String("key")
	if key == "" {
		key = uuid.NewString()
	}
	msg := kafka.Msg{
		Topic:   c.String("topic"),
		Key:     []byte(key),
		Value:   []byte(c.String("payload")),
		Headers: headers,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	producer, err := kafka.NewProducer(ctx, &cKafka.ConfigMap{
		"bootstrap.servers": c.String("bootstrap-servers"),
		"acks":              "all",
	}, sugar)
	if err != nil {
		return err
	}
	defer producer.Close(c.Duration("flush-timeout"))

	if err := producer.Produce(ctx, msg); err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}
	sugar.Infow("message produced", "topic", msg.Topic, "key", key)
	return nil
}

// parseHeaders turns repeated key=value flags into a header map.
func parseHeaders(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	headers := make(map[string]string, len(raw))
	for _, h := range raw {
		k, v, ok := strings.Cut(h, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid header %q: expected key=value", h)
		}
		headers[k] = v
	}
	return headers, nil
}
