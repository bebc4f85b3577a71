package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/ava-labs/users-consumer/pkg/kafka"
	"github.com/ava-labs/users-consumer/pkg/kafka/processor"
	"github.com/ava-labs/users-consumer/pkg/metrics"
	"github.com/ava-labs/users-consumer/pkg/server"
	"github.com/ava-labs/users-consumer/pkg/utils"
)

const shutdownTimeout = 5 * time.Second

func run(c *cli.Context) error {
	// Build configuration from CLI flags
	cfg, err := buildConfig(c)
	if err != nil {
		return fmt.Errorf("failed to build config: %w", err)
	}

	srv, err := loadServerConfig(cfg.ServerConfigPath)
	if err != nil {
		return err
	}
	if err := srv.Prepare(); err != nil {
		return fmt.Errorf("failed to prepare server environment: %w", err)
	}

	sugar, err := utils.NewFileLogger(cfg.Verbose, srv.StdoutPath, srv.StderrPath)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer sugar.Desugar().Sync() //nolint:errcheck // best-effort flush; ignore sync errors

	sugar.Infow("config",
		"verbose", cfg.Verbose,
		"workingDirectory", srv.WorkingDirectory,
		"pidFile", srv.PidFile,
		"stdoutPath", srv.StdoutPath,
		"stderrPath", srv.StderrPath,
		"listeners", srv.Listeners,
		"workerProcesses", srv.WorkerProcesses,
		"timeout", srv.Timeout(),
		"bootstrapServers", cfg.BootstrapServers,
		"groupID", cfg.GroupID,
		"topic", cfg.Topic,
		"dlqTopic", cfg.DLQTopic,
		"publishToDLQ", cfg.PublishToDLQ,
		"autoOffsetReset", cfg.AutoOffsetReset,
		"maxBatchSize", cfg.MaxBatchSize,
		"maxBatchWait", cfg.MaxBatchWait,
		"offsetCommitInterval", cfg.OffsetCommitInterval,
		"enableKafkaLogs", cfg.EnableKafkaLogs,
		"sessionTimeout", cfg.SessionTimeout,
		"maxPollInterval", cfg.MaxPollInterval,
		"flushTimeout", cfg.FlushTimeout,
		"goroutineWaitTimeout", cfg.GoroutineWaitTimeout,
		"pollInterval", cfg.PollInterval,
		"payloadFormat", cfg.PayloadFormat,
		"ensureTopics", cfg.EnsureTopics,
		"environment", cfg.Environment,
		"region", cfg.Region,
	)

	if srv.PidFile != "" {
		if err := server.WritePidFile(srv.PidFile); err != nil {
			return fmt.Errorf("failed to write pid file: %w", err)
		}
		defer func() {
			if err := server.RemovePidFile(srv.PidFile); err != nil {
				sugar.Warnw("failed to remove pid file", "path", srv.PidFile, "error", err)
			}
		}()
	}

	listeners, err := server.OpenListeners(srv.Listeners)
	if err != nil {
		return fmt.Errorf("failed to open listeners: %w", err)
	}

	// Initialize Prometheus metrics with labels for multi-instance filtering
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.NewWithLabels(registry, cfg.MetricsLabels())
	if err != nil {
		closeListeners(listeners)
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	// Start metrics server
	metricsServer := metrics.NewServer(registry, m, srv.Timeout())
	metricsErrCh := metricsServer.Start(listeners)
	for _, ln := range listeners {
		sugar.Infow("http server listening", "network", ln.Addr().Network(), "address", ln.Addr().String())
	}
	defer func() {
		sugar.Info("shutting down metrics server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			sugar.Warnw("metrics server shutdown error", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.EnsureTopics {
		if err := kafka.EnsureTopics(ctx, cfg.BootstrapServers, cfg.Topics(), sugar); err != nil {
			return fmt.Errorf("failed to ensure kafka topics exist: %w", err)
		}
	}

	proc := processor.NewMessageLogger(sugar, cfg.PayloadFormat, m)

	consumer, err := kafka.NewConsumer(ctx, sugar, cfg.ConsumerConfig(srv), proc, m)
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	sugar.Infow("consumer created, starting consumption",
		"topic", cfg.Topic,
		"groupID", cfg.GroupID,
		"workerProcesses", srv.WorkerProcesses,
	)

	// Run consumer and metrics server error handling concurrently using errgroup
	g, gctx := errgroup.WithContext(ctx)

	// Consumer goroutine - blocks until shutdown or error
	g.Go(func() error {
		if err := consumer.Start(gctx); err != nil {
			return fmt.Errorf("consumer error: %w", err)
		}
		return nil
	})

	// Metrics server error monitoring goroutine
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err, ok := <-metricsErrCh:
			if ok && err != nil {
				return fmt.Errorf("metrics server error: %w", err)
			}
			return nil
		}
	})

	err = g.Wait()
	sugar.Info("shutdown complete")
	return err
}

func closeListeners(listeners []net.Listener) {
	for _, ln := range listeners {
		ln.Close() //nolint:errcheck // listeners are discarded
	}
}
