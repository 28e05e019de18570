package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/taskpulse/taskpulse/internal/bus"
	"github.com/taskpulse/taskpulse/internal/postgres"
	"github.com/taskpulse/taskpulse/pkg/telemetry"
	"github.com/taskpulse/taskpulse/services/reminder"
	"github.com/taskpulse/taskpulse/services/reminder/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the reminder scheduler",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("metrics-addr", ":9096", "Prometheus metrics server address")
	serveCmd.Flags().String("kafka-brokers", "localhost:9092", "comma-separated Kafka broker addresses")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")

	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("kafka_brokers", serveCmd.Flags(), "kafka-brokers")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
	_ = viper.BindEnv("postgres_dsn", "POSTGRES_DSN")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := buildLogger(cfg.LogLevel, "reminderd")

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "reminderd", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	brokers := strings.Split(cfg.KafkaBrokers, ",")
	kafkaProducer := bus.NewProducer(brokers)
	defer func() { _ = kafkaProducer.Close() }()
	publisher := bus.NewPublisher(kafkaProducer, logger)

	consumer := bus.NewConsumer(brokers, bus.TopicEvents, reminder.ConsumerGroup(), logger)
	defer func() { _ = consumer.Close() }()

	initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pool, err := postgres.NewPool(initCtx, cfg.PostgresDSN)
	cancel()
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, publisher.Ready, logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-quit
		logger.Info("shutting down...")
		runCancel()
	}()

	sched := reminder.NewScheduler(
		consumer,
		publisher,
		postgres.NewTaskStore(pool),
		postgres.NewSnapshotStore(pool),
		logger,
	)
	logger.Info("reminder scheduler starting")
	if err := sched.Run(runCtx); err != nil {
		logger.Error("scheduler error", slog.String("error", err.Error()))
		return err
	}
	logger.Info("stopped")
	return nil
}
