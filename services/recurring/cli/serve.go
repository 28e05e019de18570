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

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/taskpulse/taskpulse/internal/bus"
	"github.com/taskpulse/taskpulse/internal/postgres"
	"github.com/taskpulse/taskpulse/internal/producer"
	redisstore "github.com/taskpulse/taskpulse/internal/redis"
	"github.com/taskpulse/taskpulse/pkg/telemetry"
	"github.com/taskpulse/taskpulse/services/recurring"
	"github.com/taskpulse/taskpulse/services/recurring/config"
)

// leaseKey is shared by every replica; whoever holds it runs the scan.
const leaseKey = "lease:recurring-processor"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the recurring task processor",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("metrics-addr", ":9097", "Prometheus metrics server address")
	serveCmd.Flags().String("kafka-brokers", "localhost:9092", "comma-separated Kafka broker addresses")
	serveCmd.Flags().String("redis-addr", "localhost:6379", "Redis address (host:port)")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")
	serveCmd.Flags().Duration("scan-interval", 5*time.Minute, "how often the leader scans for due recurring tasks")

	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("kafka_brokers", serveCmd.Flags(), "kafka-brokers")
	bindFlag("redis_addr", serveCmd.Flags(), "redis-addr")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	bindFlag("scan_interval", serveCmd.Flags(), "scan-interval")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
	_ = viper.BindEnv("postgres_dsn", "POSTGRES_DSN")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := buildLogger(cfg.LogLevel, "recurringd")
	instanceID := "recurringd-" + uuid.New().String()[:8]

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "recurringd", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	brokers := strings.Split(cfg.KafkaBrokers, ",")
	kafkaProducer := bus.NewProducer(brokers)
	defer func() { _ = kafkaProducer.Close() }()
	publisher := bus.NewPublisher(kafkaProducer, logger)

	redisClient := redisstore.NewClient(cfg.RedisAddr)
	defer func() { _ = redisClient.Close() }()
	lease := redisstore.NewLease(redisClient, leaseKey, instanceID, 2*time.Minute)

	initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pool, err := postgres.NewPool(initCtx, cfg.PostgresDSN)
	cancel()
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	store := postgres.NewTaskStore(pool)

	lifecycle := producer.New(store, publisher, logger)

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

	proc := recurring.NewProcessor(lifecycle, store, lease, logger,
		recurring.WithInterval(cfg.ScanInterval))
	logger.Info("recurring processor starting",
		slog.String("instance_id", instanceID),
		slog.Duration("scan_interval", cfg.ScanInterval),
	)
	proc.Run(runCtx)

	// Hand the lease back so a peer can take over without waiting out the TTL.
	releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer releaseCancel()
	if err := lease.Release(releaseCtx); err != nil {
		logger.Warn("lease release failed", slog.String("error", err.Error()))
	}

	lifecycle.Wait()
	logger.Info("stopped")
	return nil
}
