// Command worker runs the bulk-scan Worker: it consumes scan jobs off
// the broker, executes each through the Bulk Scan Worker Manager,
// classifies the outcome, persists the result, and acknowledges the
// delivery.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/tlsfleet/crawlercore/internal/config"
	"github.com/tlsfleet/crawlercore/internal/logging"
	"github.com/tlsfleet/crawlercore/internal/metrics"
	"github.com/tlsfleet/crawlercore/internal/orchestration/rabbitmq"
	"github.com/tlsfleet/crawlercore/internal/persistence/mongostore"
	"github.com/tlsfleet/crawlercore/internal/scancap"
	"github.com/tlsfleet/crawlercore/internal/scanmanager"
	"github.com/tlsfleet/crawlercore/internal/worker"
)

var cfg config.WorkerConfig

var rootCmd = &cobra.Command{
	Use:           "worker",
	Short:         "Consume and execute TLS scan jobs",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	flags := rootCmd.Flags()

	flags.IntVar(&cfg.ParallelScanThreads, "parallelScanThreads", runtime.NumCPU(), "maximum scan jobs executed concurrently")
	flags.IntVar(&cfg.ParallelConnectionThreads, "parallelConnectionThreads", 20, "maximum concurrent connections per scan job")
	flags.DurationVar(&cfg.ScanTimeout, "scanTimeout", 840*time.Second, "wall-clock timeout for one scan job; must be less than the broker's consumer-ack timeout")
	flags.DurationVar(&cfg.CancelGraceTimeout, "cancelGraceTimeout", 5*time.Second, "grace period for cooperative resource release after a scan job times out")

	flags.StringVar(&cfg.Broker.Host, "rabbitMqHost", "localhost", "RabbitMQ host")
	flags.IntVar(&cfg.Broker.Port, "rabbitMqPort", 5672, "RabbitMQ port")
	flags.StringVar(&cfg.Broker.User, "rabbitMqUser", "guest", "RabbitMQ user")
	flags.StringVar(&cfg.Broker.Pass, "rabbitMqPass", "", "RabbitMQ password")
	flags.StringVar(&cfg.Broker.PassFile, "rabbitMqPassFile", "", "path to a file holding the RabbitMQ password")
	flags.BoolVar(&cfg.Broker.TLS, "rabbitMqTLS", false, "connect to RabbitMQ over TLS")

	flags.StringVar(&cfg.Store.Host, "mongoDbHost", "localhost", "MongoDB host")
	flags.IntVar(&cfg.Store.Port, "mongoDbPort", 27017, "MongoDB port")
	flags.StringVar(&cfg.Store.User, "mongoDbUser", "", "MongoDB user")
	flags.StringVar(&cfg.Store.Pass, "mongoDbPass", "", "MongoDB password")
	flags.StringVar(&cfg.Store.PassFile, "mongoDbPassFile", "", "path to a file holding the MongoDB password")
	flags.StringVar(&cfg.Store.AuthSource, "mongoDbAuthSource", "admin", "MongoDB authentication database")

	flags.StringVar(&cfg.Log.Level, "logLevel", "info", "log level: debug, info, warn, error")
	flags.StringVar(&cfg.Log.Format, "logFormat", "json", "log format: json or console")
	flags.StringVar(&cfg.Obs.MetricsAddr, "metricsAddr", ":9101", "address the Prometheus /metrics endpoint listens on")
}

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Fprintln(os.Stderr, "worker: no .env file found, using environment variables")
	}
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "worker:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	logging.Init(logging.Config{Level: logging.Level(cfg.Log.Level), Format: logging.Format(cfg.Log.Format)})
	log := logging.WithComponent("worker")

	go func() {
		log.Info().Str("addr", cfg.Obs.MetricsAddr).Msg("worker: serving metrics")
		if err := http.ListenAndServe(cfg.Obs.MetricsAddr, metrics.Mux()); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("worker: metrics server stopped")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	storeURI, err := cfg.Store.URI()
	if err != nil {
		return fmt.Errorf("worker: resolve store credentials: %w", err)
	}
	store, err := mongostore.Connect(ctx, storeURI, log)
	if err != nil {
		return fmt.Errorf("worker: connect to store: %w", err)
	}
	defer store.Close(context.Background())

	brokerURL, err := cfg.Broker.URL()
	if err != nil {
		return fmt.Errorf("worker: resolve broker credentials: %w", err)
	}
	broker, err := rabbitmq.NewManager(brokerURL, log)
	if err != nil {
		return fmt.Errorf("worker: connect to broker: %w", err)
	}
	defer broker.Close()

	w := worker.New(
		broker,
		scanmanager.NewManager(),
		scancap.ReferenceFactory{},
		store,
		worker.Config{
			ParallelConnectionThreads: cfg.ParallelConnectionThreads,
			ParallelScanThreads:       cfg.ParallelScanThreads,
			ScanTimeout:               cfg.ScanTimeout,
			CancelGraceTimeout:        cfg.CancelGraceTimeout,
		},
		logging.WithComponent("worker"),
	)

	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("worker: start consuming scan jobs: %w", err)
	}
	log.Info().Int("parallelScanThreads", cfg.ParallelScanThreads).Msg("worker: consuming scan jobs")

	<-ctx.Done()
	log.Info().Msg("worker: shutting down")
	return nil
}
