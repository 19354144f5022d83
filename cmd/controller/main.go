// Command controller runs the bulk-scan Controller: it reads a target
// list, resolves and denylist-filters each entry, and publishes a scan
// job per resolvable target, either once or on a recurring cron
// schedule.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/tlsfleet/crawlercore/internal/config"
	"github.com/tlsfleet/crawlercore/internal/controller"
	"github.com/tlsfleet/crawlercore/internal/crongate"
	"github.com/tlsfleet/crawlercore/internal/denylist"
	"github.com/tlsfleet/crawlercore/internal/logging"
	"github.com/tlsfleet/crawlercore/internal/metrics"
	"github.com/tlsfleet/crawlercore/internal/notify"
	"github.com/tlsfleet/crawlercore/internal/orchestration/rabbitmq"
	"github.com/tlsfleet/crawlercore/internal/persistence/mongostore"
	"github.com/tlsfleet/crawlercore/internal/progress"
	"github.com/tlsfleet/crawlercore/internal/targetparser"
	"github.com/tlsfleet/crawlercore/internal/targetsource"
)

var cfg config.ControllerConfig

// Overridden at build time via -ldflags "-X main.crawlerVersion=v... -X main.scannerVersion=v...".
var (
	crawlerVersion = "dev"
	scannerVersion = "reference-tls"
)

var rootCmd = &cobra.Command{
	Use:           "controller",
	Short:         "Publish TLS scan jobs for a bulk scan",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	flags := rootCmd.Flags()

	flags.IntVar(&cfg.PortToBeScanned, "portToBeScanned", 443, "default TCP port for targets without an explicit port")
	flags.StringVar(&cfg.ScanDetail, "scanDetail", "NORMAL", "scan detail level passed through to the scanner capability")
	flags.DurationVar(&cfg.Timeout, "timeout", 2*time.Second, "per-connection timeout")
	flags.IntVar(&cfg.Reexecutions, "reexecutions", 3, "number of reexecutions the scanner capability may attempt per target")
	flags.StringVar(&cfg.ScanCronInterval, "scanCronInterval", "", "cron expression for recurring bulk scans; omit for a single run")
	flags.StringVar(&cfg.ScanName, "scanName", "", "bulk scan name")
	flags.StringVar(&cfg.HostFile, "hostFile", "", "path to a newline-delimited target list")
	flags.StringVar(&cfg.Denylist, "denylist", "", "path to a denylist file")
	flags.BoolVar(&cfg.MonitorScan, "monitorScan", false, "track per-job completion and finalize the bulk scan record")
	flags.StringVar(&cfg.NotifyURL, "notifyUrl", "", "HTTP endpoint POSTed the finalized bulk scan; requires -monitorScan")
	flags.IntVar(&cfg.Tranco, "tranco", 0, "Tranco top-N list size to use as the target source")
	flags.StringVar(&cfg.Crux, "crux", "", "Chrome UX Report tier to use as the target source")
	flags.IntVar(&cfg.TrancoEmail, "trancoEmail", 0, "Tranco list size to request via the email-delivered export")

	flags.IntVar(&cfg.PublishMaxAttempts, "publishMaxAttempts", 5, "maximum broker publish attempts before a run fails")
	flags.Float64Var(&cfg.PublishRetryPerSec, "publishRetryPerSec", 2, "token-bucket rate for publish retry backoff")

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
	flags.StringVar(&cfg.Obs.MetricsAddr, "metricsAddr", ":9100", "address the Prometheus /metrics endpoint listens on")

	flags.StringVar(&cfg.Notify.OAuthTokenURL, "notifyOAuthTokenURL", "", "OAuth2 token endpoint for authenticating the notification POST")
	flags.StringVar(&cfg.Notify.OAuthClientID, "notifyOAuthClientID", "", "OAuth2 client id for the notification POST")
	flags.StringVar(&cfg.Notify.OAuthClientSecret, "notifyOAuthClientSecret", "", "OAuth2 client secret for the notification POST")
}

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Fprintln(os.Stderr, "controller: no .env file found, using environment variables")
	}
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "controller:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	logging.Init(logging.Config{Level: logging.Level(cfg.Log.Level), Format: logging.Format(cfg.Log.Format)})
	log := logging.WithComponent("controller")

	go func() {
		log.Info().Str("addr", cfg.Obs.MetricsAddr).Msg("controller: serving metrics")
		if err := http.ListenAndServe(cfg.Obs.MetricsAddr, metrics.Mux()); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("controller: metrics server stopped")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	storeURI, err := cfg.Store.URI()
	if err != nil {
		return fmt.Errorf("controller: resolve store credentials: %w", err)
	}
	store, err := mongostore.Connect(ctx, storeURI, log)
	if err != nil {
		return fmt.Errorf("controller: connect to store: %w", err)
	}
	defer store.Close(context.Background())

	brokerURL, err := cfg.Broker.URL()
	if err != nil {
		return fmt.Errorf("controller: resolve broker credentials: %w", err)
	}
	broker, err := rabbitmq.NewManager(brokerURL, log)
	if err != nil {
		return fmt.Errorf("controller: connect to broker: %w", err)
	}

	denyList, err := loadDenylist(cfg.Denylist, log)
	if err != nil {
		return err
	}

	monitor := progress.NewMonitor(store, broker, notify.NewSink(notify.OAuthConfig{
		TokenURL:     cfg.Notify.OAuthTokenURL,
		ClientID:     cfg.Notify.OAuthClientID,
		ClientSecret: cfg.Notify.OAuthClientSecret,
	}), logging.WithComponent("progress-monitor"))

	ctrl := controller.New(
		store,
		broker,
		targetparser.NetResolver{},
		denyList,
		monitor,
		rate.Limit(cfg.PublishRetryPerSec),
		cfg.PublishMaxAttempts,
		logging.WithComponent("controller"),
	)

	quiesced := make(chan struct{})
	gate := crongate.New(monitor.ActiveCount, func() {
		log.Info().Msg("controller: all bulk scans finalized")
		close(quiesced)
	}, logging.WithComponent("cron-gate"))
	gate.Start()

	// A bulk scan's own Progress Monitor entry can finalize well after
	// the cron trigger that started it has already returned and
	// reevaluated the gate once (the default single monitored scan: the
	// trigger itself only runs publishing, not the jobs draining). This
	// is the only other place the shutdown condition can become true.
	monitor.SetOnFinalize(gate.Reevaluate)
	defer func() {
		if err := broker.Close(); err != nil {
			log.Error().Err(err).Msg("controller: failed to close broker connection")
		}
	}()

	runOnce := func(ctx context.Context) error {
		source, err := newTargetSource(cfg)
		if err != nil {
			return err
		}
		defer source.Close()

		runCfg := controller.Config{
			ScanName:        cfg.ScanName,
			PortToBeScanned: cfg.PortToBeScanned,
			ScanDetail:      cfg.ScanDetail,
			Timeout:         cfg.Timeout,
			Reexecutions:    cfg.Reexecutions,
			Monitored:       cfg.MonitorScan,
			NotifyURL:       cfg.NotifyURL,
			ScannerVersion:  scannerVersion,
			CrawlerVersion:  crawlerVersion,
		}
		_, err = ctrl.Run(ctx, runCfg, source)
		return err
	}

	if cfg.ScanCronInterval != "" {
		if _, err := gate.Schedule(cfg.ScanCronInterval, func(fireCtx context.Context) {
			if err := runOnce(fireCtx); err != nil {
				log.Error().Err(err).Msg("controller: scheduled bulk scan failed")
			}
		}); err != nil {
			return fmt.Errorf("controller: schedule cron %q: %w", cfg.ScanCronInterval, err)
		}
		log.Info().Str("cron", cfg.ScanCronInterval).Msg("controller: running on a recurring schedule")
		<-ctx.Done()
		shutdownCtx := gate.Stop()
		<-shutdownCtx.Done()
		return nil
	}

	if err := gate.RunOnce(ctx, runOnce); err != nil {
		return fmt.Errorf("controller: bulk scan failed: %w", err)
	}

	// RunOnce's own reevaluate already closed quiesced if the scan was
	// unmonitored (no active scans at that point) or already finalized by
	// the time publishing finished. For a monitored scan, quiesced closes
	// later, once the Progress Monitor sees every done notification.
	select {
	case <-quiesced:
	case <-ctx.Done():
		log.Warn().Msg("controller: interrupted before the monitored bulk scan finalized")
	}
	return nil
}

func loadDenylist(path string, log zerolog.Logger) (*denylist.List, error) {
	if path == "" {
		return denylist.Empty(), nil
	}
	return denylist.Load(path, log)
}

func newTargetSource(cfg config.ControllerConfig) (targetsource.Source, error) {
	switch cfg.TargetListProviderKind() {
	case "hostFile":
		return targetsource.Open(cfg.HostFile)
	default:
		// Tranco/CrUX-backed providers are not implemented by this
		// module (see DESIGN.md); only a host file is a usable target
		// source today.
		return nil, fmt.Errorf("controller: target list provider %q is not implemented, use -hostFile", cfg.TargetListProviderKind())
	}
}
