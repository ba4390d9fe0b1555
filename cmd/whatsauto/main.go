package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"whatsauto/internal/automation"
	"whatsauto/internal/backend"
	"whatsauto/internal/campaign"
	"whatsauto/internal/config"
	"whatsauto/internal/constants"
	"whatsauto/internal/database"
	"whatsauto/internal/delivery"
	"whatsauto/internal/metrics"
	"whatsauto/internal/models"
	"whatsauto/internal/progress"
	"whatsauto/internal/retry"
	"whatsauto/internal/service"
	"whatsauto/internal/tracing"
	"whatsauto/pkg/whatsapp"

	"github.com/sirupsen/logrus"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	verbose    = flag.Bool("verbose", false, "Enable verbose logging (includes full phone numbers)")
	configPath = flag.String("config", constants.DefaultConfigPath, "Path to configuration file")
	envPath    = flag.String("env", ".env", "Path to an optional .env file")
	version    = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("whatsauto %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.Fatalf("Application error: %v", err)
	}
}

func run(ctx context.Context) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting whatsauto")

	if err := config.LoadDotEnv(*envPath); err != nil {
		logger.WithError(err).Warn("Ignoring unreadable .env file")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	configureLogLevel(logger, cfg.LogLevel, *verbose)

	loc, err := config.Location(cfg)
	if err != nil {
		return err
	}

	tracingManager := tracing.NewManager(cfg.Tracing, logger)
	if err := tracingManager.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	metrics.MustRegister()

	db, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	backendClient := backend.NewClient(cfg.Backend, retry.NewBackoff(retry.PolicyFromConfig(cfg.Retry)), logger)

	waClient := whatsapp.NewClient(cfg.WhatsApp.APIBaseURL, cfg.WhatsApp.APIVersion, cfg.WhatsApp.PhoneNumberID,
		cfg.WhatsApp.AccessToken, time.Duration(cfg.WhatsApp.TimeoutSec)*time.Second)
	breaker := delivery.NewBreaker(constants.DefaultCircuitBreakerMaxFailures,
		constants.DefaultCircuitBreakerTimeoutSec*time.Second, logger)
	sender := delivery.NewCloudSender(waClient, breaker, logger)

	engine := automation.NewEngine(db, backendClient, sender, logger, automation.Options{
		Workers:         cfg.Automation.Workers,
		QueueSize:       cfg.Automation.QueueSize,
		MessagingWindow: cfg.Automation.MessagingWindow(),
		SendTimeout:     cfg.Campaign.SendTimeout(),
		DueBatchSize:    cfg.Automation.DueSendBatchSize,
		Location:        loc,
		Verbose:         *verbose,
	})

	hub := progress.NewHub(constants.DefaultProgressBufferSize, logger)
	dispatcher := campaign.NewDispatcher(db, backendClient, backendClient, sender, hub, logger, campaign.Options{
		Gaps:        cfg.Campaign.Pacing.Gaps(),
		SendTimeout: cfg.Campaign.SendTimeout(),
		Location:    loc,
		Verbose:     *verbose,
	})

	recoverInterrupted(ctx, engine, dispatcher, logger)

	runCtx, cancel := context.WithCancel(service.WithVerbose(ctx, *verbose))
	defer cancel()

	var wg sync.WaitGroup
	goRun := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(runCtx)
		}()
	}

	scheduler := service.NewScheduler(logger,
		service.Job{
			Name:     "campaigns.start_due",
			Interval: time.Duration(cfg.Campaign.SchedulerIntervalSec) * time.Second,
			Run:      dispatcher.StartDue,
		},
		service.Job{
			Name:     "automation.dispatch_due",
			Interval: time.Duration(cfg.Automation.DueSendIntervalSec) * time.Second,
			Run:      engine.DispatchDue,
		},
	)
	monitor := service.NewDeliveryMonitor(db,
		time.Duration(cfg.Campaign.MonitorIntervalSec)*time.Second,
		time.Duration(cfg.Campaign.StaleThresholdMin)*time.Minute, logger)
	watcher := config.NewWatcher(*configPath, cfg, logger)
	watcher.OnChange(func(c *models.Config) { configureLogLevel(logger, c.LogLevel, *verbose) })

	goRun(engine.Run)
	goRun(scheduler.Start)
	goRun(monitor.Start)
	goRun(watcher.Start)

	server := NewServer(cfg, engine, dispatcher, hub, db, logger)
	serverErrCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			serverErrCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case runErr = <-serverErrCh:
		logger.Error(runErr)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), constants.DefaultGracefulShutdownSec*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Failed to shutdown server gracefully")
	}
	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Campaign sends still in flight at shutdown")
	}

	cancel()
	wg.Wait()

	logger.Info("Shutdown completed")
	return runErr
}

func openDatabase(ctx context.Context, cfg *models.Config, logger *logrus.Logger) (*database.Database, error) {
	backoff := retry.NewBackoff(retry.Policy{
		InitialDelay: time.Duration(cfg.Retry.InitialBackoffMs) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.Retry.MaxBackoffMs) * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  constants.DefaultDatabaseRetryAttempts,
		Jitter:       true,
	})

	var db *database.Database
	err := backoff.Do(ctx, func(ctx context.Context) error {
		var initErr error
		db, initErr = database.New(ctx, cfg.Database)
		if initErr != nil {
			logger.Warnf("Failed to initialize database: %v", initErr)
		}
		return initErr
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database after retries: %w", err)
	}
	return db, nil
}

type recoverer interface {
	Recover(ctx context.Context) (int, error)
}

// recoverInterrupted settles work a previous process left half done before
// any new work is accepted.
func recoverInterrupted(ctx context.Context, engine, dispatcher recoverer, logger *logrus.Logger) {
	if n, err := engine.Recover(ctx); err != nil {
		logger.WithError(err).Error("Failed to recover interrupted automation sends")
	} else if n > 0 {
		logger.WithField(service.LogFieldCount, n).Warn("Marked interrupted automation sends as failed")
	}

	if n, err := dispatcher.Recover(ctx); err != nil {
		logger.WithError(err).Error("Failed to resume running campaigns")
	} else if n > 0 {
		logger.WithField(service.LogFieldCount, n).Info("Resumed running campaigns")
	}
}

// configureLogLevel applies level from the config file. Debug output needs
// the -verbose flag; anything more verbose than info is capped otherwise.
func configureLogLevel(logger *logrus.Logger, level string, verbose bool) {
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
		return
	}

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		logger.Warnf("Invalid log level %q, defaulting to info", level)
		logger.SetLevel(logrus.InfoLevel)
		return
	}
	if parsed > logrus.InfoLevel {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)
}
