package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chanwatch/internal/alerts"
	"chanwatch/internal/config"
	"chanwatch/internal/database"
	"chanwatch/internal/ingest"
	"chanwatch/internal/locales"
	"chanwatch/internal/monitor"
	"chanwatch/internal/pool"
	"chanwatch/internal/scheduler"
	"chanwatch/internal/telegram"
	"chanwatch/internal/webhook"

	sentry "github.com/getsentry/sentry-go"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	// Initialize localization bundle for alert texts
	locales.Init("en")

	// Initialize Sentry (if DSN is provided)
	err = sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.SentryDSN,
		Environment:      cfg.AppEnv,
		Release:          cfg.Version,
		EnableTracing:    true,
		TracesSampleRate: 1.0,
		Debug:            cfg.Debug,
	})
	if err != nil {
		log.Fatalf("sentry.Init: %s", err)
	}
	defer sentry.Flush(2 * time.Second)

	// Creating context for application lifecycle
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Connect to MongoDB
	client, db, err := database.ConnectDB(ctx, cfg)
	if err != nil {
		sentry.CaptureException(err)
		log.Fatal(err)
	}
	defer func() {
		if err = client.Disconnect(context.Background()); err != nil {
			log.Printf("Error disconnecting from MongoDB: %v", err)
			sentry.CaptureException(err)
		} else {
			log.Println("Disconnected from MongoDB.")
		}
	}()

	if err = database.EnsureIndexes(ctx, db); err != nil {
		sentry.CaptureException(err)
		log.Fatalf("Failed to ensure indexes: %v", err)
	}

	// Create repository instances
	accountRepo := database.NewMongoAccountRepository(db)
	channelRepo := database.NewMongoChannelRepository(db)
	assignmentRepo := database.NewMongoAssignmentRepository(db)
	messageRepo := database.NewMongoMessageRepository(db)
	webhookRepo := database.NewMongoWebhookRepository(db)
	deliveryRepo := database.NewMongoDeliveryRepository(db)

	// Operator alert bot; nil when no token is configured
	notifier, err := alerts.NewNotifier(cfg.AlertBotToken, cfg.AlertChatID, cfg.Debug)
	if err != nil {
		sentry.CaptureException(err)
		log.Fatalf("Failed to create alert notifier: %v", err)
	}

	// Account pool over MTProto clients with Mongo-backed sessions
	factory := telegram.NewGotdFactory(ctx, cfg.TelegramAppID, cfg.TelegramAppHash, accountRepo)
	poolCfg := pool.DefaultConfig()
	poolCfg.MaxConnectAttempts = cfg.MaxConnectAttempts
	poolCfg.AttemptWindow = cfg.AttemptWindow
	poolCfg.HealthInterval = cfg.HealthCheckInterval
	poolManager := pool.NewManager(accountRepo, assignmentRepo, factory, poolCfg)
	poolManager.SetAlerts(notifier)

	// Scheduler owns channel-to-account assignment; the pool calls back into
	// it when an account goes unhealthy
	sched := scheduler.New(accountRepo, channelRepo, assignmentRepo, poolManager, notifier, cfg.SweepInterval)
	poolManager.SetReassigner(sched)

	// Webhook fan-out, fed by the ingestion queue
	dispatcher := webhook.NewDispatcher(webhookRepo, deliveryRepo, webhook.Config{
		RetryLimit:    cfg.WebhookRetryLimit,
		Timeout:       cfg.WebhookTimeout,
		RetryInterval: cfg.WebhookRetryInterval,
		RetryWindow:   cfg.WebhookRetryWindow,
	}, notifier)

	pipeline := ingest.NewPipeline(accountRepo, channelRepo, assignmentRepo, messageRepo, poolManager, dispatcher.Dispatch, ingest.Config{
		PollInterval:    cfg.PollInterval,
		WindowDivisor:   cfg.PollWindowDivisor,
		FetchLimit:      cfg.FetchLimit,
		EventsPerMinute: cfg.EventsPerMinute,
		MaxFloodWait:    cfg.MaxFloodWait,
	})
	// Deletions pushed over live sessions flow into the same monotonic
	// delete path as absence-based detection
	factory.SetDeletionSink(pipeline)

	// Operator command surface on the alert bot
	service := monitor.NewService(channelRepo, assignmentRepo, webhookRepo, sched)
	commands := alerts.NewCommandListener(notifier, service, cfg.Debug)

	go commands.Run(ctx)
	go poolManager.HealthCheckLoop(ctx)
	go sched.SweepLoop(ctx)
	go dispatcher.RetryLoop(ctx)
	go pipeline.Run(ctx)

	log.Printf("chanwatch %s started (env %s)", cfg.Version, cfg.AppEnv)

	// Wait for context cancellation (e.g., SIGINT, SIGTERM)
	<-ctx.Done()

	log.Println("Shutting down...")
	drainQueuedEvents(pipeline.Queue())
	poolManager.Disconnect()
	log.Println("Shutdown complete.")
}

// drainQueuedEvents gives already-queued events a bounded chance to reach
// their webhooks before the process exits. Events still queued after the
// deadline are lost; polling re-detects missed messages on restart.
func drainQueuedEvents(queue *ingest.EventQueue) {
	if queue.Len() == 0 {
		return
	}
	drainCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()

	go queue.Drain(drainCtx)

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-drainCtx.Done():
			if n := queue.Len(); n > 0 {
				log.Printf("Dropping %d undelivered events on shutdown", n)
			}
			return
		case <-ticker.C:
			if queue.Len() == 0 {
				return
			}
		}
	}
}
