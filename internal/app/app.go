// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bissquit/tutordesk/internal/config"
	"github.com/bissquit/tutordesk/internal/domain"
	"github.com/bissquit/tutordesk/internal/notifications"
	"github.com/bissquit/tutordesk/internal/notifications/email"
	notificationspostgres "github.com/bissquit/tutordesk/internal/notifications/postgres"
	"github.com/bissquit/tutordesk/internal/outbox"
	outboxpostgres "github.com/bissquit/tutordesk/internal/outbox/postgres"
	"github.com/bissquit/tutordesk/internal/pkg/ctxlog"
	"github.com/bissquit/tutordesk/internal/pkg/errtrack"
	"github.com/bissquit/tutordesk/internal/pkg/httputil"
	"github.com/bissquit/tutordesk/internal/pkg/jwtauth"
	"github.com/bissquit/tutordesk/internal/pkg/metrics"
	"github.com/bissquit/tutordesk/internal/pkg/postgres"
	"github.com/bissquit/tutordesk/internal/telegram"
	telegrampostgres "github.com/bissquit/tutordesk/internal/telegram/postgres"
	"github.com/bissquit/tutordesk/internal/version"
	"github.com/bissquit/tutordesk/migrations"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const statsInterval = 15 * time.Second

// App represents the application instance.
type App struct {
	config  *config.Config
	logger  *slog.Logger
	db      *pgxpool.Pool
	tracker *errtrack.Tracker

	server        *http.Server
	metricsServer *http.Server

	outbox     *outbox.Service
	worker     *outbox.Worker
	janitor    *outbox.Janitor
	schedulers []*notifications.Scheduler

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
	started  bool
}

// New creates a new application instance: it connects to the database,
// applies migrations and wires every component. Background loops start
// with Run.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	tracker, err := errtrack.New(errtrack.Config{
		DSN:         cfg.Sentry.DSN,
		Environment: cfg.Sentry.Environment,
		Release:     version.Version,
		SampleRate:  cfg.Sentry.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("init error tracking: %w", err)
	}

	connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
	defer connectCancel()

	db, err := postgres.Connect(connectCtx, postgres.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectAttempts: cfg.Database.ConnectAttempts,
		ApplicationName: "tutordesk",
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if cfg.Database.AutoMigrate {
		if err := postgres.Migrate(migrations.FS, cfg.Database.URL); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
	}

	metrics.BuildInfo.WithLabelValues(version.Version, version.GitCommit).Set(1)

	app := &App{
		config:  cfg,
		logger:  logger,
		db:      db,
		tracker: tracker,
	}

	router, err := app.setup()
	if err != nil {
		db.Close()
		return nil, err
	}

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return app, nil
}

func (a *App) setup() (*chi.Mux, error) {
	cfg := a.config

	outboxRepo := outboxpostgres.NewRepository(a.db)
	a.outbox = outbox.NewService(outboxRepo)
	registry := outbox.NewRegistry()

	telegramSender, err := telegram.NewSender(telegram.Config{
		Enabled:       cfg.Telegram.Enabled,
		BotToken:      cfg.Telegram.BotToken,
		BotUsername:   cfg.Telegram.BotUsername,
		WebhookSecret: cfg.Telegram.WebhookSecret,
		RateLimit:     cfg.Telegram.RateLimit,
		APIURL:        cfg.Telegram.APIURL,
	})
	if err != nil {
		return nil, fmt.Errorf("create telegram sender: %w", err)
	}
	if !telegramSender.Enabled() {
		slog.Warn("telegram is disabled: telegram notifications will be retried until it is configured")
	}

	emailSender, err := email.NewSender(email.Config{
		Enabled:      cfg.Email.Enabled,
		SMTPHost:     cfg.Email.SMTPHost,
		SMTPPort:     cfg.Email.SMTPPort,
		SMTPUser:     cfg.Email.SMTPUser,
		SMTPPassword: cfg.Email.SMTPPassword,
		FromAddress:  cfg.Email.FromAddress,
		DialTimeout:  cfg.Email.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("create email sender: %w", err)
	}

	renderer, err := notifications.NewRenderer()
	if err != nil {
		return nil, fmt.Errorf("create notification renderer: %w", err)
	}

	notificationsRepo := notificationspostgres.NewRepository(a.db)
	for _, sender := range []notifications.Sender{telegramSender, emailSender} {
		notifications.NewDeliveryHandler(notificationsRepo, sender, renderer).Register(registry)

		a.schedulers = append(a.schedulers, notifications.NewScheduler(notifications.SchedulerConfig{
			Channel:   sender.Channel(),
			Interval:  cfg.Notifications.Scheduler.Interval,
			BatchSize: cfg.Notifications.Scheduler.BatchSize,
		}, notificationsRepo, a.outbox))
	}

	telegramRepo := telegrampostgres.NewRepository(a.db)
	bot := telegram.NewBot(telegramRepo, telegramSender)
	telegram.NewUpdateHandler(bot).Register(registry)

	a.worker = outbox.NewWorker(outbox.WorkerConfig{
		BatchSize:      cfg.Outbox.Worker.BatchSize,
		PollInterval:   cfg.Outbox.Worker.PollInterval,
		InitialBackoff: cfg.Outbox.Worker.InitialBackoff,
		MaxBackoff:     cfg.Outbox.Worker.MaxBackoff,
		MaxJitter:      cfg.Outbox.Worker.MaxJitter,
		HandlerTimeout: cfg.Outbox.Worker.HandlerTimeout,
		Concurrency:    cfg.Outbox.Worker.Concurrency,
	}, outboxRepo, registry)
	a.worker.OnDeadLetter(a.reportDeadLetter)

	a.janitor = outbox.NewJanitor(outbox.JanitorConfig{
		RecoverInterval: cfg.Outbox.Janitor.RecoverInterval,
		StuckAfter:      cfg.Outbox.Janitor.StuckAfter,
		CleanupInterval: cfg.Outbox.Janitor.CleanupInterval,
		Retention:       cfg.Outbox.Janitor.Retention,
	}, outboxRepo)

	auth, err := jwtauth.New(jwtauth.Config{
		SecretKey: cfg.JWT.SecretKey,
		Issuer:    cfg.JWT.Issuer,
	})
	if err != nil {
		return nil, fmt.Errorf("create authenticator: %w", err)
	}

	account := telegram.NewAccountHandler(telegram.AccountConfig{
		Enabled:     telegramSender.Enabled(),
		BotUsername: cfg.Telegram.BotUsername,
		TokenTTL:    cfg.Telegram.LinkTokenTTL,
	}, telegramRepo)

	return a.setupRouter(auth, telegram.NewWebhookHandler(cfg.Telegram.WebhookSecret, a.outbox), account), nil
}

func (a *App) setupRouter(auth httputil.TokenValidator, webhook *telegram.WebhookHandler, account *telegram.AccountHandler) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	outboxHandler := outbox.NewHandler(a.outbox)

	r.Route("/api/v1", func(r chi.Router) {
		webhook.RegisterRoutes(r)

		r.Group(func(r chi.Router) {
			r.Use(httputil.AuthMiddleware(auth))
			r.Use(httputil.RequireRole(domain.RoleTutor))
			account.RegisterRoutes(r)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(httputil.AuthMiddleware(auth))
			r.Use(httputil.RequireRole(domain.RoleAdmin))
			outboxHandler.RegisterRoutes(r)
		})
	})

	return r
}

// Run starts the background loops and the HTTP servers. It blocks until the
// main server stops.
func (a *App) Run() error {
	if err := a.StartBackground(); err != nil {
		return err
	}

	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
		"version", version.Version,
	)

	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// StartBackground starts the dispatch worker, the scheduling loops, queue
// maintenance and metrics collection, as enabled by configuration.
func (a *App) StartBackground() error {
	ctx, cancel := context.WithCancel(context.Background())
	a.bgCancel = cancel
	a.started = true

	a.bgWG.Add(2)
	go func() {
		defer a.bgWG.Done()
		metrics.CollectDBPool(ctx, a.db, statsInterval)
	}()
	go func() {
		defer a.bgWG.Done()
		a.collectQueueMetrics(ctx)
	}()

	if a.config.Outbox.Worker.Enabled {
		a.worker.Start(ctx)
	}

	if a.config.Outbox.Janitor.Enabled {
		if err := a.janitor.Start(ctx); err != nil {
			return fmt.Errorf("start outbox janitor: %w", err)
		}
	}

	if a.config.Notifications.Scheduler.Enabled {
		for _, s := range a.schedulers {
			if err := s.Start(ctx); err != nil {
				return fmt.Errorf("start notification scheduler: %w", err)
			}
		}
	}

	return nil
}

// Shutdown gracefully shuts down the application.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	if a.started {
		// Producers first, so the worker does not pick up work mid-shutdown.
		for _, s := range a.schedulers {
			s.Stop()
		}
		a.janitor.Stop()
		if a.config.Outbox.Worker.Enabled {
			if err := a.worker.Stop(ctx); err != nil {
				a.logger.Warn("outbox worker did not finish its batch before shutdown deadline", "error", err)
			}
		}
		a.bgCancel()
		a.bgWG.Wait()
	}

	var wg sync.WaitGroup
	var errs []error
	var mu sync.Mutex

	for name, srv := range map[string]*http.Server{"server": a.server, "metrics server": a.metricsServer} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Shutdown(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("shutdown %s: %w", name, err))
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	a.tracker.Flush(2 * time.Second)
	a.db.Close()

	return errors.Join(errs...)
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Worker returns the dispatch worker. Used in tests to run ticks directly.
func (a *App) Worker() *outbox.Worker {
	return a.worker
}

// Schedulers returns the notification scheduling loops, one per channel.
func (a *App) Schedulers() []*notifications.Scheduler {
	return a.schedulers
}

func (a *App) reportDeadLetter(_ context.Context, item *outbox.Item, err error) {
	details := map[string]any{
		"item_id":      item.ID,
		"attempts":     item.Attempts,
		"max_attempts": item.MaxAttempts,
	}
	if item.DedupeKey != nil {
		details["dedupe_key"] = *item.DedupeKey
	}
	a.tracker.CaptureError(err, map[string]string{"topic": item.Topic}, details)
}

func (a *App) collectQueueMetrics(ctx context.Context) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats, err := a.outbox.Stats(ctx)
			if err != nil {
				if ctx.Err() == nil {
					slog.Error("failed to get queue stats", "error", err)
				}
				continue
			}
			outbox.RecordQueueStats(stats)
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.db.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"commit":     version.GitCommit,
		"build_date": version.BuildDate,
	})
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler).With("service", "tutordesk")
}
