package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/clinic-scheduler/internal/api/router"
	"github.com/wolfman30/clinic-scheduler/internal/appointments"
	"github.com/wolfman30/clinic-scheduler/internal/audit"
	"github.com/wolfman30/clinic-scheduler/internal/availability"
	"github.com/wolfman30/clinic-scheduler/internal/cache"
	"github.com/wolfman30/clinic-scheduler/internal/calendar"
	"github.com/wolfman30/clinic-scheduler/internal/clinic"
	appconfig "github.com/wolfman30/clinic-scheduler/internal/config"
	"github.com/wolfman30/clinic-scheduler/internal/events"
	httpmiddleware "github.com/wolfman30/clinic-scheduler/internal/http/middleware"
	"github.com/wolfman30/clinic-scheduler/internal/jobs"
	"github.com/wolfman30/clinic-scheduler/internal/messaging"
	"github.com/wolfman30/clinic-scheduler/internal/notify"
	"github.com/wolfman30/clinic-scheduler/internal/observability/metrics"
	"github.com/wolfman30/clinic-scheduler/internal/queue"
	"github.com/wolfman30/clinic-scheduler/internal/reminders"
	"github.com/wolfman30/clinic-scheduler/pkg/logging"
)

const slotLockTTL = 10 * time.Second

// Deps are the external connections. Any of them may be nil; the matching
// in-memory implementation is used instead.
type Deps struct {
	Postgres   *pgxpool.Pool
	AuditDB    *sql.DB
	Redis      *redis.Client
	AWS        *aws.Config
	Registerer prometheus.Registerer
}

// App is the wired application shared by the API and the worker.
type App struct {
	Config       *appconfig.Config
	Logger       *logging.Logger
	Clinic       clinic.ConfigStore
	Calendar     calendar.Client
	Availability *availability.Service
	Appointments *appointments.Service
	JobStore     jobs.Store
	Scheduler    *jobs.Scheduler
	Executor     *jobs.Executor
	Outbox       events.Store
	Deliverer    *events.Deliverer
	Deliveries   messaging.DeliveryStore
	Sender       messaging.Sender
	Processed    messaging.Deduper
	Alerter      *notify.OperatorAlerter
	Metrics      *metrics.SchedulerMetrics

	deps Deps
}

// New wires every component from cfg and deps.
func New(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, deps Deps) (*App, error) {
	if cfg == nil {
		return nil, errors.New("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	a := &App{Config: cfg, Logger: logger, deps: deps}
	if deps.Registerer != nil {
		a.Metrics = metrics.NewSchedulerMetrics(deps.Registerer)
	}

	a.Clinic = buildClinicStore(cfg, deps.Redis)
	cal, err := BuildCalendar(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Calendar = cal
	a.Alerter = BuildAlerter(cfg, deps.AWS, logger)

	store, storeName, err := BuildJobStore(cfg, deps.Postgres, deps.Redis)
	if err != nil {
		return nil, err
	}
	a.JobStore = store
	policy := jobs.RetryPolicy{MaxAttempts: cfg.JobMaxAttempts, BaseDelay: cfg.JobBackoffBase, MaxDelay: time.Hour}
	a.Scheduler = jobs.NewScheduler(store, logger.WithComponent("jobs"),
		jobs.WithRetryPolicy(policy),
		jobs.WithMetrics(a.Metrics),
	)
	a.Executor = jobs.NewExecutor(store, logger.WithComponent("jobs"),
		jobs.WithExecutorPolicy(policy),
		jobs.WithAlerter(a.Alerter),
		jobs.WithExecutorMetrics(a.Metrics),
	)

	var repo appointments.Repository
	if deps.Postgres != nil {
		repo = appointments.NewPostgresRepository(deps.Postgres)
		a.Outbox = events.NewOutboxStore(deps.Postgres)
		a.Processed = events.NewProcessedStore(deps.Postgres)
	} else {
		repo = appointments.NewInMemoryRepository()
		a.Outbox = events.NewMemoryOutbox()
		a.Processed = events.NewMemoryProcessedStore()
	}
	recorder := events.NewRecorder(a.Outbox, cfg.ClinicID)

	a.Availability = availability.NewService(cfg.ClinicID, a.Clinic, appointments.NewBookingSource(repo), a.Calendar, logger.WithComponent("availability"))
	coordinator := appointments.NewCoordinator(a.Scheduler, recorder, cfg.NoShowGrace, logger.WithComponent("appointments"))

	opts := []appointments.Option{
		appointments.WithClinicID(cfg.ClinicID),
		appointments.WithSideEffects(recorder),
		appointments.WithMetrics(a.Metrics),
	}
	if deps.AuditDB != nil {
		opts = append(opts, appointments.WithAuditor(audit.NewLog(deps.AuditDB)))
	}
	if deps.Redis != nil {
		opts = append(opts, appointments.WithSlotLocker(appointments.NewRedisSlotLocker(deps.Redis, slotLockTTL)))
	}
	a.Appointments = appointments.NewService(repo, a.Availability, coordinator, logger.WithComponent("appointments"), opts...)

	var invalidator events.CacheInvalidator = cache.NoopInvalidator{}
	if deps.Redis != nil {
		invalidator = cache.NewRedisInvalidator(deps.Redis, logger.WithComponent("cache"))
	}
	sideEffects := events.NewSideEffectHandler(a.Calendar, repo, invalidator, logger.WithComponent("outbox"))
	a.Deliverer = events.NewDeliverer(a.Outbox, sideEffects, logger.WithComponent("outbox")).
		WithInterval(cfg.OutboxInterval).
		WithMaxAttempts(cfg.OutboxMaxRetries).
		WithAlerter(a.Alerter).
		WithMetrics(a.Metrics)

	sender, provider := BuildSender(cfg, logger.WithComponent("messaging"))
	a.Sender = sender
	deliveries, deliveryBackend := BuildDeliveryStore(cfg, deps.AWS, deps.Postgres, logger)
	a.Deliveries = deliveries

	handlers, err := reminders.NewHandlers(a.Appointments, a.Sender, a.Deliveries, logger,
		reminders.WithChannel(messaging.ParseChannel(cfg.MessageChannel)),
		reminders.WithClinicName(cfg.ClinicName),
	)
	if err != nil {
		return nil, err
	}
	handlers.Register(a.Executor)

	logger.Info("application wired",
		"clinic_id", cfg.ClinicID,
		"job_store", storeName,
		"message_provider", provider,
		"delivery_log", deliveryBackend,
		"postgres", deps.Postgres != nil,
		"redis", deps.Redis != nil,
	)
	return a, nil
}

// Router builds the HTTP handler. metricsHandler may be nil.
func (a *App) Router(metricsHandler http.Handler) http.Handler {
	cfg := a.Config
	limiter := httpmiddleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	return router.New(&router.Config{
		Logger:             a.Logger,
		Availability:       availability.NewHandler(a.Availability, a.Logger),
		Appointments:       appointments.NewHandler(a.Appointments, a.Logger),
		ClinicHandler:      clinic.NewHandler(cfg.ClinicID, a.Clinic, a.Logger),
		JobsHandler:        jobs.NewHandler(a.Scheduler, a.Logger),
		TwilioStatus:       messaging.NewStatusHandler(a.Deliveries, a.Processed, cfg.TwilioAuthToken, TwilioStatusURL(cfg), a.Logger),
		MetricsHandler:     metricsHandler,
		AdminAuthSecret:    cfg.AdminJWTSecret,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		PublicRateLimiter:  limiter,
		HealthCheck:        a.healthCheck,
	})
}

func (a *App) healthCheck(ctx context.Context) error {
	if a.deps.Postgres != nil {
		if err := a.deps.Postgres.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	if a.deps.Redis != nil {
		if err := a.deps.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// RunWorkers runs the job runner and the outbox deliverer until ctx is done.
// With a queue URL, due jobs go through SQS and are executed by a consumer;
// otherwise the runner executes them inline.
func (a *App) RunWorkers(ctx context.Context) error {
	cfg := a.Config
	dispatcher, consumer, err := a.buildDispatch()
	if err != nil {
		return err
	}
	runner := jobs.NewRunner(a.JobStore, dispatcher, jobs.RunnerConfig{
		Interval:  cfg.JobPollInterval,
		BatchSize: cfg.JobBatchSize,
	}, a.Logger.WithComponent("runner"))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		runner.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		a.Deliverer.Start(ctx)
	}()
	if consumer != nil {
		consumer.Start(ctx)
		defer consumer.Wait()
	}
	wg.Wait()
	return nil
}

func (a *App) buildDispatch() (jobs.Dispatcher, *jobs.Consumer, error) {
	cfg := a.Config
	var q queue.Client
	switch {
	case cfg.UseMemoryQueue || cfg.JobQueueURL == "":
		return jobs.InlineDispatcher{Executor: a.Executor}, nil, nil
	case a.deps.AWS == nil:
		return nil, nil, errors.New("bootstrap: JOB_QUEUE_URL set but AWS config missing")
	default:
		q = queue.NewSQSQueue(sqs.NewFromConfig(*a.deps.AWS), cfg.JobQueueURL)
	}
	consumer := jobs.NewConsumer(q, a.Executor, a.Logger.WithComponent("consumer"), jobs.WithConsumerWorkers(cfg.WorkerCount))
	return jobs.NewQueueDispatcher(q), consumer, nil
}

func buildClinicStore(cfg *appconfig.Config, rdb *redis.Client) clinic.ConfigStore {
	defaults := func(clinicID string) *clinic.Config {
		c := clinic.DefaultConfig(clinicID)
		c.Name = cfg.ClinicName
		c.UTCOffsetMinutes = cfg.ClinicUTCOffsetMinutes
		return c
	}
	if rdb == nil {
		return clinic.NewMemoryStore(defaults)
	}
	return clinic.NewStore(rdb).WithDefaults(defaults)
}

// BuildCalendar returns the Google client when a calendar id is configured.
func BuildCalendar(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (calendar.Client, error) {
	if cfg.GoogleCalendarID == "" {
		return calendar.NoopClient{}, nil
	}
	client, err := calendar.NewGoogleClient(ctx, cfg.GoogleCalendarID, []byte(cfg.GoogleCredentialsJSON), logger.WithComponent("calendar"))
	if err != nil {
		return nil, fmt.Errorf("bootstrap: calendar: %w", err)
	}
	return client, nil
}

// BuildJobStore selects the job store named by JOB_STORE.
func BuildJobStore(cfg *appconfig.Config, pool *pgxpool.Pool, rdb *redis.Client) (jobs.Store, string, error) {
	switch cfg.JobStore {
	case "", "memory":
		return jobs.NewMemoryStore(), "memory", nil
	case "postgres":
		if pool == nil {
			return nil, "", errors.New("bootstrap: JOB_STORE=postgres requires DATABASE_URL")
		}
		return jobs.NewPostgresStore(pool), "postgres", nil
	case "redis":
		if rdb == nil {
			return nil, "", errors.New("bootstrap: JOB_STORE=redis requires REDIS_ADDR")
		}
		return jobs.NewRedisStore(rdb, "jobs:"+cfg.ClinicID), "redis", nil
	default:
		return nil, "", fmt.Errorf("bootstrap: unknown JOB_STORE %q", cfg.JobStore)
	}
}

// BuildAlerter emails OPS_ALERT_EMAIL through SendGrid, then SES, then logs.
func BuildAlerter(cfg *appconfig.Config, awsCfg *aws.Config, logger *logging.Logger) *notify.OperatorAlerter {
	var email notify.EmailSender
	switch {
	case cfg.SendGridAPIKey != "":
		email = notify.NewSendGridSender(notify.SendGridConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromEmail: cfg.SendGridFromEmail,
			FromName:  cfg.SendGridFromName,
		}, logger)
	case cfg.SESFromEmail != "" && awsCfg != nil:
		email = notify.NewSESSender(sesv2.NewFromConfig(*awsCfg), notify.SESConfig{
			FromEmail: cfg.SESFromEmail,
			FromName:  cfg.SendGridFromName,
		}, logger)
	default:
		email = notify.NewStubEmailSender(logger)
	}
	return notify.NewOperatorAlerter(email, cfg.OpsAlertEmail, cfg.Env, logger)
}
