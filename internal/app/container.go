package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/acme/voice-campaign-engine/internal/channels"
	"github.com/acme/voice-campaign-engine/internal/config"
	"github.com/acme/voice-campaign-engine/internal/dispatch"
	"github.com/acme/voice-campaign-engine/internal/health"
	"github.com/acme/voice-campaign-engine/internal/infra/db"
	"github.com/acme/voice-campaign-engine/internal/infra/rabbitmq"
	"github.com/acme/voice-campaign-engine/internal/infra/redis"
	"github.com/acme/voice-campaign-engine/internal/processing"
	"github.com/acme/voice-campaign-engine/internal/queue"
	"github.com/acme/voice-campaign-engine/internal/ratelimit"
	"github.com/acme/voice-campaign-engine/internal/repository"
	pgrepo "github.com/acme/voice-campaign-engine/internal/repository/postgres"
	scyllarepo "github.com/acme/voice-campaign-engine/internal/repository/scylla"
	"github.com/acme/voice-campaign-engine/internal/retry"
	"github.com/acme/voice-campaign-engine/internal/scheduler"
	"github.com/acme/voice-campaign-engine/internal/scoring"
	"github.com/acme/voice-campaign-engine/internal/sequence"
	"github.com/acme/voice-campaign-engine/internal/telemetry"
	"github.com/acme/voice-campaign-engine/internal/telephony"
	telephonyMock "github.com/acme/voice-campaign-engine/internal/telephony/mock"
	"github.com/acme/voice-campaign-engine/internal/webhook"
	dispatchworker "github.com/acme/voice-campaign-engine/internal/worker/dispatch"
	"github.com/acme/voice-campaign-engine/pkg/logger"
)

const (
	mockSuccessRate = 0.9
	mockLatency     = 150 * time.Millisecond
)

// Container wires together shared infrastructure dependencies.
type Container struct {
	Config   *config.Config
	Logger   *logger.Logger
	Reporter telemetry.ErrorReporter

	Postgres *db.Postgres
	Scylla   *db.Scylla
	Redis    *redis.Client
	Kafka    *queue.Kafka

	flushSentry func(time.Duration)

	// lazily initialised components
	components struct {
		once         sync.Once
		repositories *Repositories
		publishers   *Publishers
		core         *Core
	}

	rabbit struct {
		mu     sync.Mutex
		client *rabbitmq.Client
	}

	closers []func() error
}

// Repositories are the storage adapters.
type Repositories struct {
	Campaigns repository.CampaignRepository
	Contacts  repository.ContactRepository
	Attempts  repository.CallAttemptRepository
	Sequences repository.SequenceRepository
	Queue     repository.QueueRepository
	Health    repository.HealthRepository
	Events    repository.CallEventArchive
}

// Publishers are the Kafka producers.
type Publishers struct {
	DispatchRequests *queue.DispatchRequestPublisher
	Events           *queue.EventPublisher
	Notifier         *queue.Notifier
}

// Core holds the components every process shares.
type Core struct {
	Provider   telephony.Provider
	Limiter    *ratelimit.Limiter
	Dispatcher *dispatch.Dispatcher
	Retries    *retry.Policy
	Health     *health.Monitor
}

// Build constructs a container for the given configuration path.
func Build(ctx context.Context, configPath string) (*Container, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, err
	}

	reporter, flush, err := telemetry.SetupSentry(cfg.Sentry, cfg.App)
	if err != nil {
		return nil, fmt.Errorf("bootstrap sentry: %w", err)
	}

	container := &Container{Config: cfg, Logger: lg, Reporter: reporter, flushSentry: flush}

	pg, err := db.NewPostgres(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("bootstrap postgres: %w", err)
	}
	container.Postgres = pg

	scylla, err := db.NewScylla(cfg.Scylla)
	if err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("bootstrap scylla: %w", err)
	}
	container.Scylla = scylla

	redisClient, err := redis.NewClient(ctx, cfg.Redis)
	if err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("bootstrap redis: %w", err)
	}
	container.Redis = redisClient

	kafka, err := queue.NewKafka(cfg.Kafka)
	if err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("bootstrap kafka: %w", err)
	}
	container.Kafka = kafka

	return container, nil
}

func (c *Container) initComponents() {
	c.components.once.Do(func() {
		log := c.Logger

		repos := &Repositories{
			Campaigns: pgrepo.NewCampaignRepository(c.Postgres.DB()),
			Contacts:  pgrepo.NewContactRepository(c.Postgres.DB()),
			Attempts:  pgrepo.NewCallAttemptRepository(c.Postgres.DB()),
			Sequences: pgrepo.NewSequenceRepository(c.Postgres.DB()),
			Queue:     pgrepo.NewQueueRepository(c.Postgres.DB()),
			Health:    scyllarepo.NewHealthLog(c.Scylla.Session()),
			Events:    scyllarepo.NewEventArchive(c.Scylla.Session()),
		}

		pubs := &Publishers{
			DispatchRequests: queue.NewDispatchRequestPublisher(c.Kafka, c.Config.Kafka.DispatchRequestTopic),
			Events:           queue.NewEventPublisher(c.Kafka, c.Config.Kafka.EventTopic),
			Notifier:         queue.NewNotifier(c.Kafka, c.Config.Kafka.NotificationTopic),
		}
		c.closers = append(c.closers, pubs.DispatchRequests.Close, pubs.Events.Close, pubs.Notifier.Close)

		var provider telephony.Provider
		if c.Config.Provider.Mock {
			log.Warn("using mock voice provider")
			provider = telephonyMock.NewProvider(mockSuccessRate, mockLatency)
		} else {
			provider = telephony.NewHTTPProvider(c.Config.Provider, c.Config.Dispatch.RequestTimeout)
		}

		limiter := ratelimit.New(
			ratelimit.NewRedisStore(c.Redis.Inner(), c.Redis.KeyPrefix()),
			c.Config.Dispatch.SettlementTimeout,
		)

		core := &Core{
			Provider:   provider,
			Limiter:    limiter,
			Dispatcher: dispatch.New(repos.Contacts, repos.Attempts, limiter, provider, c.Config.Dispatch, log.Named("dispatch")),
			Retries:    retry.NewPolicy(repos.Attempts, log.Named("retry")),
			Health: health.NewMonitor(
				provider,
				repos.Health,
				repos.Campaigns,
				pubs.Notifier,
				c.Config.Health,
				c.Config.Provider.Name,
				log.Named("health"),
				c.Reporter,
			),
		}

		c.components.repositories = repos
		c.components.publishers = pubs
		c.components.core = core
	})
}

// Repositories exposes initialized repositories.
func (c *Container) Repositories() *Repositories {
	c.initComponents()
	return c.components.repositories
}

// Publishers exposes the Kafka producers.
func (c *Container) Publishers() *Publishers {
	c.initComponents()
	return c.components.publishers
}

// Core exposes the shared components.
func (c *Container) Core() *Core {
	c.initComponents()
	return c.components.core
}

// Scheduler builds the campaign scheduler.
func (c *Container) Scheduler() *scheduler.Scheduler {
	core := c.Core()
	return scheduler.New(
		c.Repositories().Campaigns,
		core.Limiter,
		core.Dispatcher,
		core.Retries,
		core.Health,
		c.Config.Scheduler,
		c.Logger.Named("scheduler"),
		c.Reporter,
	)
}

// Processing builds the AI processing queue. Without a scorer API key every
// analysis fails and items wait for a manual requeue.
func (c *Container) Processing(ctx context.Context) (*processing.Queue, error) {
	var analyzer processing.Analyzer = scoring.Unconfigured{}
	if c.Config.Scorer.APIKey != "" {
		genai, err := scoring.NewGenAIAnalyzer(ctx, c.Config.Scorer)
		if err != nil {
			return nil, err
		}
		analyzer = genai
	} else {
		c.Logger.Warn("scorer api key not set, call analysis disabled")
	}

	repos := c.Repositories()
	return processing.NewQueue(
		repos.Queue,
		repos.Attempts,
		repos.Campaigns,
		analyzer,
		c.Core().Provider,
		c.Config.Processing,
		c.Logger.Named("processing"),
		c.Reporter,
	), nil
}

// Webhook builds the provider callback handler.
func (c *Container) Webhook(enqueuer webhook.Enqueuer) *webhook.Handler {
	repos := c.Repositories()
	return webhook.NewHandler(
		repos.Attempts,
		repos.Contacts,
		repos.Events,
		c.Core().Dispatcher,
		enqueuer,
		c.Publishers().Events,
		c.Logger.Named("webhook"),
	)
}

// Sequences builds the sequence engine. It publishes SMS and email steps to
// RabbitMQ, connecting on first use.
func (c *Container) Sequences() (*sequence.Engine, error) {
	rabbit, err := c.rabbitClient()
	if err != nil {
		return nil, err
	}
	repos := c.Repositories()
	pubs := c.Publishers()
	return sequence.NewEngine(
		repos.Sequences,
		repos.Contacts,
		pubs.DispatchRequests,
		channels.NewSMSSender(rabbit.Channel(), c.Config.RabbitMQ.SMSQueue),
		channels.NewEmailSender(rabbit.Channel(), c.Config.RabbitMQ.EmailQueue),
		pubs.Events,
		c.Config.Sequence,
		c.Logger.Named("sequence"),
		c.Reporter,
	), nil
}

// DispatchWorker builds the consumer for sequence call requests.
func (c *Container) DispatchWorker() *dispatchworker.Worker {
	reader := c.Kafka.NewReader(c.Config.Kafka.DispatchRequestTopic, c.Config.Kafka.DispatchConsumerGroup)
	core := c.Core()
	return dispatchworker.New(reader, c.Repositories().Campaigns, core.Dispatcher, core.Health, c.Logger.Named("dispatch-worker"))
}

// EnsureTopics ensures required Kafka topics exist.
func (c *Container) EnsureTopics(ctx context.Context) error {
	return c.Kafka.EnsureTopics(ctx)
}

func (c *Container) rabbitClient() (*rabbitmq.Client, error) {
	c.rabbit.mu.Lock()
	defer c.rabbit.mu.Unlock()
	if c.rabbit.client != nil {
		return c.rabbit.client, nil
	}
	client, err := rabbitmq.NewClient(c.Config.RabbitMQ)
	if err != nil {
		return nil, fmt.Errorf("bootstrap rabbitmq: %w", err)
	}
	c.rabbit.client = client
	return client, nil
}

// Close releases all held resources.
func (c *Container) Close() error {
	var errs []error
	for _, closeFn := range c.closers {
		if err := closeFn(); err != nil {
			errs = append(errs, fmt.Errorf("publisher close: %w", err))
		}
	}
	if c.rabbit.client != nil {
		if err := c.rabbit.client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("rabbitmq close: %w", err))
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if c.Scylla != nil {
		if err := c.Scylla.Close(); err != nil {
			errs = append(errs, fmt.Errorf("scylla close: %w", err))
		}
	}
	if c.Postgres != nil {
		if err := c.Postgres.Close(); err != nil {
			errs = append(errs, fmt.Errorf("postgres close: %w", err))
		}
	}
	if c.flushSentry != nil {
		c.flushSentry(2 * time.Second)
	}
	if c.Logger != nil {
		c.Logger.Sync()
	}
	return errors.Join(errs...)
}
