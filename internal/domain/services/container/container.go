package container

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jonboulle/clockwork"

	"pet-feeder-service/internal/domain/services"
	"pet-feeder-service/internal/infrastructure/config"
	"pet-feeder-service/internal/infrastructure/database"
	"pet-feeder-service/internal/infrastructure/mqtt"
	"pet-feeder-service/pkg/logger"
)

// ServiceContainer owns every long-lived component and wires them together.
type ServiceContainer struct {
	config *config.Config
	pool   *database.ConnectionPool
	redis  *redis.Client
	clock  clockwork.Clock

	link        *mqtt.Link
	store       services.InterfaceFeedingStore
	weights     services.InterfaceWeightStore
	dispatcher  *services.FeedCommandService
	registry    *services.ScheduleRegistry
	telemetry   *services.TelemetryHandler
	feeder      *services.FeederService
	maintenance *services.MaintenanceService

	mu sync.RWMutex
}

// NewServiceContainer builds the services. Nothing touches the network until Start.
// redisClient may be nil, in which case device weights are kept in memory.
func NewServiceContainer(cfg *config.Config, pool *database.ConnectionPool, redisClient *redis.Client) (*ServiceContainer, error) {
	if cfg == nil || pool == nil {
		return nil, fmt.Errorf("container needs config and database")
	}

	c := &ServiceContainer{
		config: cfg,
		pool:   pool,
		redis:  redisClient,
		clock:  clockwork.NewRealClock(),
	}
	if err := c.initializeServices(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *ServiceContainer) initializeServices() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	link, err := mqtt.NewLink(mqtt.OptionsFromConfig(c.config, services.TelemetrySubtopics), logger.Component("mqtt"))
	if err != nil {
		return fmt.Errorf("mqtt link: %w", err)
	}
	c.link = link

	c.store = services.NewFeedingStore(c.pool.DB)
	c.weights = c.weightStore()

	c.dispatcher = services.NewFeedCommandService(c.link, c.store, c.clock,
		c.config.MQTTTopicNamespace, c.config.HistoryRetention(), logger.Component("dispatcher"))
	c.registry = services.NewScheduleRegistry(c.store, c.dispatcher, c.clock,
		c.config.Location(), logger.Component("scheduler"))
	c.telemetry = services.NewTelemetryHandler(c.store, c.dispatcher, c.weights, c.clock,
		c.config.MQTTTopicNamespace, c.config.DetectionFeedAmount, c.config.DetectionDedupWindow,
		logger.Component("telemetry"))
	c.feeder = services.NewFeederService(c.store, c.dispatcher, c.registry, c.telemetry, c.weights, c.clock,
		c.config.DefaultFeedAmount, c.config.HistoryRetentionDays, logger.Component("feeder"))
	c.maintenance = services.NewMaintenanceService(c.store, c.telemetry, c.clock,
		c.config.HistoryRetention(), c.config.Location(), logger.Component("maintenance"))

	c.link.SetHandler(c.telemetry)
	return nil
}

func (c *ServiceContainer) weightStore() services.InterfaceWeightStore {
	log := logger.Component("container")
	if c.redis == nil {
		log.Info().Msg("weight cache: memory")
		return services.NewMemoryWeightStore()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.redis.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Msg("redis ping failed, weight cache falls back to memory")
		return services.NewMemoryWeightStore()
	}
	log.Info().Str("addr", c.config.GetRedisAddr()).Msg("weight cache: redis")
	return services.NewRedisWeightStore(c.redis, c.config.WeightCacheTTL)
}

// Start connects to the broker, arms persisted schedules and starts maintenance. A broker
// that cannot be reached is logged, not fatal: the link keeps dialing in the background and
// scheduled fires fail until it is up.
func (c *ServiceContainer) Start(ctx context.Context) error {
	log := logger.Component("container")

	if err := c.link.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Error().Err(err).Msg("mqtt unavailable at startup")
	}

	armed, err := c.registry.InitializeAtStartup(ctx)
	if err != nil {
		return fmt.Errorf("arm schedules: %w", err)
	}
	log.Info().Int("armed", armed).Str("tz", c.config.Location().String()).Msg("schedules armed")

	if err := c.maintenance.Start(); err != nil {
		return fmt.Errorf("maintenance: %w", err)
	}
	return nil
}

// Shutdown stops background work in a fixed order: maintenance, schedule timers, the MQTT
// session, then the stores.
func (c *ServiceContainer) Shutdown(ctx context.Context) {
	log := logger.Component("container")

	c.maintenance.Stop(ctx)
	c.link.Shutdown(c.registry)

	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			log.Warn().Err(err).Msg("redis close")
		}
	}
	if err := c.pool.Close(); err != nil {
		log.Warn().Err(err).Msg("database close")
	}
}

// Feeder returns the operation facade.
func (c *ServiceContainer) Feeder() services.InterfaceFeederService {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.feeder
}

// Link returns the broker link.
func (c *ServiceContainer) Link() *mqtt.Link {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.link
}

// Pool returns the database pool.
func (c *ServiceContainer) Pool() *database.ConnectionPool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pool
}

// LinkState reports the broker session state.
func (c *ServiceContainer) LinkState() string {
	return c.Link().State().String()
}

// ArmedJobs is the number of schedule jobs currently armed.
func (c *ServiceContainer) ArmedJobs() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registry.Len()
}

// PingDB checks the database connection.
func (c *ServiceContainer) PingDB(ctx context.Context) error {
	return c.Pool().HealthCheck(ctx)
}
