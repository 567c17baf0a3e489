package cli

import (
	"context"
	"os"
	"path/filepath"

	"github.com/naok1207/workflow-visualizer/internal/command"
	"github.com/naok1207/workflow-visualizer/internal/config"
	"github.com/naok1207/workflow-visualizer/internal/log"
	"github.com/naok1207/workflow-visualizer/internal/metrics"
	internal_storage "github.com/naok1207/workflow-visualizer/internal/storage"
	"github.com/naok1207/workflow-visualizer/pkg/relay"
	"github.com/naok1207/workflow-visualizer/pkg/service"
	"github.com/naok1207/workflow-visualizer/pkg/storage"
	"github.com/naok1207/workflow-visualizer/pkg/templates"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags.
var Version = "dev"

// app is the wired engine: store, relay, services and the command dispatcher.
type app struct {
	cfg        *config.Config
	store      storage.Store
	relay      *relay.Relay
	redis      redis.UniversalClient
	workflows  *service.WorkflowService
	tasks      *service.TaskService
	dispatcher *command.Dispatcher
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	config.LoadDotEnv()
	cfg := config.Read()
	if driver, _ := cmd.Flags().GetString("driver"); driver != "" {
		cfg.Store.Driver = driver
	}
	if dsn, _ := cmd.Flags().GetString("db"); dsn != "" {
		if cfg.Store.Driver == config.DriverPostgres {
			cfg.Store.DatabaseURL = dsn
		} else {
			cfg.Store.SQLitePath = dsn
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Configure(cfg.Logging.Level, cfg.Logging.Format)
	return cfg, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (storage.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return storage.NewMemoryStore(), nil
	case config.DriverSQLite:
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, errors.Wrapf(err, "create %s", dir)
			}
		}
	}
	return internal_storage.InitStore(ctx, cfg.Driver, cfg.DSN(), cfg.ConnectWait)
}

func loadTemplates(path string) (*templates.Registry, error) {
	if path == "" {
		return templates.Default(), nil
	}
	return templates.LoadFile(path)
}

// newApp opens the store and wires the engine. The relay mirrors events to
// redis when REDIS_URL is set, so one-shot commands still reach live viewers
// of a running server that listens there.
func newApp(ctx context.Context, cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := log.GetLogger()

	reg, err := loadTemplates(cfg.TemplatesFile)
	if err != nil {
		return nil, err
	}
	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, store: store}

	opts := []relay.Option{
		relay.WithQueueSize(cfg.Relay.QueueSize),
		relay.WithSubscriberBuffer(cfg.Relay.SubscriberBuffer),
		relay.WithLogger(logger),
		relay.WithMetrics(metrics.Relay{}),
	}
	if cfg.Redis.URL != "" {
		client, err := relay.DialRedis(ctx, cfg.Redis.URL)
		if err != nil {
			store.Close()
			return nil, err
		}
		a.redis = client
		opts = append(opts, relay.WithSink(relay.NewRedisSink(client, cfg.Redis.ChannelPrefix)))
		logger.Infof("Mirroring events to redis with prefix %s", cfg.Redis.ChannelPrefix)
	}
	a.relay = relay.New(opts...)
	a.relay.Start(ctx)

	a.workflows = service.NewWorkflowService(store, logger, service.WithNotifier(a.relay))
	a.tasks = service.NewTaskService(store, logger)
	a.dispatcher = command.NewDispatcher(command.Deps{
		Workflows:   a.workflows,
		Tasks:       a.tasks,
		Templates:   reg,
		Store:       store,
		Subscribers: a.relay.SubscriberCount,
		Record:      metrics.RecordCommand,
		Logger:      logger,
		Version:     Version,
	})
	return a, nil
}

// Close drains the relay before closing the store.
func (a *app) Close() {
	a.relay.Close()
	if a.redis != nil {
		a.redis.Close()
	}
	if err := a.store.Close(); err != nil {
		log.GetLogger().Errorf("Failed to close store: %v", err)
	}
}
