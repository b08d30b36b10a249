package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/Oudwins/storyd/internals/assert"
	"github.com/Oudwins/storyd/internals/auth"
	"github.com/Oudwins/storyd/internals/conf"
	"github.com/Oudwins/storyd/internals/env"
	"github.com/Oudwins/storyd/internals/executor"
	"github.com/Oudwins/storyd/internals/guard"
	"github.com/Oudwins/storyd/internals/notify"
	"github.com/Oudwins/storyd/internals/notify/redisbroker"
	"github.com/Oudwins/storyd/internals/resources"
	"github.com/Oudwins/storyd/internals/tasky"
	"github.com/Oudwins/storyd/internals/taskstore"
	storememory "github.com/Oudwins/storyd/internals/taskstore/backends/memory"
	storesqlite "github.com/Oudwins/storyd/internals/taskstore/backends/sqlite"
)

type BaseServer struct {
	Config    *conf.Config
	Env       *env.EnvStruct
	Logger    *slog.Logger
	Store     *taskstore.Store
	Resources *resources.Resolver
	Guard     *guard.Guard
	Broker    notify.Broker
	Executor  executor.Executor
	Tokens    *auth.Tokens
	TaskQueue *tasky.Queue[Jobs]

	closers []func() error
}

// Options override the collaborators Open would otherwise build from the
// configuration.
type Options struct {
	Config   *conf.Config
	Env      *env.EnvStruct
	Logger   *slog.Logger
	Executor executor.Executor
	Broker   notify.Broker
}

// New builds the server core from the process configuration and
// environment. It panics when a collaborator cannot be initialised.
func New() *BaseServer {
	config := conf.GetConfig()
	logger, _ := InitLogger(config)
	base, err := Open(context.Background(), Options{
		Config: config,
		Env:    env.Get(),
		Logger: logger,
	})
	assert.AssertNil(err, "[CORE] Failed to initialize")
	return base
}

func Open(ctx context.Context, opts Options) (*BaseServer, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	if opts.Env == nil {
		opts.Env = &env.EnvStruct{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	config := opts.Config
	config.Server.DataDir = filepath.Clean(config.Server.DataDir)

	base := &BaseServer{
		Config: config,
		Env:    opts.Env,
		Logger: logger,
	}

	if err := base.openStore(ctx); err != nil {
		base.Close()
		return nil, err
	}

	resolver, err := resources.New(config.Storage.GeneratedDir, base.Store, logger)
	if err != nil {
		base.Close()
		return nil, fmt.Errorf("open resource root: %w", err)
	}
	base.Resources = resolver
	base.Guard = guard.New(base.Store, resolver, logger)

	base.Broker = opts.Broker
	if base.Broker == nil {
		if err := base.openBroker(ctx); err != nil {
			base.Close()
			return nil, err
		}
	}

	base.Executor = opts.Executor
	if base.Executor == nil {
		base.Executor = newExecutor(config, logger)
	}

	tokens, err := NewTokens(config, opts.Env)
	if err != nil {
		base.Close()
		return nil, err
	}
	base.Tokens = tokens

	queue, err := NewQueue(ctx, base)
	if err != nil {
		base.Close()
		return nil, err
	}
	base.TaskQueue = queue
	base.closers = append(base.closers, queue.Close)

	logger.Info("Core initialized",
		slog.String("dataDir", config.Server.DataDir),
		slog.String("store", string(config.Store.Backend)),
		slog.String("queue", string(config.Queue.Backend)),
		slog.String("broker", string(config.Notify.Broker)),
		slog.String("executor", string(config.Executor.Kind)),
	)
	return base, nil
}

func (b *BaseServer) openStore(ctx context.Context) error {
	switch b.Config.Store.Backend {
	case conf.BackendMemory:
		b.Store = taskstore.New(storememory.New())
	default:
		backend, err := storesqlite.New(ctx, storesqlite.Config{
			Path:   b.Config.DBPath(),
			Logger: b.Logger,
		})
		if err != nil {
			return fmt.Errorf("open task store: %w", err)
		}
		b.Store = taskstore.New(backend)
	}
	b.closers = append(b.closers, b.Store.Close)
	return nil
}

func (b *BaseServer) openBroker(ctx context.Context) error {
	cfg := b.Config.Notify
	switch cfg.Broker {
	case conf.BrokerRedis:
		url := b.Env.REDIS_URL
		if url == "" {
			url = cfg.RedisURL
		}
		broker, err := redisbroker.New(ctx, redisbroker.Config{
			URL:           url,
			ChannelPrefix: cfg.ChannelPrefix,
			Buffer:        cfg.Buffer,
			Logger:        b.Logger,
		})
		if err != nil {
			return fmt.Errorf("open redis broker: %w", err)
		}
		b.Broker = broker
	default:
		b.Broker = notify.NewMemory(cfg.Buffer, b.Logger)
	}
	b.closers = append(b.closers, b.Broker.Close)
	return nil
}

func newExecutor(config *conf.Config, logger *slog.Logger) executor.Executor {
	var next executor.Executor
	switch config.Executor.Kind {
	case conf.ExecutorCommand:
		next = executor.Command{
			Path:   config.Executor.Command,
			Args:   config.Executor.Args,
			Logger: logger,
		}
	default:
		next = executor.Placeholder{Delay: config.Executor.DelayValue}
	}
	return executor.WithTimeout(next, config.Executor.TimeoutValue)
}

// Close releases the collaborators in reverse order of creation.
func (b *BaseServer) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}
