// Package bootstrap assembles the process: logger, database, state backend,
// Bot API plumbing and the runtime registry.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	coreconfig "github.com/m3rciful/botrunner/core/config"
	coredatabase "github.com/m3rciful/botrunner/core/database"
	"github.com/m3rciful/botrunner/core/logger"
	"github.com/m3rciful/botrunner/core/runtime"
	"github.com/m3rciful/botrunner/core/sandbox"
	"github.com/m3rciful/botrunner/core/scheduler"
	"github.com/m3rciful/botrunner/core/server"
	"github.com/m3rciful/botrunner/core/state"
	"github.com/m3rciful/botrunner/core/store"
	coretelegram "github.com/m3rciful/botrunner/core/telegram"
	"github.com/m3rciful/botrunner/core/telegram/sender"
)

// Options control the bootstrap pipeline. Nil hooks use the real
// implementations.
type Options struct {
	Config *coreconfig.Config

	LoggerInit func(*coreconfig.Config) error
	Connect    func(context.Context, coreconfig.DatabaseConfig) (*sqlx.DB, error)
	Migrate    func(context.Context, coreconfig.DatabaseConfig) error
	// Redis builds the shared state client. Used only when redis.url is set.
	Redis func(url string) (RedisClient, error)
}

// RedisClient is the state client plus the lifecycle calls bootstrap needs.
type RedisClient interface {
	state.RedisClient
	Ping(ctx context.Context) error
	Close() error
}

// App is the assembled process.
type App struct {
	Config     *coreconfig.Config
	DB         *sqlx.DB
	Store      store.Store
	State      state.Store
	Sender     *sender.Dispatcher
	Registry   *runtime.Registry
	Dispatcher *runtime.Dispatcher
	Server     *server.Server

	// memory is set when pending slots live in process memory and need the
	// sweep job.
	memory *state.MemoryStore
	redis  RedisClient
}

// Run initializes every dependency in order and unwinds on failure.
func Run(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("bootstrap: nil config provided")
	}

	loggerInit := opts.LoggerInit
	if loggerInit == nil {
		loggerInit = logger.InitLogger
	}
	if err := loggerInit(cfg); err != nil {
		return nil, fmt.Errorf("bootstrap: logger init failed: %w", err)
	}

	connect := opts.Connect
	if connect == nil {
		connect = coredatabase.Connect
	}
	db, err := connect(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: database initialization failed: %w", err)
	}

	if !cfg.Database.SkipMigrations {
		migrate := opts.Migrate
		if migrate == nil {
			migrate = coredatabase.RunMigrations
		}
		if err := migrate(ctx, cfg.Database); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("bootstrap: migrations failed: %w", err)
		}
	}

	app := &App{Config: cfg, DB: db, Store: store.NewPostgres(db)}
	if err := app.initState(ctx, opts); err != nil {
		_ = db.Close()
		return nil, err
	}

	app.Sender = sender.NewDispatcher(sender.Options{
		QueueSize:    cfg.Sender.QueueSize,
		Workers:      cfg.Sender.Workers,
		MaxRetries:   cfg.Sender.MaxRetries,
		RetryBackoff: cfg.Sender.RetryBackoff(),
		MaxDuration:  cfg.Sender.MaxDuration(),
	})
	factory := coretelegram.NewFactory(coretelegram.Options{
		APIURL:     cfg.Telegram.APIURL,
		HTTPClient: coretelegram.BuildHTTPClient(time.Duration(cfg.Telegram.RequestTimeoutMS) * time.Millisecond),
		Sender:     app.Sender,
		RateLimit:  cfg.RateLimit,
	})

	reg, err := runtime.NewRegistry(runtime.Options{
		Store:            app.Store,
		State:            app.State,
		Executor:         sandbox.NewExecutor(cfg.Runtime.ExecTimeout()),
		NewClient:        factory,
		NotFoundText:     cfg.Runtime.NotFoundText,
		MaxConcurrent:    cfg.Runtime.MaxConcurrent,
		AllowOverlap:     cfg.Runtime.AllowOverlap,
		BootstrapTimeout: cfg.Runtime.BootstrapTimeout(),
		WarmupLimit:      cfg.Runtime.WarmupConcurrency,
		WebhookURL:       server.WebhookURL(cfg.Webhook),
		WebhookSecret:    cfg.Webhook.Secret,
	})
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	app.Registry = reg
	app.Dispatcher = runtime.NewDispatcher(reg)
	app.Server = server.New(cfg.Server, cfg.Webhook, app.Dispatcher, reg)

	logger.Info(ctx, "app", "bootstrap.ready",
		slog.String("state", stateBackend(app)),
		slog.Bool("webhook_registration", cfg.Webhook.PublicURL != ""),
		slog.Bool("admin_api", cfg.Server.AdminToken != ""),
	)
	return app, nil
}

func (a *App) initState(ctx context.Context, opts Options) error {
	cfg := a.Config
	ttl := cfg.Runtime.PendingTTL()
	if cfg.Redis.URL == "" {
		a.memory = state.NewMemoryStore(ttl)
		a.State = a.memory
		return nil
	}

	newRedis := opts.Redis
	if newRedis == nil {
		newRedis = func(url string) (RedisClient, error) {
			c, err := state.NewRealRedisClient(url)
			if err != nil {
				return nil, err
			}
			return c, nil
		}
	}
	client, err := newRedis(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("bootstrap: redis init failed: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx); err != nil {
		_ = client.Close()
		return fmt.Errorf("bootstrap: redis ping failed: %w", err)
	}
	a.redis = client
	a.State = state.NewRedisStore(client, cfg.Redis.KeyPrefix, ttl)
	return nil
}

func stateBackend(a *App) string {
	if a.memory != nil {
		return "memory"
	}
	return "redis"
}

// Jobs returns the periodic maintenance jobs of the app.
func (a *App) Jobs() []scheduler.Job {
	jobs := []scheduler.Job{{
		Name:  "registry.reconcile",
		Every: time.Duration(a.Config.Scheduler.ReconcileIntervalSeconds) * time.Second,
		Run:   a.Registry.Reconcile,
	}}
	if a.memory != nil {
		mem := a.memory
		jobs = append(jobs, scheduler.Job{
			Name:  "state.sweep",
			Every: time.Duration(a.Config.Scheduler.SweepIntervalSeconds) * time.Second,
			Run: func(ctx context.Context) error {
				if n := mem.Sweep(time.Now()); n > 0 {
					logger.Debug(ctx, "state", "state.sweep", slog.Int("expired", n))
				}
				return nil
			},
		})
	}
	return jobs
}

// Close releases outbound resources. Sessions must be shut down first.
func (a *App) Close() {
	if a.Sender != nil {
		a.Sender.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.DB != nil {
		_ = a.DB.Close()
	}
}
