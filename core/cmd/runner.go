package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/m3rciful/botrunner/core/bootstrap"
	coreconfig "github.com/m3rciful/botrunner/core/config"
	"github.com/m3rciful/botrunner/core/logger"
	"github.com/m3rciful/botrunner/core/scheduler"
)

// Options describe how to load configuration and bootstrap the app.
type Options struct {
	ConfigEnvVar      string
	DefaultConfigPath string

	LoadConfig func(path string) (*coreconfig.Config, error)
	Bootstrap  func(ctx context.Context, cfg *coreconfig.Config) (*bootstrap.App, error)

	ShutdownLogger func() error
}

// Run loads configuration, bootstraps the app and serves until SIGINT or
// SIGTERM.
func Run(opts Options) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return RunContext(ctx, opts)
}

// RunContext is Run bound to ctx instead of process signals.
func RunContext(ctx context.Context, opts Options) error {
	loadConfig := opts.LoadConfig
	if loadConfig == nil {
		loadConfig = coreconfig.Load
	}
	boot := opts.Bootstrap
	if boot == nil {
		boot = func(ctx context.Context, cfg *coreconfig.Config) (*bootstrap.App, error) {
			return bootstrap.Run(ctx, bootstrap.Options{Config: cfg})
		}
	}

	env := opts.ConfigEnvVar
	if env == "" {
		env = "CONFIG_PATH"
	}
	cfgPath := os.Getenv(env)
	if cfgPath == "" {
		cfgPath = opts.DefaultConfigPath
	}
	if cfgPath == "" {
		return fmt.Errorf("cmd: config path not provided via %s or DefaultConfigPath", env)
	}

	log.Printf("loading config: %s", cfgPath)
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("cmd: failed to load config: %w", err)
	}

	startedAt := time.Now()
	app, err := boot(ctx, cfg)
	if err != nil {
		return fmt.Errorf("cmd: bootstrap failed: %w", err)
	}

	shutdownLogger := opts.ShutdownLogger
	if shutdownLogger == nil {
		shutdownLogger = logger.Shutdown
	}
	defer func() {
		if err := shutdownLogger(); err != nil {
			log.Printf("logger shutdown error: %v", err)
		}
	}()
	defer app.Close()

	sched, err := scheduler.New(ctx)
	if err != nil {
		return fmt.Errorf("cmd: %w", err)
	}
	for _, j := range app.Jobs() {
		if err := sched.Add(j); err != nil {
			return fmt.Errorf("cmd: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return app.Server.Run(gctx) })
	g.Go(func() error {
		// Warmup failures only delay bootstrap until the first delivery.
		if _, err := app.Registry.Warmup(gctx); err != nil {
			logger.Warn(gctx, "app", "warmup", slog.String("status", "fail"), slog.String("err", err.Error()))
		}
		return nil
	})
	sched.Start()

	logger.L.With("component", "app").Info("app ready",
		slog.String("event", "ready"),
		slog.Int("jobs", sched.Jobs()),
		slog.Duration("startup_duration", logger.RoundMS(time.Since(startedAt))),
	)

	runErr := g.Wait()

	logger.L.With("component", "app").Info("shutting down...",
		slog.String("event", "shutdown"),
	)
	shutdownCtx, stop := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutMS)*time.Millisecond)
	defer stop()
	errs := []error{runErr, sched.Shutdown(), app.Registry.Shutdown(shutdownCtx)}
	if err := errors.Join(errs...); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
