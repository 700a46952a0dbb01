package bootstrap

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	coreconfig "github.com/m3rciful/botrunner/core/config"
)

type fakeRedis struct {
	pingErr error
	closed  bool
}

func (f *fakeRedis) Set(context.Context, string, string, time.Duration) error { return nil }
func (f *fakeRedis) GetDel(context.Context, string) (string, bool, error)   { return "", false, nil }
func (f *fakeRedis) DeleteIfToken(context.Context, string, string) (bool, error) {
	return false, nil
}
func (f *fakeRedis) Ping(context.Context) error { return f.pingErr }
func (f *fakeRedis) Close() error               { f.closed = true; return nil }

func testConfig(t *testing.T) *coreconfig.Config {
	t.Helper()
	cfg := &coreconfig.Config{Database: coreconfig.DatabaseConfig{Host: "localhost", User: "bots", Name: "bots"}}
	cfg.Scheduler.SweepIntervalSeconds = 30
	cfg.Scheduler.ReconcileIntervalSeconds = 300
	if err := coreconfig.Normalize(cfg); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	return cfg
}

func mockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	return sqlx.NewDb(db, "postgres"), mock
}

func baseOptions(t *testing.T, cfg *coreconfig.Config) (Options, sqlmock.Sqlmock) {
	db, mock := mockDB(t)
	return Options{
		Config:     cfg,
		LoggerInit: func(*coreconfig.Config) error { return nil },
		Connect:    func(context.Context, coreconfig.DatabaseConfig) (*sqlx.DB, error) { return db, nil },
		Migrate:    func(context.Context, coreconfig.DatabaseConfig) error { return nil },
	}, mock
}

func TestRunAssemblesMemoryBackedApp(t *testing.T) {
	cfg := testConfig(t)
	opts, mock := baseOptions(t, cfg)
	app, err := Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if app.Registry == nil || app.Dispatcher == nil || app.Server == nil || app.Sender == nil {
		t.Fatalf("app not fully assembled: %+v", app)
	}
	if stateBackend(app) != "memory" {
		t.Fatalf("state = %s", stateBackend(app))
	}
	jobs := app.Jobs()
	if len(jobs) != 2 || jobs[1].Name != "state.sweep" || jobs[1].Every != 30*time.Second {
		t.Fatalf("jobs = %+v", jobs)
	}

	mock.ExpectClose()
	app.Close()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("db not closed: %v", err)
	}
}

func TestRunWithRedis(t *testing.T) {
	cfg := testConfig(t)
	cfg.Redis.URL = "redis://localhost:6379/0"
	opts, _ := baseOptions(t, cfg)
	r := &fakeRedis{}
	opts.Redis = func(string) (RedisClient, error) { return r, nil }

	app, err := Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stateBackend(app) != "redis" {
		t.Fatalf("state = %s", stateBackend(app))
	}
	if len(app.Jobs()) != 1 {
		t.Fatal("redis state must not schedule a sweep")
	}
	app.Close()
	if !r.closed {
		t.Fatal("redis client not closed")
	}
}

func TestRunFailures(t *testing.T) {
	if _, err := Run(context.Background(), Options{}); err == nil {
		t.Fatal("nil config must fail")
	}

	cfg := testConfig(t)
	opts, _ := baseOptions(t, cfg)
	opts.Connect = func(context.Context, coreconfig.DatabaseConfig) (*sqlx.DB, error) {
		return nil, errors.New("refused")
	}
	if _, err := Run(context.Background(), opts); err == nil {
		t.Fatal("connect failure must fail")
	}

	opts, mock := baseOptions(t, cfg)
	opts.Migrate = func(context.Context, coreconfig.DatabaseConfig) error { return errors.New("dirty") }
	mock.ExpectClose()
	if _, err := Run(context.Background(), opts); err == nil {
		t.Fatal("migrate failure must fail")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("db not closed after migrate failure: %v", err)
	}

	cfg.Redis.URL = "redis://localhost:6379/0"
	opts, mock = baseOptions(t, cfg)
	r := &fakeRedis{pingErr: errors.New("no route")}
	opts.Redis = func(string) (RedisClient, error) { return r, nil }
	mock.ExpectClose()
	if _, err := Run(context.Background(), opts); err == nil {
		t.Fatal("redis ping failure must fail")
	}
	if !r.closed {
		t.Fatal("redis client leaked")
	}
}
