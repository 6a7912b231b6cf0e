package cli

import (
	"context"
	"os"

	"github.com/kimhsiao/ledgersync/internal/config"
	"github.com/kimhsiao/ledgersync/internal/logging"
	syncpkg "github.com/kimhsiao/ledgersync/internal/sync"
	"github.com/kimhsiao/ledgersync/internal/sync/idempotency"
	"github.com/kimhsiao/ledgersync/internal/sync/remote"
	"github.com/kimhsiao/ledgersync/internal/sync/store"
)

// App is the wired set of components one command works with.
type App struct {
	Config *config.Config
	Store  store.Store
	Engine *syncpkg.Engine

	closers []func() error
}

// loadConfig reads and validates the configuration and sets up logging.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	level := cfg.LogLevel()
	if opts.Verbose {
		level = logging.LevelDebug
	}
	logging.Configure(os.Stderr, level, cfg.LogFormat())
	return cfg, nil
}

// openApp opens the queue database and builds the orchestrator.
// Without dispatch the engine runs write-only and never touches the remote.
func openApp(ctx context.Context, cfg *config.Config, dispatch bool) (*App, error) {
	st, err := store.OpenSQLite(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	app := &App{Config: cfg, Store: st}
	app.closers = append(app.closers, st.Close)

	engineCfg := cfg.Engine()
	var adapter remote.Adapter
	if dispatch && engineCfg.Mode == syncpkg.Active {
		adapter, err = app.buildAdapter(ctx)
		if err != nil {
			app.Close()
			return nil, err
		}
	} else {
		engineCfg.Mode = syncpkg.WriteOnly
	}

	resolver, err := cfg.Resolver()
	if err != nil {
		app.Close()
		return nil, err
	}

	engine, err := syncpkg.NewEngine(engineCfg, st, adapter,
		syncpkg.WithBackoff(cfg.Backoff()),
		syncpkg.WithResolver(resolver),
		syncpkg.WithGenerator(idempotency.NewGenerator(cfg.Idempotency.Bucket)),
	)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Engine = engine
	// Engine first: its loop must stop before the store closes.
	app.closers = append([]func() error{func() error { engine.Close(); return nil }}, app.closers...)
	return app, nil
}

// buildAdapter connects the document store and, when a bucket is set, the blob store.
func (a *App) buildAdapter(ctx context.Context) (remote.Adapter, error) {
	rdb, err := remote.NewRedisClient(ctx, remote.RedisOptions{
		Addr:     a.Config.Redis.Addr,
		Password: a.Config.Redis.Password,
		DB:       a.Config.Redis.DB,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, rdb.Close)

	composite := &remote.Composite{Docs: remote.NewRedis(rdb, a.Config.Redis.KeyPrefix)}
	if a.Config.S3.Bucket != "" {
		client, err := remote.NewS3Client(ctx, remote.S3Options{
			Bucket:         a.Config.S3.Bucket,
			Region:         a.Config.S3.Region,
			Endpoint:       a.Config.S3.Endpoint,
			ForcePathStyle: a.Config.S3.ForcePathStyle,
		})
		if err != nil {
			return nil, err
		}
		composite.Blobs = remote.NewS3Blobs(client, a.Config.S3.Bucket)
		logging.Info("Blob uploads enabled", map[string]interface{}{"bucket": a.Config.S3.Bucket})
	}
	return composite, nil
}

// Close releases everything the app opened.
func (a *App) Close() {
	for _, closeFn := range a.closers {
		if err := closeFn(); err != nil {
			logging.Warn("Close failed", map[string]interface{}{"error": err.Error()})
		}
	}
	a.closers = nil
}
