package cli

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/aidanlsb/stellator/internal/config"
	"github.com/aidanlsb/stellator/internal/db"
	"github.com/aidanlsb/stellator/internal/db/sqlite"
	"github.com/aidanlsb/stellator/internal/dblog"
	"github.com/aidanlsb/stellator/internal/filestore"
	"github.com/aidanlsb/stellator/internal/kvstore"
	"github.com/aidanlsb/stellator/internal/schema"
)

// engine is an initialized adapter with the stores behind it.
type engine struct {
	adapter    *db.Adapter
	store      *sqlite.Store
	definition *schema.Definition
	registry   *prometheus.Registry
	log        *zap.Logger
}

// openEngine builds the schemes named by cfg and opens the database.
func openEngine(ctx context.Context, cfg *config.Config, log *zap.Logger) (*engine, error) {
	if cfg.Engine.PasswordSalt != "" {
		db.DefaultPasswordSalt = cfg.Engine.PasswordSalt
	}
	if cfg.Engine.PasswordCost != 0 {
		db.PasswordCost = cfg.Engine.PasswordCost
	}

	def, err := schema.Load(cfg.SchemesPath())
	if err != nil {
		return nil, err
	}
	schemes, err := def.Build()
	if err != nil {
		return nil, fmt.Errorf("invalid scheme file %s: %w", cfg.SchemesPath(), err)
	}

	opts := []sqlite.Option{
		sqlite.WithLogger(log),
		sqlite.WithRetention(cfg.Engine.InternalsStorageTime.Duration),
	}
	var kv *kvstore.Store
	if path := cfg.KVFilePath(); path != "" {
		if kv, err = kvstore.Open(log, path); err != nil {
			return nil, err
		}
		opts = append(opts, sqlite.WithKV(kv))
	}
	store, err := sqlite.Open(cfg.DatabasePath(), opts...)
	if err != nil {
		if kv != nil {
			_ = kv.Close()
		}
		return nil, err
	}

	files, err := filestore.New(log, cfg.FilesPath())
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	registry := prometheus.NewRegistry()
	adapter := db.NewAdapter(dblog.Wrap(log, store.Handle()),
		db.WithLogger(log),
		db.WithMetrics(db.NewMetrics(registry)),
		db.WithFileStore(files),
		db.WithObjectCacheSize(cfg.Engine.ObjectCacheSize),
		db.WithResolverMaxDepth(cfg.Engine.ResolverMaxDepth),
		db.WithAutoFieldWorkers(cfg.Engine.AutoFieldWorkers),
	)

	e := &engine{
		adapter:    adapter,
		store:      store,
		definition: def,
		registry:   registry,
		log:        log,
	}
	if err := adapter.Init(ctx, db.InterfaceConfig{Name: "stdb"}, schemes); err != nil {
		_ = store.Close()
		return nil, err
	}
	return e, nil
}

// Close waits for background auto field work and closes the stores.
func (e *engine) Close() error {
	err := e.adapter.Wait()
	e.logMetrics()
	if cerr := e.store.Close(); err == nil {
		err = cerr
	}
	return err
}

// logMetrics writes the counters gathered during the command at debug level.
func (e *engine) logMetrics() {
	families, err := e.registry.Gather()
	if err != nil {
		e.log.Debug("gather metrics", zap.Error(err))
		return
	}
	for _, mf := range families {
		var total float64
		for _, m := range mf.GetMetric() {
			if c := m.GetCounter(); c != nil {
				total += c.GetValue()
			}
			if h := m.GetHistogram(); h != nil {
				total += float64(h.GetSampleCount())
			}
		}
		e.log.Debug("metric", zap.String("name", mf.GetName()), zap.Float64("total", total))
	}
}

// begin opens a transaction acting with the app's role and user.
func (app *App) begin(ctx context.Context, e *engine) (context.Context, *db.Transaction) {
	ctx, tx := e.adapter.Begin(ctx)
	tx.SetRole(app.role())
	tx.SetUser(app.userID)
	return ctx, tx
}

// withEngine opens the engine for the duration of fn.
func (app *App) withEngine(ctx context.Context, fn func(e *engine) error) error {
	e, err := openEngine(ctx, app.cfg, app.log)
	if err != nil {
		return app.handleError(ErrDatabaseError, err, "Run 'stdb init' to create the database and scheme file")
	}
	err = fn(e)
	if cerr := e.Close(); cerr != nil {
		app.log.Warn("close engine", zap.Error(cerr))
	}
	return err
}

// scheme looks up a scheme by name, reporting unknown names.
func (app *App) scheme(e *engine, name string) (*db.Scheme, error) {
	s := e.adapter.Scheme(name)
	if s == nil {
		return nil, app.handleErrorMsg(ErrSchemeNotFound,
			fmt.Sprintf("scheme %q not found", name),
			"Run 'stdb scheme list' to see available schemes")
	}
	return s, nil
}
