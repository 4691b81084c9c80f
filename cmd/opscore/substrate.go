package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/stackbound/opscore/pkg/commandlog"
	"github.com/stackbound/opscore/pkg/config"
	"github.com/stackbound/opscore/pkg/eventstore"
	"github.com/stackbound/opscore/pkg/observability"
	"github.com/stackbound/opscore/pkg/pack"
	"github.com/stackbound/opscore/pkg/runtime"
	"github.com/stackbound/opscore/pkg/workledger"

	_ "github.com/lib/pq" // Postgres Driver
)

// substrate is the composition root the subcommands share: stores, command
// log, packs, and the runtime wired per configuration.
type substrate struct {
	cfg     *config.Config
	store   eventstore.Store
	log     commandlog.Log
	packs   *pack.Registry
	runtime *runtime.Runtime
	obs     *observability.Provider
	closers []func() error
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load(), nil
}

func buildSubstrate(ctx context.Context, cfg *config.Config) (*substrate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	observability.NewLogger(cfg.LogLevel)

	s := &substrate{cfg: cfg}

	// Telemetry first: the runtime resolves its tracer and meter from the
	// globals this installs. Without an endpoint the provider stays off and
	// spans and counters are no-ops.
	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = cfg.OTLPEndpoint != ""
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	obsCfg.Insecure = cfg.OTLPInsecure
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	s.obs = obs
	s.closers = append(s.closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return obs.Shutdown(shutdownCtx)
	})

	if cfg.EventBackend != config.BackendMemory || cfg.CommandBackend == config.BackendFile {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	switch cfg.EventBackend {
	case config.BackendMemory:
		s.store = eventstore.NewMemoryStore()
	case config.BackendFile:
		store, err := eventstore.OpenFileStore(filepath.Join(cfg.DataDir, "events.jsonl"))
		if err != nil {
			return nil, err
		}
		s.store = store
		s.closers = append(s.closers, store.Close)
	case config.BackendSQLite:
		store, err := eventstore.OpenSQLiteStore(filepath.Join(cfg.DataDir, "events.db"))
		if err != nil {
			return nil, err
		}
		s.store = store
		s.closers = append(s.closers, store.Close)
	}

	switch cfg.CommandBackend {
	case config.BackendMemory:
		s.log = commandlog.NewMemoryLog().WithLeaseTTL(cfg.LeaseTTL)
	case config.BackendFile:
		log, err := commandlog.OpenFileLog(filepath.Join(cfg.DataDir, "commands.jsonl"))
		if err != nil {
			return nil, err
		}
		s.log = log.WithLeaseTTL(cfg.LeaseTTL)
		s.closers = append(s.closers, log.Close)
	case config.BackendSQL:
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		log := commandlog.NewSQLLog(db).WithLeaseTTL(cfg.LeaseTTL)
		if err := log.Init(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		s.log = log
		s.closers = append(s.closers, db.Close)
	case config.BackendRedis:
		s.log = commandlog.NewRedisLog(cfg.RedisAddr, "", 0).WithLeaseTTL(cfg.LeaseTTL)
	}

	s.packs = pack.NewRegistry()
	if cfg.WorkPackEnabled {
		if err := s.packs.Register(workledger.New()); err != nil {
			return nil, err
		}
	}

	s.runtime = runtime.New(s.store, s.log, s.packs.Projections(), s.packs.Handlers(),
		runtime.WithSchemas(s.packs.Schemas()))
	return s, nil
}

func (s *substrate) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i]()
	}
}
