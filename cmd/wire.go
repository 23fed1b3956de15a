package cmd

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/changuard/internal/audit"
	"github.com/tbourn/changuard/internal/config"
	"github.com/tbourn/changuard/internal/dispatcher"
	"github.com/tbourn/changuard/internal/kv"
	"github.com/tbourn/changuard/internal/kv/memory"
	"github.com/tbourn/changuard/internal/kv/valkey"
	"github.com/tbourn/changuard/internal/platform"
	"github.com/tbourn/changuard/internal/repo"
	"github.com/tbourn/changuard/internal/services"
	"github.com/tbourn/changuard/internal/tenant"
	"github.com/tbourn/changuard/internal/ttl"
	"github.com/tbourn/changuard/internal/verifycache"
)

// engine is every long-lived collaborator of a running process.
type engine struct {
	db     *gorm.DB
	store  kv.Store
	shared bool

	recorder   *audit.Recorder
	dispatcher *dispatcher.Dispatcher
	verifier   *services.VerificationService
	gatekeeper *services.Gatekeeper
	admin      *services.AdminService
}

// buildEngine opens the database and the kv store and wires the services.
func buildEngine(cfg config.Config, logger zerolog.Logger) (*engine, error) {
	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	client, err := platform.New(platform.Config{
		BaseURL: cfg.Platform.BaseURL,
		Token:   cfg.Platform.Token,
		Timeout: cfg.Platform.Timeout,
	}, platform.WithLogger(logger.With().Str("component", "platform").Logger()))
	if err != nil {
		return nil, fmt.Errorf("platform client: %w", err)
	}

	store, shared := openStore(cfg.Store, logger)
	e := &engine{db: db, store: store, shared: shared}
	e.recorder = audit.NewRecorder(db, logger.With().Str("component", "audit").Logger(), 0)

	var dopts []dispatcher.Option
	dopts = append(dopts, dispatcher.WithLogger(logger.With().Str("component", "dispatcher").Logger()))
	if cfg.Dispatcher.GlobalBudget {
		limit := int64(math.Ceil(cfg.Dispatcher.Rate))
		dopts = append(dopts, dispatcher.WithBudget(dispatcher.NewStoreBudget(store, "", limit, time.Second)))
	}
	e.dispatcher = dispatcher.New(client, dispatcherConfig(cfg.Dispatcher), dopts...)

	cache := verifycache.New(store,
		ttl.NewPolicy(cfg.Cache.PositiveTTL, cfg.Cache.NegativeTTL, cfg.Cache.JitterFraction, nil),
		verifycache.WithSink(e.recorder),
		verifycache.WithLogger(logger.With().Str("component", "verifycache").Logger()),
	)

	resolver := tenant.NewResolver(db, tenant.GormRepo{}, cfg.Policy.ResolverTTL, cfg.Policy.ResolverTimeout)
	resolver.Logger = logger.With().Str("component", "resolver").Logger()

	e.verifier = services.NewVerificationService(resolver, cache, e.dispatcher, e.recorder)
	e.verifier.Concurrency = cfg.Policy.CheckConcurrency
	e.verifier.FailClosed = cfg.Policy.FailClosed
	e.verifier.Logger = logger.With().Str("component", "verifier").Logger()

	prompter := &services.MessagePrompter{DB: db, Repo: tenant.GormRepo{}, Sender: client}
	enforcer := services.NewEnforcementService(store, client, prompter, e.recorder)
	enforcer.FailClosed = cfg.Policy.FailClosed
	enforcer.PromptCooldown = cfg.Policy.PromptCooldown
	enforcer.DedupTTL = cfg.Policy.EventDedupTTL
	enforcer.Logger = logger.With().Str("component", "enforcer").Logger()

	e.gatekeeper = services.NewGatekeeper(e.verifier, enforcer)
	e.gatekeeper.RescanConcurrency = cfg.Policy.CheckConcurrency
	e.gatekeeper.MaxRescanUsers = cfg.Policy.MaxRescanUsers
	e.gatekeeper.Logger = logger.With().Str("component", "gatekeeper").Logger()

	e.admin = &services.AdminService{DB: db, Resolver: resolver}
	return e, nil
}

// openStore returns the namespaced shared store wrapped in a local fallback,
// or a local store alone when no address is configured or the server is
// unreachable at startup. shared reports whether other instances see it.
func openStore(cfg config.StoreConfig, logger zerolog.Logger) (store kv.Store, shared bool) {
	local := memory.New(time.Minute)
	if cfg.Addr == "" {
		logger.Info().Msg("VALKEY_ADDR not set, running with a per-instance store")
		return kv.Prefixed(local, cfg.KeyPrefix), false
	}

	vcfg := valkey.DefaultConfig()
	vcfg.Addr = cfg.Addr
	vcfg.Password = cfg.Password
	vcfg.DB = cfg.DB
	primary, err := valkey.New(vcfg)
	if err != nil {
		logger.Warn().Err(err).Str("addr", cfg.Addr).Msg("shared store unreachable, running with a per-instance store")
		return kv.Prefixed(local, cfg.KeyPrefix), false
	}

	failover := kv.Failover(primary, local, cfg.RetryInterval, nil, logger.With().Str("component", "kv").Logger())
	return kv.Prefixed(failover, cfg.KeyPrefix), true
}

func dispatcherConfig(c config.DispatcherConfig) dispatcher.Config {
	d := dispatcher.DefaultConfig()
	d.Burst = c.Burst
	d.Rate = c.Rate
	d.BatchShare = c.BatchShare
	d.MaxInFlight = c.MaxInFlight
	d.MaxRetries = c.MaxRetries
	d.InteractiveTimeout = c.InteractiveTimeout
	d.EventTimeout = c.EventTimeout
	d.BatchTimeout = c.BatchTimeout
	d.InitialBackoff = c.InitialBackoff
	d.MaxBackoff = c.MaxBackoff
	return d
}

// Close stops the dispatcher, drains the audit recorder and releases the
// store and the database, in that order.
func (e *engine) Close(ctx context.Context) error {
	var errs []error
	if e.dispatcher != nil {
		errs = append(errs, e.dispatcher.Close())
	}
	if e.recorder != nil {
		errs = append(errs, e.recorder.Close(ctx))
	}
	if e.store != nil {
		errs = append(errs, e.store.Close())
	}
	if e.db != nil {
		if sqlDB, err := e.db.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	return errors.Join(errs...)
}
