package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ipsix/codeseal/internal/alerting"
	"github.com/ipsix/codeseal/internal/api"
	"github.com/ipsix/codeseal/internal/config"
	"github.com/ipsix/codeseal/internal/guard"
	"github.com/ipsix/codeseal/internal/integrity"
	"github.com/ipsix/codeseal/internal/logging"
	"github.com/ipsix/codeseal/internal/plugins/attestation"
	"github.com/ipsix/codeseal/internal/scanner"
	"github.com/ipsix/codeseal/internal/scheduler"
	"github.com/ipsix/codeseal/internal/state"
	"github.com/ipsix/codeseal/internal/storage"
)

const attestationJob = "attestation"

// Components holds everything the daemon runs, wired together.
type Components struct {
	KV        storage.KV
	History   storage.HistoryStore
	Engine    *integrity.Engine
	Reports   *state.ReportCache
	Alerts    *alerting.Engine
	Manager   *scanner.Manager
	Scheduler *scheduler.Scheduler
	API       *api.Server
	Guard     *guard.Server

	closers []func() error
}

// OpenStorage opens the throttle store and history store named by cfg.
// The returned closer releases both.
func OpenStorage(ctx context.Context, cfg config.StorageConfig) (storage.KV, storage.HistoryStore, func() error, error) {
	var (
		closers []func() error
		badger  *storage.BadgerStore
		kv      storage.KV
		history storage.HistoryStore
	)
	closeAll := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		return errors.Join(errs...)
	}
	openBadger := func() (*storage.BadgerStore, error) {
		if badger != nil {
			return badger, nil
		}
		store, err := storage.NewBadgerStoreWithKey(cfg.DBPath, cfg.EncryptionKeyBase64)
		if err != nil {
			return nil, fmt.Errorf("open badger: %w", err)
		}
		badger = store
		closers = append(closers, store.Close)
		return store, nil
	}

	switch cfg.Driver {
	case "badger":
		store, err := openBadger()
		if err != nil {
			return nil, nil, nil, err
		}
		kv = store.KV()
	case "redis":
		client := storage.NewRedisKV(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisPrefix)
		closers = append(closers, client.Close)
		if err := client.Ping(ctx); err != nil {
			_ = closeAll()
			return nil, nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		kv = client
	case "memory":
		kv = storage.NewMemoryKV()
	default:
		return nil, nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}

	switch cfg.HistoryDriver {
	case "badger":
		store, err := openBadger()
		if err != nil {
			_ = closeAll()
			return nil, nil, nil, err
		}
		history = storage.NewResultsStore(store)
	case "sqlite":
		sql, err := storage.OpenSQLHistory(cfg.SQLitePath)
		if err != nil {
			_ = closeAll()
			return nil, nil, nil, err
		}
		closers = append(closers, sql.Close)
		history = sql
	case "", "none":
	default:
		_ = closeAll()
		return nil, nil, nil, fmt.Errorf("unknown history driver %q", cfg.HistoryDriver)
	}

	return kv, history, closeAll, nil
}

// NewEngine builds the integrity engine from the integrity section.
func NewEngine(cfg config.IntegrityConfig, kv storage.KV, logger *logging.Logger) (*integrity.Engine, error) {
	fetcher := integrity.NewHTTPFetcher(integrity.FetcherConfig{
		BaseURL:        cfg.RemoteBaseURL,
		ConnectTimeout: cfg.ConnectTimeoutDuration(),
		TotalTimeout:   cfg.TotalTimeoutDuration(),
		MaxRedirects:   cfg.MaxRedirects,
		UserAgent:      cfg.UserAgent,
	})
	throttle := integrity.NewThrottle(kv, cfg.StateKey, cfg.IntervalDuration(), cfg.StateLifetimeDuration())
	return integrity.NewEngine(integrity.Settings{
		ApplicationID:    cfg.ApplicationID,
		Root:             cfg.RootDir(),
		Paths:            cfg.PathSet(),
		FailOnUnreadable: cfg.FailOnUnreadable,
		LockTTL:          cfg.LockTTLDuration(),
	}, fetcher, throttle, logger)
}

// Build wires storage, the engine, alerting, the scheduler and the HTTP
// surfaces from cfg.
func Build(ctx context.Context, cfg config.Config, logger *logging.Logger) (*Components, error) {
	kv, history, closeStorage, err := OpenStorage(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	c := &Components{
		KV:      kv,
		History: history,
		Reports: state.NewReportCache(50),
		Manager: scanner.NewManager(),
		closers: []func() error{closeStorage},
	}

	c.Engine, err = NewEngine(cfg.Integrity, kv, logger.With(logging.Field{Key: "component", Value: "integrity"}))
	if err != nil {
		_ = c.Close()
		return nil, err
	}

	if cfg.Alerting.Enabled {
		c.Alerts = alerting.New(logger, cfg.Alerting)
		channels, err := alerting.BuildChannels(cfg.Alerting, logger)
		if err != nil {
			_ = c.Close()
			return nil, err
		}
		for _, ch := range channels {
			c.Alerts.Register(ch)
		}
	}
	c.Engine.SetOnReport(c.recordReport(logger))

	c.Scheduler = scheduler.New(logger, c.Manager)
	c.Scheduler.SetOnResult(c.Reports.AddRun)
	if cfg.Integrity.Host != "" {
		plugin := attestation.New(c.Engine)
		if err := plugin.Init(map[string]interface{}{"host": cfg.Integrity.Host}); err != nil {
			_ = c.Close()
			return nil, err
		}
		if err := c.Manager.Register(plugin); err != nil {
			_ = c.Close()
			return nil, err
		}
		if err := c.Scheduler.AddJob(scheduler.JobConfig{
			Name:       attestationJob,
			Plugin:     plugin.Name(),
			Schedule:   cfg.Schedule.Spec,
			Timeout:    cfg.Schedule.TimeoutDuration(),
			RunOnStart: cfg.Schedule.RunOnStart,
		}); err != nil {
			_ = c.Close()
			return nil, err
		}
	}

	c.API = api.New(cfg.API, logger, api.Options{
		Engine:    c.Engine,
		Scheduler: c.Scheduler,
		Reports:   c.Reports,
		History:   history,
		Host:      cfg.Integrity.Host,
	})

	if cfg.Guard.Enabled {
		c.Guard, err = guard.New(cfg.Guard, cfg.Integrity.Host, c.Engine, logger)
		if err != nil {
			_ = c.Close()
			return nil, err
		}
	}

	return c, nil
}

func (c *Components) recordReport(logger *logging.Logger) func(integrity.Report, integrity.Decision) {
	return func(report integrity.Report, decision integrity.Decision) {
		c.Reports.Add(report, decision)
		if c.History != nil {
			if err := c.History.Save(state.Record(report, decision)); err != nil {
				logger.Warn("history save failed", logging.Field{Key: "error", Value: err.Error()})
			}
		}
		if c.Alerts != nil {
			c.Alerts.Notify(report, decision)
		}
	}
}

// Prune drops history older than the retention window.
func (c *Components) Prune(retention time.Duration, now time.Time) error {
	if c.History == nil || retention <= 0 {
		return nil
	}
	return c.History.PruneOlderThan(now.Add(-retention))
}

func (c *Components) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		errs = append(errs, c.closers[i]())
	}
	return errors.Join(errs...)
}
