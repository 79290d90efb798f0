package daemon

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ipsix/codeseal/internal/config"
	"github.com/ipsix/codeseal/internal/logging"
)

const pruneInterval = time.Hour

type Runner struct {
	cfg    config.Config
	logger *logging.Logger
}

func New(cfg config.Config, logger *logging.Logger) *Runner {
	return &Runner{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runner) Run(ctx context.Context) error {
	if r.cfg.Security.SelfIntegrity {
		if err := VerifySelfIntegrity(r.cfg.Security.ExpectedSHA256); err != nil {
			return err
		}
	}

	comps, err := Build(ctx, r.cfg, r.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := comps.Close(); err != nil {
			r.logger.Warn("storage close failed", logging.Field{Key: "error", Value: err.Error()})
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	go r.handleSignals(sigCh, cancel, func() { r.forceCheck(ctx, comps) })

	comps.Scheduler.Start(ctx)

	errCh := make(chan error, 2)
	serve := func(name string, start func(context.Context) error) {
		if err := start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error(name+" server failed", logging.Field{Key: "error", Value: err.Error()})
			errCh <- err
		}
	}
	go serve("api", comps.API.Start)
	if comps.Guard != nil {
		go serve("guard", comps.Guard.Start)
	}
	go r.pruneLoop(ctx, comps)

	r.logger.Info("daemon started",
		logging.Field{Key: "host", Value: r.cfg.Integrity.Host},
		logging.Field{Key: "storage", Value: r.cfg.Storage.Driver},
		logging.Field{Key: "history", Value: r.cfg.Storage.HistoryDriver},
	)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		cancel()
	}

	return errors.Join(runErr, r.shutdown(comps, r.cfg.Daemon.ShutdownTimeoutDuration()))
}

func (r *Runner) handleSignals(sigCh <-chan os.Signal, cancel context.CancelFunc, recheck func()) {
	for sig := range sigCh {
		switch sig {
		case syscall.SIGHUP:
			r.logger.Info("re-check requested")
			recheck()
		case syscall.SIGINT, syscall.SIGTERM:
			r.logger.Warn("shutdown signal received", logging.Field{Key: "signal", Value: sig.String()})
			cancel()
			return
		default:
			r.logger.Warn("unexpected signal received", logging.Field{Key: "signal", Value: sig.String()})
		}
	}
}

// forceCheck runs an unthrottled check for the configured host.
func (r *Runner) forceCheck(ctx context.Context, comps *Components) {
	if r.cfg.Integrity.Host == "" {
		r.logger.Warn("re-check skipped: integrity.host is not set")
		return
	}
	if _, err := comps.Engine.Check(ctx, r.cfg.Integrity.Host); err != nil {
		r.logger.Error("re-check failed", logging.Field{Key: "error", Value: err.Error()})
	}
}

func (r *Runner) pruneLoop(ctx context.Context, comps *Components) {
	retention := time.Duration(r.cfg.Storage.RetentionDays) * 24 * time.Hour
	if comps.History == nil || retention <= 0 {
		return
	}
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		if err := comps.Prune(retention, time.Now()); err != nil {
			r.logger.Warn("history prune failed", logging.Field{Key: "error", Value: err.Error()})
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Runner) shutdown(comps *Components, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	r.logger.Info("shutdown starting", logging.Field{Key: "timeout", Value: timeout.String()})
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	comps.Scheduler.Stop()
	errs := []error{comps.API.Shutdown(ctx), comps.Manager.HaltAll(ctx)}
	if comps.Guard != nil {
		errs = append(errs, comps.Guard.Shutdown(ctx))
	}
	r.logger.Info("shutdown complete")
	return errors.Join(errs...)
}
