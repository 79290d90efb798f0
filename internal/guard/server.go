package guard

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/ipsix/codeseal/internal/config"
	"github.com/ipsix/codeseal/internal/logging"
)

// Server is a reverse proxy in front of the hosted application that applies
// the halt guard to every request.
type Server struct {
	cfg      config.GuardConfig
	logger   *logging.Logger
	checker  Checker
	policy   HostPolicy
	server   *http.Server
	upstream *url.URL
	handler  http.Handler
}

// New builds the proxy. Requests for hosts outside cfg.AllowedHosts are
// checked as defaultHost when it is set.
func New(cfg config.GuardConfig, defaultHost string, checker Checker, logger *logging.Logger) (*Server, error) {
	upstream, err := url.Parse(cfg.Upstream)
	if err != nil {
		return nil, fmt.Errorf("parse guard upstream: %w", err)
	}
	if upstream.Scheme == "" || upstream.Host == "" {
		return nil, fmt.Errorf("guard upstream %q must be an absolute url", cfg.Upstream)
	}
	policy := HostPolicy{Allowed: cfg.AllowedHosts, Fallback: defaultHost}
	return &Server{cfg: cfg, logger: logger, checker: checker, policy: policy, upstream: upstream}, nil
}

func (s *Server) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}

	s.server = &http.Server{
		Addr:              s.cfg.BindAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("guard proxy starting",
		logging.Field{Key: "addr", Value: s.cfg.BindAddr},
		logging.Field{Key: "upstream", Value: s.upstream.String()},
	)
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("guard proxy stopping")
	return s.server.Shutdown(ctx)
}

func (s *Server) Handler() http.Handler {
	if s.handler == nil {
		proxy := httputil.NewSingleHostReverseProxy(s.upstream)
		proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
			s.logger.Warn("upstream unavailable", logging.Field{Key: "error", Value: err.Error()})
			w.WriteHeader(http.StatusBadGateway)
		}
		s.handler = Middleware(s.checker, s.policy, s.logger)(proxy)
	}
	return s.handler
}
