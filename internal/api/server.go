package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ipsix/codeseal/internal/config"
	"github.com/ipsix/codeseal/internal/integrity"
	"github.com/ipsix/codeseal/internal/logging"
	"github.com/ipsix/codeseal/internal/scheduler"
	"github.com/ipsix/codeseal/internal/state"
	"github.com/ipsix/codeseal/internal/storage"
)

// Checker is the part of the integrity engine exposed over the API.
type Checker interface {
	Check(ctx context.Context, host string) (integrity.Outcome, error)
	Fingerprint(host string) *integrity.Report
	ApplicationID() string
}

type Options struct {
	Engine    Checker
	Scheduler *scheduler.Scheduler
	Reports   *state.ReportCache
	History   storage.HistoryStore
	Host      string
}

type Server struct {
	cfg     config.APIConfig
	logger  *logging.Logger
	server  *http.Server
	opts    Options
	now     func() time.Time
	handler http.Handler
}

func New(cfg config.APIConfig, logger *logging.Logger, opts Options) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
		opts:   opts,
		now:    time.Now,
	}
}

func (s *Server) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}

	s.handler = s.buildHandler()
	s.server = &http.Server{
		Addr:              s.cfg.BindAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("api server starting", logging.Field{Key: "addr", Value: s.cfg.BindAddr})
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

func (s *Server) Handler() http.Handler {
	if s.handler == nil {
		s.handler = s.buildHandler()
	}
	return s.handler
}

func (s *Server) buildHandler() http.Handler {
	mux := http.NewServeMux()
	register := func(path string, handler http.HandlerFunc) {
		mux.HandleFunc(path, s.withAuth(handler))
		mux.HandleFunc("/api"+path, s.withAuth(handler))
	}
	register("/health", s.handleHealth)
	register("/status", s.handleStatus)
	register("/results/latest", s.handleResultsLatest)
	register("/results/history", s.handleResultsHistory)
	register("/candidate", s.handleCandidate)
	register("/fingerprint", s.handleFingerprint)
	register("/check", s.handleCheck)
	return mux
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("api server stopping")
	return s.server.Shutdown(ctx)
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if s.cfg.AuthToken != "" && token != s.cfg.AuthToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]interface{}{
		"status": "running",
		"host":   s.opts.Host,
	}
	if s.opts.Reports != nil {
		payload["integrity"] = s.opts.Reports.Snapshot()
	}
	if s.opts.Scheduler != nil {
		payload["jobs"] = s.opts.Scheduler.ListJobs()
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleResultsLatest(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Reports == nil {
		writeError(w, http.StatusNotFound, "no reports yet")
		return
	}
	report, ok := s.opts.Reports.Latest()
	if !ok {
		writeError(w, http.StatusNotFound, "no reports yet")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleResultsHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	if s.opts.History != nil {
		records, err := s.opts.History.List(limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, records)
		return
	}
	views := []state.ReportView{}
	if s.opts.Reports != nil {
		views = s.opts.Reports.Recent()
	}
	if len(views) > limit {
		views = views[:limit]
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleCandidate(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Reports == nil || s.opts.Reports.Candidate() == nil {
		writeError(w, http.StatusNotFound, "no outstanding candidate")
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Reports.Candidate())
}

func (s *Server) handleFingerprint(w http.ResponseWriter, r *http.Request) {
	host := s.hostParam(r)
	if host == "" {
		writeError(w, http.StatusBadRequest, "host required")
		return
	}
	report := s.opts.Engine.Fingerprint(host)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"candidate": integrity.NewCandidate(s.opts.Engine.ApplicationID(), report.Domain, report.VerificationCode, s.now()),
		"files":     len(report.Files),
		"failures":  report.Failures,
	})
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "use POST")
		return
	}
	host := s.hostParam(r)
	if host == "" {
		writeError(w, http.StatusBadRequest, "host required")
		return
	}
	outcome, err := s.opts.Engine.Check(r.Context(), host)
	if err != nil {
		s.logger.Error("manual check failed", logging.Field{Key: "error", Value: err.Error()})
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) hostParam(r *http.Request) string {
	if host := strings.TrimSpace(r.URL.Query().Get("host")); host != "" {
		return host
	}
	return s.opts.Host
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
