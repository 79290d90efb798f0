package guard

import (
	"context"
	"net/http"
	"slices"

	"github.com/ipsix/codeseal/internal/integrity"
	"github.com/ipsix/codeseal/internal/logging"
	"github.com/ipsix/codeseal/internal/notice"
)

// Checker is the part of the integrity engine the guard consults.
type Checker interface {
	Periodic(ctx context.Context, host string) (integrity.Outcome, error)
}

// HostPolicy decides which host a request is checked as. With neither field
// set the request's Host header is trusted as is.
type HostPolicy struct {
	// Allowed lists the hosts that may be checked under their own name.
	Allowed []string
	// Fallback replaces any host outside Allowed.
	Fallback string
}

// Resolve maps a request host to the host to check. ok is false when the
// host is not allowed and there is no fallback.
func (p HostPolicy) Resolve(requestHost string) (string, bool) {
	if len(p.Allowed) == 0 && p.Fallback == "" {
		return requestHost, true
	}
	slug := integrity.DomainSlug(requestHost)
	matches := func(h string) bool { return integrity.DomainSlug(h) == slug }
	if slug != "" && (matches(p.Fallback) || slices.ContainsFunc(p.Allowed, matches)) {
		return requestHost, true
	}
	if p.Fallback != "" {
		return p.Fallback, true
	}
	return "", false
}

// Middleware runs the throttled check for the request's host before the
// wrapped handler. A halting decision replaces the response with the notice
// and the wrapped handler is never called.
func Middleware(checker Checker, policy HostPolicy, logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host, ok := policy.Resolve(r.Host)
			if !ok {
				logger.Warn("request for unknown host rejected", logging.Field{Key: "host", Value: r.Host})
				http.Error(w, http.StatusText(http.StatusMisdirectedRequest), http.StatusMisdirectedRequest)
				return
			}
			outcome, err := checker.Periodic(r.Context(), host)
			if err != nil {
				logger.Error("integrity check failed",
					logging.Field{Key: "host", Value: host},
					logging.Field{Key: "error", Value: err.Error()},
				)
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}
			if outcome.Decision.Halt {
				if err := notice.Write(w, http.StatusServiceUnavailable, outcome.Decision.Candidate); err != nil {
					logger.Warn("notice render failed", logging.Field{Key: "error", Value: err.Error()})
				}
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
