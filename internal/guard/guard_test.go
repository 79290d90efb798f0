package guard

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ipsix/codeseal/internal/config"
	"github.com/ipsix/codeseal/internal/integrity"
	"github.com/ipsix/codeseal/internal/logging"
)

type stubChecker struct {
	mu      sync.Mutex
	outcome integrity.Outcome
	err     error
	hosts   []string
}

func (s *stubChecker) Periodic(_ context.Context, host string) (integrity.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hosts = append(s.hosts, host)
	return s.outcome, s.err
}

func (s *stubChecker) set(outcome integrity.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcome = outcome
}

func haltOutcome() integrity.Outcome {
	at := time.Date(2026, 10, 19, 8, 30, 0, 0, time.UTC)
	return integrity.Outcome{
		Checked:  true,
		Decision: integrity.Decision{Halt: true, Candidate: integrity.NewCandidate("abc123", "example-com", "v1", at)},
	}
}

func TestMiddlewarePassesThrough(t *testing.T) {
	checker := &stubChecker{}
	called := false
	handler := Middleware(checker, HostPolicy{}, logging.New("text"))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "http://www.example.com/", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if !called || rr.Code != http.StatusTeapot {
		t.Fatalf("expected next handler to run, got %d", rr.Code)
	}
	if len(checker.hosts) != 1 || checker.hosts[0] != "www.example.com" {
		t.Fatalf("expected request host to be checked, got %v", checker.hosts)
	}
}

func TestMiddlewareHaltsWithNotice(t *testing.T) {
	checker := &stubChecker{outcome: haltOutcome()}
	handler := Middleware(checker, HostPolicy{}, logging.New("text"))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("next handler must not run on halt")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "System Integrity Check") {
		t.Fatalf("expected notice body")
	}
}

func TestHostPolicyResolve(t *testing.T) {
	open := HostPolicy{}
	if host, ok := open.Resolve("spoofed.test"); !ok || host != "spoofed.test" {
		t.Fatalf("expected request host without a policy, got %q %v", host, ok)
	}

	pinned := HostPolicy{Allowed: []string{"shop.example.com"}, Fallback: "example.com"}
	cases := map[string]string{
		"www.example.com":  "www.example.com",
		"example.com:8080": "example.com:8080",
		"SHOP.example.com": "SHOP.example.com",
		"spoofed.test":     "example.com",
		"":                 "example.com",
	}
	for in, want := range cases {
		if got, ok := pinned.Resolve(in); !ok || got != want {
			t.Fatalf("Resolve(%q) = %q %v, want %q", in, got, ok, want)
		}
	}

	strict := HostPolicy{Allowed: []string{"example.com"}}
	if _, ok := strict.Resolve("spoofed.test"); ok {
		t.Fatalf("expected unknown host to be rejected without a fallback")
	}
}

func TestMiddlewareChecksSpoofedHostAsDefault(t *testing.T) {
	checker := &stubChecker{}
	policy := HostPolicy{Fallback: "example.com"}
	handler := Middleware(checker, policy, logging.New("text"))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "http://spoofed.test/", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected pass through, got %d", rr.Code)
	}
	if len(checker.hosts) != 1 || checker.hosts[0] != "example.com" {
		t.Fatalf("expected spoofed host to be checked as the default, got %v", checker.hosts)
	}
}

func TestMiddlewareRejectsUnknownHost(t *testing.T) {
	checker := &stubChecker{}
	policy := HostPolicy{Allowed: []string{"example.com"}}
	handler := Middleware(checker, policy, logging.New("text"))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("next handler must not run for an unknown host")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "http://spoofed.test/", nil))
	if rr.Code != http.StatusMisdirectedRequest {
		t.Fatalf("expected 421, got %d", rr.Code)
	}
	if len(checker.hosts) != 0 {
		t.Fatalf("expected no check for an unknown host, got %v", checker.hosts)
	}
}

func TestMiddlewareInternalError(t *testing.T) {
	checker := &stubChecker{err: errors.New("bad settings")}
	handler := Middleware(checker, HostPolicy{}, logging.New("text"))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("next handler must not run on error")
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
}

func TestServerProxiesUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "hello from app")
	}))
	defer upstream.Close()

	checker := &stubChecker{}
	srv, err := New(config.GuardConfig{Enabled: true, Upstream: upstream.URL}, "", checker, logging.New("text"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	front := httptest.NewServer(srv.Handler())
	defer front.Close()

	resp, err := http.Get(front.URL + "/page")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "hello from app" {
		t.Fatalf("unexpected proxy response %d %q", resp.StatusCode, body)
	}

	checker.set(haltOutcome())
	resp, err = http.Get(front.URL + "/page")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected halt through proxy, got %d", resp.StatusCode)
	}
}

func TestNewRejectsRelativeUpstream(t *testing.T) {
	if _, err := New(config.GuardConfig{Upstream: "localhost"}, "", &stubChecker{}, logging.New("text")); err == nil {
		t.Fatalf("expected relative upstream to be rejected")
	}
}
