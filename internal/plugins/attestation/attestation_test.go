package attestation

import (
	"context"
	"errors"
	"testing"

	"github.com/ipsix/codeseal/internal/integrity"
	"github.com/ipsix/codeseal/internal/scanner"
)

type stubChecker struct {
	outcome integrity.Outcome
	err     error
	hosts   []string
}

func (s *stubChecker) Periodic(_ context.Context, host string) (integrity.Outcome, error) {
	s.hosts = append(s.hosts, host)
	return s.outcome, s.err
}

func TestInitRequiresHost(t *testing.T) {
	p := New(&stubChecker{})
	if err := p.Init(map[string]interface{}{}); err == nil {
		t.Fatalf("expected error without host")
	}
	if err := p.Init(map[string]interface{}{"host": 42}); err == nil {
		t.Fatalf("expected decode error for non-string host")
	}
	if err := New(nil).Init(map[string]interface{}{"host": "example.com"}); err == nil {
		t.Fatalf("expected error without engine")
	}
}

func TestRunSkippedCheck(t *testing.T) {
	checker := &stubChecker{}
	p := New(checker)
	if err := p.Init(map[string]interface{}{"host": " www.example.com "}); err != nil {
		t.Fatalf("init: %v", err)
	}
	result, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Status != scanner.StatusSuccess || result.Metadata["checked"] != false {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(checker.hosts) != 1 || checker.hosts[0] != "www.example.com" {
		t.Fatalf("expected trimmed host, got %v", checker.hosts)
	}
}

func TestRunMismatchProducesCriticalFinding(t *testing.T) {
	report := &integrity.Report{
		ID:               "r1",
		Domain:           "example-com",
		VerificationCode: "abc",
		Failures: []*integrity.CheckError{
			{Kind: integrity.FileSystemFailure, Op: "read", Path: "app/x.php", Err: errors.New("permission denied")},
		},
	}
	candidate := integrity.NewCandidate("app", "example-com", "abc", report.StartedAt)
	checker := &stubChecker{outcome: integrity.Outcome{
		Checked:  true,
		Report:   report,
		Decision: integrity.Decision{Halt: true, Candidate: candidate},
	}}
	p := New(checker)
	if err := p.Init(map[string]interface{}{"host": "example.com"}); err != nil {
		t.Fatalf("init: %v", err)
	}
	result, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Status != scanner.StatusFailed {
		t.Fatalf("expected failed status, got %s", result.Status)
	}
	if len(result.Findings) != 2 {
		t.Fatalf("expected 2 findings, got %d", len(result.Findings))
	}
	if result.Findings[0].Severity != scanner.SeverityLow || result.Findings[0].Description != "permission denied" {
		t.Fatalf("unexpected failure finding: %+v", result.Findings[0])
	}
	mismatch := result.Findings[1]
	if mismatch.ID != "attestation_mismatch" || mismatch.Severity != scanner.SeverityCritical {
		t.Fatalf("unexpected mismatch finding: %+v", mismatch)
	}
	if mismatch.Evidence["candidate"] != candidate.JSON() {
		t.Fatalf("expected candidate json in evidence")
	}
	last, ok := p.Last()
	if !ok || last.Report.ID != "r1" {
		t.Fatalf("expected last outcome to be recorded")
	}
}

func TestRunPropagatesInternalErrors(t *testing.T) {
	p := New(&stubChecker{err: errors.New("broken settings")})
	if err := p.Init(map[string]interface{}{"host": "example.com"}); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := p.Run(context.Background()); err == nil {
		t.Fatalf("expected error to propagate")
	}
	if _, ok := p.Last(); ok {
		t.Fatalf("expected no outcome after error")
	}
}
