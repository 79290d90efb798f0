package state

import (
	"testing"
	"time"

	"github.com/ipsix/codeseal/internal/integrity"
	"github.com/ipsix/codeseal/internal/scanner"
)

func TestReportCacheCandidateLifecycle(t *testing.T) {
	cache := NewReportCache(2)
	at := time.Date(2026, 10, 19, 8, 30, 0, 0, time.UTC)
	mismatch := integrity.Report{ID: "a", Domain: "example-com", VerificationCode: "v1", FinishedAt: at}
	candidate := integrity.NewCandidate("app", "example-com", "v1", at)

	cache.Add(mismatch, integrity.Decision{Halt: true, Candidate: candidate})
	if cache.Candidate() == nil || !cache.Snapshot().Halted {
		t.Fatalf("expected candidate after halting decision")
	}

	cache.Add(integrity.Report{ID: "b", Matched: true}, integrity.Decision{})
	if cache.Candidate() != nil {
		t.Fatalf("expected match to clear candidate")
	}

	cache.Add(integrity.Report{ID: "c", Matched: true}, integrity.Decision{})
	recent := cache.Recent()
	if len(recent) != 2 || recent[0].ID != "c" || recent[1].ID != "b" {
		t.Fatalf("expected newest-first bounded history, got %+v", recent)
	}
	latest, ok := cache.Latest()
	if !ok || latest.ID != "c" {
		t.Fatalf("unexpected latest: %+v", latest)
	}
}

func TestSnapshotIncludesLastRun(t *testing.T) {
	cache := NewReportCache(0)
	if snap := cache.Snapshot(); snap.LastRun != nil || snap.LastReport != nil {
		t.Fatalf("expected empty snapshot")
	}
	cache.AddRun(scanner.Result{
		ScannerName: "integrity.attestation",
		Status:      scanner.StatusFailed,
		Findings:    []scanner.Finding{{Severity: scanner.SeverityLow}, {Severity: scanner.SeverityCritical}},
		Metadata:    map[string]interface{}{"host": "example.com", "files": 3},
	})
	snap := cache.Snapshot()
	if snap.LastRun == nil || snap.LastRun.Severity != scanner.SeverityCritical {
		t.Fatalf("expected critical last run, got %+v", snap.LastRun)
	}
	if snap.LastRun.Metadata["host"] != "example.com" {
		t.Fatalf("expected string metadata to be kept")
	}
	if _, ok := snap.LastRun.Metadata["files"]; ok {
		t.Fatalf("expected non-string metadata to be dropped")
	}
}

func TestRecordCarriesCandidate(t *testing.T) {
	at := time.Date(2026, 10, 19, 8, 30, 0, 0, time.UTC)
	report := integrity.Report{
		ID:         "a",
		Files:      make([]integrity.FingerprintEntry, 3),
		Failures:   []*integrity.CheckError{{Kind: integrity.TransportFailure}},
		FinishedAt: at,
	}
	candidate := integrity.NewCandidate("app", "example-com", "v1", at)
	rec := Record(report, integrity.Decision{Halt: true, Candidate: candidate})
	if rec.Files != 3 || rec.Failures != 1 || rec.Candidate != candidate.JSON() {
		t.Fatalf("unexpected record: %+v", rec)
	}
}
