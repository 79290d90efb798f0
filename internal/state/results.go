package state

import (
	"sync"
	"time"

	"github.com/ipsix/codeseal/internal/integrity"
	"github.com/ipsix/codeseal/internal/scanner"
	"github.com/ipsix/codeseal/internal/storage"
)

type RunSummary struct {
	ScannerName string            `json:"scanner_name"`
	Status      scanner.Status    `json:"status"`
	Findings    int               `json:"findings"`
	Severity    scanner.Severity  `json:"severity,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	FinishedAt  time.Time         `json:"finished_at"`
	Duration    time.Duration     `json:"duration"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Snapshot is the daemon's current view of the deployment.
type Snapshot struct {
	Halted     bool        `json:"halted"`
	LastReport *ReportView `json:"last_report,omitempty"`
	LastRun    *RunSummary `json:"last_run,omitempty"`
	Reports    int         `json:"reports"`
}

// ReportView is a report without its per-file entries.
type ReportView struct {
	ID               string    `json:"id"`
	Host             string    `json:"host"`
	Domain           string    `json:"domain"`
	VerificationCode string    `json:"vcode"`
	RemoteCode       string    `json:"remote_vcode,omitempty"`
	Matched          bool      `json:"matched"`
	Files            int       `json:"files"`
	Failures         int       `json:"failures"`
	FinishedAt       time.Time `json:"finished_at"`
}

// ReportCache keeps the most recent reports, the last scheduler run and the
// outstanding candidate record in memory.
type ReportCache struct {
	mu        sync.RWMutex
	reports   []integrity.Report
	limit     int
	candidate *integrity.AttestationRecord
	lastRun   *scanner.Result
}

func NewReportCache(limit int) *ReportCache {
	if limit <= 0 {
		limit = 50
	}
	return &ReportCache{limit: limit}
}

// Add records a finished report. A halting decision sets the candidate; a
// matching report clears it.
func (c *ReportCache) Add(report integrity.Report, decision integrity.Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reports = append(c.reports, report)
	if len(c.reports) > c.limit {
		c.reports = c.reports[len(c.reports)-c.limit:]
	}
	switch {
	case decision.Halt:
		c.candidate = decision.Candidate
	case report.Matched:
		c.candidate = nil
	}
}

func (c *ReportCache) AddRun(result scanner.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastRun = &result
}

func (c *ReportCache) Latest() (integrity.Report, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.reports) == 0 {
		return integrity.Report{}, false
	}
	return c.reports[len(c.reports)-1], true
}

// Recent returns report views, newest first.
func (c *ReportCache) Recent() []ReportView {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ReportView, 0, len(c.reports))
	for i := len(c.reports) - 1; i >= 0; i-- {
		out = append(out, View(c.reports[i]))
	}
	return out
}

func (c *ReportCache) Candidate() *integrity.AttestationRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.candidate
}

func (c *ReportCache) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := Snapshot{
		Halted:  c.candidate != nil,
		Reports: len(c.reports),
	}
	if n := len(c.reports); n > 0 {
		view := View(c.reports[n-1])
		snap.LastReport = &view
	}
	if c.lastRun != nil {
		run := summarize(*c.lastRun)
		snap.LastRun = &run
	}
	return snap
}

func View(report integrity.Report) ReportView {
	return ReportView{
		ID:               report.ID,
		Host:             report.Host,
		Domain:           report.Domain,
		VerificationCode: report.VerificationCode,
		RemoteCode:       report.RemoteCode,
		Matched:          report.Matched,
		Files:            len(report.Files),
		Failures:         len(report.Failures),
		FinishedAt:       report.FinishedAt,
	}
}

// Record converts a report into its persisted history form.
func Record(report integrity.Report, decision integrity.Decision) storage.CheckRecord {
	rec := storage.CheckRecord{
		ID:               report.ID,
		Host:             report.Host,
		Domain:           report.Domain,
		VerificationCode: report.VerificationCode,
		RemoteCode:       report.RemoteCode,
		Matched:          report.Matched,
		Files:            len(report.Files),
		Failures:         len(report.Failures),
		StartedAt:        report.StartedAt,
		FinishedAt:       report.FinishedAt,
	}
	if decision.Candidate != nil {
		rec.Candidate = decision.Candidate.JSON()
	}
	return rec
}

func summarize(res scanner.Result) RunSummary {
	meta := map[string]string{}
	for k, v := range res.Metadata {
		if s, ok := v.(string); ok {
			meta[k] = s
		}
	}
	return RunSummary{
		ScannerName: res.ScannerName,
		Status:      res.Status,
		Findings:    len(res.Findings),
		Severity:    res.HighestSeverity(),
		StartedAt:   res.StartedAt,
		FinishedAt:  res.FinishedAt,
		Duration:    res.Duration,
		Metadata:    meta,
	}
}
