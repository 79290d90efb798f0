package scanner

import (
	"context"
	"strings"
	"time"
)

// Plugin is a unit of scheduled work. Init receives the plugin's raw
// configuration block.
type Plugin interface {
	Name() string
	Init(config map[string]interface{}) error
	Run(ctx context.Context) (*Result, error)
	Halt(ctx context.Context) error
}

type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusPartial Status = "partial"
)

type Result struct {
	ScannerName string                 `json:"scanner"`
	Status      Status                 `json:"status"`
	Findings    []Finding              `json:"findings,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	FinishedAt  time.Time              `json:"finished_at"`
	Duration    time.Duration          `json:"duration"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// HighestSeverity returns the most severe finding level, or "" when there
// are no findings.
func (r Result) HighestSeverity() Severity {
	var best Severity
	for _, f := range r.Findings {
		if f.Severity.rank() > best.rank() {
			best = f.Severity
		}
	}
	return best
}

type Finding struct {
	ID          string                 `json:"id"`
	Severity    Severity               `json:"severity"`
	Category    string                 `json:"category"`
	Description string                 `json:"description"`
	Evidence    map[string]interface{} `json:"evidence,omitempty"`
	Remediation string                 `json:"remediation,omitempty"`
}

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ParseSeverity maps a case-insensitive level name to a Severity.
func ParseSeverity(value string) (Severity, bool) {
	sev := Severity(strings.ToLower(strings.TrimSpace(value)))
	if sev.rank() == 0 {
		return "", false
	}
	return sev, true
}

func (s Severity) rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityLow:
		return 2
	case SeverityMedium:
		return 3
	case SeverityHigh:
		return 4
	case SeverityCritical:
		return 5
	default:
		return 0
	}
}
