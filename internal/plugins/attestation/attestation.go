package attestation

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"

	"github.com/ipsix/codeseal/internal/integrity"
	"github.com/ipsix/codeseal/internal/scanner"
)

const PluginName = "integrity.attestation"

// Checker is the part of the integrity engine the plugin drives.
type Checker interface {
	Periodic(ctx context.Context, host string) (integrity.Outcome, error)
}

type Config struct {
	Host string `mapstructure:"host"`
}

// Plugin runs the throttled attestation check for one host on every tick.
type Plugin struct {
	checker Checker
	cfg     Config

	mu   sync.RWMutex
	last *integrity.Outcome
}

func New(checker Checker) *Plugin {
	return &Plugin{checker: checker}
}

func (p *Plugin) Name() string { return PluginName }

func (p *Plugin) Init(config map[string]interface{}) error {
	var cfg Config
	if err := mapstructure.Decode(config, &cfg); err != nil {
		return fmt.Errorf("decode attestation config: %w", err)
	}
	cfg.Host = strings.TrimSpace(cfg.Host)
	if cfg.Host == "" {
		return fmt.Errorf("host is required")
	}
	if p.checker == nil {
		return fmt.Errorf("integrity engine is required")
	}
	p.cfg = cfg
	return nil
}

func (p *Plugin) Run(ctx context.Context) (*scanner.Result, error) {
	outcome, err := p.checker.Periodic(ctx, p.cfg.Host)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.last = &outcome
	p.mu.Unlock()

	result := &scanner.Result{
		ScannerName: p.Name(),
		Status:      scanner.StatusSuccess,
		Metadata: map[string]interface{}{
			"host":    p.cfg.Host,
			"checked": outcome.Checked,
		},
	}
	if !outcome.Checked || outcome.Report == nil {
		return result, nil
	}

	report := outcome.Report
	result.Metadata["report_id"] = report.ID
	result.Metadata["domain"] = report.Domain
	result.Metadata["vcode"] = report.VerificationCode
	result.Metadata["files"] = len(report.Files)
	result.Metadata["matched"] = report.Matched

	for _, failure := range report.Failures {
		result.Status = scanner.StatusPartial
		result.Findings = append(result.Findings, failureFinding(failure))
	}

	if outcome.Decision.Halt {
		result.Status = scanner.StatusFailed
		evidence := map[string]interface{}{
			"domain":        report.Domain,
			"local_vcode":   report.VerificationCode,
			"remote_vcode":  report.RemoteCode,
			"record_url":    report.URL,
			"monitored_set": len(report.Files),
		}
		if outcome.Decision.Candidate != nil {
			evidence["candidate"] = outcome.Decision.Candidate.JSON()
		}
		result.Findings = append(result.Findings, scanner.Finding{
			ID:          "attestation_mismatch",
			Severity:    scanner.SeverityCritical,
			Category:    "integrity",
			Description: fmt.Sprintf("Deployed code for %s does not match its attestation record", report.Domain),
			Evidence:    evidence,
			Remediation: "Review the change; if it is legitimate, publish the candidate record to the attestation service.",
		})
	}

	return result, nil
}

func (p *Plugin) Halt(_ context.Context) error { return nil }

// Last returns the outcome of the most recent run, if any.
func (p *Plugin) Last() (integrity.Outcome, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.last == nil {
		return integrity.Outcome{}, false
	}
	return *p.last, true
}

func failureFinding(failure *integrity.CheckError) scanner.Finding {
	finding := scanner.Finding{
		ID:          "attestation_" + string(failure.Kind),
		Category:    "integrity",
		Description: failure.Message(),
		Evidence: map[string]interface{}{
			"op":   failure.Op,
			"path": failure.Path,
		},
	}
	switch failure.Kind {
	case integrity.FileSystemFailure:
		finding.Severity = scanner.SeverityLow
		finding.Remediation = "Verify file permissions under the monitored paths."
	case integrity.TransportFailure:
		finding.Severity = scanner.SeverityMedium
		finding.Remediation = "Verify connectivity to the attestation service."
	default:
		finding.Severity = scanner.SeverityHigh
	}
	return finding
}
