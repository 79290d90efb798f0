package alerting

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/ipsix/codeseal/internal/config"
	"github.com/ipsix/codeseal/internal/integrity"
	"github.com/ipsix/codeseal/internal/logging"
	"github.com/ipsix/codeseal/internal/scanner"
)

type Alert struct {
	ID               string                       `json:"id"`
	Timestamp        time.Time                    `json:"timestamp"`
	Severity         scanner.Severity             `json:"severity"`
	Host             string                       `json:"host"`
	Domain           string                       `json:"domain"`
	VerificationCode string                       `json:"vcode"`
	RemoteCode       string                       `json:"remote_vcode,omitempty"`
	ReportID         string                       `json:"report_id"`
	Reason           string                       `json:"reason"`
	Candidate        *integrity.AttestationRecord `json:"candidate,omitempty"`
}

type Channel interface {
	Name() string
	Send(alert Alert) error
}

// Engine fans alerts out to its channels, suppressing repeats of the same
// alert inside the dedup window.
type Engine struct {
	logger   *logging.Logger
	channels []Channel
	window   time.Duration
	retries  int
	backoff  time.Duration
	now      func() time.Time
	mu       sync.Mutex
	lastSeen map[string]time.Time
}

func New(logger *logging.Logger, cfg config.AlertingConfig) *Engine {
	return &Engine{
		logger:   logger,
		window:   cfg.DedupWindowDuration(),
		retries:  cfg.RetryMax,
		backoff:  cfg.RetryBackoffDuration(),
		now:      time.Now,
		lastSeen: make(map[string]time.Time),
	}
}

func (e *Engine) Register(channel Channel) {
	e.channels = append(e.channels, channel)
}

// Notify turns a finished report into an alert when the decision halts or
// the report carries failures.
func (e *Engine) Notify(report integrity.Report, decision integrity.Decision) {
	alert, ok := FromReport(report, decision)
	if !ok {
		return
	}
	e.Send(alert)
}

func (e *Engine) Send(alert Alert) {
	if alert.ID == "" {
		alert.ID = fingerprint(alert)
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = e.now().UTC()
	}

	if e.isDuplicate(alert.ID) {
		e.logger.Debug("alert suppressed", logging.Field{Key: "alert_id", Value: alert.ID})
		return
	}

	for _, ch := range e.channels {
		if err := e.deliver(ch, alert); err != nil {
			e.logger.Error("alert delivery failed",
				logging.Field{Key: "channel", Value: ch.Name()},
				logging.Field{Key: "error", Value: err.Error()},
			)
		}
	}
}

func (e *Engine) deliver(ch Channel, alert Alert) error {
	var err error
	for attempt := 0; attempt <= e.retries; attempt++ {
		if attempt > 0 {
			time.Sleep(e.backoff * time.Duration(attempt))
		}
		if err = ch.Send(alert); err == nil {
			return nil
		}
	}
	return err
}

func (e *Engine) isDuplicate(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	last, ok := e.lastSeen[id]
	if ok && now.Sub(last) < e.window {
		return true
	}
	e.lastSeen[id] = now
	return false
}

// FromReport builds the alert for a report, if one is warranted.
func FromReport(report integrity.Report, decision integrity.Decision) (Alert, bool) {
	alert := Alert{
		Host:             report.Host,
		Domain:           report.Domain,
		VerificationCode: report.VerificationCode,
		RemoteCode:       report.RemoteCode,
		ReportID:         report.ID,
		Timestamp:        report.FinishedAt,
	}
	switch {
	case decision.Halt:
		alert.Severity = scanner.SeverityCritical
		alert.Reason = "attestation mismatch"
		alert.Candidate = decision.Candidate
	case len(report.FailuresOf(integrity.TransportFailure)) > 0:
		alert.Severity = scanner.SeverityMedium
		alert.Reason = "attestation service unreachable"
	case len(report.FailuresOf(integrity.FileSystemFailure)) > 0:
		alert.Severity = scanner.SeverityLow
		alert.Reason = fmt.Sprintf("%d monitored files unreadable", len(report.FailuresOf(integrity.FileSystemFailure)))
	default:
		return Alert{}, false
	}
	return alert, true
}

// fingerprint keys an alert on what changed, so the same mismatch is not
// re-sent on every tick.
func fingerprint(alert Alert) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s", alert.Domain, alert.Severity, alert.VerificationCode, alert.Reason)
	return hex.EncodeToString(h.Sum(nil))
}
