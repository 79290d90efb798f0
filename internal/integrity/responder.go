package integrity

import (
	"encoding/json"
	"time"
)

const GeneratedAtLayout = "2006-01-02 15:04:05"

// Decision tells the hosting application what to do with the current unit
// of work. When Halt is set, no further application logic may run for it and
// Candidate should be surfaced to the operator.
type Decision struct {
	Halt      bool               `json:"halt"`
	Candidate *AttestationRecord `json:"candidate,omitempty"`
}

// NewCandidate builds the record an operator publishes to re-attest the
// deployment.
func NewCandidate(appID, domain, code string, at time.Time) *AttestationRecord {
	return &AttestationRecord{
		ApplicationID:    appID,
		Domain:           domain,
		VerificationCode: code,
		GeneratedAt:      at.Format(GeneratedAtLayout),
	}
}

// Respond turns a finished report into a decision: fail closed on mismatch.
func Respond(appID string, report *Report, at time.Time) Decision {
	if report == nil || report.Matched {
		return Decision{}
	}
	return Decision{
		Halt:      true,
		Candidate: NewCandidate(appID, report.Domain, report.VerificationCode, at),
	}
}

// JSON renders the candidate in its publishable form.
func (r *AttestationRecord) JSON() string {
	raw, err := json.Marshal(r)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
