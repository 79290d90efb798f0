package integrity

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/ipsix/codeseal/internal/logging"
)

const DefaultLockTTL = 2 * time.Minute

type Settings struct {
	ApplicationID    string
	Root             string
	Paths            MonitoredPathSet
	FailOnUnreadable bool
	LockTTL          time.Duration
}

// Report describes one verification attempt.
type Report struct {
	ID               string             `json:"id"`
	Host             string             `json:"host"`
	Domain           string             `json:"domain"`
	LookupKey        string             `json:"lookup_key"`
	URL              string             `json:"url,omitempty"`
	Files            []FingerprintEntry `json:"files"`
	SetDigest        string             `json:"set_digest"`
	VerificationCode string             `json:"vcode"`
	RemoteCode       string             `json:"remote_vcode,omitempty"`
	Matched          bool               `json:"matched"`
	Failures         []*CheckError      `json:"failures,omitempty"`
	StartedAt        time.Time          `json:"started_at"`
	FinishedAt       time.Time          `json:"finished_at"`
}

// FailuresOf returns the failures of the given kind.
func (r *Report) FailuresOf(kind FailureKind) []*CheckError {
	var out []*CheckError
	for _, f := range r.Failures {
		if f.Kind == kind {
			out = append(out, f)
		}
	}
	return out
}

// Outcome is the result of a throttled invocation. Checked is false when
// the interval had not elapsed or another holder owned the check lock.
type Outcome struct {
	Checked  bool     `json:"checked"`
	Report   *Report  `json:"report,omitempty"`
	Decision Decision `json:"decision"`
}

type recordURLer interface {
	RecordURL(lookupKey string) string
}

type Engine struct {
	settings Settings
	fetcher  Fetcher
	throttle *Throttle
	logger   *logging.Logger
	now      func() time.Time
	group    singleflight.Group
	onReport func(Report, Decision)
}

func NewEngine(settings Settings, fetcher Fetcher, throttle *Throttle, logger *logging.Logger) (*Engine, error) {
	if strings.TrimSpace(settings.ApplicationID) == "" {
		return nil, internalError("configure engine", errors.New("application id is required"))
	}
	if err := settings.Paths.Validate(); err != nil {
		return nil, internalError("configure engine", err)
	}
	if fetcher == nil {
		return nil, internalError("configure engine", errors.New("fetcher is required"))
	}
	if throttle == nil {
		return nil, internalError("configure engine", errors.New("throttle is required"))
	}
	if settings.LockTTL <= 0 {
		settings.LockTTL = DefaultLockTTL
	}
	if logger == nil {
		logger = logging.New("json")
	}
	return &Engine{
		settings: settings,
		fetcher:  fetcher,
		throttle: throttle,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// SetClock replaces the time source of the engine and its throttle.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
	e.throttle.SetClock(now)
}

// SetOnReport registers a hook called after every completed throttled check.
func (e *Engine) SetOnReport(fn func(Report, Decision)) {
	e.onReport = fn
}

func (e *Engine) ApplicationID() string { return e.settings.ApplicationID }

// Fingerprint computes the local state only; it never touches the network
// or the throttle.
func (e *Engine) Fingerprint(host string) *Report {
	started := e.now()
	id := ResolveIdentity(host)
	records, failures := Scan(e.settings.Root, e.settings.Paths)
	set := BuildSet(records)
	setDigest := DigestSet(set)

	report := &Report{
		ID:               uuid.NewString(),
		Host:             host,
		Domain:           id.Slug,
		LookupKey:        id.LookupKey,
		Files:            set.Sorted(),
		SetDigest:        setDigest,
		VerificationCode: Aggregate(id.Slug, e.settings.ApplicationID, setDigest),
		Failures:         failures,
		StartedAt:        started,
		FinishedAt:       e.now(),
	}
	if u, ok := e.fetcher.(recordURLer); ok {
		report.URL = u.RecordURL(id.LookupKey)
	}
	return report
}

// Verify runs one unthrottled check against the remote record.
func (e *Engine) Verify(ctx context.Context, host string) (*Report, error) {
	if strings.TrimSpace(host) == "" {
		return nil, internalError("verify", errors.New("host is required"))
	}
	report := e.Fingerprint(host)

	remote, fetchErr := e.fetcher.Fetch(ctx, report.LookupKey)
	if fetchErr != nil {
		report.Failures = append(report.Failures, fetchErr)
		e.logger.Warn("attestation record unavailable",
			logging.Field{Key: "domain", Value: report.Domain},
			logging.Field{Key: "error", Value: fetchErr.Error()},
		)
	}
	if remote != nil {
		report.RemoteCode = remote.VerificationCode
	}
	report.Matched = Matches(report.VerificationCode, remote)

	if fsFailures := report.FailuresOf(FileSystemFailure); len(fsFailures) > 0 {
		for _, f := range fsFailures {
			e.logger.Warn("monitored file skipped",
				logging.Field{Key: "path", Value: f.Path},
				logging.Field{Key: "error", Value: f.Message()},
			)
		}
		if e.settings.FailOnUnreadable {
			report.Matched = false
		}
	}
	report.FinishedAt = e.now()
	return report, nil
}

// Periodic is the per-invocation entry point: it checks only when the
// throttle interval has elapsed and tells the caller whether to halt.
// Concurrent invocations for the same domain in this process share a single
// check.
func (e *Engine) Periodic(ctx context.Context, host string) (Outcome, error) {
	v, err, _ := e.group.Do("periodic|"+DomainSlug(host), func() (interface{}, error) {
		return e.periodic(context.WithoutCancel(ctx), host)
	})
	if err != nil {
		return Outcome{}, err
	}
	return v.(Outcome), nil
}

func (e *Engine) periodic(ctx context.Context, host string) (Outcome, error) {
	due, err := e.throttle.Due(ctx)
	if err != nil || !due {
		return Outcome{}, err
	}

	release, acquired, err := e.throttle.Acquire(ctx, e.settings.LockTTL)
	if err != nil {
		return Outcome{}, err
	}
	if !acquired {
		e.logger.Debug("check already in progress elsewhere")
		return Outcome{}, nil
	}
	defer release()

	// The holder of a lock released just before ours may have finished a check.
	if due, err = e.throttle.Due(ctx); err != nil || !due {
		return Outcome{}, err
	}

	return e.check(ctx, host)
}

// Check runs a check now regardless of the interval, then records the
// result in the throttle state and the report hook like a periodic check.
func (e *Engine) Check(ctx context.Context, host string) (Outcome, error) {
	v, err, _ := e.group.Do("check|"+DomainSlug(host), func() (interface{}, error) {
		return e.check(context.WithoutCancel(ctx), host)
	})
	if err != nil {
		return Outcome{}, err
	}
	return v.(Outcome), nil
}

func (e *Engine) check(ctx context.Context, host string) (Outcome, error) {
	report, err := e.Verify(ctx, host)
	if err != nil {
		return Outcome{}, err
	}

	decision := Respond(e.settings.ApplicationID, report, e.now())
	if report.Matched {
		err = e.throttle.MarkVerified(ctx)
	} else {
		err = e.throttle.MarkMismatch(ctx)
	}
	if err != nil {
		return Outcome{}, err
	}

	fields := []logging.Field{
		{Key: "check_id", Value: report.ID},
		{Key: "domain", Value: report.Domain},
		{Key: "files", Value: len(report.Files)},
		{Key: "matched", Value: report.Matched},
	}
	if decision.Halt {
		e.logger.Error("integrity mismatch", append(fields, logging.Field{Key: "vcode", Value: report.VerificationCode})...)
	} else {
		e.logger.Info("integrity verified", fields...)
	}
	if e.onReport != nil {
		e.onReport(*report, decision)
	}
	return Outcome{Checked: true, Report: report, Decision: decision}, nil
}
