package alerting

import "github.com/ipsix/codeseal/internal/logging"

type LogChannel struct {
	logger   *logging.Logger
	severity []string
}

func NewLogChannel(logger *logging.Logger, severity []string) *LogChannel {
	return &LogChannel{logger: logger, severity: severity}
}

func (l *LogChannel) Name() string { return "log" }

func (l *LogChannel) Send(alert Alert) error {
	if !severityAllowed(l.severity, alert.Severity) {
		return nil
	}
	fields := []logging.Field{
		{Key: "id", Value: alert.ID},
		{Key: "severity", Value: alert.Severity},
		{Key: "domain", Value: alert.Domain},
		{Key: "vcode", Value: alert.VerificationCode},
		{Key: "reason", Value: alert.Reason},
	}
	if alert.Candidate != nil {
		fields = append(fields, logging.Field{Key: "candidate", Value: alert.Candidate.JSON()})
	}
	l.logger.Warn("alert", fields...)
	return nil
}
