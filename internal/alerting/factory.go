package alerting

import (
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/ipsix/codeseal/internal/config"
	"github.com/ipsix/codeseal/internal/logging"
	"github.com/ipsix/codeseal/internal/scanner"
)

func BuildChannels(cfg config.AlertingConfig, logger *logging.Logger) ([]Channel, error) {
	channels := []Channel{}
	for _, ch := range cfg.Channels {
		if !ch.Enabled {
			continue
		}
		switch ch.Type {
		case "log":
			channels = append(channels, NewLogChannel(logger, ch.Severity))
		case "webhook":
			if ch.URL == "" {
				return nil, fmt.Errorf("webhook url required")
			}
			channels = append(channels, NewWebhookChannel(ch.URL, ch.Severity))
		default:
			return nil, fmt.Errorf("unknown alert channel type: %s", ch.Type)
		}
	}
	if len(channels) == 0 {
		channels = append(channels, NewLogChannel(logger, nil))
	}
	return channels, nil
}

func severityAllowed(allow []string, sev scanner.Severity) bool {
	if len(allow) == 0 {
		return true
	}
	return slices.ContainsFunc(allow, func(v string) bool {
		parsed, ok := scanner.ParseSeverity(v)
		return ok && parsed == sev
	})
}

var httpClient = &http.Client{Timeout: 10 * time.Second}
