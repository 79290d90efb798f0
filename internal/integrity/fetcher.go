package integrity

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultConnectTimeout = 3 * time.Second
	DefaultTotalTimeout   = 30 * time.Second
	DefaultMaxRedirects   = 3
	DefaultUserAgent      = "Mozilla/5.0 (Integrity Checker)"

	maxRecordBytes = 1 << 20
)

// AttestationRecord is the last-known-good statement for a domain, and also
// the shape of the candidate produced on mismatch.
type AttestationRecord struct {
	ApplicationID    string `json:"appuid"`
	Domain           string `json:"domain"`
	VerificationCode string `json:"vcode"`
	GeneratedAt      string `json:"generated_at"`
}

// Fetcher retrieves the remote attestation record for a lookup key.
type Fetcher interface {
	Fetch(ctx context.Context, lookupKey string) (*AttestationRecord, *CheckError)
}

type FetcherConfig struct {
	BaseURL        string
	ConnectTimeout time.Duration
	TotalTimeout   time.Duration
	MaxRedirects   int
	UserAgent      string
}

type HTTPFetcher struct {
	cfg    FetcherConfig
	client *http.Client
}

func NewHTTPFetcher(cfg FetcherConfig) *HTTPFetcher {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.TotalTimeout <= 0 {
		cfg.TotalTimeout = DefaultTotalTimeout
	}
	if cfg.MaxRedirects < 0 {
		cfg.MaxRedirects = 0
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: cfg.ConnectTimeout,
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
	}
	maxRedirects := cfg.MaxRedirects
	client := &http.Client{
		Timeout:   cfg.TotalTimeout,
		Transport: transport,
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			if len(via) > maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}
	return &HTTPFetcher{cfg: cfg, client: client}
}

// WithClient swaps the HTTP client, keeping the redirect policy of c.
func (f *HTTPFetcher) WithClient(c *http.Client) *HTTPFetcher {
	f.client = c
	return f
}

// RecordURL is <baseURL>/<lookupKey>.json.
func (f *HTTPFetcher) RecordURL(lookupKey string) string {
	return strings.TrimRight(f.cfg.BaseURL, "/") + "/" + lookupKey + ".json"
}

// Fetch issues one GET. Any failure, non-2xx status or unusable body yields
// a nil record; the CheckError says why and is informational only.
func (f *HTTPFetcher) Fetch(ctx context.Context, lookupKey string) (*AttestationRecord, *CheckError) {
	url := f.RecordURL(lookupKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, transportError("build request", url, err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, transportError("get", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxRecordBytes))
		return nil, transportError("get", url, fmt.Errorf("status %d: %w", resp.StatusCode, ErrNoRecord))
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxRecordBytes))
	if err != nil {
		return nil, transportError("read body", url, err)
	}
	record, err := ParseRecord(raw)
	if err != nil {
		return nil, transportError("decode body", url, err)
	}
	return record, nil
}

// ParseRecord normalises body and decodes it. A record without a
// verification code is reported as ErrNoRecord.
func ParseRecord(body []byte) (*AttestationRecord, error) {
	content := Normalize(body)
	if content == "" {
		return nil, ErrNoRecord
	}
	var record AttestationRecord
	if err := json.Unmarshal([]byte(content), &record); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoRecord, err)
	}
	if strings.TrimSpace(record.VerificationCode) == "" {
		return nil, errors.Join(ErrNoRecord, errors.New("vcode missing"))
	}
	return &record, nil
}
