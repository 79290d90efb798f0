package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client talks to the daemon's control API.
type Client struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func NewClient(baseURL, token string) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		Client:  &http.Client{Timeout: 45 * time.Second},
	}
}

func (c *Client) Status(ctx context.Context) ([]byte, error) {
	return c.DoJSON(ctx, http.MethodGet, "/status", nil)
}

func (c *Client) Health(ctx context.Context) ([]byte, error) {
	return c.DoJSON(ctx, http.MethodGet, "/health", nil)
}

func (c *Client) Latest(ctx context.Context) ([]byte, error) {
	return c.DoJSON(ctx, http.MethodGet, "/results/latest", nil)
}

func (c *Client) History(ctx context.Context, limit int) ([]byte, error) {
	path := "/results/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	return c.DoJSON(ctx, http.MethodGet, path, nil)
}

func (c *Client) Candidate(ctx context.Context) ([]byte, error) {
	return c.DoJSON(ctx, http.MethodGet, "/candidate", nil)
}

func (c *Client) Fingerprint(ctx context.Context, host string) ([]byte, error) {
	return c.DoJSON(ctx, http.MethodGet, "/fingerprint"+hostQuery(host), nil)
}

// Trigger forces a check on the daemon, ignoring the throttle interval.
func (c *Client) Trigger(ctx context.Context, host string) ([]byte, error) {
	return c.DoJSON(ctx, http.MethodPost, "/check"+hostQuery(host), nil)
}

func (c *Client) DoJSON(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode json: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("request failed: %s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}
	return raw, nil
}

func hostQuery(host string) string {
	if host == "" {
		return ""
	}
	return "?host=" + url.QueryEscape(host)
}

// PrettyJSON indents raw when it looks like a JSON document.
func PrettyJSON(raw []byte) []byte {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return raw
	}
	var out bytes.Buffer
	if err := json.Indent(&out, trimmed, "", "  "); err != nil {
		return raw
	}
	out.WriteByte('\n')
	return out.Bytes()
}
