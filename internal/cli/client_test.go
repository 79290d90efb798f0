package cli

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestClientAddsAuthHeader(t *testing.T) {
	transport := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if got := req.Header.Get("Authorization"); got != "Bearer token" {
			t.Fatalf("expected Authorization header, got %q", got)
		}
		body := io.NopCloser(strings.NewReader(`{"ok":true}`))
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       body,
			Header:     http.Header{},
		}, nil
	})

	client := NewClient("http://127.0.0.1:8788/", "token")
	client.Client = &http.Client{Transport: transport}
	raw, err := client.Health(context.Background())
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if !strings.Contains(string(raw), "ok") {
		t.Fatalf("expected response body, got %s", string(raw))
	}
}

func TestTriggerPostsWithHost(t *testing.T) {
	transport := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if req.Method != http.MethodPost {
			t.Fatalf("expected POST, got %s", req.Method)
		}
		if req.URL.Path != "/check" || req.URL.Query().Get("host") != "www.example.com" {
			t.Fatalf("unexpected url %s", req.URL)
		}
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(`{}`)), Header: http.Header{}}, nil
	})
	client := NewClient("http://127.0.0.1:8788", "token")
	client.Client = &http.Client{Transport: transport}
	if _, err := client.Trigger(context.Background(), "www.example.com"); err != nil {
		t.Fatalf("trigger: %v", err)
	}
}

func TestClientErrorOnNon2xx(t *testing.T) {
	transport := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		body := io.NopCloser(strings.NewReader(`{"error":"nope"}`))
		return &http.Response{
			StatusCode: http.StatusUnauthorized,
			Status:     "401 Unauthorized",
			Body:       body,
			Header:     http.Header{},
		}, nil
	})

	client := NewClient("http://127.0.0.1:8788", "token")
	client.Client = &http.Client{Transport: transport}
	_, err := client.Status(context.Background())
	if err == nil || !strings.Contains(err.Error(), "nope") {
		t.Fatalf("expected error for non-2xx response, got %v", err)
	}
}

func TestPrettyJSON(t *testing.T) {
	if got := string(PrettyJSON([]byte(`{"a":1}`))); got != "{\n  \"a\": 1\n}\n" {
		t.Fatalf("unexpected pretty output %q", got)
	}
	if got := string(PrettyJSON([]byte("plain"))); got != "plain" {
		t.Fatalf("expected non-json to pass through, got %q", got)
	}
}

func TestLoadEnvFileRestores(t *testing.T) {
	t.Setenv("CODESEAL_APP_ID", "original")
	path := filepath.Join(t.TempDir(), ".env")
	body := "# comment\nCODESEAL_APP_ID=\"from-file\"\nexport CODESEAL_TEST_ONLY=1\nbroken line\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	restore, err := LoadEnvFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if os.Getenv("CODESEAL_APP_ID") != "from-file" || os.Getenv("CODESEAL_TEST_ONLY") != "1" {
		t.Fatalf("expected env file values to apply")
	}
	restore()
	if os.Getenv("CODESEAL_APP_ID") != "original" {
		t.Fatalf("expected original value restored")
	}
	if _, ok := os.LookupEnv("CODESEAL_TEST_ONLY"); ok {
		t.Fatalf("expected new key to be unset")
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (rt roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return rt(req)
}
