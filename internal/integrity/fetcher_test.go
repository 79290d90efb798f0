package integrity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFetcher(srv *httptest.Server) *HTTPFetcher {
	f := NewHTTPFetcher(FetcherConfig{BaseURL: srv.URL + "/", MaxRedirects: 3})
	client := srv.Client()
	client.CheckRedirect = f.client.CheckRedirect
	client.Timeout = 5 * time.Second
	return f.WithClient(client)
}

func TestFetchRecord(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/abc.json", r.URL.Path)
		assert.Equal(t, DefaultUserAgent, r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte("{\r\n  \"vcode\": \"DEADBEEF\",\r\n  \"domain\": \"example-com\"\r\n}\r\n"))
	}))
	defer srv.Close()

	record, cerr := newTestFetcher(srv).Fetch(context.Background(), "abc")
	require.Nil(t, cerr)
	require.NotNil(t, record)
	assert.Equal(t, "DEADBEEF", record.VerificationCode)
	assert.Equal(t, "example-com", record.Domain)
}

func TestFetchTreatsProblemsAsNoRecord(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"not found": func(w http.ResponseWriter, _ *http.Request) {
			http.NotFound(w, nil)
		},
		"server error": func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		},
		"malformed body": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("<html>not json</html>"))
		},
		"missing vcode": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"domain":"example-com"}`))
		},
		"empty vcode": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"vcode":"  "}`))
		},
		"empty body": func(w http.ResponseWriter, _ *http.Request) {},
	}
	for name, handler := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewTLSServer(handler)
			defer srv.Close()
			record, cerr := newTestFetcher(srv).Fetch(context.Background(), "abc")
			assert.Nil(t, record)
			require.NotNil(t, cerr)
			assert.Equal(t, TransportFailure, cerr.Kind)
		})
	}
}

func TestFetchRedirectLimit(t *testing.T) {
	var hops int
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hops++
		http.Redirect(w, r, "/again.json", http.StatusFound)
	}))
	defer srv.Close()

	record, cerr := newTestFetcher(srv).Fetch(context.Background(), "abc")
	assert.Nil(t, record)
	require.NotNil(t, cerr)
	assert.Equal(t, 4, hops)
}

func TestFetchUnreachable(t *testing.T) {
	f := NewHTTPFetcher(FetcherConfig{BaseURL: "https://127.0.0.1:1", ConnectTimeout: 200 * time.Millisecond})
	record, cerr := f.Fetch(context.Background(), "abc")
	assert.Nil(t, record)
	require.NotNil(t, cerr)
	assert.True(t, IsKind(cerr, TransportFailure))
}

func TestFetchRejectsUntrustedCertificate(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"vcode":"x"}`))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(FetcherConfig{BaseURL: srv.URL})
	record, cerr := f.Fetch(context.Background(), "abc")
	assert.Nil(t, record)
	require.NotNil(t, cerr)
}

func TestParseRecord(t *testing.T) {
	rec, err := ParseRecord([]byte(`{"vcode":"abc","extra":1}`))
	require.NoError(t, err)
	assert.Equal(t, "abc", rec.VerificationCode)

	_, err = ParseRecord([]byte(`{"vcode":5}`))
	assert.True(t, errors.Is(err, ErrNoRecord))
}

func TestRecordURL(t *testing.T) {
	f := NewHTTPFetcher(FetcherConfig{BaseURL: "https://attest.example.net/"})
	assert.Equal(t, "https://attest.example.net/abc.json", f.RecordURL("abc"))
	f = NewHTTPFetcher(FetcherConfig{BaseURL: "https://attest.example.net"})
	assert.Equal(t, "https://attest.example.net/abc.json", f.RecordURL("abc"))
}
