package transcription

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestClient(t *testing.T, endpoint string) *Client {
	t.Helper()

	client, err := NewClient(Config{
		Endpoint:   endpoint,
		APIKey:     "test-key",
		Model:      "whisper-1",
		Language:   "es",
		Timeout:    5 * time.Second,
		MaxRetries: 0,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return client
}

func TestNewClientRequiresCredential(t *testing.T) {
	_, err := NewClient(Config{Endpoint: "http://localhost/transcribe"})
	te, ok := AsError(err)
	if !ok {
		t.Fatalf("expected transcription error, got %v", err)
	}
	if te.Reason != ReasonAuth {
		t.Errorf("expected reason %q, got %q", ReasonAuth, te.Reason)
	}
}

func TestTranscribeMissingInputSkipsRemoteCall(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	_, err := client.Transcribe(context.Background(), nil)
	te, ok := AsError(err)
	if !ok {
		t.Fatalf("expected transcription error, got %v", err)
	}
	if te.Reason != ReasonMissingInput {
		t.Errorf("expected reason %q, got %q", ReasonMissingInput, te.Reason)
	}
	if called {
		t.Error("no remote call may be made when audio is missing")
	}
}

func TestTranscribeSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(10 << 20); err != nil {
			t.Errorf("failed to parse multipart form: %v", err)
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("missing file part: %v", err)
		}
		defer file.Close()

		if !strings.HasSuffix(header.Filename, ".wav") {
			t.Errorf("expected WAV-typed upload, got filename %q", header.Filename)
		}
		if got := r.FormValue("model"); got != "whisper-1" {
			t.Errorf("expected model whisper-1, got %q", got)
		}
		if got := r.FormValue("language"); got != "es" {
			t.Errorf("expected language hint es, got %q", got)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("unexpected authorization header %q", auth)
		}

		json.NewEncoder(w).Encode(Result{Text: "envía 50000 a Laura", Language: "es"})
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	result, err := client.Transcribe(context.Background(), []byte("RIFFfakewavdata"))
	if err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}
	if result.Text != "envía 50000 a Laura" {
		t.Errorf("unexpected text %q", result.Text)
	}
	if result.Language != "es" {
		t.Errorf("unexpected language %q", result.Language)
	}

	stats := client.GetStats()
	if stats.TotalRequests != 1 || stats.SuccessRequests != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestTranscribeUpstreamStatuses(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		wantReason Reason
	}{
		{"auth failure", http.StatusUnauthorized, ReasonAuth},
		{"rate limited", http.StatusTooManyRequests, ReasonRateLimited},
		{"server failure", http.StatusBadGateway, ReasonUpstreamFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			client := newTestClient(t, srv.URL)

			_, err := client.Transcribe(context.Background(), []byte("audio"))
			te, ok := AsError(err)
			if !ok {
				t.Fatalf("expected transcription error, got %v", err)
			}
			if te.Reason != tt.wantReason {
				t.Errorf("expected reason %q, got %q", tt.wantReason, te.Reason)
			}
			if te.Status != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, te.Status)
			}
		})
	}
}

func TestTranscribeNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	client := newTestClient(t, srv.URL)

	_, err := client.Transcribe(context.Background(), []byte("audio"))
	te, ok := AsError(err)
	if !ok {
		t.Fatalf("expected transcription error, got %v", err)
	}
	if te.Reason != ReasonNetwork {
		t.Errorf("expected reason %q, got %q", ReasonNetwork, te.Reason)
	}
}

func TestTranscribeRetriesServerFailures(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(Result{Text: "hola", Language: "es"})
	}))
	defer srv.Close()

	client, err := NewClient(Config{
		Endpoint:   srv.URL,
		APIKey:     "test-key",
		Timeout:    5 * time.Second,
		MaxRetries: 2,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	result, err := client.Transcribe(context.Background(), []byte("audio"))
	if err != nil {
		t.Fatalf("Transcribe failed after retry: %v", err)
	}
	if result.Text != "hola" {
		t.Errorf("unexpected text %q", result.Text)
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
	if stats := client.GetStats(); stats.TotalRetries != 1 {
		t.Errorf("expected 1 recorded retry, got %d", stats.TotalRetries)
	}
}

func TestTranscribeDoesNotRetryAuthFailure(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client, err := NewClient(Config{
		Endpoint:   srv.URL,
		APIKey:     "bad-key",
		Timeout:    5 * time.Second,
		MaxRetries: 3,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	if _, err := client.Transcribe(context.Background(), []byte("audio")); err == nil {
		t.Fatal("expected auth failure")
	}
	if attempts != 1 {
		t.Errorf("auth failures must not be retried, got %d attempts", attempts)
	}
}
