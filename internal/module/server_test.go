package module

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func speechHandlers() Handlers {
	return Handlers{
		OpTranscribe: Typed(func(ctx context.Context, req TranscribeRequest) (TranscribeResponse, error) {
			return TranscribeResponse{Text: "  heard " + string(req.Audio) + "  "}, nil
		}),
		OpSpeak: Typed(func(ctx context.Context, req SpeakRequest) (Ack, error) {
			if req.Text == "" {
				return Ack{}, NewError(KindBadRequest, "text is required")
			}
			return Ack{OK: true}, nil
		}),
		OpStop: Typed(func(ctx context.Context, _ struct{}) (Ack, error) { return Ack{OK: true}, nil }),
	}
}

func TestServerRoundTripThroughClient(t *testing.T) {
	s := NewServer(ServerConfig{Name: "speech", Version: "test", Handlers: speechHandlers()})
	s.SetReady(true)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	c, err := New(remoteEndpoint("speech", srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	text, err := c.Transcribe(context.Background(), []byte("pcm"), 16000)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if text != "heard pcm" {
		t.Fatalf("text = %q", text)
	}
	if err := c.StopSpeaking(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	h, err := c.Health(context.Background())
	if err != nil || !h.Ready || h.Module != "speech" {
		t.Fatalf("health = %+v, %v", h, err)
	}
}

func TestServerHandlerErrorUsesEnvelope(t *testing.T) {
	s := NewServer(ServerConfig{Name: "speech", Handlers: speechHandlers()})
	s.SetReady(true)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/speak", "application/json", strings.NewReader(`{"text":""}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var env Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatal(err)
	}
	if env.Error != "invalid_request" || env.Message != "text is required" {
		t.Fatalf("envelope = %+v", env)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatal("missing X-Request-ID on response")
	}
}

func TestServerRejectsBadJSON(t *testing.T) {
	s := NewServer(ServerConfig{Name: "speech", Handlers: speechHandlers()})
	s.SetReady(true)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/transcribe", "application/json", strings.NewReader(`{"audio":`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestServerAuthentication(t *testing.T) {
	s := NewServer(ServerConfig{Name: "speech", APIKey: "k1", Handlers: speechHandlers()})
	s.SetReady(true)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	anon, _ := New(remoteEndpoint("speech", srv.URL))
	if err := anon.Speak(context.Background(), "hi"); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected authentication failure, got %v", err)
	}
	// health stays public
	if _, err := anon.Health(context.Background()); err != nil {
		t.Fatalf("health should skip auth: %v", err)
	}

	ep := remoteEndpoint("speech", srv.URL)
	ep.APIKey = "k1"
	authed, _ := New(ep)
	if err := authed.Speak(context.Background(), "hi"); err != nil {
		t.Fatalf("authed speak: %v", err)
	}
}

func TestServerRejectsWrongKeys(t *testing.T) {
	s := NewServer(ServerConfig{Name: "speech", APIKey: "secret-key", Handlers: speechHandlers()})
	s.SetReady(true)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	cases := []struct {
		header, value string
		want          int
	}{
		{"Authorization", "Bearer secret-key", http.StatusOK},
		{"X-API-Key", "secret-key", http.StatusOK},
		{"Authorization", "Bearer secret-ke", http.StatusUnauthorized},
		{"Authorization", "Bearer secret-key2", http.StatusUnauthorized},
		{"Authorization", "secret-key", http.StatusUnauthorized},
		{"X-API-Key", "", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/speak", strings.NewReader(`{"text":"hi"}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(tc.header, tc.value)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != tc.want {
			t.Errorf("%s=%q: status %d, want %d", tc.header, tc.value, resp.StatusCode, tc.want)
		}
	}
}

func TestServerNotReadyIsServiceUnavailable(t *testing.T) {
	s := NewServer(ServerConfig{Name: "speech", Handlers: speechHandlers()})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ep := remoteEndpoint("speech", srv.URL)
	ep.Retry = RetryPolicy{Max: 1, Delay: time.Millisecond}
	c, _ := New(ep)
	if err := c.Speak(context.Background(), "hi"); !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("expected service unavailable, got %v", err)
	}
	if c.Stats().Retries != 1 {
		t.Fatalf("503 should be retried, retries = %d", c.Stats().Retries)
	}
}

func TestServerMetricsCountRequests(t *testing.T) {
	s := NewServer(ServerConfig{Name: "speech", Handlers: speechHandlers()})
	s.SetReady(true)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	c, _ := New(remoteEndpoint("speech", srv.URL))
	_ = c.Speak(context.Background(), "one")
	_ = c.Speak(context.Background(), "")

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var m struct {
		Requests   int64            `json:"requests_total"`
		Errors     int64            `json:"errors_total"`
		ByEndpoint map[string]int64 `json:"requests_by_endpoint"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		t.Fatal(err)
	}
	if m.ByEndpoint["/speak"] != 2 || m.Errors != 1 {
		t.Fatalf("metrics = %+v", m)
	}
}
