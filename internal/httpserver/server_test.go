package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/driftline/ensemble-relay/internal/config"
	"github.com/driftline/ensemble-relay/internal/turnrest"
)

func startTestServer(t *testing.T, cfg config.Config, storeCheck func(context.Context) error) (baseURL string) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	build := BuildInfo{Commit: "abc", BuildTime: "time"}
	srv := New(cfg, log, build)
	if storeCheck != nil {
		srv.SetStoreCheck(storeCheck)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-errCh
	})

	return "http://" + ln.Addr().String()
}

func testConfig() config.Config {
	return config.Config{
		ListenAddr:      "127.0.0.1:0",
		LogFormat:       config.LogFormatText,
		LogLevel:        slog.LevelInfo,
		ShutdownTimeout: 2 * time.Second,
		Mode:            config.ModeDev,
	}
}

func TestHealthzReadyzVersion(t *testing.T) {
	baseURL := startTestServer(t, testConfig(), nil)

	t.Run("healthz", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/healthz")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
		}
		var body map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body["ok"] != true {
			t.Fatalf("body=%v, want ok=true", body)
		}
	})

	t.Run("readyz", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/readyz")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
		}
	})

	t.Run("version", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/version")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
		}
		var got BuildInfo
		if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		want := BuildInfo{Commit: "abc", BuildTime: "time"}
		if got != want {
			t.Fatalf("got=%+v, want=%+v", got, want)
		}
	})
}

func TestReadyzReflectsStoreHealth(t *testing.T) {
	baseURL := startTestServer(t, testConfig(), func(context.Context) error {
		return errors.New("database is locked")
	})

	resp, err := http.Get(baseURL + "/readyz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusServiceUnavailable)
	}
}

func TestICEEndpoint(t *testing.T) {
	cfg := testConfig()
	cfg.ICEServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}}
	baseURL := startTestServer(t, cfg, nil)

	resp, err := http.Get(baseURL + "/webrtc/ice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
	}
	var body struct {
		ICEServers []struct {
			URLs []string `json:"urls"`
		} `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.ICEServers) != 1 || body.ICEServers[0].URLs[0] != "stun:stun.example.com:3478" {
		t.Fatalf("body=%+v", body)
	}
}

func TestICEEndpointInjectsTURNRESTCredentials(t *testing.T) {
	cfg := testConfig()
	cfg.ICEServers = []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478"}},
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(cfg, log, BuildInfo{})
	gen, err := turnrest.NewGenerator(turnrest.GeneratorConfig{
		SharedSecret:   "shared-secret",
		TTLSeconds:     600,
		UsernamePrefix: "ensemble",
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	srv.SetTURNCredentials(gen)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-errCh
	})

	resp, err := http.Get("http://" + ln.Addr().String() + "/webrtc/ice?peerId=client-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
	}

	var body struct {
		ICEServers []struct {
			URLs       []string `json:"urls"`
			Username   string   `json:"username"`
			Credential string   `json:"credential"`
		} `json:"iceServers"`
		ExpiresAt int64 `json:"expiresAt"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.ICEServers) != 2 {
		t.Fatalf("len(iceServers)=%d, want 2", len(body.ICEServers))
	}
	if body.ICEServers[0].Username != "" {
		t.Fatalf("stun server got credentials: %+v", body.ICEServers[0])
	}
	turn := body.ICEServers[1]
	if turn.Username == "" || turn.Credential == "" {
		t.Fatalf("turn server missing credentials: %+v", turn)
	}
	if !strings.HasSuffix(turn.Username, ":ensemble:client-1") {
		t.Fatalf("turn username=%q, want suffix :ensemble:client-1", turn.Username)
	}
	if body.ExpiresAt == 0 {
		t.Fatalf("expected expiresAt in response")
	}
}

func TestApplyTURNCredentials(t *testing.T) {
	creds := turnrest.Credentials{Username: "1700003600:ensemble:client-1", Credential: "sig"}

	servers := []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{" TURNS:turn.example.com:5349?transport=tcp "}},
		{URLs: []string{"turn:turn.example.com:3478"}, Username: "static", Credential: "static-secret"},
	}
	got := applyTURNCredentials(servers, creds)

	if got[0].Username != "" || got[0].Credential != nil {
		t.Errorf("stun entry got credentials: %+v", got[0])
	}
	// Scheme matching ignores case and surrounding whitespace.
	if got[1].Username != creds.Username || got[1].Credential != creds.Credential {
		t.Errorf("turns entry = %+v, want minted credentials", got[1])
	}
	// Minted credentials replace static ones on TURN entries.
	if got[2].Username != creds.Username || got[2].Credential != creds.Credential {
		t.Errorf("turn entry = %+v, want minted credentials", got[2])
	}
	if servers[2].Username != "static" {
		t.Errorf("input slice was mutated: %+v", servers[2])
	}

	if out := applyTURNCredentials([]webrtc.ICEServer{}, creds); out == nil || len(out) != 0 {
		t.Errorf("empty slice = %#v, want empty non-nil", out)
	}
}

func TestRequestIDHeaderIsEchoed(t *testing.T) {
	baseURL := startTestServer(t, testConfig(), nil)

	req, err := http.NewRequest(http.MethodGet, baseURL+"/healthz", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("X-Request-ID", "req-123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("X-Request-ID"); got != "req-123" {
		t.Fatalf("X-Request-ID=%q, want req-123", got)
	}
}
