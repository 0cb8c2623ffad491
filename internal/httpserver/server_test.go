package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/gistacsl/mosaic-signaling/internal/config"
	"github.com/gistacsl/mosaic-signaling/internal/metrics"
	"github.com/gistacsl/mosaic-signaling/internal/origin"
	"github.com/gistacsl/mosaic-signaling/internal/turnrest"
)

func testConfig() config.Config {
	return config.Config{
		ListenAddr:      "127.0.0.1:0",
		LogFormat:       config.LogFormatText,
		LogLevel:        slog.LevelInfo,
		ShutdownTimeout: 2 * time.Second,
		Mode:            config.ModeDev,
	}
}

func newTestServer(cfg config.Config, m *metrics.Metrics) *Server {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, log, BuildInfo{Commit: "abc", BuildTime: "time"}, m)
}

func startTestServer(t *testing.T, srv *Server) (baseURL string) {
	t.Helper()

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

func TestHealthzReadyzVersion(t *testing.T) {
	baseURL := startTestServer(t, newTestServer(testConfig(), metrics.New()))

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
		if resp.Header.Get("X-Request-ID") == "" {
			t.Fatalf("missing X-Request-ID header")
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

func TestReadyzFailsOnReadinessCheck(t *testing.T) {
	srv := newTestServer(testConfig(), metrics.New())
	srv.AddReadinessCheck("database", func(context.Context) error { return errors.New("disk gone") })
	baseURL := startTestServer(t, srv)

	resp, err := http.Get(baseURL + "/readyz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want 503", resp.StatusCode)
	}
	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if !strings.Contains(body.Error, "database: disk gone") {
		t.Fatalf("error=%q", body.Error)
	}
}

func TestReadyzFailsOnInvalidICEConfig(t *testing.T) {
	t.Setenv("MOSAIC_ICE_SERVERS_JSON", "[")

	cfg, err := config.Load([]string{"--listen-addr", "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("config.Load returned fatal error: %v", err)
	}
	if cfg.ICEConfigError() == nil {
		t.Fatalf("expected ICE config error to be captured for readiness")
	}

	baseURL := startTestServer(t, newTestServer(cfg, metrics.New()))

	resp, err := http.Get(baseURL + "/readyz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}

	resp, err = http.Get(baseURL + "/api/v1/ice-servers")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("ice-servers status=%d, want 503", resp.StatusCode)
	}
}

func TestICEServersEndpoint(t *testing.T) {
	cfg := testConfig()
	cfg.ICEServers = []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478?transport=udp"}, Username: "user", Credential: "pass"},
	}
	baseURL := startTestServer(t, newTestServer(cfg, metrics.New()))

	resp, err := http.Get(baseURL + "/api/v1/ice-servers")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var payload struct {
		ICEServers []map[string]any `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(payload.ICEServers) != 2 {
		t.Fatalf("expected 2 iceServers, got %d", len(payload.ICEServers))
	}
	if _, ok := payload.ICEServers[0]["urls"]; !ok {
		t.Fatalf("expected urls field on first server: %#v", payload.ICEServers[0])
	}
}

func TestICEServersEndpoint_TURNRESTCredentials(t *testing.T) {
	cfg := testConfig()
	cfg.ICEServers = []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478?transport=udp"}},
	}
	cfg.TURNREST = turnrest.Config{SharedSecret: "coturn-secret", TTL: time.Hour, UsernamePrefix: "mosaic"}
	baseURL := startTestServer(t, newTestServer(cfg, metrics.New()))

	fetch := func() []map[string]any {
		t.Helper()
		resp, err := http.Get(baseURL + "/api/v1/ice-servers")
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		if got := resp.Header.Get("Cache-Control"); got != "no-store" {
			t.Fatalf("Cache-Control=%q, want no-store", got)
		}
		var payload struct {
			ICEServers []map[string]any `json:"iceServers"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if len(payload.ICEServers) != 2 {
			t.Fatalf("expected 2 iceServers, got %d", len(payload.ICEServers))
		}
		return payload.ICEServers
	}

	first := fetch()
	if u, _ := first[0]["username"].(string); u != "" {
		t.Fatalf("stun entry got username %q", u)
	}
	user, _ := first[1]["username"].(string)
	if !strings.Contains(user, ":mosaic:") {
		t.Fatalf("turn username=%q, want minted credentials", user)
	}
	if cred, _ := first[1]["credential"].(string); cred == "" {
		t.Fatalf("turn credential missing: %#v", first[1])
	}

	if again, _ := fetch()[1]["username"].(string); again == user {
		t.Fatalf("credentials should be minted per request")
	}
	if cfg.ICEServers[1].Username != "" {
		t.Fatalf("configured servers were mutated")
	}
}

func TestAPIOriginPolicy(t *testing.T) {
	cfg := testConfig()
	policy, err := origin.ParseList("https://console.example")
	if err != nil {
		t.Fatalf("ParseList: %v", err)
	}
	cfg.AllowedOrigins = policy
	baseURL := startTestServer(t, newTestServer(cfg, metrics.New()))

	do := func(method, originHeader string) *http.Response {
		t.Helper()
		req, err := http.NewRequest(method, baseURL+"/api/v1/ice-servers", nil)
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		req.Header.Set("Origin", originHeader)
		if method == http.MethodOptions {
			req.Header.Set("Access-Control-Request-Method", "GET")
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()
		return resp
	}

	if resp := do(http.MethodGet, "https://evil.example.com"); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("cross-origin status=%d, want 403", resp.StatusCode)
	}

	resp := do(http.MethodGet, "https://console.example")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("allowed origin status=%d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://console.example" {
		t.Fatalf("Access-Control-Allow-Origin=%q", got)
	}

	resp = do(http.MethodOptions, "https://console.example")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight status=%d, want 204", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Methods") == "" {
		t.Fatalf("preflight missing Access-Control-Allow-Methods")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	m.Inc(metrics.AuthSuccess)
	baseURL := startTestServer(t, newTestServer(testConfig(), m))

	resp, err := http.Get(baseURL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `mosaic_signaling_events_total{event="auth_success"} 1`) {
		t.Fatalf("metrics body=%q", body)
	}
}

func TestPanicIsRecovered(t *testing.T) {
	srv := newTestServer(testConfig(), nil)
	srv.Mux().HandleFunc("GET /boom", func(http.ResponseWriter, *http.Request) { panic("boom") })
	baseURL := startTestServer(t, srv)

	resp, err := http.Get(baseURL + "/boom")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status=%d, want 500", resp.StatusCode)
	}
}

func TestWebSocketUpgradeThroughMiddleware(t *testing.T) {
	srv := newTestServer(testConfig(), nil)
	upgrader := websocket.Upgrader{}
	srv.Mux().HandleFunc("GET /ws/echo", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		mt, msg, err := ws.ReadMessage()
		if err != nil {
			return
		}
		_ = ws.WriteMessage(mt, msg)
	})
	baseURL := startTestServer(t, srv)

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(baseURL, "http")+"/ws/echo", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	if err := ws.WriteMessage(websocket.TextMessage, []byte("hi")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, msg, err := ws.ReadMessage()
	if err != nil || string(msg) != "hi" {
		t.Fatalf("echo=%q,%v", msg, err)
	}
}

type plainWriter struct {
	*httptest.ResponseRecorder
}

func TestStatusWriterHijackUnsupported(t *testing.T) {
	sw := &statusWriter{ResponseWriter: plainWriter{httptest.NewRecorder()}}
	if _, _, err := sw.Hijack(); err == nil {
		t.Fatalf("expected error from non-hijackable writer")
	}
	var _ interface {
		Hijack() (net.Conn, *bufio.ReadWriter, error)
	} = sw
}
