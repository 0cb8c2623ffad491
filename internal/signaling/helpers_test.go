package signaling

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gistacsl/mosaic-signaling/internal/events"
	"github.com/gistacsl/mosaic-signaling/internal/keys"
	"github.com/gistacsl/mosaic-signaling/internal/metrics"
	"github.com/gistacsl/mosaic-signaling/internal/resultcode"
	"github.com/gistacsl/mosaic-signaling/internal/robot"
	"github.com/gistacsl/mosaic-signaling/internal/robotauth"
	"github.com/gistacsl/mosaic-signaling/internal/store"
)

const (
	bot1 = "0b6d1c8e-4a55-4c3e-9f0e-1d2a3b4c5d01" // org-a, no authorization
	bot2 = "0b6d1c8e-4a55-4c3e-9f0e-1d2a3b4c5d02" // org-a, simple token
	bot3 = "0b6d1c8e-4a55-4c3e-9f0e-1d2a3b4c5d03" // org-b, no authorization
	bot4 = "0b6d1c8e-4a55-4c3e-9f0e-1d2a3b4c5d04" // org-a, no authorization
)

var (
	authorityOnce sync.Once
	authority     *keys.Authority
	authorityErr  error
)

// testAuthority builds one key authority for the whole package; RSA
// generation dominates test time otherwise.
func testAuthority(t *testing.T) *keys.Authority {
	t.Helper()
	authorityOnce.Do(func() {
		ctx := context.Background()
		var st *store.SQLite
		st, authorityErr = store.OpenSQLite(ctx, ":memory:")
		if authorityErr != nil {
			return
		}
		var master []byte
		master, authorityErr = keys.GenerateMasterKey()
		if authorityErr != nil {
			return
		}
		authority, authorityErr = keys.Open(ctx, st, master, keys.Options{})
	})
	if authorityErr != nil {
		t.Fatalf("key authority: %v", authorityErr)
	}
	return authority
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.StatusEvent
}

func (p *recordingPublisher) PublishStatus(_ context.Context, ev events.StatusEvent) error {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) snapshot() []events.StatusEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.StatusEvent(nil), p.events...)
}

type harness struct {
	t       *testing.T
	srv     *Server
	ts      *httptest.Server
	keys    *keys.Authority
	store   *store.SQLite
	events  *recordingPublisher
	metrics *metrics.Metrics
}

func newHarness(t *testing.T, tweak func(*Config)) *harness {
	t.Helper()
	ctx := context.Background()
	a := testAuthority(t)

	st, err := store.OpenSQLite(ctx, ":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	for _, rec := range []robot.Record{
		{ID: bot1, OrganizationID: "org-a", Name: "Bot-1", AuthType: robot.AuthNoAuthorization},
		{ID: bot2, OrganizationID: "org-a", Name: "Bot-2", AuthType: robot.AuthSimpleToken},
		{ID: bot3, OrganizationID: "org-b", Name: "Bot-3", AuthType: robot.AuthNoAuthorization},
		{ID: bot4, OrganizationID: "org-a", Name: "Bot-4", AuthType: robot.AuthNoAuthorization},
	} {
		if err := st.UpsertRobot(ctx, rec); err != nil {
			t.Fatalf("UpsertRobot: %v", err)
		}
	}

	pub := &recordingPublisher{}
	m := metrics.New()
	cfg := Config{
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:    m,
		Bearer:     a,
		Robots:     st,
		Status:     st,
		Events:     pub,
		Strategies: robotauth.NewTable(a),
	}
	if tweak != nil {
		tweak(&cfg)
	}

	srv := NewServer(cfg)
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})

	return &harness{t: t, srv: srv, ts: ts, keys: a, store: st, events: pub, metrics: m}
}

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
	raw  string
}

func (f frame) code() resultcode.Code {
	var n int
	_ = json.Unmarshal(f.Data, &n)
	return resultcode.Code(n)
}

type client struct {
	t      *testing.T
	ws     *websocket.Conn
	frames chan frame
	closed chan error
}

func (h *harness) dial(path string) *client {
	h.t.Helper()
	wsURL := "ws" + strings.TrimPrefix(h.ts.URL, "http") + path
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		h.t.Fatalf("dial %s: %v", path, err)
	}
	c := &client{t: h.t, ws: ws, frames: make(chan frame, 64), closed: make(chan error, 1)}
	go func() {
		for {
			_, msg, err := ws.ReadMessage()
			if err != nil {
				c.closed <- err
				return
			}
			var f frame
			if err := json.Unmarshal(msg, &f); err != nil {
				f.Type = "!undecodable"
			}
			f.raw = string(msg)
			c.frames <- f
		}
	}()
	h.t.Cleanup(func() { _ = ws.Close() })
	return c
}

func (c *client) sendRaw(s string) {
	c.t.Helper()
	if err := c.ws.WriteMessage(websocket.TextMessage, []byte(s)); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *client) send(typ string, data any) {
	c.t.Helper()
	b, err := json.Marshal(map[string]any{"type": typ, "data": data})
	if err != nil {
		c.t.Fatalf("marshal: %v", err)
	}
	c.sendRaw(string(b))
}

func (c *client) next() frame {
	c.t.Helper()
	select {
	case f := <-c.frames:
		return f
	case err := <-c.closed:
		c.t.Fatalf("connection closed while waiting for frame: %v", err)
	case <-time.After(2 * time.Second):
		c.t.Fatalf("timeout waiting for frame")
	}
	return frame{}
}

// waitFor skips frames of other types until one of type typ arrives.
func (c *client) waitFor(typ string) frame {
	c.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case f := <-c.frames:
			if f.Type == typ {
				return f
			}
		case err := <-c.closed:
			c.t.Fatalf("connection closed while waiting for %s: %v", typ, err)
		case <-deadline:
			c.t.Fatalf("timeout waiting for %s", typ)
		}
	}
}

func (c *client) expectReply(typ string, code resultcode.Code) {
	c.t.Helper()
	f := c.waitFor(typ)
	if f.code() != code {
		c.t.Fatalf("%s data=%s, want %d", typ, f.Data, int(code))
	}
}

// expectNone fails if a frame of type typ (any type when typ is empty)
// arrives within d.
func (c *client) expectNone(typ string, d time.Duration) {
	c.t.Helper()
	deadline := time.After(d)
	for {
		select {
		case f := <-c.frames:
			if typ == "" || f.Type == typ {
				c.t.Fatalf("unexpected frame %s", f.raw)
			}
		case <-deadline:
			return
		}
	}
}

func (c *client) expectClose(code int) {
	c.t.Helper()
	select {
	case err := <-c.closed:
		if !websocket.IsCloseError(err, code) {
			c.t.Fatalf("close err=%v, want close code %d", err, code)
		}
	case <-time.After(3 * time.Second):
		c.t.Fatalf("timeout waiting for close")
	}
}

func (h *harness) robot(robotID string, credential any) *client {
	h.t.Helper()
	c := h.dial(RobotPath)
	c.send("authorize", map[string]any{"robotId": robotID, "data": credential})
	c.expectReply("authorize.res", resultcode.Success)
	return c
}

func (h *harness) operator(userID, orgID string) *client {
	h.t.Helper()
	token, err := h.keys.IssueBearerToken(userID, orgID, "USER", time.Hour)
	if err != nil {
		h.t.Fatalf("IssueBearerToken: %v", err)
	}
	c := h.dial(OperatorPath)
	c.send("authorize", map[string]any{"accessToken": token})
	c.expectReply("authorize.res", resultcode.Success)
	return c
}

func (c *client) requestConnection(robotID string) string {
	c.t.Helper()
	c.send("signaling.request_connection", map[string]any{"robotId": robotID})
	f := c.waitFor("signaling.session_created")
	var created sessionCreated
	if err := json.Unmarshal(f.Data, &created); err != nil {
		c.t.Fatalf("session_created data: %v", err)
	}
	if created.SessionID == "" || created.RobotID != robotID {
		c.t.Fatalf("session_created=%+v", created)
	}
	return created.SessionID
}

func decodeStatus(t *testing.T, f frame) statusUpdate {
	t.Helper()
	var u statusUpdate
	if err := json.Unmarshal(f.Data, &u); err != nil {
		t.Fatalf("status.update data %s: %v", f.Data, err)
	}
	return u
}

func eventually(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}
