package signaling

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/gistacsl/mosaic-signaling/internal/conn"
	"github.com/gistacsl/mosaic-signaling/internal/metrics"
)

const wsWriteWait = 5 * time.Second

// wsTransport adapts a gorilla connection to conn.Transport. Data frames are
// written only by the connection's writer goroutine; control frames may come
// from anywhere since gorilla allows WriteControl concurrently.
type wsTransport struct {
	ws *websocket.Conn
}

func (t *wsTransport) WriteFrame(frame []byte) error {
	_ = t.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return t.ws.WriteMessage(websocket.TextMessage, frame)
}

func (t *wsTransport) Close() error {
	t.closeWith(websocket.CloseNormalClosure, "")
	return t.ws.Close()
}

func (t *wsTransport) closeWith(code int, reason string) {
	_ = t.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func (t *wsTransport) ping() error {
	return t.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request, side conn.Side) {
	if !s.enter() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.active.Done()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		return
	}

	tr := &wsTransport{ws: ws}
	c := conn.New(side, tr)
	reg := s.registryFor(side)
	reg.Add(c)
	if side == conn.SideRobot {
		s.cfg.Metrics.Inc(metrics.WSRobotConnected)
	} else {
		s.cfg.Metrics.Inc(metrics.WSUserConnected)
	}

	log := s.log.With("side", side.String(), "conn_id", c.ID())
	log.Debug("websocket connected", "remote_addr", r.RemoteAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer s.onClosed(c)

	go c.WriteLoop()
	go s.keepalive(c, tr)

	// Close may have run CloseAll between enter and reg.Add.
	if s.closing.Load() {
		tr.closeWith(websocket.CloseGoingAway, "server shutting down")
		return
	}

	// Unauthenticated connections get AuthTimeout in total, however many
	// frames they send; authenticated ones get IdleTimeout per frame or pong.
	ws.SetReadLimit(s.cfg.MaxMessageBytes)
	_ = ws.SetReadDeadline(time.Now().Add(s.cfg.AuthTimeout))
	ws.SetPongHandler(func(string) error {
		if c.IsAuthenticated() {
			_ = ws.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		return nil
	})

	limiter := rate.NewLimiter(rate.Limit(s.cfg.MaxMessagesPerSecond), s.cfg.MaxMessagesPerSecond)
	router := s.routerFor(side)

	for {
		msgType, msg, err := ws.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				tr.closeWith(websocket.CloseMessageTooBig, "message too large")
			case isTimeout(err) && !c.IsAuthenticated():
				tr.closeWith(websocket.ClosePolicyViolation, "authentication timeout")
			case isTimeout(err):
				tr.closeWith(websocket.CloseGoingAway, "idle timeout")
			}
			log.Debug("websocket read ended", "err", err)
			return
		}
		if !limiter.Allow() {
			s.cfg.Metrics.Inc(metrics.RateLimited)
			log.Warn("closing connection over message rate limit")
			tr.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			tr.closeWith(websocket.CloseUnsupportedData, "expected text message")
			return
		}

		router.Dispatch(ctx, c, msg)

		if c.IsAuthenticated() {
			_ = ws.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
	}
}

func (s *Server) keepalive(c *conn.Conn, tr *wsTransport) {
	t := time.NewTicker(s.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-c.Done():
			return
		case <-t.C:
			if err := tr.ping(); err != nil {
				c.Close()
				return
			}
		}
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
