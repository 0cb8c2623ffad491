package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/gistacsl/mosaic-signaling/internal/conn"
	"github.com/gistacsl/mosaic-signaling/internal/metrics"
	"github.com/gistacsl/mosaic-signaling/internal/resultcode"
)

// Request is one decoded inbound frame.
type Request struct {
	Conn   *conn.Conn
	Type   string
	Prefix string
	Suffix string
	Data   json.RawMessage
	// Raw is the frame exactly as received; relays forward it unchanged.
	Raw []byte
}

// HandlerFunc handles one request. A non-nil error is answered with
// "<type>.res" carrying the error's result code.
type HandlerFunc func(ctx context.Context, req *Request) error

// Router dispatches frames for one side. Register handlers before the first
// Dispatch; the handler table is read-only afterwards.
type Router struct {
	handlers map[string]HandlerFunc
	log      *slog.Logger
	metrics  *metrics.Metrics
}

func NewRouter(log *slog.Logger, m *metrics.Metrics) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		handlers: make(map[string]HandlerFunc),
		log:      log,
		metrics:  m,
	}
}

func (r *Router) Handle(prefix string, h HandlerFunc) {
	if _, dup := r.handlers[prefix]; dup {
		panic(fmt.Sprintf("dispatch: duplicate handler for %q", prefix))
	}
	r.handlers[prefix] = h
}

// Dispatch decodes raw and routes it. It never returns an error: every
// failure is answered on c's outbound queue or, for a target that is gone,
// only logged.
func (r *Router) Dispatch(ctx context.Context, c *conn.Conn, raw []byte) {
	env, err := Decode(raw)
	if err != nil {
		r.metrics.Inc(metrics.DispatchError)
		r.log.Debug("undecodable frame", "conn_id", c.ID(), "err", err)
		_ = c.Send(invalidFormatReply())
		return
	}

	prefix, suffix := SplitType(env.Type)
	req := &Request{
		Conn:   c,
		Type:   env.Type,
		Prefix: prefix,
		Suffix: suffix,
		Data:   env.Data,
		Raw:    raw,
	}

	if prefix != PrefixAuthorize && !c.IsAuthenticated() {
		r.fail(req, resultcode.New(resultcode.AuthenticationFailed))
		return
	}

	h, ok := r.handlers[prefix]
	if !ok {
		r.fail(req, resultcode.Wrap(resultcode.UnknownWebSocketRequestType, fmt.Errorf("prefix %q", prefix)))
		return
	}

	if err := r.invoke(ctx, h, req); err != nil {
		r.fail(req, err)
	}
}

func (r *Router) invoke(ctx context.Context, h HandlerFunc, req *Request) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("handler panic", "conn_id", req.Conn.ID(), "type", req.Type, "panic", p, "stack", string(debug.Stack()))
			err = resultcode.Wrap(resultcode.UnknownExceptionOccurred, fmt.Errorf("panic: %v", p))
		}
	}()
	return h(ctx, req)
}

func (r *Router) fail(req *Request, err error) {
	code := resultcode.From(err)
	r.metrics.Inc(metrics.DispatchError)
	if errors.Is(err, resultcode.New(resultcode.WebSocketSessionNotExist)) {
		r.log.Debug("relay target gone", "conn_id", req.Conn.ID(), "type", req.Type, "err", err)
		return
	}
	r.log.Info("request failed", "conn_id", req.Conn.ID(), "type", req.Type, "code", int(code), "err", err)
	_ = req.Conn.Send(Reply(req.Type, code))
}
