package signaling

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gistacsl/mosaic-signaling/internal/conn"
	"github.com/gistacsl/mosaic-signaling/internal/dispatch"
	"github.com/gistacsl/mosaic-signaling/internal/events"
	"github.com/gistacsl/mosaic-signaling/internal/keys"
	"github.com/gistacsl/mosaic-signaling/internal/metrics"
	"github.com/gistacsl/mosaic-signaling/internal/registry"
	"github.com/gistacsl/mosaic-signaling/internal/robotauth"
	"github.com/gistacsl/mosaic-signaling/internal/session"
	"github.com/gistacsl/mosaic-signaling/internal/store"
)

const (
	RobotPath    = "/ws/robot"
	OperatorPath = "/ws/user"

	DefaultAuthTimeout          = 10 * time.Second
	DefaultIdleTimeout          = 60 * time.Second
	DefaultPingInterval         = 20 * time.Second
	DefaultMaxMessageBytes      = 64 * 1024
	DefaultMaxMessagesPerSecond = 50

	// Bound on each store or broker call made while handling a frame.
	collaboratorTimeout = 5 * time.Second
)

// BearerVerifier authenticates operator access tokens. *keys.Authority
// satisfies it.
type BearerVerifier interface {
	VerifyBearerToken(token string) (keys.Claims, error)
}

type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	Bearer     BearerVerifier
	Robots     store.RobotLookup
	Status     store.StatusStore
	Events     events.Publisher
	Strategies robotauth.Table

	// CheckOrigin gates the WebSocket upgrade. Nil admits every origin.
	CheckOrigin func(r *http.Request) bool

	AuthTimeout          time.Duration
	IdleTimeout          time.Duration
	PingInterval         time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Events == nil {
		c.Events = events.Nop{}
	}
	if c.CheckOrigin == nil {
		c.CheckOrigin = func(*http.Request) bool { return true }
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = DefaultAuthTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if c.MaxMessagesPerSecond <= 0 {
		c.MaxMessagesPerSecond = DefaultMaxMessagesPerSecond
	}
	return c
}

// Server owns both connection registries and the session manager and serves
// the robot and operator WebSocket endpoints.
type Server struct {
	cfg Config
	log *slog.Logger

	robots    *registry.Registry
	operators *registry.Registry
	sessions  *session.Manager

	robotRouter    *dispatch.Router
	operatorRouter *dispatch.Router

	upgrader websocket.Upgrader

	closeMu sync.Mutex
	closing atomic.Bool
	active  sync.WaitGroup
}

func NewServer(cfg Config) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:       cfg,
		log:       cfg.Logger,
		robots:    registry.New(),
		operators: registry.New(),
		upgrader:  websocket.Upgrader{CheckOrigin: cfg.CheckOrigin},
	}
	s.sessions = session.NewManager(s.robots, s.operators)

	s.robotRouter = dispatch.NewRouter(s.log.With("side", conn.SideRobot.String()), cfg.Metrics)
	s.robotRouter.Handle(dispatch.PrefixAuthorize, s.handleRobotAuthorize)
	s.robotRouter.Handle(dispatch.PrefixStatus, s.handleRobotStatus)
	s.robotRouter.Handle(dispatch.PrefixSignaling, s.handleRobotSignaling)
	s.robotRouter.Handle(dispatch.PrefixPing, handlePing)

	s.operatorRouter = dispatch.NewRouter(s.log.With("side", conn.SideOperator.String()), cfg.Metrics)
	s.operatorRouter.Handle(dispatch.PrefixAuthorize, s.handleOperatorAuthorize)
	s.operatorRouter.Handle(dispatch.PrefixSignaling, s.handleOperatorSignaling)
	s.operatorRouter.Handle(dispatch.PrefixPing, handlePing)
	return s
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET "+RobotPath, func(w http.ResponseWriter, r *http.Request) {
		s.serveWebSocket(w, r, conn.SideRobot)
	})
	mux.HandleFunc("GET "+OperatorPath, func(w http.ResponseWriter, r *http.Request) {
		s.serveWebSocket(w, r, conn.SideOperator)
	})
}

// Close closes every live connection on both sides and waits for their
// close handlers to finish. New upgrades are refused from the first call.
func (s *Server) Close() {
	s.closeMu.Lock()
	s.closing.Store(true)
	s.closeMu.Unlock()

	s.robots.CloseAll()
	s.operators.CloseAll()
	s.active.Wait()
}

// enter counts a connection handler as active unless Close has started.
func (s *Server) enter() bool {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closing.Load() {
		return false
	}
	s.active.Add(1)
	return true
}

// DisconnectUser closes every operator connection authenticated as userID and
// reports how many were closed.
func (s *Server) DisconnectUser(userID string) int {
	return s.disconnectUser(userID, "")
}

// DisconnectUserInOrganization is DisconnectUser restricted to connections
// bound to orgID.
func (s *Server) DisconnectUserInOrganization(userID, orgID string) int {
	return s.disconnectUser(userID, orgID)
}

func (s *Server) disconnectUser(userID, orgID string) int {
	n := 0
	for _, c := range s.operators.GetByUserID(userID) {
		if ident, _ := c.Identity(); orgID != "" && ident.OrganizationID != orgID {
			continue
		}
		c.Close()
		n++
	}
	if n > 0 {
		s.log.Info("disconnected user", "user_id", userID, "connections", n)
	}
	return n
}

// Stats is a point-in-time view of live state.
type Stats struct {
	RobotConnections    int
	OperatorConnections int
	Sessions            int
	QueuedFrames        int
}

func (s *Server) Stats() Stats {
	return Stats{
		RobotConnections:    s.robots.Len(),
		OperatorConnections: s.operators.Len(),
		Sessions:            s.sessions.Len(),
		QueuedFrames:        s.robots.Pending() + s.operators.Pending(),
	}
}

// RegisterGauges exposes Stats through m.
func (s *Server) RegisterGauges(m *metrics.Metrics) {
	m.Gauge("robot_connections", func() int64 { return int64(s.robots.Len()) })
	m.Gauge("operator_connections", func() int64 { return int64(s.operators.Len()) })
	m.Gauge("signaling_sessions", func() int64 { return int64(s.sessions.Len()) })
	m.Gauge("queued_frames", func() int64 { return int64(s.robots.Pending() + s.operators.Pending()) })
}

func (s *Server) registryFor(side conn.Side) *registry.Registry {
	if side == conn.SideRobot {
		return s.robots
	}
	return s.operators
}

func (s *Server) routerFor(side conn.Side) *dispatch.Router {
	if side == conn.SideRobot {
		return s.robotRouter
	}
	return s.operatorRouter
}

func collaboratorContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, collaboratorTimeout)
}

func handlePing(context.Context, *dispatch.Request) error {
	return nil
}
