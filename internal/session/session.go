// Package session pairs one robot connection with one operator connection and
// relays handshake frames between them.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gistacsl/mosaic-signaling/internal/conn"
	"github.com/gistacsl/mosaic-signaling/internal/registry"
	"github.com/gistacsl/mosaic-signaling/internal/resultcode"
)

type Session struct {
	ID        string
	RobotID   string
	Robot     *conn.Conn
	Operator  *conn.Conn
	CreatedAt time.Time
}

// Member returns the session's connection on side.
func (s *Session) Member(side conn.Side) *conn.Conn {
	if side == conn.SideRobot {
		return s.Robot
	}
	return s.Operator
}

// Peer returns the connection opposite side.
func (s *Session) Peer(side conn.Side) *conn.Conn {
	if side == conn.SideRobot {
		return s.Operator
	}
	return s.Robot
}

type Manager struct {
	robots    *registry.Registry
	operators *registry.Registry

	mu     sync.Mutex
	byID   map[string]*Session
	byConn map[string]map[string]struct{}

	now func() time.Time
}

func NewManager(robots, operators *registry.Registry) *Manager {
	return &Manager{
		robots:    robots,
		operators: operators,
		byID:      make(map[string]*Session),
		byConn:    make(map[string]map[string]struct{}),
		now:       time.Now,
	}
}

// Create pairs the operator connection with the robot's current
// authenticated connection. Ownership of the robot must already have been
// checked by the caller.
func (m *Manager) Create(operatorConnID, robotID string) (*Session, error) {
	robotConn, ok := m.robots.GetByRobotID(robotID)
	if !ok {
		return nil, resultcode.Wrap(resultcode.RobotWSSessionNotExist, fmt.Errorf("robot %s not connected", robotID))
	}
	opConn, ok := m.operators.Get(operatorConnID)
	if !ok || !opConn.IsAuthenticated() {
		return nil, resultcode.Wrap(resultcode.UserWSSessionNotExist, fmt.Errorf("operator connection %s not registered", operatorConnID))
	}

	s := &Session{
		ID:        uuid.NewString(),
		RobotID:   robotID,
		Robot:     robotConn,
		Operator:  opConn,
		CreatedAt: m.now(),
	}

	m.mu.Lock()
	m.byID[s.ID] = s
	m.link(robotConn.ID(), s.ID)
	m.link(opConn.ID(), s.ID)
	m.mu.Unlock()

	// A member deregistered concurrently may already have had its sessions
	// dropped; do not leave this one behind.
	_, robotLive := m.robots.Get(robotConn.ID())
	_, opLive := m.operators.Get(opConn.ID())
	if !robotLive || !opLive {
		m.Remove(s.ID)
		if !robotLive {
			return nil, resultcode.Wrap(resultcode.RobotWSSessionNotExist, fmt.Errorf("robot %s disconnected", robotID))
		}
		return nil, resultcode.Wrap(resultcode.UserWSSessionNotExist, fmt.Errorf("operator connection %s disconnected", operatorConnID))
	}
	return s, nil
}

func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	return s, ok
}

// Relay forwards frame unchanged to the member opposite origin. The caller
// identified by originConnID must be the session's member on the origin side;
// anything else is ACCESS_DENIED and nothing is forwarded.
func (m *Manager) Relay(sessionID string, origin conn.Side, originConnID string, frame []byte) (*Session, error) {
	s, ok := m.Get(sessionID)
	if !ok {
		return nil, resultcode.Wrap(resultcode.WebRTCSessionNotExist, fmt.Errorf("session %q", sessionID))
	}
	member := s.Member(origin)
	if member == nil || member.ID() != originConnID {
		return s, resultcode.Wrap(resultcode.AccessDenied, fmt.Errorf("connection %s is not the %s of session %s", originConnID, origin, sessionID))
	}
	if err := s.Peer(origin).Send(frame); err != nil {
		if errors.Is(err, conn.ErrClosed) {
			return s, resultcode.Wrap(resultcode.WebSocketSessionNotExist, err)
		}
		return s, err
	}
	return s, nil
}

// Remove deletes the session. Removing an unknown id is a no-op.
func (m *Manager) Remove(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(id)
}

// RemoveForConn deletes every session the connection belongs to and returns
// them.
func (m *Manager) RemoveForConn(connID string) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.byConn[connID]
	out := make([]*Session, 0, len(ids))
	for id := range ids {
		if s, ok := m.removeLocked(id); ok {
			out = append(out, s)
		}
	}
	return out
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

func (m *Manager) removeLocked(id string) (*Session, bool) {
	s, ok := m.byID[id]
	if !ok {
		return nil, false
	}
	delete(m.byID, id)
	m.unlink(s.Robot.ID(), id)
	m.unlink(s.Operator.ID(), id)
	return s, true
}

func (m *Manager) link(connID, sessionID string) {
	set := m.byConn[connID]
	if set == nil {
		set = make(map[string]struct{})
		m.byConn[connID] = set
	}
	set[sessionID] = struct{}{}
}

func (m *Manager) unlink(connID, sessionID string) {
	set := m.byConn[connID]
	delete(set, sessionID)
	if len(set) == 0 {
		delete(m.byConn, connID)
	}
}
