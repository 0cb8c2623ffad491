// Package conn models one live robot or operator connection: its identity,
// authentication state and outbound queue. It knows nothing about the wire
// beyond the Transport interface.
package conn

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Side distinguishes the two connection kinds.
type Side int

const (
	SideRobot Side = iota
	SideOperator
)

func (s Side) String() string {
	switch s {
	case SideRobot:
		return "robot"
	case SideOperator:
		return "operator"
	default:
		return "unknown"
	}
}

type AuthState int

const (
	Unauthenticated AuthState = iota
	Authenticated
)

// Identity is bound at authentication. Robot connections carry RobotID,
// operator connections carry UserID and Role; both carry OrganizationID.
type Identity struct {
	RobotID        string
	UserID         string
	OrganizationID string
	Role           string
}

// Transport is the write side of the underlying socket. WriteFrame is only
// ever called from the connection's writer goroutine.
type Transport interface {
	WriteFrame(frame []byte) error
	Close() error
}

var ErrClosed = errors.New("connection closed")

type Conn struct {
	id        string
	side      Side
	createdAt time.Time

	mu              sync.RWMutex
	state           AuthState
	identity        Identity
	authenticatedAt time.Time

	out       *queue
	transport Transport

	closeOnce sync.Once
	done      chan struct{}
}

// New returns an unauthenticated connection with a fresh random id. The
// caller starts the writer with go c.WriteLoop().
func New(side Side, t Transport) *Conn {
	return &Conn{
		id:        uuid.NewString(),
		side:      side,
		createdAt: time.Now(),
		out:       newQueue(),
		transport: t,
		done:      make(chan struct{}),
	}
}

func (c *Conn) ID() string           { return c.id }
func (c *Conn) Side() Side           { return c.side }
func (c *Conn) CreatedAt() time.Time { return c.createdAt }

func (c *Conn) State() AuthState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Conn) IsAuthenticated() bool {
	return c.State() == Authenticated
}

// Identity returns the bound identity and whether the connection is
// authenticated.
func (c *Conn) Identity() (Identity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity, c.state == Authenticated
}

func (c *Conn) AuthenticatedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticatedAt
}

// MarkAuthenticated performs the unauthenticated -> authenticated transition.
// Registries call it while holding their index lock; see registry.Bind.
func (c *Conn) MarkAuthenticated(id Identity, at time.Time) {
	c.mu.Lock()
	c.state = Authenticated
	c.identity = id
	c.authenticatedAt = at
	c.mu.Unlock()
}

// Send enqueues an already encoded frame. It never blocks.
func (c *Conn) Send(frame []byte) error {
	if !c.out.Enqueue(frame) {
		return ErrClosed
	}
	return nil
}

// Pending is the number of frames waiting for the writer.
func (c *Conn) Pending() int {
	return c.out.Len()
}

// WriteLoop drains the outbound queue to the transport in enqueue order until
// the connection closes or a write fails.
func (c *Conn) WriteLoop() {
	for {
		frame, ok := c.out.Dequeue()
		if !ok {
			return
		}
		if err := c.transport.WriteFrame(frame); err != nil {
			c.Close()
			return
		}
	}
}

// Close stops the writer and closes the transport. Safe to call repeatedly
// and from any goroutine.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.out.Close()
		_ = c.transport.Close()
		close(c.done)
	})
}

// Done is closed once Close has run.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}
