// Package registry tracks the live connections of one side (robots or
// operators).
//
// Connections are added at accept time and are reachable by id immediately.
// Secondary indexes (robot id, organization id, user id) are populated only by
// Bind, which performs the authentication transition under the same lock, so
// a lookup by secondary key never observes a connection that has not finished
// authenticating.
package registry

import (
	"sync"
	"time"

	"github.com/gistacsl/mosaic-signaling/internal/conn"
)

type Registry struct {
	mu sync.RWMutex

	byID    map[string]*conn.Conn
	byRobot map[string]map[string]*conn.Conn
	byOrg   map[string]map[string]*conn.Conn
	byUser  map[string]map[string]*conn.Conn

	now func() time.Time
}

func New() *Registry {
	return &Registry{
		byID:    make(map[string]*conn.Conn),
		byRobot: make(map[string]map[string]*conn.Conn),
		byOrg:   make(map[string]map[string]*conn.Conn),
		byUser:  make(map[string]map[string]*conn.Conn),
		now:     time.Now,
	}
}

// Add registers c under its id. It reports false if the id is already
// present, leaving the existing entry untouched.
func (r *Registry) Add(c *conn.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[c.ID()]; ok {
		return false
	}
	r.byID[c.ID()] = c
	return true
}

// Remove deletes the connection with the given id and returns it. Removing an
// unknown id is a no-op returning nil.
func (r *Registry) Remove(id string) *conn.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	if !ok {
		return nil
	}
	delete(r.byID, id)
	if ident, authed := c.Identity(); authed {
		unindex(r.byRobot, ident.RobotID, id)
		unindex(r.byOrg, ident.OrganizationID, id)
		unindex(r.byUser, ident.UserID, id)
	}
	return c
}

func (r *Registry) Get(id string) (*conn.Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	return c, ok
}

// Bind marks c authenticated with ident and makes it reachable through the
// secondary indexes. A connection that re-authenticates is re-indexed under
// ident; callers only allow that for the identity it already holds. Bind
// reports false if c is no longer registered.
func (r *Registry) Bind(c *conn.Conn, ident conn.Identity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.byID[c.ID()]; !ok || cur != c {
		return false
	}
	if old, authed := c.Identity(); authed {
		unindex(r.byRobot, old.RobotID, c.ID())
		unindex(r.byOrg, old.OrganizationID, c.ID())
		unindex(r.byUser, old.UserID, c.ID())
	}
	c.MarkAuthenticated(ident, r.now())
	index(r.byRobot, ident.RobotID, c)
	index(r.byOrg, ident.OrganizationID, c)
	index(r.byUser, ident.UserID, c)
	return true
}

// GetByRobotID returns the most recently authenticated connection for the
// robot. A robot that reconnects before its old socket is reaped may briefly
// have two.
func (r *Registry) GetByRobotID(robotID string) (*conn.Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *conn.Conn
	for _, c := range r.byRobot[robotID] {
		if best == nil || c.AuthenticatedAt().After(best.AuthenticatedAt()) {
			best = c
		}
	}
	return best, best != nil
}

func (r *Registry) GetAuthenticatedByOrganizationID(orgID string) []*conn.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return collect(r.byOrg[orgID])
}

func (r *Registry) GetByUserID(userID string) []*conn.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return collect(r.byUser[userID])
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Pending sums the queued outbound frames across every live connection.
func (r *Registry) Pending() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, c := range r.byID {
		n += c.Pending()
	}
	return n
}

// CloseAll closes every live connection. Entries are left in place; each
// connection's close handler removes its own.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	all := make([]*conn.Conn, 0, len(r.byID))
	for _, c := range r.byID {
		all = append(all, c)
	}
	r.mu.RUnlock()

	for _, c := range all {
		c.Close()
	}
}

func index(m map[string]map[string]*conn.Conn, key string, c *conn.Conn) {
	if key == "" {
		return
	}
	set := m[key]
	if set == nil {
		set = make(map[string]*conn.Conn)
		m[key] = set
	}
	set[c.ID()] = c
}

func unindex(m map[string]map[string]*conn.Conn, key, id string) {
	if key == "" {
		return
	}
	set := m[key]
	delete(set, id)
	if len(set) == 0 {
		delete(m, key)
	}
}

func collect(set map[string]*conn.Conn) []*conn.Conn {
	out := make([]*conn.Conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}
