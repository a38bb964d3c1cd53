package server

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/onepad/onepad/internal/protocol"
)

// Session is a logical user bound to exactly one live connection.
type Session struct {
	UserID   string
	ConnID   string
	Name     string
	Color    string    // Caret color, opaque to the server
	LastSeen time.Time // Updated on identify and cursor activity
}

// identity is the slice of the join payload the registry validates. A join
// missing any of these fields is rejected and its connection dropped.
type identity struct {
	UserID string `validate:"required,min=5"` // min matches protocol.MinUserIDLen
	Name   string `validate:"required"`
	Color  string `validate:"required"`
}

// Registry maps logical user IDs to live connections. At most one session
// exists per user ID at any instant; a new connection claiming an already
// bound user ID displaces the previous connection (takeover).
type Registry struct {
	mu       sync.RWMutex
	users    map[string]*Session // user ID -> session
	conns    map[string]string   // connection ID -> user ID
	validate *validator.Validate
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{
		users:    make(map[string]*Session),
		conns:    make(map[string]string),
		validate: validator.New(),
	}
}

// Identify binds a connection to a user identity. On a takeover it returns
// the displaced connection ID so the caller can force-close it; the displaced
// connection loses its mapping here, which makes its eventual disconnect a
// no-op in Disconnect.
func (r *Registry) Identify(connID string, join protocol.UserJoinedMsg) (displaced string, err error) {
	id := identity{UserID: join.UserID, Name: join.Name, Color: join.Color}
	if err := r.validate.Struct(id); err != nil {
		return "", fmt.Errorf("invalid identity: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.users[join.UserID]; ok && prev.ConnID != connID {
		displaced = prev.ConnID
		delete(r.conns, prev.ConnID)
	}

	// Re-identifying on the same connection drops the stale user binding.
	if prevUser, ok := r.conns[connID]; ok && prevUser != join.UserID {
		delete(r.users, prevUser)
	}

	r.users[join.UserID] = &Session{
		UserID:   join.UserID,
		ConnID:   connID,
		Name:     join.Name,
		Color:    join.Color,
		LastSeen: time.Now(),
	}
	r.conns[connID] = join.UserID
	return displaced, nil
}

// Disconnect removes the session owned by connID and reports the departing
// user. A connection displaced by a takeover no longer owns a mapping, so
// the reconnected user is not evicted by the old connection going away.
func (r *Registry) Disconnect(connID string) (userID string, removed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.conns[connID]
	if !ok {
		return "", false
	}
	delete(r.users, userID)
	delete(r.conns, connID)
	return userID, true
}

// Resolve returns the session bound to connID.
func (r *Registry) Resolve(connID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	userID, ok := r.conns[connID]
	if !ok {
		return Session{}, false
	}
	return *r.users[userID], true
}

// Touch marks the session bound to connID as active and returns it.
func (r *Registry) Touch(connID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.conns[connID]
	if !ok {
		return Session{}, false
	}
	sess := r.users[userID]
	sess.LastSeen = time.Now()
	return *sess, true
}

// ListOthers returns the identities of every session except the given user.
// An empty userID returns everyone.
func (r *Registry) ListOthers(userID string) map[string]protocol.UserInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	others := make(map[string]protocol.UserInfo, len(r.users))
	for id, sess := range r.users {
		if id == userID {
			continue
		}
		others[id] = protocol.UserInfo{Name: sess.Name, Color: sess.Color}
	}
	return others
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}
