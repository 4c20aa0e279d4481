package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/agentroom/agentroom/internal/v1/logging"
	"github.com/agentroom/agentroom/internal/v1/metrics"
	"github.com/agentroom/agentroom/internal/v1/protocol"
)

// Registry owns every live session and every identity the server has
// issued. One coarse lock guards all four indexes; it is held only
// across map updates, never across network writes.
type Registry struct {
	mu         sync.RWMutex
	byConn     map[Conn]*Session
	byID       map[string]*Session
	byName     map[string]*Session
	identities map[string]*Identity
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byConn:     make(map[Conn]*Session),
		byID:       make(map[string]*Session),
		byName:     make(map[string]*Session),
		identities: make(map[string]*Identity),
	}
}

func newSessionID() string {
	return "user-" + protocol.NewID()
}

// Register allocates a session for a freshly opened connection. The
// session starts unauthenticated with its name equal to its id.
func (r *Registry) Register(conn Conn) *Session {
	s := &Session{
		ID:          newSessionID(),
		Conn:        conn,
		ConnectedAt: time.Now().UTC(),
		Rooms:       set.New[string](),
	}
	s.Name = s.ID

	r.mu.Lock()
	r.byConn[conn] = s
	r.byID[s.ID] = s
	r.mu.Unlock()

	metrics.IncConnection()
	logging.Info(context.Background(), "Session registered", zap.String("user_id", s.ID))
	return s
}

// Authenticate binds a display name to the connection's session. It
// resolves name conflicts through the reconnect token: a matching token
// takes over the live session or restores a disconnected identity; a
// missing or wrong token is rejected. The old connection, if any, is
// closed with code 4001 after the indexes are rebound.
func (r *Registry) Authenticate(conn Conn, name, token string) AuthResult {
	if name == "" {
		return AuthResult{Error: "name is required"}
	}

	r.mu.Lock()

	s, ok := r.byConn[conn]
	if !ok {
		r.mu.Unlock()
		return AuthResult{Error: "unknown connection"}
	}
	if s.Authenticated && s.Name != name {
		current := s.Name
		r.mu.Unlock()
		return AuthResult{Error: fmt.Sprintf("Already authenticated as '%s'", current)}
	}

	existing := r.byName[name]
	identity := r.identities[name]

	if existing != nil && existing.Conn == conn {
		// Re-auth with the same name on the same connection is a no-op.
		res := AuthResult{OK: true, UserID: s.ID, Name: name, Token: s.Token}
		r.mu.Unlock()
		return res
	}

	var toClose Conn

	switch {
	case existing != nil && existing.Conn != conn:
		// Another live connection holds this name.
		if token == "" {
			r.mu.Unlock()
			return AuthResult{Error: fmt.Sprintf("Name '%s' is already taken", name)}
		}
		if identity == nil || token != identity.Token {
			r.mu.Unlock()
			return AuthResult{Error: fmt.Sprintf("Invalid reconnect token for '%s'", name)}
		}

		// Takeover: evict the old session and hand its rooms to the new
		// one. The close frame goes out after the lock is released.
		oldID := existing.ID
		identity.Rooms = existing.Rooms.Clone()
		toClose = existing.Conn

		delete(r.byConn, existing.Conn)
		delete(r.byID, existing.ID)
		delete(r.byName, name)
		metrics.AuthenticatedSessions.Dec()

		r.bind(s, identity)
		res := AuthResult{
			OK:                true,
			UserID:            s.ID,
			Name:              name,
			Token:             identity.Token,
			Reconnected:       true,
			RestoredRooms:     sortedList(identity.Rooms),
			PreviousSessionID: oldID,
		}
		r.mu.Unlock()

		toClose.Close(protocol.CloseTakeover, protocol.TakeoverReason)
		logging.Info(context.Background(), "Session takeover",
			zap.String("name", name), zap.String("old_user_id", oldID), zap.String("user_id", res.UserID))
		return res

	case existing == nil && identity != nil && token != "":
		if token != identity.Token {
			r.mu.Unlock()
			return AuthResult{Error: fmt.Sprintf("Invalid reconnect token for '%s'", name)}
		}

		// Restore a disconnected identity on this connection.
		prev := identity.LastUserID
		r.bind(s, identity)
		res := AuthResult{
			OK:                true,
			UserID:            s.ID,
			Name:              name,
			Token:             identity.Token,
			Reconnected:       true,
			RestoredRooms:     sortedList(identity.Rooms),
			PreviousSessionID: prev,
		}
		r.mu.Unlock()

		logging.Info(context.Background(), "Session restored",
			zap.String("name", name), zap.String("user_id", res.UserID))
		return res

	default:
		// Fresh assignment. A stale identity without a presented token is
		// replaced outright with a new token.
		identity = &Identity{
			Name:      name,
			Token:     uuid.NewString(),
			Rooms:     set.New[string](),
			CreatedAt: time.Now().UTC(),
		}
		r.identities[name] = identity
		r.bind(s, identity)
		res := AuthResult{
			OK:     true,
			UserID: s.ID,
			Name:   name,
			Token:  identity.Token,
		}
		r.mu.Unlock()

		logging.Info(context.Background(), "Session authenticated",
			zap.String("name", name), zap.String("user_id", res.UserID))
		return res
	}
}

// bind wires a session to an identity. Caller holds the write lock.
func (r *Registry) bind(s *Session, identity *Identity) {
	if s.Authenticated && s.Name != s.ID {
		delete(r.byName, s.Name)
	} else {
		metrics.AuthenticatedSessions.Inc()
	}
	s.Name = identity.Name
	s.Authenticated = true
	s.Token = identity.Token
	s.Rooms = identity.Rooms.Clone()
	identity.LastUserID = s.ID
	r.byName[identity.Name] = s
}

// Remove drops the session for a closed connection. An authenticated
// session's room set is snapshotted into its identity first so the rooms
// can be restored on reconnect. Safe to call more than once.
func (r *Registry) Remove(conn Conn) *Session {
	r.mu.Lock()
	s, ok := r.byConn[conn]
	if !ok {
		r.mu.Unlock()
		return nil
	}

	if s.Authenticated {
		if identity := r.identities[s.Name]; identity != nil {
			identity.Rooms = s.Rooms.Clone()
		}
		delete(r.byName, s.Name)
		metrics.AuthenticatedSessions.Dec()
	}
	delete(r.byConn, conn)
	delete(r.byID, s.ID)
	r.mu.Unlock()

	metrics.DecConnection()
	logging.Info(context.Background(), "Session removed",
		zap.String("user_id", s.ID), zap.String("name", s.Name))
	return s
}

// GetByConn returns the session bound to conn, if any.
func (r *Registry) GetByConn(conn Conn) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byConn[conn]
	return s, ok
}

// GetByID returns the session with the given id, if any.
func (r *Registry) GetByID(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

// GetByName returns the authenticated session holding name, if any.
func (r *Registry) GetByName(name string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byName[name]
	return s, ok
}

// JoinRoom records room membership on both the session and its identity.
func (r *Registry) JoinRoom(sessionID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[sessionID]
	if !ok {
		return
	}
	s.Rooms.Insert(roomID)
	if identity := r.identities[s.Name]; identity != nil {
		identity.Rooms = s.Rooms.Clone()
	}
}

// LeaveRoom removes room membership from the session and its identity.
func (r *Registry) LeaveRoom(sessionID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[sessionID]
	if !ok {
		return
	}
	s.Rooms.Delete(roomID)
	if identity := r.identities[s.Name]; identity != nil {
		identity.Rooms = s.Rooms.Clone()
	}
}

// RoomsOf returns the session's current room ids, sorted.
func (r *Registry) RoomsOf(sessionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[sessionID]
	if !ok {
		return []string{}
	}
	return sortedList(s.Rooms)
}

// ListOnline returns summaries of all authenticated sessions, ordered by
// name.
func (r *Registry) ListOnline() []Summary {
	r.mu.RLock()
	out := make([]Summary, 0, len(r.byName))
	for _, s := range r.byName {
		out = append(out, Summary{
			UserID:      s.ID,
			Name:        s.Name,
			ConnectedAt: s.ConnectedAt,
			Rooms:       sortedList(s.Rooms),
		})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

// AuthenticatedCount returns the number of authenticated sessions.
func (r *Registry) AuthenticatedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}

// Sessions returns a snapshot of all live sessions, for the periodic
// zombie sweep.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	return out
}

func sortedList(s set.Set[string]) []string {
	if s == nil {
		return []string{}
	}
	return s.SortedList()
}
