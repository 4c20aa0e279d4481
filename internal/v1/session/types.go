// Package session tracks live connections, their authenticated names, and
// the persistent identities that let a user reconnect without losing room
// membership.
package session

import (
	"time"

	"k8s.io/utils/set"

	"github.com/agentroom/agentroom/internal/v1/protocol"
)

// Conn is the transport handle a session writes to. Implementations must
// be safe for concurrent use; Send is best-effort and drops frames once
// the connection is closing.
type Conn interface {
	Send(env *protocol.Envelope)
	Close(code int, reason string)
	Open() bool
}

// Session is the server-side state of one open connection. Until the
// client authenticates, Name equals ID. Fields are guarded by the
// owning Registry's lock.
type Session struct {
	ID            string
	Name          string
	Conn          Conn
	ConnectedAt   time.Time
	Authenticated bool
	Token         string
	Rooms         set.Set[string]
}

// Identity is the persistent record for an authenticated name. It
// survives disconnection so the same name can be resumed with its
// reconnect token. Identities are never deleted.
type Identity struct {
	Name       string
	Token      string
	LastUserID string
	Rooms      set.Set[string]
	CreatedAt  time.Time
}

// AuthResult is the outcome of an authentication attempt.
type AuthResult struct {
	OK    bool
	Error string

	UserID      string
	Name        string
	Token       string
	Reconnected bool

	// RestoredRooms lists the rooms carried over from the identity on a
	// reconnect; the caller re-joins them on the new session.
	RestoredRooms []string

	// PreviousSessionID is the session id the restored rooms were keyed
	// under before this auth. Empty unless Reconnected.
	PreviousSessionID string
}

// Summary is the read-view projection of an online session.
type Summary struct {
	UserID      string    `json:"user_id"`
	Name        string    `json:"name"`
	ConnectedAt time.Time `json:"connected_at"`
	Rooms       []string  `json:"rooms"`
}
