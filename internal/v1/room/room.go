// Package room implements named chat rooms: membership, roles, bounded
// history, and broadcast with per-message visibility filtering.
package room

import (
	"container/list"
	"regexp"
	"time"

	"k8s.io/utils/set"

	"github.com/agentroom/agentroom/internal/v1/permissions"
	"github.com/agentroom/agentroom/internal/v1/protocol"
)

// maxHistory bounds each room's chat history; eviction is oldest-first.
const maxHistory = 100

// historyOnJoin is how many recent entries a joiner is sent.
const historyOnJoin = 20

var roomIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Error is a typed failure returned by registry operations. Code follows
// the wire error taxonomy (400, 403, 404).
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string { return e.Message }

func errf(code int, msg string) *Error { return &Error{Code: code, Message: msg} }

// Room is one chat room. All fields are guarded by the owning Registry's
// lock; the password never leaves the package.
type Room struct {
	ID          string
	Name        string
	Description string
	CreatedBy   string
	CreatedAt   time.Time
	Persistent  bool

	password string

	members     set.Set[string]
	memberRoles map[string]permissions.Role

	// history holds *protocol.Envelope values in insertion order.
	history *list.List

	perms  permissions.RoomPermissions
	config permissions.RoomConfig
}

func newRoom(id, name, description, createdBy string, persistent bool, password string) *Room {
	if name == "" {
		name = id
	}
	return &Room{
		ID:          id,
		Name:        name,
		Description: description,
		CreatedBy:   createdBy,
		CreatedAt:   time.Now().UTC(),
		Persistent:  persistent,
		password:    password,
		members:     set.New[string](),
		memberRoles: map[string]permissions.Role{createdBy: permissions.RoleOwner},
		history:     list.New(),
		perms:       permissions.DefaultPermissions(),
		config:      permissions.DefaultConfig(),
	}
}

// appendHistory records a chat envelope, evicting the oldest entry when
// the buffer is full.
func (rm *Room) appendHistory(env *protocol.Envelope) {
	rm.history.PushBack(env)
	for rm.history.Len() > maxHistory {
		rm.history.Remove(rm.history.Front())
	}
}

// recentHistory returns up to n most recent entries in insertion order.
func (rm *Room) recentHistory(n int) []*protocol.Envelope {
	if n <= 0 || rm.history.Len() == 0 {
		return []*protocol.Envelope{}
	}
	if n > rm.history.Len() {
		n = rm.history.Len()
	}
	out := make([]*protocol.Envelope, n)
	e := rm.history.Back()
	for i := n - 1; i >= 0; i-- {
		out[i] = e.Value.(*protocol.Envelope)
		e = e.Prev()
	}
	return out
}

// roleOf returns the member's role, falling back to the room default.
func (rm *Room) roleOf(userID string) permissions.Role {
	if role, ok := rm.memberRoles[userID]; ok {
		return role
	}
	return rm.config.DefaultRole
}

// Info is the wire projection of a room for listings. YourRole is
// stamped only when the listing caller is a member.
type Info struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
	Persistent  bool      `json:"persistent"`
	HasPassword bool      `json:"hasPassword"`
	MemberCount int       `json:"member_count"`
	YourRole    string    `json:"yourRole,omitempty"`
}

func (rm *Room) info(requesterID string) Info {
	info := Info{
		ID:          rm.ID,
		Name:        rm.Name,
		Description: rm.Description,
		CreatedBy:   rm.CreatedBy,
		CreatedAt:   rm.CreatedAt,
		Persistent:  rm.Persistent,
		HasPassword: rm.password != "",
		MemberCount: rm.members.Len(),
	}
	if requesterID != "" && rm.members.Has(requesterID) {
		info.YourRole = string(rm.roleOf(requesterID))
	}
	return info
}

// Member is the wire projection of a room member.
type Member struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Role   string `json:"role"`
}
