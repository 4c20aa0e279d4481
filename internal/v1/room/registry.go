package room

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/agentroom/agentroom/internal/v1/logging"
	"github.com/agentroom/agentroom/internal/v1/metrics"
	"github.com/agentroom/agentroom/internal/v1/permissions"
	"github.com/agentroom/agentroom/internal/v1/protocol"
	"github.com/agentroom/agentroom/internal/v1/session"
)

// Directory is the slice of the session registry the room registry needs:
// member resolution and room-set bookkeeping. *session.Registry satisfies
// it.
type Directory interface {
	GetByID(id string) (*session.Session, bool)
	JoinRoom(sessionID, roomID string)
	LeaveRoom(sessionID, roomID string)
}

// Registry owns all rooms. A coarse lock guards the room map and every
// room's fields; it is held across broadcast iteration so members always
// observe a join before any broadcast that follows it. Sends are channel
// pushes and never block under the lock.
type Registry struct {
	mu       sync.RWMutex
	rooms    map[string]*Room
	sessions Directory
}

// defaultRooms are seeded at construction and never destroyed.
var defaultRooms = []struct{ id, description string }{
	{"general", "General discussion"},
	{"random", "Off-topic chatter"},
}

// NewRegistry creates a registry with the default persistent rooms seeded.
func NewRegistry(sessions Directory) *Registry {
	r := &Registry{
		rooms:    make(map[string]*Room),
		sessions: sessions,
	}
	for _, d := range defaultRooms {
		rm := newRoom(d.id, d.id, d.description, protocol.ServerName, true, "")
		r.rooms[d.id] = rm
		metrics.ActiveRooms.Inc()
	}
	return r
}

// CreateRoom validates and creates a room. The creator gets the OWNER
// role but is not enrolled as a member.
func (r *Registry) CreateRoom(id, createdBy, name, description string, persistent bool, password string) (Info, *Error) {
	if !roomIDPattern.MatchString(id) {
		return Info{}, errf(400, "Room id must match ^[a-zA-Z0-9_-]+$")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rooms[id]; exists {
		return Info{}, errf(400, fmt.Sprintf("Room '%s' already exists", id))
	}

	rm := newRoom(id, name, description, createdBy, persistent, password)
	r.rooms[id] = rm
	metrics.ActiveRooms.Inc()

	logging.Info(context.Background(), "Room created",
		zap.String("room_id", id), zap.String("created_by", createdBy), zap.Bool("persistent", persistent))
	return rm.info(createdBy), nil
}

// JoinRoom enrolls a session into a room. Joining a room you are already
// in succeeds without side effects, so reconnection can restore
// membership without spurious failures. Other members are told via a
// user.joined system envelope; the joiner receives recent history.
func (r *Registry) JoinRoom(roomID, userID, password string) ([]string, *Error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return nil, errf(404, fmt.Sprintf("Room '%s' not found", roomID))
	}

	if rm.members.Has(userID) {
		return r.memberNames(rm), nil
	}

	if rm.password != "" {
		if password == "" {
			return nil, errf(400, fmt.Sprintf("Room '%s' requires a password", roomID))
		}
		if password != rm.password {
			return nil, errf(400, "Incorrect room password")
		}
	}

	joiner, _ := r.sessions.GetByID(userID)

	rm.members.Insert(userID)
	if _, has := rm.memberRoles[userID]; !has {
		rm.memberRoles[userID] = rm.config.DefaultRole
	}
	r.sessions.JoinRoom(userID, roomID)
	metrics.RoomMembers.WithLabelValues(roomID).Set(float64(rm.members.Len()))

	joinerName := userID
	if joiner != nil {
		joinerName = joiner.Name
	}
	r.broadcastSystem(rm, "user.joined", map[string]any{
		"user_id":   userID,
		"user_name": joinerName,
		"room_id":   roomID,
	}, userID)

	if joiner != nil && joiner.Conn != nil {
		joiner.Conn.Send(protocol.NewSystem("room.history", map[string]any{
			"room_id":  roomID,
			"messages": r.visibleHistory(rm, userID, historyOnJoin),
		}))
	}

	logging.Info(context.Background(), "User joined room",
		zap.String("room_id", roomID), zap.String("user_id", userID))
	return r.memberNames(rm), nil
}

// LeaveRoom removes a member. The last member leaving a non-persistent
// room destroys it.
func (r *Registry) LeaveRoom(roomID, userID string) *Error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return errf(404, fmt.Sprintf("Room '%s' not found", roomID))
	}
	if !rm.members.Has(userID) {
		return errf(400, fmt.Sprintf("Not a member of room '%s'", roomID))
	}

	leaverName := userID
	if s, ok := r.sessions.GetByID(userID); ok {
		leaverName = s.Name
	}
	r.evictLocked(rm, userID, leaverName)
	return nil
}

// RemoveUserFromAll evicts the user from every room they are in. Invoked
// on disconnect, after the session has already been removed, so the
// caller supplies the display name and the identity's room snapshot is
// left untouched.
func (r *Registry) RemoveUserFromAll(userID, userName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rm := range r.rooms {
		if rm.members.Has(userID) {
			r.evictLocked(rm, userID, userName)
		}
	}
}

// evictLocked removes the member, notifies the remainder, and destroys
// the room if it became an empty non-persistent one. Caller holds the
// write lock.
func (r *Registry) evictLocked(rm *Room, userID, leaverName string) {
	rm.members.Delete(userID)
	delete(rm.memberRoles, userID)
	r.sessions.LeaveRoom(userID, rm.ID)

	r.broadcastSystem(rm, "user.left", map[string]any{
		"user_id":   userID,
		"user_name": leaverName,
		"room_id":   rm.ID,
	}, userID)

	if rm.members.Len() == 0 && !rm.Persistent {
		delete(r.rooms, rm.ID)
		metrics.ActiveRooms.Dec()
		metrics.RoomMembers.DeleteLabelValues(rm.ID)
		logging.Info(context.Background(), "Room destroyed", zap.String("room_id", rm.ID))
		return
	}
	metrics.RoomMembers.WithLabelValues(rm.ID).Set(float64(rm.members.Len()))
}

// BroadcastChat fans a chat message out to the room. The message is
// appended to history before delivery; each member sees it only if the
// visibility rules allow. Returns delivered and filtered counts.
func (r *Registry) BroadcastChat(roomID string, sender *session.Session, text string, perm *permissions.MessagePermission) (delivered, filtered int, err *Error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return 0, 0, errf(404, fmt.Sprintf("Room '%s' not found", roomID))
	}
	if !rm.members.Has(sender.ID) {
		return 0, 0, errf(403, fmt.Sprintf("Not a member of room '%s'", roomID))
	}

	senderRole := rm.roleOf(sender.ID)
	if !permissions.CanPerformAction(permissions.ActionSendMessage, senderRole, rm.perms, nil) {
		return 0, 0, errf(403, "You do not have permission to send messages in this room")
	}
	if perm != nil && perm.Visibility != permissions.VisibilityPublic {
		if !permissions.CanPerformAction(permissions.ActionSendRestrictedMessage, senderRole, rm.perms, nil) {
			return 0, 0, errf(403, "You do not have permission to send restricted messages")
		}
	}

	payload := map[string]any{
		"message": text,
		"room":    roomID,
	}
	if perm != nil {
		payload["permission"] = perm
	}
	env := protocol.NewChat(sender.Name, "room:"+roomID, payload)

	rm.appendHistory(env)

	for _, memberID := range rm.members.UnsortedList() {
		member, ok := r.sessions.GetByID(memberID)
		if !ok || member.Conn == nil || !member.Conn.Open() {
			continue
		}
		if permissions.CanViewMessage(sender.ID, perm, memberID, rm.roleOf(memberID), rm.config.DefaultVisibility) {
			member.Conn.Send(env)
			delivered++
		} else {
			filtered++
		}
	}

	metrics.MessagesDelivered.Add(float64(delivered))
	metrics.MessagesFiltered.Add(float64(filtered))
	return delivered, filtered, nil
}

// SetUserRole changes a member's role, subject to the role-change rules,
// and announces the change to the whole room.
func (r *Registry) SetUserRole(roomID, actorID, targetID string, newRole permissions.Role) (permissions.Role, *Error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return "", errf(404, fmt.Sprintf("Room '%s' not found", roomID))
	}
	if !rm.members.Has(actorID) {
		return "", errf(403, fmt.Sprintf("Not a member of room '%s'", roomID))
	}
	if !rm.members.Has(targetID) {
		return "", errf(404, "Target user is not a member of this room")
	}

	actorRole := rm.roleOf(actorID)
	oldRole := rm.roleOf(targetID)
	if !permissions.CanChangeRole(actorRole, oldRole, newRole) {
		return "", errf(403, fmt.Sprintf("You do not have permission to change this user's role to '%s'", newRole))
	}

	rm.memberRoles[targetID] = newRole

	targetName := targetID
	if s, ok := r.sessions.GetByID(targetID); ok {
		targetName = s.Name
	}
	r.broadcastSystem(rm, "user.role_changed", map[string]any{
		"user_id":   targetID,
		"user_name": targetName,
		"room_id":   roomID,
		"old_role":  string(oldRole),
		"new_role":  string(newRole),
	}, "")

	logging.Info(context.Background(), "Role changed",
		zap.String("room_id", roomID), zap.String("user_id", targetID),
		zap.String("old_role", string(oldRole)), zap.String("new_role", string(newRole)))
	return oldRole, nil
}

// GetHistory returns up to count recent messages the caller may view.
// Members with a positive memberHistoryLimit see at most that many.
func (r *Registry) GetHistory(roomID, userID string, count int) ([]*protocol.Envelope, *Error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return nil, errf(404, fmt.Sprintf("Room '%s' not found", roomID))
	}
	if !rm.members.Has(userID) {
		return nil, errf(403, fmt.Sprintf("Not a member of room '%s'", roomID))
	}

	role := rm.roleOf(userID)
	if !permissions.CanPerformAction(permissions.ActionViewHistory, role, rm.perms, nil) {
		return nil, errf(403, "You do not have permission to view history in this room")
	}

	if limit := rm.config.MemberHistoryLimit; limit > 0 && role == permissions.RoleMember && count > limit {
		count = limit
	}

	return r.visibleHistory(rm, userID, count), nil
}

// visibleHistory returns up to count recent messages that userID may
// view, applying each message's permission against the viewer's role.
// Used both for explicit history requests and the push a joiner gets.
// Caller holds the lock.
func (r *Registry) visibleHistory(rm *Room, userID string, count int) []*protocol.Envelope {
	role := rm.roleOf(userID)
	out := []*protocol.Envelope{}
	for _, env := range rm.recentHistory(count) {
		var perm *permissions.MessagePermission
		if raw, ok := env.Payload["permission"].(*permissions.MessagePermission); ok {
			perm = raw
		}
		senderID := env.From
		if s, ok := r.sessions.GetByID(userID); ok && s.Name == env.From {
			senderID = userID
		}
		if permissions.CanViewMessage(senderID, perm, userID, role, rm.config.DefaultVisibility) {
			out = append(out, env)
		}
	}
	return out
}

// GetMembers returns the room's member list.
func (r *Registry) GetMembers(roomID string) ([]Member, *Error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return nil, errf(404, fmt.Sprintf("Room '%s' not found", roomID))
	}

	out := make([]Member, 0, rm.members.Len())
	for _, id := range rm.members.UnsortedList() {
		name := id
		if s, ok := r.sessions.GetByID(id); ok {
			name = s.Name
		}
		out = append(out, Member{UserID: id, Name: name, Role: string(rm.roleOf(id))})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ListRooms returns all rooms ordered by id. When requesterID is a member
// of a room, its entry carries the requester's role.
func (r *Registry) ListRooms(requesterID string) []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.rooms))
	for _, rm := range r.rooms {
		out = append(out, rm.info(requesterID))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Has reports whether a room exists.
func (r *Registry) Has(roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[roomID]
	return ok
}

// IsMember reports whether userID is in the room.
func (r *Registry) IsMember(roomID, userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[roomID]
	return ok && rm.members.Has(userID)
}

// GetUserRole returns the member's role in the room.
func (r *Registry) GetUserRole(roomID, userID string) (permissions.Role, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[roomID]
	if !ok || !rm.members.Has(userID) {
		return "", false
	}
	return rm.roleOf(userID), true
}

// GetUserPermissions returns the member's role and, per configurable
// action, whether that role may perform it.
func (r *Registry) GetUserPermissions(roomID, userID string) (permissions.Role, map[string]bool, *Error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return "", nil, errf(404, fmt.Sprintf("Room '%s' not found", roomID))
	}
	if !rm.members.Has(userID) {
		return "", nil, errf(403, fmt.Sprintf("Not a member of room '%s'", roomID))
	}

	role := rm.roleOf(userID)
	return role, rm.perms.AllowedActions(role), nil
}

// GetRoomConfig returns the room's permission table and config.
func (r *Registry) GetRoomConfig(roomID string) (map[string][]string, permissions.RoomConfig, *Error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return nil, permissions.RoomConfig{}, errf(404, fmt.Sprintf("Room '%s' not found", roomID))
	}
	return rm.perms.Describe(), rm.config, nil
}

// RestoreMembership re-keys a member from its old session id to the new
// one after a reconnect, preserving the role. No broadcasts are emitted.
// Returns false when the room no longer exists.
func (r *Registry) RestoreMembership(roomID, oldID, newID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return false
	}

	if rm.members.Has(oldID) {
		rm.members.Delete(oldID)
		if role, has := rm.memberRoles[oldID]; has {
			delete(rm.memberRoles, oldID)
			rm.memberRoles[newID] = role
		}
	}
	if !rm.members.Has(newID) {
		rm.members.Insert(newID)
		if _, has := rm.memberRoles[newID]; !has {
			rm.memberRoles[newID] = rm.config.DefaultRole
		}
	}
	r.sessions.JoinRoom(newID, roomID)
	metrics.RoomMembers.WithLabelValues(roomID).Set(float64(rm.members.Len()))
	return true
}

// Count returns the number of rooms.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// broadcastSystem sends a system envelope to every member with an open
// transport, except excludeID. Caller holds the lock.
func (r *Registry) broadcastSystem(rm *Room, event string, payload map[string]any, excludeID string) {
	env := protocol.NewSystem(event, payload)
	for _, memberID := range rm.members.UnsortedList() {
		if memberID == excludeID {
			continue
		}
		member, ok := r.sessions.GetByID(memberID)
		if !ok || member.Conn == nil || !member.Conn.Open() {
			continue
		}
		member.Conn.Send(env)
	}
}

// memberNames resolves the room's member ids to display names, sorted.
// Caller holds the lock.
func (r *Registry) memberNames(rm *Room) []string {
	out := make([]string, 0, rm.members.Len())
	for _, id := range rm.members.UnsortedList() {
		if s, ok := r.sessions.GetByID(id); ok {
			out = append(out, s.Name)
		} else {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
