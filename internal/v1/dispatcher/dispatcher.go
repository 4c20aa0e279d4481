// Package dispatcher is the per-connection state machine: it welcomes new
// connections, routes inbound envelopes to action handlers, and tears
// sessions down on disconnect.
package dispatcher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentroom/agentroom/internal/v1/logging"
	"github.com/agentroom/agentroom/internal/v1/metrics"
	"github.com/agentroom/agentroom/internal/v1/permissions"
	"github.com/agentroom/agentroom/internal/v1/protocol"
	"github.com/agentroom/agentroom/internal/v1/room"
	"github.com/agentroom/agentroom/internal/v1/session"
)

// sweepInterval is the cadence of the zombie sweep that evicts sessions
// whose transport closed without triggering the disconnect path.
const sweepInterval = 30 * time.Second

const welcomeText = "Welcome to AgentRoom. Send {\"type\":\"action\",\"payload\":{\"action\":\"auth\",\"name\":\"<your name>\"}} to authenticate."

const authRequiredText = "Authenticate first. Send an 'action' with your name."

// Dispatcher wires the session and room registries to the transport.
type Dispatcher struct {
	sessions *session.Registry
	rooms    *room.Registry
}

// New creates a dispatcher over the given registries.
func New(sessions *session.Registry, rooms *room.Registry) *Dispatcher {
	return &Dispatcher{sessions: sessions, rooms: rooms}
}

// HandleConnect registers the connection and sends the welcome envelope.
func (d *Dispatcher) HandleConnect(conn session.Conn) {
	s := d.sessions.Register(conn)
	conn.Send(protocol.NewSystem("welcome", map[string]any{
		"message": welcomeText,
		"user_id": s.ID,
	}))
}

// HandleFrame routes one inbound frame. Per-frame failures are answered
// on the wire and never escape; a panicking handler costs the frame, not
// the process.
func (d *Dispatcher) HandleFrame(conn session.Conn, data []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			logging.Error(context.Background(), "Frame handler panicked", zap.Any("panic", rec))
			conn.Send(protocol.NewError(500, "Internal server error"))
		}
	}()

	env, err := protocol.Parse(data)
	if err != nil {
		conn.Send(protocol.NewError(400, "Invalid message format. Expected JSON."))
		return
	}

	start := time.Now()
	defer func() {
		metrics.FrameProcessingDuration.WithLabelValues(string(env.Type)).Observe(time.Since(start).Seconds())
	}()

	switch env.Type {
	case protocol.TypeAction:
		d.handleAction(conn, env)
	case protocol.TypeChat:
		d.handleChat(conn, env)
	default:
		conn.Send(protocol.NewError(400, "Unsupported message type"))
	}
}

// HandleDisconnect runs the close path. The session is removed first so
// its room set is snapshotted into the identity before eviction empties
// it; the rooms a user was in at disconnect are what a reconnect
// restores. Idempotent, so the error path and the zombie sweep can both
// call it.
func (d *Dispatcher) HandleDisconnect(conn session.Conn) {
	s, ok := d.sessions.GetByConn(conn)
	if !ok {
		return
	}
	d.sessions.Remove(conn)
	d.rooms.RemoveUserFromAll(s.ID, s.Name)
}

// Run drives the periodic zombie sweep until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweep()
		}
	}
}

func (d *Dispatcher) sweep() {
	swept := 0
	for _, s := range d.sessions.Sessions() {
		if s.Conn != nil && !s.Conn.Open() {
			d.HandleDisconnect(s.Conn)
			swept++
		}
	}
	if swept > 0 {
		logging.Info(context.Background(), "Zombie sweep evicted sessions", zap.Int("count", swept))
	}
}

// preAuthActions may be invoked before authentication.
var preAuthActions = map[string]bool{
	"auth":                       true,
	"room.list":                  true,
	"room.members":               true,
	"users.list":                 true,
	"ping":                       true,
	"permission.get_room_config": true,
}

func (d *Dispatcher) handleAction(conn session.Conn, env *protocol.Envelope) {
	action, _ := env.Payload["action"].(string)
	if action == "" {
		conn.Send(protocol.NewResponse("", false, nil, "action is required"))
		return
	}

	s, ok := d.sessions.GetByConn(conn)
	if !ok {
		conn.Send(protocol.NewError(500, "Internal server error"))
		return
	}

	if !s.Authenticated && !preAuthActions[action] {
		conn.Send(protocol.NewError(401, authRequiredText))
		metrics.ActionsProcessed.WithLabelValues(action, "unauthenticated").Inc()
		return
	}

	var resp *protocol.Envelope
	switch action {
	case "auth":
		resp = d.doAuth(conn, env.Payload)
	case "room.create":
		resp = d.doRoomCreate(s, env.Payload)
	case "room.join":
		resp = d.doRoomJoin(s, env.Payload)
	case "room.leave":
		resp = d.doRoomLeave(s, env.Payload)
	case "room.list":
		resp = d.doRoomList(s)
	case "room.members":
		resp = d.doRoomMembers(env.Payload)
	case "room.history":
		resp = d.doRoomHistory(s, env.Payload)
	case "dm":
		resp = d.doDM(s, env.Payload)
	case "users.list":
		resp = protocol.NewResponse("users.list", true, map[string]any{
			"users": d.sessions.ListOnline(),
		}, "")
	case "ping":
		resp = protocol.NewResponse("ping", true, map[string]any{
			"pong": true,
			"time": time.Now().UTC().Format(time.RFC3339),
		}, "")
	case "permission.set_role":
		resp = d.doSetRole(s, env.Payload)
	case "permission.get_my_permissions":
		resp = d.doGetMyPermissions(s, env.Payload)
	case "permission.get_room_config":
		resp = d.doGetRoomConfig(env.Payload)
	case "permission.send_restricted":
		resp = d.doSendRestricted(s, env.Payload)
	default:
		resp = protocol.NewResponse(action, false, nil, fmt.Sprintf("Unknown action '%s'", action))
	}

	status := "ok"
	if ok, _ := resp.Payload["success"].(bool); !ok {
		status = "error"
	}
	metrics.ActionsProcessed.WithLabelValues(action, status).Inc()
	conn.Send(resp)
}

func (d *Dispatcher) doAuth(conn session.Conn, payload map[string]any) *protocol.Envelope {
	name := strings.TrimSpace(stringArg(payload, "name"))
	if name == "" {
		return protocol.NewResponse("auth", false, nil, "name is required")
	}
	token := stringArg(payload, "token")

	res := d.sessions.Authenticate(conn, name, token)
	if !res.OK {
		return protocol.NewResponse("auth", false, nil, res.Error)
	}

	if res.Reconnected {
		for _, roomID := range res.RestoredRooms {
			if !d.rooms.RestoreMembership(roomID, res.PreviousSessionID, res.UserID) {
				// The room disappeared while the user was away.
				d.sessions.LeaveRoom(res.UserID, roomID)
			}
		}
	}

	return protocol.NewResponse("auth", true, map[string]any{
		"user_id":        res.UserID,
		"name":           res.Name,
		"token":          res.Token,
		"reconnected":    res.Reconnected,
		"restored_rooms": res.RestoredRooms,
		"rooms":          d.sessions.RoomsOf(res.UserID),
	}, "")
}

func (d *Dispatcher) doRoomCreate(s *session.Session, payload map[string]any) *protocol.Envelope {
	roomID := stringArg(payload, "room_id")
	if roomID == "" {
		return protocol.NewResponse("room.create", false, nil, "room_id is required")
	}
	persistent, _ := payload["persistent"].(bool)

	info, err := d.rooms.CreateRoom(roomID, s.ID,
		stringArg(payload, "name"), stringArg(payload, "description"),
		persistent, stringArg(payload, "password"))
	if err != nil {
		return protocol.NewResponse("room.create", false, nil, err.Message)
	}
	return protocol.NewResponse("room.create", true, map[string]any{"room": info}, "")
}

func (d *Dispatcher) doRoomJoin(s *session.Session, payload map[string]any) *protocol.Envelope {
	roomID := stringArg(payload, "room_id")
	if roomID == "" {
		return protocol.NewResponse("room.join", false, nil, "room_id is required")
	}

	members, err := d.rooms.JoinRoom(roomID, s.ID, stringArg(payload, "password"))
	if err != nil {
		return protocol.NewResponse("room.join", false, nil, err.Message)
	}
	return protocol.NewResponse("room.join", true, map[string]any{
		"room_id": roomID,
		"members": members,
	}, "")
}

func (d *Dispatcher) doRoomLeave(s *session.Session, payload map[string]any) *protocol.Envelope {
	roomID := stringArg(payload, "room_id")
	if roomID == "" {
		return protocol.NewResponse("room.leave", false, nil, "room_id is required")
	}
	if err := d.rooms.LeaveRoom(roomID, s.ID); err != nil {
		return protocol.NewResponse("room.leave", false, nil, err.Message)
	}
	return protocol.NewResponse("room.leave", true, map[string]any{"room_id": roomID}, "")
}

func (d *Dispatcher) doRoomList(s *session.Session) *protocol.Envelope {
	requesterID := ""
	if s.Authenticated {
		requesterID = s.ID
	}
	return protocol.NewResponse("room.list", true, map[string]any{
		"rooms": d.rooms.ListRooms(requesterID),
	}, "")
}

func (d *Dispatcher) doRoomMembers(payload map[string]any) *protocol.Envelope {
	roomID := stringArg(payload, "room_id")
	if roomID == "" {
		return protocol.NewResponse("room.members", false, nil, "room_id is required")
	}
	members, err := d.rooms.GetMembers(roomID)
	if err != nil {
		return protocol.NewResponse("room.members", false, nil, err.Message)
	}
	return protocol.NewResponse("room.members", true, map[string]any{
		"room_id": roomID,
		"members": members,
	}, "")
}

func (d *Dispatcher) doRoomHistory(s *session.Session, payload map[string]any) *protocol.Envelope {
	roomID := stringArg(payload, "room_id")
	if roomID == "" {
		return protocol.NewResponse("room.history", false, nil, "room_id is required")
	}
	count := 20
	if n, ok := payload["count"].(float64); ok && n > 0 {
		count = int(n)
	}
	messages, err := d.rooms.GetHistory(roomID, s.ID, count)
	if err != nil {
		return protocol.NewResponse("room.history", false, nil, err.Message)
	}
	return protocol.NewResponse("room.history", true, map[string]any{
		"room_id":  roomID,
		"messages": messages,
	}, "")
}

func (d *Dispatcher) doDM(s *session.Session, payload map[string]any) *protocol.Envelope {
	to := stringArg(payload, "to")
	if to == "" {
		return protocol.NewResponse("dm", false, nil, "to is required")
	}
	message := stringArg(payload, "message")
	if message == "" {
		return protocol.NewResponse("dm", false, nil, "message is required")
	}

	target, ok := d.sessions.GetByName(to)
	if !ok || target.Conn == nil || !target.Conn.Open() {
		return protocol.NewResponse("dm", false, nil, fmt.Sprintf("User '%s' is not online", to))
	}

	target.Conn.Send(protocol.NewChat(s.Name, to, map[string]any{
		"message": message,
		"dm":      true,
	}))
	return protocol.NewResponse("dm", true, map[string]any{
		"to":        to,
		"delivered": true,
	}, "")
}

func (d *Dispatcher) doSetRole(s *session.Session, payload map[string]any) *protocol.Envelope {
	roomID := stringArg(payload, "room_id")
	if roomID == "" {
		return protocol.NewResponse("permission.set_role", false, nil, "room_id is required")
	}
	targetID := stringArg(payload, "user_id")
	if targetID == "" {
		return protocol.NewResponse("permission.set_role", false, nil, "user_id is required")
	}
	roleArg := stringArg(payload, "role")
	newRole, ok := permissions.ParseRole(roleArg)
	if !ok {
		return protocol.NewResponse("permission.set_role", false, nil, fmt.Sprintf("Invalid role '%s'", roleArg))
	}

	// Accept a display name where a user id was expected.
	if _, found := d.sessions.GetByID(targetID); !found {
		if t, found := d.sessions.GetByName(targetID); found {
			targetID = t.ID
		}
	}

	oldRole, err := d.rooms.SetUserRole(roomID, s.ID, targetID, newRole)
	if err != nil {
		return protocol.NewResponse("permission.set_role", false, nil, err.Message)
	}
	return protocol.NewResponse("permission.set_role", true, map[string]any{
		"userId":  targetID,
		"oldRole": string(oldRole),
		"newRole": string(newRole),
	}, "")
}

func (d *Dispatcher) doGetMyPermissions(s *session.Session, payload map[string]any) *protocol.Envelope {
	roomID := stringArg(payload, "room_id")
	if roomID == "" {
		return protocol.NewResponse("permission.get_my_permissions", false, nil, "room_id is required")
	}
	role, perms, err := d.rooms.GetUserPermissions(roomID, s.ID)
	if err != nil {
		return protocol.NewResponse("permission.get_my_permissions", false, nil, err.Message)
	}
	return protocol.NewResponse("permission.get_my_permissions", true, map[string]any{
		"user_id":     s.ID,
		"room_id":     roomID,
		"role":        string(role),
		"permissions": perms,
	}, "")
}

func (d *Dispatcher) doGetRoomConfig(payload map[string]any) *protocol.Envelope {
	roomID := stringArg(payload, "room_id")
	if roomID == "" {
		return protocol.NewResponse("permission.get_room_config", false, nil, "room_id is required")
	}
	perms, config, err := d.rooms.GetRoomConfig(roomID)
	if err != nil {
		return protocol.NewResponse("permission.get_room_config", false, nil, err.Message)
	}
	return protocol.NewResponse("permission.get_room_config", true, map[string]any{
		"room_id":     roomID,
		"permissions": perms,
		"config":      config,
	}, "")
}

func (d *Dispatcher) doSendRestricted(s *session.Session, payload map[string]any) *protocol.Envelope {
	const action = "permission.send_restricted"

	roomID := stringArg(payload, "room_id")
	if roomID == "" {
		return protocol.NewResponse(action, false, nil, "room_id is required")
	}
	message := stringArg(payload, "message")
	if message == "" {
		return protocol.NewResponse(action, false, nil, "message is required")
	}
	visArg := stringArg(payload, "visibility")
	visibility, ok := permissions.ParseVisibility(visArg)
	if !ok {
		return protocol.NewResponse(action, false, nil, fmt.Sprintf("Invalid visibility '%s'", visArg))
	}

	perm := &permissions.MessagePermission{
		Visibility:   visibility,
		AllowedUsers: stringList(payload, "allowed_users"),
		DeniedUsers:  stringList(payload, "denied_users"),
	}
	for _, r := range stringList(payload, "allowed_roles") {
		if role, ok := permissions.ParseRole(r); ok {
			perm.AllowedRoles = append(perm.AllowedRoles, role)
		}
	}
	if secs, ok := payload["expires_in"].(float64); ok && secs > 0 {
		perm.ExpiresAt = time.Now().UTC().Add(time.Duration(secs) * time.Second)
	}

	if _, _, err := d.rooms.BroadcastChat(roomID, s, message, perm); err != nil {
		return protocol.NewResponse(action, false, nil, err.Message)
	}
	return protocol.NewResponse(action, true, map[string]any{"room_id": roomID}, "")
}

func (d *Dispatcher) handleChat(conn session.Conn, env *protocol.Envelope) {
	s, ok := d.sessions.GetByConn(conn)
	if !ok || !s.Authenticated {
		conn.Send(protocol.NewError(401, authRequiredText))
		return
	}

	message, _ := env.Payload["message"].(string)
	if message == "" {
		conn.Send(protocol.NewError(400, "message is required"))
		return
	}

	switch {
	case strings.HasPrefix(env.To, "room:"):
		roomID := strings.TrimPrefix(env.To, "room:")
		if _, _, err := d.rooms.BroadcastChat(roomID, s, message, nil); err != nil {
			conn.Send(protocol.NewError(err.Code, err.Message))
		}

	case env.To != "":
		target, ok := d.sessions.GetByName(env.To)
		if !ok || target.Conn == nil || !target.Conn.Open() {
			conn.Send(protocol.NewError(404, fmt.Sprintf("User '%s' is not online", env.To)))
			return
		}
		dm := protocol.NewChat(s.Name, env.To, map[string]any{
			"message": message,
			"dm":      true,
		})
		target.Conn.Send(dm)
		conn.Send(dm)

	default:
		conn.Send(protocol.NewError(400, "chat requires a 'to' target: 'room:<id>' or a user name"))
	}
}

func stringArg(payload map[string]any, key string) string {
	v, _ := payload[key].(string)
	return v
}

func stringList(payload map[string]any, key string) []string {
	raw, ok := payload[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
