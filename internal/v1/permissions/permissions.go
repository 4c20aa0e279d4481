package permissions

import (
	"context"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/agentroom/agentroom/internal/v1/logging"
)

// Action names an operation a member may attempt within a room.
type Action string

const (
	ActionSendMessage           Action = "SEND_MESSAGE"
	ActionSendRestrictedMessage Action = "SEND_RESTRICTED_MESSAGE"
	ActionViewHistory           Action = "VIEW_HISTORY"
	ActionInviteMembers         Action = "INVITE_MEMBERS"
	ActionKickMember            Action = "KICK_MEMBER"
	ActionBanMember             Action = "BAN_MEMBER"
	ActionModifyPermissions     Action = "MODIFY_PERMISSIONS"
	ActionDeleteMessages        Action = "DELETE_MESSAGES"
	ActionEditMessages          Action = "EDIT_MESSAGES"
	ActionPinMessages           Action = "PIN_MESSAGES"
	ActionViewMembers           Action = "VIEW_MEMBERS"
	ActionSendDM                Action = "SEND_DM"
	ActionDeleteRoom            Action = "DELETE_ROOM"
	ActionTransferOwnership     Action = "TRANSFER_OWNERSHIP"
	ActionModifyRoom            Action = "MODIFY_ROOM"
	ActionViewAuditLog          Action = "VIEW_AUDIT_LOG"
	ActionSetUserRole           Action = "SET_USER_ROLE"
	ActionViewPublicMessages    Action = "VIEW_PUBLIC_MESSAGES"
	ActionReceiveDM             Action = "RECEIVE_DM"
)

// RoomPermissions maps configurable actions to the roles allowed to
// perform them. Actions with fixed rules (DELETE_ROOM, SET_USER_ROLE,
// VIEW_PUBLIC_MESSAGES, RECEIVE_DM) are resolved in CanPerformAction and
// never appear here.
type RoomPermissions map[Action]set.Set[Role]

// wireNames maps configurable actions to their names on the wire.
var wireNames = map[Action]string{
	ActionSendMessage:           "canSendMessage",
	ActionViewHistory:           "canViewHistory",
	ActionSendRestrictedMessage: "canCreateRestrictedMessage",
	ActionInviteMembers:         "canInviteMembers",
	ActionKickMember:            "canKickMembers",
	ActionModifyPermissions:     "canModifyPermissions",
	ActionDeleteMessages:        "canDeleteMessages",
	ActionEditMessages:          "canEditMessages",
	ActionPinMessages:           "canPinMessages",
	ActionViewMembers:           "canViewMembers",
	ActionSendDM:                "canSendDM",
}

// DefaultPermissions returns the balanced preset used at room creation.
func DefaultPermissions() RoomPermissions {
	return RoomPermissions{
		ActionSendMessage:           set.New(RoleOwner, RoleAdmin, RoleMember),
		ActionViewHistory:           set.New(RoleOwner, RoleAdmin, RoleMember),
		ActionSendRestrictedMessage: set.New(RoleOwner, RoleAdmin),
		ActionInviteMembers:         set.New(RoleOwner, RoleAdmin),
		ActionKickMember:            set.New(RoleOwner, RoleAdmin),
		ActionModifyPermissions:     set.New(RoleOwner, RoleAdmin),
		ActionDeleteMessages:        set.New(RoleOwner, RoleAdmin),
		ActionEditMessages:          set.New(RoleOwner, RoleAdmin),
		ActionPinMessages:           set.New(RoleOwner, RoleAdmin),
		ActionViewMembers:           set.New(RoleOwner, RoleAdmin, RoleMember, RoleGuest),
		ActionSendDM:                set.New(RoleOwner, RoleAdmin, RoleMember),
	}
}

// Clone returns an independent copy.
func (p RoomPermissions) Clone() RoomPermissions {
	out := make(RoomPermissions, len(p))
	for action, roles := range p {
		out[action] = roles.Clone()
	}
	return out
}

// Describe renders the permission table for wire responses.
func (p RoomPermissions) Describe() map[string][]string {
	out := make(map[string][]string, len(p))
	for action, roles := range p {
		name, ok := wireNames[action]
		if !ok {
			name = string(action)
		}
		list := make([]string, 0, roles.Len())
		for _, r := range roles.SortedList() {
			list = append(list, string(r))
		}
		out[name] = list
	}
	return out
}

// AllowedActions renders, per configurable action, whether the given role
// may perform it.
func (p RoomPermissions) AllowedActions(role Role) map[string]bool {
	out := make(map[string]bool, len(p))
	for action, roles := range p {
		name, ok := wireNames[action]
		if !ok {
			name = string(action)
		}
		out[name] = roles.Has(role)
	}
	return out
}

// CanPerformAction decides whether userRole may perform action under the
// given room permission table. targetRole is consulted only for actions
// directed at another member (kick, ban, role changes).
func CanPerformAction(action Action, userRole Role, perms RoomPermissions, targetRole *Role) bool {
	switch action {
	case ActionDeleteRoom, ActionTransferOwnership:
		return userRole == RoleOwner

	case ActionModifyRoom, ActionViewAuditLog:
		return userRole == RoleOwner || userRole == RoleAdmin

	case ActionSetUserRole:
		if userRole == RoleOwner {
			return true
		}
		if userRole == RoleAdmin {
			return targetRole != nil && targetRole.Level() <= RoleMember.Level()
		}
		return false

	case ActionKickMember, ActionBanMember:
		// Both gate on the kick permission, and the actor must outrank
		// the target.
		allowed, ok := perms[ActionKickMember]
		if !ok || !allowed.Has(userRole) {
			return false
		}
		if targetRole != nil && userRole.Level() <= targetRole.Level() {
			return false
		}
		return true

	case ActionViewPublicMessages:
		return true

	case ActionReceiveDM:
		return userRole != RoleGuest

	default:
		roles, ok := perms[action]
		if !ok {
			logging.Warn(context.Background(), "Permission check for unknown action", zap.String("action", string(action)))
			return false
		}
		return roles.Has(userRole)
	}
}

// CanChangeRole decides whether actorRole may move a member from
// targetCurrent to targetNew. Owners may change anyone except another
// owner; admins may only swap members and guests.
func CanChangeRole(actorRole, targetCurrent, targetNew Role) bool {
	switch actorRole {
	case RoleOwner:
		return targetCurrent != RoleOwner
	case RoleAdmin:
		lowTier := set.New(RoleMember, RoleGuest)
		return lowTier.Has(targetCurrent) && lowTier.Has(targetNew)
	default:
		return false
	}
}

// Visibility controls who among a room's members receives a broadcast.
type Visibility string

const (
	VisibilityPublic    Visibility = "public"
	VisibilityRoleBased Visibility = "role_based"
	VisibilityUserBased Visibility = "user_based"
	VisibilityPrivate   Visibility = "private"
)

// ParseVisibility maps a wire string to a Visibility.
func ParseVisibility(s string) (Visibility, bool) {
	switch v := Visibility(s); v {
	case VisibilityPublic, VisibilityRoleBased, VisibilityUserBased, VisibilityPrivate:
		return v, true
	}
	return "", false
}

// MessagePermission restricts who can view a chat message.
type MessagePermission struct {
	Visibility   Visibility `json:"visibility"`
	AllowedRoles []Role     `json:"allowedRoles,omitempty"`
	AllowedUsers []string   `json:"allowedUsers,omitempty"`
	DeniedUsers  []string   `json:"deniedUsers,omitempty"`
	ExpiresAt    time.Time  `json:"expiresAt,omitzero"`
}

// CanViewMessage decides whether the user may see a message sent by
// senderID carrying the given permission. A nil permission falls back to
// the room's default visibility.
func CanViewMessage(senderID string, perm *MessagePermission, userID string, userRole Role, defaultVisibility Visibility) bool {
	// The sender always sees their own message; owners see everything.
	if userID == senderID {
		return true
	}
	if userRole == RoleOwner {
		return true
	}

	if perm != nil {
		if !perm.ExpiresAt.IsZero() && perm.ExpiresAt.Before(time.Now()) {
			return false
		}
		for _, denied := range perm.DeniedUsers {
			if denied == userID {
				return false
			}
		}
	}

	visibility := defaultVisibility
	if perm != nil && perm.Visibility != "" {
		visibility = perm.Visibility
	}

	switch visibility {
	case VisibilityPublic, "":
		return true

	case VisibilityRoleBased:
		if perm == nil || len(perm.AllowedRoles) == 0 {
			return false
		}
		minLevel := roleLevels[RoleOwner]
		for _, r := range perm.AllowedRoles {
			if r.Level() < minLevel {
				minLevel = r.Level()
			}
		}
		return userRole.Level() >= minLevel

	case VisibilityUserBased, VisibilityPrivate:
		if perm == nil {
			return false
		}
		for _, allowed := range perm.AllowedUsers {
			if allowed == userID {
				return true
			}
		}
		return false

	default:
		return false
	}
}

// RoomConfig carries per-room defaults for new members. MessageRateLimit
// is advisory metadata; nothing enforces it.
type RoomConfig struct {
	DefaultVisibility  Visibility `json:"defaultVisibility"`
	DefaultRole        Role       `json:"defaultRole"`
	MessageRateLimit   int        `json:"messageRateLimit"`
	MemberHistoryLimit int        `json:"memberHistoryLimit"`
	Persistent         bool       `json:"persistent"`
}

// DefaultConfig returns the room config preset.
func DefaultConfig() RoomConfig {
	return RoomConfig{
		DefaultVisibility:  VisibilityPublic,
		DefaultRole:        RoleMember,
		MessageRateLimit:   60,
		MemberHistoryLimit: -1,
		Persistent:         false,
	}
}
