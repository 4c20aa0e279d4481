// Package permissions implements the pure role and visibility model for
// rooms. It holds no state and performs no I/O.
package permissions

// Role is a member's authority level within a room.
type Role string

// Roles in increasing order of authority.
const (
	RoleGuest  Role = "guest"
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
)

var roleLevels = map[Role]int{
	RoleGuest:  0,
	RoleMember: 1,
	RoleAdmin:  2,
	RoleOwner:  3,
}

// Level returns the role's position in the hierarchy. Unknown roles sit
// below guest.
func (r Role) Level() int {
	if lvl, ok := roleLevels[r]; ok {
		return lvl
	}
	return -1
}

// AtLeast reports whether r has authority greater than or equal to other.
func (r Role) AtLeast(other Role) bool {
	return r.Level() >= other.Level()
}

// ParseRole maps a wire string to a Role.
func ParseRole(s string) (Role, bool) {
	r := Role(s)
	_, ok := roleLevels[r]
	return r, ok
}
