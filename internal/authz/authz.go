package authz

import "fmt"

// Role is a fixed total order. The integer is never serialized; wire and
// storage always carry the name.
type Role int

const (
	RoleViewer Role = iota
	RoleOperator
	RoleAdmin
	RoleOwner
)

var roleNames = map[Role]string{
	RoleViewer:   "viewer",
	RoleOperator: "operator",
	RoleAdmin:    "admin",
	RoleOwner:    "owner",
}

var rolesByName = map[string]Role{
	"viewer":   RoleViewer,
	"operator": RoleOperator,
	"admin":    RoleAdmin,
	"owner":    RoleOwner,
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// ParseRole maps a role name to its Role. Unknown names fail.
func ParseRole(name string) (Role, error) {
	r, ok := rolesByName[name]
	if !ok {
		return RoleViewer, fmt.Errorf("unknown role %q", name)
	}
	return r, nil
}

// AtLeast reports whether r ranks at or above min in the role order.
func (r Role) AtLeast(min Role) bool { return r >= min }

// Action is something a principal may attempt against a session or the
// server surface.
type Action int

const (
	ActionView Action = iota
	ActionSendKeys
	ActionClaim
	ActionPreempt
	ActionForceRelease
	ActionCreateSession
	ActionKillSession
	ActionManageInvites
	ActionReadAudit
)

var minRoleFor = map[Action]Role{
	ActionView:          RoleViewer,
	ActionSendKeys:      RoleOperator,
	ActionClaim:         RoleOperator,
	ActionPreempt:       RoleAdmin,
	ActionForceRelease:  RoleAdmin,
	ActionCreateSession: RoleOperator,
	ActionKillSession:   RoleAdmin,
	ActionManageInvites: RoleAdmin,
	ActionReadAudit:     RoleAdmin,
}

// Allows is the single authority predicate: (role, action) -> allowed.
func Allows(r Role, a Action) bool {
	min, ok := minRoleFor[a]
	if !ok {
		return false
	}
	return r.AtLeast(min)
}
