package models

// Role is the company-scoped role of the acting user. Roles are resolved by
// the auth layer before a request reaches the engine; the engine only gates
// which mutations a role may perform.
type Role string

const (
	RoleViewer     Role = "viewer"
	RoleMember     Role = "member"
	RoleForeman    Role = "foreman"
	RoleBookkeeper Role = "bookkeeper"
	RoleManager    Role = "manager"
	RoleAdmin      Role = "admin"
	RoleOwner      Role = "owner"
)

// rank orders roles from least to most privileged. Unknown roles rank below
// viewer so a garbage role can never pass a gate.
var rank = map[Role]int{
	RoleViewer:     1,
	RoleMember:     2,
	RoleForeman:    3,
	RoleBookkeeper: 4,
	RoleManager:    5,
	RoleAdmin:      6,
	RoleOwner:      7,
}

func (r Role) atLeast(min Role) bool {
	return rank[r] >= rank[min]
}

// IsValid reports whether the role is one of the known roles.
func (r Role) IsValid() bool {
	return rank[r] > 0
}

// CanCreateDelivery reports whether the role may record delivery events.
func (r Role) CanCreateDelivery() bool {
	return r.atLeast(RoleForeman)
}

// CanTransitionDelivery reports whether the role may move a delivery through
// its status lifecycle.
func (r Role) CanTransitionDelivery() bool {
	return r.atLeast(RoleForeman)
}

// CanArchiveDelivery reports whether the role may soft-delete a delivery.
func (r Role) CanArchiveDelivery() bool {
	return r.atLeast(RoleManager)
}

// CanOverrideLock reports whether the role may mutate a delivered (locked)
// delivery record.
func (r Role) CanOverrideLock() bool {
	return r.atLeast(RoleAdmin)
}
