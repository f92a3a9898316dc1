package rbac

type Role string
type Action string

const (
	RoleObserver    Role = "observer"
	RoleMember      Role = "member"
	RoleFacilitator Role = "facilitator"
)

const (
	ActionView    Action = "view"
	ActionEdit    Action = "edit"
	ActionReorder Action = "reorder"
	ActionStart   Action = "start"
	ActionEnd     Action = "end"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleFacilitator:
		return true
	case RoleMember:
		return action == ActionView || action == ActionEdit || action == ActionReorder || action == ActionStart
	case RoleObserver:
		return action == ActionView
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleObserver, RoleMember, RoleFacilitator:
		return Role(role)
	default:
		return RoleObserver
	}
}
