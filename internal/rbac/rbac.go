package rbac

import "strings"

type Role string
type Action string

const (
	RoleViewer Role = "viewer"
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

const (
	ActionRead  Action = "read"
	ActionWrite Action = "write"
	// ActionAdmin covers deletes and invitations.
	ActionAdmin Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleMember:
		return action == ActionRead || action == ActionWrite
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(role))) {
	case RoleViewer:
		return RoleViewer
	case RoleMember:
		return RoleMember
	case RoleAdmin:
		return RoleAdmin
	default:
		return RoleViewer
	}
}

// Valid reports whether role names one of the known roles exactly.
func Valid(role string) bool {
	switch Role(role) {
	case RoleViewer, RoleMember, RoleAdmin:
		return true
	default:
		return false
	}
}
