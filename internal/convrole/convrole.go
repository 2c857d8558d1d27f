package convrole

type Role string
type Action string

const (
	RoleOwner  Role = "owner"
	RoleViewer Role = "viewer"
)

const (
	ActionRead    Action = "read"
	ActionMessage Action = "message"
	ActionUnlock  Action = "unlock"
	ActionExport  Action = "export"
)

// Can reports whether a conversation participant with the given role may
// perform the action. The owner is the user who claimed the property; the
// viewer is the counterparty. Album unlocks are owner-only.
func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner:
		return true
	case RoleViewer:
		return action == ActionRead || action == ActionMessage || action == ActionExport
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleOwner, RoleViewer:
		return Role(role)
	default:
		return RoleViewer
	}
}

// Other returns the opposite participant role.
func Other(role Role) Role {
	if role == RoleOwner {
		return RoleViewer
	}
	return RoleOwner
}
