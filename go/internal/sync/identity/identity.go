package identity

// Role is a client's capability level within a session.
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleLocal    Role = "local"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleViewer, RoleOperator, RoleLocal:
		return true
	default:
		return false
	}
}

// CanBroadcast is the authorization gate for originating state broadcasts.
// Only the operator role may broadcast; viewer and local are read-only.
func (r Role) CanBroadcast() bool {
	return r == RoleOperator
}

// Identity is the minimal persisted tuple needed to resume a session after
// a restart. All three fields are present or the identity is worthless: a
// partial triple is never treated as valid.
type Identity struct {
	SessionID string `json:"sessionId"`
	ClientID  string `json:"clientId"`
	Role      Role   `json:"role"`
}

// Complete reports whether all three fields are present and the role is known.
func (id Identity) Complete() bool {
	return id.SessionID != "" && id.ClientID != "" && id.Role.Valid()
}
