package types

// Role is the closed set of sender roles. Sender classification switches on
// this enum rather than comparing raw strings from the channel payload.
type Role string

const (
	RoleRegular       Role = "regular"
	RoleMedicalExpert Role = "medical_expert"
	RoleSchemeExpert  Role = "scheme_expert"
)

// ExpertRoles lists every expert category in routing-priority order.
func ExpertRoles() []Role {
	return []Role{RoleMedicalExpert, RoleSchemeExpert}
}

func (r Role) Valid() bool {
	switch r {
	case RoleRegular, RoleMedicalExpert, RoleSchemeExpert:
		return true
	}
	return false
}

func (r Role) IsExpert() bool {
	switch r {
	case RoleMedicalExpert, RoleSchemeExpert:
		return true
	}
	return false
}
