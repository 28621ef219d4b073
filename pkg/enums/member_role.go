package enums

import "slices"

// MemberRole represents an organization-level permissions role.
type MemberRole string

const (
	MemberRoleOwner  MemberRole = "owner"
	MemberRoleAdmin  MemberRole = "admin"
	MemberRoleMember MemberRole = "member"
)

var validMemberRoles = []MemberRole{
	MemberRoleOwner,
	MemberRoleAdmin,
	MemberRoleMember,
}

func (m MemberRole) String() string { return string(m) }

func (m MemberRole) IsValid() bool { return slices.Contains(validMemberRoles, m) }

func ParseMemberRole(value string) (MemberRole, error) { return parse(validMemberRoles, "member role", value) }

// CanManageBilling reports whether the role may change billing state.
func (m MemberRole) CanManageBilling() bool {
	return m == MemberRoleOwner || m == MemberRoleAdmin
}
