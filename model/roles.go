package model

import "time"

// Role identifies one access tier of the system.
type Role string

const (
	RoleSuperAdmin        Role = "super_admin"
	RoleAdmin             Role = "admin"
	RoleCompanyUser       Role = "company_user"
	RoleConsumer          Role = "consumer"
	RoleAuthorizedService Role = "authorized_service"
)

// ValidRoles is the set of roles that may appear in a grant record.
var ValidRoles = map[Role]bool{
	RoleSuperAdmin:        true,
	RoleAdmin:             true,
	RoleCompanyUser:       true,
	RoleConsumer:          true,
	RoleAuthorizedService: true,
}

// RoleGrant records one role held by one account.
type RoleGrant struct {
	ObjectType string    `json:"objectType"` // "RoleGrant"
	Account    string    `json:"account"`
	Role       Role      `json:"role"`
	GrantedBy  string    `json:"grantedBy"`
	GrantedAt  time.Time `json:"grantedAt"`
}
