// Package authz holds the capability checks invoked at the start of every
// mutating operation. The caller's identity and role are resolved by the
// session middleware; nothing in here reads ambient state.
package authz

import "github.com/addspin/subca/apperr"

// Role is the permission set resolved for a caller by the external
// identity provider.
type Role string

const (
	RoleAdmin    Role = "ADMIN"
	RoleOperator Role = "OPERATOR"
	RoleViewer   Role = "VIEWER"
)

// Capability names one guarded operation.
type Capability string

const (
	CapIssueCert   Capability = "cert:issue"
	CapRevokeCert  Capability = "cert:revoke"
	CapGenerateCRL Capability = "crl:generate"
	CapManageCA    Capability = "ca:manage"
	CapDeleteCA    Capability = "ca:delete"
	CapViewAudit   Capability = "audit:view"
)

// Identity is the resolved caller passed into every core operation.
type Identity struct {
	UserID string
	Role   Role
}

// System is the identity used by background loops (CRL refresh, expiry
// sweeps) that run without a session.
var System = Identity{UserID: "system", Role: RoleAdmin}

var rank = map[Role]int{
	RoleViewer:   1,
	RoleOperator: 2,
	RoleAdmin:    3,
}

var required = map[Capability]Role{
	CapIssueCert:   RoleOperator,
	CapRevokeCert:  RoleOperator,
	CapGenerateCRL: RoleOperator,
	CapManageCA:    RoleAdmin,
	CapDeleteCA:    RoleAdmin,
	CapViewAudit:   RoleViewer,
}

// Require rejects the operation unless id holds the capability.
func Require(id Identity, cap Capability) error {
	need, ok := required[cap]
	if !ok {
		return apperr.Authorization("unknown capability %q", cap)
	}
	if rank[id.Role] < rank[need] {
		return apperr.Authorization("role %s lacks capability %s", id.Role, cap)
	}
	return nil
}
