package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleOwner           = "owner"            // account admin: everything, including warning resets
	RoleAgent           = "agent"            // works the missed-call inbox and places calls
	RoleAnalyst         = "analyst"          // read-only dashboards and reports
	RoleSuperAdmin      = "super_admin"      // platform staff
	RoleNetworkOperator = "network_operator" // hidden role
)

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

func IsHiddenRole(role string) bool { return role == RoleNetworkOperator }

// Operators may act on calls: place them, call back, message, mark handled.
var Operators = []string{RoleOwner, RoleAgent, RoleSuperAdmin}

// Viewers may read call, quality and report data.
var Viewers = []string{RoleOwner, RoleAgent, RoleAnalyst, RoleSuperAdmin}
