package endpoint

import "fmt"

// Role is the side of the intermediary an endpoint simulates.
type Role uint8

const (
	// RoleDownstream is a simulated device (an OpenFlow switch) that the
	// intermediary controls.
	RoleDownstream Role = iota + 1

	// RoleUpstream is a simulated peer (an OpenFlow controller) that
	// drives the intermediary. It terminates one sub-session per
	// downstream device the intermediary connects on its behalf.
	RoleUpstream
)

// String returns the role name used in endpoint identities.
func (r Role) String() string {
	switch r {
	case RoleDownstream:
		return "downstream"
	case RoleUpstream:
		return "upstream"
	default:
		return fmt.Sprintf("Role(%d)", r)
	}
}

// Address names an endpoint or an upstream sub-session.
type Address struct {
	Role  Role
	Index int

	// Sub is the downstream index of the sub-session. Only meaningful
	// when HasSub is set.
	Sub    int
	HasSub bool
}

// Downstream addresses downstream device i.
func Downstream(i int) Address {
	return Address{Role: RoleDownstream, Index: i}
}

// Upstream addresses upstream peer i without choosing a sub-session.
func Upstream(i int) Address {
	return Address{Role: RoleUpstream, Index: i}
}

// Via selects the sub-session the upstream peer holds for downstream
// device sw.
func (a Address) Via(sw int) Address {
	a.Sub, a.HasSub = sw, true
	return a
}

// String renders the identity used in logs and diagnostics, for example
// "downstream[0]" or "upstream[1]/downstream[0]".
func (a Address) String() string {
	s := fmt.Sprintf("%s[%d]", a.Role, a.Index)
	if a.HasSub {
		s += fmt.Sprintf("/%s[%d]", RoleDownstream, a.Sub)
	}
	return s
}
