// Package policy evaluates tool paths against workspace access rules.
//
// Decide is a pure function over a snapshot of policies: no I/O, fully
// deterministic. GraphQL tools additionally expand into per-field effective
// paths which are evaluated independently and combined worst-wins.
package policy

// Decision is the outcome of a policy evaluation.
type Decision string

const (
	Allow           Decision = "allow"
	RequireApproval Decision = "require_approval"
	Deny            Decision = "deny"
)

// IsValid returns true for a known decision.
func (d Decision) IsValid() bool {
	switch d {
	case Allow, RequireApproval, Deny:
		return true
	default:
		return false
	}
}

// severity orders decisions for worst-wins combination.
func (d Decision) severity() int {
	switch d {
	case Deny:
		return 2
	case RequireApproval:
		return 1
	default:
		return 0
	}
}

// Worst returns the more severe of two decisions (deny > require_approval >
// allow).
func Worst(a, b Decision) Decision {
	if b.severity() > a.severity() {
		return b
	}
	return a
}

// String returns the string representation of the decision.
func (d Decision) String() string {
	return string(d)
}
