// Package oracle answers role-membership queries: given a user's
// held-flags bit-vector (already intersected with the active-role-flags
// mask by the caller — that intersection is user-management state the
// oracle doesn't own), answer has-role and strictly-has-role against a
// role registry.
package oracle

import (
	"github.com/MXWXZ/orgchart/internal/orgerr"
	"github.com/MXWXZ/orgchart/internal/primitives"
	"github.com/MXWXZ/orgchart/internal/registry"
)

// HasRole reports whether held confers roleID: a strict match is checked
// first, then the inheritance closure over held's set bits.
func HasRole(reg *registry.Registry, held registry.Word, roleID registry.RoleID) (bool, error) {
	required, ok := reg.LookupFlag(roleID)
	if !ok {
		return false, orgerr.New(orgerr.KindUnknownRole, "role_id not registered")
	}
	if primitives.HasAll(held, required) {
		return true, nil
	}
	if primitives.IsZero(held) {
		return false, nil
	}
	effective := reg.BuildStructureMask(held)
	return primitives.HasAll(effective, required), nil
}

// StrictlyHasRole reports whether held carries roleID's own flag bit —
// no inheritance closure.
func StrictlyHasRole(reg *registry.Registry, held registry.Word, roleID registry.RoleID) (bool, error) {
	required, ok := reg.LookupFlag(roleID)
	if !ok {
		return false, orgerr.New(orgerr.KindUnknownRole, "role_id not registered")
	}
	return primitives.HasAll(held, required), nil
}
