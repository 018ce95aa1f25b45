// Package registry holds the role DAG state: role-id to flag, flag to
// structure mask, flag to direct-junior mask, the active/free flag
// bitsets, the reverse-topological role index array, and the rule-hash to
// active-role-flags bindings. It holds no lock of its own — the owning
// Chart aggregate serializes all access under one mutex.
package registry

import (
	"github.com/MXWXZ/orgchart/internal/primitives"
)

// RoleID is the 30-byte role identifier.
type RoleID = [30]byte

// Word is a 256-bit bit-vector (role flag or mask).
type Word = primitives.Word

// Hash is a 32-byte rule hash.
type Hash = primitives.Hash

// Role is one active role's registry record.
type Role struct {
	ID               RoleID
	Flag             Word
	StructureMask    Word
	DirectJuniorMask Word
	AssignmentCount  uint32
}

// Registry is the mutable role DAG state. Construct it with New: the zero
// value has nil maps and an empty free pool, and is not usable.
type Registry struct {
	byID       map[RoleID]*Role
	byFlag     map[Word]*Role
	index      []Word // role_index[0..n), reverse-topological: juniors at lower indices
	active     Word
	free       Word
	ruleHashes map[Hash]Word // rule_hash -> OR of role flags this rule is valid for (AllOnes sentinel = admin rule)
}

// New returns an empty registry with every bit of free initially available.
func New() *Registry {
	return &Registry{
		byID:       make(map[RoleID]*Role),
		byFlag:     make(map[Word]*Role),
		ruleHashes: make(map[Hash]Word),
		free:       primitives.AllOnes(),
	}
}

// LookupFlag returns the flag for id, or (zero, false) if unknown.
func (r *Registry) LookupFlag(id RoleID) (Word, bool) {
	role, ok := r.byID[id]
	if !ok {
		return primitives.Zero(), false
	}
	return role.Flag, true
}

// RoleByFlag returns the role record owning flag.
func (r *Registry) RoleByFlag(flag Word) (*Role, bool) {
	role, ok := r.byFlag[flag]
	return role, ok
}

// LookupMask returns the structure mask for flag.
func (r *Registry) LookupMask(flag Word) (Word, bool) {
	role, ok := r.byFlag[flag]
	if !ok {
		return primitives.Zero(), false
	}
	return role.StructureMask, true
}

// LookupJuniorMask returns the direct_junior_mask for flag.
func (r *Registry) LookupJuniorMask(flag Word) (Word, bool) {
	role, ok := r.byFlag[flag]
	if !ok {
		return primitives.Zero(), false
	}
	return role.DirectJuniorMask, true
}

// ActiveFlags returns the OR of every active role's flag.
func (r *Registry) ActiveFlags() Word { return r.active }

// FreeFlags returns the bits available for a future AddRole.
func (r *Registry) FreeFlags() Word { return r.free }

// Index returns a copy of the reverse-topological role_index array, juniors first.
func (r *Registry) Index() []Word {
	out := make([]Word, len(r.index))
	copy(out, r.index)
	return out
}

// Roles iterates active roles in reverse-topological order (index 0 first).
func (r *Registry) Roles(f func(pos int, role *Role)) {
	for i, flag := range r.index {
		f(i, r.byFlag[flag])
	}
}

// AssignmentCount returns the current assignment_count for flag (0 if unknown).
func (r *Registry) AssignmentCount(flag Word) uint32 {
	role, ok := r.byFlag[flag]
	if !ok {
		return 0
	}
	return role.AssignmentCount
}

// IncrementAssignment bumps flag's assignment_count by one.
func (r *Registry) IncrementAssignment(flag Word) {
	if role, ok := r.byFlag[flag]; ok {
		role.AssignmentCount++
	}
}

// DecrementAssignment decrements flag's assignment_count by one, floored at 0.
func (r *Registry) DecrementAssignment(flag Word) {
	if role, ok := r.byFlag[flag]; ok && role.AssignmentCount > 0 {
		role.AssignmentCount--
	}
}

// BuildStructureMask computes the OR of the structure mask of every bit
// set in flags — the closure under inheritance used by both the oracle
// and add-role's cycle check.
func (r *Registry) BuildStructureMask(flags Word) Word {
	result := primitives.Zero()
	for _, pos := range primitives.BitPositions(flags) {
		bit := primitives.FlagForBit(pos)
		if role, ok := r.byFlag[bit]; ok {
			result = primitives.Or(result, role.StructureMask)
		}
	}
	return result
}

// RuleHashFlags returns the active-role-flags mask bound to hash.
func (r *Registry) RuleHashFlags(hash Hash) (Word, bool) {
	w, ok := r.ruleHashes[hash]
	return w, ok
}

// RuleHashes iterates every rule-hash binding, for snapshotting. Map
// iteration order is not guaranteed; callers needing a stable encoding
// must sort the results themselves.
func (r *Registry) RuleHashes(f func(hash Hash, mask Word)) {
	for hash, mask := range r.ruleHashes {
		f(hash, mask)
	}
}

// BindRuleHash ORs flag into hash's binding (or sets the admin sentinel).
func (r *Registry) BindRuleHash(hash Hash, flag Word) {
	r.ruleHashes[hash] = primitives.Or(r.ruleHashes[hash], flag)
}

// BindAdminRuleHash marks hash as an admin rule via the all-ones sentinel.
func (r *Registry) BindAdminRuleHash(hash Hash) {
	r.ruleHashes[hash] = primitives.AllOnes()
}

// unbindFlagFromRuleHashes clears flag's bit from every non-admin rule-hash
// binding, deleting any binding that becomes zero. Admin-rule sentinel
// entries (exactly AllOnes) are never touched by per-role cleanup — they
// are a global marker, not a per-role membership mask.
func (r *Registry) unbindFlagFromRuleHashes(flag Word) {
	allOnes := primitives.AllOnes()
	for hash, mask := range r.ruleHashes {
		if mask.Eq(&allOnes) {
			continue
		}
		cleared := primitives.And(mask, primitives.Not(flag))
		if primitives.IsZero(cleared) {
			delete(r.ruleHashes, hash)
		} else {
			r.ruleHashes[hash] = cleared
		}
	}
}

// LoadRole inserts a role whose fields are already fully computed (as
// read from a chart snapshot) without running the ancestor-update or
// cycle-check machinery InsertRole needs — construction trusts the
// snapshot's invariants rather than re-deriving them. Callers must load
// roles in reverse-topological order (juniors first) to keep the index
// valid.
func (r *Registry) LoadRole(id RoleID, flag, structureMask, directJuniorMask Word, assignmentCount uint32) {
	role := &Role{
		ID:               id,
		Flag:             flag,
		StructureMask:    structureMask,
		DirectJuniorMask: directJuniorMask,
		AssignmentCount:  assignmentCount,
	}
	r.byID[id] = role
	r.byFlag[flag] = role
	r.index = append(r.index, flag)
	r.active = primitives.Or(r.active, flag)
	r.free = primitives.And(r.free, primitives.Not(flag))
}

// LoadRuleHash installs a rule-hash binding verbatim from a snapshot.
func (r *Registry) LoadRuleHash(hash Hash, mask Word) {
	r.ruleHashes[hash] = mask
}

// SetFreeFlags overrides the free-flag pool, for loading a snapshot where
// previously-removed flags must stay excluded from both active and free
// so flag re-use prevention survives serialization.
func (r *Registry) SetFreeFlags(free Word) {
	r.free = free
}

// InsertRole implements the ancestor update, index insertion, and
// registration steps of add_role for a role already validated and
// cycle-checked by the caller. newStructureMask must already equal
// flag | OR{structure_mask(j): j in juniorFlags}.
//
// Index placement: inserting just before the earliest-listed direct
// parent keeps the index reverse-topological whenever every junior of the
// new role already sits below that parent. When the new role bridges two
// previously unrelated subgraphs whose existing order disagrees with the
// new edges (a junior listed above the earliest parent), no single
// insertion point can be correct and the index is re-sorted instead —
// RemoveRole's juniors-first mask rebuild depends on the full invariant,
// not just the common case.
func (r *Registry) InsertRole(id RoleID, flag, seniorFlags, juniorFlags, newStructureMask Word, ruleHashes []Hash) {
	firstParent := len(r.index) // default: append at the end if no parent found
	maxJunior := -1
	reachable := primitives.And(newStructureMask, primitives.Not(flag))
	for i, existingFlag := range r.index {
		existing := r.byFlag[existingFlag]
		if primitives.Overlaps(seniorFlags, existing.Flag) {
			existing.DirectJuniorMask = primitives.Or(existing.DirectJuniorMask, flag)
			if i < firstParent {
				firstParent = i
			}
		}
		if primitives.Overlaps(existing.StructureMask, seniorFlags) {
			existing.StructureMask = primitives.Or(existing.StructureMask, newStructureMask)
		}
		if primitives.Overlaps(reachable, existing.Flag) {
			maxJunior = i
		}
	}

	role := &Role{
		ID:               id,
		Flag:             flag,
		StructureMask:    newStructureMask,
		DirectJuniorMask: juniorFlags,
	}
	r.byID[id] = role
	r.byFlag[flag] = role
	for _, h := range ruleHashes {
		r.BindRuleHash(h, flag)
	}
	r.free = primitives.And(r.free, primitives.Not(flag))
	r.active = primitives.Or(r.active, flag)

	if maxJunior < firstParent {
		r.index = append(r.index, primitives.Zero())
		copy(r.index[firstParent+1:], r.index[firstParent:len(r.index)-1])
		r.index[firstParent] = flag
	} else {
		r.index = append(r.index, flag)
		r.resortIndex()
	}
}

// resortIndex rebuilds role_index as a stable reverse-topological order
// (Kahn's algorithm over direct_junior_mask): a role is placed once every
// active direct junior is placed, ties broken by previous index position.
func (r *Registry) resortIndex() {
	old := r.index
	out := make([]Word, 0, len(old))
	placed := primitives.Zero()
	for len(out) < len(old) {
		progressed := false
		for _, f := range old {
			if primitives.Overlaps(placed, f) {
				continue
			}
			pending := primitives.And(r.byFlag[f].DirectJuniorMask, r.active)
			if primitives.HasAll(placed, pending) {
				out = append(out, f)
				placed = primitives.Or(placed, f)
				progressed = true
			}
		}
		if !progressed {
			// Unreachable for a DAG; bail rather than spin if a caller
			// ever loads inconsistent state.
			return
		}
	}
	r.index = out
}

// RemoveRole unlinks flag from every ancestor, rebuilds their structure
// masks, and drops the role from the index and lookup maps. The caller
// has already checked existence and admin authorization.
func (r *Registry) RemoveRole(flag Word) {
	target, ok := r.byFlag[flag]
	if !ok {
		return
	}

	for _, existingFlag := range r.index {
		if existingFlag.Eq(&flag) {
			continue
		}
		existing := r.byFlag[existingFlag]
		if primitives.Overlaps(existing.DirectJuniorMask, flag) {
			existing.DirectJuniorMask = primitives.And(existing.DirectJuniorMask, primitives.Not(flag))
		}
		if primitives.Overlaps(existing.StructureMask, flag) {
			existing.StructureMask = primitives.Or(existing.Flag, r.BuildStructureMask(existing.DirectJuniorMask))
		}
	}

	pos := -1
	for i, f := range r.index {
		if f.Eq(&flag) {
			pos = i
			break
		}
	}
	if pos >= 0 {
		r.index = append(r.index[:pos], r.index[pos+1:]...)
	}

	delete(r.byID, target.ID)
	delete(r.byFlag, flag)
	r.unbindFlagFromRuleHashes(flag)
	r.active = primitives.And(r.active, primitives.Not(flag))
	// free is deliberately NOT updated: a retired bit may still be set in
	// some user's roles vector, and handing it to a new role would let
	// that user inherit the new role's authority unearned.
}
