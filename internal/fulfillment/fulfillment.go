// Package fulfillment checks a rule against an approval's signers: given
// the signers already recovered and ordered, and the rule's atoms, count
// which atoms are satisfied and by how much, and compare against each
// atom's required quantity.
package fulfillment

import (
	"math/big"

	"github.com/MXWXZ/orgchart/internal/oracle"
	"github.com/MXWXZ/orgchart/internal/orgerr"
	"github.com/MXWXZ/orgchart/internal/primitives"
	"github.com/MXWXZ/orgchart/internal/registry"
	"github.com/MXWXZ/orgchart/internal/rules"
)

// maxNumSigners caps how many signatures one approval may carry, and is
// also the ceiling a relative atom's resolved requirement is clamped to.
const maxNumSigners = 100

// sentinelAssignment marks a signer as the nominee's self-sign — valid
// only for the actual nominee, checked by the caller before Check runs.
func sentinelAssignment(numAtoms int) int { return numAtoms }

// Check verifies that the caller-supplied assignment of signers to atoms
// satisfies every atom's quantity. signers and assignment are parallel
// arrays; nominee is the zero address for admin actions (no signer ever
// equals it, so no self-sign skip occurs).
func Check(reg *registry.Registry, held func(signer primitives.Address) primitives.Word, nominee primitives.Address, signers []primitives.Address, atoms []primitives.Word, assignment []int) error {
	if len(assignment) != len(signers) {
		return orgerr.New(orgerr.KindInvalidAssignment, "assignment array is not parallel to the signer array")
	}
	counts := make([]int, len(atoms))
	sentinel := sentinelAssignment(len(atoms))

	for i, signer := range signers {
		if signer == nominee {
			continue
		}
		idx := assignment[i]
		if idx < 0 || idx >= len(atoms) {
			if idx == sentinel {
				return orgerr.New(orgerr.KindInvalidAssignment, "non-nominee signer used the self-sign sentinel assignment")
			}
			return orgerr.New(orgerr.KindInvalidAssignment, "assignment index out of range")
		}
		a := rules.Decode(atoms[idx])

		signerFlags := held(signer)
		var ok bool
		var err error
		if a.Strict {
			ok, err = oracle.StrictlyHasRole(reg, signerFlags, a.RoleID)
		} else {
			ok, err = oracle.HasRole(reg, signerFlags, a.RoleID)
		}
		if err != nil {
			return err
		}
		if !ok {
			return orgerr.New(orgerr.KindPermissionDenied, "signer does not hold the role required by its assigned atom")
		}
		counts[idx]++
	}

	for idx, encoded := range atoms {
		a := rules.Decode(encoded)
		required := int(a.Quantity)
		if a.Relative {
			flag, ok := reg.LookupFlag(a.RoleID)
			if !ok {
				return orgerr.New(orgerr.KindUnknownRole, "relative atom references an unregistered role_id")
			}
			base := reg.AssignmentCount(flag)
			required = ceilPercent(base, a.Quantity)
			if required < 1 {
				required = 1
			}
			if required > maxNumSigners {
				required = maxNumSigners
			}
		}
		if counts[idx] < required {
			return orgerr.New(orgerr.KindNotEnoughSigners, "rule atom did not receive enough qualifying signatures")
		}
	}
	return nil
}

// ceilPercent returns ceil(base * pct / 100) using big.Int to avoid any
// overflow from base*pct on wide assignment counts.
func ceilPercent(base uint32, pct uint8) int {
	num := new(big.Int).Mul(big.NewInt(int64(base)), big.NewInt(int64(pct)))
	den := big.NewInt(100)
	q, r := new(big.Int).QuoRem(num, den, new(big.Int))
	if r.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return int(q.Int64())
}
