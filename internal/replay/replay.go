// Package replay implements a deterministic replay harness: given a
// snapshot and a recorded sequence of operation calls (the analogue of a
// blockchain's transaction log), it rebuilds a Chart from the snapshot,
// applies every call in order, and lets the caller compare the resulting
// state hash against an expected value. This is test/audit tooling, not
// a persistence layer — it never stores anything beyond what chart.Snapshot
// already carries, so it does not reintroduce textual rule bodies on-chain.
package replay

import (
	"encoding/json"
	"fmt"

	"github.com/MXWXZ/orgchart/chart"
	"github.com/MXWXZ/orgchart/internal/events"
	"github.com/MXWXZ/orgchart/internal/primitives"
)

// OpKind names one of the six recordable operation calls.
type OpKind string

const (
	OpAdvanceBlock  OpKind = "advance_block"
	OpGrantRole     OpKind = "grant_role"
	OpRevokeRole    OpKind = "revoke_role"
	OpAddRole       OpKind = "add_role"
	OpRemoveRole    OpKind = "remove_role"
	OpHasRoleAssert OpKind = "has_role_assert"
)

// Op is one entry in a replay transcript. Only the fields relevant to
// Kind are set.
type Op struct {
	Kind      OpKind
	BlockHash primitives.Hash
	Nominee   primitives.Address
	RoleID    primitives.RoleID
	Approval  chart.Approval
	RoleDef   chart.RoleDef

	// Want, for OpHasRoleAssert, is the expected has_role result.
	Want bool
}

// Result is what Run returns: the rebuilt chart, every receipt emitted
// along the way, and the index of the first operation that failed (-1
// if every operation succeeded).
type Result struct {
	Chart      *chart.Chart
	Transcript events.Transcript
	FailedAt   int
}

// Run rebuilds a dynamic chart from snap and applies ops in order,
// stopping at the first error — replay is meant to reproduce a prior
// run exactly, so a divergence is reported rather than skipped over.
func Run(snap chart.Snapshot, ops []Op) (*Result, error) {
	c, err := chart.NewDynamic(snap)
	if err != nil {
		return nil, fmt.Errorf("replay: constructing chart: %w", err)
	}

	res := &Result{Chart: c, FailedAt: -1}
	for i, op := range ops {
		switch op.Kind {
		case OpAdvanceBlock:
			c.Advance(op.BlockHash)

		case OpGrantRole:
			r, err := c.GrantRole(op.Approval, op.Nominee, op.RoleID)
			if err != nil {
				res.FailedAt = i
				return res, fmt.Errorf("replay: op %d (%s): %w", i, op.Kind, err)
			}
			res.Transcript.Append(r)

		case OpRevokeRole:
			r, err := c.RevokeRole(op.Approval, op.Nominee, op.RoleID)
			if err != nil {
				res.FailedAt = i
				return res, fmt.Errorf("replay: op %d (%s): %w", i, op.Kind, err)
			}
			res.Transcript.Append(r)

		case OpAddRole:
			r, err := c.AddRole(op.Approval, op.RoleDef)
			if err != nil {
				res.FailedAt = i
				return res, fmt.Errorf("replay: op %d (%s): %w", i, op.Kind, err)
			}
			res.Transcript.Append(r)

		case OpRemoveRole:
			r, err := c.RemoveRole(op.Approval, op.RoleID)
			if err != nil {
				res.FailedAt = i
				return res, fmt.Errorf("replay: op %d (%s): %w", i, op.Kind, err)
			}
			res.Transcript.Append(r)

		case OpHasRoleAssert:
			got, err := c.HasRole(op.Nominee, op.RoleID)
			if err != nil {
				res.FailedAt = i
				return res, fmt.Errorf("replay: op %d (%s): %w", i, op.Kind, err)
			}
			if got != op.Want {
				res.FailedAt = i
				return res, fmt.Errorf("replay: op %d (%s): has_role = %v, want %v", i, op.Kind, got, op.Want)
			}

		default:
			res.FailedAt = i
			return res, fmt.Errorf("replay: op %d: unknown kind %q", i, op.Kind)
		}
	}
	return res, nil
}

// StateHash canonically serializes snap (the same JSON shape
// chart.Chart.ToJSON emits) and returns its keccak-256 digest — the
// single value a replay host compares against a previously recorded one
// to confirm the two runs produced identical state.
func StateHash(snap chart.Snapshot) (primitives.Hash, error) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return primitives.Hash{}, fmt.Errorf("replay: marshaling snapshot: %w", err)
	}
	return primitives.Keccak256(raw), nil
}

// VerifyStateHash runs ops against snap and checks that the resulting
// chart's state hash equals want.
func VerifyStateHash(snap chart.Snapshot, ops []Op, want primitives.Hash) (bool, error) {
	res, err := Run(snap, ops)
	if err != nil {
		return false, err
	}
	got, err := StateHash(res.Chart.Snapshot())
	if err != nil {
		return false, err
	}
	return got == want, nil
}
