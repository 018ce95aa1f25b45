// Package events defines the event records the engine emits and the
// in-memory receipt a successful mutating operation returns, the
// analogue of a transaction's emitted logs on a blockchain host.
package events

import (
	"github.com/MXWXZ/orgchart/internal/primitives"
)

// Kind identifies which of the four events a record carries.
type Kind int

const (
	KindRoleGranted Kind = iota
	KindRoleRevoked
	KindRoleAdded
	KindRoleRemoved
)

func (k Kind) String() string {
	switch k {
	case KindRoleGranted:
		return "RoleGranted"
	case KindRoleRevoked:
		return "RoleRevoked"
	case KindRoleAdded:
		return "RoleAdded"
	case KindRoleRemoved:
		return "RoleRemoved"
	default:
		return "Unknown"
	}
}

// RoleID is re-exported for convenience; engine packages all use the same
// [30]byte identifier.
type RoleID = [30]byte

// Event is one emitted record. Only the fields relevant to Kind are set;
// the rest are zero.
type Event struct {
	Kind        Kind
	User        primitives.Address // RoleGranted / RoleRevoked
	RoleID      RoleID             // all kinds
	SeniorFlags primitives.Word    // RoleAdded
	JuniorFlags primitives.Word    // RoleAdded
}

func RoleGranted(user primitives.Address, role RoleID) Event {
	return Event{Kind: KindRoleGranted, User: user, RoleID: role}
}

func RoleRevoked(user primitives.Address, role RoleID) Event {
	return Event{Kind: KindRoleRevoked, User: user, RoleID: role}
}

func RoleAdded(role RoleID, senior, junior primitives.Word) Event {
	return Event{Kind: KindRoleAdded, RoleID: role, SeniorFlags: senior, JuniorFlags: junior}
}

func RoleRemoved(role RoleID) Event {
	return Event{Kind: KindRoleRemoved, RoleID: role}
}

// Receipt is returned by every successful mutating operation: the events
// it emitted (almost always exactly one) plus the rule hash that
// authorized it, for audit logging.
type Receipt struct {
	Events   []Event
	RuleHash primitives.Hash
}

// Transcript accumulates receipts across a sequence of operations, the
// way a replay or simulation host collects a block's worth of logs.
type Transcript struct {
	Receipts []Receipt
}

func (t *Transcript) Append(r Receipt) {
	t.Receipts = append(t.Receipts, r)
}

func (t *Transcript) Events() []Event {
	var all []Event
	for _, r := range t.Receipts {
		all = append(all, r.Events...)
	}
	return all
}
