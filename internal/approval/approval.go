// Package approval implements signed-approval verification: base-block
// freshness, signer recovery under strict ascending order, self-sign
// detection, rule-hash lookup against the registry, self-sign
// consistency, and delegation to fulfillment.
package approval

import (
	"bytes"

	"github.com/MXWXZ/orgchart/internal/fulfillment"
	"github.com/MXWXZ/orgchart/internal/orgerr"
	"github.com/MXWXZ/orgchart/internal/primitives"
	"github.com/MXWXZ/orgchart/internal/registry"
	"github.com/MXWXZ/orgchart/internal/rules"
)

// maxNumSigners caps how many signatures one approval may carry.
const maxNumSigners = 100

var (
	userMgtTypeHash    = primitives.Keccak256([]byte("USER_MGT_REQ(address nominee,bytes32 action,bytes32 role,bytes32 baseBlockHash)"))
	addRoleTypeHash    = primitives.Keccak256([]byte("ADD_ROLE_REQ(bytes32 roleId,bytes32 roleFlag,bytes32 seniorFlags,bytes32 juniorFlags,bytes32 hashOfRuleHashes,bytes32 baseBlockHash)"))
	removeRoleTypeHash = primitives.Keccak256([]byte("REMOVE_ROLE_REQ(bytes32 roleId,bytes32 baseBlockHash)"))
	grantActionHash    = primitives.Keccak256([]byte("grant"))
	revokeActionHash   = primitives.Keccak256([]byte("revoke"))
)

// UserMgtRequestHash computes the inner hash a grant or revoke request
// is signed over.
func UserMgtRequestHash(nominee primitives.Address, grant bool, roleID primitives.RoleID, baseBlockHash primitives.Hash) primitives.Hash {
	action := revokeActionHash
	if grant {
		action = grantActionHash
	}
	roleWire := primitives.RoleIDToBytes32(roleID)
	return primitives.Keccak256(primitives.EncodeWords(
		userMgtTypeHash.Bytes(),
		nominee.Bytes(),
		action.Bytes(),
		roleWire[:],
		baseBlockHash.Bytes(),
	))
}

// AddRoleRequestHash computes the inner hash an add-role request is
// signed over. The rule-hash list is folded into a single
// keccak(ABI-encode(rule_hashes[])) digest here so callers never have to
// hand-roll the concatenation.
func AddRoleRequestHash(roleID primitives.RoleID, roleFlag, seniorFlags, juniorFlags primitives.Word, ruleHashes []primitives.Hash, baseBlockHash primitives.Hash) primitives.Hash {
	roleWire := primitives.RoleIDToBytes32(roleID)
	flagBytes := roleFlag.Bytes32()
	seniorBytes := seniorFlags.Bytes32()
	juniorBytes := juniorFlags.Bytes32()

	concat := make([]byte, 0, 32*len(ruleHashes))
	for _, h := range ruleHashes {
		concat = append(concat, h.Bytes()...)
	}
	hashOfRuleHashes := primitives.Keccak256(concat)

	return primitives.Keccak256(primitives.EncodeWords(
		addRoleTypeHash.Bytes(),
		roleWire[:],
		flagBytes[:],
		seniorBytes[:],
		juniorBytes[:],
		hashOfRuleHashes.Bytes(),
		baseBlockHash.Bytes(),
	))
}

// RemoveRoleRequestHash computes the inner hash a remove-role request is
// signed over.
func RemoveRoleRequestHash(roleID primitives.RoleID, baseBlockHash primitives.Hash) primitives.Hash {
	roleWire := primitives.RoleIDToBytes32(roleID)
	return primitives.Keccak256(primitives.EncodeWords(
		removeRoleTypeHash.Bytes(),
		roleWire[:],
		baseBlockHash.Bytes(),
	))
}

// Chain is the host-supplied view of recent block state an approval is
// checked against — the standalone-service analogue of a blockchain's
// own recent-block-hash oracle.
type Chain interface {
	// BaseBlockFresh reports whether hash names a block within the
	// current look-back window.
	BaseBlockFresh(hash primitives.Hash) bool
	// DomainSeparator returns the engine's EIP-712-style domain
	// separator, computed once at construction.
	DomainSeparator() primitives.Hash
}

// Request bundles everything Verify needs beyond the registry and chain:
// the approval bundle itself plus the action-specific pieces (request
// inner hash, nominee, target role flag) the caller already knows how to
// compute from its own request type.
type Request struct {
	Signatures       [][]byte
	Atoms            []primitives.Word
	Assignment       []int
	SelfSignRequired bool
	BaseBlockHash    primitives.Hash

	Action rules.Action

	// Nominee is the zero address for admin actions — no signer can
	// ever equal it, so self-sign detection is always false.
	Nominee primitives.Address
	// RequestInner is the per-action inner hash from one of the
	// *RequestHash helpers above.
	RequestInner primitives.Hash
	// TargetFlag is the role flag the rule must authorize for
	// user-management actions; ignored for admin actions, which must
	// instead be bound to the all-bits-set admin sentinel.
	TargetFlag primitives.Word
	IsAdmin    bool

	// Held resolves a signer's currently-held role flags (already
	// intersected with active_role_flags by the caller — registry.Registry
	// has no concept of user_roles, that's chart's responsibility).
	Held func(signer primitives.Address) primitives.Word
}

// Result is what a successful Verify returns: every recovered signer in
// ascending order, the nominee's self-sign included (for audit/logging),
// and the rule hash the approval fulfilled.
type Result struct {
	Signers  []primitives.Address
	RuleHash primitives.Hash
}

// Verify runs the full verification pipeline in order, fail-fast:
// freshness, size bound, recovery with ordering, self-sign detection,
// rule-hash lookup, self-sign consistency, fulfillment.
func Verify(reg *registry.Registry, chain Chain, req Request) (*Result, error) {
	if !chain.BaseBlockFresh(req.BaseBlockHash) {
		return nil, orgerr.New(orgerr.KindStaleBaseBlock, "base_block_hash is outside the freshness window")
	}

	if len(req.Signatures) > maxNumSigners {
		return nil, orgerr.New(orgerr.KindTooManySigners, "approval carries more than MAX_NUM_SIGNERS signatures")
	}

	wrapped := primitives.Eip191Wrap(chain.DomainSeparator(), req.RequestInner)
	target := primitives.EthSignedMessageHash(wrapped)

	signers := make([]primitives.Address, len(req.Signatures))
	last := primitives.Address{}
	for i, sig := range req.Signatures {
		signer, err := primitives.Recover(target, sig)
		if err != nil {
			return nil, orgerr.Newf(orgerr.KindUnorderedSigners, "signature %d did not recover: %v", i, err)
		}
		if i > 0 && bytes.Compare(signer.Bytes(), last.Bytes()) <= 0 {
			return nil, orgerr.New(orgerr.KindUnorderedSigners, "signers must be strictly ascending")
		}
		signers[i] = signer
		last = signer
	}

	selfSigned := false
	if req.Nominee != (primitives.Address{}) {
		for _, s := range signers {
			if s == req.Nominee {
				selfSigned = true
				break
			}
		}
	}

	ruleHash := rules.Hash(req.Action, req.SelfSignRequired, req.Atoms)
	bound, ok := reg.RuleHashFlags(ruleHash)
	if req.IsAdmin {
		if !ok || !primitives.Eq(bound, primitives.AllOnes()) {
			return nil, orgerr.New(orgerr.KindInvalidAdminRule, "rule is not bound as an admin rule")
		}
	} else {
		if !ok || !primitives.HasAll(bound, req.TargetFlag) {
			return nil, orgerr.New(orgerr.KindInvalidRule, "rule is not bound to the target role")
		}
	}

	if selfSigned != req.SelfSignRequired {
		if req.SelfSignRequired {
			return nil, orgerr.New(orgerr.KindMissingSelfSign, "rule requires the nominee's own signature")
		}
		return nil, orgerr.New(orgerr.KindUnexpectedSelfSign, "nominee signed a rule that forbids self-sign")
	}

	if err := fulfillment.Check(reg, req.Held, req.Nominee, signers, req.Atoms, req.Assignment); err != nil {
		return nil, err
	}

	return &Result{Signers: signers, RuleHash: ruleHash}, nil
}
