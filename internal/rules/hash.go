package rules

import (
	"sort"

	"github.com/MXWXZ/orgchart/internal/primitives"
)

// Action identifies which class of operation a rule authorizes — part of
// the rule's hash preimage so a rule minted for one action can never be
// replayed against another. Add-role and remove-role share ActionAdmin:
// one registered admin rule governs both, distinguished at the signature
// layer by their different request type-hashes.
type Action int

const (
	ActionGrant Action = iota
	ActionRevoke
	ActionAdmin
)

// actionNames are the canonical hash-preimage names. Off-chain provers
// hash the same strings, so these are wire format, not display text.
var actionNames = map[Action]string{
	ActionGrant:  "grant",
	ActionRevoke: "revoke",
	ActionAdmin:  "admin",
}

func (a Action) String() string {
	if s, ok := actionNames[a]; ok {
		return s
	}
	return "unknown"
}

var ruleTypeDigest = primitives.Keccak256([]byte("Rule(bytes32 type,bool selfSigned,bytes32 ruleHash)"))

// sortedWords returns a copy of ws sorted ascending, the canonical atom
// order applied before hashing so that two rules differing only in atom
// order hash identically.
func sortedWords(ws []primitives.Word) []primitives.Word {
	out := make([]primitives.Word, len(ws))
	copy(out, ws)
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(&out[j]) < 0 })
	return out
}

// Hash computes a rule's canonical hash:
//  1. sort the encoded atoms ascending
//  2. keccak the concatenation of the sorted atoms into an atoms digest
//  3. keccak the action's type string into an action digest
//  4. ABI-encode {type digest, action digest, self_sign_required, atoms digest}
//  5. keccak that encoding
func Hash(action Action, selfSignRequired bool, atoms []primitives.Word) primitives.Hash {
	sorted := sortedWords(atoms)

	atomBytes := make([][]byte, len(sorted))
	for i, w := range sorted {
		b := w.Bytes32()
		atomBytes[i] = b[:]
	}
	atomsDigest := primitives.Keccak256(atomBytes...)

	actionDigest := primitives.Keccak256([]byte(actionNames[action]))

	encoded := primitives.EncodeWords(
		ruleTypeDigest.Bytes(),
		actionDigest.Bytes(),
		primitives.EncodeBool(selfSignRequired),
		atomsDigest.Bytes(),
	)
	return primitives.Keccak256(encoded)
}
