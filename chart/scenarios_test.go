package chart

import (
	"bytes"
	"crypto/ecdsa"
	"sort"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MXWXZ/orgchart/internal/approval"
	"github.com/MXWXZ/orgchart/internal/orgerr"
	"github.com/MXWXZ/orgchart/internal/primitives"
	"github.com/MXWXZ/orgchart/internal/rules"
)

// roleSpec declares one role for buildOrg. Juniors must be listed before
// the roles that name them, matching the snapshot's juniors-first order.
type roleSpec struct {
	name    string
	bit     uint
	juniors []string
}

type userSpec struct {
	addr  primitives.Address
	roles []string
}

// buildOrg assembles a dynamic chart from role and user declarations,
// computing structure and junior masks the same way a recorded snapshot
// would carry them, and advances one block so approvals have a fresh base.
func buildOrg(t *testing.T, roleSpecs []roleSpec, users []userSpec, bind func(flags map[string]primitives.Word) []RuleBinding) (*Chart, map[string]primitives.Word, primitives.Hash) {
	t.Helper()

	flags := make(map[string]primitives.Word, len(roleSpecs))
	structMasks := make(map[string]primitives.Word, len(roleSpecs))
	juniorMasks := make(map[string]primitives.Word, len(roleSpecs))
	allFlags := primitives.Zero()
	for _, rs := range roleSpecs {
		flag := primitives.FlagForBit(rs.bit)
		flags[rs.name] = flag
		sm := flag
		jm := primitives.Zero()
		for _, j := range rs.juniors {
			jf, ok := flags[j]
			require.True(t, ok, "role %q must be declared after its junior %q", rs.name, j)
			jm = primitives.Or(jm, jf)
			sm = primitives.Or(sm, structMasks[j])
		}
		structMasks[rs.name] = sm
		juniorMasks[rs.name] = jm
		allFlags = primitives.Or(allFlags, flag)
	}

	counts := make(map[string]uint32, len(roleSpecs))
	var userRecs []UserAssignment
	for _, u := range users {
		held := primitives.Zero()
		for _, rn := range u.roles {
			rf, ok := flags[rn]
			require.True(t, ok, "user references undeclared role %q", rn)
			held = primitives.Or(held, rf)
			counts[rn]++
		}
		userRecs = append(userRecs, UserAssignment{User: u.addr, Flags: wordToString(held)})
	}

	var records []RoleRecord
	for _, rs := range roleSpecs {
		records = append(records, RoleRecord{
			RoleID:           primitives.RoleIDToBytes32(testRoleID(rs.name)),
			Flag:             wordToString(flags[rs.name]),
			StructureMask:    wordToString(structMasks[rs.name]),
			DirectJuniorMask: wordToString(juniorMasks[rs.name]),
			AssignmentCount:  counts[rs.name],
		})
	}

	var bindings []RuleBinding
	if bind != nil {
		bindings = bind(flags)
	}

	snap := Snapshot{
		Roles:       records,
		RuleHashes:  bindings,
		Users:       userRecs,
		FreeFlags:   wordToString(primitives.And(primitives.AllOnes(), primitives.Not(allFlags))),
		ChainID:     1,
		ThisAddress: primitives.Address{19: 0xAB},
		Salt:        primitives.Keccak256([]byte("scenario-salt")),
	}
	c, err := NewDynamic(snap)
	require.NoError(t, err)

	base := primitives.Keccak256([]byte("scenario-block"))
	c.Advance(base)
	return c, flags, base
}

func genKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key
}

// signerAssign pairs a signing key with the atom index that signer is
// assigned to (len(atoms) is the self-sign sentinel).
type signerAssign struct {
	key        *ecdsa.PrivateKey
	assignment int
}

// signedApproval signs inner for every listed signer and assembles the
// approval with signatures in ascending signer-address order (descending
// when reversed is set, to exercise the ordering check).
func signedApproval(t *testing.T, c *Chart, inner, base primitives.Hash, atoms []primitives.Word, selfSign bool, signers []signerAssign, reversed bool) Approval {
	t.Helper()

	target := primitives.EthSignedMessageHash(primitives.Eip191Wrap(c.DomainSeparator(), inner))
	ordered := make([]signerAssign, len(signers))
	copy(ordered, signers)
	sort.Slice(ordered, func(i, j int) bool {
		ai := primitives.AddressFromKey(ordered[i].key)
		aj := primitives.AddressFromKey(ordered[j].key)
		less := bytes.Compare(ai.Bytes(), aj.Bytes()) < 0
		if reversed {
			return !less
		}
		return less
	})

	a := Approval{Atoms: atoms, SelfSignRequired: selfSign, BaseBlockHash: base}
	for _, s := range ordered {
		sig, err := primitives.Sign(target, s.key)
		require.NoError(t, err)
		a.Signatures = append(a.Signatures, sig)
		a.Assignment = append(a.Assignment, s.assignment)
	}
	return a
}

func assertKind(t *testing.T, err error, want orgerr.Kind) {
	t.Helper()
	require.Error(t, err)
	kind, ok := orgerr.KindOf(err)
	require.True(t, ok, "error is not an orgerr: %v", err)
	assert.Equal(t, want, kind)
}

// Granting a mid-level role confers every junior role through inheritance
// but none of them strictly, and nothing upward.
func TestInheritanceAfterGrant(t *testing.T) {
	granterKey := genKey(t)
	granter := primitives.AddressFromKey(granterKey)
	alice := primitives.Address{19: 0xA1}

	atomGranter := rules.MustEncode(rules.Atom{RoleID: testRoleID("granter"), Quantity: 1, Strict: true})
	grantA := rules.Hash(rules.ActionGrant, false, []primitives.Word{atomGranter})

	c, _, base := buildOrg(t,
		[]roleSpec{
			{name: "AA", bit: 0},
			{name: "AB", bit: 1},
			{name: "A", bit: 2, juniors: []string{"AA", "AB"}},
			{name: "root", bit: 3, juniors: []string{"A"}},
			{name: "granter", bit: 4},
		},
		[]userSpec{{addr: granter, roles: []string{"granter"}}},
		func(flags map[string]primitives.Word) []RuleBinding {
			return []RuleBinding{{RuleHash: grantA, Mask: wordToString(flags["A"])}}
		},
	)

	inner := approval.UserMgtRequestHash(alice, true, testRoleID("A"), base)
	a := signedApproval(t, c, inner, base, []primitives.Word{atomGranter}, false, []signerAssign{{granterKey, 0}}, false)
	_, err := c.GrantRole(a, alice, testRoleID("A"))
	require.NoError(t, err)

	for _, junior := range []string{"AA", "AB"} {
		has, err := c.HasRole(alice, testRoleID(junior))
		require.NoError(t, err)
		assert.True(t, has, "holding A must confer %s", junior)
		strict, err := c.StrictlyHasRole(alice, testRoleID(junior))
		require.NoError(t, err)
		assert.False(t, strict, "%s is inherited, not directly assigned", junior)
	}

	has, err := c.HasRole(alice, testRoleID("root"))
	require.NoError(t, err)
	assert.False(t, has, "inheritance never flows upward")
}

// A two-of-role quorum rule with a required self-sign: both legs must be
// present, extra qualifying signers are harmless.
func TestQuorumRuleWithSelfSign(t *testing.T) {
	dsoKeys := []*ecdsa.PrivateKey{genKey(t), genKey(t), genKey(t)}
	nomineeKey := genKey(t)
	nominee := primitives.AddressFromKey(nomineeKey)

	atomDSO := rules.MustEncode(rules.Atom{RoleID: testRoleID("DSO"), Quantity: 2})
	grantDSO := rules.Hash(rules.ActionGrant, true, []primitives.Word{atomDSO})

	var users []userSpec
	for _, k := range dsoKeys {
		users = append(users, userSpec{addr: primitives.AddressFromKey(k), roles: []string{"DSO"}})
	}

	c, _, base := buildOrg(t,
		[]roleSpec{{name: "DSO", bit: 0}},
		users,
		func(flags map[string]primitives.Word) []RuleBinding {
			return []RuleBinding{{RuleHash: grantDSO, Mask: wordToString(flags["DSO"])}}
		},
	)

	atoms := []primitives.Word{atomDSO}
	inner := approval.UserMgtRequestHash(nominee, true, testRoleID("DSO"), base)
	selfSign := signerAssign{nomineeKey, len(atoms)}

	// One DSO signature is below the quorum even with the self-sign present.
	a := signedApproval(t, c, inner, base, atoms, true, []signerAssign{{dsoKeys[0], 0}, selfSign}, false)
	_, err := c.GrantRole(a, nominee, testRoleID("DSO"))
	assertKind(t, err, orgerr.KindNotEnoughSigners)

	// Quorum met but the nominee never signed.
	a = signedApproval(t, c, inner, base, atoms, true, []signerAssign{{dsoKeys[0], 0}, {dsoKeys[1], 0}}, false)
	_, err = c.GrantRole(a, nominee, testRoleID("DSO"))
	assertKind(t, err, orgerr.KindMissingSelfSign)

	// Quorum plus self-sign succeeds.
	a = signedApproval(t, c, inner, base, atoms, true, []signerAssign{{dsoKeys[0], 0}, {dsoKeys[1], 0}, selfSign}, false)
	_, err = c.GrantRole(a, nominee, testRoleID("DSO"))
	require.NoError(t, err)

	// A third qualifying signer beyond the quorum does no harm.
	a = signedApproval(t, c, inner, base, atoms, true, []signerAssign{{dsoKeys[0], 0}, {dsoKeys[1], 0}, {dsoKeys[2], 0}, selfSign}, false)
	_, err = c.GrantRole(a, nominee, testRoleID("DSO"))
	require.NoError(t, err)
}

// A strict relative atom resolves its quorum against the role's direct
// assignment count and rejects signers who hold the role only through a
// senior position.
func TestStrictRelativeQuorum(t *testing.T) {
	aKeys := []*ecdsa.PrivateKey{genKey(t), genKey(t), genKey(t)}
	seniorKey := genKey(t)
	bob := primitives.Address{19: 0xB0}

	atomA := rules.MustEncode(rules.Atom{RoleID: testRoleID("A"), Quantity: 50, Strict: true, Relative: true})
	grantB := rules.Hash(rules.ActionGrant, false, []primitives.Word{atomA})

	users := []userSpec{{addr: primitives.AddressFromKey(seniorKey), roles: []string{"S"}}}
	for _, k := range aKeys {
		users = append(users, userSpec{addr: primitives.AddressFromKey(k), roles: []string{"A"}})
	}

	c, _, base := buildOrg(t,
		[]roleSpec{
			{name: "A", bit: 0},
			{name: "B", bit: 1},
			{name: "S", bit: 2, juniors: []string{"A"}},
		},
		users,
		func(flags map[string]primitives.Word) []RuleBinding {
			return []RuleBinding{{RuleHash: grantB, Mask: wordToString(flags["B"])}}
		},
	)

	atoms := []primitives.Word{atomA}
	inner := approval.UserMgtRequestHash(bob, true, testRoleID("B"), base)

	// 50% of 3 direct holders rounds up to 2; one signer is not enough.
	a := signedApproval(t, c, inner, base, atoms, false, []signerAssign{{aKeys[0], 0}}, false)
	_, err := c.GrantRole(a, bob, testRoleID("B"))
	assertKind(t, err, orgerr.KindNotEnoughSigners)

	// The senior inherits A but does not strictly hold it.
	a = signedApproval(t, c, inner, base, atoms, false, []signerAssign{{aKeys[0], 0}, {aKeys[1], 0}, {seniorKey, 0}}, false)
	_, err = c.GrantRole(a, bob, testRoleID("B"))
	assertKind(t, err, orgerr.KindPermissionDenied)

	a = signedApproval(t, c, inner, base, atoms, false, []signerAssign{{aKeys[0], 0}, {aKeys[1], 0}}, false)
	_, err = c.GrantRole(a, bob, testRoleID("B"))
	require.NoError(t, err)
}

// adminOrg is the shared admin-gated fixture for the dynamic-mutation
// scenarios: one admin role, one admin user, one sentinel-bound rule.
func adminOrg(t *testing.T, extraRoles []roleSpec) (*Chart, map[string]primitives.Word, primitives.Hash, *ecdsa.PrivateKey, []primitives.Word) {
	t.Helper()
	adminKey := genKey(t)
	atomAdmin := rules.MustEncode(rules.Atom{RoleID: testRoleID("admin"), Quantity: 1, Strict: true})
	adminHash := rules.Hash(rules.ActionAdmin, false, []primitives.Word{atomAdmin})

	specs := append([]roleSpec{{name: "admin", bit: 7}}, extraRoles...)
	c, flags, base := buildOrg(t,
		specs,
		[]userSpec{{addr: primitives.AddressFromKey(adminKey), roles: []string{"admin"}}},
		func(map[string]primitives.Word) []RuleBinding {
			return []RuleBinding{{RuleHash: adminHash, Mask: wordToString(primitives.AllOnes())}}
		},
	)
	return c, flags, base, adminKey, []primitives.Word{atomAdmin}
}

// Adding a role whose proposed senior is already reachable through its
// proposed juniors must be rejected before any state changes.
func TestAddRoleRejectsReachableSenior(t *testing.T) {
	c, flags, base, adminKey, atoms := adminOrg(t, []roleSpec{
		{name: "AA", bit: 0},
		{name: "A", bit: 1, juniors: []string{"AA"}},
		{name: "B", bit: 2},
	})

	def := RoleDef{
		RoleID:      testRoleID("R"),
		Flag:        primitives.FlagForBit(3),
		SeniorFlags: flags["AA"],
		JuniorFlags: flags["A"],
	}
	inner := approval.AddRoleRequestHash(def.RoleID, def.Flag, def.SeniorFlags, def.JuniorFlags, def.RuleHashes, base)
	a := signedApproval(t, c, inner, base, atoms, false, []signerAssign{{adminKey, 0}}, false)
	_, err := c.AddRole(a, def)
	assertKind(t, err, orgerr.KindCycleDetected)

	_, ok := c.RoleInfo(testRoleID("R"))
	assert.False(t, ok)
}

// A removed role's flag bit stays retired: re-adding under the same bit
// fails, a bit from the remaining free pool works.
func TestRemovedRoleFlagStaysRetired(t *testing.T) {
	c, _, base, adminKey, atoms := adminOrg(t, nil)

	addRole := func(name string, bit uint) error {
		def := RoleDef{RoleID: testRoleID(name), Flag: primitives.FlagForBit(bit)}
		inner := approval.AddRoleRequestHash(def.RoleID, def.Flag, def.SeniorFlags, def.JuniorFlags, def.RuleHashes, base)
		a := signedApproval(t, c, inner, base, atoms, false, []signerAssign{{adminKey, 0}}, false)
		_, err := c.AddRole(a, def)
		return err
	}

	require.NoError(t, addRole("X", 8))

	removeInner := approval.RemoveRoleRequestHash(testRoleID("X"), base)
	a := signedApproval(t, c, removeInner, base, atoms, false, []signerAssign{{adminKey, 0}}, false)
	_, err := c.RemoveRole(a, testRoleID("X"))
	require.NoError(t, err)

	assertKind(t, addRole("X2", 8), orgerr.KindRoleFlagTaken)
	require.NoError(t, addRole("X2", 9))
}

// A snapshot whose role_id carries non-zero top bytes is rejected with
// the malformed-role-id kind, not an anonymous error.
func TestSnapshotRejectsMalformedRoleID(t *testing.T) {
	var wire [32]byte
	wire[0] = 0xFF
	snap := Snapshot{
		Roles: []RoleRecord{{
			RoleID:           wire,
			Flag:             wordToString(primitives.FlagForBit(0)),
			StructureMask:    wordToString(primitives.FlagForBit(0)),
			DirectJuniorMask: wordToString(primitives.Zero()),
		}},
		FreeFlags: wordToString(primitives.AllOnes()),
	}
	_, err := NewStatic(snap)
	assertKind(t, err, orgerr.KindMalformedRoleID)
}

// Signatures presented in descending signer order fail even when every
// signer individually qualifies.
func TestDescendingSignerOrderRejected(t *testing.T) {
	keys := []*ecdsa.PrivateKey{genKey(t), genKey(t)}
	nominee := primitives.Address{19: 0xC0}

	atomDSO := rules.MustEncode(rules.Atom{RoleID: testRoleID("DSO"), Quantity: 2})
	grantDSO := rules.Hash(rules.ActionGrant, false, []primitives.Word{atomDSO})

	c, _, base := buildOrg(t,
		[]roleSpec{{name: "DSO", bit: 0}},
		[]userSpec{
			{addr: primitives.AddressFromKey(keys[0]), roles: []string{"DSO"}},
			{addr: primitives.AddressFromKey(keys[1]), roles: []string{"DSO"}},
		},
		func(flags map[string]primitives.Word) []RuleBinding {
			return []RuleBinding{{RuleHash: grantDSO, Mask: wordToString(flags["DSO"])}}
		},
	)

	atoms := []primitives.Word{atomDSO}
	inner := approval.UserMgtRequestHash(nominee, true, testRoleID("DSO"), base)

	a := signedApproval(t, c, inner, base, atoms, false, []signerAssign{{keys[0], 0}, {keys[1], 0}}, true)
	_, err := c.GrantRole(a, nominee, testRoleID("DSO"))
	assertKind(t, err, orgerr.KindUnorderedSigners)

	a = signedApproval(t, c, inner, base, atoms, false, []signerAssign{{keys[0], 0}, {keys[1], 0}}, false)
	_, err = c.GrantRole(a, nominee, testRoleID("DSO"))
	require.NoError(t, err)
}
