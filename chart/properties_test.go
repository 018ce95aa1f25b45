package chart

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MXWXZ/orgchart/internal/approval"
	"github.com/MXWXZ/orgchart/internal/orgerr"
	"github.com/MXWXZ/orgchart/internal/primitives"
	"github.com/MXWXZ/orgchart/internal/rules"
)

// Randomized direct assignments over a diamond-shaped DAG: a strictly
// held role is always effectively held, and a directly held role confers
// every role reachable through its structure mask.
func TestInheritanceClosureOverRandomAssignments(t *testing.T) {
	names := []string{"E", "D", "C", "B", "A", "root"}
	specs := []roleSpec{
		{name: "E", bit: 0},
		{name: "D", bit: 1},
		{name: "C", bit: 2, juniors: []string{"E"}},
		{name: "B", bit: 3, juniors: []string{"D", "E"}},
		{name: "A", bit: 4, juniors: []string{"B", "C"}},
		{name: "root", bit: 5, juniors: []string{"A"}},
	}

	rng := rand.New(rand.NewSource(7))
	var users []userSpec
	for i := 0; i < 24; i++ {
		var held []string
		for _, n := range names {
			if rng.Intn(3) == 0 {
				held = append(held, n)
			}
		}
		users = append(users, userSpec{addr: primitives.Address{18: byte(i + 1), 19: 0x55}, roles: held})
	}

	c, flags, _ := buildOrg(t, specs, users, nil)

	for _, u := range users {
		for _, n := range names {
			strict, err := c.StrictlyHasRole(u.addr, testRoleID(n))
			require.NoError(t, err)
			has, err := c.HasRole(u.addr, testRoleID(n))
			require.NoError(t, err)
			if strict {
				assert.True(t, has, "strictly held implies effectively held")
			}
		}
		for _, held := range u.roles {
			info, ok := c.RoleInfo(testRoleID(held))
			require.True(t, ok)
			for _, n := range names {
				if !primitives.HasAll(info.StructureMask, flags[n]) {
					continue
				}
				has, err := c.HasRole(u.addr, testRoleID(n))
				require.NoError(t, err)
				assert.True(t, has, "holding %s must confer reachable role %s", held, n)
			}
		}
	}
}

// Granting an already-held role and revoking an unheld one are both
// no-ops: no error, no assignment-count drift.
func TestGrantAndRevokeAreIdempotent(t *testing.T) {
	granterKey := genKey(t)
	granter := primitives.AddressFromKey(granterKey)
	alice := primitives.Address{19: 0xA2}
	carol := primitives.Address{19: 0xA3}

	atomGranter := rules.MustEncode(rules.Atom{RoleID: testRoleID("granter"), Quantity: 1, Strict: true})
	grantR := rules.Hash(rules.ActionGrant, false, []primitives.Word{atomGranter})
	revokeR := rules.Hash(rules.ActionRevoke, false, []primitives.Word{atomGranter})

	c, _, base := buildOrg(t,
		[]roleSpec{{name: "R", bit: 0}, {name: "granter", bit: 1}},
		[]userSpec{{addr: granter, roles: []string{"granter"}}},
		func(flags map[string]primitives.Word) []RuleBinding {
			return []RuleBinding{
				{RuleHash: grantR, Mask: wordToString(flags["R"])},
				{RuleHash: revokeR, Mask: wordToString(flags["R"])},
			}
		},
	)
	atoms := []primitives.Word{atomGranter}

	grant := func(nominee primitives.Address) {
		inner := approval.UserMgtRequestHash(nominee, true, testRoleID("R"), base)
		a := signedApproval(t, c, inner, base, atoms, false, []signerAssign{{granterKey, 0}}, false)
		_, err := c.GrantRole(a, nominee, testRoleID("R"))
		require.NoError(t, err)
	}

	grant(alice)
	info, ok := c.RoleInfo(testRoleID("R"))
	require.True(t, ok)
	assert.EqualValues(t, 1, info.AssignmentCount)

	grant(alice) // already held: no-op
	info, _ = c.RoleInfo(testRoleID("R"))
	assert.EqualValues(t, 1, info.AssignmentCount)

	// carol never held R: the revoke succeeds without touching the count.
	inner := approval.UserMgtRequestHash(carol, false, testRoleID("R"), base)
	a := signedApproval(t, c, inner, base, atoms, false, []signerAssign{{granterKey, 0}}, false)
	_, err := c.RevokeRole(a, carol, testRoleID("R"))
	require.NoError(t, err)
	info, _ = c.RoleInfo(testRoleID("R"))
	assert.EqualValues(t, 1, info.AssignmentCount)
}

// Every rejected operation leaves the chart byte-identical: validation
// completes before any mutation.
func TestFailedOperationsLeaveStateUnchanged(t *testing.T) {
	granterKey := genKey(t)
	granter := primitives.AddressFromKey(granterKey)
	adminKey := genKey(t)
	nominee := primitives.Address{19: 0xD0}

	atomGranter := rules.MustEncode(rules.Atom{RoleID: testRoleID("granter"), Quantity: 1, Strict: true})
	atomAdmin := rules.MustEncode(rules.Atom{RoleID: testRoleID("admin"), Quantity: 1, Strict: true})
	grantR := rules.Hash(rules.ActionGrant, false, []primitives.Word{atomGranter})
	adminHash := rules.Hash(rules.ActionAdmin, false, []primitives.Word{atomAdmin})

	c, flags, base := buildOrg(t,
		[]roleSpec{
			{name: "AA", bit: 0},
			{name: "A", bit: 1, juniors: []string{"AA"}},
			{name: "R", bit: 2},
			{name: "granter", bit: 3},
			{name: "admin", bit: 4},
		},
		[]userSpec{
			{addr: granter, roles: []string{"granter"}},
			{addr: primitives.AddressFromKey(adminKey), roles: []string{"admin"}},
		},
		func(flags map[string]primitives.Word) []RuleBinding {
			return []RuleBinding{
				{RuleHash: grantR, Mask: wordToString(flags["R"])},
				{RuleHash: adminHash, Mask: wordToString(primitives.AllOnes())},
			}
		},
	)
	atoms := []primitives.Word{atomGranter}
	adminAtoms := []primitives.Word{atomAdmin}

	before, err := c.ToJSON()
	require.NoError(t, err)

	// Stale base block.
	stale := primitives.Keccak256([]byte("never-advanced"))
	inner := approval.UserMgtRequestHash(nominee, true, testRoleID("R"), stale)
	a := signedApproval(t, c, inner, stale, atoms, false, []signerAssign{{granterKey, 0}}, false)
	_, err = c.GrantRole(a, nominee, testRoleID("R"))
	assertKind(t, err, orgerr.KindStaleBaseBlock)

	// Rule not bound for the target role.
	atomUnbound := rules.MustEncode(rules.Atom{RoleID: testRoleID("granter"), Quantity: 3, Strict: true})
	inner = approval.UserMgtRequestHash(nominee, true, testRoleID("R"), base)
	a = signedApproval(t, c, inner, base, []primitives.Word{atomUnbound}, false, []signerAssign{{granterKey, 0}}, false)
	_, err = c.GrantRole(a, nominee, testRoleID("R"))
	assertKind(t, err, orgerr.KindInvalidRule)

	// Quota not met: valid rule, zero signatures.
	a = Approval{Atoms: atoms, BaseBlockHash: base}
	_, err = c.GrantRole(a, nominee, testRoleID("R"))
	assertKind(t, err, orgerr.KindNotEnoughSigners)

	// Cycle on add_role.
	def := RoleDef{RoleID: testRoleID("cyc"), Flag: primitives.FlagForBit(5), SeniorFlags: flags["AA"], JuniorFlags: flags["A"]}
	addInner := approval.AddRoleRequestHash(def.RoleID, def.Flag, def.SeniorFlags, def.JuniorFlags, def.RuleHashes, base)
	a = signedApproval(t, c, addInner, base, adminAtoms, false, []signerAssign{{adminKey, 0}}, false)
	_, err = c.AddRole(a, def)
	assertKind(t, err, orgerr.KindCycleDetected)

	// Flag collision on add_role.
	def = RoleDef{RoleID: testRoleID("dup"), Flag: flags["R"]}
	addInner = approval.AddRoleRequestHash(def.RoleID, def.Flag, def.SeniorFlags, def.JuniorFlags, def.RuleHashes, base)
	a = signedApproval(t, c, addInner, base, adminAtoms, false, []signerAssign{{adminKey, 0}}, false)
	_, err = c.AddRole(a, def)
	assertKind(t, err, orgerr.KindRoleFlagTaken)

	// Unknown role on remove_role.
	removeInner := approval.RemoveRoleRequestHash(testRoleID("ghost"), base)
	a = signedApproval(t, c, removeInner, base, adminAtoms, false, []signerAssign{{adminKey, 0}}, false)
	_, err = c.RemoveRole(a, testRoleID("ghost"))
	assertKind(t, err, orgerr.KindUnknownRole)

	after, err := c.ToJSON()
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after), "failed operations must not mutate state")
}
