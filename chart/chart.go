// Package chart implements the Chart aggregate: the single mutex-guarded
// owning value for a role DAG, exposing user management (grant/revoke)
// and, for dynamic charts, admin mutation (add/remove role). Both
// variants share the same registry, oracle, rule, and fulfillment
// machinery; only the Capabilities bitmask differs, avoiding an interface
// split for functionality the two variants otherwise share in full.
package chart

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/MXWXZ/orgchart/internal/approval"
	"github.com/MXWXZ/orgchart/internal/events"
	"github.com/MXWXZ/orgchart/internal/obslog"
	"github.com/MXWXZ/orgchart/internal/oracle"
	"github.com/MXWXZ/orgchart/internal/orgerr"
	"github.com/MXWXZ/orgchart/internal/primitives"
	"github.com/MXWXZ/orgchart/internal/registry"
	"github.com/MXWXZ/orgchart/internal/rules"
)

// maxNumRules caps how many rule hashes one role definition may bind.
const maxNumRules = 10

// lookBackLength is how many prior blocks a base block hash may reference.
const lookBackLength = 3

// Capabilities gates which operations a Chart exposes. A statically
// constructed chart never carries CapDynamicAdmin, so AddRole/RemoveRole
// always fail PermissionDenied on it — the same code path a dynamic
// chart uses, just never unlocked.
type Capabilities uint8

const (
	CapDynamicAdmin Capabilities = 1 << iota
)

// RoleDef describes the role an AddRole call creates.
type RoleDef struct {
	RoleID      primitives.RoleID
	Flag        primitives.Word
	SeniorFlags primitives.Word
	JuniorFlags primitives.Word
	RuleHashes  []primitives.Hash
}

// Approval is the signed multi-signature bundle authorizing one operation.
type Approval struct {
	Signatures       [][]byte
	Atoms            []primitives.Word
	Assignment       []int
	SelfSignRequired bool
	BaseBlockHash    primitives.Hash
}

// Chart is the mutex-guarded aggregate holding every authoritative map
// and scalar of the persisted state layout, plus the handful of
// host-facing fields (block window, domain separator, capabilities,
// logger) that are not part of that layout but are needed to drive it.
type Chart struct {
	mu sync.RWMutex

	reg          *registry.Registry
	userRoles    map[primitives.Address]primitives.Word
	capabilities Capabilities

	blockHistory []primitives.Hash // most recent lookBackLength block hashes, newest last

	domainSeparator primitives.Hash
	thisAddress     primitives.Address
	chainID         uint64
	salt            primitives.Hash

	log *logrus.Logger
}

// computeDomainSeparator derives the per-deployment EIP-712 domain
// separator folded into every signed request.
func computeDomainSeparator(chainID uint64, thisAddress primitives.Address, salt primitives.Hash) primitives.Hash {
	typeHash := primitives.Keccak256([]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract,bytes32 salt)"))
	nameHash := primitives.Keccak256([]byte("OrgChart"))
	versionHash := primitives.Keccak256([]byte("1"))

	var chainIDBytes [8]byte
	for i := 0; i < 8; i++ {
		chainIDBytes[7-i] = byte(chainID >> (8 * i))
	}

	return primitives.Keccak256(primitives.EncodeWords(
		typeHash.Bytes(),
		nameHash.Bytes(),
		versionHash.Bytes(),
		chainIDBytes[:],
		thisAddress.Bytes(),
		salt.Bytes(),
	))
}

// Advance records a new block hash as the current chain head, sliding the
// lookBackLength freshness window forward — the host's analogue of a new
// block being mined. A standalone service calls this once per externally
// observed "tick" (e.g. a timer or upstream block feed); a blockchain host
// would call it once per block.
func (c *Chart) Advance(blockHash primitives.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blockHistory = append(c.blockHistory, blockHash)
	if len(c.blockHistory) > lookBackLength {
		c.blockHistory = c.blockHistory[len(c.blockHistory)-lookBackLength:]
	}
}

// BaseBlockFresh implements approval.Chain: hash is fresh if it names one
// of the currently tracked recent blocks.
func (c *Chart) BaseBlockFresh(hash primitives.Hash) bool {
	for _, h := range c.blockHistory {
		if h == hash {
			return true
		}
	}
	return false
}

// DomainSeparator implements approval.Chain.
func (c *Chart) DomainSeparator() primitives.Hash {
	return c.domainSeparator
}

func (c *Chart) heldFlags(user primitives.Address) primitives.Word {
	return primitives.And(c.userRoles[user], c.reg.ActiveFlags())
}

func (c *Chart) toApprovalRequest(a Approval, action rules.Action, nominee primitives.Address, inner primitives.Hash, targetFlag primitives.Word, isAdmin bool) approval.Request {
	return approval.Request{
		Signatures:       a.Signatures,
		Atoms:            a.Atoms,
		Assignment:       a.Assignment,
		SelfSignRequired: a.SelfSignRequired,
		BaseBlockHash:    a.BaseBlockHash,
		Action:           action,
		Nominee:          nominee,
		RequestInner:     inner,
		TargetFlag:       targetFlag,
		IsAdmin:          isAdmin,
		Held:             c.heldFlags,
	}
}

// HasRole reports whether user holds role directly or by inheritance: a
// read-locked query, safe to run concurrently with other reads but never
// with a mutation.
func (c *Chart) HasRole(user primitives.Address, roleID primitives.RoleID) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return oracle.HasRole(c.reg, c.heldFlags(user), roleID)
}

// StrictlyHasRole reports whether user holds role directly.
func (c *Chart) StrictlyHasRole(user primitives.Address, roleID primitives.RoleID) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return oracle.StrictlyHasRole(c.reg, c.heldFlags(user), roleID)
}

// GrantRole sets nominee's direct assignment of roleID once the approval
// verifies against the role's grant rule.
func (c *Chart) GrantRole(a Approval, nominee primitives.Address, roleID primitives.RoleID) (events.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	flag, ok := c.reg.LookupFlag(roleID)
	if !ok {
		return events.Receipt{}, orgerr.New(orgerr.KindUnknownRole, "grant_role: unknown role_id")
	}

	inner := approval.UserMgtRequestHash(nominee, true, roleID, a.BaseBlockHash)
	req := c.toApprovalRequest(a, rules.ActionGrant, nominee, inner, flag, false)
	result, err := approval.Verify(c.reg, c, req)
	if err != nil {
		return events.Receipt{}, err
	}

	if primitives.IsZero(primitives.And(c.userRoles[nominee], flag)) {
		c.userRoles[nominee] = primitives.Or(c.userRoles[nominee], flag)
		c.reg.IncrementAssignment(flag)
	}

	ev := events.RoleGranted(nominee, roleID)
	obslog.Authorized(obslog.UserOperation(c.log, "grant_role", nominee, roleID), result.RuleHash).Info("role granted")
	return events.Receipt{Events: []events.Event{ev}, RuleHash: result.RuleHash}, nil
}

// RevokeRole clears nominee's direct assignment of roleID once the
// approval verifies against the role's revoke rule. Revoking a role the
// user does not directly hold is a no-op — it neither removes inherited
// authority nor errors; this is logged at Warn so an operator can
// distinguish "nothing to do" from a silent failure.
func (c *Chart) RevokeRole(a Approval, nominee primitives.Address, roleID primitives.RoleID) (events.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	flag, ok := c.reg.LookupFlag(roleID)
	if !ok {
		return events.Receipt{}, orgerr.New(orgerr.KindUnknownRole, "revoke_role: unknown role_id")
	}

	inner := approval.UserMgtRequestHash(nominee, false, roleID, a.BaseBlockHash)
	req := c.toApprovalRequest(a, rules.ActionRevoke, nominee, inner, flag, false)
	result, err := approval.Verify(c.reg, c, req)
	if err != nil {
		return events.Receipt{}, err
	}

	if primitives.IsZero(primitives.And(c.userRoles[nominee], flag)) {
		obslog.UserOperation(c.log, "revoke_role", nominee, roleID).Warn("nominee does not directly hold role, no-op")
	} else {
		c.userRoles[nominee] = primitives.And(c.userRoles[nominee], primitives.Not(flag))
		c.reg.DecrementAssignment(flag)
	}

	ev := events.RoleRevoked(nominee, roleID)
	obslog.Authorized(obslog.UserOperation(c.log, "revoke_role", nominee, roleID), result.RuleHash).Info("role revoked")
	return events.Receipt{Events: []events.Event{ev}, RuleHash: result.RuleHash}, nil
}

// requireDynamic fails PermissionDenied unless the chart was constructed
// with CapDynamicAdmin — the single gate separating a static chart's
// surface from a dynamic one's.
func (c *Chart) requireDynamic() error {
	if c.capabilities&CapDynamicAdmin == 0 {
		return orgerr.New(orgerr.KindPermissionDenied, "chart was not constructed with dynamic admin capability")
	}
	return nil
}

// AddRole registers a new role under an admin-rule approval, wiring it
// into the DAG at the declared senior/junior positions (dynamic charts
// only).
func (c *Chart) AddRole(a Approval, def RoleDef) (events.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireDynamic(); err != nil {
		return events.Receipt{}, err
	}

	if !primitives.IsPowerOfTwo(def.Flag) {
		return events.Receipt{}, orgerr.New(orgerr.KindMalformedRoleFlag, "add_role: flag must be a non-zero power of two")
	}
	if !primitives.HasAll(c.reg.FreeFlags(), def.Flag) {
		return events.Receipt{}, orgerr.New(orgerr.KindRoleFlagTaken, "add_role: flag is not free")
	}
	if _, taken := c.reg.LookupFlag(def.RoleID); taken {
		return events.Receipt{}, orgerr.New(orgerr.KindRoleIDTaken, "add_role: role_id already registered")
	}
	notFree := primitives.Not(c.reg.FreeFlags())
	if !primitives.HasAll(notFree, def.SeniorFlags) {
		return events.Receipt{}, orgerr.New(orgerr.KindSeniorsMissing, "add_role: senior_flags references an inactive role")
	}
	if !primitives.HasAll(notFree, def.JuniorFlags) {
		return events.Receipt{}, orgerr.New(orgerr.KindJuniorsMissing, "add_role: junior_flags references an inactive role")
	}
	if len(def.RuleHashes) >= maxNumRules {
		return events.Receipt{}, orgerr.New(orgerr.KindTooManyRules, "add_role: rule_hashes exceeds MAX_NUM_RULES")
	}
	if a.SelfSignRequired {
		return events.Receipt{}, orgerr.New(orgerr.KindUnexpectedSelfSign, "add_role: admin approvals never self-sign")
	}

	inner := approval.AddRoleRequestHash(def.RoleID, def.Flag, def.SeniorFlags, def.JuniorFlags, def.RuleHashes, a.BaseBlockHash)
	req := c.toApprovalRequest(a, rules.ActionAdmin, primitives.Address{}, inner, primitives.Word{}, true)
	result, err := approval.Verify(c.reg, c, req)
	if err != nil {
		return events.Receipt{}, err
	}

	newStructureMask := primitives.Or(def.Flag, c.reg.BuildStructureMask(def.JuniorFlags))
	if primitives.Overlaps(newStructureMask, def.SeniorFlags) {
		return events.Receipt{}, orgerr.New(orgerr.KindCycleDetected, "add_role: proposed senior is reachable from the new role")
	}

	c.reg.InsertRole(def.RoleID, def.Flag, def.SeniorFlags, def.JuniorFlags, newStructureMask, def.RuleHashes)

	ev := events.RoleAdded(def.RoleID, def.SeniorFlags, def.JuniorFlags)
	obslog.Authorized(obslog.Operation(c.log, "add_role", def.RoleID), result.RuleHash).Info("role added")
	return events.Receipt{Events: []events.Event{ev}, RuleHash: result.RuleHash}, nil
}

// RemoveRole retires an active role under an admin-rule approval
// (dynamic charts only). The role's flag bit stays out of the free pool
// forever — see registry.RemoveRole.
func (c *Chart) RemoveRole(a Approval, roleID primitives.RoleID) (events.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireDynamic(); err != nil {
		return events.Receipt{}, err
	}

	flag, ok := c.reg.LookupFlag(roleID)
	if !ok {
		return events.Receipt{}, orgerr.New(orgerr.KindUnknownRole, "remove_role: unknown role_id")
	}

	inner := approval.RemoveRoleRequestHash(roleID, a.BaseBlockHash)
	req := c.toApprovalRequest(a, rules.ActionAdmin, primitives.Address{}, inner, primitives.Word{}, true)
	result, err := approval.Verify(c.reg, c, req)
	if err != nil {
		return events.Receipt{}, err
	}

	c.reg.RemoveRole(flag)

	ev := events.RoleRemoved(roleID)
	obslog.Authorized(obslog.Operation(c.log, "remove_role", roleID), result.RuleHash).Info("role removed")
	return events.Receipt{Events: []events.Event{ev}, RuleHash: result.RuleHash}, nil
}

// HashRule computes a rule's canonical hash the way an off-chart prover
// would before embedding it in a RoleDef.RuleHashes entry, logging a
// Warn when selfSignRequired is set on a rule whose action is not a
// grant — such a rule is accepted, but the flag can never be
// meaningfully satisfied outside a grant's self-sign check.
func (c *Chart) HashRule(action rules.Action, selfSignRequired bool, atoms []primitives.Word) primitives.Hash {
	if selfSignRequired && action != rules.ActionGrant {
		c.log.WithField("action", action).Warn("rule registered with self_sign_required on a non-grant action; ignored during fulfillment")
	}
	return rules.Hash(action, selfSignRequired, atoms)
}

// RoleSnapshot is the read-only view Chart.RoleInfo returns.
type RoleSnapshot struct {
	ID               primitives.RoleID
	Flag             primitives.Word
	StructureMask    primitives.Word
	DirectJuniorMask primitives.Word
	AssignmentCount  uint32
}

// ActiveRoles returns every currently active role_id, reverse-topological
// (juniors first), matching registry.Registry's internal ordering.
func (c *Chart) ActiveRoles() []primitives.RoleID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var ids []primitives.RoleID
	c.reg.Roles(func(_ int, role *registry.Role) {
		ids = append(ids, role.ID)
	})
	return ids
}

// RoleInfo returns a read-only snapshot of a single active role.
func (c *Chart) RoleInfo(roleID primitives.RoleID) (RoleSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	flag, ok := c.reg.LookupFlag(roleID)
	if !ok {
		return RoleSnapshot{}, false
	}
	role, ok := c.reg.RoleByFlag(flag)
	if !ok {
		return RoleSnapshot{}, false
	}
	return RoleSnapshot{
		ID:               role.ID,
		Flag:             role.Flag,
		StructureMask:    role.StructureMask,
		DirectJuniorMask: role.DirectJuniorMask,
		AssignmentCount:  role.AssignmentCount,
	}, true
}
