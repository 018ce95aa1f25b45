package chart

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/MXWXZ/orgchart/internal/obslog"
	"github.com/MXWXZ/orgchart/internal/orgerr"
	"github.com/MXWXZ/orgchart/internal/primitives"
	"github.com/MXWXZ/orgchart/internal/registry"
)

// RoleRecord is the on-wire form of one registry.Role, the JSON shape a
// host persists and reloads.
type RoleRecord struct {
	RoleID           [32]byte `json:"role_id"`
	Flag             string   `json:"flag"` // decimal, uint256 doesn't fit a JSON number safely
	StructureMask    string   `json:"structure_mask"`
	DirectJuniorMask string   `json:"direct_junior_mask"`
	AssignmentCount  uint32   `json:"assignment_count"`
}

// RuleBinding is the on-wire form of one rule_hash -> active_role_flags entry.
type RuleBinding struct {
	RuleHash primitives.Hash `json:"rule_hash"`
	Mask     string          `json:"mask"`
}

// UserAssignment is the on-wire form of one user -> user_roles entry.
type UserAssignment struct {
	User  primitives.Address `json:"user"`
	Flags string             `json:"flags"`
}

// Snapshot is the full persisted state of a chart, serializable to JSON
// for the runtime host and for internal/replay.
type Snapshot struct {
	Roles       []RoleRecord       `json:"roles"` // reverse-topological, juniors first
	RuleHashes  []RuleBinding      `json:"rule_hashes"`
	Users       []UserAssignment   `json:"users"`
	FreeFlags   string             `json:"free_flags"`
	ChainID     uint64             `json:"chain_id"`
	ThisAddress primitives.Address `json:"this_address"`
	Salt        primitives.Hash    `json:"salt"`
}

func wordToString(w primitives.Word) string { return w.Dec() }

func wordFromString(s string) (primitives.Word, error) {
	var w primitives.Word
	if err := w.SetFromDecimal(s); err != nil {
		return primitives.Word{}, fmt.Errorf("chart: invalid uint256 decimal %q: %w", s, err)
	}
	return w, nil
}

// Snapshot captures the live Chart's persisted state as a Snapshot.
func (c *Chart) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var roles []RoleRecord
	c.reg.Roles(func(_ int, role *registry.Role) {
		roles = append(roles, RoleRecord{
			RoleID:           primitives.RoleIDToBytes32(role.ID),
			Flag:             wordToString(role.Flag),
			StructureMask:    wordToString(role.StructureMask),
			DirectJuniorMask: wordToString(role.DirectJuniorMask),
			AssignmentCount:  role.AssignmentCount,
		})
	})

	var users []UserAssignment
	for user, flags := range c.userRoles {
		if primitives.IsZero(flags) {
			continue
		}
		users = append(users, UserAssignment{User: user, Flags: wordToString(flags)})
	}
	// Map iteration order is randomized; sort by address/hash so two
	// snapshots of identical state always serialize identically
	// (internal/replay's state-hash comparison depends on this).
	sort.Slice(users, func(i, j int) bool {
		return bytes.Compare(users[i].User.Bytes(), users[j].User.Bytes()) < 0
	})

	var ruleHashes []RuleBinding
	c.reg.RuleHashes(func(hash primitives.Hash, mask primitives.Word) {
		ruleHashes = append(ruleHashes, RuleBinding{RuleHash: hash, Mask: wordToString(mask)})
	})
	sort.Slice(ruleHashes, func(i, j int) bool {
		return bytes.Compare(ruleHashes[i].RuleHash.Bytes(), ruleHashes[j].RuleHash.Bytes()) < 0
	})

	return Snapshot{
		Roles:       roles,
		RuleHashes:  ruleHashes,
		Users:       users,
		FreeFlags:   wordToString(c.reg.FreeFlags()),
		ChainID:     c.chainID,
		ThisAddress: c.thisAddress,
		Salt:        c.salt,
	}
}

// ToJSON is a convenience wrapper around Snapshot for the CLI host.
func (c *Chart) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c.Snapshot(), "", "  ")
}

// buildFromSnapshot constructs the shared Chart fields from a Snapshot,
// loading roles in the order given (callers must supply reverse-topological
// order — registry.LoadRole trusts it rather than re-deriving it).
func buildFromSnapshot(snap Snapshot, capabilities Capabilities) (*Chart, error) {
	reg := registry.New()

	for _, rr := range snap.Roles {
		roleID, ok := primitives.RoleIDFromBytes32(rr.RoleID)
		if !ok {
			return nil, orgerr.New(orgerr.KindMalformedRoleID, "snapshot role_id has non-zero top bytes")
		}
		flag, err := wordFromString(rr.Flag)
		if err != nil {
			return nil, err
		}
		structureMask, err := wordFromString(rr.StructureMask)
		if err != nil {
			return nil, err
		}
		juniorMask, err := wordFromString(rr.DirectJuniorMask)
		if err != nil {
			return nil, err
		}
		reg.LoadRole(roleID, flag, structureMask, juniorMask, rr.AssignmentCount)
	}

	for _, rb := range snap.RuleHashes {
		mask, err := wordFromString(rb.Mask)
		if err != nil {
			return nil, err
		}
		reg.LoadRuleHash(rb.RuleHash, mask)
	}

	free, err := wordFromString(snap.FreeFlags)
	if err != nil {
		return nil, err
	}
	reg.SetFreeFlags(free)

	userRoles := make(map[primitives.Address]primitives.Word, len(snap.Users))
	for _, ua := range snap.Users {
		flags, err := wordFromString(ua.Flags)
		if err != nil {
			return nil, err
		}
		userRoles[ua.User] = flags
	}

	return &Chart{
		reg:             reg,
		userRoles:       userRoles,
		capabilities:    capabilities,
		domainSeparator: computeDomainSeparator(snap.ChainID, snap.ThisAddress, snap.Salt),
		thisAddress:     snap.ThisAddress,
		chainID:         snap.ChainID,
		salt:            snap.Salt,
		log:             obslog.New(),
	}, nil
}

// NewStatic constructs a Chart that never exposes AddRole/RemoveRole —
// its role DAG is fixed for the chart's lifetime.
func NewStatic(snap Snapshot) (*Chart, error) {
	return buildFromSnapshot(snap, 0)
}

// NewDynamic constructs a Chart with Dynamic Admin enabled.
func NewDynamic(snap Snapshot) (*Chart, error) {
	return buildFromSnapshot(snap, CapDynamicAdmin)
}

// NewEmptyDynamic returns a dynamic Chart with no roles and a fresh
// domain separator, for hosts that bootstrap a chart from scratch rather
// than from a recorded snapshot (e.g. cmd/orgchartd when no snapshot path
// is configured). Every flag bit starts in the free pool.
func NewEmptyDynamic(chainID uint64, thisAddress primitives.Address, salt primitives.Hash) *Chart {
	c, _ := buildFromSnapshot(Snapshot{FreeFlags: wordToString(primitives.AllOnes()), ChainID: chainID, ThisAddress: thisAddress, Salt: salt}, CapDynamicAdmin)
	return c
}
