package obslog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MXWXZ/orgchart/internal/orgerr"
	"github.com/MXWXZ/orgchart/internal/primitives"
)

func TestErrCarriesKindStackAndMessage(t *testing.T) {
	err := orgerr.New(orgerr.KindUnknownRole, "no such role")
	entry := Err(err)

	assert.Equal(t, "unknown_role", entry.Data["kind"])
	assert.Equal(t, err.Error(), entry.Data["error"])

	stack, ok := entry.Data["stack"].([]string)
	require.True(t, ok)
	assert.NotEmpty(t, stack)
}

func TestErrNilIsEmptyEntry(t *testing.T) {
	assert.Empty(t, Err(nil).Data)
}

func TestUserOperationFields(t *testing.T) {
	var id primitives.RoleID
	copy(id[:], "manager")
	nominee := primitives.Address{19: 1}

	entry := UserOperation(New(), "grant_role", nominee, id)
	assert.Equal(t, "grant_role", entry.Data["op"])
	assert.Equal(t, RoleIDHex(id), entry.Data["role_id"])
	assert.Equal(t, nominee.Hex(), entry.Data["nominee"])

	entry = Authorized(entry, primitives.Keccak256([]byte("rule")))
	assert.NotEmpty(t, entry.Data["rule_hash"])
}
