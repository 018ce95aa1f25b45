package chart

import (
	"context"

	"github.com/MXWXZ/orgchart/internal/cache"
	"github.com/MXWXZ/orgchart/internal/events"
	"github.com/MXWXZ/orgchart/internal/primitives"
)

// CachedChart layers a read-through cache.Cache in front of a Chart's
// has-role queries, invalidating on every mutation — the cache concern
// (and its context.Context plumbing) stays out of Chart itself, so only
// hosts that want the cache take on either.
type CachedChart struct {
	*Chart
	cache *cache.Cache
}

// NewCached wraps an existing Chart with a cache for HasRole lookups.
func NewCached(c *Chart, ch *cache.Cache) *CachedChart {
	return &CachedChart{Chart: c, cache: ch}
}

// HasRole checks the cache before falling through to the Chart.
func (c *CachedChart) HasRole(ctx context.Context, user primitives.Address, roleID primitives.RoleID) (bool, error) {
	if result, ok, err := c.cache.Get(ctx, user, roleID); err == nil && ok {
		return result, nil
	}
	result, err := c.Chart.HasRole(user, roleID)
	if err != nil {
		return false, err
	}
	_ = c.cache.Set(ctx, user, roleID, result)
	return result, nil
}

func (c *CachedChart) GrantRole(ctx context.Context, a Approval, nominee primitives.Address, roleID primitives.RoleID) (events.Receipt, error) {
	receipt, err := c.Chart.GrantRole(a, nominee, roleID)
	if err == nil {
		_ = c.cache.InvalidateUser(ctx, nominee)
	}
	return receipt, err
}

func (c *CachedChart) RevokeRole(ctx context.Context, a Approval, nominee primitives.Address, roleID primitives.RoleID) (events.Receipt, error) {
	receipt, err := c.Chart.RevokeRole(a, nominee, roleID)
	if err == nil {
		_ = c.cache.InvalidateUser(ctx, nominee)
	}
	return receipt, err
}

func (c *CachedChart) AddRole(ctx context.Context, a Approval, def RoleDef) (events.Receipt, error) {
	receipt, err := c.Chart.AddRole(a, def)
	if err == nil {
		_ = c.cache.InvalidateAll(ctx)
	}
	return receipt, err
}

func (c *CachedChart) RemoveRole(ctx context.Context, a Approval, roleID primitives.RoleID) (events.Receipt, error) {
	receipt, err := c.Chart.RemoveRole(a, roleID)
	if err == nil {
		_ = c.cache.InvalidateAll(ctx)
	}
	return receipt, err
}
