package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CachedPlans is a read-through cache over a PlanStore. Plans are written by
// external tooling, so entries expire after ttl instead of being invalidated.
type CachedPlans struct {
	PlanStore
	byID   *expirable.LRU[uuid.UUID, Plan]
	byCode *expirable.LRU[string, Plan]
}

func NewCachedPlans(src PlanStore, size int, ttl time.Duration) *CachedPlans {
	size = max(size, 1)
	return &CachedPlans{
		PlanStore: src,
		byID:      expirable.NewLRU[uuid.UUID, Plan](size, nil, ttl),
		byCode:    expirable.NewLRU[string, Plan](size, nil, ttl),
	}
}

func (c *CachedPlans) GetPlan(ctx context.Context, id uuid.UUID) (Plan, error) {
	if p, ok := c.byID.Get(id); ok {
		return p, nil
	}
	p, err := c.PlanStore.GetPlan(ctx, id)
	if err != nil {
		return Plan{}, err
	}
	c.add(p)
	return p, nil
}

func (c *CachedPlans) GetPlanByCode(ctx context.Context, code string) (Plan, error) {
	if p, ok := c.byCode.Get(code); ok {
		return p, nil
	}
	p, err := c.PlanStore.GetPlanByCode(ctx, code)
	if err != nil {
		return Plan{}, err
	}
	c.add(p)
	return p, nil
}

func (c *CachedPlans) add(p Plan) {
	c.byID.Add(p.ID, p)
	c.byCode.Add(p.Code, p)
}
