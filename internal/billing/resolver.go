package billing

import "tollgate/internal/types"

// ResolvePlan maps gateway data to a catalog plan. It is pure and total:
//
//  1. an explicit, known, non-free plan id wins;
//  2. otherwise (amount, interval) is matched against the price table, on
//     amount alone when interval is empty;
//  3. an unmatched positive amount resolves to the default paid plan so an
//     unrecognized charge never yields free access;
//  4. anything else is the free plan.
func (c *Catalog) ResolvePlan(amount int64, interval types.BillingCycle, explicit types.PlanID) types.PlanID {
	if p, ok := c.plans[explicit]; ok && !p.IsFree {
		return p.ID
	}
	if amount <= 0 {
		return c.free
	}
	for _, pp := range c.prices {
		if pp.Amount != amount {
			continue
		}
		if interval == "" || pp.Interval == interval {
			return pp.Plan
		}
	}
	return c.defaultPaid
}
