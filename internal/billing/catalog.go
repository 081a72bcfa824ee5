// Package billing implements the subscription and entitlement reconciliation
// engine: the plan catalog, quota guard, reconciler, and the checkout, portal,
// sync and cancel orchestrators built on top of them.
package billing

import (
	"fmt"

	"tollgate/internal/types"
)

// Plan is an immutable catalog entry. Quotas of 0 mean unlimited.
type Plan struct {
	ID            types.PlanID       `json:"id"`
	Name          string             `json:"name"`
	PriceAmount   int64              `json:"priceAmount"` // minor units, USD
	Cycle         types.BillingCycle `json:"cycle"`
	RequestQuota  int64              `json:"requestQuota"`
	PipelineLimit int                `json:"pipelineLimit"`
	StorageMB     int64              `json:"storageMb"`

	ModelProviders  []string `json:"modelProviders"`
	VectorStores    []string `json:"vectorStores"`
	EmbeddingModels []string `json:"embeddingModels"`

	IsFree     bool `json:"isFree"`
	ComingSoon bool `json:"comingSoon"`
}

// PricePoint maps a gateway (amount, interval) pair to a plan.
type PricePoint struct {
	Amount   int64
	Interval types.BillingCycle
	Plan     types.PlanID
}

// Catalog is the closed set of plans plus the price table used to resolve
// gateway prices. It is built once and shared read-only.
type Catalog struct {
	plans       map[types.PlanID]Plan
	order       []types.PlanID
	prices      []PricePoint
	free        types.PlanID
	defaultPaid types.PlanID
}

// NewCatalog validates plans and builds the price table from each paid plan's
// own price followed by aliases (grandfathered prices). Exactly one plan must
// be free. The default paid plan is the cheapest purchasable paid plan.
func NewCatalog(plans []Plan, aliases ...PricePoint) (*Catalog, error) {
	c := &Catalog{plans: make(map[types.PlanID]Plan, len(plans))}

	for _, p := range plans {
		if p.ID == "" {
			return nil, fmt.Errorf("catalog: plan with empty id")
		}
		if _, dup := c.plans[p.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate plan %q", p.ID)
		}
		if p.IsFree {
			if c.free != "" {
				return nil, fmt.Errorf("catalog: plans %q and %q are both free", c.free, p.ID)
			}
			c.free = p.ID
		}
		c.plans[p.ID] = p
		c.order = append(c.order, p.ID)
	}
	if c.free == "" {
		return nil, fmt.Errorf("catalog: no free plan")
	}

	var cheapest *Plan
	for _, id := range c.order {
		p := c.plans[id]
		if p.IsFree || p.PriceAmount <= 0 {
			continue
		}
		c.prices = append(c.prices, PricePoint{Amount: p.PriceAmount, Interval: p.Cycle, Plan: p.ID})
		if !p.ComingSoon && (cheapest == nil || p.PriceAmount < cheapest.PriceAmount) {
			cheapest = &p
		}
	}
	if cheapest == nil {
		return nil, fmt.Errorf("catalog: no purchasable paid plan")
	}
	c.defaultPaid = cheapest.ID

	for _, a := range aliases {
		target, ok := c.plans[a.Plan]
		if !ok || target.IsFree || a.Amount <= 0 {
			return nil, fmt.Errorf("catalog: alias %d/%s must point at a paid plan, got %q", a.Amount, a.Interval, a.Plan)
		}
		c.prices = append(c.prices, a)
	}
	return c, nil
}

// Lookup returns the plan with id, if it exists.
func (c *Catalog) Lookup(id types.PlanID) (Plan, bool) {
	p, ok := c.plans[id]
	return p, ok
}

// Plan returns the plan with id, falling back to the free plan for unknown ids.
func (c *Catalog) Plan(id types.PlanID) Plan {
	if p, ok := c.plans[id]; ok {
		return p
	}
	return c.plans[c.free]
}

func (c *Catalog) Free() Plan        { return c.plans[c.free] }
func (c *Catalog) DefaultPaid() Plan { return c.plans[c.defaultPaid] }

func (c *Catalog) IsFree(id types.PlanID) bool {
	return c.Plan(id).IsFree
}

// Plans returns every plan in declaration order.
func (c *Catalog) Plans() []Plan {
	out := make([]Plan, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.plans[id])
	}
	return out
}

// Plan ids of the default catalog.
const (
	PlanFree          types.PlanID = "free"
	PlanStarter       types.PlanID = "starter"
	PlanStarterAnnual types.PlanID = "starter_annual"
	PlanPro           types.PlanID = "pro"
	PlanProAnnual     types.PlanID = "pro_annual"
	PlanTeam          types.PlanID = "team"
	PlanEnterprise    types.PlanID = "enterprise"
)

var (
	baseProviders = []string{"openai"}
	paidProviders = []string{"openai", "anthropic", "mistral"}
	allProviders  = []string{"openai", "anthropic", "mistral", "azure_openai", "bedrock"}

	baseStores = []string{"pgvector"}
	paidStores = []string{"pgvector", "qdrant", "pinecone"}

	baseEmbeddings = []string{"text-embedding-3-small"}
	paidEmbeddings = []string{"text-embedding-3-small", "text-embedding-3-large", "voyage-3"}
)

// DefaultPlans is the production plan table.
//
//	| Plan       | Price/cycle | Requests | Pipelines | Storage |
//	|------------|-------------|----------|-----------|---------|
//	| free       | 0           | 1,000    | 1         | 100 MB  |
//	| starter    | 19 / month  | 20,000   | 3         | 2 GB    |
//	| pro        | 49 / month  | 100,000  | 10        | 10 GB   |
//	| team       | 99 / month  | 500,000  | 25        | 50 GB   | (coming soon)
//	| enterprise | 199 / month | 0        | 0         | 0       |
//
// Annual variants carry the same quotas at ten months' price.
func DefaultPlans() []Plan {
	return []Plan{
		{
			ID: PlanFree, Name: "Free", Cycle: types.CycleMonth,
			RequestQuota: 1000, PipelineLimit: 1, StorageMB: 100,
			ModelProviders: baseProviders, VectorStores: baseStores, EmbeddingModels: baseEmbeddings,
			IsFree: true,
		},
		{
			ID: PlanStarter, Name: "Starter", PriceAmount: 1900, Cycle: types.CycleMonth,
			RequestQuota: 20000, PipelineLimit: 3, StorageMB: 2048,
			ModelProviders: paidProviders, VectorStores: baseStores, EmbeddingModels: paidEmbeddings,
		},
		{
			ID: PlanStarterAnnual, Name: "Starter (annual)", PriceAmount: 19000, Cycle: types.CycleYear,
			RequestQuota: 20000, PipelineLimit: 3, StorageMB: 2048,
			ModelProviders: paidProviders, VectorStores: baseStores, EmbeddingModels: paidEmbeddings,
		},
		{
			ID: PlanPro, Name: "Pro", PriceAmount: 4900, Cycle: types.CycleMonth,
			RequestQuota: 100000, PipelineLimit: 10, StorageMB: 10240,
			ModelProviders: paidProviders, VectorStores: paidStores, EmbeddingModels: paidEmbeddings,
		},
		{
			ID: PlanProAnnual, Name: "Pro (annual)", PriceAmount: 49000, Cycle: types.CycleYear,
			RequestQuota: 100000, PipelineLimit: 10, StorageMB: 10240,
			ModelProviders: paidProviders, VectorStores: paidStores, EmbeddingModels: paidEmbeddings,
		},
		{
			ID: PlanTeam, Name: "Team", PriceAmount: 9900, Cycle: types.CycleMonth,
			RequestQuota: 500000, PipelineLimit: 25, StorageMB: 51200,
			ModelProviders: allProviders, VectorStores: paidStores, EmbeddingModels: paidEmbeddings,
			ComingSoon: true,
		},
		{
			ID: PlanEnterprise, Name: "Enterprise", PriceAmount: 19900, Cycle: types.CycleMonth,
			ModelProviders: allProviders, VectorStores: paidStores, EmbeddingModels: paidEmbeddings,
		},
	}
}

// DefaultCatalog builds the production catalog. It panics only if DefaultPlans
// is itself invalid, which the tests rule out.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(DefaultPlans())
	if err != nil {
		panic(err)
	}
	return c
}
