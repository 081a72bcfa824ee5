package billing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"tollgate/internal/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var fixedNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

// memStore is an in-memory EntitlementStore.
type memStore struct {
	mu     sync.Mutex
	recs   map[string]types.Entitlement
	writes int
	err    error
}

func newMemStore(recs ...types.Entitlement) *memStore {
	s := &memStore{recs: make(map[string]types.Entitlement)}
	for _, r := range recs {
		s.recs[r.TenantID] = r
	}
	return s
}

func notFound() error {
	return types.NewAppError(types.ErrCodeNotFoundEntitlement, "entitlement not found", nil)
}

func (s *memStore) Get(_ context.Context, tenantID string) (*types.Entitlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	r, ok := s.recs[tenantID]
	if !ok {
		return nil, notFound()
	}
	return &r, nil
}

func (s *memStore) mutate(tenantID string, fn func(*types.Entitlement)) (*types.Entitlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	r, ok := s.recs[tenantID]
	if !ok {
		return nil, notFound()
	}
	fn(&r)
	r.UpdatedAt = fixedNow
	s.recs[tenantID] = r
	s.writes++
	return &r, nil
}

func applyRefs(r *types.Entitlement, refs types.ExternalRefs) {
	if refs.CustomerRef != "" {
		r.CustomerRef = refs.CustomerRef
	}
	if refs.SubscriptionRef != "" {
		r.SubscriptionRef = refs.SubscriptionRef
	} else if refs.ClearSubscriptionRef {
		r.SubscriptionRef = ""
	}
}

func (s *memStore) ApplyPlan(_ context.Context, tenantID string, planID types.PlanID, start, end time.Time, refs types.ExternalRefs) (*types.Entitlement, error) {
	return s.mutate(tenantID, func(r *types.Entitlement) {
		r.PlanID = planID
		r.PeriodStart, r.PeriodEnd = start, end
		r.Active = true
		applyRefs(r, refs)
	})
}

func (s *memStore) UpdateRefs(_ context.Context, tenantID string, refs types.ExternalRefs) (*types.Entitlement, error) {
	return s.mutate(tenantID, func(r *types.Entitlement) { applyRefs(r, refs) })
}

func (s *memStore) ClearCustomerRef(_ context.Context, tenantID string) (*types.Entitlement, error) {
	return s.mutate(tenantID, func(r *types.Entitlement) { r.CustomerRef = "" })
}

func (s *memStore) find(match func(types.Entitlement) bool) (*types.Entitlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.recs {
		if match(r) {
			return &r, nil
		}
	}
	return nil, notFound()
}

func (s *memStore) FindBySubscriptionRef(_ context.Context, ref string) (*types.Entitlement, error) {
	return s.find(func(r types.Entitlement) bool { return r.SubscriptionRef == ref })
}

func (s *memStore) FindByCustomerRef(_ context.Context, ref string) (*types.Entitlement, error) {
	return s.find(func(r types.Entitlement) bool { return r.CustomerRef == ref })
}

func (s *memStore) EnsureTenant(_ context.Context, tenantID string, freePlan types.PlanID, start, end time.Time) (*types.Entitlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if r, ok := s.recs[tenantID]; ok {
		return &r, nil
	}
	r := types.Entitlement{TenantID: tenantID, PlanID: freePlan, PeriodStart: start, PeriodEnd: end, Active: true, UpdatedAt: fixedNow}
	s.recs[tenantID] = r
	s.writes++
	return &r, nil
}

func (s *memStore) record(tenantID string) types.Entitlement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recs[tenantID]
}

// memCache is an in-memory EntitlementCache that can be made to fail.
type memCache struct {
	mu      sync.Mutex
	entries map[string]types.Entitlement
	failGet bool
	failSet bool
	sets    int
	deletes int
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[string]types.Entitlement)}
}

func (c *memCache) Get(_ context.Context, tenantID string) (*types.Entitlement, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failGet {
		return nil, false, errors.New("cache down")
	}
	e, ok := c.entries[tenantID]
	if !ok {
		return nil, false, nil
	}
	return &e, true, nil
}

func (c *memCache) Set(_ context.Context, ent *types.Entitlement) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSet {
		return errors.New("cache down")
	}
	c.entries[ent.TenantID] = *ent
	c.sets++
	return nil
}

func (c *memCache) Delete(_ context.Context, tenantID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, tenantID)
	c.deletes++
	return nil
}

// stubCounter returns a fixed count or error.
type stubCounter struct {
	count int
	err   error
	calls int
}

func (c *stubCounter) CountActivePipelines(context.Context, string) (int, error) {
	c.calls++
	return c.count, c.err
}

// mockGateway is a testify mock of Gateway.
type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*types.CheckoutSession, error) {
	args := m.Called(ctx, params)
	s, _ := args.Get(0).(*types.CheckoutSession)
	return s, args.Error(1)
}

func (m *mockGateway) GetSubscription(ctx context.Context, ref string) (*types.SubscriptionSnapshot, error) {
	args := m.Called(ctx, ref)
	s, _ := args.Get(0).(*types.SubscriptionSnapshot)
	return s, args.Error(1)
}

func (m *mockGateway) CancelSubscription(ctx context.Context, ref string) error {
	return m.Called(ctx, ref).Error(0)
}

func (m *mockGateway) CreatePortalConfiguration(ctx context.Context, features PortalFeatures) (string, error) {
	args := m.Called(ctx, features)
	return args.String(0), args.Error(1)
}

func (m *mockGateway) CreatePortalSession(ctx context.Context, customerRef, configID, returnURL string) (*types.PortalSession, error) {
	args := m.Called(ctx, customerRef, configID, returnURL)
	s, _ := args.Get(0).(*types.PortalSession)
	return s, args.Error(1)
}

// recordingNotifier captures downgrade-blocked notices.
type recordingNotifier struct {
	notices []DowngradeBlocked
}

func (n *recordingNotifier) DowngradeBlocked(_ context.Context, notice DowngradeBlocked) error {
	n.notices = append(n.notices, notice)
	return nil
}

// countingMetrics tallies transitions by kind.
type countingMetrics struct {
	transitions map[string]int
	blocks      map[string]int
	stale       int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{transitions: map[string]int{}, blocks: map[string]int{}}
}

func (m *countingMetrics) RecordTransition(kind string)    { m.transitions[kind]++ }
func (m *countingMetrics) RecordQuotaBlock(trigger string) { m.blocks[trigger]++ }
func (m *countingMetrics) RecordStaleCustomer()            { m.stale++ }

func missingErr(param string) error {
	return types.NewAppErrorWithDetails(types.ErrCodeUpstreamResourceMissing, "No such object", nil, map[string]any{"param": param})
}

// harness wires the engine over in-memory collaborators.
type harness struct {
	catalog  *Catalog
	store    *memStore
	cache    *memCache
	counter  *stubCounter
	gateway  *mockGateway
	notifier *recordingNotifier
	metrics  *countingMetrics
	ents     *Entitlements
	rec      *Reconciler
	orch     *Orchestrator
}

func newHarness(recs ...types.Entitlement) *harness {
	h := &harness{
		catalog:  DefaultCatalog(),
		store:    newMemStore(recs...),
		cache:    newMemCache(),
		counter:  &stubCounter{},
		gateway:  &mockGateway{},
		notifier: &recordingNotifier{},
		metrics:  newCountingMetrics(),
	}
	h.ents = NewEntitlements(h.store, h.cache, h.catalog, discardLogger())
	h.ents.now = func() time.Time { return fixedNow }
	guard := NewQuotaGuard(h.catalog, h.counter)
	h.rec = NewReconciler(h.catalog, h.ents, guard, discardLogger(), WithNotifier(h.notifier), WithMetrics(h.metrics))
	h.orch = NewOrchestrator(OrchestratorDeps{
		Catalog:      h.catalog,
		Entitlements: h.ents,
		Guard:        guard,
		Reconciler:   h.rec,
		Gateway:      h.gateway,
		Metrics:      h.metrics,
	}, OrchestratorConfig{DashboardURL: "https://app.tollgate.test/", PortalConfigVersion: "v1"}, discardLogger())
	return h
}

func freeTenant(id string) types.Entitlement {
	return types.Entitlement{TenantID: id, PlanID: PlanFree, Active: true}
}

func paidTenant(id string, plan types.PlanID, customer, sub string) types.Entitlement {
	return types.Entitlement{TenantID: id, PlanID: plan, CustomerRef: customer, SubscriptionRef: sub, Active: true}
}
