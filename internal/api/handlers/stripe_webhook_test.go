package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"

	"tollgate/internal/billing"
	"tollgate/internal/external"
	"tollgate/internal/types"
)

const testWebhookSecret = "whsec_test_secret"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memLedger is an in-memory EventLedger.
type memLedger struct {
	mu       sync.Mutex
	seen     map[string]bool
	released []string
	claimErr error
}

func newMemLedger() *memLedger { return &memLedger{seen: map[string]bool{}} }

func (l *memLedger) Claim(_ context.Context, id, _ string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.claimErr != nil {
		return false, l.claimErr
	}
	if l.seen[id] {
		return false, nil
	}
	l.seen[id] = true
	return true, nil
}

func (l *memLedger) Release(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.seen, id)
	l.released = append(l.released, id)
	return nil
}

type mockSubscriptions struct{ mock.Mock }

func (m *mockSubscriptions) GetSubscription(ctx context.Context, ref string) (*types.SubscriptionSnapshot, error) {
	args := m.Called(ctx, ref)
	snap, _ := args.Get(0).(*types.SubscriptionSnapshot)
	return snap, args.Error(1)
}

type mockReconciler struct{ mock.Mock }

func (m *mockReconciler) Grant(ctx context.Context, tenantID string, planID types.PlanID, snap types.SubscriptionSnapshot) (*types.Entitlement, error) {
	args := m.Called(ctx, tenantID, planID, snap)
	ent, _ := args.Get(0).(*types.Entitlement)
	return ent, args.Error(1)
}

func (m *mockReconciler) Reconcile(ctx context.Context, tenantID string, snap types.SubscriptionSnapshot) (*types.Entitlement, error) {
	args := m.Called(ctx, tenantID, snap)
	ent, _ := args.Get(0).(*types.Entitlement)
	return ent, args.Error(1)
}

func (m *mockReconciler) SubscriptionEnded(ctx context.Context, tenantID, subscriptionRef string) (*types.Entitlement, error) {
	args := m.Called(ctx, tenantID, subscriptionRef)
	ent, _ := args.Get(0).(*types.Entitlement)
	return ent, args.Error(1)
}

// mapResolver resolves by subscription, then customer, then tenant id.
type mapResolver struct {
	bySub, byCustomer map[string]string
	tenants           map[string]bool
	err               error
}

func (m *mapResolver) ResolveTenant(_ context.Context, sub, cus, meta string) (*types.Entitlement, bool, error) {
	if m.err != nil {
		return nil, false, m.err
	}
	if t, ok := m.bySub[sub]; ok && sub != "" {
		return &types.Entitlement{TenantID: t}, true, nil
	}
	if t, ok := m.byCustomer[cus]; ok && cus != "" {
		return &types.Entitlement{TenantID: t}, true, nil
	}
	if m.tenants[meta] {
		return &types.Entitlement{TenantID: meta}, true, nil
	}
	return nil, false, nil
}

type outcomeRecorder struct {
	mu       sync.Mutex
	outcomes []string
}

func (o *outcomeRecorder) RecordWebhookEvent(eventType, outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, eventType+":"+outcome)
}

type webhookFixture struct {
	handler    *StripeWebhookHandler
	ledger     *memLedger
	reconciler *mockReconciler
	resolver   *mapResolver
	metrics    *outcomeRecorder
}

func newWebhookFixture() *webhookFixture {
	f := &webhookFixture{
		ledger:     newMemLedger(),
		reconciler: &mockReconciler{},
		resolver: &mapResolver{
			bySub:      map[string]string{"sub_1": "t1"},
			byCustomer: map[string]string{"cus_1": "t1"},
			tenants:    map[string]bool{"t1": true, "t2": true},
		},
		metrics: &outcomeRecorder{},
	}
	f.handler = NewStripeWebhookHandler(
		&external.StripeVerifier{Secret: testWebhookSecret},
		f.ledger, f.reconciler, f.resolver, f.metrics, discardLogger(),
	)
	return f
}

func eventJSON(t *testing.T, id, eventType string, object any) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"id":     id,
		"object": "event",
		"type":   eventType,
		"data":   map[string]any{"object": object},
	})
	require.NoError(t, err)
	return raw
}

func signedRequest(payload []byte, secret string) *http.Request {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	})
	req := httptest.NewRequest(http.MethodPost, "/billing/webhook", bytes.NewReader(signed.Payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	return req
}

func (f *webhookFixture) serve(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.handler.Handle(rec, req)
	return rec
}

func subscriptionObject(id, customer, status string, amount int64, interval string, meta map[string]string) map[string]any {
	return map[string]any{
		"id":                   id,
		"object":               "subscription",
		"customer":             customer,
		"status":               status,
		"cancel_at_period_end": false,
		"metadata":             meta,
		"items": map[string]any{
			"data": []any{map[string]any{
				"price": map[string]any{
					"unit_amount": amount,
					"recurring":   map[string]any{"interval": interval},
				},
			}},
		},
	}
}

func TestWebhook_InvalidSignatureRejected(t *testing.T) {
	f := newWebhookFixture()
	payload := eventJSON(t, "evt_1", eventSubscriptionDeleted, subscriptionObject("sub_1", "cus_1", "canceled", 0, "month", nil))

	rec := f.serve(signedRequest(payload, "whsec_wrong"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	f.reconciler.AssertNotCalled(t, "SubscriptionEnded", mock.Anything, mock.Anything, mock.Anything)
	assert.Empty(t, f.ledger.seen, "nothing claimed before verification")
}

func TestWebhook_MissingSignatureRejected(t *testing.T) {
	f := newWebhookFixture()
	req := httptest.NewRequest(http.MethodPost, "/billing/webhook", strings.NewReader(`{"id":"evt_1"}`))

	rec := f.serve(req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhook_TamperedBodyRejected(t *testing.T) {
	f := newWebhookFixture()
	payload := eventJSON(t, "evt_1", eventCheckoutCompleted, map[string]any{"id": "cs_1"})
	req := signedRequest(payload, testWebhookSecret)
	tampered := bytes.Replace(payload, []byte("cs_1"), []byte("cs_2"), 1)
	req.Body = io.NopCloser(bytes.NewReader(tampered))

	rec := f.serve(req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhook_OversizedBodyRejected(t *testing.T) {
	f := newWebhookFixture()
	payload := eventJSON(t, "evt_big", "invoice.paid", map[string]any{"pad": strings.Repeat("x", maxWebhookBodySize)})

	rec := f.serve(signedRequest(payload, testWebhookSecret))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhook_CheckoutCompletedGrantsFromMetadata(t *testing.T) {
	f := newWebhookFixture()
	session := map[string]any{
		"id":           "cs_1",
		"customer":     "cus_9",
		"subscription": "sub_9",
		"amount_total": 4900,
		"metadata":     map[string]string{external.MetaTenantID: "t2", external.MetaPlanID: "pro"},
	}
	f.reconciler.On("Grant", mock.Anything, "t2", types.PlanID("pro"), mock.MatchedBy(func(s types.SubscriptionSnapshot) bool {
		return s.SubscriptionRef == "sub_9" && s.CustomerRef == "cus_9" && s.PriceAmount == 4900
	})).Return(&types.Entitlement{TenantID: "t2", PlanID: "pro"}, nil).Once()

	rec := f.serve(signedRequest(eventJSON(t, "evt_1", eventCheckoutCompleted, session), testWebhookSecret))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"received":true}`, rec.Body.String())
	f.reconciler.AssertExpectations(t)
	assert.Equal(t, []string{eventCheckoutCompleted + ":" + outcomeProcessed}, f.metrics.outcomes)
}

func TestWebhook_CheckoutWithoutMetadataResolvesByCustomer(t *testing.T) {
	f := newWebhookFixture()
	session := map[string]any{"id": "cs_1", "customer": "cus_1", "subscription": "sub_new"}
	f.reconciler.On("Grant", mock.Anything, "t1", types.PlanID(""), mock.Anything).
		Return(&types.Entitlement{TenantID: "t1"}, nil).Once()

	rec := f.serve(signedRequest(eventJSON(t, "evt_1", eventCheckoutCompleted, session), testWebhookSecret))

	assert.Equal(t, http.StatusOK, rec.Code)
	f.reconciler.AssertExpectations(t)
}

func TestWebhook_CheckoutWithoutPlanUsesListPrice(t *testing.T) {
	f := newWebhookFixture()
	subs := &mockSubscriptions{}
	f.handler = NewStripeWebhookHandler(
		&external.StripeVerifier{Secret: testWebhookSecret},
		f.ledger, f.reconciler, f.resolver, f.metrics, discardLogger(),
		WithSubscriptionSource(subs),
	)
	// 20% coupon: the session total no longer matches any price point.
	session := map[string]any{"id": "cs_1", "customer": "cus_1", "subscription": "sub_new", "amount_total": 3920}
	subs.On("GetSubscription", mock.Anything, "sub_new").Return(&types.SubscriptionSnapshot{
		SubscriptionRef: "sub_new",
		PriceAmount:     4900,
		PriceInterval:   types.CycleMonth,
	}, nil).Once()
	f.reconciler.On("Grant", mock.Anything, "t1", types.PlanID(""), mock.MatchedBy(func(s types.SubscriptionSnapshot) bool {
		return s.SubscriptionRef == "sub_new" && s.PriceAmount == 4900 && s.PriceInterval == types.CycleMonth
	})).Return(&types.Entitlement{TenantID: "t1", PlanID: "pro"}, nil).Once()

	rec := f.serve(signedRequest(eventJSON(t, "evt_1", eventCheckoutCompleted, session), testWebhookSecret))

	assert.Equal(t, http.StatusOK, rec.Code)
	subs.AssertExpectations(t)
	f.reconciler.AssertExpectations(t)
}

func TestWebhook_CheckoutWithMetadataSkipsPriceLookup(t *testing.T) {
	f := newWebhookFixture()
	subs := &mockSubscriptions{}
	f.handler = NewStripeWebhookHandler(
		&external.StripeVerifier{Secret: testWebhookSecret},
		f.ledger, f.reconciler, f.resolver, f.metrics, discardLogger(),
		WithSubscriptionSource(subs),
	)
	session := map[string]any{
		"id":           "cs_1",
		"customer":     "cus_1",
		"subscription": "sub_new",
		"metadata":     map[string]string{external.MetaTenantID: "t1", external.MetaPlanID: "team"},
	}
	f.reconciler.On("Grant", mock.Anything, "t1", types.PlanID("team"), mock.Anything).
		Return(&types.Entitlement{TenantID: "t1", PlanID: "team"}, nil).Once()

	rec := f.serve(signedRequest(eventJSON(t, "evt_1", eventCheckoutCompleted, session), testWebhookSecret))

	assert.Equal(t, http.StatusOK, rec.Code)
	subs.AssertNotCalled(t, "GetSubscription", mock.Anything, mock.Anything)
}

func TestWebhook_CheckoutPriceLookupFailureRetries(t *testing.T) {
	f := newWebhookFixture()
	subs := &mockSubscriptions{}
	f.handler = NewStripeWebhookHandler(
		&external.StripeVerifier{Secret: testWebhookSecret},
		f.ledger, f.reconciler, f.resolver, f.metrics, discardLogger(),
		WithSubscriptionSource(subs),
	)
	session := map[string]any{"id": "cs_1", "customer": "cus_1", "subscription": "sub_new", "amount_total": 3920}
	subs.On("GetSubscription", mock.Anything, "sub_new").
		Return(nil, types.NewAppError(types.ErrCodeUpstreamStripe, "unavailable", nil)).Once()

	rec := f.serve(signedRequest(eventJSON(t, "evt_1", eventCheckoutCompleted, session), testWebhookSecret))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, []string{"evt_1"}, f.ledger.released)
	f.reconciler.AssertNotCalled(t, "Grant", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestWebhook_CheckoutForUnknownTenantIsAcknowledged(t *testing.T) {
	f := newWebhookFixture()
	session := map[string]any{"id": "cs_1", "customer": "cus_unknown"}

	rec := f.serve(signedRequest(eventJSON(t, "evt_1", eventCheckoutCompleted, session), testWebhookSecret))

	assert.Equal(t, http.StatusOK, rec.Code)
	f.reconciler.AssertNotCalled(t, "Grant", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestWebhook_SubscriptionUpdatedReconciles(t *testing.T) {
	f := newWebhookFixture()
	obj := subscriptionObject("sub_1", "cus_1", "active", 4900, "month", nil)
	f.reconciler.On("Reconcile", mock.Anything, "t1", mock.MatchedBy(func(s types.SubscriptionSnapshot) bool {
		return s.Status == types.SubStatusActive && s.PriceAmount == 4900 && s.PriceInterval == types.CycleMonth
	})).Return(&types.Entitlement{TenantID: "t1", PlanID: "pro"}, nil).Once()

	rec := f.serve(signedRequest(eventJSON(t, "evt_1", eventSubscriptionUpdated, obj), testWebhookSecret))

	assert.Equal(t, http.StatusOK, rec.Code)
	f.reconciler.AssertExpectations(t)
}

func TestWebhook_SubscriptionDeletedEndsSubscription(t *testing.T) {
	f := newWebhookFixture()
	obj := subscriptionObject("sub_1", "cus_1", "canceled", 4900, "month", nil)
	f.reconciler.On("SubscriptionEnded", mock.Anything, "t1", "sub_1").
		Return(&types.Entitlement{TenantID: "t1", PlanID: "free"}, nil).Once()

	rec := f.serve(signedRequest(eventJSON(t, "evt_1", eventSubscriptionDeleted, obj), testWebhookSecret))

	assert.Equal(t, http.StatusOK, rec.Code)
	f.reconciler.AssertExpectations(t)
}

func TestWebhook_UnhandledTypeIsAcknowledged(t *testing.T) {
	f := newWebhookFixture()

	rec := f.serve(signedRequest(eventJSON(t, "evt_1", "invoice.paid", map[string]any{"id": "in_1"}), testWebhookSecret))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"received":true}`, rec.Body.String())
	assert.Empty(t, f.reconciler.Calls)
}

func TestWebhook_DuplicateDeliverySkipped(t *testing.T) {
	f := newWebhookFixture()
	obj := subscriptionObject("sub_1", "cus_1", "active", 4900, "month", nil)
	f.reconciler.On("Reconcile", mock.Anything, "t1", mock.Anything).
		Return(&types.Entitlement{TenantID: "t1"}, nil).Once()
	payload := eventJSON(t, "evt_dup", eventSubscriptionUpdated, obj)

	first := f.serve(signedRequest(payload, testWebhookSecret))
	second := f.serve(signedRequest(payload, testWebhookSecret))

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusOK, second.Code)
	f.reconciler.AssertNumberOfCalls(t, "Reconcile", 1)
}

func TestWebhook_FailureReleasesClaimAndHidesDetail(t *testing.T) {
	f := newWebhookFixture()
	obj := subscriptionObject("sub_1", "cus_1", "active", 4900, "month", nil)
	f.reconciler.On("Reconcile", mock.Anything, "t1", mock.Anything).
		Return(nil, errors.New("pq: deadlock detected on entitlements")).Once()

	rec := f.serve(signedRequest(eventJSON(t, "evt_1", eventSubscriptionUpdated, obj), testWebhookSecret))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "deadlock")
	assert.Equal(t, []string{"evt_1"}, f.ledger.released)
	assert.False(t, f.ledger.seen["evt_1"], "retry must be processed")
}

func TestWebhook_QuotaBlockedDowngradeIs500(t *testing.T) {
	f := newWebhookFixture()
	obj := subscriptionObject("sub_1", "cus_1", "canceled", 4900, "month", nil)
	blocked := billing.QuotaExceededError(billing.Decision{TargetPlan: "free", ActiveCount: 3, Limit: 1, RequiredReleases: 2})
	f.reconciler.On("SubscriptionEnded", mock.Anything, "t1", "sub_1").Return(nil, blocked).Once()

	rec := f.serve(signedRequest(eventJSON(t, "evt_1", eventSubscriptionDeleted, obj), testWebhookSecret))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "requiredDeletions")
}

func TestWebhook_LedgerFailureIs500(t *testing.T) {
	f := newWebhookFixture()
	f.ledger.claimErr = errors.New("connection reset")

	rec := f.serve(signedRequest(eventJSON(t, "evt_1", "invoice.paid", map[string]any{}), testWebhookSecret))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
