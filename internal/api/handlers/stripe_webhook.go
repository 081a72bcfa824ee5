package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/stripe/stripe-go/v82"

	"tollgate/internal/billing"
	"tollgate/internal/core"
	"tollgate/internal/external"
	"tollgate/internal/types"
)

const maxWebhookBodySize = 64 * 1024

// Event types the ingestor acts on. Everything else is acknowledged.
const (
	eventCheckoutCompleted   = "checkout.session.completed"
	eventSubscriptionUpdated = "customer.subscription.updated"
	eventSubscriptionDeleted = "customer.subscription.deleted"
)

// Webhook outcomes, as recorded in metrics.
const (
	outcomeProcessed  = "processed"
	outcomeIgnored    = "ignored"
	outcomeDuplicate  = "duplicate"
	outcomeUnresolved = "unresolved"
	outcomeFailed     = "failed"
	outcomeRejected   = "rejected"
)

type WebhookVerifier interface {
	Verify(payload []byte, header string) error
}

// EventLedger de-duplicates gateway deliveries by event id.
type EventLedger interface {
	Claim(ctx context.Context, eventID, eventType string) (bool, error)
	Release(ctx context.Context, eventID string) error
}

type SubscriptionReconciler interface {
	Grant(ctx context.Context, tenantID string, planID types.PlanID, snap types.SubscriptionSnapshot) (*types.Entitlement, error)
	Reconcile(ctx context.Context, tenantID string, snap types.SubscriptionSnapshot) (*types.Entitlement, error)
	SubscriptionEnded(ctx context.Context, tenantID, subscriptionRef string) (*types.Entitlement, error)
}

type TenantResolver interface {
	ResolveTenant(ctx context.Context, subscriptionRef, customerRef, metadataTenantID string) (*types.Entitlement, bool, error)
}

// SubscriptionSource pulls a subscription's list price when a completed
// checkout carries no plan metadata.
type SubscriptionSource interface {
	GetSubscription(ctx context.Context, subscriptionRef string) (*types.SubscriptionSnapshot, error)
}

type WebhookMetrics interface {
	RecordWebhookEvent(eventType, outcome string)
}

type noopWebhookMetrics struct{}

func (noopWebhookMetrics) RecordWebhookEvent(string, string) {}

type StripeWebhookHandler struct {
	verifier   WebhookVerifier
	ledger     EventLedger
	reconciler SubscriptionReconciler
	tenants    TenantResolver
	metrics    WebhookMetrics
	subs       SubscriptionSource
	logger     *slog.Logger
}

type WebhookOption func(*StripeWebhookHandler)

// WithSubscriptionSource resolves metadata-less checkouts from the
// subscription's unit price instead of the discounted session total.
func WithSubscriptionSource(src SubscriptionSource) WebhookOption {
	return func(h *StripeWebhookHandler) { h.subs = src }
}

func NewStripeWebhookHandler(
	verifier WebhookVerifier,
	ledger EventLedger,
	reconciler SubscriptionReconciler,
	tenants TenantResolver,
	metrics WebhookMetrics,
	l *slog.Logger,
	opts ...WebhookOption,
) *StripeWebhookHandler {
	if l == nil {
		l = slog.Default()
	}
	if metrics == nil {
		metrics = noopWebhookMetrics{}
	}
	h := &StripeWebhookHandler{
		verifier:   verifier,
		ledger:     ledger,
		reconciler: reconciler,
		tenants:    tenants,
		metrics:    metrics,
		logger:     l,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/billing/webhook", h.Handle)
}

// checkoutSession is the subset of a checkout.session object read here.
type checkoutSession struct {
	ID           string            `json:"id"`
	Customer     string            `json:"customer"`
	Subscription string            `json:"subscription"`
	AmountTotal  int64             `json:"amount_total"`
	Metadata     map[string]string `json:"metadata"`
}

// Handle verifies, de-duplicates and dispatches one delivery. Signature
// failures are 400 with nothing processed. Processing failures are 500 with a
// generic body and the dedup claim released so the gateway's retry runs.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := billing.WithTrigger(r.Context(), billing.TriggerWebhook)

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.WarnContext(ctx, "failed to read webhook body", "error", err)
		h.metrics.RecordWebhookEvent("", outcomeRejected)
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidBody, "unreadable webhook body", err))
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" || h.verifier.Verify(payload, sigHeader) != nil {
		h.logger.WarnContext(ctx, "webhook signature verification failed", "remote_addr", r.RemoteAddr)
		h.metrics.RecordWebhookEvent("", outcomeRejected)
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationSignature, "invalid webhook signature", nil))
		return
	}

	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil || event.ID == "" {
		h.logger.WarnContext(ctx, "signed webhook payload is not an event", "error", err)
		h.metrics.RecordWebhookEvent("", outcomeRejected)
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidBody, "malformed webhook event", err))
		return
	}
	eventType := string(event.Type)
	log := h.logger.With("event_id", event.ID, "event_type", eventType)

	claimed, err := h.ledger.Claim(ctx, event.ID, eventType)
	if err != nil {
		log.ErrorContext(ctx, "failed to claim webhook event", "error", err)
		h.fail(w, r, eventType)
		return
	}
	if !claimed {
		log.InfoContext(ctx, "duplicate webhook event skipped")
		h.metrics.RecordWebhookEvent(eventType, outcomeDuplicate)
		writeReceived(w, r)
		return
	}

	outcome, err := h.dispatch(ctx, log, &event)
	if err != nil {
		log.ErrorContext(ctx, "webhook event processing failed", "error", err)
		if relErr := h.ledger.Release(ctx, event.ID); relErr != nil {
			log.ErrorContext(ctx, "failed to release webhook event claim", "error", relErr)
		}
		h.fail(w, r, eventType)
		return
	}

	h.metrics.RecordWebhookEvent(eventType, outcome)
	writeReceived(w, r)
}

func (h *StripeWebhookHandler) dispatch(ctx context.Context, log *slog.Logger, event *stripe.Event) (string, error) {
	if event.Data == nil {
		return outcomeIgnored, nil
	}

	switch string(event.Type) {
	case eventCheckoutCompleted:
		var session checkoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return "", fmt.Errorf("decoding checkout session: %w", err)
		}
		return h.handleCheckoutCompleted(ctx, log, session)

	case eventSubscriptionUpdated, eventSubscriptionDeleted:
		var sub external.StripeSubscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return "", fmt.Errorf("decoding subscription: %w", err)
		}
		snap := sub.Snapshot()
		ent, ok, err := h.tenants.ResolveTenant(ctx, snap.SubscriptionRef, snap.CustomerRef, snap.TenantID)
		if err != nil {
			return "", err
		}
		if !ok {
			log.WarnContext(ctx, "no tenant for subscription event",
				"subscription_ref", snap.SubscriptionRef,
				"customer_ref", snap.CustomerRef,
			)
			return outcomeUnresolved, nil
		}
		if string(event.Type) == eventSubscriptionDeleted {
			_, err = h.reconciler.SubscriptionEnded(ctx, ent.TenantID, snap.SubscriptionRef)
		} else {
			_, err = h.reconciler.Reconcile(ctx, ent.TenantID, *snap)
		}
		if err != nil {
			return "", err
		}
		return outcomeProcessed, nil

	default:
		log.DebugContext(ctx, "webhook event type ignored")
		return outcomeIgnored, nil
	}
}

func (h *StripeWebhookHandler) handleCheckoutCompleted(ctx context.Context, log *slog.Logger, s checkoutSession) (string, error) {
	metaTenant := s.Metadata[external.MetaTenantID]

	var (
		ent *types.Entitlement
		ok  bool
		err error
	)
	if metaTenant != "" {
		ent, ok, err = h.tenants.ResolveTenant(ctx, "", "", metaTenant)
	} else {
		ent, ok, err = h.tenants.ResolveTenant(ctx, "", s.Customer, "")
	}
	if err != nil {
		return "", err
	}
	if !ok {
		log.WarnContext(ctx, "no tenant for completed checkout",
			"session_id", s.ID,
			"customer_ref", s.Customer,
			"metadata_tenant_id", metaTenant,
		)
		return outcomeUnresolved, nil
	}

	planID := types.PlanID(s.Metadata[external.MetaPlanID])
	snap := types.SubscriptionSnapshot{
		SubscriptionRef: s.Subscription,
		CustomerRef:     s.Customer,
		Status:          types.SubStatusActive,
		PriceAmount:     s.AmountTotal,
		TenantID:        ent.TenantID,
	}
	// amount_total is after discounts and tax; the list price decides the plan.
	if planID == "" && s.Subscription != "" && h.subs != nil {
		live, err := h.subs.GetSubscription(ctx, s.Subscription)
		if err != nil {
			return "", fmt.Errorf("pulling subscription %s for price: %w", s.Subscription, err)
		}
		snap.PriceAmount = live.PriceAmount
		snap.PriceInterval = live.PriceInterval
	}
	if _, err := h.reconciler.Grant(ctx, ent.TenantID, planID, snap); err != nil {
		return "", err
	}
	return outcomeProcessed, nil
}

// fail writes the generic 500. Internal error text never reaches the gateway.
func (h *StripeWebhookHandler) fail(w http.ResponseWriter, r *http.Request, eventType string) {
	h.metrics.RecordWebhookEvent(eventType, outcomeFailed)
	core.Error(w, r, types.NewAppError(types.ErrCodeInternalUnexpected, "webhook processing failed", nil))
}

func writeReceived(w http.ResponseWriter, r *http.Request) {
	core.JSON(w, r, http.StatusOK, map[string]bool{"received": true})
}
