// Package handlers contains the HTTP handlers for the Tollgate billing API.
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"tollgate/internal/billing"
	"tollgate/internal/core"
	"tollgate/internal/types"
)

// BillingService is the user-initiated billing surface.
type BillingService interface {
	CreateCheckout(ctx context.Context, tenantID string, planID types.PlanID) (*types.CheckoutSession, error)
	GetPortalSession(ctx context.Context, tenantID string) (*types.PortalSession, error)
	SyncStatus(ctx context.Context, tenantID string) (*billing.SyncResult, error)
	Cancel(ctx context.Context, tenantID string) (*types.Entitlement, error)
}

// EntitlementReader reads the caller's current record.
type EntitlementReader interface {
	Get(ctx context.Context, tenantID string) (*types.Entitlement, error)
}

type CheckoutRequest struct {
	PlanID types.PlanID `json:"planId" validate:"required,max=64"`
}

type URLResponse struct {
	URL string `json:"url"`
}

type CancelResponse struct {
	PlanID types.PlanID `json:"planId"`
}

// EntitlementResponse is the record plus the quotas of its plan.
type EntitlementResponse struct {
	*types.Entitlement
	Plan billing.Plan `json:"plan"`
}

type BillingHandler struct {
	service   BillingService
	ents      EntitlementReader
	catalog   *billing.Catalog
	validator *core.Validator
	logger    *slog.Logger
}

func NewBillingHandler(svc BillingService, ents EntitlementReader, catalog *billing.Catalog, v *core.Validator, l *slog.Logger) *BillingHandler {
	if l == nil {
		l = slog.Default()
	}
	if v == nil {
		v = core.NewValidator()
	}
	return &BillingHandler{
		service:   svc,
		ents:      ents,
		catalog:   catalog,
		validator: v,
		logger:    l,
	}
}

func (h *BillingHandler) RegisterRoutes(r chi.Router) {
	r.Route("/billing", func(r chi.Router) {
		r.Get("/plans", h.ListPlans)
		r.Get("/entitlement", h.GetEntitlement)
		r.Post("/checkout", h.CreateCheckout)
		r.Post("/portal", h.CreatePortal)
		r.Post("/sync", h.Sync)
		r.Post("/cancel", h.Cancel)
	})
}

// tenant returns the authenticated tenant or writes a 401.
func tenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenantID := types.GetTenantID(r.Context())
	if tenantID == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "tenant context is required", nil))
		return "", false
	}
	return tenantID, true
}

// CreateCheckout handles POST /billing/checkout.
func (h *BillingHandler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}

	var req CheckoutRequest
	if err := h.validator.DecodeAndValidate(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	session, err := h.service.CreateCheckout(r.Context(), tenantID, req.PlanID)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to create checkout session",
			"tenant_id", tenantID,
			"plan_id", req.PlanID,
			"error", err,
		)
		core.Error(w, r, err)
		return
	}

	core.Data(w, r, http.StatusOK, URLResponse{URL: session.URL})
}

// CreatePortal handles POST /billing/portal.
func (h *BillingHandler) CreatePortal(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}

	session, err := h.service.GetPortalSession(r.Context(), tenantID)
	if err != nil {
		h.logger.WarnContext(r.Context(), "failed to create portal session", "tenant_id", tenantID, "error", err)
		core.Error(w, r, err)
		return
	}

	core.Data(w, r, http.StatusOK, URLResponse{URL: session.URL})
}

// Sync handles POST /billing/sync.
func (h *BillingHandler) Sync(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}

	res, err := h.service.SyncStatus(r.Context(), tenantID)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "billing sync failed", "tenant_id", tenantID, "error", err)
		core.Error(w, r, err)
		return
	}

	core.Data(w, r, http.StatusOK, res)
}

// Cancel handles POST /billing/cancel. A quota refusal surfaces as 409 with
// the pipeline counts in the error details.
func (h *BillingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}

	ent, err := h.service.Cancel(r.Context(), tenantID)
	if err != nil {
		if !types.HasCode(err, types.ErrCodeConflictQuotaExceeded) {
			h.logger.ErrorContext(r.Context(), "cancel failed", "tenant_id", tenantID, "error", err)
		}
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "subscription cancelled", "tenant_id", tenantID, "plan_id", ent.PlanID)
	core.Data(w, r, http.StatusOK, CancelResponse{PlanID: ent.PlanID})
}

// ListPlans handles GET /billing/plans. Public.
func (h *BillingHandler) ListPlans(w http.ResponseWriter, r *http.Request) {
	core.Data(w, r, http.StatusOK, h.catalog.Plans())
}

// GetEntitlement handles GET /billing/entitlement.
func (h *BillingHandler) GetEntitlement(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}

	ent, err := h.ents.Get(r.Context(), tenantID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.Data(w, r, http.StatusOK, EntitlementResponse{Entitlement: ent, Plan: h.catalog.Plan(ent.PlanID)})
}
