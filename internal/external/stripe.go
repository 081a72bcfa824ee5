package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"tollgate/internal/billing"
	"tollgate/internal/types"
)

const (
	stripeAPIBase   = "https://api.stripe.com"
	stripeUserAgent = "Tollgate/1.0"
)

// Metadata keys written on checkout sessions and their subscriptions.
const (
	MetaTenantID = "tenant_id"
	MetaPlanID   = "plan_id"
)

type StripeConfig struct {
	SecretKey string
	BaseURL   string        // defaults to stripeAPIBase
	Timeout   time.Duration // per call, including retries
	Logger    *slog.Logger
}

// StripeGateway implements billing.Gateway over the Stripe REST API. Reads
// and writes use separate retry policies behind one shared breaker.
type StripeGateway struct {
	read      *BaseClient
	write     *BaseClient
	secretKey string
	baseURL   string
	timeout   time.Duration
	logger    *slog.Logger
}

var _ billing.Gateway = (*StripeGateway)(nil)

func NewStripeGateway(httpClient *http.Client, cfg StripeConfig, opts ...BaseClientOption) *StripeGateway {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	breaker := NewBreaker("stripe")
	return &StripeGateway{
		read:      NewBaseClient(httpClient, breaker, ReadRetryPolicy(), stripeUserAgent, opts...),
		write:     NewBaseClient(httpClient, breaker, WriteRetryPolicy(), stripeUserAgent, opts...),
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		timeout:   cfg.Timeout,
		logger:    logger,
	}
}

// CreateCheckoutSession opens a subscription-mode checkout priced inline from
// the catalog plan.
func (s *StripeGateway) CreateCheckoutSession(ctx context.Context, p billing.CheckoutParams) (*types.CheckoutSession, error) {
	form := url.Values{}
	form.Set("mode", "subscription")
	form.Set("client_reference_id", p.TenantID)
	form.Set("success_url", p.SuccessURL)
	form.Set("cancel_url", p.CancelURL)
	if p.CustomerRef != "" {
		form.Set("customer", p.CustomerRef)
	}
	form.Set("line_items[0][quantity]", "1")
	form.Set("line_items[0][price_data][currency]", "usd")
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(p.Plan.PriceAmount, 10))
	form.Set("line_items[0][price_data][recurring][interval]", string(p.Plan.Cycle))
	form.Set("line_items[0][price_data][product_data][name]", p.Plan.Name)
	for _, prefix := range []string{"metadata", "subscription_data[metadata]"} {
		form.Set(prefix+"["+MetaTenantID+"]", p.TenantID)
		form.Set(prefix+"["+MetaPlanID+"]", string(p.Plan.ID))
	}

	var out stripeSession
	if err := s.call(ctx, s.write, http.MethodPost, "/v1/checkout/sessions", form, "CreateCheckoutSession", &out); err != nil {
		return nil, err
	}
	return &types.CheckoutSession{ID: out.ID, URL: out.URL}, nil
}

func (s *StripeGateway) GetSubscription(ctx context.Context, subscriptionRef string) (*types.SubscriptionSnapshot, error) {
	var out StripeSubscription
	path := "/v1/subscriptions/" + url.PathEscape(subscriptionRef)
	if err := s.call(ctx, s.read, http.MethodGet, path, nil, "GetSubscription", &out); err != nil {
		return nil, err
	}
	return out.Snapshot(), nil
}

// CancelSubscription cancels immediately. Not-found surfaces as
// upstream_resource_missing for the caller to tolerate.
func (s *StripeGateway) CancelSubscription(ctx context.Context, subscriptionRef string) error {
	path := "/v1/subscriptions/" + url.PathEscape(subscriptionRef)
	return s.call(ctx, s.write, http.MethodDelete, path, nil, "CancelSubscription", nil)
}

func (s *StripeGateway) CreatePortalConfiguration(ctx context.Context, f billing.PortalFeatures) (string, error) {
	form := url.Values{}
	form.Set("features[invoice_history][enabled]", strconv.FormatBool(f.InvoiceHistory))
	form.Set("features[payment_method_update][enabled]", strconv.FormatBool(f.PaymentMethodUpdate))
	form.Set("features[subscription_cancel][enabled]", strconv.FormatBool(f.CancelEnabled))
	if f.CancelEnabled && f.CancelMode != "" {
		form.Set("features[subscription_cancel][mode]", f.CancelMode)
	}
	form.Set("features[subscription_update][enabled]", strconv.FormatBool(f.SubscriptionUpdate))
	if f.ReturnURL != "" {
		form.Set("default_return_url", f.ReturnURL)
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := s.call(ctx, s.write, http.MethodPost, "/v1/billing_portal/configurations", form, "CreatePortalConfiguration", &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (s *StripeGateway) CreatePortalSession(ctx context.Context, customerRef, configID, returnURL string) (*types.PortalSession, error) {
	form := url.Values{}
	form.Set("customer", customerRef)
	if configID != "" {
		form.Set("configuration", configID)
	}
	if returnURL != "" {
		form.Set("return_url", returnURL)
	}

	var out stripeSession
	if err := s.call(ctx, s.write, http.MethodPost, "/v1/billing_portal/sessions", form, "CreatePortalSession", &out); err != nil {
		return nil, err
	}
	return &types.PortalSession{ID: out.ID, URL: out.URL}, nil
}

// call performs one authenticated request bounded by the configured timeout
// and decodes a 200 body into out (skipped when out is nil).
func (s *StripeGateway) call(ctx context.Context, client *BaseClient, method, path string, form url.Values, op string, out any) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	var body io.Reader
	if method == http.MethodPost {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, op+": building request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Stripe-Version", stripe.APIVersion)

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		s.logger.WarnContext(ctx, "stripe call failed", "op", op, "duration_ms", time.Since(start).Milliseconds(), "error", err)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeStripeError(resp, op)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamStripe, op+": undecodable response", err)
	}
	return nil
}

type stripeErrorEnvelope struct {
	Error struct {
		Type        string `json:"type"`
		Code        string `json:"code"`
		DeclineCode string `json:"decline_code"`
		Message     string `json:"message"`
		Param       string `json:"param"`
	} `json:"error"`
}

// decodeStripeError maps a non-200 Stripe response onto the upstream error
// taxonomy. resource_missing keeps the offending param in Details.
func decodeStripeError(resp *http.Response, op string) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var env stripeErrorEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: status %d with non-JSON body", op, resp.StatusCode), err)
	}
	e := env.Error

	switch {
	case e.Code == string(stripe.ErrorCodeResourceMissing) || resp.StatusCode == http.StatusNotFound:
		return types.NewAppErrorWithDetails(types.ErrCodeUpstreamResourceMissing,
			fmt.Sprintf("%s: %s", op, e.Message), nil,
			map[string]any{"param": e.Param})
	case e.Code == string(stripe.ErrorCodeCardDeclined) || e.DeclineCode != "":
		return types.NewAppErrorWithDetails(types.ErrCodePaymentDeclined,
			fmt.Sprintf("%s: payment declined: %s", op, e.Message), nil,
			map[string]any{"declineCode": e.DeclineCode})
	case resp.StatusCode == http.StatusTooManyRequests:
		return types.NewAppError(types.ErrCodeUpstreamRateLimited, op+": rate limited", nil)
	case resp.StatusCode >= 500:
		return types.NewAppError(types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("%s: server error %d", op, resp.StatusCode), nil)
	default:
		return types.NewAppError(types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: %s (%d, %s)", op, e.Message, resp.StatusCode, e.Code), nil)
	}
}

type stripeSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// StripeSubscription is the subset of a Stripe subscription object the engine
// reads. Webhook payloads embed the same shape.
type StripeSubscription struct {
	ID                string            `json:"id"`
	Customer          string            `json:"customer"`
	Status            string            `json:"status"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	Metadata          map[string]string `json:"metadata"`
	Items             struct {
		Data []struct {
			Price struct {
				UnitAmount int64 `json:"unit_amount"`
				Recurring  *struct {
					Interval string `json:"interval"`
				} `json:"recurring"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// Snapshot converts the object into the engine's point-in-time view. The
// first item's price is authoritative.
func (s *StripeSubscription) Snapshot() *types.SubscriptionSnapshot {
	snap := &types.SubscriptionSnapshot{
		SubscriptionRef:   s.ID,
		CustomerRef:       s.Customer,
		Status:            types.SubscriptionStatus(s.Status),
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
		PlanID:            types.PlanID(s.Metadata[MetaPlanID]),
		TenantID:          s.Metadata[MetaTenantID],
	}
	if len(s.Items.Data) > 0 {
		price := s.Items.Data[0].Price
		snap.PriceAmount = price.UnitAmount
		if price.Recurring != nil {
			snap.PriceInterval = types.BillingCycle(price.Recurring.Interval)
		}
	}
	return snap
}

// StripeVerifier checks the Stripe-Signature header (HMAC-SHA256 with
// timestamp tolerance) against the endpoint secret.
type StripeVerifier struct {
	Secret string
}

func (v *StripeVerifier) Verify(payload []byte, header string) error {
	return webhook.ValidatePayload(payload, header, v.Secret)
}
