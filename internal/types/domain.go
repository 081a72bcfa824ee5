package types

import "time"

// PlanID identifies a catalog plan.
type PlanID string

// BillingCycle is the recurring interval of a plan, using the gateway's
// interval vocabulary.
type BillingCycle string

const (
	CycleMonth BillingCycle = "month"
	CycleYear  BillingCycle = "year"
)

// SubscriptionStatus mirrors the gateway's subscription status values.
type SubscriptionStatus string

const (
	SubStatusActive            SubscriptionStatus = "active"
	SubStatusCanceled          SubscriptionStatus = "canceled"
	SubStatusIncomplete        SubscriptionStatus = "incomplete"
	SubStatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
	SubStatusPastDue           SubscriptionStatus = "past_due"
	SubStatusUnpaid            SubscriptionStatus = "unpaid"
	SubStatusTrialing          SubscriptionStatus = "trialing"
)

// Entitlement is the local record of what a tenant may consume. An empty
// CustomerRef or SubscriptionRef means the gateway object is unknown.
type Entitlement struct {
	TenantID        string    `json:"tenantId"`
	PlanID          PlanID    `json:"planId"`
	CustomerRef     string    `json:"customerRef,omitempty"`
	SubscriptionRef string    `json:"subscriptionRef,omitempty"`
	PeriodStart     time.Time `json:"periodStart"`
	PeriodEnd       time.Time `json:"periodEnd"`
	Active          bool      `json:"active"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// ExternalRefs carries gateway references to write alongside a plan change.
// Empty fields leave the stored value untouched unless the matching Clear
// flag is set.
type ExternalRefs struct {
	CustomerRef          string
	SubscriptionRef      string
	ClearSubscriptionRef bool
}

// SubscriptionSnapshot is a point-in-time view of a gateway subscription.
// It is consumed once by the reconciler and never persisted.
type SubscriptionSnapshot struct {
	SubscriptionRef   string
	CustomerRef       string
	Status            SubscriptionStatus
	CancelAtPeriodEnd bool
	PriceAmount       int64
	PriceInterval     BillingCycle
	// Correlation metadata written at checkout; either may be empty.
	PlanID   PlanID
	TenantID string
}

// Refs extracts the external references of the snapshot.
func (s SubscriptionSnapshot) Refs() ExternalRefs {
	return ExternalRefs{CustomerRef: s.CustomerRef, SubscriptionRef: s.SubscriptionRef}
}

// CheckoutSession is the gateway's hosted checkout handle.
type CheckoutSession struct {
	ID  string
	URL string
}

// PortalSession is the gateway's hosted self-service portal handle.
type PortalSession struct {
	ID  string
	URL string
}
