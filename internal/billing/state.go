package billing

import "tollgate/internal/types"

// State is a tenant's subscription state as seen by the reconciler.
type State string

const (
	StateFree                State = "free"
	StateActivePaid          State = "active_paid"
	StatePendingCancellation State = "pending_cancellation"
	StateLapsed              State = "lapsed"
	// StateAmbiguous covers statuses that may still resolve either way
	// (past_due, incomplete, trialing, anything unrecognized).
	StateAmbiguous State = "ambiguous"
)

// terminalStatuses end paid access.
var terminalStatuses = map[types.SubscriptionStatus]bool{
	types.SubStatusCanceled:          true,
	types.SubStatusIncompleteExpired: true,
	types.SubStatusUnpaid:            true,
}

// ClassifySnapshot maps a gateway snapshot to the state it implies.
func ClassifySnapshot(s types.SubscriptionSnapshot) State {
	switch {
	case terminalStatuses[s.Status]:
		return StateLapsed
	case s.Status == types.SubStatusActive && s.CancelAtPeriodEnd:
		return StatePendingCancellation
	case s.Status == types.SubStatusActive:
		return StateActivePaid
	default:
		return StateAmbiguous
	}
}

// ClassifyEntitlement maps a local record to its current state.
func ClassifyEntitlement(ent *types.Entitlement, catalog *Catalog) State {
	if catalog.IsFree(ent.PlanID) {
		return StateFree
	}
	return StateActivePaid
}

// Transition is the effect a snapshot has on a record. The concrete types
// below are the only implementations.
type Transition interface {
	Kind() string
	isTransition()
}

// ApplyPlanTransition moves the tenant to Plan and restarts the period.
type ApplyPlanTransition struct {
	Plan types.PlanID
	Refs types.ExternalRefs
}

// RefreshRefsTransition keeps plan and period and only writes references.
type RefreshRefsTransition struct {
	Refs types.ExternalRefs
}

// DowngradeTransition moves the tenant to the free plan behind the quota guard.
type DowngradeTransition struct {
	Cause State
}

// HoldTransition leaves the record untouched.
type HoldTransition struct {
	Reason string
}

func (ApplyPlanTransition) Kind() string   { return "apply_plan" }
func (RefreshRefsTransition) Kind() string { return "refresh_refs" }
func (DowngradeTransition) Kind() string   { return "downgrade" }
func (HoldTransition) Kind() string        { return "hold" }

func (ApplyPlanTransition) isTransition()   {}
func (RefreshRefsTransition) isTransition() {}
func (DowngradeTransition) isTransition()   {}
func (HoldTransition) isTransition()        {}

// Hold reasons.
const (
	HoldAmbiguousStatus = "ambiguous_status"
	HoldAlreadyFree     = "already_free"
	HoldSuperseded      = "superseded_subscription"
	HoldUnchanged       = "unchanged"
)

// Decide is the reconcile transition function. It is pure: the same record
// and snapshot always produce the same transition.
func Decide(ent *types.Entitlement, snap types.SubscriptionSnapshot, catalog *Catalog) Transition {
	current := ClassifyEntitlement(ent, catalog)

	switch target := ClassifySnapshot(snap); target {
	case StateLapsed, StatePendingCancellation:
		// An event for a subscription the tenant has since replaced must not
		// end the replacement.
		if ent.SubscriptionRef != "" && snap.SubscriptionRef != "" && ent.SubscriptionRef != snap.SubscriptionRef {
			return HoldTransition{Reason: HoldSuperseded}
		}
		if current == StateFree && ent.SubscriptionRef == "" {
			return HoldTransition{Reason: HoldAlreadyFree}
		}
		return DowngradeTransition{Cause: target}

	case StateActivePaid:
		plan := catalog.ResolvePlan(snap.PriceAmount, snap.PriceInterval, snap.PlanID)
		if plan == ent.PlanID {
			if refsChanged(ent, snap.Refs()) {
				return RefreshRefsTransition{Refs: snap.Refs()}
			}
			return HoldTransition{Reason: HoldUnchanged}
		}
		return ApplyPlanTransition{Plan: plan, Refs: snap.Refs()}

	default:
		return HoldTransition{Reason: HoldAmbiguousStatus}
	}
}

func refsChanged(ent *types.Entitlement, refs types.ExternalRefs) bool {
	return (refs.CustomerRef != "" && refs.CustomerRef != ent.CustomerRef) ||
		(refs.SubscriptionRef != "" && refs.SubscriptionRef != ent.SubscriptionRef)
}
