package billing

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"tollgate/internal/types"
)

func TestClassifySnapshot(t *testing.T) {
	tests := []struct {
		status types.SubscriptionStatus
		cape   bool
		want   State
	}{
		{types.SubStatusActive, false, StateActivePaid},
		{types.SubStatusActive, true, StatePendingCancellation},
		{types.SubStatusCanceled, false, StateLapsed},
		{types.SubStatusIncompleteExpired, false, StateLapsed},
		{types.SubStatusUnpaid, true, StateLapsed},
		{types.SubStatusPastDue, false, StateAmbiguous},
		{types.SubStatusIncomplete, false, StateAmbiguous},
		{types.SubStatusTrialing, false, StateAmbiguous},
		{"paused", false, StateAmbiguous},
	}
	for _, tt := range tests {
		got := ClassifySnapshot(types.SubscriptionSnapshot{Status: tt.status, CancelAtPeriodEnd: tt.cape})
		assert.Equal(t, tt.want, got, "status=%s cancelAtPeriodEnd=%v", tt.status, tt.cape)
	}
}

func TestDecide(t *testing.T) {
	c := DefaultCatalog()
	pro := paidTenant("t1", PlanPro, "cus_1", "sub_1")
	free := freeTenant("t1")

	tests := []struct {
		name string
		ent  types.Entitlement
		snap types.SubscriptionSnapshot
		want Transition
	}{
		{
			name: "price change applies new plan",
			ent:  pro,
			snap: types.SubscriptionSnapshot{Status: types.SubStatusActive, PriceAmount: 19900, PriceInterval: types.CycleMonth, SubscriptionRef: "sub_1", CustomerRef: "cus_1"},
			want: ApplyPlanTransition{Plan: PlanEnterprise, Refs: types.ExternalRefs{CustomerRef: "cus_1", SubscriptionRef: "sub_1"}},
		},
		{
			name: "same plan same refs holds",
			ent:  pro,
			snap: types.SubscriptionSnapshot{Status: types.SubStatusActive, PriceAmount: 4900, PriceInterval: types.CycleMonth, SubscriptionRef: "sub_1", CustomerRef: "cus_1"},
			want: HoldTransition{Reason: HoldUnchanged},
		},
		{
			name: "same plan new subscription refreshes refs",
			ent:  pro,
			snap: types.SubscriptionSnapshot{Status: types.SubStatusActive, PlanID: PlanPro, SubscriptionRef: "sub_2", CustomerRef: "cus_1"},
			want: RefreshRefsTransition{Refs: types.ExternalRefs{CustomerRef: "cus_1", SubscriptionRef: "sub_2"}},
		},
		{
			name: "cancel at period end downgrades now",
			ent:  pro,
			snap: types.SubscriptionSnapshot{Status: types.SubStatusActive, CancelAtPeriodEnd: true, SubscriptionRef: "sub_1"},
			want: DowngradeTransition{Cause: StatePendingCancellation},
		},
		{
			name: "unpaid downgrades",
			ent:  pro,
			snap: types.SubscriptionSnapshot{Status: types.SubStatusUnpaid, SubscriptionRef: "sub_1"},
			want: DowngradeTransition{Cause: StateLapsed},
		},
		{
			name: "past due holds",
			ent:  pro,
			snap: types.SubscriptionSnapshot{Status: types.SubStatusPastDue, SubscriptionRef: "sub_1"},
			want: HoldTransition{Reason: HoldAmbiguousStatus},
		},
		{
			name: "lapse of replaced subscription holds",
			ent:  pro,
			snap: types.SubscriptionSnapshot{Status: types.SubStatusCanceled, SubscriptionRef: "sub_old"},
			want: HoldTransition{Reason: HoldSuperseded},
		},
		{
			name: "lapse on free tenant holds",
			ent:  free,
			snap: types.SubscriptionSnapshot{Status: types.SubStatusCanceled, SubscriptionRef: "sub_9"},
			want: HoldTransition{Reason: HoldAlreadyFree},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ent := tt.ent
			assert.Equal(t, tt.want, Decide(&ent, tt.snap, c))
		})
	}
}
