package plans

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPlanFree(t *testing.T) {
	tests := []struct {
		name string
		plan Plan
		want bool
	}{
		{"zero prices", Plan{BasePrice: 0, PricePerUser: 0}, true},
		{"base price only", Plan{BasePrice: 1000, PricePerUser: 0}, false},
		{"per user price only", Plan{BasePrice: 0, PricePerUser: 500}, false},
		{"both prices", Plan{BasePrice: 10000, PricePerUser: 1000}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.plan.Free())
		})
	}
}

func TestPlanRequiresPayment(t *testing.T) {
	free := Plan{}
	assert.False(t, free.RequiresPayment())

	monthly := Plan{BasePrice: 10000}
	assert.True(t, monthly.RequiresPayment())

	annual := Plan{BasePrice: 10000, Annual: true}
	assert.False(t, annual.RequiresPayment())
}

func TestPlanCost(t *testing.T) {
	plan := Plan{MinimumUsers: 5, BasePrice: 10000, PricePerUser: 1000}

	tests := []struct {
		name  string
		users int
		want  int
	}{
		{"at the minimum", 5, 10000},
		{"below the minimum", 2, 10000},
		{"above the minimum", 8, 13000},
		{"zero users", 0, 10000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, plan.Cost(tt.users))
		})
	}
}

func TestPlanStripeID(t *testing.T) {
	plan := Plan{Slug: "professional"}
	assert.Equal(t, "squarelet_plan_professional", plan.StripeID())
}

func TestPlanBillingMode(t *testing.T) {
	monthly := Plan{BasePrice: 10000}
	assert.Equal(t, "charge_automatically", monthly.BillingMode())
	assert.Equal(t, 0, monthly.DaysUntilDue())

	annual := Plan{BasePrice: 100000, Annual: true}
	assert.Equal(t, "send_invoice", annual.BillingMode())
	assert.Equal(t, 30, annual.DaysUntilDue())
}
