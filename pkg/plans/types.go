package plans

import (
	"fmt"
	"time"
)

// Plan is a pricing/feature tier organizations subscribe to. Plans are
// immutable at runtime once referenced by a live organization except for
// administrative correction.
type Plan struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	Slug           string    `json:"slug"`
	MinimumUsers   int       `json:"minimum_users"`
	BasePrice      int       `json:"base_price"`     // cents per month at MinimumUsers
	PricePerUser   int       `json:"price_per_user"` // cents per month per user over the minimum
	FeatureLevel   int       `json:"feature_level"`
	Public         bool      `json:"public"`
	Annual         bool      `json:"annual"`
	ForIndividuals bool      `json:"for_individuals"`
	ForGroups      bool      `json:"for_groups"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// FreeSlug is the slug of the default free plan every organization starts on
// and is downgraded to after repeated payment failure.
const FreeSlug = "free"

// Free reports whether this plan costs nothing
func (p *Plan) Free() bool {
	return p.BasePrice == 0 && p.PricePerUser == 0
}

// RequiresPayment reports whether this plan requires payment at purchase
// time. Free plans never do; annual plans are invoiced rather than charged.
func (p *Plan) RequiresPayment() bool {
	return !p.Free() && !p.Annual
}

// Cost returns the monthly cost in cents for the given number of users
func (p *Plan) Cost(users int) int {
	extra := users - p.MinimumUsers
	if extra < 0 {
		extra = 0
	}
	return p.BasePrice + extra*p.PricePerUser
}

// StripeID returns the plan's identifier on the payment gateway, namespaced
// to avoid colliding with plans created by other services on the same
// gateway account.
func (p *Plan) StripeID() string {
	return fmt.Sprintf("squarelet_plan_%s", p.Slug)
}

// BillingMode returns how the gateway should collect payment for this plan.
// Annual plans are invoiced; monthly plans are charged automatically.
func (p *Plan) BillingMode() string {
	if p.Annual {
		return "send_invoice"
	}
	return "charge_automatically"
}

// DaysUntilDue returns the invoice due window for this plan, zero when the
// plan is charged automatically.
func (p *Plan) DaysUntilDue() int {
	if p.Annual {
		return 30
	}
	return 0
}
