package orgs

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jacqui/squarelet/pkg/plans"
)

// Organization is a billable tenant. Individual organizations belong to
// exactly one human and have max_users forced to 1.
type Organization struct {
	ID         int64     `json:"id"`
	UUID       uuid.UUID `json:"uuid"`
	Name       string    `json:"name"`
	Slug       string    `json:"slug"`
	Individual bool      `json:"individual"`
	Private    bool      `json:"private"`

	// Plan is the active plan; NextPlan takes effect at the next rollover
	// boundary and equals Plan when no downgrade is pending.
	PlanID     int64       `json:"plan_id"`
	NextPlanID int64       `json:"next_plan_id"`
	Plan       *plans.Plan `json:"plan,omitempty"`
	NextPlan   *plans.Plan `json:"next_plan,omitempty"`

	MaxUsers int `json:"max_users"`

	// UpdateOn is the next rollover date. It is null exactly when both the
	// active and pending plans are free.
	UpdateOn *time.Time `json:"update_on,omitempty"`

	CustomerID     string `json:"customer_id,omitempty"`
	SubscriptionID string `json:"subscription_id,omitempty"`
	PaymentFailed  bool   `json:"payment_failed"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// QuotaConsistent reports whether the update_on invariant holds:
// update_on is null iff both plan and next_plan are free.
func (o *Organization) QuotaConsistent() bool {
	if o.Plan == nil || o.NextPlan == nil {
		return false
	}
	bothFree := o.Plan.Free() && o.NextPlan.Free()
	return bothFree == (o.UpdateOn == nil)
}

// Membership ties a user to an organization
type Membership struct {
	ID             int64     `json:"id"`
	OrganizationID int64     `json:"organization_id"`
	UserID         int64     `json:"user_id"`
	Admin          bool      `json:"admin"`
	CreatedAt      time.Time `json:"created_at"`
}

// Invitation is an offer (or request) for a user to join an organization.
// Its UUID doubles as the secret token used in invitation URLs. Once
// accepted or rejected the invitation is terminal.
type Invitation struct {
	ID             int64      `json:"id"`
	OrganizationID int64      `json:"organization_id"`
	UUID           uuid.UUID  `json:"uuid"`
	Email          string     `json:"email"`
	UserID         *int64     `json:"user_id,omitempty"`
	Request        bool       `json:"request"`
	CreatedAt      time.Time  `json:"created_at"`
	AcceptedAt     *time.Time `json:"accepted_at,omitempty"`
	RejectedAt     *time.Time `json:"rejected_at,omitempty"`
}

// Closed reports whether the invitation has reached a terminal state
func (i *Invitation) Closed() bool {
	return i.AcceptedAt != nil || i.RejectedAt != nil
}

// ReceiptEmail is an address receipts for an organization are sent to
type ReceiptEmail struct {
	ID             int64  `json:"id"`
	OrganizationID int64  `json:"organization_id"`
	Email          string `json:"email"`
	Failed         bool   `json:"failed"`
}

// ChangeReason categorizes a change-log entry
type ChangeReason string

const (
	ReasonCreated       ChangeReason = "created"
	ReasonUpdated       ChangeReason = "updated"
	ReasonPaymentFailed ChangeReason = "payment_failed"
)

// ChangeLog is an append-only audit record of a plan transition. It is the
// sole source of historical truth for plan changes and is never mutated or
// deleted after creation.
type ChangeLog struct {
	ID             int64        `json:"id"`
	OrganizationID int64        `json:"organization_id"`
	UserID         *int64       `json:"user_id,omitempty"` // null for system-initiated changes
	Reason         ChangeReason `json:"reason"`

	FromPlanID     *int64 `json:"from_plan_id,omitempty"`
	FromNextPlanID *int64 `json:"from_next_plan_id,omitempty"`
	FromMaxUsers   *int   `json:"from_max_users,omitempty"`

	ToPlanID     int64 `json:"to_plan_id"`
	ToNextPlanID int64 `json:"to_next_plan_id"`
	ToMaxUsers   int   `json:"to_max_users"`

	CreatedAt time.Time `json:"created_at"`
}

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ValidationError indicates the caller asked for an operation the entity's
// current state does not allow. Never retried.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

// IsValidation reports whether err is a ValidationError
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
