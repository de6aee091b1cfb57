package billing

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// TransitionKind identifies which of the four subscription transitions a
// plan change request falls into. Classification depends only on whether
// the current and requested plans are free.
type TransitionKind int

const (
	// FreeToFree requires no gateway interaction at all
	FreeToFree TransitionKind = iota
	// FreeToPaid creates a gateway subscription after the local commit
	FreeToPaid
	// PaidToFree cancels the gateway subscription at period end
	PaidToFree
	// PaidToPaid updates the existing gateway subscription in place
	PaidToPaid
)

// String implements fmt.Stringer for logging and metric labels
func (k TransitionKind) String() string {
	switch k {
	case FreeToFree:
		return "free_to_free"
	case FreeToPaid:
		return "free_to_paid"
	case PaidToFree:
		return "paid_to_free"
	case PaidToPaid:
		return "paid_to_paid"
	default:
		return "unknown"
	}
}

// SelectTransition classifies a plan change by the freeness of the current
// and requested plans.
func SelectTransition(currentFree, newFree bool) TransitionKind {
	switch {
	case currentFree && newFree:
		return FreeToFree
	case currentFree && !newFree:
		return FreeToPaid
	case !currentFree && newFree:
		return PaidToFree
	default:
		return PaidToPaid
	}
}

// GatewayError wraps a failure talking to the payment gateway. Local state
// may already be committed when one is returned; the caller must treat it
// as "pending reconciliation", not as a rollback.
type GatewayError struct {
	Op  string
	Err error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// IsGatewayError reports whether err is a GatewayError
func IsGatewayError(err error) bool {
	var ge *GatewayError
	return errors.As(err, &ge)
}

// RetryableError marks a webhook processing failure that may resolve on its
// own, such as an event arriving before the local record it references.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable: %v", e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a RetryableError
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// ChargeEvent is the payload of a charge.succeeded webhook
type ChargeEvent struct {
	ID          string            `json:"id"`
	Customer    string            `json:"customer"`
	Amount      int               `json:"amount"`
	Invoice     string            `json:"invoice"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata"`
	Created     int64             `json:"created"`
}

// InvoiceFailedEvent is the payload of an invoice.payment_failed webhook
type InvoiceFailedEvent struct {
	ID           string `json:"id"`
	Customer     string `json:"customer"`
	AttemptCount int    `json:"attempt_count"`
}

// finalPaymentAttempt is the gateway's last retry before it gives up on an
// invoice. Reaching it triggers the automatic downgrade to the free plan.
const finalPaymentAttempt = 4

// Charge is a locally recorded successful payment
type Charge struct {
	ID             int64     `json:"id"`
	ChargeID       string    `json:"charge_id"`
	OrganizationID int64     `json:"organization_id"`
	Amount         int       `json:"amount"`
	FeeAmount      int       `json:"fee_amount"`
	Description    string    `json:"description"`
	CreatedAt      time.Time `json:"created_at"`
}

// ChargeItem is one line of a receipt
type ChargeItem struct {
	Name   string `json:"name"`
	Amount int    `json:"amount"`
}

// Items breaks the charge into receipt lines, splitting out the processing
// fee when one was recorded.
func (c *Charge) Items() []ChargeItem {
	if c.FeeAmount == 0 {
		return []ChargeItem{{Name: c.Description, Amount: c.Amount}}
	}
	return []ChargeItem{
		{Name: c.Description, Amount: c.Amount - c.FeeAmount},
		{Name: "Processing Fee", Amount: c.FeeAmount},
	}
}

// donationPlanPrefixes identify invoice lines that belong to donations or
// crowdfund payments rather than subscriptions. Those charges are handled
// by a different system and skipped here.
var donationPlanPrefixes = []string{"donate", "crowdfund"}

// donationActions are metadata action values marking one-off payments that
// are not subscription charges.
var donationActions = map[string]bool{
	"donation":          true,
	"crowdfund-payment": true,
}

// isDonationPlan reports whether a gateway plan id belongs to a donation or
// crowdfund product.
func isDonationPlan(planID string) bool {
	for _, prefix := range donationPlanPrefixes {
		if strings.HasPrefix(planID, prefix) {
			return true
		}
	}
	return false
}
