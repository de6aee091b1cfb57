package billing

import "context"

// LookupStatus classifies the outcome of fetching a remote entity. It lets
// callers distinguish "definitively absent" from "could not find out",
// which demand different recovery paths.
type LookupStatus int

const (
	// LookupFound means the entity exists and was returned
	LookupFound LookupStatus = iota
	// LookupNotFound means the gateway authoritatively reported no such
	// entity. Callers treat this as an anomaly and fall back.
	LookupNotFound
	// LookupTransientError means the lookup itself failed and the entity's
	// existence is unknown. Never treated as absence.
	LookupTransientError
)

// RemoteSubscription is the gateway's view of a subscription
type RemoteSubscription struct {
	ID                string
	Customer          string
	PlanID            string
	Quantity          int
	Status            string
	CancelAtPeriodEnd bool
}

// SubscriptionResult is the outcome of a subscription lookup
type SubscriptionResult struct {
	Status       LookupStatus
	Subscription *RemoteSubscription
	Err          error
}

// InvoiceLine is one line item of a remote invoice
type InvoiceLine struct {
	PlanID      string
	PlanName    string
	ProductName string
}

// RemoteInvoice is the gateway's view of an invoice, fetched during webhook
// processing to describe the charge and to detect donation lines.
type RemoteInvoice struct {
	ID    string
	Lines []InvoiceLine
}

// SubscriptionParams describes the subscription to create or update
type SubscriptionParams struct {
	Customer     string
	PlanID       string
	Quantity     int
	BillingMode  string
	DaysUntilDue int
}

// Gateway abstracts the payment provider. The production implementation
// talks to Stripe; tests substitute a fake.
type Gateway interface {
	// CreateCustomer registers a customer record for the organization
	CreateCustomer(ctx context.Context, name, email string) (string, error)

	// AttachPaymentSource saves a tokenized card as the customer's default
	// payment source.
	AttachPaymentSource(ctx context.Context, customerID, token string) error

	// CreateSubscription starts a new subscription and returns its id
	CreateSubscription(ctx context.Context, params SubscriptionParams) (string, error)

	// GetSubscription fetches a subscription, reporting absence and
	// transient failure distinctly.
	GetSubscription(ctx context.Context, subscriptionID string) SubscriptionResult

	// UpdateSubscription modifies plan and quantity of an existing
	// subscription in place.
	UpdateSubscription(ctx context.Context, subscriptionID string, params SubscriptionParams) error

	// CancelSubscription schedules cancellation at the end of the current
	// billing period.
	CancelSubscription(ctx context.Context, subscriptionID string) error

	// GetInvoice fetches an invoice with its line items
	GetInvoice(ctx context.Context, invoiceID string) (*RemoteInvoice, error)
}
