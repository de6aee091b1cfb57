package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const defaultStripeBaseURL = "https://api.stripe.com/v1"

// StripeGateway implements Gateway against the Stripe REST API
type StripeGateway struct {
	baseURL    string
	apiKey     string
	apiVersion string
	client     *http.Client
	logger     *logrus.Logger
}

// NewStripeGateway creates a Stripe-backed gateway. baseURL may be empty to
// use the production API endpoint.
func NewStripeGateway(apiKey, apiVersion, baseURL string, logger *logrus.Logger) *StripeGateway {
	if baseURL == "" {
		baseURL = defaultStripeBaseURL
	}
	return &StripeGateway{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		apiVersion: apiVersion,
		client:     &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

// stripeError is the error envelope Stripe returns on non-2xx responses
type stripeError struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// apiError carries the HTTP status so callers can distinguish absence from
// transient failure.
type apiError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("stripe api error (%d %s): %s", e.StatusCode, e.Type, e.Message)
}

func (g *StripeGateway) do(ctx context.Context, method, path string, form url.Values, out interface{}) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if g.apiVersion != "" {
		req.Header.Set("Stripe-Version", g.apiVersion)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var envelope stripeError
		json.Unmarshal(data, &envelope)
		return &apiError{
			StatusCode: resp.StatusCode,
			Type:       envelope.Error.Type,
			Message:    envelope.Error.Message,
		}
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

// CreateCustomer registers a new customer record
func (g *StripeGateway) CreateCustomer(ctx context.Context, name, email string) (string, error) {
	form := url.Values{}
	form.Set("name", name)
	if email != "" {
		form.Set("email", email)
	}

	var customer struct {
		ID string `json:"id"`
	}
	if err := g.do(ctx, http.MethodPost, "/customers", form, &customer); err != nil {
		return "", fmt.Errorf("failed to create customer: %w", err)
	}
	return customer.ID, nil
}

// AttachPaymentSource saves a tokenized card as the default source
func (g *StripeGateway) AttachPaymentSource(ctx context.Context, customerID, token string) error {
	form := url.Values{}
	form.Set("source", token)

	if err := g.do(ctx, http.MethodPost, "/customers/"+customerID, form, nil); err != nil {
		return fmt.Errorf("failed to attach payment source: %w", err)
	}
	return nil
}

// CreateSubscription starts a new subscription
func (g *StripeGateway) CreateSubscription(ctx context.Context, params SubscriptionParams) (string, error) {
	form := url.Values{}
	form.Set("customer", params.Customer)
	form.Set("items[0][plan]", params.PlanID)
	form.Set("items[0][quantity]", strconv.Itoa(params.Quantity))
	if params.BillingMode != "" {
		form.Set("collection_method", params.BillingMode)
	}
	if params.DaysUntilDue > 0 {
		form.Set("days_until_due", strconv.Itoa(params.DaysUntilDue))
	}

	var sub struct {
		ID string `json:"id"`
	}
	if err := g.do(ctx, http.MethodPost, "/subscriptions", form, &sub); err != nil {
		return "", fmt.Errorf("failed to create subscription: %w", err)
	}
	return sub.ID, nil
}

// stripeSubscription is the wire shape of a subscription
type stripeSubscription struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
	Status   string `json:"status"`
	Quantity int    `json:"quantity"`
	Plan     struct {
		ID string `json:"id"`
	} `json:"plan"`
	CancelAtPeriodEnd bool `json:"cancel_at_period_end"`
}

// GetSubscription fetches a subscription by id. A 404 from the gateway is
// reported as LookupNotFound; any other failure as LookupTransientError.
func (g *StripeGateway) GetSubscription(ctx context.Context, subscriptionID string) SubscriptionResult {
	var sub stripeSubscription
	err := g.do(ctx, http.MethodGet, "/subscriptions/"+subscriptionID, nil, &sub)
	if err != nil {
		if ae, ok := err.(*apiError); ok && ae.StatusCode == http.StatusNotFound {
			return SubscriptionResult{Status: LookupNotFound}
		}
		return SubscriptionResult{Status: LookupTransientError, Err: err}
	}

	return SubscriptionResult{
		Status: LookupFound,
		Subscription: &RemoteSubscription{
			ID:                sub.ID,
			Customer:          sub.Customer,
			PlanID:            sub.Plan.ID,
			Quantity:          sub.Quantity,
			Status:            sub.Status,
			CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		},
	}
}

// UpdateSubscription changes plan, quantity and billing terms in place.
// A pending cancellation is undone, the subscription is active again.
func (g *StripeGateway) UpdateSubscription(ctx context.Context, subscriptionID string, params SubscriptionParams) error {
	form := url.Values{}
	form.Set("plan", params.PlanID)
	form.Set("quantity", strconv.Itoa(params.Quantity))
	form.Set("cancel_at_period_end", "false")
	if params.BillingMode != "" {
		form.Set("collection_method", params.BillingMode)
	}
	if params.DaysUntilDue > 0 {
		form.Set("days_until_due", strconv.Itoa(params.DaysUntilDue))
	}

	if err := g.do(ctx, http.MethodPost, "/subscriptions/"+subscriptionID, form, nil); err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	return nil
}

// CancelSubscription schedules cancellation at period end rather than
// terminating immediately, so the organization keeps paid access through
// the period it already paid for.
func (g *StripeGateway) CancelSubscription(ctx context.Context, subscriptionID string) error {
	form := url.Values{}
	form.Set("cancel_at_period_end", "true")

	if err := g.do(ctx, http.MethodPost, "/subscriptions/"+subscriptionID, form, nil); err != nil {
		return fmt.Errorf("failed to cancel subscription: %w", err)
	}
	return nil
}

// GetInvoice fetches an invoice with its line items
func (g *StripeGateway) GetInvoice(ctx context.Context, invoiceID string) (*RemoteInvoice, error) {
	var invoice struct {
		ID    string `json:"id"`
		Lines struct {
			Data []struct {
				Plan struct {
					ID       string `json:"id"`
					Nickname string `json:"nickname"`
				} `json:"plan"`
				Description string `json:"description"`
			} `json:"data"`
		} `json:"lines"`
	}
	if err := g.do(ctx, http.MethodGet, "/invoices/"+invoiceID, nil, &invoice); err != nil {
		return nil, fmt.Errorf("failed to get invoice: %w", err)
	}

	result := &RemoteInvoice{ID: invoice.ID}
	for _, line := range invoice.Lines.Data {
		result.Lines = append(result.Lines, InvoiceLine{
			PlanID:      line.Plan.ID,
			PlanName:    line.Plan.Nickname,
			ProductName: line.Description,
		})
	}
	return result, nil
}
