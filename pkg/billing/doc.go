// Package billing owns every interaction between organizations and the
// payment gateway: the subscription transition engine, webhook handlers,
// charge records and receipts, and the monthly quota rollover job.
//
// # Transition Engine
//
// SetSubscription is the single entry point for plan changes. It classifies
// the request into one of four transitions based solely on whether the
// current and requested plans are free, applies the local state change in a
// transaction holding a row lock on the organization, and performs gateway
// calls either inside the flow (cancel, update) or after commit (create).
//
// Gateway subscription creation is deferred until after the local commit so
// the gateway's own webhooks can never observe an organization that does
// not yet reference its plan. A gateway failure after commit leaves the
// local state in place, raises a reconciliation alert, and surfaces a
// GatewayError to the caller.
//
// # Webhooks
//
// Webhook processing is idempotent on the gateway charge id and classifies
// failures into retryable (organization not yet attributed to a customer)
// and terminal. Retryable failures are retried with backoff and dead-letter
// logged when exhausted.
//
// # Rollover
//
// The rollover job runs daily and applies pending plan changes for every
// organization whose update_on date has arrived, in bulk.
package billing
