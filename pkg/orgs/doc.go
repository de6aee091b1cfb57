// Package orgs manages organizations, membership, invitations and the
// organization change log.
//
// # Overview
//
// An Organization is the billable tenant of the platform. It always
// references an active plan and a pending next plan; the billing package
// owns the transition between them, this package owns the entity itself,
// who belongs to it, and the append-only audit trail of plan changes.
//
// # Invariants
//
//   - update_on is null exactly when both plan and next_plan are free
//   - subscription_id is set exactly when an active remote subscription exists
//   - an invitation is accepted or rejected at most once
//   - change-log rows are append-only
//
// # Related Packages
//
//   - pkg/plans: the plan catalog
//   - pkg/billing: subscription transitions, webhooks, rollover
package orgs
