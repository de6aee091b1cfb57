package billing

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jacqui/squarelet/pkg/mail"
	"github.com/jacqui/squarelet/pkg/observability"
	"github.com/jacqui/squarelet/pkg/orgs"
	"github.com/jacqui/squarelet/pkg/plans"
)

// Service is the subscription transition engine
type Service struct {
	db      *sql.DB
	orgs    *orgs.PostgresService
	plans   *plans.Store
	gateway Gateway
	mailer  mail.Dispatcher
	metrics *observability.Metrics
	logger  *logrus.Logger

	// now is replaceable in tests
	now func() time.Time
}

// NewService creates the billing service
func NewService(
	orgService *orgs.PostgresService,
	planStore *plans.Store,
	gateway Gateway,
	mailer mail.Dispatcher,
	metrics *observability.Metrics,
	logger *logrus.Logger,
) *Service {
	return &Service{
		db:      orgService.DB(),
		orgs:    orgService,
		plans:   planStore,
		gateway: gateway,
		mailer:  mailer,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// SubscriptionRequest describes a requested plan change
type SubscriptionRequest struct {
	OrganizationID int64
	PlanSlug       string
	MaxUsers       int
	// Token is an optional tokenized card to save before changing plans
	Token string
	// ActorID is the requesting user, nil for system-initiated changes
	ActorID *int64
}

// SetSubscription changes an organization's plan. It validates the request,
// saves a new card if one was provided, applies the local state change
// under a row lock, and performs the gateway work its transition kind
// requires.
//
// On a GatewayError from a deferred creation the local change is already
// committed; the returned organization reflects the committed state.
func (s *Service) SetSubscription(ctx context.Context, req SubscriptionRequest) (*orgs.Organization, error) {
	org, err := s.orgs.GetOrganization(req.OrganizationID)
	if err != nil {
		return nil, err
	}

	newPlan, err := s.plans.GetBySlug(req.PlanSlug)
	if err != nil {
		return nil, &orgs.ValidationError{Msg: fmt.Sprintf("unknown plan: %s", req.PlanSlug)}
	}

	maxUsers := req.MaxUsers
	if org.Individual {
		maxUsers = 1
	}
	if err := s.validateRequest(org, newPlan, maxUsers); err != nil {
		return nil, err
	}

	// card saving and customer creation happen before the transaction:
	// a declined card must abort the whole change. Annual plans are
	// invoiced without a card, so any paid plan needs the customer record.
	if !newPlan.Free() || req.Token != "" {
		if err := s.ensureCustomer(ctx, org); err != nil {
			return nil, err
		}
	}
	if req.Token != "" {
		if err := s.gateway.AttachPaymentSource(ctx, org.CustomerID, req.Token); err != nil {
			return nil, &GatewayError{Op: "attach payment source", Err: err}
		}
		if err := s.orgs.ClearPaymentFailed(ctx, org); err != nil {
			return nil, err
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// re-read under lock: the pre-transaction copy may be stale
	org, err = orgs.GetOrganizationForUpdate(tx, req.OrganizationID)
	if err != nil {
		return nil, err
	}

	from := snapshot(org)
	kind := SelectTransition(org.Plan.Free(), newPlan.Free())

	var postCommit []func(context.Context) error
	switch kind {
	case FreeToFree:
		s.applyPlanChange(org, newPlan, maxUsers)

	case FreeToPaid:
		s.applyPlanChange(org, newPlan, maxUsers)
		postCommit = append(postCommit, s.deferredCreate(org, newPlan, maxUsers))

	case PaidToFree:
		// only the pending plan moves; the paid plan and its seat count
		// stay in force until the billing date
		if err := s.cancelRemote(ctx, org); err != nil {
			return nil, err
		}
		org.NextPlanID = newPlan.ID
		org.NextPlan = newPlan
		org.SubscriptionID = ""

	case PaidToPaid:
		create, err := s.updateRemote(ctx, org, newPlan, maxUsers)
		if err != nil {
			return nil, err
		}
		s.applyPlanChange(org, newPlan, maxUsers)
		if create {
			org.SubscriptionID = ""
			postCommit = append(postCommit, s.deferredCreate(org, newPlan, maxUsers))
		}
	}

	if err := orgs.UpdateSubscriptionState(tx, org); err != nil {
		return nil, err
	}

	entry := &orgs.ChangeLog{
		OrganizationID: org.ID,
		UserID:         req.ActorID,
		Reason:         orgs.ReasonUpdated,
		FromPlanID:     &from.planID,
		FromNextPlanID: &from.nextPlanID,
		FromMaxUsers:   &from.maxUsers,
		ToPlanID:       org.PlanID,
		ToNextPlanID:   org.NextPlanID,
		ToMaxUsers:     org.MaxUsers,
	}
	if err := orgs.InsertChangeLog(tx, entry); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	s.metrics.PlanTransitionsTotal.WithLabelValues(kind.String()).Inc()
	s.orgs.Invalidate(ctx, org.UUID)

	for _, action := range postCommit {
		if err := action(ctx); err != nil {
			s.logger.WithFields(logrus.Fields{
				"organization": org.ID,
				"plan":         newPlan.Slug,
			}).WithError(err).Error("subscription committed locally but gateway creation failed, needs reconciliation")
			s.metrics.ReconciliationAnomaliesTotal.WithLabelValues("create").Inc()
			return org, &GatewayError{Op: "create subscription", Err: err}
		}
	}

	return org, nil
}

// SaveCard attaches a new default payment source without touching the
// plan, creating the gateway customer first if the organization has never
// paid. A successful save clears any outstanding payment-failed flag.
func (s *Service) SaveCard(ctx context.Context, orgID int64, token string) (*orgs.Organization, error) {
	if token == "" {
		return nil, &orgs.ValidationError{Msg: "no card token provided"}
	}

	org, err := s.orgs.GetOrganization(orgID)
	if err != nil {
		return nil, err
	}
	if err := s.ensureCustomer(ctx, org); err != nil {
		return nil, err
	}
	if err := s.gateway.AttachPaymentSource(ctx, org.CustomerID, token); err != nil {
		return nil, &GatewayError{Op: "attach payment source", Err: err}
	}
	if err := s.orgs.ClearPaymentFailed(ctx, org); err != nil {
		return nil, err
	}
	return org, nil
}

func (s *Service) validateRequest(org *orgs.Organization, plan *plans.Plan, maxUsers int) error {
	if org.Individual && !plan.ForIndividuals {
		return &orgs.ValidationError{Msg: fmt.Sprintf("plan %s is not available to individuals", plan.Slug)}
	}
	if !org.Individual && !plan.ForGroups {
		return &orgs.ValidationError{Msg: fmt.Sprintf("plan %s is not available to groups", plan.Slug)}
	}
	if maxUsers < plan.MinimumUsers {
		return &orgs.ValidationError{
			Msg: fmt.Sprintf("plan %s requires at least %d users", plan.Slug, plan.MinimumUsers),
		}
	}

	count, err := s.orgs.UserCount(org.ID)
	if err != nil {
		return err
	}
	if maxUsers < count {
		return &orgs.ValidationError{
			Msg: fmt.Sprintf("organization already has %d users", count),
		}
	}
	return nil
}

// ensureCustomer creates the gateway customer record on first use
func (s *Service) ensureCustomer(ctx context.Context, org *orgs.Organization) error {
	if org.CustomerID != "" {
		return nil
	}

	email, err := s.orgs.Email(org.ID)
	if err != nil {
		email = ""
	}
	customerID, err := s.gateway.CreateCustomer(ctx, org.Name, email)
	if err != nil {
		return &GatewayError{Op: "create customer", Err: err}
	}
	return s.orgs.SetCustomerID(ctx, org, customerID)
}

// applyPlanChange applies a requested plan locally. Upgrades (equal or
// higher feature level) take effect immediately; downgrades only set the
// pending plan, keeping current features until the billing date.
func (s *Service) applyPlanChange(org *orgs.Organization, newPlan *plans.Plan, maxUsers int) {
	if newPlan.FeatureLevel >= org.Plan.FeatureLevel {
		org.PlanID = newPlan.ID
		org.Plan = newPlan
	}
	org.NextPlanID = newPlan.ID
	org.NextPlan = newPlan
	org.MaxUsers = maxUsers

	switch {
	case org.Plan.Free() && org.NextPlan.Free():
		org.UpdateOn = nil
	case org.UpdateOn == nil:
		next := s.nextBillingDate()
		org.UpdateOn = &next
	}
}

// nextBillingDate is one month from today, at date precision
func (s *Service) nextBillingDate() time.Time {
	now := s.now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}

// deferredCreate returns the post-commit action that creates the gateway
// subscription and persists its id. Run only after the local transaction
// commits, so gateway webhooks never race an uncommitted plan change.
func (s *Service) deferredCreate(org *orgs.Organization, plan *plans.Plan, maxUsers int) func(context.Context) error {
	return func(ctx context.Context) error {
		subscriptionID, err := s.gateway.CreateSubscription(ctx, SubscriptionParams{
			Customer:     org.CustomerID,
			PlanID:       plan.StripeID(),
			Quantity:     maxUsers,
			BillingMode:  plan.BillingMode(),
			DaysUntilDue: plan.DaysUntilDue(),
		})
		if err != nil {
			return err
		}

		if _, err := s.db.Exec(
			`UPDATE organizations SET subscription_id = $1, updated_at = NOW() WHERE id = $2`,
			subscriptionID, org.ID,
		); err != nil {
			return fmt.Errorf("failed to record subscription id: %w", err)
		}
		org.SubscriptionID = subscriptionID
		return nil
	}
}

// cancelRemote schedules cancellation of the organization's remote
// subscription. A missing remote subscription is recorded as an anomaly
// and the local cancellation proceeds; a transient lookup failure aborts.
func (s *Service) cancelRemote(ctx context.Context, org *orgs.Organization) error {
	if org.SubscriptionID == "" {
		return nil
	}

	result := s.gateway.GetSubscription(ctx, org.SubscriptionID)
	switch result.Status {
	case LookupTransientError:
		return &GatewayError{Op: "get subscription", Err: result.Err}
	case LookupNotFound:
		s.logger.WithFields(logrus.Fields{
			"organization": org.ID,
			"subscription": org.SubscriptionID,
		}).Warn("expected remote subscription missing during cancel")
		s.metrics.ReconciliationAnomaliesTotal.WithLabelValues("cancel").Inc()
		return nil
	}

	if err := s.gateway.CancelSubscription(ctx, org.SubscriptionID); err != nil {
		return &GatewayError{Op: "cancel subscription", Err: err}
	}
	return nil
}

// updateRemote modifies the remote subscription in place. When the remote
// subscription is missing it reports the anomaly and asks the caller to
// fall back to creating a fresh one.
func (s *Service) updateRemote(ctx context.Context, org *orgs.Organization, plan *plans.Plan, maxUsers int) (create bool, err error) {
	if org.SubscriptionID == "" {
		return true, nil
	}

	result := s.gateway.GetSubscription(ctx, org.SubscriptionID)
	switch result.Status {
	case LookupTransientError:
		return false, &GatewayError{Op: "get subscription", Err: result.Err}
	case LookupNotFound:
		s.logger.WithFields(logrus.Fields{
			"organization": org.ID,
			"subscription": org.SubscriptionID,
		}).Warn("expected remote subscription missing during update, recreating")
		s.metrics.ReconciliationAnomaliesTotal.WithLabelValues("update").Inc()
		return true, nil
	}

	err = s.gateway.UpdateSubscription(ctx, org.SubscriptionID, SubscriptionParams{
		Customer:     org.CustomerID,
		PlanID:       plan.StripeID(),
		Quantity:     maxUsers,
		BillingMode:  plan.BillingMode(),
		DaysUntilDue: plan.DaysUntilDue(),
	})
	if err != nil {
		return false, &GatewayError{Op: "update subscription", Err: err}
	}
	return false, nil
}

// planState is the change-log "from" snapshot
type planState struct {
	planID     int64
	nextPlanID int64
	maxUsers   int
}

func snapshot(org *orgs.Organization) planState {
	return planState{
		planID:     org.PlanID,
		nextPlanID: org.NextPlanID,
		maxUsers:   org.MaxUsers,
	}
}
