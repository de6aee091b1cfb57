package billing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jacqui/squarelet/pkg/mail"
	"github.com/jacqui/squarelet/pkg/orgs"
)

// RetryConfig configures webhook retry behavior
type RetryConfig struct {
	MaxAttempts       int           `json:"max_attempts"`
	InitialDelay      time.Duration `json:"initial_delay"`
	MaxDelay          time.Duration `json:"max_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       5,
		InitialDelay:      1 * time.Second,
		MaxDelay:          2 * time.Minute,
		BackoffMultiplier: 2.0,
	}
}

// RetryPolicy implements exponential backoff for retryable webhook failures
type RetryPolicy struct {
	config RetryConfig
}

// NewRetryPolicy creates a new retry policy
func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 1 * time.Second
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 2 * time.Minute
	}
	if config.BackoffMultiplier <= 1.0 {
		config.BackoffMultiplier = 2.0
	}
	return &RetryPolicy{config: config}
}

// ShouldRetry determines whether processing should be attempted again.
// Only retryable failures qualify; validation and terminal errors never do.
func (p *RetryPolicy) ShouldRetry(attempts int, err error) bool {
	if err == nil {
		return false
	}
	if attempts >= p.config.MaxAttempts {
		return false
	}
	return IsRetryable(err)
}

// NextRetryDelay calculates the delay before the next attempt
func (p *RetryPolicy) NextRetryDelay(attempts int) time.Duration {
	if attempts <= 0 {
		return p.config.InitialDelay
	}

	delay := float64(p.config.InitialDelay) * math.Pow(p.config.BackoffMultiplier, float64(attempts-1))
	if delay > float64(p.config.MaxDelay) {
		return p.config.MaxDelay
	}
	return time.Duration(delay)
}

// ProcessChargeSucceeded runs HandleChargeSucceeded under the retry policy.
// Retryable failures back off and retry; when attempts are exhausted the
// event is dead-lettered: logged in full and counted, never silently lost.
func (s *Service) ProcessChargeSucceeded(ctx context.Context, policy *RetryPolicy, event *ChargeEvent) {
	var err error
	for attempts := 1; ; attempts++ {
		err = s.HandleChargeSucceeded(ctx, event)
		if !policy.ShouldRetry(attempts, err) {
			break
		}

		delay := policy.NextRetryDelay(attempts)
		s.logger.WithFields(logrus.Fields{
			"charge":  event.ID,
			"attempt": attempts,
			"delay":   delay.String(),
		}).WithError(err).Warn("charge webhook failed, retrying")

		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-time.After(delay):
			continue
		}
		break
	}

	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"charge":   event.ID,
			"customer": event.Customer,
			"amount":   event.Amount,
			"invoice":  event.Invoice,
		}).WithError(err).Error("charge webhook dead-lettered")
		s.metrics.WebhookDeadLettersTotal.Inc()
		s.metrics.WebhookEventsTotal.WithLabelValues("charge.succeeded", "dead_letter").Inc()
		return
	}
	s.metrics.WebhookEventsTotal.WithLabelValues("charge.succeeded", "ok").Inc()
}

// HandleChargeSucceeded records a successful charge and sends its receipt.
// Charges without a customer, donations and crowdfund payments are skipped:
// they belong to other systems sharing the gateway account.
func (s *Service) HandleChargeSucceeded(ctx context.Context, event *ChargeEvent) error {
	if event.Customer == "" {
		s.logger.WithField("charge", event.ID).Debug("charge has no customer, skipping")
		return nil
	}
	if donationActions[event.Metadata["action"]] {
		s.logger.WithField("charge", event.ID).Debug("charge is a donation, skipping")
		return nil
	}

	description := event.Description
	if event.Invoice != "" {
		invoice, err := s.gateway.GetInvoice(ctx, event.Invoice)
		if err != nil {
			return &RetryableError{Err: fmt.Errorf("failed to fetch invoice %s: %w", event.Invoice, err)}
		}
		for _, line := range invoice.Lines {
			if isDonationPlan(line.PlanID) {
				s.logger.WithFields(logrus.Fields{
					"charge":  event.ID,
					"invoice": event.Invoice,
				}).Debug("invoice contains donation lines, skipping")
				return nil
			}
			if description == "" && line.PlanName != "" {
				description = line.PlanName
			}
			if description == "" {
				description = line.ProductName
			}
		}
	}

	org, err := s.orgs.GetByCustomerID(event.Customer)
	if errors.Is(err, orgs.ErrNotFound) {
		// the organization's customer id may not be committed yet
		return &RetryableError{Err: fmt.Errorf("no organization for customer %s", event.Customer)}
	}
	if err != nil {
		return err
	}

	feeAmount := 0
	if raw, ok := event.Metadata["fee amount"]; ok {
		if parsed, err := strconv.Atoi(raw); err == nil {
			feeAmount = parsed
		}
	}

	charge := &Charge{
		ChargeID:       event.ID,
		OrganizationID: org.ID,
		Amount:         event.Amount,
		FeeAmount:      feeAmount,
		Description:    description,
		CreatedAt:      time.Unix(event.Created, 0).UTC(),
	}
	created, err := s.recordCharge(charge)
	if err != nil {
		return err
	}
	if !created {
		s.logger.WithField("charge", event.ID).Info("charge already recorded, skipping receipt")
		return nil
	}

	if err := s.sendReceipt(ctx, org, charge); err != nil {
		s.logger.WithFields(logrus.Fields{
			"charge":       event.ID,
			"organization": org.ID,
		}).WithError(err).Warn("failed to send receipt")
	}
	return nil
}

// HandleInvoiceFailed marks the organization's payment as failed and, on
// the gateway's final collection attempt, downgrades it to the free plan.
func (s *Service) HandleInvoiceFailed(ctx context.Context, event *InvoiceFailedEvent) error {
	if event.Customer == "" {
		return nil
	}

	org, err := s.orgs.GetByCustomerID(event.Customer)
	if errors.Is(err, orgs.ErrNotFound) {
		// stale invoices can outlive their organization
		s.logger.WithFields(logrus.Fields{
			"invoice":  event.ID,
			"customer": event.Customer,
		}).Warn("payment failure for unknown customer, dropping")
		s.metrics.WebhookEventsTotal.WithLabelValues("invoice.payment_failed", "unknown_customer").Inc()
		return nil
	}
	if err != nil {
		return err
	}

	if _, err := s.db.Exec(
		`UPDATE organizations SET payment_failed = TRUE, updated_at = NOW() WHERE id = $1`,
		org.ID,
	); err != nil {
		return fmt.Errorf("failed to mark payment failed: %w", err)
	}
	s.orgs.Invalidate(ctx, org.UUID)

	final := event.AttemptCount >= finalPaymentAttempt
	if final {
		if err := s.downgradeForNonpayment(ctx, org); err != nil {
			return err
		}
	}

	s.notifyPaymentFailed(ctx, org, event.AttemptCount, final)
	s.metrics.WebhookEventsTotal.WithLabelValues("invoice.payment_failed", "ok").Inc()
	return nil
}

// downgradeForNonpayment moves the organization to the free plan after the
// gateway has given up collecting. System-initiated: the change log carries
// no user and the payment_failed reason.
func (s *Service) downgradeForNonpayment(ctx context.Context, org *orgs.Organization) error {
	free, err := s.plans.GetFree()
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	locked, err := orgs.GetOrganizationForUpdate(tx, org.ID)
	if err != nil {
		return err
	}
	if locked.Plan.Free() && locked.NextPlan.Free() {
		// already downgraded by a concurrent event
		return nil
	}

	from := snapshot(locked)
	locked.PlanID = free.ID
	locked.Plan = free
	locked.NextPlanID = free.ID
	locked.NextPlan = free
	locked.UpdateOn = nil
	locked.SubscriptionID = ""

	if err := orgs.UpdateSubscriptionState(tx, locked); err != nil {
		return err
	}

	entry := &orgs.ChangeLog{
		OrganizationID: locked.ID,
		Reason:         orgs.ReasonPaymentFailed,
		FromPlanID:     &from.planID,
		FromNextPlanID: &from.nextPlanID,
		FromMaxUsers:   &from.maxUsers,
		ToPlanID:       locked.PlanID,
		ToNextPlanID:   locked.NextPlanID,
		ToMaxUsers:     locked.MaxUsers,
	}
	if err := orgs.InsertChangeLog(tx, entry); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	s.metrics.PlanTransitionsTotal.WithLabelValues("payment_failed").Inc()
	s.orgs.Invalidate(ctx, locked.UUID)

	s.logger.WithFields(logrus.Fields{
		"organization": locked.ID,
		"from_plan":    from.planID,
	}).Info("organization downgraded to free plan after final payment failure")
	return nil
}

// notifyPaymentFailed emails the organization's admins about the failed
// payment. Delivery problems are logged, never surfaced to the webhook.
func (s *Service) notifyPaymentFailed(ctx context.Context, org *orgs.Organization, attempt int, final bool) {
	admins, err := s.orgs.AdminEmails(org.ID)
	if err != nil || len(admins) == 0 {
		s.logger.WithField("organization", org.ID).
			Warn("no admin emails for payment failure notice")
		return
	}

	subject := fmt.Sprintf("Payment failed for %s", org.Name)
	if final {
		subject = fmt.Sprintf("Subscription cancelled for %s", org.Name)
	}
	msg := &mail.Message{
		Subject:  subject,
		Template: "payment_failed",
		To:       admins,
		Context: map[string]interface{}{
			"organization": org.Name,
			"attempt":      attempt,
			"final":        final,
		},
	}
	if err := s.mailer.Dispatch(ctx, msg); err != nil {
		s.logger.WithField("organization", org.ID).
			WithError(err).Warn("failed to send payment failure notice")
	}
}
