package billing

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jacqui/squarelet/pkg/mail"
	"github.com/jacqui/squarelet/pkg/orgs"
)

// recordCharge inserts a charge keyed by the gateway charge id. The insert
// is the idempotency boundary for charge webhooks: a replayed event hits
// the unique constraint and comes back with created=false.
func (s *Service) recordCharge(charge *Charge) (created bool, err error) {
	query := `
		INSERT INTO charges (charge_id, organization_id, amount, fee_amount, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (charge_id) DO NOTHING
		RETURNING id
	`
	err = s.db.QueryRow(query, charge.ChargeID, charge.OrganizationID, charge.Amount,
		charge.FeeAmount, charge.Description, charge.CreatedAt).
		Scan(&charge.ID)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to record charge: %w", err)
	}
	return true, nil
}

// GetCharge retrieves a charge by its gateway id
func (s *Service) GetCharge(chargeID string) (*Charge, error) {
	charge := &Charge{}
	err := s.db.QueryRow(`
		SELECT id, charge_id, organization_id, amount, fee_amount, description, created_at
		FROM charges WHERE charge_id = $1
	`, chargeID).Scan(&charge.ID, &charge.ChargeID, &charge.OrganizationID,
		&charge.Amount, &charge.FeeAmount, &charge.Description, &charge.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("charge: %w", orgs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get charge: %w", err)
	}
	return charge, nil
}

// ListCharges lists an organization's charges, newest first
func (s *Service) ListCharges(orgID int64, limit int) ([]*Charge, error) {
	rows, err := s.db.Query(`
		SELECT id, charge_id, organization_id, amount, fee_amount, description, created_at
		FROM charges WHERE organization_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, orgID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list charges: %w", err)
	}
	defer rows.Close()

	var charges []*Charge
	for rows.Next() {
		charge := &Charge{}
		if err := rows.Scan(&charge.ID, &charge.ChargeID, &charge.OrganizationID,
			&charge.Amount, &charge.FeeAmount, &charge.Description, &charge.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan charge: %w", err)
		}
		charges = append(charges, charge)
	}
	return charges, rows.Err()
}

// sendReceipt dispatches the receipt for a charge to every receipt email of
// the organization, one message per recipient, concurrently.
func (s *Service) sendReceipt(ctx context.Context, org *orgs.Organization, charge *Charge) error {
	recipients, err := s.orgs.ReceiptEmails(org.ID)
	if err != nil {
		return err
	}
	if len(recipients) == 0 {
		email, err := s.orgs.Email(org.ID)
		if err != nil {
			s.logger.WithField("organization", org.ID).
				Warn("no receipt recipients for charge, skipping receipt")
			return nil
		}
		recipients = []string{email}
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, recipient := range recipients {
		recipient := recipient
		g.Go(func() error {
			msg := &mail.Message{
				Subject:  fmt.Sprintf("Receipt from %s", charge.CreatedAt.Format("January 2, 2006")),
				Template: "receipt",
				To:       []string{recipient},
				Context: map[string]interface{}{
					"organization": org.Name,
					"charge_id":    charge.ChargeID,
					"amount":       charge.Amount,
					"items":        charge.Items(),
					"charged_at":   charge.CreatedAt.Format(time.RFC3339),
				},
			}
			return s.mailer.Dispatch(ctx, msg)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to send receipt: %w", err)
	}

	s.metrics.ReceiptsSentTotal.Add(float64(len(recipients)))
	return nil
}
