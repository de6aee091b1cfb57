package orgs

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jacqui/squarelet/pkg/cache"
	"github.com/jacqui/squarelet/pkg/plans"
)

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	QueryRow(query string, args ...interface{}) *sql.Row
	Query(query string, args ...interface{}) (*sql.Rows, error)
	Exec(query string, args ...interface{}) (sql.Result, error)
}

const orgColumns = `o.id, o.uuid, o.name, o.slug, o.individual, o.private,
	       o.plan_id, o.next_plan_id, o.max_users, o.update_on,
	       o.customer_id, o.subscription_id, o.payment_failed,
	       o.created_at, o.updated_at,
	       p.id, p.name, p.slug, p.minimum_users, p.base_price, p.price_per_user,
	       p.feature_level, p.public, p.annual, p.for_individuals, p.for_groups,
	       p.created_at, p.updated_at,
	       np.id, np.name, np.slug, np.minimum_users, np.base_price, np.price_per_user,
	       np.feature_level, np.public, np.annual, np.for_individuals, np.for_groups,
	       np.created_at, np.updated_at`

const orgJoins = `FROM organizations o
		JOIN plans p ON p.id = o.plan_id
		JOIN plans np ON np.id = o.next_plan_id`

// PostgresService implements organization management using PostgreSQL
type PostgresService struct {
	db          *sql.DB
	plans       *plans.Store
	invalidator cache.Invalidator
	logger      *logrus.Logger
}

// NewPostgresService creates a new PostgresService
func NewPostgresService(db *sql.DB, planStore *plans.Store, invalidator cache.Invalidator, logger *logrus.Logger) *PostgresService {
	return &PostgresService{
		db:          db,
		plans:       planStore,
		invalidator: invalidator,
		logger:      logger,
	}
}

// DB exposes the underlying handle so the billing engine can share
// transactions with this service.
func (s *PostgresService) DB() *sql.DB {
	return s.db
}

// GetOrganization retrieves an organization with both plans loaded
func (s *PostgresService) GetOrganization(id int64) (*Organization, error) {
	query := fmt.Sprintf(`SELECT %s %s WHERE o.id = $1`, orgColumns, orgJoins)
	return s.getOne(s.db, query, id)
}

// GetByUUID retrieves an organization by its stable cross-service identity
func (s *PostgresService) GetByUUID(id uuid.UUID) (*Organization, error) {
	query := fmt.Sprintf(`SELECT %s %s WHERE o.uuid = $1`, orgColumns, orgJoins)
	return s.getOne(s.db, query, id)
}

// GetByCustomerID resolves the organization owning a gateway customer.
// Webhook handlers use this to attribute asynchronous gateway events.
func (s *PostgresService) GetByCustomerID(customerID string) (*Organization, error) {
	query := fmt.Sprintf(`SELECT %s %s WHERE o.customer_id = $1`, orgColumns, orgJoins)
	return s.getOne(s.db, query, customerID)
}

func (s *PostgresService) getOne(q querier, query string, arg interface{}) (*Organization, error) {
	org, err := ScanOrganization(q.QueryRow(query, arg))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("organization: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}
	return org, nil
}

// GetOrganizationForUpdate loads an organization inside tx holding a row
// lock, so concurrent subscription changes serialize on the organization.
func GetOrganizationForUpdate(tx *sql.Tx, id int64) (*Organization, error) {
	query := fmt.Sprintf(`SELECT %s %s WHERE o.id = $1 FOR UPDATE OF o`, orgColumns, orgJoins)
	org, err := ScanOrganization(tx.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("organization: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock organization: %w", err)
	}
	return org, nil
}

// CreateOrganization creates a group organization on the free plan with the
// creator as admin and their email as the default receipt recipient.
func (s *PostgresService) CreateOrganization(ctx context.Context, name string, creatorID int64, creatorEmail string) (*Organization, error) {
	return s.create(ctx, name, creatorID, creatorEmail, false, 5)
}

// CreateIndividual creates a user's individual organization: private,
// single-seat, on the free plan.
func (s *PostgresService) CreateIndividual(ctx context.Context, name string, userID int64, email string) (*Organization, error) {
	return s.create(ctx, name, userID, email, true, 1)
}

func (s *PostgresService) create(ctx context.Context, name string, creatorID int64, creatorEmail string, individual bool, maxUsers int) (*Organization, error) {
	free, err := s.plans.GetFree()
	if err != nil {
		return nil, fmt.Errorf("failed to load free plan: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	org := &Organization{
		UUID:       uuid.New(),
		Name:       name,
		Slug:       generateSlug(name),
		Individual: individual,
		Private:    individual,
		PlanID:     free.ID,
		NextPlanID: free.ID,
		Plan:       free,
		NextPlan:   free,
		MaxUsers:   maxUsers,
	}

	query := `
		INSERT INTO organizations (uuid, name, slug, individual, private, plan_id, next_plan_id, max_users)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at
	`
	err = tx.QueryRow(query, org.UUID, org.Name, org.Slug, org.Individual, org.Private,
		org.PlanID, org.NextPlanID, org.MaxUsers).
		Scan(&org.ID, &org.CreatedAt, &org.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create organization: %w", err)
	}

	if _, err := tx.Exec(
		`INSERT INTO memberships (organization_id, user_id, admin) VALUES ($1, $2, TRUE)`,
		org.ID, creatorID,
	); err != nil {
		return nil, fmt.Errorf("failed to add creator: %w", err)
	}

	// agency users may not have an email
	if creatorEmail != "" {
		if _, err := tx.Exec(
			`INSERT INTO receipt_emails (organization_id, email) VALUES ($1, $2)`,
			org.ID, creatorEmail,
		); err != nil {
			return nil, fmt.Errorf("failed to add receipt email: %w", err)
		}
	}

	entry := &ChangeLog{
		OrganizationID: org.ID,
		UserID:         &creatorID,
		Reason:         ReasonCreated,
		ToPlanID:       org.PlanID,
		ToNextPlanID:   org.NextPlanID,
		ToMaxUsers:     org.MaxUsers,
	}
	if err := InsertChangeLog(tx, entry); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	s.invalidator.Invalidate(ctx, "organization", org.UUID)
	return org, nil
}

// InsertChangeLog appends an audit record within the caller's transaction.
// Change-log rows are append-only; there is deliberately no update or
// delete counterpart.
func InsertChangeLog(q querier, entry *ChangeLog) error {
	query := `
		INSERT INTO organization_change_logs
			(organization_id, user_id, reason,
			 from_plan_id, from_next_plan_id, from_max_users,
			 to_plan_id, to_next_plan_id, to_max_users)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at
	`
	err := q.QueryRow(query, entry.OrganizationID, entry.UserID, entry.Reason,
		entry.FromPlanID, entry.FromNextPlanID, entry.FromMaxUsers,
		entry.ToPlanID, entry.ToNextPlanID, entry.ToMaxUsers).
		Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append change log: %w", err)
	}
	return nil
}

// ListChangeLogs lists the audit trail for an organization, newest first
func (s *PostgresService) ListChangeLogs(orgID int64, limit int) ([]*ChangeLog, error) {
	query := `
		SELECT id, organization_id, user_id, reason,
		       from_plan_id, from_next_plan_id, from_max_users,
		       to_plan_id, to_next_plan_id, to_max_users, created_at
		FROM organization_change_logs
		WHERE organization_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := s.db.Query(query, orgID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list change logs: %w", err)
	}
	defer rows.Close()

	var logs []*ChangeLog
	for rows.Next() {
		entry := &ChangeLog{}
		if err := rows.Scan(
			&entry.ID, &entry.OrganizationID, &entry.UserID, &entry.Reason,
			&entry.FromPlanID, &entry.FromNextPlanID, &entry.FromMaxUsers,
			&entry.ToPlanID, &entry.ToNextPlanID, &entry.ToMaxUsers, &entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan change log: %w", err)
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

// Email resolves the contact address for an organization: the first receipt
// email, falling back to the first admin's email. Individual organizations
// get their owner's email seeded as a receipt email at creation, so this
// resolves to the owner for them.
func (s *PostgresService) Email(orgID int64) (string, error) {
	emails, err := s.ReceiptEmails(orgID)
	if err != nil {
		return "", err
	}
	if len(emails) > 0 {
		return emails[0], nil
	}

	admins, err := s.AdminEmails(orgID)
	if err != nil {
		return "", err
	}
	if len(admins) > 0 {
		return admins[0], nil
	}
	return "", fmt.Errorf("organization %d has no contact email", orgID)
}

// ReceiptEmails lists the addresses receipts are sent to
func (s *PostgresService) ReceiptEmails(orgID int64) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT email FROM receipt_emails WHERE organization_id = $1 ORDER BY id ASC`,
		orgID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list receipt emails: %w", err)
	}
	defer rows.Close()

	var emails []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, fmt.Errorf("failed to scan receipt email: %w", err)
		}
		emails = append(emails, email)
	}
	return emails, rows.Err()
}

// SetReceiptEmails replaces the receipt recipient set, only touching rows
// that actually changed.
func (s *PostgresService) SetReceiptEmails(orgID int64, emails []string) error {
	current, err := s.ReceiptEmails(orgID)
	if err != nil {
		return err
	}

	oldSet := make(map[string]bool, len(current))
	for _, e := range current {
		oldSet[strings.ToLower(e)] = true
	}
	newSet := make(map[string]bool, len(emails))
	for _, e := range emails {
		newSet[strings.ToLower(e)] = true
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for email := range oldSet {
		if !newSet[email] {
			if _, err := tx.Exec(
				`DELETE FROM receipt_emails WHERE organization_id = $1 AND LOWER(email) = $2`,
				orgID, email,
			); err != nil {
				return fmt.Errorf("failed to remove receipt email: %w", err)
			}
		}
	}
	for email := range newSet {
		if !oldSet[email] {
			if _, err := tx.Exec(
				`INSERT INTO receipt_emails (organization_id, email) VALUES ($1, $2)`,
				orgID, email,
			); err != nil {
				return fmt.Errorf("failed to add receipt email: %w", err)
			}
		}
	}

	return tx.Commit()
}

// AdminEmails lists the emails of the organization's admins, for
// payment-failure notifications.
func (s *PostgresService) AdminEmails(orgID int64) ([]string, error) {
	query := `
		SELECT u.email
		FROM memberships m
		JOIN users u ON u.id = m.user_id
		WHERE m.organization_id = $1 AND m.admin = TRUE AND u.email <> ''
		ORDER BY m.id ASC
	`
	rows, err := s.db.Query(query, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list admin emails: %w", err)
	}
	defer rows.Close()

	var emails []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, fmt.Errorf("failed to scan admin email: %w", err)
		}
		emails = append(emails, email)
	}
	return emails, rows.Err()
}

// ScanOrganization scans an organization row with both plans joined
func ScanOrganization(row *sql.Row) (*Organization, error) {
	org := &Organization{Plan: &plans.Plan{}, NextPlan: &plans.Plan{}}
	var customerID, subscriptionID sql.NullString
	var updateOn sql.NullTime

	err := row.Scan(
		&org.ID, &org.UUID, &org.Name, &org.Slug, &org.Individual, &org.Private,
		&org.PlanID, &org.NextPlanID, &org.MaxUsers, &updateOn,
		&customerID, &subscriptionID, &org.PaymentFailed,
		&org.CreatedAt, &org.UpdatedAt,
		&org.Plan.ID, &org.Plan.Name, &org.Plan.Slug, &org.Plan.MinimumUsers,
		&org.Plan.BasePrice, &org.Plan.PricePerUser, &org.Plan.FeatureLevel,
		&org.Plan.Public, &org.Plan.Annual, &org.Plan.ForIndividuals, &org.Plan.ForGroups,
		&org.Plan.CreatedAt, &org.Plan.UpdatedAt,
		&org.NextPlan.ID, &org.NextPlan.Name, &org.NextPlan.Slug, &org.NextPlan.MinimumUsers,
		&org.NextPlan.BasePrice, &org.NextPlan.PricePerUser, &org.NextPlan.FeatureLevel,
		&org.NextPlan.Public, &org.NextPlan.Annual, &org.NextPlan.ForIndividuals, &org.NextPlan.ForGroups,
		&org.NextPlan.CreatedAt, &org.NextPlan.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if customerID.Valid {
		org.CustomerID = customerID.String
	}
	if subscriptionID.Valid {
		org.SubscriptionID = subscriptionID.String
	}
	if updateOn.Valid {
		t := updateOn.Time
		org.UpdateOn = &t
	}
	return org, nil
}

// UpdateSubscriptionState writes the billing-owned columns of an
// organization within the caller's transaction.
func UpdateSubscriptionState(q querier, org *Organization) error {
	var customerID, subscriptionID interface{}
	if org.CustomerID != "" {
		customerID = org.CustomerID
	}
	if org.SubscriptionID != "" {
		subscriptionID = org.SubscriptionID
	}
	var updateOn interface{}
	if org.UpdateOn != nil {
		updateOn = *org.UpdateOn
	}

	query := `
		UPDATE organizations
		SET plan_id = $1, next_plan_id = $2, max_users = $3, update_on = $4,
		    customer_id = $5, subscription_id = $6, payment_failed = $7,
		    updated_at = NOW()
		WHERE id = $8
	`
	result, err := q.Exec(query, org.PlanID, org.NextPlanID, org.MaxUsers, updateOn,
		customerID, subscriptionID, org.PaymentFailed, org.ID)
	if err != nil {
		return fmt.Errorf("failed to update organization: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("organization: %w", ErrNotFound)
	}
	return nil
}

// SetCustomerID persists a newly created gateway customer reference
func (s *PostgresService) SetCustomerID(ctx context.Context, org *Organization, customerID string) error {
	if _, err := s.db.Exec(
		`UPDATE organizations SET customer_id = $1, updated_at = NOW() WHERE id = $2`,
		customerID, org.ID,
	); err != nil {
		return fmt.Errorf("failed to set customer id: %w", err)
	}
	org.CustomerID = customerID
	s.invalidator.Invalidate(ctx, "organization", org.UUID)
	return nil
}

// ClearPaymentFailed clears the payment-failed flag after a successful card
// save.
func (s *PostgresService) ClearPaymentFailed(ctx context.Context, org *Organization) error {
	if _, err := s.db.Exec(
		`UPDATE organizations SET payment_failed = FALSE, updated_at = NOW() WHERE id = $1`,
		org.ID,
	); err != nil {
		return fmt.Errorf("failed to clear payment failed: %w", err)
	}
	org.PaymentFailed = false
	s.invalidator.Invalidate(ctx, "organization", org.UUID)
	return nil
}

// Invalidate publishes a cache invalidation for the organization
func (s *PostgresService) Invalidate(ctx context.Context, uuids ...uuid.UUID) {
	if err := s.invalidator.Invalidate(ctx, "organization", uuids...); err != nil {
		s.logger.WithError(err).Warn("organization cache invalidation failed")
	}
}

func generateSlug(name string) string {
	slug := strings.ToLower(name)
	slug = strings.ReplaceAll(slug, " ", "-")
	slug = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			return r
		}
		return -1
	}, slug)
	return slug
}
