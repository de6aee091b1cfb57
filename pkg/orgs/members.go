package orgs

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// AddMember adds a user to an organization. Adding an existing member is a
// no-op so invitation acceptance stays idempotent at the membership level.
func (s *PostgresService) AddMember(ctx context.Context, orgID, userID int64, admin bool) error {
	_, err := s.db.Exec(`
		INSERT INTO memberships (organization_id, user_id, admin)
		VALUES ($1, $2, $3)
		ON CONFLICT (organization_id, user_id) DO NOTHING
	`, orgID, userID, admin)
	if err != nil {
		return fmt.Errorf("failed to add member: %w", err)
	}
	return nil
}

// RemoveMember removes a user from an organization
func (s *PostgresService) RemoveMember(ctx context.Context, orgID, userID int64) error {
	result, err := s.db.Exec(
		`DELETE FROM memberships WHERE organization_id = $1 AND user_id = $2`,
		orgID, userID,
	)
	if err != nil {
		return fmt.Errorf("failed to remove member: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("membership: %w", ErrNotFound)
	}
	return nil
}

// HasMember reports whether the user belongs to the organization
func (s *PostgresService) HasMember(orgID, userID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRow(
		`SELECT EXISTS (SELECT 1 FROM memberships WHERE organization_id = $1 AND user_id = $2)`,
		orgID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check membership: %w", err)
	}
	return exists, nil
}

// HasAdmin reports whether the user is an admin of the organization
func (s *PostgresService) HasAdmin(orgID, userID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRow(
		`SELECT EXISTS (SELECT 1 FROM memberships WHERE organization_id = $1 AND user_id = $2 AND admin = TRUE)`,
		orgID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check admin: %w", err)
	}
	return exists, nil
}

// UserCount counts current members plus open invitations, the figure
// compared against max_users when inviting.
func (s *PostgresService) UserCount(orgID int64) (int, error) {
	var count int
	err := s.db.QueryRow(`
		SELECT
			(SELECT COUNT(*) FROM memberships WHERE organization_id = $1) +
			(SELECT COUNT(*) FROM invitations
			 WHERE organization_id = $1 AND request = FALSE
			   AND accepted_at IS NULL AND rejected_at IS NULL)
	`, orgID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return count, nil
}

// CreateInvitation invites an email address to join the organization, or
// records a join request when request is true. Invitations count against
// the seat limit so a fully subscribed organization cannot over-invite.
func (s *PostgresService) CreateInvitation(ctx context.Context, orgID int64, email string, request bool) (*Invitation, error) {
	if !request {
		org, err := s.GetOrganization(orgID)
		if err != nil {
			return nil, err
		}
		count, err := s.UserCount(orgID)
		if err != nil {
			return nil, err
		}
		if count >= org.MaxUsers {
			return nil, &ValidationError{Msg: "organization is at its user limit"}
		}
	}

	inv := &Invitation{
		OrganizationID: orgID,
		UUID:           uuid.New(),
		Email:          email,
		Request:        request,
	}
	err := s.db.QueryRow(`
		INSERT INTO invitations (organization_id, uuid, email, request)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, inv.OrganizationID, inv.UUID, inv.Email, inv.Request).
		Scan(&inv.ID, &inv.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create invitation: %w", err)
	}
	return inv, nil
}

// GetInvitation retrieves an invitation by its token
func (s *PostgresService) GetInvitation(token uuid.UUID) (*Invitation, error) {
	inv, err := scanInvitation(s.db.QueryRow(`
		SELECT id, organization_id, uuid, email, user_id, request, created_at, accepted_at, rejected_at
		FROM invitations WHERE uuid = $1
	`, token))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("invitation: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invitation: %w", err)
	}
	return inv, nil
}

// AcceptInvitation accepts an open invitation on behalf of userID and adds
// them to the organization. Accepting a closed invitation fails validation
// rather than silently re-running.
func (s *PostgresService) AcceptInvitation(ctx context.Context, token uuid.UUID, userID int64) (*Invitation, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	inv, err := scanInvitation(tx.QueryRow(`
		SELECT id, organization_id, uuid, email, user_id, request, created_at, accepted_at, rejected_at
		FROM invitations WHERE uuid = $1 FOR UPDATE
	`, token))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("invitation: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock invitation: %w", err)
	}
	if inv.Closed() {
		return nil, &ValidationError{Msg: "invitation has already been closed"}
	}

	err = tx.QueryRow(`
		UPDATE invitations SET accepted_at = NOW(), user_id = $1
		WHERE id = $2
		RETURNING accepted_at
	`, userID, inv.ID).Scan(&inv.AcceptedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to accept invitation: %w", err)
	}
	inv.UserID = &userID

	if _, err := tx.Exec(`
		INSERT INTO memberships (organization_id, user_id, admin)
		VALUES ($1, $2, FALSE)
		ON CONFLICT (organization_id, user_id) DO NOTHING
	`, inv.OrganizationID, userID); err != nil {
		return nil, fmt.Errorf("failed to add member: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return inv, nil
}

// RejectInvitation closes an open invitation without adding a member
func (s *PostgresService) RejectInvitation(ctx context.Context, token uuid.UUID) (*Invitation, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	inv, err := scanInvitation(tx.QueryRow(`
		SELECT id, organization_id, uuid, email, user_id, request, created_at, accepted_at, rejected_at
		FROM invitations WHERE uuid = $1 FOR UPDATE
	`, token))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("invitation: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock invitation: %w", err)
	}
	if inv.Closed() {
		return nil, &ValidationError{Msg: "invitation has already been closed"}
	}

	err = tx.QueryRow(`
		UPDATE invitations SET rejected_at = NOW()
		WHERE id = $1
		RETURNING rejected_at
	`, inv.ID).Scan(&inv.RejectedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to reject invitation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return inv, nil
}

func scanInvitation(row *sql.Row) (*Invitation, error) {
	inv := &Invitation{}
	var userID sql.NullInt64
	var acceptedAt, rejectedAt sql.NullTime

	err := row.Scan(&inv.ID, &inv.OrganizationID, &inv.UUID, &inv.Email,
		&userID, &inv.Request, &inv.CreatedAt, &acceptedAt, &rejectedAt)
	if err != nil {
		return nil, err
	}

	if userID.Valid {
		inv.UserID = &userID.Int64
	}
	if acceptedAt.Valid {
		t := acceptedAt.Time
		inv.AcceptedAt = &t
	}
	if rejectedAt.Valid {
		t := rejectedAt.Time
		inv.RejectedAt = &t
	}
	return inv, nil
}
