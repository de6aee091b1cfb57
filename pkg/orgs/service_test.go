package orgs

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacqui/squarelet/pkg/plans"
)

var orgColumnNames = []string{
	"id", "uuid", "name", "slug", "individual", "private",
	"plan_id", "next_plan_id", "max_users", "update_on",
	"customer_id", "subscription_id", "payment_failed",
	"created_at", "updated_at",
	"p_id", "p_name", "p_slug", "p_minimum_users", "p_base_price", "p_price_per_user",
	"p_feature_level", "p_public", "p_annual", "p_for_individuals", "p_for_groups",
	"p_created_at", "p_updated_at",
	"np_id", "np_name", "np_slug", "np_minimum_users", "np_base_price", "np_price_per_user",
	"np_feature_level", "np_public", "np_annual", "np_for_individuals", "np_for_groups",
	"np_created_at", "np_updated_at",
}

func orgRows(org *Organization) *sqlmock.Rows {
	now := time.Now()
	var customerID, subscriptionID interface{}
	if org.CustomerID != "" {
		customerID = org.CustomerID
	}
	if org.SubscriptionID != "" {
		subscriptionID = org.SubscriptionID
	}

	p, np := org.Plan, org.NextPlan
	return sqlmock.NewRows(orgColumnNames).AddRow(
		org.ID, org.UUID, org.Name, org.Slug, org.Individual, org.Private,
		p.ID, np.ID, org.MaxUsers, org.UpdateOn,
		customerID, subscriptionID, org.PaymentFailed,
		now, now,
		p.ID, p.Name, p.Slug, p.MinimumUsers, p.BasePrice, p.PricePerUser,
		p.FeatureLevel, p.Public, p.Annual, p.ForIndividuals, p.ForGroups, now, now,
		np.ID, np.Name, np.Slug, np.MinimumUsers, np.BasePrice, np.PricePerUser,
		np.FeatureLevel, np.Public, np.Annual, np.ForIndividuals, np.ForGroups, now, now,
	)
}

func testOrg() *Organization {
	free := &plans.Plan{ID: 1, Name: "Free", Slug: "free", MinimumUsers: 1}
	return &Organization{
		ID:         3,
		UUID:       uuid.New(),
		Name:       "Example News",
		Slug:       "example-news",
		PlanID:     free.ID,
		Plan:       free,
		NextPlanID: free.ID,
		NextPlan:   free,
		MaxUsers:   5,
	}
}

func TestGetByCustomerID(t *testing.T) {
	service, mock := newTestService(t)

	t.Run("found", func(t *testing.T) {
		org := testOrg()
		org.CustomerID = "cus_123"

		mock.ExpectQuery("SELECT (.+) WHERE o.customer_id").
			WithArgs("cus_123").
			WillReturnRows(orgRows(org))

		got, err := service.GetByCustomerID("cus_123")
		require.NoError(t, err)
		assert.Equal(t, org.ID, got.ID)
		assert.Equal(t, "cus_123", got.CustomerID)
		assert.Equal(t, "free", got.Plan.Slug)
		assert.True(t, got.QuotaConsistent())
	})

	t.Run("not found", func(t *testing.T) {
		mock.ExpectQuery("SELECT (.+) WHERE o.customer_id").
			WithArgs("cus_missing").
			WillReturnRows(sqlmock.NewRows(orgColumnNames))

		_, err := service.GetByCustomerID("cus_missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestGetByUUID(t *testing.T) {
	service, mock := newTestService(t)
	org := testOrg()

	mock.ExpectQuery("SELECT (.+) WHERE o.uuid").
		WithArgs(org.UUID).
		WillReturnRows(orgRows(org))

	got, err := service.GetByUUID(org.UUID)
	require.NoError(t, err)
	assert.Equal(t, org.UUID, got.UUID)
}

func TestSetReceiptEmails(t *testing.T) {
	service, mock := newTestService(t)

	// current set is {old@example.com, kept@example.com}; the new set swaps
	// old for new, so exactly one delete and one insert run
	mock.ExpectQuery("SELECT email FROM receipt_emails").
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"email"}).
			AddRow("old@example.com").
			AddRow("kept@example.com"))

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM receipt_emails").
		WithArgs(int64(3), "old@example.com").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO receipt_emails").
		WithArgs(int64(3), "new@example.com").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := service.SetReceiptEmails(3, []string{"kept@example.com", "new@example.com"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEmailResolution(t *testing.T) {
	t.Run("prefers receipt email", func(t *testing.T) {
		service, mock := newTestService(t)

		mock.ExpectQuery("SELECT email FROM receipt_emails").
			WithArgs(int64(3)).
			WillReturnRows(sqlmock.NewRows([]string{"email"}).AddRow("billing@example.com"))

		email, err := service.Email(3)
		require.NoError(t, err)
		assert.Equal(t, "billing@example.com", email)
	})

	t.Run("falls back to admin email", func(t *testing.T) {
		service, mock := newTestService(t)

		mock.ExpectQuery("SELECT email FROM receipt_emails").
			WithArgs(int64(3)).
			WillReturnRows(sqlmock.NewRows([]string{"email"}))
		mock.ExpectQuery("SELECT u.email").
			WithArgs(int64(3)).
			WillReturnRows(sqlmock.NewRows([]string{"email"}).AddRow("admin@example.com"))

		email, err := service.Email(3)
		require.NoError(t, err)
		assert.Equal(t, "admin@example.com", email)
	})

	t.Run("no addresses at all", func(t *testing.T) {
		service, mock := newTestService(t)

		mock.ExpectQuery("SELECT email FROM receipt_emails").
			WithArgs(int64(3)).
			WillReturnRows(sqlmock.NewRows([]string{"email"}))
		mock.ExpectQuery("SELECT u.email").
			WithArgs(int64(3)).
			WillReturnRows(sqlmock.NewRows([]string{"email"}))

		_, err := service.Email(3)
		assert.Error(t, err)
	})
}

func TestUpdateSubscriptionState(t *testing.T) {
	t.Run("writes billing columns", func(t *testing.T) {
		service, mock := newTestService(t)
		org := testOrg()
		org.CustomerID = "cus_123"
		org.SubscriptionID = "sub_456"
		date := time.Date(2026, 9, 25, 0, 0, 0, 0, time.UTC)
		org.UpdateOn = &date

		mock.ExpectExec("UPDATE organizations").
			WithArgs(org.PlanID, org.NextPlanID, org.MaxUsers, date,
				"cus_123", "sub_456", false, org.ID).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, UpdateSubscriptionState(service.DB(), org))
	})

	t.Run("missing organization", func(t *testing.T) {
		service, mock := newTestService(t)
		org := testOrg()

		mock.ExpectExec("UPDATE organizations").
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := UpdateSubscriptionState(service.DB(), org)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestInsertChangeLog(t *testing.T) {
	service, mock := newTestService(t)
	userID := int64(42)
	fromPlan := int64(1)
	fromMax := 5

	entry := &ChangeLog{
		OrganizationID: 3,
		UserID:         &userID,
		Reason:         ReasonUpdated,
		FromPlanID:     &fromPlan,
		FromNextPlanID: &fromPlan,
		FromMaxUsers:   &fromMax,
		ToPlanID:       2,
		ToNextPlanID:   2,
		ToMaxUsers:     10,
	}

	mock.ExpectQuery("INSERT INTO organization_change_logs").
		WithArgs(int64(3), &userID, ReasonUpdated, &fromPlan, &fromPlan, &fromMax,
			int64(2), int64(2), 10).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(9, time.Now()))

	require.NoError(t, InsertChangeLog(service.DB(), entry))
	assert.Equal(t, int64(9), entry.ID)
}
