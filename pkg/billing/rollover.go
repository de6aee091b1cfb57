package billing

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jacqui/squarelet/pkg/cache"
	"github.com/jacqui/squarelet/pkg/observability"
)

// Rollover applies pending plan changes for every organization whose
// billing date has arrived. It is deliberately independent of the gateway:
// remote subscriptions were already updated or cancelled when the pending
// change was requested, so the job only moves local state forward.
type Rollover struct {
	db          *sql.DB
	invalidator cache.Invalidator
	metrics     *observability.Metrics
	logger      *logrus.Logger

	now func() time.Time
}

// NewRollover creates the rollover job
func NewRollover(db *sql.DB, invalidator cache.Invalidator, metrics *observability.Metrics, logger *logrus.Logger) *Rollover {
	return &Rollover{
		db:          db,
		invalidator: invalidator,
		metrics:     metrics,
		logger:      logger,
		now:         time.Now,
	}
}

// freePlanSubquery selects plan ids that charge nothing
const freePlanSubquery = `SELECT id FROM plans WHERE base_price = 0 AND price_per_user = 0`

// Run processes all organizations due on or before today. It promotes each
// pending plan to active, clears the billing date for organizations landing
// on a free plan and advances it one month for the rest. Returns the number
// of organizations updated.
func (r *Rollover) Run(ctx context.Context) (int, error) {
	count, err := r.run(ctx, dateOf(r.now().UTC()))
	if err != nil {
		r.metrics.RolloverRunsTotal.WithLabelValues("error").Inc()
		return 0, err
	}
	r.metrics.RolloverRunsTotal.WithLabelValues("ok").Inc()
	r.metrics.RolloverOrganizationsTotal.Add(float64(count))
	return count, nil
}

func (r *Rollover) run(ctx context.Context, today time.Time) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// collect identities first so one batched invalidation can follow the
	// bulk updates
	rows, err := tx.Query(
		`SELECT uuid FROM organizations WHERE update_on IS NOT NULL AND update_on <= $1`,
		today,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to select due organizations: %w", err)
	}

	var due []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan organization uuid: %w", err)
		}
		due = append(due, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to read due organizations: %w", err)
	}
	if len(due) == 0 {
		return 0, tx.Commit()
	}

	// organizations rolling onto a free plan leave the billing cycle
	freeQuery := fmt.Sprintf(`
		UPDATE organizations
		SET plan_id = next_plan_id, update_on = NULL, updated_at = NOW()
		WHERE update_on IS NOT NULL AND update_on <= $1
		  AND next_plan_id IN (%s)
	`, freePlanSubquery)
	if _, err := tx.Exec(freeQuery, today); err != nil {
		return 0, fmt.Errorf("failed to roll over to free plans: %w", err)
	}

	// the rest stay on a monthly cycle
	paidQuery := fmt.Sprintf(`
		UPDATE organizations
		SET plan_id = next_plan_id, update_on = $2, updated_at = NOW()
		WHERE update_on IS NOT NULL AND update_on <= $1
		  AND next_plan_id NOT IN (%s)
	`, freePlanSubquery)
	if _, err := tx.Exec(paidQuery, today, today.AddDate(0, 1, 0)); err != nil {
		return 0, fmt.Errorf("failed to roll over to paid plans: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}

	if err := r.invalidator.Invalidate(ctx, "organization", due...); err != nil {
		r.logger.WithError(err).Warn("rollover cache invalidation failed")
	}

	r.logger.WithFields(logrus.Fields{
		"organizations": len(due),
		"date":          today.Format("2006-01-02"),
	}).Info("rollover complete")
	return len(due), nil
}

// dateOf truncates a time to its date in UTC
func dateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
