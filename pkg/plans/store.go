package plans

import (
	"database/sql"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

const planColumns = `id, name, slug, minimum_users, base_price, price_per_user,
	       feature_level, public, annual, for_individuals, for_groups,
	       created_at, updated_at`

// Store provides access to the plan catalog backed by PostgreSQL
type Store struct {
	db    *sql.DB
	cache *lru.Cache[string, *Plan]
}

// NewStore creates a new plan store with an LRU read cache keyed by slug
func NewStore(db *sql.DB) (*Store, error) {
	cache, err := lru.New[string, *Plan](128)
	if err != nil {
		return nil, fmt.Errorf("failed to create plan cache: %w", err)
	}
	return &Store{db: db, cache: cache}, nil
}

// GetBySlug retrieves a plan by slug
func (s *Store) GetBySlug(slug string) (*Plan, error) {
	if plan, ok := s.cache.Get(slug); ok {
		return plan, nil
	}

	query := fmt.Sprintf(`SELECT %s FROM plans WHERE slug = $1`, planColumns)
	plan, err := scanPlan(s.db.QueryRow(query, slug))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("plan not found: %s", slug)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}

	s.cache.Add(slug, plan)
	return plan, nil
}

// GetByID retrieves a plan by id
func (s *Store) GetByID(id int64) (*Plan, error) {
	query := fmt.Sprintf(`SELECT %s FROM plans WHERE id = $1`, planColumns)
	plan, err := scanPlan(s.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("plan not found: %d", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	return plan, nil
}

// GetFree retrieves the default free plan
func (s *Store) GetFree() (*Plan, error) {
	return s.GetBySlug(FreeSlug)
}

// Choices lists the public plans available to an organization. Individual
// organizations only see plans marked for individuals, group organizations
// only those marked for groups.
func (s *Store) Choices(individual bool) ([]*Plan, error) {
	column := "for_groups"
	if individual {
		column = "for_individuals"
	}
	query := fmt.Sprintf(`
		SELECT %s
		FROM plans
		WHERE public = TRUE AND %s = TRUE
		ORDER BY feature_level ASC, base_price ASC
	`, planColumns, column)

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	var result []*Plan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		result = append(result, plan)
	}
	return result, rows.Err()
}

// Create inserts a new plan
func (s *Store) Create(plan *Plan) error {
	query := `
		INSERT INTO plans (name, slug, minimum_users, base_price, price_per_user,
		                   feature_level, public, annual, for_individuals, for_groups)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at
	`
	err := s.db.QueryRow(query, plan.Name, plan.Slug, plan.MinimumUsers, plan.BasePrice,
		plan.PricePerUser, plan.FeatureLevel, plan.Public, plan.Annual,
		plan.ForIndividuals, plan.ForGroups).
		Scan(&plan.ID, &plan.CreatedAt, &plan.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create plan: %w", err)
	}

	s.cache.Remove(plan.Slug)
	return nil
}

// Upsert inserts a plan or updates it in place by slug. Used by the seed
// loader for administrative catalog corrections.
func (s *Store) Upsert(plan *Plan) error {
	query := `
		INSERT INTO plans (name, slug, minimum_users, base_price, price_per_user,
		                   feature_level, public, annual, for_individuals, for_groups)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (slug) DO UPDATE
		SET name = EXCLUDED.name, minimum_users = EXCLUDED.minimum_users,
		    base_price = EXCLUDED.base_price, price_per_user = EXCLUDED.price_per_user,
		    feature_level = EXCLUDED.feature_level, public = EXCLUDED.public,
		    annual = EXCLUDED.annual, for_individuals = EXCLUDED.for_individuals,
		    for_groups = EXCLUDED.for_groups, updated_at = NOW()
		RETURNING id, created_at, updated_at
	`
	err := s.db.QueryRow(query, plan.Name, plan.Slug, plan.MinimumUsers, plan.BasePrice,
		plan.PricePerUser, plan.FeatureLevel, plan.Public, plan.Annual,
		plan.ForIndividuals, plan.ForGroups).
		Scan(&plan.ID, &plan.CreatedAt, &plan.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert plan: %w", err)
	}

	s.cache.Remove(plan.Slug)
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPlan(row scanner) (*Plan, error) {
	plan := &Plan{}
	err := row.Scan(
		&plan.ID, &plan.Name, &plan.Slug, &plan.MinimumUsers, &plan.BasePrice,
		&plan.PricePerUser, &plan.FeatureLevel, &plan.Public, &plan.Annual,
		&plan.ForIndividuals, &plan.ForGroups, &plan.CreatedAt, &plan.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return plan, nil
}
