package plans

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SeedPlan is one entry of the YAML plan catalog
type SeedPlan struct {
	Name           string `yaml:"name"`
	Slug           string `yaml:"slug"`
	MinimumUsers   int    `yaml:"minimum_users"`
	BasePrice      int    `yaml:"base_price"`
	PricePerUser   int    `yaml:"price_per_user"`
	FeatureLevel   int    `yaml:"feature_level"`
	Public         bool   `yaml:"public"`
	Annual         bool   `yaml:"annual"`
	ForIndividuals bool   `yaml:"for_individuals"`
	ForGroups      bool   `yaml:"for_groups"`
}

// seedFile is the top-level structure of the plan catalog file
type seedFile struct {
	Plans []SeedPlan `yaml:"plans"`
}

// LoadSeed parses a YAML plan catalog file
func LoadSeed(path string) ([]SeedPlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan seed file: %w", err)
	}

	var file seedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse plan seed file: %w", err)
	}

	for i, p := range file.Plans {
		if p.Slug == "" {
			return nil, fmt.Errorf("plan seed entry %d has no slug", i)
		}
		if p.MinimumUsers <= 0 {
			file.Plans[i].MinimumUsers = 1
		}
	}

	return file.Plans, nil
}

// Seed upserts the given catalog entries into the store
func (s *Store) Seed(seeds []SeedPlan) error {
	for _, entry := range seeds {
		plan := &Plan{
			Name:           entry.Name,
			Slug:           entry.Slug,
			MinimumUsers:   entry.MinimumUsers,
			BasePrice:      entry.BasePrice,
			PricePerUser:   entry.PricePerUser,
			FeatureLevel:   entry.FeatureLevel,
			Public:         entry.Public,
			Annual:         entry.Annual,
			ForIndividuals: entry.ForIndividuals,
			ForGroups:      entry.ForGroups,
		}
		if err := s.Upsert(plan); err != nil {
			return fmt.Errorf("failed to seed plan %s: %w", entry.Slug, err)
		}
	}
	return nil
}
