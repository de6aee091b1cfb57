package plans

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSeedFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plans.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadSeed(t *testing.T) {
	t.Run("valid catalog", func(t *testing.T) {
		path := writeSeedFile(t, `
plans:
  - name: Free
    slug: free
    minimum_users: 1
    public: true
  - name: Organization
    slug: organization
    minimum_users: 5
    base_price: 10000
    price_per_user: 1000
    feature_level: 2
    public: true
    for_individuals: false
    for_groups: true
`)

		seeds, err := LoadSeed(path)
		require.NoError(t, err)
		require.Len(t, seeds, 2)

		assert.Equal(t, "free", seeds[0].Slug)
		assert.Equal(t, 1, seeds[0].MinimumUsers)

		assert.Equal(t, "organization", seeds[1].Slug)
		assert.Equal(t, 10000, seeds[1].BasePrice)
		assert.Equal(t, 2, seeds[1].FeatureLevel)
		assert.True(t, seeds[1].ForGroups)
	})

	t.Run("defaults minimum users", func(t *testing.T) {
		path := writeSeedFile(t, `
plans:
  - name: Basic
    slug: basic
`)

		seeds, err := LoadSeed(path)
		require.NoError(t, err)
		require.Len(t, seeds, 1)
		assert.Equal(t, 1, seeds[0].MinimumUsers)
	})

	t.Run("missing slug", func(t *testing.T) {
		path := writeSeedFile(t, `
plans:
  - name: Nameless
`)

		_, err := LoadSeed(path)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "has no slug")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadSeed(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		path := writeSeedFile(t, "plans: [not: closed")
		_, err := LoadSeed(path)
		assert.Error(t, err)
	})
}
