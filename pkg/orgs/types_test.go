package orgs

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jacqui/squarelet/pkg/plans"
)

func TestOrganizationQuotaConsistent(t *testing.T) {
	free := &plans.Plan{Slug: "free"}
	paid := &plans.Plan{Slug: "organization", BasePrice: 10000}
	date := time.Now()

	tests := []struct {
		name string
		org  Organization
		want bool
	}{
		{"free with no date", Organization{Plan: free, NextPlan: free}, true},
		{"free with a date", Organization{Plan: free, NextPlan: free, UpdateOn: &date}, false},
		{"paid with a date", Organization{Plan: paid, NextPlan: paid, UpdateOn: &date}, true},
		{"paid with no date", Organization{Plan: paid, NextPlan: paid}, false},
		{"pending downgrade with a date", Organization{Plan: paid, NextPlan: free, UpdateOn: &date}, true},
		{"plans not loaded", Organization{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.org.QuotaConsistent())
		})
	}
}

func TestInvitationClosed(t *testing.T) {
	now := time.Now()

	open := Invitation{}
	assert.False(t, open.Closed())

	accepted := Invitation{AcceptedAt: &now}
	assert.True(t, accepted.Closed())

	rejected := Invitation{RejectedAt: &now}
	assert.True(t, rejected.Closed())
}

func TestIsValidation(t *testing.T) {
	err := &ValidationError{Msg: "bad request"}
	assert.True(t, IsValidation(err))
	assert.Equal(t, "bad request", err.Error())

	wrapped := fmt.Errorf("outer: %w", err)
	assert.True(t, IsValidation(wrapped))

	assert.False(t, IsValidation(ErrNotFound))
	assert.False(t, IsValidation(nil))
}
