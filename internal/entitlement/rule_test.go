package entitlement

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/PortNumber53/swiftie-ranker/backend/internal/models"
)

func timePtr(t time.Time) *time.Time { return &t }

func TestEvaluateDecisionTable(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		record *models.Subscription
		want   bool
	}{
		{name: "no record", record: nil, want: false},
		{name: "active without period end", record: &models.Subscription{Status: models.SubscriptionActive}, want: true},
		{name: "trialing without period end", record: &models.Subscription{Status: models.SubscriptionTrialing}, want: true},
		{name: "active period in future", record: &models.Subscription{Status: models.SubscriptionActive, CurrentPeriodEnd: timePtr(now.Add(24 * time.Hour))}, want: true},
		{name: "active period ended one second ago", record: &models.Subscription{Status: models.SubscriptionActive, CurrentPeriodEnd: timePtr(now.Add(-time.Second))}, want: false},
		{name: "active period ends exactly now", record: &models.Subscription{Status: models.SubscriptionActive, CurrentPeriodEnd: timePtr(now)}, want: false},
		{name: "canceled with future period", record: &models.Subscription{Status: models.SubscriptionCanceled, CurrentPeriodEnd: timePtr(now.Add(24 * time.Hour))}, want: false},
		{name: "canceled without period", record: &models.Subscription{Status: models.SubscriptionCanceled}, want: false},
		{name: "past due", record: &models.Subscription{Status: models.SubscriptionPastDue}, want: false},
		{name: "paused", record: &models.Subscription{Status: models.SubscriptionPaused}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(tt.record, now))
		})
	}
}

func TestPremiumFeatureTable(t *testing.T) {
	assert.True(t, IsPremiumFeature("similarSongs"))
	assert.True(t, IsPremiumFeature("differentSongs"))
	assert.False(t, IsPremiumFeature("someUnknownFeature"))
	assert.False(t, IsPremiumFeature(""))

	assert.Equal(t, []Feature{FeatureDifferentSongs, FeatureSimilarSongs}, PremiumFeatures())
	assert.Equal(t, map[string]bool{"similarSongs": true, "differentSongs": true}, Features(true))
	assert.Equal(t, map[string]bool{"similarSongs": false, "differentSongs": false}, Features(false))
}
