// Package entitlement decides whether a user's subscription unlocks premium
// features and keeps that decision current for the rest of the process.
package entitlement

import (
	"sort"
	"time"

	"github.com/PortNumber53/swiftie-ranker/backend/internal/models"
)

// Feature names a premium-gated capability.
type Feature string

const (
	FeatureSimilarSongs   Feature = "similarSongs"
	FeatureDifferentSongs Feature = "differentSongs"
)

// premiumFeatures is the closed allow-list of gated features. Anything not
// listed here is free.
var premiumFeatures = map[Feature]struct{}{
	FeatureSimilarSongs:   {},
	FeatureDifferentSongs: {},
}

// IsPremiumFeature reports whether name is on the gated allow-list.
func IsPremiumFeature(name string) bool {
	_, ok := premiumFeatures[Feature(name)]
	return ok
}

// PremiumFeatures returns the gated feature names in a stable order.
func PremiumFeatures() []Feature {
	out := make([]Feature, 0, len(premiumFeatures))
	for f := range premiumFeatures {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Features maps every gated feature to whether it is unlocked.
func Features(isPremium bool) map[string]bool {
	out := make(map[string]bool, len(premiumFeatures))
	for f := range premiumFeatures {
		out[string(f)] = isPremium
	}
	return out
}

// IsActive applies the period check: a record without a period end never
// expires, otherwise now must be strictly before the end.
func IsActive(record *models.Subscription, now time.Time) bool {
	if record == nil {
		return false
	}
	if record.CurrentPeriodEnd == nil {
		return true
	}
	return now.Before(*record.CurrentPeriodEnd)
}

// Evaluate is the entitlement rule for a single chosen record. A nil record
// or a non-entitling status is never premium, whatever the period end says.
func Evaluate(record *models.Subscription, now time.Time) bool {
	if record == nil || !record.Status.Entitling() {
		return false
	}
	return IsActive(record, now)
}
