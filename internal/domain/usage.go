/**
 * @description
 * This file defines the usage ledger's domain types. Usage events are
 * append-only and never mutated apart from stamping the provider usage
 * record id once the increment has been reported upstream.
 */
package domain

import "time"

// FeatureType enumerates the metered consumption categories.
type FeatureType string

const (
	FeatureTypeAIQueries      FeatureType = "ai_queries"
	FeatureTypeAutomationRuns FeatureType = "automation_runs"
	FeatureTypeCategories     FeatureType = "categories"
	FeatureTypeAPICalls       FeatureType = "api_calls"
)

// KnownFeatureType rejects unrecognized consumption categories at the boundary.
func KnownFeatureType(t FeatureType) bool {
	switch t {
	case FeatureTypeAIQueries, FeatureTypeAutomationRuns, FeatureTypeCategories, FeatureTypeAPICalls:
		return true
	}
	return false
}

// Feature enumerates the gated capabilities the evaluator understands.
type Feature string

const (
	FeatureAIQuery    Feature = "ai_query"
	FeatureAutomation Feature = "automation"
	FeatureCategory   Feature = "category"
	FeatureAPI        Feature = "api"
	FeatureSeat       Feature = "user"
)

// UsageFeatureType maps a gated feature to the ledger category it consumes,
// or false for features that are plan-gated rather than metered.
func (f Feature) UsageFeatureType() (FeatureType, bool) {
	switch f {
	case FeatureAIQuery:
		return FeatureTypeAIQueries, true
	case FeatureCategory:
		return FeatureTypeCategories, true
	case FeatureAPI:
		return FeatureTypeAPICalls, true
	}
	return "", false
}

// UsageEvent is one immutable unit of recorded consumption.
type UsageEvent struct {
	ID                  string      `json:"id"`
	UserID              string      `json:"user_id"`
	FeatureType         FeatureType `json:"feature_type"`
	Quantity            int         `json:"quantity"`
	RecordedAt          time.Time   `json:"recorded_at"`
	StripeUsageRecordID *string     `json:"stripe_usage_record_id,omitempty"`
}

// UsageSummary maps feature types to total quantity consumed in a period.
// Derived by summing the event log; unknown types read as zero.
type UsageSummary map[FeatureType]int

// Get returns the consumed total for a feature type, defaulting to zero.
func (s UsageSummary) Get(t FeatureType) int {
	return s[t]
}

// CurrentPeriodStart returns the start of the billing period containing t:
// midnight UTC on the first of the calendar month.
func CurrentPeriodStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
