/**
 * @description
 * This file defines the plan catalog for the entitlement service.
 * Plans are static, defined at deploy time, and map a plan identifier to the
 * feature limits that the entitlement evaluator enforces.
 */
package domain

import (
	"errors"
	"fmt"
)

// PlanID identifies a subscription tier.
type PlanID string

const (
	PlanStarter      PlanID = "starter"
	PlanProfessional PlanID = "professional"
	PlanEnterprise   PlanID = "enterprise"
)

// Unlimited is the sentinel for quotas without a numeric ceiling.
// It must be checked before any arithmetic comparison against usage.
const Unlimited = -1

// ErrUnknownPlan is returned when a plan id does not exist in the catalog.
// Callers must treat this as a configuration fault, not a user error.
var ErrUnknownPlan = errors.New("unknown plan id")

// PlanLimits holds the per-feature ceilings for a plan.
type PlanLimits struct {
	Seats             int  `json:"seats"`
	MonthlyAIQueries  int  `json:"aiQueries"`
	Categories        int  `json:"categories"`
	AutomationEnabled bool `json:"automation"`
	APIEnabled        bool `json:"api"`
}

// PlanDefinition is a named tier and its limits.
type PlanDefinition struct {
	ID     PlanID     `json:"id"`
	Name   string     `json:"name"`
	Limits PlanLimits `json:"limits"`
}

// catalog is the full set of sellable plans. Not user-editable.
var catalog = map[PlanID]PlanDefinition{
	PlanStarter: {
		ID:   PlanStarter,
		Name: "Starter",
		Limits: PlanLimits{
			Seats:             1,
			MonthlyAIQueries:  100,
			Categories:        3,
			AutomationEnabled: false,
			APIEnabled:        false,
		},
	},
	PlanProfessional: {
		ID:   PlanProfessional,
		Name: "Professional",
		Limits: PlanLimits{
			Seats:             5,
			MonthlyAIQueries:  1000,
			Categories:        10,
			AutomationEnabled: true,
			APIEnabled:        false,
		},
	},
	PlanEnterprise: {
		ID:   PlanEnterprise,
		Name: "Enterprise",
		Limits: PlanLimits{
			Seats:             Unlimited,
			MonthlyAIQueries:  Unlimited,
			Categories:        Unlimited,
			AutomationEnabled: true,
			APIEnabled:        true,
		},
	},
}

// GetPlan resolves a plan id against the catalog.
func GetPlan(id PlanID) (PlanDefinition, error) {
	plan, ok := catalog[id]
	if !ok {
		return PlanDefinition{}, fmt.Errorf("%w: %q", ErrUnknownPlan, id)
	}
	return plan, nil
}

// AvailablePlans returns every sellable plan, for the pricing endpoint.
func AvailablePlans() []PlanDefinition {
	return []PlanDefinition{
		catalog[PlanStarter],
		catalog[PlanProfessional],
		catalog[PlanEnterprise],
	}
}

// IsUnlimited reports whether a quota value is the unlimited sentinel.
func IsUnlimited(limit int) bool {
	return limit == Unlimited
}
