/**
 * @description
 * This file defines the durable subscription record and the access decision
 * returned by the entitlement evaluator. The record is written only by the
 * billing bridge, either from its own provider calls or from validated
 * webhook events, and is read by the evaluator on every feature check.
 */
package domain

import "time"

// SubscriptionStatus mirrors the billing provider's subscription lifecycle.
type SubscriptionStatus string

const (
	StatusNone     SubscriptionStatus = "none"
	StatusTrialing SubscriptionStatus = "trialing"
	StatusActive   SubscriptionStatus = "active"
	StatusPastDue  SubscriptionStatus = "past_due"
	StatusCanceled SubscriptionStatus = "canceled"
	StatusUnpaid   SubscriptionStatus = "unpaid"
)

// Grants reports whether the status entitles the user to gated features.
// Trialing subscriptions are entitled; the provider moves them to active
// or past_due at trial end.
func (s SubscriptionStatus) Grants() bool {
	return s == StatusActive || s == StatusTrialing
}

// Terminal reports whether the status admits no further transitions.
func (s SubscriptionStatus) Terminal() bool {
	return s == StatusCanceled
}

// StatusFromProvider maps a billing-provider status string onto the local
// lifecycle. Provider statuses with no local meaning (incomplete, paused)
// collapse to none.
func StatusFromProvider(status string) SubscriptionStatus {
	switch SubscriptionStatus(status) {
	case StatusTrialing, StatusActive, StatusPastDue, StatusCanceled, StatusUnpaid:
		return SubscriptionStatus(status)
	default:
		return StatusNone
	}
}

// Subscription is the per-user record of billing state. Never deleted,
// only transitioned to canceled.
type Subscription struct {
	ID                   string             `json:"id"`
	UserID               string             `json:"user_id"`
	StripeCustomerID     *string            `json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID *string            `json:"stripe_subscription_id,omitempty"`
	PlanID               PlanID             `json:"plan_id"`
	Status               SubscriptionStatus `json:"status"`
	CurrentPeriodEnd     time.Time          `json:"current_period_end"`
	LastEventAt          time.Time          `json:"last_event_at"`
}

// AccessDecision is the evaluator's answer to "can user U use feature F?".
// Computed fresh on every check, never cached across requests.
type AccessDecision struct {
	HasAccess       bool    `json:"hasAccess"`
	Reason          string  `json:"reason,omitempty"`
	RequiresUpgrade bool    `json:"requiresUpgrade,omitempty"`
	CanPurchase     bool    `json:"canPurchase,omitempty"`
	Price           float64 `json:"price,omitempty"`
}

// Allow is the decision for a granted check.
func Allow() AccessDecision {
	return AccessDecision{HasAccess: true}
}

// DenyUpgrade is a denial that should surface an upgrade call-to-action.
func DenyUpgrade(reason string) AccessDecision {
	return AccessDecision{HasAccess: false, Reason: reason, RequiresUpgrade: true}
}

// DenyPurchasable is a denial the user can pay their way past.
func DenyPurchasable(reason string, price float64) AccessDecision {
	return AccessDecision{HasAccess: false, Reason: reason, CanPurchase: true, Price: price}
}

// ProviderSubscription is the slice of a billing-provider subscription the
// bridge persists locally after the provider confirms creation.
type ProviderSubscription struct {
	ID               string
	Status           SubscriptionStatus
	CurrentPeriodEnd time.Time
}

// SubscriptionState is the status payload consumed by the UI feature gate.
type SubscriptionState struct {
	IsActive bool           `json:"isActive"`
	PlanID   PlanID         `json:"planId"`
	Status   string         `json:"status"`
	Features map[string]bool `json:"features"`
	Usage    map[string]int  `json:"usage"`
	Limits   PlanLimits      `json:"limits"`
}
