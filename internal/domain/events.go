/**
 * @description
 * Internal event payloads published to RabbitMQ when billing lifecycle
 * changes need downstream action (dunning emails, trial reminders).
 * Consumers live in the notification pipeline; this service only emits.
 */
package domain

// Exchange and routing keys for billing lifecycle events.
const (
	BillingExchange = "billing.events"

	RoutingKeyPaymentFailed        = "billing.payment_failed"
	RoutingKeyTrialWillEnd         = "billing.trial_will_end"
	RoutingKeySubscriptionCanceled = "billing.subscription_canceled"
)

// PaymentFailedEvent triggers the dunning flow for a user.
type PaymentFailedEvent struct {
	UserID           string `json:"user_id"`
	StripeCustomerID string `json:"stripe_customer_id"`
	InvoiceID        string `json:"invoice_id"`
	AttemptCount     int64  `json:"attempt_count"`
}

// TrialWillEndEvent reminds a user their trial is about to convert.
type TrialWillEndEvent struct {
	UserID           string `json:"user_id"`
	StripeCustomerID string `json:"stripe_customer_id"`
	TrialEndUnix     int64  `json:"trial_end_unix"`
}

// SubscriptionCanceledEvent notifies downstream that access has lapsed.
type SubscriptionCanceledEvent struct {
	UserID           string `json:"user_id"`
	StripeCustomerID string `json:"stripe_customer_id"`
	PlanID           string `json:"plan_id"`
}
