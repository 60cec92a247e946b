/**
 * @description
 * Data access layer for subscription state. The billing bridge is the only
 * writer; the entitlement evaluator reads. Upserts are conditional on event
 * time so out-of-order webhook deliveries cannot overwrite newer state, and
 * canceled is terminal at the SQL level.
 *
 * Expected tables (created via migrations, not here):
 *   subscriptions(id, user_id UNIQUE, stripe_customer_id UNIQUE,
 *                 stripe_subscription_id, plan_id, status,
 *                 current_period_end, last_event_at, created_at, updated_at)
 *   stripe_webhook_events(event_id PRIMARY KEY, received_at)
 *   team_members(owner_user_id, member_user_id, ...)
 */
package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dentalpulse/entitlement-service/internal/domain"
)

// SubscriptionRepository handles database operations for subscription state.
type SubscriptionRepository struct {
	db *pgxpool.Pool
}

// NewSubscriptionRepository creates a new repository.
func NewSubscriptionRepository(db *pgxpool.Pool) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

const subscriptionColumns = `
	id, user_id, stripe_customer_id, stripe_subscription_id,
	plan_id, status, current_period_end, last_event_at
`

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := row.Scan(
		&sub.ID,
		&sub.UserID,
		&sub.StripeCustomerID,
		&sub.StripeSubscriptionID,
		&sub.PlanID,
		&sub.Status,
		&sub.CurrentPeriodEnd,
		&sub.LastEventAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return &sub, nil
}

// GetByUserID retrieves the subscription record for a user.
func (r *SubscriptionRepository) GetByUserID(ctx context.Context, userID string) (*domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE user_id = $1`
	return scanSubscription(r.db.QueryRow(ctx, query, userID))
}

// GetByStripeCustomerID resolves a record from the provider customer id,
// used when translating webhook payloads back to local users.
func (r *SubscriptionRepository) GetByStripeCustomerID(ctx context.Context, customerID string) (*domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE stripe_customer_id = $1`
	return scanSubscription(r.db.QueryRow(ctx, query, customerID))
}

// ClaimStripeCustomerID stores the mapping user -> provider customer id,
// creating the subscription row if needed. The WHERE guard means a concurrent
// claim for the same user cannot overwrite an id that is already committed:
// the loser reads back the winner's id and reconciles to it.
func (r *SubscriptionRepository) ClaimStripeCustomerID(ctx context.Context, userID, customerID string) (string, error) {
	query := `
		INSERT INTO subscriptions (user_id, stripe_customer_id, plan_id, status, current_period_end, last_event_at)
		VALUES ($1, $2, 'starter', 'none', NOW(), NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			stripe_customer_id = EXCLUDED.stripe_customer_id,
			updated_at = NOW()
		WHERE subscriptions.stripe_customer_id IS NULL
	`
	if _, err := r.db.Exec(ctx, query, userID, customerID); err != nil {
		return "", err
	}

	// Read back whichever id actually won the claim.
	var stored string
	err := r.db.QueryRow(ctx,
		`SELECT stripe_customer_id FROM subscriptions WHERE user_id = $1`, userID,
	).Scan(&stored)
	if err != nil {
		return "", err
	}
	return stored, nil
}

// UpsertFromProvider writes subscription state confirmed by the billing
// provider. The update applies only while the row is not canceled and the
// incoming event is not older than the last applied one.
func (r *SubscriptionRepository) UpsertFromProvider(ctx context.Context, sub *domain.Subscription, eventAt time.Time) (*domain.Subscription, error) {
	query := `
		INSERT INTO subscriptions (user_id, stripe_customer_id, stripe_subscription_id,
		                           plan_id, status, current_period_end, last_event_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id) DO UPDATE SET
			stripe_customer_id = COALESCE(EXCLUDED.stripe_customer_id, subscriptions.stripe_customer_id),
			stripe_subscription_id = COALESCE(EXCLUDED.stripe_subscription_id, subscriptions.stripe_subscription_id),
			plan_id = EXCLUDED.plan_id,
			status = EXCLUDED.status,
			current_period_end = EXCLUDED.current_period_end,
			last_event_at = EXCLUDED.last_event_at,
			updated_at = NOW()
		WHERE subscriptions.status <> 'canceled'
		  AND subscriptions.last_event_at <= EXCLUDED.last_event_at
		RETURNING ` + subscriptionColumns
	row := r.db.QueryRow(ctx, query,
		sub.UserID,
		sub.StripeCustomerID,
		sub.StripeSubscriptionID,
		sub.PlanID,
		sub.Status,
		sub.CurrentPeriodEnd,
		eventAt,
	)
	updated, err := scanSubscription(row)
	if err == ErrSubscriptionNotFound {
		// The guard rejected the write: canceled row or newer event already applied.
		return nil, ErrStaleEvent
	}
	return updated, err
}

// SetStatus transitions a record's status keyed on provider customer id,
// subject to the same staleness and terminality guards.
func (r *SubscriptionRepository) SetStatus(ctx context.Context, customerID string, status domain.SubscriptionStatus, eventAt time.Time) error {
	query := `
		UPDATE subscriptions
		SET status = $2, last_event_at = $3, updated_at = NOW()
		WHERE stripe_customer_id = $1
		  AND status <> 'canceled'
		  AND last_event_at <= $3
	`
	tag, err := r.db.Exec(ctx, query, customerID, status, eventAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleEvent
	}
	return nil
}

// MarkCanceled transitions a record to the terminal canceled state. Applied
// from any non-canceled status regardless of event ordering, because a
// deletion event always wins.
func (r *SubscriptionRepository) MarkCanceled(ctx context.Context, customerID string, eventAt time.Time) error {
	query := `
		UPDATE subscriptions
		SET status = 'canceled', last_event_at = GREATEST(last_event_at, $2), updated_at = NOW()
		WHERE stripe_customer_id = $1 AND status <> 'canceled'
	`
	_, err := r.db.Exec(ctx, query, customerID, eventAt)
	return err
}

// MarkEventProcessed records a webhook event id, returning false when the
// event was already seen. Replayed deliveries become no-ops.
func (r *SubscriptionRepository) MarkEventProcessed(ctx context.Context, eventID string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		INSERT INTO stripe_webhook_events (event_id, received_at)
		VALUES ($1, NOW())
		ON CONFLICT (event_id) DO NOTHING
	`, eventID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// UnmarkEvent releases a webhook event id so the provider's retry of the
// same event is processed again. Called when handling failed after the id
// was recorded.
func (r *SubscriptionRepository) UnmarkEvent(ctx context.Context, eventID string) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM stripe_webhook_events WHERE event_id = $1`, eventID)
	return err
}

// CountSeats returns the number of seats occupied on a user's account.
// The owner always occupies one seat.
func (r *SubscriptionRepository) CountSeats(ctx context.Context, userID string) (int, error) {
	var members int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM team_members WHERE owner_user_id = $1`, userID,
	).Scan(&members)
	if err != nil {
		return 0, err
	}
	return members + 1, nil
}
