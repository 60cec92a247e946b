/**
 * @description
 * Data access layer for the usage ledger. The ledger is an append-only log;
 * summaries are derived by summing the log rather than mutating counters in
 * place, so concurrent recordings cannot double count or lose updates.
 *
 * Expected table (created via migrations, not here):
 *   usage_events(id PRIMARY KEY, user_id, feature_type, quantity,
 *                recorded_at, stripe_usage_record_id)
 */
package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dentalpulse/entitlement-service/internal/domain"
)

// UsageRepository handles database operations for usage events.
type UsageRepository struct {
	db *pgxpool.Pool
}

// NewUsageRepository creates a new repository.
func NewUsageRepository(db *pgxpool.Pool) *UsageRepository {
	return &UsageRepository{db: db}
}

// AppendEvent durably inserts one usage event. Events are never updated or
// deleted afterwards, apart from stamping the provider usage record id.
func (r *UsageRepository) AppendEvent(ctx context.Context, event *domain.UsageEvent) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO usage_events (id, user_id, feature_type, quantity, recorded_at)
		VALUES ($1, $2, $3, $4, $5)
	`, event.ID, event.UserID, event.FeatureType, event.Quantity, event.RecordedAt)
	return err
}

// SumSince aggregates a user's consumption per feature type for events
// recorded at or after periodStart.
func (r *UsageRepository) SumSince(ctx context.Context, userID string, periodStart time.Time) (domain.UsageSummary, error) {
	rows, err := r.db.Query(ctx, `
		SELECT feature_type, COALESCE(SUM(quantity), 0)
		FROM usage_events
		WHERE user_id = $1 AND recorded_at >= $2
		GROUP BY feature_type
	`, userID, periodStart)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summary := domain.UsageSummary{}
	for rows.Next() {
		var featureType domain.FeatureType
		var total int
		if err := rows.Scan(&featureType, &total); err != nil {
			return nil, err
		}
		summary[featureType] = total
	}
	return summary, rows.Err()
}

// SetStripeUsageRecordID stamps the provider usage record id on an event
// once its increment has been reported upstream.
func (r *UsageRepository) SetStripeUsageRecordID(ctx context.Context, eventID, usageRecordID string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE usage_events
		SET stripe_usage_record_id = $2
		WHERE id = $1 AND stripe_usage_record_id IS NULL
	`, eventID, usageRecordID)
	return err
}

// ListUnreported returns events of the given feature types that were written
// locally but never reported to the billing provider, oldest first, for the
// reconciliation job.
func (r *UsageRepository) ListUnreported(ctx context.Context, featureTypes []domain.FeatureType, limit int) ([]domain.UsageEvent, error) {
	if len(featureTypes) == 0 {
		return nil, nil
	}
	types := make([]string, len(featureTypes))
	for i, t := range featureTypes {
		types[i] = string(t)
	}

	rows, err := r.db.Query(ctx, `
		SELECT id, user_id, feature_type, quantity, recorded_at, stripe_usage_record_id
		FROM usage_events
		WHERE stripe_usage_record_id IS NULL
		  AND feature_type = ANY($1)
		ORDER BY recorded_at ASC
		LIMIT $2
	`, types, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.UsageEvent
	for rows.Next() {
		var event domain.UsageEvent
		if err := rows.Scan(
			&event.ID,
			&event.UserID,
			&event.FeatureType,
			&event.Quantity,
			&event.RecordedAt,
			&event.StripeUsageRecordID,
		); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}
