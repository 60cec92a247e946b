/**
 * @description
 * The usage ledger service. Recording consumption is two steps with different
 * durability requirements: the local append must always succeed for access to
 * count, while the upstream metered report is best effort and reconciled
 * later if it fails. The two are deliberately not one transaction.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dentalpulse/entitlement-service/internal/domain"
	"github.com/dentalpulse/entitlement-service/internal/store"
)

// UsageLedgerStore defines the ledger writes and reads the service needs.
type UsageLedgerStore interface {
	AppendEvent(ctx context.Context, event *domain.UsageEvent) error
	SumSince(ctx context.Context, userID string, periodStart time.Time) (domain.UsageSummary, error)
	SetStripeUsageRecordID(ctx context.Context, eventID, usageRecordID string) error
}

// MeteredReporter reports usage increments to the billing provider.
// Implemented by the billing bridge.
type MeteredReporter interface {
	Metered(featureType domain.FeatureType) bool
	MeteredFeatureTypes() []domain.FeatureType
	ReportMeteredUsage(ctx context.Context, sub *domain.Subscription, event *domain.UsageEvent) (string, error)
}

// LedgerService records and summarizes feature consumption.
type LedgerService struct {
	usage    UsageLedgerStore
	subs     SubscriptionReader
	reporter MeteredReporter
	logger   *slog.Logger
	now      func() time.Time
}

// NewLedgerService creates a new ledger service.
func NewLedgerService(usage UsageLedgerStore, subs SubscriptionReader, reporter MeteredReporter, logger *slog.Logger) *LedgerService {
	return &LedgerService{
		usage:    usage,
		subs:     subs,
		reporter: reporter,
		logger:   logger,
		now:      time.Now,
	}
}

// RecordUsage appends one unit of consumption for the user. Requires an
// access-granting subscription. If the feature type has a metered price on
// the provider subscription, the increment is reported upstream after the
// local write; a failed report is logged and left for the reconciliation
// job, never surfaced to the caller.
func (s *LedgerService) RecordUsage(ctx context.Context, userID string, featureType domain.FeatureType, quantity int) (*domain.UsageEvent, error) {
	if !domain.KnownFeatureType(featureType) {
		return nil, fmt.Errorf("unknown feature type %q", featureType)
	}
	if quantity <= 0 {
		quantity = 1
	}

	sub, err := s.subs.GetByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrSubscriptionNotFound) {
			return nil, store.ErrNoActiveSubscription
		}
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	if !sub.Status.Grants() {
		return nil, store.ErrNoActiveSubscription
	}

	event := &domain.UsageEvent{
		ID:          uuid.NewString(),
		UserID:      userID,
		FeatureType: featureType,
		Quantity:    quantity,
		RecordedAt:  s.now().UTC(),
	}
	if err := s.usage.AppendEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("failed to append usage event: %w", err)
	}

	if s.reporter.Metered(featureType) && sub.StripeSubscriptionID != nil {
		usageRecordID, err := s.reporter.ReportMeteredUsage(ctx, sub, event)
		if err != nil {
			// Local event is durable; the reconciliation job will retry.
			s.logger.Warn("metered usage report failed, leaving for reconciliation",
				"user_id", userID, "event_id", event.ID, "error", err)
			return event, nil
		}
		if err := s.usage.SetStripeUsageRecordID(ctx, event.ID, usageRecordID); err != nil {
			s.logger.Warn("failed to stamp usage record id",
				"event_id", event.ID, "usage_record_id", usageRecordID, "error", err)
			return event, nil
		}
		event.StripeUsageRecordID = &usageRecordID
	}

	return event, nil
}

// GetSummary aggregates the user's consumption since periodStart.
func (s *LedgerService) GetSummary(ctx context.Context, userID string, periodStart time.Time) (domain.UsageSummary, error) {
	return s.usage.SumSince(ctx, userID, periodStart)
}
