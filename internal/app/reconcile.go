/**
 * @description
 * Reconciliation between the local usage ledger and Stripe's metered usage.
 * The ledger write and the upstream report are not one transaction, so a
 * failed report leaves an event without a provider usage record id. This job
 * closes that gap so usage is never silently under-billed.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/dentalpulse/entitlement-service/internal/domain"
)

// UnreportedUsageStore lists and stamps usage events pending upstream report.
type UnreportedUsageStore interface {
	ListUnreported(ctx context.Context, featureTypes []domain.FeatureType, limit int) ([]domain.UsageEvent, error)
	SetStripeUsageRecordID(ctx context.Context, eventID, usageRecordID string) error
}

// Reconciler re-submits unreported usage events to the billing provider.
type Reconciler struct {
	usage     UnreportedUsageStore
	subs      SubscriptionReader
	reporter  MeteredReporter
	logger    *slog.Logger
	batchSize int
}

// NewReconciler creates a new reconciliation job.
func NewReconciler(usage UnreportedUsageStore, subs SubscriptionReader, reporter MeteredReporter, logger *slog.Logger, batchSize int) *Reconciler {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Reconciler{
		usage:     usage,
		subs:      subs,
		reporter:  reporter,
		logger:    logger,
		batchSize: batchSize,
	}
}

// Run processes one batch of unreported events, oldest first. Idempotent:
// the usage record id is only stamped after a successful report, and events
// that keep failing stay in the queue for the next run.
func (r *Reconciler) Run(ctx context.Context) error {
	metered := r.reporter.MeteredFeatureTypes()
	if len(metered) == 0 {
		return nil
	}

	events, err := r.usage.ListUnreported(ctx, metered, r.batchSize)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	r.logger.Info("reconciling unreported usage events", "count", len(events))

	var reported int
	for _, event := range events {
		sub, err := r.subs.GetByUserID(ctx, event.UserID)
		if err != nil {
			r.logger.Warn("skipping unreported event without subscription",
				"event_id", event.ID, "user_id", event.UserID, "error", err)
			continue
		}
		if sub.StripeSubscriptionID == nil || *sub.StripeSubscriptionID == "" {
			continue
		}

		usageRecordID, err := r.reporter.ReportMeteredUsage(ctx, sub, &event)
		if err != nil {
			r.logger.Warn("metered usage re-report failed",
				"event_id", event.ID, "user_id", event.UserID, "error", err)
			continue
		}
		if err := r.usage.SetStripeUsageRecordID(ctx, event.ID, usageRecordID); err != nil {
			r.logger.Error("failed to stamp reconciled usage record id",
				"event_id", event.ID, "usage_record_id", usageRecordID, "error", err)
			continue
		}
		reported++
	}

	r.logger.Info("usage reconciliation finished", "reported", reported, "remaining", len(events)-reported)
	return nil
}
