/**
 * @description
 * The entitlement evaluator: decides, for a user and a gated feature, whether
 * access is granted right now. Reads the plan catalog, the subscription state
 * store, and the usage ledger; never writes. Sits on the hot path of every
 * gated UI action, so it always returns a decision and never propagates an
 * internal error to the caller.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dentalpulse/entitlement-service/internal/domain"
	"github.com/dentalpulse/entitlement-service/internal/store"
)

// AIQueryOverflowPrice is the pay-per-use price for one AI query past quota.
const AIQueryOverflowPrice = 0.50

// SubscriptionReader defines the subscription state reads the evaluator needs.
type SubscriptionReader interface {
	GetByUserID(ctx context.Context, userID string) (*domain.Subscription, error)
	CountSeats(ctx context.Context, userID string) (int, error)
}

// UsageReader defines the ledger reads the evaluator needs.
type UsageReader interface {
	SumSince(ctx context.Context, userID string, periodStart time.Time) (domain.UsageSummary, error)
}

// EntitlementService evaluates feature access.
type EntitlementService struct {
	subs   SubscriptionReader
	usage  UsageReader
	logger *slog.Logger

	// strictGating denies unrecognized feature names instead of allowing
	// them. Defaults off for forward compatibility with features shipped
	// ahead of their gates.
	strictGating bool

	// now is swappable for tests.
	now func() time.Time
}

// NewEntitlementService creates a new evaluator.
func NewEntitlementService(subs SubscriptionReader, usage UsageReader, logger *slog.Logger, strictGating bool) *EntitlementService {
	return &EntitlementService{
		subs:         subs,
		usage:        usage,
		logger:       logger,
		strictGating: strictGating,
		now:          time.Now,
	}
}

// CheckAccess returns the access decision for a user and feature. Internal
// failures degrade to a denial rather than an error: the feature gate must
// never crash because entitlement state could not be loaded.
func (s *EntitlementService) CheckAccess(ctx context.Context, userID string, feature domain.Feature) domain.AccessDecision {
	decision, err := s.evaluate(ctx, userID, feature)
	if err != nil {
		s.logger.Error("entitlement check failed", "user_id", userID, "feature", feature, "error", err)
		return domain.AccessDecision{HasAccess: false, Reason: "Error checking access"}
	}
	return decision
}

func (s *EntitlementService) evaluate(ctx context.Context, userID string, feature domain.Feature) (domain.AccessDecision, error) {
	sub, err := s.subs.GetByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrSubscriptionNotFound) {
			return domain.DenyUpgrade("Subscription inactive"), nil
		}
		return domain.AccessDecision{}, err
	}

	if !sub.Status.Grants() {
		return domain.DenyUpgrade("Subscription inactive"), nil
	}

	// Checked independent of status: webhooks are the source of truth for
	// status but may lag, and a stale active record must not grant access
	// past its paid period.
	if s.now().After(sub.CurrentPeriodEnd) {
		return domain.AccessDecision{HasAccess: false, Reason: "Subscription expired"}, nil
	}

	plan, err := domain.GetPlan(sub.PlanID)
	if err != nil {
		return domain.AccessDecision{}, err
	}

	switch feature {
	case domain.FeatureAIQuery:
		limit := plan.Limits.MonthlyAIQueries
		if domain.IsUnlimited(limit) {
			return domain.Allow(), nil
		}
		used, err := s.usedThisPeriod(ctx, userID, domain.FeatureTypeAIQueries)
		if err != nil {
			return domain.AccessDecision{}, err
		}
		if used >= limit {
			reason := fmt.Sprintf("AI query limit reached (%d/month)", limit)
			return domain.DenyPurchasable(reason, AIQueryOverflowPrice), nil
		}
		return domain.Allow(), nil

	case domain.FeatureAutomation:
		if plan.Limits.AutomationEnabled {
			return domain.Allow(), nil
		}
		return domain.DenyUpgrade("Automation not included in plan"), nil

	case domain.FeatureCategory:
		limit := plan.Limits.Categories
		if domain.IsUnlimited(limit) {
			return domain.Allow(), nil
		}
		used, err := s.usedThisPeriod(ctx, userID, domain.FeatureTypeCategories)
		if err != nil {
			return domain.AccessDecision{}, err
		}
		if used >= limit {
			// Category slots are structural, not consumable: no pay-per-use.
			return domain.DenyUpgrade(fmt.Sprintf("Category limit reached (%d)", limit)), nil
		}
		return domain.Allow(), nil

	case domain.FeatureAPI:
		if plan.Limits.APIEnabled {
			return domain.Allow(), nil
		}
		return domain.DenyUpgrade("API access not included in plan"), nil

	case domain.FeatureSeat:
		limit := plan.Limits.Seats
		if domain.IsUnlimited(limit) {
			return domain.Allow(), nil
		}
		seats, err := s.subs.CountSeats(ctx, userID)
		if err != nil {
			return domain.AccessDecision{}, err
		}
		if seats >= limit {
			return domain.DenyUpgrade(fmt.Sprintf("Seat limit reached (%d)", limit)), nil
		}
		return domain.Allow(), nil

	default:
		if s.strictGating {
			return domain.AccessDecision{HasAccess: false, Reason: fmt.Sprintf("Unknown feature %q", feature)}, nil
		}
		// Fail open so features shipped before their gate keep working.
		return domain.Allow(), nil
	}
}

func (s *EntitlementService) usedThisPeriod(ctx context.Context, userID string, featureType domain.FeatureType) (int, error) {
	summary, err := s.usage.SumSince(ctx, userID, domain.CurrentPeriodStart(s.now()))
	if err != nil {
		return 0, err
	}
	return summary.Get(featureType), nil
}

// Status assembles the subscription state payload consumed by the UI gate.
func (s *EntitlementService) Status(ctx context.Context, userID string) (*domain.SubscriptionState, error) {
	sub, err := s.subs.GetByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrSubscriptionNotFound) {
			// Users without any billing history present as the starter tier,
			// inactive.
			starter, planErr := domain.GetPlan(domain.PlanStarter)
			if planErr != nil {
				return nil, planErr
			}
			return &domain.SubscriptionState{
				IsActive: false,
				PlanID:   domain.PlanStarter,
				Status:   string(domain.StatusNone),
				Features: featureFlags(starter.Limits),
				Usage:    map[string]int{},
				Limits:   starter.Limits,
			}, nil
		}
		return nil, err
	}

	plan, err := domain.GetPlan(sub.PlanID)
	if err != nil {
		return nil, err
	}

	summary, err := s.usage.SumSince(ctx, userID, domain.CurrentPeriodStart(s.now()))
	if err != nil {
		return nil, err
	}
	seats, err := s.subs.CountSeats(ctx, userID)
	if err != nil {
		return nil, err
	}

	return &domain.SubscriptionState{
		IsActive: sub.Status.Grants() && s.now().Before(sub.CurrentPeriodEnd),
		PlanID:   sub.PlanID,
		Status:   string(sub.Status),
		Features: featureFlags(plan.Limits),
		Usage: map[string]int{
			"aiQueries":      summary.Get(domain.FeatureTypeAIQueries),
			"automationRuns": summary.Get(domain.FeatureTypeAutomationRuns),
			"categories":     summary.Get(domain.FeatureTypeCategories),
			"apiCalls":       summary.Get(domain.FeatureTypeAPICalls),
			"seats":          seats,
		},
		Limits: plan.Limits,
	}, nil
}

func featureFlags(limits domain.PlanLimits) map[string]bool {
	return map[string]bool{
		"automation": limits.AutomationEnabled,
		"api":        limits.APIEnabled,
	}
}
