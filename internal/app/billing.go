/**
 * @description
 * The billing bridge: everything that talks to Stripe or reacts to what
 * Stripe says. Creates customers and subscriptions, reports metered usage,
 * and translates webhook events into local subscription-state transitions.
 * It is the sole writer of the subscription state store.
 */
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stripe/stripe-go/v79"

	"github.com/dentalpulse/entitlement-service/internal/domain"
	"github.com/dentalpulse/entitlement-service/internal/store"
)

// BillingGateway abstracts the Stripe SDK so the bridge is testable with a
// fake. Implemented by pkg/stripeclient.
type BillingGateway interface {
	CreateCustomer(ctx context.Context, userID, email, idempotencyKey string) (string, error)
	GetCustomer(ctx context.Context, customerID string) error
	AttachPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error
	SetDefaultPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error
	CreateSubscription(ctx context.Context, customerID, priceID, idempotencyKey string) (*domain.ProviderSubscription, error)
	FindMeteredItem(ctx context.Context, subscriptionID, productType string) (string, bool, error)
	AddMeteredItem(ctx context.Context, subscriptionID, priceID, productType string) (string, error)
	CreateUsageRecord(ctx context.Context, subscriptionItemID string, quantity int64, at time.Time) (string, error)
	CreateCheckoutSession(ctx context.Context, customerID, priceID, successURL, cancelURL string) (string, error)
}

// SubscriptionStore defines the state-store operations the bridge needs.
type SubscriptionStore interface {
	GetByUserID(ctx context.Context, userID string) (*domain.Subscription, error)
	GetByStripeCustomerID(ctx context.Context, customerID string) (*domain.Subscription, error)
	ClaimStripeCustomerID(ctx context.Context, userID, customerID string) (string, error)
	UpsertFromProvider(ctx context.Context, sub *domain.Subscription, eventAt time.Time) (*domain.Subscription, error)
	SetStatus(ctx context.Context, customerID string, status domain.SubscriptionStatus, eventAt time.Time) error
	MarkCanceled(ctx context.Context, customerID string, eventAt time.Time) error
	MarkEventProcessed(ctx context.Context, eventID string) (bool, error)
	UnmarkEvent(ctx context.Context, eventID string) error
}

// EventPublisher publishes internal billing lifecycle events.
type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// BillingConfig carries the price wiring the bridge needs.
type BillingConfig struct {
	// PlanPrices maps plan ids to the Stripe price id for the flat fee.
	PlanPrices map[domain.PlanID]string
	// MeteredPrices maps metered feature types to their Stripe price id.
	MeteredPrices map[domain.FeatureType]string
	SuccessURL    string
	CancelURL     string
}

// BillingService is the billing bridge.
type BillingService struct {
	gateway   BillingGateway
	subs      SubscriptionStore
	publisher EventPublisher
	logger    *slog.Logger
	config    BillingConfig

	// priceToPlan is the reverse of config.PlanPrices, for webhook payloads.
	priceToPlan map[string]domain.PlanID

	// customerLocks serializes webhook processing per provider customer so
	// concurrent deliveries for one user cannot interleave. Entries are
	// reference counted and removed once uncontended.
	mu            sync.Mutex
	customerLocks map[string]*customerLock
}

type customerLock struct {
	mu   sync.Mutex
	refs int
}

// NewBillingService creates a new billing bridge.
func NewBillingService(gateway BillingGateway, subs SubscriptionStore, publisher EventPublisher, logger *slog.Logger, cfg BillingConfig) *BillingService {
	priceToPlan := make(map[string]domain.PlanID, len(cfg.PlanPrices))
	for planID, priceID := range cfg.PlanPrices {
		priceToPlan[priceID] = planID
	}
	return &BillingService{
		gateway:       gateway,
		subs:          subs,
		publisher:     publisher,
		logger:        logger,
		config:        cfg,
		priceToPlan:   priceToPlan,
		customerLocks: make(map[string]*customerLock),
	}
}

func (s *BillingService) lockCustomer(customerID string) func() {
	s.mu.Lock()
	lock, ok := s.customerLocks[customerID]
	if !ok {
		lock = &customerLock{}
		s.customerLocks[customerID] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.customerLocks, customerID)
		}
		s.mu.Unlock()
	}
}

// FindOrCreateCustomer returns the Stripe customer id for a user, creating
// one if none is stored. At most one provider customer exists per user: the
// storage layer's claim is first-write-wins, and a racing creator reconciles
// to the committed id.
func (s *BillingService) FindOrCreateCustomer(ctx context.Context, userID, email string) (string, error) {
	sub, err := s.subs.GetByUserID(ctx, userID)
	if err == nil && sub.StripeCustomerID != nil && *sub.StripeCustomerID != "" {
		if err := s.gateway.GetCustomer(ctx, *sub.StripeCustomerID); err != nil {
			return "", fmt.Errorf("stored customer %s no longer fetchable: %w", *sub.StripeCustomerID, err)
		}
		return *sub.StripeCustomerID, nil
	}
	if err != nil && !errors.Is(err, store.ErrSubscriptionNotFound) {
		return "", err
	}

	customerID, err := s.gateway.CreateCustomer(ctx, userID, email, "customer:"+userID)
	if err != nil {
		return "", fmt.Errorf("failed to create stripe customer: %w", err)
	}

	stored, err := s.subs.ClaimStripeCustomerID(ctx, userID, customerID)
	if err != nil {
		return "", err
	}
	if stored != customerID {
		s.logger.Warn("lost customer creation race, reconciling to committed id",
			"user_id", userID, "created", customerID, "stored", stored)
	}
	return stored, nil
}

// CreateSubscription attaches the payment method, creates the provider
// subscription for the plan's price, and only then persists the local record.
// No speculative local state: the write happens after Stripe confirms.
func (s *BillingService) CreateSubscription(ctx context.Context, userID, email string, planID domain.PlanID, paymentMethodID string) (*domain.Subscription, error) {
	if _, err := domain.GetPlan(planID); err != nil {
		return nil, err
	}
	priceID, ok := s.config.PlanPrices[planID]
	if !ok {
		return nil, fmt.Errorf("no stripe price configured for plan %q", planID)
	}

	customerID, err := s.FindOrCreateCustomer(ctx, userID, email)
	if err != nil {
		return nil, err
	}

	if err := s.gateway.AttachPaymentMethod(ctx, customerID, paymentMethodID); err != nil {
		return nil, fmt.Errorf("failed to attach payment method: %w", err)
	}
	if err := s.gateway.SetDefaultPaymentMethod(ctx, customerID, paymentMethodID); err != nil {
		return nil, fmt.Errorf("failed to set default payment method: %w", err)
	}

	providerSub, err := s.gateway.CreateSubscription(ctx, customerID, priceID, fmt.Sprintf("subscription:%s:%s", userID, planID))
	if err != nil {
		return nil, fmt.Errorf("failed to create stripe subscription: %w", err)
	}

	record := &domain.Subscription{
		UserID:               userID,
		StripeCustomerID:     &customerID,
		StripeSubscriptionID: &providerSub.ID,
		PlanID:               planID,
		Status:               providerSub.Status,
		CurrentPeriodEnd:     providerSub.CurrentPeriodEnd,
	}
	saved, err := s.subs.UpsertFromProvider(ctx, record, time.Now().UTC())
	if err != nil {
		if errors.Is(err, store.ErrStaleEvent) {
			// A webhook for this creation already landed; read it back.
			return s.subs.GetByUserID(ctx, userID)
		}
		return nil, err
	}
	return saved, nil
}

// CreateCheckoutSession starts a subscription-mode checkout for a price and
// returns the redirect URL.
func (s *BillingService) CreateCheckoutSession(ctx context.Context, userID, email, priceID string) (string, error) {
	if _, ok := s.priceToPlan[priceID]; !ok {
		return "", fmt.Errorf("unrecognized price id %q", priceID)
	}
	customerID, err := s.FindOrCreateCustomer(ctx, userID, email)
	if err != nil {
		return "", err
	}
	return s.gateway.CreateCheckoutSession(ctx, customerID, priceID, s.config.SuccessURL, s.config.CancelURL)
}

// Metered reports whether a feature type has a metered price mapping.
func (s *BillingService) Metered(featureType domain.FeatureType) bool {
	_, ok := s.config.MeteredPrices[featureType]
	return ok
}

// MeteredFeatureTypes returns the feature types with a metered price mapping.
func (s *BillingService) MeteredFeatureTypes() []domain.FeatureType {
	types := make([]domain.FeatureType, 0, len(s.config.MeteredPrices))
	for featureType := range s.config.MeteredPrices {
		types = append(types, featureType)
	}
	return types
}

// ReportMeteredUsage reports one usage increment to Stripe, adding the
// metered price to the subscription first when the item does not exist yet.
// Returns the provider usage record id.
func (s *BillingService) ReportMeteredUsage(ctx context.Context, sub *domain.Subscription, event *domain.UsageEvent) (string, error) {
	priceID, ok := s.config.MeteredPrices[event.FeatureType]
	if !ok {
		return "", fmt.Errorf("no metered price configured for %q", event.FeatureType)
	}
	if sub.StripeSubscriptionID == nil || *sub.StripeSubscriptionID == "" {
		return "", errors.New("subscription has no provider subscription id")
	}

	itemID, found, err := s.gateway.FindMeteredItem(ctx, *sub.StripeSubscriptionID, string(event.FeatureType))
	if err != nil {
		return "", err
	}
	if !found {
		itemID, err = s.gateway.AddMeteredItem(ctx, *sub.StripeSubscriptionID, priceID, string(event.FeatureType))
		if err != nil {
			return "", fmt.Errorf("failed to add metered item: %w", err)
		}
	}

	return s.gateway.CreateUsageRecord(ctx, itemID, int64(event.Quantity), event.RecordedAt)
}

// HandleWebhook applies a verified Stripe event to local state. Signature
// verification happens at the HTTP boundary before this is called. Replays
// of an already-processed event id are no-ops, and unknown event types are
// ignored for forward compatibility.
//
// The event id is recorded before handling so a concurrent duplicate delivery
// cannot double-publish notifications. When handling fails, the marker is
// released again: the provider retries with the same event id and the
// transition gets a second chance instead of becoming a permanent no-op.
func (s *BillingService) HandleWebhook(ctx context.Context, event stripe.Event) error {
	fresh, err := s.subs.MarkEventProcessed(ctx, event.ID)
	if err != nil {
		return fmt.Errorf("failed to record webhook event: %w", err)
	}
	if !fresh {
		s.logger.Info("ignoring replayed webhook event", "event_id", event.ID, "type", event.Type)
		return nil
	}

	if err := s.dispatchWebhook(ctx, event); err != nil {
		if unmarkErr := s.subs.UnmarkEvent(ctx, event.ID); unmarkErr != nil {
			s.logger.Error("failed to release webhook event for retry",
				"event_id", event.ID, "error", unmarkErr)
		}
		return err
	}
	return nil
}

func (s *BillingService) dispatchWebhook(ctx context.Context, event stripe.Event) error {
	eventAt := time.Unix(event.Created, 0).UTC()

	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated":
		return s.handleSubscriptionUpserted(ctx, event, eventAt)
	case "customer.subscription.deleted":
		return s.handleSubscriptionDeleted(ctx, event, eventAt)
	case "invoice.payment_succeeded":
		return s.handleInvoicePaymentSucceeded(ctx, event, eventAt)
	case "invoice.payment_failed":
		return s.handleInvoicePaymentFailed(ctx, event, eventAt)
	case "customer.subscription.trial_will_end":
		return s.handleTrialWillEnd(ctx, event)
	default:
		s.logger.Info("ignoring unhandled webhook event type", "event_id", event.ID, "type", event.Type)
		return nil
	}
}

func (s *BillingService) handleSubscriptionUpserted(ctx context.Context, event stripe.Event, eventAt time.Time) error {
	sub, customerID, err := parseSubscriptionEvent(event)
	if err != nil {
		return err
	}

	unlock := s.lockCustomer(customerID)
	defer unlock()

	record, err := s.subs.GetByStripeCustomerID(ctx, customerID)
	if err != nil {
		if !errors.Is(err, store.ErrSubscriptionNotFound) {
			return err
		}
		// Subscription created out of band; resolve the user from metadata.
		userID := sub.Metadata["user_id"]
		if userID == "" {
			s.logger.Warn("webhook for unknown customer without user metadata",
				"event_id", event.ID, "customer_id", customerID)
			return nil
		}
		record = &domain.Subscription{UserID: userID, StripeCustomerID: &customerID}
	}

	planID, err := s.resolvePlan(sub, record)
	if err != nil {
		return err
	}

	updated := &domain.Subscription{
		UserID:               record.UserID,
		StripeCustomerID:     &customerID,
		StripeSubscriptionID: &sub.ID,
		PlanID:               planID,
		Status:               domain.StatusFromProvider(string(sub.Status)),
		CurrentPeriodEnd:     time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
	}
	if _, err := s.subs.UpsertFromProvider(ctx, updated, eventAt); err != nil {
		if errors.Is(err, store.ErrStaleEvent) {
			s.logger.Info("dropping stale subscription update",
				"event_id", event.ID, "customer_id", customerID)
			return nil
		}
		return err
	}
	return nil
}

func (s *BillingService) handleSubscriptionDeleted(ctx context.Context, event stripe.Event, eventAt time.Time) error {
	sub, customerID, err := parseSubscriptionEvent(event)
	if err != nil {
		return err
	}

	unlock := s.lockCustomer(customerID)
	defer unlock()

	if err := s.subs.MarkCanceled(ctx, customerID, eventAt); err != nil {
		return err
	}

	record, err := s.subs.GetByStripeCustomerID(ctx, customerID)
	if err != nil {
		if !errors.Is(err, store.ErrSubscriptionNotFound) {
			return err
		}
		// Deletion arrived before any local record existed. Write a canceled
		// tombstone so a late-delivered create cannot resurrect access.
		userID := sub.Metadata["user_id"]
		if userID == "" {
			s.logger.Warn("canceled subscription for unknown customer without user metadata",
				"event_id", event.ID, "customer_id", customerID)
			return nil
		}
		planID, _ := s.resolvePlan(sub, &domain.Subscription{PlanID: domain.PlanStarter})
		record = &domain.Subscription{
			UserID:               userID,
			StripeCustomerID:     &customerID,
			StripeSubscriptionID: &sub.ID,
			PlanID:               planID,
			Status:               domain.StatusCanceled,
			CurrentPeriodEnd:     time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
		}
		if _, err := s.subs.UpsertFromProvider(ctx, record, eventAt); err != nil && !errors.Is(err, store.ErrStaleEvent) {
			return err
		}
	}

	if err := s.publisher.Publish(ctx, domain.BillingExchange, domain.RoutingKeySubscriptionCanceled, domain.SubscriptionCanceledEvent{
		UserID:           record.UserID,
		StripeCustomerID: customerID,
		PlanID:           string(record.PlanID),
	}); err != nil {
		s.logger.Warn("failed to publish cancellation event", "event_id", event.ID, "error", err)
	}
	return nil
}

func (s *BillingService) handleInvoicePaymentSucceeded(ctx context.Context, event stripe.Event, eventAt time.Time) error {
	_, customerID, err := parseInvoiceEvent(event)
	if err != nil {
		return err
	}

	unlock := s.lockCustomer(customerID)
	defer unlock()

	// Idempotent refresh: confirm active. A canceled or newer record wins.
	if err := s.subs.SetStatus(ctx, customerID, domain.StatusActive, eventAt); err != nil {
		if errors.Is(err, store.ErrStaleEvent) {
			return nil
		}
		return err
	}
	return nil
}

func (s *BillingService) handleInvoicePaymentFailed(ctx context.Context, event stripe.Event, eventAt time.Time) error {
	invoice, customerID, err := parseInvoiceEvent(event)
	if err != nil {
		return err
	}

	unlock := s.lockCustomer(customerID)
	defer unlock()

	if err := s.subs.SetStatus(ctx, customerID, domain.StatusPastDue, eventAt); err != nil {
		if !errors.Is(err, store.ErrStaleEvent) {
			return err
		}
	}

	record, err := s.subs.GetByStripeCustomerID(ctx, customerID)
	if err != nil {
		return nil
	}
	if err := s.publisher.Publish(ctx, domain.BillingExchange, domain.RoutingKeyPaymentFailed, domain.PaymentFailedEvent{
		UserID:           record.UserID,
		StripeCustomerID: customerID,
		InvoiceID:        invoice.ID,
		AttemptCount:     invoice.AttemptCount,
	}); err != nil {
		s.logger.Warn("failed to publish payment failed event", "event_id", event.ID, "error", err)
	}
	return nil
}

func (s *BillingService) handleTrialWillEnd(ctx context.Context, event stripe.Event) error {
	sub, customerID, err := parseSubscriptionEvent(event)
	if err != nil {
		return err
	}

	// Notification trigger only; no state change.
	record, err := s.subs.GetByStripeCustomerID(ctx, customerID)
	if err != nil {
		return nil
	}
	if err := s.publisher.Publish(ctx, domain.BillingExchange, domain.RoutingKeyTrialWillEnd, domain.TrialWillEndEvent{
		UserID:           record.UserID,
		StripeCustomerID: customerID,
		TrialEndUnix:     sub.TrialEnd,
	}); err != nil {
		s.logger.Warn("failed to publish trial ending event", "event_id", event.ID, "error", err)
	}
	return nil
}

// resolvePlan maps the subscription's flat price to a plan id, keeping the
// stored plan when the payload carries no recognizable price. A payload with
// a price this deployment has never heard of and no stored plan is a
// configuration fault.
func (s *BillingService) resolvePlan(sub *stripe.Subscription, record *domain.Subscription) (domain.PlanID, error) {
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item.Price == nil {
				continue
			}
			if planID, ok := s.priceToPlan[item.Price.ID]; ok {
				return planID, nil
			}
		}
	}
	if record.PlanID != "" {
		return record.PlanID, nil
	}
	return "", fmt.Errorf("subscription %s carries no configured price", sub.ID)
}

func parseSubscriptionEvent(event stripe.Event) (*stripe.Subscription, string, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return nil, "", fmt.Errorf("failed to parse subscription payload: %w", err)
	}
	if sub.Customer == nil || sub.Customer.ID == "" {
		return nil, "", fmt.Errorf("subscription event %s missing customer id", event.ID)
	}
	return &sub, sub.Customer.ID, nil
}

func parseInvoiceEvent(event stripe.Event) (*stripe.Invoice, string, error) {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return nil, "", fmt.Errorf("failed to parse invoice payload: %w", err)
	}
	if invoice.Customer == nil || invoice.Customer.ID == "" {
		return nil, "", fmt.Errorf("invoice event %s missing customer id", event.ID)
	}
	return &invoice, invoice.Customer.ID, nil
}
