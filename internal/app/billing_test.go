package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v79"

	"github.com/dentalpulse/entitlement-service/internal/domain"
	"github.com/dentalpulse/entitlement-service/internal/store"
)

// fakeSubStore mirrors the guard semantics of the SQL store: conditional
// upserts ordered by last_event_at, terminal canceled, first-write-wins
// customer claim, and insert-first event idempotency.
type fakeSubStore struct {
	mu        sync.Mutex
	byUser    map[string]*domain.Subscription
	processed map[string]bool
	nextID    int

	// markCanceledErr fails the next MarkCanceled call once.
	markCanceledErr error
}

func newFakeSubStore() *fakeSubStore {
	return &fakeSubStore{
		byUser:    map[string]*domain.Subscription{},
		processed: map[string]bool{},
	}
}

func (f *fakeSubStore) GetByUserID(ctx context.Context, userID string) (*domain.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.byUser[userID]
	if !ok {
		return nil, store.ErrSubscriptionNotFound
	}
	copied := *sub
	return &copied, nil
}

func (f *fakeSubStore) GetByStripeCustomerID(ctx context.Context, customerID string) (*domain.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := f.findByCustomerLocked(customerID)
	if sub == nil {
		return nil, store.ErrSubscriptionNotFound
	}
	copied := *sub
	return &copied, nil
}

func (f *fakeSubStore) findByCustomerLocked(customerID string) *domain.Subscription {
	for _, sub := range f.byUser {
		if sub.StripeCustomerID != nil && *sub.StripeCustomerID == customerID {
			return sub
		}
	}
	return nil
}

func (f *fakeSubStore) ClaimStripeCustomerID(ctx context.Context, userID, customerID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.byUser[userID]
	if !ok {
		f.nextID++
		f.byUser[userID] = &domain.Subscription{
			ID:               fmt.Sprintf("local-%d", f.nextID),
			UserID:           userID,
			StripeCustomerID: &customerID,
			PlanID:           domain.PlanStarter,
			Status:           domain.StatusNone,
		}
		return customerID, nil
	}
	if sub.StripeCustomerID == nil || *sub.StripeCustomerID == "" {
		sub.StripeCustomerID = &customerID
		return customerID, nil
	}
	return *sub.StripeCustomerID, nil
}

func (f *fakeSubStore) UpsertFromProvider(ctx context.Context, sub *domain.Subscription, eventAt time.Time) (*domain.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.byUser[sub.UserID]
	if ok {
		if existing.Status.Terminal() || existing.LastEventAt.After(eventAt) {
			return nil, store.ErrStaleEvent
		}
	}
	updated := *sub
	if ok {
		updated.ID = existing.ID
	} else {
		f.nextID++
		updated.ID = fmt.Sprintf("local-%d", f.nextID)
	}
	updated.LastEventAt = eventAt
	f.byUser[sub.UserID] = &updated
	copied := updated
	return &copied, nil
}

func (f *fakeSubStore) SetStatus(ctx context.Context, customerID string, status domain.SubscriptionStatus, eventAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := f.findByCustomerLocked(customerID)
	if sub == nil {
		return store.ErrSubscriptionNotFound
	}
	if sub.Status.Terminal() || sub.LastEventAt.After(eventAt) {
		return store.ErrStaleEvent
	}
	sub.Status = status
	sub.LastEventAt = eventAt
	return nil
}

func (f *fakeSubStore) MarkCanceled(ctx context.Context, customerID string, eventAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markCanceledErr != nil {
		err := f.markCanceledErr
		f.markCanceledErr = nil
		return err
	}
	sub := f.findByCustomerLocked(customerID)
	if sub == nil {
		// Zero rows matched; not an error, mirroring the SQL update.
		return nil
	}
	sub.Status = domain.StatusCanceled
	if eventAt.After(sub.LastEventAt) {
		sub.LastEventAt = eventAt
	}
	return nil
}

func (f *fakeSubStore) MarkEventProcessed(ctx context.Context, eventID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.processed[eventID] {
		return false, nil
	}
	f.processed[eventID] = true
	return true, nil
}

func (f *fakeSubStore) UnmarkEvent(ctx context.Context, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.processed, eventID)
	return nil
}

type fakeGateway struct {
	mu sync.Mutex

	createCustomerCalls int
	getCustomerCalls    int
	customerErr         error

	createSubErr   error
	createSubCalls int

	meteredItemFound bool
	addItemCalls     int
	usageRecords     int
	usageRecordErr   error

	checkoutURL string
}

func (g *fakeGateway) CreateCustomer(ctx context.Context, userID, email, idempotencyKey string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.customerErr != nil {
		return "", g.customerErr
	}
	g.createCustomerCalls++
	return fmt.Sprintf("cus_%d", g.createCustomerCalls), nil
}

func (g *fakeGateway) GetCustomer(ctx context.Context, customerID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.getCustomerCalls++
	return nil
}

func (g *fakeGateway) AttachPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error {
	return nil
}

func (g *fakeGateway) SetDefaultPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error {
	return nil
}

func (g *fakeGateway) CreateSubscription(ctx context.Context, customerID, priceID, idempotencyKey string) (*domain.ProviderSubscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createSubErr != nil {
		return nil, g.createSubErr
	}
	g.createSubCalls++
	return &domain.ProviderSubscription{
		ID:               fmt.Sprintf("sub_%d", g.createSubCalls),
		Status:           domain.StatusActive,
		CurrentPeriodEnd: time.Now().Add(720 * time.Hour),
	}, nil
}

func (g *fakeGateway) FindMeteredItem(ctx context.Context, subscriptionID, productType string) (string, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.meteredItemFound {
		return "si_existing", true, nil
	}
	return "", false, nil
}

func (g *fakeGateway) AddMeteredItem(ctx context.Context, subscriptionID, priceID, productType string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.addItemCalls++
	return "si_added", nil
}

func (g *fakeGateway) CreateUsageRecord(ctx context.Context, subscriptionItemID string, quantity int64, at time.Time) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.usageRecordErr != nil {
		return "", g.usageRecordErr
	}
	g.usageRecords++
	return fmt.Sprintf("mbur_%d", g.usageRecords), nil
}

func (g *fakeGateway) CreateCheckoutSession(ctx context.Context, customerID, priceID, successURL, cancelURL string) (string, error) {
	if g.checkoutURL == "" {
		return "https://checkout.stripe.test/session", nil
	}
	return g.checkoutURL, nil
}

type capturingPublisher struct {
	mu       sync.Mutex
	messages []publishedMessage
}

type publishedMessage struct {
	exchange   string
	routingKey string
	body       interface{}
}

func (p *capturingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, publishedMessage{exchange, routingKey, body})
	return nil
}

func (p *capturingPublisher) byRoutingKey(key string) []publishedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []publishedMessage
	for _, m := range p.messages {
		if m.routingKey == key {
			out = append(out, m)
		}
	}
	return out
}

func testBillingConfig() BillingConfig {
	return BillingConfig{
		PlanPrices: map[domain.PlanID]string{
			domain.PlanStarter:      "price_starter",
			domain.PlanProfessional: "price_pro",
			domain.PlanEnterprise:   "price_ent",
		},
		MeteredPrices: map[domain.FeatureType]string{
			domain.FeatureTypeAIQueries: "price_ai",
		},
		SuccessURL: "https://app.test/billing/success",
		CancelURL:  "https://app.test/billing/cancel",
	}
}

func newTestBilling(gateway *fakeGateway, subs *fakeSubStore, publisher *capturingPublisher) *BillingService {
	return NewBillingService(gateway, subs, publisher, testLogger(), testBillingConfig())
}

func subscriptionEvent(eventID, eventType, subID, customerID, status, priceID string, created int64) stripe.Event {
	payload := fmt.Sprintf(`{
		"id": %q,
		"customer": %q,
		"status": %q,
		"current_period_end": %d,
		"items": {"data": [{"price": {"id": %q}}]},
		"metadata": {"user_id": "user_1"}
	}`, subID, customerID, status, created+30*24*3600, priceID)
	return stripe.Event{
		ID:      eventID,
		Type:    stripe.EventType(eventType),
		Created: created,
		Data:    &stripe.EventData{Raw: json.RawMessage(payload)},
	}
}

func invoiceEvent(eventID, eventType, customerID string, attemptCount int, created int64) stripe.Event {
	payload := fmt.Sprintf(`{"id": "in_1", "customer": %q, "attempt_count": %d}`, customerID, attemptCount)
	return stripe.Event{
		ID:      eventID,
		Type:    stripe.EventType(eventType),
		Created: created,
		Data:    &stripe.EventData{Raw: json.RawMessage(payload)},
	}
}

func TestFindOrCreateCustomer_ReusesStoredID(t *testing.T) {
	subs := newFakeSubStore()
	if _, err := subs.ClaimStripeCustomerID(context.Background(), "user_1", "cus_stored"); err != nil {
		t.Fatalf("seed claim failed: %v", err)
	}
	gateway := &fakeGateway{}
	svc := newTestBilling(gateway, subs, &capturingPublisher{})

	id, err := svc.FindOrCreateCustomer(context.Background(), "user_1", "u1@test.dev")
	if err != nil {
		t.Fatalf("FindOrCreateCustomer returned error: %v", err)
	}
	if id != "cus_stored" {
		t.Fatalf("expected stored customer id, got %s", id)
	}
	if gateway.createCustomerCalls != 0 {
		t.Fatalf("expected no provider customer creation, got %d", gateway.createCustomerCalls)
	}
	if gateway.getCustomerCalls != 1 {
		t.Fatalf("expected stored id verified against provider, got %d calls", gateway.getCustomerCalls)
	}
}

func TestFindOrCreateCustomer_CreatesAndClaims(t *testing.T) {
	subs := newFakeSubStore()
	gateway := &fakeGateway{}
	svc := newTestBilling(gateway, subs, &capturingPublisher{})

	id, err := svc.FindOrCreateCustomer(context.Background(), "user_1", "u1@test.dev")
	if err != nil {
		t.Fatalf("FindOrCreateCustomer returned error: %v", err)
	}
	if id != "cus_1" {
		t.Fatalf("expected cus_1, got %s", id)
	}
	stored, err := subs.GetByUserID(context.Background(), "user_1")
	if err != nil {
		t.Fatalf("expected claim to create a record: %v", err)
	}
	if stored.StripeCustomerID == nil || *stored.StripeCustomerID != "cus_1" {
		t.Fatal("expected claimed customer id persisted")
	}
}

func TestFindOrCreateCustomer_ConcurrentCallersConverge(t *testing.T) {
	subs := newFakeSubStore()
	gateway := &fakeGateway{}
	svc := newTestBilling(gateway, subs, &capturingPublisher{})

	const callers = 8
	results := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := svc.FindOrCreateCustomer(context.Background(), "user_1", "u1@test.dev")
			if err != nil {
				t.Errorf("FindOrCreateCustomer returned error: %v", err)
				return
			}
			results[i] = id
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		if results[i] != results[0] {
			t.Fatalf("callers diverged: %q vs %q", results[0], results[i])
		}
	}
	stored, err := subs.GetByUserID(context.Background(), "user_1")
	if err != nil {
		t.Fatalf("expected a single record: %v", err)
	}
	if *stored.StripeCustomerID != results[0] {
		t.Fatalf("stored id %s does not match returned id %s", *stored.StripeCustomerID, results[0])
	}
}

func TestCreateSubscription_PersistsOnlyAfterProviderConfirms(t *testing.T) {
	subs := newFakeSubStore()
	gateway := &fakeGateway{createSubErr: errors.New("card declined")}
	svc := newTestBilling(gateway, subs, &capturingPublisher{})

	if _, err := svc.CreateSubscription(context.Background(), "user_1", "u1@test.dev", domain.PlanProfessional, "pm_1"); err == nil {
		t.Fatal("expected provider failure to surface")
	}
	stored, err := subs.GetByUserID(context.Background(), "user_1")
	if err != nil {
		t.Fatalf("customer claim should persist: %v", err)
	}
	if stored.StripeSubscriptionID != nil {
		t.Fatal("expected no local subscription after provider failure")
	}
	if stored.Status.Grants() {
		t.Fatal("expected no access after provider failure")
	}
}

func TestCreateSubscription_Success(t *testing.T) {
	subs := newFakeSubStore()
	gateway := &fakeGateway{}
	svc := newTestBilling(gateway, subs, &capturingPublisher{})

	sub, err := svc.CreateSubscription(context.Background(), "user_1", "u1@test.dev", domain.PlanProfessional, "pm_1")
	if err != nil {
		t.Fatalf("CreateSubscription returned error: %v", err)
	}
	if sub.Status != domain.StatusActive {
		t.Fatalf("expected active status, got %s", sub.Status)
	}
	if sub.PlanID != domain.PlanProfessional {
		t.Fatalf("expected professional plan, got %s", sub.PlanID)
	}
	if sub.StripeSubscriptionID == nil || *sub.StripeSubscriptionID != "sub_1" {
		t.Fatal("expected provider subscription id persisted")
	}
}

func TestCreateSubscription_UnknownPlan(t *testing.T) {
	svc := newTestBilling(&fakeGateway{}, newFakeSubStore(), &capturingPublisher{})

	_, err := svc.CreateSubscription(context.Background(), "user_1", "u1@test.dev", "platinum", "pm_1")
	if !errors.Is(err, domain.ErrUnknownPlan) {
		t.Fatalf("expected ErrUnknownPlan, got %v", err)
	}
}

func TestCreateCheckoutSession_RejectsUnknownPrice(t *testing.T) {
	svc := newTestBilling(&fakeGateway{}, newFakeSubStore(), &capturingPublisher{})

	if _, err := svc.CreateCheckoutSession(context.Background(), "user_1", "u1@test.dev", "price_bogus"); err == nil {
		t.Fatal("expected unknown price rejection")
	}
}

func TestHandleWebhook_SubscriptionCreatedUpserts(t *testing.T) {
	subs := newFakeSubStore()
	svc := newTestBilling(&fakeGateway{}, subs, &capturingPublisher{})

	event := subscriptionEvent("evt_1", "customer.subscription.created", "sub_1", "cus_1", "active", "price_pro", time.Now().Unix())
	if err := svc.HandleWebhook(context.Background(), event); err != nil {
		t.Fatalf("HandleWebhook returned error: %v", err)
	}

	stored, err := subs.GetByUserID(context.Background(), "user_1")
	if err != nil {
		t.Fatalf("expected record created from webhook metadata: %v", err)
	}
	if stored.PlanID != domain.PlanProfessional {
		t.Fatalf("expected plan resolved from price, got %s", stored.PlanID)
	}
	if stored.Status != domain.StatusActive {
		t.Fatalf("expected active, got %s", stored.Status)
	}
}

func TestHandleWebhook_ReplayIsNoOp(t *testing.T) {
	subs := newFakeSubStore()
	svc := newTestBilling(&fakeGateway{}, subs, &capturingPublisher{})

	now := time.Now().Unix()
	created := subscriptionEvent("evt_1", "customer.subscription.created", "sub_1", "cus_1", "active", "price_pro", now)
	if err := svc.HandleWebhook(context.Background(), created); err != nil {
		t.Fatalf("first delivery failed: %v", err)
	}

	// Same event id, tampered payload. The replay must not apply.
	replay := subscriptionEvent("evt_1", "customer.subscription.updated", "sub_1", "cus_1", "unpaid", "price_starter", now+100)
	if err := svc.HandleWebhook(context.Background(), replay); err != nil {
		t.Fatalf("replay returned error: %v", err)
	}

	stored, _ := subs.GetByUserID(context.Background(), "user_1")
	if stored.Status != domain.StatusActive || stored.PlanID != domain.PlanProfessional {
		t.Fatalf("replay mutated state: status=%s plan=%s", stored.Status, stored.PlanID)
	}
}

func TestHandleWebhook_OutOfOrderUpdateDropped(t *testing.T) {
	subs := newFakeSubStore()
	svc := newTestBilling(&fakeGateway{}, subs, &capturingPublisher{})

	base := time.Now().Unix()
	newer := subscriptionEvent("evt_2", "customer.subscription.updated", "sub_1", "cus_1", "active", "price_ent", base+60)
	if err := svc.HandleWebhook(context.Background(), newer); err != nil {
		t.Fatalf("newer event failed: %v", err)
	}
	older := subscriptionEvent("evt_1", "customer.subscription.updated", "sub_1", "cus_1", "past_due", "price_pro", base)
	if err := svc.HandleWebhook(context.Background(), older); err != nil {
		t.Fatalf("older event should be dropped silently: %v", err)
	}

	stored, _ := subs.GetByUserID(context.Background(), "user_1")
	if stored.Status != domain.StatusActive || stored.PlanID != domain.PlanEnterprise {
		t.Fatalf("stale event overwrote state: status=%s plan=%s", stored.Status, stored.PlanID)
	}
}

func TestHandleWebhook_DeletedIsTerminal(t *testing.T) {
	subs := newFakeSubStore()
	publisher := &capturingPublisher{}
	svc := newTestBilling(&fakeGateway{}, subs, publisher)

	base := time.Now().Unix()
	created := subscriptionEvent("evt_1", "customer.subscription.created", "sub_1", "cus_1", "active", "price_pro", base)
	if err := svc.HandleWebhook(context.Background(), created); err != nil {
		t.Fatalf("created event failed: %v", err)
	}
	deleted := subscriptionEvent("evt_2", "customer.subscription.deleted", "sub_1", "cus_1", "canceled", "price_pro", base+60)
	if err := svc.HandleWebhook(context.Background(), deleted); err != nil {
		t.Fatalf("deleted event failed: %v", err)
	}

	stored, _ := subs.GetByUserID(context.Background(), "user_1")
	if stored.Status != domain.StatusCanceled {
		t.Fatalf("expected canceled, got %s", stored.Status)
	}
	if msgs := publisher.byRoutingKey(domain.RoutingKeySubscriptionCanceled); len(msgs) != 1 {
		t.Fatalf("expected 1 cancellation event published, got %d", len(msgs))
	}

	// A later update for the same customer must not resurrect the record.
	revive := subscriptionEvent("evt_3", "customer.subscription.updated", "sub_1", "cus_1", "active", "price_pro", base+120)
	if err := svc.HandleWebhook(context.Background(), revive); err != nil {
		t.Fatalf("post-cancel update should be dropped silently: %v", err)
	}
	stored, _ = subs.GetByUserID(context.Background(), "user_1")
	if stored.Status != domain.StatusCanceled {
		t.Fatalf("canceled subscription was resurrected to %s", stored.Status)
	}
}

func TestHandleWebhook_PaymentFailedThenSucceeded(t *testing.T) {
	subs := newFakeSubStore()
	publisher := &capturingPublisher{}
	svc := newTestBilling(&fakeGateway{}, subs, publisher)

	base := time.Now().Unix()
	created := subscriptionEvent("evt_1", "customer.subscription.created", "sub_1", "cus_1", "active", "price_pro", base)
	if err := svc.HandleWebhook(context.Background(), created); err != nil {
		t.Fatalf("created event failed: %v", err)
	}

	failed := invoiceEvent("evt_2", "invoice.payment_failed", "cus_1", 1, base+60)
	if err := svc.HandleWebhook(context.Background(), failed); err != nil {
		t.Fatalf("payment failed event errored: %v", err)
	}
	stored, _ := subs.GetByUserID(context.Background(), "user_1")
	if stored.Status != domain.StatusPastDue {
		t.Fatalf("expected past_due after failed payment, got %s", stored.Status)
	}
	if msgs := publisher.byRoutingKey(domain.RoutingKeyPaymentFailed); len(msgs) != 1 {
		t.Fatalf("expected 1 payment failed event published, got %d", len(msgs))
	}

	succeeded := invoiceEvent("evt_3", "invoice.payment_succeeded", "cus_1", 0, base+120)
	if err := svc.HandleWebhook(context.Background(), succeeded); err != nil {
		t.Fatalf("payment succeeded event errored: %v", err)
	}
	stored, _ = subs.GetByUserID(context.Background(), "user_1")
	if stored.Status != domain.StatusActive {
		t.Fatalf("expected active after retry succeeded, got %s", stored.Status)
	}
}

func TestHandleWebhook_TrialWillEndPublishesOnly(t *testing.T) {
	subs := newFakeSubStore()
	publisher := &capturingPublisher{}
	svc := newTestBilling(&fakeGateway{}, subs, publisher)

	base := time.Now().Unix()
	created := subscriptionEvent("evt_1", "customer.subscription.created", "sub_1", "cus_1", "trialing", "price_pro", base)
	if err := svc.HandleWebhook(context.Background(), created); err != nil {
		t.Fatalf("created event failed: %v", err)
	}

	trial := subscriptionEvent("evt_2", "customer.subscription.trial_will_end", "sub_1", "cus_1", "trialing", "price_pro", base+60)
	if err := svc.HandleWebhook(context.Background(), trial); err != nil {
		t.Fatalf("trial event errored: %v", err)
	}
	if msgs := publisher.byRoutingKey(domain.RoutingKeyTrialWillEnd); len(msgs) != 1 {
		t.Fatalf("expected 1 trial ending event published, got %d", len(msgs))
	}
	stored, _ := subs.GetByUserID(context.Background(), "user_1")
	if stored.Status != domain.StatusTrialing {
		t.Fatalf("trial notification must not change state, got %s", stored.Status)
	}
}

func TestHandleWebhook_UnknownEventTypeIgnored(t *testing.T) {
	svc := newTestBilling(&fakeGateway{}, newFakeSubStore(), &capturingPublisher{})

	event := stripe.Event{
		ID:      "evt_1",
		Type:    "charge.refunded",
		Created: time.Now().Unix(),
		Data:    &stripe.EventData{Raw: json.RawMessage(`{}`)},
	}
	if err := svc.HandleWebhook(context.Background(), event); err != nil {
		t.Fatalf("unknown event type must be ignored, got %v", err)
	}
}

func TestReportMeteredUsage_AddsMissingItem(t *testing.T) {
	gateway := &fakeGateway{}
	svc := newTestBilling(gateway, newFakeSubStore(), &capturingPublisher{})

	stripeSubID := "sub_1"
	sub := activeSubscription(domain.PlanProfessional)
	sub.StripeSubscriptionID = &stripeSubID
	event := &domain.UsageEvent{ID: "u1", UserID: "user_1", FeatureType: domain.FeatureTypeAIQueries, Quantity: 1, RecordedAt: time.Now()}

	recordID, err := svc.ReportMeteredUsage(context.Background(), sub, event)
	if err != nil {
		t.Fatalf("ReportMeteredUsage returned error: %v", err)
	}
	if recordID != "mbur_1" {
		t.Fatalf("expected usage record id mbur_1, got %s", recordID)
	}
	if gateway.addItemCalls != 1 {
		t.Fatalf("expected metered item added once, got %d", gateway.addItemCalls)
	}
}

func TestReportMeteredUsage_ReusesExistingItem(t *testing.T) {
	gateway := &fakeGateway{meteredItemFound: true}
	svc := newTestBilling(gateway, newFakeSubStore(), &capturingPublisher{})

	stripeSubID := "sub_1"
	sub := activeSubscription(domain.PlanProfessional)
	sub.StripeSubscriptionID = &stripeSubID
	event := &domain.UsageEvent{ID: "u1", UserID: "user_1", FeatureType: domain.FeatureTypeAIQueries, Quantity: 1, RecordedAt: time.Now()}

	if _, err := svc.ReportMeteredUsage(context.Background(), sub, event); err != nil {
		t.Fatalf("ReportMeteredUsage returned error: %v", err)
	}
	if gateway.addItemCalls != 0 {
		t.Fatalf("expected existing item reused, got %d add calls", gateway.addItemCalls)
	}
}

func TestMetered(t *testing.T) {
	svc := newTestBilling(&fakeGateway{}, newFakeSubStore(), &capturingPublisher{})
	if !svc.Metered(domain.FeatureTypeAIQueries) {
		t.Fatal("expected ai_queries to be metered")
	}
	if svc.Metered(domain.FeatureTypeCategories) {
		t.Fatal("expected categories to be unmetered")
	}

	types := svc.MeteredFeatureTypes()
	if len(types) != 1 || types[0] != domain.FeatureTypeAIQueries {
		t.Fatalf("expected metered types [ai_queries], got %v", types)
	}
}

func TestHandleWebhook_FailedTransitionReprocessedOnRetry(t *testing.T) {
	subs := newFakeSubStore()
	svc := newTestBilling(&fakeGateway{}, subs, &capturingPublisher{})

	base := time.Now().Unix()
	created := subscriptionEvent("evt_1", "customer.subscription.created", "sub_1", "cus_1", "active", "price_pro", base)
	if err := svc.HandleWebhook(context.Background(), created); err != nil {
		t.Fatalf("created event failed: %v", err)
	}

	// The store fails mid-handling; the event id must be released so the
	// provider's redelivery of the same id is processed, not swallowed.
	subs.markCanceledErr = errors.New("connection reset")
	deleted := subscriptionEvent("evt_2", "customer.subscription.deleted", "sub_1", "cus_1", "canceled", "price_pro", base+60)
	if err := svc.HandleWebhook(context.Background(), deleted); err == nil {
		t.Fatal("expected store failure to surface")
	}

	if err := svc.HandleWebhook(context.Background(), deleted); err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}
	stored, _ := subs.GetByUserID(context.Background(), "user_1")
	if stored.Status != domain.StatusCanceled {
		t.Fatalf("expected canceled after redelivery, got %s", stored.Status)
	}
}

func TestHandleWebhook_DeletedBeforeCreatedLeavesTombstone(t *testing.T) {
	subs := newFakeSubStore()
	publisher := &capturingPublisher{}
	svc := newTestBilling(&fakeGateway{}, subs, publisher)

	base := time.Now().Unix()
	deleted := subscriptionEvent("evt_1", "customer.subscription.deleted", "sub_1", "cus_1", "canceled", "price_pro", base+60)
	if err := svc.HandleWebhook(context.Background(), deleted); err != nil {
		t.Fatalf("deleted event failed: %v", err)
	}

	stored, err := subs.GetByUserID(context.Background(), "user_1")
	if err != nil {
		t.Fatalf("expected a canceled tombstone: %v", err)
	}
	if stored.Status != domain.StatusCanceled {
		t.Fatalf("expected canceled tombstone, got %s", stored.Status)
	}

	// The create that the deletion overtook must not resurrect access.
	created := subscriptionEvent("evt_2", "customer.subscription.created", "sub_1", "cus_1", "active", "price_pro", base)
	if err := svc.HandleWebhook(context.Background(), created); err != nil {
		t.Fatalf("late create should be dropped silently: %v", err)
	}
	stored, _ = subs.GetByUserID(context.Background(), "user_1")
	if stored.Status != domain.StatusCanceled {
		t.Fatalf("late create resurrected subscription to %s", stored.Status)
	}
}

func TestLockCustomer_ReleasedWhenUncontended(t *testing.T) {
	svc := newTestBilling(&fakeGateway{}, newFakeSubStore(), &capturingPublisher{})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				unlock := svc.lockCustomer(fmt.Sprintf("cus_%d", i%2))
				unlock()
			}
		}(i)
	}
	wg.Wait()

	svc.mu.Lock()
	remaining := len(svc.customerLocks)
	svc.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("expected all customer locks released, %d remain", remaining)
	}
}
