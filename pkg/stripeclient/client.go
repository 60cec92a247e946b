/**
 * @description
 * This package wraps the Stripe SDK behind the billing gateway interface the
 * application layer consumes. The API client is constructed and injected, not
 * taken from the SDK's package-global key, so tests can substitute a fake
 * gateway without touching process-wide state.
 *
 * @notes
 * - Create calls carry idempotency keys so a blind retry cannot mint
 *   duplicate provider-side resources.
 * - Metered subscription items are matched on the price metadata key
 *   "product_type", which the price objects are tagged with in the Stripe
 *   dashboard at deploy time.
 */
package stripeclient

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"

	"github.com/dentalpulse/entitlement-service/internal/domain"
)

// productTypeMetadataKey tags metered prices with the feature they bill.
const productTypeMetadataKey = "product_type"

// Client implements the billing gateway over the Stripe API.
type Client struct {
	api *client.API
}

// New creates a Stripe gateway with its own API client for the given key.
func New(secretKey string) *Client {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &Client{api: api}
}

// CreateCustomer creates a Stripe customer tagged with the local user id.
func (c *Client) CreateCustomer(ctx context.Context, userID, email, idempotencyKey string) (string, error) {
	params := &stripe.CustomerParams{
		Email: stripe.String(email),
	}
	params.Context = ctx
	params.IdempotencyKey = stripe.String(idempotencyKey)
	params.AddMetadata("user_id", userID)

	cust, err := c.api.Customers.New(params)
	if err != nil {
		return "", err
	}
	return cust.ID, nil
}

// GetCustomer fetches a customer to confirm the stored id is still valid.
func (c *Client) GetCustomer(ctx context.Context, customerID string) error {
	params := &stripe.CustomerParams{}
	params.Context = ctx
	_, err := c.api.Customers.Get(customerID, params)
	return err
}

// AttachPaymentMethod attaches a payment method to a customer.
func (c *Client) AttachPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error {
	params := &stripe.PaymentMethodAttachParams{
		Customer: stripe.String(customerID),
	}
	params.Context = ctx
	_, err := c.api.PaymentMethods.Attach(paymentMethodID, params)
	return err
}

// SetDefaultPaymentMethod makes the payment method the customer's default
// for invoices.
func (c *Client) SetDefaultPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error {
	params := &stripe.CustomerParams{
		InvoiceSettings: &stripe.CustomerInvoiceSettingsParams{
			DefaultPaymentMethod: stripe.String(paymentMethodID),
		},
	}
	params.Context = ctx
	_, err := c.api.Customers.Update(customerID, params)
	return err
}

// CreateSubscription creates a subscription with quantity 1 on the plan's
// price and returns the slice of provider state the bridge persists.
func (c *Client) CreateSubscription(ctx context.Context, customerID, priceID, idempotencyKey string) (*domain.ProviderSubscription, error) {
	params := &stripe.SubscriptionParams{
		Customer: stripe.String(customerID),
		Items: []*stripe.SubscriptionItemsParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
	}
	params.Context = ctx
	params.IdempotencyKey = stripe.String(idempotencyKey)

	sub, err := c.api.Subscriptions.New(params)
	if err != nil {
		return nil, err
	}
	return &domain.ProviderSubscription{
		ID:               sub.ID,
		Status:           domain.StatusFromProvider(string(sub.Status)),
		CurrentPeriodEnd: time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
	}, nil
}

// FindMeteredItem looks for the subscription item whose price is tagged with
// the given product type.
func (c *Client) FindMeteredItem(ctx context.Context, subscriptionID, productType string) (string, bool, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	params.AddExpand("items.data.price")

	sub, err := c.api.Subscriptions.Get(subscriptionID, params)
	if err != nil {
		return "", false, err
	}
	if sub.Items == nil {
		return "", false, nil
	}
	for _, item := range sub.Items.Data {
		if item.Price == nil {
			continue
		}
		if item.Price.Metadata[productTypeMetadataKey] == productType {
			return item.ID, true, nil
		}
	}
	return "", false, nil
}

// AddMeteredItem attaches a metered price to an existing subscription.
func (c *Client) AddMeteredItem(ctx context.Context, subscriptionID, priceID, productType string) (string, error) {
	params := &stripe.SubscriptionItemParams{
		Subscription: stripe.String(subscriptionID),
		Price:        stripe.String(priceID),
	}
	params.Context = ctx
	params.IdempotencyKey = stripe.String(fmt.Sprintf("metered-item:%s:%s", subscriptionID, productType))

	item, err := c.api.SubscriptionItems.New(params)
	if err != nil {
		return "", err
	}
	return item.ID, nil
}

// CreateUsageRecord reports one usage increment against a metered item.
func (c *Client) CreateUsageRecord(ctx context.Context, subscriptionItemID string, quantity int64, at time.Time) (string, error) {
	params := &stripe.UsageRecordParams{
		SubscriptionItem: stripe.String(subscriptionItemID),
		Quantity:         stripe.Int64(quantity),
		Timestamp:        stripe.Int64(at.Unix()),
		Action:           stripe.String(stripe.UsageRecordActionIncrement),
	}
	params.Context = ctx

	record, err := c.api.UsageRecords.New(params)
	if err != nil {
		return "", err
	}
	return record.ID, nil
}

// CreateCheckoutSession starts a subscription-mode checkout session and
// returns the redirect URL.
func (c *Client) CreateCheckoutSession(ctx context.Context, customerID, priceID, successURL, cancelURL string) (string, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:     stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer: stripe.String(customerID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(successURL),
		CancelURL:  stripe.String(cancelURL),
	}
	params.Context = ctx

	sess, err := c.api.CheckoutSessions.New(params)
	if err != nil {
		return "", err
	}
	return sess.URL, nil
}
