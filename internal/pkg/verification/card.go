package verification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/coupon"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/subscription"

	"github.com/prepwell/entitlement-api/app/models"
	"github.com/prepwell/entitlement-api/internal/pkg/env"
)

type CardConfig struct {
	SecretKey string
}

// CardClient verifies card-processor subscriptions. Unlike the store adapters
// there is no receipt blob to parse: the processor is queried directly by
// subscription ID (pull model).
type CardClient struct {
	cfg CardConfig
}

func NewCardClient(cfg CardConfig) *CardClient {
	stripe.Key = cfg.SecretKey
	return &CardClient{cfg: cfg}
}

func NewCardClientFromEnv() *CardClient {
	return NewCardClient(CardConfig{
		SecretKey: strings.TrimSpace(env.GetEnv("STRIPE_SECRET_KEY", "")),
	})
}

func (c *CardClient) Platform() string {
	return models.PlatformWeb
}

// FindOrCreateCustomer resolves a processor customer by email, creating one
// when none exists, and returns the customer ID.
func (c *CardClient) FindOrCreateCustomer(ctx context.Context, email string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", errors.New("email is required")
	}

	listParams := &stripe.CustomerListParams{Email: stripe.String(email)}
	listParams.Context = ctx
	listParams.Limit = stripe.Int64(1)
	iter := customer.List(listParams)
	if iter.Next() {
		return iter.Customer().ID, nil
	}
	if err := iter.Err(); err != nil {
		return "", mapStripeError(err)
	}

	params := &stripe.CustomerParams{Email: stripe.String(email)}
	params.Context = ctx
	cust, err := customer.New(params)
	if err != nil {
		return "", mapStripeError(err)
	}
	return cust.ID, nil
}

// LookupCoupon validates a discount/trial code against the processor.
func (c *CardClient) LookupCoupon(ctx context.Context, code string) (*stripe.Coupon, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, errors.New("coupon code is required")
	}
	params := &stripe.CouponParams{}
	params.Context = ctx
	cpn, err := coupon.Get(code, params)
	if err != nil {
		return nil, mapStripeError(err)
	}
	if !cpn.Valid {
		return nil, fmt.Errorf("%w: coupon %s is no longer valid", ErrInvalidReceipt, code)
	}
	return cpn, nil
}

// Verify reads the subscription's current state from the processor.
func (c *CardClient) Verify(ctx context.Context, p Payload) (*Result, error) {
	subID := strings.TrimSpace(p.SubscriptionID)
	if subID == "" {
		return nil, fmt.Errorf("%w: missing subscription id", ErrInvalidReceipt)
	}

	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := subscription.Get(subID, params)
	if err != nil {
		return nil, mapStripeError(err)
	}
	return resultFromSubscription(sub, time.Now()), nil
}

// resultFromSubscription maps a processor subscription onto the canonical
// result. The transaction ID is synthesized from the subscription ID and the
// current billing period so that each period applies exactly once.
func resultFromSubscription(sub *stripe.Subscription, now time.Time) *Result {
	var expiration *time.Time
	var periodEnd int64
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item.CurrentPeriodEnd > periodEnd {
				periodEnd = item.CurrentPeriodEnd
			}
		}
	}
	if periodEnd == 0 && sub.TrialEnd > 0 {
		periodEnd = sub.TrialEnd
	}
	if periodEnd > 0 {
		t := time.Unix(periodEnd, 0).UTC()
		expiration = &t
	}

	isInTrial := sub.Status == stripe.SubscriptionStatusTrialing
	isActive := false
	switch sub.Status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing, stripe.SubscriptionStatusPastDue:
		isActive = expiration == nil || expiration.After(now)
	}

	productID := ""
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		productID = sub.Items.Data[0].Price.ID
	}

	status := models.VerificationStatusVerified
	if !isActive {
		status = models.VerificationStatusExpired
	}

	raw, _ := json.Marshal(map[string]interface{}{
		"subscription_id": sub.ID,
		"status":          sub.Status,
		"period_end":      periodEnd,
	})

	return &Result{
		Platform:              models.PlatformWeb,
		ProductID:             productID,
		TransactionID:         fmt.Sprintf("%s:%d", sub.ID, periodEnd),
		OriginalTransactionID: sub.ID,
		Status:                status,
		IsActive:              isActive,
		IsInTrial:             isInTrial,
		ExpirationDate:        expiration,
		AutoRenewing:          !sub.CancelAtPeriodEnd,
		Credential:            sub.ID,
		RawPayloadJSON:        string(raw),
	}
}

func mapStripeError(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode >= 500 || stripeErr.HTTPStatusCode == 429 {
			return fmt.Errorf("%w: card processor status=%d", ErrProviderUnavailable, stripeErr.HTTPStatusCode)
		}
		return fmt.Errorf("%w: %s", ErrInvalidReceipt, stripeErr.Code)
	}
	return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
}
