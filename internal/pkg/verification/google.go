package verification

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/prepwell/entitlement-api/app/models"
	"github.com/prepwell/entitlement-api/internal/pkg/env"
)

const (
	defaultGoogleAPIBaseURL = "https://androidpublisher.googleapis.com/androidpublisher/v3"
	androidPublisherScope   = "https://www.googleapis.com/auth/androidpublisher"
)

// Google paymentState values on a subscription purchase.
const (
	googlePaymentPending   = 0
	googlePaymentReceived  = 1
	googlePaymentFreeTrial = 2
)

type GoogleClient struct {
	PackageName string
	APIBaseURL  string

	TokenSource oauth2.TokenSource
	HTTPClient  *http.Client
}

// NewGoogleClientFromEnv builds a client authenticated with the service
// account key file referenced by GOOGLE_SERVICE_ACCOUNT_FILE.
func NewGoogleClientFromEnv() (*GoogleClient, error) {
	keyFile := strings.TrimSpace(env.GetEnv("GOOGLE_SERVICE_ACCOUNT_FILE", ""))
	if keyFile == "" {
		return nil, fmt.Errorf("GOOGLE_SERVICE_ACCOUNT_FILE is not configured")
	}
	keyJSON, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("read service account key: %w", err)
	}
	cfg, err := google.JWTConfigFromJSON(keyJSON, androidPublisherScope)
	if err != nil {
		return nil, fmt.Errorf("parse service account key: %w", err)
	}

	return &GoogleClient{
		PackageName: strings.TrimSpace(env.GetEnv("GOOGLE_PACKAGE_NAME", "")),
		APIBaseURL:  strings.TrimSpace(env.GetEnv("GOOGLE_API_BASE_URL", defaultGoogleAPIBaseURL)),
		TokenSource: cfg.TokenSource(context.Background()),
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}, nil
}

func (c *GoogleClient) Platform() string {
	return models.PlatformAndroid
}

type googleSubscriptionPurchase struct {
	Kind                 string `json:"kind"`
	StartTimeMillis      string `json:"startTimeMillis"`
	ExpiryTimeMillis     string `json:"expiryTimeMillis"`
	AutoRenewing         bool   `json:"autoRenewing"`
	PaymentState         *int   `json:"paymentState"`
	CancelReason         *int   `json:"cancelReason"`
	OrderID              string `json:"orderId"`
	AcknowledgementState *int   `json:"acknowledgementState"`
}

// Verify calls the Play Developer subscriptions.get API. A Gone/NotFound
// response maps to a synthetic expired result rather than an error, because
// Google purges fully expired subscriptions. If the purchase has not been
// acknowledged yet, the acknowledgement call is performed as a best-effort
// side effect; its failure is logged but never fails the verification.
func (c *GoogleClient) Verify(ctx context.Context, p Payload) (*Result, error) {
	productID := strings.TrimSpace(p.ProductID)
	token := strings.TrimSpace(p.PurchaseToken)
	if productID == "" || token == "" {
		return nil, fmt.Errorf("%w: missing product id or purchase token", ErrInvalidReceipt)
	}

	endpoint := fmt.Sprintf("%s/applications/%s/purchases/subscriptions/%s/tokens/%s",
		strings.TrimRight(c.APIBaseURL, "/"), c.PackageName, productID, token)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if err := c.authorize(req); err != nil {
		return nil, fmt.Errorf("%w: token source: %v", ErrProviderUnavailable, err)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: google subscription get: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	switch {
	case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
		// Subscription no longer known to Google: authoritatively expired.
		return c.expiredResult(productID, token, body), nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: google subscription get status=%d", ErrProviderUnavailable, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("%w: google subscription get status=%d body=%s", ErrInvalidReceipt, resp.StatusCode, string(body))
	}

	var purchase googleSubscriptionPurchase
	if err := json.Unmarshal(body, &purchase); err != nil {
		return nil, fmt.Errorf("%w: unparseable google response: %v", ErrInvalidReceipt, err)
	}

	now := time.Now()
	expiration := googleTime(purchase.ExpiryTimeMillis)
	start := googleTime(purchase.StartTimeMillis)

	paymentState := googlePaymentPending
	if purchase.PaymentState != nil {
		paymentState = *purchase.PaymentState
	}
	paymentOK := paymentState == googlePaymentReceived || paymentState == googlePaymentFreeTrial
	isActive := expiration != nil && expiration.After(now) && paymentOK

	if purchase.AcknowledgementState != nil && *purchase.AcknowledgementState == 0 {
		if err := c.acknowledge(ctx, productID, token); err != nil {
			log.Warnf("google acknowledge failed for token %s...: %v", truncateToken(token), err)
		}
	}

	transactionID := strings.TrimSpace(purchase.OrderID)
	if transactionID == "" {
		transactionID = token
	}

	status := models.VerificationStatusVerified
	if !isActive {
		status = models.VerificationStatusExpired
	}

	return &Result{
		Platform:              models.PlatformAndroid,
		ProductID:             productID,
		TransactionID:         transactionID,
		OriginalTransactionID: token,
		Status:                status,
		IsActive:              isActive,
		IsInTrial:             paymentState == googlePaymentFreeTrial,
		ExpirationDate:        expiration,
		OriginalPurchaseDate:  start,
		AutoRenewing:          purchase.AutoRenewing,
		Credential:            token,
		RawPayloadJSON:        string(body),
	}, nil
}

func (c *GoogleClient) acknowledge(ctx context.Context, productID, token string) error {
	endpoint := fmt.Sprintf("%s/applications/%s/purchases/subscriptions/%s/tokens/%s:acknowledge",
		strings.TrimRight(c.APIBaseURL, "/"), c.PackageName, productID, token)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader("{}"))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.authorize(req); err != nil {
		return err
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("acknowledge status=%d", resp.StatusCode)
	}
	return nil
}

func (c *GoogleClient) authorize(req *http.Request) error {
	if c.TokenSource == nil {
		return fmt.Errorf("no token source configured")
	}
	token, err := c.TokenSource.Token()
	if err != nil {
		return err
	}
	token.SetAuthHeader(req)
	return nil
}

func (c *GoogleClient) expiredResult(productID, token string, raw []byte) *Result {
	return &Result{
		Platform:              models.PlatformAndroid,
		ProductID:             productID,
		TransactionID:         token,
		OriginalTransactionID: token,
		Status:                models.VerificationStatusExpired,
		IsActive:              false,
		Credential:            token,
		RawPayloadJSON:        string(raw),
	}
}

func googleTime(ms string) *time.Time {
	v, err := strconv.ParseInt(strings.TrimSpace(ms), 10, 64)
	if err != nil || v == 0 {
		return nil
	}
	t := time.UnixMilli(v).UTC()
	return &t
}

func truncateToken(token string) string {
	if len(token) <= 12 {
		return token
	}
	return token[:12]
}
