package verification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prepwell/entitlement-api/app/models"
	"github.com/prepwell/entitlement-api/internal/pkg/env"
)

const (
	defaultAppleProductionURL = "https://buy.itunes.apple.com/verifyReceipt"
	defaultAppleSandboxURL    = "https://sandbox.itunes.apple.com/verifyReceipt"

	// Apple returns this top-level status when a sandbox receipt is sent to
	// the production endpoint. It is the only status that triggers a retry.
	appleStatusSandboxReceipt = 21007
)

type AppleClient struct {
	SharedSecret  string
	ProductionURL string
	SandboxURL    string

	HTTPClient *http.Client
}

func NewAppleClientFromEnv() *AppleClient {
	return &AppleClient{
		SharedSecret:  strings.TrimSpace(env.GetEnv("APPLE_SHARED_SECRET", "")),
		ProductionURL: strings.TrimSpace(env.GetEnv("APPLE_VERIFY_URL", defaultAppleProductionURL)),
		SandboxURL:    strings.TrimSpace(env.GetEnv("APPLE_SANDBOX_VERIFY_URL", defaultAppleSandboxURL)),
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func (c *AppleClient) Platform() string {
	return models.PlatformIOS
}

type appleReceiptInfo struct {
	ProductID             string `json:"product_id"`
	TransactionID         string `json:"transaction_id"`
	OriginalTransactionID string `json:"original_transaction_id"`
	ExpiresDateMS         string `json:"expires_date_ms"`
	PurchaseDateMS        string `json:"purchase_date_ms"`
	OriginalPurchaseMS    string `json:"original_purchase_date_ms"`
	IsTrialPeriod         string `json:"is_trial_period"`
	IsInIntroOfferPeriod  string `json:"is_in_intro_offer_period"`
}

type appleRenewalInfo struct {
	ProductID       string `json:"product_id"`
	AutoRenewStatus string `json:"auto_renew_status"`
}

type appleVerifyResponse struct {
	Status             int                `json:"status"`
	LatestReceiptInfo  []appleReceiptInfo `json:"latest_receipt_info"`
	PendingRenewalInfo []appleRenewalInfo `json:"pending_renewal_info"`
	LatestReceipt      string             `json:"latest_receipt"`
}

// Verify posts the receipt to Apple's verification endpoint. On status 21007
// (sandbox receipt sent to production) it retries against the sandbox endpoint
// exactly once. Any other non-zero status is a hard invalid-receipt failure.
func (c *AppleClient) Verify(ctx context.Context, p Payload) (*Result, error) {
	receipt := strings.TrimSpace(p.Receipt)
	if receipt == "" {
		return nil, fmt.Errorf("%w: missing receipt data", ErrInvalidReceipt)
	}

	resp, raw, err := c.post(ctx, c.ProductionURL, receipt)
	if err != nil {
		return nil, err
	}
	if resp.Status == appleStatusSandboxReceipt {
		resp, raw, err = c.post(ctx, c.SandboxURL, receipt)
		if err != nil {
			return nil, err
		}
	}
	if resp.Status != 0 {
		return nil, fmt.Errorf("%w: apple verification status %d", ErrInvalidReceipt, resp.Status)
	}
	if len(resp.LatestReceiptInfo) == 0 {
		return nil, fmt.Errorf("%w: apple response has no receipt info", ErrInvalidReceipt)
	}

	latest := resp.LatestReceiptInfo[0]
	for _, entry := range resp.LatestReceiptInfo[1:] {
		if appleMillis(entry.ExpiresDateMS) > appleMillis(latest.ExpiresDateMS) {
			latest = entry
		}
	}

	now := time.Now()
	expiration := appleTime(latest.ExpiresDateMS)
	originalPurchase := appleTime(latest.OriginalPurchaseMS)
	isActive := expiration != nil && expiration.After(now)
	isInTrial := latest.IsTrialPeriod == "true" || latest.IsInIntroOfferPeriod == "true"

	autoRenewing := false
	for _, renewal := range resp.PendingRenewalInfo {
		if renewal.ProductID == "" || renewal.ProductID == latest.ProductID {
			autoRenewing = renewal.AutoRenewStatus == "1"
			break
		}
	}

	status := models.VerificationStatusVerified
	if !isActive {
		status = models.VerificationStatusExpired
	}

	credential := resp.LatestReceipt
	if credential == "" {
		credential = receipt
	}

	return &Result{
		Platform:              models.PlatformIOS,
		ProductID:             latest.ProductID,
		TransactionID:         latest.TransactionID,
		OriginalTransactionID: latest.OriginalTransactionID,
		Status:                status,
		IsActive:              isActive,
		IsInTrial:             isInTrial,
		ExpirationDate:        expiration,
		OriginalPurchaseDate:  originalPurchase,
		AutoRenewing:          autoRenewing,
		Credential:            credential,
		RawPayloadJSON:        string(raw),
	}, nil
}

func (c *AppleClient) post(ctx context.Context, endpoint, receipt string) (*appleVerifyResponse, []byte, error) {
	reqBody, err := json.Marshal(map[string]interface{}{
		"receipt-data":             receipt,
		"password":                 c.SharedSecret,
		"exclude-old-transactions": true,
	})
	if err != nil {
		return nil, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: apple verify request: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil, fmt.Errorf("%w: apple verify endpoint status=%d", ErrProviderUnavailable, resp.StatusCode)
	}

	var out appleVerifyResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, nil, fmt.Errorf("%w: unparseable apple response: %v", ErrInvalidReceipt, err)
	}
	return &out, body, nil
}

func appleMillis(ms string) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(ms), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func appleTime(ms string) *time.Time {
	v := appleMillis(ms)
	if v == 0 {
		return nil
	}
	t := time.UnixMilli(v).UTC()
	return &t
}
