package verification

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prepwell/entitlement-api/app/models"
)

func newAppleTestClient(productionURL, sandboxURL string) *AppleClient {
	return &AppleClient{
		SharedSecret:  "secret",
		ProductionURL: productionURL,
		SandboxURL:    sandboxURL,
		HTTPClient:    &http.Client{Timeout: 5 * time.Second},
	}
}

func appleReceiptResponse(status int, expiresAt time.Time, trial bool, autoRenew string) map[string]interface{} {
	trialFlag := "false"
	if trial {
		trialFlag = "true"
	}
	return map[string]interface{}{
		"status": status,
		"latest_receipt_info": []map[string]string{
			{
				"product_id":                "com.prepwell.premium.monthly",
				"transaction_id":            "tx-1000",
				"original_transaction_id":   "tx-1",
				"expires_date_ms":           strconv.FormatInt(expiresAt.UnixMilli(), 10),
				"original_purchase_date_ms": "1700000000000",
				"is_trial_period":           trialFlag,
			},
		},
		"pending_renewal_info": []map[string]string{
			{"product_id": "com.prepwell.premium.monthly", "auto_renew_status": autoRenew},
		},
		"latest_receipt": "refreshed-receipt-blob",
	}
}

func TestAppleVerifyActiveSubscription(t *testing.T) {
	t.Parallel()

	expiresAt := time.Now().Add(24 * time.Hour)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "secret", body["password"])
		json.NewEncoder(w).Encode(appleReceiptResponse(0, expiresAt, false, "1"))
	}))
	defer srv.Close()

	client := newAppleTestClient(srv.URL, srv.URL)
	res, err := client.Verify(context.Background(), Payload{Receipt: "receipt-blob"})
	require.NoError(t, err)

	assert.Equal(t, models.PlatformIOS, res.Platform)
	assert.Equal(t, "tx-1000", res.TransactionID)
	assert.Equal(t, "tx-1", res.OriginalTransactionID)
	assert.True(t, res.IsActive)
	assert.False(t, res.IsInTrial)
	assert.True(t, res.AutoRenewing)
	assert.Equal(t, models.VerificationStatusVerified, res.Status)
	require.NotNil(t, res.ExpirationDate)
	assert.WithinDuration(t, expiresAt, *res.ExpirationDate, time.Second)
	assert.Equal(t, "refreshed-receipt-blob", res.Credential)
}

func TestAppleVerifySandboxRetry(t *testing.T) {
	t.Parallel()

	expiresAt := time.Now().Add(time.Hour)
	sandboxCalls := 0
	sandbox := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sandboxCalls++
		json.NewEncoder(w).Encode(appleReceiptResponse(0, expiresAt, true, "1"))
	}))
	defer sandbox.Close()

	production := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"status": 21007})
	}))
	defer production.Close()

	client := newAppleTestClient(production.URL, sandbox.URL)
	res, err := client.Verify(context.Background(), Payload{Receipt: "sandbox-receipt"})
	require.NoError(t, err)

	assert.Equal(t, 1, sandboxCalls)
	assert.True(t, res.IsActive)
	assert.True(t, res.IsInTrial)
}

func TestAppleVerifyInvalidReceiptStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"status": 21003})
	}))
	defer srv.Close()

	client := newAppleTestClient(srv.URL, srv.URL)
	_, err := client.Verify(context.Background(), Payload{Receipt: "garbage"})
	assert.ErrorIs(t, err, ErrInvalidReceipt)
}

func TestAppleVerifyServerErrorIsUnavailable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := newAppleTestClient(srv.URL, srv.URL)
	_, err := client.Verify(context.Background(), Payload{Receipt: "receipt"})
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}

func TestAppleVerifyMissingReceipt(t *testing.T) {
	t.Parallel()

	client := newAppleTestClient("http://unused", "http://unused")
	_, err := client.Verify(context.Background(), Payload{})
	assert.ErrorIs(t, err, ErrInvalidReceipt)
}

func TestAppleVerifyPicksNewestTransaction(t *testing.T) {
	t.Parallel()

	old := time.Now().Add(-30 * 24 * time.Hour)
	current := time.Now().Add(12 * time.Hour)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{
			"status": 0,
			"latest_receipt_info": [
				{"product_id": "p", "transaction_id": "tx-old", "original_transaction_id": "tx-1", "expires_date_ms": "%d"},
				{"product_id": "p", "transaction_id": "tx-new", "original_transaction_id": "tx-1", "expires_date_ms": "%d"}
			]
		}`, old.UnixMilli(), current.UnixMilli())
	}))
	defer srv.Close()

	client := newAppleTestClient(srv.URL, srv.URL)
	res, err := client.Verify(context.Background(), Payload{Receipt: "receipt"})
	require.NoError(t, err)
	assert.Equal(t, "tx-new", res.TransactionID)
	assert.True(t, res.IsActive)
}

func TestAppleVerifyExpiredSubscription(t *testing.T) {
	t.Parallel()

	expiresAt := time.Now().Add(-time.Hour)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(appleReceiptResponse(0, expiresAt, false, "0"))
	}))
	defer srv.Close()

	client := newAppleTestClient(srv.URL, srv.URL)
	res, err := client.Verify(context.Background(), Payload{Receipt: "receipt"})
	require.NoError(t, err)
	assert.False(t, res.IsActive)
	assert.False(t, res.AutoRenewing)
	assert.Equal(t, models.VerificationStatusExpired, res.Status)
}
