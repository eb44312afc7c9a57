package controllers

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/prepwell/entitlement-api/internal/pkg/entitlement"
	"github.com/prepwell/entitlement-api/internal/pkg/syncer"
	"github.com/prepwell/entitlement-api/internal/pkg/usercontext"
	"github.com/prepwell/entitlement-api/internal/pkg/verification"
)

// SubscriptionController exposes purchase verification, sync, restore and
// history for the authenticated user.
type SubscriptionController struct {
	entitlements *entitlement.Service
	orchestrator *syncer.Orchestrator
}

func NewSubscriptionController(entitlements *entitlement.Service, orchestrator *syncer.Orchestrator) *SubscriptionController {
	return &SubscriptionController{entitlements: entitlements, orchestrator: orchestrator}
}

type verifyPurchaseRequest struct {
	Platform       string `json:"platform" validate:"required,oneof=ios android web"`
	Receipt        string `json:"receipt"`
	PurchaseToken  string `json:"purchase_token"`
	ProductID      string `json:"product_id"`
	SubscriptionID string `json:"subscription_id"`
	Email          string `json:"email"`
	CouponCode     string `json:"coupon_code"`
}

// HandleVerifyPurchase verifies a client-supplied proof of purchase against
// the platform's billing authority and applies the outcome.
func (ctl *SubscriptionController) HandleVerifyPurchase(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return jsonError(c, fiber.StatusUnauthorized, "unauthorized", "Missing or invalid authentication")
	}

	var req verifyPurchaseRequest
	if err := c.BodyParser(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "Invalid request body")
	}
	if err := validate.Struct(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "platform must be one of ios, android, web")
	}

	verifier, ok := ctl.orchestrator.Verifier(req.Platform)
	if !ok {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "Unsupported platform")
	}

	res, err := verifier.Verify(c.Context(), verification.Payload{
		Receipt:        req.Receipt,
		PurchaseToken:  req.PurchaseToken,
		ProductID:      req.ProductID,
		SubscriptionID: req.SubscriptionID,
		Email:          req.Email,
		CouponCode:     req.CouponCode,
	})
	if err != nil {
		return verificationError(c, err)
	}

	ent, err := ctl.entitlements.Apply(c.Context(), userCtx.UserID, res)
	if err != nil {
		log.Errorf("verify purchase: apply for user %d: %v", userCtx.UserID, err)
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "Failed to update subscription")
	}
	return c.JSON(entitlementResponse(ent))
}

// HandleGetSubscription returns the stored entitlement without contacting any
// provider.
func (ctl *SubscriptionController) HandleGetSubscription(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return jsonError(c, fiber.StatusUnauthorized, "unauthorized", "Missing or invalid authentication")
	}
	ent, err := ctl.entitlements.Get(c.Context(), userCtx.UserID)
	if err != nil {
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "Failed to load subscription")
	}
	return c.JSON(entitlementResponse(ent))
}

// HandleSync re-verifies the entitlement with the stored credential. A
// provider outage keeps the stored state and reports it as such.
func (ctl *SubscriptionController) HandleSync(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return jsonError(c, fiber.StatusUnauthorized, "unauthorized", "Missing or invalid authentication")
	}

	ent, err := ctl.orchestrator.SyncUser(c.Context(), userCtx.UserID)
	if err != nil {
		if errors.Is(err, verification.ErrProviderUnavailable) && ent != nil {
			response := entitlementResponse(ent)
			response["synced"] = false
			return c.JSON(response)
		}
		log.Errorf("sync: user %d: %v", userCtx.UserID, err)
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "Failed to sync subscription")
	}
	response := entitlementResponse(ent)
	response["synced"] = true
	return c.JSON(response)
}

// HandleRestore re-verifies a client-supplied proof of purchase, the app-store
// "restore purchases" flow after a reinstall or device switch.
func (ctl *SubscriptionController) HandleRestore(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return jsonError(c, fiber.StatusUnauthorized, "unauthorized", "Missing or invalid authentication")
	}

	var req verifyPurchaseRequest
	if err := c.BodyParser(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "Invalid request body")
	}
	if err := validate.Struct(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "platform must be one of ios, android, web")
	}

	ent, err := ctl.orchestrator.RestorePurchases(c.Context(), userCtx.UserID, req.Platform, verification.Payload{
		Receipt:        req.Receipt,
		PurchaseToken:  req.PurchaseToken,
		ProductID:      req.ProductID,
		SubscriptionID: req.SubscriptionID,
	})
	if err != nil {
		return verificationError(c, err)
	}
	return c.JSON(entitlementResponse(ent))
}

// HandleHistory returns the user's applied verification records, newest first.
func (ctl *SubscriptionController) HandleHistory(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return jsonError(c, fiber.StatusUnauthorized, "unauthorized", "Missing or invalid authentication")
	}

	limit := c.QueryInt("limit", 50)
	records, err := ctl.entitlements.History(c.Context(), userCtx.UserID, limit)
	if err != nil {
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "Failed to load payment history")
	}

	items := make([]fiber.Map, 0, len(records))
	for _, rec := range records {
		items = append(items, fiber.Map{
			"platform":        rec.Platform,
			"product_id":      rec.ProductID,
			"transaction_id":  rec.TransactionID,
			"status":          rec.Status,
			"expiration_date": formatTimePtr(rec.ExpirationDate),
			"purchase_date":   formatTimePtr(rec.PurchaseDate),
			"auto_renewing":   rec.AutoRenewing,
			"created_at":      rec.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return c.JSON(fiber.Map{"history": items})
}

func verificationError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, verification.ErrInvalidReceipt):
		return jsonError(c, fiber.StatusBadRequest, "invalid_receipt", "Purchase could not be verified")
	case errors.Is(err, verification.ErrProviderUnavailable):
		return jsonError(c, fiber.StatusBadGateway, "provider_unavailable", "Billing provider is unavailable, try again later")
	default:
		log.Errorf("verification failed: %v", err)
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "Verification failed")
	}
}
