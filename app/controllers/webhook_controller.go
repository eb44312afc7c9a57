package controllers

import (
	"encoding/base64"
	"encoding/json"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
	"gorm.io/gorm"

	"github.com/prepwell/entitlement-api/app/models"
	"github.com/prepwell/entitlement-api/internal/pkg/entitlement"
	"github.com/prepwell/entitlement-api/internal/pkg/syncer"
	"github.com/prepwell/entitlement-api/internal/pkg/verification"
)

// WebhookController ingests server-to-server billing notifications. Every
// notification is treated as a hint only: the authoritative state is always
// re-fetched from the provider before anything is applied, so a forged or
// stale notification can at worst trigger a redundant verification.
type WebhookController struct {
	entitlements        *entitlement.Service
	orchestrator        *syncer.Orchestrator
	stripeWebhookSecret string
}

func NewWebhookController(entitlements *entitlement.Service, orchestrator *syncer.Orchestrator, stripeWebhookSecret string) *WebhookController {
	return &WebhookController{
		entitlements:        entitlements,
		orchestrator:        orchestrator,
		stripeWebhookSecret: stripeWebhookSecret,
	}
}

type appleNotification struct {
	NotificationType string `json:"notification_type"`
	UnifiedReceipt   struct {
		LatestReceipt string `json:"latest_receipt"`
	} `json:"unified_receipt"`
	LatestReceipt string `json:"latest_receipt"`
}

// HandleAppleWebhook processes App Store server notifications. The embedded
// receipt is re-verified against Apple and routed to the owning user via the
// original transaction ID recorded at purchase time.
func (ctl *WebhookController) HandleAppleWebhook(c *fiber.Ctx) error {
	var note appleNotification
	if err := json.Unmarshal(c.Body(), &note); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "Invalid notification body")
	}
	receipt := note.UnifiedReceipt.LatestReceipt
	if receipt == "" {
		receipt = note.LatestReceipt
	}
	if receipt == "" {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "Notification carries no receipt")
	}

	verifier, ok := ctl.orchestrator.Verifier(models.PlatformIOS)
	if !ok {
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "iOS verification not configured")
	}
	res, err := verifier.Verify(c.Context(), verification.Payload{Receipt: receipt})
	if err != nil {
		if errors.Is(err, verification.ErrProviderUnavailable) {
			// Non-2xx makes Apple redeliver later.
			return jsonError(c, fiber.StatusServiceUnavailable, "provider_unavailable", "Verification unavailable")
		}
		log.Warnf("apple webhook: verify: %v", err)
		return c.SendStatus(fiber.StatusOK)
	}

	userID, err := ctl.entitlements.Repo().FindUserByOriginalTransactionID(models.PlatformIOS, res.OriginalTransactionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warnf("apple webhook: no user for original transaction %s", res.OriginalTransactionID)
			return c.SendStatus(fiber.StatusOK)
		}
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "User lookup failed")
	}

	if _, err := ctl.entitlements.Apply(c.Context(), userID, res); err != nil {
		log.Errorf("apple webhook: apply for user %d: %v", userID, err)
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "Failed to apply notification")
	}
	return c.SendStatus(fiber.StatusOK)
}

type googleRTDN struct {
	Message struct {
		Data string `json:"data"`
	} `json:"message"`
}

type googleNotificationPayload struct {
	SubscriptionNotification struct {
		NotificationType int    `json:"notificationType"`
		PurchaseToken    string `json:"purchaseToken"`
		SubscriptionID   string `json:"subscriptionId"`
	} `json:"subscriptionNotification"`
}

// HandleGoogleWebhook processes Play real-time developer notifications
// delivered through Pub/Sub push. The purchase token identifies the
// entitlement; state comes from a fresh Play API lookup, not the message.
func (ctl *WebhookController) HandleGoogleWebhook(c *fiber.Ctx) error {
	var envelope googleRTDN
	if err := json.Unmarshal(c.Body(), &envelope); err != nil || envelope.Message.Data == "" {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "Invalid push envelope")
	}
	decoded, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "Invalid message data encoding")
	}
	var payload googleNotificationPayload
	if err := json.Unmarshal(decoded, &payload); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "Invalid notification payload")
	}
	token := payload.SubscriptionNotification.PurchaseToken
	if token == "" {
		// Test notifications and voided-purchase messages have no token.
		return c.SendStatus(fiber.StatusOK)
	}

	ent, err := ctl.entitlements.Repo().FindByCredential(models.PlatformAndroid, token)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warnf("google webhook: no entitlement for purchase token")
			return c.SendStatus(fiber.StatusOK)
		}
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "Entitlement lookup failed")
	}

	verifier, ok := ctl.orchestrator.Verifier(models.PlatformAndroid)
	if !ok {
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "Android verification not configured")
	}
	res, err := verifier.Verify(c.Context(), verification.Payload{
		PurchaseToken: token,
		ProductID:     payload.SubscriptionNotification.SubscriptionID,
	})
	if err != nil {
		if errors.Is(err, verification.ErrProviderUnavailable) {
			return jsonError(c, fiber.StatusServiceUnavailable, "provider_unavailable", "Verification unavailable")
		}
		log.Warnf("google webhook: verify: %v", err)
		return c.SendStatus(fiber.StatusOK)
	}

	if _, err := ctl.entitlements.Apply(c.Context(), ent.UserID, res); err != nil {
		log.Errorf("google webhook: apply for user %d: %v", ent.UserID, err)
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "Failed to apply notification")
	}
	return c.SendStatus(fiber.StatusOK)
}

// HandleStripeWebhook processes card-processor events. The signature check is
// mandatory; the subscription state is then re-read from the processor.
func (ctl *WebhookController) HandleStripeWebhook(c *fiber.Ctx) error {
	event, err := webhook.ConstructEvent(c.Body(), c.Get("Stripe-Signature"), ctl.stripeWebhookSecret)
	if err != nil {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "Invalid webhook signature")
	}

	subID := stripeSubscriptionID(event)
	if subID == "" {
		// Event types without a subscription reference are acknowledged and
		// ignored.
		return c.SendStatus(fiber.StatusOK)
	}

	ent, err := ctl.entitlements.Repo().FindByCredential(models.PlatformWeb, subID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warnf("stripe webhook: no entitlement for subscription %s", subID)
			return c.SendStatus(fiber.StatusOK)
		}
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "Entitlement lookup failed")
	}

	verifier, ok := ctl.orchestrator.Verifier(models.PlatformWeb)
	if !ok {
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "Card verification not configured")
	}
	res, err := verifier.Verify(c.Context(), verification.Payload{SubscriptionID: subID})
	if err != nil {
		if errors.Is(err, verification.ErrProviderUnavailable) {
			return jsonError(c, fiber.StatusServiceUnavailable, "provider_unavailable", "Verification unavailable")
		}
		log.Warnf("stripe webhook: verify %s: %v", subID, err)
		return c.SendStatus(fiber.StatusOK)
	}

	if _, err := ctl.entitlements.Apply(c.Context(), ent.UserID, res); err != nil {
		log.Errorf("stripe webhook: apply for user %d: %v", ent.UserID, err)
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "Failed to apply event")
	}
	return c.SendStatus(fiber.StatusOK)
}

// stripeSubscriptionID extracts the subscription reference from the event
// types we care about.
func stripeSubscriptionID(event stripe.Event) string {
	switch event.Type {
	case "customer.subscription.created",
		"customer.subscription.updated",
		"customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return ""
		}
		return sub.ID
	case "invoice.paid", "invoice.payment_failed":
		var inv struct {
			Subscription string `json:"subscription"`
			Parent       struct {
				SubscriptionDetails struct {
					Subscription string `json:"subscription"`
				} `json:"subscription_details"`
			} `json:"parent"`
		}
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return ""
		}
		if inv.Subscription != "" {
			return inv.Subscription
		}
		return inv.Parent.SubscriptionDetails.Subscription
	default:
		return ""
	}
}
