package router

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/prepwell/entitlement-api/app/controllers"
	"github.com/prepwell/entitlement-api/internal/pkg/corporate"
	"github.com/prepwell/entitlement-api/internal/pkg/entitlement"
	"github.com/prepwell/entitlement-api/internal/pkg/middleware"
	"github.com/prepwell/entitlement-api/internal/pkg/ratelimit"
	"github.com/prepwell/entitlement-api/internal/pkg/syncer"
)

// ApiRouter wires the authenticated API and the unauthenticated webhook
// ingress onto a fiber app.
type ApiRouter struct {
	Entitlements        *entitlement.Service
	Corporate           *corporate.Service
	Orchestrator        *syncer.Orchestrator
	Limiter             *ratelimit.Limiter
	StripeWebhookSecret string
}

func NewApiRouter(entitlements *entitlement.Service, corporateSvc *corporate.Service, orchestrator *syncer.Orchestrator, limiter *ratelimit.Limiter, stripeWebhookSecret string) *ApiRouter {
	return &ApiRouter{
		Entitlements:        entitlements,
		Corporate:           corporateSvc,
		Orchestrator:        orchestrator,
		Limiter:             limiter,
		StripeWebhookSecret: stripeWebhookSecret,
	}
}

// ConfigureLimits installs the per-endpoint throttle rules. Verification hits
// external billing providers, so it gets the tightest budget.
func (h *ApiRouter) ConfigureLimits() {
	h.Limiter.SetRule("/api/v1/subscription/verify", ratelimit.Rule{MaxAttempts: 5, Window: time.Minute})
	h.Limiter.SetRule("/api/v1/subscription/restore", ratelimit.Rule{MaxAttempts: 5, Window: time.Minute})
	h.Limiter.SetRule("/api/v1/subscription/sync", ratelimit.Rule{MaxAttempts: 10, Window: time.Minute})
	h.Limiter.SetRule("/api/v1/corporate/activate", ratelimit.Rule{MaxAttempts: 10, Window: time.Minute})
	h.Limiter.SetRule("/webhooks", ratelimit.Rule{MaxAttempts: 120, Window: time.Minute})
}

func (h *ApiRouter) InstallRouter(app *fiber.App) {
	h.ConfigureLimits()

	subscriptionCtl := controllers.NewSubscriptionController(h.Entitlements, h.Orchestrator)
	corporateCtl := controllers.NewCorporateController(h.Corporate)
	webhookCtl := controllers.NewWebhookController(h.Entitlements, h.Orchestrator, h.StripeWebhookSecret)

	// Webhooks are authenticated by provider signatures (or re-verification
	// against the provider), not API keys.
	webhooks := app.Group("/webhooks", middleware.RateLimitMiddleware(h.Limiter))
	webhooks.Post("/apple", webhookCtl.HandleAppleWebhook)
	webhooks.Post("/google", webhookCtl.HandleGoogleWebhook)
	webhooks.Post("/stripe", webhookCtl.HandleStripeWebhook)

	v1 := app.Group("/api/v1",
		middleware.APIKeyAuthMiddleware(),
		middleware.RateLimitMiddleware(h.Limiter),
	)

	subscription := v1.Group("/subscription")
	subscription.Get("/", subscriptionCtl.HandleGetSubscription)
	subscription.Post("/verify", subscriptionCtl.HandleVerifyPurchase)
	subscription.Post("/sync", subscriptionCtl.HandleSync)
	subscription.Post("/restore", subscriptionCtl.HandleRestore)
	subscription.Get("/history", subscriptionCtl.HandleHistory)

	corp := v1.Group("/corporate")
	corp.Post("/activate", corporateCtl.HandleActivate)
	corp.Post("/deactivate", corporateCtl.HandleDeactivate)
	corp.Get("/verify", corporateCtl.HandleVerifyMembership)

	admin := v1.Group("/admin", middleware.RequireAdmin())
	admin.Post("/corporate/contracts", corporateCtl.HandleCreateContract)
	admin.Get("/corporate/contracts/:corporateID", corporateCtl.HandleGetContract)
	admin.Delete("/corporate/contracts/:corporateID", corporateCtl.HandleExpireContract)
}
