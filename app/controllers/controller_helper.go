package controllers

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/prepwell/entitlement-api/app/models"
)

var validate = validator.New()

func jsonError(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(fiber.Map{"error": code, "message": message})
}

// entitlementResponse is the canonical access payload clients consume.
func entitlementResponse(ent *models.Entitlement) fiber.Map {
	now := time.Now()
	return fiber.Map{
		"status":          ent.Status,
		"platform":        ent.Platform,
		"product_id":      ent.ProductID,
		"is_active":       ent.HasPaidAccess(now),
		"is_in_trial":     ent.Status == models.SubscriptionStatusTrial,
		"auto_renewing":   ent.AutoRenewing,
		"expiration_date": formatTimePtr(ent.ExpirationDate),
		"corporate_id":    ent.CorporateID,
		"last_synced":     ent.LastSynced.UTC().Format(time.RFC3339),
	}
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
