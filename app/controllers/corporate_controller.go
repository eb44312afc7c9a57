package controllers

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/prepwell/entitlement-api/internal/pkg/corporate"
	"github.com/prepwell/entitlement-api/internal/pkg/usercontext"
)

// CorporateController exposes seat activation for users and contract
// management for admins.
type CorporateController struct {
	corporate *corporate.Service
}

func NewCorporateController(svc *corporate.Service) *CorporateController {
	return &CorporateController{corporate: svc}
}

type activateRequest struct {
	CorporateID string `json:"corporate_id"`
	QRCode      string `json:"qr_code"`
}

// HandleActivate claims a seat on a corporate contract for the caller.
func (ctl *CorporateController) HandleActivate(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return jsonError(c, fiber.StatusUnauthorized, "unauthorized", "Missing or invalid authentication")
	}

	var req activateRequest
	if err := c.BodyParser(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "Invalid request body")
	}
	if req.CorporateID == "" && req.QRCode == "" {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "corporate_id or qr_code is required")
	}

	membership, err := ctl.corporate.Activate(c.Context(), userCtx.UserID, corporate.Lookup{
		CorporateID: req.CorporateID,
		QRCode:      req.QRCode,
	})
	if err != nil {
		return corporateError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"corporate_id": membership.CorporateID,
		"activated_at": membership.ActivatedAt.UTC().Format(time.RFC3339),
		"status":       "corporate",
	})
}

// HandleDeactivate releases the caller's seat and restores the previous
// subscription status.
func (ctl *CorporateController) HandleDeactivate(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return jsonError(c, fiber.StatusUnauthorized, "unauthorized", "Missing or invalid authentication")
	}
	if err := ctl.corporate.Deactivate(c.Context(), userCtx.UserID); err != nil {
		return corporateError(c, err)
	}
	return c.JSON(fiber.Map{"deactivated": true})
}

// HandleVerifyMembership reports the caller's corporate membership and its
// contract state.
func (ctl *CorporateController) HandleVerifyMembership(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return jsonError(c, fiber.StatusUnauthorized, "unauthorized", "Missing or invalid authentication")
	}

	membership, contract, err := ctl.corporate.VerifyMembership(c.Context(), userCtx.UserID)
	if err != nil {
		return corporateError(c, err)
	}
	return c.JSON(fiber.Map{
		"corporate_id":      membership.CorporateID,
		"activated_at":      membership.ActivatedAt.UTC().Format(time.RFC3339),
		"company_name":      contract.CompanyName,
		"contract_status":   contract.Status,
		"contract_end_date": contract.ContractEndDate.UTC().Format(time.RFC3339),
	})
}

type createContractRequest struct {
	CompanyName     string    `json:"company_name" validate:"required,min=2,max=200"`
	MaxUsers        int       `json:"max_users" validate:"required,min=1"`
	ContractEndDate time.Time `json:"contract_end_date" validate:"required"`
	ContactEmail    string    `json:"contact_email" validate:"omitempty,email"`
}

// HandleCreateContract provisions a contract. Admin only.
func (ctl *CorporateController) HandleCreateContract(c *fiber.Ctx) error {
	var req createContractRequest
	if err := c.BodyParser(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "Invalid request body")
	}
	if err := validate.Struct(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", err.Error())
	}

	contract, err := ctl.corporate.CreateContract(c.Context(), corporate.ContractInput{
		CompanyName:     req.CompanyName,
		MaxUsers:        req.MaxUsers,
		ContractEndDate: req.ContractEndDate,
		ContactEmail:    req.ContactEmail,
	})
	if err != nil {
		log.Errorf("create contract: %v", err)
		return jsonError(c, fiber.StatusBadRequest, "bad_request", err.Error())
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"corporate_id":      contract.CorporateID,
		"company_name":      contract.CompanyName,
		"max_users":         contract.MaxUsers,
		"current_users":     contract.CurrentUsers,
		"contract_end_date": contract.ContractEndDate.UTC().Format(time.RFC3339),
		"status":            contract.Status,
		"qr_code":           contract.QRCode,
	})
}

// HandleGetContract returns one contract by corporate ID. Admin only.
func (ctl *CorporateController) HandleGetContract(c *fiber.Ctx) error {
	contract, err := ctl.corporate.Resolve(c.Context(), corporate.Lookup{CorporateID: c.Params("corporateID")})
	if err != nil {
		return corporateError(c, err)
	}
	return c.JSON(fiber.Map{
		"corporate_id":      contract.CorporateID,
		"company_name":      contract.CompanyName,
		"max_users":         contract.MaxUsers,
		"current_users":     contract.CurrentUsers,
		"contract_end_date": contract.ContractEndDate.UTC().Format(time.RFC3339),
		"status":            contract.Status,
		"contact_email":     contract.ContactEmail,
	})
}

// HandleExpireContract deactivates a contract and releases all its seats.
// Admin only, idempotent.
func (ctl *CorporateController) HandleExpireContract(c *fiber.Ctx) error {
	if err := ctl.corporate.ExpireContract(c.Context(), c.Params("corporateID")); err != nil {
		return corporateError(c, err)
	}
	return c.JSON(fiber.Map{"expired": true})
}

func corporateError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, corporate.ErrContractNotFound):
		return jsonError(c, fiber.StatusNotFound, "contract_not_found", "Corporate contract not found")
	case errors.Is(err, corporate.ErrAlreadyRegistered):
		return jsonError(c, fiber.StatusConflict, "already_registered", "User already has a corporate membership")
	case errors.Is(err, corporate.ErrSeatsExhausted):
		return jsonError(c, fiber.StatusConflict, "seats_exhausted", "Corporate contract has no free seats")
	case errors.Is(err, corporate.ErrContractExpired):
		return jsonError(c, fiber.StatusGone, "contract_expired", "Corporate contract has expired")
	case errors.Is(err, corporate.ErrContractInactive):
		return jsonError(c, fiber.StatusForbidden, "contract_inactive", "Corporate contract is not active")
	case errors.Is(err, corporate.ErrNotMember):
		return jsonError(c, fiber.StatusNotFound, "not_member", "User has no corporate membership")
	default:
		log.Errorf("corporate operation failed: %v", err)
		return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "Corporate operation failed")
	}
}
