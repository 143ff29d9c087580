package controllers

import (
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/ManuelReschke/ServeDesk/internal/pkg/billing"
)

var validate = validator.New()

func jsonError(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(fiber.Map{"error": code, "message": message})
}

// respondError maps billing errors onto HTTP answers.
func respondError(c *fiber.Ctx, err error) error {
	var (
		setupErr   *billing.SetupFailedError
		declineErr *billing.DeclineError
		precondErr *billing.PreconditionError
		validErr   validator.ValidationErrors
	)

	switch {
	case errors.As(err, &setupErr):
		return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{
			"error":   "setup_failed",
			"message": setupErr.Error(),
			"code":    setupErr.Code,
		})
	case errors.As(err, &declineErr):
		return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{
			"error":     "charge_declined",
			"message":   declineErr.Error(),
			"code":      declineErr.Code,
			"attemptId": declineErr.AttemptID,
		})
	case errors.As(err, &precondErr):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error":   "preconditions_unmet",
			"message": precondErr.Error(),
			"unmet":   precondErr.Unmet,
		})
	case errors.As(err, &validErr), errors.Is(err, billing.ErrInvalidRequest):
		return jsonError(c, fiber.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, billing.ErrSignatureInvalid):
		return jsonError(c, fiber.StatusBadRequest, "invalid_signature", "signature verification failed")
	case errors.Is(err, billing.ErrInvalidState):
		return jsonError(c, fiber.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, billing.ErrNotFound), errors.Is(err, gorm.ErrRecordNotFound):
		return jsonError(c, fiber.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, billing.ErrUpstreamUnavailable):
		return jsonError(c, fiber.StatusServiceUnavailable, "upstream_unavailable", err.Error())
	}

	log.Errorf("[HTTP] %s %s failed: %v", c.Method(), c.Path(), err)
	return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "internal error")
}

// bindJSON parses and validates the request body into dst.
func bindJSON(c *fiber.Ctx, dst interface{}) error {
	if len(c.Body()) == 0 {
		return validate.Struct(dst)
	}
	if err := c.BodyParser(dst); err != nil {
		return errors.Wrap(billing.ErrInvalidRequest, "malformed JSON body")
	}
	return validate.Struct(dst)
}

func uintParam(c *fiber.Ctx, name string) (uint, error) {
	raw := strings.TrimSpace(c.Params(name))
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || n == 0 {
		return 0, errors.Wrapf(billing.ErrInvalidRequest, "%s must be a positive integer", name)
	}
	return uint(n), nil
}
