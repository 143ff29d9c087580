package controllers

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/ManuelReschke/ServeDesk/app/models"
	"github.com/ManuelReschke/ServeDesk/internal/pkg/billing"
	"github.com/ManuelReschke/ServeDesk/internal/pkg/gateway"
	"github.com/ManuelReschke/ServeDesk/internal/pkg/metrics/counter"
)

const billingRequestTimeout = 30 * time.Second

// BillingController serves the payment-method vault, the manual charge
// trigger, refunds and drift repair.
type BillingController struct {
	repo     billing.Repository
	vault    *billing.Vault
	trigger  *billing.Trigger
	invoices *billing.Propagator
	counters *counter.Counter
}

func NewBillingController(repo billing.Repository, vault *billing.Vault, trigger *billing.Trigger, invoices *billing.Propagator, counters *counter.Counter) *BillingController {
	return &BillingController{
		repo:     repo,
		vault:    vault,
		trigger:  trigger,
		invoices: invoices,
		counters: counters,
	}
}

type setupRequest struct {
	Email string `json:"email" validate:"required,email"`
	Name  string `json:"name" validate:"max=200"`
}

type refundRequest struct {
	Amount *int64 `json:"amount" validate:"omitempty,gt=0"`
}

func requestContext(c *fiber.Ctx) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.UserContext(), billingRequestTimeout)
}

// HandleBeginSetup finds or creates the gateway customer for a contact and
// starts card verification.
func (bc *BillingController) HandleBeginSetup(c *fiber.Ctx) error {
	var req setupRequest
	if err := bindJSON(c, &req); err != nil {
		return respondError(c, err)
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	customer, err := bc.vault.EnsureCustomer(ctx, req.Email, req.Name)
	if err != nil {
		return respondError(c, err)
	}
	session, err := bc.vault.BeginSetup(ctx, customer)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(session)
}

// HandleConfirmSetup returns the saved payment method once verification
// succeeded.
func (bc *BillingController) HandleConfirmSetup(c *fiber.Ctx) error {
	token := strings.TrimSpace(c.Params("token"))
	if token == "" {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "setup token missing")
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	pm, err := bc.vault.ConfirmSetup(ctx, token)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(pm)
}

func (bc *BillingController) HandleListMethods(c *fiber.Ctx) error {
	customerID, err := uintParam(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	methods, err := bc.vault.ListMethods(ctx, customerID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"customerId": customerID, "paymentMethods": nonNilMethods(methods)})
}

// HandleListMethodsByEmail answers an empty list for unknown contacts.
func (bc *BillingController) HandleListMethodsByEmail(c *fiber.Ctx) error {
	email := strings.TrimSpace(c.Query("email"))
	if err := validate.Var(email, "required,email"); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "a valid email query parameter is required")
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	customer, methods, err := bc.vault.ListMethodsByEmail(ctx, email)
	if err != nil {
		return respondError(c, err)
	}
	var customerID uint
	if customer != nil {
		customerID = customer.ID
	}
	return c.JSON(fiber.Map{"customerId": customerID, "paymentMethods": nonNilMethods(methods)})
}

func (bc *BillingController) HandleRemoveMethod(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	if id == "" {
		return jsonError(c, fiber.StatusBadRequest, "bad_request", "payment method id missing")
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	if err := bc.vault.RemoveMethod(ctx, id); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// HandleCharge is the manual trigger. It ignores the automatic retry policy
// but still requires every other precondition.
func (bc *BillingController) HandleCharge(c *fiber.Ctx) error {
	jobID := strings.TrimSpace(c.Params("jobId"))
	ctx, cancel := requestContext(c)
	defer cancel()

	attempt, err := bc.trigger.InitiateCharge(ctx, jobID, billing.ModeManual)
	if err != nil {
		if errors.Is(err, billing.ErrChargeDeclined) {
			bc.counters.Add(ctx, counter.ChargesDeclined)
		}
		return respondError(c, err)
	}
	bc.counters.Add(ctx, counter.ChargesInitiated)

	status := fiber.StatusOK
	if attempt.Status == models.ChargeStatusInFlight {
		status = fiber.StatusAccepted
	}
	return c.Status(status).JSON(attempt)
}

// HandlePaymentStatus reports the billing state of a job with its attempts
// and the conditions that blocked the last evaluation.
func (bc *BillingController) HandlePaymentStatus(c *fiber.Ctx) error {
	jobID := strings.TrimSpace(c.Params("jobId"))
	job, err := bc.repo.GetJob(jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return jsonError(c, fiber.StatusNotFound, "not_found", "unknown job "+jobID)
		}
		return respondError(c, err)
	}
	attempts, err := bc.repo.ListAttempts(jobID)
	if err != nil {
		return respondError(c, err)
	}
	if attempts == nil {
		attempts = []models.ChargeAttempt{}
	}

	var unmet []string
	if job.LastUnmetCondition != "" {
		unmet = strings.Split(job.LastUnmetCondition, ",")
	}
	return c.JSON(fiber.Map{
		"job":      job,
		"attempts": attempts,
		"unmet":    unmet,
	})
}

func (bc *BillingController) HandleRefund(c *fiber.Ctx) error {
	attemptID, err := uintParam(c, "attemptId")
	if err != nil {
		return respondError(c, err)
	}
	var req refundRequest
	if err := bindJSON(c, &req); err != nil {
		return respondError(c, err)
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	res, err := bc.trigger.Refund(ctx, attemptID, req.Amount)
	if err != nil {
		return respondError(c, err)
	}
	bc.counters.Add(ctx, counter.RefundsIssued)
	return c.JSON(res)
}

// HandleListDrift lists drift records; ?all=true includes resolved ones.
func (bc *BillingController) HandleListDrift(c *fiber.Ctx) error {
	openOnly := !c.QueryBool("all", false)
	limit, _ := strconv.Atoi(c.Query("limit", "100"))

	drift, err := bc.invoices.ListDrift(openOnly, limit)
	if err != nil {
		return respondError(c, err)
	}
	if drift == nil {
		drift = []models.CrossSystemDrift{}
	}
	return c.JSON(fiber.Map{"drift": drift})
}

func (bc *BillingController) HandleRetryDrift(c *fiber.Ctx) error {
	id, err := uintParam(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	d, err := bc.invoices.RetryDrift(ctx, id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(d)
}

func (bc *BillingController) HandleAcknowledgeDrift(c *fiber.Ctx) error {
	id, err := uintParam(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	d, err := bc.invoices.AcknowledgeDrift(id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(d)
}

func (bc *BillingController) HandleStats(c *fiber.Ctx) error {
	snap, err := bc.counters.Snapshot(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"counters": snap})
}

func nonNilMethods(methods []gateway.PaymentMethod) []gateway.PaymentMethod {
	if methods == nil {
		return []gateway.PaymentMethod{}
	}
	return methods
}
