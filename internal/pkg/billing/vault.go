package billing

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2/log"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/ManuelReschke/ServeDesk/app/models"
	"github.com/ManuelReschke/ServeDesk/internal/pkg/gateway"
)

// SetupSession is handed to the client so it can collect card details
// directly with the gateway. Card data never passes through this service.
type SetupSession struct {
	SetupToken   string `json:"setupToken"`
	ClientSecret string `json:"clientSecret"`
	CustomerID   uint   `json:"customerId"`
}

// Vault manages gateway customers and their saved payment methods. The
// gateway stores the card data; the vault only keeps references.
type Vault struct {
	repo Repository
	gw   gateway.Gateway
}

// NewVault creates a vault for gw.
func NewVault(repo Repository, gw gateway.Gateway) *Vault {
	return &Vault{repo: repo, gw: gw}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// EnsureCustomer returns the gateway customer for email, creating it at most
// once per contact.
func (v *Vault) EnsureCustomer(ctx context.Context, email, name string) (*models.BillingCustomer, error) {
	email = normalizeEmail(email)
	if email == "" {
		return nil, errors.Wrap(ErrInvalidRequest, "email is required")
	}

	existing, err := v.repo.GetCustomerByEmail(v.gw.Provider(), email)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	gc, err := v.gw.FindCustomerByEmail(ctx, email)
	if err != nil {
		return nil, upstream(err, "find gateway customer")
	}
	if gc == nil {
		gc, err = v.gw.CreateCustomer(ctx, email, strings.TrimSpace(name))
		if err != nil {
			return nil, upstream(err, "create gateway customer")
		}
		log.Infof("[Vault] Created gateway customer %s for %s", gc.ID, email)
	}

	return v.repo.CreateCustomerIfNotExists(&models.BillingCustomer{
		Provider:          v.gw.Provider(),
		Email:             email,
		DisplayName:       strings.TrimSpace(name),
		GatewayCustomerID: gc.ID,
	})
}

// BeginSetup starts saving a card for off-session use.
func (v *Vault) BeginSetup(ctx context.Context, customer *models.BillingCustomer) (*SetupSession, error) {
	if customer == nil || customer.GatewayCustomerID == "" {
		return nil, errors.Wrap(ErrInvalidRequest, "customer is required")
	}
	si, err := v.gw.CreateSetupIntent(ctx, customer.GatewayCustomerID)
	if err != nil {
		return nil, upstream(err, "create setup intent")
	}
	return &SetupSession{
		SetupToken:   si.ID,
		ClientSecret: si.ClientSecret,
		CustomerID:   customer.ID,
	}, nil
}

// ConfirmSetup returns the payment method saved by a completed setup. A
// declined verification yields a *SetupFailedError.
func (v *Vault) ConfirmSetup(ctx context.Context, setupToken string) (*gateway.PaymentMethod, error) {
	setupToken = strings.TrimSpace(setupToken)
	if setupToken == "" {
		return nil, errors.Wrap(ErrInvalidRequest, "setup token is required")
	}
	si, err := v.gw.GetSetupIntent(ctx, setupToken)
	if err != nil {
		return nil, upstream(err, "get setup intent")
	}

	switch si.Status {
	case gateway.StatusSucceeded:
	case gateway.StatusRequiresPaymentMethod:
		if si.FailureCode != "" || si.FailureMessage != "" {
			return nil, &SetupFailedError{SetupToken: si.ID, Code: si.FailureCode, Reason: si.FailureMessage}
		}
		return nil, errors.Wrapf(ErrInvalidState, "setup %s has no payment method yet", si.ID)
	case gateway.StatusCanceled:
		return nil, &SetupFailedError{SetupToken: si.ID, Code: "canceled", Reason: "setup was canceled"}
	default:
		return nil, errors.Wrapf(ErrInvalidState, "setup %s is %s", si.ID, si.Status)
	}

	pm, err := v.gw.GetPaymentMethod(ctx, si.PaymentMethodID)
	if err != nil {
		return nil, upstream(err, "get payment method")
	}
	log.Infof("[Vault] Saved payment method %s for gateway customer %s", pm.ID, pm.CustomerID)
	return pm, nil
}

// ListMethods returns the saved payment methods of a customer.
func (v *Vault) ListMethods(ctx context.Context, customerID uint) ([]gateway.PaymentMethod, error) {
	c, err := v.repo.GetCustomerByID(customerID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrapf(ErrNotFound, "customer %d", customerID)
		}
		return nil, err
	}
	return v.listFor(ctx, c)
}

// ListMethodsByEmail returns the customer and saved methods for a contact
// email. An unknown contact has no customer and no methods.
func (v *Vault) ListMethodsByEmail(ctx context.Context, email string) (*models.BillingCustomer, []gateway.PaymentMethod, error) {
	email = normalizeEmail(email)
	if email == "" {
		return nil, nil, nil
	}
	c, err := v.repo.GetCustomerByEmail(v.gw.Provider(), email)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	methods, err := v.listFor(ctx, c)
	if err != nil {
		return nil, nil, err
	}
	return c, methods, nil
}

func (v *Vault) listFor(ctx context.Context, c *models.BillingCustomer) ([]gateway.PaymentMethod, error) {
	methods, err := v.gw.ListPaymentMethods(ctx, c.GatewayCustomerID)
	if err != nil {
		return nil, upstream(err, "list payment methods")
	}
	return methods, nil
}

// RemoveMethod detaches a saved payment method. Jobs that would have used it
// become ineligible at their next evaluation.
func (v *Vault) RemoveMethod(ctx context.Context, paymentMethodID string) error {
	paymentMethodID = strings.TrimSpace(paymentMethodID)
	if paymentMethodID == "" {
		return errors.Wrap(ErrInvalidRequest, "payment method id is required")
	}
	if err := v.gw.DetachPaymentMethod(ctx, paymentMethodID); err != nil {
		return upstream(err, "detach payment method")
	}
	log.Infof("[Vault] Removed payment method %s", paymentMethodID)
	return nil
}

// choosePaymentMethod picks the newest saved method.
func choosePaymentMethod(methods []gateway.PaymentMethod) *gateway.PaymentMethod {
	var best *gateway.PaymentMethod
	for i := range methods {
		m := &methods[i]
		if best == nil || m.CreatedAt.After(best.CreatedAt) {
			best = m
		}
	}
	return best
}
