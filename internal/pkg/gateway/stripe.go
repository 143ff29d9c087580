package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"

	"github.com/ManuelReschke/ServeDesk/internal/pkg/config"
)

// Stripe implements Gateway against the Stripe API. Keys are read from the
// config provider on every call.
type Stripe struct {
	cfg      config.Provider
	backends *stripe.Backends
}

// NewStripe creates the Stripe gateway. backends may be nil.
func NewStripe(cfg config.Provider, backends *stripe.Backends) *Stripe {
	return &Stripe{cfg: cfg, backends: backends}
}

func (s *Stripe) Provider() string { return "stripe" }

func (s *Stripe) api() (*client.API, error) {
	key := s.cfg.Current().Gateway.SecretKey
	if key == "" {
		return nil, errors.New("stripe secret key not configured")
	}
	return client.New(key, s.backends), nil
}

func (s *Stripe) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.Current().Gateway.Timeout)
}

func (s *Stripe) FindCustomerByEmail(ctx context.Context, email string) (*Customer, error) {
	sc, err := s.api()
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	params := &stripe.CustomerListParams{Email: stripe.String(email)}
	params.Context = ctx
	params.Limit = stripe.Int64(10)
	iter := sc.Customers.List(params)
	for iter.Next() {
		c := iter.Customer()
		if c.Deleted {
			continue
		}
		if strings.EqualFold(c.Email, email) {
			return &Customer{ID: c.ID, Email: c.Email, Name: c.Name}, nil
		}
	}
	if err := iter.Err(); err != nil {
		return nil, mapStripeError(err)
	}
	return nil, nil
}

func (s *Stripe) CreateCustomer(ctx context.Context, email, name string) (*Customer, error) {
	sc, err := s.api()
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	params := &stripe.CustomerParams{
		Email: stripe.String(email),
		Name:  stripe.String(name),
	}
	params.Context = ctx
	// concurrent setups for the same email collapse onto one customer
	params.SetIdempotencyKey("servedesk-customer-" + strings.ToLower(email))
	c, err := sc.Customers.New(params)
	if err != nil {
		return nil, mapStripeError(err)
	}
	return &Customer{ID: c.ID, Email: c.Email, Name: c.Name}, nil
}

func (s *Stripe) CreateSetupIntent(ctx context.Context, customerID string) (*SetupIntent, error) {
	sc, err := s.api()
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	params := &stripe.SetupIntentParams{
		Customer:           stripe.String(customerID),
		Usage:              stripe.String(string(stripe.SetupIntentUsageOffSession)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
	}
	params.Context = ctx
	si, err := sc.SetupIntents.New(params)
	if err != nil {
		return nil, mapStripeError(err)
	}
	return fromStripeSetupIntent(si), nil
}

func (s *Stripe) GetSetupIntent(ctx context.Context, setupIntentID string) (*SetupIntent, error) {
	sc, err := s.api()
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	params := &stripe.SetupIntentParams{}
	params.Context = ctx
	si, err := sc.SetupIntents.Get(setupIntentID, params)
	if err != nil {
		return nil, mapStripeError(err)
	}
	return fromStripeSetupIntent(si), nil
}

func (s *Stripe) GetPaymentMethod(ctx context.Context, paymentMethodID string) (*PaymentMethod, error) {
	sc, err := s.api()
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	params := &stripe.PaymentMethodParams{}
	params.Context = ctx
	pm, err := sc.PaymentMethods.Get(paymentMethodID, params)
	if err != nil {
		return nil, mapStripeError(err)
	}
	return fromStripePaymentMethod(pm), nil
}

func (s *Stripe) ListPaymentMethods(ctx context.Context, customerID string) ([]PaymentMethod, error) {
	sc, err := s.api()
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	params := &stripe.PaymentMethodListParams{
		Customer: stripe.String(customerID),
		Type:     stripe.String(string(stripe.PaymentMethodTypeCard)),
	}
	params.Context = ctx
	iter := sc.PaymentMethods.List(params)
	out := []PaymentMethod{}
	for iter.Next() {
		out = append(out, *fromStripePaymentMethod(iter.PaymentMethod()))
	}
	if err := iter.Err(); err != nil {
		return nil, mapStripeError(err)
	}
	return out, nil
}

func (s *Stripe) DetachPaymentMethod(ctx context.Context, paymentMethodID string) error {
	sc, err := s.api()
	if err != nil {
		return err
	}
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	params := &stripe.PaymentMethodDetachParams{}
	params.Context = ctx
	_, err = sc.PaymentMethods.Detach(paymentMethodID, params)
	return mapStripeError(err)
}

func (s *Stripe) CreatePaymentIntent(ctx context.Context, req ChargeRequest) (*PaymentIntent, error) {
	sc, err := s.api()
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.AmountCents),
		Currency:      stripe.String(req.Currency),
		Customer:      stripe.String(req.CustomerID),
		PaymentMethod: stripe.String(req.PaymentMethodID),
		OffSession:    stripe.Bool(true),
		Confirm:       stripe.Bool(true),
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	params.Context = ctx
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	pi, err := sc.PaymentIntents.New(params)
	if err != nil {
		return nil, mapStripeError(err)
	}
	return fromStripePaymentIntent(pi), nil
}

func (s *Stripe) GetPaymentIntent(ctx context.Context, paymentIntentID string) (*PaymentIntent, error) {
	sc, err := s.api()
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := sc.PaymentIntents.Get(paymentIntentID, params)
	if err != nil {
		return nil, mapStripeError(err)
	}
	return fromStripePaymentIntent(pi), nil
}

func (s *Stripe) FindPaymentIntentByAttempt(ctx context.Context, chargeAttemptID string) (*PaymentIntent, error) {
	sc, err := s.api()
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	params := &stripe.PaymentIntentSearchParams{}
	params.Context = ctx
	params.Query = fmt.Sprintf("metadata['%s']:'%s'", MetadataChargeAttemptID, chargeAttemptID)
	iter := sc.PaymentIntents.Search(params)
	for iter.Next() {
		return fromStripePaymentIntent(iter.PaymentIntent()), nil
	}
	if err := iter.Err(); err != nil {
		return nil, mapStripeError(err)
	}
	return nil, nil
}

func (s *Stripe) CreateRefund(ctx context.Context, req RefundRequest) (*Refund, error) {
	sc, err := s.api()
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.PaymentIntentID),
		Amount:        stripe.Int64(req.AmountCents),
	}
	params.Context = ctx
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	r, err := sc.Refunds.New(params)
	if err != nil {
		return nil, mapStripeError(err)
	}
	return &Refund{ID: r.ID, Status: string(r.Status), AmountCents: r.Amount}, nil
}

func (s *Stripe) ParseWebhook(payload []byte, signatureHeader string) (*Event, error) {
	return parseStripeWebhook(payload, signatureHeader, s.cfg.Current().Gateway.WebhookSecret)
}

func mapStripeError(err error) error {
	if err == nil {
		return nil
	}
	var se *stripe.Error
	if !errors.As(err, &se) {
		// transport failure or deadline: the request may or may not have landed
		return errors.Wrap(ErrUnavailable, err.Error())
	}
	switch {
	case se.Type == stripe.ErrorTypeCard:
		code := string(se.DeclineCode)
		if code == "" {
			code = string(se.Code)
		}
		return &DeclineError{Code: code, Message: se.Msg, Intent: fromStripePaymentIntent(se.PaymentIntent)}
	case se.HTTPStatusCode == 404:
		return errors.Wrap(ErrNotFound, se.Msg)
	case se.HTTPStatusCode == 429 || se.HTTPStatusCode >= 500 || se.Type == stripe.ErrorTypeAPI:
		return errors.Wrap(ErrUnavailable, se.Msg)
	}
	return errors.Wrap(err, "stripe")
}

func fromStripeSetupIntent(si *stripe.SetupIntent) *SetupIntent {
	out := &SetupIntent{
		ID:           si.ID,
		ClientSecret: si.ClientSecret,
		Status:       string(si.Status),
	}
	if si.Customer != nil {
		out.CustomerID = si.Customer.ID
	}
	if si.PaymentMethod != nil {
		out.PaymentMethodID = si.PaymentMethod.ID
	}
	if si.LastSetupError != nil {
		out.FailureCode = string(si.LastSetupError.Code)
		if si.LastSetupError.DeclineCode != "" {
			out.FailureCode = string(si.LastSetupError.DeclineCode)
		}
		out.FailureMessage = si.LastSetupError.Msg
	}
	return out
}

func fromStripePaymentMethod(pm *stripe.PaymentMethod) *PaymentMethod {
	out := &PaymentMethod{
		ID:        pm.ID,
		CreatedAt: time.Unix(pm.Created, 0).UTC(),
	}
	if pm.Customer != nil {
		out.CustomerID = pm.Customer.ID
	}
	if pm.Card != nil {
		out.Brand = string(pm.Card.Brand)
		out.Last4 = pm.Card.Last4
		out.ExpMonth = int(pm.Card.ExpMonth)
		out.ExpYear = int(pm.Card.ExpYear)
	}
	return out
}

func fromStripePaymentIntent(pi *stripe.PaymentIntent) *PaymentIntent {
	if pi == nil {
		return nil
	}
	out := &PaymentIntent{
		ID:          pi.ID,
		Status:      string(pi.Status),
		AmountCents: pi.Amount,
		Currency:    string(pi.Currency),
		Metadata:    pi.Metadata,
	}
	if pi.Customer != nil {
		out.CustomerID = pi.Customer.ID
	}
	if pi.PaymentMethod != nil {
		out.PaymentMethodID = pi.PaymentMethod.ID
	}
	if pi.LastPaymentError != nil {
		out.FailureCode = string(pi.LastPaymentError.Code)
		if pi.LastPaymentError.DeclineCode != "" {
			out.FailureCode = string(pi.LastPaymentError.DeclineCode)
		}
		out.FailureMessage = pi.LastPaymentError.Msg
	}
	return out
}
