package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/stripe/stripe-go/v74"
)

// Outcome controls how the fake answers a charge.
type Outcome int

const (
	// OutcomeSucceed confirms the charge synchronously.
	OutcomeSucceed Outcome = iota
	// OutcomeDecline declines synchronously with a card error.
	OutcomeDecline
	// OutcomePending leaves the intent processing until Settle is called.
	OutcomePending
	// OutcomeTimeout creates a succeeded intent but reports ErrUnavailable,
	// like a response lost in transit.
	OutcomeTimeout
	// OutcomeUnavailable fails before anything is created.
	OutcomeUnavailable
)

// Card is a test card for completing a setup.
type Card struct {
	Brand    string
	Last4    string
	ExpMonth int
	ExpYear  int
	// DeclineCode makes verification fail when set.
	DeclineCode string
}

// TestVisa is the card attached by AutoConfirmSetup.
var TestVisa = Card{Brand: "visa", Last4: "4242", ExpMonth: 12, ExpYear: 2034}

// Fake is an in-memory Gateway for tests and local development. Webhooks
// are verified with the real Stripe signature scheme.
type Fake struct {
	// AutoConfirmSetup attaches TestVisa when an unfinished setup is read.
	AutoConfirmSetup bool

	mu        sync.Mutex
	secret    string
	seq       int
	now       func() time.Time
	customers map[string]*Customer
	setups    map[string]*SetupIntent
	methods   map[string]*PaymentMethod
	intents   map[string]*PaymentIntent
	idem      map[string]string
	refunds   map[string]*Refund
	refunded  map[string]int64
	outcome   Outcome
	outcomes  map[string]Outcome
	calls     map[string]int
}

// NewFake creates a fake gateway verifying webhooks with secret.
func NewFake(webhookSecret string) *Fake {
	return &Fake{
		secret:    webhookSecret,
		now:       time.Now,
		customers: map[string]*Customer{},
		setups:    map[string]*SetupIntent{},
		methods:   map[string]*PaymentMethod{},
		intents:   map[string]*PaymentIntent{},
		idem:      map[string]string{},
		refunds:   map[string]*Refund{},
		refunded:  map[string]int64{},
		outcomes:  map[string]Outcome{},
		calls:     map[string]int{},
	}
}

func (f *Fake) Provider() string { return "fake" }

// SetOutcome sets the default charge outcome.
func (f *Fake) SetOutcome(o Outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcome = o
}

// SetOutcomeFor overrides the outcome for one payment method.
func (f *Fake) SetOutcomeFor(paymentMethodID string, o Outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes[paymentMethodID] = o
}

// Calls returns how often the named method was called.
func (f *Fake) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *Fake) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s_fake_%d", prefix, f.seq)
}

func (f *Fake) FindCustomerByEmail(ctx context.Context, email string) (*Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["FindCustomerByEmail"]++

	ids := make([]string, 0, len(f.customers))
	for id := range f.customers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if c := f.customers[id]; strings.EqualFold(c.Email, email) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *Fake) CreateCustomer(ctx context.Context, email, name string) (*Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["CreateCustomer"]++

	c := &Customer{ID: f.nextID("cus"), Email: email, Name: name}
	f.customers[c.ID] = c
	cp := *c
	return &cp, nil
}

func (f *Fake) CreateSetupIntent(ctx context.Context, customerID string) (*SetupIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["CreateSetupIntent"]++

	if _, ok := f.customers[customerID]; !ok {
		return nil, errors.Wrapf(ErrNotFound, "customer %s", customerID)
	}
	id := f.nextID("seti")
	si := &SetupIntent{
		ID:           id,
		CustomerID:   customerID,
		ClientSecret: id + "_secret_" + fmt.Sprint(f.seq),
		Status:       StatusRequiresPaymentMethod,
	}
	f.setups[id] = si
	cp := *si
	return &cp, nil
}

func (f *Fake) GetSetupIntent(ctx context.Context, setupIntentID string) (*SetupIntent, error) {
	f.mu.Lock()
	f.calls["GetSetupIntent"]++
	si, ok := f.setups[setupIntentID]
	auto := f.AutoConfirmSetup && ok && si.Status != StatusSucceeded
	f.mu.Unlock()

	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "setup intent %s", setupIntentID)
	}
	if auto {
		if _, err := f.CompleteSetup(setupIntentID, TestVisa); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *f.setups[setupIntentID]
	return &cp, nil
}

// CompleteSetup simulates the cardholder finishing verification.
func (f *Fake) CompleteSetup(setupIntentID string, card Card) (*SetupIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	si, ok := f.setups[setupIntentID]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "setup intent %s", setupIntentID)
	}
	if card.DeclineCode != "" {
		si.Status = StatusRequiresPaymentMethod
		si.FailureCode = card.DeclineCode
		si.FailureMessage = "Your card was declined."
		cp := *si
		return &cp, nil
	}
	pm := f.attachLocked(si.CustomerID, card)
	si.Status = StatusSucceeded
	si.PaymentMethodID = pm.ID
	si.FailureCode, si.FailureMessage = "", ""
	cp := *si
	return &cp, nil
}

// AttachCard stores a verified card for a customer without a setup flow.
func (f *Fake) AttachCard(customerID string, card Card) *PaymentMethod {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *f.attachLocked(customerID, card)
	return &cp
}

func (f *Fake) attachLocked(customerID string, card Card) *PaymentMethod {
	pm := &PaymentMethod{
		ID:         f.nextID("pm"),
		CustomerID: customerID,
		Brand:      card.Brand,
		Last4:      card.Last4,
		ExpMonth:   card.ExpMonth,
		ExpYear:    card.ExpYear,
		// seq keeps creation order strict even within one clock tick
		CreatedAt: f.now().UTC().Add(time.Duration(f.seq) * time.Millisecond),
	}
	f.methods[pm.ID] = pm
	return pm
}

func (f *Fake) GetPaymentMethod(ctx context.Context, paymentMethodID string) (*PaymentMethod, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["GetPaymentMethod"]++

	pm, ok := f.methods[paymentMethodID]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "payment method %s", paymentMethodID)
	}
	cp := *pm
	return &cp, nil
}

func (f *Fake) ListPaymentMethods(ctx context.Context, customerID string) ([]PaymentMethod, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["ListPaymentMethods"]++

	out := []PaymentMethod{}
	for _, pm := range f.methods {
		if pm.CustomerID == customerID {
			out = append(out, *pm)
		}
	}
	// newest first, like the gateway lists them
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (f *Fake) DetachPaymentMethod(ctx context.Context, paymentMethodID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["DetachPaymentMethod"]++

	pm, ok := f.methods[paymentMethodID]
	if !ok || pm.CustomerID == "" {
		return errors.Wrapf(ErrNotFound, "payment method %s", paymentMethodID)
	}
	pm.CustomerID = ""
	return nil
}

func (f *Fake) CreatePaymentIntent(ctx context.Context, req ChargeRequest) (*PaymentIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["CreatePaymentIntent"]++

	if id, ok := f.idem[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		pi := *f.intents[id]
		if pi.Status == StatusRequiresPaymentMethod {
			return nil, &DeclineError{Code: pi.FailureCode, Message: pi.FailureMessage, Intent: &pi}
		}
		return &pi, nil
	}

	outcome, ok := f.outcomes[req.PaymentMethodID]
	if !ok {
		outcome = f.outcome
	}
	if outcome == OutcomeUnavailable {
		return nil, errors.Wrap(ErrUnavailable, "fake gateway unavailable")
	}

	pm, ok := f.methods[req.PaymentMethodID]
	if !ok || pm.CustomerID != req.CustomerID {
		return nil, errors.Wrapf(ErrNotFound, "payment method %s not attached to %s", req.PaymentMethodID, req.CustomerID)
	}

	meta := map[string]string{}
	for k, v := range req.Metadata {
		meta[k] = v
	}
	pi := &PaymentIntent{
		ID:              f.nextID("pi"),
		AmountCents:     req.AmountCents,
		Currency:        req.Currency,
		CustomerID:      req.CustomerID,
		PaymentMethodID: req.PaymentMethodID,
		Metadata:        meta,
	}
	switch outcome {
	case OutcomeDecline:
		pi.Status = StatusRequiresPaymentMethod
		pi.FailureCode = "card_declined"
		pi.FailureMessage = "Your card was declined."
	case OutcomePending:
		pi.Status = StatusProcessing
	default:
		pi.Status = StatusSucceeded
	}
	f.intents[pi.ID] = pi
	if req.IdempotencyKey != "" {
		f.idem[req.IdempotencyKey] = pi.ID
	}

	cp := *pi
	switch outcome {
	case OutcomeDecline:
		return nil, &DeclineError{Code: pi.FailureCode, Message: pi.FailureMessage, Intent: &cp}
	case OutcomeTimeout:
		return nil, errors.Wrap(ErrUnavailable, "fake gateway timed out")
	}
	return &cp, nil
}

// Settle moves a processing intent to its final status.
func (f *Fake) Settle(paymentIntentID string, succeeded bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	pi, ok := f.intents[paymentIntentID]
	if !ok {
		return errors.Wrapf(ErrNotFound, "payment intent %s", paymentIntentID)
	}
	if succeeded {
		pi.Status = StatusSucceeded
		return nil
	}
	pi.Status = StatusRequiresPaymentMethod
	pi.FailureCode = "insufficient_funds"
	pi.FailureMessage = "Your card has insufficient funds."
	return nil
}

func (f *Fake) GetPaymentIntent(ctx context.Context, paymentIntentID string) (*PaymentIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["GetPaymentIntent"]++

	pi, ok := f.intents[paymentIntentID]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "payment intent %s", paymentIntentID)
	}
	cp := *pi
	return &cp, nil
}

func (f *Fake) FindPaymentIntentByAttempt(ctx context.Context, chargeAttemptID string) (*PaymentIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["FindPaymentIntentByAttempt"]++

	for _, pi := range f.intents {
		if pi.Metadata[MetadataChargeAttemptID] == chargeAttemptID {
			cp := *pi
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *Fake) CreateRefund(ctx context.Context, req RefundRequest) (*Refund, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["CreateRefund"]++

	if r, ok := f.refunds[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		cp := *r
		return &cp, nil
	}
	pi, ok := f.intents[req.PaymentIntentID]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "payment intent %s", req.PaymentIntentID)
	}
	if pi.Status != StatusSucceeded {
		return nil, errors.Errorf("payment intent %s has not succeeded", pi.ID)
	}
	if req.AmountCents <= 0 || f.refunded[pi.ID]+req.AmountCents > pi.AmountCents {
		return nil, errors.Errorf("refund amount %d exceeds refundable amount", req.AmountCents)
	}
	f.refunded[pi.ID] += req.AmountCents
	r := &Refund{ID: f.nextID("re"), Status: "succeeded", AmountCents: req.AmountCents}
	if req.IdempotencyKey != "" {
		f.refunds[req.IdempotencyKey] = r
	}
	cp := *r
	return &cp, nil
}

func (f *Fake) ParseWebhook(payload []byte, signatureHeader string) (*Event, error) {
	return parseStripeWebhook(payload, signatureHeader, f.secret)
}

// Sign returns a Stripe-Signature header value for payload.
func (f *Fake) Sign(payload []byte) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(f.secret))
	mac.Write([]byte(fmt.Sprintf("%d.%s", ts, payload)))
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

// PaymentIntentEvent builds a signed webhook for the intent's current state.
func (f *Fake) PaymentIntentEvent(eventID, eventType, paymentIntentID string) ([]byte, string, error) {
	f.mu.Lock()
	pi, ok := f.intents[paymentIntentID]
	var obj map[string]interface{}
	if ok {
		obj = map[string]interface{}{
			"id":             pi.ID,
			"object":         "payment_intent",
			"status":         pi.Status,
			"amount":         pi.AmountCents,
			"currency":       pi.Currency,
			"customer":       pi.CustomerID,
			"payment_method": pi.PaymentMethodID,
			"metadata":       pi.Metadata,
		}
		if pi.FailureCode != "" {
			obj["last_payment_error"] = map[string]interface{}{
				"type":    "card_error",
				"code":    pi.FailureCode,
				"message": pi.FailureMessage,
			}
		}
	}
	f.mu.Unlock()
	if !ok {
		return nil, "", errors.Wrapf(ErrNotFound, "payment intent %s", paymentIntentID)
	}
	return f.signedEvent(eventID, eventType, obj)
}

// SetupIntentEvent builds a signed setup_intent.succeeded webhook.
func (f *Fake) SetupIntentEvent(eventID, setupIntentID string) ([]byte, string, error) {
	f.mu.Lock()
	si, ok := f.setups[setupIntentID]
	var obj map[string]interface{}
	if ok {
		obj = map[string]interface{}{
			"id":             si.ID,
			"object":         "setup_intent",
			"status":         si.Status,
			"customer":       si.CustomerID,
			"payment_method": si.PaymentMethodID,
			"usage":          "off_session",
		}
	}
	f.mu.Unlock()
	if !ok {
		return nil, "", errors.Wrapf(ErrNotFound, "setup intent %s", setupIntentID)
	}
	return f.signedEvent(eventID, EventSetupSucceeded, obj)
}

// ChargeRefundedEvent builds a signed charge.refunded webhook with the
// amount refunded so far.
func (f *Fake) ChargeRefundedEvent(eventID, paymentIntentID string) ([]byte, string, error) {
	f.mu.Lock()
	pi, ok := f.intents[paymentIntentID]
	var obj map[string]interface{}
	if ok {
		obj = map[string]interface{}{
			"id":              "ch_" + pi.ID,
			"object":          "charge",
			"amount":          pi.AmountCents,
			"amount_refunded": f.refunded[pi.ID],
			"refunded":        f.refunded[pi.ID] >= pi.AmountCents,
			"payment_intent":  pi.ID,
			"metadata":        pi.Metadata,
		}
	}
	f.mu.Unlock()
	if !ok {
		return nil, "", errors.Wrapf(ErrNotFound, "payment intent %s", paymentIntentID)
	}
	return f.signedEvent(eventID, EventChargeRefunded, obj)
}

func (f *Fake) signedEvent(eventID, eventType string, object map[string]interface{}) ([]byte, string, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"id":          eventID,
		"object":      "event",
		"type":        eventType,
		"api_version": stripe.APIVersion,
		"created":     time.Now().Unix(),
		"data":        map[string]interface{}{"object": object},
	})
	if err != nil {
		return nil, "", err
	}
	return payload, f.Sign(payload), nil
}
