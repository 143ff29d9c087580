package gateway

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/webhook"
)

// SignatureHeader is where the gateway puts the webhook signature.
const SignatureHeader = "Stripe-Signature"

func parseStripeWebhook(payload []byte, signatureHeader, secret string) (*Event, error) {
	if secret == "" {
		return nil, errors.Wrap(ErrSignatureInvalid, "webhook secret not configured")
	}
	ev, err := webhook.ConstructEventWithOptions(payload, signatureHeader, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, errors.Wrap(ErrSignatureInvalid, err.Error())
	}
	return convertStripeEvent(ev)
}

func convertStripeEvent(ev stripe.Event) (*Event, error) {
	out := &Event{
		ID:      ev.ID,
		Type:    string(ev.Type),
		Created: time.Unix(ev.Created, 0).UTC(),
	}
	if ev.Data == nil {
		return out, nil
	}

	switch out.Type {
	case EventPaymentSucceeded, EventPaymentFailed:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
			return nil, errors.Wrapf(ErrMalformedEvent, "decode %s: %v", out.Type, err)
		}
		out.PaymentIntent = fromStripePaymentIntent(&pi)
	case EventSetupSucceeded:
		var si stripe.SetupIntent
		if err := json.Unmarshal(ev.Data.Raw, &si); err != nil {
			return nil, errors.Wrapf(ErrMalformedEvent, "decode %s: %v", out.Type, err)
		}
		out.SetupIntent = fromStripeSetupIntent(&si)
	case EventChargeRefunded:
		var ch stripe.Charge
		if err := json.Unmarshal(ev.Data.Raw, &ch); err != nil {
			return nil, errors.Wrapf(ErrMalformedEvent, "decode %s: %v", out.Type, err)
		}
		rc := &RefundedCharge{
			ChargeID:      ch.ID,
			AmountCents:   ch.Amount,
			RefundedCents: ch.AmountRefunded,
			Metadata:      ch.Metadata,
		}
		if ch.PaymentIntent != nil {
			rc.PaymentIntentID = ch.PaymentIntent.ID
		}
		out.Charge = rc
	}
	return out, nil
}
