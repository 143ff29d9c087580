package controllers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/ServeDesk/internal/pkg/billing"
	"github.com/ManuelReschke/ServeDesk/internal/pkg/casejob"
	"github.com/ManuelReschke/ServeDesk/internal/pkg/casemgmt"
	"github.com/ManuelReschke/ServeDesk/internal/pkg/changefeed"
	"github.com/ManuelReschke/ServeDesk/internal/pkg/config"
	"github.com/ManuelReschke/ServeDesk/internal/pkg/gateway"
	"github.com/ManuelReschke/ServeDesk/internal/pkg/metrics/counter"
)

const webhookTimeout = 25 * time.Second

// WebhookController receives gateway events and pushed job changes.
type WebhookController struct {
	reconciler *billing.Reconciler
	feed       *changefeed.Feed
	normalizer casejob.Normalizer
	cfg        config.Provider
	counters   *counter.Counter
}

func NewWebhookController(reconciler *billing.Reconciler, feed *changefeed.Feed, normalizer casejob.Normalizer, cfg config.Provider, counters *counter.Counter) *WebhookController {
	return &WebhookController{
		reconciler: reconciler,
		feed:       feed,
		normalizer: normalizer,
		cfg:        cfg,
		counters:   counters,
	}
}

// HandleGatewayWebhook answers 2xx for processed and duplicate events, 400
// for bad signatures and 5xx when the gateway should redeliver.
func (wc *WebhookController) HandleGatewayWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	signature := c.Get(gateway.SignatureHeader)

	ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
	defer cancel()

	ack, err := wc.reconciler.Handle(ctx, rawBody, signature)
	switch {
	case ack.Status == fiber.StatusBadRequest:
		wc.counters.Add(ctx, counter.WebhooksRejected)
	case ack.Status >= fiber.StatusInternalServerError:
		wc.counters.Add(ctx, counter.WebhooksRedeliver)
	case ack.Duplicate:
		wc.counters.Add(ctx, counter.WebhooksDuplicate)
	default:
		wc.counters.Add(ctx, counter.WebhooksProcessed)
	}

	if err != nil {
		if ack.Status == fiber.StatusBadRequest {
			return respondError(c, err)
		}
		log.Errorf("[Webhook] Delivery %s answered %d: %v", ack.EventID, ack.Status, err)
		if ack.Message == "" {
			ack.Message = "processing failed, please redeliver"
		}
	}
	return c.Status(ack.Status).JSON(ack)
}

// HandleCaseManagementWebhook is the push transport of the change feed.
func (wc *WebhookController) HandleCaseManagementWebhook(c *fiber.Ctx) error {
	cfg := wc.cfg.Current()
	if !cfg.AcceptsPushedChanges() {
		return jsonError(c, fiber.StatusNotFound, "not_found", "push notifications are disabled")
	}

	rawBody := append([]byte(nil), c.BodyRaw()...)
	if !casemgmt.VerifySignature(rawBody, c.Get(casemgmt.SignatureHeader), cfg.CaseManagement.WebhookSecret) {
		wc.counters.Add(c.UserContext(), counter.WebhooksRejected)
		return jsonError(c, fiber.StatusBadRequest, "invalid_signature", "signature verification failed")
	}

	job, err := wc.normalizer.Normalize(rawBody)
	if err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid_payload", err.Error())
	}

	ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
	defer cancel()

	obs, err := wc.feed.Observe(ctx, job, changefeed.SourcePush)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(observationResponse(obs))
}

func observationResponse(obs changefeed.Observation) fiber.Map {
	events := obs.Events
	if events == nil {
		events = []changefeed.Event{}
	}
	return fiber.Map{
		"jobId":    obs.JobID,
		"source":   obs.Source,
		"baseline": obs.Baseline,
		"events":   events,
	}
}
