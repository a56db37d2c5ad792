package topup

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"flowerfund/internal/ledger/domain"
)

// StripeConfig holds Stripe webhook configuration
type StripeConfig struct {
	WebhookSecret string `envconfig:"STRIPE_WEBHOOK_SECRET"`
}

// Enabled reports whether the webhook can be verified.
func (c StripeConfig) Enabled() bool {
	return c.WebhookSecret != ""
}

// PointsMetadataKey is the checkout session metadata entry carrying the
// number of points bought. Sessions without it are credited their amount
// total, one point per smallest currency unit.
const PointsMetadataKey = "points"

// StripeWebhook turns verified checkout.session.completed events into
// credits.
type StripeWebhook struct {
	svc    *Service
	secret string
}

// NewStripeWebhook creates a webhook handler verifying with secret.
func NewStripeWebhook(svc *Service, secret string) *StripeWebhook {
	return &StripeWebhook{svc: svc, secret: secret}
}

// Handle verifies the Stripe-Signature header over payload and credits the
// purchase. Events of other types are acknowledged with a nil result. The
// Stripe event ID is the idempotency key, so Stripe's retries are harmless.
func (h *StripeWebhook) Handle(ctx context.Context, payload []byte, signature string) (*Result, error) {
	event, err := webhook.ConstructEvent(payload, signature, h.secret)
	if err != nil {
		return nil, fmt.Errorf("%w: verifying stripe signature: %w", domain.ErrForbidden, err)
	}
	if event.Type != stripe.EventTypeCheckoutSessionCompleted {
		return nil, nil
	}

	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return nil, fmt.Errorf("%w: decoding checkout session: %w", domain.ErrValidation, err)
	}

	purchase, err := purchaseFromSession(&session)
	if err != nil {
		return nil, err
	}
	purchase.IdempotencyKey = event.ID
	return h.svc.Credit(ctx, purchase)
}

func purchaseFromSession(session *stripe.CheckoutSession) (Purchase, error) {
	if session.ClientReferenceID == "" {
		return Purchase{}, fmt.Errorf("%w: checkout session %s has no client_reference_id", domain.ErrValidation, session.ID)
	}

	pts := session.AmountTotal
	if raw, ok := session.Metadata[PointsMetadataKey]; ok {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Purchase{}, fmt.Errorf("%w: metadata points %q: %w", domain.ErrValidation, raw, err)
		}
		pts = n
	}
	if pts <= 0 {
		return Purchase{}, fmt.Errorf("%w: checkout session %s buys no points", domain.ErrValidation, session.ID)
	}

	return Purchase{
		UserID: session.ClientReferenceID,
		Points: pts,
		Source: SourceStripe,
	}, nil
}
