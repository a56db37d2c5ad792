package topup

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"flowerfund/internal/ledger/domain"
)

const testSecret = "whsec_test"

func stripeEvent(t *testing.T, id, eventType string, session map[string]any) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"api_version": stripe.APIVersion,
		"created":     time.Now().Unix(),
		"data":        map[string]any{"object": session},
	})
	require.NoError(t, err)
	return payload
}

func sign(payload []byte, secret string) string {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload: payload,
		Secret:  secret,
	})
	return signed.Header
}

func TestStripeWebhook_CreditsOnce(t *testing.T) {
	ctx := context.Background()
	svc, runner := newService(t)
	hook := NewStripeWebhook(svc, testSecret)

	payload := stripeEvent(t, "evt_1", "checkout.session.completed", map[string]any{
		"id":                  "cs_1",
		"object":              "checkout.session",
		"client_reference_id": "u",
		"amount_total":        1200,
		"metadata":            map[string]string{PointsMetadataKey: "1000"},
	})

	res, err := hook.Handle(ctx, payload, sign(payload, testSecret))
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.False(t, res.Duplicate)
	assert.Equal(t, "evt_1", res.TopUp.IdempotencyKey)
	assert.Equal(t, SourceStripe, res.TopUp.Source)

	replay, err := hook.Handle(ctx, payload, sign(payload, testSecret))
	require.NoError(t, err)
	assert.True(t, replay.Duplicate)

	assert.Equal(t, int64(1000), pointsOf(t, runner, "u"))
}

func TestStripeWebhook_AmountTotalFallback(t *testing.T) {
	svc, runner := newService(t)
	hook := NewStripeWebhook(svc, testSecret)

	payload := stripeEvent(t, "evt_2", "checkout.session.completed", map[string]any{
		"id":                  "cs_2",
		"object":              "checkout.session",
		"client_reference_id": "u",
		"amount_total":        750,
	})

	_, err := hook.Handle(context.Background(), payload, sign(payload, testSecret))
	require.NoError(t, err)
	assert.Equal(t, int64(750), pointsOf(t, runner, "u"))
}

func TestStripeWebhook_Rejects(t *testing.T) {
	svc, runner := newService(t)
	hook := NewStripeWebhook(svc, testSecret)

	session := map[string]any{
		"id":                  "cs_3",
		"object":              "checkout.session",
		"client_reference_id": "u",
		"amount_total":        100,
	}

	t.Run("bad signature", func(t *testing.T) {
		payload := stripeEvent(t, "evt_3", "checkout.session.completed", session)
		_, err := hook.Handle(context.Background(), payload, sign(payload, "whsec_other"))
		assert.ErrorIs(t, err, domain.ErrForbidden)
	})

	t.Run("missing reference", func(t *testing.T) {
		payload := stripeEvent(t, "evt_4", "checkout.session.completed", map[string]any{
			"id":           "cs_4",
			"object":       "checkout.session",
			"amount_total": 100,
		})
		_, err := hook.Handle(context.Background(), payload, sign(payload, testSecret))
		assert.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("other event type", func(t *testing.T) {
		payload := stripeEvent(t, "evt_5", "checkout.session.expired", session)
		res, err := hook.Handle(context.Background(), payload, sign(payload, testSecret))
		require.NoError(t, err)
		assert.Nil(t, res)
	})

	assert.Zero(t, pointsOf(t, runner, "u"))
}
