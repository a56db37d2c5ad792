package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"flowerfund/internal/account"
	"flowerfund/internal/cancellation"
	"flowerfund/internal/common/middleware"
	"flowerfund/internal/ledger"
	"flowerfund/internal/ledger/ledgertest"
	"flowerfund/internal/payout"
	"flowerfund/internal/pledge"
	"flowerfund/internal/project"
	"flowerfund/internal/settlement"
	"flowerfund/internal/topup"
)

const webhookSecret = "whsec_api_test"

type testServer struct {
	t      *testing.T
	router http.Handler
	runner *ledger.Runner
}

func newTestServer(t *testing.T, withStripe bool) *testServer {
	t.Helper()
	runner, mem := ledgertest.NewRunner(t)
	logger := ledgertest.Logger()
	topUps := topup.NewService(runner, logger)

	services := Services{
		Accounts:     account.NewService(runner, logger),
		Projects:     project.NewService(runner, logger),
		Pledges:      pledge.NewService(runner, logger),
		Settlement:   settlement.NewService(runner, logger),
		Cancellation: cancellation.NewService(runner, logger),
		Payouts:      payout.NewService(runner, logger),
		TopUps:       topUps,
		Reader:       mem,
	}
	if withStripe {
		services.Stripe = topup.NewStripeWebhook(topUps, webhookSecret)
	}

	r := chi.NewRouter()
	r.Use(middleware.Identity)
	r.Mount("/", NewHandler(services, logger).Routes())
	return &testServer{t: t, router: r, runner: runner}
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code string `json:"code"`
	} `json:"error"`
}

func (s *testServer) do(method, path, actorID string, role middleware.Role, body any) (int, envelope) {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actorID != "" {
		req.Header.Set(middleware.HeaderActorID, actorID)
		req.Header.Set(middleware.HeaderActorRole, string(role))
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var env envelope
	require.NoError(s.t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec.Code, env
}

func (s *testServer) decode(env envelope, v any) {
	s.t.Helper()
	require.NoError(s.t, json.Unmarshal(env.Data, v))
}

func errCode(env envelope) string {
	if env.Error == nil {
		return ""
	}
	return env.Error.Code
}

func TestHandler_FundingLifecycle(t *testing.T) {
	s := newTestServer(t, false)
	user, florist, admin := middleware.RoleUser, middleware.RoleFlorist, middleware.RoleAdmin

	code, _ := s.do(http.MethodPost, "/users", "planner", user, map[string]any{"handle_name": "planner"})
	require.Equal(t, http.StatusCreated, code)
	code, _ = s.do(http.MethodPost, "/users", "fan", user, map[string]any{"handle_name": "fan"})
	require.Equal(t, http.StatusCreated, code)

	code, env := s.do(http.MethodPost, "/topups", "ops", admin, map[string]any{
		"user_id": "fan", "points": 100, "idempotency_key": "order-1",
	})
	require.Equal(t, http.StatusCreated, code)
	code, _ = s.do(http.MethodPost, "/topups", "ops", admin, map[string]any{
		"user_id": "fan", "points": 100, "idempotency_key": "order-1",
	})
	assert.Equal(t, http.StatusOK, code, "replayed top-up")

	code, env = s.do(http.MethodPost, "/projects", "planner", user, map[string]any{"title": "Stand", "target_amount": 60})
	require.Equal(t, http.StatusCreated, code)
	var p struct {
		ID string `json:"id"`
	}
	s.decode(env, &p)

	code, env = s.do(http.MethodPost, "/projects/"+p.ID+"/pledges", "fan", user, map[string]any{"amount": 60})
	require.Equal(t, http.StatusCreated, code)
	var pledged pledge.Result
	s.decode(env, &pledged)
	assert.True(t, pledged.Funded)

	code, env = s.do(http.MethodPost, "/projects/"+p.ID+"/pledges", "fan", user, map[string]any{"amount": 60})
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "INSUFFICIENT_FUNDS", errCode(env))

	code, _ = s.do(http.MethodPost, "/florists", "shop", florist, map[string]any{"shop_name": "Hanaya"})
	require.Equal(t, http.StatusCreated, code)

	code, env = s.do(http.MethodPost, "/quotations", "shop", florist, map[string]any{
		"project_id": p.ID, "items": []map[string]any{{"name": "stand", "amount": 60}},
	})
	assert.Equal(t, http.StatusForbidden, code, "unreviewed florist")

	code, _ = s.do(http.MethodPost, "/florists/shop/review", "ops", admin, map[string]any{"status": "APPROVED"})
	require.Equal(t, http.StatusOK, code)

	code, env = s.do(http.MethodPost, "/quotations", "shop", florist, map[string]any{
		"project_id": p.ID, "items": []map[string]any{{"name": "stand", "amount": 60}},
	})
	require.Equal(t, http.StatusCreated, code)
	var q struct {
		ID string `json:"id"`
	}
	s.decode(env, &q)

	code, _ = s.do(http.MethodPost, "/quotations/"+q.ID+"/approve", "fan", user, nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, env = s.do(http.MethodPost, "/quotations/"+q.ID+"/approve", "planner", user, nil)
	require.Equal(t, http.StatusOK, code)
	var settled settlement.Settlement
	s.decode(env, &settled)
	assert.Equal(t, int64(6), settled.Commission.Amount)
	assert.Equal(t, int64(54), settled.FloristShare)

	code, env = s.do(http.MethodPost, "/quotations/"+q.ID+"/approve", "planner", user, nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "ALREADY_APPROVED", errCode(env))

	code, env = s.do(http.MethodPost, "/projects/"+p.ID+"/cancel", "planner", user, nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "INVALID_STATE", errCode(env))

	code, env = s.do(http.MethodPost, "/payouts", "shop", florist, map[string]any{"amount": 400, "account_info": "iban"})
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "BELOW_MINIMUM", errCode(env))

	code, _ = s.do(http.MethodPost, "/projects/"+p.ID+"/complete", "planner", user, map[string]any{"comment": "delivered"})
	assert.Equal(t, http.StatusOK, code)

	code, env = s.do(http.MethodGet, "/admin/reconciliation", "ops", admin, nil)
	require.Equal(t, http.StatusOK, code)
	var report ledger.Report
	s.decode(env, &report)
	assert.True(t, report.Balanced)
	assert.Equal(t, int64(6), report.Commission)
}

func TestHandler_AccessControl(t *testing.T) {
	s := newTestServer(t, false)

	code, _ := s.do(http.MethodGet, "/users/fan", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = s.do(http.MethodPost, "/users", "fan", middleware.RoleUser, map[string]any{"handle_name": "fan"})
	require.Equal(t, http.StatusCreated, code)

	code, _ = s.do(http.MethodGet, "/users/fan", "other", middleware.RoleUser, nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = s.do(http.MethodGet, "/users/fan", "ops", middleware.RoleAdmin, nil)
	assert.Equal(t, http.StatusOK, code)

	code, _ = s.do(http.MethodPost, "/topups", "fan", middleware.RoleUser, map[string]any{
		"user_id": "fan", "points": 100, "idempotency_key": "k",
	})
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = s.do(http.MethodGet, "/admin/commissions", "fan", middleware.RoleUser, nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, env := s.do(http.MethodGet, "/projects/missing", "fan", middleware.RoleUser, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "NOT_FOUND", errCode(env))

	code, _ = s.do(http.MethodPost, "/projects", "fan", middleware.RoleUser, map[string]any{"title": "x", "target_amount": 0})
	assert.Equal(t, http.StatusUnprocessableEntity, code)
}

func TestHandler_StripeWebhook(t *testing.T) {
	disabled := newTestServer(t, false)
	code, _ := disabled.do(http.MethodPost, "/webhooks/stripe", "", "", map[string]any{})
	assert.Equal(t, http.StatusServiceUnavailable, code)

	s := newTestServer(t, true)
	ledgertest.SeedUser(t, s.runner, "fan", 0)

	payload, err := json.Marshal(map[string]any{
		"id":          "evt_api",
		"object":      "event",
		"type":        "checkout.session.completed",
		"api_version": stripe.APIVersion,
		"data": map[string]any{"object": map[string]any{
			"id":                  "cs_api",
			"object":              "checkout.session",
			"client_reference_id": "fan",
			"amount_total":        500,
		}},
	})
	require.NoError(t, err)

	post := func(signature string) int {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
		if signature != "" {
			req.Header.Set("Stripe-Signature", signature)
		}
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusBadRequest, post(""))
	assert.Equal(t, http.StatusBadRequest, post("t=1,v1=deadbeef"))

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: webhookSecret})
	assert.Equal(t, http.StatusOK, post(signed.Header))
	assert.Equal(t, http.StatusOK, post(signed.Header))

	user, err := s.runner.Reader().GetUser(t.Context(), "fan")
	require.NoError(t, err)
	assert.Equal(t, int64(500), user.PointBalance)
}

func TestHandler_StripeWebhook_AcknowledgesUnusableEvents(t *testing.T) {
	s := newTestServer(t, true)

	tests := []struct {
		name    string
		session map[string]any
	}{
		{"unknown user", map[string]any{"id": "cs_ghost", "object": "checkout.session", "client_reference_id": "ghost", "amount_total": 500}},
		{"no points", map[string]any{"id": "cs_zero", "object": "checkout.session", "client_reference_id": "fan", "amount_total": 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := json.Marshal(map[string]any{
				"id":          "evt_" + tt.session["id"].(string),
				"object":      "event",
				"type":        "checkout.session.completed",
				"api_version": stripe.APIVersion,
				"data":        map[string]any{"object": tt.session},
			})
			require.NoError(t, err)

			signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: webhookSecret})
			req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
			req.Header.Set("Stripe-Signature", signed.Header)
			rec := httptest.NewRecorder()
			s.router.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.JSONEq(t, `{"data":{"received":true,"credited":false}}`, rec.Body.String())
		})
	}
}
