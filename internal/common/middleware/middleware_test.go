package middleware

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func echoActor(w http.ResponseWriter, r *http.Request) {
	actor, ok := GetActor(r.Context())
	if !ok {
		_, _ = w.Write([]byte("anonymous"))
		return
	}
	_, _ = w.Write([]byte(actor.ID + "/" + string(actor.Role)))
}

func TestIdentity(t *testing.T) {
	tests := []struct {
		name   string
		id     string
		role   string
		status int
		body   string
	}{
		{"anonymous", "", "", http.StatusOK, "anonymous"},
		{"user", "u1", "USER", http.StatusOK, "u1/USER"},
		{"lowercase role", "f1", "florist", http.StatusOK, "f1/FLORIST"},
		{"unknown role", "x", "ROOT", http.StatusUnauthorized, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.id != "" {
				req.Header.Set(HeaderActorID, tt.id)
				req.Header.Set(HeaderActorRole, tt.role)
			}
			rec := httptest.NewRecorder()

			Identity(http.HandlerFunc(echoActor)).ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, rec.Body.String())
			}
		})
	}
}

func TestRequireRole(t *testing.T) {
	h := RequireRole(RoleAdmin)(http.HandlerFunc(echoActor))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithActor(req.Context(), Actor{ID: "u1", Role: RoleUser}))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithActor(req.Context(), Actor{ID: "a1", Role: RoleAdmin}))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

type stubLimiter struct {
	allow bool
	err   error
	keys  []string
}

func (s *stubLimiter) Allow(_ context.Context, key string) (bool, error) {
	s.keys = append(s.keys, key)
	return s.allow, s.err
}

func TestRateLimit(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	t.Run("blocks over budget", func(t *testing.T) {
		limiter := &stubLimiter{allow: false}
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.RemoteAddr = "10.0.0.1:5555"

		RateLimit(limiter, ActorOrIP, discard)(ok).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, []string{"ip:10.0.0.1"}, limiter.keys)
	})

	t.Run("fails open", func(t *testing.T) {
		limiter := &stubLimiter{err: errors.New("redis down")}
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req = req.WithContext(WithActor(req.Context(), Actor{ID: "u9", Role: RoleUser}))

		RateLimit(limiter, ActorOrIP, discard)(ok).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, []string{"actor:u9"}, limiter.keys)
	})
}

type mapStore map[string][]byte

func (m mapStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := m[key]
	return v, ok, nil
}

func (m mapStore) Set(_ context.Context, key string, response []byte, _ time.Duration) error {
	m[key] = response
	return nil
}

func TestIdempotency_ReplaysSuccessfulResponse(t *testing.T) {
	store := mapStore{}
	calls := 0
	h := Idempotency(store, time.Minute, discard)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"data":{"id":"p1"}}`))
	}))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/pledges", nil)
		req.Header.Set("Idempotency-Key", "k1")
		req = req.WithContext(WithActor(req.Context(), Actor{ID: "u1", Role: RoleUser}))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	first := send()
	second := send()

	require.Equal(t, 1, calls)
	assert.Equal(t, http.StatusCreated, first.Code)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get("X-Idempotency-Replayed"))
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Contains(t, store, "u1:POST /pledges:k1")

	// The same key from another actor is a different request.
	req := httptest.NewRequest(http.MethodPost, "/pledges", nil)
	req.Header.Set(HeaderIdempotencyKey, "k1")
	req = req.WithContext(WithActor(req.Context(), Actor{ID: "u2", Role: RoleUser}))
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, 2, calls)
}

func TestIdempotency_RejectsKeyReuseWithDifferentBody(t *testing.T) {
	store := mapStore{}
	calls := 0
	h := Idempotency(store, time.Minute, discard)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"data":` + string(body) + `}`))
	}))

	send := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/projects/p1/pledges", strings.NewReader(body))
		req.Header.Set(HeaderIdempotencyKey, "k1")
		req = req.WithContext(WithActor(req.Context(), Actor{ID: "u1", Role: RoleUser}))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	first := send(`{"amount":100}`)
	require.Equal(t, http.StatusCreated, first.Code)
	assert.JSONEq(t, `{"data":{"amount":100}}`, first.Body.String(), "handler sees the original body")

	second := send(`{"amount":5000}`)
	assert.Equal(t, http.StatusConflict, second.Code)
	assert.Contains(t, second.Body.String(), errCodeKeyReused)

	third := send(`{"amount":100}`)
	assert.Equal(t, http.StatusCreated, third.Code)
	assert.Equal(t, "true", third.Header().Get("X-Idempotency-Replayed"))
	assert.Equal(t, 1, calls)
}

func TestIdempotency_SkipsFailures(t *testing.T) {
	store := mapStore{}
	calls := 0
	h := Idempotency(store, time.Minute, discard)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"code":"CONTENTION"}}`))
	}))

	for range 2 {
		req := httptest.NewRequest(http.MethodPost, "/pledges", nil)
		req.Header.Set(HeaderIdempotencyKey, "k1")
		h.ServeHTTP(httptest.NewRecorder(), req)
	}
	assert.Equal(t, 2, calls)
	assert.Empty(t, store)
}

func TestRecoverer(t *testing.T) {
	h := Recoverer(discard)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":{"code":"INTERNAL_ERROR","message":"internal error"}}`, rec.Body.String())
}

func TestCorrelationID(t *testing.T) {
	var seen string
	h := CorrelationID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetCorrelationID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Correlation-ID", "abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "abc", seen)
	assert.Equal(t, "abc", rec.Header().Get("X-Correlation-ID"))
}
