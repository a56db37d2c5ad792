package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"flowerfund/internal/common/api"
)

// HeaderIdempotencyKey names the client-chosen retry key.
const HeaderIdempotencyKey = "Idempotency-Key"

// IdempotencyStore caches responses by client-supplied key.
type IdempotencyStore interface {
	Get(ctx context.Context, key string) (response []byte, found bool, err error)
	Set(ctx context.Context, key string, response []byte, ttl time.Duration) error
}

// storedResponse is what the store holds for one key.
type storedResponse struct {
	Status      int             `json:"status"`
	Body        json.RawMessage `json:"body"`
	RequestHash string          `json:"request_hash"`
}

// Idempotency replays the first successful response to a POST carrying an
// Idempotency-Key. The key is scoped to the actor and the route, so two
// callers or two endpoints never share an entry. Reusing a key with a
// different body is rejected with 409.
//
// The key is recorded after the handler returns, so two identical requests
// racing each other can both run. Store failures also fall through to the
// handler. Only top-ups carry a key of their own in the ledger; other writes
// rely on this middleware alone.
func Idempotency(store IdempotencyStore, ttl time.Duration, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientKey := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
			if r.Method != http.MethodPost || clientKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			key := idempotencyScope(r) + ":" + clientKey

			body, err := io.ReadAll(r.Body)
			if err != nil {
				api.FailureBadRequest.Write(w, "reading request body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			requestHash := hashBody(body)

			if cached, found, err := store.Get(r.Context(), key); err != nil {
				logger.Warn("idempotency lookup failed", "key", key, "error", err)
			} else if found {
				var stored storedResponse
				if err := json.Unmarshal(cached, &stored); err == nil {
					if stored.RequestHash != requestHash {
						api.WriteError(w, http.StatusConflict, errCodeKeyReused,
							"idempotency key reused with a different request body")
						return
					}
					w.Header().Set("Content-Type", "application/json")
					w.Header().Set("X-Idempotency-Replayed", "true")
					w.WriteHeader(stored.Status)
					_, _ = w.Write(stored.Body)
					return
				}
				logger.Warn("discarding unreadable idempotency entry", "key", key)
			}

			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			if rec.status < 200 || rec.status >= 300 || !json.Valid(rec.body) {
				return
			}

			entry, err := json.Marshal(storedResponse{
				Status:      rec.status,
				Body:        rec.body,
				RequestHash: requestHash,
			})
			if err == nil {
				err = store.Set(r.Context(), key, entry, ttl)
			}
			if err != nil {
				logger.Warn("idempotency store failed", "key", key, "error", err)
			}
		})
	}
}

func hashBody(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func idempotencyScope(r *http.Request) string {
	actor := "anonymous"
	if a, ok := GetActor(r.Context()); ok {
		actor = a.ID
	}
	return actor + ":" + r.Method + " " + r.URL.Path
}

// responseRecorder tees the body so it can be stored after the handler ran.
type responseRecorder struct {
	http.ResponseWriter
	status int
	body   []byte
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body = append(r.body, b...)
	return r.ResponseWriter.Write(b)
}
