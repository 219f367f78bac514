package auth_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sabowaryan/agent-karma/pkg/api"
	"github.com/sabowaryan/agent-karma/pkg/auth"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
}

func TestRateLimitMiddleware_OverLimit(t *testing.T) {
	store := api.NewMemoryLimiterStore()
	handler := auth.RateLimitMiddleware(store, api.Policy{RPS: 0.5, Burst: 1})(okHandler())

	req := httptest.NewRequest("GET", "/v1/leaderboard", nil)
	w1 := httptest.NewRecorder()
	handler.ServeHTTP(w1, req)
	if w1.Code != http.StatusOK {
		t.Errorf("first request: expected 200, got %d", w1.Code)
	}

	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, req)
	if w2.Code != http.StatusTooManyRequests {
		t.Errorf("second request: expected 429, got %d", w2.Code)
	}
	if ra := w2.Header().Get("Retry-After"); ra != "2" {
		t.Errorf("expected Retry-After 2, got %q", ra)
	}
}

func TestRateLimitMiddleware_KeysByPrincipal(t *testing.T) {
	store := api.NewMemoryLimiterStore()
	handler := auth.RateLimitMiddleware(store, api.Policy{RPS: 0.1, Burst: 1})(okHandler())

	for _, addr := range []string{"alice", "bob"} {
		req := httptest.NewRequest("POST", "/v1/ratings", nil)
		req = req.WithContext(auth.WithPrincipal(req.Context(), &auth.Principal{Address: addr}))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", addr, w.Code)
		}
	}
}

type brokenStore struct{}

func (brokenStore) Allow(context.Context, string, api.Policy, int) (bool, error) {
	return false, errors.New("redis down")
}

func TestRateLimitMiddleware_FailsOpen(t *testing.T) {
	for name, store := range map[string]api.LimiterStore{"nil store": nil, "store error": brokenStore{}} {
		t.Run(name, func(t *testing.T) {
			w := httptest.NewRecorder()
			auth.RateLimitMiddleware(store, api.Policy{RPS: 1, Burst: 1})(okHandler()).ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
			if w.Code != http.StatusOK {
				t.Errorf("expected 200, got %d", w.Code)
			}
		})
	}
}
