package api_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sabowaryan/agent-karma/pkg/api"
	"github.com/sabowaryan/agent-karma/pkg/errorir"
)

func TestWriteError_ContentType(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteError(w, http.StatusBadRequest, "Bad Request", "field is missing")

	if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("expected Content-Type 'application/problem+json', got %q", ct)
	}
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}

	var problem api.ProblemDetail
	if err := json.NewDecoder(w.Body).Decode(&problem); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if problem.Status != 400 || problem.Title != "Bad Request" || problem.Detail != "field is missing" {
		t.Errorf("unexpected problem %+v", problem)
	}
}

func TestWriteEngineError_MapsCode(t *testing.T) {
	req := httptest.NewRequest("POST", "/v1/ratings", nil)
	w := httptest.NewRecorder()
	w.Header().Set("X-Request-ID", "req-123")

	err := fmt.Errorf("submit: %w", errorir.New(errorir.CodeDuplicateRating, "alice already rated interaction abc"))
	api.WriteEngineError(w, req, err)

	var problem api.ProblemDetail
	if err := json.NewDecoder(w.Body).Decode(&problem); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if w.Code != http.StatusConflict {
		t.Errorf("expected status 409, got %d", w.Code)
	}
	if problem.ErrorCode != string(errorir.CodeDuplicateRating) {
		t.Errorf("expected error code %s, got %q", errorir.CodeDuplicateRating, problem.ErrorCode)
	}
	if problem.Classification != string(errorir.ClassTerminal) {
		t.Errorf("expected terminal classification, got %q", problem.Classification)
	}
	if problem.Instance != "/v1/ratings" || problem.TraceID != "req-123" {
		t.Errorf("request context missing: %+v", problem)
	}
}

func TestWriteEngineError_ForeignErrorIsInternal(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteEngineError(w, httptest.NewRequest("GET", "/v1/agents/x", nil), errors.New("pq: connection refused to host=10.0.0.1"))

	var problem api.ProblemDetail
	if err := json.NewDecoder(w.Body).Decode(&problem); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", w.Code)
	}
	if problem.Detail == "pq: connection refused to host=10.0.0.1" {
		t.Error("internal error details leaked to client")
	}
}

func TestWriteTooManyRequests_RetryAfterHeader(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteTooManyRequests(w, 30)

	if ra := w.Header().Get("Retry-After"); ra != "30" {
		t.Errorf("expected Retry-After '30', got %q", ra)
	}
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", w.Code)
	}
}

func TestWriteUnauthorized_DefaultDetail(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteUnauthorized(w, "")

	var problem api.ProblemDetail
	if err := json.NewDecoder(w.Body).Decode(&problem); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if problem.Detail != "Authentication required" {
		t.Errorf("expected default detail, got %q", problem.Detail)
	}
}
