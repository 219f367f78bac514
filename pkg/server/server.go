// Package server exposes the karma engine over HTTP.
//
// Reads are public. Mutations need a bearer token whose subject is the
// acting agent; dispute resolution, provider management and karma
// adjustments additionally need the admin role.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/sabowaryan/agent-karma/pkg/api"
	"github.com/sabowaryan/agent-karma/pkg/auth"
	"github.com/sabowaryan/agent-karma/pkg/engine"
)

const maxBodyBytes = 1 << 20

// Options configure the HTTP surface.
type Options struct {
	Validator   *auth.JWTValidator
	Limiter     api.LimiterStore
	Policy      api.Policy
	CORSOrigins []string
	Blocks      BlockSource
	Version     string
}

// Server routes HTTP requests to an engine.
type Server struct {
	engine  *engine.Engine
	blocks  BlockSource
	version string
	logger  *slog.Logger
	handler http.Handler
}

// New builds the router and middleware chain.
func New(e *engine.Engine, opts Options) *Server {
	if opts.Blocks == nil {
		opts.Blocks = NewWallClock(e.LastHeight())
	}
	s := &Server{
		engine:  e,
		blocks:  opts.Blocks,
		version: opts.Version,
		logger:  slog.Default().With("component", "server"),
	}

	mux := http.NewServeMux()
	s.routes(mux)

	var h http.Handler = mux
	h = auth.RateLimitMiddleware(opts.Limiter, opts.Policy)(h)
	h = auth.NewMiddleware(opts.Validator)(h)
	h = auth.CORSMiddleware(opts.CORSOrigins)(h)
	h = auth.RequestIDMiddleware(h)
	s.handler = h
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) routes(mux *http.ServeMux) {
	admin := func(h http.HandlerFunc) http.Handler { return auth.RequireRole(auth.RoleAdmin, h) }

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /version", s.handleVersion)

	mux.HandleFunc("POST /v1/agents", s.handleRegisterAgent)
	mux.HandleFunc("GET /v1/agents/{addr}", s.handleAgent)
	mux.HandleFunc("GET /v1/agents/{addr}/karma", s.handleKarma)
	mux.HandleFunc("GET /v1/agents/{addr}/history", s.handleHistory)
	mux.HandleFunc("GET /v1/agents/{addr}/ratings", s.handleRatings)
	mux.HandleFunc("GET /v1/agents/{addr}/violations", s.handleViolations)
	mux.HandleFunc("GET /v1/agents/{addr}/voting-power", s.handleVotingPower)
	mux.HandleFunc("POST /v1/agents/{addr}/recalculate", s.handleRecalculate)
	mux.HandleFunc("POST /v1/agents/{addr}/abuse-check", s.handleAbuseCheck)
	mux.Handle("POST /v1/agents/{addr}/adjust", admin(s.handleAdjust))

	mux.HandleFunc("POST /v1/interactions", s.handleRecordInteraction)
	mux.HandleFunc("POST /v1/ratings", s.handleSubmitRating)
	mux.HandleFunc("GET /v1/leaderboard", s.handleLeaderboard)
	mux.HandleFunc("GET /v1/violations/{id}", s.handleViolation)

	mux.HandleFunc("POST /v1/oracle/data", s.handleSubmitOracleData)
	mux.HandleFunc("GET /v1/oracle/{type}/latest", s.handleOracleLatest)
	mux.HandleFunc("GET /v1/oracle/{type}/history", s.handleOracleHistory)
	mux.HandleFunc("GET /v1/oracle/providers", s.handleProviders)
	mux.Handle("POST /v1/oracle/providers", admin(s.handleAddProvider))
	mux.Handle("DELETE /v1/oracle/providers/{addr}", admin(s.handleRemoveProvider))
	mux.HandleFunc("GET /v1/oracle/validators", s.handleValidators)

	mux.HandleFunc("POST /v1/disputes", s.handleCreateDispute)
	mux.HandleFunc("GET /v1/disputes", s.handleDisputes)
	mux.HandleFunc("GET /v1/disputes/{id}", s.handleDispute)
	mux.Handle("POST /v1/disputes/{id}/resolve", admin(s.handleResolveDispute))

	mux.HandleFunc("POST /v1/proposals", s.handleCreateProposal)
	mux.HandleFunc("GET /v1/proposals", s.handleProposals)
	mux.HandleFunc("GET /v1/proposals/{id}", s.handleProposal)
	mux.HandleFunc("GET /v1/proposals/{id}/votes", s.handleVotes)
	mux.HandleFunc("POST /v1/proposals/{id}/votes", s.handleVote)
	mux.HandleFunc("POST /v1/proposals/{id}/finalize", s.handleFinalize)
	mux.HandleFunc("POST /v1/proposals/{id}/execute", s.handleExecute)
	mux.HandleFunc("POST /v1/proposals/{id}/cancel", s.handleCancel)

	mux.HandleFunc("GET /v1/params", s.handleParams)
	mux.HandleFunc("GET /v1/audit", s.handleAudit)
	mux.HandleFunc("GET /v1/audit/verify", s.handleAuditVerify)
}

// decode reads a JSON body into v, rejecting unknown fields.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			api.WriteError(w, http.StatusRequestEntityTooLarge, "Request Entity Too Large", "body exceeds 1 MiB")
		case errors.Is(err, io.EOF):
			api.WriteBadRequest(w, "request body is empty")
		default:
			api.WriteBadRequest(w, fmt.Sprintf("invalid JSON body: %v", err))
		}
		return false
	}
	return true
}

// caller returns the authenticated agent address.
func caller(w http.ResponseWriter, r *http.Request) (*auth.Principal, bool) {
	p, err := auth.GetPrincipal(r.Context())
	if err != nil {
		api.WriteUnauthorized(w, "")
		return nil, false
	}
	return p, true
}

func pathID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		api.WriteBadRequest(w, fmt.Sprintf("invalid proposal id %q", r.PathValue("id")))
		return 0, false
	}
	return id, true
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.DebugContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	api.WriteEngineError(w, r, err)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	api.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok", "audit_head": s.engine.AuditHead()})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	api.WriteJSON(w, http.StatusOK, map[string]string{"version": s.version})
}
