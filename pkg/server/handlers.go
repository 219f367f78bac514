package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/sabowaryan/agent-karma/pkg/api"
	"github.com/sabowaryan/agent-karma/pkg/auth"
	"github.com/sabowaryan/agent-karma/pkg/contracts"
	"github.com/sabowaryan/agent-karma/pkg/errorir"
	"github.com/sabowaryan/agent-karma/pkg/governance"
	"github.com/sabowaryan/agent-karma/pkg/oracle"
	"github.com/sabowaryan/agent-karma/pkg/rating"
)

type registerRequest struct {
	Address   string `json:"address"`
	Name      string `json:"name"`
	Framework string `json:"framework,omitempty"`
	IPFSHash  string `json:"ipfs_hash,omitempty"`
}

// handleRegisterAgent registers the caller. Admins may register any address.
func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	var req registerRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Address == "" {
		req.Address = p.Address
	}
	if req.Address != p.Address && !p.HasRole(auth.RoleAdmin) {
		s.fail(w, r, errorir.New(errorir.CodeUnauthorized, "%s may not register %s", p.Address, req.Address))
		return
	}
	meta := contracts.AgentMetadata{Name: req.Name, Framework: req.Framework, IPFSHash: req.IPFSHash}
	agent, err := s.engine.RegisterAgent(r.Context(), s.blocks.Next(), req.Address, meta)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, agent)
}

func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.engine.Agent(r.PathValue("addr"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, agent)
}

func (s *Server) handleKarma(w http.ResponseWriter, r *http.Request) {
	addr := r.PathValue("addr")
	k, err := s.engine.Karma(addr)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"address": addr, "karma": k})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, s.engine.History(r.PathValue("addr")))
}

// handleRatings lists ratings received, or given with ?direction=given.
func (s *Server) handleRatings(w http.ResponseWriter, r *http.Request) {
	addr := r.PathValue("addr")
	if r.URL.Query().Get("direction") == "given" {
		api.WriteJSON(w, http.StatusOK, s.engine.RatingsBy(addr))
		return
	}
	api.WriteJSON(w, http.StatusOK, s.engine.Ratings(addr))
}

func (s *Server) handleViolations(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, s.engine.Violations(r.PathValue("addr")))
}

func (s *Server) handleViolation(w http.ResponseWriter, r *http.Request) {
	v, err := s.engine.Violation(r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, v)
}

func (s *Server) handleVotingPower(w http.ResponseWriter, r *http.Request) {
	addr := r.PathValue("addr")
	vp, err := s.engine.VotingPower(addr)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"address": addr, "voting_power": vp})
}

func (s *Server) handleRecalculate(w http.ResponseWriter, r *http.Request) {
	if _, ok := caller(w, r); !ok {
		return
	}
	out, err := s.engine.Recalculate(r.Context(), s.blocks.Next(), r.PathValue("addr"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp := map[string]any{"calculation": out.Calculation, "retained": out.Retained}
	if out.Fault != nil {
		resp["fault"] = out.Fault.Error()
	}
	api.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAbuseCheck(w http.ResponseWriter, r *http.Request) {
	if _, ok := caller(w, r); !ok {
		return
	}
	raised, err := s.engine.RunAbuseDetection(r.Context(), s.blocks.Next(), r.PathValue("addr"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if raised == nil {
		raised = []contracts.ComplianceViolation{}
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"violations": raised})
}

type adjustRequest struct {
	Delta  int64  `json:"delta"`
	Reason string `json:"reason"`
}

func (s *Server) handleAdjust(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if !decode(w, r, &req) {
		return
	}
	applied, err := s.engine.AdjustKarma(r.Context(), s.blocks.Next(), r.PathValue("addr"), req.Delta, req.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"applied": applied})
}

// handleRecordInteraction records an interaction the caller took part in.
func (s *Server) handleRecordInteraction(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	var in contracts.Interaction
	if !decode(w, r, &in) {
		return
	}
	if !in.Involves(p.Address) && !p.HasRole(auth.RoleAdmin) {
		s.fail(w, r, errorir.New(errorir.CodeNotParticipant, "%s is not a participant", p.Address))
		return
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = s.blocks.Next().Time
	}
	if err := s.engine.RecordInteraction(r.Context(), in); err != nil {
		s.fail(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, in)
}

type ratingRequest struct {
	Rated           string `json:"rated"`
	Score           int    `json:"score"`
	InteractionHash string `json:"interaction_hash"`
	Feedback        string `json:"feedback,omitempty"`
}

func (s *Server) handleSubmitRating(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	var req ratingRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.engine.SubmitRating(r.Context(), s.blocks.Next(), rating.Request{
		Rater:           p.Address,
		Rated:           req.Rated,
		Score:           req.Score,
		InteractionHash: req.InteractionHash,
		Feedback:        req.Feedback,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, res)
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			api.WriteBadRequest(w, fmt.Sprintf("invalid limit %q", v))
			return
		}
		limit = n
	}
	api.WriteJSON(w, http.StatusOK, s.engine.Leaderboard(limit))
}

type oracleRequest struct {
	DataType   string            `json:"data_type"`
	Payload    json.RawMessage   `json:"payload"`
	ObservedAt time.Time         `json:"observed_at"`
	Signatures map[string]string `json:"signatures"`
}

// handleSubmitOracleData accepts an attestation from the calling provider.
func (s *Server) handleSubmitOracleData(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	var req oracleRequest
	if !decode(w, r, &req) {
		return
	}
	data, err := s.engine.SubmitOracleData(r.Context(), s.blocks.Next(), oracle.Submission{
		Provider:   p.Address,
		DataType:   req.DataType,
		Payload:    req.Payload,
		ObservedAt: req.ObservedAt,
		Signatures: req.Signatures,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, data)
}

func dataType(w http.ResponseWriter, r *http.Request) (contracts.DataType, bool) {
	dt, err := contracts.ParseDataType(r.PathValue("type"))
	if err != nil {
		api.WriteBadRequest(w, err.Error())
		return "", false
	}
	return dt, true
}

func (s *Server) handleOracleLatest(w http.ResponseWriter, r *http.Request) {
	dt, ok := dataType(w, r)
	if !ok {
		return
	}
	data, found := s.engine.OracleLatest(dt)
	if !found {
		api.WriteNotFound(w, fmt.Sprintf("no verified %s data", dt))
		return
	}
	api.WriteJSON(w, http.StatusOK, data)
}

func (s *Server) handleOracleHistory(w http.ResponseWriter, r *http.Request) {
	dt, ok := dataType(w, r)
	if !ok {
		return
	}
	api.WriteJSON(w, http.StatusOK, s.engine.OracleHistory(dt))
}

func (s *Server) handleProviders(w http.ResponseWriter, _ *http.Request) {
	api.WriteJSON(w, http.StatusOK, s.engine.Providers())
}

func (s *Server) handleValidators(w http.ResponseWriter, _ *http.Request) {
	api.WriteJSON(w, http.StatusOK, s.engine.Validators())
}

type providerRequest struct {
	Address string `json:"address"`
}

func (s *Server) handleAddProvider(w http.ResponseWriter, r *http.Request) {
	var req providerRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.engine.AddProvider(r.Context(), s.blocks.Next(), req.Address); err != nil {
		s.fail(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, s.engine.Providers())
}

func (s *Server) handleRemoveProvider(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.RemoveProvider(r.Context(), s.blocks.Next(), r.PathValue("addr")); err != nil {
		s.fail(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, s.engine.Providers())
}

type disputeRequest struct {
	ViolationID string `json:"violation_id"`
	Stake       uint64 `json:"stake"`
	Evidence    string `json:"evidence"`
}

func (s *Server) handleCreateDispute(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	var req disputeRequest
	if !decode(w, r, &req) {
		return
	}
	d, err := s.engine.CreateDispute(r.Context(), s.blocks.Next(), p.Address, req.ViolationID, req.Stake, req.Evidence)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, d)
}

func (s *Server) handleDisputes(w http.ResponseWriter, _ *http.Request) {
	api.WriteJSON(w, http.StatusOK, s.engine.Disputes())
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request) {
	d, err := s.engine.Dispute(r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, d)
}

type resolveRequest struct {
	Resolution string `json:"resolution"`
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := contracts.ParseResolution(req.Resolution)
	if err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}
	d, err := s.engine.ResolveDispute(r.Context(), s.blocks.Next(), r.PathValue("id"), res)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, d)
}

type proposalRequest struct {
	Title               string                    `json:"title"`
	Description         string                    `json:"description"`
	Payload             contracts.ProposalPayload `json:"payload"`
	VotingPeriodSeconds int64                     `json:"voting_period_seconds,omitempty"`
}

func (s *Server) handleCreateProposal(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	var req proposalRequest
	if !decode(w, r, &req) {
		return
	}
	prop, err := s.engine.CreateProposal(r.Context(), s.blocks.Next(), governance.CreateRequest{
		Proposer:     p.Address,
		Title:        req.Title,
		Description:  req.Description,
		Payload:      req.Payload,
		VotingPeriod: time.Duration(req.VotingPeriodSeconds) * time.Second,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, prop)
}

func (s *Server) handleProposals(w http.ResponseWriter, _ *http.Request) {
	api.WriteJSON(w, http.StatusOK, s.engine.Proposals())
}

func (s *Server) handleProposal(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	p, err := s.engine.Proposal(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, p)
}

func (s *Server) handleVotes(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	api.WriteJSON(w, http.StatusOK, s.engine.Votes(id))
}

type voteRequest struct {
	Support bool `json:"support"`
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req voteRequest
	if !decode(w, r, &req) {
		return
	}
	v, err := s.engine.Vote(r.Context(), s.blocks.Next(), id, p.Address, req.Support)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, v)
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	if _, ok := caller(w, r); !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	res, err := s.engine.FinalizeProposal(r.Context(), s.blocks.Next(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if _, ok := caller(w, r); !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	p, err := s.engine.ExecuteProposal(r.Context(), s.blocks.Next(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, p)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	p, ok := caller(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	prop, err := s.engine.CancelProposal(r.Context(), s.blocks.Next(), id, p.Address)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, prop)
}

func (s *Server) handleParams(w http.ResponseWriter, _ *http.Request) {
	api.WriteJSON(w, http.StatusOK, s.engine.Params().AsMap())
}

// handleAudit pages audit entries after ?after=<seq>.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	var after uint64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			api.WriteBadRequest(w, fmt.Sprintf("invalid after %q", v))
			return
		}
		after = n
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"head": s.engine.AuditHead(), "entries": s.engine.AuditEntries(after)})
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, _ *http.Request) {
	ok, reason := s.engine.VerifyAudit()
	api.WriteJSON(w, http.StatusOK, map[string]any{"valid": ok, "reason": reason, "head": s.engine.AuditHead()})
}
