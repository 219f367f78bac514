package engine

import (
	"context"

	"github.com/sabowaryan/agent-karma/pkg/canonicalize"
	"github.com/sabowaryan/agent-karma/pkg/contracts"
	"github.com/sabowaryan/agent-karma/pkg/errorir"
	"github.com/sabowaryan/agent-karma/pkg/governance"
	"github.com/sabowaryan/agent-karma/pkg/karma"
	"github.com/sabowaryan/agent-karma/pkg/oracle"
	"github.com/sabowaryan/agent-karma/pkg/rating"
	"github.com/sabowaryan/agent-karma/pkg/store"
)

// RegisterAgent registers addr with the identity registry and creates its
// karma record.
func (e *Engine) RegisterAgent(ctx context.Context, blk contracts.Block, addr string, meta contracts.AgentMetadata) (contracts.Agent, error) {
	if addr == "" {
		return contracts.Agent{}, errorir.New(errorir.CodeInvalidParameter, "agent address is empty")
	}
	name, err := canonicalize.NormalizeText(meta.Name)
	if err != nil || name == "" {
		return contracts.Agent{}, errorir.New(errorir.CodeInvalidParameter, "agent name is empty or not valid UTF-8")
	}
	meta.Name = name

	var agent contracts.Agent
	err = e.mutate(ctx, "RegisterAgent", func(tx *store.Tx) error {
		if _, ok := tx.Agent(addr); ok || e.registry.IsRegistered(addr) {
			return errorir.New(errorir.CodeAgentAlreadyRegistered, "agent %s already registered", addr)
		}
		agent = e.karma.EnsureAgent(tx, addr, blk.Time)
		agent.Metadata = &meta
		tx.PutAgent(agent)
		if err := e.registry.Register(addr, meta, blk.Time); err != nil {
			return err
		}
		tx.OnRollback(func() { e.registry.Unregister(addr) })
		return nil
	})
	if err != nil {
		return contracts.Agent{}, err
	}
	e.logger.InfoContext(ctx, "agent registered", "agent", addr, "name", meta.Name, "height", blk.Height)
	return agent, nil
}

// RecordInteraction appends a verified interaction to the interaction log.
func (e *Engine) RecordInteraction(ctx context.Context, in contracts.Interaction) error {
	if in.Timestamp.IsZero() {
		return errorir.New(errorir.CodeInvalidParameter, "interaction timestamp is required")
	}
	if err := e.interactions.Record(in); err != nil {
		if _, ok := errorir.From(err); ok {
			return err
		}
		return errorir.Wrap(errorir.CodeInvalidParameter, err, "record interaction")
	}
	e.logger.InfoContext(ctx, "interaction recorded", "hash", in.Hash, "participants", len(in.Participants))
	return nil
}

// SubmitRating validates and applies a peer rating.
func (e *Engine) SubmitRating(ctx context.Context, blk contracts.Block, req rating.Request) (rating.Result, error) {
	var res rating.Result
	err := e.mutate(ctx, "SubmitRating", func(tx *store.Tx) error {
		var err error
		res, err = e.ratings.Submit(tx, blk, req)
		return err
	})
	return res, err
}

// Recalculate recomputes an agent's karma, for example after new oracle data.
func (e *Engine) Recalculate(ctx context.Context, blk contracts.Block, addr string) (karma.Outcome, error) {
	var out karma.Outcome
	err := e.mutate(ctx, "Recalculate", func(tx *store.Tx) error {
		var err error
		out, err = e.karma.Recalculate(tx, blk, addr)
		return err
	})
	return out, err
}

// SubmitOracleData verifies and records a signed oracle attestation.
func (e *Engine) SubmitOracleData(ctx context.Context, blk contracts.Block, sub oracle.Submission) (contracts.OracleData, error) {
	var data contracts.OracleData
	err := e.mutate(ctx, "SubmitOracleData", func(tx *store.Tx) error {
		var err error
		data, err = e.consensus.SubmitData(tx, blk, sub)
		return err
	})
	return data, err
}

func (e *Engine) AddProvider(ctx context.Context, blk contracts.Block, addr string) error {
	return e.mutate(ctx, "AddProvider", func(tx *store.Tx) error {
		return e.consensus.AddProvider(tx, blk, addr)
	})
}

func (e *Engine) RemoveProvider(ctx context.Context, blk contracts.Block, addr string) error {
	return e.mutate(ctx, "RemoveProvider", func(tx *store.Tx) error {
		return e.consensus.RemoveProvider(tx, blk, addr)
	})
}

// CreateDispute opens a staked appeal against a violation.
func (e *Engine) CreateDispute(ctx context.Context, blk contracts.Block, challenger, violationID string, stake uint64, evidence string) (contracts.DisputeCase, error) {
	var d contracts.DisputeCase
	err := e.mutate(ctx, "CreateDispute", func(tx *store.Tx) error {
		var err error
		if d, err = e.disputes.Create(tx, blk, challenger, violationID, stake, evidence); err != nil {
			return err
		}
		return e.screen(tx, blk, challenger)
	})
	return d, err
}

// ResolveDispute settles an open dispute. Callers must hold the admin role.
func (e *Engine) ResolveDispute(ctx context.Context, blk contracts.Block, caseID string, res contracts.Resolution) (contracts.DisputeCase, error) {
	var d contracts.DisputeCase
	err := e.mutate(ctx, "ResolveDispute", func(tx *store.Tx) error {
		var err error
		d, err = e.disputes.Resolve(tx, blk, caseID, res)
		return err
	})
	return d, err
}

func (e *Engine) CreateProposal(ctx context.Context, blk contracts.Block, req governance.CreateRequest) (contracts.Proposal, error) {
	var p contracts.Proposal
	err := e.mutate(ctx, "CreateProposal", func(tx *store.Tx) error {
		var err error
		if p, err = e.governance.Create(tx, blk, req); err != nil {
			return err
		}
		return e.screen(tx, blk, req.Proposer)
	})
	return p, err
}

func (e *Engine) Vote(ctx context.Context, blk contracts.Block, proposalID uint64, voter string, support bool) (contracts.Vote, error) {
	var v contracts.Vote
	err := e.mutate(ctx, "Vote", func(tx *store.Tx) error {
		var err error
		if v, err = e.governance.Vote(tx, blk, proposalID, voter, support); err != nil {
			return err
		}
		return e.screen(tx, blk, voter)
	})
	return v, err
}

func (e *Engine) FinalizeProposal(ctx context.Context, blk contracts.Block, proposalID uint64) (governance.FinalizeResult, error) {
	var res governance.FinalizeResult
	err := e.mutate(ctx, "FinalizeProposal", func(tx *store.Tx) error {
		var err error
		res, err = e.governance.Finalize(tx, blk, proposalID)
		return err
	})
	return res, err
}

func (e *Engine) ExecuteProposal(ctx context.Context, blk contracts.Block, proposalID uint64) (contracts.Proposal, error) {
	var p contracts.Proposal
	err := e.mutate(ctx, "ExecuteProposal", func(tx *store.Tx) error {
		var err error
		p, err = e.governance.Execute(tx, blk, proposalID)
		return err
	})
	return p, err
}

func (e *Engine) CancelProposal(ctx context.Context, blk contracts.Block, proposalID uint64, caller string) (contracts.Proposal, error) {
	var p contracts.Proposal
	err := e.mutate(ctx, "CancelProposal", func(tx *store.Tx) error {
		var err error
		p, err = e.governance.Cancel(tx, blk, proposalID, caller)
		return err
	})
	return p, err
}

// RunAbuseDetection runs every abuse check against addr as of blk and
// returns the violations it raised. Checks inside their cooldown are skipped.
func (e *Engine) RunAbuseDetection(ctx context.Context, blk contracts.Block, addr string) ([]contracts.ComplianceViolation, error) {
	var out []contracts.ComplianceViolation
	err := e.mutate(ctx, "RunAbuseDetection", func(tx *store.Tx) error {
		if !e.registry.IsRegistered(addr) {
			return errorir.New(errorir.CodeAgentNotRegistered, "agent %s is not registered", addr)
		}
		if _, ok := tx.Agent(addr); !ok {
			return nil
		}
		var err error
		out, err = e.abuse.Evaluate(tx, blk, addr)
		return err
	})
	return out, err
}

// screen runs the abuse checks after a non-rating action by addr. Agents
// without a karma record have nothing to penalize.
func (e *Engine) screen(tx *store.Tx, blk contracts.Block, addr string) error {
	if _, ok := tx.Agent(addr); !ok {
		return nil
	}
	_, err := e.abuse.Evaluate(tx, blk, addr)
	return err
}

// AdjustKarma applies an administrative reward (delta > 0) or penalty (delta < 0).
func (e *Engine) AdjustKarma(ctx context.Context, blk contracts.Block, addr string, delta int64, reason string) (uint64, error) {
	if delta == 0 {
		return 0, errorir.New(errorir.CodeInvalidParameter, "adjustment delta is zero")
	}
	if reason == "" {
		return 0, errorir.New(errorir.CodeInvalidParameter, "adjustment reason is required")
	}
	var applied uint64
	err := e.mutate(ctx, "AdjustKarma", func(tx *store.Tx) error {
		if !e.registry.IsRegistered(addr) {
			return errorir.New(errorir.CodeAgentNotRegistered, "agent %s is not registered", addr)
		}
		_, at, _ := e.registry.Metadata(addr)
		e.karma.EnsureAgent(tx, addr, at)
		var err error
		if delta > 0 {
			applied, err = e.karma.ApplyReward(tx, blk, addr, uint64(delta), reason)
		} else {
			applied, err = e.karma.ApplyPenalty(tx, blk, addr, uint64(-delta), reason)
		}
		return err
	})
	return applied, err
}
