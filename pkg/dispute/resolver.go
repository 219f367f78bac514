// Package dispute handles staked appeals against compliance violations.
package dispute

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sabowaryan/agent-karma/pkg/canonicalize"
	"github.com/sabowaryan/agent-karma/pkg/contracts"
	"github.com/sabowaryan/agent-karma/pkg/errorir"
	"github.com/sabowaryan/agent-karma/pkg/identity"
	"github.com/sabowaryan/agent-karma/pkg/karma"
	"github.com/sabowaryan/agent-karma/pkg/ledger"
	"github.com/sabowaryan/agent-karma/pkg/store"
)

// Resolver opens and settles disputes.
type Resolver struct {
	identity identity.Oracle
	karma    *karma.Ledger
	logger   *slog.Logger
}

func NewResolver(id identity.Oracle, kl *karma.Ledger) *Resolver {
	return &Resolver{identity: id, karma: kl, logger: slog.Default().With("component", "dispute")}
}

// Create opens a dispute against violationID and escrows stake from the
// challenger's karma.
func (r *Resolver) Create(tx *store.Tx, blk contracts.Block, challenger, violationID string, stake uint64, evidence string) (contracts.DisputeCase, error) {
	if !r.identity.IsRegistered(challenger) {
		return contracts.DisputeCase{}, errorir.New(errorir.CodeAgentNotRegistered, "agent %s is not registered", challenger)
	}
	v, ok := tx.Violation(violationID)
	if !ok {
		return contracts.DisputeCase{}, errorir.New(errorir.CodeViolationNotFound, "violation %s not found", violationID)
	}
	if !v.Appealable() {
		if v.Resolution != nil {
			return contracts.DisputeCase{}, errorir.New(errorir.CodeViolationAlreadyResolved, "violation %s was resolved as %s", violationID, *v.Resolution)
		}
		return contracts.DisputeCase{}, errorir.New(errorir.CodeDisputeAlreadyOpen, "violation %s already has an open dispute", violationID)
	}
	if stake == 0 {
		return contracts.DisputeCase{}, errorir.New(errorir.CodeInvalidStake, "stake must be positive")
	}
	text, err := canonicalize.NormalizeText(evidence)
	if err != nil {
		return contracts.DisputeCase{}, errorir.Wrap(errorir.CodeInvalidParameter, err, "evidence")
	}

	if _, ok := tx.Agent(challenger); !ok {
		_, at, _ := r.identity.Metadata(challenger)
		r.karma.EnsureAgent(tx, challenger, at)
	}
	caseID := contracts.DeterministicID("dispute", violationID, challenger, blk.Height)
	if err := r.karma.Escrow(tx, blk, challenger, stake, fmt.Sprintf("dispute %s stake", caseID)); err != nil {
		return contracts.DisputeCase{}, err
	}

	d := contracts.DisputeCase{
		CaseID:      caseID,
		ViolationID: violationID,
		Challenger:  challenger,
		StakeAmount: stake,
		Evidence:    text,
		Status:      contracts.DisputeOpen,
		CreatedAt:   blk.Time,
	}
	tx.PutDispute(d)
	v.Disputed = true
	tx.PutViolation(v)
	tx.RecordAction(challenger, blk.Time)
	tx.Audit(ledger.Draft{
		EntryType:   ledger.EntryDisputeOpened,
		Author:      challenger,
		Timestamp:   blk.Time,
		BlockHeight: blk.Height,
		Data:        map[string]any{"case_id": caseID, "violation_id": violationID, "stake": stake},
	})
	r.logger.InfoContext(context.Background(), "dispute opened",
		"case_id", caseID, "violation_id", violationID, "challenger", challenger, "stake", stake)
	return d, nil
}

// Resolve settles an open dispute.
func (r *Resolver) Resolve(tx *store.Tx, blk contracts.Block, caseID string, res contracts.Resolution) (contracts.DisputeCase, error) {
	d, ok := tx.Dispute(caseID)
	if !ok {
		return contracts.DisputeCase{}, errorir.New(errorir.CodeDisputeNotFound, "dispute %s not found", caseID)
	}
	if d.Status != contracts.DisputeOpen {
		return contracts.DisputeCase{}, errorir.New(errorir.CodeDisputeNotOpen, "dispute %s is %s", caseID, d.Status)
	}
	if _, err := contracts.ParseResolution(string(res)); err != nil {
		return contracts.DisputeCase{}, errorir.Wrap(errorir.CodeInvalidParameter, err, "resolve dispute %s", caseID)
	}
	v, ok := tx.Violation(d.ViolationID)
	if !ok {
		return contracts.DisputeCase{}, errorir.New(errorir.CodeViolationNotFound, "violation %s not found", d.ViolationID)
	}

	params := tx.Params()
	var stakeBack, reversal uint64
	switch res {
	case contracts.ResolutionConfirmed:
	case contracts.ResolutionOverturned:
		stakeBack, reversal = d.StakeAmount, v.PenaltyApplied
	case contracts.ResolutionPartial:
		stakeBack = d.StakeAmount * uint64(params.PartialStakeReturnPct) / 100       //nolint:gosec // validated 0..100
		reversal = v.PenaltyApplied * uint64(params.PartialPenaltyReversalPct) / 100 //nolint:gosec // validated 0..100
	}

	if stakeBack > 0 {
		if err := r.karma.Release(tx, blk, d.Challenger, stakeBack, fmt.Sprintf("dispute %s stake returned", caseID)); err != nil {
			return contracts.DisputeCase{}, err
		}
	}
	if reversal > 0 {
		if _, err := r.karma.ApplyReward(tx, blk, v.Agent, reversal, fmt.Sprintf("violation %s penalty reversed", v.ID)); err != nil {
			return contracts.DisputeCase{}, err
		}
	}

	at := blk.Time
	d.Status = contracts.DisputeResolved
	d.Resolution = &res
	d.ResolvedAt = &at
	d.StakeReturned = stakeBack
	d.PenaltyReversed = reversal
	tx.PutDispute(d)

	v.Disputed = false
	v.Resolution = &res
	tx.PutViolation(v)

	tx.Audit(ledger.Draft{
		EntryType:   ledger.EntryDisputeResolved,
		Author:      "dispute",
		Timestamp:   blk.Time,
		BlockHeight: blk.Height,
		Data: map[string]any{
			"case_id":          caseID,
			"resolution":       string(res),
			"stake_returned":   stakeBack,
			"penalty_reversed": reversal,
		},
	})
	r.logger.InfoContext(context.Background(), "dispute resolved",
		"case_id", caseID, "resolution", res, "stake_returned", stakeBack, "penalty_reversed", reversal)
	return d, nil
}
