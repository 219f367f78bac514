// Package governance runs karma-weighted proposals: creation, square-root
// voting, quorum finalization and payload execution.
package governance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"time"

	"github.com/sabowaryan/agent-karma/pkg/canonicalize"
	"github.com/sabowaryan/agent-karma/pkg/contracts"
	"github.com/sabowaryan/agent-karma/pkg/errorir"
	"github.com/sabowaryan/agent-karma/pkg/identity"
	"github.com/sabowaryan/agent-karma/pkg/karma"
	"github.com/sabowaryan/agent-karma/pkg/ledger"
	"github.com/sabowaryan/agent-karma/pkg/store"
)

// Text limits, in bytes after normalization.
const (
	MaxTitleBytes       = 256
	MaxDescriptionBytes = 8192
)

// CreateRequest describes a new proposal. A zero VotingPeriod selects the
// default period.
type CreateRequest struct {
	Proposer     string                    `json:"proposer"`
	Title        string                    `json:"title"`
	Description  string                    `json:"description"`
	Payload      contracts.ProposalPayload `json:"payload"`
	VotingPeriod time.Duration             `json:"voting_period"`
}

// FinalizeResult reports a finalization and any execution attempt it made.
type FinalizeResult struct {
	Proposal         contracts.Proposal `json:"proposal"`
	PenaltyApplied   uint64             `json:"penalty_applied,omitempty"`
	ExecutionAttempt bool               `json:"execution_attempted"`
}

// Engine owns the proposal lifecycle.
type Engine struct {
	identity identity.Oracle
	karma    *karma.Ledger
	guard    *Guard
	logger   *slog.Logger
}

func NewEngine(id identity.Oracle, kl *karma.Ledger) (*Engine, error) {
	g, err := NewGuard()
	if err != nil {
		return nil, err
	}
	return &Engine{identity: id, karma: kl, guard: g, logger: slog.Default().With("component", "governance")}, nil
}

// VotingPower is floor(sqrt(karma)).
func VotingPower(karmaScore uint64) uint64 {
	return new(big.Int).Sqrt(new(big.Int).SetUint64(karmaScore)).Uint64()
}

// ClampVotingPeriod maps 0 to def and bounds everything else to [1 day, 30 days].
func ClampVotingPeriod(d, def time.Duration) time.Duration {
	if d == 0 {
		d = def
	}
	return max(contracts.MinVotingPeriod, min(d, contracts.MaxVotingPeriod))
}

func score(tx *store.Tx, addr string) uint64 {
	a, _ := tx.Agent(addr)
	return a.KarmaScore
}

// Create opens a proposal.
func (e *Engine) Create(tx *store.Tx, blk contracts.Block, req CreateRequest) (contracts.Proposal, error) {
	if !e.identity.IsRegistered(req.Proposer) {
		return contracts.Proposal{}, errorir.New(errorir.CodeAgentNotRegistered, "agent %s is not registered", req.Proposer)
	}
	params := tx.Params()
	if s := score(tx, req.Proposer); s < uint64(params.MinKarmaForProposal) { //nolint:gosec // validated non-negative
		return contracts.Proposal{}, errorir.New(errorir.CodeInsufficientKarma, "proposer %s holds %d karma, %d required",
			req.Proposer, s, params.MinKarmaForProposal)
	}
	title, err := requiredText("title", req.Title, MaxTitleBytes)
	if err != nil {
		return contracts.Proposal{}, err
	}
	desc, err := requiredText("description", req.Description, MaxDescriptionBytes)
	if err != nil {
		return contracts.Proposal{}, err
	}
	if err := e.validatePayload(params, req.Payload); err != nil {
		return contracts.Proposal{}, err
	}

	p := contracts.Proposal{
		ID:             tx.NextProposalID(),
		Title:          title,
		Description:    desc,
		Proposer:       req.Proposer,
		Payload:        req.Payload,
		CreatedAt:      blk.Time,
		VotingDeadline: blk.Time.Add(ClampVotingPeriod(req.VotingPeriod, params.DefaultVotingPeriod())),
		QuorumRequired: uint64(params.QuorumRequired), //nolint:gosec // validated non-negative
		Status:         contracts.ProposalActive,
	}
	tx.PutProposal(p)
	tx.RecordAction(req.Proposer, blk.Time)
	tx.Audit(ledger.Draft{
		EntryType:   ledger.EntryProposalCreated,
		Author:      req.Proposer,
		Timestamp:   blk.Time,
		BlockHeight: blk.Height,
		Data: map[string]any{
			"id":       p.ID,
			"title":    p.Title,
			"deadline": p.VotingDeadline.UTC().Format(time.RFC3339Nano),
			"quorum":   p.QuorumRequired,
			"signal":   p.Payload.Empty(),
		},
	})
	e.logger.InfoContext(context.Background(), "proposal created",
		"id", p.ID, "proposer", p.Proposer, "deadline", p.VotingDeadline, "quorum", p.QuorumRequired)
	return p, nil
}

func requiredText(field, s string, limit int) (string, error) {
	out, err := canonicalize.NormalizeText(s)
	if err != nil {
		return "", errorir.Wrap(errorir.CodeInvalidProposal, err, "%s", field)
	}
	if out == "" {
		return "", errorir.New(errorir.CodeInvalidProposal, "%s is empty", field)
	}
	if len(out) > limit {
		return "", errorir.New(errorir.CodeInvalidProposal, "%s is %d bytes, limit %d", field, len(out), limit)
	}
	return out, nil
}

func (e *Engine) validatePayload(params contracts.Params, pl contracts.ProposalPayload) error {
	next := params
	for _, name := range sortedKeys(pl.Parameters) {
		if err := next.Set(name, pl.Parameters[name]); err != nil {
			return errorir.Wrap(errorir.CodeInvalidProposal, err, "parameter change")
		}
	}
	if err := next.Validate(); err != nil {
		return errorir.Wrap(errorir.CodeInvalidProposal, err, "parameter change")
	}
	for i, adj := range pl.Adjustments {
		if adj.Delta == 0 {
			return errorir.New(errorir.CodeInvalidProposal, "adjustment %d has zero delta", i)
		}
		if !e.identity.IsRegistered(adj.Agent) {
			return errorir.New(errorir.CodeInvalidProposal, "adjustment %d targets unregistered agent %q", i, adj.Agent)
		}
	}
	if pl.Guard != "" {
		if err := e.guard.Check(pl.Guard); err != nil {
			return errorir.Wrap(errorir.CodeInvalidProposal, err, "guard")
		}
	}
	return nil
}

// Vote casts voter's karma-weighted vote.
func (e *Engine) Vote(tx *store.Tx, blk contracts.Block, proposalID uint64, voter string, support bool) (contracts.Vote, error) {
	if !e.identity.IsRegistered(voter) {
		return contracts.Vote{}, errorir.New(errorir.CodeAgentNotRegistered, "agent %s is not registered", voter)
	}
	p, err := e.proposal(tx, proposalID)
	if err != nil {
		return contracts.Vote{}, err
	}
	if p.Status != contracts.ProposalActive || !blk.Time.Before(p.VotingDeadline) {
		return contracts.Vote{}, errorir.New(errorir.CodeVotingClosed, "voting on proposal %d is closed", proposalID)
	}
	if _, ok := tx.Vote(contracts.VoteKey{ProposalID: proposalID, Voter: voter}); ok {
		return contracts.Vote{}, errorir.New(errorir.CodeAlreadyVoted, "%s already voted on proposal %d", voter, proposalID)
	}
	s := score(tx, voter)
	if minimum := tx.Params().MinKarmaForVoting; s < uint64(minimum) { //nolint:gosec // validated non-negative
		return contracts.Vote{}, errorir.New(errorir.CodeInsufficientKarma, "voter %s holds %d karma, %d required", voter, s, minimum)
	}

	v := contracts.Vote{
		ProposalID:  proposalID,
		Voter:       voter,
		Support:     support,
		VotingPower: VotingPower(s),
		Timestamp:   blk.Time,
	}
	tx.PutVote(v)
	if support {
		p.VotesFor += v.VotingPower
	} else {
		p.VotesAgainst += v.VotingPower
	}
	tx.PutProposal(p)
	tx.RecordAction(voter, blk.Time)
	e.logger.InfoContext(context.Background(), "vote cast",
		"proposal", proposalID, "voter", voter, "support", support, "power", v.VotingPower)
	return v, nil
}

// Finalize closes voting on an expired proposal and applies the outcome.
func (e *Engine) Finalize(tx *store.Tx, blk contracts.Block, proposalID uint64) (FinalizeResult, error) {
	p, err := e.proposal(tx, proposalID)
	if err != nil {
		return FinalizeResult{}, err
	}
	if p.Status != contracts.ProposalActive {
		return FinalizeResult{}, errorir.New(errorir.CodeProposalNotActive, "proposal %d is %s", proposalID, p.Status)
	}
	if blk.Time.Before(p.VotingDeadline) {
		return FinalizeResult{}, errorir.New(errorir.CodeVotingStillOpen, "proposal %d accepts votes until %s",
			proposalID, p.VotingDeadline.Format(time.RFC3339))
	}

	outcome := p.Outcome()
	if err := p.Status.Transition(outcome); err != nil {
		return FinalizeResult{}, errorir.Wrap(errorir.CodeProposalNotActive, err, "finalize proposal %d", proposalID)
	}
	at := blk.Time
	p.Status = outcome
	p.FinalizedAt = &at

	res := FinalizeResult{}
	if outcome == contracts.ProposalFailed {
		penalty := uint64(tx.Params().FailedProposalPenalty) //nolint:gosec // validated non-negative
		res.PenaltyApplied, err = e.karma.ApplyPenalty(tx, blk, p.Proposer, penalty, fmt.Sprintf("proposal %d failed", p.ID))
		if err != nil {
			return FinalizeResult{}, err
		}
	}
	tx.PutProposal(p)
	e.auditFinalized(tx, blk, p, false)
	e.logger.InfoContext(context.Background(), "proposal finalized",
		"id", p.ID, "status", p.Status, "for", p.VotesFor, "against", p.VotesAgainst, "quorum", p.QuorumRequired)

	if outcome == contracts.ProposalPassed && e.delayElapsed(tx, blk, p) {
		res.ExecutionAttempt = true
		p, err = e.attempt(tx, blk, p)
		if err != nil {
			return FinalizeResult{}, err
		}
	}
	res.Proposal = p
	return res, nil
}

// Execute attempts a passed proposal whose execution delay has elapsed.
// A payload failure is recorded on the proposal, not returned.
func (e *Engine) Execute(tx *store.Tx, blk contracts.Block, proposalID uint64) (contracts.Proposal, error) {
	p, err := e.proposal(tx, proposalID)
	if err != nil {
		return contracts.Proposal{}, err
	}
	if p.Status != contracts.ProposalPassed {
		return contracts.Proposal{}, errorir.New(errorir.CodeProposalNotPassed, "proposal %d is %s", proposalID, p.Status)
	}
	if !e.delayElapsed(tx, blk, p) {
		return contracts.Proposal{}, errorir.New(errorir.CodeExecutionDelayPending, "proposal %d executes after %s",
			proposalID, e.executableAt(tx, p).Format(time.RFC3339))
	}
	return e.attempt(tx, blk, p)
}

// Cancel withdraws an active proposal nobody has voted on. Only the proposer
// may cancel and no penalty is charged.
func (e *Engine) Cancel(tx *store.Tx, blk contracts.Block, proposalID uint64, caller string) (contracts.Proposal, error) {
	p, err := e.proposal(tx, proposalID)
	if err != nil {
		return contracts.Proposal{}, err
	}
	if caller != p.Proposer {
		return contracts.Proposal{}, errorir.New(errorir.CodeUnauthorized, "only %s may cancel proposal %d", p.Proposer, proposalID)
	}
	if p.Status != contracts.ProposalActive {
		return contracts.Proposal{}, errorir.New(errorir.CodeProposalNotActive, "proposal %d is %s", proposalID, p.Status)
	}
	if len(tx.Votes(proposalID)) > 0 {
		return contracts.Proposal{}, errorir.New(errorir.CodeInvalidProposal, "proposal %d already has votes", proposalID)
	}
	at := blk.Time
	p.Status = contracts.ProposalFailed
	p.FinalizedAt = &at
	tx.PutProposal(p)
	e.auditFinalized(tx, blk, p, true)
	e.logger.InfoContext(context.Background(), "proposal cancelled", "id", p.ID, "proposer", caller)
	return p, nil
}

// VotingPowerOf returns what addr's vote would weigh now.
func (e *Engine) VotingPowerOf(tx *store.Tx, addr string) (uint64, error) {
	a, ok := tx.Agent(addr)
	if !ok {
		if !e.identity.IsRegistered(addr) {
			return 0, errorir.New(errorir.CodeAgentNotRegistered, "agent %s is not registered", addr)
		}
		return 0, nil
	}
	return VotingPower(a.KarmaScore), nil
}

func (e *Engine) proposal(tx *store.Tx, id uint64) (contracts.Proposal, error) {
	p, ok := tx.Proposal(id)
	if !ok {
		return contracts.Proposal{}, errorir.New(errorir.CodeProposalNotFound, "proposal %d not found", id)
	}
	return p, nil
}

func (e *Engine) executableAt(tx *store.Tx, p contracts.Proposal) time.Time {
	return p.VotingDeadline.Add(tx.Params().ExecutionDelay())
}

func (e *Engine) delayElapsed(tx *store.Tx, blk contracts.Block, p contracts.Proposal) bool {
	return !blk.Time.Before(e.executableAt(tx, p))
}

// attempt applies the payload inside a savepoint. On failure every payload
// write is undone and the proposal stays Passed with ExecutionError set.
func (e *Engine) attempt(tx *store.Tx, blk contracts.Block, p contracts.Proposal) (contracts.Proposal, error) {
	sp := tx.Savepoint()
	applyErr := e.apply(tx, blk, p)
	if applyErr != nil {
		var fatal *errorir.Error
		if errors.As(applyErr, &fatal) && fatal.Code == errorir.CodePersistenceFailed {
			return contracts.Proposal{}, applyErr
		}
		tx.RollbackTo(sp)
		p.ExecutionError = applyErr.Error()
		tx.PutProposal(p)
		e.logger.WarnContext(context.Background(), "proposal execution failed", "id", p.ID, "error", applyErr)
		return p, nil
	}

	if err := p.Status.Transition(contracts.ProposalExecuted); err != nil {
		return contracts.Proposal{}, errorir.Wrap(errorir.CodeProposalNotPassed, err, "execute proposal %d", p.ID)
	}
	at := blk.Time
	p.Status = contracts.ProposalExecuted
	p.ExecutedAt = &at
	p.ExecutionError = ""
	tx.PutProposal(p)
	tx.Audit(ledger.Draft{
		EntryType:   ledger.EntryProposalExecuted,
		Author:      "governance",
		Timestamp:   blk.Time,
		BlockHeight: blk.Height,
		Data: map[string]any{
			"id":          p.ID,
			"parameters":  len(p.Payload.Parameters),
			"adjustments": len(p.Payload.Adjustments),
		},
	})
	e.logger.InfoContext(context.Background(), "proposal executed", "id", p.ID)
	return p, nil
}

func (e *Engine) apply(tx *store.Tx, blk contracts.Block, p contracts.Proposal) error {
	pl := p.Payload
	if pl.Guard != "" {
		ok, err := e.guard.Eval(pl.Guard, tx.Params(), p)
		if err != nil {
			return fmt.Errorf("guard: %w", err)
		}
		if !ok {
			return errors.New("guard evaluated to false")
		}
	}

	if len(pl.Parameters) > 0 {
		next := tx.Params()
		changed := make(map[string]any, len(pl.Parameters))
		for _, name := range sortedKeys(pl.Parameters) {
			if err := next.Set(name, pl.Parameters[name]); err != nil {
				return err
			}
			changed[name] = pl.Parameters[name]
		}
		if err := next.Validate(); err != nil {
			return err
		}
		tx.SetParams(next)
		tx.Audit(ledger.Draft{
			EntryType:   ledger.EntryParamsChanged,
			Author:      "governance",
			Timestamp:   blk.Time,
			BlockHeight: blk.Height,
			Data:        map[string]any{"proposal": p.ID, "changes": changed},
		})
	}

	for _, adj := range pl.Adjustments {
		if _, ok := tx.Agent(adj.Agent); !ok {
			return fmt.Errorf("agent %s has no karma record", adj.Agent)
		}
		reason := fmt.Sprintf("proposal %d: %s", p.ID, adj.Reason)
		var err error
		if adj.Delta > 0 {
			_, err = e.karma.ApplyReward(tx, blk, adj.Agent, uint64(adj.Delta), reason)
		} else {
			_, err = e.karma.ApplyPenalty(tx, blk, adj.Agent, uint64(-adj.Delta), reason)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) auditFinalized(tx *store.Tx, blk contracts.Block, p contracts.Proposal, cancelled bool) {
	tx.Audit(ledger.Draft{
		EntryType:   ledger.EntryProposalFinalized,
		Author:      "governance",
		Timestamp:   blk.Time,
		BlockHeight: blk.Height,
		Data: map[string]any{
			"id":            p.ID,
			"status":        string(p.Status),
			"votes_for":     p.VotesFor,
			"votes_against": p.VotesAgainst,
			"quorum":        p.QuorumRequired,
			"cancelled":     cancelled,
		},
	})
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
