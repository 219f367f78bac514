package contracts

import (
	"fmt"
	"time"
)

// ProposalStatus is the lifecycle state of a proposal.
type ProposalStatus string

const (
	ProposalActive   ProposalStatus = "active"
	ProposalPassed   ProposalStatus = "passed"
	ProposalFailed   ProposalStatus = "failed"
	ProposalExecuted ProposalStatus = "executed"
)

// Transition validates a status change. The only edges are
// active→passed, active→failed and passed→executed.
func (s ProposalStatus) Transition(to ProposalStatus) error {
	ok := false
	switch s {
	case ProposalActive:
		ok = to == ProposalPassed || to == ProposalFailed
	case ProposalPassed:
		ok = to == ProposalExecuted
	case ProposalFailed, ProposalExecuted:
		ok = false
	}
	if !ok {
		return fmt.Errorf("invalid proposal transition %s -> %s", s, to)
	}
	return nil
}

// KarmaAdjustment is an administrative karma change carried by a proposal.
type KarmaAdjustment struct {
	Agent  string `json:"agent"`
	Delta  int64  `json:"delta"`
	Reason string `json:"reason"`
}

// ProposalPayload is the executable content of a proposal.
type ProposalPayload struct {
	Parameters  map[string]int64  `json:"parameters,omitempty"`
	Adjustments []KarmaAdjustment `json:"adjustments,omitempty"`
	// Guard is an optional CEL expression that must hold at execution time.
	Guard string `json:"guard,omitempty"`
}

// Empty reports whether executing the payload would change nothing.
func (p ProposalPayload) Empty() bool {
	return len(p.Parameters) == 0 && len(p.Adjustments) == 0
}

// Proposal is a karma-weighted governance proposal.
type Proposal struct {
	ID             uint64          `json:"id"`
	Title          string          `json:"title"`
	Description    string          `json:"description"`
	Proposer       string          `json:"proposer"`
	Payload        ProposalPayload `json:"payload"`
	CreatedAt      time.Time       `json:"created_at"`
	VotingDeadline time.Time       `json:"voting_deadline"`
	VotesFor       uint64          `json:"votes_for"`
	VotesAgainst   uint64          `json:"votes_against"`
	QuorumRequired uint64          `json:"quorum_required"`
	Status         ProposalStatus  `json:"status"`
	FinalizedAt    *time.Time      `json:"finalized_at,omitempty"`
	ExecutedAt     *time.Time      `json:"executed_at,omitempty"`
	ExecutionError string          `json:"execution_error,omitempty"`
}

// Outcome applies the passing rule: quorum reached and strictly more power for than against.
func (p Proposal) Outcome() ProposalStatus {
	if p.VotesFor+p.VotesAgainst >= p.QuorumRequired && p.VotesFor > p.VotesAgainst {
		return ProposalPassed
	}
	return ProposalFailed
}

// Vote is one agent's karma-weighted vote.
type Vote struct {
	ProposalID  uint64    `json:"proposal_id"`
	Voter       string    `json:"voter"`
	Support     bool      `json:"support"`
	VotingPower uint64    `json:"voting_power"`
	Timestamp   time.Time `json:"timestamp"`
}

// VoteKey identifies the at-most-one vote per proposal and voter.
type VoteKey struct {
	ProposalID uint64
	Voter      string
}
