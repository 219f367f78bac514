package engine

import (
	"github.com/sabowaryan/agent-karma/pkg/contracts"
	"github.com/sabowaryan/agent-karma/pkg/errorir"
	"github.com/sabowaryan/agent-karma/pkg/karma"
	"github.com/sabowaryan/agent-karma/pkg/ledger"
	"github.com/sabowaryan/agent-karma/pkg/store"
)

// Agent returns the karma record of addr.
func (e *Engine) Agent(addr string) (contracts.Agent, error) {
	var (
		a  contracts.Agent
		ok bool
	)
	e.read(func(tx *store.Tx) { a, ok = tx.Agent(addr) })
	if !ok {
		return contracts.Agent{}, errorir.New(errorir.CodeAgentNotRegistered, "agent %s has no karma record", addr)
	}
	return a, nil
}

// Karma returns addr's current score. Registered agents without a record score zero.
func (e *Engine) Karma(addr string) (uint64, error) {
	a, err := e.Agent(addr)
	if err == nil {
		return a.KarmaScore, nil
	}
	if e.registry.IsRegistered(addr) {
		return 0, nil
	}
	return 0, err
}

// History returns every karma calculation of addr, oldest first.
func (e *Engine) History(addr string) []contracts.KarmaCalculation {
	var out []contracts.KarmaCalculation
	e.read(func(tx *store.Tx) { out = tx.Calculations(addr) })
	return out
}

// Ratings returns the ratings addr received.
func (e *Engine) Ratings(addr string) []contracts.Rating {
	var out []contracts.Rating
	e.read(func(tx *store.Tx) { out = tx.RatingsFor(addr) })
	return out
}

// RatingsBy returns the ratings addr gave.
func (e *Engine) RatingsBy(addr string) []contracts.Rating {
	var out []contracts.Rating
	e.read(func(tx *store.Tx) { out = tx.RatingsBy(addr) })
	return out
}

func (e *Engine) Leaderboard(limit int) karma.Leaderboard {
	var lb karma.Leaderboard
	e.read(func(tx *store.Tx) { lb = karma.Rank(tx.Agents(), limit) })
	return lb
}

func (e *Engine) Violations(addr string) []contracts.ComplianceViolation {
	var out []contracts.ComplianceViolation
	e.read(func(tx *store.Tx) { out = tx.ViolationsFor(addr) })
	return out
}

func (e *Engine) Violation(id string) (contracts.ComplianceViolation, error) {
	var (
		v  contracts.ComplianceViolation
		ok bool
	)
	e.read(func(tx *store.Tx) { v, ok = tx.Violation(id) })
	if !ok {
		return v, errorir.New(errorir.CodeViolationNotFound, "violation %s not found", id)
	}
	return v, nil
}

func (e *Engine) Dispute(caseID string) (contracts.DisputeCase, error) {
	var (
		d  contracts.DisputeCase
		ok bool
	)
	e.read(func(tx *store.Tx) { d, ok = tx.Dispute(caseID) })
	if !ok {
		return d, errorir.New(errorir.CodeDisputeNotFound, "dispute %s not found", caseID)
	}
	return d, nil
}

func (e *Engine) Disputes() []contracts.DisputeCase {
	var out []contracts.DisputeCase
	e.read(func(tx *store.Tx) { out = tx.Disputes() })
	return out
}

func (e *Engine) Proposal(id uint64) (contracts.Proposal, error) {
	var (
		p  contracts.Proposal
		ok bool
	)
	e.read(func(tx *store.Tx) { p, ok = tx.Proposal(id) })
	if !ok {
		return p, errorir.New(errorir.CodeProposalNotFound, "proposal %d not found", id)
	}
	return p, nil
}

func (e *Engine) Proposals() []contracts.Proposal {
	var out []contracts.Proposal
	e.read(func(tx *store.Tx) { out = tx.Proposals() })
	return out
}

func (e *Engine) Votes(proposalID uint64) []contracts.Vote {
	var out []contracts.Vote
	e.read(func(tx *store.Tx) { out = tx.Votes(proposalID) })
	return out
}

// VotingPower returns floor(sqrt(karma)) of addr.
func (e *Engine) VotingPower(addr string) (uint64, error) {
	var (
		vp  uint64
		err error
	)
	e.read(func(tx *store.Tx) { vp, err = e.governance.VotingPowerOf(tx, addr) })
	return vp, err
}

// OracleLatest returns the newest verified entry of dt.
func (e *Engine) OracleLatest(dt contracts.DataType) (contracts.OracleData, bool) {
	var (
		d  contracts.OracleData
		ok bool
	)
	e.read(func(tx *store.Tx) { d, ok = tx.LatestVerified(dt) })
	return d, ok
}

func (e *Engine) OracleHistory(dt contracts.DataType) []contracts.OracleData {
	var out []contracts.OracleData
	e.read(func(tx *store.Tx) { out = tx.OracleHistory(dt) })
	return out
}

func (e *Engine) Providers() []string {
	var out []string
	e.read(func(tx *store.Tx) { out = tx.Providers() })
	return out
}

// Validators returns the validator public keys, hex encoded.
func (e *Engine) Validators() map[string]string {
	return e.consensus.Validators().PublicKeys()
}

func (e *Engine) Params() contracts.Params {
	var p contracts.Params
	e.read(func(tx *store.Tx) { p = tx.Params() })
	return p
}

func (e *Engine) AuditHead() string { return e.audit.Head() }

// VerifyAudit recomputes the audit chain. On failure the reason names the first broken entry.
func (e *Engine) VerifyAudit() (bool, string) { return e.audit.Verify() }

// AuditEntries returns the audit entries after seq.
func (e *Engine) AuditEntries(after uint64) []ledger.Entry { return e.audit.Since(after) }

// LastHeight is the block height of the newest audit entry, or zero.
func (e *Engine) LastHeight() uint64 {
	n := e.audit.Length()
	if n == 0 {
		return 0
	}
	entry, err := e.audit.Get(uint64(n))
	if err != nil {
		return 0
	}
	return entry.BlockHeight
}
