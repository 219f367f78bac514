package governance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sabowaryan/agent-karma/pkg/contracts"
	"github.com/sabowaryan/agent-karma/pkg/errorir"
	"github.com/sabowaryan/agent-karma/pkg/identity"
	"github.com/sabowaryan/agent-karma/pkg/karma"
	"github.com/sabowaryan/agent-karma/pkg/ledger"
	"github.com/sabowaryan/agent-karma/pkg/store"
)

var t0 = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	tx  *store.Tx
	gov *Engine
	kl  *karma.Ledger
	blk contracts.Block
}

// newFixture registers every agent in scores; erin is registered without a karma record.
func newFixture(t *testing.T, scores map[string]uint64) *fixture {
	t.Helper()
	reg := identity.NewRegistry()
	tx := store.NewState(contracts.DefaultParams()).Begin()
	for addr, s := range scores {
		require.NoError(t, reg.Register(addr, contracts.AgentMetadata{Name: addr}, t0))
		tx.PutAgent(contracts.Agent{Address: addr, KarmaScore: s, RegisteredAt: t0})
	}
	require.NoError(t, reg.Register("erin", contracts.AgentMetadata{Name: "erin"}, t0))
	kl := karma.NewLedger(nil)
	gov, err := NewEngine(reg, kl)
	require.NoError(t, err)
	return &fixture{tx: tx, gov: gov, kl: kl, blk: contracts.Block{Height: 1, Time: t0}}
}

func (f *fixture) at(d time.Duration) contracts.Block {
	return contracts.Block{Height: f.blk.Height + uint64(d/time.Hour), Time: f.blk.Time.Add(d)}
}

func (f *fixture) setParam(t *testing.T, name string, v int64) {
	t.Helper()
	p := f.tx.Params()
	require.NoError(t, p.Set(name, v))
	f.tx.SetParams(p)
}

func (f *fixture) create(t *testing.T, payload contracts.ProposalPayload) contracts.Proposal {
	t.Helper()
	p, err := f.gov.Create(f.tx, f.blk, CreateRequest{
		Proposer:    "alice",
		Title:       "Tune parameters",
		Description: "Adjust the protocol.",
		Payload:     payload,
	})
	require.NoError(t, err)
	return p
}

func TestVotingPower(t *testing.T) {
	cases := map[uint64]uint64{0: 0, 1: 1, 3: 1, 4: 2, 50: 7, 150: 12, 360000: 600, 1002001: 1001}
	for k, want := range cases {
		assert.Equal(t, want, VotingPower(k), "karma %d", k)
	}
}

func TestClampVotingPeriod(t *testing.T) {
	def := 7 * 24 * time.Hour
	assert.Equal(t, def, ClampVotingPeriod(0, def))
	assert.Equal(t, contracts.MinVotingPeriod, ClampVotingPeriod(time.Hour, def))
	assert.Equal(t, contracts.MaxVotingPeriod, ClampVotingPeriod(60*24*time.Hour, def))
	assert.Equal(t, 3*24*time.Hour, ClampVotingPeriod(3*24*time.Hour, def))
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t, map[string]uint64{"alice": 100, "bob": 99})

	_, err := f.gov.Create(f.tx, f.blk, CreateRequest{Proposer: "bob", Title: "t", Description: "d"})
	assert.ErrorIs(t, err, errorir.ErrInsufficientKarma)

	_, err = f.gov.Create(f.tx, f.blk, CreateRequest{Proposer: "mallory", Title: "t", Description: "d"})
	assert.ErrorIs(t, err, errorir.ErrAgentNotRegistered)

	bad := []CreateRequest{
		{Proposer: "alice", Title: "   ", Description: "d"},
		{Proposer: "alice", Title: "t", Description: ""},
		{Proposer: "alice", Title: "t", Description: "d", Payload: contracts.ProposalPayload{Parameters: map[string]int64{"no_such": 1}}},
		{Proposer: "alice", Title: "t", Description: "d", Payload: contracts.ProposalPayload{Parameters: map[string]int64{"partial_stake_return_pct": 101}}},
		{Proposer: "alice", Title: "t", Description: "d", Payload: contracts.ProposalPayload{Adjustments: []contracts.KarmaAdjustment{{Agent: "bob"}}}},
		{Proposer: "alice", Title: "t", Description: "d", Payload: contracts.ProposalPayload{Adjustments: []contracts.KarmaAdjustment{{Agent: "ghost", Delta: 5}}}},
		{Proposer: "alice", Title: "t", Description: "d", Payload: contracts.ProposalPayload{Guard: "1 + 1"}},
		{Proposer: "alice", Title: "t", Description: "d", Payload: contracts.ProposalPayload{Guard: "params.("}},
	}
	for i, req := range bad {
		_, err := f.gov.Create(f.tx, f.blk, req)
		assert.ErrorIs(t, err, errorir.ErrInvalidProposal, "case %d", i)
	}

	p := f.create(t, contracts.ProposalPayload{})
	assert.Equal(t, uint64(1), p.ID)
	assert.Equal(t, t0.Add(7*24*time.Hour), p.VotingDeadline)
	assert.Equal(t, uint64(100), p.QuorumRequired)
	assert.Equal(t, contracts.ProposalActive, p.Status)
}

func TestVoteRules(t *testing.T) {
	f := newFixture(t, map[string]uint64{"alice": 100, "bob": 150, "carol": 49})
	p := f.create(t, contracts.ProposalPayload{})

	v, err := f.gov.Vote(f.tx, f.at(time.Hour), p.ID, "bob", true)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), v.VotingPower)

	_, err = f.gov.Vote(f.tx, f.at(time.Hour), p.ID, "bob", false)
	assert.ErrorIs(t, err, errorir.ErrAlreadyVoted)

	_, err = f.gov.Vote(f.tx, f.at(time.Hour), p.ID, "carol", true)
	assert.ErrorIs(t, err, errorir.ErrInsufficientKarma)

	_, err = f.gov.Vote(f.tx, f.at(7*24*time.Hour), p.ID, "alice", false)
	assert.ErrorIs(t, err, errorir.ErrVotingClosed, "deadline is exclusive")

	_, err = f.gov.Vote(f.tx, f.at(time.Hour), 99, "alice", true)
	assert.ErrorIs(t, err, errorir.ErrProposalNotFound)

	got, _ := f.tx.Proposal(p.ID)
	assert.Equal(t, uint64(12), got.VotesFor)
	assert.Zero(t, got.VotesAgainst)
}

func TestQuorumBoundary(t *testing.T) {
	f := newFixture(t, map[string]uint64{"alice": 100, "whale": 360000, "titan": 1002001})
	f.setParam(t, "quorum_required", 1000)

	short := f.create(t, contracts.ProposalPayload{})
	_, err := f.gov.Vote(f.tx, f.at(time.Hour), short.ID, "whale", true)
	require.NoError(t, err)

	enough := f.create(t, contracts.ProposalPayload{})
	_, err = f.gov.Vote(f.tx, f.at(time.Hour), enough.ID, "titan", true)
	require.NoError(t, err)

	_, err = f.gov.Finalize(f.tx, f.at(time.Hour), short.ID)
	require.ErrorIs(t, err, errorir.ErrVotingStillOpen)

	end := f.at(7 * 24 * time.Hour)
	res, err := f.gov.Finalize(f.tx, end, short.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ProposalFailed, res.Proposal.Status)
	assert.Equal(t, uint64(10), res.PenaltyApplied)

	res, err = f.gov.Finalize(f.tx, end, enough.ID)
	require.NoError(t, err)
	assert.True(t, res.ExecutionAttempt)
	assert.Equal(t, contracts.ProposalExecuted, res.Proposal.Status)

	alice, _ := f.tx.Agent("alice")
	assert.Equal(t, uint64(90), alice.KarmaScore, "only the failed proposal is penalized")

	_, err = f.gov.Finalize(f.tx, end, short.ID)
	assert.ErrorIs(t, err, errorir.ErrProposalNotActive)
}

func TestTieFails(t *testing.T) {
	f := newFixture(t, map[string]uint64{"alice": 100, "bob": 10000, "carol": 10000})
	p := f.create(t, contracts.ProposalPayload{})
	_, err := f.gov.Vote(f.tx, f.at(time.Hour), p.ID, "bob", true)
	require.NoError(t, err)
	_, err = f.gov.Vote(f.tx, f.at(time.Hour), p.ID, "carol", false)
	require.NoError(t, err)

	res, err := f.gov.Finalize(f.tx, f.at(7*24*time.Hour), p.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ProposalFailed, res.Proposal.Status)
}

func TestExecutionAppliesPayload(t *testing.T) {
	f := newFixture(t, map[string]uint64{"alice": 100, "bob": 10000, "carol": 40})
	p := f.create(t, contracts.ProposalPayload{
		Parameters: map[string]int64{"min_karma_for_voting": 60, "rating_fee": 2},
		Adjustments: []contracts.KarmaAdjustment{
			{Agent: "carol", Delta: 15, Reason: "bounty"},
			{Agent: "alice", Delta: -5, Reason: "fine"},
		},
		Guard: `proposal.votes_for >= proposal.quorum && params.rating_fee == 1`,
	})
	_, err := f.gov.Vote(f.tx, f.at(time.Hour), p.ID, "bob", true)
	require.NoError(t, err)

	res, err := f.gov.Finalize(f.tx, f.at(7*24*time.Hour), p.ID)
	require.NoError(t, err)
	require.Equal(t, contracts.ProposalExecuted, res.Proposal.Status)
	assert.Empty(t, res.Proposal.ExecutionError)

	assert.Equal(t, int64(60), f.tx.Params().MinKarmaForVoting)
	assert.Equal(t, int64(2), f.tx.Params().RatingFee)
	carol, _ := f.tx.Agent("carol")
	assert.Equal(t, uint64(55), carol.KarmaScore)
	alice, _ := f.tx.Agent("alice")
	assert.Equal(t, uint64(95), alice.KarmaScore)
}

func TestFailedExecutionLeavesNoPartialChange(t *testing.T) {
	f := newFixture(t, map[string]uint64{"alice": 100, "bob": 10000})
	p := f.create(t, contracts.ProposalPayload{
		Parameters:  map[string]int64{"rating_fee": 5},
		Adjustments: []contracts.KarmaAdjustment{{Agent: "bob", Delta: 7}, {Agent: "erin", Delta: 3}},
	})
	_, err := f.gov.Vote(f.tx, f.at(time.Hour), p.ID, "bob", true)
	require.NoError(t, err)

	res, err := f.gov.Finalize(f.tx, f.at(7*24*time.Hour), p.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ProposalPassed, res.Proposal.Status)
	assert.Contains(t, res.Proposal.ExecutionError, "erin")

	assert.Equal(t, int64(1), f.tx.Params().RatingFee)
	bob, _ := f.tx.Agent("bob")
	assert.Equal(t, uint64(10000), bob.KarmaScore)

	stored, _ := f.tx.Proposal(p.ID)
	assert.Equal(t, contracts.ProposalPassed, stored.Status)
	assert.NotEmpty(t, stored.ExecutionError)
}

func TestGuardBlocksExecution(t *testing.T) {
	f := newFixture(t, map[string]uint64{"alice": 100, "bob": 10000})
	p := f.create(t, contracts.ProposalPayload{
		Parameters: map[string]int64{"rating_fee": 3},
		Guard:      `proposal.votes_against > 0`,
	})
	_, err := f.gov.Vote(f.tx, f.at(time.Hour), p.ID, "bob", true)
	require.NoError(t, err)

	res, err := f.gov.Finalize(f.tx, f.at(7*24*time.Hour), p.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ProposalPassed, res.Proposal.Status)
	assert.Equal(t, "guard evaluated to false", res.Proposal.ExecutionError)
	assert.Equal(t, int64(1), f.tx.Params().RatingFee)
}

func TestExecutionDelay(t *testing.T) {
	f := newFixture(t, map[string]uint64{"alice": 100, "bob": 10000})
	f.setParam(t, "execution_delay_seconds", 3600)
	p := f.create(t, contracts.ProposalPayload{Parameters: map[string]int64{"rating_fee": 4}})

	_, err := f.gov.Execute(f.tx, f.at(time.Hour), p.ID)
	assert.ErrorIs(t, err, errorir.ErrProposalNotPassed)

	_, err = f.gov.Vote(f.tx, f.at(time.Hour), p.ID, "bob", true)
	require.NoError(t, err)

	deadline := 7 * 24 * time.Hour
	res, err := f.gov.Finalize(f.tx, f.at(deadline), p.ID)
	require.NoError(t, err)
	assert.False(t, res.ExecutionAttempt)
	assert.Equal(t, contracts.ProposalPassed, res.Proposal.Status)

	_, err = f.gov.Execute(f.tx, f.at(deadline+30*time.Minute), p.ID)
	require.ErrorIs(t, err, errorir.ErrExecutionDelayPending)
	assert.True(t, errorir.IsRetryable(err))

	done, err := f.gov.Execute(f.tx, f.at(deadline+time.Hour), p.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ProposalExecuted, done.Status)
	assert.Equal(t, int64(4), f.tx.Params().RatingFee)
}

func TestCancel(t *testing.T) {
	f := newFixture(t, map[string]uint64{"alice": 100, "bob": 10000})
	p := f.create(t, contracts.ProposalPayload{})

	_, err := f.gov.Cancel(f.tx, f.at(time.Hour), p.ID, "bob")
	assert.ErrorIs(t, err, errorir.ErrUnauthorized)

	got, err := f.gov.Cancel(f.tx, f.at(time.Hour), p.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, contracts.ProposalFailed, got.Status)
	alice, _ := f.tx.Agent("alice")
	assert.Equal(t, uint64(100), alice.KarmaScore, "cancellation is not penalized")

	voted := f.create(t, contracts.ProposalPayload{})
	_, err = f.gov.Vote(f.tx, f.at(time.Hour), voted.ID, "bob", false)
	require.NoError(t, err)
	_, err = f.gov.Cancel(f.tx, f.at(time.Hour), voted.ID, "alice")
	assert.ErrorIs(t, err, errorir.ErrInvalidProposal)
}

func TestCreateMarksSignalProposals(t *testing.T) {
	f := newFixture(t, map[string]uint64{"alice": 100})
	f.create(t, contracts.ProposalPayload{})
	f.create(t, contracts.ProposalPayload{Parameters: map[string]int64{"rating_fee": 2}})

	var signals []any
	for _, d := range f.tx.Changes().Audit {
		if d.EntryType == ledger.EntryProposalCreated {
			signals = append(signals, d.Data["signal"])
		}
	}
	assert.Equal(t, []any{true, false}, signals)
}
