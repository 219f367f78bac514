package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sabowaryan/agent-karma/pkg/contracts"
	"github.com/sabowaryan/agent-karma/pkg/ledger"
)

var t0 = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func rating(rater, rated, hash string, score uint8, at time.Time) contracts.Rating {
	return contracts.Rating{
		ID:              contracts.DeterministicID("rating", rater, hash),
		Rater:           rater,
		Rated:           rated,
		Score:           score,
		InteractionHash: hash,
		Timestamp:       at,
	}
}

func TestRollbackRestoresEverything(t *testing.T) {
	s := NewState(contracts.DefaultParams())

	seed := s.Begin()
	seed.PutAgent(contracts.Agent{Address: "a", KarmaScore: 10})
	seed.Commit()

	tx := s.Begin()
	tx.PutAgent(contracts.Agent{Address: "a", KarmaScore: 99})
	tx.PutAgent(contracts.Agent{Address: "b"})
	tx.AddRating(rating("a", "b", "h1", 9, t0))
	tx.AddCalculation(contracts.KarmaCalculation{Agent: "a", Kind: contracts.KindPenalty, Delta: -5})
	tx.PutViolation(contracts.ComplianceViolation{ID: "v1", Agent: "a"})
	tx.PutDispute(contracts.DisputeCase{CaseID: "d1", ViolationID: "v1"})
	tx.SetProvider("oracle-1", true)
	id := tx.NextProposalID()
	tx.PutProposal(contracts.Proposal{ID: id, Status: contracts.ProposalActive})
	tx.PutVote(contracts.Vote{ProposalID: id, Voter: "a", VotingPower: 3})
	tx.RecordAction("a", t0)
	p := tx.Params()
	p.RatingFee = 7
	tx.SetParams(p)
	tx.Audit(ledger.Draft{EntryType: ledger.EntryKarmaDelta})
	tx.Rollback()

	check := s.Begin()
	a, ok := check.Agent("a")
	require.True(t, ok)
	assert.Equal(t, uint64(10), a.KarmaScore)
	_, ok = check.Agent("b")
	assert.False(t, ok)
	assert.False(t, check.HasRating(contracts.RatingKey{Rater: "a", InteractionHash: "h1"}))
	assert.Empty(t, check.RatingsFor("b"))
	assert.Empty(t, check.Calculations("a"))
	assert.Zero(t, check.Adjustments("a"))
	_, ok = check.Violation("v1")
	assert.False(t, ok)
	assert.Empty(t, check.Disputes())
	assert.False(t, check.IsProvider("oracle-1"))
	assert.Empty(t, check.Proposals())
	assert.Equal(t, uint64(1), check.NextProposalID(), "proposal counter rolled back")
	assert.Empty(t, check.ActionsSince("a", t0.Add(-time.Hour)))
	assert.Equal(t, int64(1), check.Params().RatingFee)
	assert.Zero(t, s.seq-1, "only the seed write consumed a sequence")
}

func TestSavepoint(t *testing.T) {
	s := NewState(contracts.DefaultParams())
	tx := s.Begin()
	tx.PutAgent(contracts.Agent{Address: "a", KarmaScore: 1})

	sp := tx.Savepoint()
	tx.PutAgent(contracts.Agent{Address: "a", KarmaScore: 50})
	p := tx.Params()
	p.QuorumRequired = 5
	tx.SetParams(p)
	tx.RollbackTo(sp)

	a, _ := tx.Agent("a")
	assert.Equal(t, uint64(1), a.KarmaScore)
	assert.Equal(t, int64(100), tx.Params().QuorumRequired)

	cs := tx.Commit()
	assert.Len(t, cs.Agents, 1)
	assert.Nil(t, cs.Params)
}

func TestRatingIndexes(t *testing.T) {
	s := NewState(contracts.DefaultParams())
	tx := s.Begin()
	tx.AddRating(rating("a", "b", "h1", 9, t0))
	tx.AddRating(rating("c", "b", "h2", 4, t0.Add(time.Minute)))
	tx.AddRating(rating("a", "c", "h3", 7, t0.Add(2*time.Minute)))
	tx.Commit()

	r := s.Begin()
	assert.Len(t, r.RatingsFor("b"), 2)
	assert.Len(t, r.RatingsBy("a"), 2)
	assert.Equal(t, "h3", r.RatingsBy("a")[1].InteractionHash)
	assert.True(t, r.HasRating(contracts.RatingKey{Rater: "c", InteractionHash: "h2"}))
}

func TestAdjustmentsAndLatestCalculation(t *testing.T) {
	s := NewState(contracts.DefaultParams())
	tx := s.Begin()
	tx.AddCalculation(contracts.KarmaCalculation{Agent: "a", Sequence: 1, Kind: contracts.KindRecalculation, CurrentScore: 9})
	tx.AddCalculation(contracts.KarmaCalculation{Agent: "a", Sequence: 2, Kind: contracts.KindFee, Delta: -1})
	tx.AddCalculation(contracts.KarmaCalculation{Agent: "a", Sequence: 3, Kind: contracts.KindReward, Delta: 4})

	assert.Equal(t, int64(3), tx.Adjustments("a"))
	last, ok := tx.LatestCalculation("a")
	require.True(t, ok)
	assert.Equal(t, contracts.KindReward, last.Kind)
}

func TestActionsSinceAndOracleLatest(t *testing.T) {
	s := NewState(contracts.DefaultParams())
	tx := s.Begin()
	for i := 0; i < 5; i++ {
		tx.RecordAction("a", t0.Add(time.Duration(i)*20*time.Minute))
	}
	assert.Len(t, tx.ActionsSince("a", t0.Add(40*time.Minute)), 3)

	tx.AddOracleData(contracts.OracleData{ID: "o1", DataType: contracts.DataPerformance, Verified: true})
	tx.AddOracleData(contracts.OracleData{ID: "o2", DataType: contracts.DataPerformance, Verified: false})
	latest, ok := tx.LatestVerified(contracts.DataPerformance)
	require.True(t, ok)
	assert.Equal(t, "o1", latest.ID)
	_, ok = tx.LatestVerified(contracts.DataSentiment)
	assert.False(t, ok)
	assert.Len(t, tx.OracleHistory(contracts.DataPerformance), 2)
}

func TestVotesOrder(t *testing.T) {
	s := NewState(contracts.DefaultParams())
	tx := s.Begin()
	tx.PutVote(contracts.Vote{ProposalID: 1, Voter: "z"})
	tx.PutVote(contracts.Vote{ProposalID: 1, Voter: "a"})
	tx.PutVote(contracts.Vote{ProposalID: 2, Voter: "m"})

	votes := tx.Votes(1)
	require.Len(t, votes, 2)
	assert.Equal(t, "z", votes[0].Voter)
	_, ok := tx.Vote(contracts.VoteKey{ProposalID: 2, Voter: "m"})
	assert.True(t, ok)
}
