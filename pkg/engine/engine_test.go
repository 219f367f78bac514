package engine

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sabowaryan/agent-karma/pkg/contracts"
	"github.com/sabowaryan/agent-karma/pkg/errorir"
	"github.com/sabowaryan/agent-karma/pkg/events"
	"github.com/sabowaryan/agent-karma/pkg/governance"
	"github.com/sabowaryan/agent-karma/pkg/identity"
	"github.com/sabowaryan/agent-karma/pkg/ledger"
	"github.com/sabowaryan/agent-karma/pkg/oracle"
	"github.com/sabowaryan/agent-karma/pkg/rating"
	"github.com/sabowaryan/agent-karma/pkg/store"
)

const hashAB = "abababababababababababababababab"

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func validatorKeys(t *testing.T) (*oracle.ValidatorSet, map[string]ed25519.PrivateKey) {
	t.Helper()
	keys, err := oracle.DeriveValidatorKeys([]byte("test-validator-seed-0001"))
	require.NoError(t, err)
	vs, err := oracle.PublicSet(keys)
	require.NoError(t, err)
	return vs, keys
}

func newEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	if opts.Validators == nil {
		opts.Validators, _ = validatorKeys(t)
	}
	e, err := New(context.Background(), contracts.Block{Height: 1, Time: t0}, opts)
	require.NoError(t, err)
	return e
}

// seed registers alice and bob and records one interaction between them.
func seed(t *testing.T, e *Engine) {
	t.Helper()
	ctx := context.Background()
	for i, addr := range []string{"alice", "bob"} {
		_, err := e.RegisterAgent(ctx, contracts.Block{Height: uint64(2 + i), Time: t0}, addr, contracts.AgentMetadata{Name: addr, Framework: "eliza"})
		require.NoError(t, err)
	}
	require.NoError(t, e.RecordInteraction(ctx, contracts.Interaction{Hash: hashAB, Participants: []string{"alice", "bob"}, Timestamp: t0}))
}

func rateBob(score int) rating.Request {
	return rating.Request{Rater: "alice", Rated: "bob", Score: score, InteractionHash: hashAB, Feedback: "helpful"}
}

func TestEndToEndRating(t *testing.T) {
	rec := &events.Recorder{}
	e := newEngine(t, Options{Events: rec})
	seed(t, e)

	blk := contracts.Block{Height: 10, Time: t0.Add(time.Hour)}
	res, err := e.SubmitRating(context.Background(), blk, rateBob(9))
	require.NoError(t, err)
	assert.Equal(t, uint64(9), res.Calculation.CurrentScore)

	k, err := e.Karma("bob")
	require.NoError(t, err)
	assert.Equal(t, uint64(9), k)
	assert.Len(t, e.Ratings("bob"), 1)
	assert.Len(t, e.RatingsBy("alice"), 1)
	assert.NotEmpty(t, e.History("bob"))

	lb := e.Leaderboard(0)
	require.NotEmpty(t, lb.Entries)
	assert.Equal(t, "bob", lb.Entries[0].Address)

	assert.Contains(t, rec.Types(), events.RatingAccepted)
	assert.Contains(t, rec.Types(), events.KarmaUpdated)

	ok, reason := e.VerifyAudit()
	assert.True(t, ok, reason)
	assert.NotEqual(t, ledger.Genesis, e.AuditHead())
}

func TestDuplicateRatingLeavesStateUnchanged(t *testing.T) {
	e := newEngine(t, Options{})
	seed(t, e)
	ctx := context.Background()
	blk := contracts.Block{Height: 10, Time: t0.Add(time.Hour)}

	_, err := e.SubmitRating(ctx, blk, rateBob(9))
	require.NoError(t, err)
	head := e.AuditHead()
	entries := len(e.AuditEntries(0))

	_, err = e.SubmitRating(ctx, contracts.Block{Height: 11, Time: blk.Time.Add(time.Minute)}, rateBob(2))
	require.ErrorIs(t, err, errorir.ErrDuplicateRating)

	k, err := e.Karma("bob")
	require.NoError(t, err)
	assert.Equal(t, uint64(9), k)
	assert.Equal(t, head, e.AuditHead())
	assert.Len(t, e.AuditEntries(0), entries)
}

func TestRegisterAgentValidation(t *testing.T) {
	e := newEngine(t, Options{})
	seed(t, e)
	ctx := context.Background()

	_, err := e.RegisterAgent(ctx, contracts.Block{Height: 5, Time: t0}, "alice", contracts.AgentMetadata{Name: "again"})
	assert.ErrorIs(t, err, errorir.ErrAgentAlreadyRegistered)

	_, err = e.RegisterAgent(ctx, contracts.Block{Height: 5, Time: t0}, "carol", contracts.AgentMetadata{Name: "   "})
	assert.ErrorIs(t, err, errorir.ErrInvalidParameter)

	err = e.RecordInteraction(ctx, contracts.Interaction{Hash: hashAB, Participants: []string{"alice", "bob"}, Timestamp: t0})
	assert.ErrorIs(t, err, errorir.ErrInvalidParameter)

	_, err = e.Agent("nobody")
	assert.ErrorIs(t, err, errorir.ErrAgentNotRegistered)
}

type failingBackend struct{ err error }

func (f failingBackend) Persist(context.Context, store.ChangeSet, []ledger.Entry) error { return f.err }
func (failingBackend) Load(context.Context) (store.ChangeSet, []ledger.Entry, error) {
	return store.ChangeSet{}, nil, nil
}

func TestPersistenceFailureRollsBack(t *testing.T) {
	rec := &events.Recorder{}
	e := newEngine(t, Options{Events: rec, Backend: failingBackend{err: errors.New("disk full")}})

	_, err := e.RegisterAgent(context.Background(), contracts.Block{Height: 2, Time: t0}, "alice", contracts.AgentMetadata{Name: "alice"})
	require.ErrorIs(t, err, errorir.ErrPersistenceFailed)
	assert.True(t, errorir.IsRetryable(err))

	_, err = e.Agent("alice")
	assert.ErrorIs(t, err, errorir.ErrAgentNotRegistered)
	assert.Equal(t, ledger.Genesis, e.AuditHead())
	assert.Empty(t, rec.Events())
}

type flakyBackend struct{ fail bool }

func (f *flakyBackend) Persist(context.Context, store.ChangeSet, []ledger.Entry) error {
	if f.fail {
		return errors.New("connection reset")
	}
	return nil
}

func (*flakyBackend) Load(context.Context) (store.ChangeSet, []ledger.Entry, error) {
	return store.ChangeSet{}, nil, nil
}

func TestFailedRegistrationLeavesRegistryClean(t *testing.T) {
	reg := identity.NewRegistry()
	backend := &flakyBackend{fail: true}
	e := newEngine(t, Options{Registry: reg, Backend: backend})
	ctx := context.Background()
	blk := contracts.Block{Height: 2, Time: t0}
	meta := contracts.AgentMetadata{Name: "alice"}

	_, err := e.RegisterAgent(ctx, blk, "alice", meta)
	require.ErrorIs(t, err, errorir.ErrPersistenceFailed)
	assert.False(t, reg.IsRegistered("alice"))

	backend.fail = false
	a, err := e.RegisterAgent(ctx, blk, "alice", meta)
	require.NoError(t, err, "a retry after the backend recovers must not see a phantom registration")
	assert.Equal(t, "alice", a.Address)
	assert.True(t, reg.IsRegistered("alice"))
}

func TestRestartRestoresFromSQLite(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "karma.db")
	open := func() *store.SQLBackend {
		db, err := store.Open(dsn)
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })
		b := store.NewSQLBackend(db)
		require.NoError(t, b.Init(ctx))
		return b
	}

	first := newEngine(t, Options{Backend: open(), Providers: []string{"provider-1"}})
	seed(t, first)
	_, err := first.SubmitRating(ctx, contracts.Block{Height: 10, Time: t0.Add(time.Hour)}, rateBob(9))
	require.NoError(t, err)
	head := first.AuditHead()

	second := newEngine(t, Options{Backend: open(), Providers: []string{"provider-2"}})
	k, err := second.Karma("bob")
	require.NoError(t, err)
	assert.Equal(t, uint64(9), k)
	assert.Equal(t, head, second.AuditHead())
	assert.Equal(t, []string{"provider-1"}, second.Providers(), "providers are seeded only once")

	ok, reason := second.VerifyAudit()
	assert.True(t, ok, reason)

	_, err = second.RegisterAgent(ctx, contracts.Block{Height: 20, Time: t0}, "alice", contracts.AgentMetadata{Name: "alice"})
	assert.ErrorIs(t, err, errorir.ErrAgentAlreadyRegistered, "registry is rebuilt from persisted metadata")
}

func TestOracleDataFeedsRecalculation(t *testing.T) {
	vs, keys := validatorKeys(t)
	rec := &events.Recorder{}
	e := newEngine(t, Options{Validators: vs, Providers: []string{"provider-1"}, Events: rec})
	seed(t, e)
	ctx := context.Background()

	_, err := e.SubmitRating(ctx, contracts.Block{Height: 10, Time: t0.Add(time.Hour)}, rateBob(9))
	require.NoError(t, err)

	sub := oracle.Submission{
		Provider:   "provider-1",
		DataType:   string(contracts.DataPerformance),
		Payload:    json.RawMessage(`{"scores":{"bob":60}}`),
		ObservedAt: t0.Add(2 * time.Hour),
		Signatures: map[string]string{},
	}
	for _, id := range vs.IDs()[:3] {
		sig, err := oracle.Sign(keys[id], sub.Message(contracts.DataPerformance))
		require.NoError(t, err)
		sub.Signatures[id] = sig
	}
	data, err := e.SubmitOracleData(ctx, contracts.Block{Height: 11, Time: t0.Add(2 * time.Hour)}, sub)
	require.NoError(t, err)
	assert.True(t, data.Verified)

	latest, ok := e.OracleLatest(contracts.DataPerformance)
	require.True(t, ok)
	assert.Equal(t, data.ID, latest.ID)

	out, err := e.Recalculate(ctx, contracts.Block{Height: 12, Time: t0.Add(3 * time.Hour)}, "bob")
	require.NoError(t, err)
	assert.Equal(t, uint64(18), out.Calculation.CurrentScore, "rating mean 9 plus 15 percent of 60")
	assert.Contains(t, rec.Types(), events.OracleVerified)
}

func TestAdjustKarma(t *testing.T) {
	e := newEngine(t, Options{})
	seed(t, e)
	ctx := context.Background()
	blk := contracts.Block{Height: 10, Time: t0}

	applied, err := e.AdjustKarma(ctx, blk, "alice", 120, "bootstrap grant")
	require.NoError(t, err)
	assert.Equal(t, uint64(120), applied)

	applied, err = e.AdjustKarma(ctx, blk, "alice", -200, "slashing")
	require.NoError(t, err)
	assert.Equal(t, uint64(120), applied, "penalties are capped at the current score")

	_, err = e.AdjustKarma(ctx, blk, "alice", 0, "noop")
	assert.ErrorIs(t, err, errorir.ErrInvalidParameter)
	_, err = e.AdjustKarma(ctx, blk, "mallory", 5, "grant")
	assert.ErrorIs(t, err, errorir.ErrAgentNotRegistered)
}

func TestProposalBurstRaisesBotViolation(t *testing.T) {
	params := contracts.DefaultParams()
	require.NoError(t, params.Set("bot_action_threshold", 2))
	e := newEngine(t, Options{Params: &params})
	seed(t, e)
	ctx := context.Background()

	_, err := e.AdjustKarma(ctx, contracts.Block{Height: 5, Time: t0}, "alice", 200, "bootstrap grant")
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		blk := contracts.Block{Height: uint64(10 + i), Time: t0.Add(time.Duration(i) * time.Minute)}
		_, err := e.CreateProposal(ctx, blk, governance.CreateRequest{
			Proposer:    "alice",
			Title:       fmt.Sprintf("Proposal %d", i),
			Description: "Signal only.",
		})
		require.NoError(t, err)
	}

	vs := e.Violations("alice")
	require.Len(t, vs, 1)
	assert.Equal(t, contracts.ViolationBotBehavior, vs[0].ViolationType)
	assert.Equal(t, uint64(100), vs[0].PenaltyApplied)
	k, err := e.Karma("alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), k)

	// The bot check is cooling down; an explicit run raises nothing new.
	again, err := e.RunAbuseDetection(ctx, contracts.Block{Height: 20, Time: t0.Add(5 * time.Minute)}, "alice")
	require.NoError(t, err)
	assert.Empty(t, again)
	assert.Len(t, e.Violations("alice"), 1)
}

func TestRunAbuseDetection(t *testing.T) {
	params := contracts.DefaultParams()
	require.NoError(t, params.Set("bot_action_threshold", 1))
	e := newEngine(t, Options{Params: &params})
	seed(t, e)
	ctx := context.Background()

	_, err := e.RunAbuseDetection(ctx, contracts.Block{Height: 9, Time: t0}, "mallory")
	assert.ErrorIs(t, err, errorir.ErrAgentNotRegistered)

	clean, err := e.RunAbuseDetection(ctx, contracts.Block{Height: 9, Time: t0}, "bob")
	require.NoError(t, err)
	assert.Empty(t, clean)

	_, err = e.AdjustKarma(ctx, contracts.Block{Height: 10, Time: t0}, "alice", 300, "bootstrap grant")
	require.NoError(t, err)
	p, err := e.CreateProposal(ctx, contracts.Block{Height: 11, Time: t0.Add(time.Minute)}, governance.CreateRequest{
		Proposer: "alice", Title: "Raise quorum", Description: "Signal only.",
	})
	require.NoError(t, err)
	_, err = e.Vote(ctx, contracts.Block{Height: 12, Time: t0.Add(2 * time.Minute)}, p.ID, "alice", true)
	require.NoError(t, err)

	vs := e.Violations("alice")
	require.Len(t, vs, 1, "the vote pushed alice over the action threshold")
	assert.Equal(t, contracts.ViolationBotBehavior, vs[0].ViolationType)
}
