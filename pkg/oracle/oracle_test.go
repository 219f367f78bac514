package oracle

import (
	"crypto/ed25519"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sabowaryan/agent-karma/pkg/contracts"
	"github.com/sabowaryan/agent-karma/pkg/errorir"
	"github.com/sabowaryan/agent-karma/pkg/store"
)

var t0 = time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

type harness struct {
	keys      map[string]ed25519.PrivateKey
	consensus *Consensus
	tx        *store.Tx
	blk       contracts.Block
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	keys, err := DeriveValidatorKeys([]byte("test-validator-seed-0001"))
	require.NoError(t, err)
	vs, err := PublicSet(keys)
	require.NoError(t, err)

	tx := store.NewState(contracts.DefaultParams()).Begin()
	c := NewConsensus(vs)
	blk := contracts.Block{Height: 10, Time: t0}
	require.NoError(t, c.AddProvider(tx, blk, "provider-1"))
	return &harness{keys: keys, consensus: c, tx: tx, blk: blk}
}

func (h *harness) submission(t *testing.T, dt contracts.DataType, payload string, observed time.Time, signers ...string) Submission {
	t.Helper()
	sub := Submission{
		Provider:   "provider-1",
		DataType:   string(dt),
		Payload:    json.RawMessage(payload),
		ObservedAt: observed,
		Signatures: map[string]string{},
	}
	for _, id := range signers {
		sig, err := Sign(h.keys[id], sub.Message(dt))
		require.NoError(t, err)
		sub.Signatures[id] = sig
	}
	return sub
}

func TestDeriveValidatorKeysDeterministic(t *testing.T) {
	a, err := DeriveValidatorKeys([]byte("test-validator-seed-0001"))
	require.NoError(t, err)
	b, err := DeriveValidatorKeys([]byte("test-validator-seed-0001"))
	require.NoError(t, err)
	require.Len(t, a, ValidatorSetSize)
	for id := range a {
		assert.Equal(t, a[id], b[id])
	}
	_, err = DeriveValidatorKeys([]byte("short"))
	assert.Error(t, err)
}

func TestNewValidatorSetRequiresFiveMembers(t *testing.T) {
	_, err := NewValidatorSet(map[string]string{"v1": "00"})
	assert.Error(t, err)
}

func TestNewValidatorSetRejectsSharedKey(t *testing.T) {
	keys, err := DeriveValidatorKeys([]byte("test-validator-seed-0001"))
	require.NoError(t, err)
	vs, err := PublicSet(keys)
	require.NoError(t, err)

	pubs := vs.PublicKeys()
	pubs["validator-5"] = pubs["validator-1"]
	_, err = NewValidatorSet(pubs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "share a public key")
}

func TestObservedAtShiftBreaksSignature(t *testing.T) {
	h := newHarness(t)
	observed := t0.Add(1500 * time.Millisecond)
	sub := h.submission(t, contracts.DataPerformance, `{"scores":{"alice":80}}`, observed, "validator-1", "validator-2", "validator-3")
	_, err := h.consensus.SubmitData(h.tx, h.blk, sub)
	require.NoError(t, err)

	// Same second, later instant: must not pass as a fresh observation.
	sub.ObservedAt = observed.Add(400 * time.Millisecond)
	_, err = h.consensus.SubmitData(h.tx, h.blk, sub)
	assert.ErrorIs(t, err, errorir.ErrInvalidSignature)
}

func TestThresholdTwoOfFiveRejected(t *testing.T) {
	h := newHarness(t)
	sub := h.submission(t, contracts.DataPerformance, `{"scores":{"alice":80}}`, t0, "validator-1", "validator-2")

	_, err := h.consensus.SubmitData(h.tx, h.blk, sub)
	require.ErrorIs(t, err, errorir.ErrInsufficientSignatures)
	assert.True(t, errorir.IsRetryable(err))
	_, ok := h.tx.LatestVerified(contracts.DataPerformance)
	assert.False(t, ok)
}

func TestThresholdThreeOfFiveVerified(t *testing.T) {
	h := newHarness(t)
	sub := h.submission(t, contracts.DataPerformance, `{"scores":{"alice":80}}`, t0, "validator-1", "validator-3", "validator-5")

	data, err := h.consensus.SubmitData(h.tx, h.blk, sub)
	require.NoError(t, err)
	assert.True(t, data.Verified)
	assert.Len(t, data.Signatures, 3)

	latest, ok := h.tx.LatestVerified(contracts.DataPerformance)
	require.True(t, ok)
	assert.Equal(t, data.ID, latest.ID)
}

func TestSignatureFailures(t *testing.T) {
	h := newHarness(t)

	sub := h.submission(t, contracts.DataSentiment, `{"scores":{}}`, t0, "validator-1", "validator-2", "validator-3")
	sub.Signatures["intruder"] = sub.Signatures["validator-1"]
	_, err := h.consensus.SubmitData(h.tx, h.blk, sub)
	assert.ErrorIs(t, err, errorir.ErrInvalidSignature)

	sub = h.submission(t, contracts.DataSentiment, `{"scores":{}}`, t0, "validator-1", "validator-2", "validator-3")
	sub.Payload = json.RawMessage(`{"scores":{"alice":1}}`)
	_, err = h.consensus.SubmitData(h.tx, h.blk, sub)
	assert.ErrorIs(t, err, errorir.ErrInvalidSignature, "signatures cover the payload")
}

func TestCanonicalPayloadSignature(t *testing.T) {
	h := newHarness(t)
	sub := h.submission(t, contracts.DataPerformance, `{"scores":{"a":1,"b":2}}`, t0, "validator-1", "validator-2", "validator-4")
	sub.Payload = json.RawMessage(`{ "scores" : { "b":2, "a":1 } }`)

	_, err := h.consensus.SubmitData(h.tx, h.blk, sub)
	assert.NoError(t, err, "formatting does not change the signed digest")
}

func TestProviderAndTypeChecks(t *testing.T) {
	h := newHarness(t)
	sub := h.submission(t, contracts.DataPerformance, `{}`, t0, "validator-1", "validator-2", "validator-3")
	sub.Provider = "stranger"
	_, err := h.consensus.SubmitData(h.tx, h.blk, sub)
	assert.ErrorIs(t, err, errorir.ErrProviderNotAuthorized)

	sub = h.submission(t, contracts.DataPerformance, `{}`, t0, "validator-1", "validator-2", "validator-3")
	sub.DataType = "weather"
	_, err = h.consensus.SubmitData(h.tx, h.blk, sub)
	assert.ErrorIs(t, err, errorir.ErrInvalidDataType)
}

func TestStaleDataRejectedAndNewerSupersedes(t *testing.T) {
	h := newHarness(t)
	first := h.submission(t, contracts.DataCrossChain, `{"scores":{"alice":10}}`, t0, "validator-1", "validator-2", "validator-3")
	_, err := h.consensus.SubmitData(h.tx, h.blk, first)
	require.NoError(t, err)

	_, err = h.consensus.SubmitData(h.tx, h.blk, first)
	assert.ErrorIs(t, err, errorir.ErrStaleOracleData)

	second := h.submission(t, contracts.DataCrossChain, `{"scores":{"alice":90}}`, t0.Add(time.Hour), "validator-2", "validator-3", "validator-4")
	_, err = h.consensus.SubmitData(h.tx, h.blk, second)
	require.NoError(t, err)

	assert.Len(t, h.tx.OracleHistory(contracts.DataCrossChain), 2)
	ext, err := h.consensus.ExternalFactor(h.tx, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint8(90), ext.Values[contracts.DataCrossChain])
}

func TestExternalFactor(t *testing.T) {
	h := newHarness(t)
	ext, err := h.consensus.ExternalFactor(h.tx, "alice")
	require.NoError(t, err)
	assert.False(t, ext.Present, "no data is an explicit absence")

	perf := h.submission(t, contracts.DataPerformance, `{"scores":{"alice":80,"bob":20}}`, t0, "validator-1", "validator-2", "validator-3")
	_, err = h.consensus.SubmitData(h.tx, h.blk, perf)
	require.NoError(t, err)
	general := h.submission(t, contracts.DataGeneral, `{"note":"ignored"}`, t0, "validator-1", "validator-2", "validator-3")
	_, err = h.consensus.SubmitData(h.tx, h.blk, general)
	require.NoError(t, err)

	ext, err = h.consensus.ExternalFactor(h.tx, "alice")
	require.NoError(t, err)
	assert.True(t, ext.Present)
	assert.Equal(t, map[contracts.DataType]uint8{contracts.DataPerformance: 80}, ext.Values)

	ext, err = h.consensus.ExternalFactor(h.tx, "carol")
	require.NoError(t, err)
	assert.False(t, ext.Present)
}

func TestExternalFactorCorruptPayload(t *testing.T) {
	h := newHarness(t)
	bad := h.submission(t, contracts.DataSentiment, `{"scores":{"alice":400}}`, t0, "validator-1", "validator-2", "validator-3")
	_, err := h.consensus.SubmitData(h.tx, h.blk, bad)
	require.NoError(t, err, "submission is content-agnostic")

	_, err = h.consensus.ExternalFactor(h.tx, "alice")
	assert.ErrorIs(t, err, errorir.ErrCalculationInputCorrupt)
}

func TestRemoveProvider(t *testing.T) {
	h := newHarness(t)
	err := h.consensus.RemoveProvider(h.tx, h.blk, "provider-1")
	assert.Error(t, err, "last provider stays")

	require.NoError(t, h.consensus.AddProvider(h.tx, h.blk, "provider-2"))
	require.NoError(t, h.consensus.RemoveProvider(h.tx, h.blk, "provider-1"))
	assert.Equal(t, []string{"provider-2"}, h.tx.Providers())
	assert.ErrorIs(t, h.consensus.RemoveProvider(h.tx, h.blk, "provider-1"), errorir.ErrProviderNotAuthorized)
}

func TestParseScores(t *testing.T) {
	p, err := ParseScores([]byte(`{"scores":{"alice":100,"bob":0}}`))
	require.NoError(t, err)
	assert.Equal(t, uint8(100), p.Scores["alice"])

	for _, bad := range []string{`{}`, `{"scores":{"a":-1}}`, `{"scores":{"a":1.5}}`, `not json`} {
		_, err := ParseScores([]byte(bad))
		assert.Error(t, err, bad)
	}
}
