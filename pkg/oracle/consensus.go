// Package oracle verifies externally signed attestations and turns the
// latest verified data into each agent's external karma factor.
package oracle

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/sabowaryan/agent-karma/pkg/contracts"
	"github.com/sabowaryan/agent-karma/pkg/errorir"
	"github.com/sabowaryan/agent-karma/pkg/karma"
	"github.com/sabowaryan/agent-karma/pkg/ledger"
	"github.com/sabowaryan/agent-karma/pkg/store"
)

// Submission is a provider's signed attestation.
type Submission struct {
	Provider   string            `json:"provider"`
	DataType   string            `json:"data_type"`
	Payload    json.RawMessage   `json:"payload"`
	ObservedAt time.Time         `json:"observed_at"`
	Signatures map[string]string `json:"signatures"`
}

// Message returns what validators sign for s.
func (s Submission) Message(dt contracts.DataType) contracts.SigningMessage {
	return contracts.SigningMessage{
		DataType:   dt,
		Payload:    s.Payload,
		Provider:   s.Provider,
		ObservedAt: s.ObservedAt.UnixNano(),
	}
}

// Consensus gates oracle data behind the validator threshold.
type Consensus struct {
	validators *ValidatorSet
	logger     *slog.Logger
}

func NewConsensus(validators *ValidatorSet) *Consensus {
	return &Consensus{
		validators: validators,
		logger:     slog.Default().With("component", "oracle"),
	}
}

// Validators exposes the configured validator set.
func (c *Consensus) Validators() *ValidatorSet { return c.validators }

// SubmitData verifies sub and records it as the latest data of its type.
func (c *Consensus) SubmitData(tx *store.Tx, blk contracts.Block, sub Submission) (contracts.OracleData, error) {
	if !tx.IsProvider(sub.Provider) {
		return contracts.OracleData{}, errorir.New(errorir.CodeProviderNotAuthorized, "provider %s is not on the allow-list", sub.Provider)
	}
	dt, err := contracts.ParseDataType(sub.DataType)
	if err != nil {
		return contracts.OracleData{}, errorir.Wrap(errorir.CodeInvalidDataType, err, "submit oracle data")
	}
	if !json.Valid(sub.Payload) {
		return contracts.OracleData{}, errorir.New(errorir.CodeInvalidParameter, "oracle payload is not valid JSON")
	}
	digest, err := SigningDigest(sub.Message(dt))
	if err != nil {
		return contracts.OracleData{}, errorir.Wrap(errorir.CodeInvalidParameter, err, "canonicalize oracle payload")
	}

	// Map keys make signatures distinct per validator.
	valid := 0
	for id, sig := range sub.Signatures {
		if !c.validators.Contains(id) {
			return contracts.OracleData{}, errorir.New(errorir.CodeInvalidSignature, "signer %s is not a validator", id)
		}
		if !c.validators.Verify(id, sig, digest) {
			return contracts.OracleData{}, errorir.New(errorir.CodeInvalidSignature, "signature of %s does not verify", id)
		}
		valid++
	}
	if valid < Threshold {
		return contracts.OracleData{}, errorir.New(errorir.CodeInsufficientSignatures, "%d of %d validators signed, %d required", valid, ValidatorSetSize, Threshold)
	}

	if latest, ok := tx.LatestVerified(dt); ok && !sub.ObservedAt.After(latest.Timestamp) {
		return contracts.OracleData{}, errorir.New(errorir.CodeStaleOracleData, "%s data observed at %s is not newer than %s",
			dt, sub.ObservedAt.Format(time.RFC3339), latest.Timestamp.Format(time.RFC3339))
	}

	sigs := make(map[string]string, len(sub.Signatures))
	for id, sig := range sub.Signatures {
		sigs[id] = sig
	}
	data := contracts.OracleData{
		ID:          contracts.DeterministicID("oracle", dt, sub.Provider, sub.ObservedAt.UnixNano(), blk.Height),
		Provider:    sub.Provider,
		DataType:    dt,
		Payload:     append(json.RawMessage(nil), sub.Payload...),
		Timestamp:   sub.ObservedAt,
		SubmittedAt: blk.Time,
		BlockHeight: blk.Height,
		Signatures:  sigs,
		Verified:    true,
	}
	tx.AddOracleData(data)
	tx.Audit(ledger.Draft{
		EntryType:   ledger.EntryOracleVerified,
		Author:      sub.Provider,
		Timestamp:   blk.Time,
		BlockHeight: blk.Height,
		Data: map[string]any{
			"id":         data.ID,
			"data_type":  string(dt),
			"signatures": valid,
		},
	})
	c.logger.InfoContext(context.Background(), "oracle data verified",
		"id", data.ID, "data_type", dt, "provider", sub.Provider, "signatures", valid)
	return data, nil
}

// AddProvider puts addr on the provider allow-list.
func (c *Consensus) AddProvider(tx *store.Tx, blk contracts.Block, addr string) error {
	if addr == "" {
		return errorir.New(errorir.CodeInvalidParameter, "provider address is empty")
	}
	if tx.IsProvider(addr) {
		return nil
	}
	tx.SetProvider(addr, true)
	c.auditProvider(tx, blk, addr, true)
	return nil
}

// RemoveProvider drops addr from the allow-list. The last provider cannot be removed.
func (c *Consensus) RemoveProvider(tx *store.Tx, blk contracts.Block, addr string) error {
	if !tx.IsProvider(addr) {
		return errorir.New(errorir.CodeProviderNotAuthorized, "provider %s is not on the allow-list", addr)
	}
	if len(tx.Providers()) <= 1 {
		return errorir.New(errorir.CodeInvalidParameter, "at least one oracle provider must remain")
	}
	tx.SetProvider(addr, false)
	c.auditProvider(tx, blk, addr, false)
	return nil
}

func (c *Consensus) auditProvider(tx *store.Tx, blk contracts.Block, addr string, active bool) {
	tx.Audit(ledger.Draft{
		EntryType:   ledger.EntryProviderChanged,
		Timestamp:   blk.Time,
		BlockHeight: blk.Height,
		Data:        map[string]any{"provider": addr, "active": active},
	})
}

// ExternalFactor reads the agent's value from the latest verified data of
// each weighted type. A payload failing its schema is CalculationInputCorrupt.
func (c *Consensus) ExternalFactor(tx *store.Tx, agent string) (karma.External, error) {
	ext := karma.External{}
	for _, dt := range contracts.DataTypes {
		if dt.WeightPercent() == 0 {
			continue
		}
		data, ok := tx.LatestVerified(dt)
		if !ok {
			continue
		}
		scores, err := ParseScores(data.Payload)
		if err != nil {
			return karma.External{}, errorir.Wrap(errorir.CodeCalculationInputCorrupt, err, "oracle data %s (%s)", data.ID, dt)
		}
		v, ok := scores.Scores[agent]
		if !ok {
			continue
		}
		if ext.Values == nil {
			ext.Values = make(map[contracts.DataType]uint8)
			ext.Sources = make(map[contracts.DataType]string)
		}
		ext.Present = true
		ext.Values[dt] = v
		ext.Sources[dt] = data.ID
	}
	return ext, nil
}
