// Package karma owns the per-agent karma score: the pure recalculation
// function, the administrative delta ledger and the leaderboard.
package karma

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/sabowaryan/agent-karma/pkg/canonicalize"
	"github.com/sabowaryan/agent-karma/pkg/contracts"
	"github.com/sabowaryan/agent-karma/pkg/errorir"
	"github.com/sabowaryan/agent-karma/pkg/ledger"
	"github.com/sabowaryan/agent-karma/pkg/store"
)

// ExternalSource supplies the external factor of an agent. A payload that
// cannot be interpreted is reported as CalculationInputCorrupt.
type ExternalSource interface {
	ExternalFactor(tx *store.Tx, agent string) (External, error)
}

// NoExternal is an ExternalSource that never has data.
type NoExternal struct{}

func (NoExternal) ExternalFactor(*store.Tx, string) (External, error) { return External{}, nil }

// Outcome reports a recalculation. When Retained is set the inputs were
// corrupt, Calculation is the previous entry and Fault holds the cause.
type Outcome struct {
	Calculation contracts.KarmaCalculation
	Retained    bool
	Fault       error
}

// Ledger is the only writer of Agent.KarmaScore.
type Ledger struct {
	external ExternalSource
	logger   *slog.Logger
}

// NewLedger creates a karma ledger reading external factors from src.
func NewLedger(src ExternalSource) *Ledger {
	if src == nil {
		src = NoExternal{}
	}
	return &Ledger{
		external: src,
		logger:   slog.Default().With("component", "karma"),
	}
}

// EnsureAgent returns the agent record, creating it on first touch.
func (l *Ledger) EnsureAgent(tx *store.Tx, addr string, registeredAt time.Time) contracts.Agent {
	if a, ok := tx.Agent(addr); ok {
		return a
	}
	a := contracts.Agent{Address: addr, RegisteredAt: registeredAt}
	tx.PutAgent(a)
	return a
}

// Score returns the agent's current karma.
func (l *Ledger) Score(tx *store.Tx, addr string) (uint64, error) {
	a, ok := tx.Agent(addr)
	if !ok {
		return 0, errorir.New(errorir.CodeAgentNotRegistered, "agent %s has no karma record", addr)
	}
	return a.KarmaScore, nil
}

// Inputs gathers the recalculation inputs of addr as of blk.
func (l *Ledger) Inputs(tx *store.Tx, blk contracts.Block, addr string) (Inputs, error) {
	agent, ok := tx.Agent(addr)
	if !ok {
		return Inputs{}, errorir.New(errorir.CodeAgentNotRegistered, "agent %s has no karma record", addr)
	}
	anchor := agent.ActivityAnchor()
	cutoff := anchor.Add(-tx.Params().RatingExpiry())

	var window []RatingInput
	for _, r := range tx.RatingsFor(addr) {
		if r.Timestamp.Before(cutoff) {
			continue
		}
		var raterKarma uint64
		if rater, ok := tx.Agent(r.Rater); ok {
			raterKarma = rater.KarmaScore
		}
		window = append(window, RatingInput{ID: r.ID, Rater: r.Rater, Score: r.Score, RaterKarma: raterKarma})
	}

	ext, err := l.external.ExternalFactor(tx, addr)
	if err != nil {
		return Inputs{}, err
	}

	return Inputs{
		Agent:       addr,
		Ratings:     window,
		Decay:       TimeDecay(blk.Time.Sub(anchor)),
		External:    ext,
		Adjustments: tx.Adjustments(addr),
	}, nil
}

// Recalculate recomputes addr's karma from its inputs and records the result.
// Corrupt inputs keep the previous score and are reported through Outcome.
func (l *Ledger) Recalculate(tx *store.Tx, blk contracts.Block, addr string) (Outcome, error) {
	in, err := l.Inputs(tx, blk, addr)
	if err != nil {
		if errors.Is(err, errorir.ErrCalculationInputCorrupt) {
			return l.retain(tx, blk, addr, err)
		}
		return Outcome{}, err
	}
	res, err := Compute(in)
	if err != nil {
		return Outcome{}, err
	}
	calc := l.setScore(tx, blk, addr, contracts.KindRecalculation, res.Score, &res.Factors, "recalculation", res.Hash)
	return Outcome{Calculation: calc}, nil
}

func (l *Ledger) retain(tx *store.Tx, blk contracts.Block, addr string, fault error) (Outcome, error) {
	l.logger.WarnContext(context.Background(), "recalculation aborted, previous score retained",
		"agent", addr, "height", blk.Height, "error", fault)

	prev, ok := tx.LatestCalculation(addr)
	if !ok {
		agent, _ := tx.Agent(addr)
		prev = contracts.KarmaCalculation{
			Agent:         addr,
			Kind:          contracts.KindRecalculation,
			PreviousScore: agent.KarmaScore,
			CurrentScore:  agent.KarmaScore,
			LastUpdated:   agent.RegisteredAt,
		}
	}
	tx.Audit(ledger.Draft{
		EntryType:   ledger.EntryKarmaFault,
		Author:      "karma",
		Timestamp:   blk.Time,
		BlockHeight: blk.Height,
		Data: map[string]any{
			"agent":          addr,
			"retained_score": prev.CurrentScore,
			"error":          fault.Error(),
		},
	})
	return Outcome{Calculation: prev, Retained: true, Fault: fault}, nil
}

// ApplyPenalty lowers addr's karma by amount, capped at the current score.
// Returns the amount actually deducted.
func (l *Ledger) ApplyPenalty(tx *store.Tx, blk contracts.Block, addr string, amount uint64, reason string) (uint64, error) {
	return l.deduct(tx, blk, addr, contracts.KindPenalty, amount, reason)
}

// ChargeFee deducts a fee, capped so karma never drops below zero.
func (l *Ledger) ChargeFee(tx *store.Tx, blk contracts.Block, addr string, amount uint64, reason string) (uint64, error) {
	return l.deduct(tx, blk, addr, contracts.KindFee, amount, reason)
}

// ApplyReward raises addr's karma by amount.
func (l *Ledger) ApplyReward(tx *store.Tx, blk contracts.Block, addr string, amount uint64, reason string) (uint64, error) {
	return l.credit(tx, blk, addr, contracts.KindReward, amount, reason)
}

// Escrow locks amount of addr's karma. Unlike penalties it is never capped:
// the full amount must be available.
func (l *Ledger) Escrow(tx *store.Tx, blk contracts.Block, addr string, amount uint64, reason string) error {
	score, err := l.Score(tx, addr)
	if err != nil {
		return err
	}
	if amount > score {
		return errorir.New(errorir.CodeInsufficientKarma, "agent %s holds %d karma, escrow needs %d", addr, score, amount)
	}
	_, err = l.deduct(tx, blk, addr, contracts.KindEscrow, amount, reason)
	return err
}

// Release returns previously escrowed karma.
func (l *Ledger) Release(tx *store.Tx, blk contracts.Block, addr string, amount uint64, reason string) error {
	_, err := l.credit(tx, blk, addr, contracts.KindRelease, amount, reason)
	return err
}

func (l *Ledger) deduct(tx *store.Tx, blk contracts.Block, addr string, kind contracts.CalculationKind, amount uint64, reason string) (uint64, error) {
	score, err := l.Score(tx, addr)
	if err != nil {
		return 0, err
	}
	applied := min(amount, score)
	if applied == 0 {
		return 0, nil
	}
	l.setScore(tx, blk, addr, kind, score-applied, nil, reason, "")
	return applied, nil
}

func (l *Ledger) credit(tx *store.Tx, blk contracts.Block, addr string, kind contracts.CalculationKind, amount uint64, reason string) (uint64, error) {
	score, err := l.Score(tx, addr)
	if err != nil {
		return 0, err
	}
	applied := min(amount, math.MaxInt64-score)
	if applied == 0 {
		return 0, nil
	}
	l.setScore(tx, blk, addr, kind, score+applied, nil, reason, "")
	return applied, nil
}

// setScore is the single write path of Agent.KarmaScore.
func (l *Ledger) setScore(tx *store.Tx, blk contracts.Block, addr string, kind contracts.CalculationKind,
	next uint64, factors *contracts.Factors, reason, hash string) contracts.KarmaCalculation {
	agent, _ := tx.Agent(addr)
	prev := agent.KarmaScore
	agent.KarmaScore = next
	tx.PutAgent(agent)

	var seq uint64 = 1
	if last, ok := tx.LatestCalculation(addr); ok {
		seq = last.Sequence + 1
	}
	calc := contracts.KarmaCalculation{
		Agent:         addr,
		Sequence:      seq,
		Kind:          kind,
		PreviousScore: prev,
		CurrentScore:  next,
		Delta:         int64(next) - int64(prev), //nolint:gosec // scores are capped at MaxInt64
		Factors:       factors,
		Reason:        reason,
		LastUpdated:   blk.Time,
		BlockHeight:   blk.Height,
	}
	if hash == "" {
		hash, _ = canonicalize.CanonicalHash(calc)
	}
	calc.CalculationHash = hash
	tx.AddCalculation(calc)

	entryType := ledger.EntryKarmaDelta
	if kind == contracts.KindRecalculation {
		entryType = ledger.EntryKarmaRecalculated
	}
	tx.Audit(ledger.Draft{
		EntryType:   entryType,
		Author:      "karma",
		Timestamp:   blk.Time,
		BlockHeight: blk.Height,
		Data: map[string]any{
			"agent":     addr,
			"kind":      string(kind),
			"previous":  prev,
			"current":   next,
			"delta":     calc.Delta,
			"reason":    reason,
			"calc_hash": hash,
		},
	})
	return calc
}
