// Package rating gates and records peer ratings.
package rating

import (
	"context"
	"log/slog"

	"github.com/sabowaryan/agent-karma/pkg/canonicalize"
	"github.com/sabowaryan/agent-karma/pkg/contracts"
	"github.com/sabowaryan/agent-karma/pkg/errorir"
	"github.com/sabowaryan/agent-karma/pkg/identity"
	"github.com/sabowaryan/agent-karma/pkg/karma"
	"github.com/sabowaryan/agent-karma/pkg/ledger"
	"github.com/sabowaryan/agent-karma/pkg/store"
)

// AbuseEvaluator inspects an agent's recent behaviour after an action.
type AbuseEvaluator interface {
	Evaluate(tx *store.Tx, blk contracts.Block, agent string) ([]contracts.ComplianceViolation, error)
}

// Request is a rating submission.
type Request struct {
	Rater           string `json:"rater"`
	Rated           string `json:"rated"`
	Score           int    `json:"score"`
	InteractionHash string `json:"interaction_hash"`
	Feedback        string `json:"feedback,omitempty"`
}

// Result is what an accepted rating produced.
type Result struct {
	Rating      contracts.Rating                `json:"rating"`
	Calculation contracts.KarmaCalculation      `json:"calculation"`
	Retained    bool                            `json:"retained"`
	Violations  []contracts.ComplianceViolation `json:"violations,omitempty"`
}

// Validator checks rating preconditions and applies an accepted rating.
type Validator struct {
	identity     identity.Oracle
	interactions identity.Log
	karma        *karma.Ledger
	abuse        AbuseEvaluator
	logger       *slog.Logger
}

// NewValidator wires a validator. abuse may be nil.
func NewValidator(id identity.Oracle, interactions identity.Log, kl *karma.Ledger, abuse AbuseEvaluator) *Validator {
	return &Validator{
		identity:     id,
		interactions: interactions,
		karma:        kl,
		abuse:        abuse,
		logger:       slog.Default().With("component", "rating"),
	}
}

// Submit validates req against the current state and, if every check
// passes, records the rating, charges the fee, runs abuse detection on the
// rater and recalculates the rated agent.
func (v *Validator) Submit(tx *store.Tx, blk contracts.Block, req Request) (Result, error) {
	for _, addr := range []string{req.Rater, req.Rated} {
		if !v.identity.IsRegistered(addr) {
			return Result{}, errorir.New(errorir.CodeAgentNotRegistered, "agent %s is not registered", addr)
		}
	}
	if req.Rater == req.Rated {
		return Result{}, errorir.New(errorir.CodeSelfRatingForbidden, "agent %s cannot rate itself", req.Rater)
	}
	if !contracts.ValidScore(req.Score) {
		return Result{}, errorir.New(errorir.CodeInvalidScore, "score %d outside [%d,%d]",
			req.Score, contracts.MinRatingScore, contracts.MaxRatingScore)
	}
	key := contracts.RatingKey{Rater: req.Rater, InteractionHash: req.InteractionHash}
	if tx.HasRating(key) {
		return Result{}, errorir.New(errorir.CodeDuplicateRating, "%s already rated interaction %s", req.Rater, req.InteractionHash)
	}

	params := tx.Params()
	rater := v.ensure(tx, req.Rater)
	v.ensure(tx, req.Rated)
	if params.MinKarmaForRating > 0 && rater.KarmaScore < uint64(params.MinKarmaForRating) {
		return Result{}, errorir.New(errorir.CodeInsufficientKarma, "rater %s holds %d karma, %d required",
			req.Rater, rater.KarmaScore, params.MinKarmaForRating)
	}

	in, ok := v.interactions.Lookup(req.InteractionHash)
	if !ok {
		return Result{}, errorir.New(errorir.CodeInteractionNotFound, "interaction %s is unknown", req.InteractionHash)
	}
	if !in.Involves(req.Rater) || !in.Involves(req.Rated) {
		return Result{}, errorir.New(errorir.CodeNotParticipant, "%s and %s did not both take part in %s",
			req.Rater, req.Rated, req.InteractionHash)
	}
	if blk.Time.Sub(in.Timestamp) > params.RatingWindow() {
		return Result{}, errorir.New(errorir.CodeRatingWindowExpired, "interaction %s is older than %s",
			req.InteractionHash, params.RatingWindow())
	}

	feedback, err := canonicalize.NormalizeText(req.Feedback)
	if err != nil {
		return Result{}, errorir.Wrap(errorir.CodeInvalidFeedback, err, "feedback")
	}
	if len(feedback) > contracts.MaxFeedbackBytes {
		return Result{}, errorir.New(errorir.CodeInvalidFeedback, "feedback is %d bytes, limit %d",
			len(feedback), contracts.MaxFeedbackBytes)
	}

	fee, err := v.karma.ChargeFee(tx, blk, req.Rater, uint64(params.RatingFee), "rating fee")
	if err != nil {
		return Result{}, err
	}

	r := contracts.Rating{
		ID:              contracts.DeterministicID("rating", req.Rater, req.InteractionHash),
		Rater:           req.Rater,
		Rated:           req.Rated,
		Score:           uint8(req.Score), //nolint:gosec // range checked above
		Feedback:        feedback,
		InteractionHash: req.InteractionHash,
		Timestamp:       blk.Time,
		BlockHeight:     blk.Height,
		FeePaid:         fee,
	}
	tx.AddRating(r)

	raterRec, _ := tx.Agent(req.Rater)
	raterRec.InteractionCount++
	raterRec.Touch(blk.Time)
	tx.PutAgent(raterRec)

	ratedRec, _ := tx.Agent(req.Rated)
	ratedRec.InteractionCount++
	ratedRec.RatingsReceived++
	ratedRec.Touch(blk.Time)
	tx.PutAgent(ratedRec)

	tx.RecordAction(req.Rater, blk.Time)
	tx.Audit(ledger.Draft{
		EntryType:   ledger.EntryRatingAccepted,
		Author:      req.Rater,
		Timestamp:   blk.Time,
		BlockHeight: blk.Height,
		Data: map[string]any{
			"id":               r.ID,
			"rated":            r.Rated,
			"score":            r.Score,
			"interaction_hash": r.InteractionHash,
			"fee_paid":         fee,
		},
	})

	res := Result{Rating: r}
	if v.abuse != nil {
		res.Violations, err = v.abuse.Evaluate(tx, blk, req.Rater)
		if err != nil {
			return Result{}, err
		}
	}

	out, err := v.karma.Recalculate(tx, blk, req.Rated)
	if err != nil {
		return Result{}, err
	}
	res.Calculation = out.Calculation
	res.Retained = out.Retained

	v.logger.InfoContext(context.Background(), "rating accepted",
		"id", r.ID, "rater", r.Rater, "rated", r.Rated, "score", r.Score,
		"karma", out.Calculation.CurrentScore, "height", blk.Height)
	return res, nil
}

func (v *Validator) ensure(tx *store.Tx, addr string) contracts.Agent {
	if a, ok := tx.Agent(addr); ok {
		return a
	}
	meta, at, _ := v.identity.Metadata(addr)
	a := v.karma.EnsureAgent(tx, addr, at)
	if meta.Name != "" && a.Metadata == nil {
		a.Metadata = &meta
		tx.PutAgent(a)
	}
	return a
}
