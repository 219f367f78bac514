package karma

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/sabowaryan/agent-karma/pkg/canonicalize"
	"github.com/sabowaryan/agent-karma/pkg/contracts"
)

// Interaction bonus thresholds.
const (
	HighKarmaCounterparty  = 500
	LowKarmaCounterparty   = 100
	HighKarmaBonus         = 2
	LowKarmaMalus          = 1
	ConsistencyMinRatings  = 10
	ConsistencyMinScore    = 8
	ConsistencyBonusPoints = 10
)

// RatingInput is one windowed rating as seen by the calculation.
type RatingInput struct {
	ID         string `json:"id"`
	Rater      string `json:"rater"`
	Score      uint8  `json:"score"`
	RaterKarma uint64 `json:"rater_karma"`
}

// External is the explicit optional external factor of an agent.
// Values hold the agent's 0..100 value per weighted data type and Sources the
// attestation each value came from.
type External struct {
	Present bool                          `json:"present"`
	Values  map[contracts.DataType]uint8  `json:"values,omitempty"`
	Sources map[contracts.DataType]string `json:"sources,omitempty"`
}

// Inputs is everything a recalculation depends on.
type Inputs struct {
	Agent       string        `json:"agent"`
	Ratings     []RatingInput `json:"ratings"`
	Decay       Decay         `json:"decay"`
	External    External      `json:"external"`
	Adjustments int64         `json:"adjustments"`
}

// Result is the output of Compute.
type Result struct {
	Score   uint64
	Factors contracts.Factors
	Hash    string
}

// InteractionBonus scores the counterparties behind the windowed ratings. The
// bonus is floored at zero so it never eats into the rating-derived base.
func InteractionBonus(ratings []RatingInput) int64 {
	var bonus int64
	consistent := 0
	for _, r := range ratings {
		switch {
		case r.RaterKarma > HighKarmaCounterparty:
			bonus += HighKarmaBonus
		case r.RaterKarma < LowKarmaCounterparty:
			bonus -= LowKarmaMalus
		}
		if r.Score >= ConsistencyMinScore {
			consistent++
		}
	}
	if consistent >= ConsistencyMinRatings {
		bonus += ConsistencyBonusPoints
	}
	if bonus < 0 {
		return 0
	}
	return bonus
}

// ExternalFactor returns the weighted sum of the agent's oracle values.
func ExternalFactor(ext External) *big.Rat {
	total := new(big.Rat)
	if !ext.Present {
		return total
	}
	for dt, v := range ext.Values {
		w := dt.WeightPercent()
		total.Add(total, big.NewRat(int64(v)*w, 100))
	}
	return total
}

// Compute is the pure karma function:
//
//	score = max(0, floor(mean × decay + bonus + external + adjustments))
//
// All arithmetic is exact; the hash commits to every input and the result.
func Compute(in Inputs) (Result, error) {
	mean := new(big.Rat)
	var sum int64
	for _, r := range in.Ratings {
		sum += int64(r.Score)
	}
	if n := int64(len(in.Ratings)); n > 0 {
		mean.SetFrac64(sum, n)
	}
	base := new(big.Rat).Mul(mean, big.NewRat(in.Decay.BasisPoints, 10000))
	bonus := InteractionBonus(in.Ratings)
	external := ExternalFactor(in.External)

	total := new(big.Rat).Set(base)
	total.Add(total, new(big.Rat).SetInt64(bonus))
	total.Add(total, external)
	total.Add(total, new(big.Rat).SetInt64(in.Adjustments))

	var score uint64
	if total.Sign() > 0 {
		score = new(big.Int).Quo(total.Num(), total.Denom()).Uint64()
	}

	ratings := append([]RatingInput(nil), in.Ratings...)
	sort.SliceStable(ratings, func(i, j int) bool { return ratings[i].ID < ratings[j].ID })
	hash, err := canonicalize.CanonicalHash(struct {
		Inputs
		Score uint64 `json:"score"`
	}{Inputs: Inputs{
		Agent:       in.Agent,
		Ratings:     ratings,
		Decay:       in.Decay,
		External:    in.External,
		Adjustments: in.Adjustments,
	}, Score: score})
	if err != nil {
		return Result{}, fmt.Errorf("hash calculation inputs: %w", err)
	}

	return Result{
		Score: score,
		Factors: contracts.Factors{
			AverageRating:        mean.FloatString(3),
			RatingCount:          uint64(len(in.Ratings)),
			InteractionFrequency: bonus,
			TimeDecay:            in.Decay.String(),
			ExternalFactor:       external.FloatString(2),
			Adjustments:          in.Adjustments,
		},
		Hash: hash,
	}, nil
}
