package contracts

import "time"

// CalculationKind distinguishes recalculations from administrative deltas.
type CalculationKind string

const (
	KindRecalculation CalculationKind = "recalculation"
	KindPenalty       CalculationKind = "penalty"
	KindReward        CalculationKind = "reward"
	KindFee           CalculationKind = "fee"
	KindEscrow        CalculationKind = "escrow"
	KindRelease       CalculationKind = "release"
)

// Administrative reports whether the kind is a logged delta rather than a recalculation.
func (k CalculationKind) Administrative() bool {
	return k != KindRecalculation
}

// Factors records the intermediate values of a recalculation.
// Fractional values are rendered as fixed-point decimal strings.
type Factors struct {
	AverageRating        string `json:"average_rating"`
	RatingCount          uint64 `json:"rating_count"`
	InteractionFrequency int64  `json:"interaction_frequency"`
	TimeDecay            string `json:"time_decay"`
	ExternalFactor       string `json:"external_factor"`
	Adjustments          int64  `json:"adjustments"`
}

// KarmaCalculation is one entry of an agent's append-only score history.
type KarmaCalculation struct {
	Agent           string          `json:"agent"`
	Sequence        uint64          `json:"sequence"`
	Kind            CalculationKind `json:"kind"`
	PreviousScore   uint64          `json:"previous_score"`
	CurrentScore    uint64          `json:"current_score"`
	Delta           int64           `json:"delta"`
	Factors         *Factors        `json:"factors,omitempty"`
	Reason          string          `json:"reason,omitempty"`
	LastUpdated     time.Time       `json:"last_updated"`
	BlockHeight     uint64          `json:"block_height"`
	CalculationHash string          `json:"calculation_hash"`
}
