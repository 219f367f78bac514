package contracts

import "time"

const (
	MinRatingScore = 1
	MaxRatingScore = 10
	// MaxFeedbackBytes bounds the optional free-text feedback of a rating.
	MaxFeedbackBytes = 1024
)

// Rating is an immutable peer rating.
type Rating struct {
	ID              string    `json:"id"`
	Rater           string    `json:"rater"`
	Rated           string    `json:"rated"`
	Score           uint8     `json:"score"`
	Feedback        string    `json:"feedback,omitempty"`
	InteractionHash string    `json:"interaction_hash"`
	Timestamp       time.Time `json:"timestamp"`
	BlockHeight     uint64    `json:"block_height"`
	FeePaid         uint64    `json:"fee_paid"`
}

// RatingKey identifies the at-most-one rating per rater and interaction.
type RatingKey struct {
	Rater           string
	InteractionHash string
}

// Key returns the uniqueness key of r.
func (r Rating) Key() RatingKey {
	return RatingKey{Rater: r.Rater, InteractionHash: r.InteractionHash}
}

// ValidScore reports whether s is inside the accepted rating range.
func ValidScore(s int) bool {
	return s >= MinRatingScore && s <= MaxRatingScore
}
