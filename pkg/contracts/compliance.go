package contracts

import (
	"fmt"
	"time"
)

// ViolationType classifies detected abuse.
type ViolationType string

const (
	ViolationSpamRating         ViolationType = "spam_rating"
	ViolationBotBehavior        ViolationType = "bot_behavior"
	ViolationRatingManipulation ViolationType = "rating_manipulation"
)

// BaseMultiplier is the penalty multiplier of the violation type.
func (v ViolationType) BaseMultiplier() uint64 {
	switch v {
	case ViolationSpamRating:
		return 1
	case ViolationBotBehavior:
		return 2
	case ViolationRatingManipulation:
		return 3
	default:
		return 0
	}
}

// ComplianceViolation is a recorded abuse finding and the penalty it carried.
type ComplianceViolation struct {
	ID             string        `json:"id"`
	Agent          string        `json:"agent"`
	ViolationType  ViolationType `json:"violation_type"`
	Severity       uint8         `json:"severity"`
	Confidence     uint16        `json:"confidence_permille"`
	Timestamp      time.Time     `json:"timestamp"`
	BlockHeight    uint64        `json:"block_height"`
	Evidence       []string      `json:"evidence"`
	PenaltyApplied uint64        `json:"penalty_applied"`
	Disputed       bool          `json:"disputed"`
	Resolution     *Resolution   `json:"resolution,omitempty"`
}

// Appealable reports whether a new dispute may be opened against v.
func (v ComplianceViolation) Appealable() bool {
	return !v.Disputed && v.Resolution == nil
}

// DisputeStatus is the lifecycle state of a dispute.
type DisputeStatus string

const (
	DisputeOpen     DisputeStatus = "open"
	DisputeResolved DisputeStatus = "resolved"
)

// Resolution is the outcome of a resolved dispute.
type Resolution string

const (
	ResolutionConfirmed  Resolution = "violation_confirmed"
	ResolutionOverturned Resolution = "violation_overturned"
	ResolutionPartial    Resolution = "partial_overturned"
)

// ParseResolution validates a resolution name.
func ParseResolution(s string) (Resolution, error) {
	switch r := Resolution(s); r {
	case ResolutionConfirmed, ResolutionOverturned, ResolutionPartial:
		return r, nil
	default:
		return "", fmt.Errorf("unknown resolution %q", s)
	}
}

// DisputeCase is a staked appeal against a violation.
type DisputeCase struct {
	CaseID          string        `json:"case_id"`
	ViolationID     string        `json:"violation_id"`
	Challenger      string        `json:"challenger"`
	StakeAmount     uint64        `json:"stake_amount"`
	Evidence        string        `json:"evidence"`
	Status          DisputeStatus `json:"status"`
	Resolution      *Resolution   `json:"resolution,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	ResolvedAt      *time.Time    `json:"resolved_at,omitempty"`
	StakeReturned   uint64        `json:"stake_returned"`
	PenaltyReversed uint64        `json:"penalty_reversed"`
}
