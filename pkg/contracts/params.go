package contracts

import (
	"fmt"
	"sort"
	"time"
)

// Params are the governable protocol parameters.
type Params struct {
	MinKarmaForRating         int64 `json:"min_karma_for_rating" yaml:"min_karma_for_rating"`
	RatingFee                 int64 `json:"rating_fee" yaml:"rating_fee"`
	RatingWindowSeconds       int64 `json:"rating_window_seconds" yaml:"rating_window_seconds"`
	RatingExpirySeconds       int64 `json:"rating_expiry_seconds" yaml:"rating_expiry_seconds"`
	SpamBaseThreshold         int64 `json:"spam_base_threshold" yaml:"spam_base_threshold"`
	BotActionThreshold        int64 `json:"bot_action_threshold" yaml:"bot_action_threshold"`
	MinKarmaForProposal       int64 `json:"min_karma_for_proposal" yaml:"min_karma_for_proposal"`
	MinKarmaForVoting         int64 `json:"min_karma_for_voting" yaml:"min_karma_for_voting"`
	QuorumRequired            int64 `json:"quorum_required" yaml:"quorum_required"`
	DefaultVotingPeriodSecs   int64 `json:"default_voting_period_seconds" yaml:"default_voting_period_seconds"`
	ExecutionDelaySeconds     int64 `json:"execution_delay_seconds" yaml:"execution_delay_seconds"`
	FailedProposalPenalty     int64 `json:"failed_proposal_penalty" yaml:"failed_proposal_penalty"`
	PartialStakeReturnPct     int64 `json:"partial_stake_return_pct" yaml:"partial_stake_return_pct"`
	PartialPenaltyReversalPct int64 `json:"partial_penalty_reversal_pct" yaml:"partial_penalty_reversal_pct"`
}

const (
	MinVotingPeriod = 24 * time.Hour
	MaxVotingPeriod = 30 * 24 * time.Hour
)

// DefaultParams returns the protocol defaults.
func DefaultParams() Params {
	return Params{
		MinKarmaForRating:         0,
		RatingFee:                 1,
		RatingWindowSeconds:       86400,
		RatingExpirySeconds:       30 * 86400,
		SpamBaseThreshold:         10,
		BotActionThreshold:        50,
		MinKarmaForProposal:       100,
		MinKarmaForVoting:         50,
		QuorumRequired:            100,
		DefaultVotingPeriodSecs:   7 * 86400,
		ExecutionDelaySeconds:     0,
		FailedProposalPenalty:     10,
		PartialStakeReturnPct:     50,
		PartialPenaltyReversalPct: 50,
	}
}

type paramRule struct {
	field func(*Params) *int64
	min   int64
	max   int64
}

const unbounded = int64(1) << 62

// MaxDurationParam caps every *_seconds parameter at ten years, well inside
// what time.Duration can hold.
const MaxDurationParam = int64(10 * 365 * 24 * time.Hour / time.Second)

var paramRules = map[string]paramRule{
	"min_karma_for_rating":          {func(p *Params) *int64 { return &p.MinKarmaForRating }, 0, unbounded},
	"rating_fee":                    {func(p *Params) *int64 { return &p.RatingFee }, 0, unbounded},
	"rating_window_seconds":         {func(p *Params) *int64 { return &p.RatingWindowSeconds }, 1, MaxDurationParam},
	"rating_expiry_seconds":         {func(p *Params) *int64 { return &p.RatingExpirySeconds }, 1, MaxDurationParam},
	"spam_base_threshold":           {func(p *Params) *int64 { return &p.SpamBaseThreshold }, 1, unbounded},
	"bot_action_threshold":          {func(p *Params) *int64 { return &p.BotActionThreshold }, 1, unbounded},
	"min_karma_for_proposal":        {func(p *Params) *int64 { return &p.MinKarmaForProposal }, 0, unbounded},
	"min_karma_for_voting":          {func(p *Params) *int64 { return &p.MinKarmaForVoting }, 0, unbounded},
	"quorum_required":               {func(p *Params) *int64 { return &p.QuorumRequired }, 1, unbounded},
	"default_voting_period_seconds": {func(p *Params) *int64 { return &p.DefaultVotingPeriodSecs }, int64(MinVotingPeriod / time.Second), int64(MaxVotingPeriod / time.Second)},
	"execution_delay_seconds":       {func(p *Params) *int64 { return &p.ExecutionDelaySeconds }, 0, MaxDurationParam},
	"failed_proposal_penalty":       {func(p *Params) *int64 { return &p.FailedProposalPenalty }, 0, unbounded},
	"partial_stake_return_pct":      {func(p *Params) *int64 { return &p.PartialStakeReturnPct }, 0, 100},
	"partial_penalty_reversal_pct":  {func(p *Params) *int64 { return &p.PartialPenaltyReversalPct }, 0, 100},
}

// ParamNames lists every governable parameter name, sorted.
func ParamNames() []string {
	names := make([]string, 0, len(paramRules))
	for n := range paramRules {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Get returns the value of the named parameter.
func (p Params) Get(name string) (int64, bool) {
	rule, ok := paramRules[name]
	if !ok {
		return 0, false
	}
	return *rule.field(&p), true
}

// Set validates and assigns the named parameter.
func (p *Params) Set(name string, value int64) error {
	rule, ok := paramRules[name]
	if !ok {
		return fmt.Errorf("unknown parameter %q", name)
	}
	if value < rule.min || value > rule.max {
		return fmt.Errorf("parameter %s=%d out of range [%d, %d]", name, value, rule.min, rule.max)
	}
	*rule.field(p) = value
	return nil
}

// Validate checks every parameter against its bounds.
func (p Params) Validate() error {
	for _, name := range ParamNames() {
		v, _ := p.Get(name)
		candidate := p
		if err := candidate.Set(name, v); err != nil {
			return err
		}
	}
	return nil
}

// AsMap renders the parameters keyed by name.
func (p Params) AsMap() map[string]int64 {
	out := make(map[string]int64, len(paramRules))
	for name, rule := range paramRules {
		out[name] = *rule.field(&p)
	}
	return out
}

func (p Params) RatingWindow() time.Duration {
	return time.Duration(p.RatingWindowSeconds) * time.Second
}

func (p Params) RatingExpiry() time.Duration {
	return time.Duration(p.RatingExpirySeconds) * time.Second
}

func (p Params) DefaultVotingPeriod() time.Duration {
	return time.Duration(p.DefaultVotingPeriodSecs) * time.Second
}

func (p Params) ExecutionDelay() time.Duration {
	return time.Duration(p.ExecutionDelaySeconds) * time.Second
}
