// Package abuse detects rating spam, bot-like activity and rating
// manipulation, and turns findings into penalized compliance violations.
package abuse

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/sabowaryan/agent-karma/pkg/contracts"
	"github.com/sabowaryan/agent-karma/pkg/karma"
	"github.com/sabowaryan/agent-karma/pkg/ledger"
	"github.com/sabowaryan/agent-karma/pkg/store"
)

// Check windows. A violation of a type is not raised twice for the same
// agent within its window.
const (
	SpamWindow         = time.Hour
	BotWindow          = time.Hour
	ManipulationWindow = 24 * time.Hour
)

// MaxConfidence is 100% in per-mille.
const MaxConfidence = 1000

// Finding is the result of a single check.
type Finding struct {
	IsSuspicious       bool                    `json:"is_suspicious"`
	ViolationType      contracts.ViolationType `json:"violation_type,omitempty"`
	Confidence         uint16                  `json:"confidence_permille"`
	Severity           uint8                   `json:"severity"`
	RecommendedPenalty uint64                  `json:"recommended_penalty"`
	Evidence           []string                `json:"evidence,omitempty"`
}

// Penalty is baseMultiplier × severity × confidence × 10 with confidence in
// per-mille, floored.
func Penalty(vt contracts.ViolationType, severity uint8, confidence uint16) uint64 {
	return vt.BaseMultiplier() * uint64(severity) * uint64(confidence) * 10 / MaxConfidence
}

// Detector runs the abuse checks and records violations.
type Detector struct {
	karma  *karma.Ledger
	logger *slog.Logger
}

func NewDetector(kl *karma.Ledger) *Detector {
	return &Detector{karma: kl, logger: slog.Default().With("component", "abuse")}
}

// Evaluate runs every check for agent as of blk, records a violation for each
// suspicious finding outside its cooldown and applies the penalty.
func (d *Detector) Evaluate(tx *store.Tx, blk contracts.Block, agent string) ([]contracts.ComplianceViolation, error) {
	checks := []struct {
		vt     contracts.ViolationType
		window time.Duration
		run    func(*store.Tx, contracts.Block, string) Finding
	}{
		{contracts.ViolationSpamRating, SpamWindow, CheckSpam},
		{contracts.ViolationBotBehavior, BotWindow, CheckBot},
		{contracts.ViolationRatingManipulation, ManipulationWindow, CheckManipulation},
	}

	var out []contracts.ComplianceViolation
	for _, c := range checks {
		if coolingDown(tx, blk, agent, c.vt, c.window) {
			continue
		}
		f := c.run(tx, blk, agent)
		if !f.IsSuspicious {
			continue
		}
		v, err := d.record(tx, blk, agent, f)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func coolingDown(tx *store.Tx, blk contracts.Block, agent string, vt contracts.ViolationType, window time.Duration) bool {
	since := blk.Time.Add(-window)
	for _, v := range tx.ViolationsFor(agent) {
		if v.ViolationType == vt && v.Timestamp.After(since) {
			return true
		}
	}
	return false
}

func (d *Detector) record(tx *store.Tx, blk contracts.Block, agent string, f Finding) (contracts.ComplianceViolation, error) {
	v := contracts.ComplianceViolation{
		ID:            contracts.DeterministicID("violation", agent, f.ViolationType, blk.Height, blk.Time.UnixNano()),
		Agent:         agent,
		ViolationType: f.ViolationType,
		Severity:      f.Severity,
		Confidence:    f.Confidence,
		Timestamp:     blk.Time,
		BlockHeight:   blk.Height,
		Evidence:      f.Evidence,
	}
	applied, err := d.karma.ApplyPenalty(tx, blk, agent, f.RecommendedPenalty, fmt.Sprintf("violation %s (%s)", v.ID, f.ViolationType))
	if err != nil {
		return contracts.ComplianceViolation{}, err
	}
	v.PenaltyApplied = applied
	tx.PutViolation(v)
	tx.Audit(ledger.Draft{
		EntryType:   ledger.EntryViolation,
		Author:      "abuse",
		Timestamp:   blk.Time,
		BlockHeight: blk.Height,
		Data: map[string]any{
			"id":         v.ID,
			"agent":      agent,
			"type":       string(f.ViolationType),
			"severity":   f.Severity,
			"confidence": f.Confidence,
			"penalty":    applied,
		},
	})
	d.logger.WarnContext(context.Background(), "violation recorded",
		"id", v.ID, "agent", agent, "type", f.ViolationType,
		"severity", f.Severity, "confidence", f.Confidence, "penalty", applied)
	return v, nil
}

// CheckSpam flags an agent that rated more often in the last hour than its
// karma tier allows.
func CheckSpam(tx *store.Tx, blk contracts.Block, agent string) Finding {
	since := blk.Time.Add(-SpamWindow)
	var recent []contracts.Rating
	for _, r := range tx.RatingsBy(agent) {
		if !r.Timestamp.Before(since) {
			recent = append(recent, r)
		}
	}

	var score uint64
	if a, ok := tx.Agent(agent); ok {
		score = a.KarmaScore
	}
	// Threshold in tenths: base × 1.0 / 1.2 / 1.5 / 2.0.
	thresholdTenths := tx.Params().SpamBaseThreshold * spamTierTenths(score)
	count := int64(len(recent))
	if count*10 <= thresholdTenths {
		return Finding{}
	}

	confidence := 600
	if len(recent) > 5 && lowSpread(recent) {
		confidence += 300
	}
	target, share := dominantTarget(recent)
	if share*5 > len(recent)*4 {
		confidence += 100
	}
	confidence = min(confidence, MaxConfidence)
	severity := clampSeverity(ceilDiv(10*(count*10-thresholdTenths), thresholdTenths))

	f := Finding{
		IsSuspicious:  true,
		ViolationType: contracts.ViolationSpamRating,
		Confidence:    uint16(confidence), //nolint:gosec // capped at 1000
		Severity:      severity,
		Evidence: []string{
			fmt.Sprintf("ratings_last_hour=%d", count),
			fmt.Sprintf("threshold=%s", big.NewRat(thresholdTenths, 10).FloatString(1)),
			fmt.Sprintf("dominant_target=%s share=%d/%d", target, share, len(recent)),
		},
	}
	f.RecommendedPenalty = Penalty(f.ViolationType, f.Severity, f.Confidence)
	return f
}

func spamTierTenths(score uint64) int64 {
	switch {
	case score > 1000:
		return 20
	case score > 500:
		return 15
	case score > 100:
		return 12
	default:
		return 10
	}
}

// lowSpread reports a population standard deviation of scores below 0.5,
// i.e. 4·(nΣx² − (Σx)²) < n².
func lowSpread(rs []contracts.Rating) bool {
	var n, sum, sq int64
	for _, r := range rs {
		x := int64(r.Score)
		n++
		sum += x
		sq += x * x
	}
	return 4*(n*sq-sum*sum) < n*n
}

func dominantTarget(rs []contracts.Rating) (string, int) {
	counts := make(map[string]int)
	best, bestN := "", 0
	for _, r := range rs {
		counts[r.Rated]++
		n := counts[r.Rated]
		if n > bestN || (n == bestN && r.Rated < best) {
			best, bestN = r.Rated, n
		}
	}
	return best, bestN
}

// CheckBot flags more actions in the last hour than the bot threshold.
func CheckBot(tx *store.Tx, blk contracts.Block, agent string) Finding {
	actions := tx.ActionsSince(agent, blk.Time.Add(-BotWindow))
	threshold := tx.Params().BotActionThreshold
	count := int64(len(actions))
	if count <= threshold {
		return Finding{}
	}

	confidence := 600
	regular := regularIntervals(actions)
	if regular {
		confidence += 400
	}
	f := Finding{
		IsSuspicious:  true,
		ViolationType: contracts.ViolationBotBehavior,
		Confidence:    uint16(min(confidence, MaxConfidence)), //nolint:gosec // capped at 1000
		Severity:      clampSeverity(ceilDiv(10*(count-threshold), threshold)),
		Evidence: []string{
			fmt.Sprintf("actions_last_hour=%d", count),
			fmt.Sprintf("threshold=%d", threshold),
			fmt.Sprintf("regular_intervals=%t", regular),
		},
	}
	f.RecommendedPenalty = Penalty(f.ViolationType, f.Severity, f.Confidence)
	return f
}

// regularIntervals reports a coefficient of variation of the gaps between
// consecutive actions below 0.1, i.e. 100·(nΣd² − (Σd)²) < (Σd)².
func regularIntervals(ts []time.Time) bool {
	if len(ts) < 3 {
		return false
	}
	n := big.NewInt(int64(len(ts) - 1))
	sum, sq := new(big.Int), new(big.Int)
	for i := 1; i < len(ts); i++ {
		d := big.NewInt(ts[i].Sub(ts[i-1]).Microseconds())
		sum.Add(sum, d)
		sq.Add(sq, new(big.Int).Mul(d, d))
	}
	if sum.Sign() == 0 {
		return true
	}
	variance := new(big.Int).Sub(new(big.Int).Mul(n, sq), new(big.Int).Mul(sum, sum))
	lhs := variance.Mul(variance, big.NewInt(100))
	return lhs.Cmp(new(big.Int).Mul(sum, sum)) < 0
}

// Manipulation thresholds.
const (
	ReciprocalHigh      = 9
	ReciprocalLow       = 2
	ClusterMaxScore     = 3
	ClusterMinRatings   = 5
	ClusterMinRaters    = 3
	pairBaseConfidence  = 500
	pairExtraConfidence = 100
	clusterConfidence   = 400
)

// CheckManipulation looks for reciprocal extreme rating pairs and for
// clustered negative ratings the agent took part in, over the last 24h.
func CheckManipulation(tx *store.Tx, blk contracts.Block, agent string) Finding {
	since := blk.Time.Add(-ManipulationWindow)
	within := func(r contracts.Rating) bool { return !r.Timestamp.Before(since) }

	pairs := make(map[string]bool)
	negTargets := make(map[string]bool)
	for _, r := range tx.RatingsBy(agent) {
		if !within(r) {
			continue
		}
		if r.Score <= ClusterMaxScore {
			negTargets[r.Rated] = true
		}
		if pairs[r.Rated] {
			continue
		}
		for _, back := range tx.RatingsBy(r.Rated) {
			if back.Rated != agent || !within(back) {
				continue
			}
			if extremePair(r.Score, back.Score) {
				pairs[r.Rated] = true
				break
			}
		}
	}

	clusterSize := 0
	clusterTarget := ""
	for target := range negTargets {
		n, raters := 0, make(map[string]struct{})
		for _, r := range tx.RatingsFor(target) {
			if within(r) && r.Score <= ClusterMaxScore {
				n++
				raters[r.Rater] = struct{}{}
			}
		}
		if n >= ClusterMinRatings && len(raters) >= ClusterMinRaters &&
			(n > clusterSize || (n == clusterSize && target < clusterTarget)) {
			clusterSize, clusterTarget = n, target
		}
	}

	if len(pairs) == 0 && clusterSize == 0 {
		return Finding{}
	}
	confidence := 0
	if len(pairs) > 0 {
		confidence = pairBaseConfidence + pairExtraConfidence*(len(pairs)-1)
	}
	if clusterSize > 0 {
		confidence += clusterConfidence
	}
	f := Finding{
		IsSuspicious:  true,
		ViolationType: contracts.ViolationRatingManipulation,
		Confidence:    uint16(min(confidence, MaxConfidence)), //nolint:gosec // capped at 1000
		Severity:      clampSeverity(int64(2*len(pairs) + clusterSize/2)),
		Evidence: []string{
			fmt.Sprintf("reciprocal_pairs=%d", len(pairs)),
			fmt.Sprintf("negative_cluster=%d target=%s", clusterSize, clusterTarget),
		},
	}
	f.RecommendedPenalty = Penalty(f.ViolationType, f.Severity, f.Confidence)
	return f
}

func extremePair(a, b uint8) bool {
	return (a >= ReciprocalHigh && b >= ReciprocalHigh) || (a <= ReciprocalLow && b <= ReciprocalLow)
}

func ceilDiv(a, b int64) int64 {
	if b <= 0 {
		return 10
	}
	return (a + b - 1) / b
}

func clampSeverity(s int64) uint8 {
	return uint8(max(1, min(s, 10))) //nolint:gosec // clamped to [1,10]
}
