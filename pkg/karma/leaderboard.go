package karma

import (
	"sort"

	"github.com/sabowaryan/agent-karma/pkg/canonicalize"
	"github.com/sabowaryan/agent-karma/pkg/contracts"
)

// Tier is a coarse reputation band derived from karma.
type Tier string

const (
	TierPlatinum Tier = "PLATINUM" // > 1000
	TierGold     Tier = "GOLD"     // > 500
	TierSilver   Tier = "SILVER"   // > 100
	TierBronze   Tier = "BRONZE"   // > 0
	TierNone     Tier = ""
)

// TierFor returns the tier of a karma score.
func TierFor(score uint64) Tier {
	switch {
	case score > 1000:
		return TierPlatinum
	case score > 500:
		return TierGold
	case score > 100:
		return TierSilver
	case score > 0:
		return TierBronze
	default:
		return TierNone
	}
}

const (
	DefaultLeaderboardSize = 20
	MaxLeaderboardSize     = 100
)

// LeaderboardEntry is one ranked agent.
type LeaderboardEntry struct {
	Rank            int    `json:"rank"`
	Address         string `json:"address"`
	KarmaScore      uint64 `json:"karma_score"`
	RatingsReceived uint64 `json:"ratings_received"`
	Tier            Tier   `json:"tier"`
}

// Leaderboard is a deterministic ranking snapshot.
type Leaderboard struct {
	Entries     []LeaderboardEntry `json:"entries"`
	TotalAgents int                `json:"total_agents"`
	Hash        string             `json:"hash"`
}

// Rank orders agents by karma descending, then address ascending, and keeps
// the first limit entries. limit ≤ 0 selects the default; it is capped at MaxLeaderboardSize.
func Rank(agents []contracts.Agent, limit int) Leaderboard {
	if limit <= 0 {
		limit = DefaultLeaderboardSize
	}
	limit = min(limit, MaxLeaderboardSize)

	sorted := append([]contracts.Agent(nil), agents...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].KarmaScore != sorted[j].KarmaScore {
			return sorted[i].KarmaScore > sorted[j].KarmaScore
		}
		return sorted[i].Address < sorted[j].Address
	})

	n := min(limit, len(sorted))
	entries := make([]LeaderboardEntry, n)
	for i := 0; i < n; i++ {
		entries[i] = LeaderboardEntry{
			Rank:            i + 1,
			Address:         sorted[i].Address,
			KarmaScore:      sorted[i].KarmaScore,
			RatingsReceived: sorted[i].RatingsReceived,
			Tier:            TierFor(sorted[i].KarmaScore),
		}
	}
	lb := Leaderboard{Entries: entries, TotalAgents: len(agents)}
	lb.Hash, _ = canonicalize.CanonicalHash(entries)
	return lb
}
