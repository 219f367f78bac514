// Package contracts defines the engine's domain records and protocol parameters.
package contracts

import "time"

// Block is the caller-supplied ordering context of a transaction.
// The engine never reads a wall clock for domain decisions.
type Block struct {
	Height uint64    `json:"height"`
	Time   time.Time `json:"time"`
}

// Agent is the ledger's record of a registered agent.
type Agent struct {
	Address          string    `json:"address"`
	KarmaScore       uint64    `json:"karma_score"`
	RegisteredAt     time.Time `json:"registered_at"`
	InteractionCount uint64    `json:"interaction_count"`
	RatingsReceived  uint64    `json:"ratings_received"`
	LastActivityAt   time.Time `json:"last_activity_at"`
	// Metadata is the registration data, kept so the registry can be rebuilt on restart.
	Metadata *AgentMetadata `json:"metadata,omitempty"`
}

// ActivityAnchor is the instant karma decay is measured from.
func (a Agent) ActivityAnchor() time.Time {
	if a.LastActivityAt.IsZero() {
		return a.RegisteredAt
	}
	return a.LastActivityAt
}

// Touch moves the activity anchor forward; it never moves backwards.
func (a *Agent) Touch(at time.Time) {
	if at.After(a.LastActivityAt) {
		a.LastActivityAt = at
	}
}

// AgentMetadata is descriptive data held by the identity registry.
type AgentMetadata struct {
	Name      string `json:"name"`
	Framework string `json:"framework,omitempty"`
	IPFSHash  string `json:"ipfs_hash,omitempty"`
}

// Interaction is a verified exchange between agents recorded in the interaction log.
type Interaction struct {
	Hash         string    `json:"hash"`
	Participants []string  `json:"participants"`
	Kind         string    `json:"kind,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Involves reports whether addr took part in the interaction.
func (i Interaction) Involves(addr string) bool {
	for _, p := range i.Participants {
		if p == addr {
			return true
		}
	}
	return false
}
