// Package identity holds the engine's external collaborators: the agent
// identity registry and the interaction audit log. The engine only depends on
// the Oracle and Log interfaces; the in-memory types here back the CLI, the
// HTTP API and tests.
package identity

import (
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/sabowaryan/agent-karma/pkg/contracts"
	"github.com/sabowaryan/agent-karma/pkg/errorir"
)

// Oracle answers registration queries.
type Oracle interface {
	IsRegistered(addr string) bool
	Metadata(addr string) (contracts.AgentMetadata, time.Time, bool)
}

// Log answers interaction queries.
type Log interface {
	Verify(hash string) bool
	Participants(hash string) []string
	Lookup(hash string) (contracts.Interaction, bool)
}

var interactionHashRe = regexp.MustCompile(`^[0-9a-fA-F]{32,128}$`)

// ValidInteractionHash reports whether hash is a 32 to 128 character hex digest.
func ValidInteractionHash(hash string) bool {
	return interactionHashRe.MatchString(hash)
}

type registration struct {
	meta contracts.AgentMetadata
	at   time.Time
}

// Registry is an in-memory identity registry.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]registration)}
}

// Register adds addr. Registering twice fails with AgentAlreadyRegistered.
func (r *Registry) Register(addr string, meta contracts.AgentMetadata, at time.Time) error {
	if addr == "" {
		return errorir.New(errorir.CodeInvalidParameter, "agent address is empty")
	}
	if meta.Name == "" {
		return errorir.New(errorir.CodeInvalidParameter, "agent name is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[addr]; ok {
		return errorir.New(errorir.CodeAgentAlreadyRegistered, "agent %s already registered", addr)
	}
	r.agents[addr] = registration{meta: meta, at: at}
	return nil
}

// Unregister removes addr. It is a no-op for unknown addresses.
func (r *Registry) Unregister(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, addr)
}

// IsRegistered implements Oracle.
func (r *Registry) IsRegistered(addr string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[addr]
	return ok
}

// Metadata implements Oracle.
func (r *Registry) Metadata(addr string) (contracts.AgentMetadata, time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.agents[addr]
	return reg.meta, reg.at, ok
}

// Addresses returns every registered address, sorted.
func (r *Registry) Addresses() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.agents))
	for a := range r.agents {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// InteractionLog is an in-memory interaction audit log.
type InteractionLog struct {
	mu    sync.RWMutex
	items map[string]contracts.Interaction
}

// NewInteractionLog creates an empty log.
func NewInteractionLog() *InteractionLog {
	return &InteractionLog{items: make(map[string]contracts.Interaction)}
}

// Record stores an interaction. Hashes are unique and need at least two distinct participants.
func (l *InteractionLog) Record(in contracts.Interaction) error {
	if !ValidInteractionHash(in.Hash) {
		return errorir.New(errorir.CodeInvalidParameter, "interaction hash must be 32-128 hex characters")
	}
	distinct := make(map[string]struct{}, len(in.Participants))
	for _, p := range in.Participants {
		distinct[p] = struct{}{}
	}
	if len(distinct) < 2 {
		return errorir.New(errorir.CodeInvalidParameter, "interaction needs at least two participants")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.items[in.Hash]; ok {
		return fmt.Errorf("interaction %s already recorded", in.Hash)
	}
	in.Participants = append([]string(nil), in.Participants...)
	l.items[in.Hash] = in
	return nil
}

// Verify implements Log.
func (l *InteractionLog) Verify(hash string) bool {
	_, ok := l.Lookup(hash)
	return ok
}

// Participants implements Log.
func (l *InteractionLog) Participants(hash string) []string {
	in, ok := l.Lookup(hash)
	if !ok {
		return nil
	}
	return in.Participants
}

// Lookup implements Log.
func (l *InteractionLog) Lookup(hash string) (contracts.Interaction, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	in, ok := l.items[hash]
	if ok {
		in.Participants = append([]string(nil), in.Participants...)
	}
	return in, ok
}
