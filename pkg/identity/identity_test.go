package identity

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sabowaryan/agent-karma/pkg/contracts"
	"github.com/sabowaryan/agent-karma/pkg/errorir"
)

var now = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("alice", contracts.AgentMetadata{Name: "Alice", Framework: "eliza"}, now))

	assert.True(t, r.IsRegistered("alice"))
	assert.False(t, r.IsRegistered("bob"))

	meta, at, ok := r.Metadata("alice")
	require.True(t, ok)
	assert.Equal(t, "eliza", meta.Framework)
	assert.Equal(t, now, at)

	err := r.Register("alice", contracts.AgentMetadata{Name: "Again"}, now)
	assert.ErrorIs(t, err, errorir.ErrAgentAlreadyRegistered)
	assert.Error(t, r.Register("carol", contracts.AgentMetadata{}, now))

	require.NoError(t, r.Register("bob", contracts.AgentMetadata{Name: "Bob"}, now))
	assert.Equal(t, []string{"alice", "bob"}, r.Addresses())

	r.Unregister("bob")
	r.Unregister("nobody")
	assert.False(t, r.IsRegistered("bob"))
	assert.Equal(t, []string{"alice"}, r.Addresses())
}

func TestInteractionLog(t *testing.T) {
	l := NewInteractionLog()
	hash := strings.Repeat("ab", 16)

	require.NoError(t, l.Record(contracts.Interaction{Hash: hash, Participants: []string{"alice", "bob"}, Timestamp: now}))
	assert.True(t, l.Verify(hash))
	assert.Equal(t, []string{"alice", "bob"}, l.Participants(hash))

	in, ok := l.Lookup(hash)
	require.True(t, ok)
	assert.True(t, in.Involves("bob"))
	assert.False(t, in.Involves("carol"))

	assert.Error(t, l.Record(contracts.Interaction{Hash: hash, Participants: []string{"alice", "bob"}}))
	assert.Error(t, l.Record(contracts.Interaction{Hash: "xyz", Participants: []string{"alice", "bob"}}))
	assert.Error(t, l.Record(contracts.Interaction{Hash: strings.Repeat("cd", 16), Participants: []string{"alice", "alice"}}))
	assert.False(t, l.Verify(strings.Repeat("ef", 16)))
	assert.Nil(t, l.Participants("missing"))
}

func TestValidInteractionHash(t *testing.T) {
	assert.True(t, ValidInteractionHash(strings.Repeat("a", 64)))
	assert.False(t, ValidInteractionHash(strings.Repeat("a", 31)))
	assert.False(t, ValidInteractionHash(strings.Repeat("a", 129)))
	assert.False(t, ValidInteractionHash(strings.Repeat("g", 64)))
}
