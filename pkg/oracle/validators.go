package oracle

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"

	"golang.org/x/crypto/hkdf"

	"github.com/sabowaryan/agent-karma/pkg/canonicalize"
	"github.com/sabowaryan/agent-karma/pkg/contracts"
)

const (
	// ValidatorSetSize is the fixed number of oracle validators.
	ValidatorSetSize = 5
	// Threshold is the number of distinct valid signatures required (67% of 5, rounded up).
	Threshold = 3
)

// ValidatorSet is the fixed set of keys allowed to co-sign oracle data.
type ValidatorSet struct {
	members map[string]ed25519.PublicKey
}

// NewValidatorSet builds a set from validator IDs and hex-encoded ed25519 public keys.
func NewValidatorSet(keys map[string]string) (*ValidatorSet, error) {
	if len(keys) != ValidatorSetSize {
		return nil, fmt.Errorf("validator set needs exactly %d members, got %d", ValidatorSetSize, len(keys))
	}
	vs := &ValidatorSet{members: make(map[string]ed25519.PublicKey, len(keys))}
	seen := make(map[string]string, len(keys))
	for id, pubHex := range keys {
		pub, err := hex.DecodeString(pubHex)
		if err != nil {
			return nil, fmt.Errorf("validator %s: invalid public key hex: %w", id, err)
		}
		if len(pub) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("validator %s: invalid public key size", id)
		}
		if owner, dup := seen[string(pub)]; dup {
			return nil, fmt.Errorf("validators %s and %s share a public key", owner, id)
		}
		seen[string(pub)] = id
		vs.members[id] = ed25519.PublicKey(pub)
	}
	return vs, nil
}

// IDs returns the member IDs, sorted.
func (vs *ValidatorSet) IDs() []string {
	ids := make([]string, 0, len(vs.members))
	for id := range vs.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PublicKeys returns the hex-encoded member keys.
func (vs *ValidatorSet) PublicKeys() map[string]string {
	out := make(map[string]string, len(vs.members))
	for id, pub := range vs.members {
		out[id] = hex.EncodeToString(pub)
	}
	return out
}

// Verify checks a hex signature by member id over digest.
func (vs *ValidatorSet) Verify(id, sigHex string, digest []byte) bool {
	pub, ok := vs.members[id]
	if !ok {
		return false
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, digest, sig)
}

// Contains reports membership.
func (vs *ValidatorSet) Contains(id string) bool {
	_, ok := vs.members[id]
	return ok
}

// SigningDigest is the message validators sign for an attestation.
func SigningDigest(msg contracts.SigningMessage) ([]byte, error) {
	return canonicalize.Digest(msg)
}

// Sign produces a hex ed25519 signature over the signing digest of msg.
func Sign(priv ed25519.PrivateKey, msg contracts.SigningMessage) (string, error) {
	digest, err := SigningDigest(msg)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(ed25519.Sign(priv, digest)), nil
}

// DeriveValidatorKeys derives the five validator keys from a single seed with
// HKDF-SHA256. Meant for development networks and tests; production sets
// load real public keys.
func DeriveValidatorKeys(seed []byte) (map[string]ed25519.PrivateKey, error) {
	if len(seed) < 16 {
		return nil, fmt.Errorf("validator seed must be at least 16 bytes")
	}
	keys := make(map[string]ed25519.PrivateKey, ValidatorSetSize)
	for i := 1; i <= ValidatorSetSize; i++ {
		id := fmt.Sprintf("validator-%d", i)
		r := hkdf.New(sha256.New, seed, []byte("agent-karma-oracle-kdf"), []byte(id))
		s := make([]byte, ed25519.SeedSize)
		if _, err := io.ReadFull(r, s); err != nil {
			return nil, fmt.Errorf("HKDF derivation failed: %w", err)
		}
		keys[id] = ed25519.NewKeyFromSeed(s)
	}
	return keys, nil
}

// PublicSet converts derived private keys into a ValidatorSet.
func PublicSet(keys map[string]ed25519.PrivateKey) (*ValidatorSet, error) {
	pubs := make(map[string]string, len(keys))
	for id, priv := range keys {
		pubs[id] = hex.EncodeToString(priv.Public().(ed25519.PublicKey))
	}
	return NewValidatorSet(pubs)
}
