// Package ledger is the engine's append-only audit trail.
//
// Every karma delta, violation, dispute outcome, oracle verification and
// proposal transition is written as an entry hash-chained to its predecessor.
// Entries are never mutated or removed.
package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/sabowaryan/agent-karma/pkg/canonicalize"
)

// Genesis is the previous-hash of the first entry.
const Genesis = "genesis"

// Entry types written by the engine.
const (
	EntryKarmaRecalculated = "karma.recalculated"
	EntryKarmaDelta        = "karma.delta"
	EntryKarmaFault        = "karma.fault"
	EntryRatingAccepted    = "rating.accepted"
	EntryViolation         = "violation.recorded"
	EntryDisputeOpened     = "dispute.opened"
	EntryDisputeResolved   = "dispute.resolved"
	EntryOracleVerified    = "oracle.verified"
	EntryProviderChanged   = "oracle.provider_changed"
	EntryProposalCreated   = "proposal.created"
	EntryProposalFinalized = "proposal.finalized"
	EntryProposalExecuted  = "proposal.executed"
	EntryParamsChanged     = "params.changed"
)

// Draft is an entry that has not been chained yet.
type Draft struct {
	EntryType   string         `json:"entry_type"`
	Author      string         `json:"author,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	BlockHeight uint64         `json:"block_height"`
	Data        map[string]any `json:"data"`
}

// Entry is an immutable, hash-chained audit entry.
type Entry struct {
	Sequence    uint64         `json:"sequence"`
	EntryType   string         `json:"entry_type"`
	ContentHash string         `json:"content_hash"`
	PrevHash    string         `json:"prev_hash"`
	Timestamp   time.Time      `json:"timestamp"`
	BlockHeight uint64         `json:"block_height"`
	Author      string         `json:"author,omitempty"`
	Data        map[string]any `json:"data"`
}

// Ledger is an append-only, hash-chained log.
type Ledger struct {
	mu       sync.RWMutex
	entries  []Entry
	headHash string
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{entries: make([]Entry, 0), headHash: Genesis}
}

func contentHash(seq uint64, entryType string, ts time.Time, height uint64, data map[string]any, prev string) (string, error) {
	hashInput := struct {
		Seq      uint64         `json:"seq"`
		Type     string         `json:"type"`
		Time     int64          `json:"time"`
		Height   uint64         `json:"height"`
		Data     map[string]any `json:"data"`
		PrevHash string         `json:"prev"`
	}{seq, entryType, ts.UnixNano(), height, data, prev}
	return canonicalize.CanonicalHash(hashInput)
}

// Chain links drafts onto the current head without appending them.
// The result is handed to Accept once the entries are durable.
func (l *Ledger) Chain(drafts []Draft) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	seq := uint64(len(l.entries))
	prev := l.headHash
	out := make([]Entry, 0, len(drafts))
	for _, d := range drafts {
		seq++
		h, err := contentHash(seq, d.EntryType, d.Timestamp, d.BlockHeight, d.Data, prev)
		if err != nil {
			return nil, fmt.Errorf("failed to hash entry %d: %w", seq, err)
		}
		out = append(out, Entry{
			Sequence:    seq,
			EntryType:   d.EntryType,
			ContentHash: h,
			PrevHash:    prev,
			Timestamp:   d.Timestamp,
			BlockHeight: d.BlockHeight,
			Author:      d.Author,
			Data:        d.Data,
		})
		prev = h
	}
	return out, nil
}

// Accept appends previously chained entries. They must extend the current head.
func (l *Ledger) Accept(entries []Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := l.headHash
	next := uint64(len(l.entries)) + 1
	for _, e := range entries {
		if e.PrevHash != prev || e.Sequence != next {
			return fmt.Errorf("entry %d does not extend head %s", e.Sequence, prev)
		}
		prev = e.ContentHash
		next++
	}
	l.entries = append(l.entries, entries...)
	l.headHash = prev
	return nil
}

// Append chains and accepts a single draft. Returns the sequence number.
func (l *Ledger) Append(d Draft) (uint64, error) {
	entries, err := l.Chain([]Draft{d})
	if err != nil {
		return 0, err
	}
	if err := l.Accept(entries); err != nil {
		return 0, err
	}
	return entries[0].Sequence, nil
}

// Restore replaces the ledger content with previously persisted entries after
// verifying their chain.
func (l *Ledger) Restore(entries []Entry) error {
	if ok, reason := verify(entries); !ok {
		return fmt.Errorf("restore audit ledger: %s", reason)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(make([]Entry, 0, len(entries)), entries...)
	l.headHash = Genesis
	if n := len(entries); n > 0 {
		l.headHash = entries[n-1].ContentHash
	}
	return nil
}

// Get retrieves an entry by sequence number.
func (l *Ledger) Get(seq uint64) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if seq == 0 || seq > uint64(len(l.entries)) {
		return nil, fmt.Errorf("entry %d not found", seq)
	}
	entry := l.entries[seq-1]
	return &entry, nil
}

// Since returns the entries with a sequence greater than seq.
func (l *Ledger) Since(seq uint64) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if seq >= uint64(len(l.entries)) {
		return nil
	}
	return append([]Entry(nil), l.entries[seq:]...)
}

// Head returns the current head hash.
func (l *Ledger) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.headHash
}

// Length returns the number of entries.
func (l *Ledger) Length() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Verify checks the integrity of the entire chain.
func (l *Ledger) Verify() (bool, string) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return verify(l.entries)
}

func verify(entries []Entry) (bool, string) {
	prevHash := Genesis
	for i, entry := range entries {
		if entry.Sequence != uint64(i)+1 {
			return false, fmt.Sprintf("sequence gap at entry %d", i+1)
		}
		if entry.PrevHash != prevHash {
			return false, fmt.Sprintf("chain broken at entry %d: expected prev %s, got %s", i+1, prevHash, entry.PrevHash)
		}
		computed, err := contentHash(entry.Sequence, entry.EntryType, entry.Timestamp, entry.BlockHeight, entry.Data, entry.PrevHash)
		if err != nil {
			return false, fmt.Sprintf("failed to hash entry %d", i+1)
		}
		if computed != entry.ContentHash {
			return false, fmt.Sprintf("hash mismatch at entry %d", i+1)
		}
		prevHash = entry.ContentHash
	}
	return true, "chain verified"
}
