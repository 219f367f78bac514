// Package events carries engine events to subscribers after a transaction
// commits. Delivery is at-most-once; the audit ledger is the durable record.
package events

import (
	"context"
	"sync"
	"time"
)

// Event types.
const (
	RatingAccepted    = "rating.accepted"
	KarmaUpdated      = "karma.updated"
	ViolationRecorded = "violation.recorded"
	DisputeOpened     = "dispute.opened"
	DisputeResolved   = "dispute.resolved"
	OracleVerified    = "oracle.verified"
	ProposalCreated   = "proposal.created"
	ProposalFinalized = "proposal.finalized"
	ProposalExecuted  = "proposal.executed"
)

// Event is a committed engine fact. Key orders events of one subject.
type Event struct {
	Type   string    `json:"type"`
	Key    string    `json:"key"`
	Height uint64    `json:"height"`
	Time   time.Time `json:"time"`
	Data   any       `json:"data"`
}

// Sink receives events.
type Sink interface {
	Publish(ctx context.Context, e Event) error
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of what was recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []string {
	evs := r.Events()
	out := make([]string, len(evs))
	for i, e := range evs {
		out[i] = e.Type
	}
	return out
}
