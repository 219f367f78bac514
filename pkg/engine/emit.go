package engine

import (
	"context"
	"fmt"

	"github.com/sabowaryan/agent-karma/pkg/events"
	"github.com/sabowaryan/agent-karma/pkg/ledger"
)

// eventTypes maps audit entry types to published event types. Entries not
// listed here are audited but not published.
var eventTypes = map[string]string{
	ledger.EntryKarmaRecalculated: events.KarmaUpdated,
	ledger.EntryKarmaDelta:        events.KarmaUpdated,
	ledger.EntryRatingAccepted:    events.RatingAccepted,
	ledger.EntryViolation:         events.ViolationRecorded,
	ledger.EntryDisputeOpened:     events.DisputeOpened,
	ledger.EntryDisputeResolved:   events.DisputeResolved,
	ledger.EntryOracleVerified:    events.OracleVerified,
	ledger.EntryProposalCreated:   events.ProposalCreated,
	ledger.EntryProposalFinalized: events.ProposalFinalized,
	ledger.EntryProposalExecuted:  events.ProposalExecuted,
}

func eventKey(d ledger.Draft) string {
	for _, k := range []string{"agent", "case_id", "id"} {
		if v, ok := d.Data[k]; ok {
			return fmt.Sprint(v)
		}
	}
	return d.Author
}

// emit records metrics and publishes events for committed audit drafts.
func (e *Engine) emit(ctx context.Context, drafts []ledger.Draft) {
	for _, d := range drafts {
		e.observe(ctx, d)
		typ, ok := eventTypes[d.EntryType]
		if !ok {
			continue
		}
		ev := events.Event{Type: typ, Key: eventKey(d), Height: d.BlockHeight, Time: d.Timestamp, Data: d.Data}
		if err := e.sink.Publish(ctx, ev); err != nil {
			e.logger.WarnContext(ctx, "event not published", "type", typ, "key", ev.Key, "error", err)
		}
	}
}

func (e *Engine) observe(ctx context.Context, d ledger.Draft) {
	switch d.EntryType {
	case ledger.EntryRatingAccepted:
		e.telemetry.RatingAccepted(ctx)
	case ledger.EntryViolation:
		penalty, _ := d.Data["penalty"].(uint64)
		vt, _ := d.Data["type"].(string)
		e.telemetry.ViolationRaised(ctx, vt, penalty)
	case ledger.EntryKarmaFault:
		e.telemetry.RecalculationFault(ctx)
	case ledger.EntryProposalFinalized:
		status, _ := d.Data["status"].(string)
		e.telemetry.ProposalFinalized(ctx, status)
	}
}
