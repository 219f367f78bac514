package store

import (
	"sort"
	"time"
)

// Restore rebuilds the state from persisted records. Each slice must be in
// ascending sequence order. Derived indexes (adjustments, action log) are
// recomputed. Restore is meant for an empty state at startup.
func (s *State) Restore(cs ChangeSet) {
	tx := s.Begin()
	maxSeq := uint64(0)
	track := func(seq uint64) {
		if seq > maxSeq {
			maxSeq = seq
		}
	}
	actions := make(map[string][]time.Time)

	for _, r := range cs.Agents {
		track(r.Seq)
		s.agents[r.Value.Address] = r.Value
	}
	for _, r := range cs.Ratings {
		track(r.Seq)
		tx.AddRating(r.Value)
		actions[r.Value.Rater] = append(actions[r.Value.Rater], r.Value.Timestamp)
	}
	for _, r := range cs.Calculations {
		track(r.Seq)
		tx.AddCalculation(r.Value)
	}
	for _, r := range cs.Violations {
		track(r.Seq)
		tx.PutViolation(r.Value)
	}
	for _, r := range cs.Disputes {
		track(r.Seq)
		tx.PutDispute(r.Value)
		actions[r.Value.Challenger] = append(actions[r.Value.Challenger], r.Value.CreatedAt)
	}
	for _, r := range cs.Oracle {
		track(r.Seq)
		tx.AddOracleData(r.Value)
	}
	for _, r := range cs.Providers {
		track(r.Seq)
		if r.Value.Active {
			s.providers[r.Value.Address] = true
		}
	}
	for _, r := range cs.Proposals {
		track(r.Seq)
		tx.PutProposal(r.Value)
		if r.Value.ID > s.lastProposal {
			s.lastProposal = r.Value.ID
		}
		actions[r.Value.Proposer] = append(actions[r.Value.Proposer], r.Value.CreatedAt)
	}
	for _, r := range cs.Votes {
		track(r.Seq)
		tx.PutVote(r.Value)
		actions[r.Value.Voter] = append(actions[r.Value.Voter], r.Value.Timestamp)
	}
	if cs.Params != nil {
		s.params = *cs.Params
	}
	for addr, times := range actions {
		sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
		s.actions[addr] = times
	}
	tx.Commit()
	s.seq = maxSeq
}
