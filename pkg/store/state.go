// Package store holds the engine's keyed state and its durable backends.
//
// State is the authoritative in-memory view. All mutations go through a Tx
// that keeps an undo log, so a failed operation leaves no trace, and a
// ChangeSet, so a committed operation can be persisted as one unit.
// State is not safe for concurrent use; the engine serializes access.
package store

import (
	"sort"
	"time"

	"github.com/sabowaryan/agent-karma/pkg/contracts"
	"github.com/sabowaryan/agent-karma/pkg/ledger"
)

// State is the keyed store of every engine record.
type State struct {
	seq uint64

	agents       map[string]contracts.Agent
	ratings      []contracts.Rating
	ratingKeys   map[contracts.RatingKey]int
	ratingsRated map[string][]int
	ratingsRater map[string][]int
	calculations map[string][]contracts.KarmaCalculation
	adjustments  map[string]int64
	actions      map[string][]time.Time

	violations     map[string]contracts.ComplianceViolation
	violationOrder map[string][]string
	disputes       map[string]contracts.DisputeCase
	disputeOrder   []string

	oracle    map[contracts.DataType][]contracts.OracleData
	providers map[string]bool

	proposals    map[uint64]contracts.Proposal
	lastProposal uint64
	votes        map[contracts.VoteKey]contracts.Vote
	voteOrder    map[uint64][]string

	params contracts.Params
}

// NewState creates an empty state with the given protocol parameters.
func NewState(params contracts.Params) *State {
	return &State{
		agents:         make(map[string]contracts.Agent),
		ratingKeys:     make(map[contracts.RatingKey]int),
		ratingsRated:   make(map[string][]int),
		ratingsRater:   make(map[string][]int),
		calculations:   make(map[string][]contracts.KarmaCalculation),
		adjustments:    make(map[string]int64),
		actions:        make(map[string][]time.Time),
		violations:     make(map[string]contracts.ComplianceViolation),
		violationOrder: make(map[string][]string),
		disputes:       make(map[string]contracts.DisputeCase),
		oracle:         make(map[contracts.DataType][]contracts.OracleData),
		providers:      make(map[string]bool),
		proposals:      make(map[uint64]contracts.Proposal),
		votes:          make(map[contracts.VoteKey]contracts.Vote),
		voteOrder:      make(map[uint64][]string),
		params:         params,
	}
}

// Begin opens a transaction. Only one transaction may be open at a time.
func (s *State) Begin() *Tx {
	return &Tx{s: s}
}

// ChangeSet lists every record written by a transaction, in write order.
type ChangeSet struct {
	Agents       []Record[contracts.Agent]
	Ratings      []Record[contracts.Rating]
	Calculations []Record[contracts.KarmaCalculation]
	Violations   []Record[contracts.ComplianceViolation]
	Disputes     []Record[contracts.DisputeCase]
	Oracle       []Record[contracts.OracleData]
	Providers    []Record[ProviderStatus]
	Proposals    []Record[contracts.Proposal]
	Votes        []Record[contracts.Vote]
	Params       *contracts.Params
	Audit        []ledger.Draft
}

// Record pairs a written value with its store sequence number.
type Record[T any] struct {
	Seq   uint64
	Value T
}

// ProviderStatus is the allow-list state of an oracle provider.
type ProviderStatus struct {
	Address string `json:"address"`
	Active  bool   `json:"active"`
}

// Empty reports whether nothing was written.
func (c *ChangeSet) Empty() bool {
	return len(c.Agents)+len(c.Ratings)+len(c.Calculations)+len(c.Violations)+len(c.Disputes)+
		len(c.Oracle)+len(c.Providers)+len(c.Proposals)+len(c.Votes)+len(c.Audit) == 0 && c.Params == nil
}

// Tx is an all-or-nothing unit of work over State.
type Tx struct {
	s       *State
	undo    []func()
	changes ChangeSet
	done    bool
}

// Savepoint marks a point the transaction can roll back to.
type Savepoint int

func putUndo[K comparable, V any](tx *Tx, m map[K]V, k K, v V) {
	old, had := m[k]
	m[k] = v
	tx.undo = append(tx.undo, func() {
		if had {
			m[k] = old
		} else {
			delete(m, k)
		}
	})
}

func appendUndo[T any](tx *Tx, s *[]T, v T) {
	n := len(*s)
	*s = append(*s, v)
	tx.undo = append(tx.undo, func() { *s = (*s)[:n] })
}

func appendKeyedUndo[K comparable, T any](tx *Tx, m map[K][]T, k K, v T) {
	n := len(m[k])
	m[k] = append(m[k], v)
	tx.undo = append(tx.undo, func() {
		if n == 0 {
			delete(m, k)
			return
		}
		m[k] = m[k][:n]
	})
}

func (tx *Tx) nextSeq() uint64 {
	prev := tx.s.seq
	tx.s.seq++
	tx.undo = append(tx.undo, func() { tx.s.seq = prev })
	return tx.s.seq
}

// Savepoint returns a marker for RollbackTo.
func (tx *Tx) Savepoint() Savepoint { return Savepoint(len(tx.undo)) }

// RollbackTo undoes every write made after sp.
func (tx *Tx) RollbackTo(sp Savepoint) {
	for i := len(tx.undo) - 1; i >= int(sp); i-- {
		tx.undo[i]()
	}
	tx.undo = tx.undo[:sp]
}

// OnRollback registers undo to run if the transaction rolls back. It lets
// writes to stores outside State join the transaction.
func (tx *Tx) OnRollback(undo func()) {
	tx.undo = append(tx.undo, undo)
}

// Rollback undoes every write of the transaction.
func (tx *Tx) Rollback() {
	if tx.done {
		return
	}
	tx.RollbackTo(0)
	tx.changes = ChangeSet{}
	tx.done = true
}

// Commit makes the writes permanent and returns what was written.
func (tx *Tx) Commit() ChangeSet {
	tx.undo = nil
	tx.done = true
	return tx.changes
}

// Changes returns the pending change set without committing.
func (tx *Tx) Changes() ChangeSet { return tx.changes }

// Audit queues an audit ledger draft with the transaction.
func (tx *Tx) Audit(d ledger.Draft) {
	appendUndo(tx, &tx.changes.Audit, d)
}

// Agents

func (tx *Tx) Agent(addr string) (contracts.Agent, bool) {
	a, ok := tx.s.agents[addr]
	return a, ok
}

func (tx *Tx) PutAgent(a contracts.Agent) {
	putUndo(tx, tx.s.agents, a.Address, a)
	appendUndo(tx, &tx.changes.Agents, Record[contracts.Agent]{Seq: tx.nextSeq(), Value: a})
}

// Agents returns every agent sorted by address.
func (tx *Tx) Agents() []contracts.Agent {
	out := make([]contracts.Agent, 0, len(tx.s.agents))
	for _, a := range tx.s.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Ratings

func (tx *Tx) HasRating(k contracts.RatingKey) bool {
	_, ok := tx.s.ratingKeys[k]
	return ok
}

func (tx *Tx) AddRating(r contracts.Rating) {
	seq := tx.nextSeq()
	idx := len(tx.s.ratings)
	appendUndo(tx, &tx.s.ratings, r)
	putUndo(tx, tx.s.ratingKeys, r.Key(), idx)
	appendKeyedUndo(tx, tx.s.ratingsRated, r.Rated, idx)
	appendKeyedUndo(tx, tx.s.ratingsRater, r.Rater, idx)
	appendUndo(tx, &tx.changes.Ratings, Record[contracts.Rating]{Seq: seq, Value: r})
}

// RatingsFor returns ratings received by addr in acceptance order.
func (tx *Tx) RatingsFor(addr string) []contracts.Rating {
	return tx.pick(tx.s.ratingsRated[addr])
}

// RatingsBy returns ratings given by addr in acceptance order.
func (tx *Tx) RatingsBy(addr string) []contracts.Rating {
	return tx.pick(tx.s.ratingsRater[addr])
}

func (tx *Tx) pick(idx []int) []contracts.Rating {
	out := make([]contracts.Rating, 0, len(idx))
	for _, i := range idx {
		out = append(out, tx.s.ratings[i])
	}
	return out
}

// Calculations

// AddCalculation appends to the agent's history. Administrative entries also
// move the agent's net adjustment total.
func (tx *Tx) AddCalculation(c contracts.KarmaCalculation) {
	appendKeyedUndo(tx, tx.s.calculations, c.Agent, c)
	if c.Kind.Administrative() {
		putUndo(tx, tx.s.adjustments, c.Agent, tx.s.adjustments[c.Agent]+c.Delta)
	}
	appendUndo(tx, &tx.changes.Calculations, Record[contracts.KarmaCalculation]{Seq: tx.nextSeq(), Value: c})
}

func (tx *Tx) Calculations(addr string) []contracts.KarmaCalculation {
	return append([]contracts.KarmaCalculation(nil), tx.s.calculations[addr]...)
}

func (tx *Tx) LatestCalculation(addr string) (contracts.KarmaCalculation, bool) {
	h := tx.s.calculations[addr]
	if len(h) == 0 {
		return contracts.KarmaCalculation{}, false
	}
	return h[len(h)-1], true
}

// Adjustments is the net administrative delta logged for addr.
func (tx *Tx) Adjustments(addr string) int64 {
	return tx.s.adjustments[addr]
}

// Actions

func (tx *Tx) RecordAction(addr string, at time.Time) {
	appendKeyedUndo(tx, tx.s.actions, addr, at)
}

// ActionsSince returns addr's action times at or after since, oldest first.
func (tx *Tx) ActionsSince(addr string, since time.Time) []time.Time {
	all := tx.s.actions[addr]
	i := sort.Search(len(all), func(i int) bool { return !all[i].Before(since) })
	return append([]time.Time(nil), all[i:]...)
}

// Violations

func (tx *Tx) Violation(id string) (contracts.ComplianceViolation, bool) {
	v, ok := tx.s.violations[id]
	return v, ok
}

func (tx *Tx) PutViolation(v contracts.ComplianceViolation) {
	if _, ok := tx.s.violations[v.ID]; !ok {
		appendKeyedUndo(tx, tx.s.violationOrder, v.Agent, v.ID)
	}
	putUndo(tx, tx.s.violations, v.ID, v)
	appendUndo(tx, &tx.changes.Violations, Record[contracts.ComplianceViolation]{Seq: tx.nextSeq(), Value: v})
}

// ViolationsFor returns addr's violations, oldest first.
func (tx *Tx) ViolationsFor(addr string) []contracts.ComplianceViolation {
	ids := tx.s.violationOrder[addr]
	out := make([]contracts.ComplianceViolation, 0, len(ids))
	for _, id := range ids {
		out = append(out, tx.s.violations[id])
	}
	return out
}

// Disputes

func (tx *Tx) Dispute(id string) (contracts.DisputeCase, bool) {
	d, ok := tx.s.disputes[id]
	return d, ok
}

func (tx *Tx) PutDispute(d contracts.DisputeCase) {
	if _, ok := tx.s.disputes[d.CaseID]; !ok {
		appendUndo(tx, &tx.s.disputeOrder, d.CaseID)
	}
	putUndo(tx, tx.s.disputes, d.CaseID, d)
	appendUndo(tx, &tx.changes.Disputes, Record[contracts.DisputeCase]{Seq: tx.nextSeq(), Value: d})
}

// Disputes returns every dispute, oldest first.
func (tx *Tx) Disputes() []contracts.DisputeCase {
	out := make([]contracts.DisputeCase, 0, len(tx.s.disputeOrder))
	for _, id := range tx.s.disputeOrder {
		out = append(out, tx.s.disputes[id])
	}
	return out
}

// Oracle

func (tx *Tx) AddOracleData(d contracts.OracleData) {
	appendKeyedUndo(tx, tx.s.oracle, d.DataType, d)
	appendUndo(tx, &tx.changes.Oracle, Record[contracts.OracleData]{Seq: tx.nextSeq(), Value: d})
}

// OracleHistory returns every attestation of dt, oldest first.
func (tx *Tx) OracleHistory(dt contracts.DataType) []contracts.OracleData {
	return append([]contracts.OracleData(nil), tx.s.oracle[dt]...)
}

// LatestVerified returns the newest verified attestation of dt.
func (tx *Tx) LatestVerified(dt contracts.DataType) (contracts.OracleData, bool) {
	h := tx.s.oracle[dt]
	for i := len(h) - 1; i >= 0; i-- {
		if h[i].Verified {
			return h[i], true
		}
	}
	return contracts.OracleData{}, false
}

func (tx *Tx) IsProvider(addr string) bool { return tx.s.providers[addr] }

func (tx *Tx) SetProvider(addr string, active bool) {
	if active {
		putUndo(tx, tx.s.providers, addr, true)
	} else if _, ok := tx.s.providers[addr]; ok {
		old := tx.s.providers[addr]
		delete(tx.s.providers, addr)
		tx.undo = append(tx.undo, func() { tx.s.providers[addr] = old })
	}
	appendUndo(tx, &tx.changes.Providers, Record[ProviderStatus]{Seq: tx.nextSeq(), Value: ProviderStatus{Address: addr, Active: active}})
}

// Providers returns the allow-listed providers, sorted.
func (tx *Tx) Providers() []string {
	out := make([]string, 0, len(tx.s.providers))
	for p := range tx.s.providers {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Governance

// NextProposalID reserves the next sequential proposal identifier.
func (tx *Tx) NextProposalID() uint64 {
	prev := tx.s.lastProposal
	tx.s.lastProposal++
	tx.undo = append(tx.undo, func() { tx.s.lastProposal = prev })
	return tx.s.lastProposal
}

func (tx *Tx) Proposal(id uint64) (contracts.Proposal, bool) {
	p, ok := tx.s.proposals[id]
	return p, ok
}

func (tx *Tx) PutProposal(p contracts.Proposal) {
	putUndo(tx, tx.s.proposals, p.ID, p)
	appendUndo(tx, &tx.changes.Proposals, Record[contracts.Proposal]{Seq: tx.nextSeq(), Value: p})
}

// Proposals returns every proposal by ascending ID.
func (tx *Tx) Proposals() []contracts.Proposal {
	out := make([]contracts.Proposal, 0, len(tx.s.proposals))
	for _, p := range tx.s.proposals {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (tx *Tx) Vote(k contracts.VoteKey) (contracts.Vote, bool) {
	v, ok := tx.s.votes[k]
	return v, ok
}

func (tx *Tx) PutVote(v contracts.Vote) {
	k := contracts.VoteKey{ProposalID: v.ProposalID, Voter: v.Voter}
	if _, ok := tx.s.votes[k]; !ok {
		appendKeyedUndo(tx, tx.s.voteOrder, v.ProposalID, v.Voter)
	}
	putUndo(tx, tx.s.votes, k, v)
	appendUndo(tx, &tx.changes.Votes, Record[contracts.Vote]{Seq: tx.nextSeq(), Value: v})
}

// Votes returns a proposal's votes in casting order.
func (tx *Tx) Votes(proposalID uint64) []contracts.Vote {
	voters := tx.s.voteOrder[proposalID]
	out := make([]contracts.Vote, 0, len(voters))
	for _, voter := range voters {
		out = append(out, tx.s.votes[contracts.VoteKey{ProposalID: proposalID, Voter: voter}])
	}
	return out
}

// Params

func (tx *Tx) Params() contracts.Params { return tx.s.params }

func (tx *Tx) SetParams(p contracts.Params) {
	prev := tx.s.params
	prevChange := tx.changes.Params
	tx.s.params = p
	cp := p
	tx.changes.Params = &cp
	tx.undo = append(tx.undo, func() {
		tx.s.params = prev
		tx.changes.Params = prevChange
	})
}
