package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/sabowaryan/agent-karma/pkg/contracts"
	"github.com/sabowaryan/agent-karma/pkg/ledger"
)

const (
	kindAgent       = "agent"
	kindRating      = "rating"
	kindCalculation = "calculation"
	kindViolation   = "violation"
	kindDispute     = "dispute"
	kindOracle      = "oracle"
	kindProvider    = "provider"
	kindProposal    = "proposal"
	kindVote        = "vote"
	kindParams      = "params"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS karma_records (
		kind TEXT NOT NULL,
		id TEXT NOT NULL,
		seq BIGINT NOT NULL,
		body TEXT NOT NULL,
		PRIMARY KEY (kind, id)
	)`,
	`CREATE TABLE IF NOT EXISTS karma_audit (
		sequence BIGINT PRIMARY KEY,
		entry_type TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		prev_hash TEXT NOT NULL,
		body TEXT NOT NULL
	)`,
}

const upsertRecord = `
	INSERT INTO karma_records (kind, id, seq, body)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (kind, id) DO UPDATE SET body = excluded.body
`

const insertAudit = `
	INSERT INTO karma_audit (sequence, entry_type, content_hash, prev_hash, body)
	VALUES ($1, $2, $3, $4, $5)
`

// SQLBackend persists committed change sets with database/sql.
// The same statements run on Postgres (lib/pq) and SQLite (modernc).
type SQLBackend struct {
	db *sql.DB
}

func NewSQLBackend(db *sql.DB) *SQLBackend {
	return &SQLBackend{db: db}
}

// Open connects to dsn. postgres:// and postgresql:// URLs use lib/pq;
// anything else is a SQLite path (":memory:" included).
func Open(dsn string) (*sql.DB, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		return db, nil
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes sqlite writers.
	db.SetMaxOpenConns(1)
	return db, nil
}

func (b *SQLBackend) Init(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Persist writes a change set and its chained audit entries in one SQL transaction.
func (b *SQLBackend) Persist(ctx context.Context, cs ChangeSet, audit []ledger.Entry) (err error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = upsert(ctx, tx, kindAgent, cs.Agents, func(a contracts.Agent) string { return a.Address }); err != nil {
		return err
	}
	if err = upsert(ctx, tx, kindRating, cs.Ratings, func(r contracts.Rating) string { return r.ID }); err != nil {
		return err
	}
	if err = upsert(ctx, tx, kindCalculation, cs.Calculations, func(c contracts.KarmaCalculation) string {
		return fmt.Sprintf("%s/%020d", c.Agent, c.Sequence)
	}); err != nil {
		return err
	}
	if err = upsert(ctx, tx, kindViolation, cs.Violations, func(v contracts.ComplianceViolation) string { return v.ID }); err != nil {
		return err
	}
	if err = upsert(ctx, tx, kindDispute, cs.Disputes, func(d contracts.DisputeCase) string { return d.CaseID }); err != nil {
		return err
	}
	if err = upsert(ctx, tx, kindOracle, cs.Oracle, func(d contracts.OracleData) string { return d.ID }); err != nil {
		return err
	}
	if err = upsert(ctx, tx, kindProvider, cs.Providers, func(p ProviderStatus) string { return p.Address }); err != nil {
		return err
	}
	if err = upsert(ctx, tx, kindProposal, cs.Proposals, func(p contracts.Proposal) string { return fmt.Sprintf("%020d", p.ID) }); err != nil {
		return err
	}
	if err = upsert(ctx, tx, kindVote, cs.Votes, func(v contracts.Vote) string { return fmt.Sprintf("%020d/%s", v.ProposalID, v.Voter) }); err != nil {
		return err
	}
	if cs.Params != nil {
		params := []Record[contracts.Params]{{Seq: 0, Value: *cs.Params}}
		if err = upsert(ctx, tx, kindParams, params, func(contracts.Params) string { return "current" }); err != nil {
			return err
		}
	}
	for _, e := range audit {
		body, mErr := json.Marshal(e)
		if mErr != nil {
			err = fmt.Errorf("marshal audit entry %d: %w", e.Sequence, mErr)
			return err
		}
		if _, err = tx.ExecContext(ctx, insertAudit, int64(e.Sequence), e.EntryType, e.ContentHash, e.PrevHash, string(body)); err != nil { //nolint:gosec // sequences stay far below 2^63
			err = fmt.Errorf("insert audit entry %d: %w", e.Sequence, err)
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func upsert[T any](ctx context.Context, tx *sql.Tx, kind string, recs []Record[T], id func(T) string) error {
	for _, r := range recs {
		body, err := json.Marshal(r.Value)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", kind, err)
		}
		if _, err := tx.ExecContext(ctx, upsertRecord, kind, id(r.Value), int64(r.Seq), string(body)); err != nil { //nolint:gosec // sequences stay far below 2^63
			return fmt.Errorf("upsert %s %s: %w", kind, id(r.Value), err)
		}
	}
	return nil
}

// Load reads every persisted record and audit entry, in write order.
func (b *SQLBackend) Load(ctx context.Context) (ChangeSet, []ledger.Entry, error) {
	var cs ChangeSet
	rows, err := b.db.QueryContext(ctx, `SELECT kind, seq, body FROM karma_records ORDER BY seq ASC, kind ASC, id ASC`)
	if err != nil {
		return cs, nil, fmt.Errorf("query records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			kind, body string
			seq        int64
		)
		if err := rows.Scan(&kind, &seq, &body); err != nil {
			return cs, nil, err
		}
		if err := decodeInto(&cs, kind, uint64(seq), []byte(body)); err != nil { //nolint:gosec // seq is written from uint64
			return cs, nil, err
		}
	}
	if err := rows.Err(); err != nil {
		return cs, nil, err
	}

	audit, err := b.loadAudit(ctx)
	if err != nil {
		return cs, nil, err
	}
	return cs, audit, nil
}

func (b *SQLBackend) loadAudit(ctx context.Context) ([]ledger.Entry, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT body FROM karma_audit ORDER BY sequence ASC`)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]ledger.Entry, 0)
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var e ledger.Entry
		if err := json.Unmarshal([]byte(body), &e); err != nil {
			return nil, fmt.Errorf("decode audit entry: %w", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func decode[T any](dst *[]Record[T], seq uint64, body []byte) error {
	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		return err
	}
	*dst = append(*dst, Record[T]{Seq: seq, Value: v})
	return nil
}

func decodeInto(cs *ChangeSet, kind string, seq uint64, body []byte) error {
	var err error
	switch kind {
	case kindAgent:
		err = decode(&cs.Agents, seq, body)
	case kindRating:
		err = decode(&cs.Ratings, seq, body)
	case kindCalculation:
		err = decode(&cs.Calculations, seq, body)
	case kindViolation:
		err = decode(&cs.Violations, seq, body)
	case kindDispute:
		err = decode(&cs.Disputes, seq, body)
	case kindOracle:
		err = decode(&cs.Oracle, seq, body)
	case kindProvider:
		err = decode(&cs.Providers, seq, body)
	case kindProposal:
		err = decode(&cs.Proposals, seq, body)
	case kindVote:
		err = decode(&cs.Votes, seq, body)
	case kindParams:
		var p contracts.Params
		err = json.Unmarshal(body, &p)
		cs.Params = &p
	default:
		return fmt.Errorf("unknown record kind %q", kind)
	}
	if err != nil {
		return fmt.Errorf("decode %s: %w", kind, err)
	}
	return nil
}
