// Package engine composes the karma components behind one serialized
// transaction boundary.
//
// Every mutating operation runs under the engine's write lock inside a
// store.Tx. On success the change set and its chained audit entries are
// persisted together, the transaction commits, the audit ledger accepts the
// entries and events are published after the lock is released. On any error
// the transaction is rolled back and nothing is persisted or published.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sabowaryan/agent-karma/pkg/abuse"
	"github.com/sabowaryan/agent-karma/pkg/contracts"
	"github.com/sabowaryan/agent-karma/pkg/dispute"
	"github.com/sabowaryan/agent-karma/pkg/errorir"
	"github.com/sabowaryan/agent-karma/pkg/events"
	"github.com/sabowaryan/agent-karma/pkg/governance"
	"github.com/sabowaryan/agent-karma/pkg/identity"
	"github.com/sabowaryan/agent-karma/pkg/karma"
	"github.com/sabowaryan/agent-karma/pkg/ledger"
	"github.com/sabowaryan/agent-karma/pkg/observability"
	"github.com/sabowaryan/agent-karma/pkg/oracle"
	"github.com/sabowaryan/agent-karma/pkg/rating"
	"github.com/sabowaryan/agent-karma/pkg/store"
)

// Backend durably stores committed change sets.
type Backend interface {
	Persist(ctx context.Context, cs store.ChangeSet, audit []ledger.Entry) error
	Load(ctx context.Context) (store.ChangeSet, []ledger.Entry, error)
}

// Registry is an identity oracle the engine can register agents with.
type Registry interface {
	identity.Oracle
	Register(addr string, meta contracts.AgentMetadata, at time.Time) error
	Unregister(addr string)
}

// InteractionRecorder is an interaction log the engine can append to.
type InteractionRecorder interface {
	identity.Log
	Record(in contracts.Interaction) error
}

// Options configure an Engine. Zero values select in-memory collaborators,
// default parameters and no persistence.
type Options struct {
	Params       *contracts.Params
	Registry     Registry
	Interactions InteractionRecorder
	Validators   *oracle.ValidatorSet
	// Providers seeds the oracle allow-list of a fresh engine.
	Providers []string
	Backend   Backend
	Events    events.Sink
	Telemetry *observability.Provider
}

// Engine is the reputation and governance engine.
type Engine struct {
	mu    sync.RWMutex
	state *store.State
	audit *ledger.Ledger

	registry     Registry
	interactions InteractionRecorder
	backend      Backend
	sink         events.Sink
	telemetry    *observability.Provider
	logger       *slog.Logger

	karma      *karma.Ledger
	consensus  *oracle.Consensus
	ratings    *rating.Validator
	abuse      *abuse.Detector
	disputes   *dispute.Resolver
	governance *governance.Engine
}

// New builds an engine and restores any state held by the backend.
func New(ctx context.Context, blk contracts.Block, opts Options) (*Engine, error) {
	if opts.Validators == nil {
		return nil, fmt.Errorf("engine: a validator set is required")
	}
	params := contracts.DefaultParams()
	if opts.Params != nil {
		params = *opts.Params
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	if opts.Registry == nil {
		opts.Registry = identity.NewRegistry()
	}
	if opts.Interactions == nil {
		opts.Interactions = identity.NewInteractionLog()
	}
	if opts.Events == nil {
		opts.Events = events.Discard{}
	}
	if opts.Telemetry == nil {
		tel, err := observability.New(ctx, &observability.Config{Enabled: false})
		if err != nil {
			return nil, err
		}
		opts.Telemetry = tel
	}

	consensus := oracle.NewConsensus(opts.Validators)
	kl := karma.NewLedger(consensus)
	det := abuse.NewDetector(kl)
	gov, err := governance.NewEngine(opts.Registry, kl)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		state:        store.NewState(params),
		audit:        ledger.New(),
		registry:     opts.Registry,
		interactions: opts.Interactions,
		backend:      opts.Backend,
		sink:         opts.Events,
		telemetry:    opts.Telemetry,
		logger:       slog.Default().With("component", "engine"),
		karma:        kl,
		consensus:    consensus,
		ratings:      rating.NewValidator(opts.Registry, opts.Interactions, kl, det),
		abuse:        det,
		disputes:     dispute.NewResolver(opts.Registry, kl),
		governance:   gov,
	}

	if err := e.restore(ctx); err != nil {
		return nil, err
	}
	if len(opts.Providers) > 0 {
		err := e.mutate(ctx, "bootstrap", func(tx *store.Tx) error {
			if len(tx.Providers()) > 0 {
				return nil
			}
			for _, p := range opts.Providers {
				if err := consensus.AddProvider(tx, blk, p); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("engine: seed providers: %w", err)
		}
	}
	return e, nil
}

func (e *Engine) restore(ctx context.Context) error {
	if e.backend == nil {
		return nil
	}
	cs, entries, err := e.backend.Load(ctx)
	if err != nil {
		return errorir.Wrap(errorir.CodePersistenceFailed, err, "load state")
	}
	if err := e.audit.Restore(entries); err != nil {
		return fmt.Errorf("engine: restore audit ledger: %w", err)
	}
	e.state.Restore(cs)

	tx := e.state.Begin()
	restored := 0
	for _, a := range tx.Agents() {
		if a.Metadata == nil || e.registry.IsRegistered(a.Address) {
			continue
		}
		if err := e.registry.Register(a.Address, *a.Metadata, a.RegisteredAt); err != nil {
			return fmt.Errorf("engine: re-register %s: %w", a.Address, err)
		}
		restored++
	}
	e.logger.InfoContext(ctx, "state restored",
		"agents", len(tx.Agents()), "registered", restored, "audit_entries", len(entries), "audit_head", e.audit.Head())
	return nil
}

// mutate runs fn as one atomic transaction.
func (e *Engine) mutate(ctx context.Context, op string, fn func(tx *store.Tx) error) (err error) {
	ctx, done := e.telemetry.TrackOperation(ctx, "karma."+op)
	defer func() { done(err) }()

	var drafts []ledger.Draft
	func() {
		e.mu.Lock()
		defer e.mu.Unlock()

		tx := e.state.Begin()
		if err = fn(tx); err != nil {
			tx.Rollback()
			return
		}
		cs := tx.Changes()
		var entries []ledger.Entry
		entries, err = e.audit.Chain(cs.Audit)
		if err != nil {
			tx.Rollback()
			return
		}
		if e.backend != nil && !cs.Empty() {
			if perr := e.backend.Persist(ctx, cs, entries); perr != nil {
				tx.Rollback()
				err = errorir.Wrap(errorir.CodePersistenceFailed, perr, "persist %s", op)
				return
			}
		}
		tx.Commit()
		if aerr := e.audit.Accept(entries); aerr != nil {
			e.logger.ErrorContext(ctx, "audit ledger rejected committed entries", "op", op, "error", aerr)
		}
		drafts = cs.Audit
	}()
	if err != nil {
		e.logger.DebugContext(ctx, "operation rejected", "op", op, "error", err)
		return err
	}

	e.emit(ctx, drafts)
	return nil
}

// read runs fn under the read lock.
func (e *Engine) read(fn func(tx *store.Tx)) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	fn(e.state.Begin())
}
