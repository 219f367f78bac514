package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sabowaryan/agent-karma/pkg/contracts"
	"github.com/sabowaryan/agent-karma/pkg/engine"
	"github.com/sabowaryan/agent-karma/pkg/errorir"
	"github.com/sabowaryan/agent-karma/pkg/oracle"
	"github.com/sabowaryan/agent-karma/pkg/rating"
)

const demoHash = "de5cde5cde5cde5cde5cde5cde5cde5c"

// runDemo walks an in-memory engine through a registration, a rating and a
// rejected duplicate, then verifies the audit chain.
func runDemo(ctx context.Context, stdout, stderr io.Writer) int {
	fail := func(step string, err error) int {
		_, _ = fmt.Fprintf(stderr, "%sdemo: %s: %v%s\n", ColorRed, step, err, ColorReset)
		return 1
	}

	keys, err := oracle.DeriveValidatorKeys([]byte(devValidatorSeed))
	if err != nil {
		return fail("validators", err)
	}
	vs, err := oracle.PublicSet(keys)
	if err != nil {
		return fail("validators", err)
	}

	now := time.Now().UTC()
	var height uint64
	block := func() contracts.Block {
		height++
		return contracts.Block{Height: height, Time: now.Add(time.Duration(height) * time.Second)}
	}

	eng, err := engine.New(ctx, block(), engine.Options{Validators: vs})
	if err != nil {
		return fail("engine", err)
	}

	printSection(stdout, "Registering agents")
	for _, addr := range []string{"agent-a", "agent-b"} {
		if _, err := eng.RegisterAgent(ctx, block(), addr, contracts.AgentMetadata{Name: addr, Framework: "demo"}); err != nil {
			return fail("register "+addr, err)
		}
		_, _ = fmt.Fprintf(stdout, "  registered %s\n", addr)
	}

	if err := eng.RecordInteraction(ctx, contracts.Interaction{
		Hash:         demoHash,
		Participants: []string{"agent-a", "agent-b"},
		Kind:         "task",
		Timestamp:    now,
	}); err != nil {
		return fail("interaction", err)
	}

	printSection(stdout, "Rating")
	req := rating.Request{Rater: "agent-a", Rated: "agent-b", Score: 9, InteractionHash: demoHash, Feedback: "solid work"}
	if _, err := eng.SubmitRating(ctx, block(), req); err != nil {
		return fail("rating", err)
	}
	k, err := eng.Karma("agent-b")
	if err != nil {
		return fail("karma", err)
	}
	_, _ = fmt.Fprintf(stdout, "  agent-a rated agent-b 9, karma(agent-b) = %d\n", k)

	req.Score = 1
	if _, err := eng.SubmitRating(ctx, block(), req); !errors.Is(err, errorir.ErrDuplicateRating) {
		return fail("duplicate rating", fmt.Errorf("expected rejection, got %v", err))
	}
	_, _ = fmt.Fprintf(stdout, "  duplicate rating rejected\n")

	printSection(stdout, "Audit")
	ok, reason := eng.VerifyAudit()
	if !ok {
		return fail("audit", errors.New(reason))
	}
	_, _ = fmt.Fprintf(stdout, "  %d entries, head %s\n", len(eng.AuditEntries(0)), eng.AuditHead())
	_, _ = fmt.Fprintf(stdout, "\n%sDemo complete.%s\n", ColorGreen, ColorReset)
	return 0
}
