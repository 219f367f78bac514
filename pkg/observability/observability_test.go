package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/sabowaryan/agent-karma/pkg/errorir"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "karmad", config.ServiceName)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.False(t, config.Enabled)
}

func TestDisabledProviderIsNoop(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())

	ctx := context.Background()
	p.RatingAccepted(ctx)
	p.ViolationRaised(ctx, "spam_rating", 10)
	p.RecalculationFault(ctx)
	p.ProposalFinalized(ctx, "passed")
	_, done := p.TrackOperation(ctx, "karma.SubmitRating")
	done(errors.New("boom"))
	require.NoError(t, p.Shutdown(ctx))
}

func sumOf(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			data, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, name)
			var total int64
			for _, dp := range data.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestDomainCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	p, err := NewLocal(reader)
	require.NoError(t, err)
	ctx := context.Background()

	p.RatingAccepted(ctx)
	p.RatingAccepted(ctx)
	p.ViolationRaised(ctx, "spam_rating", 10)
	p.ViolationRaised(ctx, "bot_behavior", 20)
	p.RecalculationFault(ctx)
	p.ProposalFinalized(ctx, "failed")
	_, done := p.TrackOperation(ctx, "karma.Vote", attribute.String("operation", "vote"))
	done(errors.New("voting closed"))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	assert.Equal(t, int64(2), sumOf(t, rm, "karma.ratings.accepted"))
	assert.Equal(t, int64(2), sumOf(t, rm, "karma.violations.raised"))
	assert.Equal(t, int64(30), sumOf(t, rm, "karma.penalties.applied"))
	assert.Equal(t, int64(1), sumOf(t, rm, "karma.recalculation.faults"))
	assert.Equal(t, int64(1), sumOf(t, rm, "karma.proposals.finalized"))
	assert.Equal(t, int64(1), sumOf(t, rm, "karma.requests.total"))
	assert.Equal(t, int64(1), sumOf(t, rm, "karma.errors.total"))

	require.NoError(t, p.Shutdown(ctx))
}

func TestErrorsLabelledByCode(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	p, err := NewLocal(reader)
	require.NoError(t, err)
	ctx := context.Background()

	_, done := p.TrackOperation(ctx, "karma.Vote")
	done(errorir.New(errorir.CodeVotingClosed, "proposal 3"))
	_, done = p.TrackOperation(ctx, "karma.Vote")
	done(errors.New("disk on fire"))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	codes := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "karma.errors.total" {
				continue
			}
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				v, ok := dp.Attributes.Value("error.code")
				require.True(t, ok)
				codes[v.AsString()] += dp.Value
			}
		}
	}
	assert.Equal(t, map[string]int64{string(errorir.CodeVotingClosed): 1, "internal": 1}, codes)
}
