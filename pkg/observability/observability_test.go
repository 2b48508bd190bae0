package observability_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relieflane/caseledger/pkg/observability"
)

func TestNewProvider_DisabledFallsBackToGlobalProviders(t *testing.T) {
	ctx := context.Background()
	p, err := observability.NewProvider(ctx, &observability.Config{Enabled: false})
	require.NoError(t, err)

	// The meters are live instruments even without an exporter, so the
	// instrumented paths can record unconditionally.
	p.Transitions.Add(ctx, 1)
	p.Conflicts.Add(ctx, 1)
	p.Repairs.Add(ctx, 1)
	p.Votes.Add(ctx, 1)
	p.SweepLatency.Record(ctx, 0.5)

	spanCtx, span := p.StartSpan(ctx, "test.span", "tenant-a", "case-1")
	assert.NotNil(t, spanCtx)
	span.End()

	assert.NoError(t, p.Shutdown(ctx))
}
