package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allsmog/revgraph/internal/config"
	"github.com/allsmog/revgraph/internal/types"
)

func TestInitTracingDisabled(t *testing.T) {
	tp, err := InitTracing(context.Background(), config.TracingConfig{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, tp)

	// No-op provider still hands out usable tracers.
	_, span := tp.Tracer("test").Start(context.Background(), "op")
	span.End()

	assert.NoError(t, ShutdownTracing(context.Background(), tp))
}

func TestInitTracingNoopProvider(t *testing.T) {
	tp, err := InitTracing(context.Background(), config.TracingConfig{
		Enabled:  true,
		Provider: "noop",
	})
	require.NoError(t, err)
	require.NotNil(t, tp)
	assert.NoError(t, ShutdownTracing(context.Background(), tp))
}

func TestInitTracingUnknownProvider(t *testing.T) {
	_, err := InitTracing(context.Background(), config.TracingConfig{
		Enabled:  true,
		Provider: "jaeger",
	})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.TRACING_INIT_FAILED))
}

func TestShutdownTracingNil(t *testing.T) {
	assert.NoError(t, ShutdownTracing(context.Background(), nil))
}
