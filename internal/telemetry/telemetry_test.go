package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitDisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), "", "mimamori", "test", false)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInstrumentsOnNoopProvider(t *testing.T) {
	inst, err := NewHTTPInstruments()
	require.NoError(t, err)
	assert.NotNil(t, inst.Requests)
	assert.NotNil(t, inst.Duration)
	assert.NotNil(t, Tracer("mimamori/test"))
}
