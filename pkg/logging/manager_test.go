package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceLogger_InitOnceThenGet(t *testing.T) {
	config := NewDefaultConfig(TestProcess)
	config.LogDir = t.TempDir()
	config.UseColors = false

	require.NoError(t, InitServiceLogger(config))
	first := GetServiceLogger()
	require.NotNil(t, first)

	// Later inits are no-ops; the first logger keeps winning.
	other := NewDefaultConfig(SinkProcess)
	other.LogDir = t.TempDir()
	require.NoError(t, InitServiceLogger(other))
	assert.Same(t, first, GetServiceLogger())

	Shutdown()
}
