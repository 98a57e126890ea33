package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerbosity(t *testing.T) {
	quiet, err := New(false)
	require.NoError(t, err)
	assert.True(t, quiet.Enabled())
	assert.False(t, quiet.V(DEBUG).Enabled())

	verbose, err := New(true)
	require.NoError(t, err)
	assert.True(t, verbose.V(DEBUG).Enabled())
	assert.True(t, verbose.V(TRACE).Enabled())

	assert.True(t, NewTestLogger().V(TRACE).Enabled())
}

func TestForRank(t *testing.T) {
	log := ForRank(NewTestLogger(), 2, 4)
	assert.True(t, log.V(DEBUG).Enabled())
	log.V(DEBUG).Info("tagged logger")
}
