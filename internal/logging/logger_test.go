package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewBuildsBothModes(t *testing.T) {
	t.Parallel()

	dev, err := New(true)
	require.NoError(t, err)
	require.NotNil(t, dev)

	prod, err := New(false)
	require.NoError(t, err)
	require.NotNil(t, prod)
}

func TestComponentHandlesNil(t *testing.T) {
	t.Parallel()

	require.NotNil(t, Component(nil, "pipeline"))

	base, err := New(true)
	require.NoError(t, err)
	require.NotNil(t, Component(base, "pipeline"))
}
