package gpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResourceRefcount(t *testing.T) {
	var freed []Handle
	r := NewResource(7, func(h Handle) { freed = append(freed, h) })
	require.Equal(t, 1, r.Owners())

	r.Retain()
	assert.Equal(t, 2, r.Owners())
	assert.False(t, r.Release())
	assert.Empty(t, freed)

	assert.True(t, r.Release())
	assert.Equal(t, []Handle{7}, freed)
	assert.Panics(t, func() { r.Release() })
}
