package metric

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticItem string

func (s staticItem) JSONString() string { return string(s) }

func TestSetRegister(t *testing.T) {
	s := NewSet()
	require.NoError(t, s.Register("election", staticItem(`{"term":1}`)))
	require.NoError(t, s.Register("pipeline", staticItem(`{}`)))

	err := s.Register("election", staticItem(`{"term":2}`))
	require.Error(t, err)
	assert.Equal(t, ErrLabelTaken, errors.Cause(err))

	// the first registration survives a rejected re-register
	assert.Equal(t, `{"term":1}`, s.Get("election").JSONString())
}

func TestSetLookup(t *testing.T) {
	s := NewSet()
	require.NoError(t, s.Register("core", staticItem(`{}`)))

	assert.True(t, s.Has("core"))
	assert.False(t, s.Has("mempool"))
	assert.Nil(t, s.Get("mempool"))
	assert.Equal(t, []string{"core"}, s.Labels())

	require.NoError(t, s.Register("election", staticItem(`{}`)))
	assert.Equal(t, []string{"core", "election"}, s.Labels())
}
