package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeMembership(weights ...int64) (*MembershipSet, []PrivValidator) {
	vals := make([]*Validator, len(weights))
	privs := make([]PrivValidator, len(weights))
	for i, w := range weights {
		pv := NewMockPV()
		pub, _ := pv.GetPubKey()
		vals[i] = NewWeightedValidator(pub, w)
		privs[i] = pv
	}
	return NewMembershipSet(vals), privs
}

func TestMembershipWeights(t *testing.T) {
	ms, _ := makeMembership(1, 1, 1, 1)

	assert.Equal(t, int64(4), ms.TotalWeight())
	// strict majority of 4 is 3
	assert.Equal(t, int64(3), ms.MajorityWeight())
	// byzantine quorum is >2/3 of 4, i.e. 3
	assert.Equal(t, int64(3), ms.ByzantineWeight())

	ms, _ = makeMembership(2, 3, 4)
	assert.Equal(t, int64(9), ms.TotalWeight())
	assert.Equal(t, int64(5), ms.MajorityWeight())
	assert.Equal(t, int64(7), ms.ByzantineWeight())

	assert.Equal(t, ms.MajorityWeight(), ms.QuorumWeight(false))
	assert.Equal(t, ms.ByzantineWeight(), ms.QuorumWeight(true))
}

func TestMembershipQuorumNotMetByExactTwoThirds(t *testing.T) {
	// 6 total: 2/3 is exactly 4, quorum must be strictly greater
	ms, _ := makeMembership(1, 1, 1, 1, 1, 1)
	assert.Equal(t, int64(5), ms.ByzantineWeight())
}

func TestMembershipGetByAddress(t *testing.T) {
	ms, _ := makeMembership(1, 2, 3)

	for i := 0; i < ms.Size(); i++ {
		addr, val := ms.GetByIndex(int32(i))
		require.NotNil(t, val)

		idx, got := ms.GetByAddress(addr)
		require.NotNil(t, got)
		assert.Equal(t, int32(i), idx)
		assert.True(t, addr.Equal(got.Address))
	}

	unknown, _ := RandValidator()
	idx, got := ms.GetByAddress(unknown.Address)
	assert.Nil(t, got)
	assert.Equal(t, int32(-1), idx)
}

func TestMembershipHashDeterministic(t *testing.T) {
	ms, _ := makeMembership(1, 2, 3)
	assert.Equal(t, ms.Hash(), ms.Copy().Hash())
}

func TestMembershipValidateBasic(t *testing.T) {
	ms, _ := makeMembership(1, 2)
	require.NoError(t, ms.ValidateBasic())

	empty := NewMembershipSet(nil)
	assert.Error(t, empty.ValidateBasic())
}
