package frame

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckedAddRange(t *testing.T) {
	f := Frame(10)

	got, ok := f.CheckedAdd(5)
	require.True(t, ok)
	assert.Equal(t, Frame(15), got)

	_, ok = Frame(0).CheckedAdd(-1)
	assert.False(t, ok, "checked sub below zero must fail")

	_, ok = Max.CheckedAdd(1)
	assert.False(t, ok, "checked add past Max must fail")

	_, ok = Null.CheckedAdd(1)
	assert.False(t, ok, "checked add on Null must fail")
}

func TestSaturatingAddClampsInsteadOfPanicking(t *testing.T) {
	assert.Equal(t, Null, Frame(0).SaturatingSub(1))
	assert.Equal(t, Max, Max.SaturatingAdd(1))
	assert.Equal(t, Null, Null.SaturatingAdd(1))
}

func TestAbsDiff(t *testing.T) {
	assert.Equal(t, int32(5), Frame(10).AbsDiff(Frame(5)))
	assert.Equal(t, int32(5), Frame(5).AbsDiff(Frame(10)))
	assert.Equal(t, int32(Max), Frame(5).AbsDiff(Null))
}

func TestValid(t *testing.T) {
	assert.True(t, Frame(0).Valid())
	assert.False(t, Null.Valid())
	assert.False(t, Frame(-1).Valid())
	assert.False(t, (Max + 1).Valid())
}

func TestNullSentinelIsMinInt32(t *testing.T) {
	assert.Equal(t, Frame(math.MinInt32), Null)
}

func TestPlayerHandleValid(t *testing.T) {
	assert.True(t, PlayerHandle(0).Valid(2))
	assert.True(t, PlayerHandle(1).Valid(2))
	assert.False(t, PlayerHandle(2).Valid(2))
	assert.False(t, PlayerHandle(-1).Valid(2))
}
