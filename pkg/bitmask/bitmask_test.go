package bitmask_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maskauth/gibbon/pkg/bitmask"
)

func Test_New_Returns_Error_When_Length_Invalid(t *testing.T) {
	t.Parallel()

	for _, byteLength := range []int{0, -1, -128} {
		_, err := bitmask.New(byteLength)
		require.ErrorIs(t, err, bitmask.ErrLength, "byte length %d must be rejected", byteLength)
	}
}

func Test_New_Returns_Zero_Mask_When_Length_Valid(t *testing.T) {
	t.Parallel()

	m, err := bitmask.New(4)
	require.NoError(t, err)

	assert.Equal(t, 4, m.ByteLen())
	assert.Equal(t, 32, m.Bits())
	assert.True(t, m.IsZero())
	assert.Empty(t, m.Positions())
}

func Test_Set_Writes_Fixed_Wire_Layout(t *testing.T) {
	t.Parallel()

	// Position 1 is the MSB of byte 0, position 8 the LSB of byte 0,
	// position 9 the MSB of byte 1. Stored blobs depend on this layout.
	testCases := []struct {
		name      string
		positions []int
		want      []byte
	}{
		{name: "Position1", positions: []int{1}, want: []byte{0x80, 0x00}},
		{name: "Position8", positions: []int{8}, want: []byte{0x01, 0x00}},
		{name: "Position9", positions: []int{9}, want: []byte{0x00, 0x80}},
		{name: "Position16", positions: []int{16}, want: []byte{0x00, 0x01}},
		{name: "Mixed", positions: []int{1, 8, 9}, want: []byte{0x81, 0x80}},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			m, err := bitmask.New(2)
			require.NoError(t, err)

			require.NoError(t, m.SetAll(testCase.positions))
			assert.Equal(t, testCase.want, m.Bytes(), "wire layout mismatch")
		})
	}
}

func Test_Set_Returns_Error_When_Position_Out_Of_Range(t *testing.T) {
	t.Parallel()

	m, err := bitmask.New(2)
	require.NoError(t, err)

	for _, position := range []int{0, -1, 17, 100} {
		require.ErrorIs(t, m.Set(position), bitmask.ErrPosition, "position %d", position)
		require.ErrorIs(t, m.Unset(position), bitmask.ErrPosition, "position %d", position)
	}
}

func Test_SetAll_Leaves_Mask_Unchanged_When_Any_Position_Invalid(t *testing.T) {
	t.Parallel()

	m, err := bitmask.New(1)
	require.NoError(t, err)

	require.ErrorIs(t, m.SetAll([]int{1, 2, 9}), bitmask.ErrPosition)
	assert.True(t, m.IsZero(), "failed SetAll must not set any bit")
}

func Test_Set_And_Unset_Are_Idempotent(t *testing.T) {
	t.Parallel()

	m, err := bitmask.New(1)
	require.NoError(t, err)

	require.NoError(t, m.Set(3))
	require.NoError(t, m.Set(3))
	assert.Equal(t, []int{3}, m.Positions())

	require.NoError(t, m.Unset(3))
	require.NoError(t, m.Unset(3))
	assert.True(t, m.IsZero())
}

func Test_FromBytes_Round_Trips(t *testing.T) {
	t.Parallel()

	m, err := bitmask.New(3)
	require.NoError(t, err)
	require.NoError(t, m.SetAll([]int{1, 10, 24}))

	decoded := bitmask.FromBytes(m.Bytes())
	assert.True(t, m.Equal(decoded), "decode(encode(m)) must equal m")
	assert.Equal(t, m.Positions(), decoded.Positions())
}

func Test_FromBytes_Copies_Input(t *testing.T) {
	t.Parallel()

	raw := []byte{0x80}
	m := bitmask.FromBytes(raw)

	raw[0] = 0x00
	assert.Equal(t, []int{1}, m.Positions(), "mask must not alias caller bytes")

	out := m.Bytes()
	out[0] = 0x00
	assert.Equal(t, []int{1}, m.Positions(), "Bytes must return a copy")
}

func Test_Merge_ORs_Over_Min_Length(t *testing.T) {
	t.Parallel()

	short, err := bitmask.New(1)
	require.NoError(t, err)
	require.NoError(t, short.Set(2))

	long, err := bitmask.New(3)
	require.NoError(t, err)
	require.NoError(t, long.SetAll([]int{1, 20}))

	// Merging a longer mask into a shorter one drops the high bits.
	got := short.Merge(long)
	assert.Same(t, short, got, "Merge returns the receiver")
	assert.Equal(t, []int{1, 2}, short.Positions())

	// Merging a shorter mask into a longer one keeps its own high bits.
	require.NoError(t, long.Merge(short).Set(24))
	assert.Equal(t, []int{1, 2, 20, 24}, long.Positions())
}

func Test_ClearMask_Clears_Shared_Bits_Only(t *testing.T) {
	t.Parallel()

	m, err := bitmask.New(2)
	require.NoError(t, err)
	require.NoError(t, m.SetAll([]int{1, 5, 12}))

	other, err := bitmask.New(2)
	require.NoError(t, err)
	require.NoError(t, other.SetAll([]int{5, 9}))

	m.ClearMask(other)
	assert.Equal(t, []int{1, 12}, m.Positions())
}

func Test_Has_Position_Queries(t *testing.T) {
	t.Parallel()

	m, err := bitmask.New(2)
	require.NoError(t, err)
	require.NoError(t, m.SetAll([]int{3, 7}))

	assert.True(t, m.HasAny([]int{7, 8}))
	assert.False(t, m.HasAny([]int{1, 8}))
	assert.False(t, m.HasAny(nil))

	assert.True(t, m.HasAll([]int{3, 7}))
	assert.False(t, m.HasAll([]int{3, 8}))
	assert.True(t, m.HasAll(nil))

	// Out-of-range positions read as unset.
	assert.False(t, m.HasAny([]int{99}))
	assert.False(t, m.HasAll([]int{3, 99}))
}

func Test_Mask_Subset_Queries(t *testing.T) {
	t.Parallel()

	m, err := bitmask.New(2)
	require.NoError(t, err)
	require.NoError(t, m.SetAll([]int{1, 5, 12}))

	subset, err := bitmask.New(2)
	require.NoError(t, err)
	require.NoError(t, subset.SetAll([]int{1, 12}))

	disjoint, err := bitmask.New(2)
	require.NoError(t, err)
	require.NoError(t, disjoint.Set(8))

	assert.True(t, m.AnyOf(subset))
	assert.False(t, m.AnyOf(disjoint))
	assert.True(t, m.ContainsAll(subset))
	assert.False(t, subset.ContainsAll(m))

	// A longer mask with high bits set is not contained in a shorter one.
	long, err := bitmask.New(4)
	require.NoError(t, err)
	require.NoError(t, long.Set(30))
	assert.False(t, m.ContainsAll(long))
}

func Test_Positions_Returns_Ascending_Order(t *testing.T) {
	t.Parallel()

	m, err := bitmask.New(4)
	require.NoError(t, err)
	require.NoError(t, m.SetAll([]int{32, 1, 17, 9, 2}))

	diff := cmp.Diff([]int{1, 2, 9, 17, 32}, m.Positions())
	assert.Empty(t, diff, "positions mismatch")
}

func Test_Equal_Compares_Content_And_Length(t *testing.T) {
	t.Parallel()

	a, err := bitmask.New(2)
	require.NoError(t, err)
	require.NoError(t, a.Set(1))

	b := bitmask.FromBytes(a.Bytes())
	assert.True(t, a.Equal(b))

	wider, err := a.Resized(3)
	require.NoError(t, err)
	assert.False(t, a.Equal(wider), "different lengths are never equal")
}

func Test_Resized_Preserves_Low_Bits(t *testing.T) {
	t.Parallel()

	m, err := bitmask.New(2)
	require.NoError(t, err)
	require.NoError(t, m.SetAll([]int{1, 16}))

	wide, err := m.Resized(4)
	require.NoError(t, err)
	assert.Equal(t, 4, wide.ByteLen())
	assert.Equal(t, []int{1, 16}, wide.Positions())

	narrow, err := wide.Resized(2)
	require.NoError(t, err)
	assert.True(t, m.Equal(narrow), "grow then shrink is the identity")

	truncated, err := wide.Resized(1)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, truncated.Positions(), "tail bits drop on shrink")

	_, err = m.Resized(0)
	require.ErrorIs(t, err, bitmask.ErrLength)
}

func Test_Clone_Is_Independent(t *testing.T) {
	t.Parallel()

	m, err := bitmask.New(1)
	require.NoError(t, err)
	require.NoError(t, m.Set(1))

	clone := m.Clone()
	require.NoError(t, clone.Set(2))

	assert.Equal(t, []int{1}, m.Positions())
	assert.Equal(t, []int{1, 2}, clone.Positions())
}
