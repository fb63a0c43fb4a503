package meshnet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVarintRoundTrip(t *testing.T) {
	values := []uint32{0, 1, 127, 128, 16383, 16384, 2097151, 2097152, 1<<31 - 1}
	for _, v := range values {
		buf := make([]byte, maxVarintLen)
		n := putVarint(buf, v)
		require.LessOrEqual(t, n, maxVarintLen)
		assert.Equal(t, varintLen(v), n)

		decoded, consumed, ok, err := readVarint(buf[:n])
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, n, consumed)
		assert.Equal(t, v, decoded)
	}
}

func TestReadVarintNeedsMoreData(t *testing.T) {
	buf := make([]byte, maxVarintLen)
	n := putVarint(buf, 1<<20)
	require.Greater(t, n, 1)

	_, _, ok, err := readVarint(buf[:n-1])
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReadVarintTooLong(t *testing.T) {
	buf := []byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x01}
	_, _, ok, err := readVarint(buf)
	assert.False(t, ok)
	assert.ErrorIs(t, err, errVarintTooLong)
}

func TestVarintSingleByteBoundary(t *testing.T) {
	buf := make([]byte, maxVarintLen)
	assert.Equal(t, 1, putVarint(buf, 127))
	assert.Equal(t, 2, putVarint(buf, 128))
}
