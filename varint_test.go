package btrstore

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVarintRoundTrip(t *testing.T) {
	values := []uint64{
		0, 1, 127, 128, 255, 256,
		16383, 16384, 2097151, 2097152,
		math.MaxUint32, math.MaxUint64,
	}
	for _, v := range values {
		enc := appendUvarint(nil, v)
		require.Equal(t, uvarintLen(v), len(enc))
		dec, n, err := readUvarint(enc, math.MaxUint64)
		require.NoError(t, err)
		require.Equal(t, v, dec)
		require.Equal(t, len(enc), n)
	}
}

func TestVarintTruncated(t *testing.T) {
	_, _, err := readUvarint(nil, math.MaxUint64)
	require.Error(t, err)
	enc := appendUvarint(nil, 16384)
	_, _, err = readUvarint(enc[:1], math.MaxUint64)
	require.Error(t, err)
}

func TestVarintLimit(t *testing.T) {
	enc := appendUvarint(nil, defaultPageSize+1)
	_, _, err := readUvarint(enc, defaultPageSize)
	require.Error(t, err)
	var cerr *CorruptionError
	require.ErrorAs(t, err, &cerr)

	enc = appendUvarint(nil, defaultPageSize)
	v, _, err := readUvarint(enc, defaultPageSize)
	require.NoError(t, err)
	require.EqualValues(t, defaultPageSize, v)
}
