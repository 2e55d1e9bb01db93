package interfaces

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTier(t *testing.T) {
	for _, tier := range AllTiers {
		got, err := ParseTier(string(tier))
		require.NoError(t, err)
		assert.Equal(t, tier, got)
	}

	got, err := ParseTier(" WARM ")
	require.NoError(t, err)
	assert.Equal(t, TierWarm, got)

	_, err = ParseTier("lukewarm")
	assert.ErrorIs(t, err, ErrInvalidTier)
	assert.False(t, Tier("Hot").Valid())
}

func TestByteRange_Resolve(t *testing.T) {
	tests := []struct {
		name      string
		rng       ByteRange
		length    int64
		wantStart int64
		wantEnd   int64
		wantErr   bool
	}{
		{name: "full", rng: ByteRange{0, -1}, length: 10, wantStart: 0, wantEnd: 9},
		{name: "middle", rng: ByteRange{2, 5}, length: 10, wantStart: 2, wantEnd: 5},
		{name: "single byte", rng: ByteRange{9, 9}, length: 10, wantStart: 9, wantEnd: 9},
		{name: "end clamped", rng: ByteRange{5, 100}, length: 10, wantStart: 5, wantEnd: 9},
		{name: "start at length", rng: ByteRange{10, -1}, length: 10, wantErr: true},
		{name: "start after end", rng: ByteRange{6, 3}, length: 10, wantErr: true},
		{name: "negative start", rng: ByteRange{-1, 3}, length: 10, wantErr: true},
		{name: "empty object", rng: ByteRange{0, -1}, length: 0, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end, err := tt.rng.Resolve(tt.length)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidRange)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantStart, start)
			assert.Equal(t, tt.wantEnd, end)
		})
	}
}

func TestStorageLocation_InRegion(t *testing.T) {
	loc := StorageLocation{GeographicRegion: []string{"EU", "us-east"}}
	assert.True(t, loc.InRegion("eu"))
	assert.True(t, loc.InRegion("US-EAST"))
	assert.False(t, loc.InRegion("ap"))
}

func TestObjectReader_Length(t *testing.T) {
	full := &ObjectReader{Metadata: ObjectMetadata{Size: 10}, Start: 0, End: 9}
	assert.Equal(t, int64(10), full.Length())

	part := &ObjectReader{Metadata: ObjectMetadata{Size: 10}, Start: 2, End: 4, Partial: true}
	assert.Equal(t, int64(3), part.Length())

	empty := &ObjectReader{Metadata: ObjectMetadata{Size: 0}, Start: 0, End: -1}
	assert.Equal(t, int64(0), empty.Length())

	unknown := &ObjectReader{Metadata: ObjectMetadata{Size: -1}, Start: 0, End: -2}
	assert.Equal(t, int64(-1), unknown.Length())
}
