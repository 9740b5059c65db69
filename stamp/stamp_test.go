package stamp_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seoulrobotics/rosbag-io/stamp"
)

func TestLessAndCompare(t *testing.T) {
	a := stamp.Stamp{Sec: 1, Nsec: 0}
	b := stamp.Stamp{Sec: 1, Nsec: 5}
	c := stamp.Stamp{Sec: 2, Nsec: 0}

	assert.True(t, a.Less(b))
	assert.True(t, b.Less(c))
	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, 0, a.Compare(a))
	assert.Equal(t, 1, c.Compare(a))
}

func TestMinIsGreaterThanZero(t *testing.T) {
	assert.True(t, stamp.Zero.Less(stamp.Min))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	s := stamp.Stamp{Sec: 42, Nsec: 123456789}
	buf := s.Encode(nil)
	require.Len(t, buf, 8)

	got, err := stamp.Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, s, got)
}

func TestNewNormalizesOverflow(t *testing.T) {
	s := stamp.New(1, 1_500_000_000)
	assert.Equal(t, stamp.Stamp{Sec: 2, Nsec: 500_000_000}, s)
}
