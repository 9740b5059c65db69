package header_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seoulrobotics/rosbag-io/header"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := header.FromPairs("op", "\x05", "topic", "/scan", "conn", "\x00\x00\x00\x01")

	buf := m.Encode(nil)
	require.Len(t, buf, m.EncodedLen())

	decoded, err := header.Decode(buf, len(buf))
	require.NoError(t, err)
	assert.True(t, m.Equal(decoded))
}

func TestEqualIgnoresOrder(t *testing.T) {
	a := header.FromPairs("type", "std_msgs/String", "md5sum", "abc123")
	b := header.FromPairs("md5sum", "abc123", "type", "std_msgs/String")

	assert.True(t, a.Equal(b))
	assert.Equal(t, a.Key(), b.Key())
}

func TestEqualDetectsFieldDifference(t *testing.T) {
	a := header.FromPairs("topic", "/a")
	b := header.FromPairs("topic", "/b")
	assert.False(t, a.Equal(b))
}

func TestDecodeRejectsTruncatedLength(t *testing.T) {
	_, err := header.Decode([]byte{0x01, 0x00}, 2)
	assert.Error(t, err)
}

func TestDecodeRejectsMissingEquals(t *testing.T) {
	entry := []byte("noequalshere")
	buf := header.FromPairs().Encode(nil)
	var lenBuf [4]byte
	lenBuf[0] = byte(len(entry))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, entry...)

	_, err := header.Decode(buf, len(buf))
	assert.Error(t, err)
}

func TestSetReplacesExistingField(t *testing.T) {
	m := header.New()
	m.SetString("a", "1")
	m.SetString("a", "2")

	require.Equal(t, 1, m.Len())
	v, ok := m.GetString("a")
	require.True(t, ok)
	assert.Equal(t, "2", v)
}

func TestCloneIsIndependent(t *testing.T) {
	m := header.FromPairs("a", "1")
	clone := m.Clone()
	clone.SetString("a", "2")

	v, _ := m.GetString("a")
	assert.Equal(t, "1", v)
}
