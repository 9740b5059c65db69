package chunkedfile_test

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seoulrobotics/rosbag-io/chunkedfile"
)

func roundTrip(t *testing.T, c chunkedfile.Compression) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chunk.bin")

	cf, err := chunkedfile.Open(path, chunkedfile.ModeWrite)
	require.NoError(t, err)

	payload := bytes.Repeat([]byte("the quick brown fox jumps over "), 64)

	require.NoError(t, cf.StartWrite(c))
	n, err := cf.Write(payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	compressedSize, err := cf.StopWrite()
	require.NoError(t, err)
	require.NoError(t, cf.Close())

	cf2, err := chunkedfile.Open(path, chunkedfile.ModeRead)
	require.NoError(t, err)
	defer cf2.Close()

	require.NoError(t, cf2.StartRead(c, compressedSize))
	got := make([]byte, len(payload))
	require.NoError(t, cf2.ReadFull(got))
	require.NoError(t, cf2.StopRead())

	assert.Equal(t, payload, got)
}

func TestRoundTripNone(t *testing.T) { roundTrip(t, chunkedfile.None) }
func TestRoundTripBZ2(t *testing.T)  { roundTrip(t, chunkedfile.BZ2) }
func TestRoundTripLZ4(t *testing.T)  { roundTrip(t, chunkedfile.LZ4) }

func TestSeekForbiddenDuringActiveStream(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chunk.bin")
	cf, err := chunkedfile.Open(path, chunkedfile.ModeWrite)
	require.NoError(t, err)
	defer cf.Close()

	require.NoError(t, cf.StartWrite(chunkedfile.None))
	err = cf.Seek(0)
	assert.Error(t, err)
}

func TestRawWriteThenReadAt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raw.bin")
	cf, err := chunkedfile.Open(path, chunkedfile.ModeWrite)
	require.NoError(t, err)
	defer cf.Close()

	require.NoError(t, cf.WriteRaw([]byte("hello world")))

	got := make([]byte, 5)
	require.NoError(t, cf.ReadRawAt(got, 6))
	assert.Equal(t, "world", string(got))
}

func TestStopWriteReportsCompressedSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chunk.bin")
	cf, err := chunkedfile.Open(path, chunkedfile.ModeWrite)
	require.NoError(t, err)
	defer cf.Close()

	require.NoError(t, cf.StartWrite(chunkedfile.BZ2))
	payload := bytes.Repeat([]byte{0x01}, 1<<16)
	_, err = cf.Write(payload)
	require.NoError(t, err)
	size, err := cf.StopWrite()
	require.NoError(t, err)

	// Highly compressible data should compress to a small fraction of
	// the input size.
	assert.Less(t, size, uint32(len(payload)/2))
}
