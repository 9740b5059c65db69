package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seoulrobotics/rosbag-io/chunkedfile"
	"github.com/seoulrobotics/rosbag-io/internal/config"
	"github.com/seoulrobotics/rosbag-io/internal/logging"
)

func TestParseRejectsNegativeChunkThreshold(t *testing.T) {
	_, err := config.Parse([]byte("chunk_threshold: -1\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chunk_threshold")
}

func TestParseRejectsUnknownCompression(t *testing.T) {
	_, err := config.Parse([]byte("compression: rot13\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compression")
}

func TestParseRejectsUnknownLogLevel(t *testing.T) {
	_, err := config.Parse([]byte("log_level: shout\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log_level")
}

func TestParseRejectsMalformedYAML(t *testing.T) {
	_, err := config.Parse([]byte("chunk_threshold: [this is not a scalar\n"))
	require.Error(t, err)
}

func TestParseOverridesDefault(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want config.Config
	}{
		{
			name: "empty document keeps every default",
			yaml: "",
			want: config.Default(),
		},
		{
			name: "chunk_threshold override only",
			yaml: "chunk_threshold: 4096\n",
			want: config.Config{
				ChunkThreshold: 4096,
				Compression:    chunkedfile.None,
				LogLevel:       logging.Info,
			},
		},
		{
			name: "all three fields overridden",
			yaml: "chunk_threshold: 2048\ncompression: LZ4\nlog_level: Debug\n",
			want: config.Config{
				ChunkThreshold: 2048,
				Compression:    chunkedfile.LZ4,
				LogLevel:       logging.Debug,
			},
		},
		{
			name: "log_level accepts the warn alias",
			yaml: "log_level: warn\n",
			want: config.Config{
				ChunkThreshold: config.Default().ChunkThreshold,
				Compression:    config.Default().Compression,
				LogLevel:       logging.Warning,
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := config.Parse([]byte(tc.yaml))
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
