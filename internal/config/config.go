// Package config parses bagtool's YAML configuration file: the default
// chunk threshold, the default chunk compression codec, and the log
// level, following the parse-into-aux-struct-then-coerce style of the
// teacher's utils/config.go.
package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/seoulrobotics/rosbag-io/chunkedfile"
	"github.com/seoulrobotics/rosbag-io/internal/logging"
)

// Config holds bagtool's tunables.
type Config struct {
	ChunkThreshold uint32
	Compression    chunkedfile.Compression
	LogLevel       logging.Level
}

// Default returns the values bagtool falls back to when no config file is
// given, or a field is left unset in one.
func Default() Config {
	return Config{
		ChunkThreshold: 768 * 1024,
		Compression:    chunkedfile.None,
		LogLevel:       logging.Info,
	}
}

// Parse decodes YAML data into a Config seeded from Default.
func Parse(data []byte) (Config, error) {
	cfg := Default()

	var aux struct {
		ChunkThreshold int    `yaml:"chunk_threshold"`
		Compression    string `yaml:"compression"`
		LogLevel       string `yaml:"log_level"`
	}
	if err := yaml.Unmarshal(data, &aux); err != nil {
		return Config{}, fmt.Errorf("config: parsing yaml: %w", err)
	}

	if aux.ChunkThreshold < 0 {
		return Config{}, fmt.Errorf("config: chunk_threshold must not be negative")
	}
	if aux.ChunkThreshold > 0 {
		cfg.ChunkThreshold = uint32(aux.ChunkThreshold)
	}

	if aux.Compression != "" {
		c := chunkedfile.Compression(strings.ToLower(aux.Compression))
		switch c {
		case chunkedfile.None, chunkedfile.BZ2, chunkedfile.LZ4:
			cfg.Compression = c
		default:
			return Config{}, fmt.Errorf("config: unknown compression %q", aux.Compression)
		}
	}

	if aux.LogLevel != "" {
		lvl, ok := parseLevel(aux.LogLevel)
		if !ok {
			return Config{}, fmt.Errorf("config: unknown log_level %q", aux.LogLevel)
		}
		cfg.LogLevel = lvl
	}

	return cfg, nil
}

func parseLevel(s string) (logging.Level, bool) {
	switch strings.ToLower(s) {
	case "debug":
		return logging.Debug, true
	case "info":
		return logging.Info, true
	case "warning", "warn":
		return logging.Warning, true
	case "error":
		return logging.Error, true
	case "fatal":
		return logging.Fatal, true
	default:
		return 0, false
	}
}
