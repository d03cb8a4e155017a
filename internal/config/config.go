// Package config loads the CLI configuration with layered precedence:
// built-in defaults, then an optional YAML file, then environment
// variables prefixed REFRACT_.
package config

import (
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar overrides the config file search path.
const ConfigPathEnvVar = "REFRACT_CONFIG"

// DefaultConfigPaths lists config file locations in priority order.
var DefaultConfigPaths = []string{
	"refract.yaml",
	"refract.yml",
	"/etc/refract/config.yaml",
}

// Config is the CLI's full configuration tree.
type Config struct {
	Manifest ManifestConfig `koanf:"manifest"`
	Playback PlaybackConfig `koanf:"playback"`
	Buffer   BufferConfig   `koanf:"buffer"`
	Diag     DiagConfig     `koanf:"diag"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ManifestConfig locates the content.
type ManifestConfig struct {
	URL string `koanf:"url"`
}

// PlaybackConfig carries playback and adaptation settings.
type PlaybackConfig struct {
	Transport       string  `koanf:"transport"`
	LowLatency      bool    `koanf:"low_latency"`
	AutoPlay        bool    `koanf:"auto_play"`
	StartAt         float64 `koanf:"start_at"`
	MaxVideoBitrate float64 `koanf:"max_video_bitrate"`
	MaxAudioBitrate float64 `koanf:"max_audio_bitrate"`
	AudioTrack      string  `koanf:"audio_track"`
	TextTrack       string  `koanf:"text_track"`
}

// BufferConfig carries the buffer policy in seconds. Zero means the
// engine default (or unlimited for the max bounds).
type BufferConfig struct {
	WantedAhead float64 `koanf:"wanted_ahead"`
	MaxAhead    float64 `koanf:"max_ahead"`
	MaxBehind   float64 `koanf:"max_behind"`
}

// DiagConfig controls the diagnostics HTTP server.
type DiagConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}

// LoggingConfig controls slog output.
type LoggingConfig struct {
	Level string `koanf:"level"`
}

func defaultConfig() *Config {
	return &Config{
		Playback: PlaybackConfig{
			Transport: "http",
			AutoPlay:  true,
		},
		Buffer: BufferConfig{
			WantedAhead: 30,
		},
		Diag: DiagConfig{
			Enabled: true,
			Addr:    ":4480",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration: defaults, then the first config file
// found, then REFRACT_ environment variables with double underscores as
// section separators (REFRACT_PLAYBACK__TRANSPORT becomes
// playback.transport).
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	envProvider := env.Provider("REFRACT_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "REFRACT_")
		return strings.ReplaceAll(strings.ToLower(s), "__", ".")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// MaxOrInf maps a zero-valued bound to unlimited.
func MaxOrInf(v float64) float64 {
	if v <= 0 {
		return math.Inf(1)
	}
	return v
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
