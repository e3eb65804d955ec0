package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTestConfig() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Export: ExportConfig{
			Preset:    "medium",
			Container: "mp4",
			Audio: AudioExportConfig{
				Codec:      "aac",
				SampleRate: 48000,
				Channels:   2,
				Bitrate:    128000,
			},
		},
	}
}

func TestLoad_Defaults(t *testing.T) {
	// Load without config file should use defaults
	cfg, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	// Logging defaults
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)

	// Export defaults
	assert.Equal(t, "medium", cfg.Export.Preset)
	assert.Equal(t, "mp4", cfg.Export.Container)
	assert.Zero(t, cfg.Export.Width)
	assert.Zero(t, cfg.Export.Height)
	assert.False(t, cfg.Export.Overwrite)
	assert.Equal(t, ByteSize(512*1024*1024), cfg.Export.MinFreeSpace)
	assert.Equal(t, "aac", cfg.Export.Audio.Codec)
	assert.Equal(t, 48000, cfg.Export.Audio.SampleRate)
	assert.Equal(t, 2, cfg.Export.Audio.Channels)
	assert.Equal(t, 128000, cfg.Export.Audio.Bitrate)

	// Composition defaults
	assert.True(t, cfg.Composition.NormalizeSentinel)
	assert.InDelta(t, -560.0, cfg.Composition.SentinelOffset, 1e-9)

	// FFmpeg defaults
	assert.Empty(t, cfg.FFmpeg.BinaryPath)
	assert.Equal(t, 30*time.Second, cfg.FFmpeg.ProbeTimeout.Duration())

	assert.Empty(t, cfg.Metrics.Textfile)
}

func TestLoad_FromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
logging:
  level: "debug"
  format: "json"

export:
  preset: "high"
  container: "fmp4"
  width: 1280
  height: 720
  min_free_space: "2GB"
  audio:
    channels: 1

composition:
  normalize_sentinel: false

ffmpeg:
  binary_path: "/opt/ffmpeg/bin/ffmpeg"
  probe_timeout: "2m"

metrics:
  textfile: "/var/lib/node_exporter/vcompress.prom"
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0o600))

	cfg, err := Load(configPath)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "high", cfg.Export.Preset)
	assert.Equal(t, "fmp4", cfg.Export.Container)
	assert.Equal(t, 1280, cfg.Export.Width)
	assert.Equal(t, 720, cfg.Export.Height)
	assert.Equal(t, ByteSize(2*1024*1024*1024), cfg.Export.MinFreeSpace)
	assert.Equal(t, 1, cfg.Export.Audio.Channels)
	assert.Equal(t, 48000, cfg.Export.Audio.SampleRate)
	assert.False(t, cfg.Composition.NormalizeSentinel)
	assert.Equal(t, "/opt/ffmpeg/bin/ffmpeg", cfg.FFmpeg.BinaryPath)
	assert.Equal(t, 2*time.Minute, cfg.FFmpeg.ProbeTimeout.Duration())
	assert.Equal(t, "/var/lib/node_exporter/vcompress.prom", cfg.Metrics.Textfile)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("VCOMPRESS_EXPORT_PRESET", "low")
	t.Setenv("VCOMPRESS_EXPORT_CONTAINER", "fmp4")
	t.Setenv("VCOMPRESS_LOGGING_LEVEL", "warn")
	t.Setenv("VCOMPRESS_EXPORT_MIN_FREE_SPACE", "1GB")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "low", cfg.Export.Preset)
	assert.Equal(t, "fmp4", cfg.Export.Container)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, ByteSize(1024*1024*1024), cfg.Export.MinFreeSpace)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
export:
  preset: "high"
  container: "mp4"
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0o600))

	t.Setenv("VCOMPRESS_EXPORT_PRESET", "very_low")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	// Env should override file
	assert.Equal(t, "very_low", cfg.Export.Preset)
	// File value should be preserved
	assert.Equal(t, "mp4", cfg.Export.Container)
}

func TestValidate_ValidConfig(t *testing.T) {
	assert.NoError(t, validTestConfig().Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"trace level", func(c *Config) { c.Logging.Level = "trace" }, ""},
		{"invalid log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"invalid log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"fmp4 container", func(c *Config) { c.Export.Container = "fmp4" }, ""},
		{"invalid container", func(c *Config) { c.Export.Container = "mkv" }, "export.container"},
		{"negative width", func(c *Config) { c.Export.Width = -1; c.Export.Height = 720 }, "must not be negative"},
		{"width without height", func(c *Config) { c.Export.Width = 1280 }, "set together"},
		{"both dimensions", func(c *Config) { c.Export.Width = 1280; c.Export.Height = 720 }, ""},
		{"negative free space", func(c *Config) { c.Export.MinFreeSpace = -1 }, "export.min_free_space"},
		{"zero sample rate", func(c *Config) { c.Export.Audio.SampleRate = 0 }, "export.audio.sample_rate"},
		{"zero channels", func(c *Config) { c.Export.Audio.Channels = 0 }, "export.audio.channels"},
		{"too many channels", func(c *Config) { c.Export.Audio.Channels = 9 }, "export.audio.channels"},
		{"negative bitrate", func(c *Config) { c.Export.Audio.Bitrate = -1 }, "export.audio.bitrate"},
		{"negative probe timeout", func(c *Config) { c.FFmpeg.ProbeTimeout = Duration(-time.Second) }, "ffmpeg.probe_timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validTestConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_InvalidConfigFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	invalidContent := `
export:
  width: "not a number"
  invalid yaml structure
`
	require.NoError(t, os.WriteFile(configPath, []byte(invalidContent), 0o600))

	_, err := Load(configPath)
	assert.Error(t, err)
}

func TestLoad_InvalidByteSize(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	require.NoError(t, os.WriteFile(configPath, []byte("export:\n  min_free_space: \"lots\"\n"), 0o600))

	_, err := Load(configPath)
	assert.Error(t, err)
}

func TestLoad_NonExistentFile(t *testing.T) {
	// Specifying a non-existent file should fail
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}
