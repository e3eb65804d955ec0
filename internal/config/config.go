// Package config provides configuration management for vcompress using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultPreset          = "medium"
	defaultContainer       = "mp4"
	defaultMinFreeSpace    = 512 * 1024 * 1024 // 512MB
	defaultAudioCodec      = "aac"
	defaultAudioSampleRate = 48000
	defaultAudioChannels   = 2
	defaultAudioBitrate    = 128000
	defaultSentinelOffset  = -560
	defaultProbeTimeout    = 30 * time.Second
	maxAudioChannels       = 8
)

// Config holds all configuration for the application.
type Config struct {
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
	Export      ExportConfig      `mapstructure:"export" yaml:"export"`
	Composition CompositionConfig `mapstructure:"composition" yaml:"composition"`
	FFmpeg      FFmpegConfig      `mapstructure:"ffmpeg" yaml:"ffmpeg"`
	Metrics     MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`   // trace, debug, info, warn, error
	Format     string `mapstructure:"format" yaml:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source" yaml:"add_source"`
	TimeFormat string `mapstructure:"time_format" yaml:"time_format"`
}

// ExportConfig holds the defaults applied to every export.
type ExportConfig struct {
	Preset    string `mapstructure:"preset" yaml:"preset"`
	Container string `mapstructure:"container" yaml:"container"` // mp4, fmp4
	// Width and Height override the preset's target size. Zero keeps the
	// source's oriented size.
	Width     int  `mapstructure:"width" yaml:"width"`
	Height    int  `mapstructure:"height" yaml:"height"`
	Overwrite bool `mapstructure:"overwrite" yaml:"overwrite"`
	// MinFreeSpace is the free space required on the output volume.
	// Supports human-readable values like "512MB", or raw byte counts.
	MinFreeSpace ByteSize          `mapstructure:"min_free_space" yaml:"min_free_space"`
	Audio        AudioExportConfig `mapstructure:"audio" yaml:"audio"`
}

// AudioExportConfig holds audio output settings.
type AudioExportConfig struct {
	Codec      string `mapstructure:"codec" yaml:"codec"`
	SampleRate int    `mapstructure:"sample_rate" yaml:"sample_rate"`
	Channels   int    `mapstructure:"channels" yaml:"channels"`
	Bitrate    int    `mapstructure:"bitrate" yaml:"bitrate"`
}

// CompositionConfig holds video composition options.
type CompositionConfig struct {
	// NormalizeSentinel corrects the translation some recorders write for
	// portrait video.
	NormalizeSentinel bool    `mapstructure:"normalize_sentinel" yaml:"normalize_sentinel"`
	SentinelOffset    float64 `mapstructure:"sentinel_offset" yaml:"sentinel_offset"`
}

// FFmpegConfig holds FFmpeg binary configuration.
type FFmpegConfig struct {
	BinaryPath   string   `mapstructure:"binary_path" yaml:"binary_path"` // Path to ffmpeg binary (empty = auto-detect)
	ProbePath    string   `mapstructure:"probe_path" yaml:"probe_path"`   // Path to ffprobe binary (empty = auto-detect)
	ProbeTimeout Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
}

// MetricsConfig holds metrics output configuration.
type MetricsConfig struct {
	// Textfile is written in the node-exporter textfile format after each
	// export. Empty disables it.
	Textfile string `mapstructure:"textfile" yaml:"textfile"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with VCOMPRESS_ and use underscores for nesting.
// Example: VCOMPRESS_EXPORT_PRESET=high.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	SetDefaults(v)

	// Config file settings
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/vcompress")
		v.AddConfigPath("$HOME/.vcompress")
	}

	// Environment variable settings
	v.SetEnvPrefix("VCOMPRESS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	hooks := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hooks); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults are in place.
func SetDefaults(v *viper.Viper) {
	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Export defaults
	v.SetDefault("export.preset", defaultPreset)
	v.SetDefault("export.container", defaultContainer)
	v.SetDefault("export.width", 0)
	v.SetDefault("export.height", 0)
	v.SetDefault("export.overwrite", false)
	v.SetDefault("export.min_free_space", defaultMinFreeSpace)
	v.SetDefault("export.audio.codec", defaultAudioCodec)
	v.SetDefault("export.audio.sample_rate", defaultAudioSampleRate)
	v.SetDefault("export.audio.channels", defaultAudioChannels)
	v.SetDefault("export.audio.bitrate", defaultAudioBitrate)

	// Composition defaults
	v.SetDefault("composition.normalize_sentinel", true)
	v.SetDefault("composition.sentinel_offset", defaultSentinelOffset)

	// FFmpeg defaults
	v.SetDefault("ffmpeg.binary_path", "")
	v.SetDefault("ffmpeg.probe_path", "")
	v.SetDefault("ffmpeg.probe_timeout", defaultProbeTimeout.String())

	// Metrics defaults
	v.SetDefault("metrics.textfile", "")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	// Logging validation
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: trace, debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	// Export validation
	validContainers := map[string]bool{"mp4": true, "fmp4": true}
	if !validContainers[c.Export.Container] {
		return fmt.Errorf("export.container must be one of: mp4, fmp4")
	}
	if c.Export.Width < 0 || c.Export.Height < 0 {
		return fmt.Errorf("export.width and export.height must not be negative")
	}
	if (c.Export.Width == 0) != (c.Export.Height == 0) {
		return fmt.Errorf("export.width and export.height must be set together")
	}
	if c.Export.MinFreeSpace < 0 {
		return fmt.Errorf("export.min_free_space must not be negative")
	}
	if c.Export.Audio.SampleRate < 1 {
		return fmt.Errorf("export.audio.sample_rate must be at least 1")
	}
	if c.Export.Audio.Channels < 1 || c.Export.Audio.Channels > maxAudioChannels {
		return fmt.Errorf("export.audio.channels must be between 1 and %d", maxAudioChannels)
	}
	if c.Export.Audio.Bitrate < 0 {
		return fmt.Errorf("export.audio.bitrate must not be negative")
	}

	// FFmpeg validation
	if c.FFmpeg.ProbeTimeout < 0 {
		return fmt.Errorf("ffmpeg.probe_timeout must not be negative")
	}

	return nil
}
