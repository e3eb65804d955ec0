// Package ffmpeg provides FFmpeg/FFprobe binary detection and wrapper functionality.
package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jmylchreest/vcompress/internal/util"
)

// Environment variables consulted when no explicit binary path is configured.
const (
	FFmpegBinaryEnv  = "VCOMPRESS_FFMPEG_BINARY"
	FFprobeBinaryEnv = "VCOMPRESS_FFPROBE_BINARY"
)

var versionRegex = regexp.MustCompile(`^n?(\d+)\.(\d+)`)

// BinaryInfo contains information about the FFmpeg/FFprobe installation.
type BinaryInfo struct {
	FFmpegPath    string       `json:"ffmpeg_path"`
	FFprobePath   string       `json:"ffprobe_path"`
	Version       string       `json:"version"`
	MajorVersion  int          `json:"major_version"`
	MinorVersion  int          `json:"minor_version"`
	BuildDate     string       `json:"build_date,omitempty"`
	Configuration string       `json:"configuration,omitempty"`
	Formats       []FormatInfo `json:"formats,omitempty"`
}

// FormatInfo represents format/container information from FFmpeg.
type FormatInfo struct {
	Name     string `json:"name"`
	LongName string `json:"long_name,omitempty"`
	CanMux   bool   `json:"can_mux"`
	CanDemux bool   `json:"can_demux"`
}

// BinaryDetector handles detection and caching of FFmpeg binaries.
type BinaryDetector struct {
	ffmpegPath  string
	ffprobePath string

	mu           sync.RWMutex
	info         *BinaryInfo
	lastDetected time.Time
	cacheTTL     time.Duration
}

// NewBinaryDetector creates a new binary detector.
func NewBinaryDetector() *BinaryDetector {
	return &BinaryDetector{
		cacheTTL: 5 * time.Minute,
	}
}

// WithPaths pins the binaries instead of searching for them. Empty values
// fall back to the search.
func (d *BinaryDetector) WithPaths(ffmpegPath, ffprobePath string) *BinaryDetector {
	d.ffmpegPath = ffmpegPath
	d.ffprobePath = ffprobePath
	return d
}

// WithCacheTTL sets the cache TTL for binary detection.
func (d *BinaryDetector) WithCacheTTL(ttl time.Duration) *BinaryDetector {
	d.cacheTTL = ttl
	return d
}

// Detect detects FFmpeg and FFprobe binaries and their capabilities.
func (d *BinaryDetector) Detect(ctx context.Context) (*BinaryInfo, error) {
	d.mu.RLock()
	if d.info != nil && time.Since(d.lastDetected) < d.cacheTTL {
		info := d.info
		d.mu.RUnlock()
		return info, nil
	}
	d.mu.RUnlock()

	d.mu.Lock()
	defer d.mu.Unlock()

	// Double-check after acquiring write lock
	if d.info != nil && time.Since(d.lastDetected) < d.cacheTTL {
		return d.info, nil
	}

	info, err := d.detect(ctx)
	if err != nil {
		return nil, err
	}

	d.info = info
	d.lastDetected = time.Now()
	return info, nil
}

// Clear clears the cached binary information.
func (d *BinaryDetector) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.info = nil
}

func (d *BinaryDetector) detect(ctx context.Context) (*BinaryInfo, error) {
	info := &BinaryInfo{}

	ffmpegPath, err := resolveBinary(d.ffmpegPath, "ffmpeg", FFmpegBinaryEnv)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", err)
	}
	info.FFmpegPath = ffmpegPath

	// Assets cannot be opened without ffprobe, so it is required too.
	ffprobePath, err := resolveBinary(d.ffprobePath, "ffprobe", FFprobeBinaryEnv)
	if err != nil {
		return nil, fmt.Errorf("ffprobe not found: %w", err)
	}
	info.FFprobePath = ffprobePath

	output, err := exec.CommandContext(ctx, ffmpegPath, "-version").Output()
	if err != nil {
		return nil, fmt.Errorf("getting ffmpeg version: %w", err)
	}
	version, err := parseVersion(string(output))
	if err != nil {
		return nil, err
	}
	info.Version = version.Full
	info.MajorVersion = version.Major
	info.MinorVersion = version.Minor
	info.BuildDate = version.BuildDate
	info.Configuration = version.Configuration

	if output, err := exec.CommandContext(ctx, ffmpegPath, "-formats", "-hide_banner").Output(); err == nil {
		info.Formats = parseFormats(string(output))
	}

	return info, nil
}

func resolveBinary(explicit, name, envVar string) (string, error) {
	if explicit != "" {
		path, err := exec.LookPath(explicit)
		if err != nil {
			return "", fmt.Errorf("configured %s %q: %w", name, explicit, err)
		}
		return path, nil
	}
	return util.FindBinary(name, envVar)
}

// versionInfo holds parsed version information.
type versionInfo struct {
	Full          string
	Major         int
	Minor         int
	BuildDate     string
	Configuration string
}

// parseVersion extracts version information from `ffmpeg -version` output.
func parseVersion(output string) (*versionInfo, error) {
	info := &versionInfo{}

	for _, line := range strings.Split(output, "\n") {
		switch {
		case strings.HasPrefix(line, "ffmpeg version"):
			// "ffmpeg version 6.0 Copyright...", "ffmpeg version n6.0-2-g..."
			parts := strings.Fields(line)
			if len(parts) < 3 {
				continue
			}
			info.Full = parts[2]
			if matches := versionRegex.FindStringSubmatch(parts[2]); len(matches) >= 3 {
				info.Major, _ = strconv.Atoi(matches[1])
				info.Minor, _ = strconv.Atoi(matches[2])
			}
		case strings.HasPrefix(line, "built with"):
			info.BuildDate = strings.TrimPrefix(line, "built with ")
		case strings.HasPrefix(line, "configuration:"):
			info.Configuration = strings.TrimPrefix(line, "configuration: ")
		}
	}

	if info.Full == "" {
		return nil, fmt.Errorf("failed to parse ffmpeg version")
	}
	return info, nil
}

// parseFormats parses `ffmpeg -formats` output.
func parseFormats(output string) []FormatInfo {
	var formats []FormatInfo
	inFormatList := false

	for _, line := range strings.Split(output, "\n") {
		if strings.Contains(line, "--") {
			inFormatList = true
			continue
		}
		if !inFormatList || len(line) < 4 {
			continue
		}

		flags := strings.TrimSpace(line[:3])
		rest := strings.TrimSpace(line[3:])
		parts := strings.SplitN(rest, " ", 2)
		if parts[0] == "" {
			continue
		}

		format := FormatInfo{
			Name:     parts[0],
			CanDemux: strings.Contains(flags, "D"),
			CanMux:   strings.Contains(flags, "E"),
		}
		if len(parts) > 1 {
			format.LongName = strings.TrimSpace(parts[1])
		}
		formats = append(formats, format)
	}

	return formats
}

// HasFormat returns true if the format is available for muxing.
func (info *BinaryInfo) HasFormat(name string) bool {
	for _, f := range info.Formats {
		if f.CanMux && f.Name == name {
			return true
		}
		// Aliased formats are listed comma separated, e.g. "mov,mp4,m4a".
		if f.CanMux && strings.Contains(f.Name, ",") {
			for _, alias := range strings.Split(f.Name, ",") {
				if alias == name {
					return true
				}
			}
		}
	}
	return false
}

// JSON returns the binary info as JSON string.
func (info *BinaryInfo) JSON() string {
	data, _ := json.MarshalIndent(info, "", "  ")
	return string(data)
}

// SupportsMinVersion returns true if FFmpeg version meets minimum requirement.
func (info *BinaryInfo) SupportsMinVersion(major, minor int) bool {
	if info.MajorVersion > major {
		return true
	}
	return info.MajorVersion == major && info.MinorVersion >= minor
}
