package ffmpeg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/jmylchreest/vcompress/internal/metrics"
)

// DefaultProbeTimeout bounds a single ffprobe run.
const DefaultProbeTimeout = 30 * time.Second

// ProbeResult contains the ffprobe output.
type ProbeResult struct {
	Format  ProbeFormat   `json:"format"`
	Streams []ProbeStream `json:"streams"`
}

// ProbeFormat contains container format information.
type ProbeFormat struct {
	Filename       string            `json:"filename"`
	NumStreams     int               `json:"nb_streams"`
	FormatName     string            `json:"format_name"`
	FormatLongName string            `json:"format_long_name"`
	StartTime      string            `json:"start_time"`
	Duration       string            `json:"duration"`
	Size           string            `json:"size"`
	BitRate        string            `json:"bit_rate"`
	Tags           map[string]string `json:"tags"`
}

// ProbeStream contains stream information.
type ProbeStream struct {
	Index        int               `json:"index"`
	CodecName    string            `json:"codec_name"`
	Profile      string            `json:"profile"`
	CodecType    string            `json:"codec_type"` // video, audio, subtitle, data
	Width        int               `json:"width,omitempty"`
	Height       int               `json:"height,omitempty"`
	PixFmt       string            `json:"pix_fmt,omitempty"`
	SampleRate   string            `json:"sample_rate,omitempty"`
	Channels     int               `json:"channels,omitempty"`
	RFrameRate   string            `json:"r_frame_rate,omitempty"`
	AvgFrameRate string            `json:"avg_frame_rate,omitempty"`
	TimeBase     string            `json:"time_base,omitempty"`
	Duration     string            `json:"duration,omitempty"`
	BitRate      string            `json:"bit_rate,omitempty"`
	Disposition  ProbeDisposition  `json:"disposition,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
	SideDataList []ProbeSideData   `json:"side_data_list,omitempty"`
}

// ProbeDisposition contains stream disposition flags.
type ProbeDisposition struct {
	Default     int `json:"default"`
	AttachedPic int `json:"attached_pic"`
}

// ProbeSideData is one entry of a stream's side data.
type ProbeSideData struct {
	SideDataType  string  `json:"side_data_type"`
	DisplayMatrix string  `json:"displaymatrix,omitempty"`
	Rotation      float64 `json:"rotation,omitempty"`
}

// Prober handles ffprobe operations.
type Prober struct {
	ffprobePath string
	timeout     time.Duration
	logger      *slog.Logger
}

// NewProber creates a new prober.
func NewProber(ffprobePath string) *Prober {
	return &Prober{
		ffprobePath: ffprobePath,
		timeout:     DefaultProbeTimeout,
		logger:      slog.Default(),
	}
}

// WithTimeout sets the probe timeout.
func (p *Prober) WithTimeout(timeout time.Duration) *Prober {
	if timeout > 0 {
		p.timeout = timeout
	}
	return p
}

// WithLogger sets the logger.
func (p *Prober) WithLogger(logger *slog.Logger) *Prober {
	p.logger = logger
	return p
}

// Probe runs ffprobe against input and returns the parsed result.
func (p *Prober) Probe(ctx context.Context, input string) (*ProbeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		metrics.ProbeDuration.Observe(time.Since(start).Seconds())
	}()

	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
	}
	if strings.HasPrefix(input, "http://") || strings.HasPrefix(input, "https://") {
		args = append(args,
			"-reconnect", "1",
			"-reconnect_delay_max", "5",
		)
	}
	args = append(args, input)

	p.logger.DebugContext(ctx, "probing input", slog.String("input", input))

	output, err := exec.CommandContext(ctx, p.ffprobePath, args...).Output()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("probe timeout after %v", p.timeout)
		}
		return nil, fmt.Errorf("ffprobe failed: %w", err)
	}

	return ParseProbeOutput(output)
}

// ParseProbeOutput decodes ffprobe's JSON output.
func ParseProbeOutput(output []byte) (*ProbeResult, error) {
	var result ProbeResult
	if err := json.Unmarshal(output, &result); err != nil {
		return nil, fmt.Errorf("parsing ffprobe output: %w", err)
	}
	return &result, nil
}

// GetStreamsByType returns all streams of the given codec type, skipping
// attached pictures such as cover art.
func (r *ProbeResult) GetStreamsByType(codecType string) []ProbeStream {
	var streams []ProbeStream
	for _, s := range r.Streams {
		if s.CodecType == codecType && s.Disposition.AttachedPic == 0 {
			streams = append(streams, s)
		}
	}
	return streams
}

// DurationSeconds returns the container duration, or 0 when unknown.
func (r *ProbeResult) DurationSeconds() float64 {
	if r.Format.Duration == "" {
		return 0
	}
	d, err := strconv.ParseFloat(r.Format.Duration, 64)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// Framerate returns the stream's average frame rate, falling back to the
// real base frame rate.
func (s *ProbeStream) Framerate() float64 {
	if fr := parseFramerate(s.AvgFrameRate); fr > 0 {
		return fr
	}
	return parseFramerate(s.RFrameRate)
}

// SampleRateHz returns the audio sample rate, or 0 when unknown.
func (s *ProbeStream) SampleRateHz() int {
	sr, err := strconv.Atoi(s.SampleRate)
	if err != nil {
		return 0
	}
	return sr
}

// Rotation returns the clockwise display rotation in degrees, normalized to
// [0, 360). The display matrix side data takes precedence over the legacy
// "rotate" tag. ffprobe reports side data rotation counter-clockwise.
func (s *ProbeStream) Rotation() int {
	for _, sd := range s.SideDataList {
		if sd.SideDataType == "Display Matrix" {
			return normalizeDegrees(-sd.Rotation)
		}
	}
	if tag, ok := s.Tags["rotate"]; ok {
		if deg, err := strconv.ParseFloat(tag, 64); err == nil {
			return normalizeDegrees(deg)
		}
	}
	return 0
}

func normalizeDegrees(deg float64) int {
	d := int(math.Round(deg)) % 360
	if d < 0 {
		d += 360
	}
	return d
}

// parseFramerate parses a framerate string like "30000/1001" or "25/1".
func parseFramerate(fr string) float64 {
	parts := strings.Split(fr, "/")
	if len(parts) != 2 {
		if f, err := strconv.ParseFloat(fr, 64); err == nil {
			return f
		}
		return 0
	}

	num, err1 := strconv.ParseFloat(parts[0], 64)
	den, err2 := strconv.ParseFloat(parts[1], 64)
	if err1 != nil || err2 != nil || den == 0 {
		return 0
	}

	return num / den
}
