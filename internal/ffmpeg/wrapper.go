package ffmpeg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// maxStderrLines is how many recent stderr lines a Command keeps.
const maxStderrLines = 100

// Command represents an FFmpeg command to execute.
type Command struct {
	Binary   string
	Args     []string
	Input    string
	Output   string
	LogLevel string

	cmd     *exec.Cmd
	started time.Time
	mu      sync.RWMutex

	monitor *ProcessMonitor

	stderrDone  chan struct{}
	stderrLines []string
	stderrMu    sync.RWMutex
}

// CommandBuilder builds FFmpeg commands with a fluent API.
type CommandBuilder struct {
	binary     string
	globalArgs []string
	inputArgs  []string
	input      string
	maps       []string
	filterArgs []string
	outputArgs []string
	output     string
	logLevel   string
	overwrite  bool
}

// NewCommandBuilder creates a new FFmpeg command builder.
func NewCommandBuilder(ffmpegPath string) *CommandBuilder {
	return &CommandBuilder{
		binary:   ffmpegPath,
		logLevel: "error",
	}
}

// LogLevel sets the FFmpeg log level.
func (b *CommandBuilder) LogLevel(level string) *CommandBuilder {
	b.logLevel = level
	return b
}

// HideBanner hides the FFmpeg banner.
func (b *CommandBuilder) HideBanner() *CommandBuilder {
	b.globalArgs = append(b.globalArgs, "-hide_banner")
	return b
}

// NoStdin stops FFmpeg from reading the terminal.
func (b *CommandBuilder) NoStdin() *CommandBuilder {
	b.globalArgs = append(b.globalArgs, "-nostdin")
	return b
}

// CopyTimestamps keeps input timestamps on the output.
func (b *CommandBuilder) CopyTimestamps() *CommandBuilder {
	b.globalArgs = append(b.globalArgs, "-copyts")
	return b
}

// Overwrite enables output file overwriting.
func (b *CommandBuilder) Overwrite() *CommandBuilder {
	b.overwrite = true
	return b
}

// Input sets the input source.
func (b *CommandBuilder) Input(input string) *CommandBuilder {
	b.input = input
	return b
}

// InputArgs adds arbitrary input arguments.
func (b *CommandBuilder) InputArgs(args ...string) *CommandBuilder {
	b.inputArgs = append(b.inputArgs, args...)
	return b
}

// Reconnect enables automatic reconnection for network inputs.
func (b *CommandBuilder) Reconnect() *CommandBuilder {
	b.inputArgs = append(b.inputArgs,
		"-reconnect", "1",
		"-reconnect_streamed", "1",
		"-reconnect_delay_max", "5")
	return b
}

// Seek starts reading the input at offset.
func (b *CommandBuilder) Seek(offset time.Duration) *CommandBuilder {
	if offset > 0 {
		b.inputArgs = append(b.inputArgs, "-ss", formatSeconds(offset))
	}
	return b
}

// Limit stops reading after d of input.
func (b *CommandBuilder) Limit(d time.Duration) *CommandBuilder {
	if d > 0 {
		b.outputArgs = append(b.outputArgs, "-t", formatSeconds(d))
	}
	return b
}

// Map selects an input stream, e.g. "0:v:0" or "0:a:0?".
func (b *CommandBuilder) Map(spec string) *CommandBuilder {
	b.maps = append(b.maps, spec)
	return b
}

// CopyCodecs stream-copies every mapped stream.
func (b *CommandBuilder) CopyCodecs() *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-c", "copy")
	return b
}

// VideoCodec sets the video codec.
func (b *CommandBuilder) VideoCodec(codec string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-c:v", codec)
	return b
}

// AudioCodec sets the audio codec.
func (b *CommandBuilder) AudioCodec(codec string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-c:a", codec)
	return b
}

// VideoBitrate sets the video bitrate, e.g. "700k".
func (b *CommandBuilder) VideoBitrate(bitrate string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-b:v", bitrate)
	return b
}

// VideoRateLimit caps the video bitrate with a VBV buffer.
func (b *CommandBuilder) VideoRateLimit(maxrate, bufsize string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-maxrate", maxrate, "-bufsize", bufsize)
	return b
}

// AudioBitrate sets the audio bitrate.
func (b *CommandBuilder) AudioBitrate(bitrate string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-b:a", bitrate)
	return b
}

// VideoPreset sets the encoding preset.
func (b *CommandBuilder) VideoPreset(preset string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-preset", preset)
	return b
}

// VideoFilter adds a video filter. Filters run in the order they are added.
func (b *CommandBuilder) VideoFilter(filter string) *CommandBuilder {
	b.filterArgs = append(b.filterArgs, filter)
	return b
}

// AudioFilter adds an audio filter.
func (b *CommandBuilder) AudioFilter(filter string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-af", filter)
	return b
}

// AudioChannels sets the number of audio channels.
func (b *CommandBuilder) AudioChannels(channels int) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-ac", strconv.Itoa(channels))
	return b
}

// AudioSampleRate sets the audio sample rate in Hz.
func (b *CommandBuilder) AudioSampleRate(rate int) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-ar", strconv.Itoa(rate))
	return b
}

// FlushPackets writes packets as soon as they are muxed.
func (b *CommandBuilder) FlushPackets() *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-flush_packets", "1")
	return b
}

// MuxDelay sets the maximum demux-decode delay of the muxer.
func (b *CommandBuilder) MuxDelay(delay string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-muxdelay", delay)
	return b
}

// OutputArgs adds arbitrary output arguments.
func (b *CommandBuilder) OutputArgs(args ...string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, args...)
	return b
}

// MpegtsArgs adds MPEG-TS output arguments that keep source timestamps.
func (b *CommandBuilder) MpegtsArgs() *CommandBuilder {
	b.outputArgs = append(b.outputArgs,
		"-f", "mpegts",
		"-mpegts_copyts", "1",
		"-avoid_negative_ts", "disabled",
		"-mpegts_start_pid", "256",
		"-mpegts_pmt_start_pid", "4096",
	)
	return b
}

// Output sets the output destination.
func (b *CommandBuilder) Output(output string) *CommandBuilder {
	b.output = output
	return b
}

// Build builds the command.
func (b *CommandBuilder) Build() *Command {
	args := []string{"-loglevel", b.logLevel}
	args = append(args, b.globalArgs...)

	if b.overwrite {
		args = append(args, "-y")
	}

	args = append(args, b.inputArgs...)
	args = append(args, "-i", b.input)

	for _, m := range b.maps {
		args = append(args, "-map", m)
	}

	if len(b.filterArgs) > 0 {
		args = append(args, "-vf", strings.Join(b.filterArgs, ","))
	}

	args = append(args, b.outputArgs...)
	args = append(args, b.output)

	return &Command{
		Binary:      b.binary,
		Args:        args,
		Input:       b.input,
		Output:      b.output,
		LogLevel:    b.logLevel,
		stderrLines: make([]string, 0, maxStderrLines),
	}
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}

// String returns the command as a string.
func (c *Command) String() string {
	return c.Binary + " " + strings.Join(c.Args, " ")
}

// Start starts the command and returns its stdout. Stderr is captured in
// the background and the process is sampled by a ProcessMonitor.
func (c *Command) Start(ctx context.Context) (io.ReadCloser, error) {
	_, stdout, err := c.start(ctx, false)
	return stdout, err
}

// StartPipe starts the command like Start and also returns its stdin.
// Closing stdin signals the end of input to FFmpeg.
func (c *Command) StartPipe(ctx context.Context) (io.WriteCloser, io.ReadCloser, error) {
	return c.start(ctx, true)
}

func (c *Command) start(ctx context.Context, withStdin bool) (io.WriteCloser, io.ReadCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmd != nil {
		return nil, nil, fmt.Errorf("command already started")
	}

	cmd := exec.CommandContext(ctx, c.Binary, c.Args...)
	var stdin io.WriteCloser
	if withStdin {
		var err error
		stdin, err = cmd.StdinPipe()
		if err != nil {
			return nil, nil, fmt.Errorf("getting stdin pipe: %w", err)
		}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("getting stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("getting stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("starting command: %w", err)
	}

	c.cmd = cmd
	c.started = time.Now()
	c.stderrDone = make(chan struct{})
	go c.captureStderr(stderr, c.stderrDone)

	c.monitor = NewProcessMonitor(cmd.Process.Pid)
	c.monitor.Start(ctx)

	return stdin, stdout, nil
}

// Wait waits for the command to complete. Stdout must be fully read first.
func (c *Command) Wait() error {
	c.mu.RLock()
	cmd := c.cmd
	done := c.stderrDone
	monitor := c.monitor
	c.mu.RUnlock()

	if cmd == nil {
		return fmt.Errorf("command not started")
	}

	// Stderr must be drained before Wait closes the pipe.
	<-done
	err := cmd.Wait()
	monitor.Stop()
	if err != nil {
		if lines := c.StderrLines(); len(lines) > 0 {
			return fmt.Errorf("%w: %s", err, lines[len(lines)-1])
		}
	}
	return err
}

// Kill terminates the FFmpeg process.
func (c *Command) Kill() error {
	c.mu.RLock()
	cmd := c.cmd
	c.mu.RUnlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// Duration returns how long the command has been running.
func (c *Command) Duration() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.started.IsZero() {
		return 0
	}
	return time.Since(c.started)
}

// ProcessStats returns the latest resource usage of the process, or nil if
// the command was never started.
func (c *Command) ProcessStats() *ProcessStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.monitor == nil {
		return nil
	}
	stats := c.monitor.Stats()
	return &stats
}

// captureStderr keeps the most recent stderr lines for error reporting.
func (c *Command) captureStderr(stderr io.Reader, done chan struct{}) {
	defer close(done)

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()

		c.stderrMu.Lock()
		if len(c.stderrLines) >= maxStderrLines {
			c.stderrLines = c.stderrLines[1:]
		}
		c.stderrLines = append(c.stderrLines, line)
		c.stderrMu.Unlock()
	}
}

// StderrLines returns the recent stderr lines captured from FFmpeg.
func (c *Command) StderrLines() []string {
	c.stderrMu.RLock()
	defer c.stderrMu.RUnlock()

	lines := make([]string, len(c.stderrLines))
	copy(lines, c.stderrLines)
	return lines
}
