package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/jmylchreest/vcompress/internal/composition"
	"github.com/jmylchreest/vcompress/internal/config"
	"github.com/jmylchreest/vcompress/internal/engine"
	"github.com/jmylchreest/vcompress/internal/export"
	"github.com/jmylchreest/vcompress/internal/ffmpeg"
	"github.com/jmylchreest/vcompress/internal/media"
	"github.com/jmylchreest/vcompress/internal/metrics"
	"github.com/jmylchreest/vcompress/internal/orientation"
	"github.com/jmylchreest/vcompress/internal/preset"
)

// errInsufficientSpace is returned when the output volume has less free
// space than export.min_free_space.
var errInsufficientSpace = errors.New("insufficient free space")

var exportCmd = &cobra.Command{
	Use:   "export <input> <output>",
	Short: "Export a video at a preset quality",
	Long: `Export the first video track and, when present, the first audio track
of input to output.

The output size defaults to the source's oriented size and can be
overridden with --width and --height. The output file must not exist
unless --force is given.

Examples:
  vcompress export IMG_0001.MOV small.mp4 --preset low
  vcompress export clip.mp4 clip.m4s --container fmp4 --width 720 --height 1280`,
	Args: cobra.ExactArgs(2),
	RunE: runExport,
}

func init() {
	rootCmd.AddCommand(exportCmd)
	addExportFlags(exportCmd.Flags())
}

func addExportFlags(flags *pflag.FlagSet) {
	flags.String("preset", "", "quality preset (default, very-low, low, medium, high, very-high)")
	flags.Int("width", 0, "output width (requires --height)")
	flags.Int("height", 0, "output height (requires --width)")
	flags.Float64("frame-rate", 0, "frame rate cap (0 keeps the source rate)")
	flags.String("container", "", "output container (mp4, fmp4)")
	flags.Bool("force", false, "replace an existing output file")
}

// exportOptions are the export settings after applying flags over config.
type exportOptions struct {
	preset    preset.Preset
	container media.ContainerType
	size      media.Size
	frameRate float64
	force     bool
}

// resolveExportOptions applies explicitly set flags over the export config.
func resolveExportOptions(flags *pflag.FlagSet, ec config.ExportConfig) (exportOptions, error) {
	opts := exportOptions{force: ec.Overwrite}

	name := ec.Preset
	if flags.Changed("preset") {
		name, _ = flags.GetString("preset")
	}
	p, err := preset.ParsePreset(name)
	if err != nil {
		return opts, err
	}
	opts.preset = p

	container := ec.Container
	if flags.Changed("container") {
		container, _ = flags.GetString("container")
	}
	opts.container = media.ContainerType(container)
	if !opts.container.Valid() {
		return opts, fmt.Errorf("unsupported container %q (mp4, fmp4)", container)
	}

	width, height := ec.Width, ec.Height
	if flags.Changed("width") {
		width, _ = flags.GetInt("width")
	}
	if flags.Changed("height") {
		height, _ = flags.GetInt("height")
	}
	if width < 0 || height < 0 || (width == 0) != (height == 0) {
		return opts, fmt.Errorf("width and height must be positive and set together")
	}
	opts.size = media.Size{Width: float64(width), Height: float64(height)}

	if flags.Changed("frame-rate") {
		opts.frameRate, _ = flags.GetFloat64("frame-rate")
		if opts.frameRate < 0 {
			return opts, fmt.Errorf("frame rate must not be negative")
		}
	}
	if flags.Changed("force") {
		opts.force, _ = flags.GetBool("force")
	}
	return opts, nil
}

// videoSettings returns the preset's settings at size, with the frame rate
// cap applied when set.
func videoSettings(opts exportOptions, size media.Size) media.Settings {
	settings := preset.VideoSettings(opts.preset, size)
	if opts.frameRate > 0 {
		if props, ok := settings.Sub(media.KeyCompressionProperties); ok {
			props[media.KeyAverageNonDroppableRate] = opts.frameRate
		}
	}
	return settings
}

// audioSettings returns the configured AAC output settings.
func audioSettings(ac config.AudioExportConfig) media.Settings {
	settings := media.Settings{
		media.KeyCodec:      ac.Codec,
		media.KeySampleRate: ac.SampleRate,
		media.KeyChannels:   ac.Channels,
	}
	if ac.Bitrate > 0 {
		settings[media.KeyCompressionProperties] = media.Settings{
			media.KeyAverageBitRate: ac.Bitrate,
		}
	}
	return settings
}

// checkFreeSpace fails when the volume holding dir has less than minFree
// bytes available. A non-positive minFree disables the check.
func checkFreeSpace(ctx context.Context, dir string, minFree config.ByteSize) error {
	if minFree <= 0 {
		return nil
	}
	usage, err := disk.UsageWithContext(ctx, dir)
	if err != nil {
		return fmt.Errorf("checking free space on %s: %w", dir, err)
	}
	if usage.Free < uint64(minFree.Bytes()) {
		return fmt.Errorf("%w on %s: %s available, %s required",
			errInsufficientSpace, dir, config.ByteSize(usage.Free), minFree)
	}
	return nil
}

// removeExisting deletes path when it is a regular file.
// samePath reports whether output names the local file input. URLs never
// match.
func samePath(input, output string) (bool, error) {
	if strings.Contains(input, "://") {
		return false, nil
	}
	in, err := filepath.Abs(input)
	if err != nil {
		return false, fmt.Errorf("resolving input: %w", err)
	}
	out, err := filepath.Abs(output)
	if err != nil {
		return false, fmt.Errorf("resolving output: %w", err)
	}
	if in == out {
		return true, nil
	}

	inInfo, err := os.Stat(in)
	if err != nil {
		return false, nil
	}
	outInfo, err := os.Stat(out)
	if err != nil {
		return false, nil
	}
	return os.SameFile(inInfo, outInfo), nil
}

func removeExisting(path string) error {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("checking output: %w", err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("output %s is not a regular file", path)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("removing existing output: %w", err)
	}
	return nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context, logger *slog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			logger.Info("received shutdown signal", slog.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}

// detectBinaries locates ffmpeg and ffprobe from config, environment or PATH.
func detectBinaries(ctx context.Context, logger *slog.Logger) (*ffmpeg.BinaryInfo, error) {
	info, err := ffmpeg.NewBinaryDetector().
		WithPaths(cfg.FFmpeg.BinaryPath, cfg.FFmpeg.ProbePath).
		Detect(ctx)
	if err != nil {
		return nil, err
	}
	if len(info.Formats) > 0 && !info.HasFormat("mpegts") {
		logger.Warn("ffmpeg does not list the mpegts muxer", slog.String("ffmpeg", info.FFmpegPath))
	}
	logger.Debug("using ffmpeg",
		slog.String("ffmpeg", info.FFmpegPath),
		slog.String("ffprobe", info.FFprobePath),
		slog.String("version", info.Version),
	)
	return info, nil
}

func newProber(info *ffmpeg.BinaryInfo, logger *slog.Logger) *ffmpeg.Prober {
	return ffmpeg.NewProber(info.FFprobePath).
		WithTimeout(cfg.FFmpeg.ProbeTimeout.Duration()).
		WithLogger(logger)
}

func runExport(cmd *cobra.Command, args []string) error {
	input, output := args[0], args[1]
	logger := slog.Default()

	opts, err := resolveExportOptions(cmd.Flags(), cfg.Export)
	if err != nil {
		return err
	}

	same, err := samePath(input, output)
	if err != nil {
		return err
	}
	if same {
		return fmt.Errorf("output %s is the input", output)
	}

	ctx, cancel := signalContext(cmd.Context(), logger)
	defer cancel()

	tools, err := detectBinaries(ctx, logger)
	if err != nil {
		return err
	}

	if err := checkFreeSpace(ctx, filepath.Dir(output), cfg.Export.MinFreeSpace); err != nil {
		return err
	}

	asset, err := engine.Open(ctx, input, newProber(tools, logger))
	if err != nil {
		return err
	}

	size := opts.size
	if size.IsEmpty() {
		size, err = orientation.VideoSize(ctx, asset)
		if err != nil {
			return err
		}
	}

	// Only replaced once the input is known to be readable.
	if opts.force {
		if err := removeExisting(output); err != nil {
			return err
		}
	}

	builder := composition.NewBuilder(composition.Options{
		NormalizeSentinel: cfg.Composition.NormalizeSentinel,
		SentinelOffset:    cfg.Composition.SentinelOffset,
	}, logger)
	exporter := export.New(engine.New(tools.FFmpegPath, logger),
		export.WithBuilder(builder),
		export.WithLogger(logger),
	)

	err = exporter.Export(ctx, export.Request{
		Asset:         asset,
		Container:     opts.container,
		OutputPath:    output,
		VideoSettings: videoSettings(opts, size),
		AudioSettings: audioSettings(cfg.Export.Audio),
	})

	if path := cfg.Metrics.Textfile; path != "" {
		if werr := metrics.WriteTextfile(path); werr != nil {
			logger.Warn("failed to write metrics", slog.String("path", path), slog.String("error", werr.Error()))
		}
	}

	if err != nil {
		return fmt.Errorf("exporting %s: %w", input, err)
	}
	if ctx.Err() != nil {
		return fmt.Errorf("export of %s cancelled", input)
	}

	logger.Info("export complete",
		slog.String("input", input),
		slog.String("output", output),
		slog.String("preset", opts.preset.String()),
		slog.String("size", size.String()),
	)
	return nil
}
