package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"sync"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"

	"github.com/jmylchreest/vcompress/internal/ffmpeg"
	"github.com/jmylchreest/vcompress/internal/media"
)

const (
	// x264Preset is the libx264 speed/compression trade-off.
	x264Preset = "medium"
	// defaultCRF is used when a video input asks for no bitrate.
	defaultCRF = "23"
	// keyframeSeconds is the GOP length when the frame rate is known.
	keyframeSeconds = 2
	// axisTolerance decides when a matrix entry counts as zero.
	axisTolerance = 1e-9
)

// errUnsupportedTransform is returned for layer transforms that are not a
// multiple of 90 degrees, which the filter chain cannot express.
var errUnsupportedTransform = errors.New("transform is not axis aligned")

// encoderProcess is the ffmpeg process behind an encoder.
type encoderProcess interface {
	StartPipe(ctx context.Context) (io.WriteCloser, io.ReadCloser, error)
	Wait() error
	Kill() error
}

// encoder re-encodes the samples of one writer input. Samples are muxed to
// MPEG-TS on ffmpeg's stdin; the encoded stream on stdout is demuxed and
// handed to emit.
type encoder struct {
	kind   media.Kind
	proc   encoderProcess
	stdin  io.WriteCloser
	ts     *mpegts.Writer
	track  *mpegts.Track
	logger *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
	err       error // valid once done is closed
}

// needsEncode reports whether samples like first must be re-encoded to
// honour settings. Inputs that ask for no change are stream-copied.
func needsEncode(settings media.Settings, first *media.Sample) bool {
	if rate, ok := settings.BitRate(); ok && rate > 0 {
		return true
	}
	switch p := first.Payload.(type) {
	case *VideoPayload:
		return !settings.TargetSize().IsEmpty() || p.Composition != nil
	case *AudioPayload:
		if volumeFilter(p.Mix, first.TrackID) != "" {
			return true
		}
		if rate, ok := settings.Number(media.KeySampleRate); ok && int(rate) != p.Config.SampleRate {
			return true
		}
		if ch, ok := settings.Number(media.KeyChannels); ok && int(ch) != p.Config.ChannelCount {
			return true
		}
	}
	return false
}

// encoderCommand builds the ffmpeg invocation that encodes samples like
// first according to settings.
func encoderCommand(ffmpegPath string, settings media.Settings, first *media.Sample) (*ffmpeg.Command, error) {
	b := ffmpeg.NewCommandBuilder(ffmpegPath).
		HideBanner().
		CopyTimestamps().
		InputArgs("-f", "mpegts", "-analyzeduration", "500000", "-probesize", "500000").
		Input("pipe:0")

	switch p := first.Payload.(type) {
	case *VideoPayload:
		filters, err := renderFilters(p, first.TrackID, settings.TargetSize())
		if err != nil {
			return nil, err
		}
		b.Map("0:v:0")
		for _, f := range filters {
			b.VideoFilter(f)
		}
		b.VideoCodec("libx264").VideoPreset(x264Preset)
		if rate, ok := settings.BitRate(); ok && rate > 0 {
			b.VideoBitrate(kbps(rate)).VideoRateLimit(kbps(rate), kbps(2*rate))
		} else {
			b.OutputArgs("-crf", defaultCRF)
		}
		b.OutputArgs("-pix_fmt", "yuv420p")
		if g := gopLength(p.Composition); g > 0 {
			b.OutputArgs("-g", strconv.Itoa(g))
		}
		b.OutputArgs("-an")

	case *AudioPayload:
		b.Map("0:a:0")
		if f := volumeFilter(p.Mix, first.TrackID); f != "" {
			b.AudioFilter(f)
		}
		b.AudioCodec("aac")
		if rate, ok := settings.BitRate(); ok && rate > 0 {
			b.AudioBitrate(kbps(rate))
		}
		if rate, ok := settings.Number(media.KeySampleRate); ok && rate > 0 {
			b.AudioSampleRate(int(rate))
		}
		if ch, ok := settings.Number(media.KeyChannels); ok && ch > 0 {
			b.AudioChannels(int(ch))
		}
		b.OutputArgs("-vn")

	default:
		return nil, fmt.Errorf("unsupported payload %T", first.Payload)
	}

	return b.MpegtsArgs().FlushPackets().MuxDelay("0").Output("pipe:1").Build(), nil
}

// renderFilters returns the video filters that render p's composition into
// a frame of target size, or of the composition's render size when target
// is empty. Without a composition the frame is fitted into target.
func renderFilters(p *VideoPayload, trackID int, target media.Size) ([]string, error) {
	comp := p.Composition
	if comp == nil {
		if target.IsEmpty() {
			return nil, nil
		}
		w, h := even(target.Width), even(target.Height)
		return []string{
			fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease:force_divisible_by=2", w, h),
			fmt.Sprintf("pad=%d:%d:(ow-iw)/2:(oh-ih)/2:black", w, h),
			"setsar=1",
		}, nil
	}

	render := comp.RenderSize
	natural := p.NaturalSize
	if render.IsEmpty() || natural.IsEmpty() {
		return nil, fmt.Errorf("composition without frame size (render %s, natural %s)", render, natural)
	}
	if target.IsEmpty() {
		target = render
	}
	w, h := even(target.Width), even(target.Height)

	layer := layerTransform(comp, trackID)
	full := layer.Concat(media.Scale(float64(w)/render.Width, float64(h)/render.Height))

	filters, err := orientFilters(full)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, layer)
	}

	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, corner := range [][2]float64{{0, 0}, {natural.Width, 0}, {0, natural.Height}, {natural.Width, natural.Height}} {
		x, y := full.Apply(corner[0], corner[1])
		minX, maxX = math.Min(minX, x), math.Max(maxX, x)
		minY, maxY = math.Min(minY, y), math.Max(maxY, y)
	}
	cw, ch := min(even(maxX-minX), w), min(even(maxY-minY), h)
	// Placed by centre so that rounding never moves the frame by a pixel.
	x := clamp(int(math.Round((minX+maxX)/2-float64(cw)/2)), 0, w-cw)
	y := clamp(int(math.Round((minY+maxY)/2-float64(ch)/2)), 0, h-ch)

	filters = append(filters,
		fmt.Sprintf("scale=%d:%d", cw, ch),
		fmt.Sprintf("pad=%d:%d:%d:%d:black", w, h, x, y),
		"setsar=1",
	)
	if d := comp.FrameDuration; d.IsValid() && d.Value > 0 {
		filters = append(filters, fmt.Sprintf("fps=%d/%d", d.Timescale, d.Value))
	}
	return filters, nil
}

// layerTransform returns the transform of trackID's layer at time zero,
// falling back to the first layer.
func layerTransform(comp *media.VideoComposition, trackID int) media.Transform {
	inst := comp.InstructionAt(media.Zero)
	if inst == nil || len(inst.Layers) == 0 {
		return media.Identity
	}
	for _, l := range inst.Layers {
		if l.TrackID == trackID {
			return l.Transform
		}
	}
	return inst.Layers[0].Transform
}

// orientFilters maps the linear part of t onto flips and transposes.
func orientFilters(t media.Transform) ([]string, error) {
	zero := func(v float64) bool { return math.Abs(v) < axisTolerance }

	switch {
	case zero(t.B) && zero(t.C) && !zero(t.A) && !zero(t.D):
		var filters []string
		if t.A < 0 {
			filters = append(filters, "hflip")
		}
		if t.D < 0 {
			filters = append(filters, "vflip")
		}
		return filters, nil

	case zero(t.A) && zero(t.D) && !zero(t.B) && !zero(t.C):
		switch {
		case t.B > 0 && t.C < 0:
			return []string{"transpose=clock"}, nil
		case t.B < 0 && t.C > 0:
			return []string{"transpose=cclock"}, nil
		case t.B > 0 && t.C > 0:
			return []string{"transpose=cclock_flip"}, nil
		default:
			return []string{"transpose=clock_flip"}, nil
		}
	}
	return nil, errUnsupportedTransform
}

// volumeFilter returns the volume filter of trackID in mix, or "" when the
// track plays at unit volume.
func volumeFilter(mix *media.AudioMix, trackID int) string {
	if mix == nil {
		return ""
	}
	for _, p := range mix.InputParameters {
		if p.TrackID == trackID && p.Volume != 1 {
			return "volume=" + strconv.FormatFloat(max(p.Volume, 0), 'f', -1, 64)
		}
	}
	return ""
}

// gopLength returns the keyframe interval in frames for comp's frame rate.
func gopLength(comp *media.VideoComposition) int {
	if comp == nil || !comp.FrameDuration.IsValid() || comp.FrameDuration.Value <= 0 {
		return 0
	}
	fps := float64(comp.FrameDuration.Timescale) / float64(comp.FrameDuration.Value)
	return max(int(math.Round(fps*keyframeSeconds)), 1)
}

func kbps(bitsPerSecond float64) string {
	return strconv.Itoa(int(math.Round(bitsPerSecond/1000))) + "k"
}

// even rounds v to the nearest even pixel count of at least 2.
func even(v float64) int {
	n := int(math.Round(v))
	if n%2 != 0 {
		n--
	}
	return max(n, 2)
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

// startEncoder starts proc and prepares it for samples like first. Every
// encoded sample is passed to emit from the encoder's output goroutine.
func startEncoder(proc encoderProcess, kind media.Kind, first *media.Sample, emit func(*media.Sample) error, logger *slog.Logger) (*encoder, error) {
	track := &mpegts.Track{PID: 256}
	switch p := first.Payload.(type) {
	case *VideoPayload:
		track.Codec = &mpegts.CodecH264{}
	case *AudioPayload:
		track.Codec = &mpegts.CodecMPEG4Audio{Config: p.Config}
	default:
		return nil, fmt.Errorf("unsupported payload %T", first.Payload)
	}

	stdin, stdout, err := proc.StartPipe(context.Background())
	if err != nil {
		return nil, fmt.Errorf("starting ffmpeg: %w", err)
	}

	e := &encoder{
		kind:   kind,
		proc:   proc,
		stdin:  stdin,
		track:  track,
		ts:     &mpegts.Writer{W: stdin, Tracks: []*mpegts.Track{track}},
		logger: logger,
		done:   make(chan struct{}),
	}
	go e.run(stdout, emit)

	if err := e.ts.Initialize(); err != nil {
		e.kill()
		<-e.done
		return nil, fmt.Errorf("initializing encoder input: %w", err)
	}
	return e, nil
}

func (e *encoder) run(stdout io.ReadCloser, emit func(*media.Sample) error) {
	defer close(e.done)

	demuxErr := demux(stdout, emit, e.logger)
	if demuxErr != nil {
		_ = e.proc.Kill()
	}
	_, _ = io.Copy(io.Discard, stdout)
	waitErr := e.proc.Wait()

	switch {
	case demuxErr != nil:
		e.err = fmt.Errorf("reading encoded %s: %w", e.kind, demuxErr)
	case waitErr != nil:
		e.err = fmt.Errorf("encoding %s: %w", e.kind, waitErr)
	}
}

// write feeds one source sample to the encoder. It blocks while ffmpeg is
// busy.
func (e *encoder) write(s *media.Sample) error {
	var err error
	switch p := s.Payload.(type) {
	case *VideoPayload:
		err = e.ts.WriteH264(e.track, ticks(s.PTS), ticks(s.DTS), p.AU)
	case *AudioPayload:
		err = e.ts.WriteMPEG4Audio(e.track, ticks(s.PTS), [][]byte{p.AU})
	default:
		err = fmt.Errorf("unsupported payload %T", s.Payload)
	}
	if err != nil {
		return fmt.Errorf("feeding %s encoder: %w", e.kind, err)
	}
	return nil
}

// close ends the encoder input and waits until every encoded sample was
// emitted and ffmpeg exited.
func (e *encoder) close() error {
	e.closeOnce.Do(func() { _ = e.stdin.Close() })
	<-e.done
	return e.err
}

// kill stops ffmpeg without waiting for it.
func (e *encoder) kill() {
	_ = e.proc.Kill()
	e.closeOnce.Do(func() { _ = e.stdin.Close() })
}
