package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/jmylchreest/vcompress/internal/ffmpeg"
	"github.com/jmylchreest/vcompress/internal/media"
)

// outputQueueSize bounds the demuxed samples waiting in one reader output.
const outputQueueSize = 64

// source is the process producing the MPEG-TS stream.
type source interface {
	Start(ctx context.Context) (io.ReadCloser, error)
	Wait() error
	Kill() error
}

// Reader stream-copies the first video and audio track of a FileAsset
// through ffmpeg and demuxes the result into bounded per-output queues.
// The composition and audio mix of an output travel with its samples and
// are rendered by the Writer when it encodes.
type Reader struct {
	asset      *FileAsset
	ffmpegPath string
	logger     *slog.Logger

	// sourceFor replaces the ffmpeg process; nil runs cmd itself.
	sourceFor func(cmd *ffmpeg.Command) source

	mu        sync.Mutex
	status    media.ReaderStatus
	err       error
	timeRange media.TimeRange
	outputs   []*readerOutput
	src       source
	cancel    context.CancelFunc
	stop      chan struct{}
	demuxed   bool
	drained   int
}

// readerOutput is one media.ReaderOutput of a Reader.
type readerOutput struct {
	reader      *Reader
	kind        media.Kind
	tracks      []media.Track
	composition *media.VideoComposition
	mix         *media.AudioMix
	natural     media.Size

	samples chan *media.Sample
	drained bool // guarded by reader.mu
}

func newReader(asset *FileAsset, ffmpegPath string, logger *slog.Logger) *Reader {
	return &Reader{
		asset:      asset,
		ffmpegPath: ffmpegPath,
		logger:     logger.With(slog.String("input", asset.Path())),
		timeRange:  media.FullTimeline,
		stop:       make(chan struct{}),
	}
}

// SetTimeRange implements media.Reader.
func (r *Reader) SetTimeRange(tr media.TimeRange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeRange = tr
}

// NewVideoOutput implements media.Reader.
func (r *Reader) NewVideoOutput(tracks []media.Track, composition *media.VideoComposition) media.ReaderOutput {
	return &readerOutput{
		reader:      r,
		kind:        media.KindVideo,
		tracks:      tracks,
		composition: composition,
		samples:     make(chan *media.Sample, outputQueueSize),
	}
}

// NewAudioOutput implements media.Reader.
func (r *Reader) NewAudioOutput(tracks []media.Track, mix *media.AudioMix) media.ReaderOutput {
	return &readerOutput{
		reader:  r,
		kind:    media.KindAudio,
		tracks:  tracks,
		mix:     mix,
		samples: make(chan *media.Sample, outputQueueSize),
	}
}

// CanAddOutput implements media.Reader. An output reads the first of its
// tracks, which must be in a codec the demuxer understands; every track
// must belong to this asset and match the output's kind. Each kind may be
// read once.
func (r *Reader) CanAddOutput(o media.ReaderOutput) bool {
	ro, ok := o.(*readerOutput)
	if !ok || ro.reader != r || len(ro.tracks) == 0 {
		return false
	}
	for _, track := range ro.tracks {
		if t := r.asset.track(track.ID()); t == nil || t.kind != ro.kind {
			return false
		}
	}

	t := r.asset.track(ro.tracks[0].ID())
	switch ro.kind {
	case media.KindVideo:
		if t.codec != media.CodecH264 {
			return false
		}
	case media.KindAudio:
		if t.codec != media.CodecAAC {
			return false
		}
	default:
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != media.ReaderUnknown {
		return false
	}
	for _, existing := range r.outputs {
		if existing.kind == ro.kind {
			return false
		}
	}
	return true
}

// AddOutput implements media.Reader.
func (r *Reader) AddOutput(o media.ReaderOutput) {
	ro := o.(*readerOutput)

	r.mu.Lock()
	defer r.mu.Unlock()
	if t := r.asset.track(ro.tracks[0].ID()); t != nil {
		ro.natural = t.NaturalSize()
	}
	r.outputs = append(r.outputs, ro)

	attrs := []any{slog.String("kind", ro.kind.String()), slog.Int("track_id", ro.tracks[0].ID())}
	if len(ro.tracks) > 1 {
		ignored := make([]int, 0, len(ro.tracks)-1)
		for _, t := range ro.tracks[1:] {
			ignored = append(ignored, t.ID())
		}
		attrs = append(attrs, slog.Any("ignored_track_ids", ignored))
	}
	if ro.composition != nil {
		attrs = append(attrs,
			slog.String("render_size", ro.composition.RenderSize.String()),
			slog.String("frame_duration", ro.composition.FrameDuration.String()),
		)
	}
	if ro.mix != nil {
		attrs = append(attrs, slog.Int("mix_inputs", len(ro.mix.InputParameters)))
	}
	r.logger.Debug("reader output added", attrs...)
}

// command builds the ffmpeg invocation that copies the selected tracks
// into MPEG-TS on stdout.
func (r *Reader) command() *ffmpeg.Command {
	b := ffmpeg.NewCommandBuilder(r.ffmpegPath).
		HideBanner().
		NoStdin()

	if r.timeRange.Start.IsValid() && r.timeRange.Start.Compare(media.Zero) > 0 {
		b.Seek(seconds(r.timeRange.Start))
	}
	if r.asset.isRemote() {
		b.Reconnect()
	}
	b.Input(r.asset.Path())

	for _, o := range r.outputs {
		b.Map("0:" + strconv.Itoa(o.tracks[0].ID()))
	}

	b.CopyCodecs()
	if d := r.timeRange.Duration; d.IsValid() && !d.IsInfinite() {
		b.Limit(seconds(d))
	}
	return b.MpegtsArgs().Output("pipe:1").Build()
}

// StartReading implements media.Reader.
func (r *Reader) StartReading() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != media.ReaderUnknown {
		return r.status == media.ReaderReading
	}
	if len(r.outputs) == 0 {
		r.failLocked(fmt.Errorf("no outputs"))
		return false
	}

	cmd := r.command()
	var src source = cmd
	if r.sourceFor != nil {
		src = r.sourceFor(cmd)
	}

	ctx, cancel := context.WithCancel(context.Background())
	stdout, err := src.Start(ctx)
	if err != nil {
		cancel()
		r.failLocked(fmt.Errorf("starting ffmpeg: %w", err))
		return false
	}

	r.src = src
	r.cancel = cancel
	r.status = media.ReaderReading
	r.logger.Debug("reader started", slog.String("command", cmd.String()))

	go r.run(src, stdout)
	return true
}

func (r *Reader) run(src source, stdout io.ReadCloser) {
	started := time.Now()
	demuxErr := demux(stdout, r.dispatch, r.logger)
	if demuxErr != nil {
		_ = src.Kill()
	}
	// Drain whatever is left so the process is not blocked writing.
	_, _ = io.Copy(io.Discard, stdout)
	waitErr := src.Wait()

	if ps, ok := src.(interface{ ProcessStats() *ffmpeg.ProcessStats }); ok {
		if stats := ps.ProcessStats(); stats != nil {
			r.logger.Debug("ffmpeg exited",
				slog.Duration("elapsed", time.Since(started)),
				slog.Float64("cpu_percent", stats.CPUPercent),
				slog.Duration("cpu_user", stats.CPUUser),
				slog.Uint64("peak_rss_bytes", stats.PeakRSSBytes),
			)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case r.status != media.ReaderReading:
		// Cancelled or failed while demuxing.
	case demuxErr != nil && !errors.Is(demuxErr, errStopped):
		r.failLocked(fmt.Errorf("demuxing: %w", demuxErr))
	case waitErr != nil:
		r.failLocked(fmt.Errorf("ffmpeg: %w", waitErr))
	default:
		r.demuxed = true
		for _, o := range r.outputs {
			close(o.samples)
		}
		r.completeIfDrainedLocked()
	}
}

// dispatch queues s on the output of its kind, blocking while the queue is
// full.
func (r *Reader) dispatch(s *media.Sample) error {
	var out *readerOutput
	for _, o := range r.outputs {
		if o.kind == s.Kind {
			out = o
			break
		}
	}
	if out == nil {
		return nil
	}

	s.TrackID = out.tracks[0].ID()
	switch p := s.Payload.(type) {
	case *VideoPayload:
		p.Composition = out.composition
		p.NaturalSize = out.natural
	case *AudioPayload:
		p.Mix = out.mix
	}
	select {
	case out.samples <- s:
		return nil
	case <-r.stop:
		return errStopped
	}
}

// Status implements media.Reader. A reader stays in the reading state until
// every output returned its last sample.
func (r *Reader) Status() media.ReaderStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Err implements media.Reader.
func (r *Reader) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// CancelReading implements media.Reader. It stops ffmpeg; outputs return no
// further samples.
func (r *Reader) CancelReading() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != media.ReaderReading && r.status != media.ReaderUnknown {
		return
	}
	r.status = media.ReaderCancelled
	r.stopLocked()
	r.logger.Debug("reader cancelled")
}

func (r *Reader) failLocked(err error) {
	r.status = media.ReaderFailed
	r.err = err
	r.stopLocked()
	r.logger.Debug("reader failed", slog.String("error", err.Error()))
}

func (r *Reader) stopLocked() {
	select {
	case <-r.stop:
		return
	default:
		close(r.stop)
	}
	if r.cancel != nil {
		r.cancel()
	}
	if r.src != nil {
		_ = r.src.Kill()
	}
}

func (r *Reader) completeIfDrainedLocked() {
	if r.status == media.ReaderReading && r.demuxed && r.drained == len(r.outputs) {
		r.status = media.ReaderCompleted
		r.logger.Debug("reader completed")
	}
}

// Kind implements media.ReaderOutput.
func (o *readerOutput) Kind() media.Kind {
	return o.kind
}

// NextSample implements media.ReaderOutput. It blocks until a sample is
// demuxed, and returns nil at the end of the stream or once the reader
// stopped.
func (o *readerOutput) NextSample() *media.Sample {
	r := o.reader
	if r.Status() != media.ReaderReading {
		return nil
	}

	select {
	case <-r.stop:
		return nil
	default:
	}

	select {
	case s, ok := <-o.samples:
		if ok {
			return s
		}
		r.mu.Lock()
		if !o.drained {
			o.drained = true
			r.drained++
			r.completeIfDrainedLocked()
		}
		r.mu.Unlock()
		return nil
	case <-r.stop:
		return nil
	}
}

func seconds(t media.Time) time.Duration {
	return time.Duration(t.Seconds() * float64(time.Second))
}
