package engine

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jmylchreest/vcompress/internal/ffmpeg"
	"github.com/jmylchreest/vcompress/internal/media"
	"github.com/jmylchreest/vcompress/internal/metrics"
)

// Fragment durations. Short fragments let players start before the whole
// file is downloaded.
const (
	networkFragmentDuration = time.Second
	defaultFragmentDuration = 4 * time.Second
)

// Writer muxes H.264 and AAC samples into a fragmented MP4 file. An input
// whose settings ask for a bitrate, a size, a composition or a different
// audio format re-encodes its samples through ffmpeg (libx264 or aac);
// other inputs are stream-copied. Both supported containers are written as
// fragmented MP4; "mp4" differs only in using longer fragments unless
// network use is optimized.
type Writer struct {
	path       string
	container  media.ContainerType
	ffmpegPath string
	logger     *slog.Logger

	// encoderFor replaces the ffmpeg encoder process; nil runs cmd itself.
	encoderFor func(cmd *ffmpeg.Command) encoderProcess

	mu       sync.Mutex
	cond     *sync.Cond
	status   media.WriterStatus
	err      error
	optimize bool
	inputs   []*writerInput
	file     *os.File
	mux      *fragmenter
}

// writerInput is one track of a Writer. Its readiness callback runs on a
// dedicated pump goroutine, so invocations never overlap.
type writerInput struct {
	writer   *Writer
	kind     media.Kind
	settings media.Settings

	// Guarded by writer.mu.
	track    *muxTrack
	planned  bool
	enc      *encoder
	finished bool
	progress uint64
	fn       func()
	pumping  bool
	appended int
}

func newWriter(path string, container media.ContainerType, ffmpegPath string, logger *slog.Logger) *Writer {
	w := &Writer{
		path:       path,
		container:  container,
		ffmpegPath: ffmpegPath,
		logger:     logger.With(slog.String("output", path), slog.String("container", string(container))),
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// SetOptimizeForNetworkUse implements media.Writer.
func (w *Writer) SetOptimizeForNetworkUse(enabled bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.optimize = enabled
}

// NewInput implements media.Writer.
func (w *Writer) NewInput(kind media.Kind, settings media.Settings) media.WriterInput {
	return &writerInput{writer: w, kind: kind, settings: settings}
}

// CanAddInput implements media.Writer. The requested codec must be one the
// muxer carries: H.264 for video and AAC for audio. At most one input per
// kind is accepted.
func (w *Writer) CanAddInput(in media.WriterInput) bool {
	wi, ok := in.(*writerInput)
	if !ok || wi.writer != w {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status != media.WriterUnknown {
		return false
	}
	for _, existing := range w.inputs {
		if existing.kind == wi.kind {
			return false
		}
	}

	codec := wi.settings.Codec()
	switch wi.kind {
	case media.KindVideo:
		return codec == "" || codec == media.CodecH264
	case media.KindAudio:
		return codec == "" || codec == media.CodecAAC
	default:
		return false
	}
}

// AddInput implements media.Writer.
func (w *Writer) AddInput(in media.WriterInput) {
	wi := in.(*writerInput)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.inputs = append(w.inputs, wi)

	attrs := []any{slog.String("kind", wi.kind.String()), slog.String("codec", wi.settings.Codec())}
	if size := wi.settings.TargetSize(); !size.IsEmpty() {
		attrs = append(attrs, slog.String("target_size", size.String()))
	}
	if rate, ok := wi.settings.BitRate(); ok {
		attrs = append(attrs, slog.Float64("target_bit_rate", rate))
	}
	w.logger.Debug("writer input added", attrs...)
}

// StartWriting implements media.Writer. It creates the output file, which
// must not exist yet.
func (w *Writer) StartWriting() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.status != media.WriterUnknown {
		return w.status == media.WriterWriting
	}
	if len(w.inputs) == 0 {
		w.failLocked(fmt.Errorf("no inputs"))
		return false
	}

	f, err := os.OpenFile(w.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		w.failLocked(fmt.Errorf("creating output: %w", err))
		return false
	}
	w.file = f

	target := defaultFragmentDuration
	if w.optimize || w.container == media.ContainerFMP4 {
		target = networkFragmentDuration
	}
	w.mux = newFragmenter(f, target)
	for _, in := range w.inputs {
		in.track = w.mux.addTrack(in.kind)
	}

	w.status = media.WriterWriting
	w.cond.Broadcast()
	w.logger.Debug("writer started", slog.Duration("fragment_duration", target))
	return true
}

// StartSession implements media.Writer. Output timelines are rebased so
// the earliest sample lands on the session start, which for vcompress is
// always zero.
func (w *Writer) StartSession(at media.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.mux != nil && !w.mux.initWritten && at.IsValid() && !at.IsInfinite() {
		w.mux.sessionStart = max(ticks(at), 0)
	}
}

// Status implements media.Writer.
func (w *Writer) Status() media.WriterStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Err implements media.Writer.
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// CancelWriting implements media.Writer. Encoders are stopped and the
// partial file is closed but left in place.
func (w *Writer) CancelWriting() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.status == media.WriterWriting || w.status == media.WriterUnknown {
		w.status = media.WriterCancelled
		w.logger.Debug("writer cancelled")
	}
	w.killEncodersLocked()
	w.closeFileLocked()
	w.cond.Broadcast()
}

// FinishWriting implements media.Writer.
func (w *Writer) FinishWriting(done func()) {
	go func() {
		w.finish()
		done()
	}()
}

func (w *Writer) finish() {
	w.mu.Lock()
	var encoders []*encoder
	for _, in := range w.inputs {
		if in.enc != nil {
			encoders = append(encoders, in.enc)
		}
	}
	w.mu.Unlock()

	// Inputs are normally finished by now; this flushes any that were not.
	var encErr error
	for _, enc := range encoders {
		if err := enc.close(); err != nil && encErr == nil {
			encErr = err
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.status != media.WriterWriting {
		return
	}
	if encErr != nil {
		w.failLocked(encErr)
		return
	}

	before := w.mux.written
	err := w.mux.close()
	metrics.MuxedBytesTotal.Add(float64(w.mux.written - before))
	if err != nil {
		w.failLocked(err)
		return
	}
	if err := w.file.Sync(); err != nil {
		w.failLocked(fmt.Errorf("syncing output: %w", err))
		return
	}
	if err := w.file.Close(); err != nil {
		w.file = nil
		w.failLocked(fmt.Errorf("closing output: %w", err))
		return
	}
	w.file = nil

	w.status = media.WriterCompleted
	w.cond.Broadcast()

	attrs := []any{slog.Int64("bytes", w.mux.written), slog.Int("fragments", int(w.mux.sequenceNumber-1))}
	for _, in := range w.inputs {
		attrs = append(attrs, slog.Int(in.kind.String()+"_samples", in.appended))
	}
	w.logger.Debug("writer finished", attrs...)
}

func (w *Writer) failLocked(err error) {
	if w.status == media.WriterCompleted || w.status == media.WriterCancelled || w.status == media.WriterFailed {
		return
	}
	w.status = media.WriterFailed
	w.err = err
	w.killEncodersLocked()
	w.closeFileLocked()
	w.cond.Broadcast()
	w.logger.Debug("writer failed", slog.String("error", err.Error()))
}

func (w *Writer) killEncodersLocked() {
	for _, in := range w.inputs {
		if in.enc != nil {
			in.enc.kill()
		}
	}
}

func (w *Writer) closeFileLocked() {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
}

// Kind implements media.WriterInput.
func (in *writerInput) Kind() media.Kind {
	return in.kind
}

// ReadyForMoreMediaData implements media.WriterInput. Appends are muxed or
// handed to the encoder synchronously, so an input is ready for as long as
// the writer writes and the input was not marked finished.
func (in *writerInput) ReadyForMoreMediaData() bool {
	in.writer.mu.Lock()
	defer in.writer.mu.Unlock()
	return in.readyLocked()
}

func (in *writerInput) readyLocked() bool {
	return in.writer.status == media.WriterWriting && !in.finished
}

// Append implements media.WriterInput. The first sample decides whether the
// input is stream-copied or encoded. A failed append fails the writer.
func (in *writerInput) Append(s *media.Sample) bool {
	w := in.writer
	w.mu.Lock()

	if !in.readyLocked() {
		w.mu.Unlock()
		return false
	}
	if s.Kind != in.kind {
		w.failLocked(fmt.Errorf("%s sample appended to %s input", s.Kind, in.kind))
		w.mu.Unlock()
		return false
	}
	if !in.planned {
		in.planned = true
		if needsEncode(in.settings, s) {
			if err := in.startEncoderLocked(s); err != nil {
				w.failLocked(fmt.Errorf("starting %s encoder: %w", in.kind, err))
				w.mu.Unlock()
				return false
			}
		}
	}

	enc := in.enc
	if enc == nil {
		defer w.mu.Unlock()
		before := w.mux.written
		err := w.mux.push(in.track, s)
		metrics.MuxedBytesTotal.Add(float64(w.mux.written - before))
		if err != nil {
			w.failLocked(fmt.Errorf("appending %s sample: %w", in.kind, err))
			return false
		}
		in.appended++
		in.progress++
		return true
	}

	// The encoder's output goroutine muxes under w.mu, so the lock is not
	// held while ffmpeg may block on stdin.
	w.mu.Unlock()
	err := enc.write(s)

	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		w.failLocked(err)
		return false
	}
	in.appended++
	in.progress++
	return true
}

func (in *writerInput) startEncoderLocked(first *media.Sample) error {
	w := in.writer
	cmd, err := encoderCommand(w.ffmpegPath, in.settings, first)
	if err != nil {
		return err
	}
	var proc encoderProcess = cmd
	if w.encoderFor != nil {
		proc = w.encoderFor(cmd)
	}

	logger := w.logger.With(slog.String("kind", in.kind.String()))
	enc, err := startEncoder(proc, in.kind, first, in.muxEncoded, logger)
	if err != nil {
		return err
	}
	in.enc = enc
	logger.Debug("encoder started", slog.String("command", cmd.String()))
	return nil
}

// muxEncoded muxes one sample produced by the input's encoder.
func (in *writerInput) muxEncoded(s *media.Sample) error {
	w := in.writer
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.status != media.WriterWriting {
		return errStopped
	}
	before := w.mux.written
	err := w.mux.push(in.track, s)
	metrics.MuxedBytesTotal.Add(float64(w.mux.written - before))
	if err != nil {
		err = fmt.Errorf("muxing encoded %s sample: %w", in.kind, err)
		w.failLocked(err)
		return err
	}
	return nil
}

// MarkAsFinished implements media.WriterInput. An encoding input first
// waits for ffmpeg to flush its remaining output.
func (in *writerInput) MarkAsFinished() {
	w := in.writer
	w.mu.Lock()
	if in.finished {
		w.mu.Unlock()
		return
	}
	in.finished = true
	in.progress++
	enc := in.enc
	w.cond.Broadcast()
	w.mu.Unlock()

	var encErr error
	if enc != nil {
		encErr = enc.close()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status == media.WriterWriting {
		if encErr != nil {
			w.failLocked(encErr)
		} else {
			before := w.mux.written
			err := w.mux.finish(in.track)
			metrics.MuxedBytesTotal.Add(float64(w.mux.written - before))
			if err != nil {
				w.failLocked(fmt.Errorf("finishing %s track: %w", in.kind, err))
			}
		}
	}
	w.cond.Broadcast()
}

// RequestMediaDataWhenReady implements media.WriterInput.
func (in *writerInput) RequestMediaDataWhenReady(fn func()) {
	w := in.writer
	w.mu.Lock()
	defer w.mu.Unlock()

	in.fn = fn
	if !in.pumping {
		in.pumping = true
		go in.pump()
	}
}

// pump invokes the readiness callback while the input is ready. A callback
// that returns without appending or finishing is not re-invoked until the
// writer changes state. Once the writer stops writing, an unfinished input
// gets one final invocation.
func (in *writerInput) pump() {
	w := in.writer
	w.mu.Lock()

	for w.status == media.WriterUnknown && !in.finished {
		w.cond.Wait()
	}

	for !in.finished {
		fn := in.fn
		if w.status != media.WriterWriting {
			w.mu.Unlock()
			fn()
			w.mu.Lock()
			break
		}

		seen := in.progress
		w.mu.Unlock()
		fn()
		w.mu.Lock()

		for in.progress == seen && w.status == media.WriterWriting && !in.finished {
			w.cond.Wait()
		}
	}

	in.pumping = false
	w.mu.Unlock()
}
