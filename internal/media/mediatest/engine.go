package mediatest

import (
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmylchreest/vcompress/internal/media"
)

// Errors injected by scripted failures.
var (
	ErrWriterFailed = errors.New("mediatest: writer failed")
	ErrReaderFailed = errors.New("mediatest: reader failed")
	ErrFinishFailed = errors.New("mediatest: finish failed")
)

// Script controls how the fake engine behaves. Zero values mean "never" or
// "no limit".
type Script struct {
	// Samples is the number of samples each output kind produces.
	Samples map[media.Kind]int
	// SampleDelay sleeps before each sample of a kind, simulating sparse
	// arrival.
	SampleDelay map[media.Kind]time.Duration
	// Burst makes an input accept at most n samples before it reports not
	// ready for BurstPause.
	Burst      map[media.Kind]int
	BurstPause time.Duration

	// FailWriterAfter fails the writer on the nth append across all inputs.
	FailWriterAfter int
	// CancelWriterAfter cancels the writer once n samples were appended.
	CancelWriterAfter int
	// FailReaderAfter fails the reader once n samples were pulled.
	FailReaderAfter int
	// FailOnFinish makes FinishWriting leave the writer failed.
	FailOnFinish bool

	FailStartWriting bool
	FailStartReading bool
	RejectAudio      bool
}

// Engine is an in-memory media.Engine. It records every reader and writer
// it creates so tests can inspect them after an export.
type Engine struct {
	Script Script

	// ReaderErr and WriterErr fail reader and writer construction.
	ReaderErr error
	WriterErr error

	mu      sync.Mutex
	readers []*Reader
	writers []*Writer
}

// NewEngine returns an engine driven by script.
func NewEngine(script Script) *Engine {
	return &Engine{Script: script}
}

// NewReader implements media.Engine.
func (e *Engine) NewReader(asset media.Asset) (media.Reader, error) {
	if e.ReaderErr != nil {
		return nil, e.ReaderErr
	}
	r := &Reader{script: e.Script, asset: asset}
	e.mu.Lock()
	e.readers = append(e.readers, r)
	e.mu.Unlock()
	return r, nil
}

// NewWriter implements media.Engine.
func (e *Engine) NewWriter(path string, container media.ContainerType) (media.Writer, error) {
	if e.WriterErr != nil {
		return nil, e.WriterErr
	}
	w := &Writer{script: e.Script, Path: path, Container: container}
	w.cond = sync.NewCond(&w.mu)
	e.mu.Lock()
	e.writers = append(e.writers, w)
	e.mu.Unlock()
	return w, nil
}

// Readers returns the readers created so far.
func (e *Engine) Readers() []*Reader {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Reader(nil), e.readers...)
}

// Writers returns the writers created so far.
func (e *Engine) Writers() []*Writer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Writer(nil), e.writers...)
}

// Reader is the fake media.Reader.
type Reader struct {
	script Script
	asset  media.Asset

	mu        sync.Mutex
	status    media.ReaderStatus
	err       error
	timeRange media.TimeRange
	outputs   []*Output
	pulled    int
}

// Output is the fake media.ReaderOutput.
type Output struct {
	reader      *Reader
	kind        media.Kind
	Tracks      []media.Track
	Composition *media.VideoComposition
	Mix         *media.AudioMix

	next      int
	exhausted bool
}

// SetTimeRange implements media.Reader.
func (r *Reader) SetTimeRange(tr media.TimeRange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeRange = tr
}

// TimeRange returns the range set by SetTimeRange.
func (r *Reader) TimeRange() media.TimeRange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timeRange
}

// NewVideoOutput implements media.Reader.
func (r *Reader) NewVideoOutput(tracks []media.Track, composition *media.VideoComposition) media.ReaderOutput {
	return &Output{reader: r, kind: media.KindVideo, Tracks: tracks, Composition: composition}
}

// NewAudioOutput implements media.Reader.
func (r *Reader) NewAudioOutput(tracks []media.Track, mix *media.AudioMix) media.ReaderOutput {
	return &Output{reader: r, kind: media.KindAudio, Tracks: tracks, Mix: mix}
}

// CanAddOutput implements media.Reader.
func (r *Reader) CanAddOutput(o media.ReaderOutput) bool {
	return !(r.script.RejectAudio && o.Kind() == media.KindAudio)
}

// AddOutput implements media.Reader.
func (r *Reader) AddOutput(o media.ReaderOutput) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs = append(r.outputs, o.(*Output))
}

// Outputs returns the outputs added to the reader.
func (r *Reader) Outputs() []*Output {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Output(nil), r.outputs...)
}

// StartReading implements media.Reader.
func (r *Reader) StartReading() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.script.FailStartReading {
		r.status = media.ReaderFailed
		r.err = ErrReaderFailed
		return false
	}
	r.status = media.ReaderReading
	return true
}

// Status implements media.Reader.
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

// CancelReading implements media.Reader.
func (r *Reader) CancelReading() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == media.ReaderReading || r.status == media.ReaderUnknown {
		r.status = media.ReaderCancelled
	}
}

// Kind implements media.ReaderOutput.
func (o *Output) Kind() media.Kind {
	return o.kind
}

// NextSample implements media.ReaderOutput. Samples are numbered from zero
// and carry their index as payload.
func (o *Output) NextSample() *media.Sample {
	if d := o.reader.script.SampleDelay[o.kind]; d > 0 {
		time.Sleep(d)
	}

	r := o.reader
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != media.ReaderReading {
		return nil
	}
	if o.next >= r.script.Samples[o.kind] {
		o.exhausted = true
		r.completeIfExhausted()
		return nil
	}

	s := o.sample(o.next)
	o.next++
	r.pulled++
	if n := r.script.FailReaderAfter; n > 0 && r.pulled >= n {
		r.status = media.ReaderFailed
		r.err = ErrReaderFailed
	}
	return s
}

func (r *Reader) completeIfExhausted() {
	for _, o := range r.outputs {
		if !o.exhausted {
			return
		}
	}
	r.status = media.ReaderCompleted
}

func (o *Output) sample(i int) *media.Sample {
	s := &media.Sample{Kind: o.kind, Payload: i}
	switch o.kind {
	case media.KindVideo:
		s.PTS = media.NewTime(int64(i), 30)
		s.Duration = media.NewTime(1, 30)
		s.Keyframe = i%30 == 0
	case media.KindAudio:
		s.PTS = media.NewTime(int64(i)*1024, 48000)
		s.Duration = media.NewTime(1024, 48000)
		s.Keyframe = true
	}
	s.DTS = s.PTS
	return s
}

// Writer is the fake media.Writer. The output file is created on
// StartWriting and filled on FinishWriting; the writer never removes it.
type Writer struct {
	Path      string
	Container media.ContainerType

	script Script

	mu           sync.Mutex
	cond         *sync.Cond
	status       media.WriterStatus
	err          error
	optimize     bool
	sessionStart *media.Time
	inputs       []*Input
	appended     int
	finishCalls  int
	cancelCalls  int

	overlapping atomic.Int32
}

// Input is the fake media.WriterInput.
type Input struct {
	writer   *Writer
	kind     media.Kind
	Settings media.Settings

	// Guarded by writer.mu.
	samples  []*media.Sample
	finished bool
	budget   int
	pausing  bool
	fn       func()

	running     atomic.Bool
	invocations atomic.Int32
}

// SetOptimizeForNetworkUse implements media.Writer.
func (w *Writer) SetOptimizeForNetworkUse(enabled bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.optimize = enabled
}

// OptimizeForNetworkUse reports the flag set on the writer.
func (w *Writer) OptimizeForNetworkUse() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.optimize
}

// NewInput implements media.Writer.
func (w *Writer) NewInput(kind media.Kind, settings media.Settings) media.WriterInput {
	return &Input{writer: w, kind: kind, Settings: settings, budget: w.script.Burst[kind]}
}

// CanAddInput implements media.Writer.
func (w *Writer) CanAddInput(in media.WriterInput) bool {
	return !(w.script.RejectAudio && in.Kind() == media.KindAudio)
}

// AddInput implements media.Writer.
func (w *Writer) AddInput(in media.WriterInput) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.inputs = append(w.inputs, in.(*Input))
}

// Inputs returns the inputs added to the writer.
func (w *Writer) Inputs() []*Input {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*Input(nil), w.inputs...)
}

// StartWriting implements media.Writer.
func (w *Writer) StartWriting() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.script.FailStartWriting {
		w.status = media.WriterFailed
		w.err = ErrWriterFailed
		return false
	}
	if err := os.WriteFile(w.Path, nil, 0o644); err != nil {
		w.status = media.WriterFailed
		w.err = err
		return false
	}
	w.status = media.WriterWriting
	w.cond.Broadcast()
	return true
}

// StartSession implements media.Writer.
func (w *Writer) StartSession(at media.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sessionStart = &at
}

// SessionStart returns the time passed to StartSession, or nil.
func (w *Writer) SessionStart() *media.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sessionStart
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

// CancelWriting implements media.Writer.
func (w *Writer) CancelWriting() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cancelCalls++
	if w.status == media.WriterWriting || w.status == media.WriterUnknown {
		w.status = media.WriterCancelled
	}
	w.cond.Broadcast()
}

// CancelCalls returns how often CancelWriting was called.
func (w *Writer) CancelCalls() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancelCalls
}

// FinishWriting implements media.Writer.
func (w *Writer) FinishWriting(done func()) {
	w.mu.Lock()
	w.finishCalls++
	w.mu.Unlock()

	go func() {
		w.mu.Lock()
		switch {
		case w.status != media.WriterWriting:
		case w.script.FailOnFinish:
			w.status = media.WriterFailed
			w.err = ErrFinishFailed
		default:
			if err := os.WriteFile(w.Path, []byte("mediatest"), 0o644); err != nil {
				w.status = media.WriterFailed
				w.err = err
			} else {
				w.status = media.WriterCompleted
			}
		}
		w.cond.Broadcast()
		w.mu.Unlock()
		done()
	}()
}

// FinishCalls returns how often FinishWriting was called.
func (w *Writer) FinishCalls() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.finishCalls
}

// Appended returns the samples appended to inputs of kind, in order.
func (w *Writer) Appended(kind media.Kind) []*media.Sample {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []*media.Sample
	for _, in := range w.inputs {
		if in.kind == kind {
			out = append(out, in.samples...)
		}
	}
	return out
}

// OverlappingCallbacks returns how many times a readiness callback started
// while a previous invocation on the same input was still running.
func (w *Writer) OverlappingCallbacks() int {
	return int(w.overlapping.Load())
}

// Kind implements media.WriterInput.
func (in *Input) Kind() media.Kind {
	return in.kind
}

// ReadyForMoreMediaData implements media.WriterInput.
func (in *Input) ReadyForMoreMediaData() bool {
	w := in.writer
	w.mu.Lock()
	defer w.mu.Unlock()
	return in.readyLocked()
}

func (in *Input) readyLocked() bool {
	if in.finished || in.writer.status != media.WriterWriting {
		return false
	}
	return in.writer.script.Burst[in.kind] == 0 || in.budget > 0
}

// Append implements media.WriterInput.
func (in *Input) Append(s *media.Sample) bool {
	w := in.writer
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.status != media.WriterWriting || in.finished {
		return false
	}
	if n := w.script.FailWriterAfter; n > 0 && w.appended+1 >= n {
		w.status = media.WriterFailed
		w.err = ErrWriterFailed
		w.cond.Broadcast()
		return false
	}

	in.samples = append(in.samples, s)
	w.appended++

	if n := w.script.CancelWriterAfter; n > 0 && w.appended >= n {
		w.status = media.WriterCancelled
		w.cond.Broadcast()
	}

	if w.script.Burst[in.kind] > 0 {
		in.budget--
		if in.budget <= 0 && !in.pausing {
			in.pausing = true
			time.AfterFunc(w.script.BurstPause, func() {
				w.mu.Lock()
				in.budget = w.script.Burst[in.kind]
				in.pausing = false
				w.cond.Broadcast()
				w.mu.Unlock()
			})
		}
	}
	return true
}

// MarkAsFinished implements media.WriterInput.
func (in *Input) MarkAsFinished() {
	w := in.writer
	w.mu.Lock()
	defer w.mu.Unlock()
	in.finished = true
	w.cond.Broadcast()
}

// Finished reports whether MarkAsFinished was called.
func (in *Input) Finished() bool {
	w := in.writer
	w.mu.Lock()
	defer w.mu.Unlock()
	return in.finished
}

// Invocations returns how often the readiness callback ran.
func (in *Input) Invocations() int {
	return int(in.invocations.Load())
}

// RequestMediaDataWhenReady implements media.WriterInput. The callback runs
// on a dedicated goroutine whenever the input is ready. Once the writer
// leaves the writing state an unfinished input gets one final call.
func (in *Input) RequestMediaDataWhenReady(fn func()) {
	w := in.writer
	w.mu.Lock()
	in.fn = fn
	w.mu.Unlock()
	go in.pump()
}

func (in *Input) pump() {
	w := in.writer
	for {
		w.mu.Lock()
		for !in.readyLocked() && !in.stoppedLocked() {
			w.cond.Wait()
		}
		stopped := in.stoppedLocked()
		finished := in.finished
		fn := in.fn
		w.mu.Unlock()
		if stopped {
			// One last call lets the callback observe the writer's state.
			if !finished {
				in.invoke(fn)
			}
			return
		}

		in.invoke(fn)

		// A callback that returns while the input is still ready gave up on
		// this round; back off before asking again.
		if in.ReadyForMoreMediaData() {
			time.Sleep(time.Millisecond)
		}
	}
}

func (in *Input) invoke(fn func()) {
	if in.running.Swap(true) {
		in.writer.overlapping.Add(1)
	}
	in.invocations.Add(1)
	fn()
	in.running.Store(false)
}

func (in *Input) stoppedLocked() bool {
	switch in.writer.status {
	case media.WriterUnknown, media.WriterWriting:
		return in.finished
	default:
		return true
	}
}
