package engine

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"

	"github.com/jmylchreest/vcompress/internal/media"
)

const (
	videoTrackID = 1
	audioTrackID = 2

	// defaultVideoDuration is used for a final video sample whose
	// successor never arrives and no earlier duration is known.
	defaultVideoDuration = 3000

	// maxFragmentSamples bounds the samples held per track in one fragment.
	maxFragmentSamples = 1024
)

// errNoSamples is returned when a file is finished before any sample
// arrived, leaving nothing to describe in the init segment.
var errNoSamples = errors.New("no samples written")

// muxTrack is the muxing state of one output track.
type muxTrack struct {
	id        int
	kind      media.Kind
	timescale uint32

	started  bool
	finished bool
	firstDTS int64 // in tsTimescale units

	// H.264 parameter sets, taken from the first keyframe that has them.
	sps, pps []byte
	// AAC configuration, taken from the first audio sample.
	audioConfig *mpeg4audio.AudioSpecificConfig

	// held is the last video sample, kept back until its duration is known.
	held    *fmp4.Sample
	heldDTS int64

	samples  []*fmp4.Sample
	duration uint64 // sum of sample durations in samples
	baseTime uint64
}

// fragmenter writes fragmented MP4: one init segment followed by
// moof/mdat fragments. Samples are buffered until every track has seen
// its first sample (or finished) so that the init segment can describe all
// tracks and the track timelines can share one origin.
type fragmenter struct {
	w              io.Writer
	tracks         []*muxTrack
	fragmentTarget time.Duration

	initWritten    bool
	origin         int64
	sessionStart   int64 // in tsTimescale units
	sequenceNumber uint32
	written        int64
}

func newFragmenter(w io.Writer, fragmentTarget time.Duration) *fragmenter {
	return &fragmenter{
		w:              w,
		fragmentTarget: fragmentTarget,
		sequenceNumber: 1,
	}
}

// addTrack registers a track. Tracks must be added before the first push.
func (f *fragmenter) addTrack(kind media.Kind) *muxTrack {
	t := &muxTrack{kind: kind, timescale: tsTimescale, id: videoTrackID}
	if kind == media.KindAudio {
		t.id = audioTrackID
	}
	f.tracks = append(f.tracks, t)
	return t
}

// push adds one sample to t.
func (f *fragmenter) push(t *muxTrack, s *media.Sample) error {
	if t.finished {
		return fmt.Errorf("%s track already finished", t.kind)
	}

	switch p := s.Payload.(type) {
	case *VideoPayload:
		if err := f.pushVideo(t, s, p); err != nil {
			return err
		}
	case *AudioPayload:
		if err := f.pushAudio(t, s, p); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported %s payload %T", t.kind, s.Payload)
	}

	return f.maybeFlush()
}

func (f *fragmenter) pushVideo(t *muxTrack, s *media.Sample, p *VideoPayload) error {
	dts := ticks(s.DTS)
	pts := ticks(s.PTS)

	if len(t.sps) == 0 || len(t.pps) == 0 {
		extractParameterSets(t, p.AU)
	}
	if !t.started {
		if !s.Keyframe || len(t.sps) == 0 || len(t.pps) == 0 {
			// Nothing decodable precedes the first keyframe with parameter sets.
			return nil
		}
		t.started = true
		t.firstDTS = dts
	}

	sample := &fmp4.Sample{IsNonSyncSample: !s.Keyframe}
	if err := sample.FillH264(int32(pts-dts), p.AU); err != nil {
		return fmt.Errorf("filling h264 sample: %w", err)
	}

	if t.held != nil {
		// A keyframe closes the running fragment once it is long enough, so
		// every fragment starts with a sync sample.
		if s.Keyframe && f.initWritten && f.videoFragmentFull(t, dts) {
			t.held.Duration = videoDuration(dts - t.heldDTS)
			t.appendSample(t.held)
			t.held = nil
			if err := f.flush(); err != nil {
				return err
			}
		} else {
			t.held.Duration = videoDuration(dts - t.heldDTS)
			t.appendSample(t.held)
		}
	}
	t.held = sample
	t.heldDTS = dts
	return nil
}

func (f *fragmenter) pushAudio(t *muxTrack, s *media.Sample, p *AudioPayload) error {
	if !t.started {
		config := p.Config
		if config.SampleRate <= 0 {
			return fmt.Errorf("aac sample without sample rate")
		}
		t.audioConfig = &config
		t.timescale = uint32(config.SampleRate)
		t.started = true
		t.firstDTS = ticks(s.DTS)
	}

	t.appendSample(&fmp4.Sample{
		Duration: aacFrameSamples,
		Payload:  p.AU,
	})
	return nil
}

// finish marks t as complete. Its held sample gets the duration of its
// predecessor.
func (f *fragmenter) finish(t *muxTrack) error {
	if t.finished {
		return nil
	}
	t.finished = true
	if t.held != nil {
		d := uint32(defaultVideoDuration)
		if n := len(t.samples); n > 0 {
			d = t.samples[n-1].Duration
		}
		t.held.Duration = d
		t.appendSample(t.held)
		t.held = nil
	}
	return f.maybeFlush()
}

// close finishes every track and writes whatever is still buffered.
func (f *fragmenter) close() error {
	for _, t := range f.tracks {
		if err := f.finish(t); err != nil {
			return err
		}
	}
	if !f.initWritten {
		return errNoSamples
	}
	return f.flush()
}

func (t *muxTrack) appendSample(s *fmp4.Sample) {
	t.samples = append(t.samples, s)
	t.duration += uint64(s.Duration)
}

// ready reports whether every track either started or finished.
func (f *fragmenter) ready() bool {
	started := false
	for _, t := range f.tracks {
		if !t.started && !t.finished {
			return false
		}
		started = started || t.started
	}
	return started
}

func (f *fragmenter) maybeFlush() error {
	if !f.initWritten {
		if !f.ready() {
			return nil
		}
		if err := f.writeInit(); err != nil {
			return err
		}
	}

	for _, t := range f.tracks {
		if len(t.samples) >= maxFragmentSamples {
			return f.flush()
		}
	}

	// Without a started video track, audio alone paces the fragments.
	if v := f.track(media.KindVideo); v == nil || !v.started {
		if a := f.track(media.KindAudio); a != nil && a.started &&
			a.duration >= uint64(f.fragmentTarget.Seconds()*float64(a.timescale)) {
			return f.flush()
		}
	}
	return nil
}

func (f *fragmenter) videoFragmentFull(t *muxTrack, nextDTS int64) bool {
	pending := t.duration + uint64(max(nextDTS-t.heldDTS, 0))
	return pending >= uint64(f.fragmentTarget.Seconds()*tsTimescale)
}

func (f *fragmenter) track(kind media.Kind) *muxTrack {
	for _, t := range f.tracks {
		if t.kind == kind {
			return t
		}
	}
	return nil
}

func (f *fragmenter) writeInit() error {
	f.origin = 0
	first := true
	for _, t := range f.tracks {
		if t.started && (first || t.firstDTS < f.origin) {
			f.origin = t.firstDTS
			first = false
		}
	}

	init := &fmp4.Init{}
	for _, t := range f.tracks {
		if !t.started {
			continue
		}
		codec, err := t.codec()
		if err != nil {
			return err
		}
		init.Tracks = append(init.Tracks, &fmp4.InitTrack{
			ID:        t.id,
			TimeScale: t.timescale,
			Codec:     codec,
		})
		// Tracks that start late begin at their offset from the origin.
		t.baseTime = uint64(t.firstDTS-f.origin+f.sessionStart) * uint64(t.timescale) / tsTimescale
	}

	var buf bytes.Buffer
	if err := init.Marshal(&seekableBuffer{Buffer: &buf}); err != nil {
		return fmt.Errorf("marshaling init segment: %w", err)
	}
	if err := f.write(buf.Bytes()); err != nil {
		return err
	}
	f.initWritten = true
	return nil
}

func (t *muxTrack) codec() (mp4.Codec, error) {
	switch t.kind {
	case media.KindVideo:
		return &mp4.CodecH264{SPS: t.sps, PPS: t.pps}, nil
	case media.KindAudio:
		return &mp4.CodecMPEG4Audio{Config: *t.audioConfig}, nil
	default:
		return nil, fmt.Errorf("unsupported track kind %q", t.kind)
	}
}

// flush writes the buffered samples of every track as one fragment.
func (f *fragmenter) flush() error {
	part := &fmp4.Part{SequenceNumber: f.sequenceNumber}
	for _, t := range f.tracks {
		if len(t.samples) == 0 {
			continue
		}
		part.Tracks = append(part.Tracks, &fmp4.PartTrack{
			ID:       t.id,
			BaseTime: t.baseTime,
			Samples:  t.samples,
		})
		t.baseTime += t.duration
		t.samples = nil
		t.duration = 0
	}
	if len(part.Tracks) == 0 {
		return nil
	}

	var buf bytes.Buffer
	if err := part.Marshal(&seekableBuffer{Buffer: &buf}); err != nil {
		return fmt.Errorf("marshaling fragment: %w", err)
	}
	if err := f.write(buf.Bytes()); err != nil {
		return err
	}
	f.sequenceNumber++
	return nil
}

func (f *fragmenter) write(b []byte) error {
	n, err := f.w.Write(b)
	f.written += int64(n)
	if err != nil {
		return fmt.Errorf("writing output: %w", err)
	}
	return nil
}

// extractParameterSets copies the SPS and PPS out of au.
func extractParameterSets(t *muxTrack, au [][]byte) {
	for _, nalu := range au {
		if len(nalu) == 0 {
			continue
		}
		switch h264.NALUType(nalu[0] & 0x1F) {
		case h264.NALUTypeSPS:
			t.sps = append([]byte(nil), nalu...)
		case h264.NALUTypePPS:
			t.pps = append([]byte(nil), nalu...)
		}
	}
}

// ticks converts t to the MPEG-TS clock.
func ticks(t media.Time) int64 {
	if t.Timescale == tsTimescale {
		return t.Value
	}
	return int64(t.Seconds()*tsTimescale + 0.5)
}

func videoDuration(d int64) uint32 {
	if d <= 0 {
		return 1
	}
	return uint32(d)
}

// seekableBuffer adapts bytes.Buffer to the io.WriteSeeker the mp4 boxes
// are marshaled into.
type seekableBuffer struct {
	*bytes.Buffer
	pos int64
}

func (s *seekableBuffer) Write(p []byte) (int, error) {
	if gap := int(s.pos) - s.Buffer.Len(); gap > 0 {
		s.Buffer.Write(make([]byte, gap))
	}
	if int(s.pos) == s.Buffer.Len() {
		n, err := s.Buffer.Write(p)
		s.pos += int64(n)
		return n, err
	}

	n := copy(s.Buffer.Bytes()[s.pos:], p)
	if n < len(p) {
		m, err := s.Buffer.Write(p[n:])
		n += m
		if err != nil {
			s.pos += int64(n)
			return n, err
		}
	}
	s.pos += int64(n)
	return n, nil
}

func (s *seekableBuffer) Seek(offset int64, whence int) (int64, error) {
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = s.pos + offset
	case io.SeekEnd:
		pos = int64(s.Buffer.Len()) + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if pos < 0 {
		return 0, fmt.Errorf("negative position")
	}
	s.pos = pos
	return pos, nil
}
