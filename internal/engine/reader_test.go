package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/vcompress/internal/ffmpeg"
	"github.com/jmylchreest/vcompress/internal/media"
)

// fakeSource replays a prepared MPEG-TS stream in place of ffmpeg.
type fakeSource struct {
	data     []byte
	startErr error
	waitErr  error
	killed   atomic.Int32
}

func (f *fakeSource) Start(context.Context) (io.ReadCloser, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	return io.NopCloser(bytes.NewReader(f.data)), nil
}

func (f *fakeSource) Wait() error { return f.waitErr }

func (f *fakeSource) Kill() error {
	f.killed.Add(1)
	return nil
}

func probeResult(videoCodec string) *ffmpeg.ProbeResult {
	return &ffmpeg.ProbeResult{
		Format: ffmpeg.ProbeFormat{Duration: "2.000000"},
		Streams: []ffmpeg.ProbeStream{
			{Index: 0, CodecName: videoCodec, CodecType: "video", Width: 1920, Height: 1080, AvgFrameRate: "30/1"},
			{Index: 1, CodecName: "aac", CodecType: "audio", SampleRate: "48000", Channels: 2},
		},
	}
}

func testAsset(t *testing.T, path string) *FileAsset {
	t.Helper()
	a, err := NewFileAsset(path, probeResult("h264"))
	require.NoError(t, err)
	return a
}

// newTestReader returns a reader of a local h264/aac asset whose ffmpeg
// process is replaced by src. The command handed to src is stored in cmd.
func newTestReader(t *testing.T, src *fakeSource, cmd **ffmpeg.Command) *Reader {
	t.Helper()
	r := newReader(testAsset(t, "/media/in.mp4"), "ffmpeg", quietLogger())
	r.sourceFor = func(c *ffmpeg.Command) source {
		if cmd != nil {
			*cmd = c
		}
		return src
	}
	return r
}

func addOutput(t *testing.T, r *Reader, kind media.Kind) media.ReaderOutput {
	t.Helper()
	var o media.ReaderOutput
	tracks := r.asset.Tracks(kind)
	if kind == media.KindVideo {
		o = r.NewVideoOutput(tracks, nil)
	} else {
		o = r.NewAudioOutput(tracks, nil)
	}
	require.True(t, r.CanAddOutput(o))
	r.AddOutput(o)
	return o
}

func drain(o media.ReaderOutput) []*media.Sample {
	var samples []*media.Sample
	for s := o.NextSample(); s != nil; s = o.NextSample() {
		samples = append(samples, s)
	}
	return samples
}

func argAfter(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

func TestReader_ReadsBothOutputs(t *testing.T) {
	src := &fakeSource{data: buildTS(t, 60, true)}
	r := newTestReader(t, src, nil)
	video := addOutput(t, r, media.KindVideo)
	audio := addOutput(t, r, media.KindAudio)

	require.True(t, r.StartReading())
	assert.True(t, r.StartReading(), "starting twice reports the running state")

	// Both queues are bounded, so the outputs are drained concurrently.
	var (
		wg                   sync.WaitGroup
		videoSamples, audioS []*media.Sample
	)
	wg.Add(2)
	go func() { defer wg.Done(); videoSamples = drain(video) }()
	go func() { defer wg.Done(); audioS = drain(audio) }()
	wg.Wait()

	assert.GreaterOrEqual(t, len(videoSamples), 59)
	assert.NotEmpty(t, audioS)
	for _, s := range videoSamples {
		assert.Equal(t, 0, s.TrackID)
		assert.Equal(t, media.KindVideo, s.Kind)
	}
	for _, s := range audioS {
		assert.Equal(t, 1, s.TrackID)
	}

	assert.Equal(t, media.ReaderCompleted, r.Status())
	assert.NoError(t, r.Err())
	assert.Nil(t, video.NextSample(), "completed reader returns no samples")
	assert.Zero(t, src.killed.Load())
}

func TestReader_StaysReadingUntilDrained(t *testing.T) {
	src := &fakeSource{data: buildTS(t, 10, true)}
	r := newTestReader(t, src, nil)
	video := addOutput(t, r, media.KindVideo)

	require.True(t, r.StartReading())
	// Audio has no output and is dropped; ten frames fit the video queue.
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.demuxed
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, media.ReaderReading, r.Status())

	samples := drain(video)
	assert.NotEmpty(t, samples)
	assert.Equal(t, media.ReaderCompleted, r.Status())
}

func TestReader_Command(t *testing.T) {
	tests := []struct {
		name      string
		path      string
		timeRange media.TimeRange
		seek      string
		limit     string
		reconnect bool
	}{
		{
			name:      "full timeline",
			path:      "/media/in.mp4",
			timeRange: media.FullTimeline,
		},
		{
			name:      "trimmed",
			path:      "/media/in.mp4",
			timeRange: media.TimeRange{Start: media.NewTime(2, 1), Duration: media.NewTime(10, 1)},
			seek:      "2",
			limit:     "10",
		},
		{
			name:      "remote",
			path:      "https://example.com/in.mp4",
			timeRange: media.FullTimeline,
			reconnect: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newReader(testAsset(t, tt.path), "/usr/bin/ffmpeg", quietLogger())
			r.SetTimeRange(tt.timeRange)
			addOutput(t, r, media.KindVideo)
			addOutput(t, r, media.KindAudio)

			cmd := r.command()
			assert.Equal(t, "/usr/bin/ffmpeg", cmd.Binary)
			assert.Equal(t, tt.path, argAfter(cmd.Args, "-i"))
			assert.Equal(t, tt.seek, argAfter(cmd.Args, "-ss"))
			assert.Equal(t, tt.limit, argAfter(cmd.Args, "-t"))
			assert.Equal(t, tt.reconnect, argAfter(cmd.Args, "-reconnect") == "1")
			assert.Equal(t, "copy", argAfter(cmd.Args, "-c"))
			assert.Equal(t, "mpegts", argAfter(cmd.Args, "-f"))
			assert.Equal(t, "pipe:1", cmd.Args[len(cmd.Args)-1])

			var maps []string
			for i, a := range cmd.Args {
				if a == "-map" {
					maps = append(maps, cmd.Args[i+1])
				}
			}
			assert.Equal(t, []string{"0:0", "0:1"}, maps)
		})
	}
}

func TestReader_StartHandsCommandToSource(t *testing.T) {
	var cmd *ffmpeg.Command
	r := newTestReader(t, &fakeSource{data: buildTS(t, 5, false)}, &cmd)
	video := addOutput(t, r, media.KindVideo)

	require.True(t, r.StartReading())
	require.NotNil(t, cmd)
	assert.Equal(t, "0:0", argAfter(cmd.Args, "-map"))
	drain(video)
}

func TestReader_CanAddOutput(t *testing.T) {
	r := newReader(testAsset(t, "/media/in.mp4"), "ffmpeg", quietLogger())
	other := newReader(testAsset(t, "/media/other.mp4"), "ffmpeg", quietLogger())
	video := r.asset.Tracks(media.KindVideo)
	audio := r.asset.Tracks(media.KindAudio)

	hevc, err := NewFileAsset("/media/hevc.mp4", probeResult("hevc"))
	require.NoError(t, err)

	tests := []struct {
		name   string
		output media.ReaderOutput
	}{
		{"output of another reader", other.NewVideoOutput(video, nil)},
		{"no tracks", r.NewVideoOutput(nil, nil)},
		{"several tracks with a foreign one", r.NewVideoOutput([]media.Track{video[0], &FileTrack{id: 7, kind: media.KindVideo, codec: media.CodecH264}}, nil)},
		{"kind mismatch", r.NewVideoOutput(audio, nil)},
		{"track of another asset", r.NewVideoOutput([]media.Track{&FileTrack{id: 7, kind: media.KindVideo, codec: media.CodecH264}}, nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.False(t, r.CanAddOutput(tt.output))
		})
	}

	hr := newReader(hevc, "ffmpeg", quietLogger())
	assert.False(t, hr.CanAddOutput(hr.NewVideoOutput(hevc.Tracks(media.KindVideo), nil)), "codec the demuxer cannot read")
	assert.True(t, hr.CanAddOutput(hr.NewAudioOutput(hevc.Tracks(media.KindAudio), nil)))

	addOutput(t, r, media.KindVideo)
	assert.False(t, r.CanAddOutput(r.NewVideoOutput(video, nil)), "one output per kind")

	r.CancelReading()
	assert.False(t, r.CanAddOutput(r.NewAudioOutput(audio, nil)), "outputs are fixed once reading ended")
}

func TestReader_ReadsFirstOfSeveralTracks(t *testing.T) {
	asset, err := NewFileAsset("/media/multicam.mp4", &ffmpeg.ProbeResult{
		Format: ffmpeg.ProbeFormat{Duration: "2.000000"},
		Streams: []ffmpeg.ProbeStream{
			{Index: 0, CodecName: "h264", CodecType: "video", Width: 1920, Height: 1080, AvgFrameRate: "30/1"},
			{Index: 1, CodecName: "h264", CodecType: "video", Width: 1280, Height: 720, AvgFrameRate: "30/1"},
		},
	})
	require.NoError(t, err)

	var cmd *ffmpeg.Command
	r := newReader(asset, "ffmpeg", quietLogger())
	r.sourceFor = func(c *ffmpeg.Command) source {
		cmd = c
		return &fakeSource{data: buildTS(t, 5, false)}
	}

	video := r.NewVideoOutput(asset.Tracks(media.KindVideo), nil)
	require.True(t, r.CanAddOutput(video), "extra tracks are accepted and ignored")
	r.AddOutput(video)
	require.True(t, r.StartReading())

	var maps []string
	for i, a := range cmd.Args {
		if a == "-map" {
			maps = append(maps, cmd.Args[i+1])
		}
	}
	assert.Equal(t, []string{"0:0"}, maps)

	samples := drain(video)
	require.NotEmpty(t, samples)
	for _, s := range samples {
		assert.Equal(t, 0, s.TrackID)
		assert.Equal(t, media.Size{Width: 1920, Height: 1080}, s.Payload.(*VideoPayload).NaturalSize)
	}
}

func TestReader_SamplesCarryCompositionAndMix(t *testing.T) {
	r := newTestReader(t, &fakeSource{data: buildTS(t, 30, true)}, nil)
	comp := &media.VideoComposition{
		FrameDuration: media.NewTime(1, 30),
		RenderSize:    media.Size{Width: 1920, Height: 1080},
	}
	mix := &media.AudioMix{InputParameters: []media.AudioMixInputParameters{{TrackID: 1, Volume: 0.5}}}

	video := r.NewVideoOutput(r.asset.Tracks(media.KindVideo), comp)
	audio := r.NewAudioOutput(r.asset.Tracks(media.KindAudio), mix)
	for _, o := range []media.ReaderOutput{video, audio} {
		require.True(t, r.CanAddOutput(o))
		r.AddOutput(o)
	}
	require.True(t, r.StartReading())

	var (
		wg                         sync.WaitGroup
		videoSamples, audioSamples []*media.Sample
	)
	wg.Add(2)
	go func() { defer wg.Done(); videoSamples = drain(video) }()
	go func() { defer wg.Done(); audioSamples = drain(audio) }()
	wg.Wait()

	require.NotEmpty(t, videoSamples)
	require.NotEmpty(t, audioSamples)
	for _, s := range videoSamples {
		p := s.Payload.(*VideoPayload)
		assert.Same(t, comp, p.Composition)
		assert.Equal(t, media.Size{Width: 1920, Height: 1080}, p.NaturalSize)
	}
	for _, s := range audioSamples {
		assert.Same(t, mix, s.Payload.(*AudioPayload).Mix)
	}
}

func TestReader_StartWithoutOutputsFails(t *testing.T) {
	r := newTestReader(t, &fakeSource{}, nil)
	assert.False(t, r.StartReading())
	assert.Equal(t, media.ReaderFailed, r.Status())
	assert.Error(t, r.Err())
}

func TestReader_StartError(t *testing.T) {
	r := newTestReader(t, &fakeSource{startErr: errors.New("exec: not found")}, nil)
	video := addOutput(t, r, media.KindVideo)

	assert.False(t, r.StartReading())
	assert.Equal(t, media.ReaderFailed, r.Status())
	assert.Contains(t, r.Err().Error(), "starting ffmpeg: exec: not found")
	assert.Nil(t, video.NextSample())
}

func TestReader_Failures(t *testing.T) {
	tests := []struct {
		name    string
		src     *fakeSource
		wantErr string
	}{
		{
			name:    "process exit status",
			src:     &fakeSource{waitErr: errors.New("exit status 1")},
			wantErr: "ffmpeg: exit status 1",
		},
		{
			name:    "unreadable stream",
			src:     &fakeSource{data: bytes.Repeat([]byte("garbage "), 128)},
			wantErr: "demuxing",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.src.data == nil {
				tt.src.data = buildTS(t, 10, false)
			}
			r := newTestReader(t, tt.src, nil)
			video := addOutput(t, r, media.KindVideo)
			require.True(t, r.StartReading())

			require.Eventually(t, func() bool {
				return r.Status() == media.ReaderFailed
			}, 5*time.Second, time.Millisecond)
			assert.Contains(t, r.Err().Error(), tt.wantErr)
			assert.Nil(t, video.NextSample())
		})
	}
}

func TestReader_CancelUnblocksDemuxer(t *testing.T) {
	src := &fakeSource{data: buildTS(t, 600, true)}
	r := newTestReader(t, src, nil)
	video := addOutput(t, r, media.KindVideo).(*readerOutput)
	audio := addOutput(t, r, media.KindAudio).(*readerOutput)
	require.True(t, r.StartReading())

	// Nobody consumes, so the demuxer blocks on the first full queue.
	require.Eventually(t, func() bool {
		return len(video.samples) == outputQueueSize || len(audio.samples) == outputQueueSize
	}, 5*time.Second, time.Millisecond)

	r.CancelReading()
	assert.Equal(t, media.ReaderCancelled, r.Status())
	assert.NoError(t, r.Err())
	assert.Nil(t, video.NextSample())
	assert.Nil(t, audio.NextSample())
	assert.GreaterOrEqual(t, src.killed.Load(), int32(1))

	// The demuxer exits on its own and leaves the state alone.
	r.CancelReading()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, media.ReaderCancelled, r.Status())
}
