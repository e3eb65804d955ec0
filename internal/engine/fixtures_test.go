package engine

import (
	"bytes"
	"encoding/binary"
	"io"
	"log/slog"
	"testing"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/vcompress/internal/media"
)

// Baseline profile 1920x1080 parameter sets.
var (
	testSPS = []byte{
		0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02,
		0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04,
		0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9,
		0x20,
	}
	testPPS = []byte{0x68, 0xce, 0x3c, 0x80}

	testAACConfig = mpeg4audio.AudioSpecificConfig{
		Type:         mpeg4audio.ObjectTypeAACLC,
		SampleRate:   48000,
		ChannelCount: 2,
	}
)

const (
	// testFrameTicks is one frame at 30fps on the 90kHz clock.
	testFrameTicks = 3000
	// testAACTicks is one AAC frame at 48kHz on the 90kHz clock.
	testAACTicks = 1920
	// testStartTicks offsets the generated stream like ffmpeg's mux delay.
	testStartTicks = 126000
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// videoAU returns the access unit of frame i; every keyInterval-th frame
// is an IDR carrying the parameter sets.
func videoAU(i, keyInterval int) [][]byte {
	if i%keyInterval == 0 {
		return [][]byte{testSPS, testPPS, {0x65, 0x88, 0x84, byte(i)}}
	}
	return [][]byte{{0x41, 0x9a, 0x02, byte(i)}}
}

// buildTS returns an MPEG-TS stream of frames video frames at 30fps with a
// keyframe every 30 frames and, optionally, 48kHz AAC audio covering the
// same span.
func buildTS(t *testing.T, frames int, withAudio bool) []byte {
	t.Helper()

	var buf bytes.Buffer
	video := &mpegts.Track{PID: 256, Codec: &mpegts.CodecH264{}}
	tracks := []*mpegts.Track{video}

	var audio *mpegts.Track
	if withAudio {
		audio = &mpegts.Track{PID: 257, Codec: &mpegts.CodecMPEG4Audio{Config: testAACConfig}}
		tracks = append(tracks, audio)
	}

	w := &mpegts.Writer{W: &buf, Tracks: tracks}
	require.NoError(t, w.Initialize())

	audioPTS := int64(testStartTicks)
	for i := 0; i < frames; i++ {
		pts := int64(testStartTicks + i*testFrameTicks)
		require.NoError(t, w.WriteH264(video, pts, pts, videoAU(i, 30)))

		for audio != nil && audioPTS < pts+testFrameTicks {
			require.NoError(t, w.WriteMPEG4Audio(audio, audioPTS, [][]byte{{0x21, 0x10, 0x04, 0x60, byte(audioPTS)}}))
			audioPTS += testAACTicks
		}
	}
	return buf.Bytes()
}

// videoSample returns frame i as a demuxed sample.
func videoSample(i, keyInterval int) *media.Sample {
	pts := int64(testStartTicks + i*testFrameTicks)
	return &media.Sample{
		Kind:     media.KindVideo,
		PTS:      media.NewTime(pts, tsTimescale),
		DTS:      media.NewTime(pts, tsTimescale),
		Keyframe: i%keyInterval == 0,
		Payload:  &VideoPayload{AU: videoAU(i, keyInterval)},
	}
}

// audioSample returns AAC frame i as a demuxed sample, starting at start
// ticks.
func audioSample(i int, start int64) *media.Sample {
	pts := start + int64(i*testAACTicks)
	return &media.Sample{
		Kind:     media.KindAudio,
		PTS:      media.NewTime(pts, tsTimescale),
		DTS:      media.NewTime(pts, tsTimescale),
		Duration: media.NewTime(aacFrameSamples, 48000),
		Keyframe: true,
		Payload:  &AudioPayload{AU: []byte{0x21, 0x10, 0x04, 0x60, byte(i)}, Config: testAACConfig},
	}
}

// boxTypes lists the top-level ISO BMFF box types in data.
func boxTypes(t *testing.T, data []byte) []string {
	t.Helper()

	var types []string
	for len(data) > 0 {
		require.GreaterOrEqual(t, len(data), 8, "truncated box header")
		size := int(binary.BigEndian.Uint32(data[:4]))
		require.GreaterOrEqual(t, size, 8, "invalid box size")
		require.LessOrEqual(t, size, len(data), "truncated box")
		types = append(types, string(data[4:8]))
		data = data[size:]
	}
	return types
}

func countBoxes(types []string, name string) int {
	n := 0
	for _, typ := range types {
		if typ == name {
			n++
		}
	}
	return n
}
