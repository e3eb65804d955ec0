package engine

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"

	"github.com/jmylchreest/vcompress/internal/media"
	"github.com/jmylchreest/vcompress/internal/metrics"
)

// tsTimescale is the MPEG-TS clock rate.
const tsTimescale = 90000

// aacFrameSamples is the number of PCM samples in one AAC-LC access unit.
const aacFrameSamples = 1024

// VideoPayload is the payload of a demuxed H.264 sample: one access unit
// as a list of NAL units without start codes. Samples read through a
// composition output carry the composition and the coded frame size.
type VideoPayload struct {
	AU          [][]byte
	Composition *media.VideoComposition
	NaturalSize media.Size
}

// AudioPayload is the payload of a demuxed AAC sample: one raw access unit
// and the stream configuration it belongs to.
type AudioPayload struct {
	AU     []byte
	Config mpeg4audio.AudioSpecificConfig
	Mix    *media.AudioMix
}

// errStopped aborts a demux loop whose consumer went away.
var errStopped = errors.New("demux stopped")

// demux reads an MPEG-TS stream from src and hands every H.264 and AAC
// access unit to emit, in stream order. Only the first track of each kind
// is used. It returns nil at the end of the stream and the error returned
// by emit if emit fails.
func demux(src io.Reader, emit func(*media.Sample) error, logger *slog.Logger) error {
	r := &mpegts.Reader{R: src}
	if err := r.Initialize(); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("initializing mpegts reader: empty stream")
		}
		return fmt.Errorf("initializing mpegts reader: %w", err)
	}

	r.OnDecodeError(func(err error) {
		logger.Debug("mpeg-ts decode error", slog.String("error", err.Error()))
	})

	var haveVideo, haveAudio bool
	for _, track := range r.Tracks() {
		switch codec := track.Codec.(type) {
		case *mpegts.CodecH264:
			if haveVideo {
				continue
			}
			haveVideo = true
			r.OnDataH264(track, func(pts, dts int64, au [][]byte) error {
				if len(au) == 0 {
					return nil
				}
				metrics.DemuxedSamplesTotal.WithLabelValues(media.KindVideo.String()).Inc()
				return emit(&media.Sample{
					Kind:     media.KindVideo,
					PTS:      media.NewTime(pts, tsTimescale),
					DTS:      media.NewTime(dts, tsTimescale),
					Keyframe: h264.IsRandomAccess(au),
					Payload:  &VideoPayload{AU: au},
				})
			})
			logger.Debug("found video track", slog.String("codec", media.CodecH264), slog.Uint64("pid", uint64(track.PID)))

		case *mpegts.CodecMPEG4Audio:
			if haveAudio {
				continue
			}
			haveAudio = true
			config := codec.Config
			sampleRate := config.SampleRate
			if sampleRate <= 0 {
				sampleRate = 48000
			}
			r.OnDataMPEG4Audio(track, func(pts int64, aus [][]byte) error {
				for i, au := range aus {
					if len(au) == 0 {
						continue
					}
					// Access units in one PES packet are contiguous.
					at := pts + int64(i)*aacFrameSamples*tsTimescale/int64(sampleRate)
					metrics.DemuxedSamplesTotal.WithLabelValues(media.KindAudio.String()).Inc()
					err := emit(&media.Sample{
						Kind:     media.KindAudio,
						PTS:      media.NewTime(at, tsTimescale),
						DTS:      media.NewTime(at, tsTimescale),
						Duration: media.NewTime(aacFrameSamples, int32(sampleRate)),
						Keyframe: true,
						Payload:  &AudioPayload{AU: au, Config: config},
					})
					if err != nil {
						return err
					}
				}
				return nil
			})
			logger.Debug("found audio track",
				slog.String("codec", media.CodecAAC),
				slog.Uint64("pid", uint64(track.PID)),
				slog.Int("sample_rate", config.SampleRate),
				slog.Int("channels", config.ChannelCount),
			)

		default:
			logger.Debug("ignoring unsupported track",
				slog.Uint64("pid", uint64(track.PID)),
				slog.String("type", fmt.Sprintf("%T", track.Codec)),
			)
		}
	}

	for {
		if err := r.Read(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
