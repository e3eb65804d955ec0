// Package engine is the bundled media.Engine. Readers stream-copy the
// source through ffmpeg into MPEG-TS and demux it in process; writers mux
// the copied H.264 and AAC access units into fragmented MP4.
package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmylchreest/vcompress/internal/ffmpeg"
	"github.com/jmylchreest/vcompress/internal/media"
)

// Prober inspects a media file.
type Prober interface {
	Probe(ctx context.Context, input string) (*ffmpeg.ProbeResult, error)
}

// FileAsset is a media file on disk or behind a URL, described by one
// ffprobe run.
type FileAsset struct {
	path     string
	duration media.Time
	tracks   []*FileTrack
}

// FileTrack is one stream of a FileAsset. Its metadata comes from the
// probe that opened the asset, so it is always loaded.
type FileTrack struct {
	id        int
	kind      media.Kind
	codec     string
	size      media.Size
	transform media.Transform
	frameRate float64
}

// Open probes path and returns the asset it describes.
func Open(ctx context.Context, path string, prober Prober) (*FileAsset, error) {
	result, err := prober.Probe(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("probing %s: %w", path, err)
	}
	return NewFileAsset(path, result)
}

// NewFileAsset builds an asset from an existing probe result. Streams other
// than video and audio, and attached pictures, are ignored.
func NewFileAsset(path string, result *ffmpeg.ProbeResult) (*FileAsset, error) {
	a := &FileAsset{
		path:     path,
		duration: media.TimeFromSeconds(result.DurationSeconds(), 1000),
	}

	for _, s := range result.GetStreamsByType("video") {
		size := media.Size{Width: float64(s.Width), Height: float64(s.Height)}
		a.tracks = append(a.tracks, &FileTrack{
			id:        s.Index,
			kind:      media.KindVideo,
			codec:     normalizeCodec(s.CodecName),
			size:      size,
			transform: media.RotationTransform(s.Rotation(), size),
			frameRate: s.Framerate(),
		})
	}
	for _, s := range result.GetStreamsByType("audio") {
		a.tracks = append(a.tracks, &FileTrack{
			id:        s.Index,
			kind:      media.KindAudio,
			codec:     normalizeCodec(s.CodecName),
			transform: media.Identity,
		})
	}

	if len(a.tracks) == 0 {
		return nil, fmt.Errorf("%s has no audio or video streams", path)
	}
	return a, nil
}

func normalizeCodec(name string) string {
	switch name {
	case "hevc":
		return media.CodecH265
	default:
		return name
	}
}

// Path returns the path the asset was opened from.
func (a *FileAsset) Path() string {
	return a.path
}

func (a *FileAsset) isRemote() bool {
	return strings.HasPrefix(a.path, "http://") || strings.HasPrefix(a.path, "https://")
}

// Tracks implements media.Asset.
func (a *FileAsset) Tracks(kind media.Kind) []media.Track {
	var tracks []media.Track
	for _, t := range a.tracks {
		if t.kind == kind {
			tracks = append(tracks, t)
		}
	}
	return tracks
}

// Duration implements media.Asset.
func (a *FileAsset) Duration() media.Time {
	return a.duration
}

func (a *FileAsset) track(id int) *FileTrack {
	for _, t := range a.tracks {
		if t.id == id {
			return t
		}
	}
	return nil
}

func (t *FileTrack) ID() int                             { return t.id }
func (t *FileTrack) Kind() media.Kind                    { return t.kind }
func (t *FileTrack) Codec() string                       { return t.codec }
func (t *FileTrack) NaturalSize() media.Size             { return t.size }
func (t *FileTrack) PreferredTransform() media.Transform { return t.transform }
func (t *FileTrack) NominalFrameRate() float64           { return t.frameRate }

// MetadataLoaded implements media.MetadataLoader.
func (t *FileTrack) MetadataLoaded() bool {
	return true
}

// LoadMetadata implements media.MetadataLoader. The metadata is already
// present, so done is called on a new goroutine with a nil error.
func (t *FileTrack) LoadMetadata(done func(error)) {
	go done(nil)
}
