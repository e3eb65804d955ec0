// Package mediatest provides an in-memory media.Engine and fake assets for
// exercising the composition builder and the export pipeline without a real
// decoder or muxer.
package mediatest

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmylchreest/vcompress/internal/media"
)

// Track is a scripted media.Track. Metadata is available immediately unless
// Deferred is set, in which case LoadMetadata resolves after LoadDelay.
type Track struct {
	TrackID   int
	MediaKind media.Kind
	CodecName string
	Size      media.Size
	Transform media.Transform
	FrameRate float64

	Deferred  bool
	LoadDelay time.Duration
	LoadErr   error

	mu     sync.Mutex
	loaded bool
	loads  atomic.Int32
}

// VideoTrack returns a loaded H.264 video track.
func VideoTrack(id int, size media.Size, transform media.Transform, fps float64) *Track {
	return &Track{
		TrackID:   id,
		MediaKind: media.KindVideo,
		CodecName: media.CodecH264,
		Size:      size,
		Transform: transform,
		FrameRate: fps,
	}
}

// AudioTrack returns a loaded AAC audio track.
func AudioTrack(id int) *Track {
	return &Track{
		TrackID:   id,
		MediaKind: media.KindAudio,
		CodecName: media.CodecAAC,
		Transform: media.Identity,
	}
}

func (t *Track) ID() int { return t.TrackID }
func (t *Track) Kind() media.Kind { return t.MediaKind }
func (t *Track) Codec() string { return t.CodecName }
func (t *Track) NaturalSize() media.Size { return t.Size }
func (t *Track) PreferredTransform() media.Transform { return t.Transform }
func (t *Track) NominalFrameRate() float64 { return t.FrameRate }

// MetadataLoaded implements media.MetadataLoader.
func (t *Track) MetadataLoaded() bool {
	if !t.Deferred {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loaded
}

// LoadMetadata implements media.MetadataLoader.
func (t *Track) LoadMetadata(done func(error)) {
	t.loads.Add(1)
	go func() {
		if t.LoadDelay > 0 {
			time.Sleep(t.LoadDelay)
		}
		if t.LoadErr == nil {
			t.mu.Lock()
			t.loaded = true
			t.mu.Unlock()
		}
		done(t.LoadErr)
	}()
}

// Loads returns how many times LoadMetadata was called.
func (t *Track) Loads() int {
	return int(t.loads.Load())
}

// Asset is a scripted media.Asset.
type Asset struct {
	Video  []media.Track
	Audio  []media.Track
	Length media.Time
}

// NewAsset returns an asset of the given duration holding tracks.
func NewAsset(duration media.Time, tracks ...*Track) *Asset {
	a := &Asset{Length: duration}
	for _, t := range tracks {
		switch t.MediaKind {
		case media.KindVideo:
			a.Video = append(a.Video, t)
		case media.KindAudio:
			a.Audio = append(a.Audio, t)
		}
	}
	return a
}

// Tracks implements media.Asset.
func (a *Asset) Tracks(kind media.Kind) []media.Track {
	switch kind {
	case media.KindVideo:
		return a.Video
	case media.KindAudio:
		return a.Audio
	default:
		return nil
	}
}

// Duration implements media.Asset.
func (a *Asset) Duration() media.Time {
	return a.Length
}
