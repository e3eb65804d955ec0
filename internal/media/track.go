package media

import (
	"context"
	"fmt"
)

// Kind is the media type of a track.
type Kind string

// Track kinds.
const (
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
)

func (k Kind) String() string {
	return string(k)
}

// MetadataLoader gives access to track metadata that may not be available
// yet. MetadataLoaded never blocks; LoadMetadata starts (or joins) an
// asynchronous load and calls done exactly once when it settles.
type MetadataLoader interface {
	MetadataLoaded() bool
	LoadMetadata(done func(error))
}

// Track is one elementary stream of an Asset. NaturalSize,
// PreferredTransform and NominalFrameRate are only meaningful once the
// track's metadata is loaded.
type Track interface {
	MetadataLoader

	ID() int
	Kind() Kind
	Codec() string
	NaturalSize() Size
	PreferredTransform() Transform
	NominalFrameRate() float64
}

// Asset is a decodable container. Assets and their tracks are owned by the
// caller and outlive any export that reads them.
type Asset interface {
	Tracks(kind Kind) []Track
	Duration() Time
}

// FirstTrack returns the first track of kind, or nil.
func FirstTrack(a Asset, kind Kind) Track {
	tracks := a.Tracks(kind)
	if len(tracks) == 0 {
		return nil
	}
	return tracks[0]
}

// LoadedTrack returns t once its metadata is available. When the metadata
// is already loaded it returns immediately; otherwise it issues a single
// asynchronous load and waits for its completion or for ctx.
func LoadedTrack(ctx context.Context, t Track) (Track, error) {
	if t.MetadataLoaded() {
		return t, nil
	}

	result := make(chan error, 1)
	t.LoadMetadata(func(err error) {
		result <- err
	})

	select {
	case err := <-result:
		if err != nil {
			return nil, fmt.Errorf("loading metadata for track %d: %w", t.ID(), err)
		}
		return t, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
