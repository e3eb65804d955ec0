// Package orientation classifies a track's preferred transform into a
// display orientation and capture facing, and derives the display size.
package orientation

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmylchreest/vcompress/internal/media"
)

// ErrNoVideoTrack is returned by VideoSize for assets without video.
var ErrNoVideoTrack = errors.New("asset has no video track")

// Orientation is the interface orientation a track was captured in.
type Orientation int

// Orientations.
const (
	Unknown Orientation = iota
	Portrait
	PortraitUpsideDown
	LandscapeLeft
	LandscapeRight
)

func (o Orientation) String() string {
	switch o {
	case Portrait:
		return "portrait"
	case PortraitUpsideDown:
		return "portrait_upside_down"
	case LandscapeLeft:
		return "landscape_left"
	case LandscapeRight:
		return "landscape_right"
	default:
		return "unknown"
	}
}

// IsPortrait reports whether o is Portrait or PortraitUpsideDown.
func (o Orientation) IsPortrait() bool {
	return o == Portrait || o == PortraitUpsideDown
}

// Facing is the camera position a track was captured with.
type Facing int

// Facings.
const (
	Unspecified Facing = iota
	Front
	Back
)

func (f Facing) String() string {
	switch f {
	case Front:
		return "front"
	case Back:
		return "back"
	default:
		return "unspecified"
	}
}

// Resolve classifies t. Components are compared exactly; a transform that
// is not one of the four axis-aligned rotations yields Unknown. The facing
// is only set when the remaining component is exactly +1 or -1.
func Resolve(t media.Transform) (Orientation, Facing) {
	switch {
	case t.A == 0 && t.B == 1 && t.D == 0:
		return Portrait, facing(t.C, 1, -1)
	case t.A == 0 && t.B == -1 && t.D == 0:
		return PortraitUpsideDown, facing(t.C, -1, 1)
	case t.A == 1 && t.B == 0 && t.C == 0:
		return LandscapeRight, facing(t.D, -1, 1)
	case t.A == -1 && t.B == 0 && t.C == 0:
		return LandscapeLeft, facing(t.D, 1, -1)
	default:
		return Unknown, Unspecified
	}
}

func facing(v, front, back float64) Facing {
	switch v {
	case front:
		return Front
	case back:
		return Back
	default:
		return Unspecified
	}
}

// IsPortrait reports whether t resolves to a portrait orientation.
func IsPortrait(t media.Transform) bool {
	o, _ := Resolve(t)
	return o.IsPortrait()
}

// CorrectedSize returns natural with width and height swapped when t is a
// portrait transform.
func CorrectedSize(natural media.Size, t media.Transform) media.Size {
	if IsPortrait(t) {
		return natural.Swapped()
	}
	return natural
}

// TrackSize returns the orientation-corrected size of a loaded track.
func TrackSize(track media.Track) media.Size {
	return CorrectedSize(track.NaturalSize(), track.PreferredTransform())
}

// VideoSize returns the orientation-corrected size of the asset's first
// video track, loading its metadata first when needed.
func VideoSize(ctx context.Context, asset media.Asset) (media.Size, error) {
	track := media.FirstTrack(asset, media.KindVideo)
	if track == nil {
		return media.Size{}, ErrNoVideoTrack
	}

	loaded, err := media.LoadedTrack(ctx, track)
	if err != nil {
		return media.Size{}, fmt.Errorf("video size: %w", err)
	}
	return TrackSize(loaded), nil
}
