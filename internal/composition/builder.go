// Package composition builds the default video composition for an export:
// a single pass-through instruction whose layer transform undoes the
// source's sensor rotation and aspect-fits the frame into the target size.
package composition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/jmylchreest/vcompress/internal/media"
)

// Errors returned by Build.
var (
	ErrNoVideoTrack      = errors.New("asset has no video track")
	ErrInvalidTargetSize = errors.New("target width and height must be positive")
	ErrInvalidSourceSize = errors.New("source track has an empty natural size")
)

// DefaultFrameRate is used when neither the settings nor the track provide
// a frame rate.
const DefaultFrameRate = 30

// DefaultSentinelOffset is the translation some encoders write instead of
// zero in otherwise valid rotation matrices.
const DefaultSentinelOffset = -560

// Options tunes the builder.
type Options struct {
	// NormalizeSentinel treats a Tx or Ty equal to SentinelOffset as zero.
	NormalizeSentinel bool
	SentinelOffset    float64
	// FallbackFrameRate replaces DefaultFrameRate when positive.
	FallbackFrameRate float64
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		NormalizeSentinel: true,
		SentinelOffset:    DefaultSentinelOffset,
		FallbackFrameRate: DefaultFrameRate,
	}
}

// Builder computes video compositions. It is safe for concurrent use.
type Builder struct {
	opts   Options
	logger *slog.Logger
}

// NewBuilder creates a Builder. A nil logger uses slog.Default.
func NewBuilder(opts Options, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.FallbackFrameRate <= 0 {
		opts.FallbackFrameRate = DefaultFrameRate
	}
	return &Builder{opts: opts, logger: logger}
}

// Build returns a composition for the first video track of asset, fitted
// into the width and height from settings. The track's metadata is loaded
// first if needed.
func (b *Builder) Build(ctx context.Context, asset media.Asset, settings media.Settings) (*media.VideoComposition, error) {
	track := media.FirstTrack(asset, media.KindVideo)
	if track == nil {
		return nil, ErrNoVideoTrack
	}

	target := settings.TargetSize()
	if target.IsEmpty() {
		return nil, fmt.Errorf("%w: got %s", ErrInvalidTargetSize, target)
	}

	track, err := media.LoadedTrack(ctx, track)
	if err != nil {
		return nil, fmt.Errorf("building composition: %w", err)
	}

	rate := b.frameRate(settings, track)
	transform := b.normalize(track.PreferredTransform())
	natural := EffectiveSize(track.NaturalSize(), transform)
	if natural.IsEmpty() {
		return nil, fmt.Errorf("%w: track %d is %s", ErrInvalidSourceSize, track.ID(), natural)
	}

	fit := Fit(target, natural)
	layer := transform.Concat(fit.Transform())

	b.logger.DebugContext(ctx, "built video composition",
		slog.Int("track_id", track.ID()),
		slog.Float64("frame_rate", rate),
		slog.String("render_size", natural.String()),
		slog.String("target_size", target.String()),
		slog.Float64("ratio", fit.Ratio),
		slog.String("transform", layer.String()),
	)

	return &media.VideoComposition{
		FrameDuration: media.FrameDuration(rate),
		RenderSize:    natural,
		Instructions: []media.CompositionInstruction{{
			TimeRange: media.TimeRange{Start: media.Zero, Duration: asset.Duration()},
			Layers: []media.LayerInstruction{{
				TrackID:   track.ID(),
				Transform: layer,
				At:        media.Zero,
			}},
		}},
	}, nil
}

func (b *Builder) frameRate(settings media.Settings, track media.Track) float64 {
	if rate, ok := settings.FrameRate(); ok && rate > 0 {
		return rate
	}
	if rate := track.NominalFrameRate(); rate > 0 {
		return rate
	}
	return b.opts.FallbackFrameRate
}

func (b *Builder) normalize(t media.Transform) media.Transform {
	if !b.opts.NormalizeSentinel {
		return t
	}
	if t.Tx == b.opts.SentinelOffset {
		t.Tx = 0
	}
	if t.Ty == b.opts.SentinelOffset {
		t.Ty = 0
	}
	return t
}

// EffectiveSize returns the footprint of natural once t is applied: width
// and height swap when t rotates by a quarter turn in either direction.
func EffectiveSize(natural media.Size, t media.Transform) media.Size {
	if isQuarterTurn(t.AngleDegrees()) {
		return natural.Swapped()
	}
	return natural
}

func isQuarterTurn(degrees float64) bool {
	const eps = 1e-9
	return math.Abs(degrees-90) < eps || math.Abs(degrees+90) < eps
}

// Fitting is the aspect-fit of a source rectangle into a target rectangle.
type Fitting struct {
	XRatio, YRatio   float64
	Ratio            float64
	OffsetX, OffsetY float64
}

// Fit computes the uniform scale that fits source inside target without
// cropping, and the offsets that center the scaled source.
func Fit(target, source media.Size) Fitting {
	f := Fitting{
		XRatio: target.Width / source.Width,
		YRatio: target.Height / source.Height,
	}
	f.Ratio = math.Min(f.XRatio, f.YRatio)
	f.OffsetX = (target.Width - source.Width*f.Ratio) / 2
	f.OffsetY = (target.Height - source.Height*f.Ratio) / 2
	return f
}

// Transform expresses the fit in render-size coordinates: scale by
// (Ratio/XRatio, Ratio/YRatio), then translate by the offsets divided by
// the per-axis ratios.
func (f Fitting) Transform() media.Transform {
	return media.Translation(f.OffsetX/f.XRatio, f.OffsetY/f.YRatio).
		Scaled(f.Ratio/f.XRatio, f.Ratio/f.YRatio)
}
