package composition

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/vcompress/internal/media"
	"github.com/jmylchreest/vcompress/internal/media/mediatest"
)

const delta = 1e-9

func settings(width, height int) media.Settings {
	return media.Settings{
		media.KeyCodec:  media.CodecH264,
		media.KeyWidth:  width,
		media.KeyHeight: height,
	}
}

func assertTransform(t *testing.T, want, got media.Transform) {
	t.Helper()
	assert.InDelta(t, want.A, got.A, delta, "a")
	assert.InDelta(t, want.B, got.B, delta, "b")
	assert.InDelta(t, want.C, got.C, delta, "c")
	assert.InDelta(t, want.D, got.D, delta, "d")
	assert.InDelta(t, want.Tx, got.Tx, delta, "tx")
	assert.InDelta(t, want.Ty, got.Ty, delta, "ty")
}

func TestFit(t *testing.T) {
	t.Run("same size", func(t *testing.T) {
		f := Fit(media.Size{Width: 1280, Height: 720}, media.Size{Width: 1280, Height: 720})
		assert.Equal(t, 1.0, f.Ratio)
		assert.Zero(t, f.OffsetX)
		assert.Zero(t, f.OffsetY)
		assertTransform(t, media.Identity, f.Transform())
	})

	t.Run("narrower target", func(t *testing.T) {
		f := Fit(media.Size{Width: 960, Height: 1080}, media.Size{Width: 1920, Height: 1080})
		assert.Equal(t, 0.5, f.XRatio)
		assert.Equal(t, 1.0, f.YRatio)
		assert.Equal(t, f.XRatio, f.Ratio)
		assert.Zero(t, f.OffsetX)
		assert.Equal(t, 270.0, f.OffsetY)
		assertTransform(t, media.Transform{A: 1, D: 0.5, Ty: 270}, f.Transform())
	})

	t.Run("shorter target", func(t *testing.T) {
		f := Fit(media.Size{Width: 1920, Height: 540}, media.Size{Width: 1920, Height: 1080})
		assert.Equal(t, f.YRatio, f.Ratio)
		assert.Equal(t, 480.0, f.OffsetX)
		assert.Zero(t, f.OffsetY)
	})

	t.Run("uniform downscale", func(t *testing.T) {
		f := Fit(media.Size{Width: 640, Height: 360}, media.Size{Width: 1920, Height: 1080})
		assert.InDelta(t, 1.0/3, f.Ratio, delta)
		assert.InDelta(t, 0, f.OffsetX, delta)
		assert.InDelta(t, 0, f.OffsetY, delta)
		assertTransform(t, media.Identity, f.Transform())
	})
}

func TestEffectiveSize(t *testing.T) {
	natural := media.Size{Width: 1920, Height: 1080}
	assert.Equal(t, natural.Swapped(), EffectiveSize(natural, media.RotationTransform(90, natural)))
	assert.Equal(t, natural.Swapped(), EffectiveSize(natural, media.RotationTransform(270, natural)))
	assert.Equal(t, natural, EffectiveSize(natural, media.RotationTransform(180, natural)))
	assert.Equal(t, natural, EffectiveSize(natural, media.Identity))
}

func TestBuilder_Build(t *testing.T) {
	ctx := context.Background()
	natural := media.Size{Width: 1920, Height: 1080}
	duration := media.NewTime(300, 30)

	t.Run("target equals source", func(t *testing.T) {
		track := mediatest.VideoTrack(7, natural, media.Identity, 30)
		comp, err := NewBuilder(DefaultOptions(), nil).Build(ctx, mediatest.NewAsset(duration, track), settings(1920, 1080))
		require.NoError(t, err)

		assert.Equal(t, media.NewTime(1, 30), comp.FrameDuration)
		assert.Equal(t, natural, comp.RenderSize)
		require.Len(t, comp.Instructions, 1)

		in := comp.Instructions[0]
		assert.Equal(t, media.Zero, in.TimeRange.Start)
		assert.Equal(t, duration, in.TimeRange.Duration)
		require.Len(t, in.Layers, 1)
		assert.Equal(t, 7, in.Layers[0].TrackID)
		assert.Equal(t, media.Zero, in.Layers[0].At)
		assertTransform(t, media.Identity, in.Layers[0].Transform)
	})

	t.Run("portrait source into portrait target", func(t *testing.T) {
		preferred := media.RotationTransform(90, natural)
		track := mediatest.VideoTrack(1, natural, preferred, 30)
		comp, err := NewBuilder(DefaultOptions(), nil).Build(ctx, mediatest.NewAsset(duration, track), settings(720, 1280))
		require.NoError(t, err)

		assert.Equal(t, media.Size{Width: 1080, Height: 1920}, comp.RenderSize)
		assertTransform(t, preferred, comp.Instructions[0].Layers[0].Transform)
	})

	t.Run("portrait source into landscape target", func(t *testing.T) {
		preferred := media.RotationTransform(90, natural)
		track := mediatest.VideoTrack(1, natural, preferred, 30)
		comp, err := NewBuilder(DefaultOptions(), nil).Build(ctx, mediatest.NewAsset(duration, track), settings(1280, 720))
		require.NoError(t, err)

		fit := Fit(media.Size{Width: 1280, Height: 720}, media.Size{Width: 1080, Height: 1920})
		assert.Equal(t, fit.YRatio, fit.Ratio)
		assert.Zero(t, fit.OffsetY)
		assert.InDelta(t, 437.5, fit.OffsetX, delta)

		got := comp.Instructions[0].Layers[0].Transform
		assertTransform(t, preferred.Concat(fit.Transform()), got)

		// The rotated frame lands centered horizontally in render space.
		x0, _ := got.Apply(0, 1080)
		x1, _ := got.Apply(1920, 0)
		assert.InDelta(t, 1080-x1, x0, delta)
	})

	t.Run("sentinel offset normalized", func(t *testing.T) {
		preferred := media.Transform{A: 0, B: 1, C: -1, D: 0, Tx: 1080, Ty: DefaultSentinelOffset}
		track := mediatest.VideoTrack(1, natural, preferred, 30)
		asset := mediatest.NewAsset(duration, track)

		comp, err := NewBuilder(DefaultOptions(), nil).Build(ctx, asset, settings(1080, 1920))
		require.NoError(t, err)
		assert.Zero(t, comp.Instructions[0].Layers[0].Transform.Ty)

		opts := DefaultOptions()
		opts.NormalizeSentinel = false
		comp, err = NewBuilder(opts, nil).Build(ctx, asset, settings(1080, 1920))
		require.NoError(t, err)
		assert.Equal(t, float64(DefaultSentinelOffset), comp.Instructions[0].Layers[0].Transform.Ty)
	})

	t.Run("deferred metadata", func(t *testing.T) {
		track := mediatest.VideoTrack(1, natural, media.Identity, 25)
		track.Deferred = true
		track.LoadDelay = 5 * time.Millisecond

		comp, err := NewBuilder(DefaultOptions(), nil).Build(ctx, mediatest.NewAsset(duration, track), settings(1280, 720))
		require.NoError(t, err)
		assert.Equal(t, 1, track.Loads())
		assert.Equal(t, media.NewTime(1, 25), comp.FrameDuration)
	})
}

func TestBuilder_FrameRate(t *testing.T) {
	ctx := context.Background()
	natural := media.Size{Width: 1280, Height: 720}

	withRate := func(rate any) media.Settings {
		s := settings(1280, 720)
		s[media.KeyCompressionProperties] = map[string]any{
			media.KeyAverageBitRate:          700_000,
			media.KeyAverageNonDroppableRate: rate,
		}
		return s
	}

	tests := []struct {
		name     string
		nominal  float64
		settings media.Settings
		want     media.Time
	}{
		{"override", 29.97, withRate(float32(24)), media.NewTime(1, 24)},
		{"override zero falls back to nominal", 25, withRate(0), media.NewTime(1, 25)},
		{"nominal ntsc", 29.97, settings(1280, 720), media.NewTime(1001, 30000)},
		{"fallback", 0, settings(1280, 720), media.NewTime(1, 30)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			track := mediatest.VideoTrack(1, natural, media.Identity, tt.nominal)
			comp, err := NewBuilder(DefaultOptions(), nil).Build(ctx, mediatest.NewAsset(media.NewTime(1, 1), track), tt.settings)
			require.NoError(t, err)
			assert.Equal(t, tt.want, comp.FrameDuration)
		})
	}
}

func TestBuilder_Errors(t *testing.T) {
	ctx := context.Background()
	natural := media.Size{Width: 1280, Height: 720}
	b := NewBuilder(DefaultOptions(), nil)

	_, err := b.Build(ctx, mediatest.NewAsset(media.NewTime(1, 1), mediatest.AudioTrack(1)), settings(1280, 720))
	assert.ErrorIs(t, err, ErrNoVideoTrack)

	asset := mediatest.NewAsset(media.NewTime(1, 1), mediatest.VideoTrack(1, natural, media.Identity, 30))
	_, err = b.Build(ctx, asset, settings(0, 720))
	assert.ErrorIs(t, err, ErrInvalidTargetSize)
	_, err = b.Build(ctx, asset, media.Settings{})
	assert.ErrorIs(t, err, ErrInvalidTargetSize)

	empty := mediatest.NewAsset(media.NewTime(1, 1), mediatest.VideoTrack(1, media.Size{}, media.Identity, 30))
	_, err = b.Build(ctx, empty, settings(1280, 720))
	assert.ErrorIs(t, err, ErrInvalidSourceSize)
}
