package orientation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/vcompress/internal/media"
	"github.com/jmylchreest/vcompress/internal/media/mediatest"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name        string
		transform   media.Transform
		orientation Orientation
		facing      Facing
	}{
		{"portrait back", media.Transform{A: 0, B: 1, C: -1, D: 0}, Portrait, Back},
		{"portrait front", media.Transform{A: 0, B: 1, C: 1, D: 0}, Portrait, Front},
		{"portrait odd c", media.Transform{A: 0, B: 1, C: 0.5, D: 0}, Portrait, Unspecified},
		{"upside down back", media.Transform{A: 0, B: -1, C: 1, D: 0}, PortraitUpsideDown, Back},
		{"upside down front", media.Transform{A: 0, B: -1, C: -1, D: 0}, PortraitUpsideDown, Front},
		{"landscape right back", media.Identity, LandscapeRight, Back},
		{"landscape right front", media.Transform{A: 1, B: 0, C: 0, D: -1}, LandscapeRight, Front},
		{"landscape left back", media.Transform{A: -1, B: 0, C: 0, D: -1}, LandscapeLeft, Back},
		{"landscape left front", media.Transform{A: -1, B: 0, C: 0, D: 1}, LandscapeLeft, Front},
		{"translation ignored", media.Transform{A: 0, B: 1, C: -1, D: 0, Tx: 1080, Ty: -560}, Portrait, Back},
		{"45 degrees", media.Transform{A: 0.7071, B: 0.7071, C: -0.7071, D: 0.7071}, Unknown, Unspecified},
		{"scaled identity", media.Scale(2, 2), Unknown, Unspecified},
		{"zero", media.Transform{}, Unknown, Unspecified},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, f := Resolve(tt.transform)
			assert.Equal(t, tt.orientation, o)
			assert.Equal(t, tt.facing, f)
		})
	}
}

func TestResolve_RotationTransforms(t *testing.T) {
	natural := media.Size{Width: 1920, Height: 1080}
	want := map[int]Orientation{
		0:   LandscapeRight,
		90:  Portrait,
		180: LandscapeLeft,
		270: PortraitUpsideDown,
	}
	for degrees, orientation := range want {
		o, f := Resolve(media.RotationTransform(degrees, natural))
		assert.Equal(t, orientation, o, "degrees=%d", degrees)
		assert.Equal(t, Back, f, "degrees=%d", degrees)
	}
}

func TestCorrectedSize(t *testing.T) {
	sizes := []media.Size{
		{Width: 1920, Height: 1080},
		{Width: 640, Height: 480},
		{Width: 0, Height: 0},
	}
	transforms := []media.Transform{
		media.RotationTransform(0, media.Size{}),
		media.RotationTransform(90, media.Size{}),
		media.RotationTransform(180, media.Size{}),
		media.RotationTransform(270, media.Size{}),
		{A: 0.5, D: 0.5},
	}

	for _, size := range sizes {
		for _, tr := range transforms {
			got := CorrectedSize(size, tr)
			if IsPortrait(tr) {
				assert.Equal(t, size.Swapped(), got, "size=%s transform=%s", size, tr)
			} else {
				assert.Equal(t, size, got, "size=%s transform=%s", size, tr)
			}
		}
	}

	assert.True(t, IsPortrait(media.RotationTransform(90, media.Size{})))
	assert.True(t, IsPortrait(media.RotationTransform(270, media.Size{})))
	assert.False(t, IsPortrait(media.Identity))
}

func TestVideoSize(t *testing.T) {
	ctx := context.Background()
	natural := media.Size{Width: 1920, Height: 1080}

	t.Run("loaded", func(t *testing.T) {
		track := mediatest.VideoTrack(1, natural, media.RotationTransform(90, natural), 30)
		size, err := VideoSize(ctx, mediatest.NewAsset(media.NewTime(10, 1), track))
		require.NoError(t, err)
		assert.Equal(t, media.Size{Width: 1080, Height: 1920}, size)
		assert.Zero(t, track.Loads())
	})

	t.Run("deferred", func(t *testing.T) {
		track := mediatest.VideoTrack(1, natural, media.Identity, 30)
		track.Deferred = true
		track.LoadDelay = 5 * time.Millisecond

		size, err := VideoSize(ctx, mediatest.NewAsset(media.NewTime(10, 1), track))
		require.NoError(t, err)
		assert.Equal(t, natural, size)
		assert.Equal(t, 1, track.Loads())
		assert.True(t, track.MetadataLoaded())
	})

	t.Run("load failure", func(t *testing.T) {
		track := mediatest.VideoTrack(1, natural, media.Identity, 30)
		track.Deferred = true
		track.LoadErr = errors.New("truncated moov")

		_, err := VideoSize(ctx, mediatest.NewAsset(media.NewTime(10, 1), track))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "truncated moov")
	})

	t.Run("no video", func(t *testing.T) {
		_, err := VideoSize(ctx, mediatest.NewAsset(media.NewTime(10, 1), mediatest.AudioTrack(2)))
		assert.ErrorIs(t, err, ErrNoVideoTrack)
	})
}

func TestStrings(t *testing.T) {
	assert.Equal(t, "portrait", Portrait.String())
	assert.Equal(t, "landscape_left", LandscapeLeft.String())
	assert.Equal(t, "unknown", Unknown.String())
	assert.Equal(t, "back", Back.String())
	assert.Equal(t, "unspecified", Unspecified.String())
}
