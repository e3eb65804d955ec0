package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFrameDuration(t *testing.T) {
	tests := []struct {
		name string
		rate float64
		want Time
	}{
		{"integral 30", 30, NewTime(1, 30)},
		{"integral 25", 25, NewTime(1, 25)},
		{"integral 60", 60, NewTime(1, 60)},
		{"ntsc 29.97", 29.97, NewTime(1001, 30000)},
		{"ntsc 23.976", 23.976, NewTime(1001, 24000)},
		{"ntsc 59.94", 59.94, NewTime(1001, 60000)},
		{"fractional 12.5", 12.5, NewTime(2, 25)},
		{"half", 0.5, NewTime(2, 1)},
		{"very low 0.005", 0.005, NewTime(200, 1)},
		{"below a milliframe", 1e-7, NewTime(10000000, 1)},
		{"zero", 0, Time{}},
		{"negative", -1, Time{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FrameDuration(tt.rate))
		})
	}
}

func TestTime_Add(t *testing.T) {
	assert.Equal(t, NewTime(5, 30), NewTime(2, 30).Add(NewTime(3, 30)))
	assert.Equal(t, NewTime(5, 6), NewTime(1, 2).Add(NewTime(1, 3)))
	assert.True(t, NewTime(1, 2).Add(PositiveInfinity).IsInfinite())
}

func TestTime_Compare(t *testing.T) {
	assert.Equal(t, 0, NewTime(1, 2).Compare(NewTime(15, 30)))
	assert.Equal(t, -1, NewTime(1, 3).Compare(NewTime(1, 2)))
	assert.Equal(t, 1, NewTime(2, 3).Compare(NewTime(1, 2)))
	assert.Equal(t, 1, PositiveInfinity.Compare(NewTime(1<<40, 1)))
	assert.Equal(t, -1, Zero.Compare(PositiveInfinity))
}

func TestTime_Seconds(t *testing.T) {
	assert.InDelta(t, 0.5, NewTime(15, 30).Seconds(), 1e-12)
	assert.Zero(t, Time{}.Seconds())
	assert.False(t, Time{}.IsValid())
	assert.Equal(t, "1001/30000", NewTime(1001, 30000).String())
	assert.Equal(t, "+inf", PositiveInfinity.String())
}

func TestTimeRange_Contains(t *testing.T) {
	r := TimeRange{Start: Zero, Duration: NewTime(10, 1)}
	assert.True(t, r.Contains(Zero))
	assert.True(t, r.Contains(NewTime(299, 30)))
	assert.False(t, r.Contains(NewTime(10, 1)))
	assert.True(t, FullTimeline.Contains(NewTime(1<<40, 1)))
}
