// Package media defines the data model shared by the composition builder,
// the export orchestrator and the engines that decode and mux media.
//
// Engines are opaque to the rest of vcompress: they expose pull-based
// readers, push-based writers and timed sample buffers through the
// interfaces in engine.go.
package media

import (
	"fmt"
	"math"
)

// Time is a rational timestamp: Value / Timescale seconds.
// A zero Timescale marks an invalid time.
type Time struct {
	Value     int64
	Timescale int32
	infinite  bool
}

// Well-known times.
var (
	Zero             = Time{Value: 0, Timescale: 1}
	PositiveInfinity = Time{Value: 0, Timescale: 1, infinite: true}
)

// NewTime returns value/timescale seconds.
func NewTime(value int64, timescale int32) Time {
	return Time{Value: value, Timescale: timescale}
}

// TimeFromSeconds converts seconds to a Time with the given timescale.
func TimeFromSeconds(seconds float64, timescale int32) Time {
	return Time{Value: int64(math.Round(seconds * float64(timescale))), Timescale: timescale}
}

// IsValid reports whether t has a usable timescale.
func (t Time) IsValid() bool {
	return t.Timescale > 0
}

// IsInfinite reports whether t is PositiveInfinity.
func (t Time) IsInfinite() bool {
	return t.infinite
}

// Seconds returns t as floating-point seconds.
func (t Time) Seconds() float64 {
	if t.infinite {
		return math.Inf(1)
	}
	if t.Timescale == 0 {
		return 0
	}
	return float64(t.Value) / float64(t.Timescale)
}

// Add returns t+u exactly. The result uses the least common timescale of
// both operands when it fits in an int32, otherwise the larger timescale.
func (t Time) Add(u Time) Time {
	if t.infinite || u.infinite {
		return PositiveInfinity
	}
	if t.Timescale == u.Timescale {
		return Time{Value: t.Value + u.Value, Timescale: t.Timescale}
	}
	scale := lcm(int64(t.Timescale), int64(u.Timescale))
	if scale > math.MaxInt32 {
		scale = int64(max(t.Timescale, u.Timescale))
		return TimeFromSeconds(t.Seconds()+u.Seconds(), int32(scale))
	}
	return Time{
		Value:     t.Value*(scale/int64(t.Timescale)) + u.Value*(scale/int64(u.Timescale)),
		Timescale: int32(scale),
	}
}

// Mul returns t multiplied by n.
func (t Time) Mul(n int64) Time {
	if t.infinite {
		return t
	}
	return Time{Value: t.Value * n, Timescale: t.Timescale}
}

// Compare returns -1, 0 or +1 depending on whether t is before, equal to or
// after u.
func (t Time) Compare(u Time) int {
	switch {
	case t.infinite && u.infinite:
		return 0
	case t.infinite:
		return 1
	case u.infinite:
		return -1
	}
	// Cross-multiply to avoid float rounding.
	l := t.Value * int64(u.Timescale)
	r := u.Value * int64(t.Timescale)
	switch {
	case l < r:
		return -1
	case l > r:
		return 1
	default:
		return 0
	}
}

// Reduced returns t with Value and Timescale divided by their GCD.
func (t Time) Reduced() Time {
	if t.infinite || t.Timescale == 0 || t.Value == 0 {
		return t
	}
	g := gcd(abs64(t.Value), int64(t.Timescale))
	return Time{Value: t.Value / g, Timescale: int32(int64(t.Timescale) / g)}
}

func (t Time) String() string {
	switch {
	case t.infinite:
		return "+inf"
	case t.Timescale == 0:
		return "invalid"
	default:
		return fmt.Sprintf("%d/%d", t.Value, t.Timescale)
	}
}

// TimeRange is a half-open interval [Start, Start+Duration).
type TimeRange struct {
	Start    Time
	Duration Time
}

// FullTimeline covers everything from zero onwards.
var FullTimeline = TimeRange{Start: Zero, Duration: PositiveInfinity}

// End returns Start+Duration.
func (r TimeRange) End() Time {
	return r.Start.Add(r.Duration)
}

// Contains reports whether t lies within the range.
func (r TimeRange) Contains(t Time) bool {
	return t.Compare(r.Start) >= 0 && t.Compare(r.End()) < 0
}

// FrameDuration returns the exact duration of one frame at rate frames per
// second. Integral rates map to 1/rate, NTSC rates (29.97, 23.976, 59.94)
// map to 1001/(N*1000), anything else is expressed in milliframes. Rates
// below one milliframe per second fall back to whole seconds.
func FrameDuration(rate float64) Time {
	if rate <= 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
		return Time{}
	}
	if r := math.Round(rate); r > 0 && math.Abs(rate-r) < 1e-6 {
		return Time{Value: 1, Timescale: int32(r)}
	}
	if n := math.Round(rate * 1.001); n > 0 && math.Abs(rate*1.001-n) < 1e-2 {
		return Time{Value: 1001, Timescale: int32(n * 1000)}
	}
	if ms := math.Round(rate * 1000); ms > 0 {
		return Time{Value: 1000, Timescale: int32(ms)}.Reduced()
	}
	return Time{Value: int64(math.Round(1 / rate)), Timescale: 1}
}

func gcd(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func lcm(a, b int64) int64 {
	return a / gcd(a, b) * b
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
