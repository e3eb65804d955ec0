package media

import (
	"fmt"
	"math"
)

// Size is a width/height pair in pixels.
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Swapped returns the size with width and height exchanged.
func (s Size) Swapped() Size {
	return Size{Width: s.Height, Height: s.Width}
}

// IsEmpty reports whether either dimension is zero or negative.
func (s Size) IsEmpty() bool {
	return s.Width <= 0 || s.Height <= 0
}

func (s Size) String() string {
	return fmt.Sprintf("%gx%g", s.Width, s.Height)
}

// Transform is a 2x3 affine matrix. A point (x, y) maps to
// (A*x + C*y + Tx, B*x + D*y + Ty).
type Transform struct {
	A, B, C, D float64
	Tx, Ty     float64
}

// Identity is the identity transform.
var Identity = Transform{A: 1, D: 1}

// Translation returns a pure translation.
func Translation(tx, ty float64) Transform {
	return Transform{A: 1, D: 1, Tx: tx, Ty: ty}
}

// Scale returns a pure scale.
func Scale(sx, sy float64) Transform {
	return Transform{A: sx, D: sy}
}

// RotationTransform returns the preferred transform a camera writes for a
// clockwise display rotation of degrees (0, 90, 180 or 270) on a frame of
// natural size n. Other angles return Identity.
func RotationTransform(degrees int, n Size) Transform {
	switch ((degrees % 360) + 360) % 360 {
	case 90:
		return Transform{A: 0, B: 1, C: -1, D: 0, Tx: n.Height, Ty: 0}
	case 180:
		return Transform{A: -1, B: 0, C: 0, D: -1, Tx: n.Width, Ty: n.Height}
	case 270:
		return Transform{A: 0, B: -1, C: 1, D: 0, Tx: 0, Ty: n.Width}
	default:
		return Identity
	}
}

// Concat returns the transform that applies t first and then u.
func (t Transform) Concat(u Transform) Transform {
	return Transform{
		A:  t.A*u.A + t.B*u.C,
		B:  t.A*u.B + t.B*u.D,
		C:  t.C*u.A + t.D*u.C,
		D:  t.C*u.B + t.D*u.D,
		Tx: t.Tx*u.A + t.Ty*u.C + u.Tx,
		Ty: t.Tx*u.B + t.Ty*u.D + u.Ty,
	}
}

// Translated returns a transform that translates by (tx, ty) and then
// applies t.
func (t Transform) Translated(tx, ty float64) Transform {
	return Translation(tx, ty).Concat(t)
}

// Scaled returns a transform that scales by (sx, sy) and then applies t.
func (t Transform) Scaled(sx, sy float64) Transform {
	return Scale(sx, sy).Concat(t)
}

// Apply maps the point (x, y).
func (t Transform) Apply(x, y float64) (float64, float64) {
	return t.A*x + t.C*y + t.Tx, t.B*x + t.D*y + t.Ty
}

// AngleDegrees returns the rotation angle atan2(B, A) in degrees.
func (t Transform) AngleDegrees() float64 {
	return math.Atan2(t.B, t.A) * 180 / math.Pi
}

// IsIdentity reports whether t is exactly the identity.
func (t Transform) IsIdentity() bool {
	return t == Identity
}

func (t Transform) String() string {
	return fmt.Sprintf("[%g %g %g %g %g %g]", t.A, t.B, t.C, t.D, t.Tx, t.Ty)
}
