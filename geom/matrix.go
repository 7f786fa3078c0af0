// Package geom provides the 2D affine math used for sampling transforms
// and output geometry.
package geom

import "math"

// Size is a width and height in pixels.
type Size struct {
	Width, Height int
}

// IsValid reports whether both dimensions are positive.
func (s Size) IsValid() bool { return s.Width > 0 && s.Height > 0 }

// Matrix represents a 2D affine transformation matrix.
// It uses a 2x3 matrix in row-major order:
//
//	| a  b  c |
//	| d  e  f |
//
// This represents the transformation:
//
//	x' = a*x + b*y + c
//	y' = d*x + e*y + f
//
// Sampling transforms map output texture coordinates in [0,1] to input
// texture coordinates.
type Matrix struct {
	A, B, C float64
	D, E, F float64
}

// Identity returns the identity transformation matrix.
func Identity() Matrix {
	return Matrix{
		A: 1, B: 0, C: 0,
		D: 0, E: 1, F: 0,
	}
}

// Translate creates a translation matrix.
func Translate(x, y float64) Matrix {
	return Matrix{
		A: 1, B: 0, C: x,
		D: 0, E: 1, F: y,
	}
}

// Scale creates a scaling matrix.
func Scale(x, y float64) Matrix {
	return Matrix{
		A: x, B: 0, C: 0,
		D: 0, E: y, F: 0,
	}
}

// Rotate creates a rotation matrix (angle in radians).
func Rotate(angle float64) Matrix {
	cos := math.Cos(angle)
	sin := math.Sin(angle)
	return Matrix{
		A: cos, B: -sin, C: 0,
		D: sin, E: cos, F: 0,
	}
}

// RotateDegrees creates a rotation matrix. Multiples of 90 degrees are
// exact so that axis-alignment checks stay reliable.
func RotateDegrees(deg float64) Matrix {
	switch math.Mod(math.Mod(deg, 360)+360, 360) {
	case 0:
		return Identity()
	case 90:
		return Matrix{A: 0, B: -1, D: 1, E: 0}
	case 180:
		return Matrix{A: -1, B: 0, D: 0, E: -1}
	case 270:
		return Matrix{A: 0, B: 1, D: -1, E: 0}
	}
	return Rotate(deg * math.Pi / 180)
}

// FlipVertical maps texture coordinate v to 1-v.
func FlipVertical() Matrix {
	return Matrix{
		A: 1, B: 0, C: 0,
		D: 0, E: -1, F: 1,
	}
}

// Multiply multiplies two matrices (m * other).
func (m Matrix) Multiply(other Matrix) Matrix {
	return Matrix{
		A: m.A*other.A + m.B*other.D,
		B: m.A*other.B + m.B*other.E,
		C: m.A*other.C + m.B*other.F + m.C,
		D: m.D*other.A + m.E*other.D,
		E: m.D*other.B + m.E*other.E,
		F: m.D*other.C + m.E*other.F + m.F,
	}
}

// Apply transforms the point (x, y).
func (m Matrix) Apply(x, y float64) (float64, float64) {
	return m.A*x + m.B*y + m.C, m.D*x + m.E*y + m.F
}

// Invert returns the inverse matrix.
// Returns the identity matrix if the matrix is not invertible.
func (m Matrix) Invert() Matrix {
	det := m.A*m.E - m.B*m.D
	if math.Abs(det) < 1e-10 {
		return Identity()
	}

	invDet := 1.0 / det
	return Matrix{
		A: m.E * invDet,
		B: -m.B * invDet,
		C: (m.B*m.F - m.C*m.E) * invDet,
		D: -m.D * invDet,
		E: m.A * invDet,
		F: (m.C*m.D - m.A*m.F) * invDet,
	}
}

// IsIdentity returns true if the matrix is the identity matrix.
func (m Matrix) IsIdentity() bool {
	return m.A == 1 && m.B == 0 && m.C == 0 &&
		m.D == 0 && m.E == 1 && m.F == 0
}

// IsAxisAligned reports whether the matrix only scales, flips and translates.
func (m Matrix) IsAxisAligned() bool {
	return m.B == 0 && m.D == 0 && m.A != 0 && m.E != 0
}

// IsAxisSwapped reports whether the matrix is a quarter-turn rotation
// combined with scale and translation.
func (m Matrix) IsAxisSwapped() bool {
	return m.A == 0 && m.E == 0 && m.B != 0 && m.D != 0
}

// OutputSize returns the size of the bounding box of an input of size in
// after the transform, rounded to whole pixels.
func (m Matrix) OutputSize(in Size) Size {
	w, h := float64(in.Width), float64(in.Height)
	xs := [4]float64{}
	ys := [4]float64{}
	for i, p := range [4][2]float64{{0, 0}, {w, 0}, {0, h}, {w, h}} {
		xs[i] = m.A*p[0] + m.B*p[1]
		ys[i] = m.D*p[0] + m.E*p[1]
	}
	minX, maxX := xs[0], xs[0]
	minY, maxY := ys[0], ys[0]
	for i := 1; i < 4; i++ {
		minX, maxX = math.Min(minX, xs[i]), math.Max(maxX, xs[i])
		minY, maxY = math.Min(minY, ys[i]), math.Max(maxY, ys[i])
	}
	return Size{Width: int(math.Round(maxX - minX)), Height: int(math.Round(maxY - minY))}
}

// Uniform returns the matrix as a column-major WGSL mat4x4<f32>.
func (m Matrix) Uniform() [16]float32 {
	return [16]float32{
		float32(m.A), float32(m.D), 0, 0,
		float32(m.B), float32(m.E), 0, 0,
		0, 0, 1, 0,
		float32(m.C), float32(m.F), 0, 1,
	}
}

// Fit returns the scale that fits in inside out while preserving aspect
// ratio, as fractions of the output size.
func Fit(in, out Size) (sx, sy float64) {
	if !in.IsValid() || !out.IsValid() {
		return 1, 1
	}
	inAspect := float64(in.Width) / float64(in.Height)
	outAspect := float64(out.Width) / float64(out.Height)
	if inAspect > outAspect {
		return 1, outAspect / inAspect
	}
	return inAspect / outAspect, 1
}
