package source

import (
	"math"

	"github.com/gogpu/framepipe/frame"
	"github.com/gogpu/framepipe/geom"
)

// correctionEpsilon is the largest scale deviation still taken as a match.
const correctionEpsilon = 1e-4

// alignmentCandidates are the buffer alignments tried by CorrectTransform:
// powers of two up to 256 and two alignments seen on hardware decoders.
var alignmentCandidates = [...]int{2, 4, 8, 16, 32, 64, 128, 256, 96, 176}

// CorrectTransform undoes the extra crop some external sources add to
// the sampling transform.
//
// Such sources shrink the visible region by one texel on each edge of a
// buffer whose size is the visible size rounded up to a hardware
// alignment, reporting a scale of (L-2)/B instead of L/B. For each axis
// CorrectTransform guesses B from the candidate alignments and, when the
// observed scale matches within epsilon, restores L/B and shifts the
// offset back by one texel. Axes without a match, and matrices that
// rotate by anything but quarter turns, are returned unchanged.
//
// This is a best-effort guess, not an exact inverse.
func CorrectTransform(m geom.Matrix, visible frame.Size) geom.Matrix {
	if !visible.IsValid() {
		return m
	}
	switch {
	case m.IsAxisAligned():
		m.A, m.C = correctAxis(m.A, m.C, visible.Width)
		m.E, m.F = correctAxis(m.E, m.F, visible.Height)
	case m.IsAxisSwapped():
		m.B, m.C = correctAxis(m.B, m.C, visible.Width)
		m.D, m.F = correctAxis(m.D, m.F, visible.Height)
	}
	return m
}

// correctAxis corrects one row of the transform. scale may be negative
// when the axis is flipped.
func correctAxis(scale, offset float64, length int) (float64, float64) {
	if length <= 2 {
		return scale, offset
	}
	observed := math.Abs(scale)
	best, bestDev := 0, math.Inf(1)
	for _, a := range alignmentCandidates {
		buf := alignUp(length, a)
		dev := math.Abs(observed - float64(length-2)/float64(buf))
		if dev < bestDev {
			best, bestDev = buf, dev
		}
	}
	if bestDev >= correctionEpsilon {
		return scale, offset
	}
	sign := 1.0
	if scale < 0 {
		sign = -1
	}
	b := float64(best)
	return sign * float64(length) / b, offset - sign/b
}

func alignUp(n, a int) int {
	return (n + a - 1) / a * a
}
