// Package frame defines GPU-resident video frames and the fixed-capacity
// buffer pools stages render into.
package frame

import (
	"errors"
	"fmt"

	"github.com/gogpu/framepipe/geom"
	"github.com/gogpu/framepipe/internal/gpu"
)

// Size is a frame size in pixels.
type Size = geom.Size

// Format errors.
var (
	// ErrInvalidGeometry is returned for non-positive frame dimensions.
	ErrInvalidGeometry = errors.New("frame: invalid geometry")

	// ErrInvalidAspectRatio is returned for a non-positive pixel aspect ratio.
	ErrInvalidAspectRatio = errors.New("frame: invalid pixel aspect ratio")
)

// Frame is one GPU-resident video frame. Exactly one stage owns a frame
// at a time; ownership returns upstream when the consumer reports the
// frame as processed.
type Frame struct {
	Texture            *gpu.Texture
	Width              int
	Height             int
	PresentationTimeUs int64
}

// New returns a frame covering the whole texture.
func New(tex *gpu.Texture, presentationTimeUs int64) Frame {
	return Frame{
		Texture:            tex,
		Width:              tex.Width(),
		Height:             tex.Height(),
		PresentationTimeUs: presentationTimeUs,
	}
}

// Size returns the frame dimensions.
func (f Frame) Size() Size { return Size{Width: f.Width, Height: f.Height} }

// IsValid reports whether the frame carries a texture.
func (f Frame) IsValid() bool { return f.Texture != nil }

// String returns a short description for logs.
func (f Frame) String() string {
	if f.Texture == nil {
		return fmt.Sprintf("Frame[none @%dus]", f.PresentationTimeUs)
	}
	return fmt.Sprintf("Frame[tex=%d %dx%d @%dus]", f.Texture.ID(), f.Width, f.Height, f.PresentationTimeUs)
}

// Format describes the geometry and color of an input stream.
type Format struct {
	Size
	PixelAspectRatio float64
	HDR              bool
}

// Validate reports configuration errors in the format.
func (f Format) Validate() error {
	if !f.Size.IsValid() {
		return fmt.Errorf("%w: %dx%d", ErrInvalidGeometry, f.Width, f.Height)
	}
	if f.PixelAspectRatio < 0 {
		return fmt.Errorf("%w: %v", ErrInvalidAspectRatio, f.PixelAspectRatio)
	}
	return nil
}

// DisplaySize applies the pixel aspect ratio to the width.
func (f Format) DisplaySize() Size {
	if f.PixelAspectRatio == 0 || f.PixelAspectRatio == 1 {
		return f.Size
	}
	return Size{Width: int(float64(f.Width)*f.PixelAspectRatio + 0.5), Height: f.Height}
}
