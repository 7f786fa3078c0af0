// Package source adapts frame producers outside the pipeline to the
// credit model of the stage chain.
//
// Three inputs exist: External wraps a push-style texture source that
// signals arrivals asynchronously, Bitmap uploads CPU images and Texture
// forwards caller-owned GPU textures. Each feeds the sampler through its
// own gated link; a Switcher keeps exactly one of them live.
//
// Unless noted otherwise, methods run on the pipeline's processing goroutine.
package source

import (
	"errors"
	"fmt"

	"github.com/gogpu/framepipe/frame"
	"github.com/gogpu/framepipe/geom"
	"github.com/gogpu/framepipe/stage"
)

// Errors.
var (
	// ErrNotAttached is returned when an input is used before it has a link.
	ErrNotAttached = errors.New("source: input not attached to the pipeline")

	// ErrStreamEnded is returned when input is queued after end of stream.
	ErrStreamEnded = errors.New("source: input stream already ended")

	// ErrReleased is returned after Release.
	ErrReleased = errors.New("source: input released")
)

// InputType identifies an input.
type InputType uint8

const (
	// InputSurface is a push-style external texture source.
	InputSurface InputType = iota
	// InputBitmap uploads CPU images.
	InputBitmap
	// InputTexture forwards caller-owned GPU textures.
	InputTexture
)

// String returns the input name.
func (t InputType) String() string {
	switch t {
	case InputSurface:
		return "surface"
	case InputBitmap:
		return "bitmap"
	case InputTexture:
		return "texture"
	default:
		return fmt.Sprintf("InputType(%d)", uint8(t))
	}
}

// Input is one source of pipeline frames.
type Input interface {
	stage.Producer
	stage.CreditListener

	// Attach sets the link into the sampler.
	Attach(l *stage.Link)

	// SignalEndOfCurrentInputStream ends the stream once queued frames
	// have been delivered.
	SignalEndOfCurrentInputStream()

	// PendingFrameCount returns the frames accepted but not yet delivered.
	PendingFrameCount() int

	// Release frees the input's resources.
	Release() error
}

// SamplingTarget receives the sampling transform of the next frame.
// The sampler stage implements it.
type SamplingTarget interface {
	SetSamplingTransform(m geom.Matrix)
}

// Executor runs tasks on the processing goroutine.
type Executor interface {
	Submit(task func() error) error
}

// FrameInfo is the metadata registered for one frame of an external source.
type FrameInfo struct {
	Format frame.Format

	// OffsetToAddUs is added to the source timestamp.
	OffsetToAddUs int64
}
