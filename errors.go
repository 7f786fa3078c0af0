package framepipe

import (
	"errors"
	"fmt"

	"github.com/gogpu/framepipe/frame"
	"github.com/gogpu/framepipe/internal/gpu"
	"github.com/gogpu/framepipe/offload"
	"github.com/gogpu/framepipe/output"
	"github.com/gogpu/framepipe/source"
	"github.com/gogpu/framepipe/stage"
	"github.com/gogpu/framepipe/timing"
)

// Pipeline errors.
var (
	// ErrReleased is returned by every call after Release.
	ErrReleased = errors.New("framepipe: pipeline released")

	// ErrFailed is returned after a resource error. The pipeline must be
	// released.
	ErrFailed = errors.New("framepipe: pipeline failed")

	// ErrNoExternalSource is returned when the surface input is used
	// without WithExternalSource.
	ErrNoExternalSource = errors.New("framepipe: no external source configured")

	// ErrNoInputStream is returned when input is queued before an input
	// stream of the matching type was registered.
	ErrNoInputStream = errors.New("framepipe: no matching input stream registered")

	// ErrStreamPending is returned when input is queued while a newly
	// registered stream waits for the previous one to end. Retry after
	// the InputStreamEndedEvent.
	ErrStreamPending = errors.New("framepipe: input stream pending")

	// ErrInputEnded is returned when input is registered after SignalEndOfInput.
	ErrInputEnded = errors.New("framepipe: input already ended")

	// ErrColorMismatch is returned for an input format whose HDR flag
	// differs from the pipeline's WithHDR setting.
	ErrColorMismatch = errors.New("framepipe: input color does not match pipeline")
)

// Class is the category of a FrameProcessingError.
type Class uint8

const (
	// ClassConfiguration covers invalid geometry, formats and effect
	// lists. Such errors are also returned synchronously where possible.
	ClassConfiguration Class = iota
	// ClassResource covers GPU allocation and operation failures. The
	// pipeline is unusable afterwards.
	ClassResource
	// ClassTiming covers harvest and drain timeouts. The frame is dropped
	// and the pipeline keeps running.
	ClassTiming
	// ClassProtocol covers credit and ownership violations.
	ClassProtocol
)

// String returns the class name.
func (c Class) String() string {
	switch c {
	case ClassConfiguration:
		return "configuration"
	case ClassResource:
		return "resource"
	case ClassTiming:
		return "timing"
	case ClassProtocol:
		return "protocol"
	default:
		return fmt.Sprintf("Class(%d)", uint8(c))
	}
}

// Fatal reports whether errors of the class stop the pipeline.
func (c Class) Fatal() bool { return c == ClassResource }

// NoTimestamp marks a FrameProcessingError without a frame timestamp.
const NoTimestamp int64 = -1 << 63

// FrameProcessingError is the error delivered to the error listener.
type FrameProcessingError struct {
	Class       Class
	TimestampUs int64
	Stage       string
	Err         error
}

// Error implements error.
func (e *FrameProcessingError) Error() string {
	where := ""
	if e.Stage != "" {
		where = " in " + e.Stage
	}
	if e.HasTimestamp() {
		return fmt.Sprintf("framepipe: %s error%s @%dus: %v", e.Class, where, e.TimestampUs, e.Err)
	}
	return fmt.Sprintf("framepipe: %s error%s: %v", e.Class, where, e.Err)
}

// Unwrap returns the cause.
func (e *FrameProcessingError) Unwrap() error { return e.Err }

// HasTimestamp reports whether the offending frame is known.
func (e *FrameProcessingError) HasTimestamp() bool { return e.TimestampUs != NoTimestamp }

// newError classifies err.
func newError(stageName string, err error) *FrameProcessingError {
	var fpe *FrameProcessingError
	if errors.As(err, &fpe) {
		return fpe
	}
	e := &FrameProcessingError{
		Class:       classify(err),
		TimestampUs: NoTimestamp,
		Stage:       stageName,
		Err:         err,
	}
	var harvest *offload.HarvestError
	if errors.As(err, &harvest) {
		e.TimestampUs = harvest.TimestampUs
	}
	return e
}

func classify(err error) Class {
	var harvest *offload.HarvestError
	switch {
	case errors.As(err, &harvest),
		errors.Is(err, offload.ErrHarvestTimeout),
		errors.Is(err, offload.ErrCancelled):
		return ClassTiming
	case errors.Is(err, stage.ErrNoCredit),
		errors.Is(err, stage.ErrNoDownstream),
		errors.Is(err, stage.ErrLinkBusy),
		errors.Is(err, frame.ErrDoubleRelease),
		errors.Is(err, frame.ErrForeignBuffer),
		errors.Is(err, output.ErrUnknownTexture),
		errors.Is(err, output.ErrOutputBusy):
		return ClassProtocol
	case errors.Is(err, frame.ErrInvalidGeometry),
		errors.Is(err, frame.ErrInvalidAspectRatio),
		errors.Is(err, frame.ErrReconfigureInUse),
		errors.Is(err, source.ErrInvalidTiming),
		errors.Is(err, source.ErrUnknownInput),
		errors.Is(err, timing.ErrInvalidSpeed),
		errors.Is(err, gpu.ErrInvalidDimensions),
		errors.Is(err, ErrColorMismatch):
		return ClassConfiguration
	default:
		return ClassResource
	}
}
