// Package stage defines the contract every pipeline stage implements and
// the chain that connects stages with flow-controlled links.
//
// A stage receives frames through QueueInputFrame only after announcing
// capacity with Port.ReadyForInput, reports each consumed input with
// Port.InputFrameProcessed, and emits results with
// Port.OutputFrameAvailable. Buffer ownership moves with the frame: the
// producer gets a buffer back only through ReleaseOutputFrame.
//
// All stage methods run on the pipeline's processing goroutine.
package stage

import (
	"errors"
	"reflect"

	"github.com/gogpu/framepipe/frame"
	"github.com/gogpu/framepipe/internal/gpu"
)

// Protocol errors.
var (
	// ErrNoCredit is returned when a frame is fed to a consumer that has
	// not announced capacity for it.
	ErrNoCredit = errors.New("stage: consumer has no input credit")

	// ErrNoDownstream is returned when a stage without a downstream link
	// emits a frame.
	ErrNoDownstream = errors.New("stage: no downstream link")

	// ErrLinkBusy is returned when a link with undelivered frames is removed.
	ErrLinkBusy = errors.New("stage: link still has pending frames")
)

// Kind tags the role of a stage. It is used for diagnostics only;
// all dispatch goes through the Stage interface.
type Kind uint8

const (
	// KindSampler converts source buffers into pipeline frames.
	KindSampler Kind = iota
	// KindEffect applies a GPU program to each frame.
	KindEffect
	// KindOffload hands frames to an asynchronous external processor.
	KindOffload
	// KindTerminal renders frames to the output.
	KindTerminal
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindSampler:
		return "sampler"
	case KindEffect:
		return "effect"
	case KindOffload:
		return "offload"
	case KindTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Stage is one unit of GPU frame transformation.
type Stage interface {
	// Kind returns the stage role.
	Kind() Kind

	// Bind connects the stage to its neighbours. Bind is called again
	// whenever the upstream link is replaced; the stage must announce its
	// current spare input capacity through p on every call.
	Bind(p Port)

	// QueueInputFrame hands ownership of f to the stage. It is called only
	// after the stage announced capacity for it.
	QueueInputFrame(f frame.Frame)

	// ReleaseOutputFrame returns ownership of a previously emitted frame.
	ReleaseOutputFrame(f frame.Frame)

	// SignalEndOfCurrentInputStream marks the end of the current input
	// stream. The stage forwards end of stream once all input is emitted.
	SignalEndOfCurrentInputStream()

	// Flush drops staged frames without emitting them, resets counters,
	// calls Port.Flushed and re-announces full input capacity.
	Flush()

	// Release frees all resources. The stage is unusable afterwards.
	Release() error
}

// Port is the stage's view of its neighbours. A port addresses them by
// position in the chain, never by reference.
type Port interface {
	// ReadyForInput announces one unit of spare input capacity.
	ReadyForInput()

	// InputFrameProcessed reports that the stage is done with an input
	// frame, returning its buffer upstream. Called once per input frame.
	InputFrameProcessed(f frame.Frame)

	// Flushed tells upstream that this stage flushed, so upstream flushes too.
	Flushed()

	// OutputFrameAvailable emits a frame downstream.
	OutputFrameAvailable(f frame.Frame)

	// OutputStreamEnded forwards end of stream downstream.
	OutputStreamEnded()

	// Error reports a stage failure to the pipeline's error channel.
	Error(err error)
}

// Effect builds the stage of one pipeline effect. Effects are compared
// with == to decide whether a new input stream needs a new chain, so
// implementations should be comparable values.
type Effect interface {
	NewStage(ctx *gpu.Context, hdr bool) (Stage, error)
}

// SameEffects reports whether two effect lists are equal element by
// element. Non-comparable effects are equal only to themselves by identity
// of their dynamic value, so such lists always compare unequal.
func SameEffects(a, b []Effect) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !sameEffect(a[i], b[i]) {
			return false
		}
	}
	return true
}

func sameEffect(a, b Effect) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	// Comparable types can still hold non-comparable interface fields.
	defer func() { _ = recover() }()
	return a == b
}
