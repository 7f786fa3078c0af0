package framepipe

import (
	"github.com/kelindar/event"

	"github.com/gogpu/framepipe/source"
	"github.com/gogpu/framepipe/timing"
)

// Event type constants for kelindar/event.
const (
	TypeError uint32 = iota + 1
	TypeOutputFrameRendered
	TypeFrameDropped
	TypeInputStreamEnded
	TypeEnded
)

// Event is implemented by every pipeline event.
type Event interface {
	Type() uint32
}

// ErrorEvent carries a failure reported by a stage or input.
type ErrorEvent struct {
	PipelineID string
	Err        *FrameProcessingError
}

// Type returns the event type identifier for ErrorEvent.
func (e ErrorEvent) Type() uint32 { return TypeError }

// OutputFrameRenderedEvent is published for every frame released to the output.
type OutputFrameRenderedEvent struct {
	PipelineID         string
	PresentationTimeUs int64
	ReleaseTimeNs      int64
	Action             timing.Action
}

// Type returns the event type identifier for OutputFrameRenderedEvent.
func (e OutputFrameRenderedEvent) Type() uint32 { return TypeOutputFrameRendered }

// FrameDroppedEvent is published for every frame released without rendering.
type FrameDroppedEvent struct {
	PipelineID         string
	PresentationTimeUs int64
	Action             timing.Action
}

// Type returns the event type identifier for FrameDroppedEvent.
func (e FrameDroppedEvent) Type() uint32 { return TypeFrameDropped }

// InputStreamEndedEvent is published when every frame of a registered
// input stream has left the pipeline.
type InputStreamEndedEvent struct {
	PipelineID string
	InputType  source.InputType
	Forced     bool
}

// Type returns the event type identifier for InputStreamEndedEvent.
func (e InputStreamEndedEvent) Type() uint32 { return TypeInputStreamEnded }

// EndedEvent is published once after SignalEndOfInput, when the last
// stream has ended.
type EndedEvent struct {
	PipelineID string
}

// Type returns the event type identifier for EndedEvent.
func (e EndedEvent) Type() uint32 { return TypeEnded }

// Subscribe registers handler for events of type T published by p and
// returns a function that removes it. Handlers run on a goroutine owned
// by the subscription, in publication order, never on the processing
// goroutine.
//
// Usage: unsub := framepipe.Subscribe(p, func(e framepipe.ErrorEvent) { ... })
func Subscribe[T Event](p *Pipeline, handler func(T)) func() {
	return event.Subscribe(p.events, handler)
}

// OnError subscribes to ErrorEvent.
func (p *Pipeline) OnError(handler func(ErrorEvent)) func() {
	return Subscribe(p, handler)
}

// OnOutputFrameRendered subscribes to OutputFrameRenderedEvent.
func (p *Pipeline) OnOutputFrameRendered(handler func(OutputFrameRenderedEvent)) func() {
	return Subscribe(p, handler)
}

// OnFrameDropped subscribes to FrameDroppedEvent.
func (p *Pipeline) OnFrameDropped(handler func(FrameDroppedEvent)) func() {
	return Subscribe(p, handler)
}

// OnInputStreamEnded subscribes to InputStreamEndedEvent.
func (p *Pipeline) OnInputStreamEnded(handler func(InputStreamEndedEvent)) func() {
	return Subscribe(p, handler)
}

// OnEnded subscribes to EndedEvent.
func (p *Pipeline) OnEnded(handler func(EndedEvent)) func() {
	return Subscribe(p, handler)
}

// publish delivers e unless the pipeline is released.
func publish[T Event](p *Pipeline, e T) {
	if p.released.Load() {
		return
	}
	event.Publish(p.events, e)
}
