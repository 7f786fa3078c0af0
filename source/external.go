package source

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gogpu/framepipe/frame"
	"github.com/gogpu/framepipe/geom"
	"github.com/gogpu/framepipe/internal/gpu"
	"github.com/gogpu/framepipe/stage"
)

// Forced end-of-stream delays.
const (
	DefaultForcedEOSDelay         = 500 * time.Millisecond
	DefaultSoftwareForcedEOSDelay = 2500 * time.Millisecond
)

// DefaultDrainTimeout bounds ReleaseAllRegisteredFrames.
const DefaultDrainTimeout = 500 * time.Millisecond

// ExternalSource is a push-style texture source, such as a decoder
// output surface. It signals each arrival through External.OnFrameAvailable.
type ExternalSource interface {
	// SetDefaultBufferSize sets the size of the buffers the source allocates.
	SetDefaultBufferSize(width, height int)

	// Latch claims the oldest arrived buffer. The texture stays valid until
	// the next Latch.
	Latch() (Latched, error)
}

// Latched is a buffer claimed from an ExternalSource.
type Latched struct {
	Texture *gpu.Texture

	// Transform maps output texture coordinates to buffer coordinates.
	Transform geom.Matrix

	TimestampNs int64
}

// ExternalConfig configures an External input.
type ExternalConfig struct {
	// ForcedEOSDelay is how long an ended stream waits for missing frames
	// before ending anyway. Zero selects DefaultForcedEOSDelay, or
	// DefaultSoftwareForcedEOSDelay on a software adapter.
	ForcedEOSDelay time.Duration

	// DisableCorrection turns off CorrectTransform.
	DisableCorrection bool

	// OnError receives source failures.
	OnError func(err error)

	// OnForcedEndOfStream is called each time the forced end of stream fires.
	OnForcedEndOfStream func()

	Logger *slog.Logger
}

// External is the source adapter for an ExternalSource.
//
// Registrations and arrivals are counted separately and matched in
// order: the oldest arrived buffer takes the oldest registered metadata.
// At most one frame is downstream at a time.
type External struct {
	src      ExternalSource
	exec     Executor
	sampler  SamplingTarget
	config   ExternalConfig
	logger   *slog.Logger
	eosDelay time.Duration

	link *stage.Link

	availableCount int
	pending        []FrameInfo
	current        *frame.Frame

	ended          bool
	autoReregister bool
	lastInfo       *FrameInfo

	// dropOnArrival counts registered frames whose buffers arrive after a
	// forced end of stream or a flush.
	dropOnArrival int
	released      bool

	timer    *time.Timer
	timerGen uint64

	drainMu  sync.Mutex
	drainErr error
}

var _ Input = (*External)(nil)

// NewExternal creates the adapter. exec runs tasks on the processing
// goroutine; sampler receives each frame's sampling transform.
func NewExternal(ctx *gpu.Context, src ExternalSource, exec Executor, sampler SamplingTarget, config ExternalConfig) *External {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	delay := config.ForcedEOSDelay
	if delay <= 0 {
		delay = DefaultForcedEOSDelay
		if ctx != nil && ctx.IsSoftware() {
			delay = DefaultSoftwareForcedEOSDelay
		}
	}
	return &External{
		src:      src,
		exec:     exec,
		sampler:  sampler,
		config:   config,
		logger:   logger.With("input", InputSurface.String()),
		eosDelay: delay,
	}
}

// Attach implements Input.
func (e *External) Attach(l *stage.Link) { e.link = l }

// ForcedEOSDelay returns the forced end-of-stream delay in use.
func (e *External) ForcedEOSDelay() time.Duration { return e.eosDelay }

// SetDefaultBufferSize forwards the size to the source.
func (e *External) SetDefaultBufferSize(width, height int) {
	e.src.SetDefaultBufferSize(width, height)
}

// SetAutoReregistration makes every arrival reuse the last registered
// metadata, for callers that register once per stream.
func (e *External) SetAutoReregistration(enabled bool) { e.autoReregister = enabled }

// RegisterFrame records the metadata of one expected frame. With
// automatic reregistration it only replaces the metadata arrivals reuse.
// A buffer that arrived before its registration is dispatched here.
func (e *External) RegisterFrame(info FrameInfo) {
	e.lastInfo = &info
	switch {
	case !e.autoReregister:
		e.pending = append(e.pending, info)
	default:
		// Buffers that arrived before any metadata take this one.
		for len(e.pending) < e.availableCount {
			e.pending = append(e.pending, info)
		}
	}
	e.maybeDispatch()
}

// OnFrameAvailable signals that the source has a new buffer. It may be
// called from any goroutine.
func (e *External) OnFrameAvailable() {
	if err := e.exec.Submit(func() error {
		e.frameArrived()
		return nil
	}); err != nil {
		e.logger.Debug("source: arrival after release", "err", err)
	}
}

// PendingFrameCount returns the registered frames not yet dispatched.
func (e *External) PendingFrameCount() int { return len(e.pending) }

// AvailableCount returns the arrived buffers not yet dispatched.
func (e *External) AvailableCount() int { return e.availableCount }

// SignalEndOfCurrentInputStream ends the stream at once when nothing is
// outstanding. Otherwise it waits for the outstanding frames, forcing the
// end after the forced end-of-stream delay without further arrivals.
func (e *External) SignalEndOfCurrentInputStream() {
	if len(e.pending) == 0 && e.current == nil {
		e.drainStale()
		e.endStream()
		return
	}
	e.ended = true
	e.restartTimer()
}

// ConsumerReady implements stage.CreditListener.
func (e *External) ConsumerReady() { e.maybeDispatch() }

// ReleaseOutputFrame implements stage.Producer. The sampler is done with
// the current frame.
func (e *External) ReleaseOutputFrame(frame.Frame) {
	e.current = nil
	if e.ended && len(e.pending) == 0 {
		e.drainStale()
		e.endStream()
		return
	}
	e.maybeDispatch()
}

// Flush implements stage.Producer. Arrived buffers are drained; frames
// registered but not yet arrived are dropped when they do arrive.
func (e *External) Flush() {
	e.dropOnArrival += max(0, len(e.pending)-e.availableCount)
	e.drainStale()
	e.pending = nil
	e.current = nil
	e.ended = false
	e.stopTimer()
}

// ReleaseAllRegisteredFrames drains every arrived buffer on the
// processing goroutine and waits up to timeout for it. On timeout it logs
// and returns; a drain failure is stored and returned by a later call.
// It must not be called from the processing goroutine.
func (e *External) ReleaseAllRegisteredFrames(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultDrainTimeout
	}
	done := make(chan struct{})
	if err := e.exec.Submit(func() error {
		defer close(done)
		e.dropOnArrival += max(0, len(e.pending)-e.availableCount)
		e.pending = nil
		if err := e.drainAvailable(); err != nil {
			e.storeDrainErr(err)
		}
		return nil
	}); err != nil {
		return err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return e.takeDrainErr()
	case <-timer.C:
		e.logger.Warn("source: timed out releasing registered frames", "timeout", timeout)
		return e.takeDrainErr()
	}
}

// Release stops the forced end-of-stream timer and rejects further arrivals.
func (e *External) Release() error {
	e.released = true
	e.stopTimer()
	e.pending = nil
	e.current = nil
	return nil
}

func (e *External) frameArrived() {
	if e.dropOnArrival > 0 {
		e.dropOnArrival--
		e.discard()
		return
	}
	if e.released {
		e.discard()
		return
	}
	if e.autoReregister && e.lastInfo != nil {
		e.pending = append(e.pending, *e.lastInfo)
	}
	e.availableCount++
	if e.ended {
		e.restartTimer()
	}
	e.maybeDispatch()
}

func (e *External) maybeDispatch() {
	if e.link == nil || !e.link.IsActive() || e.link.Credit() == 0 {
		return
	}
	if e.availableCount == 0 || e.current != nil || len(e.pending) == 0 {
		return
	}
	e.availableCount--
	latched, err := e.src.Latch()
	if err != nil {
		e.report(fmt.Errorf("source: latch frame: %w", err))
		return
	}
	info := e.pending[0]
	e.pending = e.pending[1:]

	visible := info.Format.Size
	transform := latched.Transform
	if !e.config.DisableCorrection {
		transform = CorrectTransform(transform, visible)
	}
	e.sampler.SetSamplingTransform(transform)

	f := frame.Frame{
		Texture:            latched.Texture,
		Width:              visible.Width,
		Height:             visible.Height,
		PresentationTimeUs: latched.TimestampNs/1000 + info.OffsetToAddUs,
	}
	e.current = &f
	if err := e.link.Feed(f); err != nil {
		e.current = nil
		e.report(err)
		return
	}
	if e.ended {
		e.restartTimer()
	}
}

// drainAvailable claims and discards every arrived buffer.
func (e *External) drainAvailable() error {
	var errs []error
	for e.availableCount > 0 {
		e.availableCount--
		if _, err := e.src.Latch(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("source: drain: %w", err)
	}
	return nil
}

// drainStale drains arrived buffers no registration will claim.
func (e *External) drainStale() {
	if err := e.drainAvailable(); err != nil {
		e.report(err)
	}
}

func (e *External) discard() {
	if _, err := e.src.Latch(); err != nil {
		e.report(fmt.Errorf("source: discard frame: %w", err))
	}
}

func (e *External) endStream() {
	e.ended = false
	e.stopTimer()
	if e.link != nil {
		e.link.ProducerEnded()
	}
}

func (e *External) forceEndOfStream() {
	e.logger.Warn("source: forcing end of stream",
		"pending", len(e.pending), "available", e.availableCount, "in_flight", e.current != nil)
	if e.config.OnForcedEndOfStream != nil {
		e.config.OnForcedEndOfStream()
	}
	e.dropOnArrival += max(0, len(e.pending)-e.availableCount)
	e.drainStale()
	e.pending = nil
	e.current = nil
	e.endStream()
}

func (e *External) restartTimer() {
	e.stopTimer()
	gen := e.timerGen
	e.timer = time.AfterFunc(e.eosDelay, func() {
		_ = e.exec.Submit(func() error {
			// A timer stopped after it fired still delivers; the
			// generation check discards it.
			if gen == e.timerGen && e.ended {
				e.forceEndOfStream()
			}
			return nil
		})
	})
}

func (e *External) stopTimer() {
	e.timerGen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (e *External) report(err error) {
	if e.config.OnError != nil {
		e.config.OnError(err)
		return
	}
	e.logger.Error("source: error", "err", err)
}

func (e *External) storeDrainErr(err error) {
	e.drainMu.Lock()
	e.drainErr = errors.Join(e.drainErr, err)
	e.drainMu.Unlock()
}

func (e *External) takeDrainErr() error {
	e.drainMu.Lock()
	defer e.drainMu.Unlock()
	err := e.drainErr
	e.drainErr = nil
	return err
}
