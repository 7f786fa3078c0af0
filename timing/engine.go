package timing

import (
	"errors"
	"fmt"
	"sync"
)

// ErrInvalidSpeed is returned for a non-positive playback speed.
var ErrInvalidSpeed = errors.New("timing: playback speed must be positive")

// Stats is a snapshot of release telemetry.
type Stats struct {
	Released    uint64
	Dropped     uint64
	Skipped     uint64
	Retried     uint64
	LastEarlyUs int64
	FrameRate   float64
}

// Engine holds the scheduling state of one output and turns frame
// timestamps into release decisions. Engine is safe for concurrent use;
// the pipeline calls it from its processing goroutine and the caller may
// change speed or join from any goroutine.
type Engine struct {
	mu         sync.Mutex
	clock      Clock
	thresholds Thresholds
	state      State

	positionUs        int64
	elapsedRealtimeUs int64
	streamStartUs     int64

	estimator FrameRateEstimator
	stats     Stats
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithClock sets the clock. The default is a SystemClock.
func WithClock(c Clock) EngineOption {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithThresholds sets the scheduling thresholds.
func WithThresholds(t Thresholds) EngineOption {
	return func(e *Engine) {
		e.thresholds = t
	}
}

// NewEngine creates an engine at speed 1.0, stopped, with no frame rendered.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		thresholds: DefaultThresholds(),
		state:      State{Speed: 1},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.clock == nil {
		e.clock = NewSystemClock()
	}
	return e
}

// Clock returns the engine's clock.
func (e *Engine) Clock() Clock { return e.clock }

// OnStarted marks playback as running and anchors the playback position
// to the current clock time.
func (e *Engine) OnStarted() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Started = true
	e.elapsedRealtimeUs = e.clock.NowNs() / 1000
}

// OnStopped marks playback as paused. Only a forced first frame is
// released while stopped.
func (e *Engine) OnStopped() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Started = false
}

// Join forces the next frame to be released immediately, as after a seek
// or stream switch.
func (e *Engine) Join() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Joining = true
}

// SetPlaybackSpeed rescales presentation deltas to wall-clock deltas.
// The position is re-anchored so already elapsed time keeps its old speed.
func (e *Engine) SetPlaybackSpeed(speed float64) error {
	if speed <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidSpeed, speed)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reanchor()
	e.state.Speed = speed
	return nil
}

// SetFrameRate records the declared frame rate. It only affects telemetry.
func (e *Engine) SetFrameRate(fps float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.estimator.SetHint(fps)
}

// SetPosition sets the playback position, sampled now.
func (e *Engine) SetPosition(positionUs int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.positionUs = positionUs
	e.elapsedRealtimeUs = e.clock.NowNs() / 1000
}

// SetStreamStart sets the first presentation time of the current stream.
func (e *Engine) SetStreamStart(startUs int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.streamStartUs = startUs
}

// PositionUs returns the current playback position derived from the
// anchored position, elapsed clock time and speed.
func (e *Engine) PositionUs() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentPositionUs()
}

// State returns a copy of the scheduling state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// FrameReleaseAction decides what to do with the frame at ptsUs.
func (e *Engine) FrameReleaseAction(ptsUs int64, isDecodeOnly, isLastFrame bool) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()
	d := Decide(Input{
		PresentationTimeUs:    ptsUs,
		PositionUs:            e.positionUs,
		ElapsedRealtimeUs:     e.elapsedRealtimeUs,
		NowNs:                 e.clock.NowNs(),
		StreamStartPositionUs: e.streamStartUs,
		IsDecodeOnly:          isDecodeOnly,
		IsLastFrame:           isLastFrame,
	}, e.state, e.thresholds)

	e.stats.LastEarlyUs = d.EarlyUs
	switch d.Action {
	case Drop:
		e.stats.Dropped++
	case Skip:
		e.stats.Skipped++
	case TryAgainLater:
		e.stats.Retried++
	}
	return d
}

// OnFrameReleased records that the frame at ptsUs reached the output.
// It ends any join.
func (e *Engine) OnFrameReleased(ptsUs int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.FirstFrameRendered = true
	e.state.Joining = false
	e.stats.Released++
	e.estimator.OnNextFrame(ptsUs)
}

// Reset returns the engine to the no-frame-rendered state, as after a flush.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.FirstFrameRendered = false
	e.estimator.Reset()
}

// Stats returns release telemetry.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	s.FrameRate = e.estimator.FrameRate()
	return s
}

func (e *Engine) currentPositionUs() int64 {
	if !e.state.Started {
		return e.positionUs
	}
	elapsed := e.clock.NowNs()/1000 - e.elapsedRealtimeUs
	return e.positionUs + int64(float64(elapsed)*e.state.Speed)
}

func (e *Engine) reanchor() {
	e.positionUs = e.currentPositionUs()
	e.elapsedRealtimeUs = e.clock.NowNs() / 1000
}
