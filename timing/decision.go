// Package timing decides when a rendered frame should be released to the
// output.
//
// Decide is a pure function of a frame's timestamps, the playback clock
// and the scheduling state. Engine holds that state for one output,
// together with a clock and release telemetry.
package timing

import "fmt"

// Action is the verdict for one frame.
type Action uint8

const (
	// ReleaseNow renders the frame immediately.
	ReleaseNow Action = iota
	// ReleaseScheduled renders the frame at Decision.ReleaseTimeNs.
	ReleaseScheduled
	// Drop discards the frame without rendering; it is too late to show.
	Drop
	// Skip discards the frame without rendering; it was never meant to be shown
	// or is moderately late.
	Skip
	// TryAgainLater asks the caller to decide again on the next tick.
	TryAgainLater
)

// String returns the action name.
func (a Action) String() string {
	switch a {
	case ReleaseNow:
		return "release_now"
	case ReleaseScheduled:
		return "release_scheduled"
	case Drop:
		return "drop"
	case Skip:
		return "skip"
	case TryAgainLater:
		return "try_again_later"
	default:
		return fmt.Sprintf("action(%d)", uint8(a))
	}
}

// Renders reports whether the action releases the frame to the output.
func (a Action) Renders() bool {
	return a == ReleaseNow || a == ReleaseScheduled
}

// Decision is the result of Decide. It is computed per frame and never stored.
type Decision struct {
	Action Action

	// ReleaseTimeNs is the clock time at which to release the frame.
	// Set for ReleaseNow and ReleaseScheduled.
	ReleaseTimeNs int64

	// EarlyUs is how early the frame is relative to the playback clock,
	// negative when late. Diagnostic only.
	EarlyUs int64
}

// Input describes one frame and the playback clock at decision time.
type Input struct {
	PresentationTimeUs int64

	// PositionUs is the playback position sampled at ElapsedRealtimeUs.
	PositionUs        int64
	ElapsedRealtimeUs int64

	// NowNs is the current clock time.
	NowNs int64

	// StreamStartPositionUs is the first presentation time of the stream.
	// Frames before it are skipped.
	StreamStartPositionUs int64

	IsDecodeOnly bool
	IsLastFrame  bool
}

// State is the mutable scheduling state the decision depends on.
type State struct {
	Started            bool
	Speed              float64
	Joining            bool
	FirstFrameRendered bool
}

// Thresholds bound the scheduling window, in microseconds relative to
// the frame's due time.
type Thresholds struct {
	// MaxEarlyUs: frames due further ahead are retried later.
	MaxEarlyUs int64
	// LateUs: frames later than this are skipped.
	LateUs int64
	// VeryLateUs: frames later than this are dropped.
	VeryLateUs int64
}

// DefaultThresholds returns the thresholds used when none are configured.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxEarlyUs: 100_000,
		LateUs:     -30_000,
		VeryLateUs: -500_000,
	}
}

// Validate checks that the thresholds are ordered.
func (t Thresholds) Validate() error {
	if t.MaxEarlyUs <= 0 || t.LateUs > 0 || t.VeryLateUs > t.LateUs {
		return fmt.Errorf("timing: invalid thresholds early=%d late=%d very_late=%d",
			t.MaxEarlyUs, t.LateUs, t.VeryLateUs)
	}
	return nil
}

// EarlyUs returns how far ahead of the playback clock a frame is due.
// Presentation deltas are scaled by speed; wall time since the position
// was sampled is subtracted.
func EarlyUs(in Input, speed float64) int64 {
	if speed <= 0 {
		speed = 1
	}
	nowUs := in.NowNs / 1000
	return int64(float64(in.PresentationTimeUs-in.PositionUs)/speed) - (nowUs - in.ElapsedRealtimeUs)
}

// Decide returns the release decision for one frame. Checks run in
// priority order: decode-only skip, forced release after a join or
// before the first frame, paused, too early, very late, late, scheduled.
// The last frame of a stream is never dropped or skipped for lateness.
func Decide(in Input, st State, th Thresholds) Decision {
	early := EarlyUs(in, st.Speed)

	if in.IsDecodeOnly || in.PresentationTimeUs < in.StreamStartPositionUs {
		return Decision{Action: Skip, EarlyUs: early}
	}
	if st.Joining || !st.FirstFrameRendered {
		return Decision{Action: ReleaseNow, ReleaseTimeNs: in.NowNs, EarlyUs: early}
	}
	if !st.Started || early > th.MaxEarlyUs {
		return Decision{Action: TryAgainLater, EarlyUs: early}
	}
	if !in.IsLastFrame {
		if early < th.VeryLateUs {
			return Decision{Action: Drop, EarlyUs: early}
		}
		if early < th.LateUs {
			return Decision{Action: Skip, EarlyUs: early}
		}
	}
	return Decision{
		Action:        ReleaseScheduled,
		ReleaseTimeNs: in.NowNs + early*1000,
		EarlyUs:       early,
	}
}
