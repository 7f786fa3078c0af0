package timing

import "math"

// minMatchingFrames is how many consecutive frame durations must agree
// before the estimate is trusted.
const minMatchingFrames = 15

// maxMatchingDeviationUs is the tolerance for two durations to agree.
const maxMatchingDeviationUs = 1000

// FrameRateEstimator derives the frame rate from presentation timestamps.
// The estimate only feeds telemetry; release decisions never use it.
type FrameRateEstimator struct {
	lastPtsUs   int64
	havePts     bool
	frameUs     int64
	matching    int
	sumUs       int64
	framesTotal int
	hint        float64
}

// SetHint records a declared frame rate used until enough frames are seen.
func (e *FrameRateEstimator) SetHint(fps float64) { e.hint = fps }

// Reset forgets all observed frames. The hint is kept.
func (e *FrameRateEstimator) Reset() {
	hint := e.hint
	*e = FrameRateEstimator{hint: hint}
}

// OnNextFrame records the presentation time of a released frame.
func (e *FrameRateEstimator) OnNextFrame(ptsUs int64) {
	e.framesTotal++
	if !e.havePts {
		e.lastPtsUs, e.havePts = ptsUs, true
		return
	}
	d := ptsUs - e.lastPtsUs
	e.lastPtsUs = ptsUs
	if d <= 0 {
		return
	}
	if e.matching > 0 && abs64(d-e.frameUs) <= maxMatchingDeviationUs {
		e.matching++
		e.sumUs += d
		e.frameUs = e.sumUs / int64(e.matching)
		return
	}
	e.matching = 1
	e.sumUs = d
	e.frameUs = d
}

// IsSynced reports whether the estimate comes from observed frames.
func (e *FrameRateEstimator) IsSynced() bool {
	return e.matching >= minMatchingFrames
}

// FrameRate returns the estimated frames per second, the hint when not
// yet synced, or 0 when neither is known.
func (e *FrameRateEstimator) FrameRate() float64 {
	if e.IsSynced() && e.frameUs > 0 {
		return math.Round(1e6/float64(e.frameUs)*1000) / 1000
	}
	return e.hint
}

// FramesSeen returns the number of frames recorded since the last reset.
func (e *FrameRateEstimator) FramesSeen() int { return e.framesTotal }

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
