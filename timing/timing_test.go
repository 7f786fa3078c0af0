package timing

import (
	"errors"
	"testing"
	"time"
)

// ===== Decide =====

func running() State {
	return State{Started: true, Speed: 1, FirstFrameRendered: true}
}

func TestDecide(t *testing.T) {
	th := DefaultThresholds()
	const now = int64(10 * time.Second)
	nowUs := now / 1000

	tests := []struct {
		name  string
		in    Input
		st    State
		want  Action
		early int64
	}{
		{"on time", Input{PresentationTimeUs: 0, ElapsedRealtimeUs: nowUs, NowNs: now}, running(), ReleaseScheduled, 0},
		{"slightly early", Input{PresentationTimeUs: 20_000, ElapsedRealtimeUs: nowUs, NowNs: now}, running(), ReleaseScheduled, 20_000},
		{"too early", Input{PresentationTimeUs: 200_000, ElapsedRealtimeUs: nowUs, NowNs: now}, running(), TryAgainLater, 200_000},
		{"late", Input{PresentationTimeUs: 0, PositionUs: 50_000, ElapsedRealtimeUs: nowUs, NowNs: now}, running(), Skip, -50_000},
		{"very late", Input{PresentationTimeUs: 0, PositionUs: 600_000, ElapsedRealtimeUs: nowUs, NowNs: now}, running(), Drop, -600_000},
		{"very late last frame", Input{PresentationTimeUs: 0, PositionUs: 600_000, ElapsedRealtimeUs: nowUs, NowNs: now, IsLastFrame: true}, running(), ReleaseScheduled, -600_000},
		{"decode only", Input{PresentationTimeUs: 0, ElapsedRealtimeUs: nowUs, NowNs: now, IsDecodeOnly: true}, running(), Skip, 0},
		{"before stream start", Input{PresentationTimeUs: 5, StreamStartPositionUs: 10, ElapsedRealtimeUs: nowUs, NowNs: now}, running(), Skip, 5},
		{"joining overrides lateness", Input{PresentationTimeUs: 0, PositionUs: 600_000, ElapsedRealtimeUs: nowUs, NowNs: now}, State{Started: true, Speed: 1, Joining: true, FirstFrameRendered: true}, ReleaseNow, -600_000},
		{"first frame overrides early", Input{PresentationTimeUs: 900_000, ElapsedRealtimeUs: nowUs, NowNs: now}, State{Started: true, Speed: 1}, ReleaseNow, 900_000},
		{"paused", Input{PresentationTimeUs: 0, ElapsedRealtimeUs: nowUs, NowNs: now}, State{Speed: 1, FirstFrameRendered: true}, TryAgainLater, 0},
		{"double speed halves early", Input{PresentationTimeUs: 160_000, ElapsedRealtimeUs: nowUs, NowNs: now}, State{Started: true, Speed: 2, FirstFrameRendered: true}, ReleaseScheduled, 80_000},
		{"wall time elapsed", Input{PresentationTimeUs: 50_000, ElapsedRealtimeUs: nowUs - 40_000, NowNs: now}, running(), ReleaseScheduled, 10_000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(tt.in, tt.st, th)
			if d.Action != tt.want {
				t.Errorf("Action = %v, want %v", d.Action, tt.want)
			}
			if d.EarlyUs != tt.early {
				t.Errorf("EarlyUs = %d, want %d", d.EarlyUs, tt.early)
			}
			if d.Action == ReleaseScheduled && d.ReleaseTimeNs != now+tt.early*1000 {
				t.Errorf("ReleaseTimeNs = %d, want %d", d.ReleaseTimeNs, now+tt.early*1000)
			}
		})
	}
}

func TestDecideDeterministic(t *testing.T) {
	in := Input{PresentationTimeUs: 33_000, PositionUs: 1_000, ElapsedRealtimeUs: 5_000, NowNs: 6_000_000}
	st := State{Started: true, Speed: 1.5, FirstFrameRendered: true}
	first := Decide(in, st, DefaultThresholds())
	for range 100 {
		if got := Decide(in, st, DefaultThresholds()); got != first {
			t.Fatalf("Decide = %+v, then %+v", first, got)
		}
	}
}

func TestThresholdsValidate(t *testing.T) {
	if err := DefaultThresholds().Validate(); err != nil {
		t.Errorf("default thresholds invalid: %v", err)
	}
	bad := Thresholds{MaxEarlyUs: 100, LateUs: -10, VeryLateUs: -5}
	if err := bad.Validate(); err == nil {
		t.Error("expected error for very-late above late")
	}
}

func TestActionString(t *testing.T) {
	if Drop.String() != "drop" || Action(42).String() != "action(42)" {
		t.Errorf("strings: %s %s", Drop, Action(42))
	}
	if !ReleaseScheduled.Renders() || Skip.Renders() {
		t.Error("Renders() mismatch")
	}
}

// ===== Engine =====

func TestEngineThreeFramesAtNormalSpeed(t *testing.T) {
	clock := &ManualClock{}
	clock.Set(int64(time.Second))
	e := NewEngine(WithClock(clock))
	e.SetPosition(0)
	e.OnStarted()

	start := clock.NowNs()
	pts := []int64{0, 33_000, 67_000}

	d := e.FrameReleaseAction(pts[0], false, false)
	if d.Action != ReleaseNow && !(d.Action == ReleaseScheduled && d.EarlyUs == 0) {
		t.Fatalf("frame 1 = %+v, want release now", d)
	}
	e.OnFrameReleased(pts[0])

	for _, p := range pts[1:] {
		d := e.FrameReleaseAction(p, false, false)
		if d.Action != ReleaseScheduled {
			t.Fatalf("frame at %d = %v, want scheduled", p, d.Action)
		}
		if want := start + p*1000; d.ReleaseTimeNs != want {
			t.Errorf("frame at %d released at %d, want %d", p, d.ReleaseTimeNs, want)
		}
	}
}

func TestEngineJoinForcesOnce(t *testing.T) {
	clock := &ManualClock{}
	e := NewEngine(WithClock(clock))
	e.OnStarted()
	e.OnFrameReleased(0)

	clock.Advance(time.Second)
	if d := e.FrameReleaseAction(0, false, false); d.Action != Drop {
		t.Fatalf("late frame = %v, want drop", d.Action)
	}
	e.Join()
	if d := e.FrameReleaseAction(0, false, false); d.Action != ReleaseNow {
		t.Fatalf("after join = %v, want release now", d.Action)
	}
	e.OnFrameReleased(0)
	if d := e.FrameReleaseAction(0, false, false); d.Action != Drop {
		t.Errorf("second frame after join = %v, want drop", d.Action)
	}
	if s := e.Stats(); s.Dropped != 2 || s.Released != 2 {
		t.Errorf("stats = %+v", s)
	}
}

func TestEngineSpeedChangeReanchors(t *testing.T) {
	clock := &ManualClock{}
	e := NewEngine(WithClock(clock))
	e.SetPosition(0)
	e.OnStarted()
	clock.Advance(100 * time.Millisecond)
	if got := e.PositionUs(); got != 100_000 {
		t.Fatalf("PositionUs = %d, want 100000", got)
	}
	if err := e.SetPlaybackSpeed(2); err != nil {
		t.Fatal(err)
	}
	clock.Advance(100 * time.Millisecond)
	if got := e.PositionUs(); got != 300_000 {
		t.Errorf("PositionUs at 2x = %d, want 300000", got)
	}
	if err := e.SetPlaybackSpeed(0); !errors.Is(err, ErrInvalidSpeed) {
		t.Errorf("SetPlaybackSpeed(0) error = %v", err)
	}
}

func TestEngineStoppedRetries(t *testing.T) {
	e := NewEngine(WithClock(&ManualClock{}))
	e.OnFrameReleased(0)
	if d := e.FrameReleaseAction(10_000, false, false); d.Action != TryAgainLater {
		t.Errorf("stopped engine = %v, want try again later", d.Action)
	}
	e.Reset()
	if d := e.FrameReleaseAction(10_000, false, false); d.Action != ReleaseNow {
		t.Errorf("after reset = %v, want release now for first frame", d.Action)
	}
}

// ===== FrameRateEstimator =====

func TestFrameRateEstimator(t *testing.T) {
	var est FrameRateEstimator
	est.SetHint(24)
	if est.FrameRate() != 24 {
		t.Errorf("hint FrameRate = %v", est.FrameRate())
	}
	for i := range 40 {
		est.OnNextFrame(int64(i) * 33_333)
	}
	if !est.IsSynced() {
		t.Fatal("estimator not synced after 40 regular frames")
	}
	if got := est.FrameRate(); got < 29.9 || got > 30.1 {
		t.Errorf("FrameRate = %v, want ~30", got)
	}
	est.Reset()
	if est.IsSynced() || est.FrameRate() != 24 || est.FramesSeen() != 0 {
		t.Error("Reset did not clear observations")
	}
}
