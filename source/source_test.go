package source

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gogpu/framepipe/frame"
	"github.com/gogpu/framepipe/geom"
	"github.com/gogpu/framepipe/internal/gpu"
	"github.com/gogpu/framepipe/internal/gpu/gputest"
	"github.com/gogpu/framepipe/internal/taskqueue"
	"github.com/gogpu/framepipe/stage"
)

// holdStage stands in for the sampler. It announces one unit of
// capacity and holds each frame until the test processes it.
type holdStage struct {
	port       stage.Port
	held       []frame.Frame
	received   []frame.Frame
	ended      int
	transforms []geom.Matrix
}

func (s *holdStage) Kind() stage.Kind { return stage.KindSampler }

func (s *holdStage) Bind(p stage.Port) {
	s.port = p
	s.port.ReadyForInput()
}

func (s *holdStage) QueueInputFrame(f frame.Frame) {
	s.held = append(s.held, f)
	s.received = append(s.received, f)
}

func (s *holdStage) ReleaseOutputFrame(frame.Frame) {}
func (s *holdStage) SignalEndOfCurrentInputStream() { s.ended++ }

func (s *holdStage) Flush() {
	s.held = nil
	s.port.Flushed()
	s.port.ReadyForInput()
}

func (s *holdStage) Release() error { return nil }

func (s *holdStage) SetSamplingTransform(m geom.Matrix) {
	s.transforms = append(s.transforms, m)
}

// process finishes the oldest held frame.
func (s *holdStage) process() {
	f := s.held[0]
	s.held = s.held[1:]
	s.port.InputFrameProcessed(f)
	s.port.ReadyForInput()
}

// fakeSource is an ExternalSource whose buffers carry increasing timestamps.
type fakeSource struct {
	ctx       *gpu.Context
	transform geom.Matrix
	latched   int
	failLatch bool
	w, h      int
}

func (s *fakeSource) SetDefaultBufferSize(w, h int) { s.w, s.h = w, h }

func (s *fakeSource) Latch() (Latched, error) {
	s.latched++
	if s.failLatch {
		return Latched{}, errors.New("latch failed")
	}
	tex, err := s.ctx.NewTexture(gpu.TextureConfig{Width: 8, Height: 8, Label: "external"})
	if err != nil {
		return Latched{}, err
	}
	return Latched{Texture: tex, Transform: s.transform, TimestampNs: int64(s.latched) * 1_000_000}, nil
}

type externalFixture struct {
	q      *taskqueue.Queue
	src    *fakeSource
	hold   *holdStage
	ext    *External
	forced atomic.Int64
}

func newExternalFixture(t *testing.T, delay time.Duration) *externalFixture {
	t.Helper()
	ctx := gputest.NewContext(t)
	fx := &externalFixture{
		q:    taskqueue.New(nil, func(err error) { t.Errorf("task error: %v", err) }),
		src:  &fakeSource{ctx: ctx, transform: geom.Identity()},
		hold: &holdStage{},
	}
	t.Cleanup(func() { _ = fx.q.Release(nil, time.Second) })
	fx.ext = NewExternal(ctx, fx.src, fx.q, fx.hold, ExternalConfig{
		ForcedEOSDelay:      delay,
		OnError:             func(err error) { t.Errorf("source error: %v", err) },
		OnForcedEndOfStream: func() { fx.forced.Add(1) },
	})
	fx.run(t, func() {
		chain := stage.NewChain(stage.ChainConfig{Strict: true})
		idx := chain.Add(fx.hold)
		sw := NewSwitcher(chain, idx)
		sw.Register(InputSurface, fx.ext)
		if err := sw.SwitchTo(InputSurface); err != nil {
			t.Errorf("SwitchTo: %v", err)
		}
	})
	return fx
}

// run executes fn on the processing goroutine and waits for it.
func (fx *externalFixture) run(t *testing.T, fn func()) {
	t.Helper()
	if err := fx.q.Invoke(context.Background(), func() error {
		fn()
		return nil
	}); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
}

func (fx *externalFixture) waitForced(t *testing.T, want int64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for fx.forced.Load() < want {
		if time.Now().After(deadline) {
			t.Fatalf("forced end of stream count = %d, want %d", fx.forced.Load(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func info(w, h int, offsetUs int64) FrameInfo {
	return FrameInfo{Format: frame.Format{Size: frame.Size{Width: w, Height: h}}, OffsetToAddUs: offsetUs}
}

// ===== External =====

func TestExternalForcedEndOfStream(t *testing.T) {
	const delay = 40 * time.Millisecond
	fx := newExternalFixture(t, delay)

	fx.run(t, func() { fx.ext.RegisterFrame(info(8, 8, 0)) })
	fx.ext.OnFrameAvailable()
	fx.ext.OnFrameAvailable()
	fx.run(t, func() {
		fx.ext.SignalEndOfCurrentInputStream()
		if len(fx.hold.received) != 1 || fx.ext.AvailableCount() != 1 {
			t.Errorf("received = %d, available = %d", len(fx.hold.received), fx.ext.AvailableCount())
		}
		if fx.hold.ended != 0 {
			t.Error("end of stream signalled with a frame in flight")
		}
	})

	fx.waitForced(t, 1)
	fx.run(t, func() {
		if fx.hold.ended != 1 {
			t.Errorf("ended = %d, want 1", fx.hold.ended)
		}
		if fx.ext.AvailableCount() != 0 || fx.ext.PendingFrameCount() != 0 {
			t.Errorf("stale state left: available=%d pending=%d", fx.ext.AvailableCount(), fx.ext.PendingFrameCount())
		}
		if fx.src.latched != 2 {
			t.Errorf("latched = %d, want the dispatched and the drained buffer", fx.src.latched)
		}
	})

	time.Sleep(3 * delay)
	fx.run(t, func() {
		if fx.forced.Load() != 1 || fx.hold.ended != 1 {
			t.Errorf("forced = %d, ended = %d after waiting, want one each", fx.forced.Load(), fx.hold.ended)
		}
		// The sampler finishing the frame afterwards is harmless.
		fx.hold.process()
	})
}

func TestExternalDropsLateArrivalAfterForcedEnd(t *testing.T) {
	fx := newExternalFixture(t, 20*time.Millisecond)
	fx.run(t, func() {
		fx.ext.RegisterFrame(info(8, 8, 0))
		fx.ext.RegisterFrame(info(8, 8, 0))
	})
	fx.ext.OnFrameAvailable()
	fx.run(t, func() {
		fx.hold.process()
		fx.ext.SignalEndOfCurrentInputStream()
	})
	fx.waitForced(t, 1)

	fx.ext.OnFrameAvailable()
	fx.run(t, func() {
		if len(fx.hold.received) != 1 {
			t.Errorf("received = %d, want the late buffer dropped", len(fx.hold.received))
		}
		if fx.src.latched != 2 || fx.ext.AvailableCount() != 0 {
			t.Errorf("latched = %d, available = %d", fx.src.latched, fx.ext.AvailableCount())
		}
	})
}

func TestExternalEndOfStreamWithoutPending(t *testing.T) {
	fx := newExternalFixture(t, 20*time.Millisecond)
	fx.run(t, func() { fx.ext.RegisterFrame(info(8, 8, 0)) })
	fx.ext.OnFrameAvailable()
	fx.run(t, func() {
		fx.hold.process()
		fx.ext.SignalEndOfCurrentInputStream()
		if fx.hold.ended != 1 {
			t.Errorf("ended = %d, want immediate end of stream", fx.hold.ended)
		}
	})
	time.Sleep(60 * time.Millisecond)
	if fx.forced.Load() != 0 {
		t.Errorf("forced = %d, want timer never armed", fx.forced.Load())
	}
}

func TestExternalEndsWhenLastFrameProcessed(t *testing.T) {
	fx := newExternalFixture(t, time.Minute)
	fx.run(t, func() { fx.ext.RegisterFrame(info(8, 8, 0)) })
	fx.ext.OnFrameAvailable()
	fx.run(t, func() {
		fx.ext.SignalEndOfCurrentInputStream()
		if fx.hold.ended != 0 {
			t.Error("ended before the frame was processed")
			return
		}
		fx.hold.process()
		if fx.hold.ended != 1 {
			t.Errorf("ended = %d after processing the last frame", fx.hold.ended)
		}
	})
}

func TestExternalOneFrameInFlight(t *testing.T) {
	fx := newExternalFixture(t, time.Minute)
	fx.run(t, func() {
		for range 3 {
			fx.ext.RegisterFrame(info(8, 8, 100))
		}
	})
	for range 3 {
		fx.ext.OnFrameAvailable()
	}
	fx.run(t, func() {
		if len(fx.hold.received) != 1 || fx.ext.AvailableCount() != 2 {
			t.Errorf("received = %d, available = %d", len(fx.hold.received), fx.ext.AvailableCount())
			return
		}
		fx.hold.process()
		fx.hold.process()
		fx.hold.process()
		want := []int64{1100, 2100, 3100}
		for i, f := range fx.hold.received {
			if f.PresentationTimeUs != want[i] {
				t.Errorf("frame %d timestamp = %d, want %d", i, f.PresentationTimeUs, want[i])
			}
		}
	})
}

func TestExternalArrivalBeforeRegistration(t *testing.T) {
	fx := newExternalFixture(t, time.Minute)
	fx.ext.OnFrameAvailable()
	fx.run(t, func() {
		if len(fx.hold.received) != 0 || fx.ext.AvailableCount() != 1 {
			t.Fatalf("received = %d, available = %d before registration", len(fx.hold.received), fx.ext.AvailableCount())
		}
		fx.ext.RegisterFrame(info(8, 8, 7))
		if len(fx.hold.received) != 1 {
			t.Fatalf("received = %d, want the waiting buffer dispatched", len(fx.hold.received))
		}
		if got := fx.hold.received[0].PresentationTimeUs; got != 1007 {
			t.Errorf("timestamp = %d, want 1007", got)
		}
	})
}

func TestExternalAutoReregistrationLateMetadata(t *testing.T) {
	fx := newExternalFixture(t, time.Minute)
	fx.run(t, func() { fx.ext.SetAutoReregistration(true) })
	fx.ext.OnFrameAvailable()
	fx.ext.OnFrameAvailable()
	fx.run(t, func() {
		fx.ext.RegisterFrame(info(6, 4, 0))
		if len(fx.hold.received) != 1 || fx.ext.PendingFrameCount() != 1 {
			t.Fatalf("received = %d, pending = %d", len(fx.hold.received), fx.ext.PendingFrameCount())
		}
		fx.hold.process()
		if len(fx.hold.received) != 2 {
			t.Errorf("received = %d, want both early buffers", len(fx.hold.received))
		}
	})
}

func TestExternalAutoReregistration(t *testing.T) {
	fx := newExternalFixture(t, time.Minute)
	fx.run(t, func() {
		fx.ext.SetAutoReregistration(true)
		fx.ext.RegisterFrame(info(6, 4, 0))
	})
	for range 3 {
		fx.ext.OnFrameAvailable()
		fx.run(t, fx.hold.process)
	}
	fx.run(t, func() {
		if len(fx.hold.received) != 3 {
			t.Errorf("received = %d, want every arrival dispatched", len(fx.hold.received))
			return
		}
		if fx.hold.received[2].Size() != (frame.Size{Width: 6, Height: 4}) {
			t.Errorf("size = %v, want the registered size", fx.hold.received[2].Size())
		}
		if fx.ext.PendingFrameCount() != 0 {
			t.Errorf("pending = %d", fx.ext.PendingFrameCount())
		}
	})
}

func TestExternalCorrectsTransform(t *testing.T) {
	fx := newExternalFixture(t, time.Minute)
	fx.src.transform = geom.Matrix{A: 1, E: 1078.0 / 1088, F: 1.0 / 1088}
	fx.run(t, func() { fx.ext.RegisterFrame(info(1920, 1080, 0)) })
	fx.ext.OnFrameAvailable()
	fx.run(t, func() {
		if len(fx.hold.transforms) != 1 {
			t.Errorf("transforms = %d", len(fx.hold.transforms))
			return
		}
		if got := fx.hold.transforms[0]; !near(got.E, 1080.0/1088) || !near(got.F, 0) {
			t.Errorf("transform = %+v, want corrected crop", got)
		}
	})
}

func TestExternalFlushDropsUnarrived(t *testing.T) {
	fx := newExternalFixture(t, time.Minute)
	fx.run(t, func() {
		for range 3 {
			fx.ext.RegisterFrame(info(8, 8, 0))
		}
	})
	fx.ext.OnFrameAvailable()
	fx.run(t, func() {
		fx.hold.Flush()
		if fx.ext.PendingFrameCount() != 0 {
			t.Errorf("pending = %d after flush", fx.ext.PendingFrameCount())
		}
	})
	fx.ext.OnFrameAvailable()
	fx.ext.OnFrameAvailable()
	fx.run(t, func() {
		fx.ext.RegisterFrame(info(8, 8, 0))
	})
	fx.ext.OnFrameAvailable()
	fx.run(t, func() {
		if len(fx.hold.received) != 2 {
			t.Errorf("received = %d, want the first frame and the new one", len(fx.hold.received))
		}
		if fx.src.latched != 4 {
			t.Errorf("latched = %d, want 4", fx.src.latched)
		}
	})
}

func TestExternalReleaseAllRegisteredFrames(t *testing.T) {
	fx := newExternalFixture(t, time.Minute)
	fx.ext.OnFrameAvailable()
	fx.ext.OnFrameAvailable()
	if err := fx.ext.ReleaseAllRegisteredFrames(time.Second); err != nil {
		t.Fatalf("ReleaseAllRegisteredFrames: %v", err)
	}
	fx.run(t, func() {
		if fx.ext.AvailableCount() != 0 || fx.src.latched != 2 {
			t.Errorf("available = %d, latched = %d", fx.ext.AvailableCount(), fx.src.latched)
		}
	})

	fx.ext.OnFrameAvailable()
	fx.run(t, func() { fx.src.failLatch = true })
	if err := fx.ext.ReleaseAllRegisteredFrames(time.Second); err == nil {
		t.Error("drain failure not surfaced")
	}
}

func TestExternalSoftwareDelay(t *testing.T) {
	ctx := gputest.NewContext(t, gpu.WithSoftwareAdapter(true))
	q := taskqueue.New(nil, nil)
	defer q.Release(nil, time.Second)
	ext := NewExternal(ctx, &fakeSource{ctx: ctx}, q, &holdStage{}, ExternalConfig{})
	if ext.ForcedEOSDelay() != DefaultSoftwareForcedEOSDelay {
		t.Errorf("delay = %v", ext.ForcedEOSDelay())
	}
}

// ===== Bitmap =====

func newSyncChain(t *testing.T, in Input, typ InputType) (*holdStage, *Switcher) {
	t.Helper()
	hold := &holdStage{}
	chain := stage.NewChain(stage.ChainConfig{Strict: true})
	idx := chain.Add(hold)
	sw := NewSwitcher(chain, idx)
	sw.Register(typ, in)
	if err := sw.SwitchTo(typ); err != nil {
		t.Fatal(err)
	}
	return hold, sw
}

func TestFrameTiming(t *testing.T) {
	ts, err := FrameTiming{StartUs: 1000, DurationUs: 100_000, FrameRate: 30}.Timestamps()
	if err != nil {
		t.Fatal(err)
	}
	if len(ts) != 3 || ts[0] != 1000 || ts[1] != 34333 || ts[2] != 67667 {
		t.Errorf("timestamps = %v", ts)
	}
	if _, err := (FrameTiming{DurationUs: 0, FrameRate: 30}).Timestamps(); !errors.Is(err, ErrInvalidTiming) {
		t.Errorf("zero duration err = %v", err)
	}
	if ts, _ := (FrameTiming{StartUs: 5}).Timestamps(); len(ts) != 1 || ts[0] != 5 {
		t.Errorf("single frame = %v", ts)
	}
}

func TestBitmapRepeatsAndEnds(t *testing.T) {
	ctx := gputest.NewContext(t)
	b := NewBitmap(ctx, samplingFunc(func(geom.Matrix) {}), BitmapConfig{})
	hold, _ := newSyncChain(t, b, InputBitmap)

	img := image.NewNRGBA(image.Rect(0, 0, 4, 2))
	img.Set(1, 1, color.NRGBA{R: 255, A: 255})
	if err := b.QueueBitmap(img, FrameTiming{DurationUs: 100_000, FrameRate: 30}); err != nil {
		t.Fatal(err)
	}
	b.SignalEndOfCurrentInputStream()
	if hold.ended != 0 {
		t.Fatal("ended with frames still queued")
	}
	if b.PendingFrameCount() != 2 {
		t.Errorf("pending = %d, want 2", b.PendingFrameCount())
	}
	tex := hold.received[0].Texture
	for range 3 {
		hold.process()
	}
	if len(hold.received) != 3 || hold.ended != 1 {
		t.Fatalf("received = %d, ended = %d", len(hold.received), hold.ended)
	}
	if hold.received[0].Size() != (frame.Size{Width: 4, Height: 2}) {
		t.Errorf("size = %v", hold.received[0].Size())
	}
	if !tex.IsReleased() {
		t.Error("bitmap texture not released after its last frame")
	}
	if err := b.QueueBitmap(img, FrameTiming{}); err != nil {
		t.Errorf("queue after end of stream: %v", err)
	}
}

func TestBitmapScalesToMaxSize(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 400, 100))
	got := toRGBA(img, frame.Size{Width: 100, Height: 100})
	if got.Bounds().Dx() != 100 || got.Bounds().Dy() != 25 {
		t.Errorf("scaled bounds = %v, want 100x25", got.Bounds())
	}
	if toRGBA(img, frame.Size{}) != img {
		t.Error("tightly packed RGBA image copied")
	}
}

func TestBitmapRejectsAfterRelease(t *testing.T) {
	ctx := gputest.NewContext(t)
	b := NewBitmap(ctx, samplingFunc(func(geom.Matrix) {}), BitmapConfig{})
	_ = b.Release()
	if err := b.QueueBitmap(image.NewRGBA(image.Rect(0, 0, 1, 1)), FrameTiming{}); !errors.Is(err, ErrReleased) {
		t.Errorf("err = %v", err)
	}
}

type samplingFunc func(geom.Matrix)

func (f samplingFunc) SetSamplingTransform(m geom.Matrix) { f(m) }

// ===== Texture =====

func TestTextureReturnsOwnership(t *testing.T) {
	ctx := gputest.NewContext(t)
	var returned []int64
	in := NewTexture(samplingFunc(func(geom.Matrix) {}), TextureConfig{
		OnRelease: func(_ *gpu.Texture, ts int64) { returned = append(returned, ts) },
	})
	hold, _ := newSyncChain(t, in, InputTexture)

	for i := range 3 {
		tex, err := ctx.NewTexture(gpu.TextureConfig{Width: 2, Height: 2})
		if err != nil {
			t.Fatal(err)
		}
		if err := in.QueueTexture(tex, int64(i)); err != nil {
			t.Fatal(err)
		}
	}
	hold.process()
	if len(returned) != 1 || returned[0] != 0 {
		t.Fatalf("returned = %v", returned)
	}
	hold.Flush()
	if len(returned) != 3 {
		t.Errorf("returned = %v after flush, want every texture back", returned)
	}
	if in.PendingFrameCount() != 0 {
		t.Errorf("pending = %d", in.PendingFrameCount())
	}
}

// ===== Switcher =====

func TestSwitcherMovesCredit(t *testing.T) {
	ctx := gputest.NewContext(t)
	hold := &holdStage{}
	chain := stage.NewChain(stage.ChainConfig{Strict: true})
	idx := chain.Add(hold)
	sw := NewSwitcher(chain, idx)
	bitmaps := NewBitmap(ctx, hold, BitmapConfig{})
	textures := NewTexture(hold, TextureConfig{})
	sw.Register(InputBitmap, bitmaps)
	sw.Register(InputTexture, textures)

	if err := sw.SwitchTo(InputSurface); !errors.Is(err, ErrUnknownInput) {
		t.Errorf("unknown input err = %v", err)
	}
	if err := sw.SwitchTo(InputBitmap); err != nil {
		t.Fatal(err)
	}
	tex, _ := ctx.NewTexture(gpu.TextureConfig{Width: 2, Height: 2})
	if err := textures.QueueTexture(tex, 0); err != nil {
		t.Fatal(err)
	}
	if len(hold.received) != 0 {
		t.Fatal("inactive input delivered a frame")
	}

	if err := sw.SwitchTo(InputTexture); err != nil {
		t.Fatal(err)
	}
	if len(hold.received) != 1 {
		t.Errorf("received = %d after switching, want the queued texture", len(hold.received))
	}
	if got, _ := sw.Active(); got != InputTexture || sw.ActiveInput() != textures {
		t.Errorf("active = %v", got)
	}
	if err := sw.Release(); err != nil {
		t.Error(err)
	}
}

func TestInputTypeString(t *testing.T) {
	if InputSurface.String() != "surface" || InputType(9).String() != "InputType(9)" {
		t.Error("unexpected InputType names")
	}
}
