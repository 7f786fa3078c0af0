// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package output implements the terminal stage of a pipeline.
//
// The terminal applies the final transforms sized to the output and
// either presents each frame on a surface or renders it into a small
// texture pool handed to a consumer. Frames are released automatically,
// optionally paced by a timing.Engine, or buffered until the caller
// renders them with RenderOutputFrame.
package output

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/framepipe/effect"
	"github.com/gogpu/framepipe/frame"
	"github.com/gogpu/framepipe/geom"
	"github.com/gogpu/framepipe/internal/gpu"
	"github.com/gogpu/framepipe/stage"
	"github.com/gogpu/framepipe/timing"
)

// Terminal errors.
var (
	ErrNoBufferedFrame = errors.New("output: no buffered frame to render")
	ErrNotManual       = errors.New("output: terminal is not manually paced")
	ErrNotTexturePool  = errors.New("output: terminal does not render to a texture pool")
	ErrUnknownTexture  = errors.New("output: no rendered texture at or before timestamp")
	ErrNoConsumer      = errors.New("output: texture pool output needs a consumer")
	ErrInvalidSurface  = errors.New("output: invalid surface info")

	// ErrOutputBusy is returned when the output size must change while
	// the consumer still holds rendered textures.
	ErrOutputBusy = errors.New("output: rendered textures must be released before the output changes")
)

// DefaultTextureCapacity is the texture pool size in texture pool mode.
const DefaultTextureCapacity = 1

// DefaultRetryInterval is the delay before a frame the engine found too
// early is decided again.
const DefaultRetryInterval = 10 * time.Millisecond

// minHold is the shortest wait for which a surface frame is held back
// until its release time instead of being presented at once.
const minHold = time.Millisecond

// Mode selects where frames go.
type Mode uint8

const (
	// ModeSurface presents frames on a caller-provided surface.
	ModeSurface Mode = iota
	// ModeTexturePool renders frames into a texture pool owned by the
	// terminal and hands them to a TextureConsumer.
	ModeTexturePool
)

// String returns the mode name.
func (m Mode) String() string {
	if m == ModeTexturePool {
		return "texture_pool"
	}
	return "surface"
}

// Pacing selects who decides when frames are released.
type Pacing uint8

const (
	// PacingAuto releases every frame as soon as it arrives, or when the
	// timing engine says so.
	PacingAuto Pacing = iota
	// PacingManual buffers frames until RenderOutputFrame.
	PacingManual
)

// String returns the pacing name.
func (p Pacing) String() string {
	if p == PacingManual {
		return "manual"
	}
	return "auto"
}

// SurfaceInfo describes the output surface.
type SurfaceInfo struct {
	Surface hal.Surface
	Width   int
	Height  int

	// RotationDegrees rotates the picture clockwise before it is scaled to
	// the surface.
	RotationDegrees int

	// PresentMode defaults to gputypes.PresentModeFifo.
	PresentMode gputypes.PresentMode
}

// Size returns the surface size.
func (i *SurfaceInfo) Size() frame.Size {
	return frame.Size{Width: i.Width, Height: i.Height}
}

// TextureProducer reclaims textures handed to a TextureConsumer.
type TextureProducer interface {
	// ReleaseTexture returns every rendered texture with a presentation
	// time at or before presentationTimeUs.
	ReleaseTexture(presentationTimeUs int64) error
}

// TextureConsumer receives frames rendered in texture pool mode. The
// texture is readable once fence is signalled and stays valid until the
// consumer releases it through p.
type TextureConsumer interface {
	OnTextureRendered(p TextureProducer, tex *gpu.Texture, presentationTimeUs int64, fence gpu.Fence)
}

// Rendered describes a frame released to the output.
type Rendered struct {
	PresentationTimeUs int64
	ReleaseTimeNs      int64
	Action             timing.Action
}

// Dropped describes a frame released without rendering.
type Dropped struct {
	PresentationTimeUs int64
	Action             timing.Action
}

// Listener observes the fate of every frame reaching the terminal.
type Listener interface {
	FrameRendered(r Rendered)
	FrameDropped(d Dropped)
}

// Config configures a Terminal.
type Config struct {
	Mode   Mode
	Pacing Pacing

	// TextureCapacity is the texture pool size. Defaults to
	// DefaultTextureCapacity.
	TextureCapacity int

	// Consumer is required in texture pool mode.
	Consumer TextureConsumer

	// Producer is handed to Consumer. Defaults to the terminal itself,
	// which must then be called on the processing goroutine.
	Producer TextureProducer

	// Engine paces automatic release. Without one every frame is
	// released immediately.
	Engine *timing.Engine

	// Retry asks for Tick to be called on the processing goroutine after
	// the given delay. Without it a frame found too early waits for the
	// next input or an explicit Tick, and surface frames are presented
	// without waiting for their release time.
	Retry         func(after time.Duration)
	RetryInterval time.Duration

	Listener Listener
	HDR      bool
	Strict   bool
	Logger   *slog.Logger
}

// Terminal is the last stage of a pipeline.
type Terminal struct {
	ctx    *gpu.Context
	config Config
	logger *slog.Logger

	port    stage.Port
	credits int

	// queue holds input frames not yet released, oldest first.
	queue      []frame.Frame
	eosPending bool
	retryArmed bool

	// held is a surface frame waiting for its release time. Surfaces
	// present on acquire, so the terminal waits instead of the display.
	held *heldFrame

	// Reconfiguration requested from any goroutine, applied on the next
	// frame.
	mu                sync.Mutex
	pendingInfo       *SurfaceInfo
	pendingTransforms []geom.Matrix
	changed           bool

	info              *SurfaceInfo
	transforms        []geom.Matrix
	program           *effect.MatrixProgram
	inSize            frame.Size
	outSize           frame.Size
	surfaceConfigured bool

	pool     *frame.BufferPool
	rendered []frame.Frame
}

type heldFrame struct {
	f         frame.Frame
	releaseNs int64
	action    timing.Action
}

var (
	_ stage.Stage     = (*Terminal)(nil)
	_ TextureProducer = (*Terminal)(nil)
)

// NewTerminal creates a terminal stage.
func NewTerminal(ctx *gpu.Context, config Config) (*Terminal, error) {
	if config.Mode == ModeTexturePool && config.Consumer == nil {
		return nil, ErrNoConsumer
	}
	if config.TextureCapacity < 1 {
		config.TextureCapacity = DefaultTextureCapacity
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = DefaultRetryInterval
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	t := &Terminal{
		ctx:    ctx,
		config: config,
		logger: logger.With("stage", stage.KindTerminal.String(), "mode", config.Mode.String()),
	}
	if config.Mode == ModeTexturePool {
		t.pool = frame.NewBufferPool(ctx, frame.PoolConfig{
			Capacity: config.TextureCapacity,
			HDR:      config.HDR,
			Label:    "output_texture",
			Strict:   config.Strict,
		})
		if t.config.Producer == nil {
			t.config.Producer = t
		}
	}
	return t, nil
}

// Kind implements stage.Stage.
func (t *Terminal) Kind() stage.Kind { return stage.KindTerminal }

// Pool returns the texture pool, or nil in surface mode.
func (t *Terminal) Pool() *frame.BufferPool { return t.pool }

// BufferedFrameCount returns the frames waiting to be released,
// including a frame held for its release time.
func (t *Terminal) BufferedFrameCount() int {
	if t.held != nil {
		return len(t.queue) + 1
	}
	return len(t.queue)
}

// Bind implements stage.Stage.
func (t *Terminal) Bind(p stage.Port) {
	t.port = p
	t.credits = 0
	t.announce()
}

// QueueInputFrame implements stage.Stage.
func (t *Terminal) QueueInputFrame(f frame.Frame) {
	t.credits--
	t.queue = append(t.queue, f)
	if t.config.Pacing == PacingAuto {
		t.drain()
	}
	t.announce()
}

// ReleaseOutputFrame implements stage.Stage. The terminal has no
// downstream stage; texture pool frames come back through ReleaseTexture.
func (t *Terminal) ReleaseOutputFrame(frame.Frame) {}

// SignalEndOfCurrentInputStream forwards end of stream once every
// buffered frame is released.
func (t *Terminal) SignalEndOfCurrentInputStream() {
	if len(t.queue) > 0 || t.held != nil {
		t.eosPending = true
		return
	}
	t.port.OutputStreamEnded()
}

// Flush drops buffered frames and reclaims every rendered texture.
func (t *Terminal) Flush() {
	t.queue = nil
	t.held = nil
	t.eosPending = false
	t.retryArmed = false
	if t.pool != nil {
		t.pool.FreeAll()
		t.rendered = nil
	}
	if t.config.Engine != nil {
		t.config.Engine.Reset()
	}
	t.port.Flushed()
	t.credits = 0
	t.announce()
}

// Release frees the program and the texture pool.
func (t *Terminal) Release() error {
	t.queue = nil
	t.held = nil
	if t.program != nil {
		t.program.Release()
		t.program = nil
	}
	if t.pool != nil {
		t.pool.Destroy()
		t.rendered = nil
	}
	return nil
}

// SetOutputSurfaceInfo replaces the output surface. nil removes it;
// frames are then skipped in surface mode. The change takes effect on
// the next frame. It may be called from any goroutine.
func (t *Terminal) SetOutputSurfaceInfo(info *SurfaceInfo) error {
	if info != nil && ((info.Surface == nil && t.config.Mode == ModeSurface) || !info.Size().IsValid()) {
		return fmt.Errorf("%w: %dx%d", ErrInvalidSurface, info.Width, info.Height)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if info != nil {
		c := *info
		info = &c
	}
	t.pendingInfo = info
	t.changed = true
	return nil
}

// SetFinalTransforms replaces the pixel-space transforms applied before
// the output scaling. The change takes effect on the next frame. It may
// be called from any goroutine.
func (t *Terminal) SetFinalTransforms(ms []geom.Matrix) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pendingTransforms = append([]geom.Matrix(nil), ms...)
	t.changed = true
}

// RenderOutputFrame releases the oldest buffered frame of a manually
// paced terminal.
func (t *Terminal) RenderOutputFrame(rt RenderTime) error {
	if t.config.Pacing != PacingManual {
		return ErrNotManual
	}
	if len(t.queue) == 0 && t.held == nil {
		return ErrNoBufferedFrame
	}
	if t.held != nil {
		// A newer request releases the held frame now. With nothing
		// behind it, the request was for the held frame itself.
		t.presentHeld()
		if len(t.queue) == 0 {
			t.maybeEnd()
			t.announce()
			return nil
		}
	}
	if rt.IsDrop() {
		t.drop(t.pop(), timing.Drop)
	} else {
		if t.blocked(t.queue[0]) {
			return ErrOutputBusy
		}
		releaseNs, ok := rt.TimeNs()
		if !ok {
			releaseNs = t.nowNs()
		}
		t.render(t.pop(), releaseNs, rt.action())
	}
	t.maybeEnd()
	t.announce()
	return nil
}

// ReleaseTexture implements TextureProducer on the processing goroutine.
func (t *Terminal) ReleaseTexture(presentationTimeUs int64) error {
	if t.pool == nil {
		return ErrNotTexturePool
	}
	n := 0
	for len(t.rendered) > 0 && t.rendered[0].PresentationTimeUs <= presentationTimeUs {
		f := t.rendered[0]
		t.rendered[0] = frame.Frame{}
		t.rendered = t.rendered[1:]
		if err := t.pool.Release(f.Texture); err != nil {
			return err
		}
		n++
	}
	if n == 0 {
		return fmt.Errorf("%w: %dus", ErrUnknownTexture, presentationTimeUs)
	}
	if t.config.Pacing == PacingAuto {
		t.drain()
	}
	t.announce()
	return nil
}

// RenderedTextureCount returns the textures held by the consumer.
func (t *Terminal) RenderedTextureCount() int { return len(t.rendered) }

// Tick presents a held frame that has become due and decides again on
// a frame the engine found too early.
func (t *Terminal) Tick() {
	t.retryArmed = false
	if h := t.held; h != nil {
		if wait := time.Duration(h.releaseNs - t.nowNs()); wait >= minHold {
			t.retryAfter(wait)
			return
		}
		t.presentHeld()
	}
	if t.config.Pacing == PacingAuto {
		t.drain()
	}
	t.maybeEnd()
	t.announce()
}


// drain releases buffered frames in order while the engine allows it.
func (t *Terminal) drain() {
	for len(t.queue) > 0 && t.held == nil {
		f := t.queue[0]
		if t.blocked(f) {
			break
		}
		if t.config.Engine == nil {
			t.render(t.pop(), t.nowNs(), timing.ReleaseNow)
			continue
		}
		last := t.eosPending && len(t.queue) == 1
		d := t.config.Engine.FrameReleaseAction(f.PresentationTimeUs, false, last)
		switch {
		case d.Action.Renders():
			t.render(t.pop(), d.ReleaseTimeNs, d.Action)
		case d.Action == timing.TryAgainLater:
			t.armRetry()
			return
		default:
			t.drop(t.pop(), d.Action)
		}
	}
	t.maybeEnd()
}

func (t *Terminal) pop() frame.Frame {
	f := t.queue[0]
	t.queue[0] = frame.Frame{}
	t.queue = t.queue[1:]
	return f
}

func (t *Terminal) maybeEnd() {
	if t.eosPending && len(t.queue) == 0 && t.held == nil {
		t.eosPending = false
		t.port.OutputStreamEnded()
	}
}

func (t *Terminal) armRetry() { t.retryAfter(t.config.RetryInterval) }

func (t *Terminal) retryAfter(d time.Duration) {
	if t.retryArmed || t.config.Retry == nil {
		return
	}
	t.retryArmed = true
	t.config.Retry(d)
}

// blocked reports whether f must wait for the consumer to return textures
// before the output can be reconfigured for it.
func (t *Terminal) blocked(f frame.Frame) bool {
	if t.pool == nil || t.pool.UsedCount() == 0 {
		return false
	}
	t.mu.Lock()
	changed := t.changed
	t.mu.Unlock()
	return changed || (t.program != nil && f.Size() != t.inSize)
}

func (t *Terminal) render(f frame.Frame, releaseNs int64, action timing.Action) {
	t.applyPending()
	if t.config.Mode == ModeSurface && t.info == nil {
		t.logger.Debug("output: no surface, skipping frame", "pts", f.PresentationTimeUs)
		t.drop(f, timing.Skip)
		return
	}
	if t.config.Mode == ModeSurface && t.config.Retry != nil {
		if wait := time.Duration(releaseNs - t.nowNs()); wait >= minHold {
			t.held = &heldFrame{f: f, releaseNs: releaseNs, action: action}
			t.retryAfter(wait)
			return
		}
	}
	t.present(f, releaseNs, action)
}

// presentHeld presents the held frame, if any, whether or not it is due.
func (t *Terminal) presentHeld() {
	h := t.held
	if h == nil {
		return
	}
	t.held = nil
	t.present(h.f, h.releaseNs, h.action)
}

func (t *Terminal) present(f frame.Frame, releaseNs int64, action timing.Action) {

	var (
		out   frame.Frame
		fence gpu.Fence
		err   error
	)
	if t.config.Mode == ModeSurface {
		err = t.renderSurface(f)
	} else {
		out, fence, err = t.renderTexture(f)
	}
	t.port.InputFrameProcessed(f)
	if err != nil {
		t.port.Error(fmt.Errorf("output: render %s: %w", f, err))
		return
	}

	if t.config.Engine != nil {
		t.config.Engine.OnFrameReleased(f.PresentationTimeUs)
	}
	t.logger.Debug("output: frame rendered", "pts", f.PresentationTimeUs, "release_ns", releaseNs, "action", action)
	if t.config.Listener != nil {
		t.config.Listener.FrameRendered(Rendered{
			PresentationTimeUs: f.PresentationTimeUs,
			ReleaseTimeNs:      releaseNs,
			Action:             action,
		})
	}
	if out.IsValid() {
		t.config.Consumer.OnTextureRendered(t.config.Producer, out.Texture, out.PresentationTimeUs, fence)
	}
}

func (t *Terminal) drop(f frame.Frame, action timing.Action) {
	t.port.InputFrameProcessed(f)
	t.logger.Debug("output: frame dropped", "pts", f.PresentationTimeUs, "action", action)
	if t.config.Listener != nil {
		t.config.Listener.FrameDropped(Dropped{PresentationTimeUs: f.PresentationTimeUs, Action: action})
	}
}

// applyPending installs the latest surface info and transforms. The
// program is rebuilt for the next render.
func (t *Terminal) applyPending() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.changed {
		return
	}
	t.changed = false
	surfaceChanged := t.info == nil || t.pendingInfo == nil || *t.info != *t.pendingInfo
	t.info = t.pendingInfo
	t.transforms = t.pendingTransforms
	if surfaceChanged {
		t.surfaceConfigured = false
	}
	if t.program != nil {
		t.program.Release()
		t.program = nil
	}
	t.logger.Info("output: reconfigured", "surface", t.info != nil, "transforms", len(t.transforms))
}

// ensureProgram configures the output program for inputs of size in.
func (t *Terminal) ensureProgram(in, out frame.Size, format gputypes.TextureFormat) (frame.Size, error) {
	if t.program == nil {
		transforms := t.transforms
		if t.info != nil && t.info.RotationDegrees%360 != 0 {
			transforms = append(append([]geom.Matrix(nil), transforms...), geom.RotateDegrees(float64(t.info.RotationDegrees)))
		}
		t.program = effect.NewMatrixProgram(t.ctx, effect.MatrixConfig{
			Label:      "output",
			Transforms: transforms,
			OutputSize: out,
			Format:     format,
		})
		t.inSize = frame.Size{}
	}
	if in == t.inSize {
		return t.outSize, nil
	}
	size, err := t.program.Configure(in)
	if err != nil {
		return frame.Size{}, err
	}
	t.inSize, t.outSize = in, size
	return size, nil
}
