package framepipe

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/kelindar/event"

	"github.com/gogpu/framepipe/effect"
	"github.com/gogpu/framepipe/frame"
	"github.com/gogpu/framepipe/geom"
	"github.com/gogpu/framepipe/internal/gpu"
	"github.com/gogpu/framepipe/internal/taskqueue"
	"github.com/gogpu/framepipe/metrics"
	"github.com/gogpu/framepipe/offload"
	"github.com/gogpu/framepipe/output"
	"github.com/gogpu/framepipe/source"
	"github.com/gogpu/framepipe/stage"
	"github.com/gogpu/framepipe/timing"
	"github.com/gogpu/framepipe/trace"
)

// DefaultReleaseTimeout bounds Release when no timeout is configured.
const DefaultReleaseTimeout = 5 * time.Second

// Input types, re-exported for callers of RegisterInputStream.
const (
	InputSurface = source.InputSurface
	InputBitmap  = source.InputBitmap
	InputTexture = source.InputTexture
)

// InputStreamDescriptor describes one contiguous segment of input.
type InputStreamDescriptor struct {
	Type   source.InputType
	Format frame.Format

	// Effects run between the sampler and the output, in order. A stream
	// whose effects equal the running ones keeps the running stages.
	Effects []stage.Effect

	// OffsetToAddUs is added to every presentation time of the stream.
	OffsetToAddUs int64

	// FrameRate is the declared rate. It only feeds timing telemetry.
	FrameRate float64

	// AutoReregister makes every surface arrival reuse Format, so the
	// caller does not call RegisterInputFrame per frame.
	AutoReregister bool
}

// Validate checks the descriptor before any frame is processed.
func (d InputStreamDescriptor) Validate() error {
	if err := d.Format.Validate(); err != nil {
		return err
	}
	switch d.Type {
	case source.InputSurface, source.InputBitmap, source.InputTexture:
	default:
		return fmt.Errorf("%w: %v", source.ErrUnknownInput, d.Type)
	}
	for i, e := range d.Effects {
		if e == nil {
			return fmt.Errorf("%w: effect %d is nil", frame.ErrInvalidGeometry, i)
		}
	}
	if d.FrameRate < 0 {
		return fmt.Errorf("%w: frame rate %v", source.ErrInvalidTiming, d.FrameRate)
	}
	return nil
}

// Pipeline processes frames from one of its inputs through a chain of
// GPU stages into an output.
//
// All stage work runs on one processing goroutine. Methods are safe for
// concurrent use; those that return an error wait for the processing
// goroutine unless noted otherwise, so they must not be called from
// event handlers running on it, such as a TextureConsumer.
type Pipeline struct {
	id     string
	ctx    *gpu.Context
	opts   options
	logger *slog.Logger

	queue   *taskqueue.Queue
	events  *event.Dispatcher
	metrics *metrics.Collector
	trace   *trace.Context
	engine  *timing.Engine

	released atomic.Bool
	failure  atomic.Pointer[FrameProcessingError]

	// Owned by the processing goroutine.
	chain       *stage.Chain
	sampler     *effect.Sampler
	samplerIdx  int
	terminal    *output.Terminal
	terminalIdx int
	effects     []stage.Effect
	effectIdx   []int
	switcher    *source.Switcher
	external    *source.External
	bitmap      *source.Bitmap
	texture     *source.Texture
	wrapped     map[uint64]gpucontext.Texture

	current    *InputStreamDescriptor
	pending    *InputStreamDescriptor
	inputEnded bool
	ended      bool
	forcedEOS  bool
}

// New creates a pipeline rendering with gctx.
func New(gctx *gpu.Context, opts ...Option) (*Pipeline, error) {
	if gctx == nil {
		return nil, gpu.ErrNilDevice
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.playbackSpeed <= 0 {
		return nil, fmt.Errorf("%w: %v", timing.ErrInvalidSpeed, o.playbackSpeed)
	}
	if o.thresholds != nil {
		if err := o.thresholds.Validate(); err != nil {
			return nil, err
		}
	}
	if o.mode == output.ModeTexturePool && o.consumer == nil {
		return nil, output.ErrNoConsumer
	}

	id := o.id
	if id == "" {
		id = uuid.New().String()
	}
	logger := o.logger
	if logger == nil {
		logger = Logger()
	}
	logger = logger.With("pipeline", id)

	engine := o.engine
	if engine == nil && o.timing {
		engineOpts := o.timingOpts
		if o.thresholds != nil {
			engineOpts = append(engineOpts, timing.WithThresholds(*o.thresholds))
		}
		engine = timing.NewEngine(engineOpts...)
	}
	if engine != nil {
		if err := engine.SetPlaybackSpeed(o.playbackSpeed); err != nil {
			return nil, err
		}
	}

	p := &Pipeline{
		id:      id,
		ctx:     gctx,
		opts:    o,
		logger:  logger,
		events:  event.NewDispatcher(),
		metrics: metrics.New(o.registerer, o.namespace, id),
		trace:   trace.New(id, trace.WithCapacity(o.traceCapacity), trace.WithEnabled(o.traceEnabled)),
		engine:  engine,
		wrapped: make(map[uint64]gpucontext.Texture),
	}
	var qopts []taskqueue.Option
	if o.strict {
		qopts = append(qopts, taskqueue.WithRepanic())
	}
	p.queue = taskqueue.New(logger, func(err error) { p.reportError("pipeline", err) }, qopts...)
	if err := p.queue.Invoke(context.Background(), p.build); err != nil {
		_ = p.queue.Release(nil, o.releaseTimeout)
		p.events.Close()
		return nil, err
	}
	logger.Info("framepipe: pipeline created",
		"mode", o.mode.String(), "pacing", o.pacing.String(), "hdr", o.hdr,
		"timing", engine != nil, "surface_input", o.external != nil)
	return p, nil
}

// NewFromProvider creates a pipeline on the device of a gpucontext
// provider, such as a gogpu application.
func NewFromProvider(provider gpucontext.DeviceProvider, opts ...Option) (*Pipeline, error) {
	gctx, err := gpu.FromProvider(provider)
	if err != nil {
		return nil, err
	}
	return New(gctx, opts...)
}

// build creates the fixed part of the chain: sampler, terminal and inputs.
func (p *Pipeline) build() error {
	o := p.opts
	p.chain = stage.NewChain(stage.ChainConfig{
		OnError: p.onStageError,
		OnEnded: p.onChainEnded,
		Strict:  o.strict,
		Logger:  p.logger,
	})
	p.sampler = effect.NewSampler(p.ctx, effect.SamplerConfig{
		HDR:      o.hdr,
		Capacity: o.samplerCapacity,
		Strict:   o.strict,
		Logger:   p.logger,
	})
	p.samplerIdx = p.chain.Add(p.sampler)

	terminal, err := output.NewTerminal(p.ctx, output.Config{
		Mode:            o.mode,
		Pacing:          o.pacing,
		TextureCapacity: o.textureCapacity,
		Consumer:        o.consumer,
		Producer:        asyncProducer{p},
		Engine:          p.engine,
		Retry:           p.retry,
		RetryInterval:   o.retryInterval,
		Listener:        terminalListener{p},
		HDR:             o.hdr,
		Strict:          o.strict,
		Logger:          p.logger,
	})
	if err != nil {
		p.sampler.Release()
		return err
	}
	p.terminal = terminal
	p.terminalIdx = p.chain.Add(terminal)
	p.chain.Connect(p.samplerIdx, p.terminalIdx)
	p.chain.Bind(p.terminalIdx)

	p.switcher = source.NewSwitcher(p.chain, p.samplerIdx)
	inputErr := func(err error) { p.reportError("input", err) }
	if o.external != nil {
		p.external = source.NewExternal(p.ctx, o.external, p.queue, p.sampler, source.ExternalConfig{
			ForcedEOSDelay:      o.forcedEOSDelay,
			DisableCorrection:   o.disableCorrection,
			OnError:             inputErr,
			OnForcedEndOfStream: p.onForcedEOS,
			Logger:              p.logger,
		})
		p.switcher.Register(source.InputSurface, p.external)
	}
	p.bitmap = source.NewBitmap(p.ctx, p.sampler, source.BitmapConfig{
		MaxSize: o.bitmapMaxSize,
		OnError: inputErr,
		Logger:  p.logger,
	})
	p.switcher.Register(source.InputBitmap, p.bitmap)
	p.texture = source.NewTexture(p.sampler, source.TextureConfig{
		OnRelease: p.textureReleased,
		OnError:   inputErr,
		Logger:    p.logger,
	})
	p.switcher.Register(source.InputTexture, p.texture)
	return nil
}

// ID returns the pipeline id.
func (p *Pipeline) ID() string { return p.id }

// Context returns the GPU context.
func (p *Pipeline) Context() *gpu.Context { return p.ctx }

// Timing returns the release-timing engine, or nil when release is not
// paced by one.
func (p *Pipeline) Timing() *timing.Engine { return p.engine }

// Metrics returns the pipeline's collectors.
func (p *Pipeline) Metrics() *metrics.Collector { return p.metrics }

// Trace returns the pipeline's debug trace.
func (p *Pipeline) Trace() *trace.Context { return p.trace }

// SetPlaybackSpeed changes the speed of the timing engine. It may be
// called from any goroutine.
func (p *Pipeline) SetPlaybackSpeed(speed float64) error {
	if p.engine == nil {
		if speed <= 0 {
			return fmt.Errorf("%w: %v", timing.ErrInvalidSpeed, speed)
		}
		return nil
	}
	return p.engine.SetPlaybackSpeed(speed)
}

// RegisterInputStream starts a new input stream. The first stream starts
// at once. A later one waits until the running stream has ended; the
// running stream is told to end now. Only one stream may wait.
func (p *Pipeline) RegisterInputStream(d InputStreamDescriptor) error {
	if err := p.usable(); err != nil {
		return err
	}
	if err := d.Validate(); err != nil {
		return err
	}
	if err := p.checkColor(d.Format); err != nil {
		return err
	}
	if d.Type == source.InputSurface && p.opts.external == nil {
		return ErrNoExternalSource
	}
	return p.invoke(func() error {
		switch {
		case p.inputEnded:
			return ErrInputEnded
		case p.pending != nil:
			return ErrStreamPending
		}
		p.trace.Recordf(trace.EventRegisterStream, trace.NoTimestamp, "type=%v effects=%d %dx%d",
			d.Type, len(d.Effects), d.Format.Size.Width, d.Format.Size.Height)
		if p.current == nil {
			return p.startStream(d)
		}
		p.pending = &d
		p.activeInput().SignalEndOfCurrentInputStream()
		return nil
	})
}

// RegisterInputFrame registers the metadata of the next frame of the
// surface input. A zero Format or offset takes the stream's.
func (p *Pipeline) RegisterInputFrame(info source.FrameInfo) error {
	if err := p.usable(); err != nil {
		return err
	}
	if p.opts.external == nil {
		return ErrNoExternalSource
	}
	return p.invoke(func() error {
		if err := p.requireStream(source.InputSurface); err != nil {
			return err
		}
		if info.Format == (frame.Format{}) {
			info.Format = p.current.Format
		} else if err := info.Format.Validate(); err != nil {
			return err
		} else if err := p.checkColor(info.Format); err != nil {
			return err
		}
		if info.OffsetToAddUs == 0 {
			info.OffsetToAddUs = p.current.OffsetToAddUs
		}
		p.trace.Record(trace.EventRegisterFrame, trace.NoTimestamp, "")
		p.external.RegisterFrame(info)
		return nil
	})
}

// FrameAvailable tells the surface input that its source has a new
// buffer. It does not wait and may be called from any goroutine,
// including the source's callback.
func (p *Pipeline) FrameAvailable() error {
	if p.opts.external == nil {
		return ErrNoExternalSource
	}
	if p.released.Load() {
		return ErrReleased
	}
	p.trace.Record(trace.EventFrameAvailable, trace.NoTimestamp, "")
	p.external.OnFrameAvailable()
	return nil
}

// SetDefaultBufferSize sets the buffer size of the external source.
func (p *Pipeline) SetDefaultBufferSize(width, height int) error {
	if p.opts.external == nil {
		return ErrNoExternalSource
	}
	return p.invoke(func() error {
		p.external.SetDefaultBufferSize(width, height)
		return nil
	})
}

// QueueInputBitmap uploads img and queues the frames timing describes.
func (p *Pipeline) QueueInputBitmap(img image.Image, ft source.FrameTiming) error {
	if err := p.usable(); err != nil {
		return err
	}
	return p.invoke(func() error {
		if err := p.requireStream(source.InputBitmap); err != nil {
			return err
		}
		ft.StartUs += p.current.OffsetToAddUs
		p.trace.Recordf(trace.EventQueueBitmap, ft.StartUs, "duration=%dus rate=%v", ft.DurationUs, ft.FrameRate)
		return p.bitmap.QueueBitmap(img, ft)
	})
}

// QueueInputTexture queues a caller-owned texture. tex is either a
// texture of the pipeline's context or any texture exposing its HAL
// handle; it is handed back through the WithTextureReleaseCallback
// callback.
func (p *Pipeline) QueueInputTexture(tex gpucontext.Texture, presentationTimeUs int64) error {
	if err := p.usable(); err != nil {
		return err
	}
	if tex == nil || tex.Width() <= 0 || tex.Height() <= 0 {
		return fmt.Errorf("%w: input texture", frame.ErrInvalidGeometry)
	}
	return p.invoke(func() error {
		if err := p.requireStream(source.InputTexture); err != nil {
			return err
		}
		in, err := p.adoptTexture(tex)
		if err != nil {
			return err
		}
		ts := presentationTimeUs + p.current.OffsetToAddUs
		p.trace.Record(trace.EventQueueTexture, ts, "")
		if err := p.texture.QueueTexture(in, ts); err != nil {
			p.unwrap(in)
			return err
		}
		return nil
	})
}

// SetOutputSurfaceInfo sets or clears the output surface. It does not
// wait; the surface is configured when the next frame is rendered.
func (p *Pipeline) SetOutputSurfaceInfo(info *output.SurfaceInfo) error {
	if err := p.usable(); err != nil {
		return err
	}
	if info != nil {
		p.trace.Recordf(trace.EventSurfaceChanged, trace.NoTimestamp, "%dx%d rot=%d", info.Width, info.Height, info.RotationDegrees)
	} else {
		p.trace.Record(trace.EventSurfaceChanged, trace.NoTimestamp, "none")
	}
	return p.terminal.SetOutputSurfaceInfo(info)
}

// SetFinalTransforms sets the transforms applied by the output, after
// every effect. It does not wait.
func (p *Pipeline) SetFinalTransforms(ms ...geom.Matrix) {
	p.terminal.SetFinalTransforms(ms)
}

// RenderOutputFrame releases the oldest buffered output frame of a
// manually paced pipeline.
func (p *Pipeline) RenderOutputFrame(rt output.RenderTime) error {
	if err := p.usable(); err != nil {
		return err
	}
	return p.invoke(func() error {
		p.trace.Record(trace.EventRenderRequested, trace.NoTimestamp, rt.String())
		return p.terminal.RenderOutputFrame(rt)
	})
}

// SignalEndOfInput ends the input. EndedEvent is published once the last
// registered stream has left the pipeline.
func (p *Pipeline) SignalEndOfInput() error {
	if err := p.usable(); err != nil {
		return err
	}
	return p.invoke(func() error {
		if p.inputEnded {
			return ErrInputEnded
		}
		p.inputEnded = true
		p.trace.Record(trace.EventSignalEOS, trace.NoTimestamp, "")
		switch {
		case p.current == nil:
			p.finish()
		case p.pending == nil:
			p.activeInput().SignalEndOfCurrentInputStream()
		}
		return nil
	})
}

// Flush drops every frame inside the pipeline and returns all buffers
// to their pools. In-flight offload tasks are cancelled, not awaited.
// With the surface input live, Flush then waits up to the drain timeout
// for the source's arrived buffers to be released.
func (p *Pipeline) Flush() error {
	if err := p.usable(); err != nil {
		return err
	}
	surface := false
	err := p.invoke(func() error {
		p.trace.Record(trace.EventFlush, trace.NoTimestamp, "")
		p.chain.Do(func() {
			p.terminal.Flush()
			// Flushing forgets an end of stream already signalled. The
			// emptied stream is ended again so a waiting stream or the
			// end of input still follows.
			if p.current != nil && (p.pending != nil || p.inputEnded) {
				p.activeInput().SignalEndOfCurrentInputStream()
			}
		})
		t, ok := p.switcher.Active()
		surface = ok && t == source.InputSurface
		p.observePools()
		return nil
	})
	if err != nil || !surface {
		return err
	}
	return p.external.ReleaseAllRegisteredFrames(p.opts.drainTimeout)
}

// PendingInputFrameCount returns the frames the live input accepted and
// has not yet fed into the pipeline.
func (p *Pipeline) PendingInputFrameCount() int {
	n := 0
	_ = p.invoke(func() error {
		if in := p.activeInput(); in != nil {
			n = in.PendingFrameCount()
		}
		return nil
	})
	return n
}

// Release flushes the pipeline and frees every stage, pool and input,
// downstream first. Errors are collected, not suppressed. The pipeline
// is unusable afterwards.
func (p *Pipeline) Release() error {
	if !p.released.CompareAndSwap(false, true) {
		return ErrReleased
	}
	dropped := p.queue.Flush()
	err := p.queue.Release(p.teardown, p.opts.releaseTimeout)
	p.events.Close()
	p.logger.Info("framepipe: pipeline released", "dropped_tasks", dropped, "err", err)
	return err
}

func (p *Pipeline) teardown() error {
	p.terminal.Flush()
	var errs []error
	if err := p.terminal.Release(); err != nil {
		errs = append(errs, fmt.Errorf("release output: %w", err))
	}
	for i := len(p.effectIdx) - 1; i >= 0; i-- {
		if s := p.chain.Stage(p.effectIdx[i]); s != nil {
			if err := s.Release(); err != nil {
				errs = append(errs, fmt.Errorf("release effect %d: %w", i, err))
			}
		}
	}
	if err := p.sampler.Release(); err != nil {
		errs = append(errs, fmt.Errorf("release sampler: %w", err))
	}
	if err := p.switcher.Release(); err != nil {
		errs = append(errs, err)
	}
	if err := p.ctx.WaitIdle(p.opts.releaseTimeout); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// startStream configures the chain for d and makes its input live.
func (p *Pipeline) startStream(d InputStreamDescriptor) error {
	if !stage.SameEffects(d.Effects, p.effects) {
		if err := p.rebuildEffects(d.Effects); err != nil {
			return err
		}
	}
	if err := p.switcher.SwitchTo(d.Type); err != nil {
		return err
	}
	p.sampler.SetPixelAspectRatio(d.Format.PixelAspectRatio)
	if d.Type == source.InputSurface {
		p.external.SetAutoReregistration(d.AutoReregister)
		p.external.SetDefaultBufferSize(d.Format.Size.Width, d.Format.Size.Height)
		if d.AutoReregister {
			p.external.RegisterFrame(source.FrameInfo{Format: d.Format, OffsetToAddUs: d.OffsetToAddUs})
		}
	}
	if p.engine != nil {
		// Frames before the offset are skipped. The first frame of the
		// stream is released at once.
		p.engine.SetStreamStart(d.OffsetToAddUs)
		p.engine.Join()
		if d.FrameRate > 0 {
			p.engine.SetFrameRate(d.FrameRate)
		}
	}
	p.current = &d
	p.logger.Info("framepipe: input stream started",
		"type", d.Type.String(), "w", d.Format.Size.Width, "h", d.Format.Size.Height, "effects", len(d.Effects))
	if p.inputEnded {
		p.activeInput().SignalEndOfCurrentInputStream()
	}
	return nil
}

// rebuildEffects replaces the effect stages between sampler and terminal.
func (p *Pipeline) rebuildEffects(effects []stage.Effect) error {
	stages := make([]stage.Stage, 0, len(effects))
	for i, e := range effects {
		s, err := e.NewStage(p.ctx, p.opts.hdr)
		if err != nil {
			for _, built := range stages {
				_ = built.Release()
			}
			return fmt.Errorf("framepipe: effect %d: %w", i, err)
		}
		if o, ok := s.(interface{ SetObserver(offload.Observer) }); ok {
			o.SetObserver(p.metrics)
		}
		stages = append(stages, s)
	}
	indices, removed, err := p.chain.Rewire(p.samplerIdx, p.terminalIdx, stages)
	errs := []error{err}
	for _, s := range removed {
		errs = append(errs, s.Release())
	}
	p.effectIdx = indices
	p.effects = append([]stage.Effect(nil), effects...)
	p.logger.Debug("framepipe: effects rebuilt", "stages", len(stages), "removed", len(removed))
	if err := errors.Join(errs...); err != nil {
		p.reportError("pipeline", err)
	}
	return nil
}

// checkColor rejects formats the pipeline's buffers cannot carry.
func (p *Pipeline) checkColor(f frame.Format) error {
	if f.HDR != p.opts.hdr {
		return fmt.Errorf("%w: input hdr=%t, pipeline hdr=%t", ErrColorMismatch, f.HDR, p.opts.hdr)
	}
	return nil
}

func (p *Pipeline) activeInput() source.Input {
	return p.switcher.ActiveInput()
}

func (p *Pipeline) requireStream(t source.InputType) error {
	switch {
	case p.pending != nil:
		return ErrStreamPending
	case p.current == nil || p.current.Type != t:
		return fmt.Errorf("%w: %v", ErrNoInputStream, t)
	}
	return nil
}

// onChainEnded runs when the terminal has released the last frame of a stream.
func (p *Pipeline) onChainEnded(int) {
	t, _ := p.switcher.Active()
	forced := p.forcedEOS
	p.forcedEOS = false
	p.current = nil
	p.trace.Recordf(trace.EventStreamEnded, trace.NoTimestamp, "type=%v forced=%t", t, forced)
	publish(p, InputStreamEndedEvent{PipelineID: p.id, InputType: t, Forced: forced})

	if next := p.pending; next != nil {
		p.pending = nil
		if err := p.startStream(*next); err != nil {
			p.reportError("pipeline", err)
		}
		return
	}
	if p.inputEnded {
		p.finish()
	}
}

func (p *Pipeline) finish() {
	if p.ended {
		return
	}
	p.ended = true
	p.logger.Info("framepipe: input ended")
	publish(p, EndedEvent{PipelineID: p.id})
}

func (p *Pipeline) onForcedEOS() {
	p.forcedEOS = true
	p.metrics.ForcedEOS()
	p.trace.Record(trace.EventForcedEOS, trace.NoTimestamp, "")
}

func (p *Pipeline) onStageError(index int, err error) {
	name := fmt.Sprintf("stage#%d", index)
	if s := p.chain.Stage(index); s != nil {
		name = fmt.Sprintf("%s#%d", s.Kind(), index)
	}
	p.reportError(name, err)
}

// reportError classifies err and publishes it. A resource error fails
// the pipeline.
func (p *Pipeline) reportError(stageName string, err error) {
	fpe := newError(stageName, err)
	p.metrics.Error(fpe.Class.String())
	if fpe.Class == ClassTiming {
		p.trace.Record(trace.EventOffloadHarvest, fpe.TimestampUs, err.Error())
		p.logger.Warn("framepipe: frame dropped", "stage", stageName, "err", err)
	} else {
		p.logger.Error("framepipe: error", "class", fpe.Class.String(), "stage", stageName, "err", err)
	}
	if fpe.Class.Fatal() {
		p.failure.CompareAndSwap(nil, fpe)
	}
	publish(p, ErrorEvent{PipelineID: p.id, Err: fpe})
}

func (p *Pipeline) usable() error {
	if p.released.Load() {
		return ErrReleased
	}
	if fpe := p.failure.Load(); fpe != nil {
		return fmt.Errorf("%w: %w", ErrFailed, fpe)
	}
	return nil
}

func (p *Pipeline) invoke(fn func() error) error {
	err := p.queue.Invoke(context.Background(), fn)
	if errors.Is(err, taskqueue.ErrReleased) || errors.Is(err, taskqueue.ErrDropped) {
		return ErrReleased
	}
	return err
}

// retry schedules a terminal tick on the processing goroutine.
func (p *Pipeline) retry(after time.Duration) {
	time.AfterFunc(after, func() {
		_ = p.queue.Submit(func() error {
			p.terminal.Tick()
			return nil
		})
	})
}

// adoptTexture returns tex as a texture of the pipeline's context.
func (p *Pipeline) adoptTexture(tex gpucontext.Texture) (*gpu.Texture, error) {
	if t, ok := tex.(*gpu.Texture); ok {
		return t, nil
	}
	raw, ok := tex.(interface{ Raw() hal.Texture })
	if !ok {
		return nil, fmt.Errorf("%w: %T exposes no hal texture", frame.ErrForeignBuffer, tex)
	}
	format := gpu.FrameFormat(p.opts.hdr)
	if f, ok := tex.(interface{ Format() gputypes.TextureFormat }); ok {
		format = f.Format()
	}
	t := p.ctx.WrapTexture(raw.Raw(), tex.Width(), tex.Height(), format, "input_texture")
	p.wrapped[t.ID()] = tex
	return t, nil
}

// unwrap drops the wrapper made by adoptTexture and returns the
// caller's texture.
func (p *Pipeline) unwrap(t *gpu.Texture) gpucontext.Texture {
	orig, ok := p.wrapped[t.ID()]
	if !ok {
		return t
	}
	delete(p.wrapped, t.ID())
	p.ctx.ReleaseWhenIdle(t)
	return orig
}

func (p *Pipeline) textureReleased(t *gpu.Texture, presentationTimeUs int64) {
	orig := p.unwrap(t)
	if p.opts.onTextureRelease != nil {
		p.opts.onTextureRelease(orig, presentationTimeUs)
	}
}

// observePools publishes the occupancy of every stage pool.
func (p *Pipeline) observePools() {
	type pooled interface{ Pool() *frame.BufferPool }
	for i := range p.chain.Len() {
		s, ok := p.chain.Stage(i).(pooled)
		if !ok {
			continue
		}
		if pool := s.Pool(); pool != nil {
			p.metrics.PoolUsage(fmt.Sprintf("%s#%d", p.chain.Stage(i).Kind(), i), pool.UsedCount(), pool.Capacity())
		}
	}
}

// asyncProducer lets texture consumers release textures from any
// goroutine, including from inside OnTextureRendered.
type asyncProducer struct{ p *Pipeline }

func (a asyncProducer) ReleaseTexture(presentationTimeUs int64) error {
	return a.p.queue.Submit(func() error {
		a.p.trace.Record(trace.EventReleaseTexture, presentationTimeUs, "")
		return a.p.terminal.ReleaseTexture(presentationTimeUs)
	})
}

// terminalListener turns terminal notifications into events.
type terminalListener struct{ p *Pipeline }

func (l terminalListener) FrameRendered(r output.Rendered) {
	p := l.p
	p.metrics.Rendered()
	p.metrics.Decision(r.Action)
	p.trace.Recordf(trace.EventRenderFrame, r.PresentationTimeUs, "%v at=%dns", r.Action, r.ReleaseTimeNs)
	p.observePools()
	publish(p, OutputFrameRenderedEvent{
		PipelineID:         p.id,
		PresentationTimeUs: r.PresentationTimeUs,
		ReleaseTimeNs:      r.ReleaseTimeNs,
		Action:             r.Action,
	})
}

func (l terminalListener) FrameDropped(d output.Dropped) {
	p := l.p
	p.metrics.Dropped(d.Action.String())
	p.metrics.Decision(d.Action)
	p.trace.Record(trace.EventDropFrame, d.PresentationTimeUs, d.Action.String())
	publish(p, FrameDroppedEvent{
		PipelineID:         p.id,
		PresentationTimeUs: d.PresentationTimeUs,
		Action:             d.Action,
	})
}
