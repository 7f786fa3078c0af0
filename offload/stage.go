// Package offload runs an asynchronous external processor beside the
// GPU pipeline.
//
// The stage copies each input into a buffer of its own pool, submits that
// buffer to the processor and returns the input upstream at once. Results
// are harvested strictly in submission order. When Depth tasks are in
// flight the next input blocks on the oldest one, which is the stage's
// backpressure.
package offload

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gogpu/framepipe/effect"
	"github.com/gogpu/framepipe/frame"
	"github.com/gogpu/framepipe/internal/gpu"
	"github.com/gogpu/framepipe/stage"
)

// DefaultHarvestTimeout bounds how long the stage blocks on one task.
const DefaultHarvestTimeout = 10 * time.Second

// Processor is an external asynchronous frame processor.
type Processor[R any] interface {
	// Configure is called with the input size on every geometry change
	// and returns the size of the buffers the processor works on.
	Configure(width, height int) (frame.Size, error)

	// Submit starts processing f. The processor may read f.Texture until
	// the future settles and must not keep it afterwards.
	Submit(f frame.Frame) *Future[R]

	// FinishAndBlend applies result r to f, typically by drawing into f.Texture.
	FinishAndBlend(f frame.Frame, r R) error

	// SignalEndOfStream is called before the remaining tasks are
	// harvested. It may block until the processor's backlog drains.
	SignalEndOfStream()

	// Flush drops the processor's backlog. Pending futures are cancelled
	// by the stage.
	Flush()

	// Release frees the processor.
	Release() error
}

// Observer receives offload telemetry. Implementations must be cheap.
type Observer interface {
	Harvested(latency time.Duration, ok bool)
	InFlight(n int)
}

// HarvestError reports a task whose result could not be collected. The
// frame is dropped.
type HarvestError struct {
	TimestampUs int64
	Err         error
}

func (e *HarvestError) Error() string {
	return fmt.Sprintf("offload: harvest frame @%dus: %v", e.TimestampUs, e.Err)
}

func (e *HarvestError) Unwrap() error { return e.Err }

// Config configures a Stage.
type Config struct {
	// Depth is both the in-flight limit and the pool capacity. Must be >= 1.
	Depth int

	// HarvestTimeout bounds one blocking harvest. Defaults to
	// DefaultHarvestTimeout.
	HarvestTimeout time.Duration

	HDR      bool
	Strict   bool
	Label    string
	Logger   *slog.Logger
	Observer Observer
}

type inFlightTask[R any] struct {
	frame     frame.Frame
	future    *Future[R]
	submitted time.Time
}

// Stage is the concurrent-offload stage.
type Stage[R any] struct {
	ctx       *gpu.Context
	processor Processor[R]
	config    Config
	logger    *slog.Logger
	pool      *frame.BufferPool

	port    stage.Port
	credits int

	queue []inFlightTask[R]

	// stash holds an accepted input that has no buffer yet.
	stash      *frame.Frame
	eosPending bool

	inSize  frame.Size
	outSize frame.Size
	copier  effect.Program
}

var _ stage.Stage = (*Stage[struct{}])(nil)

// NewStage creates an offload stage around processor.
func NewStage[R any](ctx *gpu.Context, processor Processor[R], config Config) (*Stage[R], error) {
	if config.Depth < 1 {
		return nil, fmt.Errorf("%w: offload depth %d", frame.ErrInvalidGeometry, config.Depth)
	}
	if config.HarvestTimeout <= 0 {
		config.HarvestTimeout = DefaultHarvestTimeout
	}
	if config.Label == "" {
		config.Label = "offload"
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Stage[R]{
		ctx:       ctx,
		processor: processor,
		config:    config,
		logger:    logger.With("stage", config.Label),
		pool: frame.NewBufferPool(ctx, frame.PoolConfig{
			Capacity: config.Depth,
			HDR:      config.HDR,
			Label:    config.Label,
			Strict:   config.Strict,
		}),
	}, nil
}

// Kind returns stage.KindOffload.
func (s *Stage[R]) Kind() stage.Kind { return stage.KindOffload }

// Pool returns the stage's buffer pool.
func (s *Stage[R]) Pool() *frame.BufferPool { return s.pool }

// SetObserver installs o unless the stage already has an observer.
func (s *Stage[R]) SetObserver(o Observer) {
	if s.config.Observer == nil {
		s.config.Observer = o
	}
}

// InFlight returns the number of unharvested tasks.
func (s *Stage[R]) InFlight() int { return len(s.queue) }

// Bind announces capacity on the current upstream link.
func (s *Stage[R]) Bind(p stage.Port) {
	s.port = p
	s.credits = 0
	s.announce()
}

// QueueInputFrame copies f into a pool buffer and submits it. With Depth
// tasks in flight it first blocks on the oldest one.
func (s *Stage[R]) QueueInputFrame(f frame.Frame) {
	if s.stash != nil {
		// Credit is never announced while an input waits for a buffer.
		s.port.InputFrameProcessed(f)
		s.port.Error(fmt.Errorf("%w: %s received %s while holding %s", stage.ErrNoCredit, s.config.Label, f, *s.stash))
		return
	}
	s.credits--
	s.accept(f)
	s.harvestCompleted()
	s.announce()
}

// ReleaseOutputFrame returns a harvested buffer to the pool and resumes
// a stashed input.
func (s *Stage[R]) ReleaseOutputFrame(f frame.Frame) {
	if err := s.pool.Release(f.Texture); err != nil {
		s.port.Error(err)
		return
	}
	if s.stash != nil {
		in := *s.stash
		s.stash = nil
		s.accept(in)
		if s.stash == nil && s.eosPending {
			s.eosPending = false
			s.endOfStream()
		}
	}
	s.harvestCompleted()
	s.announce()
}

// SignalEndOfCurrentInputStream tells the processor, harvests every
// task and forwards end of stream.
func (s *Stage[R]) SignalEndOfCurrentInputStream() {
	if s.stash != nil {
		// The stashed input is newer than every task in flight; emitting
		// them now lets downstream hand a buffer back for it.
		s.eosPending = true
		s.harvestAll()
		return
	}
	s.endOfStream()
}

// Flush cancels every in-flight task without finishing it and reclaims
// all buffers.
func (s *Stage[R]) Flush() {
	s.processor.Flush()
	for _, t := range s.queue {
		t.future.Cancel()
	}
	clear(s.queue)
	s.queue = s.queue[:0]
	s.stash = nil
	s.eosPending = false
	s.pool.FreeAll()
	s.observeInFlight()
	s.port.Flushed()
	s.credits = 0
	s.announce()
}

// Release releases the processor and the pool, cancelling any task left.
func (s *Stage[R]) Release() error {
	for _, t := range s.queue {
		t.future.Cancel()
	}
	s.queue = nil
	var errs []error
	if err := s.processor.Release(); err != nil {
		errs = append(errs, fmt.Errorf("%s: release processor: %w", s.config.Label, err))
	}
	if s.copier != nil {
		s.copier.Release()
	}
	s.pool.Destroy()
	return errors.Join(errs...)
}

func (s *Stage[R]) accept(f frame.Frame) {
	if !s.pool.IsConfigured() || f.Size() != s.inSize {
		s.harvestAll()
		if s.pool.UsedCount() > 0 {
			s.stash = &f
			return
		}
		if err := s.configure(f.Size()); err != nil {
			s.port.InputFrameProcessed(f)
			s.port.Error(err)
			return
		}
	}
	if len(s.queue) >= s.config.Depth {
		s.harvest()
	}
	buf, err := s.pool.Acquire()
	if errors.Is(err, frame.ErrPoolExhausted) {
		s.stash = &f
		return
	}
	if err != nil {
		s.port.InputFrameProcessed(f)
		s.port.Error(err)
		return
	}
	if _, err := s.copier.Render(f.Texture, buf); err != nil {
		_ = s.pool.Release(buf)
		s.port.InputFrameProcessed(f)
		s.port.Error(fmt.Errorf("%s: copy %s: %w", s.config.Label, f, err))
		return
	}
	task := frame.New(buf, f.PresentationTimeUs)
	s.queue = append(s.queue, inFlightTask[R]{
		frame:     task,
		future:    s.processor.Submit(task),
		submitted: time.Now(),
	})
	s.observeInFlight()
	s.port.InputFrameProcessed(f)
}

func (s *Stage[R]) configure(in frame.Size) error {
	out, err := s.processor.Configure(in.Width, in.Height)
	if err != nil {
		return fmt.Errorf("%s: configure processor %dx%d: %w", s.config.Label, in.Width, in.Height, err)
	}
	if !out.IsValid() {
		out = in
	}
	if err := s.pool.EnsureConfigured(out.Width, out.Height); err != nil {
		return err
	}
	if s.copier != nil {
		s.copier.Release()
	}
	if out == in {
		s.copier = effect.NewCopyProgram(s.ctx)
	} else {
		s.copier = effect.NewMatrixProgram(s.ctx, effect.MatrixConfig{
			Label:      s.config.Label + "_scale",
			OutputSize: out,
			Format:     gpu.FrameFormat(s.config.HDR),
		})
	}
	if _, err := s.copier.Configure(in); err != nil {
		return err
	}
	s.logger.Info("offload: configured", "in_w", in.Width, "in_h", in.Height, "out_w", out.Width, "out_h", out.Height)
	s.inSize, s.outSize = in, out
	return nil
}

// harvest blocks on the oldest task and emits its buffer. A failed task
// is reported and its frame dropped.
func (s *Stage[R]) harvest() {
	t := s.queue[0]
	s.queue[0] = inFlightTask[R]{}
	s.queue = s.queue[1:]
	defer s.observeInFlight()

	result, err := t.future.Wait(s.config.HarvestTimeout)
	if err == nil {
		err = s.processor.FinishAndBlend(t.frame, result)
	}
	latency := time.Since(t.submitted)
	if s.config.Observer != nil {
		s.config.Observer.Harvested(latency, err == nil)
	}
	if err != nil {
		if errors.Is(err, ErrHarvestTimeout) {
			t.future.Cancel()
		}
		s.logger.Warn("offload: dropping frame", "ts", t.frame.PresentationTimeUs, "err", err)
		_ = s.pool.Release(t.frame.Texture)
		s.port.Error(&HarvestError{TimestampUs: t.frame.PresentationTimeUs, Err: err})
		return
	}
	s.port.OutputFrameAvailable(t.frame)
}

// harvestCompleted emits finished tasks at the head of the queue without blocking.
func (s *Stage[R]) harvestCompleted() {
	for len(s.queue) > 0 && s.queue[0].future.IsDone() {
		s.harvest()
	}
}

func (s *Stage[R]) harvestAll() {
	for len(s.queue) > 0 {
		s.harvest()
	}
}

func (s *Stage[R]) endOfStream() {
	s.processor.SignalEndOfStream()
	s.harvestAll()
	s.port.OutputStreamEnded()
}

// announce keeps at most one unit of credit outstanding. Credit is given
// when an input can be accepted: a buffer is free, or the queue is full
// and accepting will harvest the oldest task first.
func (s *Stage[R]) announce() {
	if s.port == nil || s.credits > 0 || s.stash != nil {
		return
	}
	if s.pool.FreeCount() > 0 || len(s.queue) >= s.config.Depth {
		s.credits++
		s.port.ReadyForInput()
	}
}

func (s *Stage[R]) observeInFlight() {
	if s.config.Observer != nil {
		s.config.Observer.InFlight(len(s.queue))
	}
}
