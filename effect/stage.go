// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package effect

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/gogpu/framepipe/frame"
	"github.com/gogpu/framepipe/internal/gpu"
	"github.com/gogpu/framepipe/stage"
)

// DefaultCapacity is the output pool size of an effect stage.
const DefaultCapacity = 1

// StageConfig configures a Stage.
type StageConfig struct {
	Kind     stage.Kind
	Label    string
	Capacity int
	HDR      bool
	Strict   bool
	Logger   *slog.Logger
}

// Stage runs a Program on every input frame. It renders into its own
// fixed-capacity pool and announces one unit of input capacity per free
// output buffer.
type Stage struct {
	ctx     *gpu.Context
	program Program
	pool    *frame.BufferPool
	config  StageConfig
	logger  *slog.Logger

	port    stage.Port
	credits int

	inSize  frame.Size
	outSize frame.Size

	// waiting holds an input whose geometry change must wait until every
	// output buffer is back.
	waiting    *frame.Frame
	eosPending bool
}

var _ stage.Stage = (*Stage)(nil)

// NewStage wraps program in a stage.
func NewStage(ctx *gpu.Context, program Program, config StageConfig) *Stage {
	if config.Capacity < 1 {
		config.Capacity = DefaultCapacity
	}
	if config.Label == "" {
		config.Label = config.Kind.String()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Stage{
		ctx:     ctx,
		program: program,
		config:  config,
		logger:  logger.With("stage", config.Label),
		pool: frame.NewBufferPool(ctx, frame.PoolConfig{
			Capacity: config.Capacity,
			HDR:      config.HDR,
			Label:    config.Label,
			Strict:   config.Strict,
		}),
	}
}

// Kind returns the stage kind.
func (s *Stage) Kind() stage.Kind { return s.config.Kind }

// Program returns the wrapped program.
func (s *Stage) Program() Program { return s.program }

// Pool returns the output pool.
func (s *Stage) Pool() *frame.BufferPool { return s.pool }

// Bind announces one unit of capacity per free output buffer.
func (s *Stage) Bind(p stage.Port) {
	s.port = p
	s.credits = 0
	s.announce()
}

// QueueInputFrame renders f into a pool buffer and emits the result.
func (s *Stage) QueueInputFrame(f frame.Frame) {
	s.credits--
	if f.Size() != s.inSize && s.pool.UsedCount() > 0 {
		s.waiting = &f
		return
	}
	s.process(f)
}

// ReleaseOutputFrame returns an output buffer to the pool.
func (s *Stage) ReleaseOutputFrame(f frame.Frame) {
	if err := s.pool.Release(f.Texture); err != nil {
		s.port.Error(err)
		return
	}
	if s.waiting != nil && s.pool.UsedCount() == 0 {
		f := *s.waiting
		s.waiting = nil
		s.process(f)
		if s.eosPending {
			s.eosPending = false
			s.port.OutputStreamEnded()
		}
	}
	s.announce()
}

// SignalEndOfCurrentInputStream forwards end of stream once no input is waiting.
func (s *Stage) SignalEndOfCurrentInputStream() {
	if s.waiting != nil {
		s.eosPending = true
		return
	}
	s.port.OutputStreamEnded()
}

// Flush drops the waiting input and reclaims every output buffer.
func (s *Stage) Flush() {
	s.waiting = nil
	s.eosPending = false
	s.pool.FreeAll()
	s.port.Flushed()
	s.credits = 0
	s.announce()
}

// Release frees the program and the pool.
func (s *Stage) Release() error {
	s.program.Release()
	s.pool.Destroy()
	return nil
}

func (s *Stage) process(f frame.Frame) {
	if err := s.configure(f.Size()); err != nil {
		s.port.InputFrameProcessed(f)
		s.port.Error(err)
		s.announce()
		return
	}
	out, err := s.pool.Acquire()
	if err != nil {
		s.port.InputFrameProcessed(f)
		s.port.Error(fmt.Errorf("%s: %w", s.config.Label, err))
		s.announce()
		return
	}
	if _, err := s.program.Render(f.Texture, out); err != nil {
		_ = s.pool.Release(out)
		s.port.InputFrameProcessed(f)
		s.port.Error(fmt.Errorf("%s: render %s: %w", s.config.Label, f, err))
		s.announce()
		return
	}
	// Emit before handing the input back so the next input cannot
	// overtake this output.
	s.port.OutputFrameAvailable(frame.New(out, f.PresentationTimeUs))
	s.port.InputFrameProcessed(f)
}

func (s *Stage) configure(in frame.Size) error {
	if in == s.inSize && s.pool.IsConfigured() {
		return nil
	}
	out, err := s.program.Configure(in)
	if err != nil {
		return fmt.Errorf("%s: configure %dx%d: %w", s.config.Label, in.Width, in.Height, err)
	}
	if err := s.pool.EnsureConfigured(out.Width, out.Height); err != nil {
		if errors.Is(err, frame.ErrReconfigureInUse) {
			s.logger.Warn("effect: reconfigure with buffers in use", "in", in, "out", out)
		}
		return err
	}
	s.logger.Debug("effect: configured", "in_w", in.Width, "in_h", in.Height, "out_w", out.Width, "out_h", out.Height)
	s.inSize, s.outSize = in, out
	return nil
}

// announce tops up the upstream credit to the number of free buffers.
func (s *Stage) announce() {
	if s.port == nil || s.waiting != nil {
		return
	}
	for s.credits < s.pool.FreeCount() {
		s.credits++
		s.port.ReadyForInput()
	}
}
