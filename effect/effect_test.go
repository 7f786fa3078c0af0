// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package effect

import (
	"errors"
	"math"
	"testing"

	"github.com/gogpu/framepipe/frame"
	"github.com/gogpu/framepipe/geom"
	"github.com/gogpu/framepipe/internal/gpu"
	"github.com/gogpu/framepipe/internal/gpu/gputest"
	"github.com/gogpu/framepipe/stage"
)

// recordingPort records every call a stage makes on its port.
type recordingPort struct {
	ready     int
	processed []frame.Frame
	outputs   []frame.Frame
	ended     int
	flushed   int
	errs      []error
}

func (p *recordingPort) ReadyForInput() { p.ready++ }
func (p *recordingPort) InputFrameProcessed(f frame.Frame) { p.processed = append(p.processed, f) }
func (p *recordingPort) Flushed() { p.flushed++ }
func (p *recordingPort) OutputFrameAvailable(f frame.Frame) { p.outputs = append(p.outputs, f) }
func (p *recordingPort) OutputStreamEnded() { p.ended++ }
func (p *recordingPort) Error(err error) { p.errs = append(p.errs, err) }

func inputFrame(t *testing.T, ctx *gpu.Context, w, h int, ts int64) frame.Frame {
	t.Helper()
	tex, err := ctx.NewTexture(gpu.TextureConfig{Width: w, Height: h, Label: "input"})
	if err != nil {
		t.Fatalf("NewTexture: %v", err)
	}
	return frame.New(tex, ts)
}

// ===== Stage =====

func TestCopyStageCredits(t *testing.T) {
	ctx := gputest.NewContext(t)
	s := NewStage(ctx, NewCopyProgram(ctx), StageConfig{Kind: stage.KindEffect, Capacity: 2, Strict: true})
	defer s.Release()
	port := &recordingPort{}
	s.Bind(port)
	if port.ready != 2 {
		t.Fatalf("ready after bind = %d, want 2", port.ready)
	}

	for i := range 2 {
		s.QueueInputFrame(inputFrame(t, ctx, 16, 8, int64(i)))
	}
	if len(port.outputs) != 2 || len(port.processed) != 2 {
		t.Fatalf("outputs=%d processed=%d, want 2/2", len(port.outputs), len(port.processed))
	}
	if port.ready != 2 {
		t.Errorf("ready = %d, want no new credit while pool is full", port.ready)
	}
	if got := port.outputs[1].PresentationTimeUs; got != 1 {
		t.Errorf("output timestamp = %d, want 1", got)
	}
	if port.outputs[0].Size() != (frame.Size{Width: 16, Height: 8}) {
		t.Errorf("output size = %v", port.outputs[0].Size())
	}

	s.ReleaseOutputFrame(port.outputs[0])
	if port.ready != 3 {
		t.Errorf("ready after release = %d, want 3", port.ready)
	}
	if err := s.Pool().CheckInvariant(); err != nil {
		t.Error(err)
	}
}

func TestStageRebindResetsCredit(t *testing.T) {
	ctx := gputest.NewContext(t)
	s := NewStage(ctx, NewCopyProgram(ctx), StageConfig{Kind: stage.KindEffect, Capacity: 3})
	first := &recordingPort{}
	s.Bind(first)
	s.QueueInputFrame(inputFrame(t, ctx, 4, 4, 0))

	second := &recordingPort{}
	s.Bind(second)
	if second.ready != 2 {
		t.Errorf("ready on rebind = %d, want free buffer count 2", second.ready)
	}
}

func TestStageGeometryChangeWaitsForBuffers(t *testing.T) {
	ctx := gputest.NewContext(t)
	s := NewStage(ctx, NewCopyProgram(ctx), StageConfig{Kind: stage.KindEffect, Capacity: 2, Strict: true})
	port := &recordingPort{}
	s.Bind(port)

	s.QueueInputFrame(inputFrame(t, ctx, 8, 8, 0))
	s.QueueInputFrame(inputFrame(t, ctx, 4, 4, 1))
	if len(port.outputs) != 1 {
		t.Fatalf("outputs = %d, want the resized frame held", len(port.outputs))
	}
	s.SignalEndOfCurrentInputStream()
	if port.ended != 0 {
		t.Fatal("end of stream forwarded before held frame")
	}

	s.ReleaseOutputFrame(port.outputs[0])
	if len(port.outputs) != 2 || port.outputs[1].Size() != (frame.Size{Width: 4, Height: 4}) {
		t.Fatalf("held frame not emitted at new size: %v", port.outputs)
	}
	if port.ended != 1 {
		t.Errorf("ended = %d, want 1", port.ended)
	}
}

func TestStageFlush(t *testing.T) {
	ctx := gputest.NewContext(t)
	s := NewStage(ctx, NewCopyProgram(ctx), StageConfig{Kind: stage.KindEffect, Capacity: 2, Strict: true})
	port := &recordingPort{}
	s.Bind(port)
	s.QueueInputFrame(inputFrame(t, ctx, 8, 8, 0))
	s.QueueInputFrame(inputFrame(t, ctx, 8, 8, 1))

	s.Flush()
	if port.flushed != 1 {
		t.Errorf("Flushed calls = %d", port.flushed)
	}
	if s.Pool().FreeCount() != s.Pool().Capacity() {
		t.Errorf("free = %d after flush, want %d", s.Pool().FreeCount(), s.Pool().Capacity())
	}
	if port.ready != 4 {
		t.Errorf("ready = %d, want 2 at bind + 2 after flush", port.ready)
	}
}

func TestStageReportsForeignRelease(t *testing.T) {
	ctx := gputest.NewContext(t)
	s := NewStage(ctx, NewCopyProgram(ctx), StageConfig{Kind: stage.KindEffect})
	port := &recordingPort{}
	s.Bind(port)
	s.ReleaseOutputFrame(inputFrame(t, ctx, 4, 4, 0))
	if len(port.errs) != 1 || !errors.Is(port.errs[0], frame.ErrForeignBuffer) {
		t.Errorf("errs = %v, want ErrForeignBuffer", port.errs)
	}
}

// ===== Matrix program =====

func TestMatrixOutputSizes(t *testing.T) {
	ctx := gputest.NewContext(t)
	in := frame.Size{Width: 640, Height: 480}
	tests := []struct {
		name   string
		config MatrixConfig
		want   frame.Size
	}{
		{"identity", MatrixConfig{}, in},
		{"rotate 90", MatrixConfig{Transforms: []geom.Matrix{ScaleAndRotate{Degrees: 90}.Matrix()}}, frame.Size{Width: 480, Height: 640}},
		{"half scale", MatrixConfig{Transforms: []geom.Matrix{geom.Scale(0.5, 0.5)}}, frame.Size{Width: 320, Height: 240}},
		{"fixed output", MatrixConfig{OutputSize: frame.Size{Width: 1920, Height: 1080}}, frame.Size{Width: 1920, Height: 1080}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewMatrixProgram(ctx, tt.config)
			defer p.Release()
			got, err := p.Configure(in)
			if err != nil {
				t.Fatalf("Configure: %v", err)
			}
			if got != tt.want {
				t.Errorf("output = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMatrixLetterbox(t *testing.T) {
	ctx := gputest.NewContext(t)
	p := NewMatrixProgram(ctx, MatrixConfig{OutputSize: frame.Size{Width: 200, Height: 100}})
	defer p.Release()
	if _, err := p.Configure(frame.Size{Width: 100, Height: 100}); err != nil {
		t.Fatal(err)
	}
	// A square input in a 2:1 output is pillarboxed to half the width.
	x, y := p.NDC().Apply(1, 1)
	if math.Abs(x-0.5) > 1e-9 || math.Abs(y-1) > 1e-9 {
		t.Errorf("NDC corner = (%v, %v), want (0.5, 1)", x, y)
	}
}

func TestMatrixRenderBeforeConfigure(t *testing.T) {
	ctx := gputest.NewContext(t)
	p := NewMatrixProgram(ctx, MatrixConfig{})
	a := inputFrame(t, ctx, 4, 4, 0)
	if _, err := p.Render(a.Texture, a.Texture); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Render error = %v, want ErrNotConfigured", err)
	}
}

func TestMatrixStageRenders(t *testing.T) {
	ctx := gputest.NewContext(t)
	st, err := ScaleAndRotate{SX: 0.5, SY: 0.5}.NewStage(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Release()
	port := &recordingPort{}
	st.Bind(port)
	st.QueueInputFrame(inputFrame(t, ctx, 64, 32, 7))
	if len(port.errs) != 0 {
		t.Fatalf("errors: %v", port.errs)
	}
	if len(port.outputs) != 1 || port.outputs[0].Size() != (frame.Size{Width: 32, Height: 16}) {
		t.Fatalf("outputs = %v", port.outputs)
	}
}

// ===== Effects =====

func TestEffectValidation(t *testing.T) {
	ctx := gputest.NewContext(t)
	if _, err := (Presentation{}).NewStage(ctx, false); !errors.Is(err, frame.ErrInvalidGeometry) {
		t.Errorf("Presentation{} error = %v", err)
	}
	if _, err := (Transform{Matrix: geom.Scale(0, 1)}).NewStage(ctx, false); !errors.Is(err, frame.ErrInvalidGeometry) {
		t.Errorf("singular Transform error = %v", err)
	}
}

func TestEffectsComparable(t *testing.T) {
	a := []stage.Effect{ScaleAndRotate{Degrees: 90}, Presentation{Width: 1, Height: 1}}
	b := []stage.Effect{ScaleAndRotate{Degrees: 90}, Presentation{Width: 1, Height: 1}}
	if !stage.SameEffects(a, b) {
		t.Error("equal effect lists compare unequal")
	}
	b[0] = ScaleAndRotate{Degrees: 180}
	if stage.SameEffects(a, b) {
		t.Error("different effect lists compare equal")
	}
}

func TestSamplerTransform(t *testing.T) {
	ctx := gputest.NewContext(t)
	s := NewSampler(ctx, SamplerConfig{Strict: true})
	defer s.Release()
	m := geom.Scale(0.9, 0.9)
	s.SetSamplingTransform(m)
	if s.SamplingTransform() != m {
		t.Errorf("SamplingTransform = %v", s.SamplingTransform())
	}
	if s.Kind() != stage.KindSampler {
		t.Errorf("Kind = %v", s.Kind())
	}
}
