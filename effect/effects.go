// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package effect

import (
	"fmt"

	"github.com/gogpu/framepipe/frame"
	"github.com/gogpu/framepipe/geom"
	"github.com/gogpu/framepipe/internal/gpu"
	"github.com/gogpu/framepipe/stage"
)

// Effects are comparable values so the pipeline can tell whether a new
// input stream needs a new chain.
var (
	_ stage.Effect = Copy{}
	_ stage.Effect = Transform{}
	_ stage.Effect = ScaleAndRotate{}
	_ stage.Effect = Presentation{}
)

// Copy passes frames through unchanged.
type Copy struct{}

// NewStage returns a copy stage.
func (Copy) NewStage(ctx *gpu.Context, hdr bool) (stage.Stage, error) {
	return NewStage(ctx, NewCopyProgram(ctx), StageConfig{
		Kind:  stage.KindEffect,
		Label: "copy",
		HDR:   hdr,
	}), nil
}

// Transform applies a pixel-space affine matrix.
type Transform struct {
	Matrix geom.Matrix
}

// NewStage returns a matrix stage.
func (t Transform) NewStage(ctx *gpu.Context, hdr bool) (stage.Stage, error) {
	if m := t.Matrix; m.A*m.E-m.B*m.D == 0 {
		return nil, fmt.Errorf("%w: transform %v is singular", frame.ErrInvalidGeometry, m)
	}
	return newMatrixStage(ctx, hdr, "transform", MatrixConfig{Transforms: []geom.Matrix{t.Matrix}}), nil
}

// ScaleAndRotate scales then rotates counter-clockwise by Degrees.
type ScaleAndRotate struct {
	SX, SY  float64
	Degrees float64
}

// Matrix returns the combined pixel-space matrix.
func (s ScaleAndRotate) Matrix() geom.Matrix {
	sx, sy := s.SX, s.SY
	if sx == 0 {
		sx = 1
	}
	if sy == 0 {
		sy = 1
	}
	return geom.RotateDegrees(s.Degrees).Multiply(geom.Scale(sx, sy))
}

// NewStage returns a matrix stage.
func (s ScaleAndRotate) NewStage(ctx *gpu.Context, hdr bool) (stage.Stage, error) {
	return newMatrixStage(ctx, hdr, "scale_rotate", MatrixConfig{Transforms: []geom.Matrix{s.Matrix()}}), nil
}

// Presentation letterboxes frames into a fixed size.
type Presentation struct {
	Width, Height int
}

// NewStage returns a matrix stage with a fixed output size.
func (p Presentation) NewStage(ctx *gpu.Context, hdr bool) (stage.Stage, error) {
	size := frame.Size{Width: p.Width, Height: p.Height}
	if !size.IsValid() {
		return nil, fmt.Errorf("%w: presentation %dx%d", frame.ErrInvalidGeometry, p.Width, p.Height)
	}
	return newMatrixStage(ctx, hdr, "presentation", MatrixConfig{OutputSize: size}), nil
}

func newMatrixStage(ctx *gpu.Context, hdr bool, label string, config MatrixConfig) *Stage {
	config.Label = label
	config.Format = gpu.FrameFormat(hdr)
	return NewStage(ctx, NewMatrixProgram(ctx, config), StageConfig{
		Kind:  stage.KindEffect,
		Label: label,
		HDR:   hdr,
	})
}
