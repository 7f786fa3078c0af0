// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package effect

import (
	"errors"
	"fmt"

	"github.com/gogpu/framepipe/frame"
	"github.com/gogpu/framepipe/internal/gpu"
)

// ErrNotConfigured is returned when a program renders before Configure.
var ErrNotConfigured = errors.New("effect: program not configured")

// Program renders one input texture into one output texture.
type Program interface {
	// Configure prepares the program for inputs of size in and returns the
	// size of the textures it renders into. Called once per geometry change.
	Configure(in frame.Size) (frame.Size, error)

	// Render draws in into out and submits the work.
	Render(in, out *gpu.Texture) (gpu.Fence, error)

	// Release frees the program's GPU resources.
	Release()
}

// CopyProgram copies its input unchanged.
type CopyProgram struct {
	ctx  *gpu.Context
	size frame.Size
}

// NewCopyProgram returns a program that copies texture to texture.
func NewCopyProgram(ctx *gpu.Context) *CopyProgram {
	return &CopyProgram{ctx: ctx}
}

// Configure returns the input size.
func (p *CopyProgram) Configure(in frame.Size) (frame.Size, error) {
	if !in.IsValid() {
		return frame.Size{}, fmt.Errorf("%w: %dx%d", frame.ErrInvalidGeometry, in.Width, in.Height)
	}
	p.size = in
	return in, nil
}

// Render copies in into out.
func (p *CopyProgram) Render(in, out *gpu.Texture) (gpu.Fence, error) {
	if !p.size.IsValid() {
		return 0, ErrNotConfigured
	}
	return p.ctx.CopyTexture(in, out)
}

// Release is a no-op.
func (p *CopyProgram) Release() {}
