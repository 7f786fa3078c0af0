// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package effect

import (
	"log/slog"
	"slices"

	"github.com/gogpu/framepipe/frame"
	"github.com/gogpu/framepipe/geom"
	"github.com/gogpu/framepipe/internal/gpu"
	"github.com/gogpu/framepipe/stage"
)

// Sampler is the first stage behind a source. It samples source buffers
// through a per-frame texture transform into pipeline frames of the
// visible size.
type Sampler struct {
	*Stage
	program *MatrixProgram
}

// SamplerConfig configures a Sampler.
type SamplerConfig struct {
	Label    string
	HDR      bool
	Capacity int
	Strict   bool
	Logger   *slog.Logger
}

// NewSampler creates a sampler stage.
func NewSampler(ctx *gpu.Context, config SamplerConfig) *Sampler {
	if config.Label == "" {
		config.Label = "sampler"
	}
	program := NewMatrixProgram(ctx, MatrixConfig{
		Label:  config.Label,
		Format: gpu.FrameFormat(config.HDR),
	})
	return &Sampler{
		Stage: NewStage(ctx, program, StageConfig{
			Kind:     stage.KindSampler,
			Label:    config.Label,
			Capacity: config.Capacity,
			HDR:      config.HDR,
			Strict:   config.Strict,
			Logger:   config.Logger,
		}),
		program: program,
	}
}

// SetSamplingTransform sets the texture transform used for the next
// frames. Sources call it right before feeding a frame.
func (s *Sampler) SetSamplingTransform(m geom.Matrix) {
	s.program.SetTexTransform(m)
}

// SamplingTransform returns the current texture transform.
func (s *Sampler) SamplingTransform() geom.Matrix {
	return s.program.texTransform
}

// SetPixelAspectRatio stretches the sampled width by par, so frames leave
// the sampler at the display size of the stream. Zero and one disable
// the stretch. The next frame waits until every buffer of the old size
// is back.
func (s *Sampler) SetPixelAspectRatio(par float64) {
	var transforms []geom.Matrix
	if par > 0 && par != 1 {
		transforms = []geom.Matrix{geom.Scale(par, 1)}
	}
	if slices.Equal(transforms, s.program.config.Transforms) {
		return
	}
	s.program.config.Transforms = transforms
	s.inSize = frame.Size{}
}
