// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package output

import (
	"errors"
	"fmt"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/framepipe/frame"
	"github.com/gogpu/framepipe/internal/gpu"
)

// renderSurface draws f onto the next surface texture and presents it.
func (t *Terminal) renderSurface(f frame.Frame) error {
	info := t.info
	format := t.ctx.SurfaceFormat()
	if !t.surfaceConfigured {
		mode := info.PresentMode
		if mode == gputypes.PresentModeUndefined {
			mode = gputypes.PresentModeFifo
		}
		err := info.Surface.Configure(t.ctx.Device(), &hal.SurfaceConfiguration{
			Width:       uint32(info.Width),  //nolint:gosec // validated positive
			Height:      uint32(info.Height), //nolint:gosec // validated positive
			Format:      format,
			Usage:       gputypes.TextureUsageRenderAttachment,
			PresentMode: mode,
			AlphaMode:   gputypes.CompositeAlphaModeOpaque,
		})
		if err != nil {
			return fmt.Errorf("configure surface: %w", err)
		}
		t.surfaceConfigured = true
		t.logger.Info("output: surface configured", "w", info.Width, "h", info.Height, "present_mode", mode)
	}
	if _, err := t.ensureProgram(f.Size(), info.Size(), format); err != nil {
		return err
	}

	acquired, err := info.Surface.AcquireTexture(nil)
	if err != nil {
		if errors.Is(err, hal.ErrSurfaceOutdated) {
			t.surfaceConfigured = false
		}
		return fmt.Errorf("acquire surface texture: %w", err)
	}
	target := t.ctx.WrapTexture(acquired.Texture, info.Width, info.Height, format, "output_surface")
	if _, err := t.program.Render(f.Texture, target); err != nil {
		info.Surface.DiscardTexture(acquired.Texture)
		target.Release()
		return err
	}
	if err := t.ctx.Queue().Present(info.Surface, acquired.Texture, nil); err != nil {
		target.Release()
		if errors.Is(err, hal.ErrSurfaceOutdated) {
			t.surfaceConfigured = false
		}
		return fmt.Errorf("present: %w", err)
	}
	t.ctx.ReleaseWhenIdle(target)
	if acquired.Suboptimal {
		t.surfaceConfigured = false
	}
	return nil
}

// renderTexture draws f into a pool texture held for the consumer.
func (t *Terminal) renderTexture(f frame.Frame) (frame.Frame, gpu.Fence, error) {
	var fixed frame.Size
	if t.info != nil {
		fixed = t.info.Size()
	}
	size, err := t.ensureProgram(f.Size(), fixed, gpu.FrameFormat(t.config.HDR))
	if err != nil {
		return frame.Frame{}, 0, err
	}
	if err := t.pool.EnsureConfigured(size.Width, size.Height); err != nil {
		return frame.Frame{}, 0, err
	}
	tex, err := t.pool.Acquire()
	if err != nil {
		return frame.Frame{}, 0, err
	}
	fence, err := t.program.Render(f.Texture, tex)
	if err != nil {
		_ = t.pool.Release(tex)
		return frame.Frame{}, 0, err
	}
	out := frame.New(tex, f.PresentationTimeUs)
	t.rendered = append(t.rendered, out)
	return out, fence, nil
}

// want is the input capacity the terminal offers upstream.
func (t *Terminal) want() int {
	if t.pool != nil {
		return t.pool.FreeCount() - len(t.queue)
	}
	if t.config.Pacing == PacingManual {
		return 1
	}
	return 1 - len(t.queue)
}

// announce tops up the upstream credit to want.
func (t *Terminal) announce() {
	if t.port == nil {
		return
	}
	for t.credits < t.want() {
		t.credits++
		t.port.ReadyForInput()
	}
}

func (t *Terminal) nowNs() int64 {
	if t.config.Engine != nil {
		return t.config.Engine.Clock().NowNs()
	}
	return time.Now().UnixNano()
}
