// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpu

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// Texture-related errors.
var (
	// ErrTextureReleased is returned when operating on a released texture.
	ErrTextureReleased = errors.New("gpu: texture has been released")

	// ErrInvalidDimensions is returned for non-positive texture sizes.
	ErrInvalidDimensions = errors.New("gpu: invalid texture dimensions")

	// ErrDataSizeMismatch is returned when upload data does not match the texture.
	ErrDataSizeMismatch = errors.New("gpu: data size does not match texture")
)

// Common texture formats used by the pipeline.
const (
	// FormatSDR is the format of standard dynamic range frames.
	FormatSDR = gputypes.TextureFormatRGBA8Unorm

	// FormatHDR is the format of high dynamic range frames.
	FormatHDR = gputypes.TextureFormatRGBA16Float
)

// DefaultTextureUsage is the usage of pipeline frame buffers: they are
// rendered into, sampled, and copied in both directions.
const DefaultTextureUsage = gputypes.TextureUsageCopySrc |
	gputypes.TextureUsageCopyDst |
	gputypes.TextureUsageTextureBinding |
	gputypes.TextureUsageRenderAttachment

// FrameFormat returns the texture format for SDR or HDR frames.
func FrameFormat(hdr bool) gputypes.TextureFormat {
	if hdr {
		return FormatHDR
	}
	return FormatSDR
}

// BytesPerPixel returns the number of bytes per pixel for the format.
func BytesPerPixel(f gputypes.TextureFormat) int {
	switch f {
	case gputypes.TextureFormatRGBA16Float:
		return 8
	case gputypes.TextureFormatR8Unorm:
		return 1
	default:
		return 4
	}
}

// TextureConfig holds configuration for creating a new texture.
type TextureConfig struct {
	Width  int
	Height int

	// Format defaults to FormatSDR.
	Format gputypes.TextureFormat

	// Label is an optional debug label.
	Label string

	// Usage defaults to DefaultTextureUsage.
	Usage gputypes.TextureUsage
}

// Texture is a GPU texture handle owned by the pipeline or wrapped from
// a caller. Every texture carries a unique ID; HAL handles are not
// guaranteed to be comparable.
//
// Texture implements gpucontext.Texture and gpucontext.TextureUpdater.
type Texture struct {
	id     uint64
	ctx    *Context
	raw    hal.Texture
	width  int
	height int
	format gputypes.TextureFormat
	label  string

	sizeBytes uint64
	external  bool

	viewMu sync.Mutex
	view   hal.TextureView

	released atomic.Bool
}

var (
	_ gpucontext.Texture        = (*Texture)(nil)
	_ gpucontext.TextureUpdater = (*Texture)(nil)
)

// NewTexture allocates a texture, charging it against the memory budget.
func (c *Context) NewTexture(config TextureConfig) (*Texture, error) {
	if config.Width <= 0 || config.Height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, config.Width, config.Height)
	}
	if config.Format == gputypes.TextureFormatUndefined {
		config.Format = FormatSDR
	}
	if config.Usage == gputypes.TextureUsageNone {
		config.Usage = DefaultTextureUsage
	}

	//nolint:gosec // G115: dimensions validated above
	size := uint64(config.Width) * uint64(config.Height) * uint64(BytesPerPixel(config.Format))
	if err := c.memory.Reserve(size); err != nil {
		return nil, err
	}

	//nolint:gosec // G115: dimensions validated above
	raw, err := c.device.CreateTexture(&hal.TextureDescriptor{
		Label: config.Label,
		Size: hal.Extent3D{
			Width:              uint32(config.Width),
			Height:             uint32(config.Height),
			DepthOrArrayLayers: 1,
		},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        config.Format,
		Usage:         config.Usage,
	})
	if err != nil {
		c.memory.Free(size)
		return nil, fmt.Errorf("create texture %q: %w", config.Label, err)
	}

	t := &Texture{
		id:        c.newID(),
		ctx:       c,
		raw:       raw,
		width:     config.Width,
		height:    config.Height,
		format:    config.Format,
		label:     config.Label,
		sizeBytes: size,
	}
	slogger().Debug("gpu: texture created", "id", t.id, "label", t.label, "w", t.width, "h", t.height)
	return t, nil
}

// WrapTexture wraps a texture the pipeline does not own, such as a
// caller-provided input texture or a surface texture. Releasing the
// wrapper never destroys raw.
func (c *Context) WrapTexture(raw hal.Texture, width, height int, format gputypes.TextureFormat, label string) *Texture {
	return &Texture{
		id:       c.newID(),
		ctx:      c,
		raw:      raw,
		width:    width,
		height:   height,
		format:   format,
		label:    label,
		external: true,
	}
}

// ID returns the texture's unique identifier.
func (t *Texture) ID() uint64 { return t.id }

// Width returns the texture width in pixels.
func (t *Texture) Width() int { return t.width }

// Height returns the texture height in pixels.
func (t *Texture) Height() int { return t.height }

// Format returns the texture format.
func (t *Texture) Format() gputypes.TextureFormat { return t.format }

// Label returns the debug label.
func (t *Texture) Label() string { return t.label }

// Raw returns the HAL texture.
func (t *Texture) Raw() hal.Texture { return t.raw }

// IsReleased reports whether the texture has been released.
func (t *Texture) IsReleased() bool { return t.released.Load() }

// View returns the default 2D view of the texture, creating it on first use.
func (t *Texture) View() (hal.TextureView, error) {
	if t.released.Load() {
		return nil, ErrTextureReleased
	}
	t.viewMu.Lock()
	defer t.viewMu.Unlock()
	if t.view != nil {
		return t.view, nil
	}
	view, err := t.ctx.device.CreateTextureView(t.raw, &hal.TextureViewDescriptor{
		Label:           t.label + "_view",
		Format:          t.format,
		Dimension:       gputypes.TextureViewDimension2D,
		Aspect:          gputypes.TextureAspectAll,
		MipLevelCount:   1,
		ArrayLayerCount: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("create view for %q: %w", t.label, err)
	}
	t.view = view
	return view, nil
}

// UpdateData uploads tightly packed pixel data covering the whole texture.
func (t *Texture) UpdateData(data []byte) error {
	return t.ctx.WritePixels(t, data)
}

// Release destroys the texture view and, for owned textures, the texture
// itself. Release is idempotent.
func (t *Texture) Release() {
	if !t.released.CompareAndSwap(false, true) {
		return
	}
	t.viewMu.Lock()
	if t.view != nil {
		t.ctx.device.DestroyTextureView(t.view)
		t.view = nil
	}
	t.viewMu.Unlock()
	if t.external {
		return
	}
	t.ctx.device.DestroyTexture(t.raw)
	t.ctx.memory.Free(t.sizeBytes)
}

// String returns a short description for logs.
func (t *Texture) String() string {
	return fmt.Sprintf("Texture[%d %q %dx%d]", t.id, t.label, t.width, t.height)
}
