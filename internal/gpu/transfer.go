// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpu

import (
	"fmt"
	"time"
	"unsafe"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// copyRowAlignment is the required bytes-per-row alignment for
// texture-to-buffer copies.
const copyRowAlignment = 256

// readbackTimeout bounds how long ReadPixels waits for the copy.
const readbackTimeout = 5 * time.Second

// CopyTexture records and submits a GPU-to-GPU copy of src into dst.
// Both textures must have the same size and format.
func (c *Context) CopyTexture(src, dst *Texture) (Fence, error) {
	if src.IsReleased() || dst.IsReleased() {
		return 0, ErrTextureReleased
	}
	if src.width != dst.width || src.height != dst.height {
		return 0, fmt.Errorf("%w: copy %dx%d into %dx%d",
			ErrDataSizeMismatch, src.width, src.height, dst.width, dst.height)
	}
	return c.Submit("copy_texture", func(enc hal.CommandEncoder) error {
		enc.CopyTextureToTexture(src.raw, dst.raw, []hal.TextureCopy{{
			SrcBase: hal.ImageCopyTexture{Texture: src.raw, Aspect: gputypes.TextureAspectAll},
			DstBase: hal.ImageCopyTexture{Texture: dst.raw, Aspect: gputypes.TextureAspectAll},
			Size:    extent(src.width, src.height),
		}})
		return nil
	})
}

// WritePixels uploads tightly packed pixel rows covering the whole texture.
func (c *Context) WritePixels(t *Texture, data []byte) error {
	if t.IsReleased() {
		return ErrTextureReleased
	}
	bytesPerRow := t.width * BytesPerPixel(t.format)
	if len(data) != bytesPerRow*t.height {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrDataSizeMismatch, len(data), bytesPerRow*t.height)
	}
	size := extent(t.width, t.height)
	//nolint:gosec // G115: dimensions validated at creation
	return c.queue.WriteTexture(
		&hal.ImageCopyTexture{Texture: t.raw, Aspect: gputypes.TextureAspectAll},
		data,
		&hal.ImageDataLayout{BytesPerRow: uint32(bytesPerRow), RowsPerImage: uint32(t.height)},
		&size,
	)
}

// ReadPixels copies the texture into a staging buffer, waits for the GPU
// and returns tightly packed rows.
func (c *Context) ReadPixels(t *Texture) ([]byte, error) {
	if t.IsReleased() {
		return nil, ErrTextureReleased
	}
	bytesPerRow := uint64(t.width * BytesPerPixel(t.format))
	alignedBytesPerRow := (bytesPerRow + copyRowAlignment - 1) / copyRowAlignment * copyRowAlignment
	//nolint:gosec // G115: dimensions validated at creation
	bufSize := alignedBytesPerRow * uint64(t.height)

	staging, err := c.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "readback_staging",
		Size:  bufSize,
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("create staging buffer: %w", err)
	}
	defer c.device.DestroyBuffer(staging)

	//nolint:gosec // G115: bounded by texture size
	fence, err := c.Submit("readback", func(enc hal.CommandEncoder) error {
		enc.CopyTextureToBuffer(t.raw, staging, []hal.BufferTextureCopy{{
			BufferLayout: hal.ImageDataLayout{
				BytesPerRow:  uint32(alignedBytesPerRow),
				RowsPerImage: uint32(t.height),
			},
			TextureBase: hal.ImageCopyTexture{Texture: t.raw, Aspect: gputypes.TextureAspectAll},
			Size:        extent(t.width, t.height),
		}})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := c.WaitFence(fence, readbackTimeout); err != nil {
		return nil, err
	}

	mapping, err := c.device.MapBuffer(staging, 0, bufSize)
	if err != nil {
		return nil, fmt.Errorf("map staging buffer: %w", err)
	}
	defer func() { _ = c.device.UnmapBuffer(staging) }()

	mapped := unsafe.Slice((*byte)(mapping.Ptr), bufSize) //nolint:gosec // mapped range is bufSize bytes
	out := make([]byte, bytesPerRow*uint64(t.height))
	for row := uint64(0); row < uint64(t.height); row++ {
		copy(out[row*bytesPerRow:(row+1)*bytesPerRow], mapped[row*alignedBytesPerRow:])
	}
	return out, nil
}

func extent(w, h int) hal.Extent3D {
	//nolint:gosec // G115: dimensions validated at creation
	return hal.Extent3D{Width: uint32(w), Height: uint32(h), DepthOrArrayLayers: 1}
}
