// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package gpu exposes the GPU context a pipeline renders with.
//
// A Context wraps an open wgpu HAL device and queue. Create one from a
// gpucontext.DeviceProvider, such as a gogpu application, or from a
// device you opened yourself:
//
//	gctx, err := gpu.FromProvider(app)
//	p, err := framepipe.New(gctx)
//
// Textures created on the context can be queued as pipeline input and
// are handed to texture consumers as output.
package gpu

import (
	"github.com/gogpu/gpucontext"
	"github.com/gogpu/wgpu/hal"

	gpuimpl "github.com/gogpu/framepipe/internal/gpu"
)

// Context owns the device and queue of one pipeline.
type Context = gpuimpl.Context

// Texture is a GPU texture with a lazily created view.
type Texture = gpuimpl.Texture

// TextureConfig describes a texture to create.
type TextureConfig = gpuimpl.TextureConfig

// Fence identifies a queue submission.
type Fence = gpuimpl.Fence

// ContextOption configures a Context.
type ContextOption = gpuimpl.ContextOption

// MemoryManagerConfig sets the texture memory budget.
type MemoryManagerConfig = gpuimpl.MemoryManagerConfig

// Context options.
var (
	WithSoftwareAdapter = gpuimpl.WithSoftwareAdapter
	WithAdapterName     = gpuimpl.WithAdapterName
	WithSurfaceFormat   = gpuimpl.WithSurfaceFormat
	WithMemoryBudget    = gpuimpl.WithMemoryBudget
)

// NewContext wraps an open HAL device and queue.
func NewContext(device hal.Device, queue hal.Queue, opts ...ContextOption) (*Context, error) {
	return gpuimpl.NewContext(device, queue, opts...)
}

// FromProvider creates a Context from a provider that exposes HAL device
// and queue handles. A software adapter lengthens GPU-speed dependent
// timeouts.
func FromProvider(p gpucontext.DeviceProvider, opts ...ContextOption) (*Context, error) {
	return gpuimpl.FromProvider(p, opts...)
}
