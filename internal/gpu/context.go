// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpu

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// Context errors.
var (
	// ErrNilDevice is returned when a context is created without a device or queue.
	ErrNilDevice = errors.New("gpu: device and queue are required")

	// ErrUnsupportedProvider is returned when a DeviceProvider does not expose
	// HAL device and queue handles.
	ErrUnsupportedProvider = errors.New("gpu: provider does not expose hal device and queue")

	// ErrFenceTimeout is returned when a submission does not complete in time.
	ErrFenceTimeout = errors.New("gpu: timed out waiting for submission")
)

// Fence identifies a queue submission. A fence is signalled once the
// queue reports the submission as completed.
type Fence uint64

// fencePollInterval is how often WaitFence polls the queue.
const fencePollInterval = 200 * time.Microsecond

// Context owns the device and queue that every stage of one pipeline
// renders with. All GPU work for a context must be issued from the
// pipeline's processing goroutine.
type Context struct {
	device   hal.Device
	queue    hal.Queue
	software bool
	adapter  string
	format   gputypes.TextureFormat

	memory  *MemoryManager
	shaders *shaderCache

	nextID   atomic.Uint64
	lastSent atomic.Uint64

	retiredMu sync.Mutex
	retired   []retiredTexture
}

// retiredTexture is a texture waiting for the submissions that may still
// read it.
type retiredTexture struct {
	tex   *Texture
	fence Fence
}

// ContextOption configures a Context during creation.
type ContextOption func(*Context)

// WithSoftwareAdapter marks the context as running on a software or
// emulated adapter. Timeouts that depend on GPU speed are lengthened.
func WithSoftwareAdapter(software bool) ContextOption {
	return func(c *Context) {
		c.software = software
	}
}

// WithAdapterName records the adapter name for diagnostics.
func WithAdapterName(name string) ContextOption {
	return func(c *Context) {
		c.adapter = name
	}
}

// WithSurfaceFormat sets the preferred format for surface output.
func WithSurfaceFormat(f gputypes.TextureFormat) ContextOption {
	return func(c *Context) {
		c.format = f
	}
}

// WithMemoryBudget sets the texture memory budget.
func WithMemoryBudget(config MemoryManagerConfig) ContextOption {
	return func(c *Context) {
		c.memory = NewMemoryManager(config)
	}
}

// NewContext wraps an open HAL device and queue.
func NewContext(device hal.Device, queue hal.Queue, opts ...ContextOption) (*Context, error) {
	if device == nil || queue == nil {
		return nil, ErrNilDevice
	}
	c := &Context{
		device:  device,
		queue:   queue,
		format:  gputypes.TextureFormatBGRA8Unorm,
		shaders: newShaderCache(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.memory == nil {
		c.memory = NewMemoryManager(MemoryManagerConfig{})
	}
	slogger().Info("gpu: context created",
		"adapter", c.adapter,
		"software", c.software,
		"budget_mb", c.memory.Stats().TotalBytes/(1024*1024))
	return c, nil
}

// FromProvider creates a Context from a gpucontext.DeviceProvider such as
// a gogpu application. The provider must expose hal.Device and hal.Queue.
func FromProvider(p gpucontext.DeviceProvider, opts ...ContextOption) (*Context, error) {
	if p == nil {
		return nil, ErrUnsupportedProvider
	}
	device, ok := p.Device().(hal.Device)
	if !ok {
		return nil, fmt.Errorf("%w: device is %T", ErrUnsupportedProvider, p.Device())
	}
	queue, ok := p.Queue().(hal.Queue)
	if !ok {
		return nil, fmt.Errorf("%w: queue is %T", ErrUnsupportedProvider, p.Queue())
	}
	info := p.AdapterInfo()
	base := []ContextOption{
		WithSoftwareAdapter(info.Type == gpucontext.AdapterTypeSoftware),
		WithAdapterName(info.Name),
	}
	if f := p.SurfaceFormat(); f != gputypes.TextureFormatUndefined {
		base = append(base, WithSurfaceFormat(f))
	}
	return NewContext(device, queue, append(base, opts...)...)
}

// Device returns the HAL device.
func (c *Context) Device() hal.Device { return c.device }

// Queue returns the HAL queue.
func (c *Context) Queue() hal.Queue { return c.queue }

// IsSoftware reports whether the adapter is a software or emulated one.
func (c *Context) IsSoftware() bool { return c.software }

// AdapterName returns the adapter name, if known.
func (c *Context) AdapterName() string { return c.adapter }

// SurfaceFormat returns the preferred surface format.
func (c *Context) SurfaceFormat() gputypes.TextureFormat { return c.format }

// Memory returns the texture memory manager.
func (c *Context) Memory() *MemoryManager { return c.memory }

// Submit records commands with record and submits them as one command
// buffer. The returned fence is signalled when the GPU finishes.
func (c *Context) Submit(label string, record func(enc hal.CommandEncoder) error) (Fence, error) {
	encoder, err := c.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: label})
	if err != nil {
		return 0, fmt.Errorf("create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding(label); err != nil {
		return 0, fmt.Errorf("begin encoding: %w", err)
	}
	if err := record(encoder); err != nil {
		encoder.DiscardEncoding()
		return 0, err
	}
	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		return 0, fmt.Errorf("end encoding: %w", err)
	}
	defer c.device.FreeCommandBuffer(cmdBuf)

	idx, err := c.queue.Submit([]hal.CommandBuffer{cmdBuf})
	if err != nil {
		return 0, fmt.Errorf("submit %s: %w", label, err)
	}
	c.lastSent.Store(idx)
	c.reapRetired()
	return Fence(idx), nil
}

// Signalled reports whether the submission identified by f has completed.
func (c *Context) Signalled(f Fence) bool {
	return uint64(f) <= c.queue.PollCompleted()
}

// WaitFence blocks until f is signalled or timeout elapses.
func (c *Context) WaitFence(f Fence, timeout time.Duration) error {
	if c.Signalled(f) {
		return nil
	}
	deadline := time.Now().Add(timeout)
	for !c.Signalled(f) {
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: fence %d after %v", ErrFenceTimeout, f, timeout)
		}
		time.Sleep(fencePollInterval)
	}
	return nil
}

// WaitIdle blocks until the last submission from this context completes.
func (c *Context) WaitIdle(timeout time.Duration) error {
	if err := c.WaitFence(Fence(c.lastSent.Load()), timeout); err != nil {
		return err
	}
	c.reapRetired()
	return nil
}

// ReleaseWhenIdle releases t once every submission made so far has
// completed. Use it for textures a submitted pass may still sample.
func (c *Context) ReleaseWhenIdle(t *Texture) {
	f := Fence(c.lastSent.Load())
	if c.Signalled(f) {
		t.Release()
		return
	}
	c.retiredMu.Lock()
	c.retired = append(c.retired, retiredTexture{tex: t, fence: f})
	c.retiredMu.Unlock()
}

func (c *Context) reapRetired() {
	c.retiredMu.Lock()
	defer c.retiredMu.Unlock()
	if len(c.retired) == 0 {
		return
	}
	completed := c.queue.PollCompleted()
	kept := c.retired[:0]
	for _, r := range c.retired {
		if uint64(r.fence) <= completed {
			r.tex.Release()
			continue
		}
		kept = append(kept, r)
	}
	clear(c.retired[len(kept):])
	c.retired = kept
}

// newID returns a process-unique texture identifier.
func (c *Context) newID() uint64 {
	return c.nextID.Add(1)
}
