package frame

import (
	"errors"
	"fmt"

	"github.com/gogpu/framepipe/internal/gpu"
)

// Pool errors.
var (
	// ErrPoolExhausted is returned when no buffer is free.
	ErrPoolExhausted = errors.New("frame: no free buffer in pool")

	// ErrPoolNotConfigured is returned when the pool has no buffers yet.
	ErrPoolNotConfigured = errors.New("frame: pool not configured")

	// ErrReconfigureInUse is returned when dimensions change while buffers are in use.
	ErrReconfigureInUse = errors.New("frame: cannot reconfigure pool with buffers in use")

	// ErrDoubleRelease is returned when a free buffer is released again.
	ErrDoubleRelease = errors.New("frame: buffer released twice")

	// ErrForeignBuffer is returned when a buffer does not belong to the pool.
	ErrForeignBuffer = errors.New("frame: buffer does not belong to pool")
)

// PoolConfig configures a BufferPool.
type PoolConfig struct {
	// Capacity is the fixed number of buffers. Must be at least 1.
	Capacity int

	// HDR selects the high dynamic range texture format.
	HDR bool

	// Label prefixes the debug labels of the buffers.
	Label string

	// Strict makes protocol violations (double release, foreign buffer)
	// panic instead of returning an error.
	Strict bool
}

// BufferPool is a fixed-capacity set of same-sized GPU buffers.
// Every buffer is either free or used, so used+free always equals the
// capacity. A pool is mutated only from the processing goroutine.
type BufferPool struct {
	ctx    *gpu.Context
	config PoolConfig

	size  Size
	all   []*gpu.Texture
	free  []*gpu.Texture
	inUse map[uint64]*gpu.Texture
}

// NewBufferPool creates an unconfigured pool. Buffers are allocated by
// the first EnsureConfigured call.
func NewBufferPool(ctx *gpu.Context, config PoolConfig) *BufferPool {
	if config.Capacity < 1 {
		config.Capacity = 1
	}
	if config.Label == "" {
		config.Label = "frame_pool"
	}
	return &BufferPool{
		ctx:    ctx,
		config: config,
		inUse:  make(map[uint64]*gpu.Texture, config.Capacity),
	}
}

// Capacity returns the fixed number of buffers.
func (p *BufferPool) Capacity() int { return p.config.Capacity }

// FreeCount returns the number of buffers available for Acquire.
func (p *BufferPool) FreeCount() int {
	if !p.IsConfigured() {
		return p.config.Capacity
	}
	return len(p.free)
}

// UsedCount returns the number of buffers currently owned by a stage.
func (p *BufferPool) UsedCount() int { return len(p.inUse) }

// IsConfigured reports whether buffers have been allocated.
func (p *BufferPool) IsConfigured() bool { return len(p.all) > 0 }

// Size returns the configured buffer size.
func (p *BufferPool) Size() Size { return p.size }

// EnsureConfigured allocates buffers of the given size. It is a no-op
// when the size is unchanged. Buffers are reallocated only when no
// buffer is in use.
func (p *BufferPool) EnsureConfigured(width, height int) error {
	want := Size{Width: width, Height: height}
	if !want.IsValid() {
		return fmt.Errorf("%w: %dx%d", ErrInvalidGeometry, width, height)
	}
	if p.IsConfigured() && p.size == want {
		return nil
	}
	if len(p.inUse) > 0 {
		return fmt.Errorf("%w: %d of %d in use", ErrReconfigureInUse, len(p.inUse), p.config.Capacity)
	}
	p.Destroy()

	all := make([]*gpu.Texture, 0, p.config.Capacity)
	for i := range p.config.Capacity {
		tex, err := p.ctx.NewTexture(gpu.TextureConfig{
			Width:  width,
			Height: height,
			Format: gpu.FrameFormat(p.config.HDR),
			Label:  fmt.Sprintf("%s_%d", p.config.Label, i),
		})
		if err != nil {
			for _, t := range all {
				t.Release()
			}
			return fmt.Errorf("configure %s: %w", p.config.Label, err)
		}
		all = append(all, tex)
	}
	p.all = all
	p.free = append(make([]*gpu.Texture, 0, len(all)), all...)
	p.size = want
	return nil
}

// Acquire takes the oldest free buffer.
func (p *BufferPool) Acquire() (*gpu.Texture, error) {
	if !p.IsConfigured() {
		return nil, ErrPoolNotConfigured
	}
	if len(p.free) == 0 {
		return nil, ErrPoolExhausted
	}
	tex := p.free[0]
	p.free = p.free[1:]
	p.inUse[tex.ID()] = tex
	return tex, nil
}

// Release returns a used buffer to the pool.
func (p *BufferPool) Release(tex *gpu.Texture) error {
	if tex == nil {
		return p.fault(fmt.Errorf("%w: nil buffer", ErrForeignBuffer))
	}
	if _, ok := p.inUse[tex.ID()]; ok {
		delete(p.inUse, tex.ID())
		p.free = append(p.free, tex)
		return nil
	}
	if p.owns(tex) {
		return p.fault(fmt.Errorf("%w: %s", ErrDoubleRelease, tex))
	}
	return p.fault(fmt.Errorf("%w: %s", ErrForeignBuffer, tex))
}

// IsUsed reports whether tex is a used buffer of this pool.
func (p *BufferPool) IsUsed(tex *gpu.Texture) bool {
	if tex == nil {
		return false
	}
	_, ok := p.inUse[tex.ID()]
	return ok
}

// Owns reports whether tex belongs to this pool.
func (p *BufferPool) Owns(tex *gpu.Texture) bool {
	return tex != nil && p.owns(tex)
}

// FreeAll returns every used buffer to the pool.
func (p *BufferPool) FreeAll() {
	for id, tex := range p.inUse {
		delete(p.inUse, id)
		p.free = append(p.free, tex)
	}
}

// CheckInvariant verifies used+free == capacity.
func (p *BufferPool) CheckInvariant() error {
	if !p.IsConfigured() {
		return nil
	}
	if len(p.inUse)+len(p.free) != p.config.Capacity {
		return fmt.Errorf("frame: pool %s has used=%d free=%d capacity=%d",
			p.config.Label, len(p.inUse), len(p.free), p.config.Capacity)
	}
	return nil
}

// Destroy releases every buffer. The pool may be configured again.
func (p *BufferPool) Destroy() {
	for _, tex := range p.all {
		tex.Release()
	}
	p.all = nil
	p.free = nil
	clear(p.inUse)
	p.size = Size{}
}

func (p *BufferPool) owns(tex *gpu.Texture) bool {
	for _, t := range p.all {
		if t.ID() == tex.ID() {
			return true
		}
	}
	return false
}

func (p *BufferPool) fault(err error) error {
	if p.config.Strict {
		panic(err)
	}
	return err
}
