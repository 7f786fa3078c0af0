package frame

import (
	"errors"
	"testing"

	"github.com/gogpu/framepipe/internal/gpu/gputest"
)

// ===== Format =====

func TestFormatValidate(t *testing.T) {
	tests := []struct {
		name string
		f    Format
		want error
	}{
		{"valid", Format{Size: Size{Width: 640, Height: 480}}, nil},
		{"zero width", Format{Size: Size{Height: 480}}, ErrInvalidGeometry},
		{"negative height", Format{Size: Size{Width: 640, Height: -1}}, ErrInvalidGeometry},
		{"negative aspect", Format{Size: Size{Width: 1, Height: 1}, PixelAspectRatio: -2}, ErrInvalidAspectRatio},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.f.Validate()
			if !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestFormatDisplaySize(t *testing.T) {
	f := Format{Size: Size{Width: 720, Height: 576}, PixelAspectRatio: 16.0 / 15.0}
	if got := f.DisplaySize(); got.Width != 768 || got.Height != 576 {
		t.Errorf("DisplaySize = %v, want 768x576", got)
	}
}

// ===== BufferPool =====

func TestPoolConservation(t *testing.T) {
	ctx := gputest.NewContext(t)
	p := NewBufferPool(ctx, PoolConfig{Capacity: 3, Label: "test", Strict: true})

	if _, err := p.Acquire(); !errors.Is(err, ErrPoolNotConfigured) {
		t.Fatalf("Acquire before configure error = %v", err)
	}
	if err := p.EnsureConfigured(16, 16); err != nil {
		t.Fatalf("EnsureConfigured: %v", err)
	}

	var held []Frame
	for i := range 3 {
		tex, err := p.Acquire()
		if err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
		held = append(held, New(tex, int64(i)))
		if p.UsedCount()+p.FreeCount() != p.Capacity() {
			t.Fatalf("used+free = %d, want %d", p.UsedCount()+p.FreeCount(), p.Capacity())
		}
	}
	if _, err := p.Acquire(); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("Acquire on exhausted pool error = %v", err)
	}
	for _, f := range held {
		if err := p.Release(f.Texture); err != nil {
			t.Fatalf("Release: %v", err)
		}
	}
	if p.FreeCount() != 3 || p.UsedCount() != 0 {
		t.Errorf("free=%d used=%d after releasing all", p.FreeCount(), p.UsedCount())
	}
	if err := p.CheckInvariant(); err != nil {
		t.Error(err)
	}
}

func TestPoolReconfigure(t *testing.T) {
	ctx := gputest.NewContext(t)
	p := NewBufferPool(ctx, PoolConfig{Capacity: 2})
	if err := p.EnsureConfigured(8, 8); err != nil {
		t.Fatal(err)
	}
	first, _ := p.Acquire()

	// Same size is a no-op even with buffers in use.
	if err := p.EnsureConfigured(8, 8); err != nil {
		t.Fatalf("same-size EnsureConfigured: %v", err)
	}
	if err := p.EnsureConfigured(4, 4); !errors.Is(err, ErrReconfigureInUse) {
		t.Fatalf("reconfigure in use error = %v", err)
	}
	if err := p.Release(first); err != nil {
		t.Fatal(err)
	}
	if err := p.EnsureConfigured(4, 4); err != nil {
		t.Fatalf("reconfigure: %v", err)
	}
	if !first.IsReleased() {
		t.Error("old buffer not destroyed on reconfigure")
	}
	if p.Size() != (Size{Width: 4, Height: 4}) {
		t.Errorf("Size = %v", p.Size())
	}
	if err := p.EnsureConfigured(0, 4); !errors.Is(err, ErrInvalidGeometry) {
		t.Errorf("invalid geometry error = %v", err)
	}
}

func TestPoolDoubleRelease(t *testing.T) {
	ctx := gputest.NewContext(t)
	p := NewBufferPool(ctx, PoolConfig{Capacity: 1})
	if err := p.EnsureConfigured(8, 8); err != nil {
		t.Fatal(err)
	}
	tex, _ := p.Acquire()
	if err := p.Release(tex); err != nil {
		t.Fatal(err)
	}
	if err := p.Release(tex); !errors.Is(err, ErrDoubleRelease) {
		t.Errorf("second Release error = %v, want ErrDoubleRelease", err)
	}

	other := NewBufferPool(ctx, PoolConfig{Capacity: 1})
	if err := other.EnsureConfigured(8, 8); err != nil {
		t.Fatal(err)
	}
	foreign, _ := other.Acquire()
	if err := p.Release(foreign); !errors.Is(err, ErrForeignBuffer) {
		t.Errorf("foreign Release error = %v, want ErrForeignBuffer", err)
	}
}

func TestPoolDoubleReleaseStrictPanics(t *testing.T) {
	ctx := gputest.NewContext(t)
	p := NewBufferPool(ctx, PoolConfig{Capacity: 1, Strict: true})
	if err := p.EnsureConfigured(8, 8); err != nil {
		t.Fatal(err)
	}
	tex, _ := p.Acquire()
	_ = p.Release(tex)

	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok || !errors.Is(err, ErrDoubleRelease) {
			t.Errorf("recover() = %v, want ErrDoubleRelease panic", r)
		}
	}()
	_ = p.Release(tex)
}

func TestPoolFreeAll(t *testing.T) {
	ctx := gputest.NewContext(t)
	p := NewBufferPool(ctx, PoolConfig{Capacity: 4})
	if err := p.EnsureConfigured(8, 8); err != nil {
		t.Fatal(err)
	}
	for range 3 {
		if _, err := p.Acquire(); err != nil {
			t.Fatal(err)
		}
	}
	p.FreeAll()
	if p.FreeCount() != p.Capacity() {
		t.Errorf("FreeCount after FreeAll = %d, want %d", p.FreeCount(), p.Capacity())
	}
	p.Destroy()
	if p.IsConfigured() {
		t.Error("pool still configured after Destroy")
	}
	if got := ctx.Memory().Stats().Allocations; got != 0 {
		t.Errorf("Allocations after Destroy = %d", got)
	}
}
