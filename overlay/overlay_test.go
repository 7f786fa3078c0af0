package overlay

import (
	"errors"
	"image"
	"strings"
	"testing"
	"time"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/framepipe/frame"
	"github.com/gogpu/framepipe/internal/gpu"
	"github.com/gogpu/framepipe/internal/gpu/gputest"
	"github.com/gogpu/framepipe/offload"
)

func newFrame(t *testing.T, ctx *gpu.Context, format gputypes.TextureFormat) frame.Frame {
	t.Helper()
	tex, err := ctx.NewTexture(gpu.TextureConfig{Width: 160, Height: 48, Format: format, Label: "overlay_input"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(tex.Release)
	return frame.New(tex, 1_500_000)
}

func TestProcessorDrawsLabel(t *testing.T) {
	ctx := gputest.NewContext(t)
	p, err := NewProcessor(ctx, Options{Prefix: "cam"})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Release()

	f := newFrame(t, ctx, gputypes.TextureFormatRGBA8Unorm)
	img, err := p.Submit(f).Wait(5 * time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if img.Bounds().Dx() != 160 || img.Bounds().Dy() != 48 {
		t.Fatalf("bounds = %v", img.Bounds())
	}
	// The readback is blank, so any alpha comes from the label box.
	if _, _, _, a := img.At(margin+1, margin+1).RGBA(); a == 0 {
		t.Error("label background not drawn")
	}
	if _, _, _, a := img.At(159, 47).RGBA(); a != 0 {
		t.Error("pixels outside the label box changed")
	}
	if err := p.FinishAndBlend(f, img); err != nil {
		t.Errorf("FinishAndBlend: %v", err)
	}
	if p.Frames() != 1 {
		t.Errorf("Frames = %d", p.Frames())
	}
}

func TestProcessorLabelGroupsDigits(t *testing.T) {
	ctx := gputest.NewContext(t)
	p, err := NewProcessor(ctx, Options{Prefix: "cam"})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Release()
	got := p.Label(1234, 0)
	if !strings.HasPrefix(got, "cam #1,234") {
		t.Errorf("Label = %q, want grouped frame number", got)
	}
}

func TestProcessorRejectsHDR(t *testing.T) {
	ctx := gputest.NewContext(t)
	p, err := NewProcessor(ctx, Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Release()
	f := newFrame(t, ctx, gpu.FrameFormat(true))
	if _, err := p.Submit(f).Wait(time.Second); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("err = %v, want ErrUnsupportedFormat", err)
	}
}

func TestProcessorAfterRelease(t *testing.T) {
	ctx := gputest.NewContext(t)
	p, err := NewProcessor(ctx, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Release(); err != nil {
		t.Fatal(err)
	}
	if err := p.Release(); err != nil {
		t.Errorf("second Release: %v", err)
	}
	f := newFrame(t, ctx, gputypes.TextureFormatRGBA8Unorm)
	if _, err := p.Submit(f).Wait(time.Second); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func TestConfigureSize(t *testing.T) {
	ctx := gputest.NewContext(t)
	p, err := NewProcessor(ctx, Options{Size: frame.Size{Width: 320, Height: 180}})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Release()
	got, err := p.Configure(1920, 1080)
	if err != nil || got != (frame.Size{Width: 320, Height: 180}) {
		t.Errorf("Configure = %v, %v", got, err)
	}
}

type port struct {
	outputs []frame.Frame
	errs    []error
	ended   int
}

func (p *port) ReadyForInput() {}
func (p *port) InputFrameProcessed(frame.Frame) {}
func (p *port) Flushed() {}
func (p *port) OutputFrameAvailable(f frame.Frame) { p.outputs = append(p.outputs, f) }
func (p *port) OutputStreamEnded() { p.ended++ }
func (p *port) Error(err error) { p.errs = append(p.errs, err) }

func TestEffectStage(t *testing.T) {
	ctx := gputest.NewContext(t)
	e := Effect(2, Options{})
	st, err := e.NewStage(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Release()
	p := &port{}
	st.Bind(p)
	st.QueueInputFrame(newFrame(t, ctx, gputypes.TextureFormatRGBA8Unorm))
	st.SignalEndOfCurrentInputStream()

	if len(p.errs) != 0 {
		t.Fatalf("errors: %v", p.errs)
	}
	if len(p.outputs) != 1 || p.ended != 1 {
		t.Fatalf("outputs = %d, ended = %d", len(p.outputs), p.ended)
	}
	if p.outputs[0].PresentationTimeUs != 1_500_000 {
		t.Errorf("timestamp = %d", p.outputs[0].PresentationTimeUs)
	}
	if _, ok := st.(*offload.Stage[*image.RGBA]); !ok {
		t.Errorf("stage type = %T", st)
	}
}
