// Package overlay is a CPU frame processor that stamps each frame with
// its presentation time and sequence number.
//
// It runs behind an offload stage: Submit reads the frame back from the
// GPU and draws the text on a worker goroutine, FinishAndBlend uploads
// the result into the same buffer.
package overlay

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/gogpu/framepipe/frame"
	"github.com/gogpu/framepipe/internal/gpu"
	"github.com/gogpu/framepipe/internal/parallel"
	"github.com/gogpu/framepipe/offload"
)

// Errors.
var (
	// ErrUnsupportedFormat is returned for frames that are not 8-bit RGBA.
	ErrUnsupportedFormat = errors.New("overlay: unsupported texture format")

	// ErrClosed is returned for frames submitted after Release.
	ErrClosed = errors.New("overlay: processor released")
)

// Options configures a Processor.
type Options struct {
	// Prefix is drawn before the frame number.
	Prefix string

	// FontSize in points at 72 DPI. Defaults to 12.
	FontSize float64

	// Text and Background colors. Default to white on translucent black.
	Text       color.Color
	Background color.Color

	// Size, when valid, is the resolution the overlay is drawn at.
	// Frames are scaled to it on the GPU before readback.
	Size frame.Size

	// Workers is the number of drawing goroutines. Defaults to 1.
	Workers int

	// Language selects digit grouping for the frame counter.
	Language language.Tag
}

const margin = 4

// Processor implements offload.Processor for the overlay.
type Processor struct {
	ctx     *gpu.Context
	opts    Options
	workers *parallel.WorkerPool
	printer *message.Printer

	faceMu sync.Mutex
	face   font.Face

	frames  atomic.Int64
	pending sync.WaitGroup
	closed  atomic.Bool
}

var _ offload.Processor[*image.RGBA] = (*Processor)(nil)

// NewProcessor parses the embedded Go Regular font and starts the workers.
func NewProcessor(ctx *gpu.Context, opts Options) (*Processor, error) {
	if opts.FontSize <= 0 {
		opts.FontSize = 12
	}
	if opts.Text == nil {
		opts.Text = color.White
	}
	if opts.Background == nil {
		opts.Background = color.NRGBA{A: 0xa0}
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Language == language.Und {
		opts.Language = language.English
	}

	ttf, err := opentype.Parse(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("overlay: parse font: %w", err)
	}
	face, err := opentype.NewFace(ttf, &opentype.FaceOptions{
		Size:    opts.FontSize,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, fmt.Errorf("overlay: new face: %w", err)
	}
	return &Processor{
		ctx:     ctx,
		opts:    opts,
		workers: parallel.NewWorkerPool(opts.Workers),
		printer: message.NewPrinter(opts.Language),
		face:    face,
	}, nil
}

// Effect returns an offload effect running a new Processor per stage.
func Effect(depth int, opts Options) *offload.Effect[*image.RGBA] {
	return &offload.Effect[*image.RGBA]{
		Depth: depth,
		NewProcessor: func(ctx *gpu.Context) (offload.Processor[*image.RGBA], error) {
			return NewProcessor(ctx, opts)
		},
	}
}

// Configure returns the overlay resolution, or the input size when
// Options.Size is unset.
func (p *Processor) Configure(width, height int) (frame.Size, error) {
	if p.opts.Size.IsValid() {
		return p.opts.Size, nil
	}
	return frame.Size{Width: width, Height: height}, nil
}

// Submit reads f back and queues the drawing.
func (p *Processor) Submit(f frame.Frame) *offload.Future[*image.RGBA] {
	fut := offload.NewFuture[*image.RGBA]()
	if p.closed.Load() {
		fut.Fail(ErrClosed)
		return fut
	}
	if gpu.BytesPerPixel(f.Texture.Format()) != 4 {
		fut.Fail(fmt.Errorf("%w: %v", ErrUnsupportedFormat, f.Texture.Format()))
		return fut
	}
	pix, err := p.ctx.ReadPixels(f.Texture)
	if err != nil {
		fut.Fail(fmt.Errorf("overlay: read back %s: %w", f, err))
		return fut
	}
	w, h := f.Texture.Width(), f.Texture.Height()
	n := p.frames.Add(1)
	label := p.Label(n, f.PresentationTimeUs)

	p.pending.Add(1)
	accepted := p.workers.Submit(func() {
		defer p.pending.Done()
		if fut.IsDone() {
			return
		}
		img := &image.RGBA{Pix: pix, Stride: w * 4, Rect: image.Rect(0, 0, w, h)}
		p.draw(img, label)
		fut.Complete(img)
	})
	if !accepted {
		p.pending.Done()
		fut.Fail(ErrClosed)
	}
	return fut
}

// FinishAndBlend uploads the stamped image into f.
func (p *Processor) FinishAndBlend(f frame.Frame, img *image.RGBA) error {
	if err := p.ctx.WritePixels(f.Texture, img.Pix); err != nil {
		return fmt.Errorf("overlay: upload %s: %w", f, err)
	}
	return nil
}

// SignalEndOfStream waits for queued drawing to finish.
func (p *Processor) SignalEndOfStream() { p.pending.Wait() }

// Flush is a no-op: cancelled futures are skipped by the workers.
func (p *Processor) Flush() {}

// Release stops the workers.
func (p *Processor) Release() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.pending.Wait()
	p.workers.Close()
	return p.face.Close()
}

// Frames returns the number of frames submitted so far.
func (p *Processor) Frames() int64 { return p.frames.Load() }

// Label formats the overlay text of frame n.
func (p *Processor) Label(n, presentationTimeUs int64) string {
	ts := time.Duration(presentationTimeUs) * time.Microsecond
	if p.opts.Prefix != "" {
		return p.printer.Sprintf("%s #%d  %v", p.opts.Prefix, n, ts)
	}
	return p.printer.Sprintf("#%d  %v", n, ts)
}

func (p *Processor) draw(img *image.RGBA, label string) {
	p.faceMu.Lock()
	defer p.faceMu.Unlock()

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(p.opts.Text),
		Face: p.face,
	}
	metrics := p.face.Metrics()
	width := d.MeasureString(label).Ceil()
	height := (metrics.Ascent + metrics.Descent).Ceil()

	box := image.Rect(margin, margin, margin*3+width, margin*3+height).Intersect(img.Rect)
	draw.Draw(img, box, image.NewUniform(p.opts.Background), image.Point{}, draw.Over)

	d.Dot = fixed.P(margin*2, margin*2+metrics.Ascent.Ceil())
	d.DrawString(label)
}
