package source

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"

	"golang.org/x/image/draw"

	"github.com/gogpu/framepipe/frame"
	"github.com/gogpu/framepipe/geom"
	"github.com/gogpu/framepipe/internal/gpu"
	"github.com/gogpu/framepipe/stage"
)

// ErrInvalidTiming is returned for a FrameTiming that yields no frame.
var ErrInvalidTiming = errors.New("source: invalid bitmap timing")

// FrameTiming expands one bitmap into a run of frames.
type FrameTiming struct {
	StartUs    int64
	DurationUs int64

	// FrameRate is the rate of the repeated frames. Zero yields a single
	// frame at StartUs.
	FrameRate float64
}

// Timestamps returns the presentation times of the frames.
func (t FrameTiming) Timestamps() ([]int64, error) {
	if t.FrameRate < 0 || t.DurationUs < 0 {
		return nil, fmt.Errorf("%w: rate %v duration %dus", ErrInvalidTiming, t.FrameRate, t.DurationUs)
	}
	if t.FrameRate == 0 {
		return []int64{t.StartUs}, nil
	}
	periodUs := 1e6 / t.FrameRate
	n := int(math.Ceil(float64(t.DurationUs) / periodUs))
	if n == 0 {
		return nil, fmt.Errorf("%w: duration %dus shorter than a frame", ErrInvalidTiming, t.DurationUs)
	}
	out := make([]int64, n)
	for i := range out {
		out[i] = t.StartUs + int64(math.Round(float64(i)*periodUs))
	}
	return out, nil
}

// BitmapConfig configures a Bitmap input.
type BitmapConfig struct {
	// MaxSize bounds the uploaded size. Larger images are scaled down
	// with aspect ratio kept. Zero means no bound.
	MaxSize frame.Size

	OnError func(err error)
	Logger  *slog.Logger
}

type bitmapEntry struct {
	tex         *gpu.Texture
	timestamps  []int64
	next        int
	outstanding int
}

func (e *bitmapEntry) exhausted() bool { return e.next == len(e.timestamps) }

// Bitmap uploads CPU images and feeds each as one or more frames.
type Bitmap struct {
	ctx     *gpu.Context
	sampler SamplingTarget
	config  BitmapConfig
	logger  *slog.Logger
	link    *stage.Link

	queue    []*bitmapEntry
	live     map[uint64]*bitmapEntry
	ended    bool
	released bool
}

var _ Input = (*Bitmap)(nil)

// NewBitmap creates a bitmap input.
func NewBitmap(ctx *gpu.Context, sampler SamplingTarget, config BitmapConfig) *Bitmap {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Bitmap{
		ctx:     ctx,
		sampler: sampler,
		config:  config,
		logger:  logger.With("input", InputBitmap.String()),
		live:    make(map[uint64]*bitmapEntry),
	}
}

// Attach implements Input.
func (b *Bitmap) Attach(l *stage.Link) { b.link = l }

// QueueBitmap uploads img and queues its frames.
func (b *Bitmap) QueueBitmap(img image.Image, timing FrameTiming) error {
	if b.released {
		return ErrReleased
	}
	if b.ended {
		return ErrStreamEnded
	}
	timestamps, err := timing.Timestamps()
	if err != nil {
		return err
	}
	rgba := toRGBA(img, b.config.MaxSize)
	size := rgba.Bounds().Size()
	tex, err := b.ctx.NewTexture(gpu.TextureConfig{Width: size.X, Height: size.Y, Label: "bitmap_input"})
	if err != nil {
		return fmt.Errorf("source: bitmap texture: %w", err)
	}
	if err := b.ctx.WritePixels(tex, rgba.Pix); err != nil {
		tex.Release()
		return fmt.Errorf("source: upload bitmap: %w", err)
	}
	b.logger.Debug("source: bitmap queued", "w", size.X, "h", size.Y, "frames", len(timestamps))

	e := &bitmapEntry{tex: tex, timestamps: timestamps}
	b.queue = append(b.queue, e)
	b.live[tex.ID()] = e
	b.dispatch()
	return nil
}

// PendingFrameCount returns the frames not yet fed.
func (b *Bitmap) PendingFrameCount() int {
	n := 0
	for _, e := range b.queue {
		n += len(e.timestamps) - e.next
	}
	return n
}

// SignalEndOfCurrentInputStream ends the stream once every queued frame is fed.
func (b *Bitmap) SignalEndOfCurrentInputStream() {
	b.ended = true
	b.maybeEnd()
}

// ConsumerReady implements stage.CreditListener.
func (b *Bitmap) ConsumerReady() { b.dispatch() }

// ReleaseOutputFrame implements stage.Producer.
func (b *Bitmap) ReleaseOutputFrame(f frame.Frame) {
	if f.Texture != nil {
		if e, ok := b.live[f.Texture.ID()]; ok {
			e.outstanding--
			if e.exhausted() && e.outstanding == 0 {
				delete(b.live, f.Texture.ID())
				b.ctx.ReleaseWhenIdle(e.tex)
			}
		}
	}
	b.dispatch()
}

// Flush implements stage.Producer. Queued bitmaps are discarded.
func (b *Bitmap) Flush() {
	for id, e := range b.live {
		b.ctx.ReleaseWhenIdle(e.tex)
		delete(b.live, id)
	}
	b.queue = nil
	b.ended = false
}

// Release implements Input.
func (b *Bitmap) Release() error {
	b.Flush()
	b.released = true
	return nil
}

func (b *Bitmap) dispatch() {
	for b.link != nil && b.link.IsActive() && b.link.Credit() > 0 && len(b.queue) > 0 {
		e := b.queue[0]
		f := frame.New(e.tex, e.timestamps[e.next])
		e.next++
		e.outstanding++
		if e.exhausted() {
			b.queue[0] = nil
			b.queue = b.queue[1:]
		}
		b.sampler.SetSamplingTransform(geom.Identity())
		if err := b.link.Feed(f); err != nil {
			b.report(err)
			return
		}
	}
	b.maybeEnd()
}

func (b *Bitmap) maybeEnd() {
	if b.ended && len(b.queue) == 0 && b.link != nil {
		b.ended = false
		b.link.ProducerEnded()
	}
}

func (b *Bitmap) report(err error) {
	if b.config.OnError != nil {
		b.config.OnError(err)
		return
	}
	b.logger.Error("source: error", "err", err)
}

// toRGBA converts img to a tightly packed RGBA image at the origin,
// scaling it down to fit limit when needed.
func toRGBA(img image.Image, limit frame.Size) *image.RGBA {
	src := img.Bounds()
	w, h := src.Dx(), src.Dy()
	if limit.IsValid() && (w > limit.Width || h > limit.Height) {
		sx, sy := geom.Fit(frame.Size{Width: w, Height: h}, limit)
		w = int(math.Max(1, math.Round(sx*float64(limit.Width))))
		h = int(math.Max(1, math.Round(sy*float64(limit.Height))))
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.BiLinear.Scale(dst, dst.Bounds(), img, src, draw.Src, nil)
		return dst
	}
	if rgba, ok := img.(*image.RGBA); ok && src.Min == (image.Point{}) && rgba.Stride == w*4 {
		return rgba
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), img, src.Min, draw.Src)
	return dst
}
