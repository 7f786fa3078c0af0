package source

import (
	"fmt"
	"log/slog"

	"github.com/gogpu/framepipe/frame"
	"github.com/gogpu/framepipe/geom"
	"github.com/gogpu/framepipe/internal/gpu"
	"github.com/gogpu/framepipe/stage"
)

// TextureConfig configures a Texture input.
type TextureConfig struct {
	// OnRelease hands a texture back to the caller once the pipeline is
	// done with it, including textures dropped by a flush.
	OnRelease func(tex *gpu.Texture, presentationTimeUs int64)

	OnError func(err error)
	Logger  *slog.Logger
}

// Texture forwards caller-owned GPU textures.
type Texture struct {
	sampler SamplingTarget
	config  TextureConfig
	logger  *slog.Logger
	link    *stage.Link

	queue    []frame.Frame
	inFlight map[uint64]frame.Frame
	ended    bool
	released bool
}

var _ Input = (*Texture)(nil)

// NewTexture creates a texture input.
func NewTexture(sampler SamplingTarget, config TextureConfig) *Texture {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Texture{
		sampler:  sampler,
		config:   config,
		logger:   logger.With("input", InputTexture.String()),
		inFlight: make(map[uint64]frame.Frame),
	}
}

// Attach implements Input.
func (t *Texture) Attach(l *stage.Link) { t.link = l }

// QueueTexture queues tex for the pipeline. The caller must not write to
// tex until OnRelease returns it.
func (t *Texture) QueueTexture(tex *gpu.Texture, presentationTimeUs int64) error {
	switch {
	case t.released:
		return ErrReleased
	case t.ended:
		return ErrStreamEnded
	case tex == nil || tex.IsReleased():
		return fmt.Errorf("%w: texture input", gpu.ErrTextureReleased)
	}
	t.queue = append(t.queue, frame.New(tex, presentationTimeUs))
	t.dispatch()
	return nil
}

// PendingFrameCount returns the textures not yet fed.
func (t *Texture) PendingFrameCount() int { return len(t.queue) }

// SignalEndOfCurrentInputStream ends the stream once every queued texture is fed.
func (t *Texture) SignalEndOfCurrentInputStream() {
	t.ended = true
	t.maybeEnd()
}

// ConsumerReady implements stage.CreditListener.
func (t *Texture) ConsumerReady() { t.dispatch() }

// ReleaseOutputFrame implements stage.Producer.
func (t *Texture) ReleaseOutputFrame(f frame.Frame) {
	if f.Texture != nil {
		delete(t.inFlight, f.Texture.ID())
	}
	t.giveBack(f)
	t.dispatch()
}

// Flush implements stage.Producer. Queued and in-flight textures go back
// to the caller.
func (t *Texture) Flush() {
	for _, f := range t.queue {
		t.giveBack(f)
	}
	for id, f := range t.inFlight {
		delete(t.inFlight, id)
		t.giveBack(f)
	}
	t.queue = nil
	t.ended = false
}

// Release implements Input.
func (t *Texture) Release() error {
	t.Flush()
	t.released = true
	return nil
}

func (t *Texture) dispatch() {
	for t.link != nil && t.link.IsActive() && t.link.Credit() > 0 && len(t.queue) > 0 {
		f := t.queue[0]
		t.queue[0] = frame.Frame{}
		t.queue = t.queue[1:]
		t.inFlight[f.Texture.ID()] = f
		t.sampler.SetSamplingTransform(geom.Identity())
		if err := t.link.Feed(f); err != nil {
			delete(t.inFlight, f.Texture.ID())
			t.giveBack(f)
			t.report(err)
			return
		}
	}
	t.maybeEnd()
}

func (t *Texture) maybeEnd() {
	if t.ended && len(t.queue) == 0 && t.link != nil {
		t.ended = false
		t.link.ProducerEnded()
	}
}

func (t *Texture) giveBack(f frame.Frame) {
	if t.config.OnRelease != nil {
		t.config.OnRelease(f.Texture, f.PresentationTimeUs)
	}
}

func (t *Texture) report(err error) {
	if t.config.OnError != nil {
		t.config.OnError(err)
		return
	}
	t.logger.Error("source: error", "err", err)
}
