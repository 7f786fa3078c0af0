package framepipe

import (
	"log/slog"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gogpu/framepipe/frame"
	"github.com/gogpu/framepipe/output"
	"github.com/gogpu/framepipe/source"
	"github.com/gogpu/framepipe/timing"
)

// Option configures a Pipeline during creation.
//
// Example:
//
//	// Surface output, paced by wall clock at double speed
//	p, err := framepipe.New(gctx,
//	    framepipe.WithTiming(),
//	    framepipe.WithPlaybackSpeed(2))
//
//	// Texture output for an encoder, two textures in flight
//	p, err := framepipe.New(gctx, framepipe.WithTextureOutput(enc, 2))
type Option func(*options)

// options holds optional configuration for Pipeline creation.
type options struct {
	id     string
	logger *slog.Logger
	hdr    bool
	strict bool

	mode            output.Mode
	pacing          output.Pacing
	textureCapacity int
	consumer        output.TextureConsumer
	retryInterval   time.Duration

	timing        bool
	timingOpts    []timing.EngineOption
	engine        *timing.Engine
	thresholds    *timing.Thresholds
	playbackSpeed float64

	external          source.ExternalSource
	forcedEOSDelay    time.Duration
	drainTimeout      time.Duration
	disableCorrection bool
	bitmapMaxSize     frame.Size
	onTextureRelease  func(tex gpucontext.Texture, presentationTimeUs int64)

	samplerCapacity int
	releaseTimeout  time.Duration

	registerer prometheus.Registerer
	namespace  string

	traceEnabled  bool
	traceCapacity int
}

// defaultOptions returns the default pipeline options.
func defaultOptions() options {
	return options{
		mode:           output.ModeSurface,
		pacing:         output.PacingAuto,
		playbackSpeed:  1,
		drainTimeout:   source.DefaultDrainTimeout,
		releaseTimeout: DefaultReleaseTimeout,
	}
}

// WithID sets the pipeline id used in logs, metrics and traces. A random
// id is generated when none is given.
func WithID(id string) Option {
	return func(o *options) {
		o.id = id
	}
}

// WithLogger sets the logger of this pipeline. It defaults to Logger().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithHDR makes every stage work in a 16-bit float format.
func WithHDR(hdr bool) Option {
	return func(o *options) {
		o.hdr = hdr
	}
}

// WithStrictChecks makes protocol violations panic instead of being
// reported as ClassProtocol errors. Use it in tests.
func WithStrictChecks(strict bool) Option {
	return func(o *options) {
		o.strict = strict
	}
}

// WithTextureOutput renders into a pool of capacity textures handed to
// consumer instead of a surface.
func WithTextureOutput(consumer output.TextureConsumer, capacity int) Option {
	return func(o *options) {
		o.mode = output.ModeTexturePool
		o.consumer = consumer
		o.textureCapacity = capacity
	}
}

// WithManualPacing buffers output frames until RenderOutputFrame is called.
func WithManualPacing() Option {
	return func(o *options) {
		o.pacing = output.PacingManual
	}
}

// WithTiming paces automatic release with a release-timing engine built
// from opts.
func WithTiming(opts ...timing.EngineOption) Option {
	return func(o *options) {
		o.timing = true
		o.timingOpts = append(o.timingOpts, opts...)
	}
}

// WithTimingEngine paces automatic release with e.
func WithTimingEngine(e *timing.Engine) Option {
	return func(o *options) {
		o.timing = e != nil
		o.engine = e
	}
}

// WithPlaybackSpeed sets the initial playback speed of the timing engine.
func WithPlaybackSpeed(speed float64) Option {
	return func(o *options) {
		o.playbackSpeed = speed
	}
}

// WithThresholds overrides the release thresholds of an engine built by
// WithTiming.
func WithThresholds(t timing.Thresholds) Option {
	return func(o *options) {
		o.thresholds = &t
	}
}

// WithRetryInterval sets how soon a frame found too early is decided again.
func WithRetryInterval(d time.Duration) Option {
	return func(o *options) {
		o.retryInterval = d
	}
}

// WithExternalSource enables the surface input backed by src.
func WithExternalSource(src source.ExternalSource) Option {
	return func(o *options) {
		o.external = src
	}
}

// WithForcedEOSDelay sets how long an ended surface stream waits for
// missing frames. Zero picks the default for the adapter.
func WithForcedEOSDelay(d time.Duration) Option {
	return func(o *options) {
		o.forcedEOSDelay = d
	}
}

// WithDrainTimeout bounds the wait for registered frames during Flush.
func WithDrainTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.drainTimeout = d
		}
	}
}

// WithCoordinateCorrection toggles the texture transform correction of
// the surface input. It is on by default.
func WithCoordinateCorrection(enabled bool) Option {
	return func(o *options) {
		o.disableCorrection = !enabled
	}
}

// WithBitmapMaxSize scales queued bitmaps down to fit size.
func WithBitmapMaxSize(size frame.Size) Option {
	return func(o *options) {
		o.bitmapMaxSize = size
	}
}

// WithTextureReleaseCallback receives textures queued with
// QueueInputTexture once the pipeline no longer reads them. The callback
// runs on the processing goroutine.
func WithTextureReleaseCallback(fn func(tex gpucontext.Texture, presentationTimeUs int64)) Option {
	return func(o *options) {
		o.onTextureRelease = fn
	}
}

// WithSamplerCapacity sets the output pool size of the sampler stage.
func WithSamplerCapacity(n int) Option {
	return func(o *options) {
		o.samplerCapacity = n
	}
}

// WithReleaseTimeout bounds how long Release waits for queued work.
func WithReleaseTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.releaseTimeout = d
		}
	}
}

// WithMetrics registers the pipeline's Prometheus collectors on reg.
func WithMetrics(reg prometheus.Registerer, namespace string) Option {
	return func(o *options) {
		o.registerer = reg
		o.namespace = namespace
	}
}

// WithTrace enables the debug trace with a ring of capacity entries.
func WithTrace(capacity int) Option {
	return func(o *options) {
		o.traceEnabled = true
		o.traceCapacity = capacity
	}
}
