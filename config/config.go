// Package config loads pipeline tunables from a TOML file.
//
// A file only needs the keys it changes:
//
//	[pipeline]
//	strict_checks = true
//
//	[offload]
//	depth = 4
//	harvest_timeout = "2s"
//
//	[timing]
//	enabled = true
//	playback_speed = 1.5
//
// Load merges the file over Default. Options turns the result into
// pipeline options.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gogpu/framepipe"
	"github.com/gogpu/framepipe/frame"
	"github.com/gogpu/framepipe/gpu"
	"github.com/gogpu/framepipe/metrics"
	"github.com/gogpu/framepipe/offload"
	"github.com/gogpu/framepipe/output"
	"github.com/gogpu/framepipe/source"
	"github.com/gogpu/framepipe/timing"
	"github.com/gogpu/framepipe/trace"
)

// ErrInvalid is wrapped by every Validate error.
var ErrInvalid = errors.New("config: invalid configuration")

// Duration is a time.Duration written as a Go duration string, such as "250ms".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("config: duration %q: %w", b, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// Config is the file layout.
type Config struct {
	Pipeline Pipeline `toml:"pipeline"`
	Offload  Offload  `toml:"offload"`
	Source   Source   `toml:"source"`
	Output   Output   `toml:"output"`
	Timing   Timing   `toml:"timing"`
	Metrics  Metrics  `toml:"metrics"`
	Trace    Trace    `toml:"trace"`
}

// Pipeline holds pipeline-wide settings.
type Pipeline struct {
	ID             string   `toml:"id"`
	HDR            bool     `toml:"hdr"`
	StrictChecks   bool     `toml:"strict_checks"`
	MemoryBudgetMB int      `toml:"memory_budget_mb"`
	SamplerBuffers int      `toml:"sampler_buffers"`
	ReleaseTimeout Duration `toml:"release_timeout"`
}

// Offload configures offload effects built by the caller.
type Offload struct {
	Depth          int      `toml:"depth"`
	HarvestTimeout Duration `toml:"harvest_timeout"`
}

// Source configures the inputs.
type Source struct {
	// ForcedEOSDelay of zero picks the default for the adapter.
	ForcedEOSDelay    Duration `toml:"forced_eos_delay"`
	DrainTimeout      Duration `toml:"drain_timeout"`
	DisableCorrection bool     `toml:"disable_correction"`
	BitmapMaxWidth    int      `toml:"bitmap_max_width"`
	BitmapMaxHeight   int      `toml:"bitmap_max_height"`
}

// Output configures the terminal stage.
type Output struct {
	TextureCapacity int      `toml:"texture_capacity"`
	Manual          bool     `toml:"manual"`
	RetryInterval   Duration `toml:"retry_interval"`
}

// Timing configures the release-timing engine.
type Timing struct {
	Enabled       bool     `toml:"enabled"`
	PlaybackSpeed float64  `toml:"playback_speed"`
	MaxEarly      Duration `toml:"max_early"`
	Late          Duration `toml:"late"`
	VeryLate      Duration `toml:"very_late"`
}

// Metrics configures Prometheus collectors.
type Metrics struct {
	Enabled   bool   `toml:"enabled"`
	Namespace string `toml:"namespace"`
}

// Trace configures the debug trace.
type Trace struct {
	Enabled  bool `toml:"enabled"`
	Capacity int  `toml:"capacity"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	th := timing.DefaultThresholds()
	return Config{
		Pipeline: Pipeline{ReleaseTimeout: Duration(framepipe.DefaultReleaseTimeout)},
		Offload: Offload{
			Depth:          1,
			HarvestTimeout: Duration(offload.DefaultHarvestTimeout),
		},
		Source: Source{DrainTimeout: Duration(source.DefaultDrainTimeout)},
		Output: Output{
			TextureCapacity: output.DefaultTextureCapacity,
			RetryInterval:   Duration(output.DefaultRetryInterval),
		},
		Timing: Timing{
			PlaybackSpeed: 1,
			MaxEarly:      Duration(time.Duration(th.MaxEarlyUs) * time.Microsecond),
			Late:          Duration(time.Duration(th.LateUs) * time.Microsecond),
			VeryLate:      Duration(time.Duration(th.VeryLateUs) * time.Microsecond),
		},
		Metrics: Metrics{Namespace: metrics.DefaultNamespace},
		Trace:   Trace{Capacity: trace.DefaultCapacity},
	}
}

// Load reads path over Default and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			row, col := derr.Position()
			return cfg, fmt.Errorf("config: %s:%d:%d: %w", path, row, col, err)
		}
		return cfg, fmt.Errorf("config: %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.Pipeline.MemoryBudgetMB < 0:
		return fmt.Errorf("%w: pipeline.memory_budget_mb %d", ErrInvalid, c.Pipeline.MemoryBudgetMB)
	case c.Pipeline.SamplerBuffers < 0:
		return fmt.Errorf("%w: pipeline.sampler_buffers %d", ErrInvalid, c.Pipeline.SamplerBuffers)
	case c.Offload.Depth < 1:
		return fmt.Errorf("%w: offload.depth %d", ErrInvalid, c.Offload.Depth)
	case c.Offload.HarvestTimeout < 0, c.Source.ForcedEOSDelay < 0, c.Source.DrainTimeout < 0,
		c.Output.RetryInterval < 0, c.Pipeline.ReleaseTimeout < 0:
		return fmt.Errorf("%w: negative duration", ErrInvalid)
	case c.Source.BitmapMaxWidth < 0 || c.Source.BitmapMaxHeight < 0:
		return fmt.Errorf("%w: negative bitmap size", ErrInvalid)
	case c.Output.TextureCapacity < 1:
		return fmt.Errorf("%w: output.texture_capacity %d", ErrInvalid, c.Output.TextureCapacity)
	case c.Timing.PlaybackSpeed <= 0:
		return fmt.Errorf("%w: timing.playback_speed %v", ErrInvalid, c.Timing.PlaybackSpeed)
	case c.Trace.Capacity < 0:
		return fmt.Errorf("%w: trace.capacity %d", ErrInvalid, c.Trace.Capacity)
	}
	if err := c.Thresholds().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// Thresholds returns the release thresholds.
func (c *Config) Thresholds() timing.Thresholds {
	return timing.Thresholds{
		MaxEarlyUs: c.Timing.MaxEarly.D().Microseconds(),
		LateUs:     c.Timing.Late.D().Microseconds(),
		VeryLateUs: c.Timing.VeryLate.D().Microseconds(),
	}
}

// ContextOptions returns the GPU context options.
func (c *Config) ContextOptions() []gpu.ContextOption {
	if c.Pipeline.MemoryBudgetMB == 0 {
		return nil
	}
	return []gpu.ContextOption{gpu.WithMemoryBudget(gpu.MemoryManagerConfig{MaxMemoryMB: c.Pipeline.MemoryBudgetMB})}
}

// Options returns the pipeline options. Output mode stays with the
// caller, which must add WithTextureOutput to use TextureCapacity. reg
// receives the collectors when metrics are enabled; nil means the
// default registerer.
func (c *Config) Options(reg prometheus.Registerer) []framepipe.Option {
	opts := []framepipe.Option{
		framepipe.WithHDR(c.Pipeline.HDR),
		framepipe.WithStrictChecks(c.Pipeline.StrictChecks),
		framepipe.WithSamplerCapacity(c.Pipeline.SamplerBuffers),
		framepipe.WithReleaseTimeout(c.Pipeline.ReleaseTimeout.D()),
		framepipe.WithForcedEOSDelay(c.Source.ForcedEOSDelay.D()),
		framepipe.WithDrainTimeout(c.Source.DrainTimeout.D()),
		framepipe.WithCoordinateCorrection(!c.Source.DisableCorrection),
		framepipe.WithRetryInterval(c.Output.RetryInterval.D()),
		framepipe.WithPlaybackSpeed(c.Timing.PlaybackSpeed),
	}
	if c.Pipeline.ID != "" {
		opts = append(opts, framepipe.WithID(c.Pipeline.ID))
	}
	if c.Source.BitmapMaxWidth > 0 && c.Source.BitmapMaxHeight > 0 {
		opts = append(opts, framepipe.WithBitmapMaxSize(frame.Size{
			Width:  c.Source.BitmapMaxWidth,
			Height: c.Source.BitmapMaxHeight,
		}))
	}
	if c.Output.Manual {
		opts = append(opts, framepipe.WithManualPacing())
	}
	if c.Timing.Enabled {
		opts = append(opts, framepipe.WithTiming(), framepipe.WithThresholds(c.Thresholds()))
	}
	if c.Metrics.Enabled {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		opts = append(opts, framepipe.WithMetrics(reg, c.Metrics.Namespace))
	}
	if c.Trace.Enabled {
		opts = append(opts, framepipe.WithTrace(c.Trace.Capacity))
	}
	return opts
}

// Apply pushes the settings that may change while p runs. Everything
// else needs a new pipeline.
func (c *Config) Apply(p *framepipe.Pipeline) error {
	if c.Trace.Enabled != p.Trace().Enabled() {
		p.Trace().SetEnabled(c.Trace.Enabled)
	}
	return p.SetPlaybackSpeed(c.Timing.PlaybackSpeed)
}
