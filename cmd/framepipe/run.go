package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal/noop"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/text/language"

	"github.com/gogpu/framepipe"
	"github.com/gogpu/framepipe/config"
	"github.com/gogpu/framepipe/effect"
	"github.com/gogpu/framepipe/frame"
	"github.com/gogpu/framepipe/gpu"
	"github.com/gogpu/framepipe/output"
	"github.com/gogpu/framepipe/overlay"
	"github.com/gogpu/framepipe/source"
	"github.com/gogpu/framepipe/stage"
)

type runFlags struct {
	frames     int
	fps        float64
	width      int
	height     int
	depth      int
	overlay    bool
	manual     bool
	speed      float64
	configPath string
	watch      bool
	logLevel   string
	logJSON    bool
	trace      bool
}

func newRunCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a bitmap stream through the pipeline",
		Long: `Creates a pipeline on the noop GPU backend, queues a generated picture ` +
			`as bitmap input and reports every rendered or dropped frame. ` +
			`Flags set on the command line override the config file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cmd.Flags(), f, cmd.OutOrStdout())
		},
	}
	fl := cmd.Flags()
	fl.IntVar(&f.frames, "frames", 30, "number of frames to generate")
	fl.Float64Var(&f.fps, "fps", 30, "frame rate of the generated stream")
	fl.IntVar(&f.width, "width", 320, "frame width")
	fl.IntVar(&f.height, "height", 240, "frame height")
	fl.IntVar(&f.depth, "depth", 1, "overlay tasks in flight")
	fl.BoolVar(&f.overlay, "overlay", false, "stamp frames with a CPU overlay")
	fl.BoolVar(&f.manual, "manual", false, "release frames from a ticker instead of automatically")
	fl.Float64Var(&f.speed, "speed", 1, "playback speed; enables the timing engine")
	fl.StringVar(&f.configPath, "config", "", "TOML config file")
	fl.BoolVar(&f.watch, "watch", false, "apply config file changes while running")
	fl.StringVar(&f.logLevel, "log-level", "info", "debug, info, warn or error")
	fl.BoolVar(&f.logJSON, "log-json", false, "log as JSON")
	fl.BoolVar(&f.trace, "trace", false, "print the pipeline trace on exit")
	return cmd
}

func newLogger(f runFlags) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(f.logLevel)); err != nil {
		return nil, fmt.Errorf("--log-level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	if f.logJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
}

// loadConfig reads the file, then applies flags the user actually set.
func loadConfig(fl *pflag.FlagSet, f runFlags) (config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		var err error
		if cfg, err = config.Load(f.configPath); err != nil {
			return cfg, err
		}
	}
	if fl.Changed("depth") {
		cfg.Offload.Depth = f.depth
	}
	if fl.Changed("manual") {
		cfg.Output.Manual = f.manual
	}
	if fl.Changed("speed") {
		cfg.Timing.Enabled = true
		cfg.Timing.PlaybackSpeed = f.speed
	}
	if fl.Changed("trace") {
		cfg.Trace.Enabled = f.trace
	}
	return cfg, cfg.Validate()
}

func openNoopContext(cfg config.Config) (*gpu.Context, func(), error) {
	instance, err := noop.API{}.CreateInstance(nil)
	if err != nil {
		return nil, nil, err
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, nil, errors.New("no noop adapter")
	}
	dev, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, nil, err
	}
	closeFn := func() {
		dev.Device.Destroy()
		instance.Destroy()
	}
	opts := append([]gpu.ContextOption{gpu.WithAdapterName("noop")}, cfg.ContextOptions()...)
	gctx, err := gpu.NewContext(dev.Device, dev.Queue, opts...)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return gctx, closeFn, nil
}

// lockedWriter serializes writes from the processing and event goroutines.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// printer is the texture consumer; it hands every texture straight back.
type printer struct {
	out      io.Writer
	received atomic.Int64
}

func (p *printer) OnTextureRendered(prod output.TextureProducer, tex *gpu.Texture, ts int64, _ gpu.Fence) {
	p.received.Add(1)
	fmt.Fprintf(p.out, "texture  %8dus  %dx%d\n", ts, tex.Width(), tex.Height())
	_ = prod.ReleaseTexture(ts)
}

func run(ctx context.Context, fl *pflag.FlagSet, f runFlags, out io.Writer) error {
	if f.frames < 1 || f.fps <= 0 || f.width < 1 || f.height < 1 {
		return errors.New("--frames, --fps, --width and --height must be positive")
	}
	logger, err := newLogger(f)
	if err != nil {
		return err
	}
	out = &lockedWriter{w: out}
	framepipe.SetLogger(logger)
	defer framepipe.SetLogger(nil)

	cfg, err := loadConfig(fl, f)
	if err != nil {
		return err
	}
	gctx, closeDevice, err := openNoopContext(cfg)
	if err != nil {
		return fmt.Errorf("open noop device: %w", err)
	}
	defer closeDevice()

	reg := prometheus.NewRegistry()
	sink := &printer{out: out}
	opts := append(cfg.Options(reg),
		framepipe.WithLogger(logger),
		framepipe.WithMetrics(reg, cfg.Metrics.Namespace),
		framepipe.WithTextureOutput(sink, cfg.Output.TextureCapacity))
	p, err := framepipe.New(gctx, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := p.Release(); rerr != nil {
			logger.Error("release failed", "err", rerr)
		}
	}()

	var dropped, failures atomic.Int64
	ended := make(chan struct{})
	p.OnFrameDropped(func(e framepipe.FrameDroppedEvent) {
		dropped.Add(1)
		fmt.Fprintf(out, "dropped  %8dus  %s\n", e.PresentationTimeUs, e.Action)
	})
	p.OnError(func(e framepipe.ErrorEvent) {
		failures.Add(1)
		logger.Warn("pipeline error", "class", e.Err.Class.String(), "err", e.Err)
	})
	p.OnEnded(func(framepipe.EndedEvent) { close(ended) })

	if f.watch && f.configPath != "" {
		w := config.NewConfigWatcher(f.configPath, config.Load, logger)
		w.OnReload(func(c config.Config) {
			if err := c.Apply(p); err != nil {
				logger.Warn("config not applied", "err", err)
				return
			}
			logger.Info("config applied", "speed", c.Timing.PlaybackSpeed, "trace", c.Trace.Enabled)
		})
		if err := w.Start(); err != nil {
			logger.Warn("config watcher not started", "err", err)
		} else {
			defer w.Stop()
		}
	}

	effects := []stage.Effect{effect.Copy{}}
	if f.overlay {
		ov := overlay.Effect(cfg.Offload.Depth, overlay.Options{Prefix: "frame ", Language: language.English})
		ov.HarvestTimeout = cfg.Offload.HarvestTimeout.D()
		ov.Logger = logger
		effects = append(effects, ov)
	}
	err = p.RegisterInputStream(framepipe.InputStreamDescriptor{
		Type:      framepipe.InputBitmap,
		Format:    frame.Format{Size: frame.Size{Width: f.width, Height: f.height}, HDR: cfg.Pipeline.HDR},
		Effects:   effects,
		FrameRate: f.fps,
	})
	if err != nil {
		return err
	}
	durationUs := int64(float64(f.frames) * 1e6 / f.fps)
	if err := p.QueueInputBitmap(testPattern(f.width, f.height), source.FrameTiming{DurationUs: durationUs, FrameRate: f.fps}); err != nil {
		return err
	}
	if err := p.SignalEndOfInput(); err != nil {
		return err
	}
	if eng := p.Timing(); eng != nil {
		eng.OnStarted()
	}

	if cfg.Output.Manual {
		go pace(ctx, p, time.Duration(float64(time.Second)/f.fps), ended, logger)
	}

	select {
	case <-ended:
	case <-ctx.Done():
		logger.Info("interrupted")
	}

	fmt.Fprintf(out, "\npipeline %s: %d rendered, %d dropped, %d errors\n",
		p.ID(), sink.received.Load(), dropped.Load(), failures.Load())
	if cfg.Trace.Enabled {
		fmt.Fprintln(out)
		if err := p.Trace().Dump(out); err != nil {
			return err
		}
	}
	return printMetrics(out, reg)
}

// pace releases one buffered frame per tick.
func pace(ctx context.Context, p *framepipe.Pipeline, every time.Duration, ended <-chan struct{}, logger *slog.Logger) {
	tick := time.NewTicker(every)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ended:
			return
		case <-tick.C:
			err := p.RenderOutputFrame(output.RenderImmediately)
			if err != nil && !errors.Is(err, output.ErrNoBufferedFrame) {
				logger.Warn("manual render failed", "err", err)
				return
			}
		}
	}
}

func printMetrics(out io.Writer, reg *prometheus.Registry) error {
	families, err := reg.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			var v float64
			switch {
			case m.GetCounter() != nil:
				v = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				v = m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				v = float64(m.GetHistogram().GetSampleCount())
			default:
				continue
			}
			var labels []string
			for _, lp := range m.GetLabel() {
				if lp.GetName() != "pipeline" {
					labels = append(labels, lp.GetName()+"="+lp.GetValue())
				}
			}
			fmt.Fprintf(out, "%-48s %-24s %g\n", mf.GetName(), strings.Join(labels, ","), v)
		}
	}
	return nil
}

// testPattern draws color bars.
func testPattern(w, h int) image.Image {
	bars := []color.RGBA{
		{235, 235, 235, 255}, {235, 235, 16, 255}, {16, 235, 235, 255}, {16, 235, 16, 255},
		{235, 16, 235, 255}, {235, 16, 16, 255}, {16, 16, 235, 255}, {16, 16, 16, 255},
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.SetRGBA(x, y, bars[x*len(bars)/w])
		}
	}
	return img
}
