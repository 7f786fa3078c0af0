package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gogpu/framepipe/timing"
)

func writeFile(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "framepipe.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// ===== Load =====

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
	if cfg.Thresholds() != timing.DefaultThresholds() {
		t.Errorf("thresholds = %+v, want engine defaults", cfg.Thresholds())
	}
}

func TestLoadMergesOverDefault(t *testing.T) {
	path := writeFile(t, t.TempDir(), `
[pipeline]
id = "cam-1"
strict_checks = true
memory_budget_mb = 128

[offload]
depth = 4
harvest_timeout = "2s"

[timing]
enabled = true
playback_speed = 1.5
max_early = "50ms"

[trace]
enabled = true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	def := Default()
	if cfg.Pipeline.ID != "cam-1" || !cfg.Pipeline.StrictChecks || cfg.Pipeline.MemoryBudgetMB != 128 {
		t.Errorf("pipeline = %+v", cfg.Pipeline)
	}
	if cfg.Offload.Depth != 4 || cfg.Offload.HarvestTimeout.D() != 2*time.Second {
		t.Errorf("offload = %+v", cfg.Offload)
	}
	if !cfg.Timing.Enabled || cfg.Timing.PlaybackSpeed != 1.5 {
		t.Errorf("timing = %+v", cfg.Timing)
	}
	if got := cfg.Thresholds().MaxEarlyUs; got != 50_000 {
		t.Errorf("max early = %dus, want 50000", got)
	}
	if cfg.Timing.Late != def.Timing.Late || cfg.Source.DrainTimeout != def.Source.DrainTimeout {
		t.Error("keys missing from the file must keep their defaults")
	}
	if cfg.Trace.Capacity != def.Trace.Capacity {
		t.Errorf("trace capacity = %d", cfg.Trace.Capacity)
	}
	if len(cfg.ContextOptions()) != 1 {
		t.Error("memory budget not turned into a context option")
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		body string
		want error
	}{
		{"zero depth", "[offload]\ndepth = 0\n", ErrInvalid},
		{"zero speed", "[timing]\nplayback_speed = 0.0\n", ErrInvalid},
		{"late after early", "[timing]\nlate = \"10ms\"\n", ErrInvalid},
		{"no textures", "[output]\ntexture_capacity = 0\n", ErrInvalid},
		{"bad duration", "[source]\ndrain_timeout = \"soon\"\n", nil},
		{"bad syntax", "[pipeline\n", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, dir, tt.body))
			if err == nil {
				t.Fatal("Load succeeded")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
	if _, err := Load(filepath.Join(dir, "missing.toml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file err = %v", err)
	}
}

func TestDurationRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Source.ForcedEOSDelay = Duration(250 * time.Millisecond)
	data, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "250ms") {
		t.Errorf("marshalled config lacks the duration string:\n%s", data)
	}
	var back Config
	if err := toml.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back != cfg {
		t.Errorf("round trip changed the config:\n%+v\n%+v", back, cfg)
	}
}

func TestOptions(t *testing.T) {
	cfg := Default()
	base := len(cfg.Options(nil))

	cfg.Timing.Enabled = true
	cfg.Output.Manual = true
	cfg.Metrics.Enabled = true
	cfg.Trace.Enabled = true
	cfg.Pipeline.ID = "x"
	cfg.Source.BitmapMaxWidth, cfg.Source.BitmapMaxHeight = 64, 64
	if got := len(cfg.Options(prometheus.NewRegistry())); got != base+7 {
		t.Errorf("%d options, want %d", got, base+7)
	}
}

// ===== Watcher =====

func TestWatcherReloads(t *testing.T) {
	path := writeFile(t, t.TempDir(), "[timing]\nplayback_speed = 1.0\n")
	w := NewConfigWatcher(path, Load, slog.New(slog.DiscardHandler), WithDebounce[Config](50*time.Millisecond))
	got := make(chan Config, 1)
	w.OnReload(func(c Config) {
		select {
		case got <- c:
		default:
		}
	})
	removed := make(chan Config, 1)
	w.OnReload(func(c Config) { removed <- c })()

	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer func() {
		if err := w.Stop(); err != nil {
			t.Errorf("Stop: %v", err)
		}
	}()
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte("[timing]\nplayback_speed = 2.0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case c := <-got:
		if c.Timing.PlaybackSpeed != 2 {
			t.Errorf("speed = %v, want 2", c.Timing.PlaybackSpeed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for reload")
	}
	select {
	case <-removed:
		t.Error("removed handler was called")
	default:
	}
}

func TestWatcherReportsLoadErrors(t *testing.T) {
	path := writeFile(t, t.TempDir(), "[offload]\ndepth = 2\n")
	errs := make(chan error, 1)
	w := NewConfigWatcher(path, Load, nil,
		WithDebounce[Config](50*time.Millisecond),
		WithErrorHandler[Config](func(err error) {
			select {
			case errs <- err:
			default:
			}
		}))
	reloads := 0
	w.OnReload(func(Config) { reloads++ })
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte("[offload]\ndepth = -1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-errs:
		if !errors.Is(err, ErrInvalid) {
			t.Errorf("err = %v, want ErrInvalid", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for load error")
	}
	if err := w.Stop(); err != nil {
		t.Error(err)
	}
	if reloads != 0 {
		t.Errorf("%d reloads of an invalid file", reloads)
	}
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "")
	w := NewConfigWatcher(path, Load, nil, WithDebounce[Config](20*time.Millisecond))
	got := make(chan Config, 1)
	w.OnReload(func(c Config) {
		select {
		case got <- c:
		default:
		}
	})
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()
	time.Sleep(50 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(dir, "other.toml"), []byte("x = 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case <-got:
		t.Error("reloaded for a sibling file")
	case <-time.After(200 * time.Millisecond):
	}
}
