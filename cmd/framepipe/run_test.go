package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func execRun(t *testing.T, args ...string) string {
	t.Helper()
	cmd := newRunCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs(append([]string{"--log-level", "error"}, args...))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := cmd.ExecuteContext(ctx); err != nil {
		t.Fatalf("run %v: %v\n%s", args, err, out.String())
	}
	return out.String()
}

func TestRunRendersEveryFrame(t *testing.T) {
	out := execRun(t, "--frames", "4", "--fps", "30", "--width", "32", "--height", "16")
	if n := strings.Count(out, "texture "); n != 4 {
		t.Errorf("%d textures printed, want 4:\n%s", n, out)
	}
	if !strings.Contains(out, "4 rendered, 0 dropped, 0 errors") {
		t.Errorf("summary missing:\n%s", out)
	}
	if !strings.Contains(out, "framepipe_output_rendered_frames_total") {
		t.Errorf("metrics missing:\n%s", out)
	}
}

func TestRunWithOverlayAndTrace(t *testing.T) {
	out := execRun(t, "--frames", "2", "--width", "64", "--height", "32", "--overlay", "--depth", "2", "--trace")
	if !strings.Contains(out, "2 rendered") {
		t.Errorf("summary missing:\n%s", out)
	}
	if !strings.Contains(out, "RenderFrame") {
		t.Errorf("trace not printed:\n%s", out)
	}
}

func TestRunManual(t *testing.T) {
	out := execRun(t, "--frames", "3", "--fps", "200", "--width", "16", "--height", "16", "--manual")
	if !strings.Contains(out, "3 rendered") {
		t.Errorf("summary missing:\n%s", out)
	}
}

func TestFlagsOverrideConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "framepipe.toml")
	body := "[offload]\ndepth = 3\n\n[output]\nmanual = true\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cmd := newRunCmd()
	fl := cmd.Flags()
	if err := fl.Parse([]string{"--config", path, "--depth", "5"}); err != nil {
		t.Fatal(err)
	}
	f := runFlags{configPath: path, depth: 5, manual: false, speed: 1}
	cfg, err := loadConfig(fl, f)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Offload.Depth != 5 {
		t.Errorf("depth = %d, want flag value 5", cfg.Offload.Depth)
	}
	if !cfg.Output.Manual {
		t.Error("unset --manual overrode the file")
	}
	if cfg.Timing.Enabled {
		t.Error("timing enabled without --speed")
	}
}

func TestRunRejectsBadFlags(t *testing.T) {
	cmd := newRunCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--frames", "0"})
	if err := cmd.Execute(); err == nil {
		t.Error("zero frames accepted")
	}
}
