package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/gogpu/framepipe/timing"
)

func TestCollectorCounts(t *testing.T) {
	c := New(nil, "", "p1")

	c.Decision(timing.Drop)
	c.Decision(timing.Drop)
	c.Decision(timing.ReleaseNow)
	c.Rendered()
	c.Dropped("skip")
	c.ForcedEOS()
	c.Error("timing")
	c.PoolUsage("sampler", 1, 2)
	c.InFlight(3)

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"drop decisions", testutil.ToFloat64(c.decisions.WithLabelValues("drop")), 2},
		{"release_now decisions", testutil.ToFloat64(c.decisions.WithLabelValues("release_now")), 1},
		{"rendered", testutil.ToFloat64(c.rendered), 1},
		{"dropped", testutil.ToFloat64(c.dropped.WithLabelValues("skip")), 1},
		{"forced eos", testutil.ToFloat64(c.forcedEOS), 1},
		{"errors", testutil.ToFloat64(c.errors.WithLabelValues("timing")), 1},
		{"pool used", testutil.ToFloat64(c.poolUsed.WithLabelValues("sampler")), 1},
		{"pool capacity", testutil.ToFloat64(c.poolCapacity.WithLabelValues("sampler")), 2},
		{"in flight", testutil.ToFloat64(c.inFlight), 3},
	}
	for _, tc := range checks {
		if tc.got != tc.want {
			t.Errorf("%s = %v, want %v", tc.name, tc.got, tc.want)
		}
	}
}

func TestHarvested(t *testing.T) {
	c := New(nil, "", "p1")
	c.Harvested(5*time.Millisecond, true)
	c.Harvested(0, false)
	if got := testutil.ToFloat64(c.harvestFails); got != 1 {
		t.Errorf("harvest failures = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(c.harvest); got != 1 {
		t.Errorf("harvest histogram series = %d, want 1", got)
	}
}

func TestRegistersWithPipelineLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := New(reg, "test", "a")
	b := New(reg, "test", "b")
	a.Rendered()
	b.Rendered()
	b.Rendered()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != "test_output_rendered_frames_total" {
			continue
		}
		if len(mf.GetMetric()) != 2 {
			t.Fatalf("series = %d, want one per pipeline", len(mf.GetMetric()))
		}
		return
	}
	t.Fatal("rendered counter not registered")
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	c.Decision(timing.Skip)
	c.Rendered()
	c.Dropped("drop")
	c.ForcedEOS()
	c.Error("resource")
	c.PoolUsage("x", 0, 1)
	c.Harvested(time.Second, true)
	c.InFlight(1)
}
