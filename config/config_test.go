package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") failed: %v", err)
	}

	if cfg.Spatial.CellSize != 10 {
		t.Errorf("cell_size = %v, want 10", cfg.Spatial.CellSize)
	}
	if cfg.LOD.Thresholds != [4]float64{50, 100, 200, 400} {
		t.Errorf("thresholds = %v", cfg.LOD.Thresholds)
	}
	if cfg.LOD.UpdateIntervals != [4]uint32{1, 2, 4, 8} {
		t.Errorf("update_intervals = %v", cfg.LOD.UpdateIntervals)
	}
	if cfg.Derived.FrameBudget != 16*time.Millisecond {
		t.Errorf("frame budget = %v, want 16ms", cfg.Derived.FrameBudget)
	}
	if cfg.Derived.MaxRadius != 80 {
		t.Errorf("max radius = %v, want 80", cfg.Derived.MaxRadius)
	}
	if cfg.Population.Weights.Separation != 1.5 {
		t.Errorf("separation weight = %v, want 1.5", cfg.Population.Weights.Separation)
	}
	if cfg.Viewer.Zoom != 1 || cfg.Viewer.ZoomRate != 1 || cfg.Observer.ViewRange != 0 {
		t.Errorf("viewer zoom = %v rate = %v, view range = %v", cfg.Viewer.Zoom, cfg.Viewer.ZoomRate, cfg.Observer.ViewRange)
	}
}

func TestParseViewerSweep(t *testing.T) {
	cfg, err := Parse([]byte("viewer:\n  zoom: 2\n  zoom_rate: 0.99\n  drift: [0.5, 0, -0.5]\n  sweep_ticks: 600\nobserver:\n  view_range: 120\n"))
	if err != nil {
		t.Fatal(err)
	}
	v := cfg.Viewer
	if v.Zoom != 2 || v.ZoomRate != 0.99 || v.Drift != [3]float64{0.5, 0, -0.5} || v.SweepTicks != 600 {
		t.Errorf("viewer = %+v", v)
	}
	if cfg.Observer.ViewRange != 120 {
		t.Errorf("view_range = %v", cfg.Observer.ViewRange)
	}

	if _, err := Parse([]byte("viewer:\n  zoom: 0\n")); err == nil {
		t.Error("expected schema error for zero zoom")
	}
	cfg.Viewer.ZoomRate = 0
	if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
		t.Errorf("Validate() with zero zoom rate = %v, want ErrInvalid", err)
	}
}

func TestParseOverridesOnlyPresentKeys(t *testing.T) {
	cfg, err := Parse([]byte(`
spatial:
  cell_size: 20
lod:
  adaptive:
    enabled: false
`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Spatial.CellSize != 20 {
		t.Errorf("cell_size = %v, want 20", cfg.Spatial.CellSize)
	}
	if cfg.Spatial.RebuildIntervalTicks != 120 {
		t.Errorf("rebuild interval lost its default: %v", cfg.Spatial.RebuildIntervalTicks)
	}
	if cfg.LOD.Adaptive.Enabled {
		t.Error("adaptive scaling should be disabled")
	}
	if cfg.LOD.Adaptive.ScaleFactor != 1.25 {
		t.Errorf("scale factor lost its default: %v", cfg.LOD.Adaptive.ScaleFactor)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("spatial:\n  cellsize: 20\n"))
	if err == nil {
		t.Fatal("expected schema error for misspelled key")
	}
}

func TestParseRejectsWrongTypes(t *testing.T) {
	_, err := Parse([]byte("workers:\n  batch_size: lots\n"))
	if err == nil {
		t.Fatal("expected schema error for non-integer batch size")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"descending thresholds", "lod:\n  thresholds: [100, 50, 200, 400]\n"},
		{"decreasing intervals", "lod:\n  update_intervals: [1, 4, 2, 8]\n"},
		{"max interval below minimal", "lod:\n  max_interval: 4\n"},
		{"importance above max", "population:\n  importance_min: 3\n  importance_max: 1\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("Parse() error = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestCullDistanceNeverBelowMinimalThreshold(t *testing.T) {
	cfg, err := Parse([]byte("lod:\n  cull_distance: 0\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Derived.CullDistance != cfg.LOD.Thresholds[3] {
		t.Errorf("cull distance = %v, want %v", cfg.Derived.CullDistance, cfg.LOD.Thresholds[3])
	}
}

func TestWriteYAMLRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Spatial.CellSize = 12.5
	cfg.Workers.BatchSize = 64

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := cfg.WriteYAML(path); err != nil {
		t.Fatalf("WriteYAML failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file not written: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load of written config failed: %v", err)
	}
	if loaded.Spatial.CellSize != 12.5 || loaded.Workers.BatchSize != 64 {
		t.Errorf("round trip lost values: cell_size=%v batch=%v", loaded.Spatial.CellSize, loaded.Workers.BatchSize)
	}
}

func TestCfgPanicsBeforeInit(t *testing.T) {
	saved := global
	global = nil
	defer func() {
		global = saved
		if recover() == nil {
			t.Error("expected panic from Cfg() before Init()")
		}
	}()
	Cfg()
}
