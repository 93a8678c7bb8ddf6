package config

import (
	"path/filepath"
	"testing"

	"fiberorient3d/internal/models"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Frangi.MaskMethod != "li" || cfg.ODF.Degree != 6 {
		t.Errorf("defaults not applied: mask %q, degree %d", cfg.Frangi.MaskMethod, cfg.ODF.Degree)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg", "run.yaml")

	cfg := DefaultConfig()
	cfg.Processing.NumCores = 4
	cfg.Processing.RAMBudgetMB = 2048
	cfg.Frangi.ScalesUm = []float64{1.25, 2.5}
	cfg.Frangi.Dark = true
	cfg.ODF.ScalesUm = []float64{33}
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Processing.NumCores != 4 || loaded.Processing.RAMBudgetMB != 2048 {
		t.Errorf("processing section lost: %+v", loaded.Processing)
	}
	if len(loaded.Frangi.ScalesUm) != 2 || !loaded.Frangi.Dark {
		t.Errorf("frangi section lost: %+v", loaded.Frangi)
	}
	if len(loaded.ODF.ScalesUm) != 1 || loaded.ODF.ScalesUm[0] != 33 {
		t.Errorf("odf section lost: %+v", loaded.ODF)
	}
}

func TestPipelineParams(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Frangi.SmoothSigmaUm = 1.0
	cfg.Processing.RAMBudgetMB = 1024

	px := models.PixelSize{0.5, 0.25, 0.25}
	params := cfg.PipelineParams(px, 1.0)

	if params.RAMBudget != 1<<30 {
		t.Errorf("RAM budget = %d, want 1 GiB", params.RAMBudget)
	}
	// Every axis is finer than the 1 um target, so all three get smoothed,
	// with sigma expressed in native px.
	want := [3]float64{2, 4, 4}
	if params.SmoothSigma != want {
		t.Errorf("smooth sigma = %v, want %v", params.SmoothSigma, want)
	}

	// Isotropic target defaulting to the finest native axis: no axis is
	// downsampled, so no smoothing.
	params = cfg.PipelineParams(px, 0)
	if params.IsoPixelSize != 0.25 {
		t.Errorf("iso pixel size = %g, want 0.25", params.IsoPixelSize)
	}
	if params.SmoothSigma != ([3]float64{}) {
		t.Errorf("smooth sigma = %v, want all zero", params.SmoothSigma)
	}
}
