// Package config provides configuration loading and management for
// fiberorient3d. It handles loading configuration from YAML files and
// provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"fiberorient3d/internal/models"
	"fiberorient3d/pkg/pipeline"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumCores specifies how many CPU cores to use for parallel tiles
		NumCores int `yaml:"numCores"`

		// RAMBudgetMB caps the memory use of a run in mebibytes; zero uses
		// the built-in default
		RAMBudgetMB int `yaml:"ramBudgetMB"`

		// ScratchDir hosts the scratch directory of oversized datasets;
		// empty selects the system temp directory
		ScratchDir string `yaml:"scratchDir"`

		// SlabDepth caps the tile thickness in native px when positive
		SlabDepth int `yaml:"slabDepth"`

		// ZMin and ZMax crop the analyzed depth range in isotropic px
		ZMin int `yaml:"zMin"`
		ZMax int `yaml:"zMax"`
	} `yaml:"processing"`

	// Frangi filter parameters
	Frangi struct {
		// ScalesUm lists the vesselness filter scales in micrometers
		ScalesUm []float64 `yaml:"scalesUm"`

		// Alpha is the plate-likeness sensitivity
		Alpha float64 `yaml:"alpha"`

		// Beta is the blob-likeness sensitivity
		Beta float64 `yaml:"beta"`

		// Gamma is the background sensitivity; zero selects automatic
		// estimation per scale
		Gamma float64 `yaml:"gamma"`

		// Dark enhances dark tubular structures on a bright background
		Dark bool `yaml:"dark"`

		// SmoothSigmaUm is the anti-aliasing low-pass sigma in micrometers,
		// applied on the axes that get downsampled
		SmoothSigmaUm float64 `yaml:"smoothSigmaUm"`

		// MaskMethod names the background thresholding rule
		MaskMethod string `yaml:"maskMethod"`

		// SomaMask enables soma rejection from the second channel
		SomaMask bool `yaml:"somaMask"`

		// SomaMethod names the soma thresholding rule
		SomaMethod string `yaml:"somaMethod"`

		// OrientColormap selects the angular hue colormap
		OrientColormap bool `yaml:"orientColormap"`
	} `yaml:"frangi"`

	// ODF estimation parameters
	ODF struct {
		// ScalesUm lists the super-voxel sides in micrometers; empty skips
		// the ODF pass
		ScalesUm []float64 `yaml:"scalesUm"`

		// Degree is the even spherical harmonics expansion degree (2-10)
		Degree int `yaml:"degree"`
	} `yaml:"odf"`

	// Output parameters
	Output struct {
		// Dir is the directory receiving the result arrays
		Dir string `yaml:"dir"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.NumCores = runtime.NumCPU()
	cfg.Processing.RAMBudgetMB = 0

	cfg.Frangi.ScalesUm = []float64{1.25}
	cfg.Frangi.Alpha = 0.001
	cfg.Frangi.Beta = 1.0
	cfg.Frangi.Gamma = 0 // automatic
	cfg.Frangi.MaskMethod = "li"
	cfg.Frangi.SomaMethod = "yen"

	cfg.ODF.Degree = 6

	cfg.Output.Dir = "fiberorient3d_out"
	cfg.Output.Verbose = true

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the
// specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}

// PipelineParams translates the file configuration plus the per-volume
// pixel size into the parameter set of a pipeline run. The anti-aliasing
// sigma is converted from micrometers to native px per axis and applied
// only on axes that actually get downsampled.
func (c *Config) PipelineParams(px models.PixelSize, isoPx float64) pipeline.Params {
	if isoPx <= 0 {
		isoPx = px.Min()
	}
	var sigma [3]float64
	if c.Frangi.SmoothSigmaUm > 0 {
		for a := range sigma {
			if px[a] < isoPx {
				sigma[a] = c.Frangi.SmoothSigmaUm / px[a]
			}
		}
	}
	return pipeline.Params{
		PixelSize:      px,
		IsoPixelSize:   isoPx,
		SmoothSigma:    sigma,
		ScalesUm:       c.Frangi.ScalesUm,
		Alpha:          c.Frangi.Alpha,
		Beta:           c.Frangi.Beta,
		Gamma:          c.Frangi.Gamma,
		Dark:           c.Frangi.Dark,
		OrientColormap: c.Frangi.OrientColormap,
		MaskMethod:     c.Frangi.MaskMethod,
		SomaMask:       c.Frangi.SomaMask,
		SomaMethod:     c.Frangi.SomaMethod,
		ODFScalesUm:    c.ODF.ScalesUm,
		ODFDegree:      c.ODF.Degree,
		RAMBudget:      uint64(c.Processing.RAMBudgetMB) << 20,
		Workers:        c.Processing.NumCores,
		SlabDepthHint:  c.Processing.SlabDepth,
		ZMin:           c.Processing.ZMin,
		ZMax:           c.Processing.ZMax,
	}
}
