package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"fiberorient3d/internal/models"
	"fiberorient3d/pkg/config"
	"fiberorient3d/pkg/pipeline"
	"fiberorient3d/pkg/volume"
)

// artifactMeta is one entry of the meta.yaml index written next to the
// result arrays.
type artifactMeta struct {
	Name        string    `yaml:"name"`
	File        string    `yaml:"file"`
	Shape       []int     `yaml:"shape"`
	DType       string    `yaml:"dtype"`
	PixelSizeUm []float64 `yaml:"pixelSizeUm,omitempty"`
}

func main() {
	inputPath := flag.String("input", "", "Raw input volume (uint8, row-major Z,Y,X[,C])")
	shapeArg := flag.String("shape", "", "Input shape as Z,Y,X")
	channels := flag.Int("channels", 1, "Interleaved channels in the input (fiber first, soma second)")
	pixelArg := flag.String("pixel-size", "1,1,1", "Native voxel size in um as Z,Y,X")
	isoArg := flag.Float64("iso", 0, "Target isotropic voxel size in um (0 = smallest native axis)")
	configPath := flag.String("config", "fiberorient3d.yaml", "YAML configuration file")
	outputDir := flag.String("output", "", "Output directory (overrides the configured one)")
	writeConfig := flag.Bool("write-config", false, "Write the default configuration to -config and exit")
	flag.Parse()

	if *writeConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "writing config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}
	if *inputPath == "" || *shapeArg == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}
	if *outputDir != "" {
		cfg.Output.Dir = *outputDir
	}

	level := zerolog.InfoLevel
	if cfg.Output.Verbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).With().Timestamp().Logger()

	shape, err := parseInts3(*shapeArg)
	if err != nil {
		log.Fatal().Err(err).Msg("bad -shape")
	}
	pxVals, err := parseFloats3(*pixelArg)
	if err != nil {
		log.Fatal().Err(err).Msg("bad -pixel-size")
	}
	px := models.PixelSize{pxVals[0], pxVals[1], pxVals[2]}

	in, err := readRawVolume(*inputPath, shape, *channels)
	if err != nil {
		log.Fatal().Err(err).Msg("reading input volume")
	}
	log.Info().
		Str("input", *inputPath).
		Ints("shape", shape[:]).
		Int("channels", *channels).
		Str("size", humanize.IBytes(uint64(shape[0]*shape[1]*shape[2]*(*channels)))).
		Msg("volume loaded")

	params := cfg.PipelineParams(px, *isoArg)
	store, err := volume.NewStore(cfg.Processing.ScratchDir, params.RAMBudget, log)
	if err != nil {
		log.Fatal().Err(err).Msg("opening volume store")
	}
	defer store.Close()

	start := time.Now()
	p := pipeline.New(params, store, log)
	res, err := p.RunFilter(in)
	if err != nil {
		log.Fatal().Err(err).Msg("filtering pass failed")
	}
	odfs, err := p.RunODF(res)
	if err != nil {
		log.Fatal().Err(err).Msg("odf pass failed")
	}

	meta, err := writeResults(store, cfg.Output.Dir, res, odfs)
	if err != nil {
		log.Fatal().Err(err).Msg("writing results")
	}

	fmt.Printf("Analysis completed in %.2f seconds\n", time.Since(start).Seconds())
	fmt.Printf("Results written to: %s\n", cfg.Output.Dir)
	for _, m := range meta {
		fmt.Printf("  %-12s %-10s %v\n", m.Name, m.DType, m.Shape)
	}
}

// readRawVolume loads a raw uint8 volume into a dense float32 reader.
func readRawVolume(path string, shape [3]int, channels int) (*volume.Dense, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	want := shape[0] * shape[1] * shape[2] * channels
	if len(raw) != want {
		return nil, fmt.Errorf("%w: input holds %d bytes, shape %v with %d channels wants %d",
			models.ErrConfig, len(raw), shape, channels, want)
	}
	data := make([]float32, len(raw))
	for i, b := range raw {
		data[i] = float32(b)
	}
	return volume.NewDense(data, shape, channels)
}

// writeResults releases every output array into the result directory and
// writes the meta.yaml index describing them.
func writeResults(store *volume.Store, dir string, res *pipeline.FilterResult, odfs []pipeline.ODFScale) ([]artifactMeta, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	var meta []artifactMeta
	for _, out := range res.Outputs() {
		file := out.Name() + ".raw"
		art, err := store.Release(out, filepath.Join(dir, file), res.IsoPixelSize)
		if err != nil {
			return nil, err
		}
		// Disk-backed datasets were moved into place by the release; only
		// memory-backed ones still need writing.
		if art.Data != nil {
			if err := os.WriteFile(filepath.Join(dir, file), art.Data, 0644); err != nil {
				return nil, err
			}
		}
		meta = append(meta, artifactMeta{
			Name:        art.Name,
			File:        file,
			Shape:       art.Shape,
			DType:       art.DType.String(),
			PixelSizeUm: art.PixelSize[:],
		})
	}

	for _, scale := range odfs {
		grid := scale.Odf.GridShape
		tag := strconv.FormatFloat(scale.ScaleUm, 'g', -1, 64)
		odi := func(name string, data []uint8, shape []int) error {
			file := fmt.Sprintf("%s_%s.raw", name, tag)
			if err := os.WriteFile(filepath.Join(dir, file), data, 0644); err != nil {
				return err
			}
			meta = append(meta, artifactMeta{Name: name, File: file, Shape: shape, DType: "uint8"})
			return nil
		}

		coeffFile := fmt.Sprintf("odf_%s.raw", tag)
		ncoeff := len(scale.Odf.Coeffs) / (grid[0] * grid[1] * grid[2])
		if err := os.WriteFile(filepath.Join(dir, coeffFile), volume.Float32Bytes(scale.Odf.Coeffs), 0644); err != nil {
			return nil, err
		}
		meta = append(meta, artifactMeta{
			Name:  "odf",
			File:  coeffFile,
			Shape: []int{grid[0], grid[1], grid[2], ncoeff},
			DType: "float32",
		})

		gridShape := grid[:]
		flipped := []int{grid[2], grid[1], grid[0]}
		if err := odi("odi_pri", scale.Odf.Primary, gridShape); err != nil {
			return nil, err
		}
		if err := odi("odi_sec", scale.Odf.Secondary, gridShape); err != nil {
			return nil, err
		}
		if err := odi("odi_tot", scale.Odf.Total, gridShape); err != nil {
			return nil, err
		}
		if err := odi("odi_anis", scale.Odf.Anisotropy, gridShape); err != nil {
			return nil, err
		}
		if err := odi("bg_mrtrix", scale.Odf.Preview, flipped); err != nil {
			return nil, err
		}
	}

	data, err := yaml.Marshal(meta)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, "meta.yaml"), data, 0644); err != nil {
		return nil, err
	}
	return meta, nil
}

func parseInts3(s string) ([3]int, error) {
	parts := strings.Split(s, ",")
	var out [3]int
	if len(parts) != 3 {
		return out, fmt.Errorf("want three comma-separated values, got %q", s)
	}
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return out, err
		}
		out[i] = v
	}
	return out, nil
}

func parseFloats3(s string) ([3]float64, error) {
	parts := strings.Split(s, ",")
	var out [3]float64
	if len(parts) != 3 {
		return out, fmt.Errorf("want three comma-separated values, got %q", s)
	}
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return out, err
		}
		out[i] = v
	}
	return out, nil
}
