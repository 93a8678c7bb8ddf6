// Package pipeline orchestrates the two passes of the fiber orientation
// analysis: the tiled multiscale vesselness pass that produces the
// orientation-vector volume and its raster companions, and the multi-scale
// ODF pass that aggregates those vectors into super-voxel orientation
// distributions. Tiles and ODF scales run on bounded worker pools; the
// first worker error aborts the pass.
package pipeline

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fiberorient3d/internal/models"
	"fiberorient3d/pkg/tiling"
	"fiberorient3d/pkg/volume"
)

// Params collects every knob of an analysis run.
type Params struct {
	// PixelSize is the native physical voxel size [um], ordered Z, Y, X.
	PixelSize models.PixelSize

	// IsoPixelSize is the target isotropic voxel size [um]; zero selects the
	// smallest native axis size.
	IsoPixelSize float64

	// SmoothSigma is the per-axis anti-aliasing sigma [native px] applied
	// before resampling; all-zero skips the low-pass step.
	SmoothSigma [3]float64

	// ScalesUm lists the vesselness filter scales in micrometers.
	ScalesUm []float64

	// Alpha, Beta and Gamma are the vesselness sensitivity parameters;
	// Gamma <= 0 selects per-scale automatic estimation.
	Alpha, Beta, Gamma float64

	// Dark enhances dark tubular structures on a bright background.
	Dark bool

	// OrientColormap selects the angular hue colormap instead of the
	// per-component RGB one.
	OrientColormap bool

	// MaskMethod names the background thresholding rule ("li" by default);
	// "none" disables background masking.
	MaskMethod string

	// SomaMask enables soma rejection from the second channel.
	SomaMask bool

	// SomaMethod names the soma thresholding rule ("yen" by default).
	SomaMethod string

	// ODFScalesUm lists the super-voxel sides of the ODF pass in
	// micrometers; empty skips the pass.
	ODFScalesUm []float64

	// ODFDegree is the spherical harmonics expansion degree (even, 2..10;
	// 6 by default).
	ODFDegree int

	// RAMBudget caps the memory use of the run in bytes; zero selects the
	// store default.
	RAMBudget uint64

	// Workers bounds both worker pools; values below one select all logical
	// cores.
	Workers int

	// SlabDepthHint caps the tile thickness [native px] when positive.
	SlabDepthHint int

	// ZMin and ZMax crop the retained output depth range [iso px]; a ZMax
	// of zero keeps the full depth.
	ZMin, ZMax int
}

func (p Params) withDefaults() Params {
	if p.MaskMethod == "" {
		p.MaskMethod = "li"
	}
	if p.SomaMethod == "" {
		p.SomaMethod = "yen"
	}
	if p.ODFDegree == 0 {
		p.ODFDegree = 6
	}
	if p.Workers < 1 {
		p.Workers = runtime.NumCPU()
	}
	return p
}

// Pipeline runs the analysis passes against one volume store.
type Pipeline struct {
	params Params
	store  *volume.Store
	log    zerolog.Logger
}

// New builds a pipeline; outputs are allocated from the given store.
func New(params Params, store *volume.Store, log zerolog.Logger) *Pipeline {
	return &Pipeline{params: params.withDefaults(), store: store, log: log}
}

// FilterResult bundles the named outputs of the filtering pass. All arrays
// share the plan's cropped isotropic shape.
type FilterResult struct {
	Plan *tiling.Plan

	// IsoPixelSize tags the outputs with their physical voxel size.
	IsoPixelSize models.PixelSize

	// Vectors is the float32 orientation-vector volume [Z,Y,X,3].
	Vectors volume.Output

	// Colormap is the uint8 RGB rendering of the vectors [Z,Y,X,3].
	Colormap volume.Output

	// FracAnis, Vesselness, FiberMask, IsoFiber and SomaMask are uint8
	// volumes [Z,Y,X]; SomaMask is nil when soma rejection is off.
	FracAnis   volume.Output
	Vesselness volume.Output
	FiberMask  volume.Output
	IsoFiber   volume.Output
	SomaMask   volume.Output
}

// Outputs lists the allocated output arrays in a fixed serialization order.
func (f *FilterResult) Outputs() []volume.Output {
	outs := []volume.Output{f.Vectors, f.Colormap, f.FracAnis, f.Vesselness, f.FiberMask, f.IsoFiber}
	if f.SomaMask != nil {
		outs = append(outs, f.SomaMask)
	}
	return outs
}

// RunFilter executes the tiled vesselness pass over the input volume. The
// soma channel, when enabled, is read as channel 1 of the same reader.
func (p *Pipeline) RunFilter(in volume.Reader) (*FilterResult, error) {
	start := time.Now()
	if p.params.SomaMask && in.Channels() < 2 {
		return nil, fmt.Errorf("%w: soma masking needs a second channel, volume has %d",
			models.ErrConfig, in.Channels())
	}

	iso := p.params.IsoPixelSize
	if iso <= 0 {
		iso = p.params.PixelSize.Min()
	}
	if len(p.params.ScalesUm) == 0 {
		return nil, fmt.Errorf("%w: no filter scales configured", models.ErrConfig)
	}
	scalesPx := make([]float64, len(p.params.ScalesUm))
	for i, s := range p.params.ScalesUm {
		scalesPx[i] = s / iso
	}

	plan, err := tiling.New(tiling.PlanConfig{
		VolumeShape:   in.Shape(),
		PixelSize:     p.params.PixelSize,
		IsoPixelSize:  iso,
		SmoothSigma:   p.params.SmoothSigma,
		ScalesPx:      scalesPx,
		SomaChannel:   p.params.SomaMask,
		RAMBudget:     p.params.RAMBudget,
		Workers:       p.params.Workers,
		SlabDepthHint: p.params.SlabDepthHint,
		ZMin:          p.params.ZMin,
		ZMax:          p.params.ZMax,
	}, p.log)
	if err != nil {
		return nil, err
	}

	res := &FilterResult{
		Plan:         plan,
		IsoPixelSize: models.PixelSize{iso, iso, iso},
	}
	alloc := func(name string, comps int, dtype models.DType) (volume.Output, error) {
		return p.store.Allocate(name, plan.OutShape, comps, dtype)
	}
	if res.Vectors, err = alloc("fiber_vec", 3, models.Float32); err != nil {
		return nil, err
	}
	if res.Colormap, err = alloc("fiber_cmap", 3, models.Uint8); err != nil {
		return nil, err
	}
	if res.FracAnis, err = alloc("frac_anis", 1, models.Uint8); err != nil {
		return nil, err
	}
	if res.Vesselness, err = alloc("frangi", 1, models.Uint8); err != nil {
		return nil, err
	}
	if res.FiberMask, err = alloc("fiber_msk", 1, models.Uint8); err != nil {
		return nil, err
	}
	if res.IsoFiber, err = alloc("iso_fiber", 1, models.Uint8); err != nil {
		return nil, err
	}
	if p.params.SomaMask {
		if res.SomaMask, err = alloc("soma_msk", 1, models.Uint8); err != nil {
			return nil, err
		}
	}

	if err := p.runTiles(plan, in, res, scalesPx); err != nil {
		return nil, err
	}
	p.log.Info().
		Int("tiles", len(plan.Tiles)).
		Ints("out_shape", plan.OutShape[:]).
		Dur("elapsed", time.Since(start)).
		Msg("filtering pass complete")
	return res, nil
}

// runTiles drives the tile pool: BatchSize workers consume a job channel,
// and the first failure stops the feed and aborts the pass.
func (p *Pipeline) runTiles(plan *tiling.Plan, in volume.Reader, res *FilterResult, scalesPx []float64) error {
	jobs := make(chan tiling.Tile)
	quit := make(chan struct{})
	var stop sync.Once
	var firstErr error

	fail := func(err error) {
		stop.Do(func() {
			firstErr = err
			close(quit)
		})
	}

	var wg sync.WaitGroup
	for w := 0; w < plan.BatchSize; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range jobs {
				tileStart := time.Now()
				if err := p.processTile(t, plan, in, res, scalesPx); err != nil {
					fail(fmt.Errorf("tile %d (%s): %w", t.Index, t.Out.String(), err))
					return
				}
				p.log.Debug().
					Int("tile", t.Index).
					Str("out", t.Out.String()).
					Dur("elapsed", time.Since(tileStart)).
					Msg("tile done")
			}
		}()
	}

	for _, t := range plan.Tiles {
		select {
		case jobs <- t:
		case <-quit:
			// Abandon the remaining tiles; partial output is discarded by
			// the caller.
			close(jobs)
			wg.Wait()
			return firstErr
		}
	}
	close(jobs)
	wg.Wait()
	return firstErr
}
