package pipeline

import (
	"fmt"
	"sync"
	"time"

	"fiberorient3d/pkg/odf"
	"fiberorient3d/pkg/volume"
)

// ODFScale is the ODF pass output for one super-voxel scale.
type ODFScale struct {
	// ScaleUm is the requested super-voxel side in micrometers.
	ScaleUm float64

	// SideVox is the realized cubic cell side in isotropic voxels.
	SideVox int

	// Odf holds the coefficient and dispersion-index grids.
	Odf *odf.Result
}

// RunODF aggregates the completed orientation-vector volume into per-scale
// orientation distribution functions. The vector volume is read back one
// cell row at a time, so a disk-backed result larger than RAM streams
// through a slab-sized window. Scales are independent and run on their own
// worker pool, min(workers, scales) wide. A nil result with a nil error
// means no ODF scales were configured.
func (p *Pipeline) RunODF(fr *FilterResult) ([]ODFScale, error) {
	if len(p.params.ODFScalesUm) == 0 {
		return nil, nil
	}
	start := time.Now()

	basis, err := odf.NewBasis(p.params.ODFDegree)
	if err != nil {
		return nil, err
	}

	shape := fr.Vectors.SpatialShape()
	isoPx := fr.IsoPixelSize[0]
	scales := p.params.ODFScalesUm
	results := make([]ODFScale, len(scales))
	errs := make([]error, len(scales))

	workers := min(p.params.Workers, len(scales))
	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				side := odf.ScaleToVoxels(scales[i], isoPx)
				res, err := p.estimateScale(fr, shape, side, basis)
				if err != nil {
					errs[i] = fmt.Errorf("odf scale %g um: %w", scales[i], err)
					continue
				}
				results[i] = ODFScale{ScaleUm: scales[i], SideVox: side, Odf: res}
				p.log.Debug().
					Float64("scale_um", scales[i]).
					Int("side_vox", side).
					Ints("grid", res.GridShape[:]).
					Msg("odf scale done")
			}
		}()
	}
	for i := range scales {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	p.log.Info().
		Int("scales", len(scales)).
		Int("degree", p.params.ODFDegree).
		Dur("elapsed", time.Since(start)).
		Msg("odf pass complete")
	return results, nil
}

// estimateScale fits one super-voxel scale, reading the vector and fiber
// volumes back cell row by cell row.
func (p *Pipeline) estimateScale(fr *FilterResult, shape [3]int, side int, basis *odf.Basis) (*odf.Result, error) {
	est, err := odf.NewEstimator(shape, side, basis)
	if err != nil {
		return nil, err
	}
	for cz := 0; cz < est.GridShape()[0]; cz++ {
		z0, z1 := est.SlabRange(cz)
		slab := volume.Region{{Lo: z0, Hi: z1}, {Lo: 0, Hi: shape[1]}, {Lo: 0, Hi: shape[2]}}
		vecBytes, err := fr.Vectors.ReadRegion(slab)
		if err != nil {
			return nil, fmt.Errorf("reading orientation vectors: %w", err)
		}
		fiber, err := fr.IsoFiber.ReadRegion(slab)
		if err != nil {
			return nil, fmt.Errorf("reading fiber volume: %w", err)
		}
		if err := est.ProcessSlab(cz, volume.BytesFloat32(vecBytes), fiber); err != nil {
			return nil, err
		}
	}
	return est.Result(), nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
