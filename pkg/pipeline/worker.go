package pipeline

import (
	"math"

	"fiberorient3d/pkg/frangi"
	"fiberorient3d/pkg/mask"
	"fiberorient3d/pkg/tiling"
	"fiberorient3d/pkg/volume"
)

// processTile runs one tile end to end: read the halo-inclusive slab,
// resample it onto the isotropic grid, filter, crop the halo away, derive
// the raster companions, mask the background and write every output into
// its disjoint destination.
func (p *Pipeline) processTile(t tiling.Tile, plan *tiling.Plan, in volume.Reader,
	res *FilterResult, scalesPx []float64) error {

	raw, err := in.ReadRegion(t.In, 0)
	if err != nil {
		return err
	}
	if allZero(raw) {
		// Empty slab: outputs are pre-zeroed, nothing to compute or write.
		return nil
	}

	srcOrigin := [3]int{t.In[0].Lo, t.In[1].Lo, t.In[2].Lo}
	isoIn := isoRegion(t.In, plan)
	isoShape := isoIn.Shape()
	isoOrigin := [3]int{isoIn[0].Lo, isoIn[1].Lo, isoIn[2].Lo}

	iso := frangi.CorrectAnisotropy(raw, t.In.Shape(), srcOrigin, isoShape, isoOrigin,
		plan.ResizeRatio, p.params.SmoothSigma)

	fr := frangi.Filter(iso, isoShape, scalesPx, frangi.Params{
		Alpha: p.params.Alpha,
		Beta:  p.params.Beta,
		Gamma: p.params.Gamma,
		Dark:  p.params.Dark,
	})

	// Halo crop: local iso coordinates of the tile's owned output region.
	vesselness := crop(fr.Vesselness, isoShape, t.IsoCrop, 1)
	vectors := crop(fr.Vectors, isoShape, t.IsoCrop, 3)
	eigen := crop(fr.Eigenvalues, isoShape, t.IsoCrop, 3)
	fiber := crop(iso, isoShape, t.IsoCrop, 1)

	fracAnis := frangi.FractionalAnisotropyVolume(eigen)

	var cmap []uint8
	if p.params.OrientColormap {
		cmap = orientColormap(vectors)
	} else {
		cmap = vectorColormap(vectors)
	}

	fiberMask := make([]uint8, len(fiber))
	if p.params.MaskMethod == "none" {
		for i := range fiberMask {
			fiberMask[i] = 255
		}
	} else {
		// Background is decided on the vesselness score: voxels the filter
		// saw nothing tubular in are cleared even when brightly stained.
		bg, thr, err := mask.Background(vesselness, p.params.MaskMethod)
		if err != nil {
			return err
		}
		mask.Apply(mask.Suppress(bg, false), vectors, cmap, nil)
		fiberMask = mask.Raster(bg, true)
		p.log.Debug().Int("tile", t.Index).Float64("threshold", thr).Msg("background masked")
	}

	var somaMask []uint8
	if p.params.SomaMask {
		rawSoma, err := in.ReadRegion(t.InSoma, 1)
		if err != nil {
			return err
		}
		// The soma channel is only thresholded, so it skips the low-pass and
		// resamples crisp.
		isoSoma := frangi.CorrectAnisotropy(rawSoma, t.InSoma.Shape(), srcOrigin,
			isoShape, isoOrigin, plan.ResizeRatio, [3]float64{})
		soma := crop(isoSoma, isoShape, t.IsoCrop, 1)

		bg, _, err := mask.Background(soma, p.params.SomaMethod)
		if err != nil {
			return err
		}
		// The thresholded soma channel marks voxels to reject, not to keep.
		mask.Apply(mask.Suppress(bg, true), vectors, cmap, fracAnis)
		somaMask = mask.Raster(bg, true)
	}

	return p.writeTile(t, plan, res, vectors, cmap, fracAnis, vesselness, fiberMask, fiber, somaMask)
}

// writeTile stores the cropped tile results, restricted to the retained
// z-depth range. Tile destinations are disjoint, so concurrent writes need
// no coordination.
func (p *Pipeline) writeTile(t tiling.Tile, plan *tiling.Plan, res *FilterResult,
	vectors []float32, cmap []uint8, fracAnis []float32, vesselness []float32,
	fiberMask []uint8, fiber []float32, somaMask []uint8) error {

	keep := t.IsoOut[0].Intersect(plan.ZSel)
	if keep.Len() <= 0 {
		return nil
	}
	zOff := keep.Lo - t.IsoOut[0].Lo
	rowVox := t.IsoOut[1].Len() * t.IsoOut[2].Len()
	lo, hi := zOff*rowVox, (zOff+keep.Len())*rowVox

	dst := volume.Region{
		{Lo: keep.Lo - plan.ZSel.Lo, Hi: keep.Hi - plan.ZSel.Lo},
		t.IsoOut[1],
		t.IsoOut[2],
	}

	if err := res.Vectors.WriteRegion(dst, volume.Float32Bytes(vectors[3*lo:3*hi])); err != nil {
		return err
	}
	if err := res.Colormap.WriteRegion(dst, cmap[3*lo:3*hi]); err != nil {
		return err
	}
	if err := res.FracAnis.WriteRegion(dst, toUint8(fracAnis[lo:hi], 255)); err != nil {
		return err
	}
	if err := res.Vesselness.WriteRegion(dst, toUint8(vesselness[lo:hi], 255)); err != nil {
		return err
	}
	if err := res.FiberMask.WriteRegion(dst, fiberMask[lo:hi]); err != nil {
		return err
	}
	if err := res.IsoFiber.WriteRegion(dst, toUint8(fiber[lo:hi], 1)); err != nil {
		return err
	}
	if somaMask != nil {
		if err := res.SomaMask.WriteRegion(dst, somaMask[lo:hi]); err != nil {
			return err
		}
	}
	return nil
}

// isoRegion maps a native-grid region onto the isotropic grid with the
// plan's shared index map.
func isoRegion(r volume.Region, plan *tiling.Plan) volume.Region {
	var out volume.Region
	for a := 0; a < 3; a++ {
		out[a] = volume.Range{Lo: plan.IsoIndex(a, r[a].Lo), Hi: plan.IsoIndex(a, r[a].Hi)}
	}
	return out
}

func allZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

// crop copies the region r (local indices) out of a flat row-major array
// with comps values per voxel.
func crop(src []float32, shape [3]int, r volume.Region, comps int) []float32 {
	out := make([]float32, r.NumVoxels()*comps)
	w := r[2].Len() * comps
	i := 0
	for z := r[0].Lo; z < r[0].Hi; z++ {
		for y := r[1].Lo; y < r[1].Hi; y++ {
			base := ((z*shape[1]+y)*shape[2] + r[2].Lo) * comps
			copy(out[i:i+w], src[base:base+w])
			i += w
		}
	}
	return out
}

// toUint8 scales float values into 8-bit range with rounding and clamping.
func toUint8(src []float32, scale float64) []uint8 {
	out := make([]uint8, len(src))
	for i, v := range src {
		s := math.Round(float64(v) * scale)
		if s < 0 {
			s = 0
		} else if s > 255 {
			s = 255
		}
		out[i] = uint8(s)
	}
	return out
}
