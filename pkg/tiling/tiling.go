// Package tiling partitions a microscopy volume into overlapping z-slab
// tiles sized against a RAM budget. Each tile carries a halo-inclusive
// input range, a halo-free output range that is provably disjoint across
// tiles, and the crop geometry needed to align the filtered result on the
// isotropic output grid.
package tiling

import (
	"fmt"
	"math"
	"runtime"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"fiberorient3d/internal/models"
	"fiberorient3d/pkg/volume"
)

// workingSetFactor is the number of float32 volumes the filtering kernel
// holds per tile at its peak: the isotropic slice, the per-scale blurred
// copy, six Hessian components, the running vesselness/vector/eigenvalue
// winners and the cropped intermediates.
const workingSetFactor = 16

// bookkeepingReserve is subtracted from every worker's share of the RAM
// budget before slab sizing, covering histograms, masks and scheduler
// overhead.
const bookkeepingReserve = 64 << 20

// isoEps guards the ceil-based grid mapping against float noise when
// ratio*index lands exactly on an integer.
const isoEps = 1e-9

// PlanConfig collects the inputs of the tile planner.
type PlanConfig struct {
	// VolumeShape is the native spatial extent ordered Z, Y, X.
	VolumeShape [3]int

	// PixelSize is the native physical voxel size [um], possibly anisotropic.
	PixelSize models.PixelSize

	// IsoPixelSize is the target isotropic voxel size [um]; zero selects the
	// smallest native axis size.
	IsoPixelSize float64

	// SmoothSigma is the per-axis sigma of the anisotropy-correction low-pass
	// filter in native px.
	SmoothSigma [3]float64

	// ScalesPx lists the vesselness filter scales in isotropic px; the
	// largest one drives the halo radius.
	ScalesPx []float64

	// SomaChannel indicates that tiles also read the soma channel; its input
	// range shares the fiber halo so both channels resample on one grid.
	SomaChannel bool

	// RAMBudget is the soft memory ceiling in bytes for the whole filtering
	// pass; zero selects volume.DefaultRAMBudget.
	RAMBudget uint64

	// Workers is the requested worker count; values below one select all
	// logical cores.
	Workers int

	// SlabDepthHint caps the slab thickness in native px when positive.
	SlabDepthHint int

	// ZMin and ZMax crop the retained output depth range in isotropic px at
	// write-back time (tiles still compute the full halo-inclusive region).
	// A ZMax of zero keeps the full depth.
	ZMin, ZMax int
}

// Tile is one independently computable unit of work.
type Tile struct {
	// Index is the tile's position in plan order.
	Index int

	// In is the halo-inclusive input range in native px, clamped to the
	// volume boundary (fiber channel).
	In volume.Region

	// InSoma is the input range of the soma channel; identical to In so the
	// two channels stay registered after resampling.
	InSoma volume.Region

	// Out is the halo-free output range in native px. The Out ranges of all
	// tiles partition the volume exactly.
	Out volume.Region

	// Pad records, per axis and side, the halo thickness actually retained
	// after clamping at the volume boundary; it aligns the post-resize crop.
	Pad [3][2]int

	// IsoCrop selects the Out region inside the tile's resized array (local
	// isotropic indices).
	IsoCrop volume.Region

	// IsoOut is the destination of the cropped result in the isotropic
	// output volume (global indices, before z-depth cropping).
	IsoOut volume.Region
}

// Plan is the scheduled tiling of one filtering pass.
type Plan struct {
	// Tiles in submission order; workers may run them in any interleaving.
	Tiles []Tile

	// IsoShape is the full isotropic output shape before z-depth cropping.
	IsoShape [3]int

	// OutShape is the shape of the allocated output arrays (z-depth crop
	// applied).
	OutShape [3]int

	// ResizeRatio maps native indices onto the isotropic grid per axis.
	ResizeRatio [3]float64

	// Halo is the per-axis input margin in native px.
	Halo [3]int

	// SlabDepth is the chosen tile thickness along Z in native px.
	SlabDepth int

	// BatchSize is the worker-pool size: min(workers, len(Tiles)).
	BatchSize int

	// ZSel is the retained z-depth range in isotropic px.
	ZSel volume.Range
}

// IsoIndex maps a native index on the given axis to the isotropic grid.
// The same monotone map sizes the output volume, the tile crops and the
// write-back destinations, so per-tile rounding can never open gaps or
// overlaps.
func (p *Plan) IsoIndex(axis, i int) int {
	return isoIndex(p.ResizeRatio[axis], i)
}

func isoIndex(ratio float64, i int) int {
	return int(math.Ceil(ratio*float64(i) - isoEps))
}

// New computes the tile geometry and RAM-bounded batch size for one
// filtering pass.
func New(cfg PlanConfig, log zerolog.Logger) (*Plan, error) {
	for a, n := range cfg.VolumeShape {
		if n <= 0 {
			return nil, fmt.Errorf("%w: volume shape %v has empty axis %d",
				models.ErrConfig, cfg.VolumeShape, a)
		}
	}
	for a, s := range cfg.PixelSize {
		if s <= 0 {
			return nil, fmt.Errorf("%w: pixel size %v has non-positive axis %d",
				models.ErrConfig, cfg.PixelSize, a)
		}
	}
	if len(cfg.ScalesPx) == 0 {
		return nil, fmt.Errorf("%w: no filter scales requested", models.ErrConfig)
	}
	maxScale := 0.0
	for _, s := range cfg.ScalesPx {
		if s <= 0 {
			return nil, fmt.Errorf("%w: filter scale %g px is not positive", models.ErrConfig, s)
		}
		if s > maxScale {
			maxScale = s
		}
	}

	iso := cfg.IsoPixelSize
	if iso <= 0 {
		iso = cfg.PixelSize.Min()
	}
	var ratio [3]float64
	var isoShape [3]int
	for a := range ratio {
		ratio[a] = cfg.PixelSize[a] / iso
		isoShape[a] = isoIndex(ratio[a], cfg.VolumeShape[a])
	}

	// Halo: vesselness support on the isotropic grid (Gaussian truncation
	// plus Hessian stencil plus a resampling guard), mapped back to native
	// px, plus the native-grid smoothing support.
	frangiSupport := int(math.Ceil(3*maxScale)) + 5
	var halo [3]int
	for a := range halo {
		halo[a] = int(math.Ceil(float64(frangiSupport)/ratio[a])) +
			int(math.Ceil(3*cfg.SmoothSigma[a]))
	}

	zSel, err := selectDepth(cfg.ZMin, cfg.ZMax, isoShape[0])
	if err != nil {
		return nil, err
	}

	workers := cfg.Workers
	if workers < 1 {
		workers = runtime.NumCPU()
	}
	budget := cfg.RAMBudget
	if budget == 0 {
		budget = volume.DefaultRAMBudget
	}

	slab, err := slabDepth(cfg, isoShape, ratio[0], halo[0], budget, workers, log)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		IsoShape:    isoShape,
		ResizeRatio: ratio,
		Halo:        halo,
		SlabDepth:   slab,
		ZSel:        zSel,
	}
	plan.OutShape = [3]int{zSel.Len(), isoShape[1], isoShape[2]}

	z := cfg.VolumeShape[0]
	for z0, idx := 0, 0; z0 < z; z0, idx = z0+slab, idx+1 {
		plan.Tiles = append(plan.Tiles, makeTile(idx, z0, min(z0+slab, z), cfg.VolumeShape, halo, ratio))
	}
	plan.BatchSize = min(workers, len(plan.Tiles))

	if err := plan.check(); err != nil {
		return nil, err
	}
	log.Info().
		Ints("volume", cfg.VolumeShape[:]).
		Ints("iso", isoShape[:]).
		Int("tiles", len(plan.Tiles)).
		Int("slab_depth", slab).
		Int("batch", plan.BatchSize).
		Ints("halo", halo[:]).
		Msg("tiling planned")
	return plan, nil
}

func selectDepth(zMin, zMax, isoZ int) (volume.Range, error) {
	if zMax <= 0 || zMax > isoZ {
		zMax = isoZ
	}
	if zMin < 0 {
		zMin = 0
	}
	if zMin >= zMax {
		return volume.Range{}, fmt.Errorf("%w: empty z-depth selection [%d:%d)",
			models.ErrConfig, zMin, zMax)
	}
	return volume.Range{Lo: zMin, Hi: zMax}, nil
}

// slabDepth picks the largest slab thickness whose working set fits one
// worker's share of the RAM budget. The estimate covers the float32
// intermediate buffers of the filter over the halo-inclusive isotropic
// extent of the slab.
func slabDepth(cfg PlanConfig, isoShape [3]int, ratioZ float64, haloZ int,
	budget uint64, workers int, log zerolog.Logger) (int, error) {

	perWorker := int64(budget / uint64(workers))
	usable := perWorker - bookkeepingReserve
	if usable <= 0 {
		return 0, fmt.Errorf("%w: RAM budget %s across %d workers leaves no room after the %s bookkeeping reserve",
			models.ErrResource, humanize.IBytes(budget), workers, humanize.IBytes(uint64(bookkeepingReserve)))
	}

	bytesPerIsoSlice := int64(isoShape[1]) * int64(isoShape[2]) * 4 * workingSetFactor
	estimate := func(slabNative int) int64 {
		isoDepth := int64(isoIndex(ratioZ, slabNative+2*haloZ)) + 1
		return isoDepth * bytesPerIsoSlice
	}

	z := cfg.VolumeShape[0]
	slab := z
	for slab > 1 && estimate(slab) > usable {
		slab /= 2
	}
	if estimate(slab) > usable {
		// Even one slice overshoots the per-worker share: degrade to the
		// minimal slab instead of refusing the run outright.
		log.Warn().
			Str("per_worker", humanize.IBytes(uint64(usable))).
			Str("min_working_set", humanize.IBytes(uint64(estimate(1)))).
			Msg("minimal slab exceeds the per-worker RAM share; proceeding with single-slice tiles")
		slab = 1
	}
	if cfg.SlabDepthHint > 0 && cfg.SlabDepthHint < slab {
		slab = cfg.SlabDepthHint
	}
	return slab, nil
}

func makeTile(idx, z0, z1 int, shape, halo [3]int, ratio [3]float64) Tile {
	t := Tile{Index: idx}
	lo := [3]int{z0, 0, 0}
	hi := [3]int{z1, shape[1], shape[2]}
	for a := 0; a < 3; a++ {
		out := volume.Range{Lo: lo[a], Hi: hi[a]}
		in := volume.Range{Lo: out.Lo - halo[a], Hi: out.Hi + halo[a]}
		in = in.Intersect(volume.Range{Lo: 0, Hi: shape[a]})
		if a > 0 {
			// Tiles span the full lateral extent: the "halo" there is the
			// volume boundary itself.
			in = out
		}
		t.Out[a] = out
		t.In[a] = in
		t.Pad[a] = [2]int{out.Lo - in.Lo, in.Hi - out.Hi}

		isoInLo := isoIndex(ratio[a], in.Lo)
		t.IsoOut[a] = volume.Range{Lo: isoIndex(ratio[a], out.Lo), Hi: isoIndex(ratio[a], out.Hi)}
		t.IsoCrop[a] = volume.Range{Lo: t.IsoOut[a].Lo - isoInLo, Hi: t.IsoOut[a].Hi - isoInLo}
	}
	t.InSoma = t.In
	return t
}

// check verifies the planner's own invariants: tile output ranges must
// partition the isotropic volume exactly, and each input range must cover
// its output range. A violation is a planning bug surfaced before any
// worker starts.
func (p *Plan) check() error {
	prev := 0
	for _, t := range p.Tiles {
		if t.IsoOut[0].Lo != prev {
			return fmt.Errorf("%w: tile %d output starts at iso z=%d, expected %d",
				models.ErrConfig, t.Index, t.IsoOut[0].Lo, prev)
		}
		prev = t.IsoOut[0].Hi
		for a := 0; a < 3; a++ {
			if t.In[a].Lo > t.Out[a].Lo || t.In[a].Hi < t.Out[a].Hi {
				return fmt.Errorf("%w: tile %d input range %s does not cover output range %s",
					models.ErrConfig, t.Index, t.In.String(), t.Out.String())
			}
		}
	}
	if prev != p.IsoShape[0] {
		return fmt.Errorf("%w: tiles cover iso depth %d of %d", models.ErrConfig, prev, p.IsoShape[0])
	}
	return nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
