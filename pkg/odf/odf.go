package odf

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"fiberorient3d/internal/models"
)

// Result holds the per-scale ODF outputs on the super-voxel grid. The grid
// shape follows the volume axis order (Z, Y, X); the background preview is
// stored with the axes reversed (X, Y, Z) for display alongside external
// tractography tools.
type Result struct {
	// GridShape is the super-voxel grid extent along (Z, Y, X).
	GridShape [3]int
	// Coeffs holds the spherical harmonics coefficients, row-major over the
	// grid with NumCoeffs(degree) values per cell.
	Coeffs []float32
	// Primary, Secondary, Total and Anisotropy are the dispersion indices,
	// scaled from [0,1] to [0,255], one value per cell.
	Primary, Secondary, Total, Anisotropy []uint8
	// Preview is the mean fiber intensity per cell on the reversed
	// (X, Y, Z) grid.
	Preview []uint8
}

// ScaleToVoxels converts a super-voxel side from micrometers to isotropic
// voxels, rounding up so a cell never undershoots the requested extent.
func ScaleToVoxels(scaleUm, isoPixelSize float64) int {
	return int(math.Ceil(scaleUm / isoPixelSize))
}

// Estimator fits one ODF per cubic super-voxel of the orientation-vector
// volume, one z-row of cells at a time, so a disk-backed vector volume is
// consumed slab by slab instead of being materialized whole. Cells
// containing no nonzero vector yield zero coefficients and zero dispersion
// indices.
type Estimator struct {
	basis *Basis
	side  int
	shape [3]int
	grid  [3]int
	res   *Result

	acc []float64
	eig *mat.SymDense
	es  mat.EigenSym
}

// NewEstimator prepares the estimation over a volume of the given spatial
// shape with cubic cells of the given side in voxels.
func NewEstimator(shape [3]int, side int, basis *Basis) (*Estimator, error) {
	if side < 1 {
		return nil, fmt.Errorf("%w: super-voxel side %d voxels, want >= 1", models.ErrConfig, side)
	}
	for a, n := range shape {
		if n < 1 {
			return nil, fmt.Errorf("%w: volume shape %v has empty axis %d", models.ErrConfig, shape, a)
		}
	}
	var grid [3]int
	for a := 0; a < 3; a++ {
		grid[a] = (shape[a] + side - 1) / side
	}
	ncells := grid[0] * grid[1] * grid[2]
	ncoeff := NumCoeffs(basis.Degree)
	return &Estimator{
		basis: basis,
		side:  side,
		shape: shape,
		grid:  grid,
		res: &Result{
			GridShape:  grid,
			Coeffs:     make([]float32, ncells*ncoeff),
			Primary:    make([]uint8, ncells),
			Secondary:  make([]uint8, ncells),
			Total:      make([]uint8, ncells),
			Anisotropy: make([]uint8, ncells),
			Preview:    make([]uint8, ncells),
		},
		acc: make([]float64, ncoeff),
		eig: mat.NewSymDense(3, nil),
	}, nil
}

// GridShape returns the super-voxel grid extent along (Z, Y, X).
func (e *Estimator) GridShape() [3]int { return e.grid }

// SlabRange returns the volume z-range covered by cell row cz, for callers
// reading the matching slab.
func (e *Estimator) SlabRange(cz int) (z0, z1 int) {
	z0 = cz * e.side
	z1 = min(e.shape[0], z0+e.side)
	return z0, z1
}

// ProcessSlab consumes one cell row: vectors is the flat [z][Y][X][3] slab
// covering SlabRange(cz) with components ordered (Z, Y, X), and isoFiber,
// when non-nil, the matching uint8 fiber intensity slab used for the
// background preview.
func (e *Estimator) ProcessSlab(cz int, vectors []float32, isoFiber []uint8) error {
	if cz < 0 || cz >= e.grid[0] {
		return fmt.Errorf("%w: cell row %d outside grid depth %d", models.ErrConfig, cz, e.grid[0])
	}
	z0, z1 := e.SlabRange(cz)
	nvox := (z1 - z0) * e.shape[1] * e.shape[2]
	if len(vectors) != nvox*3 {
		return fmt.Errorf("%w: slab %d has %d vector values, want %d",
			models.ErrConfig, cz, len(vectors), nvox*3)
	}
	if isoFiber != nil && len(isoFiber) != nvox {
		return fmt.Errorf("%w: slab %d has %d fiber voxels, want %d",
			models.ErrConfig, cz, len(isoFiber), nvox)
	}

	for cy := 0; cy < e.grid[1]; cy++ {
		for cx := 0; cx < e.grid[2]; cx++ {
			if err := e.cell(cz, cy, cx, z1-z0, vectors, isoFiber); err != nil {
				return err
			}
		}
	}
	return nil
}

// cell accumulates and resolves one super-voxel from local slab indices.
func (e *Estimator) cell(cz, cy, cx, depth int, vectors []float32, isoFiber []uint8) error {
	for i := range e.acc {
		e.acc[i] = 0
	}
	var tensor [6]float64 // zz, zy, zx, yy, yx, xx
	count := 0
	fiberSum, voxels := 0.0, 0

	y1 := min(e.shape[1], (cy+1)*e.side)
	x1 := min(e.shape[2], (cx+1)*e.side)
	for z := 0; z < depth; z++ {
		for y := cy * e.side; y < y1; y++ {
			row := (z*e.shape[1] + y) * e.shape[2]
			for x := cx * e.side; x < x1; x++ {
				voxels++
				if isoFiber != nil {
					fiberSum += float64(isoFiber[row+x])
				}
				vz := float64(vectors[3*(row+x)])
				vy := float64(vectors[3*(row+x)+1])
				vx := float64(vectors[3*(row+x)+2])
				n := math.Sqrt(vz*vz + vy*vy + vx*vx)
				if n == 0 {
					continue
				}
				vz, vy, vx = vz/n, vy/n, vx/n
				e.basis.Accumulate(vz, vy, vx, e.acc)
				tensor[0] += vz * vz
				tensor[1] += vz * vy
				tensor[2] += vz * vx
				tensor[3] += vy * vy
				tensor[4] += vy * vx
				tensor[5] += vx * vx
				count++
			}
		}
	}

	cell := (cz*e.grid[1]+cy)*e.grid[2] + cx
	if isoFiber != nil && voxels > 0 {
		pv := math.Round(fiberSum / float64(voxels))
		e.res.Preview[(cx*e.grid[1]+cy)*e.grid[0]+cz] = uint8(pv)
	}
	if count == 0 {
		return nil
	}

	ncoeff := len(e.acc)
	inv := 1 / float64(count)
	for i, a := range e.acc {
		e.res.Coeffs[cell*ncoeff+i] = float32(a * inv)
	}

	e.eig.SetSym(0, 0, tensor[0]*inv)
	e.eig.SetSym(0, 1, tensor[1]*inv)
	e.eig.SetSym(0, 2, tensor[2]*inv)
	e.eig.SetSym(1, 1, tensor[3]*inv)
	e.eig.SetSym(1, 2, tensor[4]*inv)
	e.eig.SetSym(2, 2, tensor[5]*inv)
	if !e.es.Factorize(e.eig, false) {
		return fmt.Errorf("orientation tensor eigendecomposition failed at cell %v",
			[3]int{cz, cy, cx})
	}
	l := e.es.Values(nil) // ascending
	pri, sec, tot, anis := dispersionIndices(l[0], l[1], l[2])
	e.res.Primary[cell] = scale255(pri)
	e.res.Secondary[cell] = scale255(sec)
	e.res.Total[cell] = scale255(tot)
	e.res.Anisotropy[cell] = scale255(anis)
	return nil
}

// Result returns the estimate once every cell row has been processed.
func (e *Estimator) Result() *Result { return e.res }

// Estimate runs the estimator over fully materialized arrays: vectors is
// the flat [Z][Y][X][3] volume and isoFiber the optional matching intensity
// volume.
func Estimate(vectors []float32, shape [3]int, isoFiber []uint8, side int, basis *Basis) (*Result, error) {
	if want := shape[0] * shape[1] * shape[2] * 3; len(vectors) != want {
		return nil, fmt.Errorf("%w: vector array has %d values, shape %v wants %d",
			models.ErrConfig, len(vectors), shape, want)
	}
	if isoFiber != nil && len(isoFiber) != shape[0]*shape[1]*shape[2] {
		return nil, fmt.Errorf("%w: fiber volume has %d voxels, shape %v wants %d",
			models.ErrConfig, len(isoFiber), shape, shape[0]*shape[1]*shape[2])
	}
	e, err := NewEstimator(shape, side, basis)
	if err != nil {
		return nil, err
	}
	lat := shape[1] * shape[2]
	for cz := 0; cz < e.grid[0]; cz++ {
		z0, z1 := e.SlabRange(cz)
		var fiber []uint8
		if isoFiber != nil {
			fiber = isoFiber[z0*lat : z1*lat]
		}
		if err := e.ProcessSlab(cz, vectors[z0*lat*3:z1*lat*3], fiber); err != nil {
			return nil, err
		}
	}
	return e.Result(), nil
}

// dispersionIndices maps the ascending eigenvalues of the orientation
// structure tensor to the four dispersion indices in [0,1]. The tensor is
// positive semidefinite; tiny negative eigenvalues from rounding are
// clamped to zero.
func dispersionIndices(l1, l2, l3 float64) (pri, sec, tot, anis float64) {
	l1 = math.Max(0, l1)
	l2 = math.Max(0, l2)
	l3 = math.Max(0, l3)
	if l3 == 0 {
		return 0, 0, 0, 0
	}
	const k = 2 / math.Pi
	pri = k * math.Atan2(l2, l3)
	sec = k * math.Atan2(l1, l3)
	tot = k * math.Atan2(math.Sqrt(l1*l2), l3)
	anis = k * math.Atan2(l2-l1, l3)
	return pri, sec, tot, anis
}

func scale255(v float64) uint8 {
	s := math.Round(v * 255)
	if s < 0 {
		return 0
	}
	if s > 255 {
		return 255
	}
	return uint8(s)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
