// Package frangi implements the multiscale Hessian-based tubular-structure
// enhancement at the heart of the fiber orientation analysis: anisotropy
// correction, scale-normalized Hessian computation, eigen-decomposition and
// the vesselness score, together with the fractional-anisotropy measure
// derived from the eigenvalue triplets.
package frangi

import (
	"math"
	"sort"
)

// Params holds the vesselness sensitivity parameters.
type Params struct {
	// Alpha is the plate-likeness sensitivity.
	Alpha float64

	// Beta is the blob-likeness sensitivity.
	Beta float64

	// Gamma is the background sensitivity; values <= 0 select automatic
	// estimation from the image statistics (half the maximum Hessian norm at
	// each scale).
	Gamma float64

	// Dark enhances negative-contrast tubular structures instead of bright
	// ones.
	Dark bool
}

// Result holds the per-voxel outputs of the multiscale filter.
type Result struct {
	// Vesselness is the tubularness score in [0, 1], the maximum over all
	// requested scales.
	Vesselness []float32

	// Vectors holds one unit orientation vector per voxel (components
	// ordered Z, Y, X), the eigenvector of the smallest-magnitude Hessian
	// eigenvalue at the winning scale. Background voxels stay zero.
	Vectors []float32

	// Eigenvalues holds the Hessian eigenvalue triplet of the winning scale
	// per voxel, ordered by increasing magnitude.
	Eigenvalues []float32
}

// Filter runs the multiscale vesselness filter over an isotropic volume.
// Scales are swept in ascending order and a voxel's winner is replaced only
// on a strictly larger response, so exact ties resolve to the smallest
// scale, biasing toward finer structures.
func Filter(img []float32, shape [3]int, scalesPx []float64, p Params) *Result {
	n := shape[0] * shape[1] * shape[2]
	res := &Result{
		Vesselness:  make([]float32, n),
		Vectors:     make([]float32, 3*n),
		Eigenvalues: make([]float32, 3*n),
	}

	scales := append([]float64(nil), scalesPx...)
	sort.Float64s(scales)

	for _, s := range scales {
		h := hessianAtScale(img, shape, s)

		gamma := p.Gamma
		if gamma <= 0 {
			gamma = autoGamma(h, n)
		}

		for i := 0; i < n; i++ {
			l1, l2, l3 := sortedEigenvalues(
				float64(h[0][i]), float64(h[1][i]), float64(h[2][i]),
				float64(h[3][i]), float64(h[4][i]), float64(h[5][i]))

			v := vesselness(l1, l2, l3, p.Alpha, p.Beta, gamma, p.Dark)
			if v <= float64(res.Vesselness[i]) {
				continue
			}
			res.Vesselness[i] = float32(v)
			res.Eigenvalues[3*i] = float32(l1)
			res.Eigenvalues[3*i+1] = float32(l2)
			res.Eigenvalues[3*i+2] = float32(l3)
			ez, ey, ex := eigenvector(
				float64(h[0][i]), float64(h[1][i]), float64(h[2][i]),
				float64(h[3][i]), float64(h[4][i]), float64(h[5][i]), l1)
			res.Vectors[3*i] = float32(ez)
			res.Vectors[3*i+1] = float32(ey)
			res.Vectors[3*i+2] = float32(ex)
		}
	}
	return res
}

// hessianAtScale smooths the volume at the given sigma and returns the six
// scale-normalized second derivatives per voxel, ordered
// zz, zy, zx, yy, yx, xx. Out-of-range stencil samples read as zero, the
// same boundary rule the blur uses.
func hessianAtScale(img []float32, shape [3]int, sigma float64) [6][]float32 {
	sm := GaussianBlur(img, shape, [3]float64{sigma, sigma, sigma})
	n := shape[0] * shape[1] * shape[2]
	var h [6][]float32
	for c := range h {
		h[c] = make([]float32, n)
	}

	sy := shape[2]
	sz := shape[1] * shape[2]
	norm := sigma * sigma

	at := func(z, y, x int) float64 {
		if z < 0 || z >= shape[0] || y < 0 || y >= shape[1] || x < 0 || x >= shape[2] {
			return 0
		}
		return float64(sm[z*sz+y*sy+x])
	}

	i := 0
	for z := 0; z < shape[0]; z++ {
		for y := 0; y < shape[1]; y++ {
			for x := 0; x < shape[2]; x++ {
				c := at(z, y, x)
				h[0][i] = float32(norm * (at(z+1, y, x) - 2*c + at(z-1, y, x)))
				h[3][i] = float32(norm * (at(z, y+1, x) - 2*c + at(z, y-1, x)))
				h[5][i] = float32(norm * (at(z, y, x+1) - 2*c + at(z, y, x-1)))
				h[1][i] = float32(norm * 0.25 *
					(at(z+1, y+1, x) - at(z+1, y-1, x) - at(z-1, y+1, x) + at(z-1, y-1, x)))
				h[2][i] = float32(norm * 0.25 *
					(at(z+1, y, x+1) - at(z+1, y, x-1) - at(z-1, y, x+1) + at(z-1, y, x-1)))
				h[4][i] = float32(norm * 0.25 *
					(at(z, y+1, x+1) - at(z, y+1, x-1) - at(z, y-1, x+1) + at(z, y-1, x-1)))
				i++
			}
		}
	}
	return h
}

// autoGamma estimates the background sensitivity as half the maximum
// Frobenius norm of the Hessian over the volume, which equals half the
// maximum second-order structureness.
func autoGamma(h [6][]float32, n int) float64 {
	maxS2 := 0.0
	for i := 0; i < n; i++ {
		zz, zy, zx := float64(h[0][i]), float64(h[1][i]), float64(h[2][i])
		yy, yx, xx := float64(h[3][i]), float64(h[4][i]), float64(h[5][i])
		s2 := zz*zz + yy*yy + xx*xx + 2*(zy*zy+zx*zx+yx*yx)
		if s2 > maxS2 {
			maxS2 = s2
		}
	}
	g := 0.5 * math.Sqrt(maxS2)
	if g == 0 {
		g = 1
	}
	return g
}

// vesselness combines the plate, blob and background terms into the Frangi
// score. Eigenvalues arrive ordered by magnitude; the polarity test on the
// two dominant ones rejects the wrong contrast.
func vesselness(l1, l2, l3, alpha, beta, gamma float64, dark bool) float64 {
	if dark {
		if l2 <= 0 || l3 <= 0 {
			return 0
		}
	} else {
		if l2 >= 0 || l3 >= 0 {
			return 0
		}
	}
	a2, a3 := math.Abs(l2), math.Abs(l3)
	if a3 == 0 {
		return 0
	}
	ra := a2 / a3
	rb := math.Abs(l1) / math.Sqrt(a2*a3)
	s2 := l1*l1 + l2*l2 + l3*l3

	return (1 - math.Exp(-ra*ra/(2*alpha*alpha))) *
		math.Exp(-rb*rb/(2*beta*beta)) *
		(1 - math.Exp(-s2/(2*gamma*gamma)))
}

// FractionalAnisotropy computes the structure-tensor fractional anisotropy
// of one eigenvalue triplet. The all-zero triplet maps to exactly 0; the
// result is clamped into [0, 1] and never NaN.
func FractionalAnisotropy(l1, l2, l3 float64) float64 {
	den := l1*l1 + l2*l2 + l3*l3
	if den == 0 {
		return 0
	}
	d12 := l1 - l2
	d13 := l1 - l3
	d23 := l2 - l3
	fa := math.Sqrt(0.5 * (d12*d12 + d13*d13 + d23*d23) / den)
	if fa > 1 {
		fa = 1
	}
	return fa
}

// FractionalAnisotropyVolume maps FractionalAnisotropy over a flat array of
// eigenvalue triplets.
func FractionalAnisotropyVolume(eig []float32) []float32 {
	out := make([]float32, len(eig)/3)
	for i := range out {
		out[i] = float32(FractionalAnisotropy(
			float64(eig[3*i]), float64(eig[3*i+1]), float64(eig[3*i+2])))
	}
	return out
}
