// Package odf estimates orientation distribution functions over cubic
// super-voxels of an orientation-vector volume. Each super-voxel's set of
// unit orientation vectors is expanded in a real even-degree spherical
// harmonics series, and the directional spread is summarized by dispersion
// indices derived from the orientation structure tensor.
package odf

import (
	"fmt"
	"math"

	"fiberorient3d/internal/models"
)

// Basis holds the precomputed normalization factors of a real spherical
// harmonics basis restricted to even degrees 0..Degree. It is computed once
// and shared read-only across all super-voxels and scales.
type Basis struct {
	// Degree is the maximum (even) expansion degree.
	Degree int
	// norms[k] is the full normalization factor of the k-th coefficient,
	// ordered by even degree l = 0, 2, ..., Degree and within each degree
	// by order m = -l..l. Factors for m != 0 include the sqrt(2) of the
	// real basis.
	norms []float64
}

// NumCoeffs returns the number of coefficients of an even-degree expansion,
// (d/2+1)(d+1).
func NumCoeffs(degree int) int {
	return (degree/2 + 1) * (degree + 1)
}

// NewBasis builds the basis for the given maximum degree. The degree must
// be even and within 2..10.
func NewBasis(degree int) (*Basis, error) {
	if degree < 2 || degree > 10 || degree%2 != 0 {
		return nil, fmt.Errorf("%w: spherical harmonics degree %d not an even number in 2..10",
			models.ErrConfig, degree)
	}
	b := &Basis{
		Degree: degree,
		norms:  make([]float64, 0, NumCoeffs(degree)),
	}
	for l := 0; l <= degree; l += 2 {
		for m := -l; m <= l; m++ {
			b.norms = append(b.norms, normFactor(l, abs(m)))
		}
	}
	return b, nil
}

// normFactor returns sqrt((2l+1)/(4π) * (l-m)!/(l+m)!), doubled by sqrt(2)
// for the sine/cosine components of the real basis.
func normFactor(l, m int) float64 {
	ratio := 1.0
	for k := l - m + 1; k <= l+m; k++ {
		ratio /= float64(k)
	}
	n := math.Sqrt(float64(2*l+1) / (4 * math.Pi) * ratio)
	if m != 0 {
		n *= math.Sqrt2
	}
	return n
}

// Accumulate evaluates every basis function at the direction of the unit
// vector (vz, vy, vx) and adds the values into acc, which must have
// NumCoeffs(b.Degree) elements. Restricting the basis to even degrees makes
// the evaluation identical for a vector and its negation, matching the
// axial symmetry of fiber orientations.
func (b *Basis) Accumulate(vz, vy, vx float64, acc []float64) {
	cosTheta := vz
	if cosTheta > 1 {
		cosTheta = 1
	} else if cosTheta < -1 {
		cosTheta = -1
	}
	phi := math.Atan2(vy, vx)

	p := legendreTable(b.Degree, cosTheta)

	// sin(mφ), cos(mφ) for m = 0..Degree by angle-addition recurrence.
	sinP, cosP := math.Sincos(phi)
	sinM := make([]float64, b.Degree+1)
	cosM := make([]float64, b.Degree+1)
	cosM[0] = 1
	for m := 1; m <= b.Degree; m++ {
		sinM[m] = sinM[m-1]*cosP + cosM[m-1]*sinP
		cosM[m] = cosM[m-1]*cosP - sinM[m-1]*sinP
	}

	k := 0
	for l := 0; l <= b.Degree; l += 2 {
		for m := -l; m <= l; m++ {
			var angular float64
			switch {
			case m < 0:
				angular = sinM[-m]
			case m == 0:
				angular = 1
			default:
				angular = cosM[m]
			}
			acc[k] += b.norms[k] * p[l][abs(m)] * angular
			k++
		}
	}
}

// legendreTable computes the associated Legendre functions P_l^m(x) for all
// l <= lmax and 0 <= m <= l, with the Condon-Shortley phase.
func legendreTable(lmax int, x float64) [][]float64 {
	p := make([][]float64, lmax+1)
	for l := range p {
		p[l] = make([]float64, l+1)
	}
	sinTheta := math.Sqrt(math.Max(0, 1-x*x))

	// P_m^m = (-1)^m (2m-1)!! sin^m(θ)
	p[0][0] = 1
	for m := 1; m <= lmax; m++ {
		p[m][m] = -float64(2*m-1) * sinTheta * p[m-1][m-1]
	}
	// P_{m+1}^m = (2m+1) x P_m^m
	for m := 0; m < lmax; m++ {
		p[m+1][m] = float64(2*m+1) * x * p[m][m]
	}
	// (l-m) P_l^m = (2l-1) x P_{l-1}^m - (l+m-1) P_{l-2}^m
	for l := 2; l <= lmax; l++ {
		for m := 0; m <= l-2; m++ {
			p[l][m] = (float64(2*l-1)*x*p[l-1][m] - float64(l+m-1)*p[l-2][m]) / float64(l-m)
		}
	}
	return p
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
