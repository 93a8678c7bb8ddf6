package frangi

import "math"

// sortedEigenvalues returns the eigenvalues of the symmetric 3x3 matrix
//
//	| zz zy zx |
//	| zy yy yx |
//	| zx yx xx |
//
// ordered by increasing magnitude, computed with the closed-form
// trigonometric method. The closed form keeps the per-voxel hot loop free
// of allocations.
func sortedEigenvalues(zz, zy, zx, yy, yx, xx float64) (l1, l2, l3 float64) {
	p1 := zy*zy + zx*zx + yx*yx
	var e [3]float64
	if p1 == 0 {
		e = [3]float64{zz, yy, xx}
	} else {
		q := (zz + yy + xx) / 3
		p2 := (zz-q)*(zz-q) + (yy-q)*(yy-q) + (xx-q)*(xx-q) + 2*p1
		p := math.Sqrt(p2 / 6)

		// B = (A - qI) / p
		b11, b22, b33 := (zz-q)/p, (yy-q)/p, (xx-q)/p
		b12, b13, b23 := zy/p, zx/p, yx/p
		detB := b11*(b22*b33-b23*b23) - b12*(b12*b33-b23*b13) + b13*(b12*b23-b22*b13)

		r := detB / 2
		if r < -1 {
			r = -1
		} else if r > 1 {
			r = 1
		}
		phi := math.Acos(r) / 3
		e[2] = q + 2*p*math.Cos(phi)
		e[0] = q + 2*p*math.Cos(phi+2*math.Pi/3)
		e[1] = 3*q - e[0] - e[2]
	}

	// Order by |e| ascending.
	if math.Abs(e[0]) > math.Abs(e[1]) {
		e[0], e[1] = e[1], e[0]
	}
	if math.Abs(e[1]) > math.Abs(e[2]) {
		e[1], e[2] = e[2], e[1]
	}
	if math.Abs(e[0]) > math.Abs(e[1]) {
		e[0], e[1] = e[1], e[0]
	}
	return e[0], e[1], e[2]
}

// eigenvector returns a unit eigenvector of the symmetric matrix for the
// given eigenvalue, with a deterministic sign: the largest-magnitude
// component is made positive, so tiled and whole-volume runs agree exactly.
func eigenvector(zz, zy, zx, yy, yx, xx, lambda float64) (vz, vy, vx float64) {
	// Rows of (A - lambda*I); the eigenvector is orthogonal to all of them,
	// so the largest cross product of two rows is the most stable choice.
	r1 := [3]float64{zz - lambda, zy, zx}
	r2 := [3]float64{zy, yy - lambda, yx}
	r3 := [3]float64{zx, yx, xx - lambda}

	c12 := cross(r1, r2)
	c13 := cross(r1, r3)
	c23 := cross(r2, r3)

	best := c12
	bestN := dot(c12, c12)
	if n := dot(c13, c13); n > bestN {
		best, bestN = c13, n
	}
	if n := dot(c23, c23); n > bestN {
		best, bestN = c23, n
	}
	if bestN < 1e-30 {
		// Degenerate (near-isotropic) neighborhood: fall back to the axial
		// direction.
		return 1, 0, 0
	}

	inv := 1 / math.Sqrt(bestN)
	v := [3]float64{best[0] * inv, best[1] * inv, best[2] * inv}

	// Sign convention.
	m := 0
	for i := 1; i < 3; i++ {
		if math.Abs(v[i]) > math.Abs(v[m]) {
			m = i
		}
	}
	if v[m] < 0 {
		v[0], v[1], v[2] = -v[0], -v[1], -v[2]
	}
	return v[0], v[1], v[2]
}

func cross(a, b [3]float64) [3]float64 {
	return [3]float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func dot(a, b [3]float64) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}
