package frangi

import (
	"math"
	"math/rand"
	"testing"
)

// TestSortedEigenvalues checks the closed-form eigensolver against
// matrices with known spectra.
func TestSortedEigenvalues(t *testing.T) {
	// Diagonal matrix: eigenvalues are the diagonal, ordered by magnitude.
	l1, l2, l3 := sortedEigenvalues(-5, 0, 0, 2, 0, 0.5)
	if math.Abs(l1-0.5) > 1e-12 || math.Abs(l2-2) > 1e-12 || math.Abs(l3+5) > 1e-12 {
		t.Errorf("diagonal spectrum = (%g, %g, %g), want (0.5, 2, -5)", l1, l2, l3)
	}

	// Symmetric matrix with an off-diagonal coupling:
	// [[2 1 0] [1 2 0] [0 0 3]] has eigenvalues 1, 3, 3.
	// The trigonometric form loses a few digits when two eigenvalues
	// coincide, so the repeated pair gets a looser bound.
	l1, l2, l3 = sortedEigenvalues(2, 1, 0, 2, 0, 3)
	if math.Abs(l1-1) > 1e-7 {
		t.Errorf("smallest eigenvalue = %g, want 1", l1)
	}
	if math.Abs(l2-3) > 1e-7 || math.Abs(l3-3) > 1e-7 {
		t.Errorf("dominant eigenvalues = (%g, %g), want (3, 3)", l2, l3)
	}

	// Invariants on random symmetric matrices: trace and Frobenius norm are
	// preserved by the decomposition.
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 100; i++ {
		zz, yy, xx := rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()
		zy, zx, yx := rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()
		l1, l2, l3 := sortedEigenvalues(zz, zy, zx, yy, yx, xx)

		if math.Abs(l1) > math.Abs(l2)+1e-12 || math.Abs(l2) > math.Abs(l3)+1e-12 {
			t.Fatalf("eigenvalues (%g, %g, %g) not ordered by magnitude", l1, l2, l3)
		}
		tr := zz + yy + xx
		if math.Abs(l1+l2+l3-tr) > 1e-9*math.Max(1, math.Abs(tr)) {
			t.Errorf("trace mismatch: %g vs %g", l1+l2+l3, tr)
		}
		frob := zz*zz + yy*yy + xx*xx + 2*(zy*zy+zx*zx+yx*yx)
		if math.Abs(l1*l1+l2*l2+l3*l3-frob) > 1e-9*math.Max(1, frob) {
			t.Errorf("Frobenius norm mismatch: %g vs %g", l1*l1+l2*l2+l3*l3, frob)
		}
	}
}

// TestEigenvectorResidual verifies A*v = lambda*v for random matrices and
// the deterministic sign convention.
func TestEigenvectorResidual(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 100; i++ {
		zz, yy, xx := rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()
		zy, zx, yx := rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()
		l1, _, _ := sortedEigenvalues(zz, zy, zx, yy, yx, xx)
		vz, vy, vx := eigenvector(zz, zy, zx, yy, yx, xx, l1)

		norm := vz*vz + vy*vy + vx*vx
		if math.Abs(norm-1) > 1e-9 {
			t.Fatalf("eigenvector norm %g != 1", norm)
		}
		// Residual of (A - lambda I) v.
		r0 := (zz-l1)*vz + zy*vy + zx*vx
		r1 := zy*vz + (yy-l1)*vy + yx*vx
		r2 := zx*vz + yx*vy + (xx-l1)*vx
		if res := math.Sqrt(r0*r0 + r1*r1 + r2*r2); res > 1e-6 {
			t.Errorf("matrix %d: eigen residual %g too large", i, res)
		}
		// Largest-magnitude component must be positive.
		m := math.Max(math.Abs(vz), math.Max(math.Abs(vy), math.Abs(vx)))
		switch m {
		case math.Abs(vz):
			if vz < 0 {
				t.Errorf("sign convention violated: vz = %g", vz)
			}
		case math.Abs(vy):
			if vy < 0 {
				t.Errorf("sign convention violated: vy = %g", vy)
			}
		default:
			if vx < 0 {
				t.Errorf("sign convention violated: vx = %g", vx)
			}
		}
	}
}

// TestFractionalAnisotropyBounds verifies FA stays in [0, 1] for random
// triplets and maps the all-zero triplet to exactly 0.
func TestFractionalAnisotropyBounds(t *testing.T) {
	if fa := FractionalAnisotropy(0, 0, 0); fa != 0 {
		t.Errorf("FA of zero triplet = %g, want exactly 0", fa)
	}
	// Single nonzero eigenvalue: maximal anisotropy.
	if fa := FractionalAnisotropy(0, 0, -4); math.Abs(fa-1) > 1e-12 {
		t.Errorf("FA of (0,0,-4) = %g, want 1", fa)
	}
	// Equal eigenvalues: no anisotropy.
	if fa := FractionalAnisotropy(2, 2, 2); fa != 0 {
		t.Errorf("FA of equal triplet = %g, want 0", fa)
	}

	rng := rand.New(rand.NewSource(5))
	for i := 0; i < 1000; i++ {
		fa := FractionalAnisotropy(rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64())
		if math.IsNaN(fa) || fa < 0 || fa > 1 {
			t.Fatalf("FA out of bounds: %g", fa)
		}
	}
}

// TestGaussianBlurProperties checks normalization and that a constant
// interior stays constant away from the zero-extension boundary.
func TestGaussianBlurProperties(t *testing.T) {
	shape := [3]int{16, 16, 16}
	src := make([]float32, 16*16*16)
	for i := range src {
		src[i] = 1
	}
	out := GaussianBlur(src, shape, [3]float64{1, 1, 1})

	// Center voxels keep the constant value (kernel radius 3).
	center := (8*16+8)*16 + 8
	if math.Abs(float64(out[center])-1) > 1e-5 {
		t.Errorf("blur of constant volume = %g at center, want 1", out[center])
	}
	// Boundary voxels are dimmed by the zero extension, never brightened.
	if out[0] >= 1 {
		t.Errorf("corner voxel %g should be dimmed by zero extension", out[0])
	}
}

// TestResizeIdentity verifies that a unit ratio with aligned origins is an
// exact copy.
func TestResizeIdentity(t *testing.T) {
	shape := [3]int{4, 5, 6}
	src := make([]float32, 4*5*6)
	for i := range src {
		src[i] = float32(i) * 0.5
	}
	out := ResizeToGrid(src, shape, [3]int{0, 0, 0}, shape, [3]int{0, 0, 0}, [3]float64{1, 1, 1})
	for i := range src {
		if out[i] != src[i] {
			t.Fatalf("identity resize changed voxel %d: %g != %g", i, out[i], src[i])
		}
	}
}

// lineVolume builds a volume with a single bright line along the Z axis.
func lineVolume(n int) ([]float32, [3]int) {
	shape := [3]int{n, n, n}
	img := make([]float32, n*n*n)
	c := n / 2
	for z := 0; z < n; z++ {
		img[(z*n+c)*n+c] = 1
	}
	return img, shape
}

// TestFilterBrightLine verifies that a bright Z-aligned line yields a
// strong vesselness response on the line with the orientation vector along
// Z, and no response under dark polarity.
func TestFilterBrightLine(t *testing.T) {
	img, shape := lineVolume(24)
	p := Params{Alpha: 0.5, Beta: 0.5, Gamma: 0}

	res := Filter(img, shape, []float64{1.0}, p)

	c := 12
	i := (c*24+c)*24 + c
	on := float64(res.Vesselness[i])
	if on < 0.3 {
		t.Fatalf("vesselness on the line = %g, want a strong response", on)
	}
	off := float64(res.Vesselness[(c*24+2)*24+2])
	if off > on/10 {
		t.Errorf("vesselness off the line = %g, want far below %g", off, on)
	}

	vz := float64(res.Vectors[3*i])
	vy := float64(res.Vectors[3*i+1])
	vx := float64(res.Vectors[3*i+2])
	if math.Abs(vz) < 0.99 {
		t.Errorf("orientation (%g, %g, %g) not aligned with the Z axis", vz, vy, vx)
	}
	if vz < 0 {
		t.Errorf("sign convention violated: vz = %g", vz)
	}

	// A bright line has no dark-polarity response.
	dark := Filter(img, shape, []float64{1.0}, Params{Alpha: 0.5, Beta: 0.5, Gamma: 0, Dark: true})
	if dark.Vesselness[i] != 0 {
		t.Errorf("dark-polarity response %g on a bright line, want 0", dark.Vesselness[i])
	}
}

// TestFilterScaleSelection checks that a thick tube responds more strongly
// at a coarser scale and that the winning eigenvalues are stored.
func TestFilterScaleSelection(t *testing.T) {
	// A thick Gaussian-profile tube along Z.
	n := 24
	shape := [3]int{n, n, n}
	img := make([]float32, n*n*n)
	c := float64(n / 2)
	for z := 0; z < n; z++ {
		for y := 0; y < n; y++ {
			for x := 0; x < n; x++ {
				dy, dx := float64(y)-c, float64(x)-c
				img[(z*n+y)*n+x] = float32(math.Exp(-(dy*dy + dx*dx) / (2 * 2.5 * 2.5)))
			}
		}
	}

	res := Filter(img, shape, []float64{1.0, 2.5}, Params{Alpha: 0.5, Beta: 0.5, Gamma: 0.25})
	i := (12*n+12)*n + 12
	if res.Vesselness[i] <= 0 {
		t.Fatal("no response on the tube axis")
	}
	l3 := res.Eigenvalues[3*i+2]
	if l3 >= 0 {
		t.Errorf("dominant eigenvalue %g should be negative for a bright tube", l3)
	}
}
