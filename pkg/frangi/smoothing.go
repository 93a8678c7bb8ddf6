package frangi

import "math"

// kernelRadius is the Gaussian truncation rule shared with the tile
// planner's halo sizing: a kernel of sigma extends ceil(3*sigma) samples to
// each side.
func kernelRadius(sigma float64) int {
	return int(math.Ceil(3 * sigma))
}

// gaussianKernel builds a normalized 1D Gaussian kernel.
func gaussianKernel(sigma float64) []float64 {
	r := kernelRadius(sigma)
	k := make([]float64, 2*r+1)
	sum := 0.0
	for i := -r; i <= r; i++ {
		v := math.Exp(-float64(i*i) / (2 * sigma * sigma))
		k[i+r] = v
		sum += v
	}
	for i := range k {
		k[i] /= sum
	}
	return k
}

// GaussianBlur applies a separable Gaussian filter with per-axis sigma to a
// flat [Z][Y][X] array. Samples outside the array are treated as zero, so
// filtering a halo-inclusive tile reproduces the whole-volume result
// exactly on the retained (halo-free) region. Axes with sigma <= 0 are left
// untouched.
func GaussianBlur(src []float32, shape [3]int, sigma [3]float64) []float32 {
	cur := src
	for axis := 0; axis < 3; axis++ {
		if sigma[axis] <= 0 {
			continue
		}
		cur = blurAxis(cur, shape, axis, gaussianKernel(sigma[axis]))
	}
	if &cur[0] == &src[0] {
		out := make([]float32, len(src))
		copy(out, src)
		return out
	}
	return cur
}

func blurAxis(src []float32, shape [3]int, axis int, kernel []float64) []float32 {
	out := make([]float32, len(src))
	r := (len(kernel) - 1) / 2
	n := shape[axis]

	stride := 1
	for a := axis + 1; a < 3; a++ {
		stride *= shape[a]
	}

	// Iterate over every line along the chosen axis.
	var outer, inner int
	switch axis {
	case 0:
		outer, inner = 1, shape[1]*shape[2]
	case 1:
		outer, inner = shape[0], shape[2]
	case 2:
		outer, inner = shape[0]*shape[1], 1
	}
	for o := 0; o < outer; o++ {
		for in := 0; in < inner; in++ {
			base := o*inner*n + in
			for i := 0; i < n; i++ {
				acc := 0.0
				for j := -r; j <= r; j++ {
					s := i + j
					if s < 0 || s >= n {
						continue
					}
					acc += kernel[j+r] * float64(src[base+s*stride])
				}
				out[base+i*stride] = float32(acc)
			}
		}
	}
	return out
}
