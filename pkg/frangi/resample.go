package frangi

import "math"

// ResizeToGrid resamples a native-grid array onto a region of the global
// isotropic grid by trilinear interpolation. srcOrigin and dstOrigin anchor
// both arrays in their respective global coordinate systems, so resampling
// a halo-inclusive tile agrees with resampling the whole volume everywhere
// the tile's source support is complete. Sample coordinates are clamped to
// the source extent.
func ResizeToGrid(src []float32, srcShape, srcOrigin, dstShape, dstOrigin [3]int, ratio [3]float64) []float32 {
	out := make([]float32, dstShape[0]*dstShape[1]*dstShape[2])

	// Per-axis source coordinates and interpolation weights.
	idx := make([][]int, 3)
	frac := make([][]float64, 3)
	for a := 0; a < 3; a++ {
		idx[a] = make([]int, dstShape[a])
		frac[a] = make([]float64, dstShape[a])
		for j := 0; j < dstShape[a]; j++ {
			// Center-aligned mapping from the global isotropic index to the
			// global native coordinate.
			g := float64(dstOrigin[a]+j) + 0.5
			x := g/ratio[a] - 0.5 - float64(srcOrigin[a])
			if x < 0 {
				x = 0
			}
			if max := float64(srcShape[a] - 1); x > max {
				x = max
			}
			i := int(math.Floor(x))
			if i > srcShape[a]-2 {
				i = srcShape[a] - 2
			}
			if i < 0 {
				i = 0
			}
			idx[a][j] = i
			frac[a][j] = x - float64(i)
		}
	}

	sy := srcShape[2]
	sz := srcShape[1] * srcShape[2]
	di := 0
	for z := 0; z < dstShape[0]; z++ {
		z0, fz := idx[0][z], frac[0][z]
		z1 := z0
		if srcShape[0] > 1 {
			z1 = z0 + 1
		}
		for y := 0; y < dstShape[1]; y++ {
			y0, fy := idx[1][y], frac[1][y]
			y1 := y0
			if srcShape[1] > 1 {
				y1 = y0 + 1
			}
			for x := 0; x < dstShape[2]; x++ {
				x0, fx := idx[2][x], frac[2][x]
				x1 := x0
				if srcShape[2] > 1 {
					x1 = x0 + 1
				}

				c000 := float64(src[z0*sz+y0*sy+x0])
				c001 := float64(src[z0*sz+y0*sy+x1])
				c010 := float64(src[z0*sz+y1*sy+x0])
				c011 := float64(src[z0*sz+y1*sy+x1])
				c100 := float64(src[z1*sz+y0*sy+x0])
				c101 := float64(src[z1*sz+y0*sy+x1])
				c110 := float64(src[z1*sz+y1*sy+x0])
				c111 := float64(src[z1*sz+y1*sy+x1])

				c00 := c000 + (c001-c000)*fx
				c01 := c010 + (c011-c010)*fx
				c10 := c100 + (c101-c100)*fx
				c11 := c110 + (c111-c110)*fx
				c0 := c00 + (c01-c00)*fy
				c1 := c10 + (c11-c10)*fy
				out[di] = float32(c0 + (c1-c0)*fz)
				di++
			}
		}
	}
	return out
}

// CorrectAnisotropy maps one tile from the native (possibly anisotropic)
// pixel grid onto the isotropic grid: an optional low-pass Gaussian with
// axis-dependent sigma suppresses aliasing, then the tile is resampled at
// the volume-wide resize ratio.
func CorrectAnisotropy(src []float32, srcShape, srcOrigin, dstShape, dstOrigin [3]int,
	ratio [3]float64, sigma [3]float64) []float32 {

	blurred := src
	if sigma[0] > 0 || sigma[1] > 0 || sigma[2] > 0 {
		blurred = GaussianBlur(src, srcShape, sigma)
	}
	return ResizeToGrid(blurred, srcShape, srcOrigin, dstShape, dstOrigin, ratio)
}
