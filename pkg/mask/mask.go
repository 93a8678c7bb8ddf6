// Package mask derives binary background masks from volume intensity
// statistics using automatic histogram thresholding, and applies them to
// the orientation outputs of the vesselness stage.
package mask

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"fiberorient3d/internal/models"
)

// numBins is the histogram resolution used by every thresholding rule.
const numBins = 256

// Methods lists the supported thresholding rules.
var Methods = []string{"otsu", "li", "yen", "triangle"}

// Background computes an automatic global threshold over the image with
// the selected rule and returns the background mask (true where the voxel
// intensity falls below the threshold) together with the threshold value.
// An unrecognized method name is a configuration error.
func Background(img []float32, method string) ([]bool, float64, error) {
	lo, hi, hist := histogram(img)

	var bin int
	switch method {
	case "otsu":
		bin = otsuThreshold(hist)
	case "li":
		bin = liThreshold(hist, lo, hi)
	case "yen":
		bin = yenThreshold(hist)
	case "triangle":
		bin = triangleThreshold(hist)
	default:
		return nil, 0, fmt.Errorf("%w: unrecognized threshold method %q (supported: %v)",
			models.ErrConfig, method, Methods)
	}

	// Bins [0..bin] are background; the threshold value is the upper edge
	// of the last background bin.
	width := binWidth(lo, hi)
	thr := lo + float64(bin+1)*width

	bg := make([]bool, len(img))
	for i, v := range img {
		bg[i] = float64(v) < thr
	}
	return bg, thr, nil
}

// Suppress combines a background mask with the invert flag into the set of
// voxels to zero out: the background itself in the normal case, the
// foreground when inverted (the soma-masking case, where the thresholded
// channel marks voxels to remove rather than keep).
func Suppress(bg []bool, invert bool) []bool {
	out := make([]bool, len(bg))
	for i, b := range bg {
		out[i] = b != invert
	}
	return out
}

// Apply zeroes the suppressed voxels out of the orientation vectors, the
// colormap and, when present, the fractional-anisotropy array. Unsuppressed
// voxels are left untouched.
func Apply(suppress []bool, vectors []float32, cmap []uint8, fracAnis []float32) {
	for i, s := range suppress {
		if !s {
			continue
		}
		vectors[3*i] = 0
		vectors[3*i+1] = 0
		vectors[3*i+2] = 0
		cmap[3*i] = 0
		cmap[3*i+1] = 0
		cmap[3*i+2] = 0
		if fracAnis != nil {
			fracAnis[i] = 0
		}
	}
}

// Raster renders a boolean mask as a uint8 volume with 255 marking the
// selected voxels.
func Raster(sel []bool, invert bool) []uint8 {
	out := make([]uint8, len(sel))
	for i, s := range sel {
		if s != invert {
			out[i] = 255
		}
	}
	return out
}

func binWidth(lo, hi float64) float64 {
	if hi <= lo {
		return 1
	}
	return (hi - lo) / numBins
}

func histogram(img []float32) (lo, hi float64, hist []int) {
	hist = make([]int, numBins)
	if len(img) == 0 {
		return 0, 0, hist
	}
	f64 := make([]float64, len(img))
	for i, v := range img {
		f64[i] = float64(v)
	}
	lo = floats.Min(f64)
	hi = floats.Max(f64)
	width := binWidth(lo, hi)
	for _, v := range f64 {
		b := int((v - lo) / width)
		if b >= numBins {
			b = numBins - 1
		} else if b < 0 {
			b = 0
		}
		hist[b]++
	}
	return lo, hi, hist
}

// otsuThreshold maximizes the between-class variance over the histogram
// and returns the last background bin.
func otsuThreshold(hist []int) int {
	total := 0
	sum := 0.0
	for b, c := range hist {
		total += c
		sum += float64(b) * float64(c)
	}
	if total == 0 {
		return numBins / 2
	}

	best, bestVar := 0, -1.0
	wB, sumB := 0, 0.0
	for b := 0; b < numBins-1; b++ {
		wB += hist[b]
		if wB == 0 {
			continue
		}
		wF := total - wB
		if wF == 0 {
			break
		}
		sumB += float64(b) * float64(hist[b])
		mB := sumB / float64(wB)
		mF := (sum - sumB) / float64(wF)
		between := float64(wB) * float64(wF) * (mB - mF) * (mB - mF)
		if between > bestVar {
			bestVar = between
			best = b
		}
	}
	return best
}

// liThreshold iterates Li's minimum cross-entropy rule on bin centers.
func liThreshold(hist []int, lo, hi float64) int {
	width := binWidth(lo, hi)
	center := func(b int) float64 { return lo + (float64(b)+0.5)*width }

	// Start from the overall mean intensity.
	total, sum := 0.0, 0.0
	for b, c := range hist {
		total += float64(c)
		sum += center(b) * float64(c)
	}
	if total == 0 {
		return numBins / 2
	}
	t := sum / total

	for iter := 0; iter < 100; iter++ {
		var nB, sB, nF, sF float64
		for b, c := range hist {
			if center(b) < t {
				nB += float64(c)
				sB += center(b) * float64(c)
			} else {
				nF += float64(c)
				sF += center(b) * float64(c)
			}
		}
		if nB == 0 || nF == 0 {
			break
		}
		mB, mF := sB/nB, sF/nF
		// Means at or below zero have no logarithm; shift into positive
		// territory relative to the histogram origin.
		eps := 1e-9 + math.Max(0, -lo)
		mB += eps
		mF += eps
		next := (mB - mF) / (math.Log(mB) - math.Log(mF))
		next -= eps
		if math.Abs(next-t) < 0.5*width {
			t = next
			break
		}
		t = next
	}

	b := int((t - lo) / width)
	if b < 0 {
		b = 0
	}
	if b >= numBins {
		b = numBins - 1
	}
	return b
}

// yenThreshold maximizes Yen's maximum-correlation criterion.
func yenThreshold(hist []int) int {
	total := 0
	for _, c := range hist {
		total += c
	}
	if total == 0 {
		return numBins / 2
	}

	p := make([]float64, numBins)
	for b, c := range hist {
		p[b] = float64(c) / float64(total)
	}
	p1 := make([]float64, numBins) // cumulative probability
	p2 := make([]float64, numBins) // cumulative squared probability
	cum, cum2 := 0.0, 0.0
	for b := 0; b < numBins; b++ {
		cum += p[b]
		cum2 += p[b] * p[b]
		p1[b] = cum
		p2[b] = cum2
	}
	totSq := cum2

	best, bestCrit := 0, math.Inf(-1)
	for b := 0; b < numBins-1; b++ {
		f, bgSq := p1[b], p2[b]
		fgSq := totSq - bgSq
		if f <= 0 || f >= 1 || bgSq <= 0 || fgSq <= 0 {
			continue
		}
		crit := -math.Log(bgSq*fgSq) + 2*math.Log(f*(1-f))
		if crit > bestCrit {
			bestCrit = crit
			best = b
		}
	}
	return best
}

// triangleThreshold finds the bin of maximal distance between the
// histogram and the chord from its peak to its far empty end.
func triangleThreshold(hist []int) int {
	peak, peakH := 0, 0
	lo, hi := -1, -1
	for b, c := range hist {
		if c > peakH {
			peak, peakH = b, c
		}
		if c > 0 {
			if lo < 0 {
				lo = b
			}
			hi = b
		}
	}
	if peakH == 0 {
		return numBins / 2
	}

	// Walk toward the longer tail.
	end := hi
	if peak-lo > hi-peak {
		end = lo
	}
	if end == peak {
		return peak
	}

	// Distance from each bin to the peak-to-end chord.
	dx := float64(end - peak)
	dy := -float64(peakH)
	norm := math.Hypot(dx, dy)
	best, bestD := peak, -1.0
	step := 1
	if end < peak {
		step = -1
	}
	for b := peak; b != end; b += step {
		d := math.Abs(dx*float64(hist[b]-peakH)-dy*float64(b-peak)) / norm
		if d > bestD {
			bestD = d
			best = b
		}
	}
	return best
}
