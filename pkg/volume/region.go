// Package volume provides the input-volume abstraction consumed by the
// analysis pipeline and the resource-aware store that backs its output
// arrays with either memory or flat scratch-disk storage.
package volume

import "fmt"

// Range is a half-open index interval [Lo, Hi).
type Range struct {
	Lo, Hi int
}

// Len returns the number of indices covered by the range.
func (r Range) Len() int {
	return r.Hi - r.Lo
}

// Intersect clips the range against another, returning an empty range
// (Len() <= 0) when they do not overlap.
func (r Range) Intersect(o Range) Range {
	out := r
	if o.Lo > out.Lo {
		out.Lo = o.Lo
	}
	if o.Hi < out.Hi {
		out.Hi = o.Hi
	}
	return out
}

// Region is a 3D half-open index box ordered Z, Y, X.
type Region [3]Range

// NewRegion builds the region covering the whole of a given shape.
func NewRegion(shape [3]int) Region {
	return Region{
		{0, shape[0]},
		{0, shape[1]},
		{0, shape[2]},
	}
}

// Shape returns the per-axis extent of the region.
func (g Region) Shape() [3]int {
	return [3]int{g[0].Len(), g[1].Len(), g[2].Len()}
}

// NumVoxels returns the number of voxels covered by the region.
func (g Region) NumVoxels() int {
	n := 1
	for _, r := range g {
		if r.Len() <= 0 {
			return 0
		}
		n *= r.Len()
	}
	return n
}

// Empty reports whether the region covers no voxels.
func (g Region) Empty() bool {
	return g.NumVoxels() == 0
}

// Within reports whether the region lies entirely inside the given shape.
func (g Region) Within(shape [3]int) bool {
	for a, r := range g {
		if r.Lo < 0 || r.Hi > shape[a] || r.Lo > r.Hi {
			return false
		}
	}
	return true
}

// Offset shifts the region by the given per-axis amounts.
func (g Region) Offset(d [3]int) Region {
	out := g
	for a := range out {
		out[a].Lo += d[a]
		out[a].Hi += d[a]
	}
	return out
}

// String renders the region in slice notation for log and error messages.
func (g Region) String() string {
	return fmt.Sprintf("[%d:%d, %d:%d, %d:%d]",
		g[0].Lo, g[0].Hi, g[1].Lo, g[1].Hi, g[2].Lo, g[2].Hi)
}
