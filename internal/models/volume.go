package models

import "fmt"

// DType identifies the element type of a stored volume.
type DType int

const (
	// Uint8 is an 8-bit unsigned element (masks, colormaps, score rasters).
	Uint8 DType = iota

	// Float32 is a 32-bit IEEE float element (orientation vectors, ODF
	// coefficients).
	Float32
)

// ItemSize returns the element size in bytes.
func (d DType) ItemSize() int {
	switch d {
	case Uint8:
		return 1
	case Float32:
		return 4
	}
	return 0
}

// String returns the conventional name of the element type.
func (d DType) String() string {
	switch d {
	case Uint8:
		return "uint8"
	case Float32:
		return "float32"
	}
	return fmt.Sprintf("dtype(%d)", int(d))
}

// PixelSize is the physical voxel size in micrometers, ordered Z, Y, X
// to match the axis order of the volume arrays.
type PixelSize [3]float64

// IsIsotropic reports whether all three axes share the same physical size.
func (p PixelSize) IsIsotropic() bool {
	return p[0] == p[1] && p[1] == p[2]
}

// Min returns the smallest per-axis physical size.
func (p PixelSize) Min() float64 {
	m := p[0]
	for _, v := range p[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

// Artifact describes one finished output array handed to an external
// writer: either an in-memory buffer to be serialized, or a disk-resident
// dataset that has already been moved to its final location.
type Artifact struct {
	// Name is the logical array name (e.g. "fiber_vec", "odi_pri").
	Name string

	// Shape is the full array shape, spatial axes first.
	Shape []int

	// DType is the element type of the array.
	DType DType

	// PixelSize tags the artifact with the physical voxel size.
	PixelSize PixelSize

	// Path is set when the artifact is a disk-resident dataset that was
	// relocated verbatim into place; Data is nil in that case.
	Path string

	// Data holds the raw little-endian bytes of a memory-backed artifact.
	Data []byte
}
