package volume

import (
	"fmt"
	"math"
	"os"

	"fiberorient3d/internal/models"
)

// Output is one named output array of the analysis pipeline. Both backings
// (heap buffer, flat scratch-file dataset) expose identical region
// read/write semantics, so tile workers and the ODF aggregator never branch
// on where an array actually lives. Writes to disjoint regions are safe to
// issue concurrently on either backing.
type Output interface {
	// Name returns the logical array name.
	Name() string

	// SpatialShape returns the spatial extent ordered Z, Y, X.
	SpatialShape() [3]int

	// Components returns the number of trailing per-voxel components
	// (1 for scalar rasters, 3 for vector fields, N for coefficient sets).
	Components() int

	// DType returns the element type.
	DType() models.DType

	// InMemory reports whether the array is heap-resident.
	InMemory() bool

	// WriteRegion stores the raw little-endian bytes of a dense sub-array
	// (all components of every voxel in the region, Z, Y, X order).
	WriteRegion(r Region, src []byte) error

	// ReadRegion loads a dense sub-array as raw little-endian bytes.
	ReadRegion(r Region) ([]byte, error)
}

// regionBytes validates a region against an output layout and returns the
// expected dense byte length.
func regionBytes(r Region, shape [3]int, comps, item int) (int, error) {
	if !r.Within(shape) {
		return 0, fmt.Errorf("%w: region %s outside output shape %v", models.ErrConfig, r.String(), shape)
	}
	return r.NumVoxels() * comps * item, nil
}

// memOutput is the heap-resident backing. Workers in this engine share one
// address space, so a plain buffer gives the zero-copy sharing the original
// design obtained from memory-mapped scratch files.
type memOutput struct {
	name  string
	shape [3]int
	comps int
	dtype models.DType
	buf   []byte
}

func (m *memOutput) Name() string         { return m.name }
func (m *memOutput) SpatialShape() [3]int { return m.shape }
func (m *memOutput) Components() int      { return m.comps }
func (m *memOutput) DType() models.DType  { return m.dtype }
func (m *memOutput) InMemory() bool       { return true }

func (m *memOutput) WriteRegion(r Region, src []byte) error {
	item := m.dtype.ItemSize()
	want, err := regionBytes(r, m.shape, m.comps, item)
	if err != nil {
		return err
	}
	if len(src) != want {
		return fmt.Errorf("%w: write of %d bytes into region %s of %q (want %d)",
			models.ErrConfig, len(src), r.String(), m.name, want)
	}
	row := r[2].Len() * m.comps * item
	si := 0
	for z := r[0].Lo; z < r[0].Hi; z++ {
		for y := r[1].Lo; y < r[1].Hi; y++ {
			off := m.rowOffset(z, y, r[2].Lo, item)
			copy(m.buf[off:off+row], src[si:si+row])
			si += row
		}
	}
	return nil
}

func (m *memOutput) ReadRegion(r Region) ([]byte, error) {
	item := m.dtype.ItemSize()
	want, err := regionBytes(r, m.shape, m.comps, item)
	if err != nil {
		return nil, err
	}
	out := make([]byte, want)
	row := r[2].Len() * m.comps * item
	di := 0
	for z := r[0].Lo; z < r[0].Hi; z++ {
		for y := r[1].Lo; y < r[1].Hi; y++ {
			off := m.rowOffset(z, y, r[2].Lo, item)
			copy(out[di:di+row], m.buf[off:off+row])
			di += row
		}
	}
	return out, nil
}

func (m *memOutput) rowOffset(z, y, x, item int) int {
	return ((z*m.shape[1]+y)*m.shape[2] + x) * m.comps * item
}

// diskOutput is the scratch-file backing used when an array's projected
// footprint exceeds the RAM ceiling. The dataset is a flat row-major file
// written through positional I/O, so disjoint tile regions can be filled
// concurrently, and the finished file can be renamed into its final
// artifact location verbatim.
type diskOutput struct {
	name  string
	shape [3]int
	comps int
	dtype models.DType
	path  string
	file  *os.File
}

func (d *diskOutput) Name() string         { return d.name }
func (d *diskOutput) SpatialShape() [3]int { return d.shape }
func (d *diskOutput) Components() int      { return d.comps }
func (d *diskOutput) DType() models.DType  { return d.dtype }
func (d *diskOutput) InMemory() bool       { return false }

func (d *diskOutput) WriteRegion(r Region, src []byte) error {
	item := d.dtype.ItemSize()
	want, err := regionBytes(r, d.shape, d.comps, item)
	if err != nil {
		return err
	}
	if len(src) != want {
		return fmt.Errorf("%w: write of %d bytes into region %s of %q (want %d)",
			models.ErrConfig, len(src), r.String(), d.name, want)
	}
	row := r[2].Len() * d.comps * item
	si := 0
	for z := r[0].Lo; z < r[0].Hi; z++ {
		for y := r[1].Lo; y < r[1].Hi; y++ {
			off := d.rowOffset(z, y, r[2].Lo, item)
			if _, err := d.file.WriteAt(src[si:si+row], off); err != nil {
				return fmt.Errorf("%w: writing %q at offset %d: %v", models.ErrResource, d.name, off, err)
			}
			si += row
		}
	}
	return nil
}

func (d *diskOutput) ReadRegion(r Region) ([]byte, error) {
	item := d.dtype.ItemSize()
	want, err := regionBytes(r, d.shape, d.comps, item)
	if err != nil {
		return nil, err
	}
	out := make([]byte, want)
	row := r[2].Len() * d.comps * item
	di := 0
	for z := r[0].Lo; z < r[0].Hi; z++ {
		for y := r[1].Lo; y < r[1].Hi; y++ {
			off := d.rowOffset(z, y, r[2].Lo, item)
			if _, err := d.file.ReadAt(out[di:di+row], off); err != nil {
				return nil, fmt.Errorf("%w: reading %q at offset %d: %v", models.ErrResource, d.name, off, err)
			}
			di += row
		}
	}
	return out, nil
}

func (d *diskOutput) rowOffset(z, y, x, item int) int64 {
	return int64((z*d.shape[1]+y)*d.shape[2]+x) * int64(d.comps) * int64(item)
}

// Float32Bytes encodes a float32 slice as little-endian bytes, the wire
// layout shared by both output backings.
func Float32Bytes(v []float32) []byte {
	out := make([]byte, 4*len(v))
	for i, f := range v {
		bits := math.Float32bits(f)
		out[4*i] = byte(bits)
		out[4*i+1] = byte(bits >> 8)
		out[4*i+2] = byte(bits >> 16)
		out[4*i+3] = byte(bits >> 24)
	}
	return out
}

// BytesFloat32 decodes little-endian bytes back into a float32 slice.
func BytesFloat32(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		bits := uint32(b[4*i]) | uint32(b[4*i+1])<<8 | uint32(b[4*i+2])<<16 | uint32(b[4*i+3])<<24
		out[i] = math.Float32frombits(bits)
	}
	return out
}
