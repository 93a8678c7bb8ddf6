package volume

import "fmt"

// Reader is the random-access view of an input microscopy volume. It covers
// plain in-memory arrays, memory-mapped files and tiled-mosaic readers
// uniformly: the pipeline only ever asks for the shape and for rectangular
// sub-regions of one channel.
type Reader interface {
	// Shape returns the spatial extent ordered Z, Y, X.
	Shape() [3]int

	// Channels returns the number of trailing channels (1 for single-channel
	// volumes).
	Channels() int

	// ReadRegion reads the given spatial region of one channel into a dense
	// []float32 buffer in Z, Y, X order.
	ReadRegion(r Region, ch int) ([]float32, error)
}

// Dense is an in-memory Reader over a flat float32 array laid out
// [Z][Y][X][C].
type Dense struct {
	data     []float32
	shape    [3]int
	channels int
}

// NewDense wraps a flat array as a Dense volume. The data length must match
// shape and channel count exactly.
func NewDense(data []float32, shape [3]int, channels int) (*Dense, error) {
	if channels < 1 {
		return nil, fmt.Errorf("volume: channel count must be >= 1, got %d", channels)
	}
	want := shape[0] * shape[1] * shape[2] * channels
	if len(data) != want {
		return nil, fmt.Errorf("volume: data length %d does not match shape %v with %d channel(s) (want %d)",
			len(data), shape, channels, want)
	}
	return &Dense{data: data, shape: shape, channels: channels}, nil
}

// Shape returns the spatial extent ordered Z, Y, X.
func (d *Dense) Shape() [3]int { return d.shape }

// Channels returns the number of trailing channels.
func (d *Dense) Channels() int { return d.channels }

// ReadRegion copies the requested region of one channel out of the backing
// array.
func (d *Dense) ReadRegion(r Region, ch int) ([]float32, error) {
	if ch < 0 || ch >= d.channels {
		return nil, fmt.Errorf("volume: channel %d out of range (have %d)", ch, d.channels)
	}
	if !r.Within(d.shape) {
		return nil, fmt.Errorf("volume: region %s outside volume shape %v", r.String(), d.shape)
	}
	out := make([]float32, r.NumVoxels())
	i := 0
	for z := r[0].Lo; z < r[0].Hi; z++ {
		for y := r[1].Lo; y < r[1].Hi; y++ {
			base := ((z*d.shape[1]+y)*d.shape[2] + r[2].Lo) * d.channels
			for x := 0; x < r[2].Len(); x++ {
				out[i] = d.data[base+x*d.channels+ch]
				i++
			}
		}
	}
	return out, nil
}
