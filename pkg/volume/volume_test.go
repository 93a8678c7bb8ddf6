package volume

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fiberorient3d/internal/models"
)

func newTestStore(t *testing.T, budget uint64) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), budget, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBackingSelection(t *testing.T) {
	// 4x4x4 float32 = 256 bytes. A budget above that must produce a
	// memory-backed array, a budget at or below it a disk-backed dataset.
	s := newTestStore(t, 257)

	mem, err := s.Allocate("small", [3]int{4, 4, 4}, 1, models.Float32)
	require.NoError(t, err)
	assert.True(t, mem.InMemory())

	tight := newTestStore(t, 256)
	disk, err := tight.Allocate("large", [3]int{4, 4, 4}, 1, models.Float32)
	require.NoError(t, err)
	assert.False(t, disk.InMemory())
}

func TestRegionRoundTripBitIdentical(t *testing.T) {
	// Contents written through either backing and re-read must be
	// bit-identical, including a region that only covers part of the array.
	shape := [3]int{6, 5, 4}
	vals := make([]float32, 2*3*2*3)
	for i := range vals {
		vals[i] = float32(i)*0.25 - 3
	}
	r := Region{{1, 3}, {2, 5}, {0, 2}}

	for name, budget := range map[string]uint64{"memory": 1 << 20, "disk": 1} {
		t.Run(name, func(t *testing.T) {
			s := newTestStore(t, budget)
			out, err := s.Allocate("vec", shape, 3, models.Float32)
			require.NoError(t, err)
			assert.Equal(t, name == "memory", out.InMemory())

			require.NoError(t, out.WriteRegion(r, Float32Bytes(vals)))

			got, err := out.ReadRegion(r)
			require.NoError(t, err)
			assert.Equal(t, vals, BytesFloat32(got))

			// Voxels outside the written region stay at the zero fill.
			rest, err := out.ReadRegion(Region{{0, 1}, {0, 5}, {0, 4}})
			require.NoError(t, err)
			for _, v := range BytesFloat32(rest) {
				assert.Zero(t, v)
			}
		})
	}
}

func TestRegionValidation(t *testing.T) {
	s := newTestStore(t, 1<<20)
	out, err := s.Allocate("mask", [3]int{4, 4, 4}, 1, models.Uint8)
	require.NoError(t, err)

	err = out.WriteRegion(Region{{0, 5}, {0, 4}, {0, 4}}, make([]byte, 80))
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrConfig))

	err = out.WriteRegion(Region{{0, 1}, {0, 4}, {0, 4}}, make([]byte, 3))
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrConfig))
}

func TestReleaseMovesDiskDataset(t *testing.T) {
	s := newTestStore(t, 1)
	out, err := s.Allocate("fiber_vec", [3]int{2, 2, 2}, 3, models.Float32)
	require.NoError(t, err)

	vals := make([]float32, 8*3)
	for i := range vals {
		vals[i] = float32(i)
	}
	require.NoError(t, out.WriteRegion(NewRegion([3]int{2, 2, 2}), Float32Bytes(vals)))

	final := filepath.Join(t.TempDir(), "fiber_vec.dat")
	art, err := s.Release(out, final, models.PixelSize{1, 1, 1})
	require.NoError(t, err)

	assert.Equal(t, final, art.Path)
	assert.Nil(t, art.Data)
	assert.Equal(t, []int{2, 2, 2, 3}, art.Shape)

	// The file was moved verbatim: raw little-endian float32 payload.
	raw, err := os.ReadFile(final)
	require.NoError(t, err)
	assert.Equal(t, vals, BytesFloat32(raw))
}

func TestReleaseReturnsMemoryBuffer(t *testing.T) {
	s := newTestStore(t, 1<<20)
	out, err := s.Allocate("frangi", [3]int{2, 2, 2}, 1, models.Uint8)
	require.NoError(t, err)
	require.NoError(t, out.WriteRegion(NewRegion([3]int{2, 2, 2}), []byte{1, 2, 3, 4, 5, 6, 7, 8}))

	art, err := s.Release(out, "", models.PixelSize{2, 1, 1})
	require.NoError(t, err)
	assert.Empty(t, art.Path)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, art.Data)
	assert.Equal(t, []int{2, 2, 2}, art.Shape)
	assert.Equal(t, models.PixelSize{2, 1, 1}, art.PixelSize)
}

func TestUnwritableScratchFails(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission checks do not apply to root")
	}
	parent := t.TempDir()
	require.NoError(t, os.Chmod(parent, 0500))
	defer os.Chmod(parent, 0700)

	_, err := NewStore(parent, 1<<20, zerolog.Nop())
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrResource))
}

func TestScratchCleanup(t *testing.T) {
	s, err := NewStore(t.TempDir(), 1, zerolog.Nop())
	require.NoError(t, err)
	dir := s.ScratchDir()

	_, err = s.Allocate("tmp", [3]int{2, 2, 2}, 1, models.Uint8)
	require.NoError(t, err)

	require.NoError(t, s.Close())
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

func TestDenseReadRegion(t *testing.T) {
	// Two-channel volume: channel values interleave per voxel.
	shape := [3]int{2, 2, 2}
	data := make([]float32, 8*2)
	for i := 0; i < 8; i++ {
		data[2*i] = float32(i)         // channel 0
		data[2*i+1] = float32(i) + 100 // channel 1
	}
	d, err := NewDense(data, shape, 2)
	require.NoError(t, err)

	ch0, err := d.ReadRegion(NewRegion(shape), 0)
	require.NoError(t, err)
	ch1, err := d.ReadRegion(NewRegion(shape), 1)
	require.NoError(t, err)
	for i := 0; i < 8; i++ {
		assert.Equal(t, float32(i), ch0[i])
		assert.Equal(t, float32(i)+100, ch1[i])
	}

	sub, err := d.ReadRegion(Region{{1, 2}, {0, 2}, {1, 2}}, 0)
	require.NoError(t, err)
	assert.Equal(t, []float32{5, 7}, sub)

	_, err = d.ReadRegion(NewRegion(shape), 2)
	assert.Error(t, err)
}
