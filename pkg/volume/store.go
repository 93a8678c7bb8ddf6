package volume

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"fiberorient3d/internal/models"
)

// Store allocates the named output arrays of an analysis run, choosing
// between heap and scratch-disk backing per array based on its projected
// footprint versus the RAM ceiling. The store owns a scratch directory for
// the lifetime of the run and removes it on Close, whether the run
// succeeded or failed.
type Store struct {
	dir    string
	budget uint64
	log    zerolog.Logger
	open   []*diskOutput
}

// DefaultRAMBudget is used when the caller does not cap memory use.
const DefaultRAMBudget = 8 << 30

// NewStore creates a scratch directory under scratchParent (the process
// temp directory when empty) and fixes the RAM ceiling for subsequent
// allocations. A ramBudget of zero selects DefaultRAMBudget.
func NewStore(scratchParent string, ramBudget uint64, log zerolog.Logger) (*Store, error) {
	if ramBudget == 0 {
		ramBudget = DefaultRAMBudget
	}
	dir, err := os.MkdirTemp(scratchParent, "fiberorient3d-*")
	if err != nil {
		return nil, fmt.Errorf("%w: creating scratch directory under %q: %v",
			models.ErrResource, scratchParent, err)
	}
	log.Debug().Str("scratch", dir).Str("budget", humanize.IBytes(ramBudget)).Msg("volume store ready")
	return &Store{dir: dir, budget: ramBudget, log: log}, nil
}

// Budget returns the RAM ceiling the store compares allocations against.
func (s *Store) Budget() uint64 { return s.budget }

// ScratchDir returns the scratch directory owned by the store.
func (s *Store) ScratchDir() string { return s.dir }

// Allocate creates a zero-filled output array. Arrays whose byte size
// reaches the RAM ceiling become flat row-major scratch-file datasets;
// smaller arrays live on the heap. The chosen backing never changes
// afterwards.
func (s *Store) Allocate(name string, spatial [3]int, comps int, dtype models.DType) (Output, error) {
	if comps < 1 {
		return nil, fmt.Errorf("%w: output %q needs >= 1 component, got %d", models.ErrConfig, name, comps)
	}
	for _, n := range spatial {
		if n <= 0 {
			return nil, fmt.Errorf("%w: output %q has empty shape %v", models.ErrConfig, name, spatial)
		}
	}
	size := uint64(spatial[0]) * uint64(spatial[1]) * uint64(spatial[2]) *
		uint64(comps) * uint64(dtype.ItemSize())

	if size < s.budget {
		s.log.Debug().Str("array", name).Str("size", humanize.IBytes(size)).
			Str("backing", "memory").Msg("allocated output volume")
		return &memOutput{
			name:  name,
			shape: spatial,
			comps: comps,
			dtype: dtype,
			buf:   make([]byte, size),
		}, nil
	}

	path := filepath.Join(s.dir, name+".dat")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: creating dataset %q: %v", models.ErrResource, path, err)
	}
	// Pre-size the file so unwritten regions read back as zeros.
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: sizing dataset %q to %s: %v",
			models.ErrResource, path, humanize.IBytes(size), err)
	}
	out := &diskOutput{
		name:  name,
		shape: spatial,
		comps: comps,
		dtype: dtype,
		path:  path,
		file:  f,
	}
	s.open = append(s.open, out)
	s.log.Debug().Str("array", name).Str("size", humanize.IBytes(size)).
		Str("backing", "disk").Str("path", path).Msg("allocated output volume")
	return out, nil
}

// Release hands a filled output array off for serialization. Disk-backed
// datasets are moved verbatim (renamed, never re-encoded) to finalPath and
// the returned artifact carries that path; memory-backed arrays return
// their raw buffer for the external writer, and finalPath is ignored.
func (s *Store) Release(out Output, finalPath string, px models.PixelSize) (*models.Artifact, error) {
	art := &models.Artifact{
		Name:      out.Name(),
		Shape:     fullShape(out),
		DType:     out.DType(),
		PixelSize: px,
	}
	if out.InMemory() {
		art.Data = out.(*memOutput).buf
		return art, nil
	}

	d := out.(*diskOutput)
	if err := d.file.Close(); err != nil {
		return nil, fmt.Errorf("%w: closing dataset %q: %v", models.ErrResource, d.path, err)
	}
	if err := os.Rename(d.path, finalPath); err != nil {
		return nil, fmt.Errorf("%w: moving dataset %q to %q: %v",
			models.ErrResource, d.path, finalPath, err)
	}
	s.forget(d)
	art.Path = finalPath
	s.log.Info().Str("array", d.name).Str("path", finalPath).Msg("dataset moved to artifact location")
	return art, nil
}

func (s *Store) forget(d *diskOutput) {
	for i, o := range s.open {
		if o == d {
			s.open = append(s.open[:i], s.open[i+1:]...)
			return
		}
	}
}

func fullShape(out Output) []int {
	sp := out.SpatialShape()
	shape := []int{sp[0], sp[1], sp[2]}
	if out.Components() > 1 {
		shape = append(shape, out.Components())
	}
	return shape
}

// Close releases any remaining scratch datasets and removes the scratch
// directory.
func (s *Store) Close() error {
	for _, o := range s.open {
		o.file.Close()
	}
	s.open = nil
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("removing scratch directory %q: %w", s.dir, err)
	}
	return nil
}
