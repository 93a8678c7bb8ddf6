package mask

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fiberorient3d/internal/models"
)

// bimodal builds an image with a dark mode around darkMean and a bright
// mode around brightMean, with mild noise, and reports which mode each
// sample was drawn from (true for dark).
func bimodal(n int, darkFrac, darkMean, brightMean float64, seed int64) ([]float32, []bool) {
	rng := rand.New(rand.NewSource(seed))
	img := make([]float32, n)
	dark := make([]bool, n)
	for i := range img {
		if rng.Float64() < darkFrac {
			img[i] = float32(darkMean + rng.NormFloat64()*5)
			dark[i] = true
		} else {
			img[i] = float32(brightMean + rng.NormFloat64()*5)
		}
	}
	return img, dark
}

func TestBackgroundSeparatesModes(t *testing.T) {
	img, dark := bimodal(20000, 0.7, 30, 180, 1)

	for _, method := range Methods {
		method := method
		t.Run(method, func(t *testing.T) {
			bg, thr, err := Background(img, method)
			require.NoError(t, err)

			// The rules pick different cut points on the same image: yen
			// hugs the dark peak near 37, li sits mid-valley near 84. All
			// of them must land between the modes.
			assert.Greater(t, thr, 30.0, "threshold at or below the dark mean")
			assert.Less(t, thr, 160.0, "threshold too close to the bright mode")

			// The mask must agree with a direct comparison.
			for i, v := range img {
				assert.Equal(t, float64(v) < thr, bg[i])
			}

			// Classification quality per mode: the bright mode separates
			// cleanly under every rule; the dark mode's upper tail may leak
			// past a cut near its peak.
			var darkN, darkBG, brightN, brightFG int
			for i, b := range bg {
				if dark[i] {
					darkN++
					if b {
						darkBG++
					}
				} else {
					brightN++
					if !b {
						brightFG++
					}
				}
			}
			assert.GreaterOrEqual(t, float64(darkBG)/float64(darkN), 0.9,
				"dark mode leaking into foreground")
			assert.GreaterOrEqual(t, float64(brightFG)/float64(brightN), 0.995,
				"bright mode leaking into background")
		})
	}
}

func TestBackgroundUnknownMethod(t *testing.T) {
	_, _, err := Background([]float32{0, 1}, "kapur")
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrConfig))
	assert.Contains(t, err.Error(), "kapur")
}

func TestBackgroundConstantImage(t *testing.T) {
	img := make([]float32, 100)
	for i := range img {
		img[i] = 3.5
	}
	_, _, err := Background(img, "otsu")
	require.NoError(t, err)
}

func TestSuppressInvert(t *testing.T) {
	bg := []bool{true, false, true, false}
	assert.Equal(t, []bool{true, false, true, false}, Suppress(bg, false))
	assert.Equal(t, []bool{false, true, false, true}, Suppress(bg, true))
}

func TestApplyZeroesSuppressedVoxels(t *testing.T) {
	sup := []bool{false, true}
	vec := []float32{1, 2, 3, 4, 5, 6}
	cm := []uint8{10, 20, 30, 40, 50, 60}
	fa := []float32{0.5, 0.9}

	Apply(sup, vec, cm, fa)

	assert.Equal(t, []float32{1, 2, 3, 0, 0, 0}, vec)
	assert.Equal(t, []uint8{10, 20, 30, 0, 0, 0}, cm)
	assert.Equal(t, []float32{0.5, 0}, fa)
}

func TestApplyNilFractionalAnisotropy(t *testing.T) {
	sup := []bool{true}
	vec := []float32{1, 2, 3}
	cm := []uint8{4, 5, 6}
	Apply(sup, vec, cm, nil)
	assert.Equal(t, []float32{0, 0, 0}, vec)
}

func TestRaster(t *testing.T) {
	sel := []bool{true, false}
	assert.Equal(t, []uint8{255, 0}, Raster(sel, false))
	assert.Equal(t, []uint8{0, 255}, Raster(sel, true))
}
