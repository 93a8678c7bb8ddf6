package pipeline

import "math"

// vectorColormap renders orientation vectors as RGB with each channel
// proportional to the magnitude of the matching component. Components are
// ordered (Z, Y, X), so red encodes the through-plane component.
func vectorColormap(vectors []float32) []uint8 {
	out := make([]uint8, len(vectors))
	for i, v := range vectors {
		a := float64(v)
		if a < 0 {
			a = -a
		}
		out[i] = uint8(math.Round(math.Min(1, a) * 255))
	}
	return out
}

// orientColormap renders orientation vectors with the in-plane angle as hue
// and the through-plane component as desaturation, so fibers leaving the
// imaging plane fade to white. Orientations are axial, so the hue wraps at
// half a turn. Zero vectors render black.
func orientColormap(vectors []float32) []uint8 {
	out := make([]uint8, len(vectors))
	for i := 0; i < len(vectors); i += 3 {
		vz := float64(vectors[i])
		vy := float64(vectors[i+1])
		vx := float64(vectors[i+2])
		if vz == 0 && vy == 0 && vx == 0 {
			continue
		}
		angle := math.Atan2(vy, vx)
		if angle < 0 {
			angle += math.Pi
		}
		hue := angle / math.Pi
		sat := 1 - math.Min(1, math.Abs(vz))
		r, g, b := hsvToRGB(hue, sat, 1)
		out[i] = r
		out[i+1] = g
		out[i+2] = b
	}
	return out
}

// hsvToRGB converts hue/saturation/value in [0,1] to 8-bit RGB.
func hsvToRGB(h, s, v float64) (uint8, uint8, uint8) {
	h = math.Mod(h, 1) * 6
	sector := int(h) % 6
	f := h - math.Floor(h)
	p := v * (1 - s)
	q := v * (1 - s*f)
	t := v * (1 - s*(1-f))

	var r, g, b float64
	switch sector {
	case 0:
		r, g, b = v, t, p
	case 1:
		r, g, b = q, v, p
	case 2:
		r, g, b = p, v, t
	case 3:
		r, g, b = p, q, v
	case 4:
		r, g, b = t, p, v
	default:
		r, g, b = v, p, q
	}
	return uint8(math.Round(r * 255)), uint8(math.Round(g * 255)), uint8(math.Round(b * 255))
}
