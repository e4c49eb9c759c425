package evaluate

import (
	"fmt"
	"math/rand"

	"ctpack/internal/models"
)

// Synthetic phantom densities in HU. Body tissue sits below the
// classifier's soft-tissue cutoff so a lesion-free phantom classifies
// normal; lesions sit well above it.
const (
	phantomAir    = -1000
	phantomBody   = 10
	phantomLung   = -850
	phantomLesion = 60
)

// SyntheticCase builds a geometric chest phantom: an air background, a
// soft-tissue ellipsoid body holding two lung ellipsoids, and, for
// abnormal cases, a dense spherical lesion inside the right lung. A
// little seeded noise keeps the delta codec honest.
func SyntheticCase(width, height, depth int, abnormal bool, seed int64) *models.Volume {
	vol := models.NewVolume(width, height, depth)
	rng := rand.New(rand.NewSource(seed))

	cx, cy, cz := float64(width)/2, float64(height)/2, float64(depth)/2
	bodyRX, bodyRY, bodyRZ := 0.42*float64(width), 0.40*float64(height), 0.46*float64(depth)
	lungRX, lungRY, lungRZ := 0.16*float64(width), 0.26*float64(height), 0.34*float64(depth)
	lungOffset := 0.20 * float64(width)

	lesionR := float64(width) * 0.09
	if lesionR < 3 {
		lesionR = 3
	}
	lesionX, lesionY, lesionZ := cx+lungOffset, cy, cz

	idx := 0
	for z := 0; z < depth; z++ {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				fx, fy, fz := float64(x), float64(y), float64(z)

				var v int16 = phantomAir
				if inEllipsoid(fx, fy, fz, cx, cy, cz, bodyRX, bodyRY, bodyRZ) {
					v = phantomBody + int16(rng.Intn(7)-3)
					if inEllipsoid(fx, fy, fz, cx-lungOffset, cy, cz, lungRX, lungRY, lungRZ) ||
						inEllipsoid(fx, fy, fz, cx+lungOffset, cy, cz, lungRX, lungRY, lungRZ) {
						v = phantomLung + int16(rng.Intn(7)-3)
					}
					if abnormal && inEllipsoid(fx, fy, fz, lesionX, lesionY, lesionZ, lesionR, lesionR, lesionR) {
						v = phantomLesion + int16(rng.Intn(7)-3)
					}
				}
				vol.Data[idx] = v
				idx++
			}
		}
	}

	label := LabelNormal
	if abnormal {
		label = LabelAbnormal
	}
	vol.Metadata = map[string]string{
		"patient_id": fmt.Sprintf("synthetic-%d", seed),
		"series_uid": fmt.Sprintf("1.2.synthetic.%d", seed),
		"label":      label,
	}
	vol.VoxelSize.X, vol.VoxelSize.Y, vol.VoxelSize.Z = 1, 1, 1
	return vol
}

func inEllipsoid(x, y, z, cx, cy, cz, rx, ry, rz float64) bool {
	dx, dy, dz := (x-cx)/rx, (y-cy)/ry, (z-cz)/rz
	return dx*dx+dy*dy+dz*dz <= 1
}

// EvaluateSynthetic runs the harness over n generated phantoms,
// alternating normal and abnormal cases so both confusion matrix rows
// are populated
func (h *Harness) EvaluateSynthetic(n int, seed int64) *DatasetResult {
	result := &DatasetResult{}
	for i := 0; i < n; i++ {
		abnormal := i%2 == 1
		vol := SyntheticCase(48, 48, 32, abnormal, seed+int64(i))

		truth := LabelNormal
		if abnormal {
			truth = LabelAbnormal
		}
		caseID := fmt.Sprintf("synthetic-%03d", i)
		result.Cases = append(result.Cases, h.EvaluateCase(caseID, vol, truth))
	}
	result.finalize()
	return result
}
