// Package cropper reduces a CT volume to the bounding box of its body
// region so that later stages never spend bits on surrounding air.
package cropper

import (
	"ctpack/internal/models"
)

// DefaultBodyThreshold is the HU value separating body tissue from
// air/background. Scanner padding and air sit well below it.
const DefaultBodyThreshold = -900

// BackgroundSentinel is recorded when a volume contains no background
// voxel at all, so there is no observed value to fill with on restore.
const BackgroundSentinel = -3024

// Cropper finds the body bounding box and crops/restores volumes around it
type Cropper struct {
	threshold int16
}

// New creates a Cropper with the given body threshold
func New(threshold int16) *Cropper {
	return &Cropper{threshold: threshold}
}

// Crop returns a copy of the volume reduced to the body bounding box
// along with the information needed to restore the original extent.
// The input volume is never modified.
//
// The returned bool reports whether any body voxel was found. When the
// volume is entirely background the crop falls back to the full extent
// so the pipeline still produces a valid artifact.
func (c *Cropper) Crop(vol *models.Volume) (*models.Volume, models.CropInfo, bool) {
	info := models.CropInfo{
		OriginalWidth:  vol.Width,
		OriginalHeight: vol.Height,
		OriginalDepth:  vol.Depth,
	}

	x0, y0, z0, x1, y1, z1, found := c.boundingBox(vol)
	if !found {
		// No voxel above threshold: keep the whole volume
		x0, y0, z0 = 0, 0, 0
		x1, y1, z1 = vol.Width, vol.Height, vol.Depth
	}

	info.X0, info.Y0, info.Z0 = x0, y0, z0
	info.X1, info.Y1, info.Z1 = x1, y1, z1
	info.Width = x1 - x0
	info.Height = y1 - y0
	info.Depth = z1 - z0
	info.BackgroundValue = c.backgroundValue(vol)

	cropped := models.NewVolume(info.Width, info.Height, info.Depth)
	cropped.VoxelSize = vol.VoxelSize
	for z := 0; z < info.Depth; z++ {
		for y := 0; y < info.Height; y++ {
			srcRow := (z0+z)*vol.Width*vol.Height + (y0+y)*vol.Width + x0
			dstRow := z*info.Width*info.Height + y*info.Width
			copy(cropped.Data[dstRow:dstRow+info.Width], vol.Data[srcRow:srcRow+info.Width])
		}
	}

	return cropped, info, found
}

// Restore expands a cropped volume back to its original extent. Voxels
// outside the bounding box are filled with the recorded background value.
func (c *Cropper) Restore(cropped *models.Volume, info models.CropInfo) *models.Volume {
	out := models.NewVolume(info.OriginalWidth, info.OriginalHeight, info.OriginalDepth)
	out.VoxelSize = cropped.VoxelSize

	for i := range out.Data {
		out.Data[i] = info.BackgroundValue
	}

	for z := 0; z < info.Depth; z++ {
		for y := 0; y < info.Height; y++ {
			srcRow := z*info.Width*info.Height + y*info.Width
			dstRow := (info.Z0+z)*info.OriginalWidth*info.OriginalHeight +
				(info.Y0+y)*info.OriginalWidth + info.X0
			copy(out.Data[dstRow:dstRow+info.Width], cropped.Data[srcRow:srcRow+info.Width])
		}
	}

	return out
}

// boundingBox scans the volume for the extent of voxels above the body
// threshold. Bounds are inclusive-exclusive. found is false when no
// voxel qualifies.
func (c *Cropper) boundingBox(vol *models.Volume) (x0, y0, z0, x1, y1, z1 int, found bool) {
	x0, y0, z0 = vol.Width, vol.Height, vol.Depth
	x1, y1, z1 = 0, 0, 0

	idx := 0
	for z := 0; z < vol.Depth; z++ {
		for y := 0; y < vol.Height; y++ {
			for x := 0; x < vol.Width; x++ {
				if vol.Data[idx] > c.threshold {
					found = true
					if x < x0 {
						x0 = x
					}
					if y < y0 {
						y0 = y
					}
					if z < z0 {
						z0 = z
					}
					if x+1 > x1 {
						x1 = x + 1
					}
					if y+1 > y1 {
						y1 = y + 1
					}
					if z+1 > z1 {
						z1 = z + 1
					}
				}
				idx++
			}
		}
	}

	if !found {
		return 0, 0, 0, 0, 0, 0, false
	}
	return x0, y0, z0, x1, y1, z1, true
}

// backgroundValue returns the minimum HU among background voxels, the
// value most representative of the scanner's padding. Falls back to the
// sentinel when every voxel is body.
func (c *Cropper) backgroundValue(vol *models.Volume) int16 {
	var bg int16
	haveBg := false
	for _, v := range vol.Data {
		if v <= c.threshold {
			if !haveBg || v < bg {
				bg = v
				haveBg = true
			}
		}
	}
	if !haveBg {
		return BackgroundSentinel
	}
	return bg
}
