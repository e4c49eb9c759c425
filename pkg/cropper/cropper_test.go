package cropper

import (
	"testing"

	"ctpack/internal/models"
)

// makeAirVolume builds a volume filled with a uniform air value
func makeAirVolume(w, h, d int, air int16) *models.Volume {
	vol := models.NewVolume(w, h, d)
	for i := range vol.Data {
		vol.Data[i] = air
	}
	return vol
}

// TestCropFindsBodyBoundingBox verifies that a block of tissue inside an
// air volume is cropped to exactly its extent
func TestCropFindsBodyBoundingBox(t *testing.T) {
	vol := makeAirVolume(16, 16, 8, -1000)

	// Insert a soft-tissue block at [4,12) x [5,11) x [2,6)
	for z := 2; z < 6; z++ {
		for y := 5; y < 11; y++ {
			for x := 4; x < 12; x++ {
				vol.Set(x, y, z, 40)
			}
		}
	}

	c := New(DefaultBodyThreshold)
	cropped, info, found := c.Crop(vol)

	if !found {
		t.Fatal("expected body region to be found")
	}
	if info.X0 != 4 || info.X1 != 12 || info.Y0 != 5 || info.Y1 != 11 || info.Z0 != 2 || info.Z1 != 6 {
		t.Errorf("unexpected bounding box: [%d,%d) [%d,%d) [%d,%d)",
			info.X0, info.X1, info.Y0, info.Y1, info.Z0, info.Z1)
	}
	if cropped.Width != 8 || cropped.Height != 6 || cropped.Depth != 4 {
		t.Errorf("unexpected cropped dimensions: %dx%dx%d", cropped.Width, cropped.Height, cropped.Depth)
	}
	if info.BackgroundValue != -1000 {
		t.Errorf("expected background value -1000, got %d", info.BackgroundValue)
	}

	// Every cropped voxel should hold the tissue value
	for i, v := range cropped.Data {
		if v != 40 {
			t.Fatalf("cropped voxel %d = %d, want 40", i, v)
		}
	}
}

// TestCropIdempotentOnFullBodyVolume verifies that a volume with no
// background crops to its full extent and records the sentinel fill
func TestCropIdempotentOnFullBodyVolume(t *testing.T) {
	vol := makeAirVolume(6, 5, 4, 100) // all voxels above threshold

	c := New(DefaultBodyThreshold)
	cropped, info, found := c.Crop(vol)

	if !found {
		t.Fatal("expected body region to be found")
	}
	if cropped.Width != 6 || cropped.Height != 5 || cropped.Depth != 4 {
		t.Errorf("expected full-extent crop, got %dx%dx%d", cropped.Width, cropped.Height, cropped.Depth)
	}
	if info.BackgroundValue != BackgroundSentinel {
		t.Errorf("expected sentinel background %d, got %d", BackgroundSentinel, info.BackgroundValue)
	}
	for i := range vol.Data {
		if cropped.Data[i] != vol.Data[i] {
			t.Fatalf("voxel %d changed during identity crop", i)
		}
	}

	// Cropping the cropped volume again must change nothing
	again, info2, _ := c.Crop(cropped)
	if again.Width != cropped.Width || again.Height != cropped.Height || again.Depth != cropped.Depth {
		t.Errorf("second crop changed dimensions: %dx%dx%d", again.Width, again.Height, again.Depth)
	}
	if info2.X0 != 0 || info2.Y0 != 0 || info2.Z0 != 0 {
		t.Errorf("second crop moved the origin: (%d,%d,%d)", info2.X0, info2.Y0, info2.Z0)
	}
}

// TestCropEmptyVolumeFallsBackToFullExtent verifies the all-background case
func TestCropEmptyVolumeFallsBackToFullExtent(t *testing.T) {
	vol := makeAirVolume(4, 4, 3, -2000)

	c := New(DefaultBodyThreshold)
	cropped, info, found := c.Crop(vol)

	if found {
		t.Error("expected no body region in an all-air volume")
	}
	if cropped.Width != 4 || cropped.Height != 4 || cropped.Depth != 3 {
		t.Errorf("expected full-extent fallback, got %dx%dx%d", cropped.Width, cropped.Height, cropped.Depth)
	}
	if info.BackgroundValue != -2000 {
		t.Errorf("expected background -2000, got %d", info.BackgroundValue)
	}
}

// TestRestoreRoundTrip verifies that crop followed by restore reproduces
// the body region exactly and fills the outside with the background value
func TestRestoreRoundTrip(t *testing.T) {
	vol := makeAirVolume(10, 9, 6, -1024)

	// Body block with an interior air pocket that must survive the trip
	for z := 1; z < 5; z++ {
		for y := 2; y < 7; y++ {
			for x := 3; x < 8; x++ {
				vol.Set(x, y, z, int16(10*z+x))
			}
		}
	}
	vol.Set(5, 4, 3, -950) // below threshold but inside the bounding box

	c := New(DefaultBodyThreshold)
	cropped, info, _ := c.Crop(vol)
	restored := c.Restore(cropped, info)

	if restored.Width != vol.Width || restored.Height != vol.Height || restored.Depth != vol.Depth {
		t.Fatalf("restored dimensions %dx%dx%d do not match original",
			restored.Width, restored.Height, restored.Depth)
	}

	for z := 0; z < vol.Depth; z++ {
		for y := 0; y < vol.Height; y++ {
			for x := 0; x < vol.Width; x++ {
				inBox := x >= info.X0 && x < info.X1 &&
					y >= info.Y0 && y < info.Y1 &&
					z >= info.Z0 && z < info.Z1
				got := restored.At(x, y, z)
				if inBox {
					if got != vol.At(x, y, z) {
						t.Fatalf("voxel (%d,%d,%d) = %d, want %d", x, y, z, got, vol.At(x, y, z))
					}
				} else if got != info.BackgroundValue {
					t.Fatalf("outside voxel (%d,%d,%d) = %d, want background %d",
						x, y, z, got, info.BackgroundValue)
				}
			}
		}
	}

	// The interior air pocket is inside the box and must be preserved
	if restored.At(5, 4, 3) != -950 {
		t.Errorf("air pocket voxel = %d, want -950", restored.At(5, 4, 3))
	}
}

// TestCropDoesNotMutateInput verifies the input volume is left untouched
func TestCropDoesNotMutateInput(t *testing.T) {
	vol := makeAirVolume(5, 5, 5, -1000)
	vol.Set(2, 2, 2, 500)
	original := vol.Clone()

	c := New(DefaultBodyThreshold)
	c.Crop(vol)

	for i := range vol.Data {
		if vol.Data[i] != original.Data[i] {
			t.Fatalf("input voxel %d changed from %d to %d", i, original.Data[i], vol.Data[i])
		}
	}
}
