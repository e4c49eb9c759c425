package codec

import (
	"math/rand"
	"testing"

	"ctpack/internal/models"
)

// TestThresholdBoundary verifies the strict materiality cutoff: a delta
// equal to the threshold is dropped, one unit above is stored, in both
// directions
func TestThresholdBoundary(t *testing.T) {
	c := NewDeltaCodec(DefaultDeltaThreshold)

	prev := []int16{0, 0, 0, 0}
	curr := []int16{25, 26, -25, -26}

	d := c.EncodeSlice(prev, curr)

	if len(d.Indices) != 2 {
		t.Fatalf("stored %d deltas, want 2 (only |delta| > 25)", len(d.Indices))
	}
	if d.Indices[0] != 1 || d.Values[0] != 26 {
		t.Errorf("first stored delta = (%d, %d), want (1, 26)", d.Indices[0], d.Values[0])
	}
	if d.Indices[1] != 3 || d.Values[1] != -26 {
		t.Errorf("second stored delta = (%d, %d), want (3, -26)", d.Indices[1], d.Values[1])
	}
}

// TestZeroThresholdStoresEveryChange verifies threshold 0 keeps all
// nonzero deltas
func TestZeroThresholdStoresEveryChange(t *testing.T) {
	c := NewDeltaCodec(0)

	prev := []int16{5, 5, 5}
	curr := []int16{5, 6, 4}

	d := c.EncodeSlice(prev, curr)
	if len(d.Indices) != 2 {
		t.Fatalf("stored %d deltas, want 2", len(d.Indices))
	}
}

// TestEncodeApplyRoundTrip verifies that applying the stored deltas to
// the previous slice reproduces every material change exactly and leaves
// the rest carried forward
func TestEncodeApplyRoundTrip(t *testing.T) {
	c := NewDeltaCodec(DefaultDeltaThreshold)

	rng := rand.New(rand.NewSource(11))
	n := 256
	prev := make([]int16, n)
	curr := make([]int16, n)
	for i := range prev {
		prev[i] = int16(rng.Intn(2000) - 1000)
		// Half the voxels change materially, half change at most a little
		if i%2 == 0 {
			curr[i] = prev[i] + int16(30+rng.Intn(200))
		} else {
			curr[i] = prev[i] + int16(rng.Intn(51)-25)
		}
	}

	d := c.EncodeSlice(prev, curr)

	recon := make([]int16, n)
	copy(recon, prev)
	if err := c.ApplySlice(recon, d); err != nil {
		t.Fatalf("ApplySlice failed: %v", err)
	}

	stored := make(map[uint32]bool, len(d.Indices))
	for _, idx := range d.Indices {
		stored[idx] = true
	}

	for i := 0; i < n; i++ {
		if stored[uint32(i)] {
			if recon[i] != curr[i] {
				t.Fatalf("stored position %d reconstructed to %d, want %d", i, recon[i], curr[i])
			}
		} else {
			if recon[i] != prev[i] {
				t.Fatalf("unstored position %d changed from %d to %d", i, prev[i], recon[i])
			}
			diff := int32(curr[i]) - int32(prev[i])
			if diff > DefaultDeltaThreshold || diff < -DefaultDeltaThreshold {
				t.Fatalf("material delta %d at position %d was not stored", diff, i)
			}
		}
	}
}

// TestWidenedDeltaSurvives verifies deltas beyond the int16 range are
// carried without clamping or wraparound
func TestWidenedDeltaSurvives(t *testing.T) {
	c := NewDeltaCodec(DefaultDeltaThreshold)

	prev := []int16{-30000, 100}
	curr := []int16{30000, 100}

	d := c.EncodeSlice(prev, curr)
	if len(d.Values) != 1 {
		t.Fatalf("stored %d deltas, want 1", len(d.Values))
	}
	if d.Values[0] != 60000 {
		t.Fatalf("stored delta = %d, want 60000", d.Values[0])
	}

	recon := []int16{-30000, 100}
	if err := c.ApplySlice(recon, d); err != nil {
		t.Fatalf("ApplySlice failed: %v", err)
	}
	if recon[0] != 30000 {
		t.Errorf("widened delta applied to %d, want 30000", recon[0])
	}
}

// TestChainExactness builds a long slice chain with only material
// changes and verifies the reconstruction of every slice is bit-exact,
// with no drift accumulating toward the end
func TestChainExactness(t *testing.T) {
	const (
		width  = 16
		height = 16
		depth  = 50
	)

	rng := rand.New(rand.NewSource(99))
	vol := models.NewVolume(width, height, depth)

	// Slice 0 starts in the clip range; each later slice either keeps a
	// voxel or moves it by more than the threshold
	for i := 0; i < width*height; i++ {
		vol.Data[i] = int16(rng.Intn(2000) - 1000)
	}
	for z := 1; z < depth; z++ {
		prev := vol.SliceData(z - 1)
		curr := vol.SliceData(z)
		for i := range curr {
			if rng.Intn(3) == 0 {
				step := int16(26 + rng.Intn(100))
				if rng.Intn(2) == 0 {
					step = -step
				}
				curr[i] = prev[i] + step
			} else {
				curr[i] = prev[i]
			}
		}
	}

	ref := NewReferenceCodec(DefaultClipMin, DefaultClipMax)
	dc := NewDeltaCodec(DefaultDeltaThreshold)

	refBytes, err := ref.EncodeReference(vol)
	if err != nil {
		t.Fatalf("EncodeReference failed: %v", err)
	}
	deltas := dc.EncodeVolume(vol, 4)

	refSlice, w, h, err := ref.DecodeSlice(refBytes)
	if err != nil {
		t.Fatalf("DecodeSlice failed: %v", err)
	}
	recon, err := dc.DecodeVolume(refSlice, w, h, deltas)
	if err != nil {
		t.Fatalf("DecodeVolume failed: %v", err)
	}

	for i := range vol.Data {
		if recon.Data[i] != vol.Data[i] {
			z := i / (width * height)
			t.Fatalf("voxel %d (slice %d) = %d, want %d", i, z, recon.Data[i], vol.Data[i])
		}
	}
}

// TestParallelMatchesSerial verifies the fan-out encoder produces the
// same deltas as a single-core run
func TestParallelMatchesSerial(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	vol := models.NewVolume(12, 12, 33)
	for i := range vol.Data {
		vol.Data[i] = int16(rng.Intn(4000) - 2000)
	}

	c := NewDeltaCodec(DefaultDeltaThreshold)
	serial := c.EncodeVolume(vol, 1)
	parallel := c.EncodeVolume(vol, 8)

	if len(serial) != len(parallel) {
		t.Fatalf("serial produced %d delta slices, parallel %d", len(serial), len(parallel))
	}
	for k := range serial {
		if len(serial[k].Indices) != len(parallel[k].Indices) {
			t.Fatalf("slice %d: serial stored %d deltas, parallel %d",
				k, len(serial[k].Indices), len(parallel[k].Indices))
		}
		for i := range serial[k].Indices {
			if serial[k].Indices[i] != parallel[k].Indices[i] || serial[k].Values[i] != parallel[k].Values[i] {
				t.Fatalf("slice %d entry %d differs between serial and parallel", k, i)
			}
		}
	}
}

// TestSparsityExample checks the documented example: a 10-slice 4x4
// volume where one voxel steps to 100 at slice 5 stores a single delta,
// giving sparsity 1 - 1/160
func TestSparsityExample(t *testing.T) {
	vol := models.NewVolume(4, 4, 10)
	for z := 5; z < 10; z++ {
		vol.Set(1, 2, z, 100)
	}

	c := NewDeltaCodec(DefaultDeltaThreshold)
	deltas := c.EncodeVolume(vol, 1)

	var stored int
	for _, d := range deltas {
		stored += len(d.Indices)
	}
	if stored != 1 {
		t.Fatalf("stored %d deltas, want 1", stored)
	}

	got := Sparsity(deltas, vol.NumVoxels())
	want := 1.0 - 1.0/160.0
	if got != want {
		t.Errorf("sparsity = %v, want %v", got, want)
	}
}

// TestApplySliceRejectsBadIndex verifies corrupt indices are refused
// instead of panicking
func TestApplySliceRejectsBadIndex(t *testing.T) {
	c := NewDeltaCodec(DefaultDeltaThreshold)

	recon := make([]int16, 8)
	d := models.DeltaSlice{Indices: []uint32{8}, Values: []int32{50}}

	if err := c.ApplySlice(recon, d); err != ErrIndexOutOfRange {
		t.Errorf("expected ErrIndexOutOfRange, got %v", err)
	}
}

// TestSingleSliceVolumeHasNoDeltas covers the degenerate depth-1 case
func TestSingleSliceVolumeHasNoDeltas(t *testing.T) {
	vol := models.NewVolume(8, 8, 1)

	c := NewDeltaCodec(DefaultDeltaThreshold)
	if deltas := c.EncodeVolume(vol, 4); deltas != nil {
		t.Errorf("expected nil deltas for single-slice volume, got %d", len(deltas))
	}
}

// BenchmarkEncodeVolume measures delta extraction over a mid-sized scan
func BenchmarkEncodeVolume(b *testing.B) {
	rng := rand.New(rand.NewSource(3))
	vol := models.NewVolume(256, 256, 40)
	for i := range vol.Data {
		vol.Data[i] = int16(rng.Intn(3000) - 1000)
	}

	c := NewDeltaCodec(DefaultDeltaThreshold)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.EncodeVolume(vol, 4)
	}
}
