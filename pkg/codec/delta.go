package codec

import (
	"errors"
	"fmt"
	"sync"

	"ctpack/internal/models"
)

// DefaultDeltaThreshold is the materiality cutoff in HU. A voxel change
// is stored only when its absolute delta is STRICTLY greater than the
// threshold; a delta of exactly 25 is treated as noise and dropped.
const DefaultDeltaThreshold = 25

// ErrIndexOutOfRange is returned when a stored delta index does not fit
// the slice it is applied to
var ErrIndexOutOfRange = errors.New("codec: delta index out of slice range")

// DeltaCodec extracts and applies sparse per-slice deltas. Deltas are
// always computed between consecutive ORIGINAL slices, never against a
// reconstruction, so decoding accumulates no error along the slice chain.
type DeltaCodec struct {
	threshold int32
}

// NewDeltaCodec creates a codec with the given materiality threshold
func NewDeltaCodec(threshold int32) *DeltaCodec {
	return &DeltaCodec{threshold: threshold}
}

// Threshold returns the materiality cutoff
func (c *DeltaCodec) Threshold() int32 {
	return c.threshold
}

// EncodeSlice computes the material changes from prev to curr. Both
// slices must have the same length. Differences are taken in int32, so
// any pair of int16 voxels subtracts without overflow; values are kept
// widened and the container narrows them when they fit 16 bits.
func (c *DeltaCodec) EncodeSlice(prev, curr []int16) models.DeltaSlice {
	var d models.DeltaSlice
	for i := range curr {
		diff := int32(curr[i]) - int32(prev[i])
		if diff > c.threshold || diff < -c.threshold {
			d.Indices = append(d.Indices, uint32(i))
			d.Values = append(d.Values, diff)
		}
	}
	return d
}

// ApplySlice adds the stored deltas to recon in place. recon holds the
// previous reconstructed slice on entry and the current one on return.
func (c *DeltaCodec) ApplySlice(recon []int16, d models.DeltaSlice) error {
	if len(d.Indices) != len(d.Values) {
		return fmt.Errorf("codec: %d indices but %d values", len(d.Indices), len(d.Values))
	}
	n := uint32(len(recon))
	for i, idx := range d.Indices {
		if idx >= n {
			return ErrIndexOutOfRange
		}
		recon[idx] = int16(int32(recon[idx]) + d.Values[i])
	}
	return nil
}

// EncodeVolume extracts deltas for slices 1..Depth-1 of a cropped
// volume. Each slice pair is independent, so the work fans out across
// numCores goroutines; results land in a pre-sized array indexed by
// slice, making the output identical to a serial run.
func (c *DeltaCodec) EncodeVolume(vol *models.Volume, numCores int) []models.DeltaSlice {
	if vol.Depth <= 1 {
		return nil
	}

	numDeltas := vol.Depth - 1
	deltas := make([]models.DeltaSlice, numDeltas)

	if numCores < 1 {
		numCores = 1
	}
	if numCores > numDeltas {
		numCores = numDeltas
	}

	var wg sync.WaitGroup
	slicesPerCore := (numDeltas + numCores - 1) / numCores

	for core := 0; core < numCores; core++ {
		wg.Add(1)

		go func(coreID int) {
			defer wg.Done()

			start := coreID * slicesPerCore
			end := start + slicesPerCore
			if end > numDeltas {
				end = numDeltas
			}
			if start >= numDeltas {
				return
			}

			for k := start; k < end; k++ {
				// delta k covers the change from slice k to slice k+1
				deltas[k] = c.EncodeSlice(vol.SliceData(k), vol.SliceData(k+1))
			}
		}(core)
	}

	wg.Wait()
	return deltas
}

// DecodeVolume rebuilds a cropped volume from the decoded reference
// slice and the per-slice deltas. Decoding is sequential by nature:
// slice k needs slice k-1 first.
func (c *DeltaCodec) DecodeVolume(reference []int16, width, height int, deltas []models.DeltaSlice) (*models.Volume, error) {
	if len(reference) != width*height {
		return nil, fmt.Errorf("codec: reference has %d voxels, expected %dx%d", len(reference), width, height)
	}

	depth := len(deltas) + 1
	vol := models.NewVolume(width, height, depth)
	copy(vol.SliceData(0), reference)

	for k := 1; k < depth; k++ {
		curr := vol.SliceData(k)
		copy(curr, vol.SliceData(k-1))
		if err := c.ApplySlice(curr, deltas[k-1]); err != nil {
			return nil, fmt.Errorf("codec: applying deltas for slice %d: %w", k, err)
		}
	}
	return vol, nil
}

// Sparsity returns the fraction of voxels carrying no stored delta,
// counted over every voxel of the cropped volume
func Sparsity(deltas []models.DeltaSlice, totalVoxels int) float64 {
	if totalVoxels == 0 {
		return 1.0
	}
	var stored int64
	for _, d := range deltas {
		stored += int64(len(d.Indices))
	}
	return 1.0 - float64(stored)/float64(totalVoxels)
}
